// Package mail はGmail APIによるメール送信を提供する。
package mail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/hitoshi/agendamail/internal/model"
)

// defaultEndpoint はGmail APIのメッセージ送信エンドポイント。
// users/meは認可されたトークンの持ち主を指すため、送信者は常に受信者自身のアカウントになる。
const defaultEndpoint = "https://gmail.googleapis.com/gmail/v1/users/me/messages/send"

// Message は送信するメールの内容。
type Message struct {
	ToEmail  string
	ToName   string
	Subject  string
	HTMLBody string
}

// Sender はメール送信のインターフェース。
type Sender interface {
	// Send はアクセストークンの持ち主のアカウントからメールを送信する。
	Send(ctx context.Context, accessToken string, msg *Message) error
}

// GmailSender はGmail APIによるメール送信クライアント。
type GmailSender struct {
	httpClient *http.Client
	logger     *slog.Logger
	endpoint   string // テスト用にエンドポイントを差し替え可能
}

// NewGmailSender はGmailSenderの新しいインスタンスを生成する。
func NewGmailSender(httpClient *http.Client, logger *slog.Logger) *GmailSender {
	return &GmailSender{
		httpClient: httpClient,
		logger:     logger,
		endpoint:   defaultEndpoint,
	}
}

// Send はメールを1通送信する。送信は再試行しない。
// 認可エラー（401/403）はCREDENTIAL_INVALID、それ以外の失敗はTRANSIENT_NETWORKを返す。
func (s *GmailSender) Send(ctx context.Context, accessToken string, msg *Message) error {
	raw := buildRawMessage(msg)

	payload, err := json.Marshal(map[string]string{"raw": raw})
	if err != nil {
		return fmt.Errorf("リクエストボディの生成に失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Error("Gmail APIの呼び出しに失敗しました",
			slog.String("to", msg.ToEmail),
			slog.String("error", err.Error()),
		)
		return model.NewTransientNetworkError(err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.NewTransientNetworkError(fmt.Sprintf("レスポンスボディの読み取りに失敗しました: %v", err))
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		s.logger.Warn("Gmail APIが認可エラーを返しました",
			slog.String("to", msg.ToEmail),
			slog.Int("http_status", resp.StatusCode),
		)
		return model.NewCredentialInvalidError("")
	}
	if resp.StatusCode != http.StatusOK {
		s.logger.Error("Gmail APIがエラーステータスを返しました",
			slog.String("to", msg.ToEmail),
			slog.Int("http_status", resp.StatusCode),
		)
		return model.NewTransientNetworkError(fmt.Sprintf("Gmail APIがステータス %d を返しました: %s", resp.StatusCode, string(body)))
	}

	return nil
}

// buildRawMessage はRFC 5322形式のメッセージを組み立て、base64url文字列にする。
// 件名と宛先表示名は非ASCII文字を含むためMIMEエンコードする。
func buildRawMessage(msg *Message) string {
	var b strings.Builder

	to := msg.ToEmail
	if msg.ToName != "" {
		to = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("UTF-8", msg.ToName), msg.ToEmail)
	}

	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("UTF-8", msg.Subject) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	b.WriteString("Content-Transfer-Encoding: base64\r\n")
	b.WriteString("\r\n")
	b.WriteString(base64.StdEncoding.EncodeToString([]byte(msg.HTMLBody)))

	return base64.URLEncoding.EncodeToString([]byte(b.String()))
}

// compile-time interface check
var _ Sender = (*GmailSender)(nil)
