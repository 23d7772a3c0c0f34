// Package token はアクセストークンの透過的な更新を提供する。
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/agendamail/internal/crypto"
	"github.com/hitoshi/agendamail/internal/metrics"
	"github.com/hitoshi/agendamail/internal/model"
	"github.com/hitoshi/agendamail/internal/repository"
)

const defaultGoogleTokenURL = "https://oauth2.googleapis.com/token"

// DefaultSafetyMargin は有効期限切れ前に先回りして更新する余裕時間。
// 取得から送信までのパイプライン実行中にトークンが失効するのを防ぐ。
const DefaultSafetyMargin = 60 * time.Second

// DefaultRequestTimeout はトークンエンドポイントへのリクエスト1回の上限時間。
// 更新中はユーザー単位のロックを保持するため、無期限に待ってはならない。
const DefaultRequestTimeout = 15 * time.Second

// RefresherConfig はRefresherの設定。
type RefresherConfig struct {
	ClientID     string
	ClientSecret string
	SafetyMargin time.Duration

	// HTTPClient はトークンエンドポイントへのHTTPクライアント。
	// 未指定の場合はDefaultRequestTimeoutのタイムアウト付きクライアントを使う。
	HTTPClient *http.Client

	// テスト用にオーバーライド可能なURL
	TokenURL string
}

// Refresher は保存済みクレデンシャルから有効なアクセストークンを返す。
// 期限切れが近い場合はリフレッシュトークンで更新してから返す。
type Refresher struct {
	credRepo repository.CredentialRepository
	cipher   crypto.Cipher
	metrics  metrics.MetricsCollector
	config   RefresherConfig

	// ユーザー単位の更新直列化。同一ユーザーの並行更新は二重リフレッシュになるため。
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRefresher はRefresherを生成する。
func NewRefresher(credRepo repository.CredentialRepository, cipher crypto.Cipher, collector metrics.MetricsCollector, config RefresherConfig) *Refresher {
	if config.SafetyMargin <= 0 {
		config.SafetyMargin = DefaultSafetyMargin
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultGoogleTokenURL
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: DefaultRequestTimeout}
	}
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &Refresher{
		credRepo: credRepo,
		cipher:   cipher,
		metrics:  collector,
		config:   config,
		locks:    make(map[string]*sync.Mutex),
	}
}

// AccessSecret は指定ユーザーの有効なアクセストークン（平文）を返す。
// クレデンシャルが無効・存在しない場合はCREDENTIAL_INVALID、
// 更新リクエストの通信失敗はTRANSIENT_NETWORKを返す。
func (r *Refresher) AccessSecret(ctx context.Context, userID string) (string, error) {
	lock := r.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	cred, err := r.credRepo.FindByUserID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to find credential: %w", err)
	}
	if cred == nil || cred.Invalid {
		return "", model.NewCredentialInvalidError(userID)
	}

	if !cred.NeedsRefresh(time.Now(), r.config.SafetyMargin) {
		return r.cipher.Decrypt(cred.AccessSecret)
	}

	return r.refresh(ctx, cred)
}

// refresh はリフレッシュトークンでアクセストークンを更新し永続化する。
// 呼び出し元がユーザー単位のロックを保持している前提。
func (r *Refresher) refresh(ctx context.Context, cred *model.Credential) (string, error) {
	if len(cred.RefreshSecret) == 0 {
		if err := r.credRepo.MarkInvalid(ctx, cred.UserID); err != nil {
			slog.Error("failed to mark credential invalid", slog.String("user_id", cred.UserID), slog.String("error", err.Error()))
		}
		return "", model.NewCredentialInvalidError(cred.UserID)
	}

	refreshToken, err := r.cipher.Decrypt(cred.RefreshSecret)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt refresh secret: %w", err)
	}

	tokenResp, rejected, err := r.requestRefresh(ctx, refreshToken)
	if err != nil {
		if rejected {
			// プロバイダーが更新を拒否した。再ログインまで無効扱いにするが、レコードは残す。
			if markErr := r.credRepo.MarkInvalid(ctx, cred.UserID); markErr != nil {
				slog.Error("failed to mark credential invalid", slog.String("user_id", cred.UserID), slog.String("error", markErr.Error()))
			}
			slog.Warn("credential rejected by provider", slog.String("user_id", cred.UserID))
			return "", model.NewCredentialInvalidError(cred.UserID)
		}
		return "", model.NewTransientNetworkError(err.Error())
	}

	accessSecret, err := r.cipher.Encrypt(tokenResp.AccessToken)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt access token: %w", err)
	}

	now := time.Now()
	updated := &model.Credential{
		UserID:          cred.UserID,
		AccessSecret:    accessSecret,
		RefreshSecret:   cred.RefreshSecret,
		ExpiresAt:       now.Add(time.Duration(tokenResp.ExpiresIn) * time.Second),
		LastRefreshedAt: now,
	}
	if err := r.credRepo.Upsert(ctx, updated); err != nil {
		return "", fmt.Errorf("failed to persist refreshed credential: %w", err)
	}

	r.metrics.RecordTokenRefresh()
	slog.Info("access token refreshed", slog.String("user_id", cred.UserID))
	return tokenResp.AccessToken, nil
}

// tokenResponse はトークンエンドポイントのレスポンス。
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// requestRefresh はrefresh_tokenグラントを実行する。
// rejectedはプロバイダーがトークン自体を拒否した（再試行しても無駄な）場合にtrue。
func (r *Refresher) requestRefresh(ctx context.Context, refreshToken string) (*tokenResponse, bool, error) {
	data := url.Values{
		"client_id":     {r.config.ClientID},
		"client_secret": {r.config.ClientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.config.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, false, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.config.HTTPClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read refresh response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		rejected := resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden
		return nil, rejected, fmt.Errorf("refresh failed with status %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, false, fmt.Errorf("failed to parse refresh response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, false, fmt.Errorf("empty access token in refresh response")
	}

	return &tokenResp, false, nil
}

// userLock はユーザーごとのミューテックスを返す。初回アクセス時に生成する。
func (r *Refresher) userLock(userID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[userID] = lock
	}
	return lock
}
