// Package pipeline は1受信者分の配信（取得・要約・送信）を実行する。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/agendamail/internal/calendar"
	"github.com/hitoshi/agendamail/internal/mail"
	"github.com/hitoshi/agendamail/internal/metrics"
	"github.com/hitoshi/agendamail/internal/model"
	"github.com/hitoshi/agendamail/internal/repository"
	"github.com/hitoshi/agendamail/internal/summary"
)

// TokenSource は有効なアクセストークンの取得インターフェース。
type TokenSource interface {
	AccessSecret(ctx context.Context, userID string) (string, error)
}

// Summarizer は本文組み立てのインターフェース。
type Summarizer interface {
	Summarize(ctx context.Context, events []model.Event, userName string, lookAheadDays int) *summary.Result
}

// Pair は配信1回分の取得元ユーザーと受信者の組。
// 個別モードでは両者は同一、ブロードキャストモードでは取得元が固定される。
type Pair struct {
	Source    *model.User
	Recipient *model.User
}

// Config はPipelineの設定。
type Config struct {
	// FetchTimeout は予定取得全体の上限時間。
	FetchTimeout time.Duration
	// SendTimeout は送信1回の上限時間。
	SendTimeout time.Duration
	// Location は件名の日付表記に使うタイムゾーン。
	Location *time.Location
}

// Pipeline は配信処理のオーケストレーター。
type Pipeline struct {
	tokens     TokenSource
	fetcher    calendar.Fetcher
	summarizer Summarizer
	sender     mail.Sender
	userRepo   repository.UserRepository
	runLogRepo repository.RunLogRepository
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
	config     Config
}

// NewPipeline はPipelineを生成する。
func NewPipeline(
	tokens TokenSource,
	fetcher calendar.Fetcher,
	summarizer Summarizer,
	sender mail.Sender,
	userRepo repository.UserRepository,
	runLogRepo repository.RunLogRepository,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	config Config,
) *Pipeline {
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = 30 * time.Second
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = 30 * time.Second
	}
	if config.Location == nil {
		config.Location = time.UTC
	}
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &Pipeline{
		tokens:     tokens,
		fetcher:    fetcher,
		summarizer: summarizer,
		sender:     sender,
		userRepo:   userRepo,
		runLogRepo: runLogRepo,
		metrics:    collector,
		logger:     logger,
		config:     config,
	}
}

// Deliver は1受信者分の配信を実行し、結果をログに記録して返す。
// 配信の失敗はRunLogEntryに記録され、エラーとしては返さない。
// エラーを返すのはログの永続化に失敗した場合のみ。
func (p *Pipeline) Deliver(ctx context.Context, pair Pair, lookAheadDays int) (*model.RunLogEntry, error) {
	start := time.Now()
	entry := p.deliver(ctx, pair, lookAheadDays)
	p.metrics.RecordDeliveryLatency(time.Since(start))

	if entry.Status == model.RunStatusSuccess {
		p.metrics.RecordDeliverySuccess()
		p.logger.Info("配信に成功しました",
			slog.String("recipient", entry.RecipientEmail),
			slog.Int("events_count", entry.EventsCount),
			slog.Int("look_ahead_days", entry.LookAheadDays),
		)
	} else {
		p.metrics.RecordDeliveryFailure()
		p.logger.Error("配信に失敗しました",
			slog.String("recipient", entry.RecipientEmail),
			slog.String("error", entry.ErrorDetail),
		)
	}

	if err := p.runLogRepo.Create(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to persist run log entry: %w", err)
	}
	return entry, nil
}

// deliver は配信本体。失敗はRunLogEntryのfailedとして表現する。
func (p *Pipeline) deliver(ctx context.Context, pair Pair, lookAheadDays int) *model.RunLogEntry {
	entry := &model.RunLogEntry{
		ID:             uuid.New().String(),
		RecipientID:    pair.Recipient.ID,
		RecipientEmail: pair.Recipient.Email,
		RecipientName:  pair.Recipient.Name,
		LookAheadDays:  lookAheadDays,
		SentAt:         time.Now(),
	}

	// 1. 取得元ユーザーのトークンで予定を取得
	sourceToken, err := p.tokens.AccessSecret(ctx, pair.Source.ID)
	if err != nil {
		return failEntry(entry, fmt.Errorf("取得元のトークン取得に失敗しました: %w", err))
	}

	fetchCtx, cancelFetch := context.WithTimeout(ctx, p.config.FetchTimeout)
	events, err := p.fetcher.FetchEvents(fetchCtx, sourceToken, lookAheadDays)
	cancelFetch()
	if err != nil {
		return failEntry(entry, fmt.Errorf("予定の取得に失敗しました: %w", err))
	}
	entry.EventsCount = len(events)

	// 2. 受信者宛の本文を組み立てる。生成の失敗はフォールバックに吸収され配信は続行する
	result := p.summarizer.Summarize(ctx, events, pair.Recipient.Name, lookAheadDays)
	if result.Source == summary.SourceFallback && len(events) > 0 {
		p.metrics.RecordGenerationFallback()
	}

	entry.Subject = buildSubject(time.Now().In(p.config.Location), lookAheadDays)

	// 3. 受信者自身のトークンで送信する
	recipientToken := sourceToken
	if pair.Recipient.ID != pair.Source.ID {
		recipientToken, err = p.tokens.AccessSecret(ctx, pair.Recipient.ID)
		if err != nil {
			return failEntry(entry, fmt.Errorf("受信者のトークン取得に失敗しました: %w", err))
		}
	}

	sendCtx, cancelSend := context.WithTimeout(ctx, p.config.SendTimeout)
	err = p.sender.Send(sendCtx, recipientToken, &mail.Message{
		ToEmail:  pair.Recipient.Email,
		ToName:   pair.Recipient.Name,
		Subject:  entry.Subject,
		HTMLBody: result.HTML,
	})
	cancelSend()
	if err != nil {
		return failEntry(entry, fmt.Errorf("メールの送信に失敗しました: %w", err))
	}

	entry.Status = model.RunStatusSuccess
	return entry
}

// BuildPairs は受信者IDリストから配信ペアを組み立てる。
// recipientIDsが空の場合は全ユーザーが対象。
// broadcastがtrueの場合、最初の管理者を取得元として全受信者に配る。
func (p *Pipeline) BuildPairs(ctx context.Context, recipientIDs []string, broadcast bool) ([]Pair, error) {
	var recipients []*model.User
	var err error

	if len(recipientIDs) == 0 {
		recipients, err = p.userRepo.ListAll(ctx)
	} else {
		recipients, err = p.userRepo.ListByIDs(ctx, recipientIDs)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load recipients: %w", err)
	}
	if missing := unresolvedIDs(recipientIDs, recipients); len(missing) > 0 {
		// 指定された受信者が既に存在しない。スキップするが報告は残す
		p.logger.Warn("解決できない受信者IDをスキップします",
			slog.String("recipient_ids", strings.Join(missing, ",")),
		)
	}
	if len(recipients) == 0 {
		return nil, errors.New("no recipients resolved")
	}

	if !broadcast {
		pairs := make([]Pair, 0, len(recipients))
		for _, user := range recipients {
			pairs = append(pairs, Pair{Source: user, Recipient: user})
		}
		return pairs, nil
	}

	source, err := p.firstAdmin(ctx)
	if err != nil {
		return nil, err
	}

	pairs := make([]Pair, 0, len(recipients))
	for _, user := range recipients {
		pairs = append(pairs, Pair{Source: source, Recipient: user})
	}
	return pairs, nil
}

// unresolvedIDs は指定IDのうちユーザーに解決できなかったものを返す。
func unresolvedIDs(requested []string, resolved []*model.User) []string {
	if len(requested) == 0 {
		return nil
	}
	found := make(map[string]bool, len(resolved))
	for _, user := range resolved {
		found[user.ID] = true
	}
	var missing []string
	for _, id := range requested {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	return missing
}

// firstAdmin は登録日時が最も古い管理者を返す。ブロードキャストの取得元になる。
func (p *Pipeline) firstAdmin(ctx context.Context) (*model.User, error) {
	users, err := p.userRepo.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load users: %w", err)
	}
	for _, user := range users {
		if user.IsAdmin() {
			return user, nil
		}
	}
	return nil, errors.New("no admin user available as broadcast source")
}

// buildSubject は件名を組み立てる。
func buildSubject(now time.Time, lookAheadDays int) string {
	return fmt.Sprintf("今後%d日間の予定まとめ（%d月%d日）", lookAheadDays, int(now.Month()), now.Day())
}

// failEntry はエントリを失敗として確定する。
func failEntry(entry *model.RunLogEntry, err error) *model.RunLogEntry {
	entry.Status = model.RunStatusFailed
	entry.ErrorDetail = err.Error()
	return entry
}
