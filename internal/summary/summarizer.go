// Package summary は予定一覧からメール本文HTMLを組み立てる。
// 生成AIによる要約を優先し、失敗時は決定的なテンプレート描画へ切り替える。
package summary

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hitoshi/agendamail/internal/model"
)

// Source は本文HTMLの由来を表す。
type Source string

const (
	// SourceGenerated は生成AIによる要約。
	SourceGenerated Source = "generated"
	// SourceFallback は決定的なテンプレート描画。
	SourceFallback Source = "fallback"
)

// Result は本文組み立ての結果。
type Result struct {
	HTML   string
	Source Source
}

// Generator はテキスト生成のインターフェース。
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Config はSummarizerの設定。
type Config struct {
	// GenerateTimeout は生成呼び出し1回あたりの上限時間。
	GenerateTimeout time.Duration
	// Location は日付見出しと時刻表記に使うタイムゾーン。
	Location *time.Location
}

// Summarizer は予定一覧からメール本文HTMLを組み立てる。
type Summarizer struct {
	generator Generator
	logger    *slog.Logger
	policy    *bluemonday.Policy
	config    Config
}

// NewSummarizer はSummarizerを生成する。
func NewSummarizer(generator Generator, logger *slog.Logger, config Config) *Summarizer {
	if config.GenerateTimeout <= 0 {
		config.GenerateTimeout = 30 * time.Second
	}
	if config.Location == nil {
		config.Location = time.UTC
	}
	return &Summarizer{
		generator: generator,
		logger:    logger,
		policy:    bluemonday.UGCPolicy(),
		config:    config,
	}
}

// Summarize は予定一覧から受信者宛の本文HTMLを組み立てる。
// userNameは本文冒頭の挨拶と生成プロンプトの宛名に使う。
// 予定が0件の場合は生成呼び出しを行わず固定の本文を返す。
// 生成の失敗・タイムアウト・検査不合格はすべてフォールバックに切り替え、エラーにはしない。
func (s *Summarizer) Summarize(ctx context.Context, events []model.Event, userName string, lookAheadDays int) *Result {
	if len(events) == 0 {
		return &Result{HTML: RenderEmpty(userName, lookAheadDays), Source: SourceFallback}
	}

	html, err := s.generate(ctx, events, userName, lookAheadDays)
	if err != nil {
		s.logger.Warn("要約の生成に失敗したためフォールバックに切り替えます",
			slog.Int("events_count", len(events)),
			slog.String("error", err.Error()),
		)
		return &Result{HTML: RenderFallback(events, userName, lookAheadDays, s.config.Location), Source: SourceFallback}
	}

	return &Result{HTML: html, Source: SourceGenerated}
}

// generate は生成AIで要約HTMLを作り、サニタイズと構造検査を行う。
func (s *Summarizer) generate(ctx context.Context, events []model.Event, userName string, lookAheadDays int) (string, error) {
	genCtx, cancel := context.WithTimeout(ctx, s.config.GenerateTimeout)
	defer cancel()

	raw, err := s.generator.Generate(genCtx, buildPrompt(events, userName, lookAheadDays, s.config.Location))
	if err != nil {
		return "", err
	}

	raw = stripCodeFence(raw)
	sanitized := s.policy.Sanitize(raw)
	if strings.TrimSpace(sanitized) == "" {
		return "", fmt.Errorf("生成結果がサニタイズ後に空になりました")
	}
	if !strings.Contains(sanitized, "<") {
		return "", fmt.Errorf("生成結果にHTML構造が含まれていません")
	}

	// サニタイズでhtml/bodyタグが落ちるため、外枠をかぶせ直す
	return "<html><body>\n" + sanitized + "\n</body></html>", nil
}

// buildPrompt は予定一覧から生成AIへのプロンプトを組み立てる。
func buildPrompt(events []model.Event, userName string, lookAheadDays int, loc *time.Location) string {
	var b strings.Builder
	if userName != "" {
		b.WriteString(fmt.Sprintf("受信者名: %s\n", userName))
	}
	b.WriteString(fmt.Sprintf("以下は今後%d日間のカレンダー予定の一覧です。\n", lookAheadDays))
	b.WriteString("日付ごとに整理し、読みやすいHTML形式のメール本文を300語以内で作成してください。\n")
	b.WriteString("冒頭は受信者への挨拶で始めてください。\n")
	b.WriteString("HTMLタグ以外の前置きやコードブロック記法は含めないでください。\n\n")

	for _, event := range events {
		b.WriteString("- ")
		b.WriteString(event.Start.In(loc).Format("2006-01-02"))
		b.WriteString(" ")
		b.WriteString(formatTimeRange(event, loc))
		b.WriteString(" ")
		b.WriteString(event.Title)
		if event.Location != "" {
			b.WriteString(" @ ")
			b.WriteString(event.Location)
		}
		b.WriteString("\n")
	}

	return b.String()
}

// stripCodeFence は生成結果を囲むMarkdownコードブロック記法を取り除く。
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```html")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
