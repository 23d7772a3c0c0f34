package model

import "time"

// RunStatus は配信試行の結果を表す。
type RunStatus string

const (
	// RunStatusSuccess は配信成功。フォールバック要約による配信も成功として扱う。
	RunStatusSuccess RunStatus = "success"
	// RunStatusFailed は配信失敗。
	RunStatusFailed RunStatus = "failed"
)

// RunLogEntry は1回の配信試行の不変な記録。
// 作成後に更新されることはなく、保持期間超過後のパージのみ許される。
type RunLogEntry struct {
	ID             string
	RecipientID    string
	RecipientEmail string
	RecipientName  string
	Subject        string
	Status         RunStatus
	ErrorDetail    string // 失敗時のみ。成功時は空文字列
	EventsCount    int
	LookAheadDays  int
	SentAt         time.Time
}

// RunLogStats は配信ログの集計値。管理画面の成功/失敗件数表示に使用する。
type RunLogStats struct {
	Total   int
	Success int
	Failed  int
}
