package model

import "time"

// JobStatus はスケジュールジョブの状態を表す。
// 遷移は pending → running → completed | failed、または pending → cancelled のみ。
// 終端状態（completed/failed/cancelled）からの遷移は存在しない。
type JobStatus string

const (
	// JobStatusPending は実行待ち状態。
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning は配信パイプライン実行中の状態。
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted は全受信者の試行が記録された状態。
	// 個々の配信の成否には依存しない。
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed はパイプラインを起動できなかった状態。
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled は実行前に取り消された状態。
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal は終端状態かどうかを返す。
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// SystemCreator は定期トリガーが作成したジョブのcreated_byに使用する識別子。
const SystemCreator = "system"

// ScheduledJob は1回分の配信リクエスト（即時・予約・定期いずれか）を表す。
type ScheduledJob struct {
	ID            string
	TargetTime    time.Time
	RecipientIDs  []string // 空の場合は全ユーザーが対象
	LookAheadDays int
	Status        JobStatus
	CreatedBy     string
	CreatedAt     time.Time
	CompletedAt   *time.Time
}
