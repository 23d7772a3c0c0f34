// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/agendamail/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// Create はユーザーを作成する。
	Create(ctx context.Context, user *model.User) error

	// UpdateRole はユーザーのロールを更新する。
	UpdateRole(ctx context.Context, id string, role model.Role) error

	// UpdateLookAheadDays はユーザーの取得期間設定を更新する。
	UpdateLookAheadDays(ctx context.Context, id string, days int) error

	// ListAll は全ユーザーを返す。
	ListAll(ctx context.Context) ([]*model.User, error)

	// ListByIDs は指定IDのユーザー群を返す。存在しないIDは結果に含まれない。
	ListByIDs(ctx context.Context, ids []string) ([]*model.User, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
}

// CredentialRepository は暗号化済みOAuthトークンペアの永続化インターフェース。
// 書き込みはリフレッシャーと認証コールバックのみが行う。
type CredentialRepository interface {
	// FindByUserID は指定ユーザーのクレデンシャルを取得する。見つからない場合はnilを返す。
	FindByUserID(ctx context.Context, userID string) (*model.Credential, error)

	// Upsert はクレデンシャルをアトミックに作成または更新する。
	// 両シークレット・有効期限・last_refreshed_atを1文で書き込み、invalidフラグを解除する。
	Upsert(ctx context.Context, cred *model.Credential) error

	// MarkInvalid はクレデンシャルを無効状態にする。レコードは削除しない。
	MarkInvalid(ctx context.Context, userID string) error
}

// JobRepository はスケジュールジョブの永続化インターフェース。
type JobRepository interface {
	// Create はジョブを作成する。
	Create(ctx context.Context, job *model.ScheduledJob) error

	// FindByID は指定IDのジョブを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.ScheduledJob, error)

	// List は全ジョブを作成日時の降順で返す。
	List(ctx context.Context) ([]*model.ScheduledJob, error)

	// ListDue はtarget_time <= now かつ pending のジョブを
	// FOR UPDATE SKIP LOCKEDで排他的に取得する。
	ListDue(ctx context.Context, now time.Time) ([]*model.ScheduledJob, error)

	// CompareAndSetStatus は現在の状態がfromの場合のみtoへ遷移させる。
	// 遷移できた場合はtrueを返す。終端状態への遷移時はcompleted_atも記録する。
	CompareAndSetStatus(ctx context.Context, id string, from, to model.JobStatus, at time.Time) (bool, error)

	// DeleteTerminalBefore は終端状態かつcreated_atがcutoffより古いジョブを削除し、
	// 削除件数を返す。pending/runningのジョブには決して触れない。
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RunLogRepository は配信ログの永続化インターフェース。
// 追記専用であり、既存エントリの更新は提供しない。
type RunLogRepository interface {
	// Create はログエントリを追記する。
	Create(ctx context.Context, entry *model.RunLogEntry) error

	// ListByRange は期間内のエントリをsent_atの降順で最大limit件返す。
	// fromまたはtoがゼロ値の場合、その境界は適用しない。
	ListByRange(ctx context.Context, from, to time.Time, limit int) ([]*model.RunLogEntry, error)

	// Stats は期間内の成功・失敗件数を集計する。
	Stats(ctx context.Context, from, to time.Time) (*model.RunLogStats, error)

	// DeleteBefore はsent_atがcutoffより古いエントリを削除し、削除件数を返す。
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
