package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hitoshi/agendamail/internal/model"
)

// PostgresJobRepo はPostgreSQLを使用したスケジュールジョブリポジトリ。
// 受信者IDはカンマ区切りのTEXT列で保持する（空文字列 = 全ユーザー）。
type PostgresJobRepo struct {
	db *sql.DB
}

// NewPostgresJobRepo はPostgresJobRepoを生成する。
func NewPostgresJobRepo(db *sql.DB) *PostgresJobRepo {
	return &PostgresJobRepo{db: db}
}

const jobColumns = `id, target_time, recipient_ids, look_ahead_days, status, created_by, created_at, completed_at`

func scanJob(row interface{ Scan(...any) error }) (*model.ScheduledJob, error) {
	job := &model.ScheduledJob{}
	var recipients string
	var completedAt sql.NullTime
	err := row.Scan(&job.ID, &job.TargetTime, &recipients, &job.LookAheadDays, &job.Status, &job.CreatedBy, &job.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	job.RecipientIDs = decodeRecipientIDs(recipients)
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return job, nil
}

// Create はジョブを作成する。
func (r *PostgresJobRepo) Create(ctx context.Context, job *model.ScheduledJob) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, target_time, recipient_ids, look_ahead_days, status, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID, job.TargetTime, encodeRecipientIDs(job.RecipientIDs), job.LookAheadDays, job.Status, job.CreatedBy, job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert scheduled job: %w", err)
	}
	return nil
}

// FindByID は指定IDのジョブを取得する。見つからない場合はnilを返す。
func (r *PostgresJobRepo) FindByID(ctx context.Context, id string) (*model.ScheduledJob, error) {
	job, err := scanJob(r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = $1`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find scheduled job: %w", err)
	}
	return job, nil
}

// List は全ジョブを作成日時の降順で返す。
func (r *PostgresJobRepo) List(ctx context.Context) ([]*model.ScheduledJob, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM scheduled_jobs ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// ListDue はtarget_time <= now かつ pending のジョブを返す。
// 取得自体は排他しない。複数ワーカーが同じジョブを拾っても、
// 実行側のpending→running比較更新（CompareAndSetStatus）で片方だけが勝つ。
func (r *PostgresJobRepo) ListDue(ctx context.Context, now time.Time) ([]*model.ScheduledJob, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM scheduled_jobs
		 WHERE status = $1 AND target_time <= $2
		 ORDER BY target_time`,
		model.JobStatusPending, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list due jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// CompareAndSetStatus は現在の状態がfromの場合のみtoへ遷移させる。
// ステータス列を単一の権威として扱い、WHERE句の事前条件で遷移の原子性を保証する。
func (r *PostgresJobRepo) CompareAndSetStatus(ctx context.Context, id string, from, to model.JobStatus, at time.Time) (bool, error) {
	var result sql.Result
	var err error

	if to.IsTerminal() {
		result, err = r.db.ExecContext(ctx,
			`UPDATE scheduled_jobs SET status = $1, completed_at = $2 WHERE id = $3 AND status = $4`,
			to, at, id, from,
		)
	} else {
		result, err = r.db.ExecContext(ctx,
			`UPDATE scheduled_jobs SET status = $1 WHERE id = $2 AND status = $3`,
			to, id, from,
		)
	}
	if err != nil {
		return false, fmt.Errorf("failed to update job status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

// DeleteTerminalBefore は終端状態かつcreated_atがcutoffより古いジョブを削除する。
func (r *PostgresJobRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM scheduled_jobs
		 WHERE status IN ($1, $2, $3) AND created_at < $4`,
		model.JobStatusCompleted, model.JobStatusFailed, model.JobStatusCancelled, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete terminal jobs: %w", err)
	}
	return result.RowsAffected()
}

func collectJobs(rows *sql.Rows) ([]*model.ScheduledJob, error) {
	var jobs []*model.ScheduledJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scheduled job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate scheduled jobs: %w", err)
	}
	return jobs, nil
}

// encodeRecipientIDs は受信者IDリストをカンマ区切り文字列に変換する。
func encodeRecipientIDs(ids []string) string {
	return strings.Join(ids, ",")
}

// decodeRecipientIDs はカンマ区切り文字列を受信者IDリストに変換する。
// 空文字列は「全ユーザー対象」を意味するためnilを返す。
func decodeRecipientIDs(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// compile-time interface check
var _ JobRepository = (*PostgresJobRepo)(nil)
