package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/agendamail/internal/model"
)

// PostgresRunLogRepo はPostgreSQLを使用した配信ログリポジトリ。
// 追記と読み取りのみを提供し、更新系の操作は存在しない。
type PostgresRunLogRepo struct {
	db *sql.DB
}

// NewPostgresRunLogRepo はPostgresRunLogRepoを生成する。
func NewPostgresRunLogRepo(db *sql.DB) *PostgresRunLogRepo {
	return &PostgresRunLogRepo{db: db}
}

// Create はログエントリを追記する。
func (r *PostgresRunLogRepo) Create(ctx context.Context, entry *model.RunLogEntry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO run_log_entries
		 (id, recipient_id, recipient_email, recipient_name, subject, status, error_detail, events_count, look_ahead_days, sent_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.ID, entry.RecipientID, entry.RecipientEmail, entry.RecipientName, entry.Subject,
		entry.Status, nullableString(entry.ErrorDetail), entry.EventsCount, entry.LookAheadDays, entry.SentAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run log entry: %w", err)
	}
	return nil
}

// ListByRange は期間内のエントリをsent_atの降順で最大limit件返す。
func (r *PostgresRunLogRepo) ListByRange(ctx context.Context, from, to time.Time, limit int) ([]*model.RunLogEntry, error) {
	if limit <= 0 {
		limit = 500
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, recipient_id, recipient_email, recipient_name, subject, status, error_detail, events_count, look_ahead_days, sent_at
		 FROM run_log_entries
		 WHERE ($1::timestamptz IS NULL OR sent_at >= $1)
		   AND ($2::timestamptz IS NULL OR sent_at <= $2)
		 ORDER BY sent_at DESC
		 LIMIT $3`,
		nullableTime(from), nullableTime(to), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list run log entries: %w", err)
	}
	defer rows.Close()

	var entries []*model.RunLogEntry
	for rows.Next() {
		entry := &model.RunLogEntry{}
		var errorDetail sql.NullString
		if err := rows.Scan(
			&entry.ID, &entry.RecipientID, &entry.RecipientEmail, &entry.RecipientName, &entry.Subject,
			&entry.Status, &errorDetail, &entry.EventsCount, &entry.LookAheadDays, &entry.SentAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run log entry: %w", err)
		}
		entry.ErrorDetail = errorDetail.String
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate run log entries: %w", err)
	}

	return entries, nil
}

// Stats は期間内の成功・失敗件数を集計する。
func (r *PostgresRunLogRepo) Stats(ctx context.Context, from, to time.Time) (*model.RunLogStats, error) {
	stats := &model.RunLogStats{}
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE status = 'success'),
		        COUNT(*) FILTER (WHERE status = 'failed')
		 FROM run_log_entries
		 WHERE ($1::timestamptz IS NULL OR sent_at >= $1)
		   AND ($2::timestamptz IS NULL OR sent_at <= $2)`,
		nullableTime(from), nullableTime(to),
	).Scan(&stats.Total, &stats.Success, &stats.Failed)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate run log stats: %w", err)
	}
	return stats, nil
}

// DeleteBefore はsent_atがcutoffより古いエントリを削除する。
func (r *PostgresRunLogRepo) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM run_log_entries WHERE sent_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete run log entries: %w", err)
	}
	return result.RowsAffected()
}

// nullableString は空文字列をNULLとして書き込むための変換。
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullableTime はゼロ値をNULLとして渡すための変換。境界未指定の期間検索に使用する。
func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// compile-time interface check
var _ RunLogRepository = (*PostgresRunLogRepo)(nil)
