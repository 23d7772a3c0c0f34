// Package cleanup は配信ログと終了済みジョブの自動削除ジョブを提供する。
// 保持期間を超過したレコードを日次バッチで削除する。
// pending/runningのジョブには決して触れない。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/agendamail/internal/repository"
)

const (
	// defaultRunLogRetentionDays は配信ログの保持日数。
	defaultRunLogRetentionDays = 90
	// defaultJobRetentionDays は終了済みジョブの保持日数。
	defaultJobRetentionDays = 30
)

// CleanupJob は保持期間を超過したレコードの自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	runLogRepo repository.RunLogRepository
	jobRepo    repository.JobRepository
	logger     *slog.Logger

	RunLogRetentionDays int // 配信ログの保持日数（デフォルト: 90）
	JobRetentionDays    int // 終了済みジョブの保持日数（デフォルト: 30）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(runLogRepo repository.RunLogRepository, jobRepo repository.JobRepository, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		runLogRepo:          runLogRepo,
		jobRepo:             jobRepo,
		logger:              logger,
		RunLogRetentionDays: defaultRunLogRetentionDays,
		JobRetentionDays:    defaultJobRetentionDays,
	}
}

// Run は保持期間を超過した配信ログと終了済みジョブを削除する。
// ジョブの削除は終端状態（completed/failed/cancelled）のみが対象。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	now := time.Now()

	logCutoff := now.AddDate(0, 0, -j.RunLogRetentionDays)
	deletedLogs, err := j.runLogRepo.DeleteBefore(ctx, logCutoff)
	if err != nil {
		j.logger.Error("配信ログのクリーンアップに失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RunLogRetentionDays),
		)
		return fmt.Errorf("配信ログのクリーンアップに失敗: %w", err)
	}

	jobCutoff := now.AddDate(0, 0, -j.JobRetentionDays)
	deletedJobs, err := j.jobRepo.DeleteTerminalBefore(ctx, jobCutoff)
	if err != nil {
		j.logger.Error("終了済みジョブのクリーンアップに失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.JobRetentionDays),
		)
		return fmt.Errorf("終了済みジョブのクリーンアップに失敗: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_run_logs", deletedLogs),
		slog.Int64("deleted_jobs", deletedJobs),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start は24時間間隔でクリーンアップジョブを定期実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *CleanupJob) Start(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	j.logger.Info("クリーンアップスケジューラを開始しました",
		slog.Int("run_log_retention_days", j.RunLogRetentionDays),
		slog.Int("job_retention_days", j.JobRetentionDays),
	)

	// 起動直後に1回実行
	if err := j.Run(ctx); err != nil {
		j.logger.Error("クリーンアップジョブの実行に失敗しました", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップスケジューラを停止しました")
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("クリーンアップジョブの実行に失敗しました", slog.String("error", err.Error()))
			}
		}
	}
}
