// Package scheduler は配信ジョブの作成・実行・取り消しを提供する。
// ポーリング駆動で実行期限の到来したジョブを拾い、状態遷移は
// ステータス列に対する比較更新（compare-and-set）で排他する。
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/agendamail/internal/metrics"
	"github.com/hitoshi/agendamail/internal/model"
	"github.com/hitoshi/agendamail/internal/pipeline"
	"github.com/hitoshi/agendamail/internal/repository"
)

// DefaultPollInterval はジョブポーリングの既定間隔。分未満の精度は保証しない。
const DefaultPollInterval = time.Minute

// Deliverer は配信パイプラインのインターフェース。
type Deliverer interface {
	Deliver(ctx context.Context, pair pipeline.Pair, lookAheadDays int) (*model.RunLogEntry, error)
	BuildPairs(ctx context.Context, recipientIDs []string, broadcast bool) ([]pipeline.Pair, error)
}

// Config はSchedulerの設定。
type Config struct {
	// PollInterval はジョブポーリングの間隔。
	PollInterval time.Duration
	// DailyHourUTC は毎日の定期配信を起動するUTC時。
	DailyHourUTC int
	// Broadcast がtrueの場合、全ジョブをブロードキャストモードで実行する。
	Broadcast bool
	// MaxConcurrency はジョブ内の受信者配信の最大並列数。
	MaxConcurrency int
}

// Scheduler はジョブの実行制御を行う。
type Scheduler struct {
	jobRepo   repository.JobRepository
	deliverer Deliverer
	clock     Clock
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	config    Config

	mu        sync.Mutex
	nextDaily time.Time
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(
	jobRepo repository.JobRepository,
	deliverer Deliverer,
	clock Clock,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	config Config,
) *Scheduler {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 5
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &Scheduler{
		jobRepo:   jobRepo,
		deliverer: deliverer,
		clock:     clock,
		metrics:   collector,
		logger:    logger,
		config:    config,
	}
}

// ScheduleJob は指定時刻に実行するジョブを作成する。
// lookAheadDaysが0の場合は受信者ごとの設定値で配信する。
func (s *Scheduler) ScheduleJob(ctx context.Context, targetTime time.Time, recipientIDs []string, lookAheadDays int, createdBy string) (*model.ScheduledJob, error) {
	if lookAheadDays != 0 && !model.ValidLookAheadDays(lookAheadDays) {
		return nil, model.NewLookAheadValidationError(lookAheadDays)
	}
	now := s.clock.Now()
	if targetTime.Before(now) {
		return nil, model.NewValidationError("実行時刻が過去です")
	}

	job := &model.ScheduledJob{
		ID:            jobID(targetTime, createdBy),
		TargetTime:    targetTime.UTC(),
		RecipientIDs:  recipientIDs,
		LookAheadDays: lookAheadDays,
		Status:        model.JobStatusPending,
		CreatedBy:     createdBy,
		CreatedAt:     now,
	}
	if err := s.jobRepo.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create scheduled job: %w", err)
	}

	s.logger.Info("ジョブを登録しました",
		slog.String("job_id", job.ID),
		slog.Time("target_time", job.TargetTime),
		slog.Int("recipient_count", len(recipientIDs)),
	)
	return job, nil
}

// TriggerNow は即時実行ジョブを作成し、バックグラウンドで実行を開始する。
func (s *Scheduler) TriggerNow(ctx context.Context, recipientIDs []string, lookAheadDays int, createdBy string) (*model.ScheduledJob, error) {
	if lookAheadDays != 0 && !model.ValidLookAheadDays(lookAheadDays) {
		return nil, model.NewLookAheadValidationError(lookAheadDays)
	}

	now := s.clock.Now()
	job := &model.ScheduledJob{
		ID:            jobID(now, createdBy),
		TargetTime:    now.UTC(),
		RecipientIDs:  recipientIDs,
		LookAheadDays: lookAheadDays,
		Status:        model.JobStatusPending,
		CreatedBy:     createdBy,
		CreatedAt:     now,
	}
	if err := s.jobRepo.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create immediate job: %w", err)
	}

	go func() {
		// リクエストのコンテキストに縛られないよう独立したコンテキストで実行する
		if err := s.RunOnce(context.Background()); err != nil {
			s.logger.Error("即時実行サイクルに失敗しました", slog.String("error", err.Error()))
		}
	}()

	return job, nil
}

// CancelJob はpending状態のジョブを取り消す。
// 実行中・終端状態のジョブはSCHEDULER_CONFLICTになる。
func (s *Scheduler) CancelJob(ctx context.Context, jobID string) error {
	job, err := s.jobRepo.FindByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to find job: %w", err)
	}
	if job == nil {
		return model.NewJobNotFoundError(jobID)
	}

	swapped, err := s.jobRepo.CompareAndSetStatus(ctx, jobID, model.JobStatusPending, model.JobStatusCancelled, s.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}
	if !swapped {
		// 状態が変わっていた。最新の状態を添えて衝突を返す
		current, findErr := s.jobRepo.FindByID(ctx, jobID)
		if findErr != nil || current == nil {
			return model.NewSchedulerConflictError(jobID, job.Status)
		}
		return model.NewSchedulerConflictError(jobID, current.Status)
	}

	s.metrics.RecordJobCompleted(string(model.JobStatusCancelled))
	s.logger.Info("ジョブを取り消しました", slog.String("job_id", jobID))
	return nil
}

// Start はポーリングループを起動する。コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.mu.Lock()
	s.nextDaily = nextDailyRun(s.clock.Now(), s.config.DailyHourUTC)
	s.mu.Unlock()

	s.logger.Info("ジョブスケジューラを開始しました",
		slog.Duration("poll_interval", s.config.PollInterval),
		slog.Int("daily_hour_utc", s.config.DailyHourUTC),
		slog.Int("max_concurrency", s.config.MaxConcurrency),
	)

	// 起動直後に1回実行
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("ジョブスケジューラを停止しました")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick は定期配信の起動確認とジョブ実行サイクルを1回行う。
func (s *Scheduler) tick(ctx context.Context) {
	s.ensureDailyJob(ctx)
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("ジョブ実行サイクルに失敗しました", slog.String("error", err.Error()))
	}
}

// ensureDailyJob は定期配信時刻を過ぎていればシステムジョブを作成する。
func (s *Scheduler) ensureDailyJob(ctx context.Context) {
	now := s.clock.Now()

	s.mu.Lock()
	due := !now.Before(s.nextDaily)
	if due {
		s.nextDaily = nextDailyRun(now, s.config.DailyHourUTC)
	}
	s.mu.Unlock()

	if !due {
		return
	}

	// 全ユーザー対象・受信者ごとの設定値で配信するシステムジョブ
	job := &model.ScheduledJob{
		ID:            jobID(now, model.SystemCreator),
		TargetTime:    now.UTC(),
		RecipientIDs:  nil,
		LookAheadDays: 0,
		Status:        model.JobStatusPending,
		CreatedBy:     model.SystemCreator,
		CreatedAt:     now,
	}
	if err := s.jobRepo.Create(ctx, job); err != nil {
		s.logger.Error("定期配信ジョブの作成に失敗しました", slog.String("error", err.Error()))
		return
	}

	s.logger.Info("定期配信ジョブを作成しました", slog.String("job_id", job.ID))
}

// RunOnce は実行期限の到来したジョブを1回分処理する。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	now := s.clock.Now()

	jobs, err := s.jobRepo.ListDue(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to list due jobs: %w", err)
	}
	if len(jobs) == 0 {
		return nil
	}

	s.logger.Info("実行サイクルを開始します", slog.Int("job_count", len(jobs)))

	for _, job := range jobs {
		s.executeJob(ctx, job)
	}
	return nil
}

// executeJob はジョブ1件を実行する。
// pending→runningの遷移に成功した場合のみ実行する（他プロセスとの競合対策）。
// 受信者ごとの配信失敗はジョブを失敗させない。ジョブが失敗するのは
// 受信者の解決やログ永続化などスケジューラ内部の障害のみ。
func (s *Scheduler) executeJob(ctx context.Context, job *model.ScheduledJob) {
	swapped, err := s.jobRepo.CompareAndSetStatus(ctx, job.ID, model.JobStatusPending, model.JobStatusRunning, s.clock.Now())
	if err != nil {
		s.logger.Error("ジョブの状態遷移に失敗しました", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		return
	}
	if !swapped {
		// 取り消し済みか、他のワーカーが先に実行した
		return
	}

	start := time.Now()
	pairs, err := s.deliverer.BuildPairs(ctx, job.RecipientIDs, s.config.Broadcast)
	if err != nil {
		s.finishJob(ctx, job.ID, model.JobStatusFailed)
		s.logger.Error("受信者の解決に失敗しました", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		return
	}

	// semaphoreパターンで並列数を制御
	sem := make(chan struct{}, s.config.MaxConcurrency)
	var wg sync.WaitGroup
	var failedMu sync.Mutex
	internalFailure := false
	successCount := 0
	failureCount := 0

	for _, pair := range pairs {
		wg.Add(1)
		sem <- struct{}{}

		go func(pair pipeline.Pair) {
			defer wg.Done()
			defer func() { <-sem }()

			days := job.LookAheadDays
			if days == 0 {
				days = pair.Recipient.LookAheadDays
			}

			entry, err := s.deliverer.Deliver(ctx, pair, days)
			failedMu.Lock()
			defer failedMu.Unlock()
			if err != nil {
				// ログを残せなかった配信はジョブの完了条件を満たさない
				internalFailure = true
				s.logger.Error("配信結果の記録に失敗しました",
					slog.String("job_id", job.ID),
					slog.String("recipient_id", pair.Recipient.ID),
					slog.String("error", err.Error()),
				)
				return
			}
			if entry.Status == model.RunStatusSuccess {
				successCount++
			} else {
				failureCount++
			}
		}(pair)
	}

	wg.Wait()

	status := model.JobStatusCompleted
	if internalFailure {
		status = model.JobStatusFailed
	}
	s.finishJob(ctx, job.ID, status)

	duration := time.Since(start)
	s.logger.Info("ジョブが終了しました",
		slog.String("job_id", job.ID),
		slog.String("status", string(status)),
		slog.Int("success_count", successCount),
		slog.Int("failure_count", failureCount),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
}

// finishJob はrunning状態のジョブを終端状態へ遷移させる。
func (s *Scheduler) finishJob(ctx context.Context, jobID string, status model.JobStatus) {
	swapped, err := s.jobRepo.CompareAndSetStatus(ctx, jobID, model.JobStatusRunning, status, s.clock.Now())
	if err != nil {
		s.logger.Error("ジョブの終端遷移に失敗しました", slog.String("job_id", jobID), slog.String("error", err.Error()))
		return
	}
	if swapped {
		s.metrics.RecordJobCompleted(string(status))
	}
}

// jobID は「scheduled_<unix秒>_<作成者ID>_<乱数>」形式のジョブIDを生成する。
// 同一作成者が同一秒に複数登録しても主キーが衝突しないよう短い乱数を付与する。
func jobID(targetTime time.Time, createdBy string) string {
	return fmt.Sprintf("scheduled_%d_%s_%s", targetTime.Unix(), createdBy, uuid.NewString()[:8])
}

// nextDailyRun はnowより後の直近の定期配信時刻（UTC）を返す。
func nextDailyRun(now time.Time, hourUTC int) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hourUTC, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
