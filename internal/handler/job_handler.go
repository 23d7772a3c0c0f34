package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/agendamail/internal/model"
)

// SchedulerInterface はジョブハンドラーが必要とするスケジューラーインターフェース。
type SchedulerInterface interface {
	// ScheduleJob は指定時刻に実行されるジョブを登録する。
	ScheduleJob(ctx context.Context, targetTime time.Time, recipientIDs []string, lookAheadDays int, createdBy string) (*model.ScheduledJob, error)
	// TriggerNow は即時実行ジョブを登録し、実行を開始する。
	TriggerNow(ctx context.Context, recipientIDs []string, lookAheadDays int, createdBy string) (*model.ScheduledJob, error)
	// CancelJob はpending状態のジョブを取り消す。
	CancelJob(ctx context.Context, jobID string) error
}

// JobQueryInterface はジョブの参照・削除に必要なインターフェース。
// repository.JobRepositoryの部分集合として定義する。
type JobQueryInterface interface {
	FindByID(ctx context.Context, id string) (*model.ScheduledJob, error)
	List(ctx context.Context) ([]*model.ScheduledJob, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// JobHandler はジョブ管理のHTTPハンドラー。全操作が管理者専用。
type JobHandler struct {
	scheduler SchedulerInterface
	jobs      JobQueryInterface
	location  *time.Location
}

// NewJobHandler はJobHandlerを生成する。
// locationはタイムゾーンオフセットを持たないtarget_timeの解釈に使用する。
func NewJobHandler(scheduler SchedulerInterface, jobs JobQueryInterface, location *time.Location) *JobHandler {
	if location == nil {
		location = time.UTC
	}
	return &JobHandler{
		scheduler: scheduler,
		jobs:      jobs,
		location:  location,
	}
}

// scheduleJobRequest はジョブ登録リクエストのボディ。
type scheduleJobRequest struct {
	TargetTime    string   `json:"target_time"`
	RecipientIDs  []string `json:"recipient_ids"`
	LookAheadDays int      `json:"look_ahead_days"`
}

// triggerJobRequest は即時配信リクエストのボディ。
type triggerJobRequest struct {
	RecipientIDs  []string `json:"recipient_ids"`
	LookAheadDays int      `json:"look_ahead_days"`
}

// jobResponse はジョブ情報のAPIレスポンス。
type jobResponse struct {
	ID            string     `json:"id"`
	TargetTime    time.Time  `json:"target_time"`
	RecipientIDs  []string   `json:"recipient_ids"`
	LookAheadDays int        `json:"look_ahead_days"`
	Status        string     `json:"status"`
	CreatedBy     string     `json:"created_by"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// ScheduleJob はジョブ登録を処理する。
// POST /api/jobs
func (h *JobHandler) ScheduleJob(w http.ResponseWriter, r *http.Request) {
	admin, ok := requireAdmin(w, r)
	if !ok {
		return
	}

	var req scheduleJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("リクエストボディの解析に失敗しました"))
		return
	}

	targetTime, err := h.parseTargetTime(req.TargetTime)
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("実行時刻の形式が不正です"))
		return
	}

	job, err := h.scheduler.ScheduleJob(r.Context(), targetTime, req.RecipientIDs, req.LookAheadDays, admin.ID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toJobResponse(job))
}

// TriggerNow は即時配信を処理する。
// POST /api/jobs/trigger
func (h *JobHandler) TriggerNow(w http.ResponseWriter, r *http.Request) {
	admin, ok := requireAdmin(w, r)
	if !ok {
		return
	}

	// ボディ省略時は全ユーザー・設定値準拠の即時配信として扱う
	var req triggerJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("リクエストボディの解析に失敗しました"))
		return
	}

	job, err := h.scheduler.TriggerNow(r.Context(), req.RecipientIDs, req.LookAheadDays, admin.ID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, toJobResponse(job))
}

// GetJob はジョブ詳細を取得する。
// GET /api/jobs/{id}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}

	jobID := chi.URLParam(r, "id")
	job, err := h.jobs.FindByID(r.Context(), jobID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if job == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewJobNotFoundError(jobID))
		return
	}

	writeJSON(w, http.StatusOK, toJobResponse(job))
}

// ListJobs はジョブ一覧を作成日時の降順で返す。
// GET /api/jobs
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}

	jobs, err := h.jobs.List(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	responses := make([]jobResponse, len(jobs))
	for i, job := range jobs {
		responses[i] = toJobResponse(job)
	}

	writeJSON(w, http.StatusOK, map[string]any{"jobs": responses})
}

// CancelJob はpendingジョブを取り消す。
// DELETE /api/jobs/{id}
func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}

	jobID := chi.URLParam(r, "id")
	if err := h.scheduler.CancelJob(r.Context(), jobID); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ClearTerminalJobs は終端状態のジョブを削除する。
// DELETE /api/jobs/terminal?older_than_days=N
// older_than_days省略時は全終端ジョブを削除する。
func (h *JobHandler) ClearTerminalJobs(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}

	olderThanDays := 0
	if raw := r.URL.Query().Get("older_than_days"); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil || days < 0 {
			writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("older_than_daysの形式が不正です"))
			return
		}
		olderThanDays = days
	}

	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	deleted, err := h.jobs.DeleteTerminalBefore(r.Context(), cutoff)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

// parseTargetTime は実行時刻文字列をパースする。
// タイムゾーンオフセット付きのRFC3339、またはオフセットなしの
// "2006-01-02T15:04"（正準タイムゾーンで解釈）を受け付ける。
func (h *JobHandler) parseTargetTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.ParseInLocation("2006-01-02T15:04", raw, h.location)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// toJobResponse はmodel.ScheduledJobからAPIレスポンスに変換する。
func toJobResponse(job *model.ScheduledJob) jobResponse {
	return jobResponse{
		ID:            job.ID,
		TargetTime:    job.TargetTime,
		RecipientIDs:  job.RecipientIDs,
		LookAheadDays: job.LookAheadDays,
		Status:        string(job.Status),
		CreatedBy:     job.CreatedBy,
		CreatedAt:     job.CreatedAt,
		CompletedAt:   job.CompletedAt,
	}
}
