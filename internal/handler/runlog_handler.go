package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/agendamail/internal/model"
)

// RunLogQueryInterface は配信ログハンドラーが必要とするインターフェース。
// repository.RunLogRepositoryの部分集合として定義する。
type RunLogQueryInterface interface {
	ListByRange(ctx context.Context, from, to time.Time, limit int) ([]*model.RunLogEntry, error)
	Stats(ctx context.Context, from, to time.Time) (*model.RunLogStats, error)
}

// RunLogHandler は配信ログ参照のHTTPハンドラー。全操作が管理者専用。
type RunLogHandler struct {
	runLogs RunLogQueryInterface
}

// NewRunLogHandler はRunLogHandlerを生成する。
func NewRunLogHandler(runLogs RunLogQueryInterface) *RunLogHandler {
	return &RunLogHandler{runLogs: runLogs}
}

// runLogResponse は配信ログエントリのAPIレスポンス。
type runLogResponse struct {
	ID             string    `json:"id"`
	RecipientID    string    `json:"recipient_id"`
	RecipientEmail string    `json:"recipient_email"`
	RecipientName  string    `json:"recipient_name"`
	Subject        string    `json:"subject"`
	Status         string    `json:"status"`
	ErrorDetail    string    `json:"error_detail,omitempty"`
	EventsCount    int       `json:"events_count"`
	LookAheadDays  int       `json:"look_ahead_days"`
	SentAt         time.Time `json:"sent_at"`
}

// runLogStatsResponse は配信ログ集計のAPIレスポンス。
type runLogStatsResponse struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// ListRunLogs は期間内の配信ログを集計付きで返す。
// GET /api/runlogs?from=RFC3339&to=RFC3339&limit=N
func (h *RunLogHandler) ListRunLogs(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}

	from, to, limit, err := parseRunLogQuery(r)
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError(err.Error()))
		return
	}

	entries, err := h.runLogs.ListByRange(r.Context(), from, to, limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	stats, err := h.runLogs.Stats(r.Context(), from, to)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	responses := make([]runLogResponse, len(entries))
	for i, entry := range entries {
		responses[i] = toRunLogResponse(entry)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": responses,
		"stats": runLogStatsResponse{
			Total:   stats.Total,
			Success: stats.Success,
			Failed:  stats.Failed,
		},
	})
}

// GetStats は期間内の配信ログ集計のみを返す。
// GET /api/runlogs/stats?from=RFC3339&to=RFC3339
func (h *RunLogHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}

	from, to, _, err := parseRunLogQuery(r)
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError(err.Error()))
		return
	}

	stats, err := h.runLogs.Stats(r.Context(), from, to)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, runLogStatsResponse{
		Total:   stats.Total,
		Success: stats.Success,
		Failed:  stats.Failed,
	})
}

// parseRunLogQuery はfrom・to・limitクエリパラメータをパースする。
// 省略されたパラメータはゼロ値（境界なし・デフォルトlimit）になる。
func parseRunLogQuery(r *http.Request) (from, to time.Time, limit int, err error) {
	q := r.URL.Query()

	if raw := q.Get("from"); raw != "" {
		from, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, 0, errValidation("fromの形式が不正です")
		}
	}
	if raw := q.Get("to"); raw != "" {
		to, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, 0, errValidation("toの形式が不正です")
		}
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return time.Time{}, time.Time{}, 0, errValidation("limitの形式が不正です")
		}
	}
	return from, to, limit, nil
}

// errValidation はパースエラーメッセージを保持する軽量エラー。
type errValidation string

func (e errValidation) Error() string { return string(e) }

// toRunLogResponse はmodel.RunLogEntryからAPIレスポンスに変換する。
func toRunLogResponse(entry *model.RunLogEntry) runLogResponse {
	return runLogResponse{
		ID:             entry.ID,
		RecipientID:    entry.RecipientID,
		RecipientEmail: entry.RecipientEmail,
		RecipientName:  entry.RecipientName,
		Subject:        entry.Subject,
		Status:         string(entry.Status),
		ErrorDetail:    entry.ErrorDetail,
		EventsCount:    entry.EventsCount,
		LookAheadDays:  entry.LookAheadDays,
		SentAt:         entry.SentAt,
	}
}
