package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/agendamail/internal/model"
)

// mockRunLogQuery はRunLogQueryInterfaceのモック実装。
type mockRunLogQuery struct {
	listByRangeFn func(ctx context.Context, from, to time.Time, limit int) ([]*model.RunLogEntry, error)
	statsFn       func(ctx context.Context, from, to time.Time) (*model.RunLogStats, error)
}

func (m *mockRunLogQuery) ListByRange(ctx context.Context, from, to time.Time, limit int) ([]*model.RunLogEntry, error) {
	return m.listByRangeFn(ctx, from, to, limit)
}

func (m *mockRunLogQuery) Stats(ctx context.Context, from, to time.Time) (*model.RunLogStats, error) {
	return m.statsFn(ctx, from, to)
}

func TestRunLogHandler_ListRunLogs(t *testing.T) {
	sentAt := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)
	var gotFrom, gotTo time.Time
	var gotLimit int
	query := &mockRunLogQuery{
		listByRangeFn: func(_ context.Context, from, to time.Time, limit int) ([]*model.RunLogEntry, error) {
			gotFrom, gotTo, gotLimit = from, to, limit
			return []*model.RunLogEntry{
				{
					ID:             "log-1",
					RecipientID:    "user-1",
					RecipientEmail: "user@example.com",
					Subject:        "今後7日間の予定まとめ（8月28日）",
					Status:         model.RunStatusSuccess,
					EventsCount:    3,
					LookAheadDays:  7,
					SentAt:         sentAt,
				},
				{
					ID:          "log-2",
					RecipientID: "user-2",
					Status:      model.RunStatusFailed,
					ErrorDetail: "[CREDENTIAL_INVALID] 認証情報が無効です。",
					SentAt:      sentAt,
				},
			}, nil
		},
		statsFn: func(_ context.Context, _, _ time.Time) (*model.RunLogStats, error) {
			return &model.RunLogStats{Total: 2, Success: 1, Failed: 1}, nil
		},
	}
	h := NewRunLogHandler(query)

	req := withUser(httptest.NewRequest(http.MethodGet,
		"/api/runlogs?from=2026-08-01T00:00:00Z&to=2026-09-01T00:00:00Z&limit=50", nil), adminUser())
	w := httptest.NewRecorder()

	h.ListRunLogs(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if gotFrom.IsZero() || gotTo.IsZero() || gotLimit != 50 {
		t.Errorf("query params not passed: from=%v to=%v limit=%d", gotFrom, gotTo, gotLimit)
	}

	var resp struct {
		Entries []runLogResponse    `json:"entries"`
		Stats   runLogStatsResponse `json:"stats"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(resp.Entries))
	}
	if resp.Entries[1].ErrorDetail == "" {
		t.Error("failed entry should include error_detail")
	}
	if resp.Stats.Total != 2 || resp.Stats.Success != 1 || resp.Stats.Failed != 1 {
		t.Errorf("unexpected stats: %+v", resp.Stats)
	}
}

func TestRunLogHandler_ListRunLogs_RequiresAdmin(t *testing.T) {
	h := NewRunLogHandler(&mockRunLogQuery{})

	req := withUser(httptest.NewRequest(http.MethodGet, "/api/runlogs", nil), memberUser())
	w := httptest.NewRecorder()

	h.ListRunLogs(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestRunLogHandler_ListRunLogs_InvalidFrom(t *testing.T) {
	h := NewRunLogHandler(&mockRunLogQuery{})

	req := withUser(httptest.NewRequest(http.MethodGet, "/api/runlogs?from=yesterday", nil), adminUser())
	w := httptest.NewRecorder()

	h.ListRunLogs(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestRunLogHandler_GetStats(t *testing.T) {
	query := &mockRunLogQuery{
		statsFn: func(_ context.Context, from, to time.Time) (*model.RunLogStats, error) {
			if !from.IsZero() || !to.IsZero() {
				t.Errorf("expected zero boundaries, got from=%v to=%v", from, to)
			}
			return &model.RunLogStats{Total: 10, Success: 9, Failed: 1}, nil
		},
	}
	h := NewRunLogHandler(query)

	req := withUser(httptest.NewRequest(http.MethodGet, "/api/runlogs/stats", nil), adminUser())
	w := httptest.NewRecorder()

	h.GetStats(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp runLogStatsResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Total != 10 || resp.Success != 9 || resp.Failed != 1 {
		t.Errorf("unexpected stats: %+v", resp)
	}
}
