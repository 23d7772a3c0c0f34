package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/hitoshi/agendamail/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func eventsPayload(items ...map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{"items": items}
}

func TestFetchEvents_ParsesTimedAndAllDayEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q, want Bearer test-token", got)
		}
		if got := r.URL.Query().Get("singleEvents"); got != "true" {
			t.Errorf("singleEvents = %q, want true", got)
		}

		json.NewEncoder(w).Encode(eventsPayload(
			map[string]interface{}{
				"summary":  "チームミーティング",
				"location": "会議室A",
				"start":    map[string]string{"dateTime": "2026-09-01T10:00:00Z"},
				"end":      map[string]string{"dateTime": "2026-09-01T11:00:00Z"},
			},
			map[string]interface{}{
				"summary": "創立記念日",
				"start":   map[string]string{"date": "2026-09-02"},
				"end":     map[string]string{"date": "2026-09-03"},
			},
		))
	}))
	defer server.Close()

	client := NewClient(server.Client(), testLogger())
	client.endpoint = server.URL

	events, err := client.FetchEvents(context.Background(), "test-token", 7)
	if err != nil {
		t.Fatalf("FetchEvents failed: %v", err)
	}

	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Title != "チームミーティング" || events[0].AllDay {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if events[1].Title != "創立記念日" || !events[1].AllDay {
		t.Errorf("unexpected second event: %+v", events[1])
	}
	if events[0].Location != "会議室A" {
		t.Errorf("location = %q, want 会議室A", events[0].Location)
	}
}

func TestFetchEvents_SkipsCancelledEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(eventsPayload(
			map[string]interface{}{
				"summary": "キャンセル済み",
				"status":  "cancelled",
				"start":   map[string]string{"dateTime": "2026-09-01T10:00:00Z"},
				"end":     map[string]string{"dateTime": "2026-09-01T11:00:00Z"},
			},
		))
	}))
	defer server.Close()

	client := NewClient(server.Client(), testLogger())
	client.endpoint = server.URL

	events, err := client.FetchEvents(context.Background(), "test-token", 7)
	if err != nil {
		t.Fatalf("FetchEvents failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("events = %d, want 0", len(events))
	}
}

func TestFetchEvents_FollowsPagination(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"items": []map[string]interface{}{
					{
						"summary": "一件目",
						"start":   map[string]string{"dateTime": "2026-09-01T10:00:00Z"},
						"end":     map[string]string{"dateTime": "2026-09-01T11:00:00Z"},
					},
				},
				"nextPageToken": "page-2",
			})
			return
		}
		if got := r.URL.Query().Get("pageToken"); got != "page-2" {
			t.Errorf("pageToken = %q, want page-2", got)
		}
		json.NewEncoder(w).Encode(eventsPayload(
			map[string]interface{}{
				"summary": "二件目",
				"start":   map[string]string{"dateTime": "2026-09-02T10:00:00Z"},
				"end":     map[string]string{"dateTime": "2026-09-02T11:00:00Z"},
			},
		))
	}))
	defer server.Close()

	client := NewClient(server.Client(), testLogger())
	client.endpoint = server.URL

	events, err := client.FetchEvents(context.Background(), "test-token", 7)
	if err != nil {
		t.Fatalf("FetchEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Title != "一件目" || events[1].Title != "二件目" {
		t.Errorf("unexpected ordering: %q, %q", events[0].Title, events[1].Title)
	}
}

func TestFetchEvents_RetriesOnceOnServerError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(eventsPayload())
	}))
	defer server.Close()

	client := NewClient(server.Client(), testLogger())
	client.endpoint = server.URL

	if _, err := client.FetchEvents(context.Background(), "test-token", 7); err != nil {
		t.Fatalf("FetchEvents failed: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestFetchEvents_PersistentFailureIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(server.Client(), testLogger())
	client.endpoint = server.URL

	_, err := client.FetchEvents(context.Background(), "test-token", 7)
	if err == nil {
		t.Fatal("expected error")
	}

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeTransientNetwork {
		t.Errorf("expected TRANSIENT_NETWORK error, got %v", err)
	}
}

func TestFetchEvents_AuthErrorDoesNotRetry(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(server.Client(), testLogger())
	client.endpoint = server.URL

	_, err := client.FetchEvents(context.Background(), "test-token", 7)
	if err == nil {
		t.Fatal("expected error")
	}

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeCredentialInvalid {
		t.Errorf("expected CREDENTIAL_INVALID error, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}
