package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/agendamail/internal/model"
)

func TestWriteErrorResponse(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteErrorResponse(rec, http.StatusConflict, model.NewSchedulerConflictError("job-1", model.JobStatusRunning))

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %s, want application/json", ct)
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Code != model.ErrCodeSchedulerConflict {
		t.Errorf("code = %s, want %s", body.Code, model.ErrCodeSchedulerConflict)
	}
	if body.Message == "" || body.Action == "" {
		t.Error("message and action should not be empty")
	}
}

func TestWriteInternalServerError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteInternalServerError(rec)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Code != "INTERNAL_ERROR" {
		t.Errorf("code = %s, want INTERNAL_ERROR", body.Code)
	}
}

func TestStatusForErrorCode(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{model.ErrCodeValidation, http.StatusBadRequest},
		{model.ErrCodeUnauthorized, http.StatusUnauthorized},
		{model.ErrCodeForbidden, http.StatusForbidden},
		{model.ErrCodeCredentialInvalid, http.StatusForbidden},
		{model.ErrCodeJobNotFound, http.StatusNotFound},
		{model.ErrCodeUserNotFound, http.StatusNotFound},
		{model.ErrCodeSchedulerConflict, http.StatusConflict},
		{model.ErrCodeTransientNetwork, http.StatusBadGateway},
		{"UNKNOWN_CODE", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := StatusForErrorCode(tt.code); got != tt.want {
			t.Errorf("StatusForErrorCode(%s) = %d, want %d", tt.code, got, tt.want)
		}
	}
}
