package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/agendamail/internal/model"
	"github.com/hitoshi/agendamail/internal/user"
)

// mockUserService はUserServiceInterfaceのモック実装。
type mockUserService struct {
	updateLookAheadDaysFn func(ctx context.Context, actor *model.User, targetUserID string, days int) error
	listSummariesFn       func(ctx context.Context, actor *model.User) ([]*user.UserSummary, error)
	getProfileFn          func(ctx context.Context, actor *model.User, targetUserID string) (*model.User, error)
}

func (m *mockUserService) UpdateLookAheadDays(ctx context.Context, actor *model.User, targetUserID string, days int) error {
	return m.updateLookAheadDaysFn(ctx, actor, targetUserID, days)
}

func (m *mockUserService) ListSummaries(ctx context.Context, actor *model.User) ([]*user.UserSummary, error) {
	return m.listSummariesFn(ctx, actor)
}

func (m *mockUserService) GetProfile(ctx context.Context, actor *model.User, targetUserID string) (*model.User, error) {
	return m.getProfileFn(ctx, actor, targetUserID)
}

// --- PUT /api/users/me/preference テスト ---

func TestUserHandler_UpdateMyPreference(t *testing.T) {
	var gotTarget string
	var gotDays int
	svc := &mockUserService{
		updateLookAheadDaysFn: func(_ context.Context, actor *model.User, targetUserID string, days int) error {
			gotTarget = targetUserID
			gotDays = days
			return nil
		},
	}
	h := NewUserHandler(svc)

	body, _ := json.Marshal(map[string]int{"look_ahead_days": 14})
	req := withUser(httptest.NewRequest(http.MethodPut, "/api/users/me/preference", bytes.NewReader(body)), memberUser())
	w := httptest.NewRecorder()

	h.UpdateMyPreference(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if gotTarget != "user-1" || gotDays != 14 {
		t.Errorf("target = %s days = %d, want user-1/14", gotTarget, gotDays)
	}
}

func TestUserHandler_UpdateMyPreference_Unauthenticated(t *testing.T) {
	h := NewUserHandler(&mockUserService{})

	body, _ := json.Marshal(map[string]int{"look_ahead_days": 14})
	req := httptest.NewRequest(http.MethodPut, "/api/users/me/preference", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.UpdateMyPreference(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestUserHandler_UpdateMyPreference_ValidationError(t *testing.T) {
	svc := &mockUserService{
		updateLookAheadDaysFn: func(_ context.Context, _ *model.User, _ string, days int) error {
			return model.NewLookAheadValidationError(days)
		},
	}
	h := NewUserHandler(svc)

	body, _ := json.Marshal(map[string]int{"look_ahead_days": 0})
	req := withUser(httptest.NewRequest(http.MethodPut, "/api/users/me/preference", bytes.NewReader(body)), memberUser())
	w := httptest.NewRecorder()

	h.UpdateMyPreference(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

// --- PUT /api/users/{id}/preference テスト ---

func TestUserHandler_UpdateUserPreference_ForbiddenForMember(t *testing.T) {
	svc := &mockUserService{
		updateLookAheadDaysFn: func(_ context.Context, actor *model.User, targetUserID string, _ int) error {
			if actor.ID != targetUserID && !actor.IsAdmin() {
				return model.NewForbiddenError()
			}
			return nil
		},
	}
	h := NewUserHandler(svc)

	r := chi.NewRouter()
	r.Put("/api/users/{id}/preference", h.UpdateUserPreference)

	body, _ := json.Marshal(map[string]int{"look_ahead_days": 14})
	req := withUser(httptest.NewRequest(http.MethodPut, "/api/users/user-2/preference", bytes.NewReader(body)), memberUser())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

// --- GET /api/users テスト ---

func TestUserHandler_ListUsers(t *testing.T) {
	svc := &mockUserService{
		listSummariesFn: func(_ context.Context, actor *model.User) ([]*user.UserSummary, error) {
			if !actor.IsAdmin() {
				return nil, model.NewForbiddenError()
			}
			return []*user.UserSummary{
				{User: adminUser(), HasCredential: true, CredentialValid: true},
				{User: memberUser(), HasCredential: true, CredentialValid: false},
			}, nil
		},
	}
	h := NewUserHandler(svc)

	req := withUser(httptest.NewRequest(http.MethodGet, "/api/users", nil), adminUser())
	w := httptest.NewRecorder()

	h.ListUsers(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp struct {
		Users []userSummaryResponse `json:"users"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Users) != 2 {
		t.Fatalf("users = %d, want 2", len(resp.Users))
	}
	if resp.Users[1].CredentialValid {
		t.Error("user-1 credential should be invalid")
	}
}

func TestUserHandler_ListUsers_ForbiddenForMember(t *testing.T) {
	svc := &mockUserService{
		listSummariesFn: func(_ context.Context, actor *model.User) ([]*user.UserSummary, error) {
			return nil, model.NewForbiddenError()
		},
	}
	h := NewUserHandler(svc)

	req := withUser(httptest.NewRequest(http.MethodGet, "/api/users", nil), memberUser())
	w := httptest.NewRecorder()

	h.ListUsers(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

// --- GET /api/users/me テスト ---

func TestUserHandler_GetMe(t *testing.T) {
	svc := &mockUserService{
		getProfileFn: func(_ context.Context, actor *model.User, targetUserID string) (*model.User, error) {
			if targetUserID != actor.ID {
				t.Errorf("targetUserID = %s, want %s", targetUserID, actor.ID)
			}
			return memberUser(), nil
		},
	}
	h := NewUserHandler(svc)

	req := withUser(httptest.NewRequest(http.MethodGet, "/api/users/me", nil), memberUser())
	w := httptest.NewRecorder()

	h.GetMe(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp userResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.ID != "user-1" || resp.LookAheadDays != 7 {
		t.Errorf("unexpected response: %+v", resp)
	}
}
