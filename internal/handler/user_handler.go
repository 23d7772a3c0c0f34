package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/agendamail/internal/model"
	"github.com/hitoshi/agendamail/internal/user"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	// UpdateLookAheadDays は取得期間設定を更新する。本人または管理者のみ。
	UpdateLookAheadDays(ctx context.Context, actor *model.User, targetUserID string, days int) error
	// ListSummaries は全ユーザーをクレデンシャルの有効性付きで返す。管理者専用。
	ListSummaries(ctx context.Context, actor *model.User) ([]*user.UserSummary, error)
	// GetProfile は指定ユーザーの情報を返す。本人または管理者のみ。
	GetProfile(ctx context.Context, actor *model.User, targetUserID string) (*model.User, error)
}

// UserHandler はユーザー管理のHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface) *UserHandler {
	return &UserHandler{service: service}
}

// updatePreferenceRequest は取得期間設定更新リクエストのボディ。
type updatePreferenceRequest struct {
	LookAheadDays int `json:"look_ahead_days"`
}

// userResponse はユーザー情報のAPIレスポンス。
type userResponse struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	Name          string `json:"name"`
	Role          string `json:"role"`
	LookAheadDays int    `json:"look_ahead_days"`
}

// userSummaryResponse は管理画面向けのユーザー情報レスポンス。
type userSummaryResponse struct {
	userResponse
	HasCredential   bool `json:"has_credential"`
	CredentialValid bool `json:"credential_valid"`
}

// UpdateMyPreference は自身の取得期間設定を更新する。
// PUT /api/users/me/preference
func (h *UserHandler) UpdateMyPreference(w http.ResponseWriter, r *http.Request) {
	actor, ok := currentUser(w, r)
	if !ok {
		return
	}
	h.updatePreference(w, r, actor, actor.ID)
}

// UpdateUserPreference は指定ユーザーの取得期間設定を更新する。管理者専用。
// PUT /api/users/{id}/preference
func (h *UserHandler) UpdateUserPreference(w http.ResponseWriter, r *http.Request) {
	actor, ok := currentUser(w, r)
	if !ok {
		return
	}
	h.updatePreference(w, r, actor, chi.URLParam(r, "id"))
}

func (h *UserHandler) updatePreference(w http.ResponseWriter, r *http.Request, actor *model.User, targetUserID string) {
	var req updatePreferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("リクエストボディの解析に失敗しました"))
		return
	}

	if err := h.service.UpdateLookAheadDays(r.Context(), actor, targetUserID, req.LookAheadDays); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetMe は自身のプロフィールを返す。
// GET /api/users/me
func (h *UserHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	actor, ok := currentUser(w, r)
	if !ok {
		return
	}

	profile, err := h.service.GetProfile(r.Context(), actor, actor.ID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toUserResponse(profile))
}

// ListUsers は全ユーザーをクレデンシャルの有効性付きで返す。管理者専用。
// GET /api/users
func (h *UserHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	actor, ok := currentUser(w, r)
	if !ok {
		return
	}

	summaries, err := h.service.ListSummaries(r.Context(), actor)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	responses := make([]userSummaryResponse, len(summaries))
	for i, s := range summaries {
		responses[i] = userSummaryResponse{
			userResponse:    toUserResponse(s.User),
			HasCredential:   s.HasCredential,
			CredentialValid: s.CredentialValid,
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"users": responses})
}

// toUserResponse はmodel.UserからAPIレスポンスに変換する。
func toUserResponse(u *model.User) userResponse {
	return userResponse{
		ID:            u.ID,
		Email:         u.Email,
		Name:          u.Name,
		Role:          string(u.Role),
		LookAheadDays: u.LookAheadDays,
	}
}
