package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/agendamail/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// すべてのAPIエンドポイントで一貫したエラーレスポンスを提供する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// StatusForErrorCode はAPIエラーコードに対応するHTTPステータスコードを返す。
// 未知のコードは500として扱う。
func StatusForErrorCode(code string) int {
	switch code {
	case model.ErrCodeValidation:
		return http.StatusBadRequest
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeForbidden, model.ErrCodeCredentialInvalid:
		return http.StatusForbidden
	case model.ErrCodeJobNotFound, model.ErrCodeUserNotFound:
		return http.StatusNotFound
	case model.ErrCodeSchedulerConflict:
		return http.StatusConflict
	case model.ErrCodeTransientNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
