package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, scheduler, delivery, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// IsAPIErrorCode はerrが指定コードのAPIErrorかどうかを返す。
// ラップされたエラーも辿って判定する。
func IsAPIErrorCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// 定義済みエラーコード
const (
	ErrCodeCredentialInvalid = "CREDENTIAL_INVALID"
	ErrCodeTransientNetwork  = "TRANSIENT_NETWORK"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeSchedulerConflict = "SCHEDULER_CONFLICT"
	ErrCodeJobNotFound       = "JOB_NOT_FOUND"
	ErrCodeUserNotFound      = "USER_NOT_FOUND"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
)

// NewCredentialInvalidError はリフレッシュシークレット拒否エラーを生成する。
// 自動リトライしてはならず、ユーザーの再認証が必要。
func NewCredentialInvalidError(userID string) *APIError {
	return &APIError{
		Code:     ErrCodeCredentialInvalid,
		Message:  fmt.Sprintf("認証情報が無効です: %s", userID),
		Category: "auth",
		Action:   "対象ユーザーに再ログインを依頼してください。",
	}
}

// NewTransientNetworkError は一時的なネットワーク障害エラーを生成する。
func NewTransientNetworkError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeTransientNetwork,
		Message:  fmt.Sprintf("外部サービスとの通信に失敗しました: %s", reason),
		Category: "delivery",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewLookAheadValidationError は取得期間日数の範囲外エラーを生成する。
func NewLookAheadValidationError(days int) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("無効な取得期間日数です: %d", days),
		Category: "validation",
		Action:   fmt.Sprintf("取得期間は%d〜%d日の範囲で指定してください。", MinLookAheadDays, MaxLookAheadDays),
	}
}

// NewValidationError は汎用の入力検証エラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("入力値が不正です: %s", reason),
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	}
}

// NewSchedulerConflictError はpending以外のジョブへの取消要求エラーを生成する。
// 致命的エラーではなく、ジョブの状態は変更されない。
func NewSchedulerConflictError(jobID string, status JobStatus) *APIError {
	return &APIError{
		Code:     ErrCodeSchedulerConflict,
		Message:  fmt.Sprintf("ジョブ %s は %s 状態のため取り消せません。", jobID, status),
		Category: "scheduler",
		Action:   "取消はpending状態のジョブに対してのみ実行できます。",
	}
}

// NewJobNotFoundError はジョブが見つからない場合のエラーを生成する。
func NewJobNotFoundError(jobID string) *APIError {
	return &APIError{
		Code:     ErrCodeJobNotFound,
		Message:  fmt.Sprintf("指定されたジョブが見つかりません: %s", jobID),
		Category: "scheduler",
		Action:   "ジョブIDを確認してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewForbiddenError は管理者権限が必要な操作への権限不足エラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "この操作には管理者権限が必要です。",
		Category: "auth",
		Action:   "管理者アカウントでログインしてください。",
	}
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}
