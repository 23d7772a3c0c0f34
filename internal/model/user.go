// Package model はドメインモデルを定義する。
package model

import "time"

// Role はユーザーの権限区分を表す。
type Role string

const (
	// RoleAdmin は管理者。ジョブの作成・取消や全ユーザーへの配信操作が可能。
	RoleAdmin Role = "admin"
	// RoleMember は一般ユーザー。自身の設定変更のみ可能。
	RoleMember Role = "member"
)

const (
	// DefaultLookAheadDays はカレンダー取得期間のデフォルト日数。
	DefaultLookAheadDays = 7
	// MinLookAheadDays はカレンダー取得期間の最小日数。
	MinLookAheadDays = 1
	// MaxLookAheadDays はカレンダー取得期間の最大日数。
	MaxLookAheadDays = 365
)

// User はサービス利用ユーザーを表す。
// 初回ログイン成功時に自動作成され、物理削除はされない。
type User struct {
	ID            string
	Email         string
	Name          string
	Role          Role
	LookAheadDays int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsAdmin はユーザーが管理者かどうかを返す。
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// ValidLookAheadDays は取得期間日数が許容範囲（1〜365）かどうかを返す。
func ValidLookAheadDays(days int) bool {
	return days >= MinLookAheadDays && days <= MaxLookAheadDays
}

// Session はユーザーのログインセッションを表す。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}
