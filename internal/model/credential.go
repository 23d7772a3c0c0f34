package model

import "time"

// Credential はユーザー1人につき1件のOAuthトークンペアを表す。
// アクセスシークレット・リフレッシュシークレットは暗号化された状態でのみ保持し、
// 平文はリフレッシャーの作業メモリ外に出してはならない。
type Credential struct {
	UserID          string
	AccessSecret    []byte // 暗号化済み
	RefreshSecret   []byte // 暗号化済み
	ExpiresAt       time.Time
	LastRefreshedAt time.Time
	Invalid         bool // リフレッシュシークレットがIdPに拒否された状態
	UpdatedAt       time.Time
}

// NeedsRefresh は安全マージンを考慮して有効期限切れが近いかどうかを返す。
// now >= expiry - margin の場合にtrueを返す。
func (c *Credential) NeedsRefresh(now time.Time, margin time.Duration) bool {
	return !now.Before(c.ExpiresAt.Add(-margin))
}
