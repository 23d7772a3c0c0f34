package model

import "time"

// Event はカレンダープロバイダーから取得した予定1件を表す。
// 特定プロバイダーのレスポンス形式には依存しない内部表現。
type Event struct {
	Title       string
	Start       time.Time
	End         time.Time
	AllDay      bool
	Location    string
	Description string
}
