package scheduler

import "time"

// Clock は現在時刻の供給源。テストで時刻を注入するための抽象化。
type Clock interface {
	Now() time.Time
}

// SystemClock は実時刻を返すClock実装。
type SystemClock struct{}

// Now は現在時刻を返す。
func (SystemClock) Now() time.Time {
	return time.Now()
}

// compile-time interface check
var _ Clock = SystemClock{}
