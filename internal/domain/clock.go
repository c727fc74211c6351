package domain

import "time"

// NowMs returns the current Unix time in milliseconds.
func NowMs() int64 {
	return time.Now().UnixMilli()
}
