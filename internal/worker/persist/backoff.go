package persist

import "time"

const (
	// initialBackoff は指数バックオフの初回遅延。
	initialBackoff = 1 * time.Second
	// maxBackoff は指数バックオフの最大遅延。
	maxBackoff = 5 * time.Minute
	// defaultAlertThreshold はエラーログでアラートを出す連続失敗回数。
	defaultAlertThreshold = 5
)

// CalculateBackoff は連続失敗回数に基づいて指数バックオフ遅延を計算する。
// 初回1秒、2倍ずつ増加、最大5分。
func CalculateBackoff(consecutiveFailures int) time.Duration {
	delay := initialBackoff
	for i := 0; i < consecutiveFailures; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}
