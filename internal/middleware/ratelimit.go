package middleware

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	MessageRate     rate.Limit    // ユーザーごとの受信メッセージのレート（req/sec）
	MessageBurst    int           // 受信メッセージのバーストサイズ
	AuthRate        rate.Limit    // クライアントごとのサインインエンドポイントのレート（req/sec）
	AuthBurst       int           // サインインエンドポイントのバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// 受信メッセージ 60 req/min/user、サインイン 30 req/min/client。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		MessageRate:     rate.Limit(60.0 / 60.0),
		MessageBurst:    20,
		AuthRate:        rate.Limit(30.0 / 60.0),
		AuthBurst:       10,
		CleanupInterval: 5 * time.Minute,
	}
}

// MessagesPerMinute は1分あたりの件数からメッセージ用の設定を組み立てる。
func (c RateLimiterConfig) MessagesPerMinute(n int) RateLimiterConfig {
	if n <= 0 {
		return c
	}
	c.MessageRate = rate.Limit(float64(n) / 60.0)
	if c.MessageBurst > n {
		c.MessageBurst = n
	}
	return c
}

// userLimiter はキーごとのレートリミッターとアクセス時刻を保持する。
type userLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterSet はキーごとのリミッターの集合。
type limiterSet struct {
	mu       sync.RWMutex
	limiters map[string]*userLimiter
	limit    rate.Limit
	burst    int
}

func newLimiterSet(limit rate.Limit, burst int) *limiterSet {
	return &limiterSet{limiters: make(map[string]*userLimiter), limit: limit, burst: burst}
}

// get はキーのリミッターを取得または作成する。
func (s *limiterSet) get(key string) *rate.Limiter {
	s.mu.RLock()
	ul, exists := s.limiters[key]
	s.mu.RUnlock()

	if exists {
		s.mu.Lock()
		ul.lastAccess = time.Now()
		s.mu.Unlock()
		return ul.limiter
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// ダブルチェック
	if ul, exists := s.limiters[key]; exists {
		ul.lastAccess = time.Now()
		return ul.limiter
	}

	limiter := rate.NewLimiter(s.limit, s.burst)
	s.limiters[key] = &userLimiter{limiter: limiter, lastAccess: time.Now()}
	return limiter
}

func (s *limiterSet) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.limiters)
}

func (s *limiterSet) evict(now time.Time, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, ul := range s.limiters {
		if now.Sub(ul.lastAccess) > ttl {
			delete(s.limiters, key)
		}
	}
}

// RateLimiter はユーザーごとの受信メッセージと、クライアントごとのサインイン要求のレート制限を管理する。
type RateLimiter struct {
	config   RateLimiterConfig
	messages *limiterSet
	auth     *limiterSet
	logger   *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig, logger *slog.Logger) *RateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	rl := &RateLimiter{
		config:   config,
		messages: newLimiterSet(config.MessageRate, config.MessageBurst),
		auth:     newLimiterSet(config.AuthRate, config.AuthBurst),
		logger:   logger,
		stopCh:   make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。複数回呼んでもよい。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// AllowMessage はユーザーの受信メッセージを受け付けてよいかを返す。
// ユーザーIDは本文を解析しないと分からないため、メッセージハンドラーから直接呼ぶ。
func (rl *RateLimiter) AllowMessage(userID string) bool {
	if rl.messages.get(userID).Allow() {
		return true
	}
	rl.logger.Warn("rate limit exceeded",
		slog.String("user_id", userID),
		slog.String("limit_type", "message"),
	)
	return false
}

// WriteMessageLimited はメッセージのレート制限超過レスポンスを書き込む。
func (rl *RateLimiter) WriteMessageLimited(w http.ResponseWriter) {
	writeRateLimitResponse(w, rl.config.MessageRate)
}

// AuthMiddleware はサインインエンドポイント用のクライアントごとのレート制限ミドルウェアを返す。
func (rl *RateLimiter) AuthMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := clientKey(r)
			if !rl.auth.get(client).Allow() {
				writeRateLimitResponse(w, rl.config.AuthRate)
				rl.logger.Warn("rate limit exceeded",
					slog.String("client", client),
					slog.String("limit_type", "auth"),
				)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MessageLimiterCount は現在管理されているメッセージ用リミッターのエントリ数を返す。
func (rl *RateLimiter) MessageLimiterCount() int {
	return rl.messages.len()
}

// AuthLimiterCount は現在管理されているサインイン用リミッターのエントリ数を返す。
func (rl *RateLimiter) AuthLimiterCount() int {
	return rl.auth.len()
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2
	now := time.Now()
	rl.messages.evict(now, ttl)
	rl.auth.evict(now, ttl)
}

// clientKey はリクエスト元のホスト部分を返す。
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	retryAfterSec := 1
	if r > 0 {
		retryAfterSec = int(math.Ceil(1.0 / float64(r)))
	}
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     "RATE_LIMIT_EXCEEDED",
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "指定された時間が経過してから再度お試しください。",
	})
}
