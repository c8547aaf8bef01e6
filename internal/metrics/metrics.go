// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder はメトリクス記録のインターフェース。
// コーディネーター、収束処理、復旧、ワーカーから利用する。
type Recorder interface {
	RecordTurn(outcome string)
	RecordTurnLatency(duration time.Duration)
	RecordLogin(result string)
	RecordDegradedTurn()
	RecordDurableFailure(op string)
	RecordReconciliation(winner string)
	RecordRecovery(scope string)
	RecordNotification(kind string, ok bool)
	RecordHTTPStatus(statusCode int)
}

// StateFuncs はゲージとして公開するプロセス内状態の取得関数。
// nilの関数は登録しない。
type StateFuncs struct {
	ActiveTimeouts      func() int
	ActiveLoginLocks    func() int
	PendingDurableSaves func() int
	TrackedSessions     func() int
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	reg prometheus.Registerer

	turns           *prometheus.CounterVec
	turnLatency     prometheus.Histogram
	logins          *prometheus.CounterVec
	degradedTurns   prometheus.Counter
	durableFailures *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
	recoveries      *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		reg: reg,
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatauth_turns_total",
			Help: "結果別の処理ターン数",
		}, []string{"outcome"}),
		turnLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatauth_turn_duration_seconds",
			Help:    "1ターンの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatauth_logins_total",
			Help: "結果別のログイン試行数",
		}, []string{"result"}),
		degradedTurns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatauth_degraded_turns_total",
			Help: "永続ストアに到達できずキャッシュのみで処理したターン数",
		}),
		durableFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatauth_durable_store_failures_total",
			Help: "操作別の永続ストア失敗数",
		}, []string{"op"}),
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatauth_reconciliations_total",
			Help: "キャッシュと永続ストアの食い違いを解消した回数",
		}, []string{"winner"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatauth_recoveries_total",
			Help: "範囲別の緊急復旧の実行回数",
		}, []string{"scope"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatauth_proactive_notifications_total",
			Help: "種別・結果別のプロアクティブ通知数",
		}, []string{"kind", "result"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatauth_http_responses_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.turns,
		c.turnLatency,
		c.logins,
		c.degradedTurns,
		c.durableFailures,
		c.reconciliations,
		c.recoveries,
		c.notifications,
		c.httpStatus,
	)

	return c
}

// ObserveState はプロセス内状態をゲージとして登録する。起動時に1回だけ呼ぶ。
func (c *Collector) ObserveState(funcs StateFuncs) {
	gauge := func(name, help string, fn func() int) {
		if fn == nil {
			return
		}
		c.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: name,
			Help: help,
		}, func() float64 { return float64(fn()) }))
	}
	gauge("chatauth_active_timeouts", "待機中のログインタイムアウト数", funcs.ActiveTimeouts)
	gauge("chatauth_active_login_locks", "保持中のLoginLock数", funcs.ActiveLoginLocks)
	gauge("chatauth_pending_durable_saves", "再試行待ちの永続化数", funcs.PendingDurableSaves)
	gauge("chatauth_tracked_sessions", "キャッシュ上のセッション数", funcs.TrackedSessions)
}

// RecordTurn はターンの結果を記録する。
func (c *Collector) RecordTurn(outcome string) {
	c.turns.WithLabelValues(outcome).Inc()
}

// RecordTurnLatency はターンの処理時間を記録する。
func (c *Collector) RecordTurnLatency(duration time.Duration) {
	c.turnLatency.Observe(duration.Seconds())
}

// RecordLogin はログイン試行の結果を記録する。
func (c *Collector) RecordLogin(result string) {
	c.logins.WithLabelValues(result).Inc()
}

// RecordDegradedTurn は縮退運転で処理したターンを記録する。
func (c *Collector) RecordDegradedTurn() {
	c.degradedTurns.Inc()
}

// RecordDurableFailure は永続ストアの失敗を記録する。
func (c *Collector) RecordDurableFailure(op string) {
	c.durableFailures.WithLabelValues(op).Inc()
}

// RecordReconciliation は食い違いの解消を記録する。
func (c *Collector) RecordReconciliation(winner string) {
	c.reconciliations.WithLabelValues(winner).Inc()
}

// RecordRecovery は緊急復旧の実行を記録する。
func (c *Collector) RecordRecovery(scope string) {
	c.recoveries.WithLabelValues(scope).Inc()
}

// RecordNotification はプロアクティブ通知の結果を記録する。
func (c *Collector) RecordNotification(kind string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	c.notifications.WithLabelValues(kind, result).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop は何も記録しないRecorder。テストや計測不要な経路で使う。
type Nop struct{}

func (Nop) RecordTurn(string) {}
func (Nop) RecordTurnLatency(time.Duration) {}
func (Nop) RecordLogin(string) {}
func (Nop) RecordDegradedTurn() {}
func (Nop) RecordDurableFailure(string) {}
func (Nop) RecordReconciliation(string) {}
func (Nop) RecordRecovery(string) {}
func (Nop) RecordNotification(string, bool) {}
func (Nop) RecordHTTPStatus(int) {}

// compile-time interface check
var (
	_ Recorder = (*Collector)(nil)
	_ Recorder = Nop{}
)
