// Package recovery はユーザー単位および全体の緊急復旧と、
// 状態を変更しない診断レポートを提供する。
package recovery

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/hitoshi/chatauth/internal/gate"
	"github.com/hitoshi/chatauth/internal/model"
)

// GateControl はゲートの解放と参照のインターフェース。gate.Gateが実装する。
type GateControl interface {
	Release(userID string) bool
	Snapshot(userID string) gate.Snapshot
	TrackedUsers() []string
	Counts() (guards, locks int)
}

// TimerControl はタイムアウトの取り消しと参照のインターフェース。timeout.Schedulerが実装する。
type TimerControl interface {
	Cancel(userID string) bool
	Entry(userID string) (model.TimeoutEntry, bool)
	ActiveCount() int
}

// SessionCache はセッションキャッシュのインターフェース。session.Storeが実装する。
type SessionCache interface {
	Lookup(userID string) (model.Session, bool)
	Set(userID string, sess model.Session)
	UserIDs() []string
	Len() int
}

// DurableStore は永続ストアへの書き込みインターフェース。
type DurableStore interface {
	Save(ctx context.Context, sess model.Session) error
}

// PendingSaves は永続化の再試行待ちを管理するインターフェース。persist.Workerが実装する。
type PendingSaves interface {
	Enqueue(sess model.Session)
	HasPending(userID string) bool
	Discard(userID string) bool
	Len() int
}

// StateDiscarder はユーザーの未使用OAuth stateを破棄するインターフェース。
type StateDiscarder interface {
	DeleteByUser(userID string) int
}

// Locker はユーザー単位の排他を提供するインターフェース。session.KeyedMutexが実装する。
type Locker interface {
	LockTimeout(key string, d time.Duration) (unlock func(), ok bool)
}

// DefaultLockWait は復旧時にユーザーロックの取得を待つ既定の時間。
// 待っても取得できない場合は滞留中のターンを無視して強制的に解放する。
const DefaultLockWait = 5 * time.Second

// Metrics は復旧処理のメトリクスを記録するインターフェース。
type Metrics interface {
	RecordRecovery(scope string)
}

// Deps はControllerの依存をまとめる。
type Deps struct {
	Gate     GateControl
	Timer    TimerControl
	Sessions SessionCache
	Durable  DurableStore
	Pending  PendingSaves
	States   StateDiscarder
	Locker   Locker
	History  *History
	Metrics  Metrics
	Logger   *slog.Logger
	// StaleAfter は診断で処理中マーカーを滞留とみなす経過時間。
	StaleAfter time.Duration
	LockWait   time.Duration
	Now        func() time.Time
}

// Report は1ユーザーの診断結果。
type Report struct {
	UserID       string                 `json:"user_id"`
	Tracked      bool                   `json:"tracked"`
	State        model.SessionState     `json:"state"`
	DisplayName  string                 `json:"display_name,omitempty"`
	Credential   string                 `json:"credential_fingerprint,omitempty"`
	LastAuthAt   *time.Time             `json:"last_authenticated_at,omitempty"`
	Guard        *model.ProcessingGuard `json:"processing_guard,omitempty"`
	Lock         *model.LoginLock       `json:"login_lock,omitempty"`
	Timeout      *TimeoutView           `json:"timeout,omitempty"`
	PendingRetry bool                   `json:"pending_retry"`
	Anomalies    []string               `json:"anomalies"`
	Events       []model.AuthEvent      `json:"events"`
}

// TimeoutView はレポート用のタイムアウト情報。経路情報は含めない。
type TimeoutView struct {
	AttemptID string    `json:"attempt_id"`
	FireAt    time.Time `json:"fire_at"`
}

// Healthy は異常が検出されなかったかどうかを返す。
func (r Report) Healthy() bool {
	return len(r.Anomalies) == 0
}

// ProcessReport はプロセス全体の集計。
type ProcessReport struct {
	TrackedUsers   int       `json:"tracked_users"`
	ActiveGuards   int       `json:"active_guards"`
	ActiveLocks    int       `json:"active_locks"`
	ActiveTimeouts int       `json:"active_timeouts"`
	PendingRetries int       `json:"pending_retries"`
	GeneratedAt    time.Time `json:"generated_at"`
}

// 診断で検出する異常の種別
const (
	AnomalyInProgressWithoutLock = "login_in_progress_without_lock"
	AnomalyLockWithoutTimeout    = "login_lock_without_timeout"
	AnomalyTimeoutWithoutLock    = "timeout_without_login_lock"
	AnomalyStaleGuard            = "stale_processing_guard"
	AnomalyOverdueTimeout        = "overdue_timeout"
	AnomalyAttemptMismatch       = "timeout_attempt_mismatch"
)

// Controller は復旧と診断の操作を提供する。
type Controller struct {
	deps Deps
}

// NewController はControllerを生成する。
func NewController(deps Deps) *Controller {
	if deps.Gate == nil || deps.Timer == nil || deps.Sessions == nil || deps.Durable == nil {
		panic("recovery: gate, timer, sessions and durable store must not be nil")
	}
	if deps.Locker == nil {
		panic("recovery: locker must not be nil")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.History == nil {
		deps.History = NewHistory(DefaultHistorySize, nil, deps.Logger)
	}
	if deps.StaleAfter <= 0 {
		deps.StaleAfter = gate.DefaultStaleAfter
	}
	if deps.LockWait <= 0 {
		deps.LockWait = DefaultLockWait
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Controller{deps: deps}
}

// RecoverUser はユーザーの処理中マーカーとLoginLockを強制解放し、タイムアウトを取り消し、
// セッションを両ストアで未認証に戻す。未使用のOAuth stateと再試行待ちの保存も破棄する。
// 何も保持していないユーザーに対しては何もしない。何かを変更した場合にtrueを返す。
func (c *Controller) RecoverUser(ctx context.Context, userID string) bool {
	unlock, ok := c.deps.Locker.LockTimeout(userID, c.deps.LockWait)
	defer unlock()
	if !ok {
		c.deps.Logger.Warn("user lock wait exceeded, forcing recovery",
			slog.String("user_id", userID),
			slog.Duration("waited", c.deps.LockWait),
		)
	}

	changed := c.deps.Gate.Release(userID)
	if c.deps.Timer.Cancel(userID) {
		changed = true
	}
	if c.deps.Pending != nil && c.deps.Pending.Discard(userID) {
		changed = true
	}
	if c.deps.States != nil && c.deps.States.DeleteByUser(userID) > 0 {
		changed = true
	}
	if cur, ok := c.deps.Sessions.Lookup(userID); ok && (cur.State != model.StateUnauthenticated || !cur.Credential.IsEmpty()) {
		changed = true
	}

	if !changed {
		return false
	}

	reset := model.Session{
		UserID:              userID,
		State:               model.StateUnauthenticated,
		LastAuthenticatedAt: c.deps.Now(),
	}
	c.deps.Sessions.Set(userID, reset)
	if err := c.deps.Durable.Save(ctx, reset); err != nil {
		c.deps.Logger.Warn("durable reset failed during recovery",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		if c.deps.Pending != nil {
			c.deps.Pending.Enqueue(reset)
		}
	}

	c.deps.History.Record(ctx, userID, model.EventRecovered, "")
	c.deps.Logger.Info("user session recovered", slog.String("user_id", userID))
	return true
}

// RecoverAll は追跡中の全ユーザーにRecoverUserを適用し、変更があったユーザー数を返す。
func (c *Controller) RecoverAll(ctx context.Context) int {
	users := c.trackedUsers()
	recovered := 0
	for _, userID := range users {
		if ctx.Err() != nil {
			break
		}
		if c.RecoverUser(ctx, userID) {
			recovered++
		}
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.RecordRecovery("all")
	}
	c.deps.Logger.Warn("full process recovery executed",
		slog.Int("tracked_users", len(users)),
		slog.Int("recovered_users", recovered),
	)
	return recovered
}

// RecoverOne はRecoverUserを実行し、メトリクスを記録する。管理API用。
func (c *Controller) RecoverOne(ctx context.Context, userID string) bool {
	changed := c.RecoverUser(ctx, userID)
	if c.deps.Metrics != nil {
		c.deps.Metrics.RecordRecovery("user")
	}
	return changed
}

// Diagnose はユーザーの状態スナップショットを返す。状態は変更しない。
func (c *Controller) Diagnose(userID string) Report {
	now := c.deps.Now()
	sess, tracked := c.deps.Sessions.Lookup(userID)
	snap := c.deps.Gate.Snapshot(userID)
	entry, armed := c.deps.Timer.Entry(userID)

	rep := Report{
		UserID:    userID,
		Tracked:   tracked || snap.Guard != nil || snap.Lock != nil || armed,
		State:     sess.State,
		Guard:     snap.Guard,
		Lock:      snap.Lock,
		Anomalies: []string{},
		Events:    c.deps.History.Recent(userID),
	}
	if rep.Events == nil {
		rep.Events = []model.AuthEvent{}
	}
	if sess.Identity != nil {
		rep.DisplayName = sess.Identity.DisplayName
	}
	if !sess.Credential.IsEmpty() {
		rep.Credential = sess.Credential.Fingerprint()
	}
	if !sess.LastAuthenticatedAt.IsZero() {
		at := sess.LastAuthenticatedAt
		rep.LastAuthAt = &at
	}
	if armed {
		rep.Timeout = &TimeoutView{AttemptID: entry.AttemptID, FireAt: entry.FireAt}
	}
	if c.deps.Pending != nil {
		rep.PendingRetry = c.deps.Pending.HasPending(userID)
	}

	if sess.State == model.StateLoginInProgress && snap.Lock == nil {
		rep.Anomalies = append(rep.Anomalies, AnomalyInProgressWithoutLock)
	}
	if snap.Lock != nil && !armed {
		rep.Anomalies = append(rep.Anomalies, AnomalyLockWithoutTimeout)
	}
	if armed && snap.Lock == nil {
		rep.Anomalies = append(rep.Anomalies, AnomalyTimeoutWithoutLock)
	}
	if armed && snap.Lock != nil && entry.AttemptID != snap.Lock.AttemptID {
		rep.Anomalies = append(rep.Anomalies, AnomalyAttemptMismatch)
	}
	if snap.Guard != nil && now.Sub(snap.Guard.AcquiredAt) > c.deps.StaleAfter {
		rep.Anomalies = append(rep.Anomalies, AnomalyStaleGuard)
	}
	if armed && now.After(entry.FireAt) {
		rep.Anomalies = append(rep.Anomalies, AnomalyOverdueTimeout)
	}
	return rep
}

// Overview はプロセス全体の集計を返す。
func (c *Controller) Overview() ProcessReport {
	guards, locks := c.deps.Gate.Counts()
	rep := ProcessReport{
		TrackedUsers:   len(c.trackedUsers()),
		ActiveGuards:   guards,
		ActiveLocks:    locks,
		ActiveTimeouts: c.deps.Timer.ActiveCount(),
		GeneratedAt:    c.deps.Now(),
	}
	if c.deps.Pending != nil {
		rep.PendingRetries = c.deps.Pending.Len()
	}
	return rep
}

// trackedUsers はセッションキャッシュとゲートの両方に現れるユーザーIDを昇順で返す。
func (c *Controller) trackedUsers() []string {
	seen := make(map[string]struct{})
	for _, id := range c.deps.Sessions.UserIDs() {
		seen[id] = struct{}{}
	}
	for _, id := range c.deps.Gate.TrackedUsers() {
		seen[id] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
