// Package gate はユーザーごとのシングルフライト制御を提供する。
// 1ユーザーにつき同時に1つのメッセージ処理と1つのログイン試行のみを許可する。
package gate

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/chatauth/internal/model"
)

const (
	// DefaultLoginTimeout はログイン試行の既定の期限。
	DefaultLoginTimeout = 120 * time.Second
	// DefaultStaleAfter は処理中マーカーを古いとみなす既定の経過時間。
	DefaultStaleAfter = 30 * time.Second
)

// Timer はログイン試行ごとの期限を管理するインターフェース。
// timeout.Schedulerが実装する。
type Timer interface {
	Arm(userID, attemptID string, d time.Duration, routing model.RoutingInfo) model.TimeoutEntry
	Cancel(userID string) bool
}

// SessionUpdater はセッション状態をアトミックに更新するインターフェース。
// session.Storeが実装する。
type SessionUpdater interface {
	Update(userID string, fn func(model.Session) model.Session) model.Session
}

// Config はGateの設定。
type Config struct {
	LoginTimeout time.Duration
	StaleAfter   time.Duration
	// Now はテスト用に差し替え可能な現在時刻関数。
	Now func() time.Time
}

// AcquireOutcome は処理マーカー取得の結果を表す。
type AcquireOutcome int

const (
	// Acquired はマーカーを新規に取得したことを示す。
	Acquired AcquireOutcome = iota
	// AcquiredAfterStale は古いマーカーを強制解放してから取得したことを示す。
	AcquiredAfterStale
	// Contended は処理中のマーカーが存在し取得できなかったことを示す。
	Contended
)

// OK は取得に成功したかどうかを返す。
func (o AcquireOutcome) OK() bool {
	return o != Contended
}

// Snapshot はユーザーのゲート状態の読み取り専用コピー。
type Snapshot struct {
	Guard *model.ProcessingGuard
	Lock  *model.LoginLock
}

// Gate はProcessingGuardとLoginLockをユーザーごとに管理する。
type Gate struct {
	mu     sync.Mutex
	guards map[string]model.ProcessingGuard
	locks  map[string]model.LoginLock

	sessions SessionUpdater
	timer    Timer
	logger   *slog.Logger
	config   Config
}

// New はGateを生成する。設定値が0以下の場合は既定値を使用する。
func New(sessions SessionUpdater, timer Timer, logger *slog.Logger, config Config) *Gate {
	if sessions == nil {
		panic("gate: sessions must not be nil")
	}
	if timer == nil {
		panic("gate: timer must not be nil")
	}
	if config.LoginTimeout <= 0 {
		config.LoginTimeout = DefaultLoginTimeout
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = DefaultStaleAfter
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		guards:   make(map[string]model.ProcessingGuard),
		locks:    make(map[string]model.LoginLock),
		sessions: sessions,
		timer:    timer,
		logger:   logger,
		config:   config,
	}
}

// TryAcquireProcessing は処理中マーカーをアトミックに取得する。
// 既にマーカーが存在する場合はContendedを返し、呼び出し側はメッセージを破棄する。
// StaleAfterを超えて残っているマーカーは所有者不在とみなして置き換える。
func (g *Gate) TryAcquireProcessing(userID string) (model.ProcessingGuard, AcquireOutcome) {
	now := g.config.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	outcome := Acquired
	if cur, ok := g.guards[userID]; ok {
		age := now.Sub(cur.AcquiredAt)
		if age < g.config.StaleAfter {
			return model.ProcessingGuard{}, Contended
		}
		g.logger.Warn("stale processing guard force-released",
			slog.String("user_id", userID),
			slog.Duration("age", age),
		)
		outcome = AcquiredAfterStale
	}

	guard := model.ProcessingGuard{
		UserID:     userID,
		Token:      uuid.NewString(),
		AcquiredAt: now,
	}
	g.guards[userID] = guard
	return guard, outcome
}

// ReleaseProcessing は処理中マーカーを解放する。
// トークンが一致しない場合（強制解放後に別ターンが取得した場合など）は何もしない。
func (g *Gate) ReleaseProcessing(guard model.ProcessingGuard) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cur, ok := g.guards[guard.UserID]; ok && cur.Token == guard.Token {
		delete(g.guards, guard.UserID)
	}
}

// TryAcquireLogin はログイン試行のロックを取得し、タイムアウトを登録する。
// 既にロックが存在する場合は既存のロックとfalseを返す（重複ログイン要求は何もしない）。
// 取得に成功するとセッション状態をStateLoginInProgressに変更する。
func (g *Gate) TryAcquireLogin(userID string, routing model.RoutingInfo) (model.LoginLock, bool) {
	now := g.config.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if cur, ok := g.locks[userID]; ok {
		return cur, false
	}

	lock := model.LoginLock{
		UserID:     userID,
		AttemptID:  uuid.NewString(),
		AcquiredAt: now,
		Deadline:   now.Add(g.config.LoginTimeout),
	}
	g.locks[userID] = lock

	g.sessions.Update(userID, func(cur model.Session) model.Session {
		cur.State = model.StateLoginInProgress
		return cur
	})
	g.timer.Arm(userID, lock.AttemptID, g.config.LoginTimeout, routing)

	return lock, true
}

// ReleaseLogin はLoginLockのみを解放し、対応するタイムアウトを取り消す。
// 処理中のターン内から呼ぶ場合に使用し、そのターンの処理中マーカーは残す。
// ロックが存在しない場合でもエラーにならない。
func (g *Gate) ReleaseLogin(userID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.releaseLoginLocked(userID)
}

// Release はProcessingGuardとLoginLockの両方を解放し、タイムアウトを取り消す。
// 成功・ログアウト・タイムアウト・復旧の各経路から呼ばれるため冪等である。
// 何かを解放した場合にtrueを返す。
func (g *Gate) Release(userID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, hadGuard := g.guards[userID]
	delete(g.guards, userID)

	released := g.releaseLoginLocked(userID)
	return hadGuard || released
}

func (g *Gate) releaseLoginLocked(userID string) bool {
	_, hadLock := g.locks[userID]
	delete(g.locks, userID)

	cancelled := g.timer.Cancel(userID)

	// ロックが無い状態でLoginInProgressが残らないようにする
	g.sessions.Update(userID, func(cur model.Session) model.Session {
		if cur.State == model.StateLoginInProgress {
			cur.State = model.StateUnauthenticated
		}
		return cur
	})

	return hadLock || cancelled
}

// Lock は現在のLoginLockを返す。
func (g *Gate) Lock(userID string) (model.LoginLock, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	lock, ok := g.locks[userID]
	return lock, ok
}

// Snapshot はユーザーのゲート状態のコピーを返す。状態は変更しない。
func (g *Gate) Snapshot(userID string) Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	var snap Snapshot
	if guard, ok := g.guards[userID]; ok {
		snap.Guard = &guard
	}
	if lock, ok := g.locks[userID]; ok {
		snap.Lock = &lock
	}
	return snap
}

// TrackedUsers はマーカーまたはロックを持つユーザーIDを昇順で返す。
func (g *Gate) TrackedUsers() []string {
	g.mu.Lock()
	seen := make(map[string]struct{}, len(g.guards)+len(g.locks))
	for id := range g.guards {
		seen[id] = struct{}{}
	}
	for id := range g.locks {
		seen[id] = struct{}{}
	}
	g.mu.Unlock()

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Counts は処理中マーカー数とLoginLock数を返す。
func (g *Gate) Counts() (guards, locks int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.guards), len(g.locks)
}

// LoginTimeout は設定されたログイン期限を返す。
func (g *Gate) LoginTimeout() time.Duration {
	return g.config.LoginTimeout
}
