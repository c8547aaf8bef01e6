// Package coordinator はユーザーごとの認証セッションを調整する。
// 受信ターンごとに認証状態を判定し、ログインの開始・完了・取り消し・タイムアウト・
// ログアウトの遷移を、ユーザー単位で直列化して実行する。
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/chatauth/internal/auth"
	"github.com/hitoshi/chatauth/internal/gate"
	"github.com/hitoshi/chatauth/internal/metrics"
	"github.com/hitoshi/chatauth/internal/model"
	"github.com/hitoshi/chatauth/internal/notify"
	"github.com/hitoshi/chatauth/internal/reconcile"
	"github.com/hitoshi/chatauth/internal/recovery"
	"github.com/hitoshi/chatauth/internal/repository"
	"github.com/hitoshi/chatauth/internal/session"
	"github.com/hitoshi/chatauth/internal/timeout"
)

// StateIssuer はOAuth stateの発行と消費のインターフェース。auth.StateStoreが実装する。
type StateIssuer interface {
	Issue(userID, attemptID string) (string, error)
	Consume(state string) (auth.PendingState, error)
	DeleteByUser(userID string) int
}

// PendingSaver は永続化と再試行キューのインターフェース。persist.Workerが実装する。
type PendingSaver interface {
	Save(ctx context.Context, sess model.Session) (queued bool, err error)
	Enqueue(sess model.Session)
	HasPending(userID string) bool
	Discard(userID string) bool
	Len() int
}

// TextSanitizer は外部由来のテキストを無害化するインターフェース。
type TextSanitizer interface {
	Sanitize(text string) string
}

// Config はCoordinatorの設定。0値の項目は既定値を使う。
type Config struct {
	LoginTimeout   time.Duration
	StaleAfter     time.Duration
	SweepInterval  time.Duration
	SweepMargin    time.Duration
	// NotifyTimeout はプロアクティブ通知1件に許容する時間。既定10秒。
	NotifyTimeout  time.Duration
	// DurableTimeout は永続ストアへの1回の読み書きに許容する時間。既定2秒。
	DurableTimeout time.Duration
	// PublicBaseURL はサインインリンクに使う自サービスの公開URL。
	PublicBaseURL  string
	Now            func() time.Time
}

// Deps はCoordinatorの依存をまとめる。
type Deps struct {
	Sessions  *session.Store
	Durable   repository.DurableAuthStore
	Provider  auth.IdentityProvider
	States    StateIssuer
	Notifier  notify.Sender
	Pending   PendingSaver
	History   *recovery.History
	Metrics   metrics.Recorder
	Sanitizer TextSanitizer
	Logger    *slog.Logger
	Config    Config
}

// Coordinator はセッション調整の唯一のインスタンス。起動時に1つ生成し、ハンドラーに注入する。
type Coordinator struct {
	sessions  *session.Store
	durable   repository.DurableAuthStore
	provider  auth.IdentityProvider
	states    StateIssuer
	notifier  notify.Sender
	pending   PendingSaver
	history   *recovery.History
	metrics   metrics.Recorder
	sanitizer TextSanitizer
	logger    *slog.Logger
	config    Config

	locks      *session.KeyedMutex
	scheduler  *timeout.Scheduler
	gate       *gate.Gate
	reconciler *reconcile.Service
	recovery   *recovery.Controller
}

const defaultNotifyTimeout = 10 * time.Second

// New はCoordinatorを生成し、スケジューラ・ゲート・収束処理・復旧を組み立てる。
func New(deps Deps) *Coordinator {
	if deps.Sessions == nil || deps.Durable == nil || deps.Provider == nil || deps.States == nil {
		panic("coordinator: sessions, durable store, provider and states must not be nil")
	}
	if deps.Notifier == nil || deps.Pending == nil {
		panic("coordinator: notifier and pending saver must not be nil")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	if deps.History == nil {
		deps.History = recovery.NewHistory(recovery.DefaultHistorySize, nil, deps.Logger)
	}
	cfg := deps.Config
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = defaultNotifyTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")

	// ユーザー単位のロック内で呼ぶので、全ての読み書きに期限を付ける
	durable := repository.WithTimeout(deps.Durable, cfg.DurableTimeout)
	cfg.DurableTimeout = durable.Timeout()

	c := &Coordinator{
		sessions:  deps.Sessions,
		durable:   durable,
		provider:  deps.Provider,
		states:    deps.States,
		notifier:  deps.Notifier,
		pending:   deps.Pending,
		history:   deps.History,
		metrics:   deps.Metrics,
		sanitizer: deps.Sanitizer,
		logger:    deps.Logger,
		config:    cfg,
		locks:     session.NewKeyedMutex(),
	}

	c.scheduler = timeout.NewScheduler(c.handleTimeout, deps.Logger, timeout.Config{
		SweepInterval: cfg.SweepInterval,
		SweepMargin:   cfg.SweepMargin,
		Now:           cfg.Now,
	})
	c.gate = gate.New(deps.Sessions, c.scheduler, deps.Logger, gate.Config{
		LoginTimeout: cfg.LoginTimeout,
		StaleAfter:   cfg.StaleAfter,
		Now:          cfg.Now,
	})
	c.reconciler = reconcile.NewService(deps.Sessions, durable, deps.Pending, deps.History, deps.Metrics, deps.Logger)
	c.recovery = recovery.NewController(recovery.Deps{
		Gate:       c.gate,
		Timer:      c.scheduler,
		Sessions:   deps.Sessions,
		Durable:    durable,
		Pending:    deps.Pending,
		States:     deps.States,
		Locker:     c.locks,
		History:    deps.History,
		Metrics:    deps.Metrics,
		Logger:     deps.Logger,
		StaleAfter: cfg.StaleAfter,
		Now:        cfg.Now,
	})
	return c
}

// Recovery は復旧・診断用のコントローラーを返す。
func (c *Coordinator) Recovery() *recovery.Controller {
	return c.recovery
}

// Start はタイムアウトの定期スイープを開始する。ctxがキャンセルされるまでブロックする。
func (c *Coordinator) Start(ctx context.Context) {
	c.scheduler.Start(ctx)
}

// Stop は待機中の全タイマーを停止する。
func (c *Coordinator) Stop() {
	c.scheduler.Stop()
}

// StateFuncs はゲージとして公開する状態取得関数を返す。
func (c *Coordinator) StateFuncs() metrics.StateFuncs {
	return metrics.StateFuncs{
		ActiveTimeouts: c.scheduler.ActiveCount,
		ActiveLoginLocks: func() int {
			_, locks := c.gate.Counts()
			return locks
		},
		PendingDurableSaves: c.pending.Len,
		TrackedSessions:     c.sessions.Len,
	}
}

// HandleTurn は受信ターンを1件処理する。
// 同一ユーザーのターンが処理中の場合は重複として破棄し、Reply.Droppedを立てて返す。
func (c *Coordinator) HandleTurn(ctx context.Context, turn Turn) (Reply, error) {
	if strings.TrimSpace(turn.UserID) == "" {
		return Reply{}, model.NewInvalidActivityError("from.id is required")
	}
	start := c.config.Now()
	userID := turn.UserID
	if turn.Routing.UserID == "" {
		turn.Routing.UserID = userID
	}

	guard, outcome := c.gate.TryAcquireProcessing(userID)
	if !outcome.OK() {
		c.logger.Debug("duplicate turn dropped",
			slog.String("user_id", userID),
			slog.String("reason", model.ErrLockContention.Error()),
		)
		c.history.Record(ctx, userID, model.EventDuplicateDropped, "")
		c.metrics.RecordTurn("dropped")
		return Reply{Dropped: true}, nil
	}
	defer c.gate.ReleaseProcessing(guard)
	if outcome == gate.AcquiredAfterStale {
		c.history.Record(ctx, userID, model.EventStaleGuardReleased, "")
	}

	unlock := c.locks.Lock(userID)
	defer unlock()

	res := c.reconciler.Sync(ctx, userID)
	if res.Degraded {
		c.metrics.RecordDegradedTurn()
	}

	var reply Reply
	cmd := parseCommand(turn.Text)
	switch cmd {
	case commandLogin:
		reply = c.startLogin(ctx, turn, res.Session)
	case commandLogout:
		reply = c.logout(ctx, userID, res.Session)
	case commandCancel:
		reply = c.cancelLogin(ctx, userID, res.Session)
	case commandStatus:
		reply = c.status(userID, res.Session)
	default:
		reply = c.message(res.Session)
	}
	reply.Degraded = res.Degraded

	c.metrics.RecordTurn(string(cmd))
	c.metrics.RecordTurnLatency(c.config.Now().Sub(start))
	return reply, nil
}

// startLogin はログイン試行を開始し、サインインリンクを返す。
func (c *Coordinator) startLogin(ctx context.Context, turn Turn, sess model.Session) Reply {
	userID := turn.UserID
	switch sess.State {
	case model.StateAuthenticated:
		return Reply{Text: alreadySignedInText(c.displayName(sess)), Authenticated: true, Credential: sess.Credential}
	case model.StateLoginInProgress:
		return Reply{Text: loginInProgressText}
	}

	lock, ok := c.gate.TryAcquireLogin(userID, turn.Routing)
	if !ok {
		// 別経路で同時に開始された
		return Reply{Text: loginInProgressText}
	}

	state, err := c.states.Issue(userID, lock.AttemptID)
	if err != nil {
		c.logger.Error("failed to issue oauth state",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		c.gate.ReleaseLogin(userID)
		c.metrics.RecordLogin("failed")
		return Reply{Text: model.NewAuthFailedError().NoticeText()}
	}

	link := c.config.PublicBaseURL + "/auth/login?state=" + state
	c.logger.Info("login started",
		slog.String("user_id", userID),
		slog.String("attempt_id", lock.AttemptID),
		slog.Time("deadline", lock.Deadline),
	)
	c.history.Record(ctx, userID, model.EventLoginStarted, lock.AttemptID)
	c.metrics.RecordLogin("started")
	return Reply{Text: signInText(link, c.gate.LoginTimeout()), SignInURL: link}
}

// logout はログイン試行を取り消し、両ストアのセッションを未認証に戻す。
func (c *Coordinator) logout(ctx context.Context, userID string, sess model.Session) Reply {
	c.gate.ReleaseLogin(userID)
	c.states.DeleteByUser(userID)

	wasAuthenticated := sess.IsAuthenticated()
	reset := model.Session{
		UserID:              userID,
		State:               model.StateUnauthenticated,
		LastAuthenticatedAt: c.config.Now(),
	}
	c.sessions.Set(userID, reset)
	c.persist(ctx, reset)

	c.history.Record(ctx, userID, model.EventLogout, "")
	c.logger.Info("user logged out",
		slog.String("user_id", userID),
		slog.Bool("was_authenticated", wasAuthenticated),
	)
	if !wasAuthenticated {
		return Reply{Text: notSignedInText}
	}
	return Reply{Text: signedOutText}
}

// cancelLogin は実行中のログイン試行を取り消す。
func (c *Coordinator) cancelLogin(ctx context.Context, userID string, sess model.Session) Reply {
	if _, ok := c.gate.Lock(userID); !ok && sess.State != model.StateLoginInProgress {
		return Reply{Text: noLoginToCancelText}
	}
	c.gate.ReleaseLogin(userID)
	c.states.DeleteByUser(userID)

	c.history.Record(ctx, userID, model.EventLoginCancelled, "")
	c.metrics.RecordLogin("cancelled")
	c.logger.Info("login cancelled", slog.String("user_id", userID))
	return Reply{Text: loginCancelledText}
}

func (c *Coordinator) status(userID string, sess model.Session) Reply {
	switch sess.State {
	case model.StateAuthenticated:
		return Reply{Text: statusSignedInText(c.displayName(sess), sess.LastAuthenticatedAt), Authenticated: true, Credential: sess.Credential}
	case model.StateLoginInProgress:
		if lock, ok := c.gate.Lock(userID); ok {
			return Reply{Text: statusInProgressText(lock.Deadline)}
		}
		return Reply{Text: loginInProgressText}
	default:
		return Reply{Text: notSignedInText}
	}
}

// message は通常メッセージを処理する。認証済みの場合は資格情報を後段に渡す。
func (c *Coordinator) message(sess model.Session) Reply {
	switch sess.State {
	case model.StateAuthenticated:
		return Reply{Authenticated: true, Credential: sess.Credential}
	case model.StateLoginInProgress:
		return Reply{Text: loginInProgressText}
	default:
		return Reply{Text: signInPromptText}
	}
}

// CompleteLogin はIdPからのコールバックを処理する。
// stateが指すログイン試行が既に終わっている場合はmodel.ErrNoLoginInProgressを返し、何も変更しない。
// IdPが拒否した場合はセッションを未認証に戻し、失敗をプロアクティブに通知する。
func (c *Coordinator) CompleteLogin(ctx context.Context, state, code string) error {
	pending, err := c.states.Consume(state)
	if err != nil {
		c.metrics.RecordLogin("invalid_state")
		return fmt.Errorf("complete login: %w", err)
	}
	userID := pending.UserID

	unlock := c.locks.Lock(userID)
	defer unlock()

	lock, ok := c.gate.Lock(userID)
	if !ok || lock.AttemptID != pending.AttemptID {
		c.logger.Info("login completion arrived after attempt ended",
			slog.String("user_id", userID),
			slog.String("attempt_id", pending.AttemptID),
		)
		c.metrics.RecordLogin("late")
		return fmt.Errorf("complete login: %w", model.ErrNoLoginInProgress)
	}
	if c.config.Now().After(lock.Deadline) {
		// タイムアウトの発火処理に後始末を任せる
		c.metrics.RecordLogin("late")
		return fmt.Errorf("complete login: %w", model.ErrTimeoutExpired)
	}
	entry, _ := c.scheduler.Entry(userID)
	routing := entry.Routing

	cred, identity, err := c.provider.Exchange(ctx, code)
	if err != nil {
		c.failLogin(ctx, userID, routing, err)
		return fmt.Errorf("complete login: %w", err)
	}
	if cred.IsEmpty() {
		c.failLogin(ctx, userID, routing, model.ErrNoCredential)
		return fmt.Errorf("complete login: %w", model.ErrNoCredential)
	}

	if c.sanitizer != nil {
		identity.DisplayName = c.sanitizer.Sanitize(identity.DisplayName)
	}
	authed := model.Session{
		UserID:              userID,
		State:               model.StateAuthenticated,
		Identity:            &identity,
		Credential:          cred,
		LastAuthenticatedAt: c.config.Now(),
	}

	c.gate.ReleaseLogin(userID)
	c.states.DeleteByUser(userID)
	c.sessions.Set(userID, authed)

	c.history.Record(ctx, userID, model.EventLoginSucceeded, pending.AttemptID)
	c.metrics.RecordLogin("succeeded")
	c.logger.Info("login succeeded",
		slog.String("user_id", userID),
		slog.String("attempt_id", pending.AttemptID),
		slog.String("credential", cred.Fingerprint()),
	)
	c.notify(userID, routing, "login_succeeded", signedInText(identity.DisplayName))
	c.persist(ctx, authed)
	return nil
}

// failLogin はログイン失敗の後始末を行う。プロアクティブ通知は1回だけ送る。
func (c *Coordinator) failLogin(ctx context.Context, userID string, routing model.RoutingInfo, cause error) {
	c.gate.ReleaseLogin(userID)
	c.states.DeleteByUser(userID)

	level := slog.LevelWarn
	if !errors.Is(cause, model.ErrInvalidCredential) && !errors.Is(cause, model.ErrNoCredential) {
		level = slog.LevelError
	}
	c.logger.Log(ctx, level, "login failed",
		slog.String("user_id", userID),
		slog.String("error", cause.Error()),
	)
	c.history.Record(ctx, userID, model.EventLoginFailed, cause.Error())
	c.metrics.RecordLogin("failed")
	c.notify(userID, routing, "login_failed", model.NewAuthFailedError().NoticeText())
}

// handleTimeout はスケジューラから呼ばれるタイムアウト発火の処理。
// 発火時点のログイン試行が既に終わっている場合は何もしない。
// 処理中ガードは別のターンが保持している可能性があるため解放しない。
// stateはTTLまで残し、遅れて届いたコールバックをErrNoLoginInProgressとして扱う。
func (c *Coordinator) handleTimeout(entry model.TimeoutEntry, reason timeout.FireReason) {
	ctx := context.Background()
	userID := entry.UserID

	unlock := c.locks.Lock(userID)
	defer unlock()

	lock, ok := c.gate.Lock(userID)
	if !ok || lock.AttemptID != entry.AttemptID {
		c.logger.Debug("stale timeout ignored",
			slog.String("user_id", userID),
			slog.String("attempt_id", entry.AttemptID),
		)
		return
	}

	c.gate.ReleaseLogin(userID)
	reset := c.sessions.Update(userID, func(cur model.Session) model.Session {
		cur.State = model.StateTimedOut
		return cur
	})

	c.history.Record(ctx, userID, model.EventLoginTimedOut, string(reason))
	c.metrics.RecordLogin("timed_out")
	c.logger.Info("login timed out",
		slog.String("user_id", userID),
		slog.String("attempt_id", entry.AttemptID),
		slog.String("reason", string(reason)),
		slog.String("error", model.ErrTimeoutExpired.Error()),
	)
	c.notify(userID, entry.Routing, "login_timed_out", model.NewAuthTimedOutError().NoticeText())
	c.persist(ctx, reset)
}

// persist はセッションをベストエフォートで永続化する。失敗は再試行キューに任せ、利用者には見せない。
// 呼び出し元のキャンセルは引き継がず、DurableTimeoutで打ち切る。
func (c *Coordinator) persist(ctx context.Context, sess model.Session) {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.DurableTimeout)
	defer cancel()

	queued, err := c.pending.Save(saveCtx, sess)
	if err != nil {
		c.logger.Warn("durable save failed, queued for retry",
			slog.String("user_id", sess.UserID),
			slog.String("error", err.Error()),
		)
		c.history.Record(ctx, sess.UserID, model.EventDurableDegraded, "save")
		return
	}
	if queued {
		c.logger.Debug("durable save deferred behind pending retry", slog.String("user_id", sess.UserID))
	}
}

// notify はプロアクティブ通知を1回だけ送る。失敗はログに残し、再試行しない。
func (c *Coordinator) notify(userID string, routing model.RoutingInfo, kind, text string) {
	if !routing.IsAddressable() {
		c.logger.Warn("proactive notification skipped, routing not addressable",
			slog.String("user_id", userID),
			slog.String("kind", kind),
		)
		c.metrics.RecordNotification(kind, false)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.config.NotifyTimeout)
	defer cancel()

	if err := c.notifier.Send(ctx, routing, text); err != nil {
		c.logger.Warn("proactive notification failed",
			slog.String("user_id", userID),
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
		c.metrics.RecordNotification(kind, false)
		return
	}
	c.metrics.RecordNotification(kind, true)
}

func (c *Coordinator) displayName(sess model.Session) string {
	if sess.Identity == nil {
		return ""
	}
	name := sess.Identity.DisplayName
	if c.sanitizer != nil {
		name = c.sanitizer.Sanitize(name)
	}
	return name
}
