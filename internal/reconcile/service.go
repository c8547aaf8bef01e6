// Package reconcile はインメモリのセッションキャッシュと永続ストアを
// ユーザー単位で1つの値に収束させる。
// 収束はターンの先頭で1回だけ行い、常時同期はしない。
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/chatauth/internal/model"
	"github.com/hitoshi/chatauth/internal/repository"
	"golang.org/x/sync/singleflight"
)

// CacheStore はセッションキャッシュのインターフェース。session.Storeが実装する。
type CacheStore interface {
	Get(userID string) model.Session
	Set(userID string, sess model.Session)
}

// PendingSaves は永続化に失敗して再試行待ちのセッションを管理するインターフェース。
// persist.Workerが実装する。
type PendingSaves interface {
	Enqueue(sess model.Session)
	HasPending(userID string) bool
}

// EventRecorder は認証イベントを記録するインターフェース。
type EventRecorder interface {
	Record(ctx context.Context, userID string, kind model.AuthEventKind, detail string)
}

// Metrics は収束処理のメトリクスを記録するインターフェース。
type Metrics interface {
	RecordDurableFailure(op string)
	RecordReconciliation(winner string)
}

// Winner は食い違い時に採用された側を表す。
type Winner string

const (
	// WinnerNone は両者が一致していたことを示す。
	WinnerNone Winner = ""
	// WinnerCache はキャッシュ側の値を採用したことを示す。
	WinnerCache Winner = "cache"
	// WinnerDurable は永続ストア側の値を採用したことを示す。
	WinnerDurable Winner = "durable"
)

// Result はSyncの結果。
type Result struct {
	Session model.Session
	// Degraded は永続ストアにアクセスできずキャッシュのみで判断したことを示す。
	Degraded bool
	Winner   Winner
}

// Service はキャッシュと永続ストアの収束処理を提供する。
type Service struct {
	cache   CacheStore
	durable repository.DurableAuthStore
	pending PendingSaves
	events  EventRecorder
	metrics Metrics
	logger  *slog.Logger

	loads singleflight.Group
}

// NewService はServiceを生成する。pending、events、metricsはnilでもよい。
func NewService(
	cache CacheStore,
	durable repository.DurableAuthStore,
	pending PendingSaves,
	events EventRecorder,
	metrics Metrics,
	logger *slog.Logger,
) *Service {
	if cache == nil || durable == nil {
		panic("reconcile: cache and durable store must not be nil")
	}
	if events == nil {
		events = nopRecorder{}
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cache:   cache,
		durable: durable,
		pending: pending,
		events:  events,
		metrics: metrics,
		logger:  logger,
	}
}

// Sync は指定ユーザーのキャッシュと永続ストアを比較し、1つの値に収束させる。
//
// 一致していればそのまま返す。食い違う場合はLastAuthenticatedAtが新しい側を採用し、
// 古い側に書き戻す。時刻が同じまたは未設定の場合は認証済みの側を採用する。
// ログイン中のセッション、および永続化の再試行待ちがあるユーザーはキャッシュを正とする。
// 永続ストアの読み込みに失敗した場合はキャッシュの値を返し、Degradedを立てる。
func (s *Service) Sync(ctx context.Context, userID string) Result {
	cached := s.cache.Get(userID)

	if cached.State == model.StateLoginInProgress {
		return Result{Session: cached}
	}
	if s.pending != nil && s.pending.HasPending(userID) {
		return Result{Session: cached}
	}

	durable, err := s.load(ctx, userID)
	if err != nil {
		s.logger.Warn("durable store load failed, continuing cache-only",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		s.metrics.RecordDurableFailure("load")
		s.events.Record(ctx, userID, model.EventDurableDegraded, "load")
		return Result{Session: cached, Degraded: true}
	}

	if durable == nil {
		if isPristine(cached) {
			return Result{Session: cached}
		}
		// 永続側が欠けているのでキャッシュを書き戻す
		degraded := s.save(ctx, cached)
		return Result{Session: cached, Degraded: degraded, Winner: WinnerCache}
	}

	if agree(cached, *durable) {
		return Result{Session: cached}
	}

	winner := resolve(cached, *durable)
	s.logger.Info("reconciliation conflict resolved",
		slog.String("user_id", userID),
		slog.String("winner", string(winner)),
		slog.String("cache_state", string(cached.State)),
		slog.String("durable_state", string(durable.State)),
		slog.String("info", model.ErrReconciliationConflict.Error()),
	)
	s.metrics.RecordReconciliation(string(winner))
	s.events.Record(ctx, userID, model.EventReconciled, string(winner))

	if winner == WinnerDurable {
		s.cache.Set(userID, *durable)
		return Result{Session: s.cache.Get(userID), Winner: WinnerDurable}
	}

	degraded := s.save(ctx, cached)
	return Result{Session: cached, Degraded: degraded, Winner: WinnerCache}
}

// load は同一ユーザーへの同時読み込みを1回にまとめる。
func (s *Service) load(ctx context.Context, userID string) (*model.Session, error) {
	v, err, _ := s.loads.Do(userID, func() (interface{}, error) {
		return s.durable.Load(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	sess, _ := v.(*model.Session)
	if sess == nil {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

// save はキャッシュの値を永続ストアに書き込む。失敗時は再試行キューに積み、trueを返す。
func (s *Service) save(ctx context.Context, sess model.Session) bool {
	err := s.durable.Save(ctx, sess)
	if err == nil {
		return false
	}
	if !errors.Is(err, model.ErrDurableStoreUnavailable) {
		err = errors.Join(model.ErrDurableStoreUnavailable, err)
	}
	s.logger.Warn("durable store save failed during reconciliation",
		slog.String("user_id", sess.UserID),
		slog.String("error", err.Error()),
	)
	s.metrics.RecordDurableFailure("save")
	s.events.Record(ctx, sess.UserID, model.EventDurableDegraded, "save")
	if s.pending != nil {
		s.pending.Enqueue(sess)
	}
	return true
}

// isPristine は一度も認証されていない初期状態のセッションかどうかを返す。
func isPristine(sess model.Session) bool {
	return !sess.IsAuthenticated() && sess.LastAuthenticatedAt.IsZero()
}

// agree はキャッシュと永続ストアの値が一致しているかを返す。
func agree(cached, durable model.Session) bool {
	if cached.IsAuthenticated() != durable.IsAuthenticated() {
		return false
	}
	if !authTime(cached).Equal(authTime(durable)) {
		return false
	}
	if cached.IsAuthenticated() && !cached.Credential.Equal(durable.Credential) {
		return false
	}
	return true
}

// authTime は永続層の精度に揃えたLastAuthenticatedAtを返す。
func authTime(sess model.Session) time.Time {
	return sess.LastAuthenticatedAt.Truncate(model.TimestampPrecision)
}

// resolve は食い違い時に採用する側を決める。
// LastAuthenticatedAtが新しい側が勝ち、同じ場合は認証済みの側が勝つ。
// 認証状態も時刻も同じ場合はキャッシュを採用する。
func resolve(cached, durable model.Session) Winner {
	switch {
	case authTime(cached).After(authTime(durable)):
		return WinnerCache
	case authTime(durable).After(authTime(cached)):
		return WinnerDurable
	case durable.IsAuthenticated() && !cached.IsAuthenticated():
		return WinnerDurable
	default:
		return WinnerCache
	}
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, string, model.AuthEventKind, string) {}

type nopMetrics struct{}

func (nopMetrics) RecordDurableFailure(string) {}
func (nopMetrics) RecordReconciliation(string) {}
