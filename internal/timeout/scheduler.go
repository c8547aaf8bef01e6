// Package timeout はログイン試行ごとのキャンセル可能な期限を管理する。
// 期限はtime.AfterFuncで発火し、取りこぼしは定期スイープで救済する。
package timeout

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/chatauth/internal/model"
)

const (
	// DefaultSweepInterval はスイープの既定の実行間隔。
	DefaultSweepInterval = 5 * time.Minute
	// DefaultSweepMargin は発火予定時刻からスイープ対象とみなすまでの猶予。
	DefaultSweepMargin = 30 * time.Second
)

// FireReason は期限が発火した経路を表す。
type FireReason string

const (
	// ReasonDeadline はタイマーによる通常の発火。
	ReasonDeadline FireReason = "deadline"
	// ReasonSweep はスイープによる強制発火。
	ReasonSweep FireReason = "sweep"
)

// FireFunc は期限発火時に呼ばれるコールバック。
// エントリにはユーザーID、試行ID、宛先情報のみが含まれる。
// 呼び出しは独立したgoroutine上で行われる。
type FireFunc func(entry model.TimeoutEntry, reason FireReason)

// Config はSchedulerの設定。
type Config struct {
	SweepInterval time.Duration
	SweepMargin   time.Duration
	// Now はテスト用に差し替え可能な現在時刻関数。
	Now func() time.Time
}

type scheduled struct {
	entry model.TimeoutEntry
	timer *time.Timer
}

// Scheduler はユーザーごとに高々1つのTimeoutEntryを保持する。
// エントリはロック下でマップから取り除いた経路だけが発火させるため、
// 各エントリの発火は高々1回となる。
type Scheduler struct {
	mu      sync.Mutex
	entries map[string]*scheduled

	fire   FireFunc
	logger *slog.Logger
	config Config
}

// NewScheduler はSchedulerを生成する。
func NewScheduler(fire FireFunc, logger *slog.Logger, config Config) *Scheduler {
	if fire == nil {
		panic("timeout: fire func must not be nil")
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSweepInterval
	}
	if config.SweepMargin <= 0 {
		config.SweepMargin = DefaultSweepMargin
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		entries: make(map[string]*scheduled),
		fire:    fire,
		logger:  logger,
		config:  config,
	}
}

// Arm はnow+dに発火する期限を登録する。
// 同一ユーザーの既存エントリは停止して置き換える。
func (s *Scheduler) Arm(userID, attemptID string, d time.Duration, routing model.RoutingInfo) model.TimeoutEntry {
	entry := model.TimeoutEntry{
		UserID:    userID,
		AttemptID: attemptID,
		FireAt:    s.config.Now().Add(d),
		Routing:   routing,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.entries[userID]; ok {
		prev.timer.Stop()
	}
	s.entries[userID] = &scheduled{
		entry: entry,
		timer: time.AfterFunc(d, func() {
			s.fireIfCurrent(userID, attemptID, ReasonDeadline)
		}),
	}

	s.logger.Info("login timeout armed",
		slog.String("user_id", userID),
		slog.String("attempt_id", attemptID),
		slog.Time("fire_at", entry.FireAt),
	)
	return entry
}

// Cancel は期限を取り消す。エントリが無い場合は何もせずfalseを返す。
func (s *Scheduler) Cancel(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[userID]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.entries, userID)
	return true
}

// fireIfCurrent はエントリがまだ同じ試行のものであれば取り除いて発火させる。
func (s *Scheduler) fireIfCurrent(userID, attemptID string, reason FireReason) {
	s.mu.Lock()
	e, ok := s.entries[userID]
	if !ok || e.entry.AttemptID != attemptID {
		s.mu.Unlock()
		return
	}
	delete(s.entries, userID)
	s.mu.Unlock()

	s.dispatch(e.entry, reason)
}

func (s *Scheduler) dispatch(entry model.TimeoutEntry, reason FireReason) {
	s.logger.Info("login timeout fired",
		slog.String("user_id", entry.UserID),
		slog.String("attempt_id", entry.AttemptID),
		slog.String("reason", string(reason)),
	)
	s.fire(entry, reason)
}

// Sweep は発火予定時刻をマージン以上過ぎても残っているエントリを強制発火させる。
// タイマーの取りこぼしに対する安全網であり、通常の発火経路ではない。
// 強制発火した件数を返す。
func (s *Scheduler) Sweep() int {
	cutoff := s.config.Now().Add(-s.config.SweepMargin)

	s.mu.Lock()
	var overdue []model.TimeoutEntry
	for userID, e := range s.entries {
		if e.entry.FireAt.Before(cutoff) {
			e.timer.Stop()
			delete(s.entries, userID)
			overdue = append(overdue, e.entry)
		}
	}
	s.mu.Unlock()

	for _, entry := range overdue {
		s.logger.Warn("overdue login timeout force-fired by sweep",
			slog.String("user_id", entry.UserID),
			slog.Time("fire_at", entry.FireAt),
		)
		s.dispatch(entry, ReasonSweep)
	}
	return len(overdue)
}

// Start はSweepIntervalごとにスイープを実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	s.logger.Info("timeout sweep started",
		slog.Duration("interval", s.config.SweepInterval),
		slog.Duration("margin", s.config.SweepMargin),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("timeout sweep stopped")
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Info("timeout sweep completed", slog.Int("force_fired", n))
			}
		}
	}
}

// Stop は全てのタイマーを停止し、エントリを破棄する。発火は行わない。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for userID, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, userID)
	}
}

// Entry はユーザーの現在のエントリを返す。
func (s *Scheduler) Entry(userID string) (model.TimeoutEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[userID]
	if !ok {
		return model.TimeoutEntry{}, false
	}
	return e.entry, true
}

// ActiveCount は登録中のエントリ数を返す。監視用。
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
