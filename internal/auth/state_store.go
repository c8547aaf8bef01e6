package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/chatauth/internal/model"
)

// DefaultStateTTL はOAuth stateの既定の有効期間。
const DefaultStateTTL = 10 * time.Minute

// PendingState はサインインURLに埋め込んだstateが指すログイン試行。
type PendingState struct {
	UserID    string
	AttemptID string
	CreatedAt time.Time
}

// StateStore はOAuth stateを一度だけ使える短命の値として管理する。
type StateStore struct {
	mu     sync.Mutex
	states map[string]PendingState
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewStateStore はStateStoreを生成する。ttlが0以下の場合はDefaultStateTTLを使う。
func NewStateStore(ttl time.Duration, logger *slog.Logger) *StateStore {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StateStore{
		states: make(map[string]PendingState),
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
	}
}

// Issue はログイン試行に紐づく新しいstateを発行する。
func (s *StateStore) Issue(userID, attemptID string) (string, error) {
	state, err := generateState()
	if err != nil {
		return "", fmt.Errorf("failed to generate oauth state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state] = PendingState{UserID: userID, AttemptID: attemptID, CreatedAt: s.now()}
	return state, nil
}

// Lookup はstateを消費せずに参照する。期限切れまたは未知の場合はfalseを返す。
func (s *StateStore) Lookup(state string) (PendingState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.states[state]
	if !ok || s.expired(p) {
		return PendingState{}, false
	}
	return p, true
}

// Consume はstateを消費して対応するログイン試行を返す。
// 同じstateは二度と使えない。期限切れまたは未知の場合はmodel.ErrInvalidStateを返す。
func (s *StateStore) Consume(state string) (PendingState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.states[state]
	if !ok {
		return PendingState{}, model.ErrInvalidState
	}
	delete(s.states, state)
	if s.expired(p) {
		return PendingState{}, model.ErrInvalidState
	}
	return p, nil
}

// DeleteByUser は指定ユーザーの未使用stateを全て破棄し、破棄した件数を返す。
func (s *StateStore) DeleteByUser(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, p := range s.states {
		if p.UserID == userID {
			delete(s.states, k)
			n++
		}
	}
	return n
}

// Cleanup は期限切れのstateを削除し、削除した件数を返す。
func (s *StateStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, p := range s.states {
		if s.expired(p) {
			delete(s.states, k)
			n++
		}
	}
	return n
}

// Start は期限切れstateの定期削除を開始する。ctxがキャンセルされるまでブロックする。
func (s *StateStore) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = s.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Cleanup(); n > 0 {
				s.logger.Debug("expired oauth states removed", slog.Int("count", n))
			}
		}
	}
}

// Len は保持しているstate数を返す。
func (s *StateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

func (s *StateStore) expired(p PendingState) bool {
	return s.now().Sub(p.CreatedAt) > s.ttl
}

// generateState は暗号的に安全なstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
