// Package session はユーザーごとの認証セッションのインメモリストアを提供する。
package session

import (
	"sort"
	"sync"

	"github.com/hitoshi/chatauth/internal/model"
)

// Store はユーザーID → セッション状態のインメモリマップ。
// I/Oを持たず、未登録ユーザーには未認証のデフォルトセッションを返す。
type Store struct {
	mu       sync.RWMutex
	sessions map[string]model.Session
}

// NewStore は空のStoreを生成する。
func NewStore() *Store {
	return &Store{sessions: make(map[string]model.Session)}
}

// Get は指定ユーザーのセッションを返す。未登録の場合は未認証セッションを返す。
func (s *Store) Get(userID string) model.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[userID]
	if !ok {
		return model.NewUnauthenticatedSession(userID)
	}
	return sess
}

// Lookup は指定ユーザーのセッションと、登録済みかどうかを返す。
func (s *Store) Lookup(userID string) (model.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[userID]
	if !ok {
		return model.NewUnauthenticatedSession(userID), false
	}
	return sess, true
}

// Set はセッションを保存する。保存前にNormalizeで不変条件を満たす形に整える。
func (s *Store) Set(userID string, sess model.Session) {
	sess.UserID = userID
	sess = sess.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[userID] = sess
}

// Update は現在のセッションに関数を適用した結果をアトミックに保存する。
func (s *Store) Update(userID string, fn func(model.Session) model.Session) model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.sessions[userID]
	if !ok {
		cur = model.NewUnauthenticatedSession(userID)
	}
	next := fn(cur)
	next.UserID = userID
	next = next.Normalize()
	s.sessions[userID] = next
	return next
}

// Delete はセッションを削除する。未登録でもエラーにならない。
func (s *Store) Delete(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, userID)
}

// UserIDs は追跡中の全ユーザーIDを昇順で返す。
func (s *Store) UserIDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Len は追跡中のユーザー数を返す。
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
