package session

import (
	"sync"
	"time"
)

// KeyedMutex はユーザーIDごとの排他ロックを提供する。
// 利用中のキーだけを参照カウント付きで保持し、解放後はマップから取り除く。
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	sem  chan struct{}
	refs int
}

// NewKeyedMutex は空のKeyedMutexを生成する。
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock は指定キーのロックを取得し、解放関数を返す。
// 解放関数は複数回呼んでも2回目以降は何もしない。
func (k *KeyedMutex) Lock(key string) (unlock func()) {
	e := k.acquireEntry(key)
	e.sem <- struct{}{}
	return k.unlocker(key, e)
}

// LockTimeout は最大dだけ待ってロックを取得する。
// 取得できなかった場合はokがfalseになり、unlockは何もしない関数を返す。
func (k *KeyedMutex) LockTimeout(key string, d time.Duration) (unlock func(), ok bool) {
	e := k.acquireEntry(key)

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case e.sem <- struct{}{}:
		return k.unlocker(key, e), true
	case <-timer.C:
		k.releaseEntry(key, e)
		return func() {}, false
	}
}

// Held は現在ロック中または待機中のキー数を返す。
func (k *KeyedMutex) Held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func (k *KeyedMutex) acquireEntry(key string) *keyedEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{sem: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	return e
}

func (k *KeyedMutex) releaseEntry(key string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

func (k *KeyedMutex) unlocker(key string, e *keyedEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			k.releaseEntry(key, e)
		})
	}
}
