package session

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	k := NewKeyedMutex()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("user-1")
			defer unlock()

			n := inside.Add(1)
			for {
				cur := maxInside.Load()
				if n <= cur || maxInside.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()

	if got := maxInside.Load(); got != 1 {
		t.Errorf("同一キーで同時に %d 件実行された, want 1", got)
	}
	if k.Held() != 0 {
		t.Errorf("Held() = %d, want 0 after all unlocks", k.Held())
	}
}

func TestKeyedMutex_DifferentKeysDoNotBlock(t *testing.T) {
	k := NewKeyedMutex()
	unlockA := k.Lock("user-a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := k.Lock("user-b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("別キーのロック取得がブロックされた")
	}
}

func TestKeyedMutex_UnlockTwiceIsSafe(t *testing.T) {
	k := NewKeyedMutex()
	unlock := k.Lock("user-1")
	unlock()
	unlock()

	if k.Held() != 0 {
		t.Errorf("Held() = %d, want 0", k.Held())
	}
	// 再取得できること
	k.Lock("user-1")()
}

func TestKeyedMutex_LockTimeout(t *testing.T) {
	k := NewKeyedMutex()
	unlock := k.Lock("user-1")

	_, ok := k.LockTimeout("user-1", 20*time.Millisecond)
	if ok {
		t.Fatal("保持中のロックが取得できてしまった")
	}
	if k.Held() != 1 {
		t.Errorf("Held() = %d, want 1 after timed out wait", k.Held())
	}

	unlock()
	again, ok := k.LockTimeout("user-1", 20*time.Millisecond)
	if !ok {
		t.Fatal("解放後のロック取得に失敗した")
	}
	again()
	if k.Held() != 0 {
		t.Errorf("Held() = %d, want 0", k.Held())
	}
}
