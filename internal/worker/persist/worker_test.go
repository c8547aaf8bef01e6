package persist

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/chatauth/internal/model"
)

// --- モック定義 ---

type mockStore struct {
	mu     sync.Mutex
	saveFn func(ctx context.Context, sess model.Session) error
	saved  []model.Session
}

func (m *mockStore) Save(ctx context.Context, sess model.Session) error {
	if m.saveFn != nil {
		if err := m.saveFn(ctx, sess); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, sess)
	return nil
}

func (m *mockStore) savedSessions() []model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Session(nil), m.saved...)
}

type mockMetrics struct {
	mu  sync.Mutex
	ops []string
}

func (m *mockMetrics) RecordDurableFailure(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, op)
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestWorker(store *mockStore, buf *bytes.Buffer) (*Worker, *clock, *mockMetrics) {
	clk := &clock{now: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)}
	m := &mockMetrics{}
	w := NewWorker(store, m, newTestLogger(buf), Config{Now: clk.Now})
	return w, clk, m
}

func session(userID string, state model.SessionState) model.Session {
	return model.Session{UserID: userID, State: state}
}

// --- テスト ---

func TestNewWorker_Defaults(t *testing.T) {
	w := NewWorker(&mockStore{}, nil, nil, Config{})
	if w.config.MaxConcurrency != 4 {
		t.Errorf("MaxConcurrency = %d, want 4", w.config.MaxConcurrency)
	}
	if w.config.AlertThreshold != 5 {
		t.Errorf("AlertThreshold = %d, want 5", w.config.AlertThreshold)
	}
}

func TestWorker_Save_DirectSuccess(t *testing.T) {
	store := &mockStore{}
	w, _, _ := newTestWorker(store, &bytes.Buffer{})

	queued, err := w.Save(context.Background(), session("user-1", model.StateAuthenticated))
	if err != nil || queued {
		t.Fatalf("Save() = %v, %v, want false, nil", queued, err)
	}
	if len(store.savedSessions()) != 1 {
		t.Errorf("保存件数 = %d, want 1", len(store.savedSessions()))
	}
}

func TestWorker_Save_FailureQueues(t *testing.T) {
	store := &mockStore{saveFn: func(ctx context.Context, sess model.Session) error {
		return errors.New("connection refused")
	}}
	w, _, m := newTestWorker(store, &bytes.Buffer{})

	queued, err := w.Save(context.Background(), session("user-1", model.StateAuthenticated))
	if err == nil || !queued {
		t.Fatalf("Save() = %v, %v, want true, error", queued, err)
	}
	if !w.HasPending("user-1") {
		t.Error("失敗した保存がキューに積まれていない")
	}
	if len(m.ops) != 1 || m.ops[0] != "save" {
		t.Errorf("ops = %v, want [save]", m.ops)
	}
}

func TestWorker_Save_WhilePendingReplacesQueuedValue(t *testing.T) {
	store := &mockStore{}
	w, _, _ := newTestWorker(store, &bytes.Buffer{})
	w.Enqueue(session("user-1", model.StateAuthenticated))

	queued, err := w.Save(context.Background(), session("user-1", model.StateUnauthenticated))
	if err != nil || !queued {
		t.Fatalf("Save() = %v, %v, want true, nil", queued, err)
	}
	if len(store.savedSessions()) != 0 {
		t.Error("再試行待ちがあるのに直接書き込まれた")
	}

	w.Drain(context.Background())
	saved := store.savedSessions()
	if len(saved) != 1 || saved[0].State != model.StateUnauthenticated {
		t.Errorf("saved = %+v, want latest unauthenticated value only", saved)
	}
}

func TestWorker_RunOnce_RespectsBackoff(t *testing.T) {
	store := &mockStore{}
	w, clk, _ := newTestWorker(store, &bytes.Buffer{})
	w.Enqueue(session("user-1", model.StateAuthenticated))

	if n := w.RunOnce(context.Background()); n != 0 {
		t.Errorf("バックオフ前に実行された: %d", n)
	}

	clk.Advance(time.Second)
	if n := w.RunOnce(context.Background()); n != 1 {
		t.Errorf("RunOnce() = %d, want 1", n)
	}
	if w.HasPending("user-1") {
		t.Error("成功後もキューに残っている")
	}
}

func TestWorker_RunOnce_FailureBacksOffAndAlerts(t *testing.T) {
	store := &mockStore{saveFn: func(ctx context.Context, sess model.Session) error {
		return errors.New("db down")
	}}
	var buf bytes.Buffer
	w, clk, m := newTestWorker(store, &buf)
	w.Enqueue(session("user-1", model.StateAuthenticated))

	for i := 0; i < 5; i++ {
		clk.Advance(maxBackoff)
		w.RunOnce(context.Background())
	}

	if !w.HasPending("user-1") {
		t.Fatal("失敗中の値がキューから消えた")
	}
	if len(m.ops) != 5 {
		t.Errorf("retry failures = %d, want 5", len(m.ops))
	}
	if !strings.Contains(buf.String(), `"level":"ERROR"`) || !strings.Contains(buf.String(), "consecutive_failures") {
		t.Errorf("5回連続失敗でエラーログが出力されていない: %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"msg":"durable retry failing repeatedly"`) {
		t.Errorf("alert message missing: %s", buf.String())
	}

	// 次の試行は最後のバックオフ後まで行われない
	w.mu.Lock()
	next := w.pending["user-1"].nextAttempt
	w.mu.Unlock()
	if want := clk.Now().Add(CalculateBackoff(4)); !next.Equal(want) {
		t.Errorf("nextAttempt = %v, want %v", next, want)
	}
}

func TestWorker_NewerValueDuringFlightIsKept(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	store := &mockStore{}
	store.saveFn = func(ctx context.Context, sess model.Session) error {
		if sess.State == model.StateAuthenticated {
			close(started)
			<-release
		}
		return nil
	}
	w, _, _ := newTestWorker(store, &bytes.Buffer{})
	w.Enqueue(session("user-1", model.StateAuthenticated))

	done := make(chan struct{})
	go func() {
		w.Drain(context.Background())
		close(done)
	}()
	<-started
	w.Enqueue(session("user-1", model.StateUnauthenticated))
	close(release)
	<-done

	if !w.HasPending("user-1") {
		t.Fatal("実行中に積まれた新しい値が消えた")
	}
	w.Drain(context.Background())
	saved := store.savedSessions()
	if last := saved[len(saved)-1]; last.State != model.StateUnauthenticated {
		t.Errorf("最後に保存された値 = %q, want unauthenticated", last.State)
	}
	if w.HasPending("user-1") {
		t.Error("最新値の保存後もキューに残っている")
	}
}

func TestWorker_DiscardAndLen(t *testing.T) {
	w, _, _ := newTestWorker(&mockStore{}, &bytes.Buffer{})
	w.Enqueue(session("user-1", model.StateAuthenticated))
	w.Enqueue(session("user-2", model.StateAuthenticated))

	if w.Len() != 2 {
		t.Errorf("Len() = %d, want 2", w.Len())
	}
	if !w.Discard("user-1") || w.Discard("user-1") {
		t.Error("Discard() should return true once then false")
	}
	if w.Len() != 1 {
		t.Errorf("Len() = %d, want 1", w.Len())
	}
}

func TestWorker_StartStopsOnCancel(t *testing.T) {
	w, _, _ := newTestWorker(&mockStore{}, &bytes.Buffer{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx, 10*time.Millisecond)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
