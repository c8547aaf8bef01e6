package handler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/chatauth/internal/auth"
	"github.com/hitoshi/chatauth/internal/coordinator"
	"github.com/hitoshi/chatauth/internal/model"
	"github.com/hitoshi/chatauth/internal/recovery"
)

// --- モック定義 ---

type mockTurnHandler struct {
	handleTurnFn func(ctx context.Context, turn coordinator.Turn) (coordinator.Reply, error)
	turns        []coordinator.Turn
}

func (m *mockTurnHandler) HandleTurn(ctx context.Context, turn coordinator.Turn) (coordinator.Reply, error) {
	m.turns = append(m.turns, turn)
	if m.handleTurnFn != nil {
		return m.handleTurnFn(ctx, turn)
	}
	return coordinator.Reply{}, nil
}

type mockLimiter struct {
	allow bool
}

func (m *mockLimiter) AllowMessage(userID string) bool {
	return m.allow
}

func (m *mockLimiter) WriteMessageLimited(w http.ResponseWriter) {
	w.WriteHeader(http.StatusTooManyRequests)
}

type mockValidator struct {
	validateFn func(raw string) error
}

func (m *mockValidator) ValidateServiceURL(raw string) error {
	if m.validateFn != nil {
		return m.validateFn(raw)
	}
	return nil
}

type mockLoginCompleter struct {
	completeFn func(ctx context.Context, state, code string) error
	calls      int
}

func (m *mockLoginCompleter) CompleteLogin(ctx context.Context, state, code string) error {
	m.calls++
	if m.completeFn != nil {
		return m.completeFn(ctx, state, code)
	}
	return nil
}

type mockStateLookup struct {
	lookupFn func(state string) (auth.PendingState, bool)
}

func (m *mockStateLookup) Lookup(state string) (auth.PendingState, bool) {
	if m.lookupFn != nil {
		return m.lookupFn(state)
	}
	return auth.PendingState{}, false
}

type mockURLBuilder struct{}

func (mockURLBuilder) LoginURL(state string) string {
	return "https://idp.example.com/authorize?state=" + state
}

type mockRecoveryService struct {
	diagnoseFn   func(userID string) recovery.Report
	overviewFn   func() recovery.ProcessReport
	recoverOneFn func(ctx context.Context, userID string) bool
	recoverAllFn func(ctx context.Context) int
}

func (m *mockRecoveryService) Diagnose(userID string) recovery.Report {
	if m.diagnoseFn != nil {
		return m.diagnoseFn(userID)
	}
	return recovery.Report{UserID: userID}
}

func (m *mockRecoveryService) Overview() recovery.ProcessReport {
	if m.overviewFn != nil {
		return m.overviewFn()
	}
	return recovery.ProcessReport{}
}

func (m *mockRecoveryService) RecoverOne(ctx context.Context, userID string) bool {
	if m.recoverOneFn != nil {
		return m.recoverOneFn(ctx, userID)
	}
	return false
}

func (m *mockRecoveryService) RecoverAll(ctx context.Context) int {
	if m.recoverAllFn != nil {
		return m.recoverAllFn(ctx)
	}
	return 0
}

type mockEventLister struct {
	storedFn func(ctx context.Context, userID string, limit int) ([]model.AuthEvent, error)
}

func (m *mockEventLister) Stored(ctx context.Context, userID string, limit int) ([]model.AuthEvent, error) {
	if m.storedFn != nil {
		return m.storedFn(ctx, userID, limit)
	}
	return nil, nil
}

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(ctx context.Context) error {
	return m.err
}

// failingWriter は本文の書き込みに失敗するResponseWriter。
type failingWriter struct {
	header http.Header
	status int
}

func newFailingWriter() *failingWriter {
	return &failingWriter{header: make(http.Header)}
}

func (f *failingWriter) Header() http.Header { return f.header }

func (f *failingWriter) WriteHeader(status int) { f.status = status }

func (f *failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("connection reset by peer")
}

func newDebugLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
