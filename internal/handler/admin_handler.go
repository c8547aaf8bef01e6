package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/chatauth/internal/middleware"
	"github.com/hitoshi/chatauth/internal/model"
	"github.com/hitoshi/chatauth/internal/recovery"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// RecoveryService は管理ハンドラーが必要とする復旧・診断のインターフェース。recovery.Controllerが実装する。
type RecoveryService interface {
	Diagnose(userID string) recovery.Report
	Overview() recovery.ProcessReport
	RecoverOne(ctx context.Context, userID string) bool
	RecoverAll(ctx context.Context) int
}

// EventLister は永続化されたイベント履歴を参照するインターフェース。recovery.Historyが実装する。
type EventLister interface {
	Stored(ctx context.Context, userID string, limit int) ([]model.AuthEvent, error)
}

// AdminHandler は運用者向けのHTTPハンドラー。
type AdminHandler struct {
	recovery RecoveryService
	events   EventLister
	logger   *slog.Logger
}

// NewAdminHandler はAdminHandlerを生成する。eventsはnilでもよい。
func NewAdminHandler(recovery RecoveryService, events EventLister, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{recovery: recovery, events: events, logger: logger}
}

// Diagnose はユーザーの状態を変更せずに診断レポートを返す。
// GET /admin/users/{id}
func (h *AdminHandler) Diagnose(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	report := h.recovery.Diagnose(userID)
	if !report.Tracked {
		middleware.WriteAPIError(w, model.NewUserNotFoundError(userID))
		return
	}
	writeJSON(w, h.logger, http.StatusOK, report)
}

// Events は永続化されたイベント履歴を新しい順に返す。
// GET /admin/users/{id}/events?limit=n
func (h *AdminHandler) Events(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	limit := defaultEventLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
				Code:     "INVALID_LIMIT",
				Message:  "limitは正の整数で指定してください。",
				Category: "validation",
				Action:   "limitの値を確認してください。",
			})
			return
		}
		limit = min(n, maxEventLimit)
	}

	if h.events == nil {
		writeJSON(w, h.logger, http.StatusOK, map[string]any{"user_id": userID, "events": []model.AuthEvent{}})
		return
	}
	events, err := h.events.Stored(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error("failed to list events",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}
	if events == nil {
		events = []model.AuthEvent{}
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]any{"user_id": userID, "events": events})
}

// RecoverUser は1ユーザーの状態を強制的に初期化する。
// POST /admin/users/{id}/recover
func (h *AdminHandler) RecoverUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	recovered := h.recovery.RecoverOne(r.Context(), userID)
	h.logger.Info("admin recovery requested",
		slog.String("user_id", userID),
		slog.Bool("recovered", recovered),
	)
	writeJSON(w, h.logger, http.StatusOK, map[string]any{"user_id": userID, "recovered": recovered})
}

// RecoverAll は追跡中の全ユーザーの状態を強制的に初期化する。
// POST /admin/recover
func (h *AdminHandler) RecoverAll(w http.ResponseWriter, r *http.Request) {
	n := h.recovery.RecoverAll(r.Context())
	h.logger.Warn("admin recovery of all users requested", slog.Int("recovered", n))
	writeJSON(w, h.logger, http.StatusOK, map[string]any{"recovered": n})
}

// Overview はプロセス全体の集計を返す。
// GET /admin/overview
func (h *AdminHandler) Overview(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.logger, http.StatusOK, h.recovery.Overview())
}
