// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/chatauth/internal/coordinator"
	"github.com/hitoshi/chatauth/internal/middleware"
	"github.com/hitoshi/chatauth/internal/model"
)

// maxActivityBytes は受信アクティビティ本文の上限。
const maxActivityBytes = 64 << 10

// TurnHandler はメッセージハンドラーが必要とするコーディネーターのインターフェース。
type TurnHandler interface {
	HandleTurn(ctx context.Context, turn coordinator.Turn) (coordinator.Reply, error)
}

// MessageLimiter はユーザーごとの受信レート制限のインターフェース。middleware.RateLimiterが実装する。
type MessageLimiter interface {
	AllowMessage(userID string) bool
	WriteMessageLimited(w http.ResponseWriter)
}

// URLValidator はserviceUrlの宛先を検証するインターフェース。security.OutboundGuardが実装する。
type URLValidator interface {
	ValidateServiceURL(raw string) error
}

type channelAccount struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type conversationAccount struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId,omitempty"`
}

// activity はメッセージング基盤から受信するアクティビティ。
type activity struct {
	Type         string              `json:"type"`
	Text         string              `json:"text"`
	From         channelAccount      `json:"from"`
	Recipient    channelAccount      `json:"recipient"`
	Conversation conversationAccount `json:"conversation"`
	ServiceURL   string              `json:"serviceUrl"`
	ChannelID    string              `json:"channelId"`
}

func (a activity) routing() model.RoutingInfo {
	return model.RoutingInfo{
		ServiceURL:     a.ServiceURL,
		ChannelID:      a.ChannelID,
		ConversationID: a.Conversation.ID,
		UserID:         a.From.ID,
		UserName:       a.From.Name,
		BotID:          a.Recipient.ID,
		TenantID:       a.Conversation.TenantID,
	}
}

// messageResponse は同期応答の本文。
type messageResponse struct {
	Text      string `json:"text"`
	SignInURL string `json:"signInUrl,omitempty"`
}

// MessageHandler は受信メッセージのHTTPハンドラー。
type MessageHandler struct {
	turns     TurnHandler
	limiter   MessageLimiter
	validator URLValidator
	logger    *slog.Logger
}

// NewMessageHandler はMessageHandlerを生成する。limiterとvalidatorはnilでもよい。
func NewMessageHandler(turns TurnHandler, limiter MessageLimiter, validator URLValidator, logger *slog.Logger) *MessageHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageHandler{turns: turns, limiter: limiter, validator: validator, logger: logger}
}

// Handle は受信アクティビティを1件処理する。
// POST /api/messages
func (h *MessageHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxActivityBytes)

	var act activity
	if err := json.NewDecoder(r.Body).Decode(&act); err != nil {
		middleware.WriteAPIError(w, model.NewInvalidActivityError("本文をJSONとして解析できません"))
		return
	}

	// メッセージ以外のアクティビティ（会話更新など）は受け取るだけ
	if act.Type != "message" {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if act.From.ID == "" {
		middleware.WriteAPIError(w, model.NewInvalidActivityError("from.id is required"))
		return
	}
	r = middleware.SetRequestUserID(r, act.From.ID)

	if h.validator != nil && act.ServiceURL != "" {
		if err := h.validator.ValidateServiceURL(act.ServiceURL); err != nil {
			h.logger.Warn("activity rejected, service url not allowed",
				slog.String("user_id", act.From.ID),
				slog.String("error", err.Error()),
			)
			middleware.WriteAPIError(w, model.NewInvalidActivityError("serviceUrl is not allowed"))
			return
		}
	}

	if h.limiter != nil && !h.limiter.AllowMessage(act.From.ID) {
		h.limiter.WriteMessageLimited(w)
		return
	}

	reply, err := h.turns.HandleTurn(r.Context(), coordinator.Turn{
		UserID:  act.From.ID,
		Text:    act.Text,
		Routing: act.routing(),
	})
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			middleware.WriteAPIError(w, apiErr)
			return
		}
		h.logger.Error("failed to handle turn",
			slog.String("user_id", act.From.ID),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	if reply.Dropped || reply.Text == "" {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	writeJSON(w, h.logger, http.StatusOK, messageResponse{Text: reply.Text, SignInURL: reply.SignInURL})
}

// writeJSON はJSONレスポンスを書き込む。ヘッダー送信後の書き込み失敗はDebugで記録するだけにする。
func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write json response",
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
	}
}
