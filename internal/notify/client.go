// Package notify はチャットチャネルへのプロアクティブメッセージ送信を提供する。
// ユーザーの発話を待たずに、タイムアウトやログイン結果を通知するために使う。
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/chatauth/internal/model"
	"golang.org/x/oauth2"
)

// ErrNotAddressable は経路情報が不足していて送信できないことを示す。
var ErrNotAddressable = errors.New("routing info is not addressable")

// Sender はプロアクティブ送信のインターフェース。
type Sender interface {
	Send(ctx context.Context, routing model.RoutingInfo, text string) error
}

// URLValidator は送信先URLを検証するインターフェース。security.OutboundGuardが実装する。
type URLValidator interface {
	ValidateServiceURL(rawURL string) error
}

// TextSanitizer は送信テキストを無害化するインターフェース。security.TextSanitizerが実装する。
type TextSanitizer interface {
	Sanitize(text string) string
}

// maxErrorBody はエラー応答をログに残す最大バイト数。
const maxErrorBody = 512

// Client はBot Connector互換のREST APIにメッセージを送信する。
type Client struct {
	httpClient *http.Client
	validator  URLValidator
	sanitizer  TextSanitizer
	tokens     oauth2.TokenSource
	logger     *slog.Logger
	userAgent  string
}

// Options はClientの任意設定。
type Options struct {
	// Tokens が設定されている場合、送信時にBearerトークンを付与する。
	Tokens    oauth2.TokenSource
	UserAgent string
}

// NewClient はClientを生成する。validatorとsanitizerはnilでもよい。
func NewClient(httpClient *http.Client, validator URLValidator, sanitizer TextSanitizer, logger *slog.Logger, opts Options) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "chatauth/1.0"
	}
	return &Client{
		httpClient: httpClient,
		validator:  validator,
		sanitizer:  sanitizer,
		tokens:     opts.Tokens,
		logger:     logger,
		userAgent:  opts.UserAgent,
	}
}

type channelAccount struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type conversationAccount struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId,omitempty"`
}

type outboundActivity struct {
	Type         string              `json:"type"`
	Text         string              `json:"text"`
	ChannelID    string              `json:"channelId,omitempty"`
	From         *channelAccount     `json:"from,omitempty"`
	Recipient    *channelAccount     `json:"recipient,omitempty"`
	Conversation conversationAccount `json:"conversation"`
}

// Send は経路情報が指す会話にテキストメッセージを1件送信する。再試行はしない。
func (c *Client) Send(ctx context.Context, routing model.RoutingInfo, text string) error {
	if !routing.IsAddressable() {
		return ErrNotAddressable
	}
	if c.validator != nil {
		if err := c.validator.ValidateServiceURL(routing.ServiceURL); err != nil {
			return fmt.Errorf("rejected service URL: %w", err)
		}
	}
	if c.sanitizer != nil {
		text = c.sanitizer.Sanitize(text)
	}

	activity := outboundActivity{
		Type:         "message",
		Text:         text,
		ChannelID:    routing.ChannelID,
		Conversation: conversationAccount{ID: routing.ConversationID, TenantID: routing.TenantID},
	}
	if routing.BotID != "" {
		activity.From = &channelAccount{ID: routing.BotID}
	}
	if routing.UserID != "" {
		activity.Recipient = &channelAccount{ID: routing.UserID, Name: routing.UserName}
	}
	body, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("failed to encode activity: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, activitiesURL(routing), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	if c.tokens != nil {
		tok, err := c.tokens.Token()
		if err != nil {
			return fmt.Errorf("failed to obtain connector token: %w", err)
		}
		tok.SetAuthHeader(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("proactive send failed",
			slog.String("user_id", routing.UserID),
			slog.String("conversation_id", routing.ConversationID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("proactive send failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Error("proactive send rejected",
			slog.String("user_id", routing.UserID),
			slog.Int("http_status", resp.StatusCode),
			slog.String("body", string(snippet)),
		)
		return fmt.Errorf("proactive send returned status %d", resp.StatusCode)
	}
	io.Copy(io.Discard, resp.Body)

	c.logger.Debug("proactive message sent",
		slog.String("user_id", routing.UserID),
		slog.String("conversation_id", routing.ConversationID),
	)
	return nil
}

func activitiesURL(routing model.RoutingInfo) string {
	base := strings.TrimRight(routing.ServiceURL, "/")
	return base + "/v3/conversations/" + url.PathEscape(routing.ConversationID) + "/activities"
}

// compile-time interface check
var _ Sender = (*Client)(nil)
