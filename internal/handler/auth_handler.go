package handler

import (
	"context"
	"errors"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/hitoshi/chatauth/internal/auth"
	"github.com/hitoshi/chatauth/internal/middleware"
	"github.com/hitoshi/chatauth/internal/model"
)

const oauthStateCookie = "oauth_state"

// LoginCompleter はIdPコールバックを完了させるインターフェース。coordinator.Coordinatorが実装する。
type LoginCompleter interface {
	CompleteLogin(ctx context.Context, state, code string) error
}

// StateLookup はstateを消費せずに参照するインターフェース。auth.StateStoreが実装する。
type StateLookup interface {
	Lookup(state string) (auth.PendingState, bool)
}

// LoginURLBuilder はIdPの認可URLを組み立てるインターフェース。auth.IdentityProviderの部分集合。
type LoginURLBuilder interface {
	LoginURL(state string) string
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	CookieSecure bool
	// StateMaxAge はstate Cookieの有効期間（秒）。
	StateMaxAge int
}

// AuthHandler はサインイン用のHTTPハンドラー。
type AuthHandler struct {
	logins   LoginCompleter
	states   StateLookup
	provider LoginURLBuilder
	config   AuthHandlerConfig
	logger   *slog.Logger
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(logins LoginCompleter, states StateLookup, provider LoginURLBuilder, config AuthHandlerConfig, logger *slog.Logger) *AuthHandler {
	if config.StateMaxAge <= 0 {
		config.StateMaxAge = int(auth.DefaultStateTTL.Seconds())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{
		logins:   logins,
		states:   states,
		provider: provider,
		config:   config,
		logger:   logger,
	}
}

// Login はチャットで発行したサインインリンクを受け、IdPへリダイレクトする。
// GET /auth/login?state=xxx
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if _, ok := h.states.Lookup(state); !ok {
		h.renderError(w, model.NewInvalidStateError())
		return
	}

	// ブラウザとstateを紐づける（CSRF対策）
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/auth",
		MaxAge:   h.config.StateMaxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.provider.LoginURL(state), http.StatusTemporaryRedirect)
}

// Callback はIdPからのコールバックを処理する。
// GET /auth/callback?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := q.Get("state")

	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || state == "" || stateCookie.Value != state {
		h.logger.Warn("oauth state mismatch")
		h.renderError(w, model.NewInvalidStateError())
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	code := q.Get("code")
	if idpErr := q.Get("error"); idpErr != "" {
		// 利用者が同意を拒否した場合なども試行の失敗として扱う
		h.logger.Warn("identity provider returned error", slog.String("error", idpErr))
		code = ""
	}

	err = h.logins.CompleteLogin(r.Context(), state, code)
	switch {
	case err == nil:
		h.renderPage(w, http.StatusOK, nil)
	case errors.Is(err, model.ErrInvalidState):
		h.renderError(w, model.NewInvalidStateError())
	case errors.Is(err, model.ErrNoLoginInProgress), errors.Is(err, model.ErrTimeoutExpired):
		h.renderError(w, model.NewAuthTimedOutError())
	case errors.Is(err, model.ErrInvalidCredential), errors.Is(err, model.ErrNoCredential):
		h.renderError(w, model.NewAuthFailedError())
	default:
		h.logger.Error("oauth callback failed", slog.String("error", err.Error()))
		h.renderPage(w, http.StatusBadGateway, model.NewAuthFailedError())
	}
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="ja">
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
<p>{{.Body}}</p>
</body>
</html>
`))

type pageData struct {
	Title string
	Body  string
}

// renderError はAPIErrorに対応するステータスでエラーページを書き込む。
func (h *AuthHandler) renderError(w http.ResponseWriter, apiErr *model.APIError) {
	h.renderPage(w, middleware.StatusFor(apiErr), apiErr)
}

// renderPage はサインイン結果のHTMLページを書き込む。apiErrがnilの場合は成功ページ。
func (h *AuthHandler) renderPage(w http.ResponseWriter, status int, apiErr *model.APIError) {
	data := pageData{Title: "サインインが完了しました", Body: "チャットに戻って操作を続けてください。"}
	if apiErr != nil {
		data = pageData{Title: apiErr.Message, Body: apiErr.Action}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := pageTemplate.Execute(w, data); err != nil {
		h.logger.Debug("failed to write sign-in page",
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
	}
}
