package handler

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/chatauth/internal/auth"
	"github.com/hitoshi/chatauth/internal/model"
)

func knownState(valid string) *mockStateLookup {
	return &mockStateLookup{
		lookupFn: func(state string) (auth.PendingState, bool) {
			if state == valid {
				return auth.PendingState{UserID: "user-1", AttemptID: "a1"}, true
			}
			return auth.PendingState{}, false
		},
	}
}

func TestAuthHandler_Login_RedirectsToProvider(t *testing.T) {
	h := NewAuthHandler(&mockLoginCompleter{}, knownState("s1"), mockURLBuilder{}, AuthHandlerConfig{CookieSecure: true}, nil)

	req := httptest.NewRequest(http.MethodGet, "/auth/login?state=s1", nil)
	w := httptest.NewRecorder()
	h.Login(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusTemporaryRedirect)
	}
	if loc := resp.Header.Get("Location"); loc != "https://idp.example.com/authorize?state=s1" {
		t.Errorf("Location = %q", loc)
	}

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == oauthStateCookie {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("state cookie should be set")
	}
	if cookie.Value != "s1" || !cookie.HttpOnly || !cookie.Secure {
		t.Errorf("cookie = %+v", cookie)
	}
	if cookie.MaxAge != int(auth.DefaultStateTTL.Seconds()) {
		t.Errorf("MaxAge = %d", cookie.MaxAge)
	}
}

func TestAuthHandler_Login_UnknownState(t *testing.T) {
	h := NewAuthHandler(&mockLoginCompleter{}, knownState("s1"), mockURLBuilder{}, AuthHandlerConfig{}, nil)

	w := httptest.NewRecorder()
	h.Login(w, httptest.NewRequest(http.MethodGet, "/auth/login?state=other", nil))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), model.NewInvalidStateError().Message) {
		t.Errorf("body should explain the invalid state, got %s", w.Body.String())
	}
}

func callback(h *AuthHandler, query, cookieValue string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/auth/callback?"+query, nil)
	if cookieValue != "" {
		req.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: cookieValue})
	}
	w := httptest.NewRecorder()
	h.Callback(w, req)
	return w
}

func TestAuthHandler_Callback_Success(t *testing.T) {
	var gotState, gotCode string
	logins := &mockLoginCompleter{
		completeFn: func(ctx context.Context, state, code string) error {
			gotState, gotCode = state, code
			return nil
		},
	}
	h := NewAuthHandler(logins, knownState("s1"), mockURLBuilder{}, AuthHandlerConfig{}, nil)

	w := callback(h, "state=s1&code=c1", "s1")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if gotState != "s1" || gotCode != "c1" {
		t.Errorf("CompleteLogin(%q, %q)", gotState, gotCode)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q", ct)
	}
	cleared := false
	for _, c := range w.Result().Cookies() {
		if c.Name == oauthStateCookie && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Error("state cookie should be cleared")
	}
}

func TestAuthHandler_Callback_StateCookieMismatch(t *testing.T) {
	logins := &mockLoginCompleter{}
	h := NewAuthHandler(logins, knownState("s1"), mockURLBuilder{}, AuthHandlerConfig{}, nil)

	for _, cookie := range []string{"", "other"} {
		w := callback(h, "state=s1&code=c1", cookie)
		if w.Code != http.StatusBadRequest {
			t.Errorf("cookie %q: status = %d, want 400", cookie, w.Code)
		}
	}
	if logins.calls != 0 {
		t.Error("CompleteLogin must not be called without a matching cookie")
	}
}

func TestAuthHandler_Callback_ProviderErrorFailsAttempt(t *testing.T) {
	var gotCode = "unset"
	logins := &mockLoginCompleter{
		completeFn: func(ctx context.Context, state, code string) error {
			gotCode = code
			return fmt.Errorf("exchange: %w", model.ErrInvalidCredential)
		},
	}
	h := NewAuthHandler(logins, knownState("s1"), mockURLBuilder{}, AuthHandlerConfig{}, nil)

	w := callback(h, "state=s1&code=c1&error=access_denied", "s1")

	if gotCode != "" {
		t.Errorf("code = %q, want empty when the provider reports an error", gotCode)
	}
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestAuthHandler_Callback_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantText   string
	}{
		{"invalid state", model.ErrInvalidState, http.StatusBadRequest, model.NewInvalidStateError().Message},
		{"attempt ended", fmt.Errorf("complete login: %w", model.ErrNoLoginInProgress), http.StatusGone, model.NewAuthTimedOutError().Message},
		{"deadline passed", fmt.Errorf("complete login: %w", model.ErrTimeoutExpired), http.StatusGone, model.NewAuthTimedOutError().Message},
		{"rejected", fmt.Errorf("complete login: %w", model.ErrInvalidCredential), http.StatusUnauthorized, model.NewAuthFailedError().Message},
		{"provider down", fmt.Errorf("token endpoint: connection refused"), http.StatusBadGateway, model.NewAuthFailedError().Message},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logins := &mockLoginCompleter{
				completeFn: func(ctx context.Context, state, code string) error { return tt.err },
			}
			h := NewAuthHandler(logins, knownState("s1"), mockURLBuilder{}, AuthHandlerConfig{}, nil)

			w := callback(h, "state=s1&code=c1", "s1")
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if !strings.Contains(w.Body.String(), tt.wantText) {
				t.Errorf("body should contain %q, got %s", tt.wantText, w.Body.String())
			}
		})
	}
}

func TestAuthHandler_Callback_PageWriteFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	h := NewAuthHandler(&mockLoginCompleter{}, knownState("s1"), mockURLBuilder{}, AuthHandlerConfig{}, newDebugLogger(&buf))

	req := httptest.NewRequest(http.MethodGet, "/auth/callback?state=s1&code=c1", nil)
	req.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: "s1"})
	w := newFailingWriter()
	h.Callback(w, req)

	if w.status != http.StatusOK {
		t.Errorf("status = %d, want 200", w.status)
	}
	if !strings.Contains(buf.String(), `"msg":"failed to write sign-in page"`) {
		t.Errorf("write failure should be logged at debug: %s", buf.String())
	}
}
