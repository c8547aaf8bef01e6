package middleware

import (
	"context"
	"net/http"
	"sync"
)

var holderContextKey = contextKey("user_holder")

// userHolder はリクエスト処理中に判明したユーザーIDをロギングミドルウェアへ返すための入れ物。
type userHolder struct {
	mu     sync.Mutex
	userID string
}

func (h *userHolder) set(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.userID = userID
}

func (h *userHolder) get() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.userID
}

func contextWithHolder(ctx context.Context, h *userHolder) context.Context {
	return context.WithValue(ctx, holderContextKey, h)
}

// SetRequestUserID はリクエストの処理対象ユーザーを記録し、ユーザーIDを含むリクエストを返す。
// ロギングミドルウェアの内側で呼ぶと、リクエストログにuser_idが付く。
func SetRequestUserID(r *http.Request, userID string) *http.Request {
	if h, ok := r.Context().Value(holderContextKey).(*userHolder); ok {
		h.set(userID)
	}
	return r.WithContext(ContextWithUserID(r.Context(), userID))
}
