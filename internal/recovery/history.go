package recovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/chatauth/internal/model"
	"github.com/hitoshi/chatauth/internal/repository"
)

// DefaultHistorySize はユーザーごとに保持するイベント数の既定値。
const DefaultHistorySize = 50

// persistTimeout はイベント1件の永続化に許容する時間。
const persistTimeout = 2 * time.Second

// memoryOnly はリングバッファにだけ残すイベント。
// 重複ターンの破棄はターンごとに起こり得るため、同期書き込みで応答を遅らせない。
var memoryOnly = map[model.AuthEventKind]bool{
	model.EventDuplicateDropped: true,
}

// History はユーザーごとの直近の認証イベントをリングバッファで保持する。
// repoが設定されている場合はPostgreSQLにもベストエフォートで記録する。
type History struct {
	mu     sync.Mutex
	size   int
	rings  map[string]*ring
	repo   repository.AuthEventRepository
	logger *slog.Logger
	now    func() time.Time
}

type ring struct {
	buf  []model.AuthEvent
	next int
	full bool
}

// NewHistory はHistoryを生成する。sizeが0以下の場合はDefaultHistorySizeを使う。
// repoはnilでもよい。
func NewHistory(size int, repo repository.AuthEventRepository, logger *slog.Logger) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &History{
		size:   size,
		rings:  make(map[string]*ring),
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

// Record はイベントを1件記録する。永続化の失敗は呼び出し元に返さない。
func (h *History) Record(ctx context.Context, userID string, kind model.AuthEventKind, detail string) {
	ev := model.AuthEvent{
		ID:         uuid.New().String(),
		UserID:     userID,
		Kind:       kind,
		Detail:     detail,
		OccurredAt: h.now(),
	}

	h.mu.Lock()
	r, ok := h.rings[userID]
	if !ok {
		r = &ring{buf: make([]model.AuthEvent, h.size)}
		h.rings[userID] = r
	}
	r.buf[r.next] = ev
	r.next = (r.next + 1) % h.size
	if r.next == 0 {
		r.full = true
	}
	h.mu.Unlock()

	if h.repo == nil || memoryOnly[kind] {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := h.repo.Create(pctx, &ev); err != nil {
		h.logger.Debug("auth event persist failed",
			slog.String("user_id", userID),
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
	}
}

// Recent は指定ユーザーのイベントを新しい順に返す。
func (h *History) Recent(userID string) []model.AuthEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rings[userID]
	if !ok {
		return nil
	}
	n := r.next
	if r.full {
		n = h.size
	}
	out := make([]model.AuthEvent, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, r.buf[(r.next-i+h.size)%h.size])
	}
	return out
}

// Stored は指定ユーザーのイベントを永続ストアから新しい順に最大limit件返す。
// 永続ストアが設定されていない場合はメモリ上の履歴を返す。
func (h *History) Stored(ctx context.Context, userID string, limit int) ([]model.AuthEvent, error) {
	if h.repo == nil {
		events := h.Recent(userID)
		if limit > 0 && len(events) > limit {
			events = events[:limit]
		}
		return events, nil
	}
	return h.repo.ListByUserID(ctx, userID, limit)
}
