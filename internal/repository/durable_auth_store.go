package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/chatauth/internal/model"
)

// AuthStoreAdapter はAuthRecordRepositoryをDurableAuthStoreとして公開する。
// エラーはmodel.ErrDurableStoreUnavailableでラップして返し、
// 呼び出し側がerrors.Isで縮退運転に切り替えられるようにする。
type AuthStoreAdapter struct {
	repo AuthRecordRepository
	now  func() time.Time
}

// NewAuthStoreAdapter はAuthStoreAdapterを生成する。
func NewAuthStoreAdapter(repo AuthRecordRepository) *AuthStoreAdapter {
	if repo == nil {
		panic("repository: auth record repository must not be nil")
	}
	return &AuthStoreAdapter{repo: repo, now: time.Now}
}

// Load は永続化されたセッションを返す。レコードが無い場合は(nil, nil)を返す。
func (a *AuthStoreAdapter) Load(ctx context.Context, userID string) (*model.Session, error) {
	rec, err := a.repo.FindByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %w", model.ErrDurableStoreUnavailable, userID, err)
	}
	if rec == nil {
		return nil, nil
	}
	sess := rec.ToSession()
	return &sess, nil
}

// Save はセッションを永続化する。ログイン中の状態は未認証として保存される。
func (a *AuthStoreAdapter) Save(ctx context.Context, session model.Session) error {
	if err := a.repo.Upsert(ctx, model.NewAuthRecord(session, a.now())); err != nil {
		return fmt.Errorf("%w: save %s: %w", model.ErrDurableStoreUnavailable, session.UserID, err)
	}
	return nil
}

// DefaultDurableTimeout は永続ストアへの1回の読み書きに許容する既定の時間。
const DefaultDurableTimeout = 2 * time.Second

// TimeoutAuthStore はDurableAuthStoreの各呼び出しに期限を付ける。
// ユーザー単位のロックを保持したまま呼ばれるため、応答しないDBでロックを塞がないようにする。
type TimeoutAuthStore struct {
	store   DurableAuthStore
	timeout time.Duration
}

// WithTimeout はstoreの各呼び出しをtimeoutで打ち切るTimeoutAuthStoreを返す。
// timeoutが0以下の場合はDefaultDurableTimeoutを使う。
func WithTimeout(store DurableAuthStore, timeout time.Duration) *TimeoutAuthStore {
	if store == nil {
		panic("repository: durable store must not be nil")
	}
	if timeout <= 0 {
		timeout = DefaultDurableTimeout
	}
	return &TimeoutAuthStore{store: store, timeout: timeout}
}

// Timeout は1回の呼び出しに許容する時間を返す。
func (t *TimeoutAuthStore) Timeout() time.Duration {
	return t.timeout
}

// Load は期限付きで永続化されたセッションを返す。
func (t *TimeoutAuthStore) Load(ctx context.Context, userID string) (*model.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	sess, err := t.store.Load(ctx, userID)
	if err != nil {
		return nil, unavailable(err)
	}
	return sess, nil
}

// Save は期限付きでセッションを永続化する。
func (t *TimeoutAuthStore) Save(ctx context.Context, session model.Session) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	if err := t.store.Save(ctx, session); err != nil {
		return unavailable(err)
	}
	return nil
}

func unavailable(err error) error {
	if errors.Is(err, model.ErrDurableStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", model.ErrDurableStoreUnavailable, err)
}

// compile-time interface check
var (
	_ DurableAuthStore = (*AuthStoreAdapter)(nil)
	_ DurableAuthStore = (*TimeoutAuthStore)(nil)
)
