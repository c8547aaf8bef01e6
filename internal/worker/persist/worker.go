// Package persist は永続ストアへの保存に失敗したセッションをバックグラウンドで再試行する。
// ユーザーごとに最新の値だけを保持し、古い値で新しい値を上書きしない。
package persist

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/chatauth/internal/model"
)

// DurableStore は永続ストアへの書き込みインターフェース。
type DurableStore interface {
	Save(ctx context.Context, sess model.Session) error
}

// Metrics は再試行のメトリクスを記録するインターフェース。
type Metrics interface {
	RecordDurableFailure(op string)
}

// Config はWorkerの設定。
type Config struct {
	// MaxConcurrency は同時に実行する保存の最大数。0以下の場合は4。
	MaxConcurrency int
	// AlertThreshold はエラーログでアラートを出す連続失敗回数。0以下の場合は5。
	AlertThreshold int
	Now            func() time.Time
}

type pendingSave struct {
	session     model.Session
	generation  uint64
	failures    int
	nextAttempt time.Time
	lastError   string
	inFlight    bool
}

// Worker は再試行待ちの保存をユーザー単位で管理する。
type Worker struct {
	mu      sync.Mutex
	pending map[string]*pendingSave
	seq     uint64

	store   DurableStore
	metrics Metrics
	logger  *slog.Logger
	config  Config
}

// NewWorker はWorkerを生成する。
func NewWorker(store DurableStore, metrics Metrics, logger *slog.Logger, config Config) *Worker {
	if store == nil {
		panic("persist: durable store must not be nil")
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 4
	}
	if config.AlertThreshold <= 0 {
		config.AlertThreshold = defaultAlertThreshold
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		pending: make(map[string]*pendingSave),
		store:   store,
		metrics: metrics,
		logger:  logger,
		config:  config,
	}
}

// Save はセッションを永続化する。再試行待ちの値がある場合は順序を保つため直接書かずにキューの値を置き換える。
// 直接の書き込みに失敗した場合はキューに積む。キューに積んだ場合にtrueを返す。
func (w *Worker) Save(ctx context.Context, sess model.Session) (queued bool, err error) {
	if w.HasPending(sess.UserID) {
		w.Enqueue(sess)
		return true, nil
	}
	if err := w.store.Save(ctx, sess); err != nil {
		if w.metrics != nil {
			w.metrics.RecordDurableFailure("save")
		}
		w.Enqueue(sess)
		return true, err
	}
	return false, nil
}

// Enqueue はセッションを再試行キューに積む。同じユーザーの既存の値は置き換える。
func (w *Worker) Enqueue(sess model.Session) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.seq++
	p, ok := w.pending[sess.UserID]
	if !ok {
		p = &pendingSave{}
		w.pending[sess.UserID] = p
		p.nextAttempt = w.config.Now().Add(CalculateBackoff(0))
	}
	p.session = sess
	p.generation = w.seq
}

// HasPending は再試行待ちの値があるかを返す。
func (w *Worker) HasPending(userID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.pending[userID]
	return ok
}

// Discard は再試行待ちの値を破棄する。破棄した場合にtrueを返す。
func (w *Worker) Discard(userID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.pending[userID]
	delete(w.pending, userID)
	return ok
}

// Len は再試行待ちの件数を返す。
func (w *Worker) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

type job struct {
	userID     string
	session    model.Session
	generation uint64
}

// Start は指定間隔のティッカーで再試行を実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (w *Worker) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger.Info("durable retry worker started",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", w.config.MaxConcurrency),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("durable retry worker stopped", slog.Int("pending", w.Len()))
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce は期限を迎えた再試行を並列に1回ずつ実行し、成功件数を返す。
func (w *Worker) RunOnce(ctx context.Context) int {
	return w.run(ctx, false)
}

// Drain はバックオフを無視して全ての再試行を1回ずつ実行し、成功件数を返す。
// シャットダウン時に呼ぶ。
func (w *Worker) Drain(ctx context.Context) int {
	return w.run(ctx, true)
}

func (w *Worker) run(ctx context.Context, all bool) int {
	jobs := w.collect(all)
	if len(jobs) == 0 {
		return 0
	}

	sem := make(chan struct{}, w.config.MaxConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	for _, j := range jobs {
		wg.Add(1)
		sem <- struct{}{}

		go func(j job) {
			defer wg.Done()
			defer func() { <-sem }()

			err := w.store.Save(ctx, j.session)
			w.complete(j, err)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(j)
	}
	wg.Wait()

	w.logger.Info("durable retry cycle completed",
		slog.Int("attempted", len(jobs)),
		slog.Int("succeeded", succeeded),
		slog.Int("pending", w.Len()),
	)
	return succeeded
}

// collect は実行対象を取り出し、実行中の印を付ける。
func (w *Worker) collect(all bool) []job {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.config.Now()
	var jobs []job
	for userID, p := range w.pending {
		if p.inFlight {
			continue
		}
		if !all && now.Before(p.nextAttempt) {
			continue
		}
		p.inFlight = true
		jobs = append(jobs, job{userID: userID, session: p.session, generation: p.generation})
	}
	return jobs
}

// complete は保存結果を反映する。実行中に新しい値が積まれていた場合はその値を残す。
func (w *Worker) complete(j job, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	p, ok := w.pending[j.userID]
	if !ok {
		// 実行中にDiscardされた
		return
	}
	p.inFlight = false

	if err == nil {
		if p.generation == j.generation {
			delete(w.pending, j.userID)
		} else {
			p.failures = 0
			p.nextAttempt = w.config.Now()
		}
		return
	}

	p.failures++
	p.lastError = err.Error()
	p.nextAttempt = w.config.Now().Add(CalculateBackoff(p.failures - 1))
	if w.metrics != nil {
		w.metrics.RecordDurableFailure("retry")
	}

	if p.failures == w.config.AlertThreshold {
		w.logger.Error("durable retry failing repeatedly",
			slog.String("user_id", j.userID),
			slog.Int("consecutive_failures", p.failures),
			slog.String("error", p.lastError),
		)
		return
	}
	w.logger.Warn("durable retry failed",
		slog.String("user_id", j.userID),
		slog.Int("consecutive_failures", p.failures),
		slog.Time("next_attempt_at", p.nextAttempt),
		slog.String("error", p.lastError),
	)
}
