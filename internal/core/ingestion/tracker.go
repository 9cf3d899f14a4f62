package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jinford/assistant-sync/internal/core/apierr"
)

// DefaultPollInterval は進捗ポーリングの間隔
const DefaultPollInterval = 3 * time.Second

// Option はTrackerのオプション
type Option func(*Tracker)

// WithPollInterval はポーリング間隔を変更する
func WithPollInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithLogger はロガーを差し替える
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithObserver は進捗更新のたびに呼ばれるコールバックを登録する。
// コールバック内からStop/Retryを呼んではならない
func WithObserver(fn func(Progress)) Option {
	return func(t *Tracker) {
		t.observers = append(t.observers, fn)
	}
}

// WithHistoryCapacity はスナップショット履歴の容量を変更する
func WithHistoryCapacity(capacity int) Option {
	return func(t *Tracker) {
		t.history = NewHistory(capacity)
	}
}

// Tracker はチャンク単位で進む取り込みジョブをポーリングし、
// スナップショット履歴から処理速度と残り時間を導出する。
type Tracker struct {
	api       API
	interval  time.Duration
	logger    *slog.Logger
	observers []func(Progress)
	now       func() time.Time

	mu        sync.Mutex
	progress  Progress
	history   *History
	startedAt time.Time
	parent    context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewTracker は新しいTrackerを作成する
func NewTracker(api API, documentID, progressID string, opts ...Option) *Tracker {
	t := &Tracker{
		api:      api,
		interval: DefaultPollInterval,
		logger:   slog.Default(),
		now:      time.Now,
		history:  NewHistory(HistoryCapacity),
		progress: Progress{
			DocumentID: documentID,
			ProgressID: progressID,
			Status:     StatusUploading,
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.progress.ProgressID == "" {
		t.progress.ProgressID = documentID
	}
	return t
}

// Start はポーリングを開始する。最初の取得は即座に行う。既に動作中なら何もしない
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return
	}
	t.parent = ctx
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t.cancel = cancel
	t.done = done
	if t.startedAt.IsZero() {
		t.startedAt = t.now()
	}
	t.progress.Polling = true
	snapshot := t.progress
	t.mu.Unlock()

	t.notify(snapshot)
	go t.loop(loopCtx, done)
}

// Stop はポーリングを停止し、ループの終了を待つ
func (t *Tracker) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Done は現在のポーリングループが終了すると閉じるチャネルを返す
func (t *Tracker) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return t.done
}

// Progress は現在の進捗を返す
func (t *Tracker) Progress() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// History は古い順のスナップショット履歴を返す
func (t *Tracker) History() []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.history.Snapshots()
}

// Retry は同じドキュメントの取り込みを再実行し、ポーリングを再開する。
// 履歴はリセットしない（過去の試行をデバッグ用に残す）。
func (t *Tracker) Retry(ctx context.Context) error {
	t.mu.Lock()
	documentID := t.progress.DocumentID
	t.mu.Unlock()

	resp, err := t.api.Retry(ctx, documentID)
	if err != nil {
		t.logger.Warn("ingestion retry failed",
			"document_id", documentID,
			"kind", apierr.Classify(err),
			"error", err)
		return fmt.Errorf("failed to retry ingestion: %w", err)
	}

	t.Stop()

	t.mu.Lock()
	t.progress.RetryCount++
	t.progress.Status = StatusRetrying
	t.progress.ErrorDetail = nil
	t.progress.ErrorMessage = ""
	t.progress.FailedChunks = nil
	t.progress.ProgressErr = nil
	if resp.ProgressID != "" {
		t.progress.ProgressID = resp.ProgressID
	}
	// 処理速度は今回の試行の開始時刻から計測し直す
	t.startedAt = t.now()
	parent := t.parent
	snapshot := t.progress
	t.mu.Unlock()

	t.logger.Info("ingestion retried",
		"document_id", documentID,
		"retry_count", snapshot.RetryCount)
	t.notify(snapshot)

	if parent == nil {
		// 一度もStartされていなければRetryのコンテキストで追跡する
		parent = ctx
	}
	t.Start(parent)
	return nil
}

func (t *Tracker) loop(ctx context.Context, done chan struct{}) {
	defer t.exit(ctx, done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		if t.tick(ctx) {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}

	if ctx.Err() == nil {
		t.reconcile(ctx)
	}
}

// tick は進捗を1回取得する。ポーリングを止めるべき場合trueを返す
func (t *Tracker) tick(ctx context.Context) bool {
	t.mu.Lock()
	progressID := t.progress.ProgressID
	t.mu.Unlock()

	payload, err := t.api.Progress(ctx, progressID)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		kind := apierr.Classify(err)
		t.logger.Warn("ingestion progress poll failed",
			"progress_id", progressID,
			"kind", kind,
			"error", err)
		t.apply(ctx, func(p *Progress) { p.ProgressErr = err })
		// 存在しないジョブなどの4xxはポーリングを続けても回復しない
		return kind == apierr.KindValidation
	}

	now := t.now()
	t.apply(ctx, func(p *Progress) {
		snap := Snapshot{
			Timestamp:      now,
			ProcessedCount: payload.Processed,
			EmbeddedCount:  payload.EmbeddedChunks,
			TotalCount:     payload.TotalChunks,
		}
		t.history.Append(snap)
		m := ComputeMetrics(t.startedAt, snap)

		if payload.Status != "" {
			p.Status = payload.Status
		}
		p.ProcessedCount = payload.Processed
		p.EmbeddedCount = payload.EmbeddedChunks
		p.TotalCount = payload.TotalChunks
		p.FailedChunks = payload.FailedChunks
		p.ErrorMessage = payload.ErrorMessage
		p.ChunksPerSecond = m.ChunksPerSecond
		p.EstimatedSecondsRemaining = m.EstimatedSecondsRemaining
		p.ProgressErr = nil
		p.UpdatedAt = now
	})

	return payload.Status.IsTerminal()
}

// reconcile は終端状態で親ドキュメントを再取得し、失敗時はエラー詳細も取得する
func (t *Tracker) reconcile(ctx context.Context) {
	t.mu.Lock()
	documentID := t.progress.DocumentID
	status := t.progress.Status
	t.mu.Unlock()

	doc, err := t.api.Document(ctx, documentID)
	if err != nil {
		t.logger.Warn("failed to reconcile document",
			"document_id", documentID,
			"error", err)
	} else {
		t.apply(ctx, func(p *Progress) { p.Document = &doc })
	}

	if status != StatusFailed {
		return
	}

	detail, err := t.api.ErrorDetail(ctx, documentID)
	if err != nil {
		// 詳細の取得失敗は表示中の進捗に影響させない
		t.logger.Warn("failed to fetch ingestion error detail",
			"document_id", documentID,
			"error", err)
		return
	}
	t.apply(ctx, func(p *Progress) { p.ErrorDetail = &detail })
}

func (t *Tracker) exit(ctx context.Context, done chan struct{}) {
	// Stopによる終了では通知しない
	natural := ctx.Err() == nil

	t.mu.Lock()
	changed := false
	if t.done == done {
		t.cancel()
		t.cancel = nil
		t.done = nil
		t.progress.Polling = false
		changed = natural
	}
	snapshot := t.progress
	t.mu.Unlock()

	if changed {
		t.notify(snapshot)
	}
	close(done)
}

// apply はループが破棄されていない場合のみ進捗を更新する
func (t *Tracker) apply(ctx context.Context, fn func(*Progress)) {
	t.mu.Lock()
	if ctx.Err() != nil {
		t.mu.Unlock()
		return
	}
	fn(&t.progress)
	snapshot := t.progress
	t.mu.Unlock()

	t.notify(snapshot)
}

func (t *Tracker) notify(p Progress) {
	for _, fn := range t.observers {
		fn(p)
	}
}
