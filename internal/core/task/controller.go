package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jinford/assistant-sync/internal/core/apierr"
)

// DefaultPollInterval はステータスポーリングの固定間隔
const DefaultPollInterval = time.Second

// Option はControllerのオプション
type Option func(*Controller)

// WithPollInterval はポーリング間隔を変更する
func WithPollInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithLogger はロガーを差し替える
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithObserver は状態変化のたびに呼ばれるコールバックを登録する
func WithObserver(fn func(State)) Option {
	return func(c *Controller) {
		c.observers = append(c.observers, fn)
	}
}

// Controller は「ジョブを起動して完了までポーリングする」を1回の呼び出しにまとめる。
// 同一インスタンスで同時に動くポーリングは常に1つで、新しいTriggerは前のループを打ち切る。
type Controller struct {
	api       API
	endpoint  string
	interval  time.Duration
	logger    *slog.Logger
	observers []func(State)
	now       func() time.Time

	mu         sync.Mutex
	state      State
	task       *Task
	generation uint64
	cancel     context.CancelFunc
	closed     bool
	wg         sync.WaitGroup
}

// NewController は新しいControllerを作成する
func NewController(api API, endpoint string, opts ...Option) *Controller {
	c := &Controller{
		api:      api,
		endpoint: endpoint,
		interval: DefaultPollInterval,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State は現在の状態を返す
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Task は現在追跡中のジョブを返す
func (c *Controller) Task() (Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.task == nil {
		return Task{}, false
	}
	return *c.task, true
}

// Trigger はジョブを起動し、終端状態に達するまでポーリングする。
// 起動リクエスト自体の失敗はそのまま返す。ポーリング中の失敗は合成された
// error ステータスとして正常終了扱いにする。
func (c *Controller) Trigger(ctx context.Context, payload any) (Response, error) {
	runCtx, gen, err := c.begin(ctx)
	if err != nil {
		return Response{}, err
	}
	defer c.finish(gen)

	resp, err := c.api.Trigger(runCtx, c.endpoint, payload)
	if err != nil {
		if runCtx.Err() != nil {
			return Response{}, c.interrupted(ctx, gen)
		}
		paused := apierr.IsRateLimited(err)
		c.update(gen, func(s *State) {
			s.Phase = PhaseFailed
			if paused {
				s.Phase = PhasePaused
			}
			s.Err = err
		})
		c.logger.Warn("task trigger failed",
			"endpoint", c.endpoint,
			"kind", apierr.Classify(err),
			"error", err)
		return Response{}, err
	}
	c.observe(gen, resp)

	if resp.TaskID != "" && resp.Status != StatusComplete {
		resp, err = c.poll(ctx, runCtx, gen, resp)
		if err != nil {
			return resp, err
		}
	}

	c.update(gen, func(s *State) {
		s.Phase = PhaseComplete
		s.Result = resp
		s.LastUpdated = c.now()
		s.hasRun = true
	})
	c.logger.Debug("task finished", "endpoint", c.endpoint, "task_id", resp.TaskID, "status", resp.Status)

	return resp, nil
}

// Close は実行中のポーリングを停止し、終了を待つ。以降のTriggerはErrClosedを返す
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	c.wg.Wait()
}

func (c *Controller) begin(ctx context.Context) (context.Context, uint64, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, 0, ErrClosed
	}
	if c.cancel != nil {
		// 前のループを打ち切る
		c.cancel()
	}
	c.generation++
	gen := c.generation

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.task = &Task{
		Endpoint:    c.endpoint,
		Status:      StatusNotStarted,
		LastUpdated: c.now(),
	}
	c.state.Phase = PhaseRunning
	c.state.Err = nil
	c.state.PollErr = nil
	snapshot := c.state
	c.wg.Add(1)
	c.mu.Unlock()

	c.notify(snapshot)
	return runCtx, gen, nil
}

func (c *Controller) finish(gen uint64) {
	c.mu.Lock()
	if c.generation == gen && c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()
	c.wg.Done()
}

func (c *Controller) poll(parent, ctx context.Context, gen uint64, resp Response) (Response, error) {
	last := resp
	for {
		select {
		case <-ctx.Done():
			return last, c.interrupted(parent, gen)
		case <-time.After(c.interval):
		}

		next, err := c.api.Status(ctx, last.TaskID)
		if err != nil {
			if ctx.Err() != nil {
				return last, c.interrupted(parent, gen)
			}
			pollErr := fmt.Errorf("%w: %w", apierr.ErrPollExhausted, err)
			c.logger.Warn("task status poll failed",
				"endpoint", c.endpoint,
				"task_id", last.TaskID,
				"error", err)
			last = Response{Status: StatusError, TaskID: last.TaskID}
			c.observe(gen, last)
			c.update(gen, func(s *State) { s.PollErr = pollErr })
			return last, nil
		}
		if next.TaskID == "" {
			next.TaskID = last.TaskID
		}
		last = next
		c.observe(gen, last)

		if !last.Status.IsActive() {
			return last, nil
		}
	}
}

// interrupted はループ停止の理由を判定する。
// 呼び出し元のコンテキストによる停止のみ状態をIdleに戻す。
func (c *Controller) interrupted(parent context.Context, gen uint64) error {
	c.mu.Lock()
	var err error
	changed := false
	switch {
	case c.closed:
		err = ErrClosed
	case c.generation != gen:
		err = ErrSuperseded
	default:
		err = parent.Err()
		if err == nil {
			err = context.Canceled
		}
		c.state.Phase = PhaseIdle
		changed = true
	}
	snapshot := c.state
	c.mu.Unlock()

	if changed {
		c.notify(snapshot)
	}
	return err
}

// observe は追跡中のTaskへレスポンスを反映する
func (c *Controller) observe(gen uint64, resp Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen || c.closed || c.task == nil {
		return
	}
	if resp.TaskID != "" {
		c.task.TaskID = resp.TaskID
	}
	if resp.Status != c.task.Status {
		c.task.Status = resp.Status
		c.task.LastUpdated = c.now()
	}
}

// update は世代が一致する場合のみ状態を更新する
func (c *Controller) update(gen uint64, fn func(*State)) {
	c.mu.Lock()
	if c.generation != gen || c.closed {
		c.mu.Unlock()
		return
	}
	fn(&c.state)
	snapshot := c.state
	c.mu.Unlock()

	c.notify(snapshot)
}

func (c *Controller) notify(s State) {
	for _, fn := range c.observers {
		fn(s)
	}
}
