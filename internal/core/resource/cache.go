package resource

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jinford/assistant-sync/internal/core/apierr"
)

const (
	// DefaultDedupeInterval は同一キーへのリクエストを1つにまとめる期間
	DefaultDedupeInterval = 3 * time.Second

	// DefaultRefreshDebounce は手動リフレッシュ同士の最小間隔
	DefaultRefreshDebounce = 3 * time.Second

	// DefaultErrorRetryCount はリトライ可能なエラーの最大リトライ回数
	DefaultErrorRetryCount = 3

	// DefaultErrorRetryInterval はExponential Backoffの基底時間
	DefaultErrorRetryInterval = 5 * time.Second

	maxRetryBackoff = time.Minute
)

// Fetcher はキーに対応するリソースを取得する
type Fetcher interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// FetcherFunc は関数をFetcherとして扱うアダプタ
type FetcherFunc func(ctx context.Context, key string) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, key string) ([]byte, error) {
	return f(ctx, key)
}

// Options はCacheの設定
type Options struct {
	DedupeInterval     time.Duration
	RefreshDebounce    time.Duration
	ErrorRetryCount    int
	ErrorRetryInterval time.Duration
	// PauseOnError が有効な場合、HTTP 429 はリトライせずにそのままエラーとして記録する
	PauseOnError bool
	// FetchTimeout は1回のフェッチ試行の上限（リトライ間の待機は含まない）。0は無制限
	FetchTimeout time.Duration
	Logger       *slog.Logger
}

// Option はOptionsを変更する
type Option func(*Options)

func WithDedupeInterval(d time.Duration) Option {
	return func(o *Options) { o.DedupeInterval = d }
}

func WithRefreshDebounce(d time.Duration) Option {
	return func(o *Options) { o.RefreshDebounce = d }
}

// WithErrorRetry はリトライ回数と基底間隔を設定する
func WithErrorRetry(count int, interval time.Duration) Option {
	return func(o *Options) {
		o.ErrorRetryCount = count
		o.ErrorRetryInterval = interval
	}
}

func WithPauseOnError(pause bool) Option {
	return func(o *Options) { o.PauseOnError = pause }
}

func WithFetchTimeout(d time.Duration) Option {
	return func(o *Options) { o.FetchTimeout = d }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

// Entry は1つのキーに対するキャッシュ内容
type Entry[T any] struct {
	Key     string
	Data    T
	HasData bool
	// TotalCount はページングされたリソースの総件数
	TotalCount int
	// Err は直近のリビデーションの失敗。Dataは失敗しても保持される
	Err          error
	IsValidating bool
	UpdatedAt    time.Time
}

type entry[T any] struct {
	Entry[T]
	startedAt  time.Time
	lastManual time.Time
}

// Cache は1種類のリソースをキー単位でキャッシュする。
// 同一キーのフェッチは常に高々1つで、失敗しても古いデータは残る。
type Cache[T any] struct {
	fetcher Fetcher
	opts    Options
	now     func() time.Time
	group   singleflight.Group

	baseCtx context.Context
	stop    context.CancelFunc

	mu      sync.Mutex
	entries map[string]*entry[T]
	subs    map[int]func(key string)
	nextSub int
	closed  bool
}

// New は新しいCacheを作成する
func New[T any](fetcher Fetcher, opts ...Option) *Cache[T] {
	o := Options{
		DedupeInterval:     DefaultDedupeInterval,
		RefreshDebounce:    DefaultRefreshDebounce,
		ErrorRetryCount:    DefaultErrorRetryCount,
		ErrorRetryInterval: DefaultErrorRetryInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Cache[T]{
		fetcher: fetcher,
		opts:    o,
		now:     time.Now,
		baseCtx: ctx,
		stop:    cancel,
		entries: make(map[string]*entry[T]),
		subs:    make(map[int]func(string)),
	}
}

// Get はキーのエントリを返す。重複排除期間を過ぎていればリビデーションし、完了を待つ。
// 空のキーはフェッチしない（ゼロ値を返す）。ctxはリビデーションの待機のみを打ち切る。
func (c *Cache[T]) Get(ctx context.Context, key string) Entry[T] {
	if key == "" {
		return Entry[T]{}
	}

	c.mu.Lock()
	e := c.entryLocked(key)
	if c.closed || (!e.IsValidating && c.freshLocked(e)) {
		snapshot := e.Entry
		c.mu.Unlock()
		return snapshot
	}
	c.mu.Unlock()

	return c.revalidate(ctx, key, false)
}

// Peek はフェッチせずに現在のエントリを返す
func (c *Cache[T]) Peek(key string) Entry[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return e.Entry
	}
	return Entry[T]{Key: key}
}

// Mutate は重複排除期間を無視して即座にリビデーションする。
// 手動リフレッシュ同士はRefreshDebounce未満の間隔では実行されず、falseを返す。
func (c *Cache[T]) Mutate(ctx context.Context, key string) (Entry[T], bool) {
	if key == "" {
		return Entry[T]{}, false
	}

	c.mu.Lock()
	e := c.entryLocked(key)
	now := c.now()
	if c.closed || (!e.lastManual.IsZero() && now.Sub(e.lastManual) < c.opts.RefreshDebounce) {
		snapshot := e.Entry
		c.mu.Unlock()
		return snapshot, false
	}
	e.lastManual = now
	c.mu.Unlock()

	return c.revalidate(ctx, key, true), true
}

// Subscribe はエントリ更新時に呼ばれるコールバックを登録し、解除関数を返す
func (c *Cache[T]) Subscribe(fn func(key string)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

// ShouldRetry はエラーをリトライすべきかを判定する
func (c *Cache[T]) ShouldRetry(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch code := apierr.StatusCode(err); {
	case code == http.StatusTooManyRequests:
		return !c.opts.PauseOnError
	case code >= http.StatusInternalServerError:
		return false
	default:
		return true
	}
}

// Close は実行中のフェッチを中断する。以降はキャッシュ済みの内容のみ返す
func (c *Cache[T]) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.stop()
}

func (c *Cache[T]) revalidate(ctx context.Context, key string, force bool) Entry[T] {
	ch := c.group.DoChan(key, func() (any, error) {
		c.run(key, force)
		return nil, nil
	})

	select {
	case <-ch:
	case <-ctx.Done():
	}
	return c.Peek(key)
}

// run はsingleflightの中で実行される。強制でなければ直前のフェッチを再利用する
func (c *Cache[T]) run(key string, force bool) {
	c.mu.Lock()
	e := c.entryLocked(key)
	if !force && c.freshLocked(e) {
		c.mu.Unlock()
		return
	}
	e.IsValidating = true
	e.startedAt = c.now()
	c.mu.Unlock()
	c.emit(key)

	var (
		value   T
		payload Payload
	)
	raw, err := c.fetchWithRetry(c.baseCtx, key, e)
	if err == nil {
		payload, err = Normalize(raw)
	}
	if err == nil {
		value, err = Decode[T](payload)
	}

	c.mu.Lock()
	e.IsValidating = false
	if err != nil {
		e.Err = err
	} else {
		e.Data = value
		e.HasData = true
		e.TotalCount = payload.TotalCount
		e.Err = nil
		e.UpdatedAt = c.now()
	}
	c.mu.Unlock()

	if err != nil {
		c.opts.Logger.Warn("resource revalidation failed",
			"key", key,
			"kind", apierr.Classify(err),
			"error", err)
	}
	c.emit(key)
}

// fetchWithRetry はリトライ可能なエラーをバックオフしながら再試行する。
// 各試行の失敗はバックオフ前にエントリへ記録し、購読者に通知する（Dataはそのまま）
func (c *Cache[T]) fetchWithRetry(ctx context.Context, key string, e *entry[T]) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		raw, err := c.fetchOnce(ctx, key)
		if err == nil {
			return raw, nil
		}
		// 試行ごとのタイムアウトは一時的な失敗として扱う
		timedOut := ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded)
		if attempt >= c.opts.ErrorRetryCount || !(timedOut || c.ShouldRetry(err)) {
			return nil, err
		}

		c.mu.Lock()
		e.Err = err
		c.mu.Unlock()
		c.emit(key)

		wait := c.backoff(attempt)
		c.opts.Logger.Debug("retrying resource fetch",
			"key", key,
			"attempt", attempt+1,
			"wait", wait,
			"error", err)

		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(wait):
		}
	}
}

// fetchOnce は1回の試行にFetchTimeoutを適用する
func (c *Cache[T]) fetchOnce(ctx context.Context, key string) ([]byte, error) {
	if c.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.FetchTimeout)
		defer cancel()
	}
	return c.fetcher.Fetch(ctx, key)
}

func (c *Cache[T]) backoff(attempt int) time.Duration {
	if c.opts.ErrorRetryInterval <= 0 {
		return 0
	}
	wait := c.opts.ErrorRetryInterval << attempt
	if wait <= 0 || wait > maxRetryBackoff {
		return maxRetryBackoff
	}
	return wait
}

func (c *Cache[T]) entryLocked(key string) *entry[T] {
	e, ok := c.entries[key]
	if !ok {
		e = &entry[T]{Entry: Entry[T]{Key: key}}
		c.entries[key] = e
	}
	return e
}

func (c *Cache[T]) freshLocked(e *entry[T]) bool {
	return !e.startedAt.IsZero() && c.now().Sub(e.startedAt) < c.opts.DedupeInterval
}

func (c *Cache[T]) emit(key string) {
	c.mu.Lock()
	subs := make([]func(string), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(key)
	}
}
