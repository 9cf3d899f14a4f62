package assistant

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jinford/assistant-sync/internal/core/apierr"
	"github.com/jinford/assistant-sync/internal/core/resource"
)

// DefaultLimit は記憶一覧の1ページあたりの件数
const DefaultLimit = 20

// Options はCoordinatorの設定
type Options struct {
	// PauseOnError が有効な場合、記憶一覧の429でビュー全体を一時停止する
	PauseOnError bool
	Limit        int
	Offset       int
}

// Coordinator は1アシスタントに紐づく複数のリソースキャッシュをまとめ、
// 読み込み中・一時停止・エラーの状態を集約する。
type Coordinator struct {
	assistantID string
	opts        Options

	memories    *resource.Cache[[]Memory]
	reflections *resource.Cache[[]Reflection]
	profile     *resource.Cache[TrustProfile]
	diagnostics *resource.Cache[Diagnostics]

	wg sync.WaitGroup
}

// NewCoordinator は新しいCoordinatorを作成する。assistantIDが空の場合は何もフェッチしない
func NewCoordinator(fetcher resource.Fetcher, assistantID string, opts Options, cacheOpts ...resource.Option) *Coordinator {
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	cacheOpts = append(cacheOpts, resource.WithPauseOnError(opts.PauseOnError))

	return &Coordinator{
		assistantID: assistantID,
		opts:        opts,
		memories:    resource.New[[]Memory](fetcher, cacheOpts...),
		reflections: resource.New[[]Reflection](fetcher, cacheOpts...),
		profile:     resource.New[TrustProfile](fetcher, cacheOpts...),
		diagnostics: resource.New[Diagnostics](fetcher, cacheOpts...),
	}
}

// Load は全リソースを並行して取得し、集約した状態を返す
func (c *Coordinator) Load(ctx context.Context) Details {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.memories.Get(gctx, c.memoriesKey())
		return nil
	})
	g.Go(func() error {
		c.reflections.Get(gctx, c.key("reflections"))
		return nil
	})
	g.Go(func() error {
		c.profile.Get(gctx, c.key("trust_profile"))
		return nil
	})
	g.Go(func() error {
		c.diagnostics.Get(gctx, c.key("diagnostics"))
		return nil
	})
	// キャッシュはエラーを返さない（エラーはエントリに記録される）
	_ = g.Wait()

	return c.Snapshot()
}

// Snapshot はフェッチせずに現在の集約状態を返す
func (c *Coordinator) Snapshot() Details {
	mem := c.memories.Peek(c.memoriesKey())
	refl := c.reflections.Peek(c.key("reflections"))
	prof := c.profile.Peek(c.key("trust_profile"))
	diag := c.diagnostics.Peek(c.key("diagnostics"))

	d := Details{
		AssistantID:    c.assistantID,
		Memories:       mem.Data,
		TotalMemories:  mem.TotalCount,
		Reflections:    refl.Data,
		MemoriesErr:    mem.Err,
		ReflectionsErr: refl.Err,
		ProfileErr:     prof.Err,
		DiagnosticsErr: diag.Err,
	}
	if prof.HasData {
		p := prof.Data
		d.TrustProfile = &p
	}
	if diag.HasData {
		dg := diag.Data
		d.Diagnostics = &dg
	}

	switch {
	case apierr.IsRateLimited(mem.Err) && c.opts.PauseOnError:
		d.PauseErr = mem.Err
	case apierr.IsRateLimited(refl.Err):
		d.PauseErr = refl.Err
	case apierr.IsServerFault(prof.Err):
		d.PauseErr = prof.Err
	}
	d.Paused = d.PauseErr != nil

	hasData := mem.HasData || refl.HasData || prof.HasData || diag.HasData
	hasErr := d.Err() != nil
	d.Loading = mem.IsValidating && !hasData && !hasErr

	return d
}

// RefreshAll は全リソースの手動リフレッシュを発火する。完了は待たず、
// 各キャッシュが個別に解決する（Subscribeで順次通知される）。
func (c *Coordinator) RefreshAll(ctx context.Context) {
	refreshers := []func(){
		func() { c.memories.Mutate(ctx, c.memoriesKey()) },
		func() { c.reflections.Mutate(ctx, c.key("reflections")) },
		func() { c.profile.Mutate(ctx, c.key("trust_profile")) },
		func() { c.diagnostics.Mutate(ctx, c.key("diagnostics")) },
	}
	for _, refresh := range refreshers {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			refresh()
		}()
	}
}

// Subscribe はいずれかのリソースが更新されるたびに集約状態を通知する
func (c *Coordinator) Subscribe(fn func(Details)) func() {
	notify := func(string) { fn(c.Snapshot()) }
	unsubscribers := []func(){
		c.memories.Subscribe(notify),
		c.reflections.Subscribe(notify),
		c.profile.Subscribe(notify),
		c.diagnostics.Subscribe(notify),
	}
	return func() {
		for _, unsubscribe := range unsubscribers {
			unsubscribe()
		}
	}
}

// Wait はRefreshAllで発火したリフレッシュの完了を待つ
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Close は実行中のフェッチを中断し、発火済みのリフレッシュの終了を待つ
func (c *Coordinator) Close() {
	c.memories.Close()
	c.reflections.Close()
	c.profile.Close()
	c.diagnostics.Close()
	c.wg.Wait()
}

func (c *Coordinator) memoriesKey() string {
	if c.assistantID == "" {
		return ""
	}
	params := url.Values{}
	params.Set("limit", strconv.Itoa(c.opts.Limit))
	params.Set("offset", strconv.Itoa(c.opts.Offset))
	return resource.Key(c.key("memories"), params)
}

func (c *Coordinator) key(resourceName string) string {
	if c.assistantID == "" {
		return ""
	}
	return fmt.Sprintf("/assistants/%s/%s/", url.PathEscape(c.assistantID), resourceName)
}
