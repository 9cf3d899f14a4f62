package container

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jinford/assistant-sync/internal/core/assistant"
	"github.com/jinford/assistant-sync/internal/core/ingestion"
	"github.com/jinford/assistant-sync/internal/core/resource"
	"github.com/jinford/assistant-sync/internal/core/task"
	"github.com/jinford/assistant-sync/internal/infra/httpapi"
	"github.com/jinford/assistant-sync/internal/platform/config"
)

// Container はアプリケーションの依存関係を保持する
type Container struct {
	Config *config.Config
	Logger *slog.Logger
	Client *httpapi.Client

	taskAPI      task.API
	ingestionAPI ingestion.API
	fetcher      resource.Fetcher
}

// Option はContainer構築時のオプション
type Option func(*Container)

// WithTaskAPI はジョブ起動APIを差し替える
func WithTaskAPI(api task.API) Option {
	return func(c *Container) {
		c.taskAPI = api
	}
}

// WithIngestionAPI は取り込みAPIを差し替える
func WithIngestionAPI(api ingestion.API) Option {
	return func(c *Container) {
		c.ingestionAPI = api
	}
}

// WithFetcher はリソースキャッシュのFetcherを差し替える
func WithFetcher(f resource.Fetcher) Option {
	return func(c *Container) {
		c.fetcher = f
	}
}

// New は設定とロガーからコンテナを生成する
func New(logger *slog.Logger, cfg *config.Config, opts ...Option) (*Container, error) {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Container{
		Config: cfg,
		Logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	// 全てのAPIが差し替えられている場合はHTTPクライアントを作らない
	if c.taskAPI == nil || c.ingestionAPI == nil || c.fetcher == nil {
		client, err := httpapi.NewClient(httpapi.Config{
			BaseURL: cfg.API.BaseURL,
			Token:   cfg.API.Token,
			Timeout: cfg.API.Timeout,
		}, logger.With("component", "httpapi"))
		if err != nil {
			return nil, fmt.Errorf("APIクライアントの初期化に失敗しました: %w", err)
		}
		c.Client = client
		if c.taskAPI == nil {
			c.taskAPI = client
		}
		if c.ingestionAPI == nil {
			c.ingestionAPI = client
		}
		if c.fetcher == nil {
			c.fetcher = client
		}
	}

	return c, nil
}

// NewTaskController はジョブ起動エンドポイントごとのControllerを作成する
func (c *Container) NewTaskController(endpoint string, opts ...task.Option) *task.Controller {
	base := []task.Option{
		task.WithPollInterval(c.Config.Polling.TaskInterval),
		task.WithLogger(c.Logger.With("component", "task", "endpoint", endpoint)),
	}
	return task.NewController(c.taskAPI, endpoint, append(base, opts...)...)
}

// NewAssistantCoordinator はアシスタント詳細ビュー用のCoordinatorを作成する
func (c *Container) NewAssistantCoordinator(assistantID string, opts assistant.Options) *assistant.Coordinator {
	return assistant.NewCoordinator(c.fetcher, assistantID, opts, c.resourceOptions()...)
}

// NewIngestionTracker は取り込みジョブのTrackerを作成する
func (c *Container) NewIngestionTracker(documentID, progressID string, opts ...ingestion.Option) *ingestion.Tracker {
	base := []ingestion.Option{
		ingestion.WithPollInterval(c.Config.Polling.IngestionInterval),
		ingestion.WithLogger(c.Logger.With("component", "ingestion", "document_id", documentID)),
	}
	return ingestion.NewTracker(c.ingestionAPI, documentID, progressID, append(base, opts...)...)
}

// Document はドキュメントを1件取得する
func (c *Container) Document(ctx context.Context, documentID string) (ingestion.Document, error) {
	return c.ingestionAPI.Document(ctx, documentID)
}

func (c *Container) resourceOptions() []resource.Option {
	rc := c.Config.Resource
	return []resource.Option{
		resource.WithDedupeInterval(rc.DedupeInterval),
		resource.WithRefreshDebounce(rc.RefreshDebounce),
		resource.WithErrorRetry(rc.ErrorRetryCount, rc.ErrorRetryInterval),
		resource.WithFetchTimeout(c.Config.API.Timeout),
		resource.WithLogger(c.Logger.With("component", "resource")),
	}
}
