package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jinford/assistant-sync/internal/core/apierr"
	"github.com/jinford/assistant-sync/internal/core/ingestion"
	"github.com/jinford/assistant-sync/internal/core/resource"
	"github.com/jinford/assistant-sync/internal/core/task"
)

const (
	// DefaultTimeout は1リクエストあたりのデフォルトタイムアウト
	DefaultTimeout = 30 * time.Second

	// RequestIDHeader はリクエストごとに付与する相関ID
	RequestIDHeader = "X-Request-ID"

	// maxErrorBody はエラーに含めるレスポンスボディの最大長
	maxErrorBody = 512
)

// ErrBaseURLNotSet はベースURLが設定されていない場合のエラー
var ErrBaseURLNotSet = errors.New("assistant API base URL not set: please set ASSISTANT_API_BASE_URL environment variable")

var (
	_ task.API         = (*Client)(nil)
	_ ingestion.API    = (*Client)(nil)
	_ resource.Fetcher = (*Client)(nil)
)

// Config はClientの設定
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client はアシスタントバックエンドのHTTPクライアント
type Client struct {
	baseURL *url.URL
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient は新しいClientを作成する
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, ErrBaseURLNotSet
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL: base,
		token:   cfg.Token,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}, nil
}

// Trigger はジョブ起動エンドポイントにPOSTする
func (c *Client) Trigger(ctx context.Context, endpoint string, payload any) (task.Response, error) {
	return c.taskResponse(ctx, http.MethodPost, endpoint, payload)
}

// Status はジョブのステータスを取得する
func (c *Client) Status(ctx context.Context, taskID string) (task.Response, error) {
	return c.taskResponse(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID)+"/status/", nil)
}

func (c *Client) taskResponse(ctx context.Context, method, endpoint string, payload any) (task.Response, error) {
	body, err := c.do(ctx, method, endpoint, payload)
	if err != nil {
		return task.Response{}, err
	}

	var resp task.Response
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &resp); err != nil {
			return task.Response{}, fmt.Errorf("failed to decode task response from %s: %w", endpoint, err)
		}
	}
	resp.Raw = body
	return resp, nil
}

// Fetch はキャッシュキー（パスとクエリ）をそのままGETし、ボディを返す
func (c *Client) Fetch(ctx context.Context, key string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, key, nil)
}

// Progress は取り込みジョブの進捗を取得する
func (c *Client) Progress(ctx context.Context, progressID string) (ingestion.ProgressPayload, error) {
	var p ingestion.ProgressPayload
	err := c.getJSON(ctx, "/documents/"+url.PathEscape(progressID)+"/progress/", &p)
	return p, err
}

// Retry は失敗した取り込みを再実行する
func (c *Client) Retry(ctx context.Context, documentID string) (ingestion.RetryResponse, error) {
	endpoint := "/documents/" + url.PathEscape(documentID) + "/retry/"
	body, err := c.do(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return ingestion.RetryResponse{}, err
	}

	var resp ingestion.RetryResponse
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &resp); err != nil {
			return ingestion.RetryResponse{}, fmt.Errorf("failed to decode retry response: %w", err)
		}
	}
	return resp, nil
}

// Document はドキュメントを取得する
func (c *Client) Document(ctx context.Context, documentID string) (ingestion.Document, error) {
	var d ingestion.Document
	err := c.getJSON(ctx, "/documents/"+url.PathEscape(documentID)+"/", &d)
	return d, err
}

// ErrorDetail は失敗したジョブのエラー詳細を取得する
func (c *Client) ErrorDetail(ctx context.Context, documentID string) (ingestion.ErrorDetail, error) {
	var d ingestion.ErrorDetail
	err := c.getJSON(ctx, "/documents/"+url.PathEscape(documentID)+"/errors/", &d)
	return d, err
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	body, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", endpoint, err)
	}
	return nil
}

// do はリクエストを送信し、2xxならボディを返す。
// それ以外は *apierr.Error を返す（接続失敗時は StatusCode が0）
func (c *Client) do(ctx context.Context, method, endpoint string, payload any) ([]byte, error) {
	target, err := c.resolve(endpoint)
	if err != nil {
		return nil, &apierr.Error{Method: method, Endpoint: endpoint, StatusCode: http.StatusBadRequest, Err: err}
	}

	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set(RequestIDHeader, requestID)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &apierr.Error{Method: method, Endpoint: endpoint, Err: err}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &apierr.Error{Method: method, Endpoint: endpoint, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	c.logger.Debug("assistant API request",
		"method", method,
		"endpoint", endpoint,
		"status", res.StatusCode,
		"request_id", requestID,
		"duration", time.Since(start))

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, &apierr.Error{
			Method:     method,
			Endpoint:   endpoint,
			StatusCode: res.StatusCode,
			Body:       truncate(strings.TrimSpace(string(body)), maxErrorBody),
		}
	}
	return body, nil
}

// resolve はエンドポイントをベースURLからの相対パスとして解決する
func (c *Client) resolve(endpoint string) (string, error) {
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if ref.IsAbs() {
		return "", fmt.Errorf("endpoint must be relative: %q", endpoint)
	}
	if ref.Host != "" {
		return "", fmt.Errorf("endpoint must not contain a host: %q", endpoint)
	}
	return c.baseURL.String() + "/" + strings.TrimLeft(endpoint, "/"), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
