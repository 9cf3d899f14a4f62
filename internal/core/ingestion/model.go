package ingestion

import (
	"context"
	"time"
)

// Status はドキュメント取り込みジョブの状態
type Status string

const (
	StatusUploading  Status = "uploading"
	StatusProcessing Status = "processing"
	StatusRetrying   Status = "retrying"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal はポーリングを停止すべき状態かどうかを返す
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ProgressPayload は進捗APIのレスポンス
type ProgressPayload struct {
	Status         Status `json:"status"`
	Processed      int    `json:"processed"`
	EmbeddedChunks int    `json:"embedded_chunks"`
	TotalChunks    int    `json:"total_chunks"`
	ErrorMessage   string `json:"error_message,omitempty"`
	FailedChunks   []int  `json:"failed_chunks,omitempty"`
}

// RetryResponse はリトライAPIのレスポンス
type RetryResponse struct {
	Status Status `json:"status"`
	// ProgressID が返された場合は以降そのIDで進捗を追跡する
	ProgressID string `json:"progress_id,omitempty"`
}

// Document は取り込み対象ドキュメントの完全な情報
type Document struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Status      Status    `json:"status"`
	ChunkCount  int       `json:"chunk_count"`
	TokenCount  int       `json:"token_count,omitempty"`
	ProgressID  string    `json:"progress_id,omitempty"`
	SourceURL   string    `json:"source_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// ChunkFailure は埋め込みに失敗したチャンク
type ChunkFailure struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// ErrorDetail は失敗したジョブのエラー詳細
type ErrorDetail struct {
	Message      string         `json:"message"`
	FailedChunks []ChunkFailure `json:"failed_chunks,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
}

// API は取り込みジョブ関連のバックエンド
type API interface {
	Progress(ctx context.Context, progressID string) (ProgressPayload, error)
	Retry(ctx context.Context, documentID string) (RetryResponse, error)
	Document(ctx context.Context, documentID string) (Document, error)
	ErrorDetail(ctx context.Context, documentID string) (ErrorDetail, error)
}

// Snapshot は進捗の1回分の観測
type Snapshot struct {
	Timestamp      time.Time
	ProcessedCount int
	EmbeddedCount  int
	TotalCount     int
}

// Progress は表示用の進捗状態
type Progress struct {
	DocumentID     string
	ProgressID     string
	Status         Status
	ProcessedCount int
	EmbeddedCount  int
	TotalCount     int
	FailedChunks   []int
	ErrorMessage   string

	ChunksPerSecond float64
	// EstimatedSecondsRemaining は処理速度が不明な場合nil
	EstimatedSecondsRemaining *float64

	RetryCount  int
	ErrorDetail *ErrorDetail
	// Document は終端状態で再取得したドキュメント
	Document *Document
	// ProgressErr は直近の進捗取得の失敗
	ProgressErr error
	// Polling はポーリングループが動作中かどうか
	Polling   bool
	UpdatedAt time.Time
}

// Percent は処理済みの割合（0-100）を返す
func (p Progress) Percent() float64 {
	if p.TotalCount <= 0 {
		return 0
	}
	pct := float64(p.ProcessedCount) / float64(p.TotalCount) * 100
	return min(pct, 100)
}
