package task

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status はバックエンドジョブの状態
type Status string

const (
	StatusNotStarted Status = "not-started"
	StatusRunning    Status = "running"
	StatusQueued     Status = "queued"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
)

// IsActive はポーリングを継続すべき状態かどうかを返す
func (s Status) IsActive() bool {
	return s == StatusRunning || s == StatusQueued
}

var (
	// ErrSuperseded は後続のTriggerによってポーリングが打ち切られたことを示す
	ErrSuperseded = errors.New("task superseded by a newer trigger")

	// ErrClosed はControllerがCloseされた後の呼び出しで返る
	ErrClosed = errors.New("task controller closed")
)

// Response はジョブ起動・ステータス取得APIのレスポンス
type Response struct {
	Status Status `json:"status"`
	TaskID string `json:"task_id,omitempty"`
	// Raw はレスポンスボディ全体（呼び出し元が追加フィールドを読むため）
	Raw json.RawMessage `json:"-"`
}

// Task は1回のジョブ起動を表す
type Task struct {
	Endpoint    string
	TaskID      string
	Status      Status
	LastUpdated time.Time
}

// API はジョブ起動・ステータス取得を行うバックエンド
type API interface {
	Trigger(ctx context.Context, endpoint string, payload any) (Response, error)
	Status(ctx context.Context, taskID string) (Response, error)
}

// Phase はControllerの状態
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRunning
	PhaseComplete
	PhaseFailed
	PhasePaused
)

func (p Phase) String() string {
	switch p {
	case PhaseRunning:
		return "running"
	case PhaseComplete:
		return "complete"
	case PhaseFailed:
		return "failed"
	case PhasePaused:
		return "paused"
	default:
		return "idle"
	}
}

// State はControllerの観測可能な状態。
// Phaseが唯一の状態を持ち、各フラグはそこから導出される。
type State struct {
	Phase Phase
	// Result は最後に観測したレスポンス（Complete時）
	Result Response
	// Err はジョブ起動リクエストの失敗（Failed/Paused時）
	Err error
	// PollErr はステータス取得の失敗。ジョブは合成された error 状態で完了する
	PollErr     error
	LastUpdated time.Time
	hasRun      bool
}

func (s State) IsRunning() bool { return s.Phase == PhaseRunning }

// HasRun は一度でもジョブが終端状態に到達したかどうかを返す
func (s State) HasRun() bool { return s.hasRun }

func (s State) IsError() bool { return s.Phase == PhaseFailed || s.Phase == PhasePaused }

// IsPaused はレート制限により以降の起動を控えるべき状態かを返す
func (s State) IsPaused() bool { return s.Phase == PhasePaused }
