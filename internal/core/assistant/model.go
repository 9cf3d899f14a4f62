package assistant

import "time"

// Memory はアシスタントの記憶1件
type Memory struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Kind       string    `json:"kind,omitempty"`
	Importance float64   `json:"importance,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Reflection はアシスタントが生成した振り返り
type Reflection struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}

// TrustProfile はアシスタントの信頼度プロファイル
type TrustProfile struct {
	Score     float64   `json:"score"`
	Level     string    `json:"level"`
	Signals   []string  `json:"signals,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Diagnostics はアシスタントの診断情報
type Diagnostics struct {
	Healthy  bool              `json:"healthy"`
	Issues   []string          `json:"issues,omitempty"`
	Counters map[string]int    `json:"counters,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// Details は1アシスタント分の依存リソースを集約した表示用の状態
type Details struct {
	AssistantID   string
	Memories      []Memory
	TotalMemories int
	Reflections   []Reflection
	TrustProfile  *TrustProfile
	Diagnostics   *Diagnostics

	MemoriesErr    error
	ReflectionsErr error
	ProfileErr     error
	DiagnosticsErr error

	// Paused はレート制限などで自動更新を止めるべき状態
	Paused bool
	// PauseErr は一時停止の原因となったエラー
	PauseErr error
	// Loading は空のビューに対して初回フェッチ中の場合のみtrue
	Loading bool
}

// Err は最初に見つかったエラーを返す
func (d Details) Err() error {
	for _, err := range []error{d.MemoriesErr, d.ReflectionsErr, d.ProfileErr, d.DiagnosticsErr} {
		if err != nil {
			return err
		}
	}
	return nil
}
