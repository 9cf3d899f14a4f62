package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// Config はロガーの設定
type Config struct {
	Level  slog.Level
	Format string // "json" or "text"
	// FilePath が指定された場合、同じログをJSON形式でファイルにも書き出す
	FilePath string
	// Output は端末向けの出力先。nilの場合は標準エラー出力
	Output io.Writer
}

// DefaultConfig はデフォルトのロガー設定
func DefaultConfig() Config {
	return Config{
		Level:  slog.LevelInfo,
		Format: "text",
	}
}

// New は新しいロガーを作成し、デフォルトロガーとして設定します。
// 返される close 関数でログファイルを閉じます
func New(cfg Config) (*slog.Logger, func() error, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.Level,
	}

	out := cfg.Output
	if out == nil {
		// 標準出力はコマンドの結果表示に使う
		out = os.Stderr
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default: // "json"
		handler = slog.NewJSONHandler(out, opts)
	}

	closeFn := func() error { return nil }
	if cfg.FilePath != "" {
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		handler = slogmulti.Fanout(handler, slog.NewJSONHandler(f, opts))
		closeFn = f.Close
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger, closeFn, nil
}
