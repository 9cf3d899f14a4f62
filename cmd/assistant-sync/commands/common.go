package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jinford/assistant-sync/internal/platform/config"
	"github.com/jinford/assistant-sync/internal/platform/container"
	"github.com/jinford/assistant-sync/internal/platform/logger"
)

// AppContext はコマンド実行に必要な共通コンテキストを保持する
type AppContext struct {
	Config    *config.Config
	Container *container.Container

	closeLog func() error
}

// NewAppContext は設定ファイルを読み込み、ロガーとAPIクライアントを初期化して AppContext を作成する
func NewAppContext(_ context.Context, envFile string) (*AppContext, error) {
	// 設定の読み込み（platform層を使用）
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, fmt.Errorf("設定の読み込みに失敗: %w", err)
	}

	// ロガーの初期化（platform層を使用）
	appLogger, closeLog, err := logger.New(logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		FilePath: cfg.Log.FilePath,
	})
	if err != nil {
		return nil, fmt.Errorf("ロガーの初期化に失敗: %w", err)
	}

	// コンテナの初期化（platform層を使用）
	cont, err := container.New(appLogger, cfg)
	if err != nil {
		_ = closeLog()
		return nil, fmt.Errorf("コンテナの初期化に失敗: %w", err)
	}

	return &AppContext{
		Config:    cfg,
		Container: cont,
		closeLog:  closeLog,
	}, nil
}

// Close はAppContextが保持するリソースをクリーンアップする
func (ac *AppContext) Close() {
	if ac.closeLog != nil {
		if err := ac.closeLog(); err != nil {
			slog.Warn("ログファイルのクローズに失敗", "error", err)
		}
	}
}

// Logger はAppContextのロガーを返す
func (ac *AppContext) Logger() *slog.Logger {
	if ac.Container != nil {
		return ac.Container.Logger
	}
	return slog.Default()
}
