package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持します
type Config struct {
	// バックエンドAPI設定
	API APIConfig

	// ジョブ・取り込みのポーリング設定
	Polling PollingConfig

	// リソースキャッシュ設定
	Resource ResourceConfig

	// ログ設定
	Log LogConfig
}

// APIConfig はアシスタントバックエンドへの接続設定
type APIConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// PollingConfig はポーリング間隔の設定
type PollingConfig struct {
	TaskInterval      time.Duration
	IngestionInterval time.Duration
}

// ResourceConfig はリソースキャッシュの再検証ポリシー
type ResourceConfig struct {
	DedupeInterval     time.Duration
	RefreshDebounce    time.Duration
	ErrorRetryCount    int
	ErrorRetryInterval time.Duration
}

// LogConfig はログ出力設定
type LogConfig struct {
	Level    slog.Level
	Format   string // "json" or "text"
	FilePath string // 空の場合はファイル出力しない
}

// Load は環境変数または.envファイルから設定を読み込みます
func Load(envFilePath string) (*Config, error) {
	// .envファイルが存在する場合は読み込む
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			// ファイルが存在しない場合はエラーとしない（環境変数のみで動作可能）
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	level, err := parseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		API: APIConfig{
			BaseURL: getEnv("ASSISTANT_API_BASE_URL", ""),
			Token:   getEnv("ASSISTANT_API_TOKEN", ""),
			Timeout: getEnvAsDuration("ASSISTANT_API_TIMEOUT", 30*time.Second),
		},
		Polling: PollingConfig{
			TaskInterval:      getEnvAsDuration("TASK_POLL_INTERVAL", time.Second),
			IngestionInterval: getEnvAsDuration("INGESTION_POLL_INTERVAL", 3*time.Second),
		},
		Resource: ResourceConfig{
			DedupeInterval:     getEnvAsDuration("RESOURCE_DEDUPE_INTERVAL", 3*time.Second),
			RefreshDebounce:    getEnvAsDuration("RESOURCE_REFRESH_DEBOUNCE", 3*time.Second),
			ErrorRetryCount:    getEnvAsInt("RESOURCE_ERROR_RETRY_COUNT", 3),
			ErrorRetryInterval: getEnvAsDuration("RESOURCE_ERROR_RETRY_INTERVAL", 5*time.Second),
		},
		Log: LogConfig{
			Level:    level,
			Format:   getEnv("LOG_FORMAT", "text"),
			FilePath: getEnv("LOG_FILE", ""),
		},
	}

	return cfg, nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL %q: %w", s, err)
	}
	return level, nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt は環境変数を整数として取得します
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は環境変数を time.Duration として取得します（例: "500ms", "3s"）
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
