// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)
	LogMode string // ロガーのモード (dev, prod)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// 認証設定
	AppUsername     string // オペレーター用ログインユーザー名
	AppPasswordHash string // bcryptでハッシュ化されたパスワード
	AppUserTier     int    // オペレーターのサービスティア
	SessionSecret   string // セッション署名用の秘密鍵
	JWTSecret       string // Bearer トークン署名用の秘密鍵
	JWTTTL          time.Duration

	// ジョブストア設定
	JobStoreBackend  string // redis / postgres / sqlite / memory
	RedisURL         string // ジョブストア・キュー共通のRedis接続URL
	DatabaseURL      string // PostgreSQL DSN
	SQLitePath       string // SQLite ファイルパス
	JobExpireMinutes int    // Redis上のジョブ保持期間（分、0は無期限）

	// キュー/ワーカー設定
	QueueBackend            string // redis / asynq / memory
	InlineWorkers           bool   // APIプロセス内でワーカーを起動するか
	WorkerConcurrency       int
	PollInterval            time.Duration
	PollMaxInterval         time.Duration
	StageTimeout            time.Duration
	StreamInterval          time.Duration
	AllowAnonymous          bool // 匿名での生成リクエストを許可するか
	HighPriorityMinimumTier int  // high レーンに振り分ける最小ティア

	// 生成プロバイダ設定
	GenerationProvider string // http / stub
	GenerationAPIURL   string
	GenerationAPIKey   string

	// ストレージ設定
	StorageBackend       string // local / minio
	StorageLocalDir      string
	StoragePublicBaseURL string
	MinioEndpoint        string
	MinioAccessKey       string
	MinioSecretKey       string
	MinioBucket          string
	MinioUseSSL          bool
	MinioRegion          string

	// 監査ログ設定
	AuditBackend string // gorm / log

	// トレーシング設定
	ServiceName     string
	Version         string
	OTelEnabled     bool
	OTelEndpoint    string // 空の場合は標準出力へエクスポート
	OTelInsecure    bool
	OTelSampleRatio float64
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),
		LogMode: getEnv("LOG_MODE", "dev"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		AppUserTier:     getEnvAsInt("APP_USER_TIER", 2),
		SessionSecret:   getEnv("SESSION_SECRET", ""),
		JWTSecret:       getEnv("JWT_SECRET", ""),
		JWTTTL:          time.Duration(getEnvAsInt("JWT_TTL_MINUTES", 60)) * time.Minute,

		JobStoreBackend:  strings.ToLower(getEnv("JOB_STORE_BACKEND", "redis")),
		RedisURL:         getEnv("REDIS_URL", "redis://127.0.0.1:6379/0"),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		SQLitePath:       getEnv("SQLITE_PATH", "asset-forge.db"),
		JobExpireMinutes: getEnvAsInt("JOB_EXPIRE_MINUTES", 0),

		QueueBackend:            strings.ToLower(getEnv("QUEUE_BACKEND", "redis")),
		InlineWorkers:           getEnvAsBool("PIPELINE_INLINE_WORKERS", true),
		WorkerConcurrency:       getEnvAsInt("PIPELINE_WORKER_CONCURRENCY", 4),
		PollInterval:            getEnvAsDuration("PIPELINE_POLL_INTERVAL", 500*time.Millisecond),
		PollMaxInterval:         getEnvAsDuration("PIPELINE_POLL_MAX_INTERVAL", 5*time.Second),
		StageTimeout:            getEnvAsDuration("PIPELINE_STAGE_TIMEOUT", 10*time.Minute),
		StreamInterval:          getEnvAsDuration("PIPELINE_STREAM_INTERVAL", 2*time.Second),
		AllowAnonymous:          getEnvAsBool("PIPELINE_ALLOW_ANONYMOUS", false),
		HighPriorityMinimumTier: getEnvAsInt("PIPELINE_HIGH_PRIORITY_MIN_TIER", 1),

		GenerationProvider: strings.ToLower(getEnv("GENERATION_PROVIDER", "stub")),
		GenerationAPIURL:   getEnv("GENERATION_API_URL", ""),
		GenerationAPIKey:   getEnv("GENERATION_API_KEY", ""),

		StorageBackend:       strings.ToLower(getEnv("STORAGE_BACKEND", "local")),
		StorageLocalDir:      getEnv("STORAGE_LOCAL_DIR", filepath.Join(os.TempDir(), "asset-forge")),
		StoragePublicBaseURL: getEnv("STORAGE_PUBLIC_BASE_URL", "http://localhost:8080/assets"),
		MinioEndpoint:        getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinioAccessKey:       getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey:       getEnv("MINIO_SECRET_KEY", ""),
		MinioBucket:          getEnv("MINIO_BUCKET", "assets"),
		MinioUseSSL:          getEnvAsBool("MINIO_USE_SSL", false),
		MinioRegion:          getEnv("MINIO_REGION", ""),

		AuditBackend: strings.ToLower(getEnv("AUDIT_BACKEND", "log")),

		ServiceName: getEnv("SERVICE_NAME", "asset-forge-api"),
		Version:     getEnv("SERVICE_VERSION", "0.1.0"),

		OTelEnabled:     getEnvAsBool("OTEL_ENABLED", false),
		OTelEndpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTelInsecure:    getEnvAsBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		OTelSampleRatio: getEnvAsFloat("OTEL_SAMPLER_RATIO", 0.1),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	switch c.JobStoreBackend {
	case "redis", "memory", "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when JOB_STORE_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("unsupported JOB_STORE_BACKEND: %s", c.JobStoreBackend)
	}

	switch c.QueueBackend {
	case "redis", "asynq", "memory":
	default:
		return fmt.Errorf("unsupported QUEUE_BACKEND: %s", c.QueueBackend)
	}
	if c.QueueBackend == "memory" && !c.InlineWorkers {
		return fmt.Errorf("QUEUE_BACKEND=memory requires PIPELINE_INLINE_WORKERS=true")
	}

	switch c.GenerationProvider {
	case "stub":
	case "http":
		if c.GenerationAPIURL == "" {
			return fmt.Errorf("GENERATION_API_URL is required when GENERATION_PROVIDER=http")
		}
	default:
		return fmt.Errorf("unsupported GENERATION_PROVIDER: %s", c.GenerationProvider)
	}

	switch c.StorageBackend {
	case "local", "minio":
	default:
		return fmt.Errorf("unsupported STORAGE_BACKEND: %s", c.StorageBackend)
	}

	switch c.AuditBackend {
	case "log", "gorm":
	default:
		return fmt.Errorf("unsupported AUDIT_BACKEND: %s", c.AuditBackend)
	}

	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("PIPELINE_WORKER_CONCURRENCY must be positive")
	}
	if c.StreamInterval <= 0 {
		return fmt.Errorf("PIPELINE_STREAM_INTERVAL must be positive")
	}

	// ローカル開発では認証設定は任意
	if c.GinMode == "release" {
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required in release mode")
		}
		if c.JobStoreBackend == "memory" || c.QueueBackend == "memory" {
			return fmt.Errorf("memory backends are not allowed in release mode")
		}
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
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

// getEnvAsBool は環境変数を真偽値として取得します。
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := strings.TrimSpace(os.Getenv(key))
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は環境変数を time.Duration として取得します（例: "2s", "500ms"）。
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := strings.TrimSpace(os.Getenv(key))
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil || value <= 0 {
		return defaultValue
	}
	return value
}

// getEnvAsFloat は環境変数を0〜1の範囲の小数として取得します。
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := strings.TrimSpace(os.Getenv(key))
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}
