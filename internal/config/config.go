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
	"github.com/kelseyhightower/envconfig"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string `envconfig:"PORT" default:"3001"`
	GinMode string `envconfig:"GIN_MODE" default:"debug"`

	// CORS設定（カンマ区切り）
	CORSAllowedOrigins string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`

	// 認証設定
	APIKey          string        `envconfig:"API_KEY"`
	APIKeyHash      string        `envconfig:"API_KEY_HASH"` // bcryptでハッシュ化されたAPIキー
	AppUsername     string        `envconfig:"APP_USERNAME"`
	AppPasswordHash string        `envconfig:"APP_PASSWORD_HASH"`
	JWTSecret       string        `envconfig:"JWT_SECRET"`
	JWTTTL          time.Duration `envconfig:"JWT_TTL" default:"24h"`

	// レート制限
	RateLimitWindow       time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"15m"`
	RateLimitMaxRequests  int           `envconfig:"RATE_LIMIT_MAX_REQUESTS" default:"100"`
	MaxDownloadsPerWindow int           `envconfig:"MAX_DOWNLOADS_PER_WINDOW" default:"10"`
	AllowedHosts          []string      `envconfig:"ALLOWED_HOSTS" default:"youtube.com,www.youtube.com,m.youtube.com,youtu.be"`

	// ディレクトリ設定（空の場合はカレントディレクトリ配下を使用）
	DownloadDir  string `envconfig:"DOWNLOAD_DIR"`
	CompletedDir string `envconfig:"COMPLETED_DIR"`
	MoviesDir    string `envconfig:"MOVIES_DIR"`
	ShowsDir     string `envconfig:"SHOWS_DIR"`
	MusicDir     string `envconfig:"MUSIC_DIR"`
	DataDir      string `envconfig:"DATA_DIR"`
	LogDir       string `envconfig:"LOG_DIR"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`

	// ダウンロード制限
	MaxConcurrentDownloads int      `envconfig:"MAX_CONCURRENT_DOWNLOADS" default:"2"`
	MaxFileSizeGB          int64    `envconfig:"MAX_FILE_SIZE_GB" default:"10"`
	MaxTitleLength         int      `envconfig:"MAX_TITLE_LENGTH" default:"200"`
	AllowedVideoFormats    []string `envconfig:"ALLOWED_VIDEO_FORMATS" default:"mp4,mkv"`

	// ジョブ設定
	MaxRetries       int           `envconfig:"MAX_RETRIES" default:"3"`
	RetryDelay       time.Duration `envconfig:"RETRY_DELAY" default:"5s"`
	StatusExpiry     time.Duration `envconfig:"STATUS_EXPIRY" default:"24h"`
	PersistInterval  time.Duration `envconfig:"PERSIST_INTERVAL" default:"60s"`
	EvictionInterval time.Duration `envconfig:"EVICTION_INTERVAL" default:"1h"`

	// ファイル権限（8進数表記）
	DirPermissionMode  FileMode `envconfig:"DIR_PERMISSION_MODE" default:"0755"`
	FilePermissionMode FileMode `envconfig:"FILE_PERMISSION_MODE" default:"0644"`
	AuditLogEnabled    bool     `envconfig:"AUDIT_LOG_ENABLED" default:"false"`

	// 外部ツール
	YTDLPPath   string `envconfig:"YTDLP_PATH" default:"yt-dlp"`
	FFProbePath string `envconfig:"FFPROBE_PATH" default:"ffprobe"`

	// 既定値（PUT /settings で実行中に変更可能）
	DefaultVideoQuality string `envconfig:"DEFAULT_VIDEO_QUALITY" default:"1080p"`
	DefaultVideoType    string `envconfig:"DEFAULT_VIDEO_TYPE" default:"movie"`

	// ジョブスナップショットの保存先 (file, redis)
	SnapshotBackend string `envconfig:"SNAPSHOT_BACKEND" default:"file"`
	RedisURL        string `envconfig:"REDIS_URL" default:"redis://127.0.0.1:6379/0"`
	SnapshotKey     string `envconfig:"SNAPSHOT_KEY" default:"vidshelf:downloads"`
}

// FileMode は "0755" のような8進数表記を受け付けるパーミッションです。
type FileMode os.FileMode

// Decode は envconfig.Decoder を実装します。
func (m *FileMode) Decode(value string) error {
	v, err := strconv.ParseUint(strings.TrimSpace(value), 8, 32)
	if err != nil {
		return fmt.Errorf("invalid permission mode %q: %w", value, err)
	}
	*m = FileMode(v)
	return nil
}

// Perm は os.FileMode に変換して返します。
func (m FileMode) Perm() os.FileMode {
	return os.FileMode(m).Perm()
}

// Load は環境変数から設定を読み込みます。
// .env.local / .env ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", err)
	}
	if err := cfg.resolveDirs(); err != nil {
		return nil, err
	}

	// 必須設定のバリデーション
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}
	if err := godotenv.Load(".env"); err == nil {
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

// resolveDirs は未指定のディレクトリをカレントディレクトリ基準で補完し、絶対パスに揃えます。
func (c *Config) resolveDirs() error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolving working directory: %w", err)
	}
	orDefault := func(v, def string) string {
		if strings.TrimSpace(v) == "" {
			return def
		}
		return v
	}

	c.DownloadDir = orDefault(c.DownloadDir, filepath.Join(cwd, "downloads"))
	c.CompletedDir = orDefault(c.CompletedDir, filepath.Join(cwd, "media"))
	c.MoviesDir = orDefault(c.MoviesDir, filepath.Join(c.CompletedDir, "movies"))
	c.ShowsDir = orDefault(c.ShowsDir, filepath.Join(c.CompletedDir, "shows"))
	c.MusicDir = orDefault(c.MusicDir, filepath.Join(c.CompletedDir, "music"))
	c.DataDir = orDefault(c.DataDir, filepath.Join(cwd, "data"))
	c.LogDir = orDefault(c.LogDir, filepath.Join(cwd, "logs"))

	for _, p := range []*string{&c.DownloadDir, &c.CompletedDir, &c.MoviesDir, &c.ShowsDir, &c.MusicDir, &c.DataDir, &c.LogDir} {
		abs, err := filepath.Abs(*p)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", *p, err)
		}
		*p = abs
	}
	return nil
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.MaxConcurrentDownloads < 1 {
		return fmt.Errorf("MAX_CONCURRENT_DOWNLOADS must be at least 1")
	}
	if c.MaxFileSizeGB < 1 {
		return fmt.Errorf("MAX_FILE_SIZE_GB must be at least 1")
	}
	if c.MaxTitleLength < 1 {
		return fmt.Errorf("MAX_TITLE_LENGTH must be at least 1")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative")
	}
	if len(c.AllowedVideoFormats) == 0 {
		return fmt.Errorf("ALLOWED_VIDEO_FORMATS must not be empty")
	}
	switch c.SnapshotBackend {
	case "file", "redis":
	default:
		return fmt.Errorf("SNAPSHOT_BACKEND must be file or redis (received: %s)", c.SnapshotBackend)
	}

	// 本番環境では認証情報を必須とする
	if c.GinMode == "release" {
		if c.APIKey == "" && c.APIKeyHash == "" {
			return fmt.Errorf("API_KEY or API_KEY_HASH is required in release mode")
		}
		if c.AppUsername != "" && c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required when APP_USERNAME is set in release mode")
		}
	}

	return nil
}

// MaxFileSizeBytes は MAX_FILE_SIZE_GB をバイト数で返します。
func (c *Config) MaxFileSizeBytes() int64 {
	return c.MaxFileSizeGB * 1024 * 1024 * 1024
}

// LoginEnabled はユーザー名/パスワードによるログインが設定済みかを返します。
func (c *Config) LoginEnabled() bool {
	return c.AppUsername != "" && c.AppPasswordHash != "" && c.JWTSecret != ""
}

// EnsureDirectories はサービスが利用するディレクトリを作成します。
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.DownloadDir, c.CompletedDir, c.MoviesDir, c.ShowsDir, c.MusicDir, c.DataDir, c.LogDir} {
		if err := os.MkdirAll(dir, c.DirPermissionMode.Perm()); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
