// Package audit はファイル操作とHTTPリクエストの監査ログを出力します。
package audit

import (
	"log/slog"
	"os"
	"time"

	"github.com/gin-gonic/gin"
)

// 監査対象のファイル操作
const (
	OpCreateDirectory = "create_directory"
	OpMoveFile        = "move_file"
	OpVerifyVideo     = "verify_video"
	OpDeleteTemp      = "delete_temp"
)

// Logger はファイル操作の監査ログを出力します。無効時は何もしません。
type Logger struct {
	enabled bool
	logger  *slog.Logger
}

// New は Logger を作成します。
func New(enabled bool, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{enabled: enabled, logger: logger.With("component", "audit")}
}

// Enabled は監査ログが有効かどうかを返します。
func (l *Logger) Enabled() bool {
	return l != nil && l.enabled
}

// FileAccess は操作結果を記録します。成功時はファイル情報も含めます。
func (l *Logger) FileAccess(op, path string, opErr error) {
	if !l.Enabled() {
		return
	}
	if opErr != nil {
		l.logger.Warn("file_access", "operation", op, "path", path, "success", false, "error", opErr.Error())
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		l.logger.Error("file_access", "operation", op, "path", path, "success", false, "error", err.Error())
		return
	}
	l.logger.Info("file_access",
		"operation", op,
		"path", path,
		"success", true,
		slog.Group("fileInfo",
			"size", info.Size(),
			"modified", info.ModTime().UTC(),
			"permissions", info.Mode().String(),
		),
	)
}

// RequestLogger はリクエスト完了時にメソッド・パス・ステータス・所要時間を記録するミドルウェアです。
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		user, _ := c.Get(ContextPrincipalKey)
		if user == nil {
			user = "anonymous"
		}
		logger.Info("request",
			"method", c.Request.Method,
			"url", c.Request.URL.RequestURI(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"ip", c.ClientIP(),
			"user", user,
		)
	}
}

// ContextPrincipalKey は認証済み主体を gin.Context に格納するキーです。
const ContextPrincipalKey = "auth.principal"
