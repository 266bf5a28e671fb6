package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/yourusername/vidshelf/internal/config"
)

const logFilename = "video-service.log"

// newLogger は標準出力と LOG_DIR 配下のファイルへ JSON で出力するロガーを作成します。
func newLogger(cfg *config.Config) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(cfg.LogLevel))); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling log level `%s`: %w", cfg.LogLevel, err)
	}

	path := filepath.Join(cfg.LogDir, logFilename)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, cfg.FilePermissionMode.Perm())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	handler := slog.NewJSONHandler(io.MultiWriter(os.Stdout, file), &slog.HandlerOptions{Level: level})
	return slog.New(handler).With("service", serviceName), file, nil
}
