package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/vidshelf/internal/audit"
	"github.com/yourusername/vidshelf/internal/config"
	"github.com/yourusername/vidshelf/internal/jobs"
	"github.com/yourusername/vidshelf/internal/library"
	"github.com/yourusername/vidshelf/internal/storage"
	"github.com/yourusername/vidshelf/internal/ytdlp"
)

// downloadService はジョブ実行に必要な部品をまとめたものです。
type downloadService struct {
	store   *jobs.MemoryStore
	manager *jobs.Manager
	close   func() error
}

// Close はスナップショットの接続を閉じます。
func (s *downloadService) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// newSnapshotter は SNAPSHOT_BACKEND に応じた保存先を返します。
func newSnapshotter(cfg *config.Config) (jobs.Snapshotter, func() error, error) {
	switch cfg.SnapshotBackend {
	case "redis":
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opt)
		return jobs.NewRedisSnapshotter(client, cfg.SnapshotKey), client.Close, nil
	default:
		path := filepath.Join(cfg.DataDir, jobs.SnapshotFilename)
		return jobs.NewFileSnapshotter(path, cfg.FilePermissionMode.Perm()), nil, nil
	}
}

func setupJobs(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*downloadService, error) {
	snap, closeSnap, err := newSnapshotter(cfg)
	if err != nil {
		return nil, err
	}

	store := jobs.NewMemoryStore(snap, logger)
	restored := store.Load(ctx)
	logger.Info("job snapshot loaded", "backend", cfg.SnapshotBackend, "jobs", restored)

	auditLog := audit.New(cfg.AuditLogEnabled, logger)
	relocator := library.NewRelocator(library.Options{
		Roots: map[library.Category]string{
			library.CategoryMovie: cfg.MoviesDir,
			library.CategoryShow:  cfg.ShowsDir,
			library.CategoryMusic: cfg.MusicDir,
		},
		AllowedExtensions: cfg.AllowedVideoFormats,
		MaxFileSize:       cfg.MaxFileSizeBytes(),
		MaxTitleLength:    cfg.MaxTitleLength,
		DirMode:           cfg.DirPermissionMode.Perm(),
		FileMode:          cfg.FilePermissionMode.Perm(),
	}, library.NewFFProbe(cfg.FFProbePath), auditLog, logger)

	manager, err := jobs.NewManager(
		store,
		jobs.NewAdmission(cfg.MaxConcurrentDownloads),
		ytdlp.NewClient(cfg.YTDLPPath, ytdlp.PercentParser{}, logger),
		relocator,
		storage.NewLocal(cfg.DownloadDir, cfg.DirPermissionMode.Perm(), auditLog),
		jobs.Options{
			MaxRetries:  cfg.MaxRetries,
			RetryDelay:  cfg.RetryDelay,
			MaxFileSize: cfg.MaxFileSizeBytes(),
		},
		logger,
	)
	if err != nil {
		if closeSnap != nil {
			_ = closeSnap()
		}
		return nil, err
	}

	return &downloadService{store: store, manager: manager, close: closeSnap}, nil
}
