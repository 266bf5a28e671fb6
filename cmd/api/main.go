// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/vidshelf/internal/audit"
	"github.com/yourusername/vidshelf/internal/auth"
	"github.com/yourusername/vidshelf/internal/config"
	"github.com/yourusername/vidshelf/internal/jobs"
	"github.com/yourusername/vidshelf/internal/videos"
)

const (
	serviceName    = "vidshelf-api"
	serviceVersion = "0.1.0"

	shutdownTimeout = 30 * time.Second
)

func main() {
	app := &cli.App{
		Name:   "vidshelf",
		Usage:  "動画ダウンロードAPIサーバー",
		Action: serve,
		Commands: []*cli.Command{{
			Name:   "serve",
			Usage:  "APIサーバーを起動します",
			Action: serve,
		}, {
			Name:  "snapshot",
			Usage: "保存済みジョブのスナップショットを操作します",
			Subcommands: []*cli.Command{{
				Name:   "show",
				Usage:  "保存済みのジョブを表示します",
				Action: showSnapshot,
			}, {
				Name:  "prune",
				Usage: "古い終了済みジョブをスナップショットから削除します",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "older-than",
						Usage: "最終更新からこの時間が経過したジョブを削除します",
						Value: 24 * time.Hour,
					},
				},
				Action: pruneSnapshot,
			}},
		}},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("vidshelf: %v", err)
	}
}

func serve(c *cli.Context) error {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logger, logFile, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logFile.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := setupJobs(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to set up jobs: %w", err)
	}
	defer svc.Close()

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery(), audit.RequestLogger(logger))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	origins := strings.Split(cfg.CORSAllowedOrigins, ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}
	if len(origins) == 1 && origins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
	}
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-API-Key",
	}
	router.Use(cors.New(corsConfig))

	setupRoutes(router, cfg, svc.manager, logger)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting API server", "addr", server.Addr, "mode", cfg.GinMode, "max_concurrent_downloads", cfg.MaxConcurrentDownloads)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return svc.store.Run(gctx, cfg.PersistInterval, cfg.EvictionInterval, cfg.StatusExpiry)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down", "active_downloads", svc.manager.ActiveCount())

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		// 実行中ジョブを終端状態にしてから HTTP を止め、SSE 接続を閉じさせる
		if err := svc.manager.Shutdown(shutdownCtx); err != nil {
			logger.Warn("download shutdown incomplete", "error", err)
		}
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// healthHandler はヘルスチェックエンドポイントのハンドラーです。
func healthHandler(manager *jobs.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":          "ok",
			"service":         serviceName,
			"version":         serviceVersion,
			"timestamp":       time.Now().UTC(),
			"activeDownloads": manager.ActiveCount(),
		})
	}
}

// setupRoutes は "/" と "/api" の両方に同じルートを登録します。
func setupRoutes(router *gin.Engine, cfg *config.Config, manager *jobs.Manager, logger *slog.Logger) {
	authManager := auth.NewManager(cfg, logger)
	apiLimiter := auth.NewRateLimiter("api", cfg.RateLimitWindow, cfg.RateLimitMaxRequests, logger)
	downloadLimiter := auth.NewRateLimiter("downloads", cfg.RateLimitWindow, cfg.MaxDownloadsPerWindow, logger)

	quality := strings.ToLower(strings.TrimSpace(cfg.DefaultVideoQuality))
	contentType := jobs.ContentType(strings.ToLower(strings.TrimSpace(cfg.DefaultVideoType)))
	settings := videos.NewSettings(quality, contentType, cfg.MaxConcurrentDownloads)

	for _, prefix := range []string{"", "/api"} {
		group := router.Group(prefix)

		// 誰でも叩けるヘルスチェック
		group.GET("/health", healthHandler(manager))

		authRoutes := group.Group("/auth", apiLimiter.Middleware())
		{
			authRoutes.POST("/login", authManager.Login)
			authRoutes.POST("/validate", authManager.RequireAuth(), authManager.Validate)
		}

		protected := group.Group("", apiLimiter.Middleware(), authManager.RequireAuth())
		{
			protected.POST("/videos", downloadLimiter.Middleware(), videos.SubmitHandler(manager, settings, cfg.AllowedHosts))
			protected.GET("/videos", videos.ActiveHandler(manager))
			protected.GET("/videos/:id", videos.StatusHandler(manager))
			protected.GET("/videos/:id/events", videos.EventsHandler(manager))
			protected.GET("/settings", videos.GetSettingsHandler(settings))
			protected.PUT("/settings", videos.UpdateSettingsHandler(settings))
		}
	}
}

// loadSnapshot は serve と同じ設定でスナップショットを開きます。
func loadSnapshot() (jobs.Snapshotter, func() error, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	snap, closeSnap, err := newSnapshotter(cfg)
	if err != nil {
		return nil, nil, err
	}
	if closeSnap == nil {
		closeSnap = func() error { return nil }
	}
	return snap, closeSnap, nil
}

func showSnapshot(c *cli.Context) error {
	snap, closeSnap, err := loadSnapshot()
	if err != nil {
		return err
	}
	defer closeSnap()

	loaded, err := snap.Load(c.Context)
	if err != nil {
		return err
	}
	list := make([]jobs.Job, 0, len(loaded))
	for _, job := range loaded {
		list = append(list, job)
	}
	jobs.SortJobs(list)

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling jobs: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func pruneSnapshot(c *cli.Context) error {
	snap, closeSnap, err := loadSnapshot()
	if err != nil {
		return err
	}
	defer closeSnap()

	removed, err := jobs.PruneSnapshot(c.Context, snap, c.Duration("older-than"), time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("removed %d jobs\n", removed)
	return nil
}
