// Package videos はダウンロードAPIのHTTPハンドラーを提供します。
package videos

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/vidshelf/internal/jobs"
)

// Service はハンドラーが利用するジョブ操作です。
type Service interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (jobs.Job, error)
	Status(id string) (jobs.StatusView, error)
	ActiveJobs() []jobs.Job
	Subscribe(id string) (<-chan jobs.Job, func(), error)
}

type submitRequest struct {
	URL     string `json:"url"`
	Type    string `json:"type"`
	Quality string `json:"quality"`
}

// SubmitHandler は POST /videos のハンドラーを返します。
func SubmitHandler(svc Service, settings *Settings, allowedHosts []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req submitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "url, type, quality を JSON で送ってください",
			})
			return
		}

		if err := validateURL(req.URL, allowedHosts); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_URL",
				"message": err.Error(),
			})
			return
		}

		quality, contentType := settings.Defaults()
		if strings.TrimSpace(req.Type) != "" {
			contentType = jobs.ContentType(strings.ToLower(strings.TrimSpace(req.Type)))
		}
		if strings.TrimSpace(req.Quality) != "" {
			quality = strings.ToLower(strings.TrimSpace(req.Quality))
		}

		job, err := svc.Submit(c.Request.Context(), jobs.SubmitRequest{
			URL:     strings.TrimSpace(req.URL),
			Type:    contentType,
			Quality: quality,
		})
		if err != nil {
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"id":      job.ID,
			"status":  job.Status,
			"message": "ダウンロードを開始しました",
		})
	}
}

// StatusHandler は GET /videos/:id のハンドラーを返します。
func StatusHandler(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.Param("id"))
		if id == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "id を指定してください",
			})
			return
		}

		view, err := svc.Status(id)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

// ActiveHandler は GET /videos のハンドラーを返します。実行中のジョブのみを返します。
func ActiveHandler(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		active := svc.ActiveJobs()
		c.JSON(http.StatusOK, gin.H{
			"downloads": active,
			"count":     len(active),
		})
	}
}

// EventsHandler は GET /videos/:id/events のハンドラーを返します。
// ジョブの更新を Server-Sent Events で送信し、終端状態になった時点で終了します。
func EventsHandler(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		updates, cancel, err := svc.Subscribe(c.Param("id"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		defer cancel()

		c.Header("Cache-Control", "no-store")
		c.Header("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)
		ctx := c.Request.Context()
		for {
			select {
			case job, ok := <-updates:
				if !ok {
					return
				}
				c.SSEvent("status", job)
				c.Writer.Flush()
				if job.Status.Terminal() {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}

func validateURL(raw string, allowedHosts []string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("url を指定してください")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("url の形式が正しくありません: %s", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("http または https の url を指定してください: %s", raw)
	}
	if len(allowedHosts) == 0 {
		return nil
	}
	host := strings.ToLower(u.Hostname())
	for _, allowed := range allowedHosts {
		if host == strings.ToLower(strings.TrimSpace(allowed)) {
			return nil
		}
	}
	return fmt.Errorf("許可されていないホストです: %s", host)
}

func respondWithError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, jobs.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": err.Error(),
		})
	case errors.Is(err, jobs.ErrTooManyDownloads):
		c.JSON(http.StatusTooManyRequests, gin.H{
			"code":    "TOO_MANY_DOWNLOADS",
			"message": "同時ダウンロード数の上限に達しています。完了までお待ちください",
		})
	case errors.Is(err, jobs.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "JOB_NOT_FOUND",
			"message": "指定されたジョブは存在しません",
		})
	case errors.Is(err, jobs.ErrShuttingDown):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    "SHUTTING_DOWN",
			"message": "サーバーを停止しています",
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました",
		})
	}
}
