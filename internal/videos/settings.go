package videos

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/vidshelf/internal/jobs"
	"github.com/yourusername/vidshelf/internal/ytdlp"
)

// Settings はリクエストで省略された画質・種別の既定値を保持します。
type Settings struct {
	mu            sync.RWMutex
	quality       string
	contentType   jobs.ContentType
	maxConcurrent int
}

// NewSettings は Settings を作成します。不正な値は組み込みの既定値に置き換えます。
func NewSettings(quality string, contentType jobs.ContentType, maxConcurrent int) *Settings {
	if !ytdlp.ValidQuality(quality) {
		quality = ytdlp.DefaultQuality
	}
	if !contentType.Valid() {
		contentType = jobs.ContentMovie
	}
	return &Settings{
		quality:       quality,
		contentType:   contentType,
		maxConcurrent: maxConcurrent,
	}
}

// Defaults は現在の既定の画質と種別を返します。
func (s *Settings) Defaults() (string, jobs.ContentType) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quality, s.contentType
}

// Update は既定値を更新します。nil の項目は変更しません。
func (s *Settings) Update(quality, contentType *string) error {
	var (
		q  string
		ct jobs.ContentType
	)
	if quality != nil {
		q = strings.ToLower(strings.TrimSpace(*quality))
		if !ytdlp.ValidQuality(q) {
			return fmt.Errorf("%w: unsupported quality %q", jobs.ErrInvalidRequest, *quality)
		}
	}
	if contentType != nil {
		ct = jobs.ContentType(strings.ToLower(strings.TrimSpace(*contentType)))
		if !ct.Valid() {
			return fmt.Errorf("%w: unsupported type %q", jobs.ErrInvalidRequest, *contentType)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if quality != nil {
		s.quality = q
	}
	if contentType != nil {
		s.contentType = ct
	}
	return nil
}

func (s *Settings) payload() gin.H {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return gin.H{
		"defaultQuality":         s.quality,
		"defaultType":            s.contentType,
		"maxConcurrentDownloads": s.maxConcurrent,
	}
}

type settingsRequest struct {
	DefaultQuality *string `json:"defaultQuality"`
	DefaultType    *string `json:"defaultType"`
}

// GetSettingsHandler は GET /settings のハンドラーを返します。
func GetSettingsHandler(s *Settings) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, s.payload())
	}
}

// UpdateSettingsHandler は PUT /settings のハンドラーを返します。
func UpdateSettingsHandler(s *Settings) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req settingsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "defaultQuality, defaultType を JSON で送ってください",
			})
			return
		}
		if err := s.Update(req.DefaultQuality, req.DefaultType); err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, s.payload())
	}
}
