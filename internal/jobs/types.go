// Package jobs はダウンロードジョブの状態管理・同時実行制御・実行を担います。
package jobs

import (
	"errors"
	"strings"
	"time"

	"github.com/yourusername/vidshelf/internal/ytdlp"
)

// Status はダウンロードジョブの実行状態を表します。
type Status string

const (
	StatusPending     Status = "pending"
	StatusStarting    Status = "starting"
	StatusDownloading Status = "downloading"
	StatusMoving      Status = "moving"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Terminal は completed / failed のいずれかであれば true を返します。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ContentType は保存先ライブラリの種別です。
type ContentType string

const (
	ContentMovie ContentType = "movie"
	ContentShow  ContentType = "show"
	ContentMusic ContentType = "music"
)

// Valid は既知の種別かどうかを返します。
func (t ContentType) Valid() bool {
	switch t {
	case ContentMovie, ContentShow, ContentMusic:
		return true
	}
	return false
}

// Job は1件のダウンロード要求の現在状態です。
type Job struct {
	ID          string      `json:"id"`
	Status      Status      `json:"status"`
	Progress    float64     `json:"progress"`
	Error       string      `json:"error,omitempty"`
	SourceURL   string      `json:"sourceUrl"`
	ContentType ContentType `json:"contentType"`
	Quality     string      `json:"quality,omitempty"`
	Title       string      `json:"title,omitempty"`
	LibraryPath string      `json:"libraryPath,omitempty"`
	RetryCount  int         `json:"retryCount"`
	CreatedAt   time.Time   `json:"createdAt"`
	LastUpdated time.Time   `json:"lastUpdated"`
}

var (
	// ErrJobNotFound は存在しないジョブIDが指定された場合に返されます。
	ErrJobNotFound = errors.New("job not found")
	// ErrTooManyDownloads は同時実行数の上限に達している場合に返されます。
	ErrTooManyDownloads = errors.New("too many concurrent downloads")
	// ErrInvalidTransition は許可されていない状態遷移を表します。
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInvalidRequest は投入パラメータが不正な場合に返されます。
	ErrInvalidRequest = errors.New("invalid download request")
)

var allowedTransitions = map[Status][]Status{
	StatusPending:     {StatusStarting, StatusFailed},
	StatusStarting:    {StatusDownloading, StatusFailed, StatusStarting},
	StatusDownloading: {StatusMoving, StatusFailed, StatusStarting},
	StatusMoving:      {StatusCompleted, StatusFailed, StatusStarting},
}

// CanTransition は from から to への遷移が許可されているかを返します。
// 終端状態からはどこへも遷移できません。非終端状態の同一状態更新は許可します。
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if from == to {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsRetryable はエラーがネットワーク由来で再試行対象かどうかを判定します。
// yt-dlp の異常終了は最終行だけでなく stderr の末尾全体で判定します。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var exitErr *ytdlp.ExitError
	if errors.As(err, &exitErr) && isRetryableMessage(exitErr.Stderr) {
		return true
	}
	return isRetryableMessage(err.Error())
}

func isRetryableMessage(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "network")
}
