package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/yourusername/vidshelf/internal/library"
	"github.com/yourusername/vidshelf/internal/ytdlp"
)

// ErrShuttingDown は停止処理中に投入された場合に返されます。
var ErrShuttingDown = errors.New("download manager is shutting down")

// Downloader は外部ダウンロードツールを呼び出します。
type Downloader interface {
	Download(ctx context.Context, req ytdlp.Request, progress ytdlp.ProgressFunc) error
}

// Finalizer はダウンロード結果を検証してライブラリへ配置します。
type Finalizer interface {
	Finalize(ctx context.Context, workDir string, category library.Category, fallbackName string) (*library.Entry, error)
}

// Workspace はジョブごとの作業ディレクトリを提供します。
type Workspace interface {
	Create(jobID string) (string, error)
	Remove(dir string) error
	Available() (uint64, error)
}

// Options は Manager の動作設定です。
type Options struct {
	MaxRetries  int
	RetryDelay  time.Duration
	MaxFileSize int64
}

// SubmitRequest はダウンロード投入パラメータです。
type SubmitRequest struct {
	URL     string
	Type    ContentType
	Quality string
}

// StatusView はステータス問い合わせの応答です。
type StatusView struct {
	Job
	IsActive bool `json:"isActive"`
	CanRetry bool `json:"canRetry"`
}

// Manager はジョブの投入から完了までを管理します。
type Manager struct {
	store      Store
	admission  *Admission
	downloader Downloader
	finalizer  Finalizer
	workspace  Workspace
	opts       Options
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// NewManager は Manager を初期化します。
func NewManager(store Store, admission *Admission, downloader Downloader, finalizer Finalizer, workspace Workspace, opts Options, logger *slog.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if admission == nil {
		return nil, errors.New("admission is nil")
	}
	if downloader == nil {
		return nil, errors.New("downloader is nil")
	}
	if finalizer == nil {
		return nil, errors.New("finalizer is nil")
	}
	if workspace == nil {
		return nil, errors.New("workspace is nil")
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:      store,
		admission:  admission,
		downloader: downloader,
		finalizer:  finalizer,
		workspace:  workspace,
		opts:       opts,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Submit はジョブを登録してバックグラウンドで実行を開始します。
// 同時実行数の上限に達している場合はジョブを作成せずに ErrTooManyDownloads を返します。
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}
	if strings.TrimSpace(req.URL) == "" {
		return Job{}, fmt.Errorf("%w: url is required", ErrInvalidRequest)
	}
	if !req.Type.Valid() {
		return Job{}, fmt.Errorf("%w: unknown type %q", ErrInvalidRequest, req.Type)
	}
	if req.Quality != "" && !ytdlp.ValidQuality(req.Quality) {
		return Job{}, fmt.Errorf("%w: unknown quality %q", ErrInvalidRequest, req.Quality)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return Job{}, ErrShuttingDown
	}
	if !m.admission.TryAcquire() {
		m.logger.Warn("download rejected", "reason", "concurrency limit", "active", m.admission.Active(), "limit", m.admission.Limit())
		return Job{}, ErrTooManyDownloads
	}

	job, err := m.store.Create(Job{
		SourceURL:   req.URL,
		ContentType: req.Type,
		Quality:     req.Quality,
	})
	if err != nil {
		m.admission.Release()
		return Job{}, fmt.Errorf("create job: %w", err)
	}

	m.logger.Info("download accepted", "job_id", job.ID, "url", job.SourceURL, "type", job.ContentType, "quality", job.Quality)
	m.wg.Add(1)
	go m.run(job)
	return job, nil
}

// Status はジョブの状態と付加情報を返します。
func (m *Manager) Status(id string) (StatusView, error) {
	job, err := m.store.Get(id)
	if err != nil {
		return StatusView{}, err
	}
	return StatusView{
		Job:      job,
		IsActive: !job.Status.Terminal(),
		CanRetry: job.Status == StatusFailed && isRetryableMessage(job.Error),
	}, nil
}

// ActiveJobs は終端状態でないジョブを返します。
func (m *Manager) ActiveJobs() []Job {
	all := m.store.List()
	active := make([]Job, 0, len(all))
	for _, job := range all {
		if !job.Status.Terminal() {
			active = append(active, job)
		}
	}
	return active
}

// Subscribe はジョブ更新の購読を開始します。
func (m *Manager) Subscribe(id string) (<-chan Job, func(), error) {
	return m.store.Subscribe(id)
}

// ActiveCount は確保中の実行スロット数を返します。
func (m *Manager) ActiveCount() int {
	return m.admission.Active()
}

// Limit は同時実行数の上限を返します。
func (m *Manager) Limit() int {
	return m.admission.Limit()
}

// Shutdown は新規投入を止め、実行中のジョブを中断して終了を待ちます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) run(job Job) {
	defer m.wg.Done()
	defer m.admission.Release()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("download panicked", "job_id", job.ID, "panic", r)
			m.fail(job.ID, fmt.Errorf("internal error: %v", r))
		}
	}()

	for {
		entry, err := m.attempt(job)
		if err == nil {
			m.complete(job.ID, entry)
			return
		}

		current, getErr := m.store.Get(job.ID)
		if getErr != nil {
			m.logger.Error("job disappeared during download", "job_id", job.ID, "error", getErr)
			return
		}
		if !IsRetryable(err) || current.RetryCount >= m.opts.MaxRetries || m.ctx.Err() != nil {
			m.fail(job.ID, err)
			return
		}

		if _, uerr := m.store.Update(job.ID, func(j *Job) {
			j.Status = StatusStarting
			j.RetryCount++
			j.Progress = 0
			j.Error = ""
		}); uerr != nil {
			m.logger.Error("failed to record retry", "job_id", job.ID, "error", uerr)
			m.fail(job.ID, err)
			return
		}
		m.logger.Warn("download_retry",
			"job_id", job.ID,
			"attempt", current.RetryCount+1,
			"max_retries", m.opts.MaxRetries,
			"error", err.Error(),
		)

		timer := time.NewTimer(m.opts.RetryDelay)
		select {
		case <-timer.C:
		case <-m.ctx.Done():
			timer.Stop()
			m.fail(job.ID, fmt.Errorf("%w (retry aborted by shutdown)", err))
			return
		}
	}
}

// attempt は1回分のダウンロード〜配置を実行します。
func (m *Manager) attempt(job Job) (*library.Entry, error) {
	if _, err := m.store.Update(job.ID, func(j *Job) {
		j.Status = StatusStarting
		j.Progress = 0
	}); err != nil {
		return nil, err
	}

	dir, err := m.workspace.Create(job.ID)
	if err != nil {
		return nil, err
	}
	handedOff := false
	defer func() {
		if handedOff {
			return
		}
		if err := m.workspace.Remove(dir); err != nil {
			m.logger.Error("cleanup_failed", "job_id", job.ID, "directory", dir, "error", err)
		}
	}()

	m.checkFreeSpace(job.ID)

	if _, err := m.store.Update(job.ID, func(j *Job) {
		j.Status = StatusDownloading
	}); err != nil {
		return nil, err
	}

	m.logger.Info("download_start", "job_id", job.ID, "url", job.SourceURL, "dir", dir, "quality", job.Quality)
	err = m.downloader.Download(m.ctx, ytdlp.Request{
		URL:         job.SourceURL,
		OutputDir:   dir,
		Quality:     job.Quality,
		MaxFileSize: m.opts.MaxFileSize,
	}, func(percent float64) {
		m.reportProgress(job.ID, percent)
	})
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}

	if _, err := m.store.Update(job.ID, func(j *Job) {
		j.Status = StatusMoving
	}); err != nil {
		return nil, err
	}

	handedOff = true
	entry, err := m.finalizer.Finalize(m.ctx, dir, library.Category(job.ContentType), job.ID)
	if err != nil {
		return nil, fmt.Errorf("finalize: %w", err)
	}
	return entry, nil
}

// reportProgress はダウンロード中のみ、値が増加した場合に反映します。
func (m *Manager) reportProgress(id string, percent float64) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	_, err := m.store.Update(id, func(j *Job) {
		if j.Status == StatusDownloading && percent > j.Progress {
			j.Progress = percent
		}
	})
	if err != nil {
		m.logger.Debug("progress update skipped", "job_id", id, "error", err)
	}
}

// checkFreeSpace は空き容量を確認します。不足していても警告のみで続行します。
func (m *Manager) checkFreeSpace(id string) {
	free, err := m.workspace.Available()
	if err != nil {
		m.logger.Warn("disk_space_check_failed", "job_id", id, "error", err)
		return
	}
	if m.opts.MaxFileSize > 0 && free < uint64(m.opts.MaxFileSize) {
		m.logger.Warn("low disk space", "job_id", id, "available_bytes", free, "max_file_size", m.opts.MaxFileSize)
		return
	}
	m.logger.Debug("disk_space_check", "job_id", id, "available_bytes", free)
}

func (m *Manager) complete(id string, entry *library.Entry) {
	job, err := m.store.Update(id, func(j *Job) {
		j.Status = StatusCompleted
		j.Progress = 100
		j.Error = ""
		if entry != nil {
			j.Title = entry.Title
			j.LibraryPath = entry.Dir
		}
	})
	if err != nil {
		m.logger.Error("failed to mark job completed", "job_id", id, "error", err)
		return
	}
	m.logger.Info("download_complete", "job_id", id, "title", job.Title, "final_path", job.LibraryPath)
}

func (m *Manager) fail(id string, cause error) {
	msg := cause.Error()
	if _, err := m.store.Update(id, func(j *Job) {
		j.Status = StatusFailed
		j.Error = msg
	}); err != nil {
		m.logger.Error("failed to mark job failed", "job_id", id, "error", err, "cause", msg)
		return
	}
	m.logger.Error("download_error", "job_id", id, "error", msg)
}
