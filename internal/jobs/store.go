package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	subscriberBuffer   = 16
	interruptedMessage = "interrupted by service restart"
)

// Store はジョブ状態の保存先です。テストではインメモリ実装を差し替えられます。
type Store interface {
	Create(job Job) (Job, error)
	Update(id string, mutate func(*Job)) (Job, error)
	Get(id string) (Job, error)
	List() []Job
	EvictOlderThan(age time.Duration) int
	Subscribe(id string) (<-chan Job, func(), error)
}

// MemoryStore はジョブをメモリ上に保持し、Snapshotter を通じて永続化します。
type MemoryStore struct {
	mu     sync.RWMutex
	jobs   map[string]Job
	subs   map[string]map[int]chan Job
	nextID int
	dirty  bool

	saveMu sync.Mutex
	snap   Snapshotter
	logger *slog.Logger
	now    func() time.Time
}

// NewMemoryStore は MemoryStore を作成します。snap が nil の場合は永続化しません。
func NewMemoryStore(snap Snapshotter, logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		jobs:   make(map[string]Job),
		subs:   make(map[string]map[int]chan Job),
		snap:   snap,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create は新しいIDを割り当てて pending 状態のジョブを登録します。
func (s *MemoryStore) Create(job Job) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	id := newJobID(now)
	for {
		if _, exists := s.jobs[id]; !exists {
			break
		}
		id = newJobID(now)
	}

	job.ID = id
	job.Status = StatusPending
	job.Progress = 0
	job.Error = ""
	job.RetryCount = 0
	job.CreatedAt = now
	job.LastUpdated = now
	s.jobs[id] = job
	s.dirty = true
	return job, nil
}

// Update はジョブのコピーに mutate を適用し、遷移が正当であれば反映します。
// 終端状態になった場合は購読を閉じ、スナップショットを即時に書き出します。
func (s *MemoryStore) Update(id string, mutate func(*Job)) (Job, error) {
	s.mu.Lock()
	current, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	next := current
	mutate(&next)
	next.ID = current.ID
	next.CreatedAt = current.CreatedAt
	if !CanTransition(current.Status, next.Status) {
		s.mu.Unlock()
		return current, fmt.Errorf("%w: %s -> %s (job %s)", ErrInvalidTransition, current.Status, next.Status, id)
	}

	now := s.now()
	if now.Before(current.LastUpdated) {
		now = current.LastUpdated
	}
	next.LastUpdated = now
	s.jobs[id] = next
	s.dirty = true
	s.publishLocked(next)
	s.mu.Unlock()

	if next.Status != current.Status {
		s.logger.Info("status_update", "job_id", id, "status", next.Status, "progress", next.Progress, "retry_count", next.RetryCount)
	} else {
		s.logger.Debug("status_update", "job_id", id, "status", next.Status, "progress", next.Progress)
	}

	if next.Status.Terminal() {
		if err := s.Save(context.Background()); err != nil {
			s.logger.Error("failed to persist terminal job state", "job_id", id, "error", err)
		}
	}
	return next, nil
}

// Get はジョブを返します。存在しない場合は ErrJobNotFound を返します。
func (s *MemoryStore) Get(id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job, nil
}

// List は作成日時順に全ジョブを返します。
func (s *MemoryStore) List() []Job {
	s.mu.RLock()
	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	s.mu.RUnlock()

	SortJobs(out)
	return out
}

// SortJobs は作成日時、同時刻なら ID の順に並べ替えます。
func SortJobs(list []Job) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}

// EvictOlderThan は最終更新から age 以上経過した終端状態のジョブを削除し、削除件数を返します。
func (s *MemoryStore) EvictOlderThan(age time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := evictFrom(s.jobs, s.now().Add(-age))
	if removed > 0 {
		s.dirty = true
	}
	return removed
}

func evictFrom(jobs map[string]Job, cutoff time.Time) int {
	removed := 0
	for id, job := range jobs {
		if job.Status.Terminal() && job.LastUpdated.Before(cutoff) {
			delete(jobs, id)
			removed++
		}
	}
	return removed
}

// Subscribe はジョブ更新を受け取るチャネルを返します。
// チャネルは終端状態になった時点、または解除関数の呼び出しで閉じられます。
func (s *MemoryStore) Subscribe(id string) (<-chan Job, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	ch := make(chan Job, subscriberBuffer)
	ch <- job
	if job.Status.Terminal() {
		close(ch)
		return ch, func() {}, nil
	}

	subID := s.nextID
	s.nextID++
	if s.subs[id] == nil {
		s.subs[id] = make(map[int]chan Job)
	}
	s.subs[id][subID] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id][subID]; ok {
			delete(s.subs[id], subID)
			if len(s.subs[id]) == 0 {
				delete(s.subs, id)
			}
			close(c)
		}
	}
	return ch, cancel, nil
}

// publishLocked は書き込みロック保持中に呼び出します。
// 受信側が詰まっている場合は古い通知を捨てて最新の状態を優先します。
func (s *MemoryStore) publishLocked(job Job) {
	subs := s.subs[job.ID]
	for _, ch := range subs {
		select {
		case ch <- job:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- job:
			default:
			}
		}
	}
	if job.Status.Terminal() {
		for _, ch := range subs {
			close(ch)
		}
		delete(s.subs, job.ID)
	}
}

// Load はスナップショットからジョブを復元し、復元件数を返します。
// スナップショットが存在しない、または壊れている場合は警告を出して空の状態から始めます。
// 再起動前に実行中だったジョブはプロセスが失われているため failed にします。
func (s *MemoryStore) Load(ctx context.Context) int {
	if s.snap == nil {
		return 0
	}
	restored, err := s.snap.Load(ctx)
	if err != nil {
		s.logger.Warn("failed to load job snapshot, starting empty", "error", err)
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, job := range restored {
		if id == "" {
			continue
		}
		job.ID = id
		if !job.Status.Terminal() {
			job.Status = StatusFailed
			job.Error = interruptedMessage
			job.LastUpdated = now
			s.dirty = true
		}
		s.jobs[id] = job
	}
	return len(restored)
}

// Save は全ジョブをスナップショットへ書き出します。
func (s *MemoryStore) Save(ctx context.Context) error {
	if s.snap == nil {
		return nil
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	copied := make(map[string]Job, len(s.jobs))
	for id, job := range s.jobs {
		copied[id] = job
	}
	s.dirty = false
	s.mu.Unlock()

	if err := s.snap.Save(ctx, copied); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *MemoryStore) isDirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// Run は定期的な永続化と古いジョブの削除を ctx が終了するまで行います。
// 終了時には最後にもう一度保存します。
func (s *MemoryStore) Run(ctx context.Context, persistEvery, evictEvery, maxAge time.Duration) error {
	if persistEvery <= 0 {
		persistEvery = time.Minute
	}
	if evictEvery <= 0 {
		evictEvery = time.Hour
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}

	persistTicker := time.NewTicker(persistEvery)
	defer persistTicker.Stop()
	evictTicker := time.NewTicker(evictEvery)
	defer evictTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := s.Save(saveCtx); err != nil {
				return fmt.Errorf("final snapshot save: %w", err)
			}
			return nil
		case <-persistTicker.C:
			if !s.isDirty() {
				continue
			}
			if err := s.Save(ctx); err != nil {
				s.logger.Error("periodic snapshot save failed", "error", err)
			}
		case <-evictTicker.C:
			if removed := s.EvictOlderThan(maxAge); removed > 0 {
				s.logger.Info("evicted expired jobs", "count", removed)
			}
		}
	}
}
