package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
)

// SnapshotFilename は DATA_DIR 配下に作成されるスナップショットのファイル名です。
const SnapshotFilename = "downloads.json"

// Snapshotter はジョブ一覧 (ID→Job) を丸ごと読み書きします。
// スナップショットが存在しない場合、Load は空のマップと nil を返します。
type Snapshotter interface {
	Load(ctx context.Context) (map[string]Job, error)
	Save(ctx context.Context, jobs map[string]Job) error
}

// FileSnapshotter はJSONファイルにスナップショットを保存します。
type FileSnapshotter struct {
	path string
	mode os.FileMode
}

// NewFileSnapshotter は path に保存する FileSnapshotter を作成します。
func NewFileSnapshotter(path string, mode os.FileMode) *FileSnapshotter {
	if mode == 0 {
		mode = 0o644
	}
	return &FileSnapshotter{path: path, mode: mode}
}

// Load はファイルからスナップショットを読み込みます。
func (f *FileSnapshotter) Load(ctx context.Context) (map[string]Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]Job{}, nil
		}
		return nil, fmt.Errorf("read snapshot %s: %w", f.path, err)
	}
	return decodeSnapshot(data)
}

// Save は一時ファイルへ書き込んだ後に rename で置き換えます。
func (f *FileSnapshotter) Save(ctx context.Context, jobs map[string]Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeSnapshot(jobs)
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".downloads-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Chmod(f.mode); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("chmod temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		cleanup()
		return fmt.Errorf("replace snapshot %s: %w", f.path, err)
	}
	return nil
}

// RedisClient は RedisSnapshotter が使う Redis 操作です。*redis.Client が満たします。
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

var _ RedisClient = (*redis.Client)(nil)

// RedisSnapshotter は同じJSONドキュメントを Redis の1キーに保存します。
type RedisSnapshotter struct {
	rdb RedisClient
	key string
}

// NewRedisSnapshotter は RedisSnapshotter を作成します。
func NewRedisSnapshotter(rdb RedisClient, key string) *RedisSnapshotter {
	return &RedisSnapshotter{rdb: rdb, key: key}
}

// Load は Redis からスナップショットを読み込みます。
func (r *RedisSnapshotter) Load(ctx context.Context) (map[string]Job, error) {
	data, err := r.rdb.Get(ctx, r.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return map[string]Job{}, nil
		}
		return nil, fmt.Errorf("redis get %s: %w", r.key, err)
	}
	return decodeSnapshot(data)
}

// Save はキーを丸ごと上書きします。有効期限は設定しません。
func (r *RedisSnapshotter) Save(ctx context.Context, jobs map[string]Job) error {
	data, err := encodeSnapshot(jobs)
	if err != nil {
		return err
	}
	if err := r.rdb.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", r.key, err)
	}
	return nil
}

func encodeSnapshot(jobs map[string]Job) ([]byte, error) {
	if jobs == nil {
		jobs = map[string]Job{}
	}
	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

func decodeSnapshot(data []byte) (map[string]Job, error) {
	jobs := map[string]Job{}
	if len(data) == 0 {
		return jobs, nil
	}
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return jobs, nil
}

// PruneSnapshot は稼働中のストアを介さずにスナップショットから古い終端ジョブを削除します。
func PruneSnapshot(ctx context.Context, snap Snapshotter, olderThan time.Duration, now time.Time) (int, error) {
	jobs, err := snap.Load(ctx)
	if err != nil {
		return 0, err
	}
	removed := evictFrom(jobs, now.Add(-olderThan))
	if removed == 0 {
		return 0, nil
	}
	if err := snap.Save(ctx, jobs); err != nil {
		return 0, err
	}
	return removed, nil
}
