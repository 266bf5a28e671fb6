package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type fakeRedis struct {
	data   map[string]string
	ttl    map[string]time.Duration
	getErr error
	setErr error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}, ttl: map[string]time.Duration{}}
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	if f.getErr != nil {
		return redis.NewStringResult("", f.getErr)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	default:
		f.data[key] = fmt.Sprint(v)
	}
	f.ttl[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func TestRedisSnapshotterMissingKeyIsEmpty(t *testing.T) {
	snap := NewRedisSnapshotter(newFakeRedis(), "vidshelf:downloads")
	loaded, err := snap.Load(context.Background())
	if err != nil {
		t.Fatalf("Load of missing key returned error: %v", err)
	}
	if loaded == nil || len(loaded) != 0 {
		t.Fatalf("expected empty snapshot, got %v", loaded)
	}
}

func TestRedisSnapshotterRoundTrip(t *testing.T) {
	rdb := newFakeRedis()
	snap := NewRedisSnapshotter(rdb, "vidshelf:downloads")

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	jobs := map[string]Job{
		"dl_1_aaaaaaaaa": {ID: "dl_1_aaaaaaaaa", Status: StatusFailed, Error: "network timeout", SourceURL: "https://youtu.be/x", ContentType: ContentShow, CreatedAt: now, LastUpdated: now},
	}
	if err := snap.Save(context.Background(), jobs); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if rdb.ttl["vidshelf:downloads"] != 0 {
		t.Fatalf("snapshot key must not expire, got %s", rdb.ttl["vidshelf:downloads"])
	}

	loaded, err := snap.Load(context.Background())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	got := loaded["dl_1_aaaaaaaaa"]
	if got.Status != StatusFailed || got.Error != "network timeout" || !got.CreatedAt.Equal(now) {
		t.Fatalf("unexpected job: %+v", got)
	}
}

func TestRedisSnapshotterErrors(t *testing.T) {
	rdb := newFakeRedis()
	rdb.getErr = errors.New("connection refused")
	snap := NewRedisSnapshotter(rdb, "k")
	if _, err := snap.Load(context.Background()); err == nil || errors.Is(err, redis.Nil) {
		t.Fatalf("expected connection error, got %v", err)
	}

	rdb.getErr = nil
	rdb.data["k"] = "{not json"
	if _, err := snap.Load(context.Background()); err == nil {
		t.Fatal("expected error for corrupt snapshot")
	}

	rdb.setErr = errors.New("READONLY")
	if err := snap.Save(context.Background(), map[string]Job{}); err == nil {
		t.Fatal("expected Save error")
	}
}

func TestRedisSnapshotterPrune(t *testing.T) {
	rdb := newFakeRedis()
	snap := NewRedisSnapshotter(rdb, "k")
	now := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	old := now.Add(-48 * time.Hour)
	_ = snap.Save(context.Background(), map[string]Job{
		"old":     {ID: "old", Status: StatusCompleted, CreatedAt: old, LastUpdated: old},
		"running": {ID: "running", Status: StatusDownloading, CreatedAt: old, LastUpdated: old},
	})

	removed, err := PruneSnapshot(context.Background(), snap, 24*time.Hour, now)
	if err != nil || removed != 1 {
		t.Fatalf("unexpected prune result: removed=%d err=%v", removed, err)
	}
	loaded, _ := snap.Load(context.Background())
	if _, ok := loaded["old"]; ok {
		t.Fatal("old terminal job should be pruned")
	}
	if _, ok := loaded["running"]; !ok {
		t.Fatal("non-terminal job must be kept")
	}
}

// REDIS_TEST_URL が設定されている場合のみ実際の Redis で確認します。
func TestRedisSnapshotterAgainstServer(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL is not set")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("invalid REDIS_TEST_URL: %v", err)
	}
	client := redis.NewClient(opt)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis is not reachable: %v", err)
	}

	key := fmt.Sprintf("vidshelf:test:%d", time.Now().UnixNano())
	defer client.Del(context.Background(), key)

	snap := NewRedisSnapshotter(client, key)
	if loaded, err := snap.Load(ctx); err != nil || len(loaded) != 0 {
		t.Fatalf("missing key should load empty: %v %v", loaded, err)
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	if err := snap.Save(ctx, map[string]Job{"a": {ID: "a", Status: StatusCompleted, CreatedAt: now, LastUpdated: now}}); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	loaded, err := snap.Load(ctx)
	if err != nil || loaded["a"].Status != StatusCompleted {
		t.Fatalf("unexpected load: %v %v", loaded, err)
	}
}
