package library

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/yourusername/vidshelf/internal/audit"
)

var fakeVideo = []byte("\x00\x01\x02\x03 fake video payload \xff\xfe\x00")

type stubProber struct {
	result *ProbeResult
	err    error
	calls  int
}

func (s *stubProber) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if s.result != nil {
		return s.result, nil
	}
	return &ProbeResult{Streams: []Stream{{CodecName: "h264", Width: 1920, Height: 1080}}}, nil
}

func newTestRelocator(t *testing.T, prober Prober) (*Relocator, map[Category]string) {
	t.Helper()
	root := t.TempDir()
	roots := map[Category]string{
		CategoryMovie: filepath.Join(root, "movies"),
		CategoryShow:  filepath.Join(root, "shows"),
		CategoryMusic: filepath.Join(root, "music"),
	}
	r := NewRelocator(Options{
		Roots:             roots,
		AllowedExtensions: []string{"mp4", "mkv"},
		MaxFileSize:       1024,
		MaxTitleLength:    200,
		DirMode:           0o755,
		FileMode:          0o640,
	}, prober, audit.New(true, nil), nil)
	return r, roots
}

func writeWorkFiles(t *testing.T, files map[string][]byte) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "dl_1_abcdefghi")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("failed to create work dir: %v", err)
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}
	return dir
}

func assertRemoved(t *testing.T, dir string) {
	t.Helper()
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("work dir should be removed, stat err=%v", err)
	}
}

func TestFinalizeMovesArtifacts(t *testing.T) {
	prober := &stubProber{}
	r, roots := newTestRelocator(t, prober)
	workDir := writeWorkFiles(t, map[string][]byte{
		"My Video!.mp4":       fakeVideo,
		"My Video!.info.json": []byte(`{"title":"My Video!","id":"abc"}`),
		"My Video!.webp":      []byte("RIFF....WEBP"),
	})

	entry, err := r.Finalize(context.Background(), workDir, CategoryMovie, "dl_1_abcdefghi")
	if err != nil {
		t.Fatalf("Finalize returned error: %v", err)
	}

	wantDir := filepath.Join(roots[CategoryMovie], "My_Video")
	if entry.Dir != wantDir {
		t.Fatalf("unexpected dir: %s", entry.Dir)
	}
	if entry.Title != "My Video!" {
		t.Fatalf("unexpected title: %s", entry.Title)
	}
	for _, p := range []string{entry.MediaPath, entry.MetadataPath, entry.ThumbnailPath} {
		info, err := os.Stat(p)
		if err != nil {
			t.Fatalf("expected %s to exist: %v", p, err)
		}
		if info.Mode().Perm() != 0o640 {
			t.Fatalf("unexpected mode for %s: %o", p, info.Mode().Perm())
		}
	}
	if filepath.Base(entry.MetadataPath) != "metadata.json" {
		t.Fatalf("sidecar should be renamed: %s", entry.MetadataPath)
	}

	entries, err := os.ReadDir(wantDir)
	if err != nil {
		t.Fatalf("failed to read dest: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected media, thumbnail and metadata, got %d entries", len(entries))
	}
	if prober.calls != 1 {
		t.Fatalf("prober should be called once, got %d", prober.calls)
	}
	assertRemoved(t, workDir)
}

func TestFinalizeMissingSidecar(t *testing.T) {
	r, roots := newTestRelocator(t, &stubProber{})
	workDir := writeWorkFiles(t, map[string][]byte{
		"clip.mp4": fakeVideo,
	})

	_, err := r.Finalize(context.Background(), workDir, CategoryShow, "dl_1_abcdefghi")
	if !errors.Is(err, ErrMissingOutput) {
		t.Fatalf("expected ErrMissingOutput, got %v", err)
	}
	assertRemoved(t, workDir)
	if _, err := os.Stat(roots[CategoryShow]); !os.IsNotExist(err) {
		t.Fatalf("nothing should be created in the library, stat err=%v", err)
	}
}

func TestFinalizeRejectsMultipleMediaFiles(t *testing.T) {
	r, _ := newTestRelocator(t, &stubProber{})
	workDir := writeWorkFiles(t, map[string][]byte{
		"a.mp4":       fakeVideo,
		"b.mkv":       fakeVideo,
		"a.info.json": []byte(`{"title":"a"}`),
	})

	if _, err := r.Finalize(context.Background(), workDir, CategoryMovie, "x"); !errors.Is(err, ErrMissingOutput) {
		t.Fatalf("expected ErrMissingOutput, got %v", err)
	}
	assertRemoved(t, workDir)
}

func TestFinalizeRejectsHTMLPayload(t *testing.T) {
	prober := &stubProber{}
	r, _ := newTestRelocator(t, prober)
	workDir := writeWorkFiles(t, map[string][]byte{
		"clip.mp4":       []byte("<!DOCTYPE html><html><body>Sign in to confirm</body></html>"),
		"clip.info.json": []byte(`{"title":"clip"}`),
	})

	_, err := r.Finalize(context.Background(), workDir, CategoryMovie, "x")
	if !errors.Is(err, ErrVerification) {
		t.Fatalf("expected ErrVerification, got %v", err)
	}
	if prober.calls != 0 {
		t.Fatal("prober should not run for rejected content")
	}
	assertRemoved(t, workDir)
}

func TestFinalizeRejectsOversizedFile(t *testing.T) {
	r, _ := newTestRelocator(t, &stubProber{})
	big := make([]byte, 2048)
	workDir := writeWorkFiles(t, map[string][]byte{
		"clip.mkv":       big,
		"clip.info.json": []byte(`{"title":"clip"}`),
	})

	if _, err := r.Finalize(context.Background(), workDir, CategoryMovie, "x"); !errors.Is(err, ErrVerification) {
		t.Fatalf("expected ErrVerification, got %v", err)
	}
	assertRemoved(t, workDir)
}

func TestFinalizeRejectsFileWithoutStreams(t *testing.T) {
	r, _ := newTestRelocator(t, &stubProber{result: &ProbeResult{}})
	workDir := writeWorkFiles(t, map[string][]byte{
		"clip.mp4":       fakeVideo,
		"clip.info.json": []byte(`{"title":"clip"}`),
	})

	if _, err := r.Finalize(context.Background(), workDir, CategoryMusic, "x"); !errors.Is(err, ErrVerification) {
		t.Fatalf("expected ErrVerification, got %v", err)
	}
	assertRemoved(t, workDir)
}

func TestFinalizeFallsBackToJobID(t *testing.T) {
	r, roots := newTestRelocator(t, &stubProber{})
	workDir := writeWorkFiles(t, map[string][]byte{
		"clip.mp4":       fakeVideo,
		"clip.info.json": []byte(`{"title":"日本語のタイトル"}`),
	})

	entry, err := r.Finalize(context.Background(), workDir, CategoryMusic, "dl_1700000000000_abcdefghi")
	if err != nil {
		t.Fatalf("Finalize returned error: %v", err)
	}
	if entry.Dir != filepath.Join(roots[CategoryMusic], "dl_1700000000000_abcdefghi") {
		t.Fatalf("unexpected fallback dir: %s", entry.Dir)
	}
}

func TestFinalizeUnknownCategory(t *testing.T) {
	r, _ := newTestRelocator(t, &stubProber{})
	workDir := writeWorkFiles(t, map[string][]byte{"clip.mp4": fakeVideo})

	if _, err := r.Finalize(context.Background(), workDir, Category("podcast"), "x"); err == nil {
		t.Fatal("expected error for unknown category")
	}
	assertRemoved(t, workDir)
}

func TestParseProbeOutput(t *testing.T) {
	result, err := parseProbeOutput([]byte(`{"programs":[],"streams":[{"codec_name":"vp9","width":1280,"height":720}]}`))
	if err != nil {
		t.Fatalf("parseProbeOutput returned error: %v", err)
	}
	if len(result.Streams) != 1 || result.Streams[0].CodecName != "vp9" || result.Streams[0].Height != 720 {
		t.Fatalf("unexpected result: %#v", result)
	}

	if _, err := parseProbeOutput([]byte("not json")); err == nil {
		t.Fatal("expected error for invalid output")
	}
}

func TestFinalizeRemovesPartialEntryWhenSidecarMoveFails(t *testing.T) {
	r, roots := newTestRelocator(t, &stubProber{})
	workDir := writeWorkFiles(t, map[string][]byte{
		"Clip.mp4":       fakeVideo,
		"Clip.info.json": []byte(`{"title":"Clip"}`),
		"Clip.jpg":       []byte("thumb"),
	})
	dest := filepath.Join(roots[CategoryMovie], "Clip")
	blocker := filepath.Join(dest, "metadata.json")
	if err := os.MkdirAll(blocker, 0o755); err != nil {
		t.Fatalf("failed to create blocker: %v", err)
	}

	if _, err := r.Finalize(context.Background(), workDir, CategoryMovie, "dl_1_abcdefghi"); err == nil {
		t.Fatal("expected sidecar move to fail")
	}

	for _, name := range []string{"Clip.mp4", "Clip.jpg"} {
		if _, err := os.Stat(filepath.Join(dest, name)); !os.IsNotExist(err) {
			t.Fatalf("partial artifact %s left in library, stat err=%v", name, err)
		}
	}
	if info, err := os.Stat(blocker); err != nil || !info.IsDir() {
		t.Fatalf("pre-existing entries must be kept: %v", err)
	}
	assertRemoved(t, workDir)
}

type cancelingProber struct {
	cancel context.CancelFunc
}

func (p *cancelingProber) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	p.cancel()
	return &ProbeResult{Streams: []Stream{{CodecName: "h264"}}}, nil
}

func TestFinalizeRemovesCreatedDirectoryOnFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r, roots := newTestRelocator(t, &cancelingProber{cancel: cancel})
	workDir := writeWorkFiles(t, map[string][]byte{
		"Clip.mp4":       fakeVideo,
		"Clip.info.json": []byte(`{"title":"Clip"}`),
	})

	_, err := r.Finalize(ctx, workDir, CategoryMovie, "dl_1_abcdefghi")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(roots[CategoryMovie], "Clip")); !os.IsNotExist(err) {
		t.Fatalf("library directory created by the failed call should be removed, stat err=%v", err)
	}
	assertRemoved(t, workDir)
}
