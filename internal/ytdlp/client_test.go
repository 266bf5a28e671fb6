package ytdlp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"
)

func writeFakeTool(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "yt-dlp")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("failed to write fake tool: %v", err)
	}
	return path
}

func TestPercentParser(t *testing.T) {
	cases := []struct {
		line string
		want float64
		ok   bool
	}{
		{"[download]  42.5% of 10.00MiB at 1.00MiB/s ETA 00:05", 42.5, true},
		{"[download] 100% of 10.00MiB", 100, true},
		{"[download] Destination: video.mp4", 0, false},
		{"weird 250% line", 100, true},
	}
	var p PercentParser
	for _, tc := range cases {
		got, ok := p.Parse(tc.line)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("Parse(%q) = %v, %v; want %v, %v", tc.line, got, ok, tc.want, tc.ok)
		}
	}
}

func TestFormatSelectorFallsBackTo1080p(t *testing.T) {
	if got := FormatSelector(""); got != FormatSelector("1080p") {
		t.Fatalf("empty quality should map to 1080p, got %q", got)
	}
	if got := FormatSelector("8k"); got != FormatSelector("1080p") {
		t.Fatalf("unknown quality should map to 1080p, got %q", got)
	}
	if !strings.Contains(FormatSelector("720p"), "height<=720") {
		t.Fatalf("unexpected 720p selector: %q", FormatSelector("720p"))
	}
	if strings.Contains(FormatSelector("best"), "height<=") {
		t.Fatalf("best should not cap height: %q", FormatSelector("best"))
	}
}

func TestArgs(t *testing.T) {
	args := Args(Request{
		URL:         "https://youtube.com/watch?v=abc",
		OutputDir:   "/tmp/dl_1",
		Quality:     "480p",
		MaxFileSize: 1024,
	})
	joined := strings.Join(args, " ")
	for _, want := range []string{
		"--merge-output-format mp4",
		"--write-info-json",
		"--write-thumbnail",
		"--no-playlist",
		"--max-filesize 1024",
		"-o " + filepath.Join("/tmp/dl_1", OutputTemplate),
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("args missing %q: %s", want, joined)
		}
	}
	if args[len(args)-1] != "https://youtube.com/watch?v=abc" {
		t.Fatalf("url should be the last argument: %v", args)
	}
}

func TestSplitByNewlineOrCR(t *testing.T) {
	var lines []string
	scanLines(strings.NewReader("a\r10%\rb\n\nc"), func(line string) {
		lines = append(lines, line)
	})
	want := []string{"a", "10%", "b", "c"}
	if len(lines) != len(want) {
		t.Fatalf("unexpected lines: %#v", lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestDownloadReportsProgress(t *testing.T) {
	tool := writeFakeTool(t, `printf '[download]  10.0%% of 1MiB\r[download]  55.5%% of 1MiB\n[download] 100%% of 1MiB\n'
exit 0
`)
	client := NewClient(tool, nil, nil)

	var (
		mu  sync.Mutex
		got []float64
	)
	err := client.Download(context.Background(), Request{URL: "https://youtu.be/x", OutputDir: t.TempDir()}, func(p float64) {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Download returned error: %v", err)
	}
	if len(got) != 3 || got[0] != 10 || got[1] != 55.5 || got[2] != 100 {
		t.Fatalf("unexpected progress values: %#v", got)
	}
}

func TestDownloadExitErrorKeepsStderr(t *testing.T) {
	tool := writeFakeTool(t, `echo "WARNING: retrying" >&2
echo "ERROR: network timeout" >&2
exit 2
`)
	client := NewClient(tool, nil, nil)

	err := client.Download(context.Background(), Request{URL: "https://youtu.be/x", OutputDir: t.TempDir()}, nil)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if exitErr.Code != 2 {
		t.Fatalf("unexpected exit code: %d", exitErr.Code)
	}
	if !strings.Contains(exitErr.Stderr, "WARNING: retrying") {
		t.Fatalf("stderr tail lost earlier lines: %q", exitErr.Stderr)
	}
	if !strings.Contains(err.Error(), "network timeout") {
		t.Fatalf("error message should carry the last stderr line: %q", err.Error())
	}
}

func TestDownloadExitErrorMessageKeepsEarlierLines(t *testing.T) {
	tool := writeFakeTool(t, `echo "ERROR: network timeout while fetching fragment" >&2
echo "WARNING: cleaning up partial files" >&2
exit 1
`)
	client := NewClient(tool, nil, nil)

	err := client.Download(context.Background(), Request{URL: "https://youtu.be/x", OutputDir: t.TempDir()}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	want := "yt-dlp exited with code 1: ERROR: network timeout while fetching fragment | WARNING: cleaning up partial files"
	if err.Error() != want {
		t.Fatalf("unexpected message:\n got %q\nwant %q", err.Error(), want)
	}
}

func TestDownloadReturnsWhenChildHoldsOutputOpen(t *testing.T) {
	tool := writeFakeTool(t, `sleep 10 &
echo "[download]  10.0% of 1MiB"
sleep 10
`)
	client := NewClient(tool, nil, nil)
	client.waitDelay = 200 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := client.Download(ctx, Request{URL: "https://youtu.be/x", OutputDir: t.TempDir()}, nil)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Download blocked for %s after cancellation", elapsed)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected interrupted error, got %v", err)
	}
}

func TestTailBufferKeepsLastBytes(t *testing.T) {
	var tail tailBuffer
	line := strings.Repeat("x", 1000)
	for i := 0; i < 20; i++ {
		tail.Append(line)
	}
	tail.Append("final")
	s := tail.String()
	if len(s) > stderrTailBytes {
		t.Fatalf("tail exceeds limit: %d", len(s))
	}
	if !strings.HasSuffix(s, "final") {
		t.Fatalf("tail should end with the newest line")
	}
}

func TestDownloadRequiresURL(t *testing.T) {
	client := NewClient("yt-dlp", nil, nil)
	if err := client.Download(context.Background(), Request{OutputDir: "/tmp"}, nil); err == nil {
		t.Fatal("expected error for empty url")
	}
}
