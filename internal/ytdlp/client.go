// Package ytdlp は yt-dlp をサブプロセスとして起動し、進捗を読み取ります。
package ytdlp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultQuality は画質が未指定または不明な場合に使われます。
	DefaultQuality = "1080p"
	// OutputTemplate は作業ディレクトリ内の出力ファイル名テンプレートです。
	OutputTemplate = "%(title)s.%(ext)s"

	stderrTailBytes = 8 * 1024
	// defaultWaitDelay はプロセス終了後に子プロセスが出力パイプを保持していても待つ上限です。
	defaultWaitDelay = 5 * time.Second
)

var formatSelectors = map[string]string{
	"2160p": heightCapped(2160),
	"1440p": heightCapped(1440),
	"1080p": heightCapped(1080),
	"720p":  heightCapped(720),
	"480p":  heightCapped(480),
	"best":  "bestvideo[ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]/best",
}

func heightCapped(h int) string {
	return fmt.Sprintf("bestvideo[height<=%d][ext=mp4]+bestaudio[ext=m4a]/best[height<=%d][ext=mp4]/best", h, h)
}

// ValidQuality は既知の画質指定かどうかを返します。
func ValidQuality(q string) bool {
	_, ok := formatSelectors[q]
	return ok
}

// FormatSelector は画質指定を --format の値に変換します。不明な値は 1080p 扱いです。
func FormatSelector(quality string) string {
	if sel, ok := formatSelectors[strings.ToLower(strings.TrimSpace(quality))]; ok {
		return sel
	}
	return formatSelectors[DefaultQuality]
}

// Request は1回のダウンロード要求です。
type Request struct {
	URL         string
	OutputDir   string
	Quality     string
	MaxFileSize int64
}

// ProgressFunc は進捗率 (0〜100) を受け取るコールバックです。
type ProgressFunc func(percent float64)

// ProgressParser は標準出力の1行から進捗率を取り出します。
type ProgressParser interface {
	Parse(line string) (float64, bool)
}

var percentPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)%`)

// PercentParser は行中の最初の "NN.N%" を進捗として扱います。
type PercentParser struct{}

// Parse は ProgressParser を実装します。
func (PercentParser) Parse(line string) (float64, bool) {
	m := percentPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	return v, true
}

// ExitError は yt-dlp が0以外で終了したことを表します。
// Stderr には標準エラー出力の末尾 stderrTailBytes バイトが入ります。
type ExitError struct {
	Code   int
	Stderr string
}

// Error は終了コードと stderr の末尾全体を1行にまとめて返します。
func (e *ExitError) Error() string {
	msg := joinLines(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("yt-dlp exited with code %d", e.Code)
	}
	return fmt.Sprintf("yt-dlp exited with code %d: %s", e.Code, msg)
}

func joinLines(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	out := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, " | ")
}

// Client は yt-dlp 実行ファイルの呼び出しを担います。
type Client struct {
	path      string
	parser    ProgressParser
	logger    *slog.Logger
	waitDelay time.Duration
}

// NewClient は Client を作成します。parser が nil の場合は PercentParser を使います。
func NewClient(path string, parser ProgressParser, logger *slog.Logger) *Client {
	if path == "" {
		path = "yt-dlp"
	}
	if parser == nil {
		parser = PercentParser{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{path: path, parser: parser, logger: logger, waitDelay: defaultWaitDelay}
}

// Args は Request に対応するコマンドライン引数を組み立てます。
func Args(req Request) []string {
	args := []string{
		"--format", FormatSelector(req.Quality),
		"--merge-output-format", "mp4",
		"--write-info-json",
		"--write-thumbnail",
		"--no-mtime",
		"--progress",
		"--newline",
		"--no-playlist",
	}
	if req.MaxFileSize > 0 {
		args = append(args, "--max-filesize", strconv.FormatInt(req.MaxFileSize, 10))
	}
	args = append(args, "-o", filepath.Join(req.OutputDir, OutputTemplate), req.URL)
	return args
}

// Download は yt-dlp を起動し、終了まで待ちます。
// 進捗は標準出力から読み取り progress に通知します。ctx がキャンセルされるとプロセスを終了させます。
func (c *Client) Download(ctx context.Context, req Request, progress ProgressFunc) error {
	if strings.TrimSpace(req.URL) == "" {
		return errors.New("video URL is required")
	}
	if strings.TrimSpace(req.OutputDir) == "" {
		return errors.New("output directory is required")
	}

	cmd := exec.CommandContext(ctx, c.path, Args(req)...)
	// ffmpeg などの子プロセスがパイプを開いたままでも Wait が戻るようにする
	cmd.WaitDelay = c.waitDelay
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	var (
		wg   sync.WaitGroup
		tail tailBuffer
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanLines(stdoutR, func(line string) {
			if pct, ok := c.parser.Parse(line); ok && progress != nil {
				progress(pct)
			}
		})
	}()
	go func() {
		defer wg.Done()
		scanLines(stderrR, func(line string) {
			tail.Append(line)
			c.logger.Debug("yt-dlp stderr", "line", line)
		})
	}()
	closeOutput := func() {
		_ = stdoutW.Close()
		_ = stderrW.Close()
		wg.Wait()
	}

	if err := cmd.Start(); err != nil {
		closeOutput()
		return fmt.Errorf("start yt-dlp: %w", err)
	}
	err := cmd.Wait()
	closeOutput()

	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("yt-dlp interrupted: %w", ctxErr)
	}
	if errors.Is(err, exec.ErrWaitDelay) {
		c.logger.Warn("yt-dlp exited but its output was still open", "url", req.URL, "wait_delay", c.waitDelay)
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Code: exitErr.ExitCode(), Stderr: tail.String()}
	}
	return fmt.Errorf("wait yt-dlp: %w", err)
}

func scanLines(r io.Reader, fn func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(splitByNewlineOrCR)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fn(line)
	}
	// 読み取りエラー時もプロセスをブロックさせないよう残りを捨てる
	_, _ = io.Copy(io.Discard, r)
}

func splitByNewlineOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' || data[i] == '\r' {
			if i == 0 {
				return 1, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// tailBuffer は末尾 stderrTailBytes バイトだけを保持します。
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (t *tailBuffer) Append(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, line...)
	t.buf = append(t.buf, '\n')
	if over := len(t.buf) - stderrTailBytes; over > 0 {
		t.buf = append(t.buf[:0:0], t.buf[over:]...)
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
