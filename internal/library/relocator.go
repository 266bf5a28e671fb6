// Package library はダウンロード結果を検証し、メディアライブラリへ配置します。
package library

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/yourusername/vidshelf/internal/audit"
)

const (
	sidecarSuffix    = ".info.json"
	metadataFilename = "metadata.json"
)

var thumbnailExtensions = []string{".jpg", ".png", ".webp"}

var (
	// ErrVerification はサイズ超過や再生できないファイルなど、検証に失敗したことを表します。
	ErrVerification = errors.New("video file verification failed")
	// ErrMissingOutput は作業ディレクトリに必要なファイルが揃っていないことを表します。
	ErrMissingOutput = errors.New("download failed - missing output files")
)

// Category は配置先のライブラリ種別です。
type Category string

const (
	CategoryMovie Category = "movie"
	CategoryShow  Category = "show"
	CategoryMusic Category = "music"
)

// Options は Relocator の設定です。
type Options struct {
	Roots             map[Category]string
	AllowedExtensions []string
	MaxFileSize       int64
	MaxTitleLength    int
	DirMode           os.FileMode
	FileMode          os.FileMode
}

// Entry は配置済みのライブラリエントリです。
type Entry struct {
	Title         string `json:"title"`
	Dir           string `json:"dir"`
	MediaPath     string `json:"mediaPath"`
	MetadataPath  string `json:"metadataPath"`
	ThumbnailPath string `json:"thumbnailPath,omitempty"`
}

// Relocator は作業ディレクトリの成果物を検証してライブラリへ移動します。
type Relocator struct {
	opts   Options
	prober Prober
	audit  *audit.Logger
	logger *slog.Logger
}

// NewRelocator は Relocator を作成します。
func NewRelocator(opts Options, prober Prober, auditLog *audit.Logger, logger *slog.Logger) *Relocator {
	if opts.DirMode == 0 {
		opts.DirMode = 0o755
	}
	if opts.FileMode == 0 {
		opts.FileMode = 0o644
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relocator{opts: opts, prober: prober, audit: auditLog, logger: logger}
}

type artifacts struct {
	media     string
	sidecar   string
	thumbnail string
}

// Finalize は workDir 内のメディアを検証し、カテゴリのルート配下 <タイトル>/ へ移動します。
// タイトルが空になった場合は fallbackName を使います。workDir は成否に関わらず削除されます。
func (r *Relocator) Finalize(ctx context.Context, workDir string, category Category, fallbackName string) (*Entry, error) {
	defer r.cleanup(workDir)

	root, ok := r.opts.Roots[category]
	if !ok || root == "" {
		return nil, fmt.Errorf("unknown library category %q", category)
	}

	found, err := r.scan(workDir)
	if err != nil {
		return nil, err
	}

	if err := r.verify(ctx, found.media); err != nil {
		r.audit.FileAccess(audit.OpVerifyVideo, found.media, err)
		return nil, err
	}
	r.audit.FileAccess(audit.OpVerifyVideo, found.media, nil)

	title, err := readTitle(found.sidecar)
	if err != nil {
		return nil, err
	}
	dirName := SanitizeTitle(title, r.opts.MaxTitleLength)
	if dirName == "" {
		dirName = SanitizeTitle(fallbackName, r.opts.MaxTitleLength)
	}
	if dirName == "" {
		return nil, fmt.Errorf("cannot derive a directory name for %q", title)
	}

	dest := filepath.Join(root, dirName)
	placed := &placement{dir: dest}
	if _, err := os.Stat(dest); errors.Is(err, os.ErrNotExist) {
		placed.createdDir = true
	}
	if err := os.MkdirAll(dest, r.opts.DirMode); err != nil {
		r.audit.FileAccess(audit.OpCreateDirectory, dest, err)
		return nil, fmt.Errorf("create library directory %s: %w", dest, err)
	}
	r.audit.FileAccess(audit.OpCreateDirectory, dest, nil)

	entry := &Entry{
		Title:        title,
		Dir:          dest,
		MediaPath:    filepath.Join(dest, filepath.Base(found.media)),
		MetadataPath: filepath.Join(dest, metadataFilename),
	}
	if found.thumbnail != "" {
		entry.ThumbnailPath = filepath.Join(dest, filepath.Base(found.thumbnail))
	}

	moves := [][2]string{{found.media, entry.MediaPath}}
	if found.thumbnail != "" {
		moves = append(moves, [2]string{found.thumbnail, entry.ThumbnailPath})
	}
	moves = append(moves, [2]string{found.sidecar, entry.MetadataPath})
	for _, mv := range moves {
		placed.track(mv[1])
		if err := r.moveFile(ctx, mv[0], mv[1]); err != nil {
			r.rollback(placed)
			return nil, err
		}
	}

	r.logger.Info("library entry created", "title", title, "dir", dest, "category", category)
	return entry, nil
}

func (r *Relocator) scan(workDir string) (*artifacts, error) {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return nil, fmt.Errorf("read work directory %s: %w", workDir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var (
		media []string
		found artifacts
	)
	for _, name := range names {
		lower := strings.ToLower(name)
		switch {
		case strings.HasSuffix(lower, sidecarSuffix):
			if found.sidecar == "" {
				found.sidecar = filepath.Join(workDir, name)
			}
		case r.isMedia(lower):
			media = append(media, filepath.Join(workDir, name))
		case hasAnySuffix(lower, thumbnailExtensions):
			if found.thumbnail == "" {
				found.thumbnail = filepath.Join(workDir, name)
			}
		}
	}

	switch {
	case len(media) == 0:
		return nil, fmt.Errorf("%w: no media file", ErrMissingOutput)
	case len(media) > 1:
		return nil, fmt.Errorf("%w: expected one media file, found %d", ErrMissingOutput, len(media))
	case found.sidecar == "":
		return nil, fmt.Errorf("%w: no metadata sidecar", ErrMissingOutput)
	}
	found.media = media[0]
	return &found, nil
}

func (r *Relocator) isMedia(lowerName string) bool {
	for _, ext := range r.opts.AllowedExtensions {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext != "" && strings.HasSuffix(lowerName, "."+ext) {
			return true
		}
	}
	return false
}

func hasAnySuffix(s string, suffixes []string) bool {
	for _, suffix := range suffixes {
		if strings.HasSuffix(s, suffix) {
			return true
		}
	}
	return false
}

func (r *Relocator) verify(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}
	if r.opts.MaxFileSize > 0 && info.Size() > r.opts.MaxFileSize {
		return fmt.Errorf("%w: file size %d bytes exceeds limit of %d bytes", ErrVerification, info.Size(), r.opts.MaxFileSize)
	}

	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return fmt.Errorf("%w: detect content type: %v", ErrVerification, err)
	}
	if !acceptableMedia(mtype) {
		return fmt.Errorf("%w: unexpected content type %s", ErrVerification, mtype.String())
	}

	if r.prober == nil {
		return nil
	}
	result, err := r.prober.Probe(ctx, path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}
	if len(result.Streams) == 0 {
		return fmt.Errorf("%w: no video stream found in file", ErrVerification)
	}
	return nil
}

func acceptableMedia(m *mimetype.MIME) bool {
	s := m.String()
	return strings.HasPrefix(s, "video/") || strings.HasPrefix(s, "audio/") || m.Is("application/octet-stream")
}

func readTitle(sidecar string) (string, error) {
	data, err := os.ReadFile(sidecar)
	if err != nil {
		return "", fmt.Errorf("read metadata sidecar: %w", err)
	}
	var meta struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return "", fmt.Errorf("parse metadata sidecar: %w", err)
	}
	return meta.Title, nil
}

// moveFile はコピー後に権限を設定し、元ファイルを削除します。
func (r *Relocator) moveFile(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := copyFile(src, dst, r.opts.FileMode); err != nil {
		r.audit.FileAccess(audit.OpMoveFile, dst, err)
		return fmt.Errorf("move %s: %w", filepath.Base(src), err)
	}
	if err := os.Chmod(dst, r.opts.FileMode); err != nil {
		r.audit.FileAccess(audit.OpMoveFile, dst, err)
		return fmt.Errorf("chmod %s: %w", dst, err)
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("remove source %s: %w", src, err)
	}
	r.audit.FileAccess(audit.OpMoveFile, dst, nil)
	return nil
}

func copyFile(src, dst string, mode os.FileMode) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// placement はこの Finalize 呼び出しがライブラリに書き込んだものを記録します。
type placement struct {
	dir        string
	createdDir bool
	files      []string
}

// track は dst が未作成の場合のみ記録します。既存のファイルは削除対象にしません。
func (p *placement) track(dst string) {
	if _, err := os.Lstat(dst); errors.Is(err, os.ErrNotExist) {
		p.files = append(p.files, dst)
	}
}

// rollback は途中まで移動した成果物を削除し、ライブラリに不完全なエントリを残しません。
func (r *Relocator) rollback(p *placement) {
	for i := len(p.files) - 1; i >= 0; i-- {
		if err := os.Remove(p.files[i]); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.logger.Error("rollback_failed", "path", p.files[i], "error", err)
			continue
		}
		r.logger.Warn("partial_artifact_removed", "path", p.files[i])
	}
	if p.createdDir {
		if err := os.Remove(p.dir); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.logger.Error("rollback_failed", "path", p.dir, "error", err)
		}
	}
}

func (r *Relocator) cleanup(workDir string) {
	r.audit.FileAccess(audit.OpDeleteTemp, workDir, nil)
	if err := os.RemoveAll(workDir); err != nil {
		r.logger.Error("cleanup_failed", "directory", workDir, "error", err)
		return
	}
	r.logger.Debug("cleanup_success", "directory", workDir)
}
