// Package storage はジョブごとの一時作業ディレクトリを管理します。
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/yourusername/vidshelf/internal/audit"
)

// Local は DOWNLOAD_DIR 配下に <jobID>/ の作業ディレクトリを作成します。
type Local struct {
	root    string
	dirMode os.FileMode
	audit   *audit.Logger
}

// NewLocal は Local を作成します。
func NewLocal(root string, dirMode os.FileMode, auditLog *audit.Logger) *Local {
	if dirMode == 0 {
		dirMode = 0o755
	}
	return &Local{root: root, dirMode: dirMode, audit: auditLog}
}

// Root は作業ディレクトリのルートを返します。
func (l *Local) Root() string {
	return l.root
}

// Create はジョブ用の作業ディレクトリを作成してパスを返します。
// 前回の試行の残骸がある場合は削除してから作り直します。
func (l *Local) Create(jobID string) (string, error) {
	if err := validateJobID(jobID); err != nil {
		return "", err
	}
	dir := filepath.Join(l.root, jobID)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("clear workspace %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, l.dirMode); err != nil {
		l.audit.FileAccess(audit.OpCreateDirectory, dir, err)
		return "", fmt.Errorf("create workspace %s: %w", dir, err)
	}
	l.audit.FileAccess(audit.OpCreateDirectory, dir, nil)
	return dir, nil
}

// Remove は作業ディレクトリを削除します。存在しない場合は何もしません。
func (l *Local) Remove(dir string) error {
	if !l.contains(dir) {
		return fmt.Errorf("refusing to remove %s outside of %s", dir, l.root)
	}
	l.audit.FileAccess(audit.OpDeleteTemp, dir, nil)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove workspace %s: %w", dir, err)
	}
	return nil
}

// Available はルートのあるファイルシステムの空き容量をバイト数で返します。
func (l *Local) Available() (uint64, error) {
	return availableBytes(l.root)
}

func (l *Local) contains(dir string) bool {
	rel, err := filepath.Rel(l.root, dir)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func validateJobID(jobID string) error {
	if strings.TrimSpace(jobID) == "" {
		return errors.New("jobID is required")
	}
	if strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return fmt.Errorf("invalid jobID %q", jobID)
	}
	return nil
}
