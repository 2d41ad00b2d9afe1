package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	auditFileMode  = 0o600
	auditDirMode   = 0o700
	backupStampFmt = "20060102T150405.000000000Z"
)

// auditWriter is the sink behind Audit(). Every record is synced to disk
// before Write returns; when the file would exceed maxSize it is renamed to
// <path>.<UTC timestamp> and backups beyond maxBackups or older than maxAge
// are removed. Files are owner-readable only.
type auditWriter struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	size       int64
	maxSize    int64
	maxBackups int
	maxAge     time.Duration
	now        func() time.Time
}

func newAuditWriter(path string, maxSizeMB, maxBackups, maxAgeDays int) (*auditWriter, error) {
	if path == "" {
		return nil, errors.New("audit log path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), auditDirMode); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &auditWriter{
		path:       path,
		maxSize:    int64(maxSizeMB) << 20,
		maxBackups: maxBackups,
		maxAge:     time.Duration(maxAgeDays) * 24 * time.Hour,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

func (w *auditWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil && w.maxSize > 0 && w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	if err := w.open(); err != nil {
		return 0, err
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	if err != nil {
		return n, err
	}
	return n, w.file.Sync()
}

func (w *auditWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file, w.size = nil, 0
	return err
}

func (w *auditWriter) open() error {
	if w.file != nil {
		return nil
	}
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, auditFileMode)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	w.file, w.size = file, info.Size()
	return nil
}

// rotate closes the live file and moves it aside. If the rename fails the
// error is returned and the next write reopens the same file.
func (w *auditWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close audit log: %w", err)
	}
	w.file, w.size = nil, 0
	if err := os.Rename(w.path, w.path+"."+w.now().Format(backupStampFmt)); err != nil {
		return fmt.Errorf("rotate audit log: %w", err)
	}
	w.prune()
	return nil
}

// backups lists rotated files, newest first.
func (w *auditWriter) backups() []string {
	matches, _ := filepath.Glob(w.path + ".*")
	out := matches[:0]
	for _, m := range matches {
		if _, err := time.Parse(backupStampFmt, strings.TrimPrefix(m, w.path+".")); err == nil {
			out = append(out, m)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(out)))
	return out
}

func (w *auditWriter) prune() {
	cutoff := w.now().Add(-w.maxAge)
	for i, name := range w.backups() {
		stamp, _ := time.Parse(backupStampFmt, strings.TrimPrefix(name, w.path+"."))
		if (w.maxBackups > 0 && i >= w.maxBackups) || (w.maxAge > 0 && stamp.Before(cutoff)) {
			_ = os.Remove(name)
		}
	}
}
