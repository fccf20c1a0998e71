package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// RotationConfig bounds a file-backed log destination.
type RotationConfig struct {
	MaxSizeMB  int `yaml:"max_size_mb"` // rotate when the file would exceed this
	MaxBackups int `yaml:"max_backups"` // numbered backups kept after rotation
}

const (
	defaultMaxSizeMB  = 100
	defaultMaxBackups = 3
)

// rotatingWriter appends to path and, when a write would push the file past
// maxBytes, shifts it into numbered backups: path.1 is the most recent,
// path.<maxBackups> the oldest, anything beyond that is dropped.
type rotatingWriter struct {
	path       string
	maxBytes   int64
	maxBackups int

	mu   sync.Mutex
	f    *os.File
	size int64
}

func newRotatingWriter(path string, cfg *RotationConfig) (*rotatingWriter, error) {
	maxSizeMB := defaultMaxSizeMB
	maxBackups := defaultMaxBackups
	if cfg != nil {
		if cfg.MaxSizeMB < 0 || cfg.MaxBackups < 0 {
			return nil, fmt.Errorf("rotation limits must not be negative")
		}
		if cfg.MaxSizeMB > 0 {
			maxSizeMB = cfg.MaxSizeMB
		}
		if cfg.MaxBackups > 0 {
			maxBackups = cfg.MaxBackups
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	w := &rotatingWriter{
		path:       path,
		maxBytes:   int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		if err := w.open(); err != nil {
			return 0, err
		}
	}
	if w.size+int64(len(p)) > w.maxBytes && w.size > 0 {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := w.f.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *rotatingWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.f = f
	w.size = info.Size()
	return nil
}

// rotate closes the live file and shifts the backup chain up by one:
// path.N-1 -> path.N for N down to 1, then path -> path.1, then reopens.
func (w *rotatingWriter) rotate() error {
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}

	_ = os.Remove(w.backupPath(w.maxBackups))
	for n := w.maxBackups - 1; n >= 1; n-- {
		if err := os.Rename(w.backupPath(n), w.backupPath(n+1)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("shift log backup %d: %w", n, err)
		}
	}
	if err := os.Rename(w.path, w.backupPath(1)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rotate log file: %w", err)
	}
	return w.open()
}

func (w *rotatingWriter) backupPath(n int) string {
	return w.path + "." + strconv.Itoa(n)
}

func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
