// Package logging provides the daemon's file log writer.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// RotatingWriter writes to a file that rotates on UTC day boundaries.
// If basePath is logs/tabrelay.log, output files are named
// logs/tabrelay-2026-08-26.log and so on.
type RotatingWriter struct {
	basePath string

	mu      sync.Mutex
	curDate string
	file    *os.File
}

// NewRotatingWriter creates a writer using basePath as the logical log file.
// If basePath is "-", writes go to io.Discard.
func NewRotatingWriter(basePath string) (io.WriteCloser, error) {
	if strings.TrimSpace(basePath) == "-" {
		return nopWriteCloser{w: io.Discard}, nil
	}
	w := &RotatingWriter{basePath: basePath}
	if err := w.rotateIfNeeded(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotateIfNeeded(); err != nil {
		return 0, err
	}
	return w.file.Write(p)
}

// Close closes the current file.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *RotatingWriter) rotateIfNeeded() error {
	today := time.Now().UTC().Format("2006-01-02")
	if w.file != nil && w.curDate == today {
		return nil
	}
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}

	dir := filepath.Dir(w.basePath)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
	}
	base := filepath.Base(w.basePath)
	ext := filepath.Ext(base)
	prefix := strings.TrimSuffix(base, ext)
	if ext == "" {
		ext = ".log"
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s%s", prefix, today, ext))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	w.file = f
	w.curDate = today
	return nil
}

type nopWriteCloser struct{ w io.Writer }

func (n nopWriteCloser) Write(p []byte) (int, error) { return n.w.Write(p) }
func (n nopWriteCloser) Close() error                { return nil }
