// Package sink writes the running transcript and the latest-fragment file.
package sink

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	TranscriptFile = "transcription_live.txt"
	LatestFile     = "transcription_latest.txt"

	headerLayout = "2006-01-02 15:04:05"
	lineLayout   = "15:04:05"
)

// Line is one accepted, deduplicated segment.
type Line struct {
	Time time.Time
	Text string
}

func (l Line) String() string {
	return fmt.Sprintf("[%s] %s", l.Time.Format(lineLayout), l.Text)
}

func Header(now time.Time) string {
	return fmt.Sprintf("=== Live Transcription - %s ===\n\n", now.Format(headerLayout))
}

type Writer struct {
	path       string
	latestPath string

	mu sync.Mutex
	f  *os.File
}

// Open truncates the transcript in dir and writes its header.
func Open(dir string, now time.Time) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	w := &Writer{
		path:       filepath.Join(dir, TranscriptFile),
		latestPath: filepath.Join(dir, LatestFile),
	}
	if err := w.start(now); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) start(now time.Time) error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	if _, err := f.WriteString(Header(now)); err != nil {
		f.Close()
		return fmt.Errorf("write header: %w", err)
	}
	w.f = f
	return nil
}

// Append adds the line to the transcript and replaces the latest file with
// its text.
func (w *Writer) Append(l Line) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return os.ErrClosed
	}
	if _, err := w.f.WriteString(l.String() + "\n"); err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	if err := os.WriteFile(w.latestPath, []byte(l.Text), 0o644); err != nil {
		return fmt.Errorf("write latest: %w", err)
	}
	return nil
}

// Reset starts a fresh transcript with a new header.
func (w *Writer) Reset(now time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f != nil {
		w.f.Close()
		w.f = nil
	}
	return w.start(now)
}

func (w *Writer) Path() string       { return w.path }
func (w *Writer) LatestPath() string { return w.latestPath }

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
