package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// signalsDirName is where engineers drop progress signal files inside their
// worktree. Agents write one JSON file per signal; the watcher consumes and
// deletes them.
const signalsDirName = ".kugutsu/signals"

// ProgressSignal is a progress report written by an engineer while it works.
type ProgressSignal struct {
	// TaskID is the task the engineer is working on.
	TaskID string `json:"task_id"`
	// Message is a short human-readable progress line.
	Message string `json:"message"`
	// Timestamp is when the signal was written.
	Timestamp time.Time `json:"timestamp"`
}

// SignalWatcher tails the signals directory of a worktree and forwards
// progress reports to a callback. One watcher per active worktree.
type SignalWatcher struct {
	dir     string
	watcher *fsnotify.Watcher
	onSig   func(ProgressSignal)
	done    chan struct{}
}

// NewSignalWatcher creates a watcher over the worktree's signals directory.
// The directory is created if missing so agents can write without racing.
func NewSignalWatcher(worktreePath string, onSignal func(ProgressSignal)) (*SignalWatcher, error) {
	dir := filepath.Join(worktreePath, filepath.FromSlash(signalsDirName))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create signals directory: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch signals directory: %w", err)
	}

	return &SignalWatcher{
		dir:     dir,
		watcher: w,
		onSig:   onSignal,
		done:    make(chan struct{}),
	}, nil
}

// Start begins consuming signal files until ctx is cancelled or Close is
// called. Files already present at startup are drained first.
func (s *SignalWatcher) Start(ctx context.Context) {
	go func() {
		s.drain()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case ev, ok := <-s.watcher.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
					s.consume(ev.Name)
				}
			case _, ok := <-s.watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
}

// drain consumes any signal files written before the watch started.
func (s *SignalWatcher) drain() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			s.consume(filepath.Join(s.dir, e.Name()))
		}
	}
}

// consume parses one signal file, forwards it, and deletes it. Partial or
// malformed files are skipped; the next write event retries them.
func (s *SignalWatcher) consume(path string) {
	if !strings.HasSuffix(path, ".json") {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var sig ProgressSignal
	if err := json.Unmarshal(data, &sig); err != nil {
		return
	}
	os.Remove(path)
	if s.onSig != nil {
		s.onSig(sig)
	}
}

// Close stops the watcher. Safe to call more than once.
func (s *SignalWatcher) Close() error {
	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}
	return s.watcher.Close()
}

// WriteSignal writes a progress signal into a worktree's signals directory.
// Used by in-process callers; external agents write the same format directly.
func WriteSignal(worktreePath string, sig ProgressSignal) error {
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now()
	}
	dir := filepath.Join(worktreePath, filepath.FromSlash(signalsDirName))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create signals directory: %w", err)
	}

	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}

	// Write then rename so the watcher never reads a partial file.
	tmp := filepath.Join(dir, fmt.Sprintf(".%d.tmp", sig.Timestamp.UnixNano()))
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write signal: %w", err)
	}
	final := filepath.Join(dir, fmt.Sprintf("%d.json", sig.Timestamp.UnixNano()))
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("publish signal: %w", err)
	}
	return nil
}
