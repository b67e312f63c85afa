package agent

import (
	"context"
	"testing"
	"time"
)

func TestSignalRoundTrip(t *testing.T) {
	dir := t.TempDir()

	got := make(chan ProgressSignal, 4)
	w, err := NewSignalWatcher(dir, func(sig ProgressSignal) { got <- sig })
	if err != nil {
		t.Fatalf("NewSignalWatcher: %v", err)
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	if err := WriteSignal(dir, ProgressSignal{TaskID: "t1", Message: "running tests"}); err != nil {
		t.Fatalf("WriteSignal: %v", err)
	}

	select {
	case sig := <-got:
		if sig.TaskID != "t1" || sig.Message != "running tests" {
			t.Errorf("unexpected signal %+v", sig)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for signal")
	}
}

func TestSignalWatcherDrainsPreexisting(t *testing.T) {
	dir := t.TempDir()

	// Signal written before the watcher starts.
	if err := WriteSignal(dir, ProgressSignal{TaskID: "t1", Message: "early"}); err != nil {
		t.Fatalf("WriteSignal: %v", err)
	}

	got := make(chan ProgressSignal, 4)
	w, err := NewSignalWatcher(dir, func(sig ProgressSignal) { got <- sig })
	if err != nil {
		t.Fatalf("NewSignalWatcher: %v", err)
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	select {
	case sig := <-got:
		if sig.Message != "early" {
			t.Errorf("unexpected signal %+v", sig)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for drained signal")
	}
}

func TestSignalWatcherCloseIsIdempotent(t *testing.T) {
	w, err := NewSignalWatcher(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewSignalWatcher: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
