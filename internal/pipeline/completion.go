package pipeline

import (
	"sync"

	"github.com/kugutsu-dev/kugutsu/internal/events"
	"github.com/kugutsu-dev/kugutsu/pkg/models"
)

// CompletionTracker records terminal task outcomes and detects the moment
// every tracked task has finished. Tasks are tracked by ID; recording the
// same task twice is a no-op, whichever outcome comes second.
type CompletionTracker struct {
	bus *events.Bus

	mu     sync.Mutex
	titles map[string]string
	done   map[string]bool
	failed map[string]bool
	total  int
	closed bool

	allDone chan struct{}
}

// NewCompletionTracker creates a tracker for the given task set.
func NewCompletionTracker(bus *events.Bus, tasks []*models.Task) *CompletionTracker {
	t := &CompletionTracker{
		bus:     bus,
		titles:  make(map[string]string, len(tasks)),
		done:    make(map[string]bool),
		failed:  make(map[string]bool),
		total:   len(tasks),
		allDone: make(chan struct{}),
	}
	for _, task := range tasks {
		t.titles[task.ID] = task.Title
	}
	return t
}

// RecordCompleted marks a task merged. Unknown and already-recorded tasks are
// ignored.
func (t *CompletionTracker) RecordCompleted(taskID string) {
	t.record(taskID, false)
}

// RecordFailed marks a task failed. Unknown and already-recorded tasks are
// ignored.
func (t *CompletionTracker) RecordFailed(taskID string) {
	t.record(taskID, true)
}

func (t *CompletionTracker) record(taskID string, failed bool) {
	t.mu.Lock()
	if _, tracked := t.titles[taskID]; !tracked {
		t.mu.Unlock()
		return
	}
	if t.done[taskID] {
		t.mu.Unlock()
		return
	}
	t.done[taskID] = true
	if failed {
		t.failed[taskID] = true
	}
	title := t.titles[taskID]
	completed := len(t.done)
	total := t.total
	finished := completed == total && !t.closed
	if finished {
		t.closed = true
	}
	t.mu.Unlock()

	t.bus.Publish(events.Event{
		Kind:       events.KindTaskCompleted,
		TaskID:     taskID,
		Title:      title,
		Completed:  completed,
		Total:      total,
		Percentage: float64(completed) * 100 / float64(total),
	})
	if finished {
		t.bus.Publish(events.Event{Kind: events.KindAllTasksCompleted})
		close(t.allDone)
	}
}

// AllDone returns a channel closed once every tracked task has a terminal
// outcome.
func (t *CompletionTracker) AllDone() <-chan struct{} {
	return t.allDone
}

// Title returns the display title for a task ID.
func (t *CompletionTracker) Title(taskID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.titles[taskID]
}

// Counts returns (completed, failed, total).
func (t *CompletionTracker) Counts() (int, int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.done), len(t.failed), t.total
}

// FailedTasks returns the IDs of failed tasks.
func (t *CompletionTracker) FailedTasks() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.failed))
	for id := range t.failed {
		ids = append(ids, id)
	}
	return ids
}
