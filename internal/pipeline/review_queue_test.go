package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kugutsu-dev/kugutsu/internal/events"
	"github.com/kugutsu-dev/kugutsu/internal/logging"
	"github.com/kugutsu-dev/kugutsu/pkg/models"
)

type reviewFixture struct {
	bus      *events.Bus
	reviewer *fakeReviewer
	rq       *ReviewQueue

	mu     sync.Mutex
	events []events.Event
}

func newReviewFixture(t *testing.T) *reviewFixture {
	t.Helper()
	f := &reviewFixture{
		bus:      events.NewBus(),
		reviewer: newFakeReviewer(),
	}
	f.rq = NewReviewQueue(2, f.reviewer, f.bus, logging.NopLogger())

	record := func(ev events.Event) {
		f.mu.Lock()
		f.events = append(f.events, ev)
		f.mu.Unlock()
	}
	f.bus.Subscribe(events.KindReviewCompleted, record)
	f.bus.Subscribe(events.KindTaskFailed, record)

	ctx, cancel := context.WithCancel(context.Background())
	f.rq.Start(ctx)
	t.Cleanup(func() {
		cancel()
		f.bus.Close()
	})
	return f
}

func (f *reviewFixture) waitForEvent(t *testing.T) events.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		f.mu.Lock()
		if len(f.events) > 0 {
			ev := f.events[0]
			f.events = f.events[1:]
			f.mu.Unlock()
			return ev
		}
		f.mu.Unlock()
		select {
		case <-deadline:
			t.Fatal("timed out waiting for review event")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func reviewTask(id string) *models.Task {
	return &models.Task{ID: id, Title: "Task " + id, Priority: models.PriorityMedium}
}

func TestReviewApproval(t *testing.T) {
	f := newReviewFixture(t)

	f.rq.Enqueue(reviewTask("t1"), &models.EngineerResult{Success: true}, "eng-1")

	ev := f.waitForEvent(t)
	if ev.Kind != events.KindReviewCompleted {
		t.Fatalf("expected review-completed, got %s", ev.Kind)
	}
	if ev.NeedsRevision || !ev.Verdict.Approved {
		t.Errorf("expected approval, got %+v", ev)
	}
	if ev.EngineerID != "eng-1" {
		t.Errorf("engineer binding lost: %q", ev.EngineerID)
	}
	if len(ev.ReviewHistory) != 1 || ev.ReviewHistory[0].Round != 1 {
		t.Errorf("unexpected history %+v", ev.ReviewHistory)
	}
}

func TestReviewRejectionAccumulatesHistory(t *testing.T) {
	f := newReviewFixture(t)
	f.reviewer.script("t1", &models.ReviewVerdict{Approved: false, Comments: []string{"fix it"}})

	task := reviewTask("t1")
	f.rq.Enqueue(task, &models.EngineerResult{Success: true}, "eng-1")

	ev := f.waitForEvent(t)
	if !ev.NeedsRevision {
		t.Fatalf("expected revision request, got %+v", ev)
	}

	// Second round approves; history carries both rounds.
	f.rq.Enqueue(task, &models.EngineerResult{Success: true}, "eng-1")
	ev = f.waitForEvent(t)
	if ev.NeedsRevision {
		t.Fatalf("expected approval, got %+v", ev)
	}
	if len(ev.ReviewHistory) != 2 || ev.ReviewHistory[1].Round != 2 {
		t.Errorf("history must span rounds, got %+v", ev.ReviewHistory)
	}
}

func TestReviewHistorySharedWithConflictVariant(t *testing.T) {
	f := newReviewFixture(t)

	f.rq.Enqueue(reviewTask("t1"), &models.EngineerResult{Success: true}, "eng-1")
	f.waitForEvent(t)

	cr := &models.Task{
		ID:             "t1-conflict",
		Title:          "[conflict-resolution] Task t1",
		Kind:           models.TaskKindConflictResolution,
		OriginalTaskID: "t1",
	}
	f.rq.Enqueue(cr, &models.EngineerResult{Success: true}, "eng-1")
	ev := f.waitForEvent(t)

	if len(ev.ReviewHistory) != 2 {
		t.Errorf("variant rounds must share the original task history, got %+v", ev.ReviewHistory)
	}
}

func TestReviewerErrorRetriesThenFails(t *testing.T) {
	f := newReviewFixture(t)
	// nil verdicts are reviewer errors; script more than the retry budget.
	f.reviewer.script("t1", nil, nil, nil, nil, nil, nil)

	f.rq.Enqueue(reviewTask("t1"), &models.EngineerResult{Success: true}, "eng-1")

	ev := f.waitForEvent(t)
	if ev.Kind != events.KindTaskFailed {
		t.Fatalf("expected task-failed after retry budget, got %s", ev.Kind)
	}
	if ev.Phase != events.PhaseReview {
		t.Errorf("expected review phase, got %s", ev.Phase)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, extra := range f.events {
		if extra.Kind == events.KindReviewCompleted {
			t.Errorf("no verdict should be published after terminal failure")
		}
	}
}

func TestReviewerErrorRecovers(t *testing.T) {
	f := newReviewFixture(t)
	f.reviewer.script("t1", nil) // one transient error, then approve

	f.rq.Enqueue(reviewTask("t1"), &models.EngineerResult{Success: true}, "eng-1")

	ev := f.waitForEvent(t)
	if ev.Kind != events.KindReviewCompleted || ev.NeedsRevision {
		t.Fatalf("expected approval after retry, got %+v", ev)
	}
}
