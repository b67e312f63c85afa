package pipeline

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kugutsu-dev/kugutsu/internal/events"
	"github.com/kugutsu-dev/kugutsu/internal/git"
	"github.com/kugutsu-dev/kugutsu/internal/logging"
	"github.com/kugutsu-dev/kugutsu/pkg/models"
)

type mergeFixture struct {
	repo *fakeGit
	wt   *fakeGit
	bus  *events.Bus
	mc   *MergeCoordinator

	mu     sync.Mutex
	events []events.Event
}

func newMergeFixture(t *testing.T) *mergeFixture {
	t.Helper()
	f := &mergeFixture{
		repo: newFakeGit("/repo"),
		wt:   newFakeGit("/wt"),
		bus:  events.NewBus(),
	}
	f.mc = NewMergeCoordinatorWithRunners(
		f.repo,
		func(dir string) git.Runner { return f.wt },
		"main", f.bus, logging.NopLogger(),
	)
	f.mc.stabilization = 0

	record := func(ev events.Event) {
		f.mu.Lock()
		f.events = append(f.events, ev)
		f.mu.Unlock()
	}
	f.bus.Subscribe(events.KindMergeCompleted, record)
	f.bus.Subscribe(events.KindMergeConflictDetected, record)

	t.Cleanup(func() {
		f.mc.Stop()
		f.bus.Close()
	})
	return f
}

func (f *mergeFixture) waitForEvent(t *testing.T) events.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
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
			t.Fatal("timed out waiting for merge event")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func mergeTask(id string) *models.Task {
	return &models.Task{
		ID:           id,
		Title:        "Task " + id,
		BranchName:   "kugutsu/task-" + id,
		WorktreePath: "/wt/" + id,
	}
}

func TestMergeCleanPath(t *testing.T) {
	f := newMergeFixture(t)
	f.mc.Start()

	if !f.mc.Enqueue(mergeTask("t1"), &models.EngineerResult{Success: true}, nil) {
		t.Fatal("enqueue rejected")
	}

	ev := f.waitForEvent(t)
	if ev.Kind != events.KindMergeCompleted || !ev.Success {
		t.Fatalf("expected successful merge, got %+v", ev)
	}
	if len(f.wt.merges) != 1 || f.wt.merges[0] != "main" {
		t.Errorf("base branch should be merged into the worktree first, got %v", f.wt.merges)
	}
	if len(f.repo.noFF) != 1 || f.repo.noFF[0] != "kugutsu/task-t1" {
		t.Errorf("expected one no-ff merge of the feature branch, got %v", f.repo.noFF)
	}
}

func TestMergeConflictLeavesWorktreeMidMerge(t *testing.T) {
	f := newMergeFixture(t)
	f.wt.scriptMerge("main", errors.New("merge failed"))
	f.wt.conflicted = true
	f.mc.Start()

	task := mergeTask("t1")
	history := []models.ReviewRecord{{Round: 1}}
	f.mc.Enqueue(task, &models.EngineerResult{Success: true, EngineerID: "eng-1"}, history)

	ev := f.waitForEvent(t)
	if ev.Kind != events.KindMergeConflictDetected {
		t.Fatalf("expected conflict event, got %+v", ev)
	}
	if ev.Task.ID != "t1" || len(ev.ReviewHistory) != 1 {
		t.Errorf("conflict event missing context: %+v", ev)
	}
	// The in-progress merge must stay in place for the resolution engineer.
	if f.wt.aborts != 0 {
		t.Error("conflicted worktree merge must not be aborted")
	}
	if len(f.repo.noFF) != 0 {
		t.Error("final merge must not run on a conflicted branch")
	}
}

func TestMergeRetriesFinalMergeThenFails(t *testing.T) {
	f := newMergeFixture(t)
	transient := errors.New("index.lock held")
	f.repo.scriptMerge("kugutsu/task-t1", transient, transient, transient)
	f.mc.Start()

	f.mc.Enqueue(mergeTask("t1"), &models.EngineerResult{Success: true}, nil)

	ev := f.waitForEvent(t)
	if ev.Kind != events.KindMergeCompleted || ev.Success {
		t.Fatalf("expected failed merge, got %+v", ev)
	}
	if len(f.repo.noFF) != mergeMaxRetries {
		t.Errorf("expected %d attempts, got %d", mergeMaxRetries, len(f.repo.noFF))
	}
	if f.repo.aborts != mergeMaxRetries {
		t.Errorf("expected an abort per failed attempt, got %d", f.repo.aborts)
	}
}

func TestMergeRecoversOnRetry(t *testing.T) {
	f := newMergeFixture(t)
	f.repo.scriptMerge("kugutsu/task-t1", errors.New("index.lock held"))
	f.mc.Start()

	f.mc.Enqueue(mergeTask("t1"), &models.EngineerResult{Success: true}, nil)

	ev := f.waitForEvent(t)
	if !ev.Success {
		t.Fatalf("expected recovery on second attempt, got %+v", ev)
	}
	if len(f.repo.noFF) != 2 {
		t.Errorf("expected 2 attempts, got %d", len(f.repo.noFF))
	}
}

func TestMergeSerializesRequests(t *testing.T) {
	f := newMergeFixture(t)
	f.mc.Start()

	for _, id := range []string{"t1", "t2", "t3"} {
		f.mc.Enqueue(mergeTask(id), &models.EngineerResult{Success: true}, nil)
	}

	var order []string
	for i := 0; i < 3; i++ {
		ev := f.waitForEvent(t)
		if !ev.Success {
			t.Fatalf("merge %d failed: %+v", i, ev)
		}
		order = append(order, ev.TaskID)
	}
	if order[0] != "t1" || order[1] != "t2" || order[2] != "t3" {
		t.Errorf("merges must complete in FIFO order, got %v", order)
	}
}

func TestMergePushesBaseBranchWhenRemoteEnabled(t *testing.T) {
	f := newMergeFixture(t)
	f.mc.PushOnMerge = true
	f.mc.Start()

	f.mc.Enqueue(mergeTask("t1"), &models.EngineerResult{Success: true}, nil)

	ev := f.waitForEvent(t)
	if !ev.Success {
		t.Fatalf("expected success, got %+v", ev)
	}
	f.repo.mu.Lock()
	pushed := f.repo.pushed
	f.repo.mu.Unlock()
	if len(pushed) != 1 || pushed[0] != "main" {
		t.Errorf("expected base branch pushed, got %v", pushed)
	}
}

func TestMergeSettlesBetweenItems(t *testing.T) {
	f := newMergeFixture(t)
	f.mc.stabilization = 60 * time.Millisecond
	// First request conflicts, second is clean. The settle delay must apply
	// after the conflicted item too, not only after successful merges.
	f.wt.scriptMerge("main", errors.New("merge failed"))
	f.wt.conflicted = true

	var mu sync.Mutex
	var stamps []time.Time
	stamp := func(events.Event) {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
	}
	f.bus.Subscribe(events.KindMergeConflictDetected, stamp)
	f.bus.Subscribe(events.KindMergeCompleted, stamp)

	f.mc.Start()
	f.mc.Enqueue(mergeTask("t1"), &models.EngineerResult{Success: true}, nil)
	f.mc.Enqueue(mergeTask("t2"), &models.EngineerResult{Success: true}, nil)

	first := f.waitForEvent(t)
	second := f.waitForEvent(t)
	if first.Kind != events.KindMergeConflictDetected || second.TaskID != "t2" {
		t.Fatalf("unexpected event sequence: %+v then %+v", first, second)
	}

	mu.Lock()
	gap := stamps[1].Sub(stamps[0])
	mu.Unlock()
	if gap < 50*time.Millisecond {
		t.Errorf("second item started %v after the first; want the settle delay between items", gap)
	}
}

func TestEnqueueAfterStop(t *testing.T) {
	f := newMergeFixture(t)
	f.mc.Start()
	f.mc.Stop()

	if f.mc.Enqueue(mergeTask("t1"), nil, nil) {
		t.Error("enqueue after stop must be rejected")
	}
}
