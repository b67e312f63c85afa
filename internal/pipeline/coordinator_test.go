package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kugutsu-dev/kugutsu/internal/events"
	"github.com/kugutsu-dev/kugutsu/internal/git"
	"github.com/kugutsu-dev/kugutsu/internal/graph"
	"github.com/kugutsu-dev/kugutsu/internal/worktree"
	"github.com/kugutsu-dev/kugutsu/pkg/models"
)

type coordFixture struct {
	c        *Coordinator
	repo     *fakeGit
	wt       *fakeGit
	agent    *fakeDevAgent
	reviewer *fakeReviewer

	mu  sync.Mutex
	log []events.Event
}

func newCoordFixture(t *testing.T) *coordFixture {
	t.Helper()
	f := &coordFixture{
		repo:     newFakeGit("/repo"),
		wt:       newFakeGit("/wt"),
		agent:    newFakeDevAgent(),
		reviewer: newFakeReviewer(),
	}

	opts := Options{
		RepoPath:     t.TempDir(),
		BaseBranch:   "main",
		MaxEngineers: 2,
		Factory:      &fakeFactory{agent: f.agent},
		Reviewer:     f.reviewer,
	}

	bus := events.NewBus()
	wtMgr := worktree.NewManagerWithRunner(t.TempDir(), "/repo", "main", f.repo)
	mc := NewMergeCoordinatorWithRunners(
		f.repo,
		func(dir string) git.Runner { return f.wt },
		"main", bus, nil,
	)
	mc.stabilization = 0

	f.c = newCoordinator(opts, bus, wtMgr, mc)
	f.c.dev.pollInterval = 20 * time.Millisecond

	bus.OnAny(func(ev events.Event) {
		f.mu.Lock()
		f.log = append(f.log, ev)
		f.mu.Unlock()
	})
	return f
}

// run drives a task set to completion and returns the summary.
func (f *coordFixture) run(t *testing.T, set *models.TaskSet) Summary {
	t.Helper()
	if err := f.c.Initialize(set); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	f.c.Start(ctx, set)

	summary, err := f.c.WaitForCompletion(ctx)
	if err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	f.c.Cleanup()
	return summary
}

func (f *coordFixture) eventsOf(kind events.Kind) []events.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []events.Event
	for _, ev := range f.log {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func taskSet(tasks ...*models.Task) *models.TaskSet {
	return &models.TaskSet{Tasks: tasks, Summary: "test run", ProjectID: "p1"}
}

func TestPipelineHappyPathChain(t *testing.T) {
	f := newCoordFixture(t)
	a, b := devTask("a"), devTask("b", "a")

	summary := f.run(t, taskSet(a, b))

	if summary.Total != 2 || summary.Merged != 2 || summary.Failed != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	// The dependent must merge strictly after its dependency.
	merges := f.eventsOf(events.KindMergeCompleted)
	if len(merges) != 2 || merges[0].TaskID != "a" || merges[1].TaskID != "b" {
		t.Errorf("unexpected merge order: %+v", merges)
	}

	resolved := f.eventsOf(events.KindDependencyResolved)
	if len(resolved) != 1 || len(resolved[0].NewlyReady) != 1 || resolved[0].NewlyReady[0] != "b" {
		t.Errorf("expected b promoted by a's merge, got %+v", resolved)
	}
	if len(f.eventsOf(events.KindAllTasksCompleted)) != 1 {
		t.Error("expected exactly one all-tasks-completed event")
	}
}

func TestPipelineParallelIndependentTasks(t *testing.T) {
	f := newCoordFixture(t)
	set := taskSet(devTask("a"), devTask("b"), devTask("c"))

	summary := f.run(t, set)

	if summary.Merged != 3 || summary.Failed != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if len(f.eventsOf(events.KindMergeCompleted)) != 3 {
		t.Error("every task must merge")
	}
}

func TestPipelineRevisionLoop(t *testing.T) {
	f := newCoordFixture(t)
	task := devTask("t1")
	f.reviewer.script("t1",
		&models.ReviewVerdict{Approved: false, Comments: []string{"add error handling"}})

	summary := f.run(t, taskSet(task))

	if summary.Merged != 1 || summary.Failed != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if got := f.agent.runCount("t1"); got != 2 {
		t.Errorf("expected original + revision round, got %d runs", got)
	}

	// The revision round must carry the reviewer's concerns.
	completions := f.eventsOf(events.KindDevelopmentCompleted)
	if len(completions) != 2 {
		t.Fatalf("expected 2 development rounds, got %d", len(completions))
	}
	second := completions[1].Task
	if !strings.HasPrefix(second.Title, revisionPrefix) {
		t.Errorf("revision round title not marked: %q", second.Title)
	}
	if !strings.Contains(second.Description, "add error handling") {
		t.Error("revision description must include reviewer concerns")
	}
}

func TestPipelineRevisionRoundsExhausted(t *testing.T) {
	f := newCoordFixture(t)
	task := devTask("t1")
	reject := &models.ReviewVerdict{Approved: false, Comments: []string{"still wrong"}}
	f.reviewer.script("t1", reject, reject, reject, reject, reject, reject, reject)

	summary := f.run(t, taskSet(task))

	if summary.Failed != 1 {
		t.Fatalf("expected terminal failure, got %+v", summary)
	}
	failures := f.eventsOf(events.KindTaskFailed)
	if len(failures) == 0 || failures[0].Phase != events.PhaseReview {
		t.Errorf("expected review-phase failure, got %+v", failures)
	}
}

func TestPipelineConflictResolutionLoop(t *testing.T) {
	f := newCoordFixture(t)
	task := devTask("t1")
	// First base-into-feature merge conflicts; the retry (after resolution)
	// is clean.
	f.wt.scriptMerge("main", errors.New("merge conflict"))
	f.wt.conflicted = true

	summary := f.run(t, taskSet(task))

	if summary.Merged != 1 || summary.Failed != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	conflicts := f.eventsOf(events.KindMergeConflictDetected)
	if len(conflicts) != 1 {
		t.Fatalf("expected one conflict event, got %d", len(conflicts))
	}

	// A conflict-resolution round must have run in the original worktree.
	if got := f.agent.runCount("t1-conflict"); got != 1 {
		t.Errorf("expected one conflict-resolution round, got %d", got)
	}
	completions := f.eventsOf(events.KindDevelopmentCompleted)
	var cr *models.Task
	for _, ev := range completions {
		if ev.Task.IsConflictResolution() {
			cr = ev.Task
		}
	}
	if cr == nil {
		t.Fatal("no conflict-resolution round observed")
	}
	if cr.OriginalTaskID != "t1" || !strings.HasPrefix(cr.Title, conflictPrefix) {
		t.Errorf("unexpected conflict-resolution task %+v", cr)
	}
	if cr.WorktreePath != task.WorktreePath {
		t.Error("conflict resolution must reuse the original worktree")
	}
}

func TestPipelineConflictResolutionRetainsRepairedBranch(t *testing.T) {
	f := newCoordFixture(t)
	task := devTask("t1")
	f.wt.scriptMerge("main", errors.New("merge conflict"))
	f.wt.conflicted = true

	summary := f.run(t, taskSet(task))
	if summary.Merged != 1 || summary.Failed != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	// The branch carries the resolved merge; only the worktree is reclaimed.
	f.repo.mu.Lock()
	deleted := append([]string(nil), f.repo.deleted...)
	kept := f.repo.branches["kugutsu/task-t1"]
	f.repo.mu.Unlock()
	for _, b := range deleted {
		if b == "kugutsu/task-t1" {
			t.Errorf("repaired branch must not be deleted, deletions: %v", deleted)
		}
	}
	if !kept {
		t.Error("repaired branch missing after merge")
	}
}

func TestPipelineFailedConflictResolutionKeepsWorktree(t *testing.T) {
	f := newCoordFixture(t)
	task := devTask("t1")
	f.wt.scriptMerge("main", errors.New("merge conflict"))
	f.wt.conflicted = true
	f.agent.failures["t1-conflict"] = devMaxRetries + 1

	set := taskSet(task)
	if err := f.c.Initialize(set); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	f.c.Start(ctx, set)
	summary, err := f.c.WaitForCompletion(ctx)
	if err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	if summary.Failed != 1 {
		t.Fatalf("expected terminal failure, got %+v", summary)
	}

	// The mid-merge worktree and its branch survive for inspection.
	f.repo.mu.Lock()
	removed := len(f.repo.removed)
	deleted := len(f.repo.deleted)
	kept := f.repo.branches["kugutsu/task-t1"]
	f.repo.mu.Unlock()
	if removed != 0 {
		t.Errorf("conflicted worktree must not be removed, got %d removals", removed)
	}
	if deleted != 0 || !kept {
		t.Errorf("conflicted branch must survive, deleted=%d kept=%v", deleted, kept)
	}
}

func TestPipelineReleasesEngineersAfterRun(t *testing.T) {
	f := newCoordFixture(t)
	a, b := devTask("a"), devTask("b")
	f.agent.failures["b"] = devMaxRetries + 1

	summary := f.run(t, taskSet(a, b))
	if summary.Merged != 1 || summary.Failed != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	f.c.dev.mu.Lock()
	held := len(f.c.dev.engineers)
	f.c.dev.mu.Unlock()
	if held != 0 {
		t.Errorf("all engineer handles must be released, %d held", held)
	}
}

func TestPipelineCascadeFailure(t *testing.T) {
	f := newCoordFixture(t)
	a, b, c := devTask("a"), devTask("b", "a"), devTask("c")
	f.agent.failures["a"] = devMaxRetries + 1

	summary := f.run(t, taskSet(a, b, c))

	if summary.Merged != 1 || summary.Failed != 2 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	failed := map[string]bool{}
	for _, id := range summary.FailedTaskIDs {
		failed[id] = true
	}
	if !failed["a"] || !failed["b"] || failed["c"] {
		t.Errorf("expected {a, b} failed and c merged, got %v", summary.FailedTaskIDs)
	}
}

func TestInitializeRejectsCycles(t *testing.T) {
	f := newCoordFixture(t)
	err := f.c.Initialize(taskSet(devTask("a", "b"), devTask("b", "a")))
	if !errors.Is(err, graph.ErrCycleDetected) {
		t.Errorf("expected cycle error, got %v", err)
	}
}

func TestInitializeRejectsEmptySet(t *testing.T) {
	f := newCoordFixture(t)
	if err := f.c.Initialize(taskSet()); err == nil {
		t.Error("expected error for empty set")
	}
}
