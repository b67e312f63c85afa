package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kugutsu-dev/kugutsu/internal/agent"
	"github.com/kugutsu-dev/kugutsu/internal/events"
	"github.com/kugutsu-dev/kugutsu/internal/graph"
	"github.com/kugutsu-dev/kugutsu/internal/logging"
	"github.com/kugutsu-dev/kugutsu/internal/state"
	"github.com/kugutsu-dev/kugutsu/internal/taskfile"
	"github.com/kugutsu-dev/kugutsu/internal/worktree"
	"github.com/kugutsu-dev/kugutsu/pkg/models"
)

const (
	revisionPrefix = "[revision] "
	conflictPrefix = "[conflict-resolution] "

	// defaultMaxRevisionRounds bounds review rejection loops per task.
	defaultMaxRevisionRounds = 5
)

// Options configures a Coordinator.
type Options struct {
	// RepoPath is the main repository.
	RepoPath string
	// BaseBranch is the integration branch.
	BaseBranch string
	// WorktreeBase is where per-task worktrees live. Empty uses the default.
	WorktreeBase string
	// MaxEngineers bounds concurrent development and review agents.
	MaxEngineers int
	// MaxRevisionRounds bounds review rejection loops per task. Zero uses
	// the default.
	MaxRevisionRounds int
	// UseRemote pushes the base branch to origin after each merge.
	UseRemote bool

	// Factory creates development engineers.
	Factory agent.EngineerFactory
	// Reviewer reviews development results.
	Reviewer agent.ReviewAgent
	// Reporter receives progress. Nil means no reporting.
	Reporter Reporter
	// Logger receives debug lines. Nil means no logging.
	Logger *logging.DebugLogger
	// Store persists run history. Optional.
	Store *state.Store
	// RunID identifies this run in the history store.
	RunID string
}

// Coordinator owns the whole pipeline: the event bus, the dependency graph,
// the three stages, and the completion tracker. One coordinator runs one task
// set to completion.
type Coordinator struct {
	opts Options

	bus       *events.Bus
	graph     *graph.Manager
	worktrees *worktree.Manager
	dev       *DevQueue
	review    *ReviewQueue
	merge     *MergeCoordinator
	tracker   *CompletionTracker
	reporter  Reporter
	logger    *logging.DebugLogger

	maxRevisionRounds int

	mu             sync.Mutex
	revisionRounds map[string]int

	registrations []*events.Registration
	startedAt     time.Time
}

// NewCoordinator creates a coordinator with real git-backed components.
func NewCoordinator(opts Options) (*Coordinator, error) {
	wt, err := worktree.NewManager(opts.WorktreeBase, opts.RepoPath, opts.BaseBranch)
	if err != nil {
		return nil, err
	}
	bus := events.NewBus()
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	mc := NewMergeCoordinator(opts.RepoPath, opts.BaseBranch, bus, logger)
	mc.PushOnMerge = opts.UseRemote
	return newCoordinator(opts, bus, wt, mc), nil
}

// newCoordinator wires the coordinator from prebuilt components (testable).
func newCoordinator(opts Options, bus *events.Bus, wt *worktree.Manager, mc *MergeCoordinator) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	reporter := opts.Reporter
	if reporter == nil {
		reporter = NopReporter{}
	}
	rounds := opts.MaxRevisionRounds
	if rounds <= 0 {
		rounds = defaultMaxRevisionRounds
	}

	g := graph.NewManager()
	c := &Coordinator{
		opts:              opts,
		bus:               bus,
		graph:             g,
		worktrees:         wt,
		merge:             mc,
		reporter:          reporter,
		logger:            logger,
		maxRevisionRounds: rounds,
		revisionRounds:    make(map[string]int),
	}
	c.dev = NewDevQueue(opts.MaxEngineers, g, wt, opts.Factory, bus, logger, reporter)
	c.review = NewReviewQueue(opts.MaxEngineers, opts.Reviewer, bus, logger)
	return c
}

// Bus exposes the pipeline event bus for external observers.
func (c *Coordinator) Bus() *events.Bus {
	return c.bus
}

// Initialize builds the dependency graph from the task set and wires the
// stage event handlers. Rejects empty sets and cyclic graphs.
func (c *Coordinator) Initialize(set *models.TaskSet) error {
	if set == nil || len(set.Tasks) == 0 {
		return fmt.Errorf("task set is empty")
	}
	if err := c.graph.Build(set.Tasks); err != nil {
		return fmt.Errorf("build dependency graph: %w", err)
	}
	if cycles := c.graph.DetectCycles(); len(cycles) > 0 {
		parts := make([]string, len(cycles))
		for i, cycle := range cycles {
			parts[i] = strings.Join(cycle, " -> ")
		}
		return fmt.Errorf("%w: %s", graph.ErrCycleDetected, strings.Join(parts, "; "))
	}

	c.tracker = NewCompletionTracker(c.bus, set.Tasks)

	if path, err := taskfile.Snapshot(c.opts.RepoPath, set); err != nil {
		c.logger.Log("[coordinator] plan snapshot failed: %v", err)
	} else {
		c.logger.Log("[coordinator] plan snapshot at %s", path)
	}

	if c.opts.Store != nil {
		err := c.opts.Store.BeginRun(state.Run{
			ID:         c.opts.RunID,
			Request:    set.Summary,
			BaseBranch: c.opts.BaseBranch,
			StartedAt:  time.Now(),
			TotalTasks: len(set.Tasks),
		})
		if err != nil {
			c.logger.Log("[coordinator] record run start: %v", err)
		}
	}

	c.subscribe(events.KindDevelopmentCompleted, c.onDevelopmentCompleted)
	c.subscribe(events.KindReviewCompleted, c.onReviewCompleted)
	c.subscribe(events.KindMergeConflictDetected, c.onMergeConflict)
	c.subscribe(events.KindMergeCompleted, c.onMergeCompleted)
	c.subscribe(events.KindTaskFailed, c.onTaskFailed)
	c.subscribe(events.KindTaskCompleted, c.onProgress)
	return nil
}

// Start launches all stages and enqueues the full task set.
func (c *Coordinator) Start(ctx context.Context, set *models.TaskSet) {
	c.startedAt = time.Now()
	c.merge.Start()
	c.review.Start(ctx)
	c.dev.Start(ctx)

	for _, task := range set.Tasks {
		c.dev.Enqueue(task)
		if s, _ := c.graph.GetState(task.ID); s == graph.StateReady {
			c.reporter.OnTaskStatus(task.ID, task.Title, "READY")
		}
	}
}

// WaitForCompletion blocks until every task reached a terminal outcome or the
// context was cancelled. Returns the run summary.
func (c *Coordinator) WaitForCompletion(ctx context.Context) (Summary, error) {
	select {
	case <-ctx.Done():
		return c.summary(), ctx.Err()
	case <-c.tracker.AllDone():
	}

	summary := c.summary()
	c.reporter.OnAllCompleted(summary)

	if c.opts.Store != nil {
		if err := c.opts.Store.FinishRun(c.opts.RunID, time.Now(), summary.Merged, summary.Failed); err != nil {
			c.logger.Log("[coordinator] record run finish: %v", err)
		}
	}
	return summary, nil
}

// Cleanup tears the pipeline down: stops the stages, removes worktrees and
// feature branches, and closes the bus.
func (c *Coordinator) Cleanup() {
	c.dev.StopAndWait()
	c.review.StopAndWait()
	c.merge.Stop()

	for _, reg := range c.registrations {
		reg.Unregister()
	}
	if err := c.worktrees.CleanupAll(true); err != nil {
		c.logger.Log("[coordinator] worktree cleanup: %v", err)
	}
	c.bus.Close()
}

func (c *Coordinator) subscribe(kind events.Kind, h events.Handler) {
	c.registrations = append(c.registrations, c.bus.Subscribe(kind, h))
}

func (c *Coordinator) summary() Summary {
	completed, failed, total := c.tracker.Counts()
	return Summary{
		Total:         total,
		Merged:        completed - failed,
		Failed:        failed,
		FailedTaskIDs: c.tracker.FailedTasks(),
		Duration:      time.Since(c.startedAt),
	}
}

// originalID resolves the graph and tracking key for a task, collapsing
// conflict-resolution variants onto the task they repair.
func originalID(task *models.Task) string {
	if task.OriginalTaskID != "" {
		return task.OriginalTaskID
	}
	return task.ID
}

// onDevelopmentCompleted hands a finished development round to review.
func (c *Coordinator) onDevelopmentCompleted(ev events.Event) {
	c.reporter.OnTaskStatus(ev.TaskID, ev.Task.Title, "DEVELOPED")
	c.review.Enqueue(ev.Task, ev.Result, ev.EngineerID)
}

// onReviewCompleted routes a verdict: approved work goes to merge, rejected
// work loops back to the same engineer as a revision round.
func (c *Coordinator) onReviewCompleted(ev events.Event) {
	task := ev.Task
	id := originalID(task)

	if !ev.NeedsRevision {
		if !task.IsConflictResolution() {
			if err := c.graph.MarkDeveloped(id); err != nil {
				c.logger.Log("[coordinator] task %s: mark developed: %v", id, err)
			}
			if err := c.graph.MarkMerging(id); err != nil {
				c.logger.Log("[coordinator] task %s: mark merging: %v", id, err)
			}
		}
		c.reporter.OnTaskStatus(id, c.tracker.Title(id), "MERGING")
		c.bus.Publish(events.Event{
			Kind:          events.KindMergeReady,
			TaskID:        task.ID,
			Task:          task,
			Result:        ev.Result,
			ReviewHistory: ev.ReviewHistory,
		})
		c.merge.Enqueue(task, ev.Result, ev.ReviewHistory)
		return
	}

	c.mu.Lock()
	c.revisionRounds[id]++
	round := c.revisionRounds[id]
	c.mu.Unlock()

	if round >= c.maxRevisionRounds {
		c.bus.Publish(events.Event{
			Kind:   events.KindTaskFailed,
			TaskID: task.ID,
			Task:   task,
			Phase:  events.PhaseReview,
			Reason: fmt.Sprintf("not approved after %d revision rounds", round),
		})
		return
	}

	revision := revisionTask(task, ev.Verdict)
	c.logger.Log("[coordinator] task %s: revision round %d", id, round)
	c.enqueueUrgent(revision)
}

// enqueueUrgent enqueues with a short retry, covering the window where the
// previous round with the same ID is still draining from the queue.
func (c *Coordinator) enqueueUrgent(task *models.Task) {
	if c.dev.EnqueueUrgent(task) {
		return
	}
	go func() {
		time.Sleep(100 * time.Millisecond)
		c.dev.EnqueueUrgent(task)
	}()
}

// revisionTask derives the next development round from a rejected one. The ID
// is preserved so the task keeps its worktree, engineer, and graph node.
func revisionTask(task *models.Task, verdict *models.ReviewVerdict) *models.Task {
	base := strings.TrimPrefix(task.Title, revisionPrefix)

	var b strings.Builder
	b.WriteString(task.Description)
	b.WriteString("\n\nA reviewer rejected the previous round. Address every concern:\n")
	for _, comment := range verdict.Comments {
		fmt.Fprintf(&b, "- %s\n", comment)
	}

	rev := *task
	rev.Title = revisionPrefix + base
	rev.Description = b.String()
	return &rev
}

// onMergeConflict spawns (or re-arms) the conflict-resolution task for a
// conflicted merge. The variant reuses the original worktree, which was left
// mid-merge with its conflict markers.
func (c *Coordinator) onMergeConflict(ev events.Event) {
	task := ev.Task
	id := originalID(task)

	engineerID := ""
	if ev.Result != nil {
		engineerID = ev.Result.EngineerID
	}

	cr := &models.Task{
		ID:             id + "-conflict",
		Title:          conflictPrefix + c.tracker.Title(id),
		Description:    "Finish the in-progress merge in this worktree. Resolve every conflict and commit.",
		Kind:           models.TaskKindConflictResolution,
		Priority:       models.PriorityHigh,
		OriginalTaskID: id,
		BranchName:     task.BranchName,
		WorktreePath:   task.WorktreePath,
		ConflictContext: &models.ConflictContext{
			EngineerID:    engineerID,
			Result:        ev.Result,
			ReviewHistory: ev.ReviewHistory,
		},
	}

	c.logger.Log("[coordinator] task %s: merge conflict, spawning %s", id, cr.ID)
	c.enqueueUrgent(cr)
}

// onMergeCompleted finalizes a merge outcome: success promotes dependents and
// reclaims the worktree, failure cascades.
func (c *Coordinator) onMergeCompleted(ev events.Event) {
	id := originalID(ev.Task)

	if !ev.Success {
		c.failCascade(id, ev.Task, events.PhaseMerge, ev.Reason)
		return
	}

	promoted, err := c.graph.MarkMerged(id)
	if err != nil {
		c.logger.Log("[coordinator] task %s: mark merged: %v", id, err)
	}

	// Branches repaired by a conflict-resolution round are retained.
	deleteBranch := !ev.Task.IsConflictResolution()
	if err := c.worktrees.CleanupCompletedTask(id, deleteBranch); err != nil {
		c.logger.Log("[coordinator] task %s: worktree cleanup: %v", id, err)
	}
	c.dev.ReleaseEngineer(id)

	if c.opts.Store != nil {
		_ = c.opts.Store.RecordTaskResult(state.TaskResult{
			RunID:  c.opts.RunID,
			TaskID: id,
			Title:  c.tracker.Title(id),
			State:  string(graph.StateMerged),
		})
	}

	c.reporter.OnTaskStatus(id, c.tracker.Title(id), "MERGED")
	c.tracker.RecordCompleted(id)

	if len(promoted) > 0 {
		ready := make([]string, len(promoted))
		for i, p := range promoted {
			// Fork from the advanced base tip, not a stale one.
			p.ForceNewWorktree = true
			ready[i] = p.ID
			c.reporter.OnTaskStatus(p.ID, p.Title, "READY")
		}
		c.bus.Publish(events.Event{
			Kind:       events.KindDependencyResolved,
			TaskID:     id,
			NewlyReady: ready,
		})
	}
}

// onTaskFailed records a terminal failure and cascades it to dependents.
func (c *Coordinator) onTaskFailed(ev events.Event) {
	c.failCascade(originalID(ev.Task), ev.Task, ev.Phase, ev.Reason)
}

// failCascade marks the task failed, fails every transitive dependent, and
// records all of them. Idempotent per task; re-entrant publishes settle
// because an already-failed task produces an empty cascade.
func (c *Coordinator) failCascade(id string, task *models.Task, phase events.Phase, reason string) {
	cascade, err := c.graph.MarkFailed(id)
	if err != nil {
		c.logger.Log("[coordinator] task %s: mark failed: %v", id, err)
	}

	// A failed conflict-resolution round keeps its worktree and branch so
	// the half-resolved merge state survives for inspection.
	if task == nil || !task.IsConflictResolution() {
		if err := c.worktrees.CleanupCompletedTask(id, true); err != nil {
			c.logger.Log("[coordinator] task %s: worktree cleanup: %v", id, err)
		}
	}
	c.dev.ReleaseEngineer(id)

	if c.opts.Store != nil {
		_ = c.opts.Store.RecordTaskResult(state.TaskResult{
			RunID:  c.opts.RunID,
			TaskID: id,
			Title:  c.tracker.Title(id),
			State:  string(graph.StateFailed),
			Detail: reason,
		})
	}

	c.reporter.OnTaskStatus(id, c.tracker.Title(id), "FAILED")
	c.tracker.RecordFailed(id)

	for _, dep := range cascade {
		c.bus.Publish(events.Event{
			Kind:   events.KindTaskFailed,
			TaskID: dep.ID,
			Task:   dep,
			Phase:  phase,
			Reason: fmt.Sprintf("dependency %s failed: %s", id, reason),
		})
	}
}

// onProgress surfaces completion counts.
func (c *Coordinator) onProgress(ev events.Event) {
	c.reporter.OnLog("", fmt.Sprintf("progress: %d/%d tasks finished", ev.Completed, ev.Total))
}
