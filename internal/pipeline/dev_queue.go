package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kugutsu-dev/kugutsu/internal/agent"
	"github.com/kugutsu-dev/kugutsu/internal/events"
	"github.com/kugutsu-dev/kugutsu/internal/graph"
	"github.com/kugutsu-dev/kugutsu/internal/logging"
	"github.com/kugutsu-dev/kugutsu/internal/queue"
	"github.com/kugutsu-dev/kugutsu/internal/taskfile"
	"github.com/kugutsu-dev/kugutsu/internal/worktree"
	"github.com/kugutsu-dev/kugutsu/pkg/models"
)

const (
	// devMaxRetries bounds engineer failures per dispatch.
	devMaxRetries = 3
	// blockedPriority parks items whose dependencies are still pending at
	// the back of the queue.
	blockedPriority = -100
	// defaultPollInterval is how long a blocked item waits before requeueing.
	defaultPollInterval = 2 * time.Second
	// defaultRetryDelay is the pause before a failed attempt re-enters the
	// queue.
	defaultRetryDelay = 50 * time.Millisecond
)

// devPayload is one task awaiting development.
type devPayload struct {
	task *models.Task
}

// DevQueue dispatches tasks to engineer agents. All tasks are enqueued up
// front; items whose dependencies have not merged yet cycle back at parked
// priority until a merge promotes them.
//
// Engineers are sticky per original task: revision and conflict-resolution
// rounds reuse the engineer that did the initial work.
type DevQueue struct {
	queue     *queue.Queue[devPayload]
	graph     *graph.Manager
	worktrees *worktree.Manager
	factory   agent.EngineerFactory
	bus       *events.Bus
	logger    *logging.DebugLogger
	reporter  Reporter

	pollInterval time.Duration
	retryDelay   time.Duration

	mu        sync.Mutex
	engineers map[string]*agent.Engineer
	active    int
	maxActive int
}

// NewDevQueue creates a development queue running at most maxEngineers
// concurrent engineers.
func NewDevQueue(maxEngineers int, g *graph.Manager, wt *worktree.Manager, factory agent.EngineerFactory, bus *events.Bus, logger *logging.DebugLogger, reporter Reporter) *DevQueue {
	dq := &DevQueue{
		graph:        g,
		worktrees:    wt,
		factory:      factory,
		bus:          bus,
		logger:       logger,
		reporter:     reporter,
		pollInterval: defaultPollInterval,
		retryDelay:   defaultRetryDelay,
		engineers:    make(map[string]*agent.Engineer),
		maxActive:    maxEngineers,
	}
	dq.queue = queue.New[devPayload]("development", maxEngineers,
		queue.WithLogger[devPayload](logger.Log))
	return dq
}

// Start launches the engineer workers.
func (dq *DevQueue) Start(ctx context.Context) {
	dq.queue.Start(ctx, dq.process)
}

// Enqueue submits a task for development at its priority weight.
func (dq *DevQueue) Enqueue(task *models.Task) bool {
	return dq.enqueueAt(task, task.Priority.Weight(), 0)
}

// EnqueueUrgent submits a task ahead of normal work. Used for revision and
// conflict-resolution rounds, which hold a merged-or-blocked slot hostage.
func (dq *DevQueue) EnqueueUrgent(task *models.Task) bool {
	return dq.enqueueAt(task, models.PriorityHigh.Weight()+10, 0)
}

func (dq *DevQueue) enqueueAt(task *models.Task, priority, retries int) bool {
	return dq.queue.Enqueue(&queue.Item[devPayload]{
		ID:       task.ID,
		Priority: priority,
		Retries:  retries,
		Payload:  devPayload{task: task},
	})
}

// StopAndWait stops the queue and waits for in-flight engineers.
func (dq *DevQueue) StopAndWait() {
	dq.queue.StopAndWait()
}

// ActiveEngineers returns the number of engineers currently working.
func (dq *DevQueue) ActiveEngineers() int {
	dq.mu.Lock()
	defer dq.mu.Unlock()
	return dq.active
}

// process dispatches one task to an engineer.
func (dq *DevQueue) process(ctx context.Context, item *queue.Item[devPayload]) error {
	task := item.Payload.task

	// Conflict-resolution tasks are not graph nodes; everything else gates
	// on its dependencies.
	if !task.IsConflictResolution() {
		proceed, err := dq.gateOnDependencies(task, item)
		if err != nil || !proceed {
			return err
		}
	}

	if err := dq.ensureWorktree(task); err != nil {
		dq.failTask(task, fmt.Sprintf("prepare worktree: %v", err))
		return err
	}

	if err := dq.graph.MarkRunning(task.ID); err != nil && !errors.Is(err, graph.ErrUnknownTask) {
		dq.logger.Log("[dev] task %s: mark running: %v", task.ID, err)
	}
	dq.reporter.OnTaskStatus(task.ID, task.Title, "RUNNING")

	eng := dq.engineerFor(task)
	dq.setActive(+1)
	defer dq.setActive(-1)

	// Forward progress signals the engineer drops into its worktree.
	watcher, werr := agent.NewSignalWatcher(task.WorktreePath, func(sig agent.ProgressSignal) {
		dq.reporter.OnLog(eng.ID, sig.Message)
	})
	if werr == nil {
		watcher.Start(ctx)
		defer watcher.Close()
	}

	dq.logger.Log("[dev] task %s: engineer %s starting (attempt %d)", task.ID, eng.ID, item.Retries+1)
	result, err := eng.Agent.Run(ctx, task, task.WorktreePath)
	if err == nil && result != nil && !result.Success {
		err = errors.New(result.Error)
	}
	if err != nil {
		if item.Retries+1 >= devMaxRetries {
			dq.failTask(task, fmt.Sprintf("engineer failed after %d attempts: %v", item.Retries+1, err))
			return err
		}
		// Retries drop to neutral priority so waiting work is not starved
		// by a flapping task.
		dq.logger.Log("[dev] task %s: attempt %d failed, requeueing: %v", task.ID, item.Retries+1, err)
		dq.requeueLater(task, 0, item.Retries+1, 0)
		return err
	}

	result.EngineerID = eng.ID
	dq.bus.Publish(events.Event{
		Kind:       events.KindDevelopmentCompleted,
		TaskID:     task.ID,
		Task:       task,
		Result:     result,
		EngineerID: eng.ID,
	})
	return nil
}

// gateOnDependencies decides whether the task may run now. Returns false when
// the item was parked or dropped.
func (dq *DevQueue) gateOnDependencies(task *models.Task, item *queue.Item[devPayload]) (bool, error) {
	state, ok := dq.graph.GetState(task.ID)
	if !ok {
		return false, fmt.Errorf("%w: %s", graph.ErrUnknownTask, task.ID)
	}
	if state.Terminal() {
		// Cascade-failed while waiting in the queue. Drop silently; the
		// failure event already went out.
		dq.logger.Log("[dev] task %s: dropped, already %s", task.ID, state)
		return false, nil
	}
	if state == graph.StateRunning {
		// Revision round: the node stays RUNNING across review loopbacks.
		return true, nil
	}

	status, err := dq.graph.GetDependencyStatus(task.ID)
	if err != nil {
		return false, err
	}
	if len(status.BlockedBy) > 0 {
		// Terminal dependency failure. The graph cascade handles the state;
		// nothing to run.
		dq.logger.Log("[dev] task %s: dropped, blocked by %v", task.ID, status.BlockedBy)
		return false, nil
	}
	if !status.ReadyNow {
		dq.requeueLater(task, blockedPriority, item.Retries, dq.pollInterval)
		return false, nil
	}
	return true, nil
}

// ensureWorktree guarantees the task has a worktree to run in. Tasks carry
// their worktree across revision rounds; ForceNewWorktree recreates it so the
// branch forks from the advanced base tip.
func (dq *DevQueue) ensureWorktree(task *models.Task) error {
	if task.ForceNewWorktree {
		if err := dq.worktrees.CleanupCompletedTask(task.ID, true); err != nil {
			return err
		}
		task.ForceNewWorktree = false
		task.WorktreePath = ""
	}
	if task.WorktreePath != "" {
		return nil
	}

	wt, err := dq.worktrees.CreateForced(task.ID)
	if err != nil {
		return err
	}
	task.WorktreePath = wt.Path
	task.BranchName = wt.BranchName

	if _, err := taskfile.WriteInstructions(wt.Path, task); err != nil {
		dq.logger.Log("[dev] task %s: write instructions: %v", task.ID, err)
	}
	return nil
}

// engineerFor returns the sticky engineer for the task's original work.
func (dq *DevQueue) engineerFor(task *models.Task) *agent.Engineer {
	key := task.ID
	if task.OriginalTaskID != "" {
		key = task.OriginalTaskID
	}

	dq.mu.Lock()
	defer dq.mu.Unlock()
	if eng, ok := dq.engineers[key]; ok {
		return eng
	}
	eng := dq.factory.NewEngineer()
	dq.engineers[key] = eng
	return eng
}

// requeueLater re-enqueues the task after a delay, off the worker goroutine
// so the queue frees the ID first.
func (dq *DevQueue) requeueLater(task *models.Task, priority, retries int, delay time.Duration) {
	if delay <= 0 {
		delay = dq.retryDelay
	}
	go func() {
		time.Sleep(delay)
		dq.enqueueAt(task, priority, retries)
	}()
}

// ReleaseEngineer drops the sticky engineer for a finished task so the handle
// is not held for the rest of the run.
func (dq *DevQueue) ReleaseEngineer(taskID string) {
	dq.mu.Lock()
	defer dq.mu.Unlock()
	delete(dq.engineers, taskID)
}

// failTask publishes a terminal development failure.
func (dq *DevQueue) failTask(task *models.Task, reason string) {
	dq.logger.Log("[dev] task %s: failed: %s", task.ID, reason)
	key := task.ID
	if task.OriginalTaskID != "" {
		key = task.OriginalTaskID
	}
	dq.ReleaseEngineer(key)
	dq.bus.Publish(events.Event{
		Kind:   events.KindTaskFailed,
		TaskID: task.ID,
		Task:   task,
		Phase:  events.PhaseDevelopment,
		Reason: reason,
	})
}

func (dq *DevQueue) setActive(delta int) {
	dq.mu.Lock()
	dq.active += delta
	active := dq.active
	max := dq.maxActive
	dq.mu.Unlock()
	dq.reporter.OnEngineerCount(active, max)
}
