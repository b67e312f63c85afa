package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/kugutsu-dev/kugutsu/internal/events"
	"github.com/kugutsu-dev/kugutsu/internal/git"
	"github.com/kugutsu-dev/kugutsu/internal/logging"
	"github.com/kugutsu-dev/kugutsu/pkg/models"
)

const (
	// mergeMaxRetries bounds final-merge attempts before the task fails.
	mergeMaxRetries = 3
	// mergeStabilization is the settle delay after each processed request,
	// so follow-up worktrees fork from a quiesced base tip.
	mergeStabilization = 1 * time.Second
)

// mergeRequest is one task waiting for its turn at the base branch.
type mergeRequest struct {
	task    *models.Task
	result  *models.EngineerResult
	history []models.ReviewRecord
}

// MergeCoordinator serializes merges into the base branch. A single worker
// drains the request channel so at most one merge touches the base branch at
// a time.
//
// For each request it first brings the base branch into the feature branch
// inside the task's worktree. If that leaves conflicts, the worktree is left
// mid-merge with its markers intact and a conflict event is published so a
// resolution task can repair it. Clean requests proceed to a no-ff merge of
// the feature branch into the base branch in the main repository.
type MergeCoordinator struct {
	repoGit    git.Runner
	newRunner  func(dir string) git.Runner
	baseBranch string
	bus        *events.Bus
	logger     *logging.DebugLogger

	stabilization time.Duration
	// PushOnMerge pushes the base branch to origin after each merge.
	PushOnMerge bool

	mu       sync.Mutex
	requests chan mergeRequest
	stopOnce sync.Once
	done     chan struct{}
}

// NewMergeCoordinator creates a merge coordinator for the repository.
func NewMergeCoordinator(repoPath, baseBranch string, bus *events.Bus, logger *logging.DebugLogger) *MergeCoordinator {
	return NewMergeCoordinatorWithRunners(
		git.NewRunner(repoPath),
		func(dir string) git.Runner { return git.NewRunner(dir) },
		baseBranch, bus, logger,
	)
}

// NewMergeCoordinatorWithRunners creates a coordinator with injected git
// runners (for testing).
func NewMergeCoordinatorWithRunners(repoGit git.Runner, newRunner func(string) git.Runner, baseBranch string, bus *events.Bus, logger *logging.DebugLogger) *MergeCoordinator {
	return &MergeCoordinator{
		repoGit:       repoGit,
		newRunner:     newRunner,
		baseBranch:    baseBranch,
		bus:           bus,
		logger:        logger,
		stabilization: mergeStabilization,
		requests:      make(chan mergeRequest, 64),
		done:          make(chan struct{}),
	}
}

// Start launches the single merge worker.
func (m *MergeCoordinator) Start() {
	go m.worker()
}

// Enqueue queues a task for merging. Returns false after Stop.
func (m *MergeCoordinator) Enqueue(task *models.Task, result *models.EngineerResult, history []models.ReviewRecord) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.requests <- mergeRequest{task: task, result: result, history: history}:
		return true
	case <-m.done:
		return false
	}
}

// Stop stops accepting requests and lets the worker drain.
func (m *MergeCoordinator) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
}

// worker drains merge requests one at a time.
func (m *MergeCoordinator) worker() {
	for {
		select {
		case req := <-m.requests:
			m.process(req)
			m.settle()
		case <-m.done:
			// Drain anything already queued before exiting.
			for {
				select {
				case req := <-m.requests:
					m.process(req)
					m.settle()
				default:
					return
				}
			}
		}
	}
}

// process runs the full merge protocol for one task.
func (m *MergeCoordinator) process(req mergeRequest) {
	task := req.task
	m.logger.Log("[merge] task %s (%s): start", task.ID, task.BranchName)

	// Step 1: bring the base branch into the feature branch so the final
	// merge sees an up-to-date ancestor.
	wtGit := m.newRunner(task.WorktreePath)
	if err := wtGit.Merge(m.baseBranch); err != nil {
		conflicted, cErr := wtGit.HasConflicts()
		if cErr == nil && conflicted {
			// Leave the worktree mid-merge with its conflict markers so a
			// resolution engineer can finish the merge in place.
			files, _ := wtGit.ConflictedFiles()
			m.logger.Log("[merge] task %s: conflicts in %v", task.ID, files)
			m.bus.Publish(events.Event{
				Kind:          events.KindMergeConflictDetected,
				TaskID:        task.ID,
				Task:          task,
				Result:        req.result,
				ReviewHistory: req.history,
			})
			return
		}
		m.fail(task, fmt.Sprintf("merge %s into %s: %v", m.baseBranch, task.BranchName, err))
		return
	}

	// Step 2: serialize the final merge into the base branch.
	m.mu.Lock()
	err := m.finalMerge(task)
	m.mu.Unlock()

	if err != nil {
		m.fail(task, err.Error())
		return
	}

	m.logger.Log("[merge] task %s: merged into %s", task.ID, m.baseBranch)
	m.bus.Publish(events.Event{
		Kind:    events.KindMergeCompleted,
		TaskID:  task.ID,
		Task:    task,
		Success: true,
	})
}

// finalMerge merges the feature branch into the base branch with a merge
// commit, retrying transient failures with an abort in between.
func (m *MergeCoordinator) finalMerge(task *models.Task) error {
	message := fmt.Sprintf("Merge task %s: %s", task.ID, task.Title)

	var lastErr error
	for attempt := 1; attempt <= mergeMaxRetries; attempt++ {
		if err := m.repoGit.CheckoutBranch(m.baseBranch); err != nil {
			lastErr = fmt.Errorf("checkout %s: %w", m.baseBranch, err)
			continue
		}
		if err := m.repoGit.MergeNoFFMessage(task.BranchName, message); err == nil {
			if m.PushOnMerge {
				if pushErr := m.repoGit.Push(m.baseBranch); pushErr != nil {
					m.logger.Log("[merge] task %s: push %s: %v", task.ID, m.baseBranch, pushErr)
				}
			}
			return nil
		} else {
			lastErr = err
			m.logger.Log("[merge] task %s: attempt %d failed: %v", task.ID, attempt, err)
			_ = m.repoGit.MergeAbort()
		}
	}
	return fmt.Errorf("merge %s into %s after %d attempts: %w",
		task.BranchName, m.baseBranch, mergeMaxRetries, lastErr)
}

// settle pauses between processed items so the repository quiesces before the
// next merge or dependent worktree touches it.
func (m *MergeCoordinator) settle() {
	if m.stabilization > 0 {
		time.Sleep(m.stabilization)
	}
}

// fail publishes a merge failure for the task.
func (m *MergeCoordinator) fail(task *models.Task, reason string) {
	m.logger.Log("[merge] task %s: failed: %s", task.ID, reason)
	m.bus.Publish(events.Event{
		Kind:    events.KindMergeCompleted,
		TaskID:  task.ID,
		Task:    task,
		Success: false,
		Reason:  reason,
	})
}
