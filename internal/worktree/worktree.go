// Package worktree manages per-task isolated git worktrees and feature branches.
package worktree

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kugutsu-dev/kugutsu/internal/git"
)

// BranchPrefix namespaces the feature branches this manager creates.
const BranchPrefix = "kugutsu/task-"

// Worktree represents a per-task working copy.
type Worktree struct {
	// TaskID is the task this worktree belongs to.
	TaskID string
	// Path is the absolute path to the worktree directory.
	Path string
	// BranchName is the feature branch checked out in the worktree.
	BranchName string
	// CreatedAt is when the worktree was created.
	CreatedAt time.Time
}

// Manager creates and reclaims per-task worktrees. For a given task ID there
// is at most one active worktree at a time.
type Manager struct {
	baseDir    string
	repoPath   string
	baseBranch string
	git        git.Runner

	mu     sync.Mutex
	active map[string]*Worktree
}

// NewManager creates a worktree manager. baseDir is where worktrees are
// created; repoPath is the main repository; baseBranch is the branch feature
// branches fork from.
func NewManager(baseDir, repoPath, baseBranch string) (*Manager, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".cache", "kugutsu", "worktrees")
	}

	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create worktree base directory: %w", err)
	}

	return &Manager{
		baseDir:    baseDir,
		repoPath:   repoPath,
		baseBranch: baseBranch,
		git:        git.NewRunner(repoPath),
		active:     make(map[string]*Worktree),
	}, nil
}

// NewManagerWithRunner creates a manager with a custom git runner (for testing).
func NewManagerWithRunner(baseDir, repoPath, baseBranch string, runner git.Runner) *Manager {
	return &Manager{
		baseDir:    baseDir,
		repoPath:   repoPath,
		baseBranch: baseBranch,
		git:        runner,
		active:     make(map[string]*Worktree),
	}
}

// BranchNameFor returns the deterministic feature branch name for a task.
func BranchNameFor(taskID string) string {
	return BranchPrefix + taskID
}

// BaseDir returns the directory worktrees are created under.
func (m *Manager) BaseDir() string {
	return m.baseDir
}

// Get returns the active worktree for the task, if any.
func (m *Manager) Get(taskID string) (*Worktree, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wt, ok := m.active[taskID]
	return wt, ok
}

// CreateForced creates a fresh worktree for the task with its feature branch
// forked from the current base branch tip. Fails if the task already has an
// active worktree, if the target path exists on disk, or if the branch name
// is taken.
func (m *Manager) CreateForced(taskID string) (*Worktree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[taskID]; exists {
		return nil, fmt.Errorf("task %s already has an active worktree", taskID)
	}

	path := filepath.Join(m.baseDir, taskID)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("worktree path %s already exists", path)
	}

	branch := BranchNameFor(taskID)
	if exists, err := m.git.BranchExists(branch); err != nil {
		return nil, fmt.Errorf("check branch %s: %w", branch, err)
	} else if exists {
		return nil, fmt.Errorf("feature branch %s already exists", branch)
	}

	if err := m.git.WorktreeAddNewBranch(path, branch, m.baseBranch); err != nil {
		return nil, fmt.Errorf("create worktree for task %s: %w", taskID, err)
	}

	wt := &Worktree{
		TaskID:     taskID,
		Path:       path,
		BranchName: branch,
		CreatedAt:  time.Now(),
	}
	m.active[taskID] = wt
	return wt, nil
}

// Remove removes the task's worktree. Safe to call repeatedly; removing an
// unknown task is a no-op.
func (m *Manager) Remove(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(taskID)
}

func (m *Manager) removeLocked(taskID string) error {
	wt, ok := m.active[taskID]
	if !ok {
		return nil
	}

	if err := m.git.WorktreeRemove(wt.Path, true); err != nil {
		// The directory may already be gone; prune and fall through.
		if _, statErr := os.Stat(wt.Path); statErr == nil {
			return fmt.Errorf("remove worktree for task %s: %w", taskID, err)
		}
		_ = m.git.WorktreePrune()
	}

	delete(m.active, taskID)
	return nil
}

// CleanupCompletedTask removes the task's worktree and, when deleteBranch is
// set, deletes its feature branch. Conflict-resolution callers pass
// deleteBranch=false so the branch under repair is preserved. Idempotent.
func (m *Manager) CleanupCompletedTask(taskID string, deleteBranch bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	branch := BranchNameFor(taskID)
	if wt, ok := m.active[taskID]; ok {
		branch = wt.BranchName
	}

	if err := m.removeLocked(taskID); err != nil {
		return err
	}

	if deleteBranch {
		if exists, err := m.git.BranchExists(branch); err == nil && exists {
			if err := m.git.DeleteBranch(branch); err != nil {
				return fmt.Errorf("delete branch %s: %w", branch, err)
			}
		}
	}
	return nil
}

// CleanupAll removes every active worktree and optionally the feature
// branches. Used for the shutdown sweep.
func (m *Manager) CleanupAll(deleteBranches bool) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := m.CleanupCompletedTask(id, deleteBranches); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	_ = m.git.WorktreePrune()
	return firstErr
}

// ActiveCount returns the number of active worktrees.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}
