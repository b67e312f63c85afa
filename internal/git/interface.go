// Package git provides an interface for git operations over subprocess.
package git

// BranchOperations defines the interface for git branch operations.
type BranchOperations interface {
	// CurrentBranch returns the name of the current branch.
	CurrentBranch() (string, error)
	// CheckoutBranch switches to the specified branch.
	CheckoutBranch(name string) error
	// BranchExists returns true if the branch exists.
	BranchExists(name string) (bool, error)
	// DeleteBranch deletes the specified branch (force delete).
	DeleteBranch(name string) error
	// RevParse resolves a revision to its commit hash.
	RevParse(rev string) (string, error)
}

// StatusOperations defines the interface for git status and diff operations.
type StatusOperations interface {
	// Status returns the output of git status --porcelain.
	Status() (string, error)
	// HasChanges returns true if there are uncommitted changes.
	HasChanges() (bool, error)
	// ChangedFilesRelative returns files changed on a branch relative to
	// another, using the triple-dot diff (relativeTo...branch).
	ChangedFilesRelative(branch, relativeTo string) ([]string, error)
	// ConflictedFiles returns files with unmerged changes.
	ConflictedFiles() ([]string, error)
}

// MergeOperations defines the interface for git merge operations.
type MergeOperations interface {
	// Merge merges the specified branch into the current branch
	// (fast-forward if possible).
	Merge(branch string) error
	// MergeNoFF merges the specified branch creating a merge commit (--no-ff).
	MergeNoFF(branch string) error
	// MergeNoFFMessage merges with --no-ff and a custom commit message.
	MergeNoFFMessage(branch, message string) error
	// MergeAbort aborts an in-progress merge.
	MergeAbort() error
	// HasConflicts returns true if the working tree has unresolved merge
	// conflicts (UU/AA/DD and related porcelain prefixes).
	HasConflicts() (bool, error)
}

// WorktreeOperations defines the interface for git worktree operations.
type WorktreeOperations interface {
	// WorktreeAddNewBranch creates a worktree at path with a new branch
	// starting from the given start point (git worktree add -b).
	WorktreeAddNewBranch(path, branch, startPoint string) error
	// WorktreeRemove removes the worktree at the given path, optionally
	// with force.
	WorktreeRemove(path string, force bool) error
	// WorktreeList returns a list of worktree paths.
	WorktreeList() ([]string, error)
	// WorktreePrune removes stale worktree entries.
	WorktreePrune() error
}

// RemoteOperations defines the interface for git remote operations.
type RemoteOperations interface {
	// PullFFOnly pulls from remote with fast-forward only.
	// Returns nil if no remote is configured.
	PullFFOnly() error
	// Push pushes the given branch to origin.
	Push(branch string) error
}

// Runner defines the complete interface for git operations.
// Consumers should prefer the focused interfaces when possible.
type Runner interface {
	BranchOperations
	StatusOperations
	MergeOperations
	WorktreeOperations
	RemoteOperations
	// IsRepository returns true if the runner's directory is inside a
	// git repository.
	IsRepository() bool
	// Dir returns the working directory the runner operates in.
	Dir() string
	// Run executes an arbitrary git command with the given arguments.
	Run(args ...string) (string, error)
}
