// Package git provides an interface for git operations over subprocess.
package git

import (
	"fmt"
	"os/exec"
	"strings"
)

// conflictPrefixes are the porcelain status prefixes that indicate an
// unresolved merge.
var conflictPrefixes = []string{"UU", "AA", "DD", "AU", "UA", "DU", "UD"}

// ExecRunner implements Runner using exec.Command.
type ExecRunner struct {
	dir string
}

// NewRunner creates a new git runner operating in the given directory.
// The directory may be a repository root or a worktree.
func NewRunner(dir string) *ExecRunner {
	return &ExecRunner{dir: dir}
}

// run executes a git command and returns its trimmed output.
func (r *ExecRunner) run(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = r.dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, string(out))
	}
	return strings.TrimSpace(string(out)), nil
}

// runSilent executes a git command and ignores output.
func (r *ExecRunner) runSilent(args ...string) error {
	cmd := exec.Command("git", args...)
	cmd.Dir = r.dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, string(out))
	}
	return nil
}

// Run executes an arbitrary git command with the given arguments.
func (r *ExecRunner) Run(args ...string) (string, error) {
	return r.run(args...)
}

// Dir returns the working directory the runner operates in.
func (r *ExecRunner) Dir() string {
	return r.dir
}

// IsRepository returns true if the runner's directory is inside a git repository.
func (r *ExecRunner) IsRepository() bool {
	cmd := exec.Command("git", "rev-parse", "--git-dir")
	cmd.Dir = r.dir
	return cmd.Run() == nil
}

// CurrentBranch returns the name of the current branch.
func (r *ExecRunner) CurrentBranch() (string, error) {
	return r.run("rev-parse", "--abbrev-ref", "HEAD")
}

// CheckoutBranch switches to the specified branch.
func (r *ExecRunner) CheckoutBranch(name string) error {
	return r.runSilent("checkout", name)
}

// BranchExists returns true if the branch exists.
func (r *ExecRunner) BranchExists(name string) (bool, error) {
	cmd := exec.Command("git", "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	cmd.Dir = r.dir
	err := cmd.Run()
	if err != nil {
		// Exit code 1 means the branch does not exist (not an error).
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return false, nil
		}
		return false, fmt.Errorf("check branch exists: %w", err)
	}
	return true, nil
}

// DeleteBranch deletes the specified branch.
func (r *ExecRunner) DeleteBranch(name string) error {
	return r.runSilent("branch", "-D", name)
}

// RevParse resolves a revision to its commit hash.
func (r *ExecRunner) RevParse(rev string) (string, error) {
	return r.run("rev-parse", rev)
}

// Status returns the output of git status --porcelain.
func (r *ExecRunner) Status() (string, error) {
	return r.run("status", "--porcelain")
}

// HasChanges returns true if there are uncommitted changes.
func (r *ExecRunner) HasChanges() (bool, error) {
	status, err := r.Status()
	if err != nil {
		return false, err
	}
	return len(status) > 0, nil
}

// ChangedFilesRelative returns files changed on a branch relative to another.
func (r *ExecRunner) ChangedFilesRelative(branch, relativeTo string) ([]string, error) {
	out, err := r.run("diff", "--name-only", relativeTo+"..."+branch)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// ConflictedFiles returns a list of files with unmerged changes.
func (r *ExecRunner) ConflictedFiles() ([]string, error) {
	out, err := r.run("diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, nil
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// Merge merges the specified branch into the current branch.
func (r *ExecRunner) Merge(branch string) error {
	return r.runSilent("merge", branch)
}

// MergeNoFF merges the specified branch creating a merge commit.
func (r *ExecRunner) MergeNoFF(branch string) error {
	return r.runSilent("merge", branch, "--no-ff")
}

// MergeNoFFMessage merges the specified branch with --no-ff and a custom message.
func (r *ExecRunner) MergeNoFFMessage(branch, message string) error {
	return r.runSilent("merge", "--no-ff", "-m", message, branch)
}

// MergeAbort aborts an in-progress merge.
func (r *ExecRunner) MergeAbort() error {
	return r.runSilent("merge", "--abort")
}

// HasConflicts returns true if there are merge conflicts.
func (r *ExecRunner) HasConflicts() (bool, error) {
	status, err := r.Status()
	if err != nil {
		return false, err
	}
	return hasConflictMarkers(status), nil
}

// hasConflictMarkers reports whether porcelain status output contains
// unresolved-merge prefixes.
func hasConflictMarkers(status string) bool {
	for _, line := range strings.Split(status, "\n") {
		if len(line) < 2 {
			continue
		}
		prefix := line[:2]
		for _, cp := range conflictPrefixes {
			if prefix == cp {
				return true
			}
		}
	}
	return false
}

// WorktreeAddNewBranch creates a worktree with a new branch off startPoint.
func (r *ExecRunner) WorktreeAddNewBranch(path, branch, startPoint string) error {
	return r.runSilent("worktree", "add", "-b", branch, path, startPoint)
}

// WorktreeRemove removes the worktree at the given path.
func (r *ExecRunner) WorktreeRemove(path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	return r.runSilent(args...)
}

// WorktreeList returns a list of worktree paths.
func (r *ExecRunner) WorktreeList() ([]string, error) {
	out, err := r.run("worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "worktree ") {
			paths = append(paths, strings.TrimPrefix(line, "worktree "))
		}
	}
	return paths, nil
}

// WorktreePrune removes stale worktree entries.
func (r *ExecRunner) WorktreePrune() error {
	return r.runSilent("worktree", "prune")
}

// PullFFOnly pulls from remote with fast-forward only.
// Pull failures are ignored since local repositories have no remote.
func (r *ExecRunner) PullFFOnly() error {
	_ = r.runSilent("pull", "--ff-only")
	return nil
}

// Push pushes the given branch to origin.
func (r *ExecRunner) Push(branch string) error {
	return r.runSilent("push", "origin", branch)
}

// Verify ExecRunner implements Runner at compile time.
var _ Runner = (*ExecRunner)(nil)
