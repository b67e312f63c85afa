package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kugutsu-dev/kugutsu/internal/git"
	"github.com/kugutsu-dev/kugutsu/internal/worktree"
)

var flagCleanupDryRun bool

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove orphaned task worktrees and feature branches",
	Long: `Removes leftover worktrees and kugutsu/task-* branches from earlier
runs that did not shut down cleanly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		runner := git.NewRunner(flagRepo)
		if !runner.IsRepository() {
			return fmt.Errorf("%s is not a git repository", flagRepo)
		}
		return sweepOrphans(runner)
	},
	SilenceUsage: true,
}

func init() {
	cleanupCmd.Flags().BoolVar(&flagCleanupDryRun, "dry-run", false, "report orphans without removing them")
	rootCmd.AddCommand(cleanupCmd)
}

func sweepOrphans(runner git.Runner) error {
	paths, err := taskWorktrees(runner)
	if err != nil {
		return fmt.Errorf("list worktrees: %w", err)
	}

	removed := 0
	for _, path := range paths {
		if flagCleanupDryRun {
			fmt.Printf("would remove worktree %s\n", path)
			continue
		}
		if err := runner.WorktreeRemove(path, true); err != nil {
			fmt.Printf("skip %s: %v\n", path, err)
			continue
		}
		removed++
	}
	if !flagCleanupDryRun {
		_ = runner.WorktreePrune()
	}

	out, err := runner.Run("branch", "--list", "kugutsu/task-*", "--format", "%(refname:short)")
	if err != nil {
		return fmt.Errorf("list task branches: %w", err)
	}
	deleted := 0
	for _, branch := range strings.Fields(out) {
		if flagCleanupDryRun {
			fmt.Printf("would delete branch %s\n", branch)
			continue
		}
		if err := runner.DeleteBranch(branch); err != nil {
			fmt.Printf("skip branch %s: %v\n", branch, err)
			continue
		}
		deleted++
	}

	if !flagCleanupDryRun {
		fmt.Printf("removed %d worktrees, deleted %d branches\n", removed, deleted)
	}
	return nil
}

// taskWorktrees returns the paths of worktrees checked out on kugutsu task
// branches. Worktrees on other branches, including ones the user created,
// are never swept.
func taskWorktrees(runner git.Runner) ([]string, error) {
	out, err := runner.Run("worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}

	var paths []string
	var current string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "worktree "):
			current = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch refs/heads/"):
			branch := strings.TrimPrefix(line, "branch refs/heads/")
			if current != "" && current != runner.Dir() && strings.HasPrefix(branch, worktree.BranchPrefix) {
				paths = append(paths, current)
			}
		case line == "":
			current = ""
		}
	}
	return paths, nil
}
