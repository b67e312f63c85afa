package agent

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kugutsu-dev/kugutsu/internal/git"
	"github.com/kugutsu-dev/kugutsu/pkg/models"
)

// ClaudeRunner executes the Claude Code CLI as a subprocess. The abort
// signal is the command context; the CLI exits on cancellation.
type ClaudeRunner struct {
	// Model is the model flag passed to the CLI. Empty uses the CLI default.
	Model string
	// MaxTurns bounds agentic turns per invocation.
	MaxTurns int
}

// run invokes `claude --print` with the prompt in the given directory and
// returns the combined output.
func (r *ClaudeRunner) run(ctx context.Context, prompt, dir string) (string, error) {
	args := []string{
		"--print",
		"--allowedTools", "Read,Write,Edit,Bash,Glob,Grep",
	}
	if r.Model != "" {
		args = append(args, "--model", r.Model)
	}
	if r.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(r.MaxTurns))
	}
	args = append(args, "-p", prompt)

	cmd := exec.CommandContext(ctx, "claude", args...)
	if dir != "" {
		cmd.Dir = dir
	}

	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("claude: %w: %s", err, string(out))
	}
	return string(out), nil
}

// CheckClaudeCLI verifies that the claude CLI is available in PATH.
func CheckClaudeCLI() error {
	if _, err := exec.LookPath("claude"); err != nil {
		return fmt.Errorf("claude CLI not found in PATH\n\n" +
			"kugutsu drives parallel Claude Code engineers.\n\n" +
			"Install it with:\n" +
			"  npm install -g @anthropic-ai/claude-code")
	}
	return nil
}

// ClaudeEngineer is a DevelopmentAgent backed by the Claude Code CLI.
type ClaudeEngineer struct {
	runner     ClaudeRunner
	baseBranch string
}

// NewClaudeEngineer creates an engineer agent. baseBranch is used to compute
// the changed file set after a successful run.
func NewClaudeEngineer(model string, maxTurns int, baseBranch string) *ClaudeEngineer {
	return &ClaudeEngineer{
		runner:     ClaudeRunner{Model: model, MaxTurns: maxTurns},
		baseBranch: baseBranch,
	}
}

// Run executes one development round inside the task's worktree.
func (e *ClaudeEngineer) Run(ctx context.Context, task *models.Task, workdir string) (*models.EngineerResult, error) {
	start := time.Now()

	out, err := e.runner.run(ctx, buildDevelopmentPrompt(task), workdir)
	if err != nil {
		return &models.EngineerResult{
			Success:  false,
			Output:   out,
			Error:    err.Error(),
			Duration: time.Since(start),
		}, nil
	}

	changed, _ := git.NewRunner(workdir).ChangedFilesRelative("HEAD", e.baseBranch)
	return &models.EngineerResult{
		Success:      true,
		FilesChanged: changed,
		Output:       out,
		Duration:     time.Since(start),
	}, nil
}

// buildDevelopmentPrompt renders the engineer instructions for a task.
// Conflict-resolution variants get merge-repair instructions instead of the
// regular implementation instructions.
func buildDevelopmentPrompt(task *models.Task) string {
	var b strings.Builder

	if task.IsConflictResolution() {
		fmt.Fprintf(&b, "The working tree has an in-progress merge with unresolved conflicts.\n")
		fmt.Fprintf(&b, "Resolve every conflict, keep the intent of both sides, and produce a clean merge commit.\n\n")
		fmt.Fprintf(&b, "Task: %s\n", task.Title)
		if task.ConflictContext != nil && task.ConflictContext.Result != nil {
			fmt.Fprintf(&b, "\nThe branch carries this completed work:\n%s\n", task.ConflictContext.Result.Output)
		}
		return b.String()
	}

	fmt.Fprintf(&b, "Implement the following task in this repository. Commit your work when done.\n\n")
	fmt.Fprintf(&b, "Title: %s\n", task.Title)
	if task.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", task.Description)
	}
	return b.String()
}

// ClaudeReviewer is a ReviewAgent backed by the Claude Code CLI.
type ClaudeReviewer struct {
	runner ClaudeRunner
}

// NewClaudeReviewer creates a reviewer agent.
func NewClaudeReviewer(model string, maxTurns int) *ClaudeReviewer {
	return &ClaudeReviewer{runner: ClaudeRunner{Model: model, MaxTurns: maxTurns}}
}

// Review asks the reviewer for a verdict on a development result.
// The reviewer runs read-only against the task's worktree.
func (r *ClaudeReviewer) Review(ctx context.Context, task *models.Task, result *models.EngineerResult) (*models.ReviewVerdict, error) {
	out, err := r.runner.run(ctx, buildReviewPrompt(task, result), task.WorktreePath)
	if err != nil {
		return nil, err
	}
	return parseReviewOutput(out), nil
}

// buildReviewPrompt renders the reviewer instructions.
func buildReviewPrompt(task *models.Task, result *models.EngineerResult) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Review the work in this working tree for the task below.\n\n")
	fmt.Fprintf(&b, "Title: %s\n", task.Title)
	if task.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", task.Description)
	}
	if len(result.FilesChanged) > 0 {
		fmt.Fprintf(&b, "\nChanged files:\n")
		for _, f := range result.FilesChanged {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	b.WriteString(`
Your response MUST include:
1. A clear APPROVED or NOT APPROVED verdict on the first line
2. A list of required changes, if any (prefix each with "CONCERN:")

If the work is acceptable, state "APPROVED" on the first line.
If changes are required, state "NOT APPROVED" on the first line.`)
	return b.String()
}

// parseReviewOutput extracts the verdict from reviewer output. The first
// non-empty line decides approval; CONCERN: lines become comments.
func parseReviewOutput(output string) *models.ReviewVerdict {
	verdict := &models.ReviewVerdict{}

	lines := strings.Split(output, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		upper := strings.ToUpper(line)
		if strings.Contains(upper, "APPROVED") && !strings.Contains(upper, "NOT APPROVED") {
			verdict.Approved = true
		}
		break
	}

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(strings.ToUpper(line), "CONCERN:") {
			comment := strings.TrimSpace(line[len("CONCERN:"):])
			if comment != "" {
				verdict.Comments = append(verdict.Comments, comment)
			}
		}
	}

	return verdict
}

// ClaudeFactory creates Claude-backed engineers.
type ClaudeFactory struct {
	// Model is the model flag for spawned engineers.
	Model string
	// MaxTurns bounds agentic turns per engineer invocation.
	MaxTurns int
	// BaseBranch is the branch changed files are computed against.
	BaseBranch string
}

// NewEngineer creates a fresh engineer handle with a unique ID.
func (f *ClaudeFactory) NewEngineer() *Engineer {
	return &Engineer{
		ID:        uuid.New().String()[:8],
		Agent:     NewClaudeEngineer(f.Model, f.MaxTurns, f.BaseBranch),
		CreatedAt: time.Now(),
	}
}

// Verify implementations at compile time.
var (
	_ DevelopmentAgent = (*ClaudeEngineer)(nil)
	_ ReviewAgent      = (*ClaudeReviewer)(nil)
	_ EngineerFactory  = (*ClaudeFactory)(nil)
)
