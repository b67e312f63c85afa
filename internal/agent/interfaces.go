// Package agent defines the development and review agent seams and ships
// implementations backed by the Claude Code CLI.
package agent

import (
	"context"
	"time"

	"github.com/kugutsu-dev/kugutsu/pkg/models"
)

// DevelopmentAgent runs one development round for a task inside its worktree.
// The agent may read and write freely within workdir. Cancellation is
// cooperative via ctx.
type DevelopmentAgent interface {
	Run(ctx context.Context, task *models.Task, workdir string) (*models.EngineerResult, error)
}

// ReviewAgent reviews one development result and returns a verdict.
type ReviewAgent interface {
	Review(ctx context.Context, task *models.Task, result *models.EngineerResult) (*models.ReviewVerdict, error)
}

// Planner turns a free-text user request into a task set.
// The pipeline treats it as an opaque task source.
type Planner interface {
	Plan(ctx context.Context, request string) (*models.TaskSet, error)
}

// Engineer is the handle for one development agent instance. The same
// engineer is reused across revision rounds of a task; a new engineer is
// created per original dispatch.
type Engineer struct {
	// ID uniquely identifies the engineer instance.
	ID string
	// Agent is the callable bundle for development runs.
	Agent DevelopmentAgent
	// CreatedAt is when the engineer was created.
	CreatedAt time.Time
}

// EngineerFactory creates engineer instances.
type EngineerFactory interface {
	NewEngineer() *Engineer
}
