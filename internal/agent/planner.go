package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kugutsu-dev/kugutsu/pkg/models"
)

// planningPrompt asks the model to decompose a request into a JSON task array.
const planningPrompt = `Decompose the following request into independent development tasks.

Request: %s

Respond with ONLY a JSON array (no prose, no code fences) of objects:
[
  {
    "title": "short imperative title",
    "description": "what to build and how to verify it",
    "kind": "feature|bugfix|refactor|test|docs",
    "priority": "high|medium|low",
    "depends_on": ["titles of tasks this one needs merged first"]
  }
]

Rules:
- Tasks that can proceed in parallel must not depend on each other.
- depends_on entries reference other task titles in this array.
- Prefer 2-6 tasks; use a single task when the request is indivisible.`

// ClaudePlanner is a Planner backed by the Claude Code CLI. It runs read-only
// against the main repository to decompose the request with codebase context.
type ClaudePlanner struct {
	runner   ClaudeRunner
	repoPath string
}

// NewClaudePlanner creates a planner agent rooted at the main repository.
func NewClaudePlanner(model string, maxTurns int, repoPath string) *ClaudePlanner {
	return &ClaudePlanner{
		runner:   ClaudeRunner{Model: model, MaxTurns: maxTurns},
		repoPath: repoPath,
	}
}

// Plan decomposes a free-text request into a task set with fresh IDs.
func (p *ClaudePlanner) Plan(ctx context.Context, request string) (*models.TaskSet, error) {
	out, err := p.runner.run(ctx, fmt.Sprintf(planningPrompt, request), p.repoPath)
	if err != nil {
		return nil, err
	}
	tasks, err := parsePlanOutput(out)
	if err != nil {
		return nil, err
	}
	return &models.TaskSet{
		Tasks:     tasks,
		Summary:   request,
		ProjectID: uuid.New().String()[:8],
	}, nil
}

// plannedTask is the wire shape the planner emits.
type plannedTask struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Kind        string   `json:"kind"`
	Priority    string   `json:"priority"`
	DependsOn   []string `json:"depends_on"`
}

// parsePlanOutput extracts the JSON task array from planner output. The model
// sometimes wraps the array in prose or code fences; find the outermost array.
func parsePlanOutput(output string) ([]*models.Task, error) {
	start := strings.Index(output, "[")
	end := strings.LastIndex(output, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON task array in planner output")
	}

	var planned []plannedTask
	if err := json.Unmarshal([]byte(output[start:end+1]), &planned); err != nil {
		return nil, fmt.Errorf("parse planner output: %w", err)
	}
	if len(planned) == 0 {
		return nil, fmt.Errorf("planner produced no tasks")
	}

	tasks := make([]*models.Task, 0, len(planned))
	for _, pt := range planned {
		if strings.TrimSpace(pt.Title) == "" {
			return nil, fmt.Errorf("planner produced a task with an empty title")
		}
		kind := models.TaskKind(pt.Kind)
		if !kind.Valid() {
			kind = models.TaskKindFeature
		}
		priority := models.Priority(pt.Priority)
		if !priority.Valid() {
			priority = models.PriorityMedium
		}
		tasks = append(tasks, &models.Task{
			ID:          uuid.New().String()[:8],
			Title:       pt.Title,
			Description: pt.Description,
			Kind:        kind,
			Priority:    priority,
			DependsOn:   pt.DependsOn,
		})
	}
	return tasks, nil
}

var _ Planner = (*ClaudePlanner)(nil)
