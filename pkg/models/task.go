package models

// TaskKind classifies the work a task represents.
type TaskKind string

const (
	// TaskKindFeature is new functionality.
	TaskKindFeature TaskKind = "feature"
	// TaskKindBugfix is a defect fix.
	TaskKindBugfix TaskKind = "bugfix"
	// TaskKindRefactor is a behavior-preserving restructuring.
	TaskKindRefactor TaskKind = "refactor"
	// TaskKindTest is test-only work.
	TaskKindTest TaskKind = "test"
	// TaskKindDocs is documentation-only work.
	TaskKindDocs TaskKind = "docs"
	// TaskKindConflictResolution is a synthetic task created when a merge
	// conflict is detected; its job is to produce a clean merge commit in
	// the preserved worktree.
	TaskKindConflictResolution TaskKind = "conflict-resolution"
)

// Valid returns true if the kind is a known value.
func (k TaskKind) Valid() bool {
	switch k {
	case TaskKindFeature, TaskKindBugfix, TaskKindRefactor, TaskKindTest, TaskKindDocs, TaskKindConflictResolution:
		return true
	default:
		return false
	}
}

// Priority orders tasks within a queue.
type Priority string

const (
	// PriorityHigh tasks are dispatched before medium and low.
	PriorityHigh Priority = "high"
	// PriorityMedium is the default priority.
	PriorityMedium Priority = "medium"
	// PriorityLow tasks are dispatched last.
	PriorityLow Priority = "low"
)

// Weight returns the numeric queue weight for the priority.
// Unknown priorities weigh the same as medium.
func (p Priority) Weight() int {
	switch p {
	case PriorityHigh:
		return 50
	case PriorityLow:
		return -50
	default:
		return 0
	}
}

// Valid returns true if the priority is a known value.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	default:
		return false
	}
}

// Task is the unit of work scheduled by the pipeline.
// Lifecycle state is owned by the dependency manager, not the task itself.
type Task struct {
	// ID is the stable unique identifier for this task.
	ID string `json:"id" yaml:"id"`
	// Title is the short human-readable description.
	Title string `json:"title" yaml:"title"`
	// Description provides detailed instructions for the engineer.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// Kind classifies the work (feature, bugfix, ...).
	Kind TaskKind `json:"type" yaml:"type"`
	// Priority orders the task against its queue peers.
	Priority Priority `json:"priority" yaml:"priority"`
	// DependsOn lists task IDs (or titles, resolved to IDs at graph build
	// time) that must be fully merged before this task may start.
	DependsOn []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	// OriginalTaskID is set when this task was derived from another task,
	// such as a conflict-resolution variant or a revision round.
	OriginalTaskID string `json:"original_task_id,omitempty" yaml:"original_task_id,omitempty"`
	// BranchName is the feature branch bound on first dispatch.
	BranchName string `json:"branch_name,omitempty" yaml:"-"`
	// WorktreePath is the worktree bound on first dispatch.
	WorktreePath string `json:"worktree_path,omitempty" yaml:"-"`
	// ForceNewWorktree requests a fresh worktree rooted at the updated base
	// branch tip. Set when the task became runnable because a dependency
	// just merged.
	ForceNewWorktree bool `json:"force_new_worktree,omitempty" yaml:"-"`
	// ConflictContext carries the original task's state for
	// conflict-resolution variants. Nil for all other kinds.
	ConflictContext *ConflictContext `json:"conflict_context,omitempty" yaml:"-"`
}

// IsConflictResolution reports whether the task is a conflict-resolution variant.
func (t *Task) IsConflictResolution() bool {
	return t.Kind == TaskKindConflictResolution
}

// ConflictContext carries the state a conflict-resolution task needs from the
// task whose merge conflicted.
type ConflictContext struct {
	// EngineerID is the original task's engineer, reused for the repair.
	EngineerID string `json:"engineer_id"`
	// Result is the original task's final development result.
	Result *EngineerResult `json:"result,omitempty"`
	// ReviewHistory is the accumulated review history of the original task.
	ReviewHistory []ReviewRecord `json:"review_history,omitempty"`
}

// TaskSet is what a task source produces for one user request.
type TaskSet struct {
	// Tasks are the decomposed units of work.
	Tasks []*Task `json:"tasks" yaml:"tasks"`
	// Summary is a one-paragraph description of the overall plan.
	Summary string `json:"summary,omitempty" yaml:"summary,omitempty"`
	// ProjectID identifies the request this set belongs to.
	ProjectID string `json:"project_id,omitempty" yaml:"project_id,omitempty"`
}
