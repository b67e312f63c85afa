// Package events provides the typed pipeline event bus.
//
// Delivery is synchronous fan-out: Publish invokes every matching handler
// before it returns, in subscription order. A panic in one handler is logged
// and does not prevent delivery to the remaining handlers.
package events

import (
	"time"

	"github.com/kugutsu-dev/kugutsu/pkg/models"
)

// Kind identifies the type of a pipeline event. The set is closed.
type Kind string

const (
	// KindDevelopmentCompleted fires when an engineer finishes a task.
	KindDevelopmentCompleted Kind = "development-completed"
	// KindReviewCompleted fires when a reviewer returns a verdict.
	KindReviewCompleted Kind = "review-completed"
	// KindMergeReady fires when an approved task may enter the merge queue.
	KindMergeReady Kind = "merge-ready"
	// KindMergeConflictDetected fires when bringing the base branch into a
	// feature branch leaves unresolved conflicts.
	KindMergeConflictDetected Kind = "merge-conflict-detected"
	// KindMergeCompleted fires when the final merge finished (either way).
	KindMergeCompleted Kind = "merge-completed"
	// KindTaskFailed fires when a task fails terminally in any phase.
	KindTaskFailed Kind = "task-failed"
	// KindTaskCompleted fires when the completion reporter records a task.
	KindTaskCompleted Kind = "task-completed"
	// KindDependencyResolved fires when a merge promotes dependents to ready.
	KindDependencyResolved Kind = "dependency-resolved"
	// KindAllTasksCompleted fires once, when every tracked task completed.
	KindAllTasksCompleted Kind = "all-tasks-completed"
)

// Phase names the pipeline stage in which a task failed.
type Phase string

const (
	// PhaseDevelopment is the development stage.
	PhaseDevelopment Phase = "development"
	// PhaseReview is the review stage.
	PhaseReview Phase = "review"
	// PhaseMerge is the merge stage.
	PhaseMerge Phase = "merge"
)

// Event is a pipeline event. Kind determines which payload fields are set.
type Event struct {
	// Kind is the event type.
	Kind Kind
	// TaskID is the ID of the task the event concerns.
	TaskID string
	// Timestamp is when the event was published.
	Timestamp time.Time

	// Task is the task record, when the subscriber needs more than the ID.
	Task *models.Task
	// Result is the development result (development-completed, merge-ready,
	// merge-conflict-detected).
	Result *models.EngineerResult
	// Verdict is the review verdict (review-completed).
	Verdict *models.ReviewVerdict
	// ReviewHistory is the accumulated history (merge-ready,
	// merge-conflict-detected).
	ReviewHistory []models.ReviewRecord
	// EngineerID identifies the engineer bound to the task, if any.
	EngineerID string
	// NeedsRevision is set on review-completed events.
	NeedsRevision bool
	// Success is set on merge-completed events.
	Success bool
	// Phase is the failing stage on task-failed events.
	Phase Phase
	// Reason carries a human-readable explanation for failures.
	Reason string
	// NewlyReady lists task IDs promoted to ready (dependency-resolved).
	NewlyReady []string
	// Title is the display title of the task (task-completed).
	Title string
	// Completed, Total, and Percentage carry progress (task-completed).
	Completed  int
	Total      int
	Percentage float64
}
