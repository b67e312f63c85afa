package models

import "time"

// EngineerResult contains the outcome of a single development run.
// Uses primitive fields so the result can cross package boundaries without
// dragging in pipeline-specific types.
type EngineerResult struct {
	// Success indicates whether the development run completed successfully.
	Success bool `json:"success"`
	// FilesChanged lists the files the engineer modified in its worktree.
	FilesChanged []string `json:"files_changed,omitempty"`
	// Output contains the captured output from the engineer.
	Output string `json:"output,omitempty"`
	// Error contains the error message if the run failed.
	Error string `json:"error,omitempty"`
	// EngineerID is the engineer that produced this result.
	EngineerID string `json:"engineer_id,omitempty"`
	// Duration is how long the run took.
	Duration time.Duration `json:"duration,omitempty"`
}

// ReviewVerdict is a review agent's decision for one development result.
type ReviewVerdict struct {
	// Approved is true when the work may proceed to merge.
	Approved bool `json:"approved"`
	// Comments are machine-readable reviewer comments. For a
	// needs-revision verdict they describe the required changes.
	Comments []string `json:"comments,omitempty"`
}

// ReviewRecord is one entry in a task's accumulated review history.
type ReviewRecord struct {
	// Round is the 1-based revision round this verdict belongs to.
	Round int `json:"round"`
	// Verdict is the reviewer's decision for that round.
	Verdict ReviewVerdict `json:"verdict"`
	// Timestamp is when the verdict was recorded.
	Timestamp time.Time `json:"timestamp"`
}
