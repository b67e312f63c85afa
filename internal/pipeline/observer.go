package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Reporter receives human-facing pipeline progress. Implementations must be
// safe for concurrent use; the pipeline calls them from worker goroutines.
type Reporter interface {
	// OnLog reports a freeform progress line from an engineer or stage.
	OnLog(engineerID, message string)
	// OnTaskStatus reports a task state change.
	OnTaskStatus(taskID, title, status string)
	// OnEngineerCount reports active engineer occupancy.
	OnEngineerCount(active, max int)
	// OnAllCompleted reports the final run summary.
	OnAllCompleted(summary Summary)
}

// Summary is the final outcome of one pipeline run.
type Summary struct {
	// Total is the number of tasks tracked.
	Total int
	// Merged is the number of tasks merged into the base branch.
	Merged int
	// Failed is the number of tasks that failed or were cascade-failed.
	Failed int
	// FailedTaskIDs lists the failed tasks.
	FailedTaskIDs []string
	// Duration is wall-clock time from start to completion.
	Duration time.Duration
}

// ConsoleReporter prints progress to stdout with color.
type ConsoleReporter struct {
	mu sync.Mutex
}

// NewConsoleReporter creates a console reporter.
func NewConsoleReporter() *ConsoleReporter {
	return &ConsoleReporter{}
}

var (
	statusColors = map[string]*color.Color{
		"READY":     color.New(color.FgCyan),
		"RUNNING":   color.New(color.FgYellow),
		"DEVELOPED": color.New(color.FgBlue),
		"MERGING":   color.New(color.FgMagenta),
		"MERGED":    color.New(color.FgGreen),
		"FAILED":    color.New(color.FgRed),
	}
	dimColor = color.New(color.Faint)
)

func (r *ConsoleReporter) OnLog(engineerID, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if engineerID != "" {
		dimColor.Printf("[%s] ", engineerID)
	}
	fmt.Println(message)
}

func (r *ConsoleReporter) OnTaskStatus(taskID, title, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := statusColors[status]
	if !ok {
		c = color.New(color.FgWhite)
	}
	c.Printf("%-9s", status)
	fmt.Printf(" %s", title)
	dimColor.Printf(" (%s)\n", taskID)
}

func (r *ConsoleReporter) OnEngineerCount(active, max int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dimColor.Printf("engineers: %d/%d active\n", active, max)
}

func (r *ConsoleReporter) OnAllCompleted(summary Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fmt.Println()
	if summary.Failed == 0 {
		color.Green("All %d tasks merged in %s", summary.Total, summary.Duration.Round(time.Second))
		return
	}
	color.Yellow("%d/%d tasks merged, %d failed (%s)",
		summary.Merged, summary.Total, summary.Failed, summary.Duration.Round(time.Second))
	for _, id := range summary.FailedTaskIDs {
		color.Red("  failed: %s", id)
	}
}

// NopReporter discards all progress. Used in tests and quiet mode.
type NopReporter struct{}

func (NopReporter) OnLog(string, string)                {}
func (NopReporter) OnTaskStatus(string, string, string) {}
func (NopReporter) OnEngineerCount(int, int)            {}
func (NopReporter) OnAllCompleted(Summary)              {}

var (
	_ Reporter = (*ConsoleReporter)(nil)
	_ Reporter = NopReporter{}
)
