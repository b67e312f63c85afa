package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kugutsu-dev/kugutsu/internal/agent"
	"github.com/kugutsu-dev/kugutsu/pkg/models"
)

// fakeGit implements git.Runner for pipeline tests. Merge behavior is
// scriptable per branch so conflict and retry paths can be exercised.
type fakeGit struct {
	mu       sync.Mutex
	dir      string
	branches map[string]bool

	// mergeErrs maps a merge target to errors returned on successive calls.
	// Exhausted scripts succeed.
	mergeErrs map[string][]error
	// conflicted reports conflict markers after a failed merge.
	conflicted bool

	merges   []string
	noFF     []string
	aborts   int
	checkout []string
	removed  []string
	deleted  []string
	pushed   []string
	pruned   int
}

func newFakeGit(dir string) *fakeGit {
	return &fakeGit{
		dir:       dir,
		branches:  map[string]bool{"main": true},
		mergeErrs: make(map[string][]error),
	}
}

// scriptMerge queues errors for successive Merge calls against target.
func (f *fakeGit) scriptMerge(target string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mergeErrs[target] = append(f.mergeErrs[target], errs...)
}

func (f *fakeGit) nextMergeErr(target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	script := f.mergeErrs[target]
	if len(script) == 0 {
		return nil
	}
	err := script[0]
	f.mergeErrs[target] = script[1:]
	return err
}

func (f *fakeGit) CurrentBranch() (string, error) { return "main", nil }
func (f *fakeGit) CheckoutBranch(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkout = append(f.checkout, name)
	return nil
}
func (f *fakeGit) BranchExists(name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.branches[name], nil
}
func (f *fakeGit) DeleteBranch(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.branches, name)
	f.deleted = append(f.deleted, name)
	return nil
}
func (f *fakeGit) RevParse(rev string) (string, error) { return "deadbeef", nil }

func (f *fakeGit) Status() (string, error)   { return "", nil }
func (f *fakeGit) HasChanges() (bool, error) { return false, nil }
func (f *fakeGit) ChangedFilesRelative(branch, relativeTo string) ([]string, error) {
	return nil, nil
}
func (f *fakeGit) ConflictedFiles() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conflicted {
		return []string{"main.go"}, nil
	}
	return nil, nil
}

func (f *fakeGit) Merge(branch string) error {
	f.mu.Lock()
	f.merges = append(f.merges, branch)
	f.mu.Unlock()
	return f.nextMergeErr(branch)
}
func (f *fakeGit) MergeNoFF(branch string) error {
	return f.MergeNoFFMessage(branch, "")
}
func (f *fakeGit) MergeNoFFMessage(branch, message string) error {
	f.mu.Lock()
	f.noFF = append(f.noFF, branch)
	f.mu.Unlock()
	return f.nextMergeErr(branch)
}
func (f *fakeGit) MergeAbort() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts++
	return nil
}
func (f *fakeGit) HasConflicts() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conflicted, nil
}

func (f *fakeGit) WorktreeAddNewBranch(path, branch, startPoint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.branches[branch] = true
	return nil
}
func (f *fakeGit) WorktreeRemove(path string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, path)
	return nil
}
func (f *fakeGit) WorktreeList() ([]string, error) { return nil, nil }
func (f *fakeGit) WorktreePrune() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruned++
	return nil
}

func (f *fakeGit) PullFFOnly() error { return nil }
func (f *fakeGit) Push(branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, branch)
	return nil
}
func (f *fakeGit) IsRepository() bool                 { return true }
func (f *fakeGit) Dir() string                        { return f.dir }
func (f *fakeGit) Run(args ...string) (string, error) { return "", nil }

// fakeDevAgent scripts development outcomes per task ID.
type fakeDevAgent struct {
	mu sync.Mutex
	// failures maps a task ID to how many times it fails before succeeding.
	failures map[string]int
	// delays maps a task ID to how long each run takes.
	delays map[string]time.Duration
	runs   []string
}

func newFakeDevAgent() *fakeDevAgent {
	return &fakeDevAgent{
		failures: make(map[string]int),
		delays:   make(map[string]time.Duration),
	}
}

func (a *fakeDevAgent) Run(ctx context.Context, task *models.Task, workdir string) (*models.EngineerResult, error) {
	a.mu.Lock()
	a.runs = append(a.runs, task.ID)
	remaining := a.failures[task.ID]
	if remaining > 0 {
		a.failures[task.ID] = remaining - 1
	}
	delay := a.delays[task.ID]
	a.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if remaining > 0 {
		return nil, errors.New("engineer crashed")
	}
	return &models.EngineerResult{
		Success:      true,
		FilesChanged: []string{"main.go"},
		Output:       "done: " + task.Title,
	}, nil
}

func (a *fakeDevAgent) runCount(taskID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, id := range a.runs {
		if id == taskID {
			n++
		}
	}
	return n
}

func (a *fakeDevAgent) runLog() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.runs...)
}

// fakeFactory hands every engineer the same underlying agent.
type fakeFactory struct {
	mu    sync.Mutex
	agent agent.DevelopmentAgent
	next  int
}

func (f *fakeFactory) NewEngineer() *agent.Engineer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return &agent.Engineer{ID: fmt.Sprintf("eng-%d", f.next), Agent: f.agent}
}

// fakeReviewer scripts verdicts per task ID: each entry is consumed in order,
// and an exhausted script approves. A nil verdict entry means a reviewer error.
type fakeReviewer struct {
	mu       sync.Mutex
	verdicts map[string][]*models.ReviewVerdict
	reviews  []string
}

func newFakeReviewer() *fakeReviewer {
	return &fakeReviewer{verdicts: make(map[string][]*models.ReviewVerdict)}
}

func (r *fakeReviewer) script(taskID string, verdicts ...*models.ReviewVerdict) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verdicts[taskID] = append(r.verdicts[taskID], verdicts...)
}

func (r *fakeReviewer) Review(ctx context.Context, task *models.Task, result *models.EngineerResult) (*models.ReviewVerdict, error) {
	r.mu.Lock()
	r.reviews = append(r.reviews, task.ID)
	script := r.verdicts[task.ID]
	var v *models.ReviewVerdict
	if len(script) > 0 {
		v = script[0]
		r.verdicts[task.ID] = script[1:]
	} else {
		v = &models.ReviewVerdict{Approved: true}
	}
	r.mu.Unlock()

	if v == nil {
		return nil, errors.New("reviewer unavailable")
	}
	return v, nil
}
