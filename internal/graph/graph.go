// Package graph holds the task dependency graph and per-task lifecycle state.
package graph

import (
	"errors"
	"fmt"
	"sync"

	"github.com/kugutsu-dev/kugutsu/pkg/models"
)

// State is the lifecycle state of a task. The graph owns these states;
// tasks never carry their own.
type State string

const (
	// StateWaiting means at least one dependency is not merged yet.
	StateWaiting State = "WAITING"
	// StateReady means every dependency is merged and the task may start.
	StateReady State = "READY"
	// StateRunning means an engineer is developing the task.
	StateRunning State = "RUNNING"
	// StateDeveloped means development finished and review/merge is pending.
	StateDeveloped State = "DEVELOPED"
	// StateMerging means the merge coordinator picked the task up.
	StateMerging State = "MERGING"
	// StateMerged is terminal success.
	StateMerged State = "MERGED"
	// StateFailed is terminal failure; it cascades to dependents.
	StateFailed State = "FAILED"
)

// Terminal returns true for MERGED and FAILED.
func (s State) Terminal() bool {
	return s == StateMerged || s == StateFailed
}

var (
	// ErrCycleDetected indicates a circular dependency in the task graph.
	ErrCycleDetected = errors.New("circular dependency detected")
	// ErrUnknownTask indicates an operation referenced a task not in the graph.
	ErrUnknownTask = errors.New("unknown task")
	// ErrInvalidTransition indicates a lifecycle transition that is not allowed.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// DependencyStatus describes why a task is or is not runnable.
type DependencyStatus struct {
	// BlockedBy lists failed dependencies.
	BlockedBy []string
	// WaitingFor lists dependencies that are not merged yet (and not failed).
	WaitingFor []string
	// ReadyNow is true when the task is in the READY state.
	ReadyNow bool
}

// Manager holds the dependency graph and per-task lifecycle state.
// All methods are safe for concurrent use.
type Manager struct {
	mu sync.RWMutex
	// tasks maps task ID to the task itself.
	tasks map[string]*models.Task
	// deps maps task ID to the IDs it depends on (is blocked by).
	deps map[string][]string
	// dependents maps task ID to the IDs that depend on it.
	dependents map[string][]string
	// states maps task ID to its lifecycle state.
	states map[string]State
	// order preserves insertion order for deterministic ready-set output.
	order []string
}

// NewManager creates an empty dependency manager.
func NewManager() *Manager {
	return &Manager{
		tasks:      make(map[string]*models.Task),
		deps:       make(map[string][]string),
		dependents: make(map[string][]string),
		states:     make(map[string]State),
	}
}

// Build constructs the graph from the initial task set. All tasks start
// WAITING; tasks with no dependencies are promoted to READY. Dependency
// references may be task IDs or exact titles; titles are resolved to IDs.
// Unknown references and duplicate IDs are rejected.
// Cycle detection is separate: call DetectCycles after Build.
func (m *Manager) Build(tasks []*models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byTitle := make(map[string]string, len(tasks))
	for _, task := range tasks {
		if task.ID == "" {
			return fmt.Errorf("task %q has no id", task.Title)
		}
		if _, dup := m.tasks[task.ID]; dup {
			return fmt.Errorf("duplicate task id %s", task.ID)
		}
		m.tasks[task.ID] = task
		m.states[task.ID] = StateWaiting
		m.order = append(m.order, task.ID)
		byTitle[task.Title] = task.ID
	}

	for _, task := range tasks {
		resolved := make([]string, 0, len(task.DependsOn))
		for _, ref := range task.DependsOn {
			depID := ref
			if _, ok := m.tasks[depID]; !ok {
				// Fall back to title resolution.
				if id, ok := byTitle[ref]; ok {
					depID = id
				} else {
					return fmt.Errorf("task %s depends on %w %q", task.ID, ErrUnknownTask, ref)
				}
			}
			if depID == task.ID {
				return fmt.Errorf("task %s: %w [%s %s]", task.ID, ErrCycleDetected, task.ID, task.ID)
			}
			resolved = append(resolved, depID)
		}
		task.DependsOn = resolved
		m.deps[task.ID] = resolved
		for _, depID := range resolved {
			m.dependents[depID] = append(m.dependents[depID], task.ID)
		}
	}

	// Promote tasks with no dependencies.
	for _, id := range m.order {
		if len(m.deps[id]) == 0 {
			m.states[id] = StateReady
		}
	}

	return nil
}

// DetectCycles returns all simple cycles in the graph. Each cycle is a path
// of task IDs whose first and last elements are equal. An empty result means
// the graph is acyclic.
func (m *Manager) DetectCycles() [][]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var cycles [][]string
	// Colors: 0 white, 1 gray (on current path), 2 black.
	colors := make(map[string]int, len(m.tasks))
	var path []string

	var visit func(id string)
	visit = func(id string) {
		colors[id] = 1
		path = append(path, id)

		for _, depID := range m.deps[id] {
			switch colors[depID] {
			case 1:
				// Back edge: slice the current path from depID onward.
				start := 0
				for i, p := range path {
					if p == depID {
						start = i
						break
					}
				}
				cycle := make([]string, 0, len(path)-start+1)
				cycle = append(cycle, path[start:]...)
				cycle = append(cycle, depID)
				cycles = append(cycles, cycle)
			case 0:
				visit(depID)
			}
		}

		path = path[:len(path)-1]
		colors[id] = 2
	}

	for _, id := range m.order {
		if colors[id] == 0 {
			visit(id)
		}
	}

	return cycles
}

// GetTask returns the task for the given ID, or nil if not found.
func (m *Manager) GetTask(id string) *models.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tasks[id]
}

// GetState returns the lifecycle state of the task.
func (m *Manager) GetState(id string) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[id]
	return s, ok
}

// GetReadyTasks returns tasks in the READY state in insertion order.
func (m *Manager) GetReadyTasks() []*models.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ready []*models.Task
	for _, id := range m.order {
		if m.states[id] == StateReady {
			ready = append(ready, m.tasks[id])
		}
	}
	return ready
}

// GetDependencyStatus reports why a task is or is not runnable.
func (m *Manager) GetDependencyStatus(id string) (DependencyStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.tasks[id]; !ok {
		return DependencyStatus{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}

	var status DependencyStatus
	for _, depID := range m.deps[id] {
		switch m.states[depID] {
		case StateFailed:
			status.BlockedBy = append(status.BlockedBy, depID)
		case StateMerged:
			// Satisfied.
		default:
			status.WaitingFor = append(status.WaitingFor, depID)
		}
	}
	status.ReadyNow = m.states[id] == StateReady
	return status, nil
}

// MarkRunning transitions READY -> RUNNING. Idempotent from RUNNING.
func (m *Manager) MarkRunning(id string) error {
	return m.transition(id, StateRunning, StateReady, StateRunning)
}

// MarkDeveloped transitions RUNNING -> DEVELOPED.
func (m *Manager) MarkDeveloped(id string) error {
	return m.transition(id, StateDeveloped, StateRunning)
}

// MarkMerging transitions DEVELOPED -> MERGING.
func (m *Manager) MarkMerging(id string) error {
	return m.transition(id, StateMerging, StateDeveloped)
}

// MarkMerged transitions MERGING -> MERGED and returns the tasks newly
// promoted to READY: waiting dependents whose every dependency is now merged.
func (m *Manager) MarkMerged(id string) ([]*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.transitionLocked(id, StateMerged, StateMerging); err != nil {
		return nil, err
	}

	var promoted []*models.Task
	for _, depID := range m.dependents[id] {
		if m.states[depID] != StateWaiting {
			continue
		}
		allMerged := true
		for _, d := range m.deps[depID] {
			if m.states[d] != StateMerged {
				allMerged = false
				break
			}
		}
		if allMerged {
			m.states[depID] = StateReady
			promoted = append(promoted, m.tasks[depID])
		}
	}
	return promoted, nil
}

// MarkFailed transitions the task to FAILED from any state and cascades:
// every transitive dependent is marked FAILED as well. Returns the cascade
// set (dependents only, breadth-first, excluding the task itself).
func (m *Manager) MarkFailed(id string) ([]*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	m.states[id] = StateFailed

	var cascade []*models.Task
	queue := append([]string(nil), m.dependents[id]...)
	seen := map[string]bool{id: true}
	for len(queue) > 0 {
		depID := queue[0]
		queue = queue[1:]
		if seen[depID] {
			continue
		}
		seen[depID] = true
		if m.states[depID] != StateFailed {
			m.states[depID] = StateFailed
			cascade = append(cascade, m.tasks[depID])
		}
		queue = append(queue, m.dependents[depID]...)
	}
	return cascade, nil
}

// GetDependents returns the IDs of tasks that directly depend on the given task.
func (m *Manager) GetDependents(id string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.dependents[id]...)
}

// StatusSummary returns the number of tasks in each state.
func (m *Manager) StatusSummary() map[State]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summary := make(map[State]int)
	for _, s := range m.states {
		summary[s]++
	}
	return summary
}

// HasPendingTasks reports whether any task is in a non-terminal state.
func (m *Manager) HasPendingTasks() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.states {
		if !s.Terminal() {
			return true
		}
	}
	return false
}

// Size returns the number of tasks in the graph.
func (m *Manager) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks)
}

// transition performs a guarded state change. The first allowed state that
// equals the current state wins; if the current state already equals the
// target and the target is listed, the call is an idempotent no-op.
func (m *Manager) transition(id string, to State, from ...State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(id, to, from...)
}

func (m *Manager) transitionLocked(id string, to State, from ...State) error {
	current, ok := m.states[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	for _, f := range from {
		if current == f {
			m.states[id] = to
			return nil
		}
	}
	return fmt.Errorf("%w: cannot move %s from %s to %s", ErrInvalidTransition, id, current, to)
}
