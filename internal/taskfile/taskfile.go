// Package taskfile loads task sets from YAML files and writes per-task
// instruction documents into the repository metadata directory.
package taskfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/kugutsu-dev/kugutsu/pkg/models"
)

// MetadataDir is the repository-local directory for pipeline artifacts.
const MetadataDir = ".kugutsu"

// fileTask is the YAML shape of one task entry.
type fileTask struct {
	ID          string   `yaml:"id"`
	Title       string   `yaml:"title"`
	Description string   `yaml:"description"`
	Kind        string   `yaml:"kind"`
	Priority    string   `yaml:"priority"`
	DependsOn   []string `yaml:"depends_on"`
}

// taskFile is the YAML shape of a task set file.
type taskFile struct {
	Summary string     `yaml:"summary"`
	Tasks   []fileTask `yaml:"tasks"`
}

// Load reads a YAML task set. Missing ids are assigned; missing kinds and
// priorities default to feature/medium.
func Load(path string) (*models.TaskSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}

	var tf taskFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse task file %s: %w", path, err)
	}
	if len(tf.Tasks) == 0 {
		return nil, fmt.Errorf("task file %s contains no tasks", path)
	}

	tasks := make([]*models.Task, 0, len(tf.Tasks))
	for i, ft := range tf.Tasks {
		if strings.TrimSpace(ft.Title) == "" {
			return nil, fmt.Errorf("task %d in %s has no title", i+1, path)
		}
		id := ft.ID
		if id == "" {
			id = uuid.New().String()[:8]
		}
		kind := models.TaskKind(ft.Kind)
		if ft.Kind == "" {
			kind = models.TaskKindFeature
		}
		if !kind.Valid() {
			return nil, fmt.Errorf("task %q has invalid kind %q", ft.Title, ft.Kind)
		}
		priority := models.Priority(ft.Priority)
		if ft.Priority == "" {
			priority = models.PriorityMedium
		}
		if !priority.Valid() {
			return nil, fmt.Errorf("task %q has invalid priority %q", ft.Title, ft.Priority)
		}
		tasks = append(tasks, &models.Task{
			ID:          id,
			Title:       ft.Title,
			Description: ft.Description,
			Kind:        kind,
			Priority:    priority,
			DependsOn:   ft.DependsOn,
		})
	}

	return &models.TaskSet{
		Tasks:     tasks,
		Summary:   tf.Summary,
		ProjectID: uuid.New().String()[:8],
	}, nil
}

// Snapshot writes the task set as YAML under the repo's metadata directory so
// a run's plan survives the process. Returns the snapshot path.
func Snapshot(repoPath string, set *models.TaskSet) (string, error) {
	dir := filepath.Join(repoPath, MetadataDir, "plans")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create plans directory: %w", err)
	}

	tf := taskFile{Summary: set.Summary}
	for _, t := range set.Tasks {
		tf.Tasks = append(tf.Tasks, fileTask{
			ID:          t.ID,
			Title:       t.Title,
			Description: t.Description,
			Kind:        string(t.Kind),
			Priority:    string(t.Priority),
			DependsOn:   t.DependsOn,
		})
	}

	data, err := yaml.Marshal(&tf)
	if err != nil {
		return "", fmt.Errorf("marshal task set: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%s-%s.yaml", time.Now().Format("20060102-150405"), set.ProjectID))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write plan snapshot: %w", err)
	}
	return path, nil
}

// WriteInstructions writes the task's instruction document into its worktree
// so the engineer can re-read its brief mid-run. Returns the file path.
func WriteInstructions(worktreePath string, task *models.Task) (string, error) {
	dir := filepath.Join(worktreePath, MetadataDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create metadata directory: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", task.Title)
	fmt.Fprintf(&b, "- Task ID: %s\n", task.ID)
	fmt.Fprintf(&b, "- Kind: %s\n", task.Kind)
	fmt.Fprintf(&b, "- Priority: %s\n", task.Priority)
	if len(task.DependsOn) > 0 {
		fmt.Fprintf(&b, "- Depends on: %s\n", strings.Join(task.DependsOn, ", "))
	}
	if task.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", task.Description)
	}

	path := filepath.Join(dir, "TASK.md")
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return "", fmt.Errorf("write task instructions: %w", err)
	}
	return path, nil
}
