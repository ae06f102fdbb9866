package repositoryimpl

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/phasegate/phasegate/internal/task"
	"github.com/phasegate/phasegate/internal/workflow"
	"github.com/phasegate/phasegate/pkg/cerr"
	"github.com/phasegate/phasegate/pkg/storage"
)

var (
	uncheckedRe = regexp.MustCompile(`^\s*-\s*\[\s\]\s*`)
	checkedRe   = regexp.MustCompile(`^\s*-\s*\[x\]\s*`)
)

const timestampLayout = "2006-01-02 15:04"

// MarkdownRepository reads and annotates the operator-owned checklist file
// and the status tracking file. Both are plain markdown so the operator can
// edit them by hand between runs.
type MarkdownRepository struct {
	storage storage.Storage

	mu sync.Mutex
}

func NewMarkdownRepository(s storage.Storage) *MarkdownRepository {
	return &MarkdownRepository{storage: s}
}

func (r *MarkdownRepository) readLines(ctx context.Context, path string) ([]string, error) {
	data, err := r.storage.Read(ctx, path)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, cerr.WrapStorageReadError("checklist", err)
	}
	return strings.Split(string(data), "\n"), nil
}

func (r *MarkdownRepository) Current(ctx context.Context, mode workflow.Mode) (*task.Task, error) {
	lines, err := r.readLines(ctx, mode.ChecklistPath())
	if err != nil {
		return nil, err
	}
	for _, line := range lines {
		if uncheckedRe.MatchString(line) {
			desc := strings.TrimSpace(uncheckedRe.ReplaceAllString(line, ""))
			if desc == "" {
				continue
			}
			return &task.Task{Description: stripAnnotation(desc), Status: task.StatusPending}, nil
		}
	}
	return nil, nil
}

func (r *MarkdownRepository) List(ctx context.Context, mode workflow.Mode) ([]*task.Task, error) {
	lines, err := r.readLines(ctx, mode.ChecklistPath())
	if err != nil {
		return nil, err
	}
	var tasks []*task.Task
	for _, line := range lines {
		switch {
		case checkedRe.MatchString(line):
			desc := stripAnnotation(strings.TrimSpace(checkedRe.ReplaceAllString(line, "")))
			tasks = append(tasks, &task.Task{Description: desc, Status: task.StatusComplete})
		case uncheckedRe.MatchString(line):
			desc := stripAnnotation(strings.TrimSpace(uncheckedRe.ReplaceAllString(line, "")))
			if desc == "" {
				continue
			}
			tasks = append(tasks, &task.Task{Description: desc, Status: task.StatusPending})
		}
	}
	return tasks, nil
}

func (r *MarkdownRepository) AllComplete(ctx context.Context, mode workflow.Mode) (bool, error) {
	lines, err := r.readLines(ctx, mode.ChecklistPath())
	if err != nil {
		return false, err
	}
	hasTasks := false
	for _, line := range lines {
		if checkedRe.MatchString(line) {
			hasTasks = true
			continue
		}
		if uncheckedRe.MatchString(line) {
			return false, nil
		}
	}
	return hasTasks, nil
}

func (r *MarkdownRepository) MarkComplete(ctx context.Context, mode workflow.Mode, description string) error {
	return r.annotate(ctx, mode, description, true)
}

func (r *MarkdownRepository) MarkAttempted(ctx context.Context, mode workflow.Mode, description string) error {
	return r.annotate(ctx, mode, description, false)
}

func (r *MarkdownRepository) annotate(ctx context.Context, mode workflow.Mode, description string, completed bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	lines, err := r.readLines(ctx, mode.ChecklistPath())
	if err != nil {
		return err
	}
	if lines == nil {
		lines = []string{"# Tasks Checklist", ""}
	}

	timestamp := time.Now().Format(timestampLayout)
	var annotated string
	if completed {
		annotated = fmt.Sprintf("- [x] %s (Completed: %s)", description, timestamp)
	} else {
		annotated = fmt.Sprintf("- [ ] %s (Attempted: %s)", description, timestamp)
	}

	found := false
	for i, line := range lines {
		if uncheckedRe.MatchString(line) && strings.Contains(line, truncate(description, 50)) {
			lines[i] = annotated
			found = true
			break
		}
	}
	if !found {
		lines = append(lines, annotated)
	}

	if err := r.storage.Write(ctx, mode.ChecklistPath(), []byte(strings.Join(lines, "\n"))); err != nil {
		return cerr.WrapStorageWriteError("checklist", err)
	}
	return nil
}

func (r *MarkdownRepository) UpdateStatus(ctx context.Context, mode workflow.Mode, description, status string) error {
	if description == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	path := mode.TaskStatusPath()
	lines, err := r.readLines(ctx, path)
	if err != nil {
		return err
	}
	if lines == nil {
		lines = []string{"# Tasks", ""}
	}

	entry := fmt.Sprintf("- [ ] %s - %s", description, status)
	if status == "COMPLETE" {
		entry = fmt.Sprintf("- [x] %s - %s", description, status)
	}

	found := false
	for i, line := range lines {
		if strings.Contains(line, truncate(description, 30)) {
			lines[i] = entry
			found = true
			break
		}
	}
	if !found {
		lines = append(lines, entry)
	}

	if err := r.storage.Write(ctx, path, []byte(strings.Join(lines, "\n"))); err != nil {
		return cerr.WrapStorageWriteError("tasks", err)
	}
	return nil
}

// stripAnnotation drops a trailing "(Completed: ...)" or "(Attempted: ...)"
// stamp so the description compares stable across annotations.
func stripAnnotation(desc string) string {
	for _, marker := range []string{" (Completed:", " (Attempted:"} {
		if idx := strings.Index(desc, marker); idx >= 0 {
			return strings.TrimSpace(desc[:idx])
		}
	}
	return desc
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
