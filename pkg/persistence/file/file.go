// Package file provides a file-based persistence implementation for workflow
// definitions and runs. Suitable for development, tests, and single-node
// deployments.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cadencehq/cadence/pkg/models"
	"github.com/cadencehq/cadence/pkg/persistence"
)

// Persistence implements persistence.Persistence on top of the file system.
// A single process-wide mutex serializes writes; the run version check relies
// on it to stay atomic.
type Persistence struct {
	root string
	mu   sync.Mutex
}

// NewPersistence creates a file persistence rooted at the given directory.
// A "file://" prefix is stripped so database URLs can be passed through.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.TrimPrefix(root, "file://")

	return &Persistence{root: cleanRoot}
}

func (p *Persistence) workflowsDir() string {
	return filepath.Join(p.root, "workflows")
}

func (p *Persistence) runsDir() string {
	return filepath.Join(p.root, "runs")
}

// Close performs any necessary cleanup. Nothing to do for files.
func (p *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck verifies the root directory exists.
func (p *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(p.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func readJSON[T any](path string) (*T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	return &value, nil
}

func writeJSON(path string, value any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o644)
}

func listJSON[T any](dir string) ([]*T, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, err
	}

	values := make([]*T, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		value, err := readJSON[T](filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}

		values = append(values, value)
	}

	return values, nil
}

// Workflows returns every non-deleted workflow definition.
func (p *Persistence) Workflows(_ context.Context) ([]*models.WorkflowDefinition, error) {
	all, err := listJSON[models.WorkflowDefinition](p.workflowsDir())
	if err != nil {
		return nil, persistence.NewWorkflowError("List", "", err)
	}

	workflows := make([]*models.WorkflowDefinition, 0, len(all))

	for _, workflow := range all {
		if !workflow.IsDeleted() {
			workflows = append(workflows, workflow)
		}
	}

	sort.Slice(workflows, func(i, j int) bool {
		return workflows[i].CreatedAt.Before(workflows[j].CreatedAt)
	})

	return workflows, nil
}

// WorkflowByID returns the definition, or ErrWorkflowNotFound for unknown and
// soft-deleted identifiers alike.
func (p *Persistence) WorkflowByID(_ context.Context, id string) (*models.WorkflowDefinition, error) {
	workflow, err := readJSON[models.WorkflowDefinition](filepath.Join(p.workflowsDir(), id+".json"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, persistence.NewWorkflowError("Get", id, persistence.ErrWorkflowNotFound)
		}

		return nil, persistence.NewWorkflowError("Get", id, err)
	}

	if workflow.IsDeleted() {
		return nil, persistence.NewWorkflowError("Get", id, persistence.ErrWorkflowNotFound)
	}

	return workflow, nil
}

// SaveWorkflow writes the definition, creating or replacing it.
func (p *Persistence) SaveWorkflow(_ context.Context, workflow *models.WorkflowDefinition) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	path := filepath.Join(p.workflowsDir(), workflow.ID+".json")
	if err := writeJSON(path, workflow); err != nil {
		return persistence.NewWorkflowError("Save", workflow.ID, err)
	}

	return nil
}

// DeleteWorkflow soft-deletes the definition. Run history stays on disk.
func (p *Persistence) DeleteWorkflow(ctx context.Context, id string) error {
	workflow, err := p.WorkflowByID(ctx, id)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	workflow.DeletedAt = &now

	path := filepath.Join(p.workflowsDir(), id+".json")
	if err := writeJSON(path, workflow); err != nil {
		return persistence.NewWorkflowError("Delete", id, err)
	}

	return nil
}

// RunByID returns the run for the given identifier.
func (p *Persistence) RunByID(_ context.Context, id string) (*models.WorkflowRun, error) {
	run, err := readJSON[models.WorkflowRun](filepath.Join(p.runsDir(), id+".json"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, persistence.NewRunError("Get", id, persistence.ErrRunNotFound)
		}

		return nil, persistence.NewRunError("Get", id, err)
	}

	return run, nil
}

// CreateRun persists a brand-new run at version 1.
func (p *Persistence) CreateRun(_ context.Context, run *models.WorkflowRun) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	path := filepath.Join(p.runsDir(), run.ID+".json")
	if _, err := os.Stat(path); err == nil {
		return persistence.NewRunError("Create", run.ID, persistence.ErrRunAlreadyExists)
	}

	run.Version = 1

	if err := writeJSON(path, run); err != nil {
		return persistence.NewRunError("Create", run.ID, err)
	}

	return nil
}

// SaveRun persists the run under a compare-and-set on the stored version. This
// is the mutual-exclusion token guaranteeing at-most-one in-flight advance per
// run: a writer that read a stale version loses the race and must not apply.
func (p *Persistence) SaveRun(_ context.Context, run *models.WorkflowRun, expectedVersion int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	path := filepath.Join(p.runsDir(), run.ID+".json")

	stored, err := readJSON[models.WorkflowRun](path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return persistence.NewRunError("Save", run.ID, persistence.ErrRunNotFound)
		}

		return persistence.NewRunError("Save", run.ID, err)
	}

	if stored.Version != expectedVersion {
		return persistence.NewRunError("Save", run.ID, persistence.ErrRunVersionConflict)
	}

	run.Version = expectedVersion + 1

	if err := writeJSON(path, run); err != nil {
		return persistence.NewRunError("Save", run.ID, err)
	}

	return nil
}

// ActiveRuns returns every non-terminal run across all workflows.
func (p *Persistence) ActiveRuns(_ context.Context) ([]*models.WorkflowRun, error) {
	all, err := listJSON[models.WorkflowRun](p.runsDir())
	if err != nil {
		return nil, persistence.NewRunError("ListActive", "", err)
	}

	active := make([]*models.WorkflowRun, 0, len(all))

	for _, run := range all {
		if !run.Status.Terminal() {
			active = append(active, run)
		}
	}

	sort.Slice(active, func(i, j int) bool {
		return active[i].EnrolledAt.Before(active[j].EnrolledAt)
	})

	return active, nil
}

// ActiveRunForRecord returns the record's non-terminal run in the workflow, if any.
func (p *Persistence) ActiveRunForRecord(ctx context.Context, workflowID, recordID string) (*models.WorkflowRun, error) {
	active, err := p.ActiveRuns(ctx)
	if err != nil {
		return nil, err
	}

	for _, run := range active {
		if run.WorkflowID == workflowID && run.RecordID == recordID {
			return run, nil
		}
	}

	return nil, nil
}

// Runs returns a filtered, newest-first page of runs for one workflow.
func (p *Persistence) Runs(_ context.Context, workflowID string, opts persistence.ListRunsOptions) (*persistence.RunListResult, error) {
	if opts.Limit <= 0 || opts.Limit > 100 {
		opts.Limit = 20
	}

	all, err := listJSON[models.WorkflowRun](p.runsDir())
	if err != nil {
		return nil, persistence.NewRunError("List", "", err)
	}

	matched := make([]*models.WorkflowRun, 0, len(all))

	for _, run := range all {
		if run.WorkflowID != workflowID {
			continue
		}

		if opts.Status != nil && run.Status != *opts.Status {
			continue
		}

		matched = append(matched, run)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].EnrolledAt.After(matched[j].EnrolledAt)
	})

	total := len(matched)

	if opts.Offset >= total {
		return &persistence.RunListResult{
			Runs:       make([]*models.WorkflowRun, 0),
			TotalCount: total,
		}, nil
	}

	end := opts.Offset + opts.Limit
	if end > total {
		end = total
	}

	return &persistence.RunListResult{
		Runs:        matched[opts.Offset:end],
		TotalCount:  total,
		HasNextPage: end < total,
	}, nil
}
