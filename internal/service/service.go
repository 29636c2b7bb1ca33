// Package service is the shell-facing facade over the replica: reads and
// local writes against the store, import triggers, and sync status. Local
// writes return immediately after hitting the store and the outbound queue;
// nothing here blocks on network I/O.
package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/workmirror/workmirror/internal/engine"
	"github.com/workmirror/workmirror/internal/model"
	"github.com/workmirror/workmirror/internal/store"
)

// Service wires the store and the import engine behind the interface the
// shell consumes.
type Service struct {
	store  *store.Store
	engine *engine.Engine
	logger *slog.Logger
}

// New creates a Service.
func New(st *store.Store, eng *engine.Engine, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, engine: eng, logger: logger}
}

// Records is the combined read snapshot handed to the shell.
type Records struct {
	Tasks    []*model.Task    `json:"tasks"`
	Projects []*model.Project `json:"projects"`
}

// Records returns all live tasks and projects.
func (s *Service) Records(ctx context.Context) (*Records, error) {
	tasks, err := s.store.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		return nil, err
	}
	projects, err := s.store.ListProjects(ctx, false)
	if err != nil {
		return nil, err
	}
	return &Records{Tasks: tasks, Projects: projects}, nil
}

// Tasks returns tasks matching the filter.
func (s *Service) Tasks(ctx context.Context, filter store.TaskFilter) ([]*model.Task, error) {
	return s.store.ListTasks(ctx, filter)
}

// Task returns one task by local id.
func (s *Service) Task(ctx context.Context, localID string) (*model.Task, error) {
	return s.store.GetTask(ctx, localID)
}

// TaskDraft is the payload for a locally created task.
type TaskDraft struct {
	Title            string     `json:"title"`
	Status           string     `json:"status,omitempty"`
	DueDate          *time.Time `json:"due_date,omitempty"`
	StartDate        *time.Time `json:"start_date,omitempty"`
	Flagged          bool       `json:"flagged,omitempty"`
	EstimateMinutes  int        `json:"estimate_minutes,omitempty"`
	ProjectRemoteIDs []string   `json:"project_remote_ids,omitempty"`
}

// CreateLocal stores a new task immediately as local-only and queues its
// creation for push. The returned task carries the generated local id.
func (s *Service) CreateLocal(ctx context.Context, draft TaskDraft) (*model.Task, error) {
	now := time.Now().UTC()
	status := draft.Status
	if status == "" {
		status = "inbox"
	}

	task := &model.Task{
		LocalID:          uuid.NewString(),
		Title:            draft.Title,
		Status:           status,
		DueDate:          draft.DueDate,
		StartDate:        draft.StartDate,
		Flagged:          draft.Flagged,
		EstimateMinutes:  draft.EstimateMinutes,
		ProjectRemoteIDs: draft.ProjectRemoteIDs,
		SyncStatus:       model.SyncLocalOnly,
		LocalModifiedAt:  now,
		FieldLocalTS:     FieldTimesForDraft(draft, now),
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task payload: %w", err)
	}

	// The row and its queue entry commit together; a crash can never leave
	// a local task without its pending push.
	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.CreateLocalTask(ctx, tx, task); err != nil {
			return err
		}
		return s.store.EnqueueChange(ctx, tx, store.EntityTask, task.LocalID, "",
			store.OpCreate, string(payload), nil)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("created local task",
		slog.String("local_id", task.LocalID), slog.String("title", task.Title))
	return task, nil
}

// TaskPatch names the fields UpdateLocal changes. Nil pointers leave the
// field untouched.
type TaskPatch struct {
	Title           *string    `json:"title,omitempty"`
	Status          *string    `json:"status,omitempty"`
	DueDate         *time.Time `json:"due_date,omitempty"`
	StartDate       *time.Time `json:"start_date,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Flagged         *bool      `json:"flagged,omitempty"`
	EstimateMinutes *int       `json:"estimate_minutes,omitempty"`
}

// UpdateLocal applies a patch to a task, bumps the local bookkeeping, and
// queues the update for push. A row that never reached the remote stays
// local-only; its queued create is followed by this update in FIFO order.
func (s *Service) UpdateLocal(ctx context.Context, localID string, patch TaskPatch) (*model.Task, error) {
	task, err := s.store.GetTask(ctx, localID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var changed []string

	if patch.Title != nil && *patch.Title != task.Title {
		task.Title = *patch.Title
		changed = append(changed, model.TaskPropTitle)
	}
	if patch.Status != nil && *patch.Status != task.Status {
		task.Status = *patch.Status
		changed = append(changed, model.TaskPropStatus)
	}
	if patch.DueDate != nil {
		task.DueDate = patch.DueDate
		changed = append(changed, model.TaskPropDue)
	}
	if patch.StartDate != nil {
		task.StartDate = patch.StartDate
		changed = append(changed, model.TaskPropStart)
	}
	if patch.CompletedAt != nil {
		task.CompletedAt = patch.CompletedAt
		changed = append(changed, model.TaskPropCompleted)
	}
	if patch.Flagged != nil && *patch.Flagged != task.Flagged {
		task.Flagged = *patch.Flagged
		changed = append(changed, model.TaskPropFlagged)
	}
	if patch.EstimateMinutes != nil && *patch.EstimateMinutes != task.EstimateMinutes {
		task.EstimateMinutes = *patch.EstimateMinutes
		changed = append(changed, model.TaskPropEstimate)
	}

	if len(changed) == 0 {
		return task, nil
	}

	task.LocalModifiedAt = now
	for _, field := range changed {
		task.FieldLocalTS.Touch(field, now)
	}
	if task.SyncStatus != model.SyncLocalOnly {
		task.SyncStatus = model.SyncPending
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task payload: %w", err)
	}

	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.UpdateLocalTask(ctx, tx, task); err != nil {
			return err
		}
		return s.store.EnqueueChange(ctx, tx, store.EntityTask, task.LocalID,
			task.RemoteID, store.OpUpdate, string(payload), changed)
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// Complete marks a task done with a completion timestamp.
func (s *Service) Complete(ctx context.Context, localID string) (*model.Task, error) {
	now := time.Now().UTC()
	status := "done"
	return s.UpdateLocal(ctx, localID, TaskPatch{
		Status:      &status,
		CompletedAt: &now,
	})
}

// ImportAll runs a full import. The first complete run flips the setup gate.
func (s *Service) ImportAll(ctx context.Context) (*engine.Summary, error) {
	summary, err := s.engine.ImportAll(ctx)
	if err != nil {
		return summary, err
	}
	if !summary.Partial() {
		if err := s.store.MarkSetupComplete(ctx); err != nil {
			return summary, err
		}
	}
	return summary, nil
}

// ImportActive runs an active-only refresh.
func (s *Service) ImportActive(ctx context.Context) (*engine.Summary, error) {
	return s.engine.ImportActive(ctx)
}

// ImportDelta runs a delta import since the last app close.
func (s *Service) ImportDelta(ctx context.Context) (*engine.Summary, error) {
	return s.engine.ImportDelta(ctx)
}

// Status is the sync overview surfaced to the shell and CLI.
type Status struct {
	SetupComplete  bool                      `json:"setup_complete"`
	TaskCounts     map[model.SyncStatus]int  `json:"task_counts"`
	TotalTasks     int                       `json:"total_tasks"`
	TotalProjects  int                       `json:"total_projects"`
	PendingChanges int                       `json:"pending_changes"`
	LastAppClose   *time.Time                `json:"last_app_close,omitempty"`
	SkippedCursors []string                  `json:"skipped_cursors,omitempty"`
}

// SyncStatus assembles the current sync overview.
func (s *Service) SyncStatus(ctx context.Context) (*Status, error) {
	status := &Status{}

	var err error
	if status.SetupComplete, err = s.store.SetupComplete(ctx); err != nil {
		return nil, err
	}
	if status.TaskCounts, err = s.store.CountTasksBySyncStatus(ctx); err != nil {
		return nil, err
	}
	if status.TotalTasks, err = s.store.CountTasks(ctx); err != nil {
		return nil, err
	}
	if status.TotalProjects, err = s.store.CountProjects(ctx); err != nil {
		return nil, err
	}
	if status.PendingChanges, err = s.store.PendingChangeCount(ctx); err != nil {
		return nil, err
	}
	if anchor, ok, err := s.store.LastAppClose(ctx); err != nil {
		return nil, err
	} else if ok {
		status.LastAppClose = &anchor
	}
	if status.SkippedCursors, err = s.store.SkippedCursors(ctx); err != nil {
		return nil, err
	}
	return status, nil
}

// PendingChangeCount returns the outbound queue depth.
func (s *Service) PendingChangeCount(ctx context.Context) (int, error) {
	return s.store.PendingChangeCount(ctx)
}

// FieldTimesForDraft stamps every field the draft set.
func FieldTimesForDraft(draft TaskDraft, now time.Time) model.FieldTimes {
	f := model.FieldTimes{model.TaskPropTitle: now}
	if draft.Status != "" {
		f[model.TaskPropStatus] = now
	}
	if draft.DueDate != nil {
		f[model.TaskPropDue] = now
	}
	if draft.StartDate != nil {
		f[model.TaskPropStart] = now
	}
	if draft.Flagged {
		f[model.TaskPropFlagged] = now
	}
	if draft.EstimateMinutes > 0 {
		f[model.TaskPropEstimate] = now
	}
	if len(draft.ProjectRemoteIDs) > 0 {
		f[model.TaskPropProjects] = now
	}
	return f
}
