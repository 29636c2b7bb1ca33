package model

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/workmirror/workmirror/internal/remote"
)

// Remote property names for the task collection.
const (
	TaskPropTitle     = "Name"
	TaskPropStatus    = "Status"
	TaskPropDue       = "Due"
	TaskPropStart     = "Start"
	TaskPropCompleted = "Completed"
	TaskPropFlagged   = "Flagged"
	TaskPropEstimate  = "Estimate"
	TaskPropProjects  = "Projects"
	TaskPropUniqueID  = "ID"
)

// Remote property names for the project collection.
const (
	ProjectPropName     = "Name"
	ProjectPropStatus   = "Status"
	ProjectPropArchived = "Archived"
	ProjectPropColor    = "Color"
	ProjectPropUniqueID = "ID"
)

// Remote property names for the time-entry collection.
const (
	TimeEntryPropTask     = "Task"
	TimeEntryPropInterval = "Interval"
	TimeEntryPropMinutes  = "Minutes"
	TimeEntryPropNote     = "Note"
	TimeEntryPropUniqueID = "ID"
)

// normalizeStatus folds a remote status label ("In progress") into the local
// enum form ("in_progress").
func normalizeStatus(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
}

// TaskFromRemote maps a remote record onto a Task. The local id is freshly
// generated; when the record matches an existing row by remote_id the store's
// upsert keeps the stored local id and this one is discarded.
func TaskFromRemote(rec *remote.Record) (*Task, error) {
	if rec.ID == "" {
		return nil, fmt.Errorf("remote record has no id")
	}

	status := SyncSynced
	if rec.InTrash {
		status = SyncTrashed
	}

	t := &Task{
		LocalID:          uuid.NewString(),
		RemoteID:         rec.ID,
		RemoteUniqueID:   rec.UniqueKey(TaskPropUniqueID),
		Title:            rec.Text(TaskPropTitle),
		Status:           normalizeStatus(rec.StatusName(TaskPropStatus)),
		DueDate:          rec.DateAt(TaskPropDue),
		StartDate:        rec.DateAt(TaskPropStart),
		CompletedAt:      rec.DateAt(TaskPropCompleted),
		Flagged:          rec.Bool(TaskPropFlagged),
		EstimateMinutes:  int(rec.Number(TaskPropEstimate)),
		ProjectRemoteIDs: rec.RelationIDs(TaskPropProjects),
		SyncStatus:       status,
		RemoteModifiedAt: rec.LastEditedTime,
		FieldLocalTS:     FieldTimes{},
		FieldRemoteTS:    remoteFieldTimes(rec, TaskPropTitle, TaskPropStatus, TaskPropDue,
			TaskPropStart, TaskPropCompleted, TaskPropFlagged, TaskPropEstimate, TaskPropProjects),
	}
	if t.Title == "" {
		t.Title = "(untitled)"
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("record %s: %w", rec.ID, err)
	}
	return t, nil
}

// ProjectFromRemote maps a remote record onto a Project.
func ProjectFromRemote(rec *remote.Record) (*Project, error) {
	if rec.ID == "" {
		return nil, fmt.Errorf("remote record has no id")
	}

	status := SyncSynced
	if rec.InTrash {
		status = SyncTrashed
	}

	p := &Project{
		LocalID:          uuid.NewString(),
		RemoteID:         rec.ID,
		RemoteUniqueID:   rec.UniqueKey(ProjectPropUniqueID),
		Name:             rec.Text(ProjectPropName),
		Status:           normalizeStatus(rec.StatusName(ProjectPropStatus)),
		Archived:         rec.Bool(ProjectPropArchived),
		Color:            rec.StatusName(ProjectPropColor),
		SyncStatus:       status,
		RemoteModifiedAt: rec.LastEditedTime,
		FieldLocalTS:     FieldTimes{},
		FieldRemoteTS: remoteFieldTimes(rec, ProjectPropName, ProjectPropStatus,
			ProjectPropArchived, ProjectPropColor),
	}
	if p.Name == "" {
		p.Name = "(untitled)"
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("record %s: %w", rec.ID, err)
	}
	return p, nil
}

// TimeEntryFromRemote maps a remote record onto a TimeEntry.
func TimeEntryFromRemote(rec *remote.Record) (*TimeEntry, error) {
	if rec.ID == "" {
		return nil, fmt.Errorf("remote record has no id")
	}

	started := rec.DateAt(TimeEntryPropInterval)
	if started == nil {
		return nil, fmt.Errorf("time entry %s has no interval start", rec.ID)
	}

	status := SyncSynced
	if rec.InTrash {
		status = SyncTrashed
	}

	e := &TimeEntry{
		LocalID:          uuid.NewString(),
		RemoteID:         rec.ID,
		RemoteUniqueID:   rec.UniqueKey(TimeEntryPropUniqueID),
		StartedAt:        *started,
		EndedAt:          rec.DateEndAt(TimeEntryPropInterval),
		DurationMinutes:  int(rec.Number(TimeEntryPropMinutes)),
		Note:             rec.Text(TimeEntryPropNote),
		SyncStatus:       status,
		RemoteModifiedAt: rec.LastEditedTime,
		FieldLocalTS:     FieldTimes{},
		FieldRemoteTS: remoteFieldTimes(rec, TimeEntryPropTask, TimeEntryPropInterval,
			TimeEntryPropMinutes, TimeEntryPropNote),
	}
	if ids := rec.RelationIDs(TimeEntryPropTask); len(ids) > 0 {
		e.TaskRemoteID = ids[0]
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("record %s: %w", rec.ID, err)
	}
	return e, nil
}

// remoteFieldTimes stamps every present property with the record's last
// edited time. The API only exposes a record-level timestamp, so this is the
// finest granularity available on the pull path.
func remoteFieldTimes(rec *remote.Record, names ...string) FieldTimes {
	f := FieldTimes{}
	for _, name := range names {
		if _, ok := rec.Properties[name]; ok {
			f[name] = rec.LastEditedTime
		}
	}
	return f
}
