// Package model provides the typed entity records mirrored from the remote
// workspace.
//
// Each entity carries two identities: a local_id that is generated on first
// sight and stable for the record's lifetime, and the remote identifiers
// (remote_id and the rename-resistant remote_unique_id) that tie the row to
// its authoritative copy. Typed columns are the source of truth going
// forward; the legacy serialized snapshot survives only as a migration
// artifact consumed by the store's back-fill.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// SyncStatus tracks how a local row relates to its remote counterpart.
type SyncStatus string

const (
	// SyncPending marks a row with local edits awaiting push.
	SyncPending SyncStatus = "pending"

	// SyncSynced marks a row whose last known state matches the remote.
	SyncSynced SyncStatus = "synced"

	// SyncConflict marks a row with diverging local and remote edits.
	SyncConflict SyncStatus = "conflict"

	// SyncLocalOnly marks a row that has never been confirmed remotely.
	// A local-only row has no remote_id.
	SyncLocalOnly SyncStatus = "local-only"

	// SyncTrashed marks a soft-deleted row, excluded from default queries
	// but retained until explicit purge.
	SyncTrashed SyncStatus = "trashed"
)

// Valid reports whether s is one of the recognized sync statuses.
func (s SyncStatus) Valid() bool {
	switch s {
	case SyncPending, SyncSynced, SyncConflict, SyncLocalOnly, SyncTrashed:
		return true
	}
	return false
}

// FieldTimes maps a field name to the time it was last written on one side.
// Stored as a JSON column; kept current so a field-level last-writer-wins
// merge can be layered on later without a schema change.
type FieldTimes map[string]time.Time

// MarshalColumn serializes the map for storage. An empty map serializes to
// "{}" rather than null so the column stays queryable with json functions.
func (f FieldTimes) MarshalColumn() (string, error) {
	if len(f) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("failed to marshal field times: %w", err)
	}
	return string(b), nil
}

// FieldTimesFromColumn parses a stored field-times column. Empty and null
// values decode to an empty map.
func FieldTimesFromColumn(raw string) (FieldTimes, error) {
	if raw == "" || raw == "null" {
		return FieldTimes{}, nil
	}
	var f FieldTimes
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal field times: %w", err)
	}
	if f == nil {
		f = FieldTimes{}
	}
	return f, nil
}

// Touch records that field was written at ts, allocating the map if needed.
func (f *FieldTimes) Touch(field string, ts time.Time) {
	if *f == nil {
		*f = FieldTimes{}
	}
	(*f)[field] = ts
}

// Task is a single actionable item mirrored from the remote task collection.
type Task struct {
	// Identity
	LocalID        string
	RemoteID       string
	RemoteUniqueID string

	// Content
	Title  string
	Status string // inbox, todo, in_progress, done, canceled

	// Scheduling
	DueDate     *time.Time
	StartDate   *time.Time
	CompletedAt *time.Time

	// Flags and estimates
	Flagged         bool
	EstimateMinutes int

	// Relation edges to projects, by project remote id. Persisted in the
	// task_projects join table, not as a column.
	ProjectRemoteIDs []string

	// Snapshot is the legacy opaque serialization. Write path never touches
	// it; the back-fill reads it once to populate typed columns.
	Snapshot string

	// Sync bookkeeping
	SyncStatus       SyncStatus
	LocalModifiedAt  time.Time
	RemoteModifiedAt time.Time
	FieldLocalTS     FieldTimes
	FieldRemoteTS    FieldTimes
}

// Validate checks that the task is storable.
func (t *Task) Validate() error {
	if t.LocalID == "" {
		return fmt.Errorf("local id is required")
	}
	if t.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(t.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(t.Title))
	}
	if !t.SyncStatus.Valid() {
		return fmt.Errorf("invalid sync status %q", t.SyncStatus)
	}
	if t.SyncStatus == SyncLocalOnly && t.RemoteID != "" {
		return fmt.Errorf("local-only task must not carry a remote id")
	}
	return nil
}

// Project groups tasks, mirrored from the remote project collection.
type Project struct {
	LocalID        string
	RemoteID       string
	RemoteUniqueID string

	Name     string
	Status   string // active, on_hold, done
	Archived bool
	Color    string

	Snapshot string

	SyncStatus       SyncStatus
	LocalModifiedAt  time.Time
	RemoteModifiedAt time.Time
	FieldLocalTS     FieldTimes
	FieldRemoteTS    FieldTimes
}

// Validate checks that the project is storable.
func (p *Project) Validate() error {
	if p.LocalID == "" {
		return fmt.Errorf("local id is required")
	}
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !p.SyncStatus.Valid() {
		return fmt.Errorf("invalid sync status %q", p.SyncStatus)
	}
	if p.SyncStatus == SyncLocalOnly && p.RemoteID != "" {
		return fmt.Errorf("local-only project must not carry a remote id")
	}
	return nil
}

// TimeEntry is a single tracked interval of work against a task.
type TimeEntry struct {
	LocalID        string
	RemoteID       string
	RemoteUniqueID string

	TaskRemoteID    string
	StartedAt       time.Time
	EndedAt         *time.Time
	DurationMinutes int
	Note            string

	Snapshot string

	SyncStatus       SyncStatus
	LocalModifiedAt  time.Time
	RemoteModifiedAt time.Time
	FieldLocalTS     FieldTimes
	FieldRemoteTS    FieldTimes
}

// Validate checks that the time entry is storable.
func (e *TimeEntry) Validate() error {
	if e.LocalID == "" {
		return fmt.Errorf("local id is required")
	}
	if e.StartedAt.IsZero() {
		return fmt.Errorf("started_at is required")
	}
	if e.EndedAt != nil && e.EndedAt.Before(e.StartedAt) {
		return fmt.Errorf("ended_at precedes started_at")
	}
	if !e.SyncStatus.Valid() {
		return fmt.Errorf("invalid sync status %q", e.SyncStatus)
	}
	return nil
}
