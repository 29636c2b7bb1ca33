package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// The legacy snapshot column holds one JSON blob per row, written by the old
// client before fields were promoted to typed columns. These parsers exist
// solely for the one-time back-fill; nothing writes snapshots anymore.

type taskSnapshot struct {
	Title           string   `json:"title"`
	Status          string   `json:"status"`
	Due             string   `json:"due,omitempty"`
	Start           string   `json:"start,omitempty"`
	CompletedAt     string   `json:"completed_at,omitempty"`
	Flagged         bool     `json:"flagged,omitempty"`
	EstimateMinutes int      `json:"estimate_minutes,omitempty"`
	Projects        []string `json:"projects,omitempty"`
}

type projectSnapshot struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Archived bool   `json:"archived,omitempty"`
	Color    string `json:"color,omitempty"`
}

type timeEntrySnapshot struct {
	Task            string `json:"task,omitempty"`
	StartedAt       string `json:"started_at"`
	EndedAt         string `json:"ended_at,omitempty"`
	DurationMinutes int    `json:"duration_minutes,omitempty"`
	Note            string `json:"note,omitempty"`
}

func snapshotTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return &t
	}
	return nil
}

// TaskFieldsFromSnapshot parses a legacy task snapshot into typed fields.
// Only content fields are populated; identity and sync columns stay with the
// existing row.
func TaskFieldsFromSnapshot(raw string) (*Task, error) {
	var snap taskSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("failed to parse task snapshot: %w", err)
	}
	if snap.Title == "" {
		return nil, fmt.Errorf("task snapshot has no title")
	}
	return &Task{
		Title:            snap.Title,
		Status:           normalizeStatus(snap.Status),
		DueDate:          snapshotTime(snap.Due),
		StartDate:        snapshotTime(snap.Start),
		CompletedAt:      snapshotTime(snap.CompletedAt),
		Flagged:          snap.Flagged,
		EstimateMinutes:  snap.EstimateMinutes,
		ProjectRemoteIDs: snap.Projects,
	}, nil
}

// ProjectFieldsFromSnapshot parses a legacy project snapshot.
func ProjectFieldsFromSnapshot(raw string) (*Project, error) {
	var snap projectSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("failed to parse project snapshot: %w", err)
	}
	if snap.Name == "" {
		return nil, fmt.Errorf("project snapshot has no name")
	}
	return &Project{
		Name:     snap.Name,
		Status:   normalizeStatus(snap.Status),
		Archived: snap.Archived,
		Color:    snap.Color,
	}, nil
}

// TimeEntryFieldsFromSnapshot parses a legacy time-entry snapshot.
func TimeEntryFieldsFromSnapshot(raw string) (*TimeEntry, error) {
	var snap timeEntrySnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("failed to parse time entry snapshot: %w", err)
	}
	started := snapshotTime(snap.StartedAt)
	if started == nil {
		return nil, fmt.Errorf("time entry snapshot has no started_at")
	}
	return &TimeEntry{
		TaskRemoteID:    snap.Task,
		StartedAt:       *started,
		EndedAt:         snapshotTime(snap.EndedAt),
		DurationMinutes: snap.DurationMinutes,
		Note:            snap.Note,
	}, nil
}
