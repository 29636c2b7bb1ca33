package model

import (
	"time"

	"github.com/workmirror/workmirror/internal/remote"
)

// Builders for the push direction: local entities back into the API's
// property union. fields selects which properties to include (remote property
// names, as recorded in changed_fields); nil means all content fields.

// TaskProperties maps a task's content fields onto remote properties.
func TaskProperties(t *Task, fields []string) map[string]remote.Property {
	props := map[string]remote.Property{}
	include := fieldSet(fields)

	if include(TaskPropTitle) {
		props[TaskPropTitle] = titleProperty(t.Title)
	}
	if include(TaskPropStatus) && t.Status != "" {
		props[TaskPropStatus] = statusProperty(t.Status)
	}
	if include(TaskPropDue) {
		if p, ok := dateProperty(t.DueDate, nil); ok {
			props[TaskPropDue] = p
		}
	}
	if include(TaskPropStart) {
		if p, ok := dateProperty(t.StartDate, nil); ok {
			props[TaskPropStart] = p
		}
	}
	if include(TaskPropCompleted) {
		if p, ok := dateProperty(t.CompletedAt, nil); ok {
			props[TaskPropCompleted] = p
		}
	}
	if include(TaskPropFlagged) {
		flagged := t.Flagged
		props[TaskPropFlagged] = remote.Property{Type: "checkbox", Checkbox: &flagged}
	}
	if include(TaskPropEstimate) && t.EstimateMinutes > 0 {
		estimate := float64(t.EstimateMinutes)
		props[TaskPropEstimate] = remote.Property{Type: "number", Number: &estimate}
	}
	if include(TaskPropProjects) && len(t.ProjectRemoteIDs) > 0 {
		rels := make([]remote.Relation, 0, len(t.ProjectRemoteIDs))
		for _, id := range t.ProjectRemoteIDs {
			rels = append(rels, remote.Relation{ID: id})
		}
		props[TaskPropProjects] = remote.Property{Type: "relation", Relation: rels}
	}
	return props
}

// ProjectProperties maps a project's content fields onto remote properties.
func ProjectProperties(p *Project, fields []string) map[string]remote.Property {
	props := map[string]remote.Property{}
	include := fieldSet(fields)

	if include(ProjectPropName) {
		props[ProjectPropName] = titleProperty(p.Name)
	}
	if include(ProjectPropStatus) && p.Status != "" {
		props[ProjectPropStatus] = statusProperty(p.Status)
	}
	if include(ProjectPropArchived) {
		archived := p.Archived
		props[ProjectPropArchived] = remote.Property{Type: "checkbox", Checkbox: &archived}
	}
	if include(ProjectPropColor) && p.Color != "" {
		props[ProjectPropColor] = remote.Property{Type: "select",
			Select: &remote.SelectValue{Name: p.Color}}
	}
	return props
}

// TimeEntryProperties maps a time entry's content fields onto remote
// properties.
func TimeEntryProperties(e *TimeEntry, fields []string) map[string]remote.Property {
	props := map[string]remote.Property{}
	include := fieldSet(fields)

	if include(TimeEntryPropInterval) {
		if p, ok := dateProperty(&e.StartedAt, e.EndedAt); ok {
			props[TimeEntryPropInterval] = p
		}
	}
	if include(TimeEntryPropMinutes) && e.DurationMinutes > 0 {
		minutes := float64(e.DurationMinutes)
		props[TimeEntryPropMinutes] = remote.Property{Type: "number", Number: &minutes}
	}
	if include(TimeEntryPropNote) && e.Note != "" {
		props[TimeEntryPropNote] = remote.Property{Type: "rich_text",
			RichText: []remote.RichText{{PlainText: e.Note}}}
	}
	if include(TimeEntryPropTask) && e.TaskRemoteID != "" {
		props[TimeEntryPropTask] = remote.Property{Type: "relation",
			Relation: []remote.Relation{{ID: e.TaskRemoteID}}}
	}
	return props
}

func fieldSet(fields []string) func(string) bool {
	if len(fields) == 0 {
		return func(string) bool { return true }
	}
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return func(name string) bool {
		_, ok := set[name]
		return ok
	}
}

func titleProperty(text string) remote.Property {
	return remote.Property{Type: "title", Title: []remote.RichText{{PlainText: text}}}
}

func statusProperty(status string) remote.Property {
	return remote.Property{Type: "status", Status: &remote.SelectValue{Name: status}}
}

func dateProperty(start, end *time.Time) (remote.Property, bool) {
	if start == nil || start.IsZero() {
		return remote.Property{}, false
	}
	d := &remote.DateValue{Start: start.UTC().Format(time.RFC3339)}
	if end != nil && !end.IsZero() {
		d.End = end.UTC().Format(time.RFC3339)
	}
	return remote.Property{Type: "date", Date: d}, true
}
