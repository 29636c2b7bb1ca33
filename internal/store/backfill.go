package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/workmirror/workmirror/internal/model"
)

// BackfillReport summarizes one back-fill pass.
type BackfillReport struct {
	TasksUpdated       int
	ProjectsUpdated    int
	TimeEntriesUpdated int
	Skipped            int
}

// BackfillFromSnapshots promotes legacy snapshot JSON into the typed columns
// added by later migrations. A row is a candidate when its snapshot is
// non-empty but its typed title/name column still holds the placeholder the
// migration left behind. The pass is idempotent; rows whose snapshots fail to
// parse are logged and skipped, never fatal.
func (s *Store) BackfillFromSnapshots(ctx context.Context) (*BackfillReport, error) {
	report := &BackfillReport{}

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.backfillTasks(ctx, tx, report); err != nil {
			return err
		}
		if err := s.backfillProjects(ctx, tx, report); err != nil {
			return err
		}
		return s.backfillTimeEntries(ctx, tx, report)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("snapshot backfill complete",
		"tasks", report.TasksUpdated,
		"projects", report.ProjectsUpdated,
		"time_entries", report.TimeEntriesUpdated,
		"skipped", report.Skipped)
	return report, nil
}

func (s *Store) backfillTasks(ctx context.Context, tx *sql.Tx, report *BackfillReport) error {
	rows, err := tx.QueryContext(ctx, `
	SELECT local_id, snapshot FROM tasks
	WHERE snapshot != '' AND title = ''`)
	if err != nil {
		return fmt.Errorf("failed to list backfill candidate tasks: %w", err)
	}
	candidates, err := collectSnapshots(rows)
	if err != nil {
		return err
	}

	for _, c := range candidates {
		fields, err := model.TaskFieldsFromSnapshot(c.snapshot)
		if err != nil {
			s.logger.Warn("skipping unparseable task snapshot", "local_id", c.localID, "error", err)
			report.Skipped++
			continue
		}
		_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET title = ?, status = ?, due_date = ?, start_date = ?,
			completed_at = ?, flagged = ?, estimate_minutes = ?
		WHERE local_id = ?`,
			fields.Title, fields.Status,
			timePtrToColumn(fields.DueDate), timePtrToColumn(fields.StartDate),
			timePtrToColumn(fields.CompletedAt),
			boolToInt(fields.Flagged), fields.EstimateMinutes, c.localID)
		if err != nil {
			return fmt.Errorf("failed to backfill task %s: %w", c.localID, err)
		}
		report.TasksUpdated++
	}
	return nil
}

func (s *Store) backfillProjects(ctx context.Context, tx *sql.Tx, report *BackfillReport) error {
	rows, err := tx.QueryContext(ctx, `
	SELECT local_id, snapshot FROM projects
	WHERE snapshot != '' AND name = ''`)
	if err != nil {
		return fmt.Errorf("failed to list backfill candidate projects: %w", err)
	}
	candidates, err := collectSnapshots(rows)
	if err != nil {
		return err
	}

	for _, c := range candidates {
		fields, err := model.ProjectFieldsFromSnapshot(c.snapshot)
		if err != nil {
			s.logger.Warn("skipping unparseable project snapshot", "local_id", c.localID, "error", err)
			report.Skipped++
			continue
		}
		_, err = tx.ExecContext(ctx, `
		UPDATE projects SET name = ?, status = ?, archived = ?, color = ?
		WHERE local_id = ?`,
			fields.Name, fields.Status, boolToInt(fields.Archived), fields.Color, c.localID)
		if err != nil {
			return fmt.Errorf("failed to backfill project %s: %w", c.localID, err)
		}
		report.ProjectsUpdated++
	}
	return nil
}

func (s *Store) backfillTimeEntries(ctx context.Context, tx *sql.Tx, report *BackfillReport) error {
	rows, err := tx.QueryContext(ctx, `
	SELECT local_id, snapshot FROM time_entries
	WHERE snapshot != '' AND started_at = ''`)
	if err != nil {
		return fmt.Errorf("failed to list backfill candidate time entries: %w", err)
	}
	candidates, err := collectSnapshots(rows)
	if err != nil {
		return err
	}

	for _, c := range candidates {
		fields, err := model.TimeEntryFieldsFromSnapshot(c.snapshot)
		if err != nil {
			s.logger.Warn("skipping unparseable time entry snapshot", "local_id", c.localID, "error", err)
			report.Skipped++
			continue
		}
		_, err = tx.ExecContext(ctx, `
		UPDATE time_entries SET task_remote_id = ?, started_at = ?, ended_at = ?,
			duration_minutes = ?, note = ?
		WHERE local_id = ?`,
			nullable(fields.TaskRemoteID), timeToColumn(fields.StartedAt),
			timePtrToColumn(fields.EndedAt), fields.DurationMinutes, fields.Note, c.localID)
		if err != nil {
			return fmt.Errorf("failed to backfill time entry %s: %w", c.localID, err)
		}
		report.TimeEntriesUpdated++
	}
	return nil
}

type snapshotRow struct {
	localID  string
	snapshot string
}

func collectSnapshots(rows *sql.Rows) ([]snapshotRow, error) {
	defer rows.Close()
	var out []snapshotRow
	for rows.Next() {
		var r snapshotRow
		if err := rows.Scan(&r.localID, &r.snapshot); err != nil {
			return nil, fmt.Errorf("failed to scan backfill candidate: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
