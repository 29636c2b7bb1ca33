package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/workmirror/workmirror/internal/model"
)

const timeEntryColumns = `local_id, remote_id, remote_unique_id,
	task_remote_id, started_at, ended_at, duration_minutes, note,
	snapshot, sync_status, local_modified_at, remote_modified_at,
	field_local_ts, field_remote_ts`

// UpsertTimeEntryFromRemote inserts or fully replaces a time entry keyed by
// remote_id, with the same conflict discipline as tasks.
func (s *Store) UpsertTimeEntryFromRemote(ctx context.Context, dbtx DBTX, e *model.TimeEntry) error {
	if dbtx == nil {
		dbtx = s.db
	}
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid time entry: %w", err)
	}
	if e.RemoteID == "" {
		return fmt.Errorf("time entry %s has no remote id", e.LocalID)
	}

	localTS, err := e.FieldLocalTS.MarshalColumn()
	if err != nil {
		return err
	}
	remoteTS, err := e.FieldRemoteTS.MarshalColumn()
	if err != nil {
		return err
	}

	query := `
	INSERT INTO time_entries (` + timeEntryColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(remote_id) WHERE remote_id IS NOT NULL DO UPDATE SET
		remote_unique_id = excluded.remote_unique_id,
		task_remote_id = excluded.task_remote_id,
		started_at = excluded.started_at,
		ended_at = excluded.ended_at,
		duration_minutes = excluded.duration_minutes,
		note = excluded.note,
		sync_status = excluded.sync_status,
		remote_modified_at = excluded.remote_modified_at,
		field_remote_ts = excluded.field_remote_ts
	ON CONFLICT(remote_unique_id) WHERE remote_unique_id IS NOT NULL DO NOTHING
	`

	_, err = dbtx.ExecContext(ctx, query,
		e.LocalID,
		nullable(e.RemoteID),
		nullable(e.RemoteUniqueID),
		e.TaskRemoteID,
		timeToColumn(e.StartedAt),
		timePtrToColumn(e.EndedAt),
		e.DurationMinutes,
		e.Note,
		e.Snapshot,
		string(e.SyncStatus),
		timeToColumn(e.LocalModifiedAt),
		timeToColumn(e.RemoteModifiedAt),
		localTS,
		remoteTS,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert time entry %s: %w", e.RemoteID, err)
	}
	return nil
}

// InsertTimeEntryIfAbsent inserts a time entry, skipping on any conflict.
// Returns true if a row was inserted.
func (s *Store) InsertTimeEntryIfAbsent(ctx context.Context, dbtx DBTX, e *model.TimeEntry) (bool, error) {
	if dbtx == nil {
		dbtx = s.db
	}
	if err := e.Validate(); err != nil {
		return false, fmt.Errorf("invalid time entry: %w", err)
	}

	localTS, err := e.FieldLocalTS.MarshalColumn()
	if err != nil {
		return false, err
	}
	remoteTS, err := e.FieldRemoteTS.MarshalColumn()
	if err != nil {
		return false, err
	}

	query := `
	INSERT INTO time_entries (` + timeEntryColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT DO NOTHING
	`

	res, err := dbtx.ExecContext(ctx, query,
		e.LocalID,
		nullable(e.RemoteID),
		nullable(e.RemoteUniqueID),
		e.TaskRemoteID,
		timeToColumn(e.StartedAt),
		timePtrToColumn(e.EndedAt),
		e.DurationMinutes,
		e.Note,
		e.Snapshot,
		string(e.SyncStatus),
		timeToColumn(e.LocalModifiedAt),
		timeToColumn(e.RemoteModifiedAt),
		localTS,
		remoteTS,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert time entry %s: %w", e.LocalID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// GetTimeEntryByRemoteID retrieves a time entry by remote id.
func (s *Store) GetTimeEntryByRemoteID(ctx context.Context, remoteID string) (*model.TimeEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+timeEntryColumns+` FROM time_entries WHERE remote_id = ?`, remoteID)
	return scanTimeEntry(row)
}

// ListTimeEntriesForTask retrieves the entries booked against a task,
// newest first.
func (s *Store) ListTimeEntriesForTask(ctx context.Context, taskRemoteID string) ([]*model.TimeEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT `+timeEntryColumns+` FROM time_entries
	WHERE task_remote_id = ? AND sync_status != ?
	ORDER BY started_at DESC`,
		taskRemoteID, string(model.SyncTrashed))
	if err != nil {
		return nil, fmt.Errorf("failed to list time entries: %w", err)
	}
	defer rows.Close()

	var entries []*model.TimeEntry
	for rows.Next() {
		e, err := scanTimeEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating time entries: %w", err)
	}
	return entries, nil
}

// MarkTimeEntryTrashedByRemoteID soft-deletes the entry mirroring remoteID.
func (s *Store) MarkTimeEntryTrashedByRemoteID(ctx context.Context, remoteID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE time_entries SET sync_status = ? WHERE remote_id = ?`,
		string(model.SyncTrashed), remoteID)
	if err != nil {
		return fmt.Errorf("failed to trash time entry %s: %w", remoteID, err)
	}
	return nil
}

// CountTimeEntries returns the total number of time entry rows.
func (s *Store) CountTimeEntries(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM time_entries").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count time entries: %w", err)
	}
	return count, nil
}

func scanTimeEntry(row rowScanner) (*model.TimeEntry, error) {
	var e model.TimeEntry
	var remoteID, uniqueID sql.NullString
	var started string
	var ended sql.NullString
	var syncStatus, localMod, remoteMod string
	var localTS, remoteTS string

	err := row.Scan(
		&e.LocalID,
		&remoteID,
		&uniqueID,
		&e.TaskRemoteID,
		&started,
		&ended,
		&e.DurationMinutes,
		&e.Note,
		&e.Snapshot,
		&syncStatus,
		&localMod,
		&remoteMod,
		&localTS,
		&remoteTS,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan time entry: %w", err)
	}

	e.RemoteID = fromNullable(remoteID)
	e.RemoteUniqueID = fromNullable(uniqueID)
	e.StartedAt = timeFromColumn(started)
	e.EndedAt = timePtrFromColumn(ended)
	e.SyncStatus = model.SyncStatus(syncStatus)
	e.LocalModifiedAt = timeFromColumn(localMod)
	e.RemoteModifiedAt = timeFromColumn(remoteMod)

	if e.FieldLocalTS, err = model.FieldTimesFromColumn(localTS); err != nil {
		return nil, err
	}
	if e.FieldRemoteTS, err = model.FieldTimesFromColumn(remoteTS); err != nil {
		return nil, err
	}
	return &e, nil
}
