package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/workmirror/workmirror/internal/model"
)

const taskColumns = `local_id, remote_id, remote_unique_id, title, status,
	due_date, start_date, completed_at, flagged, estimate_minutes,
	snapshot, sync_status, local_modified_at, remote_modified_at,
	field_local_ts, field_remote_ts`

// UpsertTaskFromRemote inserts or fully replaces a task keyed by remote_id.
// An existing row keeps its local_id and its local-side bookkeeping
// (snapshot, field_local_ts); everything the remote owns is overwritten.
// A clash on remote_unique_id alone means the record is already known under
// another remote id and the insert is skipped as "already synchronized".
func (s *Store) UpsertTaskFromRemote(ctx context.Context, dbtx DBTX, t *model.Task) error {
	if dbtx == nil {
		dbtx = s.db
	}
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}
	if t.RemoteID == "" {
		return fmt.Errorf("task %s has no remote id", t.LocalID)
	}

	localTS, err := t.FieldLocalTS.MarshalColumn()
	if err != nil {
		return err
	}
	remoteTS, err := t.FieldRemoteTS.MarshalColumn()
	if err != nil {
		return err
	}

	query := `
	INSERT INTO tasks (` + taskColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(remote_id) WHERE remote_id IS NOT NULL DO UPDATE SET
		remote_unique_id = excluded.remote_unique_id,
		title = excluded.title,
		status = excluded.status,
		due_date = excluded.due_date,
		start_date = excluded.start_date,
		completed_at = excluded.completed_at,
		flagged = excluded.flagged,
		estimate_minutes = excluded.estimate_minutes,
		sync_status = excluded.sync_status,
		remote_modified_at = excluded.remote_modified_at,
		field_remote_ts = excluded.field_remote_ts
	ON CONFLICT(remote_unique_id) WHERE remote_unique_id IS NOT NULL DO NOTHING
	`

	_, err = dbtx.ExecContext(ctx, query,
		t.LocalID,
		nullable(t.RemoteID),
		nullable(t.RemoteUniqueID),
		t.Title,
		t.Status,
		timePtrToColumn(t.DueDate),
		timePtrToColumn(t.StartDate),
		timePtrToColumn(t.CompletedAt),
		boolToInt(t.Flagged),
		t.EstimateMinutes,
		t.Snapshot,
		string(t.SyncStatus),
		timeToColumn(t.LocalModifiedAt),
		timeToColumn(t.RemoteModifiedAt),
		localTS,
		remoteTS,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert task %s: %w", t.RemoteID, err)
	}
	return nil
}

// InsertTaskIfAbsent inserts a task and does nothing on any conflict.
// The full-import path uses it so existing local rows are never overwritten.
// Returns true if a row was inserted.
func (s *Store) InsertTaskIfAbsent(ctx context.Context, dbtx DBTX, t *model.Task) (bool, error) {
	if dbtx == nil {
		dbtx = s.db
	}
	if err := t.Validate(); err != nil {
		return false, fmt.Errorf("invalid task: %w", err)
	}

	localTS, err := t.FieldLocalTS.MarshalColumn()
	if err != nil {
		return false, err
	}
	remoteTS, err := t.FieldRemoteTS.MarshalColumn()
	if err != nil {
		return false, err
	}

	query := `
	INSERT INTO tasks (` + taskColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT DO NOTHING
	`

	res, err := dbtx.ExecContext(ctx, query,
		t.LocalID,
		nullable(t.RemoteID),
		nullable(t.RemoteUniqueID),
		t.Title,
		t.Status,
		timePtrToColumn(t.DueDate),
		timePtrToColumn(t.StartDate),
		timePtrToColumn(t.CompletedAt),
		boolToInt(t.Flagged),
		t.EstimateMinutes,
		t.Snapshot,
		string(t.SyncStatus),
		timeToColumn(t.LocalModifiedAt),
		timeToColumn(t.RemoteModifiedAt),
		localTS,
		remoteTS,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert task %s: %w", t.LocalID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// CreateLocalTask inserts a locally created task. The row must carry a fresh
// local_id and no remote identity. Accepts a transaction so the insert can
// commit together with its outbound queue entry.
func (s *Store) CreateLocalTask(ctx context.Context, dbtx DBTX, t *model.Task) error {
	inserted, err := s.InsertTaskIfAbsent(ctx, dbtx, t)
	if err != nil {
		return err
	}
	if !inserted {
		return fmt.Errorf("task %s already exists", t.LocalID)
	}
	return nil
}

// UpdateLocalTask writes a locally edited task back by local_id, overwriting
// content columns and local bookkeeping. Remote-owned columns are untouched.
func (s *Store) UpdateLocalTask(ctx context.Context, dbtx DBTX, t *model.Task) error {
	if dbtx == nil {
		dbtx = s.db
	}
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	localTS, err := t.FieldLocalTS.MarshalColumn()
	if err != nil {
		return err
	}

	query := `
	UPDATE tasks SET
		title = ?, status = ?, due_date = ?, start_date = ?, completed_at = ?,
		flagged = ?, estimate_minutes = ?, sync_status = ?,
		local_modified_at = ?, field_local_ts = ?
	WHERE local_id = ?
	`
	res, err := dbtx.ExecContext(ctx, query,
		t.Title,
		t.Status,
		timePtrToColumn(t.DueDate),
		timePtrToColumn(t.StartDate),
		timePtrToColumn(t.CompletedAt),
		boolToInt(t.Flagged),
		t.EstimateMinutes,
		string(t.SyncStatus),
		timeToColumn(t.LocalModifiedAt),
		localTS,
		t.LocalID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", t.LocalID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", t.LocalID, ErrNotFound)
	}
	return nil
}

// GetTask retrieves a task by local_id. Returns ErrNotFound when missing.
func (s *Store) GetTask(ctx context.Context, localID string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE local_id = ?`, localID)
	return scanTask(row)
}

// GetTaskByRemoteID retrieves a task by remote id.
func (s *Store) GetTaskByRemoteID(ctx context.Context, remoteID string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE remote_id = ?`, remoteID)
	return scanTask(row)
}

// TaskFilter configures ListTasks.
type TaskFilter struct {
	// Status filters by task status (empty = all statuses).
	Status string
	// SyncStatus filters by sync status (empty = all).
	SyncStatus model.SyncStatus
	// IncludeTrashed includes soft-deleted rows, excluded by default.
	IncludeTrashed bool
	// Limit restricts the number of results (0 = no limit).
	Limit int
	// Offset skips the first N results.
	Offset int
}

// ListTasks retrieves tasks matching the filter, trashed rows excluded
// unless asked for. Results are ordered by due date, then title.
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]*model.Task, error) {
	var conditions []string
	var args []any

	if !filter.IncludeTrashed {
		conditions = append(conditions, "sync_status != ?")
		args = append(args, string(model.SyncTrashed))
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.SyncStatus != "" {
		conditions = append(conditions, "sync_status = ?")
		args = append(args, string(filter.SyncStatus))
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY due_date IS NULL, due_date ASC, title ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// SetTaskRemoteIdentity stamps a pushed task with the identity the remote
// assigned and marks it synced. Called when the queue confirms a create.
func (s *Store) SetTaskRemoteIdentity(ctx context.Context, localID, remoteID, uniqueID string, remoteModified time.Time) error {
	res, err := s.db.ExecContext(ctx, `
	UPDATE tasks SET remote_id = ?, remote_unique_id = ?, sync_status = ?,
		remote_modified_at = ?
	WHERE local_id = ?`,
		nullable(remoteID), nullable(uniqueID), string(model.SyncSynced),
		timeToColumn(remoteModified), localID)
	if err != nil {
		return fmt.Errorf("failed to set remote identity for task %s: %w", localID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", localID, ErrNotFound)
	}
	return nil
}

// MarkTaskSynced flips a task to synced after a confirmed update push.
func (s *Store) MarkTaskSynced(ctx context.Context, localID string, remoteModified time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET sync_status = ?, remote_modified_at = ? WHERE local_id = ?`,
		string(model.SyncSynced), timeToColumn(remoteModified), localID)
	if err != nil {
		return fmt.Errorf("failed to mark task %s synced: %w", localID, err)
	}
	return nil
}

// MarkTaskTrashedByRemoteID soft-deletes the task mirroring remoteID.
// Idempotent; unknown ids are a no-op.
func (s *Store) MarkTaskTrashedByRemoteID(ctx context.Context, remoteID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET sync_status = ? WHERE remote_id = ?`,
		string(model.SyncTrashed), remoteID)
	if err != nil {
		return fmt.Errorf("failed to trash task %s: %w", remoteID, err)
	}
	return nil
}

// CountTasks returns the total number of task rows, trashed included.
func (s *Store) CountTasks(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return count, nil
}

// CountTasksBySyncStatus returns row counts keyed by sync status.
func (s *Store) CountTasksBySyncStatus(ctx context.Context) (map[model.SyncStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT sync_status, COUNT(*) FROM tasks GROUP BY sync_status")
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks by sync status: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.SyncStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[model.SyncStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counts: %w", err)
	}
	return counts, nil
}

// InsertTaskProjectEdges records task→project relation edges with
// insert-or-ignore semantics. Existing edges are left alone.
func (s *Store) InsertTaskProjectEdges(ctx context.Context, dbtx DBTX, taskRemoteID string, projectRemoteIDs []string) error {
	if dbtx == nil {
		dbtx = s.db
	}
	for _, pid := range projectRemoteIDs {
		_, err := dbtx.ExecContext(ctx,
			`INSERT OR IGNORE INTO task_projects (task_remote_id, project_remote_id) VALUES (?, ?)`,
			taskRemoteID, pid)
		if err != nil {
			return fmt.Errorf("failed to insert relation %s->%s: %w", taskRemoteID, pid, err)
		}
	}
	return nil
}

// ProjectIDsForTask returns the project remote ids related to a task.
func (s *Store) ProjectIDsForTask(ctx context.Context, taskRemoteID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_remote_id FROM task_projects WHERE task_remote_id = ? ORDER BY project_remote_id`,
		taskRemoteID)
	if err != nil {
		return nil, fmt.Errorf("failed to query relations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan relation: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating relations: %w", err)
	}
	return ids, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	var t model.Task
	var remoteID, uniqueID sql.NullString
	var due, start, completed sql.NullString
	var flagged int
	var syncStatus, localMod, remoteMod string
	var localTS, remoteTS string

	err := row.Scan(
		&t.LocalID,
		&remoteID,
		&uniqueID,
		&t.Title,
		&t.Status,
		&due,
		&start,
		&completed,
		&flagged,
		&t.EstimateMinutes,
		&t.Snapshot,
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
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	t.RemoteID = fromNullable(remoteID)
	t.RemoteUniqueID = fromNullable(uniqueID)
	t.DueDate = timePtrFromColumn(due)
	t.StartDate = timePtrFromColumn(start)
	t.CompletedAt = timePtrFromColumn(completed)
	t.Flagged = flagged != 0
	t.SyncStatus = model.SyncStatus(syncStatus)
	t.LocalModifiedAt = timeFromColumn(localMod)
	t.RemoteModifiedAt = timeFromColumn(remoteMod)

	if t.FieldLocalTS, err = model.FieldTimesFromColumn(localTS); err != nil {
		return nil, err
	}
	if t.FieldRemoteTS, err = model.FieldTimesFromColumn(remoteTS); err != nil {
		return nil, err
	}
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*model.Task, error) {
	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
