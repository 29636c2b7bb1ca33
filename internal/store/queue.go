package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Outbound change operations.
const (
	OpCreate = "create"
	OpUpdate = "update"
)

// Outbound change entity types.
const (
	EntityTask      = "task"
	EntityProject   = "project"
	EntityTimeEntry = "time_entry"
)

// OutboundChange is one queued local mutation awaiting push to the remote.
// Rows are inserted when a local write happens and deleted only after the
// remote confirms the corresponding create or update, so delivery is
// at-least-once.
type OutboundChange struct {
	ID            int64
	EntityType    string
	LocalID       string
	RemoteID      string
	Operation     string
	Payload       string
	ChangedFields []string
	RetryCount    int
	LastError     string
	PendingSince  time.Time
}

// EnqueueChange appends a local mutation to the outbound queue. For updates
// changedFields names the columns the user touched; for creates it may be nil.
func (s *Store) EnqueueChange(ctx context.Context, dbtx DBTX, entityType, localID, remoteID, operation, payload string, changedFields []string) error {
	if dbtx == nil {
		dbtx = s.db
	}
	if changedFields == nil {
		changedFields = []string{}
	}
	fields, err := json.Marshal(changedFields)
	if err != nil {
		return fmt.Errorf("failed to marshal changed fields: %w", err)
	}
	_, err = dbtx.ExecContext(ctx, `
	INSERT INTO outbound_changes (entity_type, local_id, remote_id, operation, payload, changed_fields, pending_since)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entityType, localID, nullable(remoteID), operation, payload,
		string(fields), timeToColumn(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("failed to enqueue %s for %s %s: %w", operation, entityType, localID, err)
	}
	return nil
}

// PendingChanges returns queued changes oldest-first. limit <= 0 means all.
func (s *Store) PendingChanges(ctx context.Context, limit int) ([]*OutboundChange, error) {
	query := `
	SELECT id, entity_type, local_id, remote_id, operation, payload, changed_fields,
	       retry_count, last_error, pending_since
	FROM outbound_changes ORDER BY id ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending changes: %w", err)
	}
	defer rows.Close()

	var changes []*OutboundChange
	for rows.Next() {
		ch, err := scanOutboundChange(rows)
		if err != nil {
			return nil, err
		}
		changes = append(changes, ch)
	}
	return changes, rows.Err()
}

// DeleteChange removes a queue entry after the remote confirmed it.
func (s *Store) DeleteChange(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM outbound_changes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete change %d: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordChangeFailure bumps the retry counter and stores the last push
// error. The entry stays queued.
func (s *Store) RecordChangeFailure(ctx context.Context, id int64, pushErr error) error {
	msg := ""
	if pushErr != nil {
		msg = pushErr.Error()
	}
	_, err := s.db.ExecContext(ctx, `
	UPDATE outbound_changes SET retry_count = retry_count + 1, last_error = ?
	WHERE id = ?`, msg, id)
	if err != nil {
		return fmt.Errorf("failed to record failure for change %d: %w", id, err)
	}
	return nil
}

// PendingChangeCount returns the queue depth.
func (s *Store) PendingChangeCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbound_changes`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending changes: %w", err)
	}
	return count, nil
}

func scanOutboundChange(row rowScanner) (*OutboundChange, error) {
	var (
		ch           OutboundChange
		remoteID     sql.NullString
		fields       string
		lastError    sql.NullString
		pendingSince string
	)
	err := row.Scan(&ch.ID, &ch.EntityType, &ch.LocalID, &remoteID, &ch.Operation,
		&ch.Payload, &fields, &ch.RetryCount, &lastError, &pendingSince)
	if err != nil {
		return nil, fmt.Errorf("failed to scan outbound change: %w", err)
	}
	ch.RemoteID = fromNullable(remoteID)
	ch.LastError = lastError.String
	ch.PendingSince = timeFromColumn(pendingSince)
	if err := json.Unmarshal([]byte(fields), &ch.ChangedFields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal changed fields for change %d: %w", ch.ID, err)
	}
	return &ch, nil
}
