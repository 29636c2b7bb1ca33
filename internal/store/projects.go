package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/workmirror/workmirror/internal/model"
)

const projectColumns = `local_id, remote_id, remote_unique_id, name, status,
	archived, color, snapshot, sync_status, local_modified_at,
	remote_modified_at, field_local_ts, field_remote_ts`

// UpsertProjectFromRemote inserts or fully replaces a project keyed by
// remote_id, with the same conflict discipline as tasks.
func (s *Store) UpsertProjectFromRemote(ctx context.Context, dbtx DBTX, p *model.Project) error {
	if dbtx == nil {
		dbtx = s.db
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid project: %w", err)
	}
	if p.RemoteID == "" {
		return fmt.Errorf("project %s has no remote id", p.LocalID)
	}

	localTS, err := p.FieldLocalTS.MarshalColumn()
	if err != nil {
		return err
	}
	remoteTS, err := p.FieldRemoteTS.MarshalColumn()
	if err != nil {
		return err
	}

	query := `
	INSERT INTO projects (` + projectColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(remote_id) WHERE remote_id IS NOT NULL DO UPDATE SET
		remote_unique_id = excluded.remote_unique_id,
		name = excluded.name,
		status = excluded.status,
		archived = excluded.archived,
		color = excluded.color,
		sync_status = excluded.sync_status,
		remote_modified_at = excluded.remote_modified_at,
		field_remote_ts = excluded.field_remote_ts
	ON CONFLICT(remote_unique_id) WHERE remote_unique_id IS NOT NULL DO NOTHING
	`

	_, err = dbtx.ExecContext(ctx, query,
		p.LocalID,
		nullable(p.RemoteID),
		nullable(p.RemoteUniqueID),
		p.Name,
		p.Status,
		boolToInt(p.Archived),
		p.Color,
		p.Snapshot,
		string(p.SyncStatus),
		timeToColumn(p.LocalModifiedAt),
		timeToColumn(p.RemoteModifiedAt),
		localTS,
		remoteTS,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert project %s: %w", p.RemoteID, err)
	}
	return nil
}

// InsertProjectIfAbsent inserts a project, skipping on any conflict.
// Returns true if a row was inserted.
func (s *Store) InsertProjectIfAbsent(ctx context.Context, dbtx DBTX, p *model.Project) (bool, error) {
	if dbtx == nil {
		dbtx = s.db
	}
	if err := p.Validate(); err != nil {
		return false, fmt.Errorf("invalid project: %w", err)
	}

	localTS, err := p.FieldLocalTS.MarshalColumn()
	if err != nil {
		return false, err
	}
	remoteTS, err := p.FieldRemoteTS.MarshalColumn()
	if err != nil {
		return false, err
	}

	query := `
	INSERT INTO projects (` + projectColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT DO NOTHING
	`

	res, err := dbtx.ExecContext(ctx, query,
		p.LocalID,
		nullable(p.RemoteID),
		nullable(p.RemoteUniqueID),
		p.Name,
		p.Status,
		boolToInt(p.Archived),
		p.Color,
		p.Snapshot,
		string(p.SyncStatus),
		timeToColumn(p.LocalModifiedAt),
		timeToColumn(p.RemoteModifiedAt),
		localTS,
		remoteTS,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert project %s: %w", p.LocalID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// GetProject retrieves a project by local_id. Returns ErrNotFound when
// missing.
func (s *Store) GetProject(ctx context.Context, localID string) (*model.Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE local_id = ?`, localID)
	return scanProject(row)
}

// GetProjectByRemoteID retrieves a project by remote id.
func (s *Store) GetProjectByRemoteID(ctx context.Context, remoteID string) (*model.Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE remote_id = ?`, remoteID)
	return scanProject(row)
}

// ListProjects retrieves all projects, trashed excluded unless asked for.
func (s *Store) ListProjects(ctx context.Context, includeTrashed bool) ([]*model.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects`
	var args []any
	if !includeTrashed {
		query += ` WHERE sync_status != ?`
		args = append(args, string(model.SyncTrashed))
	}
	query += ` ORDER BY name ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []*model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating projects: %w", err)
	}
	return projects, nil
}

// MarkProjectTrashedByRemoteID soft-deletes the project mirroring remoteID.
func (s *Store) MarkProjectTrashedByRemoteID(ctx context.Context, remoteID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE projects SET sync_status = ? WHERE remote_id = ?`,
		string(model.SyncTrashed), remoteID)
	if err != nil {
		return fmt.Errorf("failed to trash project %s: %w", remoteID, err)
	}
	return nil
}

// SetProjectRemoteIdentity stamps a pushed project with its remote identity.
func (s *Store) SetProjectRemoteIdentity(ctx context.Context, localID, remoteID, uniqueID string, remoteModified time.Time) error {
	res, err := s.db.ExecContext(ctx, `
	UPDATE projects SET remote_id = ?, remote_unique_id = ?, sync_status = ?,
		remote_modified_at = ?
	WHERE local_id = ?`,
		nullable(remoteID), nullable(uniqueID), string(model.SyncSynced),
		timeToColumn(remoteModified), localID)
	if err != nil {
		return fmt.Errorf("failed to set remote identity for project %s: %w", localID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("project %s: %w", localID, ErrNotFound)
	}
	return nil
}

// MarkProjectSynced flips a project to synced after a confirmed update push.
func (s *Store) MarkProjectSynced(ctx context.Context, localID string, remoteModified time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE projects SET sync_status = ?, remote_modified_at = ? WHERE local_id = ?`,
		string(model.SyncSynced), timeToColumn(remoteModified), localID)
	if err != nil {
		return fmt.Errorf("failed to mark project %s synced: %w", localID, err)
	}
	return nil
}

// CountProjects returns the total number of project rows.
func (s *Store) CountProjects(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM projects").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count projects: %w", err)
	}
	return count, nil
}

func scanProject(row rowScanner) (*model.Project, error) {
	var p model.Project
	var remoteID, uniqueID sql.NullString
	var archived int
	var syncStatus, localMod, remoteMod string
	var localTS, remoteTS string

	err := row.Scan(
		&p.LocalID,
		&remoteID,
		&uniqueID,
		&p.Name,
		&p.Status,
		&archived,
		&p.Color,
		&p.Snapshot,
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
		return nil, fmt.Errorf("failed to scan project: %w", err)
	}

	p.RemoteID = fromNullable(remoteID)
	p.RemoteUniqueID = fromNullable(uniqueID)
	p.Archived = archived != 0
	p.SyncStatus = model.SyncStatus(syncStatus)
	p.LocalModifiedAt = timeFromColumn(localMod)
	p.RemoteModifiedAt = timeFromColumn(remoteMod)

	if p.FieldLocalTS, err = model.FieldTimesFromColumn(localTS); err != nil {
		return nil, err
	}
	if p.FieldRemoteTS, err = model.FieldTimesFromColumn(remoteTS); err != nil {
		return nil, err
	}
	return &p, nil
}
