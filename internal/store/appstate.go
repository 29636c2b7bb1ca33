package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// App-state keys. The table is a plain key-value store read once at startup
// and written at well-defined points (successful delta sync, clean shutdown,
// setup transitions).
const (
	stateLastAppClose   = "last_app_close"
	stateSetupMode      = "setup_mode"
	stateSetupComplete  = "setup_complete"
	stateRelayLastSeen  = "relay_last_seen"
	stateSkippedCursors = "skipped_cursors"
)

// GetState reads one app-state value. ok is false when the key was never set.
func (s *Store) GetState(ctx context.Context, key string) (value string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT value FROM app_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read app state %s: %w", key, err)
	}
	return value, true, nil
}

// SetState writes one app-state value, replacing any previous one.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO app_state (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write app state %s: %w", key, err)
	}
	return nil
}

// LastAppClose returns the delta-sync anchor. ok is false on first run.
func (s *Store) LastAppClose(ctx context.Context) (time.Time, bool, error) {
	raw, ok, err := s.GetState(ctx, stateLastAppClose)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t := timeFromColumn(raw)
	if t.IsZero() {
		return time.Time{}, false, nil
	}
	return t, true, nil
}

// SetLastAppClose advances the delta-sync anchor. Written on every
// successful delta sync and on clean shutdown.
func (s *Store) SetLastAppClose(ctx context.Context, t time.Time) error {
	return s.SetState(ctx, stateLastAppClose, timeToColumn(t))
}

// SetupComplete reports whether first-run import has finished.
func (s *Store) SetupComplete(ctx context.Context) (bool, error) {
	v, ok, err := s.GetState(ctx, stateSetupComplete)
	if err != nil {
		return false, err
	}
	return ok && v == "true", nil
}

// MarkSetupComplete records that first-run import finished and clears
// setup mode.
func (s *Store) MarkSetupComplete(ctx context.Context) error {
	if err := s.SetState(ctx, stateSetupComplete, "true"); err != nil {
		return err
	}
	return s.SetState(ctx, stateSetupMode, "false")
}

// RelayLastSeen returns the timestamp of the newest relay event already
// folded into the store.
func (s *Store) RelayLastSeen(ctx context.Context) (time.Time, bool, error) {
	raw, ok, err := s.GetState(ctx, stateRelayLastSeen)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t := timeFromColumn(raw)
	if t.IsZero() {
		return time.Time{}, false, nil
	}
	return t, true, nil
}

// SetRelayLastSeen advances the relay watermark.
func (s *Store) SetRelayLastSeen(ctx context.Context, t time.Time) error {
	return s.SetState(ctx, stateRelayLastSeen, timeToColumn(t))
}

// AddSkippedCursor records a pagination cursor that was abandoned after
// repeated failures, so operators can see what the replica is missing.
// The append runs as one statement so concurrent collection imports cannot
// lose each other's entries.
func (s *Store) AddSkippedCursor(ctx context.Context, collection, cursor string) error {
	entry := collection + ":" + cursor
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO app_state (key, value) VALUES (?, json_array(?))
	ON CONFLICT(key) DO UPDATE SET value = json_insert(value, '$[#]', ?)
	WHERE NOT EXISTS (
		SELECT 1 FROM json_each(app_state.value) WHERE json_each.value = ?
	)`,
		stateSkippedCursors, entry, entry, entry)
	if err != nil {
		return fmt.Errorf("failed to record skipped cursor: %w", err)
	}
	return nil
}

// SkippedCursors lists abandoned cursors as "collection:cursor" strings.
func (s *Store) SkippedCursors(ctx context.Context) ([]string, error) {
	raw, ok, err := s.GetState(ctx, stateSkippedCursors)
	if err != nil || !ok {
		return nil, err
	}
	var cursors []string
	if err := json.Unmarshal([]byte(raw), &cursors); err != nil {
		return nil, fmt.Errorf("failed to unmarshal skipped cursors: %w", err)
	}
	return cursors, nil
}
