// Package relay ingests remote-originated change events from the push relay,
// short-circuiting the normal poll interval. Events are folded into the local
// store through the same upsert paths imports use, so duplicate delivery is
// harmless.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/workmirror/workmirror/internal/model"
	"github.com/workmirror/workmirror/internal/remote"
	"github.com/workmirror/workmirror/internal/store"
)

// Event types delivered by the relay.
const (
	EventCreated  = "created"
	EventUpdated  = "updated"
	EventDeleted  = "deleted"
	EventRestored = "restored"
)

// Event is one remote-originated change notification.
type Event struct {
	Type       string    `json:"type"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// Config holds the options for NewPoller.
type Config struct {
	BaseURL string
	Subject string
	Token   string

	// HTTPClient overrides the transport; nil uses a default client.
	HTTPClient *http.Client
}

// Report summarizes one poll cycle.
type Report struct {
	Events   int
	Ingested int
	Trashed  int
	Skipped  int
}

// Poller pulls events from the relay and applies them to the local store.
type Poller struct {
	baseURL string
	subject string
	token   string
	httpc   *http.Client
	client  *remote.Client
	store   *store.Store
	logger  *slog.Logger
}

// NewPoller creates a Poller. client fetches full records for create/update
// events; the relay only carries ids.
func NewPoller(cfg Config, client *remote.Client, st *store.Store, logger *slog.Logger) *Poller {
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		baseURL: cfg.BaseURL,
		subject: cfg.Subject,
		token:   cfg.Token,
		httpc:   httpc,
		client:  client,
		store:   st,
		logger:  logger,
	}
}

// Poll fetches events newer than the stored watermark, applies them, advances
// the watermark, and acknowledges processed events best-effort. A failed
// acknowledgment is non-fatal: the advanced watermark already excludes the
// processed batch and reapplying an event is idempotent.
func (p *Poller) Poll(ctx context.Context) (*Report, error) {
	since, _, err := p.store.RelayLastSeen(ctx)
	if err != nil {
		return nil, err
	}

	events, err := p.fetchEvents(ctx, since)
	if err != nil {
		return nil, err
	}

	report := &Report{Events: len(events)}
	if len(events) == 0 {
		return report, nil
	}

	lastSeen := since
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := p.apply(ctx, ev, report); err != nil {
			return report, err
		}
		if ev.Timestamp.After(lastSeen) {
			lastSeen = ev.Timestamp
		}
	}

	if err := p.store.SetRelayLastSeen(ctx, lastSeen); err != nil {
		return report, err
	}

	if err := p.acknowledge(ctx, lastSeen); err != nil {
		p.logger.Warn("failed to acknowledge relay events",
			slog.String("error", err.Error()))
	}

	p.logger.Info("relay poll complete",
		slog.Int("events", report.Events),
		slog.Int("ingested", report.Ingested),
		slog.Int("trashed", report.Trashed))
	return report, nil
}

// apply folds one event into the store. Create, update, and restore all fetch
// the current record and upsert it; an event for a record unknown locally
// therefore inserts it as new. Delete soft-deletes.
func (p *Poller) apply(ctx context.Context, ev Event, report *Report) error {
	switch ev.Type {
	case EventCreated, EventUpdated, EventRestored:
		rec, err := p.client.FetchRecord(ctx, ev.EntityID, nil)
		if errors.Is(err, remote.ErrNotFound) {
			// The record vanished between the event and the fetch.
			report.Skipped++
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to fetch record for event: %w", err)
		}
		if err := p.upsert(ctx, ev.EntityType, rec); err != nil {
			// A record the mapper rejects must not wedge the poller: count
			// it and let the watermark advance past the event. Store errors
			// still abort the batch.
			var mapErr *mappingError
			if errors.As(err, &mapErr) {
				p.logger.Warn("skipping unmappable record",
					slog.String("entity_id", ev.EntityID),
					slog.String("error", err.Error()))
				report.Skipped++
				return nil
			}
			return err
		}
		report.Ingested++
		return nil

	case EventDeleted:
		if err := p.trash(ctx, ev.EntityType, ev.EntityID); err != nil {
			var mapErr *mappingError
			if errors.As(err, &mapErr) {
				p.logger.Warn("skipping event for unroutable entity",
					slog.String("entity_id", ev.EntityID),
					slog.String("error", err.Error()))
				report.Skipped++
				return nil
			}
			return err
		}
		report.Trashed++
		return nil

	default:
		p.logger.Warn("ignoring unknown relay event type",
			slog.String("type", ev.Type), slog.String("entity_id", ev.EntityID))
		report.Skipped++
		return nil
	}
}

// mappingError marks a record the remote→model mapper could not accept.
type mappingError struct{ err error }

func (m *mappingError) Error() string { return m.err.Error() }
func (m *mappingError) Unwrap() error { return m.err }

func (p *Poller) upsert(ctx context.Context, entityType string, rec *remote.Record) error {
	switch entityType {
	case store.EntityTask:
		task, err := model.TaskFromRemote(rec)
		if err != nil {
			return &mappingError{err}
		}
		if err := p.store.UpsertTaskFromRemote(ctx, nil, task); err != nil {
			return err
		}
		if len(task.ProjectRemoteIDs) > 0 {
			return p.store.InsertTaskProjectEdges(ctx, nil, task.RemoteID, task.ProjectRemoteIDs)
		}
		return nil
	case store.EntityProject:
		project, err := model.ProjectFromRemote(rec)
		if err != nil {
			return &mappingError{err}
		}
		return p.store.UpsertProjectFromRemote(ctx, nil, project)
	case store.EntityTimeEntry:
		entry, err := model.TimeEntryFromRemote(rec)
		if err != nil {
			return &mappingError{err}
		}
		return p.store.UpsertTimeEntryFromRemote(ctx, nil, entry)
	default:
		return &mappingError{fmt.Errorf("unknown entity type %q", entityType)}
	}
}

func (p *Poller) trash(ctx context.Context, entityType, remoteID string) error {
	switch entityType {
	case store.EntityTask:
		return p.store.MarkTaskTrashedByRemoteID(ctx, remoteID)
	case store.EntityProject:
		return p.store.MarkProjectTrashedByRemoteID(ctx, remoteID)
	case store.EntityTimeEntry:
		return p.store.MarkTimeEntryTrashedByRemoteID(ctx, remoteID)
	default:
		return &mappingError{fmt.Errorf("unknown entity type %q", entityType)}
	}
}

func (p *Poller) fetchEvents(ctx context.Context, since time.Time) ([]Event, error) {
	endpoint := p.baseURL + "/events/" + url.PathEscape(p.subject)
	if !since.IsZero() {
		endpoint += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build relay request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay returned status %d", resp.StatusCode)
	}

	var payload struct {
		Events []Event `json:"events"`
		Count  int     `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode relay response: %w", err)
	}
	return payload.Events, nil
}

// acknowledge deletes processed events on the relay.
func (p *Poller) acknowledge(ctx context.Context, before time.Time) error {
	endpoint := p.baseURL + "/events/" + url.PathEscape(p.subject) +
		"?before=" + url.QueryEscape(before.UTC().Format(time.RFC3339Nano))

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build acknowledge request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("acknowledge request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("relay returned status %d", resp.StatusCode)
	}
	return nil
}
