// Package queue drains the outbound change queue: local mutations recorded
// while the remote could not be reached synchronously, pushed with
// at-least-once delivery. Entries survive failures with an incremented retry
// counter and are attempted again on every drain cycle, without an upper
// bound; the pending count is what surfaces undelivered work to the shell.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/workmirror/workmirror/internal/model"
	"github.com/workmirror/workmirror/internal/remote"
	"github.com/workmirror/workmirror/internal/store"
)

// Resources maps outbound entity types to the remote collection ids their
// creates go to.
type Resources map[string]string

// Report summarizes one drain cycle.
type Report struct {
	Delivered int
	Failed    int
}

// Drainer pushes queued local changes to the remote service.
type Drainer struct {
	client    *remote.Client
	store     *store.Store
	resources Resources
	logger    *slog.Logger
}

// New creates a Drainer.
func New(client *remote.Client, st *store.Store, resources Resources, logger *slog.Logger) *Drainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Drainer{client: client, store: st, resources: resources, logger: logger}
}

// Drain attempts delivery of every pending change, oldest first. A failed
// entry stays queued with its retry counter bumped; the cycle continues with
// the next entry. Only store-level errors abort the cycle.
func (d *Drainer) Drain(ctx context.Context) (*Report, error) {
	changes, err := d.store.PendingChanges(ctx, 0)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	for _, ch := range changes {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if err := d.deliver(ctx, ch); err != nil {
			report.Failed++
			d.logger.Warn("failed to deliver change",
				slog.Int64("change_id", ch.ID),
				slog.String("entity", ch.EntityType),
				slog.String("operation", ch.Operation),
				slog.Int("retry_count", ch.RetryCount+1),
				slog.String("error", err.Error()))
			if serr := d.store.RecordChangeFailure(ctx, ch.ID, err); serr != nil {
				return report, serr
			}
			continue
		}

		if err := d.store.DeleteChange(ctx, ch.ID); err != nil {
			return report, err
		}
		report.Delivered++
	}

	if report.Delivered > 0 || report.Failed > 0 {
		d.logger.Info("queue drain cycle complete",
			slog.Int("delivered", report.Delivered),
			slog.Int("failed", report.Failed))
	}
	return report, nil
}

func (d *Drainer) deliver(ctx context.Context, ch *store.OutboundChange) error {
	switch ch.EntityType {
	case store.EntityTask:
		return d.deliverTask(ctx, ch)
	case store.EntityProject:
		return d.deliverProject(ctx, ch)
	default:
		return fmt.Errorf("unsupported entity type %q", ch.EntityType)
	}
}

func (d *Drainer) deliverTask(ctx context.Context, ch *store.OutboundChange) error {
	var task model.Task
	if err := json.Unmarshal([]byte(ch.Payload), &task); err != nil {
		return fmt.Errorf("failed to decode task payload: %w", err)
	}

	switch ch.Operation {
	case store.OpCreate:
		resource, ok := d.resources[store.EntityTask]
		if !ok {
			return fmt.Errorf("no remote collection configured for tasks")
		}
		rec, err := d.client.CreateRecord(ctx, resource, model.TaskProperties(&task, nil))
		if err != nil {
			return err
		}
		return d.store.SetTaskRemoteIdentity(ctx, ch.LocalID, rec.ID,
			rec.UniqueKey(model.TaskPropUniqueID), rec.LastEditedTime)

	case store.OpUpdate:
		remoteID := ch.RemoteID
		if remoteID == "" {
			// The update was queued before the create was delivered; the
			// row carries the identity by now (creates drain first, the
			// queue is FIFO). If it still has none, retry next cycle.
			current, err := d.store.GetTask(ctx, ch.LocalID)
			if err != nil {
				return err
			}
			if current.RemoteID == "" {
				return fmt.Errorf("task %s has no remote id yet", ch.LocalID)
			}
			remoteID = current.RemoteID
		}
		rec, err := d.client.UpdateRecord(ctx, remoteID,
			model.TaskProperties(&task, ch.ChangedFields))
		if err != nil {
			return err
		}
		return d.store.MarkTaskSynced(ctx, ch.LocalID, rec.LastEditedTime)

	default:
		return fmt.Errorf("unsupported operation %q", ch.Operation)
	}
}

func (d *Drainer) deliverProject(ctx context.Context, ch *store.OutboundChange) error {
	var project model.Project
	if err := json.Unmarshal([]byte(ch.Payload), &project); err != nil {
		return fmt.Errorf("failed to decode project payload: %w", err)
	}

	switch ch.Operation {
	case store.OpCreate:
		resource, ok := d.resources[store.EntityProject]
		if !ok {
			return fmt.Errorf("no remote collection configured for projects")
		}
		rec, err := d.client.CreateRecord(ctx, resource, model.ProjectProperties(&project, nil))
		if err != nil {
			return err
		}
		return d.store.SetProjectRemoteIdentity(ctx, ch.LocalID, rec.ID,
			rec.UniqueKey(model.ProjectPropUniqueID), rec.LastEditedTime)

	case store.OpUpdate:
		remoteID := ch.RemoteID
		if remoteID == "" {
			current, err := d.store.GetProject(ctx, ch.LocalID)
			if err != nil {
				return err
			}
			if current.RemoteID == "" {
				return fmt.Errorf("project %s has no remote id yet", ch.LocalID)
			}
			remoteID = current.RemoteID
		}
		rec, err := d.client.UpdateRecord(ctx, remoteID,
			model.ProjectProperties(&project, ch.ChangedFields))
		if err != nil {
			return err
		}
		return d.store.MarkProjectSynced(ctx, ch.LocalID, rec.LastEditedTime)

	default:
		return fmt.Errorf("unsupported operation %q", ch.Operation)
	}
}
