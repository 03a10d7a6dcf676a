package calsync

import (
	"context"
	"errors"
	"time"

	"github.com/AndrisJefimovs/cal-sync/internal/calendar"
)

const defaultDispatchTimeout = 30 * time.Second

type DispatcherOptions struct {
	Store   *Store
	Factory calendar.Factory
	Timeout time.Duration
	Logger  Logger
}

// Dispatcher pushes one event to one identity's calendar and keeps the sync
// record for the pair in step with what the remote side actually holds. A
// failure against one identity never propagates to another; the caller gets
// a TargetOutcome either way.
type Dispatcher struct {
	store   *Store
	factory calendar.Factory
	timeout time.Duration
	logger  Logger
	now     func() time.Time
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	factory := opts.Factory
	if factory == nil {
		factory = calendar.NewBackend
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultDispatchTimeout
	}
	return &Dispatcher{
		store:   opts.Store,
		factory: factory,
		timeout: timeout,
		logger:  opts.Logger,
		now:     time.Now,
	}
}

// SyncUpsert mirrors ev onto the identity's calendar, creating the remote
// object on first contact and updating it afterwards. A vanished remote
// object is recreated and the record's uid replaced, so a user deleting an
// entry by hand does not strand the pair forever.
func (d *Dispatcher) SyncUpsert(ctx context.Context, ev SourceEvent, identity Identity) TargetOutcome {
	outcome := TargetOutcome{ExternalID: ev.ExternalID, IdentityID: identity.ID}

	if identity.Calendar == nil {
		outcome.Action = ActionCreate
		outcome.Status = StatusSkipped
		outcome.Reason = "no calendar config"
		return outcome
	}
	backend, err := d.factory(*identity.Calendar)
	if err != nil {
		outcome.Action = ActionCreate
		outcome.Status = StatusFailed
		outcome.Reason = err.Error()
		return outcome
	}

	rec, err := d.store.EnsureSyncRecord(identity.ID, ev.ExternalID)
	if err != nil {
		outcome.Action = ActionCreate
		outcome.Status = StatusFailed
		outcome.Reason = err.Error()
		return outcome
	}

	opCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if rec.RemoteUID == "" {
		outcome.Action = ActionCreate
		uid, err := backend.Create(opCtx, ev.Fields())
		if err != nil {
			d.logf("create failed for event %s, identity %s: %v", ev.ExternalID, identity.ID, err)
			outcome.Status = StatusFailed
			outcome.Reason = err.Error()
			return outcome
		}
		rec.RemoteUID = uid
		rec.LastSyncedAt = d.now()
		if err := d.store.PutSyncRecord(rec); err != nil {
			outcome.Status = StatusFailed
			outcome.Reason = err.Error()
			return outcome
		}
		outcome.Status = StatusOK
		return outcome
	}

	outcome.Action = ActionUpdate
	err = backend.Update(opCtx, rec.RemoteUID, ev.Fields())
	if errors.Is(err, calendar.ErrNotFound) {
		uid, createErr := backend.Create(opCtx, ev.Fields())
		if createErr != nil {
			d.logf("recreate failed for event %s, identity %s: %v", ev.ExternalID, identity.ID, createErr)
			outcome.Status = StatusFailed
			outcome.Reason = createErr.Error()
			return outcome
		}
		rec.RemoteUID = uid
		rec.LastSyncedAt = d.now()
		if err := d.store.PutSyncRecord(rec); err != nil {
			outcome.Status = StatusFailed
			outcome.Reason = err.Error()
			return outcome
		}
		outcome.Status = StatusOK
		outcome.Reason = "recreated missing remote event"
		return outcome
	}
	if err != nil {
		d.logf("update failed for event %s, identity %s: %v", ev.ExternalID, identity.ID, err)
		outcome.Status = StatusFailed
		outcome.Reason = err.Error()
		return outcome
	}
	rec.LastSyncedAt = d.now()
	if err := d.store.PutSyncRecord(rec); err != nil {
		outcome.Status = StatusFailed
		outcome.Reason = err.Error()
		return outcome
	}
	outcome.Status = StatusOK
	return outcome
}

// SyncDelete removes the remote counterpart tracked by rec and then the
// record itself. The record survives a failed remote delete so the next
// cycle can retry; it is dropped when there is nothing left to delete.
func (d *Dispatcher) SyncDelete(ctx context.Context, rec SyncRecord) TargetOutcome {
	outcome := TargetOutcome{
		ExternalID: rec.ExternalID,
		IdentityID: rec.IdentityID,
		Action:     ActionDelete,
	}

	if rec.RemoteUID == "" {
		// Nothing was ever created remotely.
		if err := d.dropRecord(rec); err != nil {
			outcome.Status = StatusFailed
			outcome.Reason = err.Error()
			return outcome
		}
		outcome.Status = StatusOK
		return outcome
	}

	identity, err := d.store.GetIdentity(rec.IdentityID)
	if errors.Is(err, ErrNotFound) {
		// The identity is gone; its remote events are unreachable anyway.
		if err := d.dropRecord(rec); err != nil {
			outcome.Status = StatusFailed
			outcome.Reason = err.Error()
			return outcome
		}
		outcome.Status = StatusSkipped
		outcome.Reason = "identity deleted"
		return outcome
	}
	if err != nil {
		outcome.Status = StatusFailed
		outcome.Reason = err.Error()
		return outcome
	}
	if identity.Calendar == nil {
		outcome.Status = StatusSkipped
		outcome.Reason = "no calendar config"
		return outcome
	}
	backend, err := d.factory(*identity.Calendar)
	if err != nil {
		outcome.Status = StatusFailed
		outcome.Reason = err.Error()
		return outcome
	}

	opCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	err = backend.Delete(opCtx, rec.RemoteUID)
	if err != nil && !errors.Is(err, calendar.ErrNotFound) {
		d.logf("delete failed for event %s, identity %s: %v", rec.ExternalID, rec.IdentityID, err)
		outcome.Status = StatusFailed
		outcome.Reason = err.Error()
		return outcome
	}
	if err := d.dropRecord(rec); err != nil {
		outcome.Status = StatusFailed
		outcome.Reason = err.Error()
		return outcome
	}
	outcome.Status = StatusOK
	return outcome
}

func (d *Dispatcher) dropRecord(rec SyncRecord) error {
	err := d.store.DeleteSyncRecord(rec.IdentityID, rec.ExternalID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (d *Dispatcher) logf(format string, args ...any) {
	if d.logger != nil {
		d.logger.Printf(format, args...)
	}
}
