package queue

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/notify"
	"qms/clinic-queue/internal/store"
)

// SetStatus changes the status of the counter bound to staffID and returns
// the status actually stored. The staff binding is checked before the
// requested status. Leaving service runs redistribution in the same
// transaction; coming back sweeps entries stranded on idle siblings.
func (e *Engine) SetStatus(ctx context.Context, staffID, counterID int64, status models.CounterStatus) (models.CounterStatus, error) {
	var stored models.CounterStatus
	var events []notify.Event
	err := e.run(ctx, "set_status", func(tx store.Tx) error {
		stored, events = "", nil
		counter, err := assignedCounter(ctx, tx, staffID, counterID)
		if err != nil {
			return err
		}
		if !status.Valid() {
			return ErrInvalidStatus
		}
		service, err := lockService(ctx, tx, counter.ServiceID)
		if err != nil {
			return err
		}
		if counter, err = tx.GetCounter(ctx, counterID); err != nil {
			return err
		}

		stored = status
		if status == models.CounterAvailable {
			busy, err := hasLiveEntries(ctx, tx, counterID)
			if err != nil {
				return err
			}
			if busy {
				stored = models.CounterBusy
			}
		}
		prev := counter.Status
		if stored == prev {
			return nil
		}
		if err := tx.UpdateCounterStatus(ctx, counterID, stored); err != nil {
			return err
		}
		counter.Status = stored

		switch {
		case !stored.Serviceable():
			events, err = e.redistribute(ctx, tx, counter, service)
		case !prev.Serviceable():
			if events, err = e.sweepStranded(ctx, tx, service); err != nil || len(events) == 0 {
				return err
			}
			// the sweep may have promoted this counter to busy
			counter, err = tx.GetCounter(ctx, counterID)
			stored = counter.Status
		}
		return err
	}, attribute.Int64("queue.counter_id", counterID), attribute.String("queue.status", string(status)))
	if err != nil {
		return "", err
	}
	e.publish(events)
	return stored, nil
}

// CountersFor lists the counters of a service in the given statuses ordered
// by id. No statuses means every counter.
func (e *Engine) CountersFor(ctx context.Context, serviceID int64, statuses ...models.CounterStatus) ([]models.Counter, error) {
	var counters []models.Counter
	err := e.run(ctx, "counters_for", func(tx store.Tx) error {
		if _, err := tx.GetService(ctx, serviceID); err != nil {
			return err
		}
		var err error
		counters, err = tx.CountersForService(ctx, serviceID, statuses...)
		return err
	})
	return counters, err
}

func (e *Engine) CounterForStaff(ctx context.Context, staffID int64) (models.Counter, error) {
	var counter models.Counter
	err := e.run(ctx, "counter_for_staff", func(tx store.Tx) error {
		c, ok, err := tx.CounterForStaff(ctx, staffID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotAssigned
		}
		counter = c
		return nil
	})
	return counter, err
}

// assignedCounter verifies that staffID is bound to counterID.
func assignedCounter(ctx context.Context, tx store.Tx, staffID, counterID int64) (models.Counter, error) {
	counter, ok, err := tx.CounterForStaff(ctx, staffID)
	if err != nil {
		return models.Counter{}, err
	}
	if !ok || counter.CounterID != counterID {
		return models.Counter{}, ErrNotAssigned
	}
	return counter, nil
}

func hasLiveEntries(ctx context.Context, tx store.Tx, counterID int64) (bool, error) {
	if _, serving, err := tx.ServingEntry(ctx, counterID); err != nil || serving {
		return serving, err
	}
	waiting, err := tx.WaitingEntries(ctx, counterID)
	return len(waiting) > 0, err
}
