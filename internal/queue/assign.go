package queue

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/notify"
	"qms/clinic-queue/internal/store"
)

// Ticket is what a patient receives after joining a queue.
type Ticket struct {
	Entry       models.QueueEntry `json:"entry"`
	CounterName string            `json:"counter_name"`
	ServiceName string            `json:"service_name"`
	Position    int               `json:"position"`
}

// Join admits the patient into the service's queue at the least loaded
// counter.
func (e *Engine) Join(ctx context.Context, phone string, serviceID int64) (Ticket, error) {
	var ticket Ticket
	var events []notify.Event
	err := e.run(ctx, "join", func(tx store.Tx) error {
		ticket, events = Ticket{}, nil

		if err := tx.LockPatient(ctx, phone); err != nil {
			return err
		}
		patient, err := tx.GetPatient(ctx, phone)
		if err != nil {
			return err
		}
		if _, live, err := tx.LiveEntryForPatient(ctx, phone); err != nil {
			return err
		} else if live {
			return ErrAlreadyQueued
		}

		if err := tx.LockService(ctx, serviceID); err != nil {
			return err
		}
		service, err := tx.GetService(ctx, serviceID)
		if err != nil {
			return err
		}
		now := e.now()
		if !service.Active || !service.OpenOn(now.Weekday()) {
			return ErrServiceUnavailable
		}
		candidates, err := tx.CountersForService(ctx, serviceID, models.CounterAvailable, models.CounterBusy)
		if err != nil {
			return err
		}
		counts, err := tx.WaitingCounts(ctx, serviceID)
		if err != nil {
			return err
		}
		target, ok := leastLoaded(candidates, counts, 0)
		if !ok {
			return ErrServiceUnavailable
		}
		if err := tx.LockCounter(ctx, target.CounterID); err != nil {
			return err
		}

		entry := models.QueueEntry{
			PatientPhone: phone,
			PatientName:  patient.Name,
			ServiceID:    serviceID,
			CounterID:    target.CounterID,
			Status:       models.StatusWaiting,
			CreatedAt:    now,
		}
		if entry.QueueID, err = e.insertWithFreshID(ctx, tx, service.Name, entry); err != nil {
			return err
		}
		if target.Status == models.CounterAvailable {
			if err := tx.UpdateCounterStatus(ctx, target.CounterID, models.CounterBusy); err != nil {
				return err
			}
		}

		ticket = Ticket{
			Entry:       entry,
			CounterName: target.Name,
			ServiceName: service.Name,
			Position:    counts[target.CounterID] + 1,
		}
		events = []notify.Event{notify.StaffEvent{
			Action:      notify.ActionNewPatient,
			QueueID:     entry.QueueID,
			CounterID:   target.CounterID,
			PatientName: patient.Name,
			ServiceName: service.Name,
			Timestamp:   now,
		}}
		return nil
	}, attribute.Int64("queue.service_id", serviceID))
	if err != nil {
		return Ticket{}, err
	}
	e.publish(events)
	return ticket, nil
}

func (e *Engine) insertWithFreshID(ctx context.Context, tx store.Tx, serviceName string, entry models.QueueEntry) (string, error) {
	for attempt := 0; attempt < e.attempts; attempt++ {
		entry.QueueID = formatQueueID(serviceName, entry.CounterID, e.suffix())
		err := tx.InsertEntry(ctx, entry)
		if err == nil {
			return entry.QueueID, nil
		}
		if !errors.Is(err, store.ErrIDCollision) {
			return "", err
		}
		e.metrics.collision(ctx)
	}
	return "", fmt.Errorf("no free queue id for counter %d after %d attempts", entry.CounterID, e.attempts)
}

// leastLoaded picks the counter with the fewest waiting entries, breaking
// ties by the smallest id. counters must be ordered by id. A non-zero
// exclude removes that counter from consideration.
func leastLoaded(counters []models.Counter, counts map[int64]int, exclude int64) (models.Counter, bool) {
	var best models.Counter
	found := false
	for _, c := range counters {
		if c.CounterID == exclude || !c.Status.Serviceable() {
			continue
		}
		if !found || counts[c.CounterID] < counts[best.CounterID] {
			best = c
			found = true
		}
	}
	return best, found
}
