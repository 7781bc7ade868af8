package queue

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/notify"
	"qms/clinic-queue/internal/store"
)

// Redistribute moves the waiting entries of a counter onto its serviceable
// siblings and reports how many moved. Entries with no destination stay.
func (e *Engine) Redistribute(ctx context.Context, counterID int64) (int, error) {
	var moved int
	var events []notify.Event
	err := e.run(ctx, "redistribute", func(tx store.Tx) error {
		moved, events = 0, nil
		counter, err := tx.GetCounter(ctx, counterID)
		if err != nil {
			return err
		}
		service, err := lockService(ctx, tx, counter.ServiceID)
		if err != nil {
			return err
		}
		if counter, err = tx.GetCounter(ctx, counterID); err != nil {
			return err
		}
		events, err = e.redistribute(ctx, tx, counter, service)
		moved = len(events)
		return err
	}, attribute.Int64("queue.counter_id", counterID))
	if err != nil {
		return 0, err
	}
	e.publish(events)
	return moved, nil
}

// lockService takes the service lock and then every counter lock of the
// service in ascending id order.
func lockService(ctx context.Context, tx store.Tx, serviceID int64) (models.Service, error) {
	if err := tx.LockService(ctx, serviceID); err != nil {
		return models.Service{}, err
	}
	counters, err := tx.CountersForService(ctx, serviceID)
	if err != nil {
		return models.Service{}, err
	}
	for _, c := range counters {
		if err := tx.LockCounter(ctx, c.CounterID); err != nil {
			return models.Service{}, err
		}
	}
	return tx.GetService(ctx, serviceID)
}

// redistribute reassigns the waiting entries of source oldest first,
// recomputing loads after every move. The caller holds the service lock and
// every counter lock of the service. It returns one event per moved entry.
func (e *Engine) redistribute(ctx context.Context, tx store.Tx, source models.Counter, service models.Service) ([]notify.Event, error) {
	waiting, err := tx.WaitingEntries(ctx, source.CounterID)
	if err != nil || len(waiting) == 0 {
		return nil, err
	}
	siblings, err := tx.CountersForService(ctx, service.ServiceID, models.CounterAvailable, models.CounterBusy)
	if err != nil {
		return nil, err
	}
	counts, err := tx.WaitingCounts(ctx, service.ServiceID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	var events []notify.Event
	for _, entry := range waiting {
		if !store.ValidTransition("redistribute", entry.Status) {
			continue
		}
		idx := -1
		if target, ok := leastLoaded(siblings, counts, source.CounterID); ok {
			idx = indexOf(siblings, target.CounterID)
		}
		if idx < 0 {
			break
		}
		target := &siblings[idx]

		entry.CounterID = target.CounterID
		if err := tx.UpdateEntry(ctx, entry); err != nil {
			return nil, err
		}
		counts[source.CounterID]--
		counts[target.CounterID]++
		if target.Status == models.CounterAvailable {
			if err := tx.UpdateCounterStatus(ctx, target.CounterID, models.CounterBusy); err != nil {
				return nil, err
			}
			target.Status = models.CounterBusy
		}
		events = append(events, notify.StaffEvent{
			Action:      notify.ActionPatientRedistributed,
			QueueID:     entry.QueueID,
			CounterID:   target.CounterID,
			PatientName: entry.PatientName,
			ServiceName: service.Name,
			Timestamp:   now,
		})
	}

	if stranded := len(waiting) - len(events); stranded > 0 {
		e.log.InfoContext(ctx, "waiting entries left on unavailable counter",
			"counter_id", source.CounterID, "service_id", service.ServiceID, "stranded", stranded)
	}
	e.metrics.moved(ctx, service.ServiceID, len(events))
	return events, nil
}

// sweepStranded moves entries left on break or closed counters of the
// service. It runs after a counter of the service becomes serviceable again.
func (e *Engine) sweepStranded(ctx context.Context, tx store.Tx, service models.Service) ([]notify.Event, error) {
	idle, err := tx.CountersForService(ctx, service.ServiceID, models.CounterBreak, models.CounterClosed)
	if err != nil {
		return nil, err
	}
	var events []notify.Event
	for _, c := range idle {
		moved, err := e.redistribute(ctx, tx, c, service)
		if err != nil {
			return nil, err
		}
		events = append(events, moved...)
	}
	return events, nil
}

func indexOf(counters []models.Counter, counterID int64) int {
	for i, c := range counters {
		if c.CounterID == counterID {
			return i
		}
	}
	return -1
}
