package queue

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/notify"
	"qms/clinic-queue/internal/store"
)

// ServeResult describes a counter after a serving operation. Done is the
// entry that left the queue in this call, Next the entry now being served.
type ServeResult struct {
	Done   *models.QueueEntry   `json:"done,omitempty"`
	Next   *models.QueueEntry   `json:"next,omitempty"`
	Status models.CounterStatus `json:"counter_status"`
}

// Empty reports that nobody is being served after the call.
func (r ServeResult) Empty() bool {
	return r.Next == nil
}

type AnnounceResult struct {
	Count   int                  `json:"announcement_count"`
	Skipped bool                 `json:"skipped"`
	Next    *models.QueueEntry   `json:"next,omitempty"`
	Status  models.CounterStatus `json:"counter_status"`
}

// StartServing calls the oldest waiting entry to the counter.
func (e *Engine) StartServing(ctx context.Context, staffID, counterID int64) (ServeResult, error) {
	var result ServeResult
	err := e.run(ctx, "start_serving", func(tx store.Tx) error {
		result = ServeResult{}
		counter, err := e.lockAssigned(ctx, tx, staffID, counterID)
		if err != nil {
			return err
		}
		if _, serving, err := tx.ServingEntry(ctx, counterID); err != nil {
			return err
		} else if serving {
			return ErrAlreadyServing
		}
		if !counter.Status.Serviceable() {
			return ErrCounterUnavailable
		}
		result.Status = counter.Status
		waiting, err := tx.WaitingEntries(ctx, counterID)
		if err != nil || len(waiting) == 0 {
			return err
		}
		result.Next, result.Status, err = promote(ctx, tx, counter, waiting[0])
		return err
	}, servingAttrs(staffID, counterID)...)
	return result, err
}

// ServeNext completes the current entry and calls the next one. A counter on
// break or closed finishes its current entry but calls nobody.
func (e *Engine) ServeNext(ctx context.Context, staffID, counterID int64) (ServeResult, error) {
	var result ServeResult
	err := e.run(ctx, "serve_next", func(tx store.Tx) error {
		result = ServeResult{}
		counter, err := e.lockAssigned(ctx, tx, staffID, counterID)
		if err != nil {
			return err
		}
		current, serving, err := tx.ServingEntry(ctx, counterID)
		if err != nil {
			return err
		}
		if serving {
			done, err := e.finish(ctx, tx, current, models.FinalServed)
			if err != nil {
				return err
			}
			result.Done = &done
		}
		result.Next, result.Status, err = e.advance(ctx, tx, counter)
		return err
	}, servingAttrs(staffID, counterID)...)
	return result, err
}

// Skip drops the entry being served at the counter and calls the next one.
func (e *Engine) Skip(ctx context.Context, staffID, counterID int64, queueID string) (ServeResult, error) {
	var result ServeResult
	err := e.run(ctx, "skip", func(tx store.Tx) error {
		result = ServeResult{}
		counter, err := e.lockAssigned(ctx, tx, staffID, counterID)
		if err != nil {
			return err
		}
		current, err := servingEntry(ctx, tx, counterID, queueID)
		if err != nil {
			return err
		}
		done, err := e.finish(ctx, tx, current, models.FinalSkipped)
		if err != nil {
			return err
		}
		result.Done = &done
		result.Next, result.Status, err = e.advance(ctx, tx, counter)
		return err
	}, append(servingAttrs(staffID, counterID), attribute.String("queue.queue_id", queueID))...)
	return result, err
}

// Announce calls the served entry again. Reaching the skip threshold skips
// it exactly like Skip. A display event is published either way.
func (e *Engine) Announce(ctx context.Context, staffID, counterID int64, queueID string) (AnnounceResult, error) {
	var result AnnounceResult
	var events []notify.Event
	err := e.run(ctx, "announce", func(tx store.Tx) error {
		result, events = AnnounceResult{}, nil
		counter, err := e.lockAssigned(ctx, tx, staffID, counterID)
		if err != nil {
			return err
		}
		current, err := servingEntry(ctx, tx, counterID, queueID)
		if err != nil {
			return err
		}
		if !store.ValidTransition("announce", current.Status) {
			return ErrNotServing
		}

		current.AnnouncementCount++
		result.Count = current.AnnouncementCount
		result.Status = counter.Status
		events = []notify.Event{notify.DisplayEvent{
			Action:            notify.ActionAnnouncement,
			CounterID:         counterID,
			QueueID:           current.QueueID,
			PatientName:       current.PatientName,
			AnnouncementCount: current.AnnouncementCount,
		}}

		if current.AnnouncementCount < e.skipAt {
			return tx.UpdateEntry(ctx, current)
		}
		if _, err := e.finish(ctx, tx, current, models.FinalSkipped); err != nil {
			return err
		}
		e.metrics.autoSkipped(ctx, counterID)
		result.Skipped = true
		result.Next, result.Status, err = e.advance(ctx, tx, counter)
		return err
	}, append(servingAttrs(staffID, counterID), attribute.String("queue.queue_id", queueID))...)
	if err != nil {
		return AnnounceResult{}, err
	}
	e.publish(events)
	return result, nil
}

// lockAssigned checks the staff binding and takes the counter lock.
func (e *Engine) lockAssigned(ctx context.Context, tx store.Tx, staffID, counterID int64) (models.Counter, error) {
	if _, err := assignedCounter(ctx, tx, staffID, counterID); err != nil {
		return models.Counter{}, err
	}
	if err := tx.LockCounter(ctx, counterID); err != nil {
		return models.Counter{}, err
	}
	return tx.GetCounter(ctx, counterID)
}

func servingEntry(ctx context.Context, tx store.Tx, counterID int64, queueID string) (models.QueueEntry, error) {
	current, serving, err := tx.ServingEntry(ctx, counterID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if !serving || current.QueueID != queueID {
		return models.QueueEntry{}, ErrNotServing
	}
	return current, nil
}

// finish moves a served entry to history and removes it from the live set.
func (e *Engine) finish(ctx context.Context, tx store.Tx, entry models.QueueEntry, final models.FinalStatus) (models.QueueEntry, error) {
	action := "complete"
	if final == models.FinalSkipped {
		action = "skip"
	}
	if !store.ValidTransition(action, entry.Status) {
		return models.QueueEntry{}, fmt.Errorf("%s entry %s in status %s", action, entry.QueueID, entry.Status)
	}
	now := e.now()
	entry.CompletedAt = &now
	entry.Status = models.StatusCompleted
	if final == models.FinalSkipped {
		entry.Status = models.StatusSkipped
		entry.SkippedAt = &now
	}
	if err := tx.InsertHistory(ctx, models.CloseEntry(entry, final, now)); err != nil {
		return models.QueueEntry{}, err
	}
	if err := tx.DeleteEntry(ctx, entry.QueueID); err != nil {
		return models.QueueEntry{}, err
	}
	return entry, nil
}

// advance calls the next waiting entry, or frees the counter when nobody is
// waiting. Counters on break or closed keep their status and call nobody.
func (e *Engine) advance(ctx context.Context, tx store.Tx, counter models.Counter) (*models.QueueEntry, models.CounterStatus, error) {
	if !counter.Status.Serviceable() {
		return nil, counter.Status, nil
	}
	waiting, err := tx.WaitingEntries(ctx, counter.CounterID)
	if err != nil {
		return nil, counter.Status, err
	}
	if len(waiting) == 0 {
		if counter.Status != models.CounterAvailable {
			if err := tx.UpdateCounterStatus(ctx, counter.CounterID, models.CounterAvailable); err != nil {
				return nil, counter.Status, err
			}
		}
		return nil, models.CounterAvailable, nil
	}
	return promote(ctx, tx, counter, waiting[0])
}

func promote(ctx context.Context, tx store.Tx, counter models.Counter, entry models.QueueEntry) (*models.QueueEntry, models.CounterStatus, error) {
	if !store.ValidTransition("start_serving", entry.Status) {
		return nil, counter.Status, fmt.Errorf("promote entry %s in status %s", entry.QueueID, entry.Status)
	}
	entry.Status = models.StatusServing
	if err := tx.UpdateEntry(ctx, entry); err != nil {
		return nil, counter.Status, err
	}
	if counter.Status != models.CounterBusy {
		if err := tx.UpdateCounterStatus(ctx, counter.CounterID, models.CounterBusy); err != nil {
			return nil, counter.Status, err
		}
	}
	return &entry, models.CounterBusy, nil
}

func servingAttrs(staffID, counterID int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64("queue.staff_id", staffID),
		attribute.Int64("queue.counter_id", counterID),
	}
}
