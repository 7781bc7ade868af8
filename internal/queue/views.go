package queue

import (
	"context"
	"errors"
	"strings"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"
)

// NotQueued is the QueueStatus state of a patient without a live entry.
const NotQueued = "none"

type QueueStatus struct {
	// State is the entry status, or NotQueued.
	State       string             `json:"queue_status"`
	Entry       *models.QueueEntry `json:"entry"`
	CounterName string             `json:"counter_name,omitempty"`
	ServiceName string             `json:"service_name,omitempty"`
	// Position is set only while the entry is waiting.
	Position *int `json:"position"`
}

type DisplayRow struct {
	Counter     models.Counter     `json:"counter"`
	ServiceName string             `json:"service_name"`
	Serving     *models.QueueEntry `json:"serving,omitempty"`
}

type Board struct {
	Counter              models.Counter      `json:"counter"`
	Serving              *models.QueueEntry  `json:"serving,omitempty"`
	Waiting              []models.QueueEntry `json:"waiting"`
	QueueCount           int                 `json:"queue_count"`
	HandlingBreakCounter *models.Counter     `json:"handling_break_counter,omitempty"`
}

// QueueStatus reports the patient's live entry and place in line. A patient
// without one gets State NotQueued and a nil error.
func (e *Engine) QueueStatus(ctx context.Context, phone string) (QueueStatus, error) {
	var status QueueStatus
	err := e.run(ctx, "queue_status", func(tx store.Tx) error {
		status = QueueStatus{State: NotQueued}
		entry, live, err := tx.LiveEntryForPatient(ctx, phone)
		if err != nil {
			return err
		}
		if !live {
			return nil
		}
		counter, err := tx.GetCounter(ctx, entry.CounterID)
		if err != nil {
			return err
		}
		service, err := tx.GetService(ctx, entry.ServiceID)
		if err != nil {
			return err
		}
		status = QueueStatus{
			State:       string(entry.Status),
			Entry:       &entry,
			CounterName: counter.Name,
			ServiceName: service.Name,
		}
		if entry.Status != models.StatusWaiting {
			return nil
		}
		waiting, err := tx.WaitingEntries(ctx, entry.CounterID)
		if err != nil {
			return err
		}
		for i, w := range waiting {
			if w.QueueID == entry.QueueID {
				position := i + 1
				status.Position = &position
				break
			}
		}
		return nil
	})
	return status, err
}

// Display lists every counter with the entry it is serving.
func (e *Engine) Display(ctx context.Context) ([]DisplayRow, error) {
	var rows []DisplayRow
	err := e.run(ctx, "display", func(tx store.Tx) error {
		rows = nil
		services, err := tx.ListServices(ctx)
		if err != nil {
			return err
		}
		names := make(map[int64]string, len(services))
		for _, s := range services {
			names[s.ServiceID] = s.Name
		}
		counters, err := tx.ListCounters(ctx)
		if err != nil {
			return err
		}
		for _, c := range counters {
			row := DisplayRow{Counter: c, ServiceName: names[c.ServiceID]}
			if entry, ok, err := tx.ServingEntry(ctx, c.CounterID); err != nil {
				return err
			} else if ok {
				row.Serving = &entry
			}
			rows = append(rows, row)
		}
		return nil
	})
	return rows, err
}

// StaffBoard is the working view of the counter bound to staffID.
func (e *Engine) StaffBoard(ctx context.Context, staffID int64) (Board, error) {
	var board Board
	err := e.run(ctx, "staff_board", func(tx store.Tx) error {
		counter, ok, err := tx.CounterForStaff(ctx, staffID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotAssigned
		}
		board = Board{Counter: counter, Waiting: []models.QueueEntry{}}
		if entry, serving, err := tx.ServingEntry(ctx, counter.CounterID); err != nil {
			return err
		} else if serving {
			board.Serving = &entry
		}
		waiting, err := tx.WaitingEntries(ctx, counter.CounterID)
		if err != nil {
			return err
		}
		if waiting != nil {
			board.Waiting = waiting
		}
		board.QueueCount = len(waiting)

		if counter.Status != models.CounterAvailable {
			return nil
		}
		onBreak, err := tx.CountersForService(ctx, counter.ServiceID, models.CounterBreak)
		if err != nil {
			return err
		}
		for i := range onBreak {
			if onBreak[i].CounterID < counter.CounterID {
				board.HandlingBreakCounter = &onBreak[i]
			}
		}
		return nil
	})
	return board, err
}

// AvailableServices lists active services open today with at least one
// counter taking patients.
func (e *Engine) AvailableServices(ctx context.Context) ([]models.Service, error) {
	var out []models.Service
	err := e.run(ctx, "available_services", func(tx store.Tx) error {
		out = nil
		services, err := tx.ListServices(ctx)
		if err != nil {
			return err
		}
		today := e.now().Weekday()
		for _, s := range services {
			if !s.Active || !s.OpenOn(today) {
				continue
			}
			open, err := tx.CountersForService(ctx, s.ServiceID, models.CounterAvailable, models.CounterBusy)
			if err != nil {
				return err
			}
			if len(open) > 0 {
				out = append(out, s)
			}
		}
		return nil
	})
	return out, err
}

// CheckIn records a verified patient, creating it on first visit.
func (e *Engine) CheckIn(ctx context.Context, phone, name string) (models.Patient, error) {
	name = strings.TrimSpace(name)
	if !validPhone(phone) || name == "" {
		return models.Patient{}, ErrInvalidInput
	}
	var patient models.Patient
	err := e.run(ctx, "check_in", func(tx store.Tx) error {
		if err := tx.LockPatient(ctx, phone); err != nil {
			return err
		}
		var err error
		patient, err = tx.UpsertPatient(ctx, models.Patient{Phone: phone, Name: name, Verified: true})
		return err
	})
	return patient, err
}

func (e *Engine) PatientExists(ctx context.Context, phone string) (bool, error) {
	if !validPhone(phone) {
		return false, ErrInvalidInput
	}
	var exists bool
	err := e.run(ctx, "patient_exists", func(tx store.Tx) error {
		_, err := tx.GetPatient(ctx, phone)
		if errors.Is(err, store.ErrPatientNotFound) {
			exists = false
			return nil
		}
		exists = err == nil
		return err
	})
	return exists, err
}

func validPhone(phone string) bool {
	if len(phone) != 10 {
		return false
	}
	for _, r := range phone {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
