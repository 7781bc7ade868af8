package models

import "time"

type FinalStatus string

const (
	FinalServed  FinalStatus = "served"
	FinalSkipped FinalStatus = "skipped"
)

type QueueHistory struct {
	QueueID      string      `json:"queue_id"`
	PatientPhone string      `json:"patient_phone"`
	ServiceID    int64       `json:"service_id"`
	CounterID    int64       `json:"counter_id"`
	FinalStatus  FinalStatus `json:"final_status"`
	CreatedAt    time.Time   `json:"created_at"`
	SkippedAt    *time.Time  `json:"skipped_at,omitempty"`
	CompletedAt  time.Time   `json:"completed_at"`
	Date         time.Time   `json:"date"`
}

// CloseEntry builds the audit record for an entry leaving the live set.
func CloseEntry(entry QueueEntry, final FinalStatus, at time.Time) QueueHistory {
	h := QueueHistory{
		QueueID:      entry.QueueID,
		PatientPhone: entry.PatientPhone,
		ServiceID:    entry.ServiceID,
		CounterID:    entry.CounterID,
		FinalStatus:  final,
		CreatedAt:    entry.CreatedAt,
		CompletedAt:  at,
		Date:         time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, at.Location()),
	}
	if final == FinalSkipped {
		skippedAt := at
		h.SkippedAt = &skippedAt
	}
	return h
}
