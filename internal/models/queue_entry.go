package models

import "time"

type EntryStatus string

const (
	StatusWaiting   EntryStatus = "waiting"
	StatusServing   EntryStatus = "serving"
	StatusSkipped   EntryStatus = "skipped"
	StatusCompleted EntryStatus = "completed"
)

type QueueEntry struct {
	QueueID           string      `json:"queue_id"`
	PatientPhone      string      `json:"patient_phone"`
	PatientName       string      `json:"patient_name,omitempty"`
	ServiceID         int64       `json:"service_id"`
	CounterID         int64       `json:"counter_id"`
	Status            EntryStatus `json:"status"`
	AnnouncementCount int         `json:"announcement_count"`
	CreatedAt         time.Time   `json:"created_at"`
	SkippedAt         *time.Time  `json:"skipped_at,omitempty"`
	CompletedAt       *time.Time  `json:"completed_at,omitempty"`
}

// Live reports whether the entry still occupies a place in a queue.
func (e QueueEntry) Live() bool {
	return e.Status == StatusWaiting || e.Status == StatusServing
}
