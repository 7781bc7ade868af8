package store

import (
	"context"
	"time"

	"qms/clinic-queue/internal/models"
)

// Store is the transactional entity repository behind the queue engine.
type Store interface {
	// WithTx runs fn inside one transaction. Locks taken through the Tx are
	// held until fn returns; the transaction commits when fn returns nil.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	GetSession(ctx context.Context, token string) (Session, error)
}

// Tx is the set of reads and writes available inside a transaction. Lock
// methods must be called in the order patient, service, counters by
// ascending id. LockService and LockCounter fail with the not-found sentinel
// of their entity.
type Tx interface {
	LockPatient(ctx context.Context, phone string) error
	LockService(ctx context.Context, serviceID int64) error
	LockCounter(ctx context.Context, counterID int64) error

	GetService(ctx context.Context, serviceID int64) (models.Service, error)
	ListServices(ctx context.Context) ([]models.Service, error)

	GetCounter(ctx context.Context, counterID int64) (models.Counter, error)
	ListCounters(ctx context.Context) ([]models.Counter, error)
	CountersForService(ctx context.Context, serviceID int64, statuses ...models.CounterStatus) ([]models.Counter, error)
	CounterForStaff(ctx context.Context, staffID int64) (models.Counter, bool, error)
	UpdateCounterStatus(ctx context.Context, counterID int64, status models.CounterStatus) error

	GetStaff(ctx context.Context, staffID int64) (models.Staff, error)

	GetPatient(ctx context.Context, phone string) (models.Patient, error)
	UpsertPatient(ctx context.Context, patient models.Patient) (models.Patient, error)

	GetEntry(ctx context.Context, queueID string) (models.QueueEntry, error)
	LiveEntryForPatient(ctx context.Context, phone string) (models.QueueEntry, bool, error)
	ServingEntry(ctx context.Context, counterID int64) (models.QueueEntry, bool, error)
	WaitingEntries(ctx context.Context, counterID int64) ([]models.QueueEntry, error)
	WaitingCounts(ctx context.Context, serviceID int64) (map[int64]int, error)
	InsertEntry(ctx context.Context, entry models.QueueEntry) error
	UpdateEntry(ctx context.Context, entry models.QueueEntry) error
	DeleteEntry(ctx context.Context, queueID string) error

	InsertHistory(ctx context.Context, record models.QueueHistory) error
}

// Session is an identity issued by the external authentication flow. Exactly
// one of StaffID and PatientPhone is set.
type Session struct {
	Token        string
	StaffID      *int64
	PatientPhone string
	ExpiresAt    time.Time
}

func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}
