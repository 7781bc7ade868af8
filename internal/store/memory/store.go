// Package memory is an in-process implementation of store.Store used for
// tests and single-node development. Transactions take keyed locks that are
// released at commit or rollback; writes are applied in place and undone on
// rollback.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"
)

type Store struct {
	mu       sync.RWMutex
	locks    *keyedLocks
	now      func() time.Time
	services map[int64]models.Service
	counters map[int64]models.Counter
	staff    map[int64]models.Staff
	patients map[string]models.Patient
	entries  map[string]models.QueueEntry
	history  []models.QueueHistory
	sessions map[string]store.Session
}

func New() *Store {
	return &Store{
		locks:    newKeyedLocks(),
		now:      func() time.Time { return time.Now().UTC() },
		services: make(map[int64]models.Service),
		counters: make(map[int64]models.Counter),
		staff:    make(map[int64]models.Staff),
		patients: make(map[string]models.Patient),
		entries:  make(map[string]models.QueueEntry),
		sessions: make(map[string]store.Session),
	}
}

func (s *Store) AddService(service models.Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[service.ServiceID] = service
}

func (s *Store) AddStaff(staff models.Staff) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staff[staff.StaffID] = staff
}

// AddCounter registers a counter. A staff member can be bound to one counter
// only.
func (s *Store) AddCounter(counter models.Counter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if counter.StaffID != nil {
		for id, existing := range s.counters {
			if id != counter.CounterID && existing.AssignedTo(*counter.StaffID) {
				return store.ErrStaffAlreadyAssigned
			}
		}
	}
	s.counters[counter.CounterID] = counter
	return nil
}

func (s *Store) AddPatient(patient models.Patient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients[patient.Phone] = patient
}

func (s *Store) AddSession(session store.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.Token] = session
}

// Entries returns a snapshot of every live entry ordered by creation.
func (s *Store) Entries() []models.QueueEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.QueueEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		out = append(out, s.withName(entry))
	}
	sortEntries(out)
	return out
}

func (s *Store) History() []models.QueueHistory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.QueueHistory, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Store) GetSession(ctx context.Context, token string) (store.Session, error) {
	if err := ctx.Err(); err != nil {
		return store.Session{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[token]
	if !ok {
		return store.Session{}, store.ErrSessionNotFound
	}
	return session, nil
}

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) (err error) {
	if err = ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{s: s, held: make(map[string]bool)}
	defer func() {
		if p := recover(); p != nil {
			tx.rollback()
			tx.releaseAll()
			panic(p)
		}
		if err != nil {
			tx.rollback()
		} else {
			tx.commit()
		}
		tx.releaseAll()
	}()
	return fn(tx)
}

func (s *Store) withName(entry models.QueueEntry) models.QueueEntry {
	if patient, ok := s.patients[entry.PatientPhone]; ok {
		entry.PatientName = patient.Name
	}
	return entry
}

func sortEntries(entries []models.QueueEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].QueueID < entries[j].QueueID
	})
}

type memTx struct {
	s     *Store
	held  map[string]bool
	order []string
	undo  []func()

	// history is appended to the store only on commit.
	history []models.QueueHistory
}

func (tx *memTx) lock(ctx context.Context, key string) error {
	if tx.held[key] {
		return nil
	}
	if err := tx.s.locks.acquire(ctx, key); err != nil {
		return err
	}
	tx.held[key] = true
	tx.order = append(tx.order, key)
	return nil
}

func (tx *memTx) releaseAll() {
	for i := len(tx.order) - 1; i >= 0; i-- {
		tx.s.locks.release(tx.order[i])
	}
	tx.order = nil
	tx.held = nil
}

func (tx *memTx) commit() {
	if len(tx.history) == 0 {
		return
	}
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	tx.s.history = append(tx.s.history, tx.history...)
	tx.history = nil
}

func (tx *memTx) rollback() {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
	tx.history = nil
}

func (tx *memTx) LockPatient(ctx context.Context, phone string) error {
	return tx.lock(ctx, "patient:"+phone)
}

func (tx *memTx) LockService(ctx context.Context, serviceID int64) error {
	if _, err := tx.GetService(ctx, serviceID); err != nil {
		return err
	}
	return tx.lock(ctx, fmt.Sprintf("service:%d", serviceID))
}

func (tx *memTx) LockCounter(ctx context.Context, counterID int64) error {
	if _, err := tx.GetCounter(ctx, counterID); err != nil {
		return err
	}
	return tx.lock(ctx, fmt.Sprintf("counter:%d", counterID))
}

func (tx *memTx) GetService(_ context.Context, serviceID int64) (models.Service, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	service, ok := tx.s.services[serviceID]
	if !ok {
		return models.Service{}, store.ErrServiceNotFound
	}
	return service, nil
}

func (tx *memTx) ListServices(_ context.Context) ([]models.Service, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	out := make([]models.Service, 0, len(tx.s.services))
	for _, service := range tx.s.services {
		out = append(out, service)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceID < out[j].ServiceID })
	return out, nil
}

func (tx *memTx) GetCounter(_ context.Context, counterID int64) (models.Counter, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	counter, ok := tx.s.counters[counterID]
	if !ok {
		return models.Counter{}, store.ErrCounterNotFound
	}
	return counter, nil
}

func (tx *memTx) ListCounters(_ context.Context) ([]models.Counter, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	out := make([]models.Counter, 0, len(tx.s.counters))
	for _, counter := range tx.s.counters {
		out = append(out, counter)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CounterID < out[j].CounterID })
	return out, nil
}

func (tx *memTx) CountersForService(_ context.Context, serviceID int64, statuses ...models.CounterStatus) ([]models.Counter, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	var out []models.Counter
	for _, counter := range tx.s.counters {
		if counter.ServiceID != serviceID {
			continue
		}
		if len(statuses) > 0 && !statusIn(counter.Status, statuses) {
			continue
		}
		out = append(out, counter)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CounterID < out[j].CounterID })
	return out, nil
}

func (tx *memTx) CounterForStaff(_ context.Context, staffID int64) (models.Counter, bool, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	for _, counter := range tx.s.counters {
		if counter.AssignedTo(staffID) {
			return counter, true, nil
		}
	}
	return models.Counter{}, false, nil
}

func (tx *memTx) UpdateCounterStatus(_ context.Context, counterID int64, status models.CounterStatus) error {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	counter, ok := tx.s.counters[counterID]
	if !ok {
		return store.ErrCounterNotFound
	}
	prev := counter
	counter.Status = status
	tx.s.counters[counterID] = counter
	tx.undo = append(tx.undo, func() { tx.s.counters[counterID] = prev })
	return nil
}

func (tx *memTx) GetStaff(_ context.Context, staffID int64) (models.Staff, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	staff, ok := tx.s.staff[staffID]
	if !ok {
		return models.Staff{}, store.ErrStaffNotFound
	}
	return staff, nil
}

func (tx *memTx) GetPatient(_ context.Context, phone string) (models.Patient, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	patient, ok := tx.s.patients[phone]
	if !ok {
		return models.Patient{}, store.ErrPatientNotFound
	}
	return patient, nil
}

func (tx *memTx) UpsertPatient(_ context.Context, patient models.Patient) (models.Patient, error) {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	now := tx.s.now()
	prev, existed := tx.s.patients[patient.Phone]
	if existed {
		patient.CreatedAt = prev.CreatedAt
	} else {
		patient.CreatedAt = now
	}
	patient.UpdatedAt = now
	tx.s.patients[patient.Phone] = patient
	tx.undo = append(tx.undo, func() {
		if existed {
			tx.s.patients[patient.Phone] = prev
			return
		}
		delete(tx.s.patients, patient.Phone)
	})
	return patient, nil
}

func (tx *memTx) GetEntry(_ context.Context, queueID string) (models.QueueEntry, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	entry, ok := tx.s.entries[queueID]
	if !ok {
		return models.QueueEntry{}, store.ErrEntryNotFound
	}
	return tx.s.withName(entry), nil
}

func (tx *memTx) LiveEntryForPatient(_ context.Context, phone string) (models.QueueEntry, bool, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	for _, entry := range tx.s.entries {
		if entry.PatientPhone == phone && entry.Live() {
			return tx.s.withName(entry), true, nil
		}
	}
	return models.QueueEntry{}, false, nil
}

func (tx *memTx) ServingEntry(_ context.Context, counterID int64) (models.QueueEntry, bool, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	for _, entry := range tx.s.entries {
		if entry.CounterID == counterID && entry.Status == models.StatusServing {
			return tx.s.withName(entry), true, nil
		}
	}
	return models.QueueEntry{}, false, nil
}

func (tx *memTx) WaitingEntries(_ context.Context, counterID int64) ([]models.QueueEntry, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	var out []models.QueueEntry
	for _, entry := range tx.s.entries {
		if entry.CounterID == counterID && entry.Status == models.StatusWaiting {
			out = append(out, tx.s.withName(entry))
		}
	}
	sortEntries(out)
	return out, nil
}

func (tx *memTx) WaitingCounts(_ context.Context, serviceID int64) (map[int64]int, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	counts := make(map[int64]int)
	for id, counter := range tx.s.counters {
		if counter.ServiceID == serviceID {
			counts[id] = 0
		}
	}
	for _, entry := range tx.s.entries {
		if entry.Status != models.StatusWaiting {
			continue
		}
		if _, ok := counts[entry.CounterID]; ok {
			counts[entry.CounterID]++
		}
	}
	return counts, nil
}

func (tx *memTx) InsertEntry(_ context.Context, entry models.QueueEntry) error {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	if _, ok := tx.s.entries[entry.QueueID]; ok {
		return store.ErrIDCollision
	}
	if err := tx.checkInvariants(entry); err != nil {
		return err
	}
	entry.PatientName = ""
	tx.s.entries[entry.QueueID] = entry
	tx.undo = append(tx.undo, func() { delete(tx.s.entries, entry.QueueID) })
	return nil
}

func (tx *memTx) UpdateEntry(_ context.Context, entry models.QueueEntry) error {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	prev, ok := tx.s.entries[entry.QueueID]
	if !ok {
		return store.ErrEntryNotFound
	}
	if err := tx.checkInvariants(entry); err != nil {
		return err
	}
	entry.PatientName = ""
	tx.s.entries[entry.QueueID] = entry
	tx.undo = append(tx.undo, func() { tx.s.entries[entry.QueueID] = prev })
	return nil
}

func (tx *memTx) DeleteEntry(_ context.Context, queueID string) error {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	prev, ok := tx.s.entries[queueID]
	if !ok {
		return store.ErrEntryNotFound
	}
	delete(tx.s.entries, queueID)
	tx.undo = append(tx.undo, func() { tx.s.entries[queueID] = prev })
	return nil
}

func (tx *memTx) InsertHistory(_ context.Context, record models.QueueHistory) error {
	tx.history = append(tx.history, record)
	return nil
}

// checkInvariants mirrors the partial unique indexes of the postgres schema.
// Callers hold s.mu.
func (tx *memTx) checkInvariants(entry models.QueueEntry) error {
	for id, other := range tx.s.entries {
		if id == entry.QueueID {
			continue
		}
		if entry.Live() && other.Live() && other.PatientPhone == entry.PatientPhone {
			return store.ErrAlreadyQueued
		}
		if entry.Status == models.StatusServing && other.Status == models.StatusServing && other.CounterID == entry.CounterID {
			return store.ErrAlreadyServing
		}
	}
	return nil
}

func statusIn(status models.CounterStatus, statuses []models.CounterStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
