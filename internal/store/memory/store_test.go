package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"
)

func seeded(t *testing.T) *Store {
	t.Helper()
	s := New()
	s.AddService(models.Service{ServiceID: 1, Name: "General", Active: true})
	require.NoError(t, s.AddCounter(models.Counter{CounterID: 1, Name: "A", Status: models.CounterAvailable, ServiceID: 1}))
	require.NoError(t, s.AddCounter(models.Counter{CounterID: 2, Name: "B", Status: models.CounterBreak, ServiceID: 1}))
	s.AddPatient(models.Patient{Phone: "0812345678", Name: "Ana", Verified: true})
	return s
}

func entry(id, phone string, counter int64, status models.EntryStatus, created time.Time) models.QueueEntry {
	return models.QueueEntry{
		QueueID:      id,
		PatientPhone: phone,
		ServiceID:    1,
		CounterID:    counter,
		Status:       status,
		CreatedAt:    created,
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := seeded(t)
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.InsertEntry(ctx, entry("GEN_001_1111", "0812345678", 1, models.StatusWaiting, time.Now())))
		require.NoError(t, tx.UpdateCounterStatus(ctx, 1, models.CounterBusy))
		require.NoError(t, tx.InsertHistory(ctx, models.QueueHistory{QueueID: "x"}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.Empty(t, s.Entries())
	assert.Empty(t, s.History())
	err = s.WithTx(ctx, func(tx store.Tx) error {
		counter, err := tx.GetCounter(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, models.CounterAvailable, counter.Status)
		return nil
	})
	require.NoError(t, err)
}

func TestRollbackKeepsHistoryCommittedByOthers(t *testing.T) {
	ctx := context.Background()
	s := seeded(t)
	boom := errors.New("boom")
	inserted := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- s.WithTx(ctx, func(tx store.Tx) error {
			if err := tx.InsertHistory(ctx, models.QueueHistory{QueueID: "GEN_001_1111"}); err != nil {
				return err
			}
			close(inserted)
			<-release
			return boom
		})
	}()
	<-inserted

	err := s.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertHistory(ctx, models.QueueHistory{QueueID: "GEN_002_2222"})
	})
	require.NoError(t, err)

	close(release)
	require.ErrorIs(t, <-done, boom)

	history := s.History()
	require.Len(t, history, 1)
	assert.Equal(t, "GEN_002_2222", history[0].QueueID)
}

func TestWithTxCommits(t *testing.T) {
	ctx := context.Background()
	s := seeded(t)

	err := s.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertEntry(ctx, entry("GEN_001_1111", "0812345678", 1, models.StatusWaiting, time.Now()))
	})
	require.NoError(t, err)

	entries := s.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "Ana", entries[0].PatientName)
}

func TestInsertEntryEnforcesInvariants(t *testing.T) {
	ctx := context.Background()
	s := seeded(t)
	s.AddPatient(models.Patient{Phone: "0899999999", Name: "Budi"})
	now := time.Now()

	err := s.WithTx(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.InsertEntry(ctx, entry("GEN_001_1111", "0812345678", 1, models.StatusServing, now)))

		assert.ErrorIs(t, tx.InsertEntry(ctx, entry("GEN_001_1111", "0899999999", 1, models.StatusWaiting, now)), store.ErrIDCollision)
		assert.ErrorIs(t, tx.InsertEntry(ctx, entry("GEN_001_2222", "0812345678", 1, models.StatusWaiting, now)), store.ErrAlreadyQueued)
		assert.ErrorIs(t, tx.InsertEntry(ctx, entry("GEN_001_3333", "0899999999", 1, models.StatusServing, now)), store.ErrAlreadyServing)
		return nil
	})
	require.NoError(t, err)
}

func TestWaitingQueries(t *testing.T) {
	ctx := context.Background()
	s := seeded(t)
	s.AddPatient(models.Patient{Phone: "0899999999", Name: "Budi"})
	s.AddPatient(models.Patient{Phone: "0877777777", Name: "Citra"})
	base := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

	err := s.WithTx(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.InsertEntry(ctx, entry("GEN_002_2222", "0899999999", 2, models.StatusWaiting, base.Add(time.Minute))))
		require.NoError(t, tx.InsertEntry(ctx, entry("GEN_002_1111", "0812345678", 2, models.StatusWaiting, base)))
		require.NoError(t, tx.InsertEntry(ctx, entry("GEN_001_3333", "0877777777", 1, models.StatusServing, base)))

		counts, err := tx.WaitingCounts(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, map[int64]int{1: 0, 2: 2}, counts)

		waiting, err := tx.WaitingEntries(ctx, 2)
		require.NoError(t, err)
		require.Len(t, waiting, 2)
		assert.Equal(t, "GEN_002_1111", waiting[0].QueueID)
		assert.Equal(t, "Ana", waiting[0].PatientName)

		serving, ok, err := tx.ServingEntry(ctx, 1)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "GEN_001_3333", serving.QueueID)

		open, err := tx.CountersForService(ctx, 1, models.CounterAvailable, models.CounterBusy)
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, int64(1), open[0].CounterID)
		return nil
	})
	require.NoError(t, err)
}

func TestCounterLockBlocksUntilCommit(t *testing.T) {
	ctx := context.Background()
	s := seeded(t)
	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- s.WithTx(ctx, func(tx store.Tx) error {
			if err := tx.LockCounter(ctx, 1); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := s.WithTx(waitCtx, func(tx store.Tx) error {
		return tx.LockCounter(waitCtx, 1)
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-done)

	err = s.WithTx(ctx, func(tx store.Tx) error {
		return tx.LockCounter(ctx, 1)
	})
	require.NoError(t, err)
}

func TestLocksAreReentrantWithinTx(t *testing.T) {
	ctx := context.Background()
	s := seeded(t)
	err := s.WithTx(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.LockService(ctx, 1))
		require.NoError(t, tx.LockCounter(ctx, 1))
		return tx.LockCounter(ctx, 1)
	})
	require.NoError(t, err)
	assert.Empty(t, s.locks.locks)
}

func TestAddCounterRejectsSharedStaff(t *testing.T) {
	s := seeded(t)
	staffID := int64(7)
	require.NoError(t, s.AddCounter(models.Counter{CounterID: 3, ServiceID: 1, Status: models.CounterAvailable, StaffID: &staffID}))
	err := s.AddCounter(models.Counter{CounterID: 4, ServiceID: 1, Status: models.CounterAvailable, StaffID: &staffID})
	assert.ErrorIs(t, err, store.ErrStaffAlreadyAssigned)
}
