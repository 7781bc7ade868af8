package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/notify"
	"qms/clinic-queue/internal/store"
	"qms/clinic-queue/internal/store/memory"
)

// 2026-01-05 is a Monday.
var monday = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Publish(events ...notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
}

func (r *recorder) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		switch e := ev.(type) {
		case notify.StaffEvent:
			out = append(out, e.Action)
		case notify.DisplayEvent:
			out = append(out, e.Action)
		}
	}
	return out
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type fixture struct {
	store  *memory.Store
	bus    *recorder
	engine *Engine
	clock  *clock
}

func newFixture(t *testing.T, opts ...func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		store: memory.New(),
		bus:   &recorder{},
		clock: &clock{t: monday},
	}
	var seq atomic.Int64
	o := Options{
		Now:    f.clock.Now,
		Suffix: func() int { return int(seq.Add(1)) },
	}
	for _, fn := range opts {
		fn(&o)
	}
	f.engine = New(f.store, f.bus, o)
	return f
}

func staffFor(counterID int64) int64 { return 100 + counterID }

func (f *fixture) service(id int64, name string) {
	f.store.AddService(models.Service{ServiceID: id, Name: name, Active: true})
}

func (f *fixture) counter(t *testing.T, id, serviceID int64, status models.CounterStatus) {
	t.Helper()
	staffID := staffFor(id)
	f.store.AddStaff(models.Staff{StaffID: staffID, Username: "staff", Role: models.RoleOperator, Active: true})
	require.NoError(t, f.store.AddCounter(models.Counter{
		CounterID: id,
		Name:      "Counter",
		Status:    status,
		ServiceID: serviceID,
		StaffID:   &staffID,
	}))
}

func (f *fixture) patient(phone, name string) {
	f.store.AddPatient(models.Patient{Phone: phone, Name: name, Verified: true})
}

func (f *fixture) join(t *testing.T, phone string, serviceID int64) Ticket {
	t.Helper()
	f.patient(phone, "Patient "+phone[len(phone)-2:])
	ticket, err := f.engine.Join(context.Background(), phone, serviceID)
	require.NoError(t, err)
	return ticket
}

func (f *fixture) counterStatus(t *testing.T, id int64) models.CounterStatus {
	t.Helper()
	var status models.CounterStatus
	require.NoError(t, f.store.WithTx(context.Background(), func(tx store.Tx) error {
		c, err := tx.GetCounter(context.Background(), id)
		status = c.Status
		return err
	}))
	return status
}

func (f *fixture) waitingCounts(t *testing.T, serviceID int64) map[int64]int {
	t.Helper()
	var counts map[int64]int
	require.NoError(t, f.store.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		counts, err = tx.WaitingCounts(context.Background(), serviceID)
		return err
	}))
	return counts
}

func phone(i int) string {
	return fmt.Sprintf("08%08d", i)
}

func TestJoinBalancesAcrossCounters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.service(1, "X-Ray")
	f.counter(t, 1, 1, models.CounterAvailable)
	f.counter(t, 2, 1, models.CounterAvailable)

	first := f.join(t, phone(1), 1)
	second := f.join(t, phone(2), 1)
	third := f.join(t, phone(3), 1)

	assert.Equal(t, int64(1), first.Entry.CounterID)
	assert.Equal(t, int64(2), second.Entry.CounterID)
	assert.Equal(t, int64(1), third.Entry.CounterID)
	assert.Equal(t, 1, first.Position)
	assert.Equal(t, 1, second.Position)
	assert.Equal(t, 2, third.Position)
	assert.Regexp(t, `^X-R_001_\d{4}$`, first.Entry.QueueID)
	assert.Equal(t, models.StatusWaiting, first.Entry.Status)

	assert.Equal(t, models.CounterBusy, f.counterStatus(t, 1))
	assert.Equal(t, models.CounterBusy, f.counterStatus(t, 2))
	assert.Equal(t, []string{notify.ActionNewPatient, notify.ActionNewPatient, notify.ActionNewPatient}, f.bus.actions())

	status, err := f.engine.QueueStatus(ctx, phone(3))
	require.NoError(t, err)
	assert.Equal(t, 2, status.Position)
	assert.Equal(t, "X-Ray", status.ServiceName)
}

func TestJoinLoadBalanceProperty(t *testing.T) {
	f := newFixture(t)
	f.service(1, "General")
	for id := int64(1); id <= 3; id++ {
		f.counter(t, id, 1, models.CounterAvailable)
	}
	f.counter(t, 4, 1, models.CounterBreak)

	for i := 0; i < 11; i++ {
		f.join(t, phone(i), 1)
	}

	counts := f.waitingCounts(t, 1)
	assert.Zero(t, counts[4])
	lo, hi := counts[1], counts[1]
	for id := int64(2); id <= 3; id++ {
		lo = min(lo, counts[id])
		hi = max(hi, counts[id])
	}
	assert.LessOrEqual(t, hi-lo, 1)
	assert.Equal(t, 11, counts[1]+counts[2]+counts[3])
}

func TestJoinRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.service(1, "General")
	f.counter(t, 1, 1, models.CounterAvailable)
	f.store.AddService(models.Service{ServiceID: 2, Name: "Dental", Active: false})
	f.counter(t, 2, 2, models.CounterAvailable)
	f.store.AddService(models.Service{ServiceID: 3, Name: "Lab", Active: true, Schedule: []time.Weekday{time.Saturday}})
	f.counter(t, 3, 3, models.CounterAvailable)
	f.service(4, "Pharmacy")
	f.counter(t, 4, 4, models.CounterBreak)
	f.counter(t, 5, 4, models.CounterClosed)

	f.join(t, phone(1), 1)
	_, err := f.engine.Join(ctx, phone(1), 1)
	assert.ErrorIs(t, err, ErrAlreadyQueued)
	_, err = f.engine.Join(ctx, phone(1), 4)
	assert.ErrorIs(t, err, ErrAlreadyQueued)

	f.patient(phone(2), "Other")
	_, err = f.engine.Join(ctx, phone(2), 2)
	assert.ErrorIs(t, err, ErrServiceUnavailable)
	_, err = f.engine.Join(ctx, phone(2), 3)
	assert.ErrorIs(t, err, ErrServiceUnavailable)
	_, err = f.engine.Join(ctx, phone(2), 4)
	assert.ErrorIs(t, err, ErrServiceUnavailable)
	_, err = f.engine.Join(ctx, phone(2), 99)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.engine.Join(ctx, phone(9), 1)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Len(t, f.store.Entries(), 1)
}

func TestJoinRetriesQueueIDCollision(t *testing.T) {
	suffixes := []int{1234, 1234, 5678}
	var mu sync.Mutex
	f := newFixture(t, func(o *Options) {
		o.Suffix = func() int {
			mu.Lock()
			defer mu.Unlock()
			s := suffixes[0]
			if len(suffixes) > 1 {
				suffixes = suffixes[1:]
			}
			return s
		}
	})
	f.service(1, "General")
	f.counter(t, 1, 1, models.CounterAvailable)

	first := f.join(t, phone(1), 1)
	second := f.join(t, phone(2), 1)
	assert.Equal(t, "GEN_001_1234", first.Entry.QueueID)
	assert.Equal(t, "GEN_001_5678", second.Entry.QueueID)
}

func TestJoinGivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(o *Options) {
		o.Suffix = func() int { return 42 }
		o.QueueIDMaxAttempts = 3
	})
	f.service(1, "General")
	f.counter(t, 1, 1, models.CounterAvailable)

	f.join(t, phone(1), 1)
	f.patient(phone(2), "Late")
	_, err := f.engine.Join(ctx, phone(2), 1)
	require.ErrorIs(t, err, ErrInternal)
	assert.Equal(t, "internal_error", Reason(err))
	assert.Len(t, f.store.Entries(), 1)
}

func TestAnnounceAutoSkipsAtThreshold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.service(1, "General")
	f.counter(t, 1, 1, models.CounterAvailable)
	first := f.join(t, phone(1), 1)
	second := f.join(t, phone(2), 1)
	staff := staffFor(1)

	started, err := f.engine.StartServing(ctx, staff, 1)
	require.NoError(t, err)
	require.NotNil(t, started.Next)
	assert.Equal(t, first.Entry.QueueID, started.Next.QueueID)

	for want := 1; want <= 2; want++ {
		res, err := f.engine.Announce(ctx, staff, 1, first.Entry.QueueID)
		require.NoError(t, err)
		assert.Equal(t, want, res.Count)
		assert.False(t, res.Skipped)
	}

	res, err := f.engine.Announce(ctx, staff, 1, first.Entry.QueueID)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, 3, res.Count)
	require.NotNil(t, res.Next)
	assert.Equal(t, second.Entry.QueueID, res.Next.QueueID)
	assert.Equal(t, models.StatusServing, res.Next.Status)

	history := f.store.History()
	require.Len(t, history, 1)
	assert.Equal(t, first.Entry.QueueID, history[0].QueueID)
	assert.Equal(t, models.FinalSkipped, history[0].FinalStatus)
	require.NotNil(t, history[0].SkippedAt)

	_, err = f.engine.Announce(ctx, staff, 1, first.Entry.QueueID)
	assert.ErrorIs(t, err, ErrNotServing)
	assert.Len(t, f.store.History(), 1)

	var announcements []int
	for _, ev := range f.bus.events {
		if d, ok := ev.(notify.DisplayEvent); ok {
			announcements = append(announcements, d.AnnouncementCount)
		}
	}
	assert.Equal(t, []int{1, 2, 3}, announcements)
}

func TestAnnounceThresholdIsConfigurable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(o *Options) { o.AnnounceSkipThreshold = 1 })
	f.service(1, "General")
	f.counter(t, 1, 1, models.CounterAvailable)
	ticket := f.join(t, phone(1), 1)
	_, err := f.engine.StartServing(ctx, staffFor(1), 1)
	require.NoError(t, err)

	res, err := f.engine.Announce(ctx, staffFor(1), 1, ticket.Entry.QueueID)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Nil(t, res.Next)
	assert.Equal(t, models.CounterAvailable, res.Status)
}

func TestBreakRedistributesWaitingEntries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.service(1, "General")
	f.counter(t, 1, 1, models.CounterAvailable)
	f.counter(t, 2, 1, models.CounterClosed)
	for i := 1; i <= 3; i++ {
		f.join(t, phone(i), 1)
	}
	stored, err := f.engine.SetStatus(ctx, staffFor(2), 2, models.CounterAvailable)
	require.NoError(t, err)
	assert.Equal(t, models.CounterAvailable, stored)

	f.bus.events = nil
	stored, err = f.engine.SetStatus(ctx, staffFor(1), 1, models.CounterBreak)
	require.NoError(t, err)
	assert.Equal(t, models.CounterBreak, stored)

	for _, entry := range f.store.Entries() {
		assert.Equal(t, int64(2), entry.CounterID)
		assert.Equal(t, models.StatusWaiting, entry.Status)
	}
	assert.Equal(t, map[int64]int{1: 0, 2: 3}, f.waitingCounts(t, 1))
	assert.Equal(t, models.CounterBusy, f.counterStatus(t, 2))
	assert.Equal(t, []string{
		notify.ActionPatientRedistributed,
		notify.ActionPatientRedistributed,
		notify.ActionPatientRedistributed,
	}, f.bus.actions())
}

func TestRedistributeConservesEntries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.service(1, "General")
	f.counter(t, 1, 1, models.CounterAvailable)
	f.counter(t, 2, 1, models.CounterClosed)
	f.counter(t, 3, 1, models.CounterClosed)
	for i := 1; i <= 4; i++ {
		f.join(t, phone(i), 1)
	}

	moved, err := f.engine.Redistribute(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, moved)

	_, err = f.engine.SetStatus(ctx, staffFor(2), 2, models.CounterAvailable)
	require.NoError(t, err)
	_, err = f.engine.SetStatus(ctx, staffFor(3), 3, models.CounterAvailable)
	require.NoError(t, err)

	moved, err = f.engine.Redistribute(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, moved)

	counts := f.waitingCounts(t, 1)
	assert.Equal(t, 4, counts[1]+counts[2]+counts[3])
	assert.Equal(t, map[int64]int{1: 0, 2: 2, 3: 2}, counts)
}

func TestReopenSweepsStrandedEntries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.service(1, "General")
	f.counter(t, 1, 1, models.CounterAvailable)
	f.counter(t, 2, 1, models.CounterClosed)
	f.join(t, phone(1), 1)
	f.join(t, phone(2), 1)

	_, err := f.engine.SetStatus(ctx, staffFor(1), 1, models.CounterBreak)
	require.NoError(t, err)
	assert.Equal(t, map[int64]int{1: 2, 2: 0}, f.waitingCounts(t, 1))

	_, err = f.engine.StartServing(ctx, staffFor(1), 1)
	assert.ErrorIs(t, err, ErrCounterUnavailable)

	stored, err := f.engine.SetStatus(ctx, staffFor(2), 2, models.CounterAvailable)
	require.NoError(t, err)
	assert.Equal(t, models.CounterBusy, stored)
	assert.Equal(t, map[int64]int{1: 0, 2: 2}, f.waitingCounts(t, 1))
	assert.Equal(t, models.CounterBusy, f.counterStatus(t, 2))
}

func TestSetStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.service(1, "General")
	f.counter(t, 1, 1, models.CounterAvailable)
	f.counter(t, 2, 1, models.CounterAvailable)
	f.join(t, phone(1), 1)

	_, err := f.engine.SetStatus(ctx, staffFor(1), 1, models.CounterStatus("lunch"))
	assert.ErrorIs(t, err, ErrInvalidStatus)
	_, err = f.engine.SetStatus(ctx, staffFor(2), 1, models.CounterBreak)
	assert.ErrorIs(t, err, ErrNotAssigned)
	_, err = f.engine.SetStatus(ctx, 999, 1, models.CounterBreak)
	assert.ErrorIs(t, err, ErrNotAssigned)
	_, err = f.engine.SetStatus(ctx, 999, 1, models.CounterStatus("lunch"))
	assert.ErrorIs(t, err, ErrNotAssigned, "binding is checked before the status")

	stored, err := f.engine.SetStatus(ctx, staffFor(1), 1, models.CounterAvailable)
	require.NoError(t, err)
	assert.Equal(t, models.CounterBusy, stored)

	stored, err = f.engine.SetStatus(ctx, staffFor(2), 2, models.CounterClosed)
	require.NoError(t, err)
	assert.Equal(t, models.CounterClosed, stored)
}

func TestServeNextOnEmptyCounter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.service(1, "General")
	f.counter(t, 1, 1, models.CounterBusy)

	res, err := f.engine.ServeNext(ctx, staffFor(1), 1)
	require.NoError(t, err)
	assert.True(t, res.Empty())
	assert.Nil(t, res.Done)
	assert.Equal(t, models.CounterAvailable, res.Status)
	assert.Equal(t, models.CounterAvailable, f.counterStatus(t, 1))
}

func TestServeNextCompletesAndPromotes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.service(1, "General")
	f.counter(t, 1, 1, models.CounterAvailable)
	first := f.join(t, phone(1), 1)
	second := f.join(t, phone(2), 1)
	staff := staffFor(1)

	res, err := f.engine.ServeNext(ctx, staff, 1)
	require.NoError(t, err)
	assert.Nil(t, res.Done)
	require.NotNil(t, res.Next)
	assert.Equal(t, first.Entry.QueueID, res.Next.QueueID)

	res, err = f.engine.ServeNext(ctx, staff, 1)
	require.NoError(t, err)
	require.NotNil(t, res.Done)
	assert.Equal(t, first.Entry.QueueID, res.Done.QueueID)
	assert.Equal(t, models.StatusCompleted, res.Done.Status)
	require.NotNil(t, res.Next)
	assert.Equal(t, second.Entry.QueueID, res.Next.QueueID)
	assert.Equal(t, models.CounterBusy, res.Status)

	res, err = f.engine.ServeNext(ctx, staff, 1)
	require.NoError(t, err)
	assert.True(t, res.Empty())
	assert.Equal(t, models.CounterAvailable, res.Status)

	history := f.store.History()
	require.Len(t, history, 2)
	for _, h := range history {
		assert.Equal(t, models.FinalServed, h.FinalStatus)
		assert.Nil(t, h.SkippedAt)
		assert.Equal(t, monday.Truncate(24*time.Hour), h.Date)
	}
	assert.Empty(t, f.store.Entries())

	_, err = f.engine.Join(ctx, phone(1), 1)
	assert.NoError(t, err)
}

func TestServeNextOnBreakFinishesCurrentOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.service(1, "General")
	f.counter(t, 1, 1, models.CounterAvailable)
	first := f.join(t, phone(1), 1)
	f.join(t, phone(2), 1)
	staff := staffFor(1)

	_, err := f.engine.StartServing(ctx, staff, 1)
	require.NoError(t, err)
	_, err = f.engine.SetStatus(ctx, staff, 1, models.CounterBreak)
	require.NoError(t, err)

	res, err := f.engine.ServeNext(ctx, staff, 1)
	require.NoError(t, err)
	require.NotNil(t, res.Done)
	assert.Equal(t, first.Entry.QueueID, res.Done.QueueID)
	assert.True(t, res.Empty())
	assert.Equal(t, models.CounterBreak, res.Status)
	assert.Equal(t, models.CounterBreak, f.counterStatus(t, 1))
	assert.Equal(t, 1, f.waitingCounts(t, 1)[1])
}

func TestStartServingOutcomes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.service(1, "General")
	f.counter(t, 1, 1, models.CounterAvailable)
	f.counter(t, 2, 1, models.CounterClosed)
	staff := staffFor(1)

	res, err := f.engine.StartServing(ctx, staff, 1)
	require.NoError(t, err)
	assert.True(t, res.Empty())

	f.join(t, phone(1), 1)
	res, err = f.engine.StartServing(ctx, staff, 1)
	require.NoError(t, err)
	assert.False(t, res.Empty())

	_, err = f.engine.StartServing(ctx, staff, 1)
	assert.ErrorIs(t, err, ErrAlreadyServing)
	_, err = f.engine.StartServing(ctx, staffFor(2), 2)
	assert.ErrorIs(t, err, ErrCounterUnavailable)
	_, err = f.engine.StartServing(ctx, staffFor(2), 1)
	assert.ErrorIs(t, err, ErrNotAssigned)
}

func TestSkip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.service(1, "General")
	f.counter(t, 1, 1, models.CounterAvailable)
	first := f.join(t, phone(1), 1)
	second := f.join(t, phone(2), 1)
	staff := staffFor(1)

	_, err := f.engine.Skip(ctx, staff, 1, first.Entry.QueueID)
	assert.ErrorIs(t, err, ErrNotServing)

	_, err = f.engine.StartServing(ctx, staff, 1)
	require.NoError(t, err)
	_, err = f.engine.Skip(ctx, staff, 1, second.Entry.QueueID)
	assert.ErrorIs(t, err, ErrNotServing)
	_, err = f.engine.Skip(ctx, staff, 1, "NOPE_000_0000")
	assert.ErrorIs(t, err, ErrNotServing)

	res, err := f.engine.Skip(ctx, staff, 1, first.Entry.QueueID)
	require.NoError(t, err)
	require.NotNil(t, res.Done)
	assert.Equal(t, models.StatusSkipped, res.Done.Status)
	require.NotNil(t, res.Next)
	assert.Equal(t, second.Entry.QueueID, res.Next.QueueID)

	res, err = f.engine.Skip(ctx, staff, 1, second.Entry.QueueID)
	require.NoError(t, err)
	assert.True(t, res.Empty())
	assert.Equal(t, models.CounterAvailable, f.counterStatus(t, 1))

	history := f.store.History()
	require.Len(t, history, 2)
	assert.Equal(t, models.FinalSkipped, history[1].FinalStatus)
	assert.Equal(t, *history[1].SkippedAt, history[1].CompletedAt)
}

func TestConcurrentJoinsOnSingleCounter(t *testing.T) {
	f := newFixture(t)
	f.service(1, "General")
	f.counter(t, 1, 1, models.CounterAvailable)
	f.patient(phone(1), "One")
	f.patient(phone(2), "Two")

	var wg sync.WaitGroup
	tickets := make([]Ticket, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tickets[i], errs[i] = f.engine.Join(context.Background(), phone(i+1), 1)
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, int64(1), tickets[0].Entry.CounterID)
	assert.Equal(t, int64(1), tickets[1].Entry.CounterID)
	assert.NotEqual(t, tickets[0].Entry.QueueID, tickets[1].Entry.QueueID)
	assert.ElementsMatch(t, []int{1, 2}, []int{tickets[0].Position, tickets[1].Position})
	assert.Len(t, f.store.Entries(), 2)
}

func TestConcurrentOperationsKeepInvariants(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.service(1, "General")
	for id := int64(1); id <= 3; id++ {
		f.counter(t, id, 1, models.CounterAvailable)
	}
	const patients = 30
	for i := 0; i < patients; i++ {
		f.patient(phone(i), "P")
	}

	var wg sync.WaitGroup
	for i := 0; i < patients; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, _ = f.engine.Join(ctx, phone(i), 1)
			_, _ = f.engine.Join(ctx, phone(i), 1)
		}(i)
		go func(i int) {
			defer wg.Done()
			counter := int64(i%3) + 1
			switch i % 5 {
			case 0:
				_, _ = f.engine.SetStatus(ctx, staffFor(counter), counter, models.CounterBreak)
				_, _ = f.engine.SetStatus(ctx, staffFor(counter), counter, models.CounterAvailable)
			default:
				_, _ = f.engine.ServeNext(ctx, staffFor(counter), counter)
			}
		}(i)
	}
	wg.Wait()

	serving := map[int64]int{}
	live := map[string]int{}
	for _, entry := range f.store.Entries() {
		if entry.Status == models.StatusServing {
			serving[entry.CounterID]++
		}
		live[entry.PatientPhone]++
	}
	for counter, n := range serving {
		assert.LessOrEqual(t, n, 1, "counter %d", counter)
	}
	for p, n := range live {
		assert.Equal(t, 1, n, "patient %s", p)
	}
}

type conflictStore struct {
	store.Store
	failures atomic.Int32
}

func (c *conflictStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if c.failures.Add(-1) >= 0 {
		return store.ErrConflict
	}
	return c.Store.WithTx(ctx, fn)
}

func TestRetriesOnceOnConflict(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	mem.AddService(models.Service{ServiceID: 1, Name: "General", Active: true})
	require.NoError(t, mem.AddCounter(models.Counter{CounterID: 1, ServiceID: 1, Status: models.CounterAvailable}))
	mem.AddPatient(models.Patient{Phone: phone(1), Name: "One"})
	mem.AddPatient(models.Patient{Phone: phone(2), Name: "Two"})

	cs := &conflictStore{Store: mem}
	engine := New(cs, nil, Options{Now: func() time.Time { return monday }})

	cs.failures.Store(1)
	_, err := engine.Join(ctx, phone(1), 1)
	require.NoError(t, err)

	cs.failures.Store(2)
	_, err = engine.Join(ctx, phone(2), 1)
	require.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, "conflict", Reason(err))
	assert.Len(t, mem.Entries(), 1)
}
