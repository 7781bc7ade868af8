// Package queue implements admission, the counter lifecycle, redistribution
// and the serving protocol of the clinic queue on top of store.Store.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"qms/clinic-queue/internal/notify"
	"qms/clinic-queue/internal/store"
)

const (
	defaultAnnounceSkipThreshold = 3
	defaultQueueIDMaxAttempts    = 5
)

// Publisher receives events after the transaction that produced them has
// committed.
type Publisher interface {
	Publish(events ...notify.Event)
}

type Options struct {
	AnnounceSkipThreshold int
	QueueIDMaxAttempts    int
	Logger                *slog.Logger
	// Now and Suffix are replaced in tests. Suffix returns a value in
	// [0, 10000) for the random part of a queue id.
	Now    func() time.Time
	Suffix func() int
}

type Engine struct {
	store    store.Store
	bus      Publisher
	log      *slog.Logger
	tracer   trace.Tracer
	metrics  *metrics
	now      func() time.Time
	suffix   func() int
	skipAt   int
	attempts int
}

func New(st store.Store, bus Publisher, opts Options) *Engine {
	e := &Engine{
		store:    st,
		bus:      bus,
		log:      opts.Logger,
		tracer:   otel.Tracer("qms/clinic-queue/queue"),
		metrics:  newMetrics(opts.Logger),
		now:      opts.Now,
		suffix:   opts.Suffix,
		skipAt:   opts.AnnounceSkipThreshold,
		attempts: opts.QueueIDMaxAttempts,
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.suffix == nil {
		e.suffix = func() int { return rand.Intn(10000) }
	}
	if e.skipAt <= 0 {
		e.skipAt = defaultAnnounceSkipThreshold
	}
	if e.attempts <= 0 {
		e.attempts = defaultQueueIDMaxAttempts
	}
	return e
}

// run executes fn in a transaction, retrying once when the store reports a
// lock or serialization conflict. fn must reset any state it captures since it
// may be invoked twice.
func (e *Engine) run(ctx context.Context, op string, fn func(tx store.Tx) error, attrs ...attribute.KeyValue) error {
	ctx, span := e.tracer.Start(ctx, "queue."+op, trace.WithAttributes(attrs...))
	defer span.End()

	err := e.store.WithTx(ctx, fn)
	if errors.Is(err, store.ErrConflict) {
		e.log.WarnContext(ctx, "retrying after store conflict", "op", op, "error", err)
		err = e.store.WithTx(ctx, fn)
	}
	err = e.translate(ctx, op, err, attrs)
	e.metrics.operation(ctx, op, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Reason(err))
	}
	return err
}

func (e *Engine) publish(events []notify.Event) {
	if e.bus == nil || len(events) == 0 {
		return
	}
	e.bus.Publish(events...)
}

// translate converts store failures into queue errors. Failures with no
// domain meaning are logged and reported as ErrInternal.
func (e *Engine) translate(ctx context.Context, op string, err error, attrs []attribute.KeyValue) error {
	if err == nil {
		return nil
	}
	switch {
	case domainError(err):
		return err
	case errors.Is(err, store.ErrServiceNotFound),
		errors.Is(err, store.ErrCounterNotFound),
		errors.Is(err, store.ErrStaffNotFound),
		errors.Is(err, store.ErrPatientNotFound),
		errors.Is(err, store.ErrEntryNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, store.ErrAlreadyQueued):
		return ErrAlreadyQueued
	case errors.Is(err, store.ErrAlreadyServing):
		return ErrAlreadyServing
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case cancelled(err):
		e.log.WarnContext(ctx, "queue operation cancelled", "op", op, "error", err)
		return fmt.Errorf("%w: %w", ErrInternal, err)
	}
	args := []any{"op", op, "error", err}
	for _, a := range attrs {
		args = append(args, string(a.Key), a.Value.Emit())
	}
	e.log.ErrorContext(ctx, "queue operation failed", args...)
	return fmt.Errorf("%w: %s", ErrInternal, op)
}
