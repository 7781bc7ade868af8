package queue

import (
	"context"
	"errors"
)

var (
	ErrAuthentication     = errors.New("authentication required")
	ErrNotAssigned        = errors.New("staff is not assigned to this counter")
	ErrAlreadyQueued      = errors.New("patient already has a live queue entry")
	ErrServiceUnavailable = errors.New("service is not accepting patients")
	ErrAlreadyServing     = errors.New("counter is already serving a patient")
	ErrNotServing         = errors.New("entry is not being served at this counter")
	ErrInvalidStatus      = errors.New("invalid counter status")
	ErrInvalidInput       = errors.New("invalid input")
	ErrNotFound           = errors.New("not found")
	ErrCounterUnavailable = errors.New("counter is on break or closed")
	ErrConflict           = errors.New("concurrent update conflict")
	ErrInternal           = errors.New("internal error")
)

var reasons = []struct {
	err  error
	code string
}{
	{ErrAuthentication, "unauthorized"},
	{ErrNotAssigned, "not_assigned"},
	{ErrAlreadyQueued, "already_queued"},
	{ErrServiceUnavailable, "service_unavailable"},
	{ErrAlreadyServing, "already_serving"},
	{ErrNotServing, "not_serving"},
	{ErrInvalidStatus, "invalid_status"},
	{ErrInvalidInput, "invalid_request"},
	{ErrNotFound, "not_found"},
	{ErrCounterUnavailable, "counter_unavailable"},
	{ErrConflict, "conflict"},
}

// Reason returns the stable machine-readable code for err. Anything that is
// not a known queue error reports "internal_error".
func Reason(err error) string {
	if err == nil {
		return "ok"
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.code
		}
	}
	return "internal_error"
}

func domainError(err error) bool {
	return Reason(err) != "internal_error"
}

func cancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
