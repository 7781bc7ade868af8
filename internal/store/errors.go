package store

import "errors"

var (
	ErrServiceNotFound      = errors.New("service not found")
	ErrCounterNotFound      = errors.New("counter not found")
	ErrStaffNotFound        = errors.New("staff not found")
	ErrPatientNotFound      = errors.New("patient not found")
	ErrEntryNotFound        = errors.New("queue entry not found")
	ErrSessionNotFound      = errors.New("session not found")
	ErrIDCollision          = errors.New("queue id already in use")
	ErrAlreadyQueued        = errors.New("patient already has a live queue entry")
	ErrAlreadyServing       = errors.New("counter already has a serving entry")
	ErrStaffAlreadyAssigned = errors.New("staff already assigned to another counter")
	ErrConflict             = errors.New("concurrent update conflict")
)
