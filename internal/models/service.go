package models

import "time"

type Service struct {
	ServiceID int64          `json:"service_id"`
	Name      string         `json:"name"`
	Active    bool           `json:"active"`
	Schedule  []time.Weekday `json:"schedule,omitempty"`
}

// OpenOn reports whether the service takes patients on the given day. An
// empty schedule means every day.
func (s Service) OpenOn(day time.Weekday) bool {
	if len(s.Schedule) == 0 {
		return true
	}
	for _, d := range s.Schedule {
		if d == day {
			return true
		}
	}
	return false
}
