package models

type CounterStatus string

const (
	CounterAvailable CounterStatus = "available"
	CounterBusy      CounterStatus = "busy"
	CounterBreak     CounterStatus = "break"
	CounterClosed    CounterStatus = "closed"
)

type Counter struct {
	CounterID int64         `json:"counter_id"`
	Name      string        `json:"name"`
	Status    CounterStatus `json:"status"`
	ServiceID int64         `json:"service_id"`
	StaffID   *int64        `json:"staff_id,omitempty"`
}

func (s CounterStatus) Valid() bool {
	switch s {
	case CounterAvailable, CounterBusy, CounterBreak, CounterClosed:
		return true
	default:
		return false
	}
}

// Serviceable reports whether a counter in this status may receive and serve
// patients.
func (s CounterStatus) Serviceable() bool {
	return s == CounterAvailable || s == CounterBusy
}

func (c Counter) AssignedTo(staffID int64) bool {
	return c.StaffID != nil && *c.StaffID == staffID
}
