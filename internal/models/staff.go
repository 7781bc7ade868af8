package models

type StaffRole string

const (
	RoleOperator   StaffRole = "operator"
	RoleSupervisor StaffRole = "supervisor"
	RoleAdmin      StaffRole = "admin"
)

type Staff struct {
	StaffID  int64     `json:"staff_id"`
	Username string    `json:"username"`
	Role     StaffRole `json:"role"`
	Active   bool      `json:"active"`
}
