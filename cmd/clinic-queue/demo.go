package main

import (
	"fmt"
	"time"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"
	"qms/clinic-queue/internal/store/memory"
)

const demoPatientToken = "demo-patient"

var demoServices = []struct {
	id       int64
	name     string
	counters []string
}{
	{1, "General", []string{"General 1", "General 2", "General 3"}},
	{2, "Pharmacy", []string{"Pharmacy 1", "Pharmacy 2"}},
}

// loadDemo seeds a memory store with two services, a staff member per
// counter and never-expiring sessions for each of them plus one patient.
func loadDemo(st *memory.Store) error {
	now := time.Now().UTC()
	var counterID int64
	for _, svc := range demoServices {
		st.AddService(models.Service{ServiceID: svc.id, Name: svc.name, Active: true})
		for _, name := range svc.counters {
			counterID++
			staffID := counterID
			st.AddStaff(models.Staff{
				StaffID:  staffID,
				Username: fmt.Sprintf("operator%d", staffID),
				Role:     models.RoleOperator,
				Active:   true,
			})
			if err := st.AddCounter(models.Counter{
				CounterID: counterID,
				Name:      name,
				Status:    models.CounterAvailable,
				ServiceID: svc.id,
				StaffID:   &staffID,
			}); err != nil {
				return fmt.Errorf("seed counter %d: %w", counterID, err)
			}
			st.AddSession(store.Session{Token: demoStaffToken(staffID), StaffID: &staffID})
		}
	}
	st.AddPatient(models.Patient{Phone: "0800000001", Name: "Demo Patient", Verified: true, CreatedAt: now, UpdatedAt: now})
	st.AddSession(store.Session{Token: demoPatientToken, PatientPhone: "0800000001"})
	return nil
}

func demoStaffToken(staffID int64) string {
	return fmt.Sprintf("demo-staff-%d", staffID)
}

func demoStaffTokens() []string {
	var tokens []string
	var id int64
	for _, svc := range demoServices {
		for range svc.counters {
			id++
			tokens = append(tokens, demoStaffToken(id))
		}
	}
	return tokens
}
