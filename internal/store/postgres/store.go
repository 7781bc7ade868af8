package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const entryColumns = `
	e.queue_id, e.patient_phone, p.name, e.service_id, e.counter_id, e.status,
	e.announcement_count, e.created_at, e.skipped_at, e.completed_at`

const entryFrom = `
	FROM queue_entries e
	JOIN patients p ON p.phone = e.patient_phone`

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) (err error) {
	pgtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return mapError(err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = pgtx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = pgtx.Rollback(ctx)
		}
	}()

	if err = fn(&pgTx{tx: pgtx}); err != nil {
		return mapError(err)
	}
	if err = pgtx.Commit(ctx); err != nil {
		return mapError(err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, token string) (store.Session, error) {
	var session store.Session
	var staffID sql.NullInt64
	var phone sql.NullString
	var expiresAt sql.NullTime
	row := s.pool.QueryRow(ctx, `
		SELECT token, staff_id, patient_phone, expires_at
		FROM sessions
		WHERE token = $1
	`, token)
	if err := row.Scan(&session.Token, &staffID, &phone, &expiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Session{}, store.ErrSessionNotFound
		}
		return store.Session{}, err
	}
	session.StaffID = nullInt64Ptr(staffID)
	if phone.Valid {
		session.PatientPhone = phone.String
	}
	if expiresAt.Valid {
		session.ExpiresAt = expiresAt.Time
	}
	return session, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) advisoryLock(ctx context.Context, key string) error {
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key)
	return mapError(err)
}

func (t *pgTx) LockPatient(ctx context.Context, phone string) error {
	return t.advisoryLock(ctx, "patient:"+phone)
}

func (t *pgTx) LockService(ctx context.Context, serviceID int64) error {
	if err := t.advisoryLock(ctx, fmt.Sprintf("service:%d", serviceID)); err != nil {
		return err
	}
	var id int64
	err := t.tx.QueryRow(ctx, `SELECT service_id FROM services WHERE service_id = $1 FOR SHARE`, serviceID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrServiceNotFound
	}
	return mapError(err)
}

func (t *pgTx) LockCounter(ctx context.Context, counterID int64) error {
	if err := t.advisoryLock(ctx, fmt.Sprintf("counter:%d", counterID)); err != nil {
		return err
	}
	var id int64
	err := t.tx.QueryRow(ctx, `SELECT counter_id FROM counters WHERE counter_id = $1 FOR UPDATE`, counterID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrCounterNotFound
	}
	return mapError(err)
}

func (t *pgTx) GetService(ctx context.Context, serviceID int64) (models.Service, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT service_id, name, active, schedule
		FROM services
		WHERE service_id = $1
	`, serviceID)
	service, err := scanService(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Service{}, store.ErrServiceNotFound
	}
	return service, mapError(err)
}

func (t *pgTx) ListServices(ctx context.Context) ([]models.Service, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT service_id, name, active, schedule
		FROM services
		ORDER BY service_id
	`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var services []models.Service
	for rows.Next() {
		service, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		services = append(services, service)
	}
	return services, mapError(rows.Err())
}

func (t *pgTx) GetCounter(ctx context.Context, counterID int64) (models.Counter, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT counter_id, name, status, service_id, staff_id
		FROM counters
		WHERE counter_id = $1
	`, counterID)
	counter, err := scanCounter(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Counter{}, store.ErrCounterNotFound
	}
	return counter, mapError(err)
}

func (t *pgTx) ListCounters(ctx context.Context) ([]models.Counter, error) {
	return t.queryCounters(ctx, `
		SELECT counter_id, name, status, service_id, staff_id
		FROM counters
		ORDER BY counter_id
	`)
}

func (t *pgTx) CountersForService(ctx context.Context, serviceID int64, statuses ...models.CounterStatus) ([]models.Counter, error) {
	if len(statuses) == 0 {
		return t.queryCounters(ctx, `
			SELECT counter_id, name, status, service_id, staff_id
			FROM counters
			WHERE service_id = $1
			ORDER BY counter_id
		`, serviceID)
	}
	names := make([]string, len(statuses))
	for i, status := range statuses {
		names[i] = string(status)
	}
	return t.queryCounters(ctx, `
		SELECT counter_id, name, status, service_id, staff_id
		FROM counters
		WHERE service_id = $1 AND status = ANY($2)
		ORDER BY counter_id
	`, serviceID, names)
}

func (t *pgTx) CounterForStaff(ctx context.Context, staffID int64) (models.Counter, bool, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT counter_id, name, status, service_id, staff_id
		FROM counters
		WHERE staff_id = $1
	`, staffID)
	counter, err := scanCounter(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Counter{}, false, nil
	}
	if err != nil {
		return models.Counter{}, false, mapError(err)
	}
	return counter, true, nil
}

func (t *pgTx) UpdateCounterStatus(ctx context.Context, counterID int64, status models.CounterStatus) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE counters
		SET status = $2
		WHERE counter_id = $1
	`, counterID, string(status))
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrCounterNotFound
	}
	return nil
}

func (t *pgTx) GetStaff(ctx context.Context, staffID int64) (models.Staff, error) {
	var staff models.Staff
	row := t.tx.QueryRow(ctx, `
		SELECT staff_id, username, role, active
		FROM staff
		WHERE staff_id = $1
	`, staffID)
	if err := row.Scan(&staff.StaffID, &staff.Username, &staff.Role, &staff.Active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Staff{}, store.ErrStaffNotFound
		}
		return models.Staff{}, mapError(err)
	}
	return staff, nil
}

func (t *pgTx) GetPatient(ctx context.Context, phone string) (models.Patient, error) {
	var patient models.Patient
	row := t.tx.QueryRow(ctx, `
		SELECT phone, name, verified, created_at, updated_at
		FROM patients
		WHERE phone = $1
	`, phone)
	if err := row.Scan(&patient.Phone, &patient.Name, &patient.Verified, &patient.CreatedAt, &patient.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Patient{}, store.ErrPatientNotFound
		}
		return models.Patient{}, mapError(err)
	}
	return patient, nil
}

func (t *pgTx) UpsertPatient(ctx context.Context, patient models.Patient) (models.Patient, error) {
	row := t.tx.QueryRow(ctx, `
		INSERT INTO patients (phone, name, verified)
		VALUES ($1, $2, $3)
		ON CONFLICT (phone) DO UPDATE
		SET name = EXCLUDED.name, verified = EXCLUDED.verified, updated_at = now()
		RETURNING phone, name, verified, created_at, updated_at
	`, patient.Phone, patient.Name, patient.Verified)
	var out models.Patient
	if err := row.Scan(&out.Phone, &out.Name, &out.Verified, &out.CreatedAt, &out.UpdatedAt); err != nil {
		return models.Patient{}, mapError(err)
	}
	return out, nil
}

func (t *pgTx) GetEntry(ctx context.Context, queueID string) (models.QueueEntry, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+entryColumns+entryFrom+` WHERE e.queue_id = $1`, queueID)
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.QueueEntry{}, store.ErrEntryNotFound
	}
	return entry, mapError(err)
}

func (t *pgTx) LiveEntryForPatient(ctx context.Context, phone string) (models.QueueEntry, bool, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+entryColumns+entryFrom+`
		WHERE e.patient_phone = $1 AND e.status IN ('waiting', 'serving')
		LIMIT 1
	`, phone)
	return optionalEntry(scanEntry(row))
}

func (t *pgTx) ServingEntry(ctx context.Context, counterID int64) (models.QueueEntry, bool, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+entryColumns+entryFrom+`
		WHERE e.counter_id = $1 AND e.status = 'serving'
	`, counterID)
	return optionalEntry(scanEntry(row))
}

func (t *pgTx) WaitingEntries(ctx context.Context, counterID int64) ([]models.QueueEntry, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+entryColumns+entryFrom+`
		WHERE e.counter_id = $1 AND e.status = 'waiting'
		ORDER BY e.created_at, e.queue_id
	`, counterID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var entries []models.QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, mapError(rows.Err())
}

func (t *pgTx) WaitingCounts(ctx context.Context, serviceID int64) (map[int64]int, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT c.counter_id, COUNT(e.queue_id)
		FROM counters c
		LEFT JOIN queue_entries e ON e.counter_id = c.counter_id AND e.status = 'waiting'
		WHERE c.service_id = $1
		GROUP BY c.counter_id
	`, serviceID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	counts := make(map[int64]int)
	for rows.Next() {
		var counterID int64
		var count int
		if err := rows.Scan(&counterID, &count); err != nil {
			return nil, err
		}
		counts[counterID] = count
	}
	return counts, mapError(rows.Err())
}

// InsertEntry runs inside a savepoint so a unique violation leaves the outer
// transaction usable for a retry.
func (t *pgTx) InsertEntry(ctx context.Context, entry models.QueueEntry) error {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return mapError(err)
	}
	_, err = sp.Exec(ctx, `
		INSERT INTO queue_entries (
			queue_id, patient_phone, service_id, counter_id, status,
			announcement_count, created_at, skipped_at, completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.QueueID, entry.PatientPhone, entry.ServiceID, entry.CounterID, string(entry.Status),
		entry.AnnouncementCount, entry.CreatedAt, entry.SkippedAt, entry.CompletedAt)
	if err != nil {
		_ = sp.Rollback(ctx)
		return mapError(err)
	}
	return mapError(sp.Commit(ctx))
}

func (t *pgTx) UpdateEntry(ctx context.Context, entry models.QueueEntry) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE queue_entries
		SET counter_id = $2, status = $3, announcement_count = $4, skipped_at = $5, completed_at = $6
		WHERE queue_id = $1
	`, entry.QueueID, entry.CounterID, string(entry.Status), entry.AnnouncementCount, entry.SkippedAt, entry.CompletedAt)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrEntryNotFound
	}
	return nil
}

func (t *pgTx) DeleteEntry(ctx context.Context, queueID string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM queue_entries WHERE queue_id = $1`, queueID)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrEntryNotFound
	}
	return nil
}

func (t *pgTx) InsertHistory(ctx context.Context, record models.QueueHistory) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO queue_history (
			queue_id, patient_phone, service_id, counter_id, final_status,
			created_at, skipped_at, completed_at, date
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, record.QueueID, record.PatientPhone, record.ServiceID, record.CounterID, string(record.FinalStatus),
		record.CreatedAt, record.SkippedAt, record.CompletedAt, record.Date)
	return mapError(err)
}

func (t *pgTx) queryCounters(ctx context.Context, query string, args ...any) ([]models.Counter, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var counters []models.Counter
	for rows.Next() {
		counter, err := scanCounter(rows)
		if err != nil {
			return nil, err
		}
		counters = append(counters, counter)
	}
	return counters, mapError(rows.Err())
}

func scanService(row pgx.Row) (models.Service, error) {
	var service models.Service
	var schedule []int16
	if err := row.Scan(&service.ServiceID, &service.Name, &service.Active, &schedule); err != nil {
		return models.Service{}, err
	}
	for _, day := range schedule {
		service.Schedule = append(service.Schedule, isoWeekday(day))
	}
	return service, nil
}

func scanCounter(row pgx.Row) (models.Counter, error) {
	var counter models.Counter
	var staffID sql.NullInt64
	if err := row.Scan(&counter.CounterID, &counter.Name, &counter.Status, &counter.ServiceID, &staffID); err != nil {
		return models.Counter{}, err
	}
	counter.StaffID = nullInt64Ptr(staffID)
	return counter, nil
}

func scanEntry(row pgx.Row) (models.QueueEntry, error) {
	var entry models.QueueEntry
	var skippedAt sql.NullTime
	var completedAt sql.NullTime
	if err := row.Scan(&entry.QueueID, &entry.PatientPhone, &entry.PatientName, &entry.ServiceID, &entry.CounterID,
		&entry.Status, &entry.AnnouncementCount, &entry.CreatedAt, &skippedAt, &completedAt); err != nil {
		return models.QueueEntry{}, err
	}
	entry.SkippedAt = nullTimePtr(skippedAt)
	entry.CompletedAt = nullTimePtr(completedAt)
	return entry, nil
}

func optionalEntry(entry models.QueueEntry, err error) (models.QueueEntry, bool, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		return models.QueueEntry{}, false, nil
	}
	if err != nil {
		return models.QueueEntry{}, false, mapError(err)
	}
	return entry, true, nil
}

// mapError translates postgres failures into store sentinels. Lock and
// serialization failures become ErrConflict so callers can retry.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return fmt.Errorf("%s: %w", pgErr.Message, store.ErrConflict)
	case "23505":
		switch pgErr.ConstraintName {
		case "queue_entries_pkey":
			return store.ErrIDCollision
		case "queue_entries_one_live_idx":
			return store.ErrAlreadyQueued
		case "queue_entries_one_serving_idx":
			return store.ErrAlreadyServing
		case "counters_staff_id_key":
			return store.ErrStaffAlreadyAssigned
		}
	}
	return err
}

// isoWeekday converts 1 (Monday) .. 7 (Sunday) into time.Weekday.
func isoWeekday(day int16) time.Weekday {
	return time.Weekday(day % 7)
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}

func nullInt64Ptr(value sql.NullInt64) *int64 {
	if !value.Valid {
		return nil
	}
	return &value.Int64
}
