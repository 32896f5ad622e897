package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hackgods/telehealth-booking/internal/room"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pgxPool is satisfied by *pgxpool.Pool and by pgxmock pools in tests.
type pgxPool interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PgRepository struct {
	pool pgxPool
}

func NewPgRepository(pool pgxPool) *PgRepository {
	if pool == nil {
		panic("appointment: pgx pool required")
	}
	return &PgRepository{pool: pool}
}

const appointmentColumns = `id, booking_no, doctor_id, clinic_id, patient_id, service_code, type,
	start_at, end_at, status, hold_expires_at, payment, video, cancelled_at, cancel_reason,
	version, created_at, updated_at`

// Helpers

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var (
		serviceCode  *string
		cancelReason *string
		paymentRaw   []byte
		videoRaw     []byte
	)

	err := row.Scan(
		&a.ID,
		&a.BookingNo,
		&a.DoctorID,
		&a.ClinicID,
		&a.PatientID,
		&serviceCode,
		&a.Type,
		&a.Start,
		&a.End,
		&a.Status,
		&a.HoldExpiresAt,
		&paymentRaw,
		&videoRaw,
		&a.CancelledAt,
		&cancelReason,
		&a.Version,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	if serviceCode != nil {
		a.ServiceCode = *serviceCode
	}
	if cancelReason != nil {
		a.CancelReason = *cancelReason
	}
	if len(paymentRaw) > 0 {
		a.Payment = &Payment{}
		if err := json.Unmarshal(paymentRaw, a.Payment); err != nil {
			return nil, fmt.Errorf("decode payment: %w", err)
		}
	}
	if len(videoRaw) > 0 {
		a.Video = &room.Video{}
		if err := json.Unmarshal(videoRaw, a.Video); err != nil {
			return nil, fmt.Errorf("decode video: %w", err)
		}
	}

	a.Start = a.Start.UTC()
	a.End = a.End.UTC()
	return &a, nil
}

func scanSlotKey(row pgx.Row) (SlotKey, error) {
	var k SlotKey
	err := row.Scan(&k.DoctorID, &k.ClinicID, &k.Type, &k.Start, &k.End)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SlotKey{}, ErrSlotUnavailable
		}
		return SlotKey{}, err
	}
	k.Start = k.Start.UTC()
	k.End = k.End.UTC()
	return k, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func marshalNullable(v any, isNil bool) ([]byte, error) {
	if isNil {
		return nil, nil
	}
	return json.Marshal(v)
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Store methods

func (r *PgRepository) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (r *PgRepository) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return getAppointment(ctx, r.pool, id)
}

func (r *PgRepository) ListByPatient(ctx context.Context, patientID uuid.UUID, limit int) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		ORDER BY start_at DESC
		LIMIT $2
	`, patientID, limit)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) FindExpiredHolds(ctx context.Context, now time.Time, limit int) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'held'
		  AND hold_expires_at IS NOT NULL
		  AND hold_expires_at < $1
		ORDER BY hold_expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) FindRoom(ctx context.Context, roomID string) (*room.Record, error) {
	var (
		rec      room.Record
		videoRaw []byte
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, booking_no, status, type, video
		FROM appointments
		WHERE video ->> 'roomId' = $1
	`, roomID).Scan(&rec.AppointmentID, &rec.BookingNo, &rec.Status, &rec.Type, &videoRaw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, room.ErrRoomNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(videoRaw, &rec.Video); err != nil {
		return nil, fmt.Errorf("decode video: %w", err)
	}
	return &rec, nil
}

func (r *PgRepository) UpdateRoomStatus(ctx context.Context, roomID string, status room.Status, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET video = video || jsonb_build_object('status', $2::text, 'statusUpdatedAt', $3::timestamptz),
		    version = version + 1,
		    updated_at = now()
		WHERE video ->> 'roomId' = $1
	`, roomID, string(status), at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return room.ErrRoomNotFound
	}
	return nil
}

func getAppointment(ctx context.Context, q querier, id uuid.UUID) (*Appointment, error) {
	row := q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

// Tx methods

type pgTx struct {
	q querier
}

func (t *pgTx) ClaimSlot(ctx context.Context, q SlotQuery) (SlotKey, error) {
	// A slot row locked by an uncommitted claim is skipped, so the loser sees
	// zero rows instead of queueing behind it.
	if q.DoctorID != nil {
		row := t.q.QueryRow(ctx, `
			UPDATE slots s
			SET blocked = true,
			    updated_at = now()
			FROM (
				SELECT doctor_id, clinic_id, type, start_at
				FROM slots
				WHERE doctor_id = $1
				  AND clinic_id IS NOT DISTINCT FROM $2
				  AND type = $3
				  AND start_at = $4
				  AND end_at = $5
				  AND blocked = false
				FOR UPDATE SKIP LOCKED
			) pick
			WHERE s.doctor_id = pick.doctor_id
			  AND s.clinic_id IS NOT DISTINCT FROM pick.clinic_id
			  AND s.type = pick.type
			  AND s.start_at = pick.start_at
			RETURNING s.doctor_id, s.clinic_id, s.type, s.start_at, s.end_at
		`, *q.DoctorID, q.ClinicID, q.Type, q.Start, q.End)
		return scanSlotKey(row)
	}

	// Any doctor at the clinic.
	row := t.q.QueryRow(ctx, `
		UPDATE slots s
		SET blocked = true,
		    updated_at = now()
		FROM (
			SELECT doctor_id
			FROM slots
			WHERE clinic_id IS NOT DISTINCT FROM $1
			  AND type = $2
			  AND start_at = $3
			  AND end_at = $4
			  AND blocked = false
			ORDER BY doctor_id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		) pick
		WHERE s.doctor_id = pick.doctor_id
		  AND s.clinic_id IS NOT DISTINCT FROM $1
		  AND s.type = $2
		  AND s.start_at = $3
		  AND s.blocked = false
		RETURNING s.doctor_id, s.clinic_id, s.type, s.start_at, s.end_at
	`, q.ClinicID, q.Type, q.Start, q.End)
	return scanSlotKey(row)
}

func (t *pgTx) ReleaseSlot(ctx context.Context, key SlotKey) error {
	_, err := t.q.Exec(ctx, `
		UPDATE slots
		SET blocked = false,
		    updated_at = now()
		WHERE doctor_id = $1
		  AND clinic_id IS NOT DISTINCT FROM $2
		  AND type = $3
		  AND start_at = $4
	`, key.DoctorID, key.ClinicID, key.Type, key.Start)
	if err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	return nil
}

func (t *pgTx) ExpireLapsedHolds(ctx context.Context, q SlotQuery, now time.Time) ([]uuid.UUID, error) {
	rows, err := t.q.Query(ctx, `
		UPDATE appointments
		SET status = 'expired',
		    hold_expires_at = NULL,
		    version = version + 1,
		    updated_at = now()
		WHERE status = 'held'
		  AND hold_expires_at < $1
		  AND ($2::uuid IS NULL OR doctor_id = $2)
		  AND clinic_id IS NOT DISTINCT FROM $3
		  AND type = $4
		  AND start_at = $5
		  AND end_at = $6
		RETURNING id, doctor_id, clinic_id, type, start_at, end_at
	`, now, q.DoctorID, q.ClinicID, q.Type, q.Start, q.End)
	if err != nil {
		return nil, fmt.Errorf("expire lapsed holds: %w", err)
	}

	var (
		ids  []uuid.UUID
		keys []SlotKey
	)
	for rows.Next() {
		var (
			id uuid.UUID
			k  SlotKey
		)
		if err := rows.Scan(&id, &k.DoctorID, &k.ClinicID, &k.Type, &k.Start, &k.End); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
		keys = append(keys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, k := range keys {
		if err := t.ReleaseSlot(ctx, k); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (t *pgTx) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return getAppointment(ctx, t.q, id)
}

func (t *pgTx) InsertAppointment(ctx context.Context, a *Appointment) error {
	payment, err := marshalNullable(a.Payment, a.Payment == nil)
	if err != nil {
		return fmt.Errorf("encode payment: %w", err)
	}
	video, err := marshalNullable(a.Video, a.Video == nil)
	if err != nil {
		return fmt.Errorf("encode video: %w", err)
	}

	err = t.q.QueryRow(ctx, `
		INSERT INTO appointments (id, booking_no, doctor_id, clinic_id, patient_id, service_code, type,
			start_at, end_at, status, hold_expires_at, payment, video, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1, now(), now())
		RETURNING version, created_at, updated_at
	`, a.ID, a.BookingNo, a.DoctorID, a.ClinicID, a.PatientID, nullableString(a.ServiceCode), a.Type,
		a.Start, a.End, a.Status, a.HoldExpiresAt, payment, video,
	).Scan(&a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateAppointment(ctx context.Context, a *Appointment) error {
	payment, err := marshalNullable(a.Payment, a.Payment == nil)
	if err != nil {
		return fmt.Errorf("encode payment: %w", err)
	}
	video, err := marshalNullable(a.Video, a.Video == nil)
	if err != nil {
		return fmt.Errorf("encode video: %w", err)
	}

	tag, err := t.q.Exec(ctx, `
		UPDATE appointments
		SET patient_id = $3,
		    status = $4,
		    start_at = $5,
		    end_at = $6,
		    hold_expires_at = $7,
		    payment = $8,
		    video = $9,
		    cancelled_at = $10,
		    cancel_reason = $11,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1
		  AND version = $2
	`, a.ID, a.Version, a.PatientID, a.Status, a.Start, a.End, a.HoldExpiresAt, payment, video,
		a.CancelledAt, nullableString(a.CancelReason))
	if err != nil {
		return fmt.Errorf("update appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	a.Version++
	return nil
}

func (t *pgTx) HasOverlap(ctx context.Context, doctorID, excludeID uuid.UUID, start, end, now time.Time) (bool, error) {
	var exists bool
	err := t.q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM appointments
			WHERE doctor_id = $1
			  AND id <> $2
			  AND status IN ('held', 'confirmed', 'rescheduled')
			  AND NOT (status = 'held' AND hold_expires_at < $5)
			  AND start_at < $4
			  AND end_at > $3
		)
	`, doctorID, excludeID, start, end, now).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("overlap check: %w", err)
	}
	return exists, nil
}

func (t *pgTx) UpsertPatient(ctx context.Context, p PatientDraft) (uuid.UUID, error) {
	email := p.normalizedEmail()
	if email == "" {
		return uuid.Nil, ErrPatientEmailMissing
	}

	var id uuid.UUID
	err := t.q.QueryRow(ctx, `
		INSERT INTO patients (id, name, email, phone, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (email) DO UPDATE
		SET name = COALESCE(NULLIF(EXCLUDED.name, ''), patients.name),
		    phone = COALESCE(EXCLUDED.phone, patients.phone),
		    updated_at = now()
		RETURNING id
	`, uuid.New(), p.Name, email, nullableString(p.Phone)).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("upsert patient: %w", err)
	}
	return id, nil
}

func (t *pgTx) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}
