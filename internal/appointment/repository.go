package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telehealth-booking/internal/room"
)

// Store is the slot + appointment ledger. Every mutation goes through InTx so
// a failed operation leaves nothing behind.
type Store interface {
	room.Store

	// InTx runs fn in one transaction. A non-nil error from fn rolls back.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit int) ([]Appointment, error)

	// FindExpiredHolds returns held appointments whose hold lapsed before now.
	FindExpiredHolds(ctx context.Context, now time.Time, limit int) ([]Appointment, error)
}

// Tx holds the transactional operations the coordinator composes.
type Tx interface {
	// ClaimSlot flips a matching slot from free to blocked. Zero matching free
	// slots yields ErrSlotUnavailable. It never waits on another claimer.
	ClaimSlot(ctx context.Context, q SlotQuery) (SlotKey, error)
	// ReleaseSlot flips the slot back to free.
	ReleaseSlot(ctx context.Context, key SlotKey) error

	// ExpireLapsedHolds expires held appointments on the queried window whose
	// hold lapsed before now and frees their slots. It returns the expired ids.
	ExpireLapsedHolds(ctx context.Context, q SlotQuery, now time.Time) ([]uuid.UUID, error)

	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	InsertAppointment(ctx context.Context, a *Appointment) error
	// UpdateAppointment writes a when the stored version still equals
	// a.Version, then bumps a.Version. A stale version yields ErrConflict.
	UpdateAppointment(ctx context.Context, a *Appointment) error

	// HasOverlap reports whether another active appointment of the doctor
	// intersects [start, end). Holds that lapsed before now do not count.
	HasOverlap(ctx context.Context, doctorID, excludeID uuid.UUID, start, end, now time.Time) (bool, error)

	UpsertPatient(ctx context.Context, p PatientDraft) (uuid.UUID, error)
	InsertEvent(ctx context.Context, ev EventLog) error
}
