package appointment

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telehealth-booking/internal/room"
)

type AppointmentStatus string

const (
	StatusHeld        AppointmentStatus = "held"
	StatusConfirmed   AppointmentStatus = "confirmed"
	StatusCancelled   AppointmentStatus = "cancelled"
	StatusRescheduled AppointmentStatus = "rescheduled"
	StatusExpired     AppointmentStatus = "expired"
)

// Active statuses own their slot.
func (s AppointmentStatus) Active() bool {
	return s == StatusHeld || s == StatusConfirmed || s == StatusRescheduled
}

// Terminal statuses have no outgoing transition.
func (s AppointmentStatus) Terminal() bool {
	return s == StatusCancelled || s == StatusExpired
}

type AppointmentType string

const (
	TypeClinic AppointmentType = "clinic"
	TypeVideo  AppointmentType = "video"
	TypeAudio  AppointmentType = "audio"
	TypeChat   AppointmentType = "chat"
	TypeHome   AppointmentType = "home"
)

func (t AppointmentType) Valid() bool {
	switch t {
	case TypeClinic, TypeVideo, TypeAudio, TypeChat, TypeHome:
		return true
	}
	return false
}

// Virtual types get a room on confirm.
func (t AppointmentType) Virtual() bool {
	return t == TypeVideo || t == TypeAudio || t == TypeChat
}

// PaymentStatusPaid is the only gateway verdict treated as settled.
const PaymentStatusPaid = "paid"

// Payment is the opaque verdict handed over by the gateway adapter.
type Payment struct {
	Status   string  `json:"status"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency,omitempty"`
	Gateway  string  `json:"gateway,omitempty"`
	IntentID string  `json:"intentId,omitempty"`
}

func (p Payment) Settled() bool {
	return strings.EqualFold(strings.TrimSpace(p.Status), PaymentStatusPaid)
}

// SlotKey identifies a slot. ClinicID is nil for slots not bound to a clinic.
type SlotKey struct {
	DoctorID uuid.UUID
	ClinicID *uuid.UUID
	Type     AppointmentType
	Start    time.Time
	End      time.Time
}

// SlotQuery describes the window a Hold wants. A nil DoctorID matches any
// doctor with a free slot at the clinic.
type SlotQuery struct {
	DoctorID *uuid.UUID
	ClinicID *uuid.UUID
	Type     AppointmentType
	Start    time.Time
	End      time.Time
}

type Slot struct {
	SlotKey
	Blocked bool
}

type PatientDraft struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

func (p *PatientDraft) normalizedEmail() string {
	if p == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(p.Email))
}

type Appointment struct {
	ID            uuid.UUID
	BookingNo     string
	DoctorID      uuid.UUID
	ClinicID      *uuid.UUID
	PatientID     *uuid.UUID
	ServiceCode   string
	Type          AppointmentType
	Start         time.Time
	End           time.Time
	Status        AppointmentStatus
	HoldExpiresAt *time.Time
	Payment       *Payment
	Video         *room.Video
	CancelledAt   *time.Time
	CancelReason  string
	Version       int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (a *Appointment) slotKey() SlotKey {
	return SlotKey{
		DoctorID: a.DoctorID,
		ClinicID: a.ClinicID,
		Type:     a.Type,
		Start:    a.Start,
		End:      a.End,
	}
}

// holdLapsed is the reaper predicate.
func (a *Appointment) holdLapsed(now time.Time) bool {
	return a.Status == StatusHeld && a.HoldExpiresAt != nil && now.After(*a.HoldExpiresAt)
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}
