package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telehealth-booking/internal/appointment"
	"github.com/hackgods/telehealth-booking/internal/room"
)

type PatientPayload struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

func (p *PatientPayload) draft() *appointment.PatientDraft {
	if p == nil {
		return nil
	}
	return &appointment.PatientDraft{Name: p.Name, Email: p.Email, Phone: p.Phone}
}

type HoldRequest struct {
	DoctorID    string          `json:"doctorId"`
	ClinicID    string          `json:"clinicId"`
	Type        string          `json:"type"`
	Start       time.Time       `json:"start"`
	End         time.Time       `json:"end"`
	ServiceCode string          `json:"serviceCode,omitempty"`
	Patient     *PatientPayload `json:"patient,omitempty"`
}

type HoldResponse struct {
	AppointmentID uuid.UUID `json:"appointmentId"`
	BookingNo     string    `json:"bookingNo"`
	DoctorID      uuid.UUID `json:"doctorId"`
	HoldExpiresAt time.Time `json:"holdExpiresAt"`
}

type QuoteRequest struct {
	ServiceCode string   `json:"serviceCode"`
	AddOns      []string `json:"addOns"`
	Type        string   `json:"type"`
}

type PaymentPayload struct {
	Status   string  `json:"status"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency,omitempty"`
	Gateway  string  `json:"gateway,omitempty"`
	IntentID string  `json:"intentId,omitempty"`
}

type ConfirmRequest struct {
	Payment PaymentPayload  `json:"payment"`
	Patient *PatientPayload `json:"patient,omitempty"`
}

// VideoView carries the PIN only on the confirm response.
type VideoView struct {
	RoomID          string     `json:"roomId"`
	PIN             string     `json:"pin,omitempty"`
	Status          string     `json:"status"`
	StartsAt        time.Time  `json:"startsAt"`
	EndsAt          time.Time  `json:"endsAt"`
	StatusUpdatedAt *time.Time `json:"statusUpdatedAt,omitempty"`
}

func videoView(v *room.Video, withPIN bool) *VideoView {
	if v == nil {
		return nil
	}
	out := &VideoView{
		RoomID:          v.RoomID,
		Status:          string(v.Status),
		StartsAt:        v.StartsAt,
		EndsAt:          v.EndsAt,
		StatusUpdatedAt: v.StatusUpdatedAt,
	}
	if withPIN {
		out.PIN = v.PIN
	}
	return out
}

type ConfirmResponse struct {
	AppointmentID uuid.UUID  `json:"appointmentId"`
	BookingNo     string     `json:"bookingNo"`
	Status        string     `json:"status"`
	Video         *VideoView `json:"video,omitempty"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type RescheduleRequest struct {
	NewStart time.Time `json:"newStart"`
}

type RescheduleResponse struct {
	ID        uuid.UUID `json:"id"`
	BookingNo string    `json:"bookingNo"`
	Status    string    `json:"status"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

type AppointmentResponse struct {
	ID            uuid.UUID  `json:"id"`
	BookingNo     string     `json:"bookingNo"`
	DoctorID      uuid.UUID  `json:"doctorId"`
	ClinicID      *uuid.UUID `json:"clinicId,omitempty"`
	PatientID     *uuid.UUID `json:"patientId,omitempty"`
	ServiceCode   string     `json:"serviceCode,omitempty"`
	Type          string     `json:"type"`
	Start         time.Time  `json:"start"`
	End           time.Time  `json:"end"`
	Status        string     `json:"status"`
	HoldExpiresAt *time.Time `json:"holdExpiresAt,omitempty"`
	Video         *VideoView `json:"video,omitempty"`
	CancelledAt   *time.Time `json:"cancelledAt,omitempty"`
	CancelReason  string     `json:"cancelReason,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:            a.ID,
		BookingNo:     a.BookingNo,
		DoctorID:      a.DoctorID,
		ClinicID:      a.ClinicID,
		PatientID:     a.PatientID,
		ServiceCode:   a.ServiceCode,
		Type:          string(a.Type),
		Start:         a.Start,
		End:           a.End,
		Status:        string(a.Status),
		HoldExpiresAt: a.HoldExpiresAt,
		Video:         videoView(a.Video, false),
		CancelledAt:   a.CancelledAt,
		CancelReason:  a.CancelReason,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}

type ListAppointmentsResponse struct {
	Appointments []AppointmentResponse `json:"appointments"`
}

type RoomStatusRequest struct {
	RoomID string `json:"roomId"`
	Status string `json:"status"`
}

type RoomStatusResponse struct {
	RoomID    string `json:"roomId"`
	Status    string `json:"status"`
	UpdatedBy string `json:"updatedBy,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
