package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hackgods/telehealth-booking/internal/config"
	"github.com/hackgods/telehealth-booking/internal/metrics"
	"github.com/hackgods/telehealth-booking/internal/pricing"
	"github.com/hackgods/telehealth-booking/internal/room"
)

const (
	EventAppointmentHeld        = "APPOINTMENT_HELD"
	EventAppointmentConfirmed   = "APPOINTMENT_CONFIRMED"
	EventAppointmentCancelled   = "APPOINTMENT_CANCELLED"
	EventAppointmentRescheduled = "APPOINTMENT_RESCHEDULED"
	EventAppointmentExpired     = "APPOINTMENT_EXPIRED"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	confirmAttempts  = 3
)

var tracer = otel.Tracer("telehealth.internal.appointment")

// Service is the booking coordinator. It is the only writer of slots and
// appointments; each operation is one transaction against the Store.
type Service struct {
	store     Store
	pricing   *pricing.Engine
	holdTTL   time.Duration
	logger    zerolog.Logger
	metrics   *metrics.BookingMetrics
	now       func() time.Time
	provision func(startsAt, endsAt time.Time) (*room.Video, error)
}

func NewService(store Store, engine *pricing.Engine, cfg config.Config, logger zerolog.Logger, m *metrics.BookingMetrics) *Service {
	if store == nil {
		panic("appointment: store required")
	}
	if engine == nil {
		engine = pricing.NewEngine(pricing.DefaultCatalog())
	}
	ttl := cfg.HoldTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Service{
		store:     store,
		pricing:   engine,
		holdTTL:   ttl,
		logger:    logger.With().Str("component", "booking").Logger(),
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
		provision: room.Provision,
	}
}

type HoldRequest struct {
	DoctorID    *uuid.UUID
	ClinicID    *uuid.UUID
	Type        AppointmentType
	Start       time.Time
	End         time.Time
	ServiceCode string
	Patient     *PatientDraft
}

type HoldResult struct {
	AppointmentID uuid.UUID
	BookingNo     string
	DoctorID      uuid.UUID
	HoldExpiresAt time.Time
}

type ConfirmRequest struct {
	Payment Payment
	Patient *PatientDraft
}

type ConfirmResult struct {
	AppointmentID uuid.UUID
	BookingNo     string
	Status        AppointmentStatus
	Video         *room.Video
}

type RescheduleResult struct {
	ID        uuid.UUID
	BookingNo string
	Status    AppointmentStatus
	Start     time.Time
	End       time.Time
}

func (s *Service) startOp(ctx context.Context, op string) (context.Context, trace.Span, time.Time) {
	ctx, span := tracer.Start(ctx, "booking."+op)
	return ctx, span, time.Now()
}

func (s *Service) finishOp(span trace.Span, op string, started time.Time, err error) {
	outcome := outcomeOf(err)
	s.metrics.ObserveOp(op, outcome, time.Since(started).Seconds())
	if err != nil {
		span.RecordError(err)
		if outcome == "error" {
			span.SetStatus(codes.Error, err.Error())
			s.logger.Error().Err(err).Str("op", op).Msg("booking operation failed")
		}
	}
	span.End()
}

func outcomeOf(err error) string {
	var verr *ValidationError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrSlotUnavailable):
		return "slot_unavailable"
	case errors.Is(err, ErrOverlap):
		return "overlap"
	case errors.Is(err, ErrAppointmentNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyFinal):
		return "already_final"
	case errors.Is(err, ErrHoldExpired):
		return "hold_expired"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrInvalidTime):
		return "invalid_time"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrPaymentNotSettled), errors.As(err, &verr):
		return "validation"
	default:
		return "error"
	}
}

func (s *Service) validateHold(req HoldRequest, now time.Time) error {
	if !req.Type.Valid() {
		return invalid("type", "must be one of clinic, video, audio, chat, home")
	}
	if req.DoctorID == nil && req.ClinicID == nil {
		return invalid("doctorId", "doctorId or clinicId is required")
	}
	if req.Start.IsZero() || req.End.IsZero() {
		return invalid("start", "start and end are required")
	}
	if !req.End.After(req.Start) {
		return invalid("end", "must be after start")
	}
	if req.Start.Before(now) {
		return invalid("start", "must not be in the past")
	}
	if req.Patient != nil && req.Patient.Email != "" && !strings.Contains(req.Patient.Email, "@") {
		return invalid("patient.email", "is not an email address")
	}
	return nil
}

// Hold claims the slot for the window and records a held appointment that
// keeps the slot until HoldTTL elapses. Exclusivity is decided here: two
// Holds on the same slot cannot both succeed.
func (s *Service) Hold(ctx context.Context, req HoldRequest) (res *HoldResult, err error) {
	ctx, span, started := s.startOp(ctx, "hold")
	defer func() { s.finishOp(span, "hold", started, err) }()

	now := s.now()
	if err := s.validateHold(req, now); err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("booking.type", string(req.Type)),
		attribute.String("booking.start", req.Start.Format(time.RFC3339)),
	)

	q := SlotQuery{
		DoctorID: req.DoctorID,
		ClinicID: req.ClinicID,
		Type:     req.Type,
		Start:    req.Start.UTC(),
		End:      req.End.UTC(),
	}

	var (
		created *Appointment
		lapsed  int
	)
	err = s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		// a lapsed hold still sitting on this window must not block the new one
		expiredIDs, err := tx.ExpireLapsedHolds(ctx, q, now)
		if err != nil {
			return err
		}
		for _, id := range expiredIDs {
			if err := s.logEvent(ctx, tx, id, EventAppointmentExpired, map[string]any{"reason": "hold_precheck"}); err != nil {
				return err
			}
		}
		lapsed = len(expiredIDs)

		key, err := tx.ClaimSlot(ctx, q)
		if err != nil {
			return err
		}

		bookingNo, err := newBookingNo()
		if err != nil {
			return err
		}
		expiresAt := now.Add(s.holdTTL)
		appt := &Appointment{
			ID:            uuid.New(),
			BookingNo:     bookingNo,
			DoctorID:      key.DoctorID,
			ClinicID:      key.ClinicID,
			ServiceCode:   req.ServiceCode,
			Type:          req.Type,
			Start:         key.Start,
			End:           key.End,
			Status:        StatusHeld,
			HoldExpiresAt: &expiresAt,
		}

		if req.Patient.normalizedEmail() != "" {
			pid, err := tx.UpsertPatient(ctx, *req.Patient)
			if err != nil {
				return err
			}
			appt.PatientID = &pid
		}

		if err := tx.InsertAppointment(ctx, appt); err != nil {
			return err
		}

		created = appt
		return s.logEvent(ctx, tx, appt.ID, EventAppointmentHeld, map[string]any{
			"doctor_id":  key.DoctorID.String(),
			"start":      key.Start,
			"end":        key.End,
			"expires_at": expiresAt,
		})
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ObserveExpired(lapsed)
	s.logger.Info().
		Str("appointment_id", created.ID.String()).
		Str("booking_no", created.BookingNo).
		Str("doctor_id", created.DoctorID.String()).
		Time("hold_expires_at", *created.HoldExpiresAt).
		Msg("slot held")

	return &HoldResult{
		AppointmentID: created.ID,
		BookingNo:     created.BookingNo,
		DoctorID:      created.DoctorID,
		HoldExpiresAt: *created.HoldExpiresAt,
	}, nil
}

// Quote prices a service. It touches no storage.
func (s *Service) Quote(ctx context.Context, serviceCode string, addOns []string, appointmentType AppointmentType) (q pricing.Quote, err error) {
	_, span, started := s.startOp(ctx, "quote")
	defer func() { s.finishOp(span, "quote", started, err) }()

	if !appointmentType.Valid() {
		return pricing.Quote{}, invalid("type", "must be one of clinic, video, audio, chat, home")
	}
	if strings.TrimSpace(serviceCode) == "" {
		return pricing.Quote{}, invalid("serviceCode", "is required")
	}

	q, err = s.pricing.Quote(serviceCode, addOns, string(appointmentType))
	if err != nil {
		return pricing.Quote{}, &ValidationError{Field: "serviceCode", Reason: err.Error(), Err: err}
	}
	return q, nil
}

// Confirm finalizes a held appointment once payment is settled. Confirming an
// already confirmed appointment returns the stored result untouched, so the
// room id and PIN handed out earlier stay valid.
func (s *Service) Confirm(ctx context.Context, id uuid.UUID, req ConfirmRequest) (res *ConfirmResult, err error) {
	ctx, span, started := s.startOp(ctx, "confirm")
	defer func() { s.finishOp(span, "confirm", started, err) }()
	span.SetAttributes(attribute.String("booking.appointment_id", id.String()))

	if !req.Payment.Settled() {
		return nil, fmt.Errorf("%w: status %q", ErrPaymentNotSettled, req.Payment.Status)
	}
	if req.Patient != nil && req.Patient.Email != "" && !strings.Contains(req.Patient.Email, "@") {
		return nil, invalid("patient.email", "is not an email address")
	}

	// a concurrent confirm may win the version race; re-reading then takes
	// the idempotent path
	for attempt := 1; ; attempt++ {
		res, err = s.confirmOnce(ctx, id, req)
		if !errors.Is(err, ErrConflict) || attempt == confirmAttempts {
			return res, err
		}
	}
}

func (s *Service) confirmOnce(ctx context.Context, id uuid.UUID, req ConfirmRequest) (*ConfirmResult, error) {
	now := s.now()

	var (
		result  *ConfirmResult
		expired bool
		changed bool
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		appt, err := tx.GetAppointment(ctx, id)
		if err != nil {
			return err
		}

		switch {
		case appt.Status == StatusConfirmed || appt.Status == StatusRescheduled:
			result = confirmResult(appt)
			return nil
		case appt.Status.Terminal():
			return ErrAlreadyFinal
		case appt.holdLapsed(now):
			if err := s.expire(ctx, tx, appt, "confirm_after_expiry"); err != nil {
				return err
			}
			expired = true
			return nil
		}

		payment := req.Payment
		payment.Status = PaymentStatusPaid
		appt.Payment = &payment
		appt.Status = StatusConfirmed
		appt.HoldExpiresAt = nil

		if appt.Type.Virtual() && appt.Video == nil {
			video, err := s.provision(appt.Start, appt.End)
			if err != nil {
				return err
			}
			appt.Video = video
		}

		if req.Patient.normalizedEmail() != "" {
			pid, err := tx.UpsertPatient(ctx, *req.Patient)
			if err != nil {
				return err
			}
			if appt.PatientID == nil {
				appt.PatientID = &pid
			}
		}

		if err := tx.UpdateAppointment(ctx, appt); err != nil {
			return err
		}

		payload := map[string]any{
			"amount":    payment.Amount,
			"currency":  payment.Currency,
			"gateway":   payment.Gateway,
			"intent_id": payment.IntentID,
		}
		if appt.Video != nil {
			payload["room_id"] = appt.Video.RoomID
		}
		if err := s.logEvent(ctx, tx, appt.ID, EventAppointmentConfirmed, payload); err != nil {
			return err
		}

		result = confirmResult(appt)
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if expired {
		s.metrics.ObserveExpired(1)
		return nil, ErrHoldExpired
	}
	if changed {
		s.logger.Info().
			Str("appointment_id", id.String()).
			Str("booking_no", result.BookingNo).
			Bool("virtual", result.Video != nil).
			Msg("appointment confirmed")
	}
	return result, nil
}

func confirmResult(a *Appointment) *ConfirmResult {
	return &ConfirmResult{
		AppointmentID: a.ID,
		BookingNo:     a.BookingNo,
		Status:        a.Status,
		Video:         a.Video,
	}
}

// Cancel ends an active appointment and frees its slot in the same transaction.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) (err error) {
	ctx, span, started := s.startOp(ctx, "cancel")
	defer func() { s.finishOp(span, "cancel", started, err) }()
	span.SetAttributes(attribute.String("booking.appointment_id", id.String()))

	now := s.now()
	reason = strings.TrimSpace(reason)

	err = s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		appt, err := tx.GetAppointment(ctx, id)
		if err != nil {
			return err
		}
		if appt.Status.Terminal() {
			return ErrAlreadyFinal
		}

		appt.Status = StatusCancelled
		appt.HoldExpiresAt = nil
		appt.CancelledAt = &now
		appt.CancelReason = reason

		if err := tx.UpdateAppointment(ctx, appt); err != nil {
			return err
		}
		if err := tx.ReleaseSlot(ctx, appt.slotKey()); err != nil {
			return err
		}
		return s.logEvent(ctx, tx, appt.ID, EventAppointmentCancelled, map[string]any{"reason": reason})
	})
	if err != nil {
		return err
	}

	s.logger.Info().Str("appointment_id", id.String()).Str("reason", reason).Msg("appointment cancelled")
	return nil
}

// Reschedule moves a confirmed appointment to the slot starting at newStart,
// keeping its duration. Any failure leaves the original booking intact.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, newStart time.Time) (res *RescheduleResult, err error) {
	ctx, span, started := s.startOp(ctx, "reschedule")
	defer func() { s.finishOp(span, "reschedule", started, err) }()
	span.SetAttributes(attribute.String("booking.appointment_id", id.String()))

	now := s.now()
	if newStart.IsZero() {
		return nil, fmt.Errorf("%w: newStart is required", ErrInvalidTime)
	}
	newStart = newStart.UTC()
	if newStart.Before(now) {
		return nil, fmt.Errorf("%w: newStart is in the past", ErrInvalidTime)
	}

	err = s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		appt, err := tx.GetAppointment(ctx, id)
		if err != nil {
			return err
		}
		if appt.Status.Terminal() {
			return ErrAlreadyFinal
		}
		if appt.Status == StatusHeld {
			return fmt.Errorf("%w: confirm the hold before rescheduling", ErrInvalidTransition)
		}

		oldKey := appt.slotKey()
		newEnd := newStart.Add(appt.End.Sub(appt.Start))
		doctorID := appt.DoctorID
		target := SlotQuery{
			DoctorID: &doctorID,
			ClinicID: appt.ClinicID,
			Type:     appt.Type,
			Start:    newStart,
			End:      newEnd,
		}

		expiredIDs, err := tx.ExpireLapsedHolds(ctx, target, now)
		if err != nil {
			return err
		}
		for _, lapsedID := range expiredIDs {
			if err := s.logEvent(ctx, tx, lapsedID, EventAppointmentExpired, map[string]any{"reason": "reschedule_precheck"}); err != nil {
				return err
			}
		}

		overlap, err := tx.HasOverlap(ctx, appt.DoctorID, appt.ID, newStart, newEnd, now)
		if err != nil {
			return err
		}
		if overlap {
			return ErrOverlap
		}

		if err := tx.ReleaseSlot(ctx, oldKey); err != nil {
			return err
		}
		if _, err := tx.ClaimSlot(ctx, target); err != nil {
			return err
		}

		appt.Start = newStart
		appt.End = newEnd
		appt.Status = StatusRescheduled
		if appt.Video != nil {
			appt.Video.StartsAt = newStart
			appt.Video.EndsAt = newEnd
		}

		if err := tx.UpdateAppointment(ctx, appt); err != nil {
			return err
		}
		if err := s.logEvent(ctx, tx, appt.ID, EventAppointmentRescheduled, map[string]any{
			"from_start": oldKey.Start,
			"from_end":   oldKey.End,
			"to_start":   newStart,
			"to_end":     newEnd,
		}); err != nil {
			return err
		}

		res = &RescheduleResult{
			ID:        appt.ID,
			BookingNo: appt.BookingNo,
			Status:    appt.Status,
			Start:     appt.Start,
			End:       appt.End,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("appointment_id", id.String()).
		Time("start", res.Start).
		Msg("appointment rescheduled")
	return res, nil
}

// ExpireHold moves one lapsed hold to expired and frees its slot. It reports
// false when the appointment is no longer a lapsed hold.
func (s *Service) ExpireHold(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	var expired bool
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		appt, err := tx.GetAppointment(ctx, id)
		if err != nil {
			return err
		}
		if !appt.holdLapsed(now) {
			return nil
		}
		expired = true
		return s.expire(ctx, tx, appt, "reaper")
	})
	if err != nil {
		return false, err
	}
	return expired, nil
}

func (s *Service) expire(ctx context.Context, tx Tx, appt *Appointment, reason string) error {
	appt.Status = StatusExpired
	appt.HoldExpiresAt = nil
	if err := tx.UpdateAppointment(ctx, appt); err != nil {
		return err
	}
	if err := tx.ReleaseSlot(ctx, appt.slotKey()); err != nil {
		return err
	}
	return s.logEvent(ctx, tx, appt.ID, EventAppointmentExpired, map[string]any{"reason": reason})
}

// GetAppointment loads one appointment.
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.store.GetAppointment(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return appt, nil
}

// ListAppointmentsByPatient returns a patient's appointments, newest first.
func (s *Service) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit int) ([]Appointment, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	appointments, err := s.store.ListByPatient(ctx, patientID, limit)
	if err != nil {
		return nil, fmt.Errorf("list appointments by patient: %w", err)
	}
	return appointments, nil
}

func (s *Service) logEvent(ctx context.Context, tx Tx, appointmentID uuid.UUID, eventType string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn().Err(err).Str("event_type", eventType).Msg("failed to marshal event payload")
		data = nil
	}

	apptID := appointmentID

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     s.now(),
	}

	return tx.InsertEvent(ctx, ev)
}
