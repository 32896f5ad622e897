package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/telehealth-booking/internal/appointment"
	"github.com/hackgods/telehealth-booking/internal/pricing"
	"github.com/hackgods/telehealth-booking/internal/room"
)

const maxBodyBytes = 1 << 20

// BookingService is the part of *appointment.Service the HTTP layer calls.
type BookingService interface {
	Hold(ctx context.Context, req appointment.HoldRequest) (*appointment.HoldResult, error)
	Quote(ctx context.Context, serviceCode string, addOns []string, t appointment.AppointmentType) (pricing.Quote, error)
	Confirm(ctx context.Context, id uuid.UUID, req appointment.ConfirmRequest) (*appointment.ConfirmResult, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string) error
	Reschedule(ctx context.Context, id uuid.UUID, newStart time.Time) (*appointment.RescheduleResult, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit int) ([]appointment.Appointment, error)
}

// RoomStatusUpdater records live/ended on a room.
type RoomStatusUpdater interface {
	UpdateStatus(ctx context.Context, roomID string, status room.Status) error
}

// ExpiryKicker nudges the hold reaper.
type ExpiryKicker interface {
	Kick()
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "could not parse JSON body")
		return false
	}
	return true
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "validation_error", "could not parse JSON body")
		return false
	}
	return true
}

func parseUUIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func parseOptionalUUID(raw string) (*uuid.UUID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func holdHandler(svc BookingService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req HoldRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		doctorID, err := parseOptionalUUID(req.DoctorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "doctorId must be a valid UUID")
			return
		}
		clinicID, err := parseOptionalUUID(req.ClinicID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "clinicId must be a valid UUID")
			return
		}

		res, err := svc.Hold(r.Context(), appointment.HoldRequest{
			DoctorID:    doctorID,
			ClinicID:    clinicID,
			Type:        appointment.AppointmentType(strings.ToLower(req.Type)),
			Start:       req.Start,
			End:         req.End,
			ServiceCode: req.ServiceCode,
			Patient:     req.Patient.draft(),
		})
		if err != nil {
			handleServiceError(w, r, logger, err)
			return
		}

		writeJSON(w, http.StatusCreated, HoldResponse{
			AppointmentID: res.AppointmentID,
			BookingNo:     res.BookingNo,
			DoctorID:      res.DoctorID,
			HoldExpiresAt: res.HoldExpiresAt,
		})
	}
}

func quoteHandler(svc BookingService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req QuoteRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		q, err := svc.Quote(r.Context(), req.ServiceCode, req.AddOns, appointment.AppointmentType(strings.ToLower(req.Type)))
		if err != nil {
			handleServiceError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, q)
	}
}

func confirmHandler(svc BookingService, kicker ExpiryKicker, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUIDParam(w, r, "id")
		if !ok {
			return
		}
		var req ConfirmRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		res, err := svc.Confirm(r.Context(), id, appointment.ConfirmRequest{
			Payment: appointment.Payment{
				Status:   req.Payment.Status,
				Amount:   req.Payment.Amount,
				Currency: req.Payment.Currency,
				Gateway:  req.Payment.Gateway,
				IntentID: req.Payment.IntentID,
			},
			Patient: req.Patient.draft(),
		})
		if err != nil {
			// other holds probably lapsed too
			if errors.Is(err, appointment.ErrHoldExpired) && kicker != nil {
				kicker.Kick()
			}
			handleServiceError(w, r, logger, err)
			return
		}

		writeJSON(w, http.StatusOK, ConfirmResponse{
			AppointmentID: res.AppointmentID,
			BookingNo:     res.BookingNo,
			Status:        string(res.Status),
			Video:         videoView(res.Video, true),
		})
	}
}

func cancelHandler(svc BookingService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUIDParam(w, r, "id")
		if !ok {
			return
		}
		var req CancelRequest
		if !decodeOptionalJSON(w, r, &req) {
			return
		}

		if err := svc.Cancel(r.Context(), id, req.Reason); err != nil {
			handleServiceError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": appointment.StatusCancelled})
	}
}

func rescheduleHandler(svc BookingService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUIDParam(w, r, "id")
		if !ok {
			return
		}
		var req RescheduleRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		res, err := svc.Reschedule(r.Context(), id, req.NewStart)
		if err != nil {
			handleServiceError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, RescheduleResponse{
			ID:        res.ID,
			BookingNo: res.BookingNo,
			Status:    string(res.Status),
			Start:     res.Start,
			End:       res.End,
		})
	}
}

func getAppointmentHandler(svc BookingService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUIDParam(w, r, "id")
		if !ok {
			return
		}

		appt, err := svc.GetAppointment(r.Context(), id)
		if err != nil {
			handleServiceError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func listPatientAppointmentsHandler(svc BookingService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientID, ok := parseUUIDParam(w, r, "id")
		if !ok {
			return
		}

		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "validation_error", "limit must be a positive integer")
				return
			}
			limit = n
		}

		appts, err := svc.ListAppointmentsByPatient(r.Context(), patientID, limit)
		if err != nil {
			handleServiceError(w, r, logger, err)
			return
		}

		resp := ListAppointmentsResponse{Appointments: make([]AppointmentResponse, 0, len(appts))}
		for i := range appts {
			resp.Appointments = append(resp.Appointments, toAppointmentResponse(&appts[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func roomStatusHandler(rooms RoomStatusUpdater, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RoomStatusRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		status := room.Status(strings.ToLower(strings.TrimSpace(req.Status)))
		if err := rooms.UpdateStatus(r.Context(), strings.TrimSpace(req.RoomID), status); err != nil {
			handleServiceError(w, r, logger, err)
			return
		}

		resp := RoomStatusResponse{RoomID: req.RoomID, Status: string(status)}
		if claims, ok := AdminClaims(r.Context()); ok {
			resp.UpdatedBy = claims.Subject
		}
		logger.Info().
			Str("request_id", GetRequestID(r.Context())).
			Str("room_id", resp.RoomID).
			Str("status", resp.Status).
			Str("updated_by", resp.UpdatedBy).
			Msg("room status updated")
		writeJSON(w, http.StatusOK, resp)
	}
}

// handleServiceError maps domain errors onto the JSON error envelope.
func handleServiceError(w http.ResponseWriter, r *http.Request, logger zerolog.Logger, err error) {
	var verr *appointment.ValidationError
	switch {
	case errors.Is(err, appointment.ErrSlotUnavailable):
		writeError(w, http.StatusConflict, "slot_unavailable", err.Error())
	case errors.Is(err, appointment.ErrOverlap):
		writeError(w, http.StatusConflict, "overlap", err.Error())
	case errors.Is(err, appointment.ErrAppointmentNotFound), errors.Is(err, room.ErrRoomNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, appointment.ErrAlreadyFinal):
		writeError(w, http.StatusConflict, "already_final", err.Error())
	case errors.Is(err, appointment.ErrHoldExpired):
		writeError(w, http.StatusConflict, "hold_expired", err.Error())
	case errors.Is(err, appointment.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, appointment.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, appointment.ErrInvalidTime):
		writeError(w, http.StatusUnprocessableEntity, "invalid_time", err.Error())
	case errors.As(err, &verr),
		errors.Is(err, appointment.ErrPaymentNotSettled),
		errors.Is(err, appointment.ErrPatientEmailMissing),
		errors.Is(err, room.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, room.ErrAuth):
		writeError(w, http.StatusUnauthorized, "auth_error", err.Error())
	default:
		logger.Error().Err(err).
			Str("request_id", GetRequestID(r.Context())).
			Str("path", r.URL.Path).
			Msg("unhandled service error")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
