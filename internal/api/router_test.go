package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/telehealth-booking/internal/appointment"
	"github.com/hackgods/telehealth-booking/internal/config"
	"github.com/hackgods/telehealth-booking/internal/metrics"
	"github.com/hackgods/telehealth-booking/internal/pricing"
	"github.com/hackgods/telehealth-booking/internal/relay"
	"github.com/hackgods/telehealth-booking/internal/room"
)

const testAdminSecret = "test-admin-secret"

type testEnv struct {
	handler http.Handler
	store   *appointment.MemoryStore
	doctor  uuid.UUID
	clinic  uuid.UUID
	start   time.Time
}

type kickCounter struct{ kicks int }

func (k *kickCounter) Kick() { k.kicks++ }

func newTestEnv(t *testing.T, checks ...DependencyCheck) *testEnv {
	t.Helper()

	cfg := config.Config{HoldTTL: 15 * time.Minute, RelayAuthTimeout: time.Second, RelaySendBuffer: 16}
	reg := prometheus.NewRegistry()
	store := appointment.NewMemoryStore()
	svc := appointment.NewService(store, pricing.NewEngine(pricing.DefaultCatalog()), cfg, zerolog.Nop(), metrics.NewBookingMetrics(reg))
	registry := room.NewRegistry(store)
	hub := relay.NewHub(zerolog.Nop(), metrics.NewRelayMetrics(reg))

	env := &testEnv{
		store:  store,
		doctor: uuid.New(),
		clinic: uuid.New(),
		start:  time.Now().UTC().Add(48 * time.Hour).Truncate(time.Hour),
	}
	env.handler = NewRouter(RouterConfig{
		Service:        svc,
		Rooms:          registry,
		Relay:          relay.NewHandler(hub, registry, cfg, zerolog.Nop(), nil),
		Reaper:         &kickCounter{},
		Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Checks:         checks,
		AdminJWTSecret: testAdminSecret,
		Logger:         zerolog.Nop(),
		Env:            "test",
		Version:        "v-test",
	})
	return env
}

func (e *testEnv) addSlot(t appointment.AppointmentType, offset time.Duration) time.Time {
	start := e.start.Add(offset)
	clinic := e.clinic
	e.store.AddSlots(appointment.SlotKey{DoctorID: e.doctor, ClinicID: &clinic, Type: t, Start: start, End: start.Add(30 * time.Minute)})
	return start
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) hold(t *testing.T, typ appointment.AppointmentType, start time.Time) HoldResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/appointments/hold", HoldRequest{
		DoctorID: e.doctor.String(),
		ClinicID: e.clinic.String(),
		Type:     string(typ),
		Start:    start,
		End:      start.Add(30 * time.Minute),
		Patient:  &PatientPayload{Name: "Grace Hopper", Email: "grace@example.com"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp HoldResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func (e *testEnv) confirm(t *testing.T, id uuid.UUID) ConfirmResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/appointments/"+id.String()+"/confirm", ConfirmRequest{
		Payment: PaymentPayload{Status: "paid", Amount: 237.6, Currency: "USD", Gateway: "stripe", IntentID: "pi_123"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp ConfirmResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func adminToken(t *testing.T, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestHoldConfirmGetCancelFlow(t *testing.T) {
	env := newTestEnv(t)
	start := env.addSlot(appointment.TypeVideo, 0)

	held := env.hold(t, appointment.TypeVideo, start)
	assert.True(t, strings.HasPrefix(held.BookingNo, "BK-"))
	assert.Equal(t, env.doctor, held.DoctorID)

	rec := env.do(t, http.MethodPost, "/appointments/hold", HoldRequest{
		DoctorID: env.doctor.String(), ClinicID: env.clinic.String(), Type: "video",
		Start: start, End: start.Add(30 * time.Minute),
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "slot_unavailable", decodeError(t, rec).Error)

	confirmed := env.confirm(t, held.AppointmentID)
	assert.Equal(t, "confirmed", confirmed.Status)
	require.NotNil(t, confirmed.Video)
	assert.Len(t, confirmed.Video.PIN, 6)

	again := env.confirm(t, held.AppointmentID)
	assert.Equal(t, confirmed.Video.RoomID, again.Video.RoomID)
	assert.Equal(t, confirmed.Video.PIN, again.Video.PIN)

	rec = env.do(t, http.MethodGet, "/appointments/"+held.AppointmentID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got AppointmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "confirmed", got.Status)
	require.NotNil(t, got.Video)
	assert.Empty(t, got.Video.PIN)
	require.NotNil(t, got.PatientID)

	rec = env.do(t, http.MethodGet, "/patients/"+got.PatientID.String()+"/appointments?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list ListAppointmentsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Appointments, 1)

	rec = env.do(t, http.MethodPost, "/appointments/"+held.AppointmentID.String()+"/cancel", CancelRequest{Reason: "sick"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/appointments/"+held.AppointmentID.String()+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_final", decodeError(t, rec).Error)

	env.hold(t, appointment.TypeVideo, start)
}

func TestErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	first := env.addSlot(appointment.TypeClinic, 0)
	second := env.addSlot(appointment.TypeClinic, 30*time.Minute)

	a := env.hold(t, appointment.TypeClinic, first)
	env.confirm(t, a.AppointmentID)
	b := env.hold(t, appointment.TypeClinic, second)
	env.confirm(t, b.AppointmentID)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"bad json", http.MethodPost, "/appointments/hold", "not an object", http.StatusBadRequest, "validation_error"},
		{"bad type", http.MethodPost, "/appointments/hold", HoldRequest{DoctorID: env.doctor.String(), Type: "fax", Start: first, End: first.Add(time.Hour)}, http.StatusBadRequest, "validation_error"},
		{"bad doctor id", http.MethodPost, "/appointments/hold", HoldRequest{DoctorID: "nope", Type: "clinic"}, http.StatusBadRequest, "validation_error"},
		{"unknown appointment", http.MethodGet, "/appointments/" + uuid.NewString(), nil, http.StatusNotFound, "not_found"},
		{"bad appointment id", http.MethodGet, "/appointments/123", nil, http.StatusBadRequest, "validation_error"},
		{"unpaid confirm", http.MethodPost, "/appointments/" + uuid.NewString() + "/confirm", ConfirmRequest{Payment: PaymentPayload{Status: "pending"}}, http.StatusBadRequest, "validation_error"},
		{"reschedule into past", http.MethodPost, "/appointments/" + a.AppointmentID.String() + "/reschedule", RescheduleRequest{NewStart: time.Now().Add(-time.Hour)}, http.StatusUnprocessableEntity, "invalid_time"},
		{"reschedule missing time", http.MethodPost, "/appointments/" + a.AppointmentID.String() + "/reschedule", map[string]any{}, http.StatusUnprocessableEntity, "invalid_time"},
		{"reschedule overlap", http.MethodPost, "/appointments/" + a.AppointmentID.String() + "/reschedule", RescheduleRequest{NewStart: second.Add(-10 * time.Minute)}, http.StatusConflict, "overlap"},
		{"reschedule no slot", http.MethodPost, "/appointments/" + a.AppointmentID.String() + "/reschedule", RescheduleRequest{NewStart: first.Add(5 * time.Hour)}, http.StatusConflict, "slot_unavailable"},
		{"unknown service quote", http.MethodPost, "/quotes", QuoteRequest{ServiceCode: "NOPE", Type: "clinic"}, http.StatusBadRequest, "validation_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decodeError(t, rec).Error)
		})
	}
}

func TestRescheduleEndpoint(t *testing.T) {
	env := newTestEnv(t)
	from := env.addSlot(appointment.TypeAudio, 0)
	to := env.addSlot(appointment.TypeAudio, 3*time.Hour)

	held := env.hold(t, appointment.TypeAudio, from)

	rec := env.do(t, http.MethodPost, "/appointments/"+held.AppointmentID.String()+"/reschedule", RescheduleRequest{NewStart: to})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", decodeError(t, rec).Error)

	env.confirm(t, held.AppointmentID)

	rec = env.do(t, http.MethodPost, "/appointments/"+held.AppointmentID.String()+"/reschedule", RescheduleRequest{NewStart: to})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp RescheduleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "rescheduled", resp.Status)
	assert.True(t, to.Equal(resp.Start))
	assert.True(t, to.Add(30*time.Minute).Equal(resp.End))
}

func TestQuoteEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/quotes", QuoteRequest{ServiceCode: "GP-CONSULT", Type: "clinic"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var q pricing.Quote
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &q))
	assert.InDelta(t, 237.60, q.Total, 0.001)
	assert.NotEmpty(t, q.Items)
}

func TestRoomStatusRequiresAdminToken(t *testing.T) {
	env := newTestEnv(t)
	start := env.addSlot(appointment.TypeVideo, 0)
	held := env.hold(t, appointment.TypeVideo, start)
	confirmed := env.confirm(t, held.AppointmentID)

	body := RoomStatusRequest{RoomID: confirmed.Video.RoomID, Status: "live"}

	rec := env.do(t, http.MethodPost, "/rooms/status", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/rooms/status", body, "Authorization", "Bearer "+adminToken(t, "wrong-secret"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	auth := "Bearer " + adminToken(t, testAdminSecret)
	rec = env.do(t, http.MethodPost, "/rooms/status", body, "Authorization", auth)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated RoomStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, "live", updated.Status)
	assert.Equal(t, "ops", updated.UpdatedBy)

	rec = env.do(t, http.MethodGet, "/appointments/"+held.AppointmentID.String(), nil)
	var got AppointmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "live", got.Video.Status)
	assert.NotNil(t, got.Video.StatusUpdatedAt)

	rec = env.do(t, http.MethodPost, "/rooms/status", RoomStatusRequest{RoomID: "missing", Status: "ended"}, "Authorization", auth)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/rooms/status", RoomStatusRequest{RoomID: confirmed.Video.RoomID, Status: "pending"}, "Authorization", auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRelayJoinAfterConfirm(t *testing.T) {
	env := newTestEnv(t)
	start := env.addSlot(appointment.TypeVideo, 0)
	held := env.hold(t, appointment.TypeVideo, start)
	confirmed := env.confirm(t, held.AppointmentID)

	srv := httptest.NewServer(env.handler)
	t.Cleanup(srv.Close)

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/rooms/ws", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })

	authData, err := json.Marshal(relay.AuthData{RoomID: confirmed.Video.RoomID, PIN: confirmed.Video.PIN})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(relay.Envelope{Type: relay.TypeAuth, Data: authData}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env1 relay.Envelope
	require.NoError(t, conn.ReadJSON(&env1))
	assert.Equal(t, relay.TypeRoomJoined, env1.Type)
}

func TestRelayRejectsCancelledAppointmentRoom(t *testing.T) {
	env := newTestEnv(t)
	start := env.addSlot(appointment.TypeChat, 0)
	held := env.hold(t, appointment.TypeChat, start)
	confirmed := env.confirm(t, held.AppointmentID)
	rec := env.do(t, http.MethodPost, "/appointments/"+held.AppointmentID.String()+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	srv := httptest.NewServer(env.handler)
	t.Cleanup(srv.Close)

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/rooms/ws", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })

	authData, err := json.Marshal(relay.AuthData{RoomID: confirmed.Video.RoomID, PIN: confirmed.Video.PIN})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(relay.Envelope{Type: relay.TypeAuth, Data: authData}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, relay.CloseAuthFailed), "got %v", err)
}

func TestHealthEndpoints(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("down") }

	tests := []struct {
		name   string
		checks []DependencyCheck
		status int
		want   string
	}{
		{"all up", []DependencyCheck{{Name: "postgres", Critical: true, Ping: ok}, {Name: "redis", Ping: ok}}, http.StatusOK, "ok"},
		{"redis down", []DependencyCheck{{Name: "postgres", Critical: true, Ping: ok}, {Name: "redis", Ping: down}}, http.StatusOK, "degraded"},
		{"postgres down", []DependencyCheck{{Name: "postgres", Critical: true, Ping: down}, {Name: "redis", Ping: ok}}, http.StatusServiceUnavailable, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.checks...)
			rec := env.do(t, http.MethodGet, "/health/ready", nil)
			assert.Equal(t, tt.status, rec.Code)

			var resp ReadinessResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.want, resp.Status)
			assert.Len(t, resp.Dependencies, 2)
		})
	}

	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestMetricsEndpointExposesBookingCounters(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/quotes", QuoteRequest{ServiceCode: "GP-CONSULT", Type: "clinic"})

	rec := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "telehealth_booking_operations_total")
}

func TestRequestIDIsEchoed(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health/live", nil, "X-Request-ID", "req-42")
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}
