package appointment

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telehealth-booking/internal/room"
)

// MemoryStore is a process-local Store for development and tests. One mutex
// serialises every transaction; a failed transaction restores the snapshot
// taken when it began.
type MemoryStore struct {
	mu           sync.Mutex
	slots        map[string]*Slot
	appointments map[uuid.UUID]*Appointment
	patients     map[string]uuid.UUID
	events       []EventLog
	nextEventID  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		slots:        make(map[string]*Slot),
		appointments: make(map[uuid.UUID]*Appointment),
		patients:     make(map[string]uuid.UUID),
	}
}

func slotID(doctorID uuid.UUID, clinicID *uuid.UUID, t AppointmentType, start time.Time) string {
	clinic := "-"
	if clinicID != nil {
		clinic = clinicID.String()
	}
	return fmt.Sprintf("%s|%s|%s|%d", doctorID, clinic, t, start.UTC().UnixNano())
}

// AddSlots registers free slots. Existing slots with the same identity are left as they are.
func (s *MemoryStore) AddSlots(keys ...SlotKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		id := slotID(k.DoctorID, k.ClinicID, k.Type, k.Start)
		if _, ok := s.slots[id]; ok {
			continue
		}
		k.Start = k.Start.UTC()
		k.End = k.End.UTC()
		k.ClinicID = cloneUUID(k.ClinicID)
		s.slots[id] = &Slot{SlotKey: k}
	}
}

// SlotBlocked reports the blocked flag of a slot and whether the slot exists.
func (s *MemoryStore) SlotBlocked(key SlotKey) (blocked, found bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[slotID(key.DoctorID, key.ClinicID, key.Type, key.Start)]
	if !ok {
		return false, false
	}
	return sl.Blocked, true
}

// Events returns a copy of the audit log.
func (s *MemoryStore) Events() []EventLog {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]EventLog, len(s.events))
	copy(out, s.events)
	return out
}

type memorySnapshot struct {
	slots        map[string]Slot
	appointments map[uuid.UUID]*Appointment
	patients     map[string]uuid.UUID
	events       int
	nextEventID  int64
}

func (s *MemoryStore) snapshot() memorySnapshot {
	snap := memorySnapshot{
		slots:        make(map[string]Slot, len(s.slots)),
		appointments: make(map[uuid.UUID]*Appointment, len(s.appointments)),
		patients:     make(map[string]uuid.UUID, len(s.patients)),
		events:       len(s.events),
		nextEventID:  s.nextEventID,
	}
	for id, sl := range s.slots {
		snap.slots[id] = *sl
	}
	for id, a := range s.appointments {
		snap.appointments[id] = cloneAppointment(a)
	}
	for email, id := range s.patients {
		snap.patients[email] = id
	}
	return snap
}

func (s *MemoryStore) restore(snap memorySnapshot) {
	s.slots = make(map[string]*Slot, len(snap.slots))
	for id, sl := range snap.slots {
		sl := sl
		s.slots[id] = &sl
	}
	s.appointments = snap.appointments
	s.patients = snap.patients
	s.events = s.events[:snap.events]
	s.nextEventID = snap.nextEventID
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(ctx, &memoryTx{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func (s *MemoryStore) GetAppointment(_ context.Context, id uuid.UUID) (*Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return cloneAppointment(a), nil
}

func (s *MemoryStore) ListByPatient(_ context.Context, patientID uuid.UUID, limit int) ([]Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Appointment
	for _, a := range s.appointments {
		if a.PatientID != nil && *a.PatientID == patientID {
			out = append(out, *cloneAppointment(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.After(out[j].Start) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) FindExpiredHolds(_ context.Context, now time.Time, limit int) ([]Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Appointment
	for _, a := range s.appointments {
		if a.holdLapsed(now) {
			out = append(out, *cloneAppointment(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HoldExpiresAt.Before(*out[j].HoldExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) FindRoom(_ context.Context, roomID string) (*room.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.findByRoom(roomID)
	if a == nil {
		return nil, room.ErrRoomNotFound
	}
	return &room.Record{
		AppointmentID: a.ID,
		BookingNo:     a.BookingNo,
		Status:        string(a.Status),
		Type:          string(a.Type),
		Video:         *cloneVideo(a.Video),
	}, nil
}

func (s *MemoryStore) UpdateRoomStatus(_ context.Context, roomID string, status room.Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.findByRoom(roomID)
	if a == nil {
		return room.ErrRoomNotFound
	}
	at = at.UTC()
	a.Video.Status = status
	a.Video.StatusUpdatedAt = &at
	a.Version++
	a.UpdatedAt = at
	return nil
}

func (s *MemoryStore) findByRoom(roomID string) *Appointment {
	if roomID == "" {
		return nil
	}
	for _, a := range s.appointments {
		if a.Video != nil && a.Video.RoomID == roomID {
			return a
		}
	}
	return nil
}

type memoryTx struct {
	s *MemoryStore
}

func (t *memoryTx) ClaimSlot(_ context.Context, q SlotQuery) (SlotKey, error) {
	if q.DoctorID != nil {
		sl, ok := t.s.slots[slotID(*q.DoctorID, q.ClinicID, q.Type, q.Start)]
		if !ok || sl.Blocked || !sl.End.Equal(q.End) {
			return SlotKey{}, ErrSlotUnavailable
		}
		sl.Blocked = true
		return sl.SlotKey, nil
	}

	var free []*Slot
	for _, sl := range t.s.slots {
		if !sl.Blocked && matchesWindow(sl.SlotKey, q) {
			free = append(free, sl)
		}
	}
	if len(free) == 0 {
		return SlotKey{}, ErrSlotUnavailable
	}
	sort.Slice(free, func(i, j int) bool {
		return bytes.Compare(free[i].DoctorID[:], free[j].DoctorID[:]) < 0
	})
	free[0].Blocked = true
	return free[0].SlotKey, nil
}

func (t *memoryTx) ReleaseSlot(_ context.Context, key SlotKey) error {
	if sl, ok := t.s.slots[slotID(key.DoctorID, key.ClinicID, key.Type, key.Start)]; ok {
		sl.Blocked = false
	}
	return nil
}

func (t *memoryTx) ExpireLapsedHolds(ctx context.Context, q SlotQuery, now time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for _, a := range t.s.appointments {
		if !a.holdLapsed(now) || !matchesWindow(a.slotKey(), q) {
			continue
		}
		if q.DoctorID != nil && a.DoctorID != *q.DoctorID {
			continue
		}
		a.Status = StatusExpired
		a.HoldExpiresAt = nil
		a.Version++
		a.UpdatedAt = now
		if err := t.ReleaseSlot(ctx, a.slotKey()); err != nil {
			return nil, err
		}
		ids = append(ids, a.ID)
	}
	return ids, nil
}

func (t *memoryTx) GetAppointment(_ context.Context, id uuid.UUID) (*Appointment, error) {
	a, ok := t.s.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return cloneAppointment(a), nil
}

func (t *memoryTx) InsertAppointment(_ context.Context, a *Appointment) error {
	if _, ok := t.s.appointments[a.ID]; ok {
		return fmt.Errorf("insert appointment: duplicate id %s", a.ID)
	}
	now := time.Now().UTC()
	a.Version = 1
	a.CreatedAt = now
	a.UpdatedAt = now
	t.s.appointments[a.ID] = cloneAppointment(a)
	return nil
}

func (t *memoryTx) UpdateAppointment(_ context.Context, a *Appointment) error {
	cur, ok := t.s.appointments[a.ID]
	if !ok || cur.Version != a.Version {
		return ErrConflict
	}
	a.Version++
	a.UpdatedAt = time.Now().UTC()
	next := cloneAppointment(a)
	next.CreatedAt = cur.CreatedAt
	t.s.appointments[a.ID] = next
	return nil
}

func (t *memoryTx) HasOverlap(_ context.Context, doctorID, excludeID uuid.UUID, start, end, now time.Time) (bool, error) {
	for _, a := range t.s.appointments {
		if a.DoctorID != doctorID || a.ID == excludeID || !a.Status.Active() || a.holdLapsed(now) {
			continue
		}
		if a.Start.Before(end) && a.End.After(start) {
			return true, nil
		}
	}
	return false, nil
}

func (t *memoryTx) UpsertPatient(_ context.Context, p PatientDraft) (uuid.UUID, error) {
	email := p.normalizedEmail()
	if email == "" {
		return uuid.Nil, ErrPatientEmailMissing
	}
	if id, ok := t.s.patients[email]; ok {
		return id, nil
	}
	id := uuid.New()
	t.s.patients[email] = id
	return id, nil
}

func (t *memoryTx) InsertEvent(_ context.Context, ev EventLog) error {
	t.s.nextEventID++
	ev.ID = t.s.nextEventID
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	t.s.events = append(t.s.events, ev)
	return nil
}

func matchesWindow(k SlotKey, q SlotQuery) bool {
	if !sameClinic(k.ClinicID, q.ClinicID) {
		return false
	}
	return k.Type == q.Type && k.Start.Equal(q.Start) && k.End.Equal(q.End)
}

func sameClinic(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func cloneUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneVideo(v *room.Video) *room.Video {
	if v == nil {
		return nil
	}
	out := *v
	out.StatusUpdatedAt = cloneTime(v.StatusUpdatedAt)
	return &out
}

func cloneAppointment(a *Appointment) *Appointment {
	out := *a
	out.ClinicID = cloneUUID(a.ClinicID)
	out.PatientID = cloneUUID(a.PatientID)
	out.HoldExpiresAt = cloneTime(a.HoldExpiresAt)
	out.CancelledAt = cloneTime(a.CancelledAt)
	out.Video = cloneVideo(a.Video)
	if a.Payment != nil {
		p := *a.Payment
		out.Payment = &p
	}
	return &out
}
