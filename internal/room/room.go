// Package room owns the identity of a virtual-visit room: the roomId/PIN pair
// minted once when a virtual appointment is confirmed, the admission
// predicate the relay calls before touching any membership state, and the
// audit-only status side-channel.
package room

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusLive    Status = "live"
	StatusEnded   Status = "ended"
)

const pinDigits = 6

var (
	ErrAuth          = errors.New("invalid room/PIN")
	ErrRoomNotFound  = errors.New("room not found")
	ErrInvalidStatus = errors.New("room status must be live or ended")
)

// Video is the durable room record stored on the appointment.
type Video struct {
	RoomID          string     `json:"roomId"`
	PIN             string     `json:"pin"`
	Status          Status     `json:"status"`
	StartsAt        time.Time  `json:"startsAt"`
	EndsAt          time.Time  `json:"endsAt"`
	StatusUpdatedAt *time.Time `json:"statusUpdatedAt,omitempty"`
}

// Provision mints a new room identity for a visit window.
func Provision(startsAt, endsAt time.Time) (*Video, error) {
	id, err := newRoomID()
	if err != nil {
		return nil, err
	}
	pin, err := newPIN()
	if err != nil {
		return nil, err
	}
	return &Video{
		RoomID:   id,
		PIN:      pin,
		Status:   StatusPending,
		StartsAt: startsAt,
		EndsAt:   endsAt,
	}, nil
}

func newRoomID() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate room id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func newPIN() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate pin: %w", err)
	}
	return fmt.Sprintf("%0*d", pinDigits, n.Int64()), nil
}

// Record is what the registry needs to know about the appointment behind a room.
type Record struct {
	AppointmentID uuid.UUID
	BookingNo     string
	Status        string // appointment status
	Type          string // appointment type
	Video         Video
}

// Store looks rooms up by id and records status changes.
type Store interface {
	FindRoom(ctx context.Context, roomID string) (*Record, error)
	UpdateRoomStatus(ctx context.Context, roomID string, status Status, at time.Time) error
}

// admitted lists the appointment statuses whose room may be joined.
var admitted = map[string]struct{}{
	"confirmed":   {},
	"rescheduled": {},
}

type Registry struct {
	store Store
	now   func() time.Time
}

func NewRegistry(store Store) *Registry {
	return &Registry{store: store, now: time.Now}
}

// Authorize admits a (roomId, pin) pair or returns ErrAuth. Unknown rooms,
// PIN mismatches and rooms whose appointment is no longer active all fail
// the same way so callers cannot probe for valid room ids.
func (r *Registry) Authorize(ctx context.Context, roomID, pin string) (*Record, error) {
	if roomID == "" || pin == "" {
		return nil, ErrAuth
	}
	rec, err := r.store.FindRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			return nil, ErrAuth
		}
		return nil, fmt.Errorf("find room: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(rec.Video.PIN), []byte(pin)) != 1 {
		return nil, ErrAuth
	}
	if _, ok := admitted[rec.Status]; !ok {
		return nil, ErrAuth
	}
	return rec, nil
}

// UpdateStatus writes live/ended onto the room for audit. It has no bearing on admission.
func (r *Registry) UpdateStatus(ctx context.Context, roomID string, status Status) error {
	if status != StatusLive && status != StatusEnded {
		return ErrInvalidStatus
	}
	if roomID == "" {
		return ErrRoomNotFound
	}
	if err := r.store.UpdateRoomStatus(ctx, roomID, status, r.now().UTC()); err != nil {
		return fmt.Errorf("update room status: %w", err)
	}
	return nil
}
