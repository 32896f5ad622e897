package room

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	records map[string]*Record
	updates []Status
}

func (f *fakeStore) FindRoom(_ context.Context, roomID string) (*Record, error) {
	rec, ok := f.records[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return rec, nil
}

func (f *fakeStore) UpdateRoomStatus(_ context.Context, roomID string, status Status, at time.Time) error {
	rec, ok := f.records[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	rec.Video.Status = status
	rec.Video.StatusUpdatedAt = &at
	f.updates = append(f.updates, status)
	return nil
}

func TestProvisionShape(t *testing.T) {
	start := time.Date(2026, 11, 2, 10, 0, 0, 0, time.UTC)
	v, err := Provision(start, start.Add(30*time.Minute))
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{24}$`), v.RoomID)
	assert.Regexp(t, regexp.MustCompile(`^[0-9]{6}$`), v.PIN)
	assert.Equal(t, StatusPending, v.Status)
	assert.Equal(t, start, v.StartsAt)

	other, err := Provision(start, start.Add(30*time.Minute))
	require.NoError(t, err)
	assert.NotEqual(t, v.RoomID, other.RoomID)
}

func newRegistry() (*Registry, *fakeStore) {
	store := &fakeStore{records: map[string]*Record{
		"room-ok": {
			AppointmentID: uuid.New(),
			BookingNo:     "BK-AAAA1111",
			Status:        "confirmed",
			Type:          "video",
			Video:         Video{RoomID: "room-ok", PIN: "123456", Status: StatusPending},
		},
		"room-cancelled": {
			AppointmentID: uuid.New(),
			Status:        "cancelled",
			Type:          "video",
			Video:         Video{RoomID: "room-cancelled", PIN: "654321", Status: StatusPending},
		},
	}}
	return NewRegistry(store), store
}

func TestAuthorize(t *testing.T) {
	reg, _ := newRegistry()
	ctx := context.Background()

	rec, err := reg.Authorize(ctx, "room-ok", "123456")
	require.NoError(t, err)
	assert.Equal(t, "BK-AAAA1111", rec.BookingNo)

	tests := []struct {
		name   string
		roomID string
		pin    string
	}{
		{"wrong pin", "room-ok", "000000"},
		{"unknown room", "room-missing", "123456"},
		{"empty pin", "room-ok", ""},
		{"cancelled appointment", "room-cancelled", "654321"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Authorize(ctx, tt.roomID, tt.pin)
			assert.ErrorIs(t, err, ErrAuth)
		})
	}
}

func TestUpdateStatus(t *testing.T) {
	reg, store := newRegistry()
	fixed := time.Date(2026, 11, 2, 10, 5, 0, 0, time.UTC)
	reg.now = func() time.Time { return fixed }
	ctx := context.Background()

	require.NoError(t, reg.UpdateStatus(ctx, "room-ok", StatusLive))
	assert.Equal(t, StatusLive, store.records["room-ok"].Video.Status)
	assert.Equal(t, fixed, *store.records["room-ok"].Video.StatusUpdatedAt)

	assert.ErrorIs(t, reg.UpdateStatus(ctx, "room-ok", StatusPending), ErrInvalidStatus)
	assert.ErrorIs(t, reg.UpdateStatus(ctx, "room-missing", StatusEnded), ErrRoomNotFound)

	// status never affects admission
	require.NoError(t, reg.UpdateStatus(ctx, "room-ok", StatusEnded))
	_, err := reg.Authorize(ctx, "room-ok", "123456")
	assert.NoError(t, err)
}
