package appointment

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisclient "github.com/hackgods/telehealth-booking/internal/redis"
)

func TestReaperSweepExpiresLapsedHolds(t *testing.T) {
	f := newFixture(t)
	lapsedKey := f.addSlot(f.doctor, TypeVideo, 10, 0)
	confirmedKey := f.addSlot(f.doctor, TypeVideo, 11, 0)

	lapsed := f.hold(t, lapsedKey)
	confirmed := f.hold(t, confirmedKey)
	f.confirm(t, confirmed.AppointmentID)

	f.clock.Advance(10 * time.Minute)
	freshKey := f.addSlot(f.doctor, TypeVideo, 12, 0)
	fresh := f.hold(t, freshKey)

	f.clock.Advance(6 * time.Minute)

	reaper := NewReaper(f.svc, nil, 10, zerolog.Nop())
	n, err := reaper.Sweep(context.Background(), f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	appt, err := f.svc.GetAppointment(context.Background(), lapsed.AppointmentID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, appt.Status)
	assert.False(t, f.blocked(t, lapsedKey))

	for _, tc := range []struct {
		name   string
		status AppointmentStatus
		key    SlotKey
		result *HoldResult
	}{
		{"confirmed untouched", StatusConfirmed, confirmedKey, confirmed},
		{"fresh hold untouched", StatusHeld, freshKey, fresh},
	} {
		appt, err := f.svc.GetAppointment(context.Background(), tc.result.AppointmentID)
		require.NoError(t, err, tc.name)
		assert.Equal(t, tc.status, appt.Status, tc.name)
		assert.True(t, f.blocked(t, tc.key), tc.name)
	}

	n, err = reaper.Sweep(context.Background(), f.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, countEvents(f.store.Events(), EventAppointmentExpired, lapsed.AppointmentID))
}

func TestReaperHoldExactlyAtExpiryIsKept(t *testing.T) {
	f := newFixture(t)
	key := f.addSlot(f.doctor, TypeChat, 10, 0)
	held := f.hold(t, key)

	reaper := NewReaper(f.svc, nil, 10, zerolog.Nop())
	n, err := reaper.Sweep(context.Background(), held.HoldExpiresAt)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, f.blocked(t, key))
}

func TestReaperRunOnceRespectsLock(t *testing.T) {
	f := newFixture(t)
	key := f.addSlot(f.doctor, TypeVideo, 10, 0)
	held := f.hold(t, key)
	f.clock.Advance(20 * time.Minute)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	reaper := NewReaper(f.svc, redisclient.NewRedisLocker(client, 5*time.Second), 10, zerolog.Nop())

	require.NoError(t, mr.Set("lock:"+reaperLockName, "other-replica"))
	require.NoError(t, reaper.RunOnce(context.Background()))

	appt, err := f.svc.GetAppointment(context.Background(), held.AppointmentID)
	require.NoError(t, err)
	assert.Equal(t, StatusHeld, appt.Status, "another replica owns the sweep")

	mr.Del("lock:" + reaperLockName)
	require.NoError(t, reaper.RunOnce(context.Background()))

	appt, err = f.svc.GetAppointment(context.Background(), held.AppointmentID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, appt.Status)
	assert.False(t, mr.Exists("lock:"+reaperLockName))
}

func TestReaperKickTriggersSweep(t *testing.T) {
	f := newFixture(t)
	key := f.addSlot(f.doctor, TypeVideo, 10, 0)

	reaper := NewReaper(f.svc, nil, 10, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reaper.Run(ctx, time.Hour)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	held := f.hold(t, key)
	f.clock.Advance(time.Hour)

	// kicks never block, even when one is already pending
	reaper.Kick()
	reaper.Kick()

	assert.Eventually(t, func() bool {
		appt, err := f.svc.GetAppointment(context.Background(), held.AppointmentID)
		return err == nil && appt.Status == StatusExpired
	}, 2*time.Second, 10*time.Millisecond)
}
