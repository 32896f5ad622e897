package main

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/telehealth-booking/internal/appointment"
	"github.com/hackgods/telehealth-booking/internal/config"
	"github.com/hackgods/telehealth-booking/internal/pricing"
)

func TestSeedDemoSlotsAreHoldable(t *testing.T) {
	store := appointment.NewMemoryStore()
	keys := seedDemoSlots(store, zerolog.Nop())

	// 2 days x 16 half hours x 3 doctors
	require.Len(t, keys, 96)
	for _, k := range keys {
		blocked, found := store.SlotBlocked(k)
		require.True(t, found)
		assert.False(t, blocked)
		assert.Equal(t, 30*time.Minute, k.End.Sub(k.Start))
	}

	svc := appointment.NewService(store, pricing.NewEngine(pricing.DefaultCatalog()),
		config.Config{HoldTTL: 15 * time.Minute}, zerolog.Nop(), nil)
	doctor := keys[0].DoctorID
	res, err := svc.Hold(context.Background(), appointment.HoldRequest{
		DoctorID: &doctor,
		ClinicID: keys[0].ClinicID,
		Type:     keys[0].Type,
		Start:    keys[0].Start,
		End:      keys[0].End,
	})
	require.NoError(t, err)
	assert.Equal(t, doctor, res.DoctorID)

	blocked, _ := store.SlotBlocked(keys[0])
	assert.True(t, blocked)
}
