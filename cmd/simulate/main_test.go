package main

import (
	"errors"
	"math/rand"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationMetricsRecord(t *testing.T) {
	var om OperationMetrics
	om.Record(10*time.Millisecond, http.StatusCreated, nil)
	om.Record(20*time.Millisecond, http.StatusConflict, nil)
	om.Record(30*time.Millisecond, http.StatusInternalServerError, nil)
	om.Record(40*time.Millisecond, 0, errors.New("dial tcp: refused"))

	assert.EqualValues(t, 4, om.Total)
	assert.EqualValues(t, 1, om.Success)
	assert.EqualValues(t, 1, om.Conflict)
	assert.EqualValues(t, 2, om.Error)

	avg, p50, p95, max := om.Stats()
	assert.Equal(t, 25*time.Millisecond, avg)
	assert.Equal(t, 30*time.Millisecond, p50)
	assert.Equal(t, 40*time.Millisecond, p95)
	assert.Equal(t, 40*time.Millisecond, max)
}

func TestDataPoolTakeHeldDrains(t *testing.T) {
	dp := &DataPool{}
	a, b := uuid.New(), uuid.New()
	dp.AddHeld(a)
	dp.AddHeld(b)

	rng := rand.New(rand.NewSource(1))
	seen := map[uuid.UUID]bool{}
	for i := 0; i < 2; i++ {
		id, ok := dp.TakeHeld(rng)
		require.True(t, ok)
		seen[id] = true
	}
	assert.True(t, seen[a])
	assert.True(t, seen[b])

	_, ok := dp.TakeHeld(rng)
	assert.False(t, ok)
}

func TestValidateConfig(t *testing.T) {
	base := SimConfig{PostgresDSN: "postgres://x", Workers: 1, Duration: time.Second, HotSlots: 1}
	assert.NoError(t, validateConfig(base))

	noDSN := base
	noDSN.PostgresDSN = ""
	assert.Error(t, validateConfig(noDSN))

	noHot := base
	noHot.HotSlots = 0
	assert.Error(t, validateConfig(noHot))
}
