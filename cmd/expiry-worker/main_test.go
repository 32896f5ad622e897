package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hackgods/telehealth-booking/internal/config"
)

func TestCheckStore(t *testing.T) {
	assert.NoError(t, checkStore(config.Config{StoreDriver: config.StorePostgres}))
	assert.Error(t, checkStore(config.Config{StoreDriver: config.StoreMemory}))
}
