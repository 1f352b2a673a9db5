package main

import (
	"testing"
	"time"

	"famfin/support-service/internal/config"
	"famfin/support-service/internal/services"

	"github.com/stretchr/testify/assert"
)

func TestSupportOptions(t *testing.T) {
	assert.Equal(t, services.DefaultOptions(), supportOptions(config.SupportConfig{}))

	got := supportOptions(config.SupportConfig{IORetries: 7, IOBackoff: time.Second})
	assert.Equal(t, 7, got.IORetries)
	assert.Equal(t, time.Second, got.IOBackoff)
	assert.Equal(t, services.DefaultOptions().TicketRetries, got.TicketRetries)
}
