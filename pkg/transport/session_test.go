package transport

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay(t *testing.T) {
	s := NewSession(Config{
		Log:         zerolog.Nop(),
		BaseDelay:   time.Second,
		MaxDelay:    5 * time.Second,
		MaxAttempts: 10,
	})

	assert.Equal(t, time.Second, s.backoffDelay(1))
	assert.Equal(t, 1600*time.Millisecond, s.backoffDelay(2))
	assert.Equal(t, 2560*time.Millisecond, s.backoffDelay(3))
	// Capped from here on.
	assert.Equal(t, 5*time.Second, s.backoffDelay(5))
	assert.Equal(t, 5*time.Second, s.backoffDelay(9))
}

func TestSendWhileDisconnected(t *testing.T) {
	s := NewSession(Config{Log: zerolog.Nop()})
	// No connection established: send must fail fast, not block or queue.
	assert.False(t, s.Send("typing", map[string]any{"room_id": 1}))
}

func TestConfigDefaults(t *testing.T) {
	s := NewSession(Config{Log: zerolog.Nop()})
	assert.Equal(t, time.Second, s.cfg.BaseDelay)
	assert.Equal(t, 5*time.Second, s.cfg.MaxDelay)
	assert.Equal(t, 10, s.cfg.MaxAttempts)
}
