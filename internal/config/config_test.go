package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8083", cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.UndoWindow)
	assert.Equal(t, 30*time.Second, cfg.PresenceTimeout)
	assert.Equal(t, 4000, cfg.MaxBodyLength)
	assert.False(t, cfg.OTelEnabled)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("UNDO_WINDOW", "8s")
	t.Setenv("TYPING_EXPIRY", "nonsense")
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("MAX_BODY_LENGTH", "-1")

	cfg := Load()

	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, 8*time.Second, cfg.UndoWindow)
	assert.Equal(t, 3*time.Second, cfg.TypingExpiry)
	assert.True(t, cfg.OTelEnabled)
	assert.Equal(t, 4000, cfg.MaxBodyLength)
}
