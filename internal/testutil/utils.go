package testutil

import (
	"testing"

	"github.com/rs/zerolog"
)

// TestLogger returns a debug level logger writing through t.Log.
func TestLogger(t *testing.T) *zerolog.Logger {
	logger := zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel).With().Timestamp().Logger()
	return &logger
}
