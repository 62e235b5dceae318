package main

import (
	"testing"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
)

const (
	adminID   = snowflake.ID(900)
	regularID = snowflake.ID(901)
)

func TestIsAdmin(t *testing.T) {
	GlobalConfig = &Config{AdminIDs: []snowflake.ID{adminID}}
	assert.True(t, IsAdmin(adminID))
	assert.False(t, IsAdmin(regularID))

	// Nil config must not panic and denies everyone.
	GlobalConfig = nil
	assert.False(t, IsAdmin(adminID))
}

func TestCanRequestVideo(t *testing.T) {
	GlobalConfig = &Config{AdminIDs: []snowflake.ID{adminID}}

	assert.NoError(t, CanRequestVideo(true))
	// Nothing but the entitlement opens the gate; admins included.
	assert.ErrorIs(t, CanRequestVideo(false), ErrDenied)
}

func TestCheckQueueLimit(t *testing.T) {
	GlobalConfig = &Config{QueueLimit: 10}

	tests := []struct {
		name    string
		pending int
		premium bool
		wantErr error
	}{
		{"under limit", 9, false, nil},
		{"at limit", 10, false, ErrQueueLimit},
		{"over limit", 25, false, ErrQueueLimit},
		{"premium ignores limit", 500, true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckQueueLimit(tt.pending, tt.premium)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestCheckQueueLimitDefaults(t *testing.T) {
	// An unset limit falls back to 10 rather than zero.
	GlobalConfig = &Config{}
	assert.NoError(t, CheckQueueLimit(9, false))
	assert.ErrorIs(t, CheckQueueLimit(10, false), ErrQueueLimit)
}
