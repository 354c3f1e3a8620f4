package wire

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	t.Run("should stamp an RFC3339 timestamp", func(t *testing.T) {
		msg, err := NewMessage(TypePing, nil)
		require.NoError(t, err)

		assert.Equal(t, TypePing, msg.Type)
		assert.Empty(t, msg.Data)
		_, err = time.Parse(time.RFC3339, msg.Timestamp)
		assert.NoError(t, err)
	})

	t.Run("should round-trip the data field", func(t *testing.T) {
		in := SOSPayload{Message: "help", Latitude: -13.5, Longitude: -71.9, UserName: "Ana"}
		msg, err := NewMessage(TypeSOS, in)
		require.NoError(t, err)

		raw, err := json.Marshal(msg)
		require.NoError(t, err)

		var parsed Message
		require.NoError(t, json.Unmarshal(raw, &parsed))

		var out SOSPayload
		require.NoError(t, parsed.DecodeData(&out))
		assert.Equal(t, in, out)
	})

	t.Run("should reject decoding an empty data field", func(t *testing.T) {
		msg := MustMessage(TypePing, nil)

		var out CommandPayload
		err := msg.DecodeData(&out)
		require.Error(t, err)
		assert.True(t, HasCode(err, CodeProtocol))
	})
}

func TestNewLocationPayload(t *testing.T) {
	reading := PositionReading{
		Latitude:       -13.5170,
		Longitude:      -71.9785,
		Accuracy:       4.2,
		SpeedKmh:       3.1,
		BatteryPercent: 87,
		CapturedAt:     1700000000000,
	}

	payload := NewLocationPayload(reading, "Ana")

	assert.Equal(t, reading.Latitude, payload.Latitude)
	assert.Equal(t, reading.Longitude, payload.Longitude)
	assert.Equal(t, reading.SpeedKmh, payload.Speed)
	assert.Equal(t, reading.BatteryPercent, payload.Battery)
	assert.Equal(t, reading.CapturedAt, payload.CapturedAt)
	assert.Equal(t, "Ana", payload.UserName)
}

func TestSessionConfigValidate(t *testing.T) {
	valid := SessionConfig{
		Role:              RoleTraveler,
		DisplayName:       "Ana",
		SampleInterval:    5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
	}

	t.Run("should accept a complete config", func(t *testing.T) {
		assert.NoError(t, valid.Validate())
	})

	t.Run("should reject unknown role", func(t *testing.T) {
		cfg := valid
		cfg.Role = "observer"
		err := cfg.Validate()
		require.Error(t, err)
		assert.True(t, HasCode(err, CodeConfig))
	})

	t.Run("should reject empty display name", func(t *testing.T) {
		cfg := valid
		cfg.DisplayName = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("should reject non-positive intervals", func(t *testing.T) {
		cfg := valid
		cfg.SampleInterval = 0
		assert.Error(t, cfg.Validate())

		cfg = valid
		cfg.HeartbeatInterval = -time.Second
		assert.Error(t, cfg.Validate())
	})
}
