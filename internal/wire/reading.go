package wire

import (
	"fmt"
	"time"
)

// ConnectionState describes the transport client's single logical
// connection. Exactly one client instance owns this value; UI layers
// treat it as the source of truth.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// String returns the lowercase state name.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ParticipantRole identifies which side of an excursion a session
// belongs to. The role is part of the connection URL.
type ParticipantRole string

const (
	RoleGuide    ParticipantRole = "guide"
	RoleTraveler ParticipantRole = "traveler"
)

// SessionConfig is supplied once at session start and stays immutable
// for the session's lifetime. Changing cadence requires stopping and
// restarting the session.
type SessionConfig struct {
	Role              ParticipantRole
	DisplayName       string
	GroupID           string
	SampleInterval    time.Duration
	HeartbeatInterval time.Duration
}

// Validate rejects configs a session cannot be started with.
func (c SessionConfig) Validate() error {
	if c.Role != RoleGuide && c.Role != RoleTraveler {
		return NewError(CodeConfig, "invalid participant role: %q", c.Role)
	}
	if c.DisplayName == "" {
		return NewError(CodeConfig, "display name cannot be empty")
	}
	if c.SampleInterval <= 0 {
		return NewError(CodeConfig, "sample interval must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return NewError(CodeConfig, "heartbeat interval must be positive")
	}
	return nil
}

// PositionReading is a single sampled position. Immutable once created:
// produced by the sampler, consumed by the transport or the durability
// queue, never mutated afterwards.
type PositionReading struct {
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	Accuracy       float64 `json:"accuracy,omitempty"`
	Altitude       float64 `json:"altitude,omitempty"`
	Heading        float64 `json:"heading,omitempty"`
	SpeedKmh       float64 `json:"speed,omitempty"`
	CapturedAt     int64   `json:"captured_at"`
	BatteryPercent int     `json:"battery,omitempty"`
}

// CapturedTime returns the capture instant as a time.Time.
func (r PositionReading) CapturedTime() time.Time {
	return time.UnixMilli(r.CapturedAt)
}

// QueuedReading is a reading that failed immediate delivery, annotated
// for the durability queue's persisted store.
type QueuedReading struct {
	Reading     PositionReading `json:"reading"`
	OwnerUserID string          `json:"owner_user_id"`
	SessionID   string          `json:"session_id,omitempty"`
	QueuedAt    int64           `json:"queued_at"`
}
