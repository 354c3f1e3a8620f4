package wire

import (
	"time"
)

// SignalKind classifies a distress signal.
type SignalKind string

const (
	KindGenericDistress SignalKind = "generic-distress"
	KindMedical         SignalKind = "medical"
	KindSecurity        SignalKind = "security"
	KindAccident        SignalKind = "accident"
)

// SignalStatus is an emergency signal's lifecycle state. Transitions
// are monotonic; resolved and false_alarm are terminal, a signal never
// re-activates under the same id.
type SignalStatus string

const (
	StatusActive     SignalStatus = "active"
	StatusResponding SignalStatus = "responding"
	StatusResolved   SignalStatus = "resolved"
	StatusFalseAlarm SignalStatus = "false_alarm"
)

// Terminal reports whether no further transition is legal.
func (s SignalStatus) Terminal() bool {
	return s == StatusResolved || s == StatusFalseAlarm
}

// CanTransitionTo reports whether moving from s to next is legal.
// active may go to responding, resolved or false_alarm; responding may
// go to resolved or false_alarm.
func (s SignalStatus) CanTransitionTo(next SignalStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case StatusActive:
		return next == StatusResponding || next == StatusResolved || next == StatusFalseAlarm
	case StatusResponding:
		return next == StatusResolved || next == StatusFalseAlarm
	default:
		return false
	}
}

// EmergencySignal is a distress signal. Created locally the instant a
// trigger fires (optimistic record) and reconciled with the server's
// authoritative id and status on acknowledgement.
type EmergencySignal struct {
	ID          string       `json:"id"`
	OwnerUserID string       `json:"owner_user_id"`
	Kind        SignalKind   `json:"kind"`
	Status      SignalStatus `json:"status"`
	Latitude    float64      `json:"latitude"`
	Longitude   float64      `json:"longitude"`
	Message     string       `json:"message,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	ResolvedAt  *time.Time   `json:"resolved_at,omitempty"`
	ResponderID string       `json:"responder_id,omitempty"`
}

// Advance moves the signal to next, stamping ResolvedAt when the move
// lands on a terminal state. Illegal moves leave the signal untouched.
func (s *EmergencySignal) Advance(next SignalStatus) error {
	if !s.Status.CanTransitionTo(next) {
		return NewError(CodeInvalidTransition, "signal %s cannot move from %s to %s", s.ID, s.Status, next)
	}
	s.Status = next
	if next.Terminal() {
		now := time.Now().UTC()
		s.ResolvedAt = &now
	}
	return nil
}
