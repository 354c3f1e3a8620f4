package wire

import "github.com/samber/oops"

// Error codes for the tracking core, one per failure class.
const (
	// CodeConnectivity covers timeouts and unexpected closes. Retried
	// internally by the transport; surfaced only when reconnect attempts
	// are exhausted.
	CodeConnectivity = "CONNECTIVITY"
	// CodePermission covers denied location/motion access. Fatal to
	// starting a session, never retried.
	CodePermission = "PERMISSION_DENIED"
	// CodeCapability covers unavailable platform facilities such as the
	// queue's persisted store. Logged, the affected item is dropped.
	CodeCapability = "CAPABILITY"
	// CodeProtocol covers malformed payloads in either direction.
	CodeProtocol = "PROTOCOL"
	// CodeInvalidTransition covers illegal emergency signal moves.
	CodeInvalidTransition = "INVALID_TRANSITION"
	// CodeConfig covers rejected session or client configuration.
	CodeConfig = "INVALID_CONFIG"
)

// NewError creates a tracking error with the given code.
func NewError(code string, format string, args ...interface{}) error {
	return oops.
		Code(code).
		In("tracking").
		Errorf(format, args...)
}

// WrapError wraps an existing error with a tracking code.
func WrapError(err error, code string, message string) error {
	return oops.
		Code(code).
		In("tracking").
		Wrapf(err, message)
}

// HasCode reports whether err carries the given tracking code.
func HasCode(err error, code string) bool {
	if err == nil {
		return false
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return false
	}
	return oopsErr.Code() == code
}
