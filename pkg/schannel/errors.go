package schannel

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is matching. The concrete error types below
// carry the evidence that triggered the failure.
var (
	// ErrDowngradeDetected means the observed capability evidence is weaker
	// than policy requires, or two measurements of the same quantity
	// disagreed. Always fatal.
	ErrDowngradeDetected = errors.New("downgrade detected")

	// ErrCredentialVerification means a chain authenticator returned by the
	// server did not verify. Indicates tampering or desynchronization.
	ErrCredentialVerification = errors.New("credential verification failed")
)

// DowngradeError is returned when a downgrade attack is detected. The flag
// words record what was observed at the point of failure; Required holds the
// untightened policy value.
type DowngradeError struct {
	Op       string
	Reason   string
	Local    NegotiateFlags
	Required NegotiateFlags
	Remote   NegotiateFlags
}

func (e *DowngradeError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: downgrade detected: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("%s: downgrade detected: local[%v] required[%v] remote[%v]",
		e.Op, e.Local, e.Required, e.Remote)
}

func (e *DowngradeError) Is(target error) bool {
	return target == ErrDowngradeDetected
}

// VerificationError is returned when the server's credential fails to verify
// against the session chain.
type VerificationError struct {
	Op  string
	Err error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("%s: credential verification failed: %v", e.Op, e.Err)
}

func (e *VerificationError) Unwrap() error { return e.Err }

func (e *VerificationError) Is(target error) bool {
	return target == ErrCredentialVerification
}

// RejectionError carries a protocol status surfaced verbatim from the server.
type RejectionError struct {
	Op     string
	Status Status
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s: server returned %v", e.Op, e.Status)
}

// StatusError is a transport-level failure carrying the NT status of a
// faulted call. The capability cross-check branches on these.
type StatusError struct {
	Status Status
	Err    error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("call faulted with %v: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("call faulted with %v", e.Status)
}

func (e *StatusError) Unwrap() error { return e.Err }

// FaultStatus extracts the NT status from a faulted call, if present.
func FaultStatus(err error) (Status, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status, true
	}
	return 0, false
}
