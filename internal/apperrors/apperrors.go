// Package apperrors defines the error taxonomy of spec §7: each kind
// maps to one propagation policy enforced by its caller, not by this
// package (apperrors only classifies, it never retries or logs).
package apperrors

import "errors"

// Sentinel kinds, mirroring circuitbreaker.ErrCircuitOpen's style of a
// small fixed set of comparable errors instead of an error-code enum.
var (
	// ErrTransientTransport marks a session I/O failure eligible for
	// backoff-and-retry inside RealtimeSession.
	ErrTransientTransport = errors.New("transient transport error")

	// ErrBackpressure marks a dropped send due to a full queue or
	// buffer; callers must never abort the runtime for this.
	ErrBackpressure = errors.New("backpressure: buffer full")

	// ErrStateTransitionIllegal marks an orchestrator API call that
	// does not apply to the runtime's current state.
	ErrStateTransitionIllegal = errors.New("illegal state transition")

	// ErrProviderProtocol marks a malformed event from the provider;
	// the session stays alive and the record is skipped.
	ErrProviderProtocol = errors.New("malformed provider event")

	// ErrCheckpoint marks a persistence failure in CheckpointStore.
	// Retried up to 3x by the caller before the runtime is raised to
	// error status.
	ErrCheckpoint = errors.New("checkpoint persistence failure")

	// ErrSessionClosed is returned by send_message when the session is
	// not OPEN.
	ErrSessionClosed = errors.New("session is not open")

	// ErrConnectTimeout marks a connect() that exceeded its deadline.
	ErrConnectTimeout = errors.New("session connect deadline exceeded")

	// ErrFatal marks a persistence or config failure the caller cannot
	// recover from by retrying; the runtime transitions to error status.
	ErrFatal = errors.New("fatal error")
)

// StateTransitionError carries the human-readable reason spec §7
// requires the start/pause/resume/end API to return.
type StateTransitionError struct {
	EventID string
	From    string
	Attempt string
	Reason  string
}

func (e *StateTransitionError) Error() string {
	return "cannot " + e.Attempt + " event " + e.EventID + " from state " + e.From + ": " + e.Reason
}

func (e *StateTransitionError) Unwrap() error { return ErrStateTransitionIllegal }

// NewStateTransitionError builds a StateTransitionError.
func NewStateTransitionError(eventID, from, attempt, reason string) error {
	return &StateTransitionError{EventID: eventID, From: from, Attempt: attempt, Reason: reason}
}
