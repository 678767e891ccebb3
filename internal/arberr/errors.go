// Package arberr declares the error taxonomy of spec §7, following the
// teacher's pkg/network/*/errors.go convention of one sentinel set per
// concern, checked with errors.Is/errors.As rather than string matching.
package arberr

import "errors"

var (
	// ErrUnreachable marks a transient network failure talking to a
	// StreamSource, ClientAdapter, or LinkProbe. Callers retain prior state.
	ErrUnreachable = errors.New("bondarb: target unreachable")

	// ErrAuthExpired marks a session/cookie/token expiry that a single
	// re-authenticate-and-retry can resolve.
	ErrAuthExpired = errors.New("bondarb: authentication expired")

	// ErrAuthFailed marks a permanent authentication rejection (bad
	// credentials). Not retried within the same tick.
	ErrAuthFailed = errors.New("bondarb: authentication failed")

	// ErrActuationRejected marks a daemon refusing a set_limits call.
	ErrActuationRejected = errors.New("bondarb: actuation rejected by client")

	// ErrCounterAnomaly marks an implausible link-probe rate sample.
	ErrCounterAnomaly = errors.New("bondarb: implausible link probe sample")

	// ErrNotFound marks a lookup miss (unknown client id, reservation id).
	ErrNotFound = errors.New("bondarb: not found")
)

// AdapterError wraps a client-adapter failure with the client id and the
// underlying sentinel it should be classified under.
type AdapterError struct {
	ClientID string
	Op       string
	Err      error
}

func (e *AdapterError) Error() string {
	return "bondarb: adapter " + e.ClientID + " " + e.Op + ": " + e.Err.Error()
}

func (e *AdapterError) Unwrap() error { return e.Err }
