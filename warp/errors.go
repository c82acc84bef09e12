package warp

import "fmt"

// LaneNotFoundError is returned when the remote agent responds with
// @unlinked(...)@laneNotFound: the lane does not exist and the
// downlink is terminal.
type LaneNotFoundError struct {
	Lane string
}

func (e *LaneNotFoundError) Error() string {
	return fmt.Sprintf("warp: lane %q not found", e.Lane)
}

// NotOpenError is returned by a get/put/set/remove issued before the
// downlink's view has been opened.
type NotOpenError struct {
	Route string
}

func (e *NotOpenError) Error() string {
	return fmt.Sprintf("warp: downlink %q is not open", e.Route)
}

// AlreadyOpenError is returned when configuration (host/node/lane URI,
// registered classes, strict flag) is mutated on a view that has
// already been opened.
type AlreadyOpenError struct {
	Field string
}

func (e *AlreadyOpenError) Error() string {
	return fmt.Sprintf("warp: cannot set %s on an already-open downlink view", e.Field)
}

// TransportError wraps an underlying WebSocket transport failure. It
// closes the connection and every downlink manager attached to it.
type TransportError struct {
	Host  string
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("warp: transport error for host %q: %v", e.Host, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// CancelledError is surfaced when a pending operation unwinds because
// its downlink or the client runtime was closed out from under it.
type CancelledError struct {
	Reason string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("warp: cancelled: %s", e.Reason)
}
