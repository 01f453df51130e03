package traffic

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a proxy API failure.
type ErrorKind string

const (
	// KindRequestFailed covers transport failures and, for port allocation,
	// non-2xx answers.
	KindRequestFailed ErrorKind = "requestFailed"
	// KindMalformedResponse means the port answer was not a usable port.
	KindMalformedResponse ErrorKind = "malformedResponse"
	// KindRejected means the proxy refused the switch.
	KindRejected ErrorKind = "rejected"
)

var (
	ErrRequestFailed     = errors.New("proxy request failed")
	ErrMalformedResponse = errors.New("proxy returned a malformed port")
	ErrRejected          = errors.New("proxy rejected the traffic switch")
)

func sentinel(kind ErrorKind) error {
	switch kind {
	case KindRequestFailed:
		return ErrRequestFailed
	case KindMalformedResponse:
		return ErrMalformedResponse
	case KindRejected:
		return ErrRejected
	}
	return nil
}

// PortAllocationError is returned by AllocatePort.
type PortAllocationError struct {
	Kind   ErrorKind
	App    string
	Status int    // HTTP status, 0 when no response arrived
	Body   string // trimmed response body
	Err    error
}

func (e *PortAllocationError) Error() string {
	switch {
	case e.Kind == KindMalformedResponse:
		return fmt.Sprintf("allocate port for %s: %s: %q", e.App, e.Kind, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("allocate port for %s: %s: %v", e.App, e.Kind, e.Err)
	default:
		return fmt.Sprintf("allocate port for %s: %s: unexpected status %d: %s", e.App, e.Kind, e.Status, e.Body)
	}
}

func (e *PortAllocationError) Unwrap() error { return e.Err }

func (e *PortAllocationError) Is(target error) bool {
	return target != nil && target == sentinel(e.Kind)
}

// TrafficSwitchError is returned by SwitchTraffic.
type TrafficSwitchError struct {
	Kind   ErrorKind
	App    string
	Port   int
	Status int
	Body   string
	Err    error
}

func (e *TrafficSwitchError) Error() string {
	if e.Kind == KindRejected {
		return fmt.Sprintf("switch %s to port %d: %s: status %d: %s", e.App, e.Port, e.Kind, e.Status, e.Body)
	}
	return fmt.Sprintf("switch %s to port %d: %s: %v", e.App, e.Port, e.Kind, e.Err)
}

func (e *TrafficSwitchError) Unwrap() error { return e.Err }

func (e *TrafficSwitchError) Is(target error) bool {
	return target != nil && target == sentinel(e.Kind)
}
