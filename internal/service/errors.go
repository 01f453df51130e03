package service

import (
	"errors"
	"fmt"
)

// ErrorKind names the registration step that failed.
type ErrorKind string

const (
	KindWriteFailed  ErrorKind = "writeFailed"
	KindReloadFailed ErrorKind = "reloadFailed"
	KindEnableFailed ErrorKind = "enableFailed"
	KindStartFailed  ErrorKind = "startFailed"
	KindStopFailed   ErrorKind = "stopFailed"
)

var (
	ErrWriteFailed  = errors.New("unit file could not be written")
	ErrReloadFailed = errors.New("systemd daemon-reload failed")
	ErrEnableFailed = errors.New("unit could not be enabled")
	ErrStartFailed  = errors.New("unit could not be started")
	ErrStopFailed   = errors.New("unit could not be stopped")
)

var kindSentinels = map[ErrorKind]error{
	KindWriteFailed:  ErrWriteFailed,
	KindReloadFailed: ErrReloadFailed,
	KindEnableFailed: ErrEnableFailed,
	KindStartFailed:  ErrStartFailed,
	KindStopFailed:   ErrStopFailed,
}

// ServiceRegistrationError wraps the transport error of a failed step.
type ServiceRegistrationError struct {
	Kind ErrorKind
	Unit string
	Err  error
}

func (e *ServiceRegistrationError) Error() string {
	return fmt.Sprintf("service %s: %s: %v", e.Unit, e.Kind, e.Err)
}

func (e *ServiceRegistrationError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *ServiceRegistrationError) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && target == sentinel
}
