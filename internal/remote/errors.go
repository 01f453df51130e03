package remote

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a transport failure.
type ErrorKind string

const (
	// KindTransferFailed covers connection failures and partial transfers.
	KindTransferFailed ErrorKind = "transferFailed"
	// KindNonZeroExit means the remote command ran and exited non-zero.
	KindNonZeroExit ErrorKind = "nonZeroExit"
	// KindTimeout means the per-call timeout expired.
	KindTimeout ErrorKind = "timeout"
)

var (
	ErrTransferFailed = errors.New("remote transfer failed")
	ErrNonZeroExit    = errors.New("remote command exited non-zero")
	ErrTimeout        = errors.New("remote call timed out")
)

// RemoteCommand records one command issued on the remote host.
type RemoteCommand struct {
	Command    string
	ExitStatus int
	Stdout     string
	Stderr     string
}

// TransportError wraps a failed Exec or Upload.
type TransportError struct {
	Kind ErrorKind
	Op   string // "exec" or "upload"
	RemoteCommand
	Err error
}

func (e *TransportError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %q: %s", e.Op, e.Command, e.Kind)
	if e.Kind == KindNonZeroExit {
		fmt.Fprintf(&b, " (status %d)", e.ExitStatus)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	out := e.Stderr
	if strings.TrimSpace(out) == "" {
		out = e.Stdout
	}
	if tail := lastLines(out, 5); tail != "" {
		fmt.Fprintf(&b, "\n%s", tail)
	}
	return b.String()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *TransportError) Is(target error) bool {
	switch e.Kind {
	case KindTransferFailed:
		return target == ErrTransferFailed
	case KindNonZeroExit:
		return target == ErrNonZeroExit
	case KindTimeout:
		return target == ErrTimeout
	}
	return false
}

// IsRetryable reports whether err is a transport failure worth retrying.
// A command that ran and failed, or one that ran out of time, is never retried.
func IsRetryable(err error) bool {
	var terr *TransportError
	return errors.As(err, &terr) && terr.Kind == KindTransferFailed
}

func transferFailed(op, command string, err error) *TransportError {
	return &TransportError{Kind: KindTransferFailed, Op: op, RemoteCommand: RemoteCommand{Command: command, ExitStatus: -1}, Err: err}
}

func timedOut(op, command, stdout string, err error) *TransportError {
	return &TransportError{Kind: KindTimeout, Op: op, RemoteCommand: RemoteCommand{Command: command, ExitStatus: -1, Stdout: stdout}, Err: err}
}

func nonZeroExit(command string, status int, stdout, stderr string) *TransportError {
	return &TransportError{Kind: KindNonZeroExit, Op: "exec", RemoteCommand: RemoteCommand{Command: command, ExitStatus: status, Stdout: stdout, Stderr: stderr}}
}

func lastLines(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
