package cmdutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
)

// ExecOptions configures command execution.
type ExecOptions struct {
	// Dir is the working directory for the command.
	Dir string

	// Timeout is the maximum execution time.
	// If zero, no timeout is applied.
	Timeout time.Duration

	// Env contains environment variables for the command.
	// Each entry should be in the form "KEY=value".
	Env []string

	// CombinedOutput determines if stdout and stderr are combined.
	CombinedOutput bool
}

// Result contains the result of a command execution.
type Result struct {
	// Stdout is the standard output (only if CombinedOutput is false).
	Stdout []byte

	// Stderr is the standard error (only if CombinedOutput is false).
	Stderr []byte

	// Output is the combined stdout and stderr (only if CombinedOutput is true).
	Output []byte

	// ExitCode is the exit code of the command, -1 if it never exited.
	ExitCode int

	// TimedOut reports whether the timeout fired before the command finished.
	TimedOut bool

	// Duration is how long the command took to execute.
	Duration time.Duration
}

// Run executes a command with the given options.
// The command is provided as a slice of arguments (command and its arguments).
// A result is returned even when the command fails so callers can inspect
// the exit code and captured output.
func Run(ctx context.Context, opts ExecOptions, cmdParts []string) (*Result, error) {
	if len(cmdParts) == 0 {
		return &Result{ExitCode: -1}, fmt.Errorf("empty command")
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, cmdParts[0], cmdParts[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env
	// Children that inherit stdout must not hold Wait open after a kill.
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	if opts.CombinedOutput {
		cmd.Stdout = &stdout
		cmd.Stderr = &stdout
	} else {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	}

	start := time.Now()
	err := cmd.Run()

	result := Result{
		ExitCode: -1,
		Duration: time.Since(start),
	}
	if opts.CombinedOutput {
		result.Output = stdout.Bytes()
	} else {
		result.Stdout = stdout.Bytes()
		result.Stderr = stderr.Bytes()
	}

	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
	}

	if err != nil {
		return &result, fmt.Errorf("command failed: %w", err)
	}

	return &result, nil
}

// ParseCommandString parses a shell-quoted command string into parts.
// This is useful when commands are stored as strings with proper quoting.
//
// Example:
//
//	"cargo build --release --features \"a b\"" -> ["cargo", "build", "--release", "--features", "a b"]
func ParseCommandString(cmdStr string) ([]string, error) {
	parts, err := shellquote.Split(cmdStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse command string: %w", err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty command string")
	}
	return parts, nil
}

// ShellJoin quotes each argument so the result is safe to hand to a POSIX shell.
func ShellJoin(parts ...string) string {
	return shellquote.Join(parts...)
}

// ShellChain joins already-quoted commands with "&&" so the chain stops at the
// first failure.
func ShellChain(commands ...string) string {
	return strings.Join(commands, " && ")
}

// FormatCommand formats command parts into a readable string for logging.
// Example: ["git", "commit", "-m", "my message"] -> "git commit -m 'my message'"
func FormatCommand(cmdParts []string) string {
	if len(cmdParts) == 0 {
		return "<empty command>"
	}

	quoted := make([]string, len(cmdParts))
	for i, part := range cmdParts {
		if strings.ContainsAny(part, " \t\n\"'") {
			quoted[i] = shellquote.Join(part)
		} else {
			quoted[i] = part
		}
	}

	return strings.Join(quoted, " ")
}
