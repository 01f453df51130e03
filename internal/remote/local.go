package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"flipdeploy/pkg/cmdutil"
)

// LocalTransport runs commands with `sh -c` on this machine and uploads by
// copying files. It serves single-host setups where flipdeploy runs on the
// deployment host itself.
type LocalTransport struct {
	commandTimeout time.Duration
	uploadTimeout  time.Duration
	logger         *slog.Logger
}

// NewLocalTransport creates a LocalTransport. Zero timeouts mean no limit.
func NewLocalTransport(commandTimeout, uploadTimeout time.Duration, logger *slog.Logger) *LocalTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalTransport{
		commandTimeout: commandTimeout,
		uploadTimeout:  uploadTimeout,
		logger:         logger,
	}
}

// Exec runs command through the local shell.
func (t *LocalTransport) Exec(ctx context.Context, command string) (string, error) {
	result, err := cmdutil.Run(ctx, cmdutil.ExecOptions{Timeout: t.commandTimeout}, []string{"sh", "-c", command})
	stdout := string(result.Stdout)
	t.logger.Debug("local exec", "command", command, "exit_code", result.ExitCode, "duration", result.Duration)

	switch {
	case err == nil:
		return stdout, nil
	case result.TimedOut:
		return stdout, timedOut("exec", command, stdout, err)
	case result.ExitCode > 0:
		return stdout, nonZeroExit(command, result.ExitCode, stdout, string(result.Stderr))
	default:
		return stdout, transferFailed("exec", command, err)
	}
}

// Upload copies localPath to remotePath on the local filesystem.
func (t *LocalTransport) Upload(ctx context.Context, localPath, remotePath string) (int64, error) {
	op := fmt.Sprintf("copy %s", remotePath)

	if t.uploadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.uploadTimeout)
		defer cancel()
	}

	src, err := os.Open(localPath)
	if err != nil {
		return 0, transferFailed("upload", op, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return 0, transferFailed("upload", op, err)
	}

	dst, err := os.OpenFile(remotePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, transferFailed("upload", op, err)
	}
	defer dst.Close()

	n, err := io.Copy(dst, &ctxReader{ctx: ctx, r: src})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return n, timedOut("upload", op, "", err)
		}
		return n, transferFailed("upload", op, err)
	}
	if n != info.Size() {
		return n, transferFailed("upload", op, fmt.Errorf("partial transfer: copied %d of %d bytes", n, info.Size()))
	}
	if err := dst.Close(); err != nil {
		return n, transferFailed("upload", op, err)
	}

	return n, nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
