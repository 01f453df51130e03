// Package remote runs commands on, and copies files to, the deployment host.
package remote

import (
	"context"
)

// Transport is the command and file channel to the deployment host.
//
// Exec returns the command's standard output. A command that exits non-zero
// fails with a *TransportError of kind KindNonZeroExit carrying that output.
// Upload returns the number of bytes written on the remote side.
type Transport interface {
	Exec(ctx context.Context, command string) (string, error)
	Upload(ctx context.Context, localPath, remotePath string) (int64, error)
}
