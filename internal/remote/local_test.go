package remote

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalTransport_Exec(t *testing.T) {
	tr := NewLocalTransport(5*time.Second, 5*time.Second, nil)
	ctx := context.Background()

	t.Run("returns stdout", func(t *testing.T) {
		out, err := tr.Exec(ctx, "echo hello && echo ignored >&2")
		require.NoError(t, err)
		assert.Equal(t, "hello\n", out)
	})

	t.Run("non-zero exit", func(t *testing.T) {
		out, err := tr.Exec(ctx, "echo partial; echo broken >&2; exit 3")
		require.Error(t, err)
		assert.Equal(t, "partial\n", out)

		var terr *TransportError
		require.True(t, errors.As(err, &terr))
		assert.Equal(t, KindNonZeroExit, terr.Kind)
		assert.Equal(t, 3, terr.ExitStatus)
		assert.Equal(t, "partial\n", terr.Stdout)
		assert.Equal(t, "broken\n", terr.Stderr)
	})

	t.Run("timeout", func(t *testing.T) {
		short := NewLocalTransport(100*time.Millisecond, 0, nil)
		_, err := short.Exec(ctx, "sleep 5")
		assert.ErrorIs(t, err, ErrTimeout)
	})
}

func TestLocalTransport_Upload(t *testing.T) {
	tr := NewLocalTransport(0, 5*time.Second, nil)
	ctx := context.Background()
	dir := t.TempDir()

	src := filepath.Join(dir, "svc.tar.gz")
	require.NoError(t, os.WriteFile(src, []byte("archive-bytes"), 0600))

	t.Run("copies the file", func(t *testing.T) {
		dst := filepath.Join(dir, "slot", "svc.tar.gz")
		require.NoError(t, os.MkdirAll(filepath.Dir(dst), 0755))

		n, err := tr.Upload(ctx, src, dst)
		require.NoError(t, err)
		assert.Equal(t, int64(len("archive-bytes")), n)

		content, err := os.ReadFile(dst)
		require.NoError(t, err)
		assert.Equal(t, "archive-bytes", string(content))
	})

	t.Run("missing source", func(t *testing.T) {
		_, err := tr.Upload(ctx, filepath.Join(dir, "nope"), filepath.Join(dir, "out"))
		assert.ErrorIs(t, err, ErrTransferFailed)
	})

	t.Run("missing destination directory", func(t *testing.T) {
		_, err := tr.Upload(ctx, src, filepath.Join(dir, "missing", "out"))
		assert.ErrorIs(t, err, ErrTransferFailed)
	})

	t.Run("cancelled context", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := tr.Upload(cancelled, src, filepath.Join(dir, "cancelled"))
		assert.ErrorIs(t, err, ErrTransferFailed)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
