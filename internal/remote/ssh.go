package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"flipdeploy/internal/security"
	"flipdeploy/pkg/cmdutil"
)

// SSHConfig configures the SSH transport.
type SSHConfig struct {
	Host       string
	Port       int
	User       string
	KeyFile    string
	KnownHosts string // empty disables host key verification

	// ProxyCommand, when set, is started locally and the SSH connection runs
	// over its stdin/stdout. %h and %p expand to host and port.
	ProxyCommand string

	DialTimeout    time.Duration
	CommandTimeout time.Duration
	UploadTimeout  time.Duration
}

// SSHTransport implements Transport over a single lazily dialled SSH
// connection, one session per call.
type SSHTransport struct {
	cfg       SSHConfig
	signer    ssh.Signer
	hostKeyCB ssh.HostKeyCallback
	logger    *slog.Logger

	mu     sync.Mutex // protects client
	client *ssh.Client
}

// NewSSHTransport loads the private key and host key policy. It does not
// dial; the first call does.
func NewSSHTransport(cfg SSHConfig, logger *slog.Logger) (*SSHTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = 2 * time.Minute
	}
	if cfg.UploadTimeout == 0 {
		cfg.UploadTimeout = 5 * time.Minute
	}

	keyBytes, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("read SSH private key: %w", err)
	}
	if err := security.EnsureSecurePermissions(cfg.KeyFile, security.PermSSHKey); err != nil {
		logger.Warn("SSH private key permissions are too open", "key_file", cfg.KeyFile, "error", err)
	}

	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("parse SSH private key: %w", err)
	}

	hostKeyCB := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHosts != "" {
		hostKeyCB, err = knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
	} else {
		logger.Warn("host key verification disabled; set remote.known_hosts to enable it", "host", cfg.Host)
	}

	return &SSHTransport{
		cfg:       cfg,
		signer:    signer,
		hostKeyCB: hostKeyCB,
		logger:    logger,
	}, nil
}

// =============================================================================
// Connection Management
// =============================================================================

func (t *SSHTransport) address() string {
	return net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
}

// connect establishes the SSH connection if it is missing or dead. Dialling
// and the handshake together are bounded by DialTimeout and ctx.
func (t *SSHTransport) connect(ctx context.Context) (*ssh.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		if _, _, err := t.client.SendRequest("keepalive@flipdeploy", true, nil); err == nil {
			return t.client, nil
		}
		t.logger.Debug("SSH connection lost, reconnecting", "addr", t.address())
		t.client.Close()
		t.client = nil
	}

	config := &ssh.ClientConfig{
		User:            t.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(t.signer)},
		HostKeyCallback: t.hostKeyCB,
		Timeout:         t.cfg.DialTimeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()

	conn, err := t.dial(dialCtx)
	if err != nil {
		return nil, t.dialError(ctx, dialCtx, err)
	}

	type handshake struct {
		conn  ssh.Conn
		chans <-chan ssh.NewChannel
		reqs  <-chan *ssh.Request
		err   error
	}
	done := make(chan handshake, 1)
	go func() {
		c, chans, reqs, err := ssh.NewClientConn(conn, t.address(), config)
		done <- handshake{c, chans, reqs, err}
	}()

	select {
	case <-dialCtx.Done():
		// Closing the conn kills a proxy command and unblocks the handshake.
		conn.Close()
		return nil, t.dialError(ctx, dialCtx, dialCtx.Err())
	case h := <-done:
		if h.err != nil {
			conn.Close()
			return nil, fmt.Errorf("SSH handshake with %s: %w", t.address(), h.err)
		}
		t.client = ssh.NewClient(h.conn, h.chans, h.reqs)
	}

	t.logger.Debug("SSH connected", "addr", t.address(), "user", t.cfg.User)
	return t.client, nil
}

// dialError reports a connect failure as errCallTimeout when DialTimeout or
// the caller's deadline expired.
func (t *SSHTransport) dialError(ctx, dialCtx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return ctx.Err()
	case errors.Is(dialCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: SSH connect to %s after %v", errCallTimeout, t.address(), t.cfg.DialTimeout)
	}
	return err
}

func (t *SSHTransport) dial(ctx context.Context) (net.Conn, error) {
	if t.cfg.ProxyCommand != "" {
		return t.dialProxy()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", t.address())
	if err != nil {
		return nil, fmt.Errorf("SSH dial %s: %w", t.address(), err)
	}
	return conn, nil
}

// dialProxy starts the proxy command. The process outlives the dial
// context; it is killed when the connection closes.
func (t *SSHTransport) dialProxy() (net.Conn, error) {
	expanded := strings.NewReplacer("%h", t.cfg.Host, "%p", strconv.Itoa(t.cfg.Port)).Replace(t.cfg.ProxyCommand)
	parts, err := cmdutil.ParseCommandString(expanded)
	if err != nil {
		return nil, fmt.Errorf("parse proxy command: %w", err)
	}

	cmd := exec.Command(parts[0], parts[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("proxy command stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("proxy command stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start proxy command %s: %w", cmdutil.FormatCommand(parts), err)
	}

	t.logger.Debug("SSH proxy command started", "command", cmdutil.FormatCommand(parts))
	// Host key checks expect a TCP address; the hostname passed to the
	// handshake is what known_hosts is matched against.
	remote := &net.TCPAddr{IP: net.IPv4zero, Port: t.cfg.Port}
	return &proxyConn{cmd: cmd, stdin: stdin, stdout: stdout, remote: remote}, nil
}

// Close closes the SSH connection.
func (t *SSHTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		err := t.client.Close()
		t.client = nil
		return err
	}
	return nil
}

// =============================================================================
// Transport
// =============================================================================

// Exec runs command in a fresh session and returns its stdout.
func (t *SSHTransport) Exec(ctx context.Context, command string) (string, error) {
	client, err := t.connect(ctx)
	if err != nil {
		return "", connectFailed("exec", command, err)
	}

	session, err := client.NewSession()
	if err != nil {
		return "", transferFailed("exec", command, fmt.Errorf("create SSH session: %w", err))
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	start := time.Now()
	err = t.run(ctx, session, command, t.cfg.CommandTimeout)
	t.logger.Debug("remote exec", "command", command, "duration", time.Since(start))

	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		return stdout.String(), nil
	case errors.As(err, &exitErr):
		return stdout.String(), nonZeroExit(command, exitErr.ExitStatus(), stdout.String(), stderr.String())
	case errors.Is(err, errCallTimeout):
		return stdout.String(), timedOut("exec", command, stdout.String(), err)
	default:
		return stdout.String(), transferFailed("exec", command, err)
	}
}

// Upload streams localPath into `cat > remotePath` on the remote host.
func (t *SSHTransport) Upload(ctx context.Context, localPath, remotePath string) (int64, error) {
	command := "cat > " + cmdutil.ShellJoin(remotePath)

	f, err := os.Open(localPath)
	if err != nil {
		return 0, transferFailed("upload", command, fmt.Errorf("open %s: %w", localPath, err))
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, transferFailed("upload", command, fmt.Errorf("stat %s: %w", localPath, err))
	}

	client, err := t.connect(ctx)
	if err != nil {
		return 0, connectFailed("upload", command, err)
	}

	session, err := client.NewSession()
	if err != nil {
		return 0, transferFailed("upload", command, fmt.Errorf("create SSH session: %w", err))
	}
	defer session.Close()

	counter := &countingReader{r: f}
	var stderr bytes.Buffer
	session.Stdin = counter
	session.Stderr = &stderr

	start := time.Now()
	err = t.run(ctx, session, command, t.cfg.UploadTimeout)
	sent := counter.n.Load()

	switch {
	case errors.Is(err, errCallTimeout):
		return sent, timedOut("upload", command, "", err)
	case err != nil:
		terr := transferFailed("upload", command, err)
		terr.Stderr = stderr.String()
		return sent, terr
	case sent != info.Size():
		return sent, transferFailed("upload", command,
			fmt.Errorf("partial transfer: sent %d of %d bytes", sent, info.Size()))
	}

	t.logger.Info("upload complete",
		"remote_path", remotePath,
		"size", humanize.Bytes(uint64(sent)),
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return sent, nil
}

var errCallTimeout = errors.New("call timed out")

func connectFailed(op, command string, err error) *TransportError {
	if errors.Is(err, errCallTimeout) {
		return timedOut(op, command, "", err)
	}
	return transferFailed(op, command, err)
}

// run executes command on session, honouring ctx and the per-call timeout.
func (t *SSHTransport) run(ctx context.Context, session *ssh.Session, command string, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		session.Close()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", errCallTimeout, ctx.Err())
		}
		return ctx.Err()
	case <-timer.C:
		_ = session.Signal(ssh.SIGKILL)
		session.Close()
		return fmt.Errorf("%w after %v", errCallTimeout, timeout)
	case err := <-done:
		return err
	}
}

// =============================================================================
// Helpers
// =============================================================================

type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// proxyConn adapts a proxy command's stdin/stdout to net.Conn.
type proxyConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	remote *net.TCPAddr
}

func (c *proxyConn) Read(b []byte) (int, error)  { return c.stdout.Read(b) }
func (c *proxyConn) Write(b []byte) (int, error) { return c.stdin.Write(b) }

func (c *proxyConn) Close() error {
	c.stdin.Close()
	c.stdout.Close()
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	_ = c.cmd.Wait()
	return nil
}

func (c *proxyConn) LocalAddr() net.Addr                { return &net.TCPAddr{IP: net.IPv4zero} }
func (c *proxyConn) RemoteAddr() net.Addr               { return c.remote }
func (c *proxyConn) SetDeadline(t time.Time) error      { return nil }
func (c *proxyConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *proxyConn) SetWriteDeadline(t time.Time) error { return nil }

