// Package service installs and controls the systemd unit of a slot.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"flipdeploy/internal/remote"
	"flipdeploy/pkg/cmdutil"
	"flipdeploy/pkg/templates"
)

// Unit describes the service of one slot.
type Unit struct {
	App        string
	Color      string
	Port       int
	User       string
	WorkingDir string
	ExecPath   string
}

// Name returns the systemd unit name, e.g. svc-blue.service.
func (u Unit) Name() string {
	return UnitName(u.App, u.Color)
}

// Description is the human-readable unit description.
func (u Unit) Description() string {
	return fmt.Sprintf("%s (%s)", u.App, u.Color)
}

// UnitName returns the unit name of an app's slot.
func UnitName(app, color string) string {
	return fmt.Sprintf("%s-%s.service", app, color)
}

// Options configures a Registrar.
type Options struct {
	UnitDir  string // e.g. /etc/systemd/system
	Template string // optional override file for the unit template
	Sudo     bool
}

// Registrar writes units and drives systemctl through a remote.Transport.
type Registrar struct {
	transport remote.Transport
	opts      Options
	logger    *slog.Logger
}

// NewRegistrar creates a Registrar.
func NewRegistrar(transport remote.Transport, opts Options, logger *slog.Logger) *Registrar {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.UnitDir == "" {
		opts.UnitDir = "/etc/systemd/system"
	}
	return &Registrar{transport: transport, opts: opts, logger: logger}
}

// UnitPath returns where the unit file is installed.
func (r *Registrar) UnitPath(u Unit) string {
	return path.Join(r.opts.UnitDir, u.Name())
}

// Render returns the unit file content.
func (r *Registrar) Render(u Unit) (string, error) {
	return templates.RenderSystemdUnit(r.opts.Template, templates.UnitData{
		Description: u.Description(),
		User:        u.User,
		WorkingDir:  u.WorkingDir,
		ExecPath:    u.ExecPath,
		Port:        u.Port,
	})
}

// Install writes the unit, reloads systemd, enables the unit and
// (re)starts it. Each step is a separate remote call; an existing unit
// of the same name is overwritten.
func (r *Registrar) Install(ctx context.Context, u Unit) error {
	name := u.Name()
	logger := r.logger.With("unit", name)

	content, err := r.Render(u)
	if err != nil {
		return &ServiceRegistrationError{Kind: KindWriteFailed, Unit: name, Err: err}
	}

	steps := []struct {
		kind    ErrorKind
		command string
	}{
		{KindWriteFailed, r.writeCommand(content, r.UnitPath(u))},
		{KindReloadFailed, remote.Privileged(r.opts.Sudo, "systemctl", "daemon-reload")},
		{KindEnableFailed, remote.Privileged(r.opts.Sudo, "systemctl", "enable", name)},
		// restart starts a stopped unit and picks up a rebuilt binary
		{KindStartFailed, remote.Privileged(r.opts.Sudo, "systemctl", "restart", name)},
	}

	for _, step := range steps {
		if _, err := r.transport.Exec(ctx, step.command); err != nil {
			logger.Error("service registration step failed", "step", step.kind, "error", err)
			return &ServiceRegistrationError{Kind: step.kind, Unit: name, Err: err}
		}
	}

	logger.Info("service registered", "port", u.Port, "exec", u.ExecPath)
	return nil
}

// Stop stops and disables the unit of an app's slot.
func (r *Registrar) Stop(ctx context.Context, app, color string) error {
	name := UnitName(app, color)
	for _, command := range []string{
		remote.Privileged(r.opts.Sudo, "systemctl", "stop", name),
		remote.Privileged(r.opts.Sudo, "systemctl", "disable", name),
	} {
		if _, err := r.transport.Exec(ctx, command); err != nil {
			return &ServiceRegistrationError{Kind: KindStopFailed, Unit: name, Err: err}
		}
	}
	r.logger.Info("service stopped", "unit", name)
	return nil
}

// ActiveState returns systemd's view of the unit (active, inactive, failed,
// ...). An inactive unit exits non-zero; its output is still returned.
func (r *Registrar) ActiveState(ctx context.Context, app, color string) (string, error) {
	out, err := r.transport.Exec(ctx, cmdutil.ShellJoin("systemctl", "is-active", UnitName(app, color)))
	state := strings.TrimSpace(out)
	if state != "" {
		return state, nil
	}
	if err != nil {
		return "", err
	}
	return "unknown", nil
}

func (r *Registrar) writeCommand(content, unitPath string) string {
	return cmdutil.ShellJoin("printf", "%s", content) + " | " +
		remote.Privileged(r.opts.Sudo, "tee", unitPath) + " > /dev/null"
}
