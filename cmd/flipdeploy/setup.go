package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"flipdeploy/internal/deployment"
	"flipdeploy/internal/history"
	"flipdeploy/internal/notify"
	"flipdeploy/internal/packager"
	"flipdeploy/internal/project"
	"flipdeploy/internal/remote"
	"flipdeploy/internal/security"
	"flipdeploy/internal/service"
	"flipdeploy/internal/traffic"
	"flipdeploy/pkg/fileutil"
)

// loadConfig reads the config file, applies FLIPDEPLOY_ environment
// overrides and then the flags named in bindings (config key -> flag name).
// Flags only override when set on the command line.
func loadConfig(cmd *cobra.Command, bindings map[string]string) (*project.Config, error) {
	path := configFile
	if path == "" {
		path = fileutil.FindConfigOptional(project.DefaultConfigFile)
	}

	v, err := project.NewViper(path)
	if err != nil {
		return nil, err
	}
	if path != "" {
		// the file may hold the proxy API key and webhook secrets
		if err := security.ValidateSecurePermissions(path); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v\n", err)
		}
	}

	if logLevel != "" {
		v.Set("log.level", logLevel)
	}
	for key, name := range bindings {
		flag := cmd.Flag(name)
		if flag == nil {
			return nil, fmt.Errorf("unknown flag --%s", name)
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("failed to bind --%s: %w", name, err)
		}
	}

	return project.Load(v)
}

// setupLogger builds the slog logger described by cfg. With a log file the
// output goes to both w and the file; the returned closer closes the file.
func setupLogger(cfg project.LogConfig, w io.Writer) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		if err := security.CreateSecureDir(filepath.Dir(cfg.File), security.PermDirectory); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err := security.OpenAppendFile(cfg.File, security.PermLogFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		w = io.MultiWriter(w, file)
		closer = file
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text", "":
		handler = slog.NewTextHandler(w, opts)
	default:
		closer.Close()
		return nil, nil, fmt.Errorf("invalid log format %q (want json or text)", cfg.Format)
	}

	return slog.New(handler), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// stack holds the collaborators shared by every run of one process.
type stack struct {
	cfg         *project.Config
	logger      *slog.Logger
	transport   remote.Transport
	history     *history.History
	registrar   *service.Registrar
	coordinator *traffic.Client
	packager    *packager.Packager
	closers     []io.Closer
}

// openStack connects the state store and builds the remote side. The
// transport dials lazily, so nothing touches the network here.
func openStack(cfg *project.Config, logger *slog.Logger) (*stack, error) {
	if logger == nil {
		logger = slog.Default()
	}
	st := &stack{cfg: cfg, logger: logger}

	hist, err := history.NewHistory(cfg.State.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database %s: %w", cfg.State.DB, err)
	}
	st.history = hist
	st.closers = append(st.closers, hist)

	transport, err := st.newTransport()
	if err != nil {
		st.Close()
		return nil, err
	}
	st.transport = transport

	st.registrar = service.NewRegistrar(transport, service.Options{
		UnitDir:  cfg.Service.UnitDir,
		Template: cfg.Service.Template,
		Sudo:     cfg.Remote.Sudo,
	}, logger)

	st.coordinator = traffic.NewClient(traffic.Config{
		BaseURL: cfg.Proxy.URL,
		APIKey:  cfg.Proxy.APIKey,
		Timeout: cfg.Proxy.Timeout,
	}, logger)

	st.packager = packager.New(packager.Layout{
		SourceDir:    cfg.Build.SourceDir,
		LockFile:     cfg.Build.LockFile,
		ManifestFile: cfg.Build.ManifestFile,
	}, cfg.StagingDir, logger)

	return st, nil
}

func (st *stack) newTransport() (remote.Transport, error) {
	rc := st.cfg.Remote

	var inner remote.Transport
	if rc.IsLocal() {
		inner = remote.NewLocalTransport(rc.CommandTimeout, rc.UploadTimeout, st.logger)
	} else {
		ssh, err := remote.NewSSHTransport(remote.SSHConfig{
			Host:           rc.Host,
			Port:           rc.Port,
			User:           rc.User,
			KeyFile:        rc.KeyFile,
			KnownHosts:     rc.KnownHosts,
			ProxyCommand:   rc.ProxyCommand,
			DialTimeout:    rc.DialTimeout,
			CommandTimeout: rc.CommandTimeout,
			UploadTimeout:  rc.UploadTimeout,
		}, st.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to set up SSH transport: %w", err)
		}
		st.closers = append(st.closers, ssh)
		inner = ssh
	}

	return remote.NewRetrying(inner, rc.Retries, rc.RetryDelay, st.logger), nil
}

// orchestrator returns an orchestrator for cfg's app. repo overrides the
// GitHub repository deployments are reported to.
func (st *stack) orchestrator(cfg *project.Config, repo string) *deployment.Orchestrator {
	deps := deployment.Dependencies{
		Packager:    st.packager,
		Transport:   st.transport,
		Registrar:   st.registrar,
		Coordinator: st.coordinator,
		Slots:       st.history,
		Runs:        st.history,
	}

	if repo == "" {
		repo = cfg.GitHub.Repo
	}
	if cfg.GitHub.Token != "" && repo != "" {
		gh, err := notify.NewGitHub(notify.GitHubConfig{
			Token:       cfg.GitHub.Token,
			Repo:        repo,
			Environment: cfg.GitHub.Environment,
		}, st.logger)
		if err != nil {
			st.logger.Warn("GitHub reporting disabled", "repo", repo, "error", err)
		} else {
			deps.Observers = append(deps.Observers, gh)
		}
	}

	return deployment.New(deps, deployment.OptionsFromConfig(cfg), st.logger)
}

// Close releases the transport connection and the database.
func (st *stack) Close() {
	for i := len(st.closers) - 1; i >= 0; i-- {
		if err := st.closers[i].Close(); err != nil {
			st.logger.Warn("close failed", "error", err)
		}
	}
}

// printFailure explains a failed run: the stage, and the remote command or
// proxy call behind it.
func printFailure(w io.Writer, run *deployment.Run, err error) {
	var stageErr *deployment.StageError
	if !errors.As(err, &stageErr) {
		return
	}

	fmt.Fprintf(w, "Run %s failed at stage %q\n", run.ID, stageErr.Stage)

	var transportErr *remote.TransportError
	var portErr *traffic.PortAllocationError
	var switchErr *traffic.TrafficSwitchError
	var unitErr *service.ServiceRegistrationError
	var packErr *packager.PackagingError
	var notRecorded *deployment.SwitchedNotRecordedError
	switch {
	case errors.As(err, &unitErr):
		fmt.Fprintf(w, "  Unit:    %s (%s)\n", unitErr.Unit, unitErr.Kind)
		if errors.As(err, &transportErr) {
			printTransportError(w, transportErr)
		}
	case errors.As(err, &transportErr):
		printTransportError(w, transportErr)
	case errors.As(err, &portErr):
		fmt.Fprintf(w, "  Proxy:   GET /api/port?app=%s (%s)\n", portErr.App, portErr.Kind)
		if portErr.Body != "" {
			fmt.Fprintf(w, "  Body:    %q\n", portErr.Body)
		}
	case errors.As(err, &switchErr):
		fmt.Fprintf(w, "  Proxy:   POST /api/switch app=%s port=%d (%s)\n", switchErr.App, switchErr.Port, switchErr.Kind)
		if switchErr.Status != 0 {
			fmt.Fprintf(w, "  Status:  %d\n", switchErr.Status)
		}
	case errors.As(err, &packErr):
		fmt.Fprintf(w, "  Packaging: %v\n", packErr)
	case errors.As(err, &notRecorded):
		fmt.Fprintf(w, "  Traffic now routes to the %s slot (port %d) but the slot store was not updated\n", notRecorded.Color, notRecorded.Port)
		fmt.Fprintf(w, "  Cause:   %v\n", notRecorded.Err)
		return
	}

	if run.Previous != nil {
		fmt.Fprintf(w, "  %s slot (port %d) is still live\n", run.Previous.Color, run.Previous.Port)
	}
}

func printTransportError(w io.Writer, err *remote.TransportError) {
	fmt.Fprintf(w, "  Command: %s\n", err.Command)
	fmt.Fprintf(w, "  Result:  %s", err.Kind)
	if err.Kind == remote.KindNonZeroExit {
		fmt.Fprintf(w, " (exit status %d)", err.ExitStatus)
	}
	fmt.Fprintln(w)
}
