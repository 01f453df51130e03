package deployment

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"flipdeploy/internal/packager"
	"flipdeploy/internal/project"
	"flipdeploy/internal/remote"
	"flipdeploy/internal/security"
	"flipdeploy/internal/service"
	"flipdeploy/internal/traffic"
	"flipdeploy/pkg/cmdutil"
)

// SlotStore persists the slots of each app.
type SlotStore interface {
	// LiveSlot returns the live slot of app, or nil when none is live.
	LiveSlot(ctx context.Context, app string) (*Slot, error)
	// Slots returns every known slot of app.
	Slots(ctx context.Context, app string) ([]Slot, error)
	// SaveSlot records a slot's status and port.
	SaveSlot(ctx context.Context, slot Slot) error
	// Promote marks slot live and retires any other live slot of the app
	// in one step.
	Promote(ctx context.Context, slot Slot) error
}

// RunRecorder keeps the history of runs.
type RunRecorder interface {
	StartRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, run *Run) error
}

// Observer is told when runs start and finish. Observers cannot fail a run.
type Observer interface {
	RunStarted(ctx context.Context, run *Run)
	RunFinished(ctx context.Context, run *Run)
}

// Packager builds the deployment archive.
type Packager interface {
	Package(ctx context.Context, projectPath, archiveName string) (*packager.Archive, error)
}

// Registrar installs and stops slot services.
type Registrar interface {
	Install(ctx context.Context, u service.Unit) error
	Stop(ctx context.Context, app, color string) error
}

// Dependencies are the collaborators of an Orchestrator. Runs and
// Observers are optional.
type Dependencies struct {
	Packager    Packager
	Transport   remote.Transport
	Registrar   Registrar
	Coordinator traffic.Coordinator
	Slots       SlotStore
	Runs        RunRecorder
	Observers   []Observer
}

// Options holds the remote layout and build settings.
type Options struct {
	RemoteRoot   string // parent of the slot directories, e.g. /opt
	Sudo         bool   // prefix privileged commands with sudo
	SourceDir    string // replaced on every extract
	Precheck     string // optional, run before the build
	BuildCommand string
	Binary       string // defaults to the app name
	StopRetired  bool   // stop the previous slot's service after a switch
}

// OptionsFromConfig maps the config onto orchestrator options.
func OptionsFromConfig(cfg *project.Config) Options {
	return Options{
		RemoteRoot:   cfg.Remote.Root,
		Sudo:         cfg.Remote.Sudo,
		SourceDir:    cfg.Build.SourceDir,
		Precheck:     cfg.Build.Precheck,
		BuildCommand: cfg.Build.Command,
		Binary:       cfg.Build.Binary,
		StopRetired:  cfg.Service.StopRetired,
	}
}

// Orchestrator drives a deployment through its stages.
type Orchestrator struct {
	deps   Dependencies
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Orchestrator.
func New(deps Dependencies, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RemoteRoot == "" {
		opts.RemoteRoot = "/opt"
	}
	return &Orchestrator{deps: deps, opts: opts, logger: logger, now: time.Now}
}

// SlotRoot returns the remote directory of one slot, e.g. /opt/svc-blue.
func (o *Orchestrator) SlotRoot(app string, color Color) string {
	return path.Join(o.opts.RemoteRoot, app+"-"+string(color))
}

// binaryPath is where the build leaves the executable.
func (o *Orchestrator) binaryPath(app string, color Color) string {
	binary := o.opts.Binary
	if binary == "" {
		binary = app
	}
	return path.Join(o.SlotRoot(app, color), "target", "release", binary)
}

// execution carries the per-run state between stages.
type execution struct {
	run     *Run
	archive *packager.Archive
	logger  *slog.Logger
	target  *Slot // rollback only
}

type stage struct {
	state State
	fn    func(ctx context.Context, x *execution) error
}

// Run deploys req into the slot opposite the live one. On failure the run
// stops at the failing stage and returns a *StageError; nothing is undone
// and the previously live slot keeps serving.
func (o *Orchestrator) Run(ctx context.Context, req project.DeploymentRequest) (*Run, error) {
	run := o.newRun(KindDeploy, req.AppName, req.RemoteUsername)
	run.Ref = req.Ref
	x := &execution{run: run, logger: o.logger.With("run_id", run.ID, "app", run.App)}
	defer o.cleanup(x)

	if err := o.validate(run); err != nil {
		return run, o.fail(ctx, x, StateInit, err)
	}

	live, err := o.deps.Slots.LiveSlot(ctx, run.App)
	if err != nil {
		return run, o.fail(ctx, x, StateInit, fmt.Errorf("read live slot: %w", err))
	}
	run.Previous = live
	run.Color = NextColor(live)
	x.logger = x.logger.With("color", run.Color)

	previous := "none"
	if live != nil {
		previous = fmt.Sprintf("%s (port %d)", live.Color, live.Port)
	}
	x.logger.Info("slot selected", "previous", previous)

	o.started(ctx, x)

	if err := o.saveSlot(ctx, run, SlotProvisioning); err != nil {
		return run, o.fail(ctx, x, StateInit, err)
	}

	return run, o.execute(ctx, x, []stage{
		{StatePackaged, func(ctx context.Context, x *execution) error { return o.pack(ctx, x, req) }},
		{StateBootstrapped, o.bootstrap},
		{StateUploaded, o.upload},
		{StateExtracted, o.extract},
		{StateBuilt, o.build},
		{StatePortAllocated, o.allocatePort},
		{StateServiceRegistered, o.register},
		{StateTrafficSwitched, o.switchTraffic},
		{StateDone, o.promote},
	})
}

func (o *Orchestrator) newRun(kind RunKind, app, user string) *Run {
	return &Run{
		ID:        uuid.NewString(),
		Kind:      kind,
		App:       app,
		User:      user,
		State:     StateInit,
		StartedAt: o.now().UTC(),
	}
}

// validate rejects names that would not survive as literal shell words.
func (o *Orchestrator) validate(run *Run) error {
	if err := security.ValidateAppName(run.App); err != nil {
		return fmt.Errorf("invalid app name: %w", err)
	}
	if err := security.ValidateUsername(run.User); err != nil {
		return fmt.Errorf("invalid remote username: %w", err)
	}
	return security.ValidateShellWords(map[string]string{"app": run.App, "user": run.User})
}

func (o *Orchestrator) execute(ctx context.Context, x *execution, stages []stage) error {
	for _, s := range stages {
		// Once traffic has moved, the slot record must follow it.
		if err := ctx.Err(); err != nil && s.state != StateDone {
			return o.fail(ctx, x, s.state, err)
		}

		start := time.Now()
		x.logger.Debug("stage started", "stage", s.state)
		if err := s.fn(ctx, x); err != nil {
			return o.fail(ctx, x, s.state, err)
		}
		x.run.State = s.state
		x.logger.Info("stage completed", "stage", s.state, "duration", time.Since(start).Round(time.Millisecond))
	}

	x.run.FinishedAt = o.now().UTC()
	x.logger.Info("run finished", "kind", x.run.Kind, "duration", x.run.Duration().Round(time.Millisecond))
	o.finished(ctx, x)
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, x *execution, stage State, err error) error {
	x.run.State = StateFailed
	x.run.FailedStage = stage
	x.run.Error = err.Error()
	x.run.FinishedAt = o.now().UTC()

	x.logger.Error("run failed", "stage", stage, "error", err)
	o.finished(ctx, x)
	return &StageError{Stage: stage, Err: err}
}

// started and finished record the run and notify observers. Recording must
// survive a cancelled run context.
func (o *Orchestrator) started(ctx context.Context, x *execution) {
	ctx = context.WithoutCancel(ctx)
	if o.deps.Runs != nil {
		if err := o.deps.Runs.StartRun(ctx, x.run); err != nil {
			x.logger.Warn("failed to record run start", "error", err)
		}
	}
	for _, obs := range o.deps.Observers {
		obs.RunStarted(ctx, x.run)
	}
}

func (o *Orchestrator) finished(ctx context.Context, x *execution) {
	ctx = context.WithoutCancel(ctx)
	if o.deps.Runs != nil {
		if err := o.deps.Runs.FinishRun(ctx, x.run); err != nil {
			x.logger.Warn("failed to record run result", "error", err)
		}
	}
	for _, obs := range o.deps.Observers {
		obs.RunFinished(ctx, x.run)
	}
}

func (o *Orchestrator) cleanup(x *execution) {
	if x.archive == nil {
		return
	}
	if err := os.Remove(x.archive.Path); err != nil && !os.IsNotExist(err) {
		x.logger.Warn("failed to remove staged archive", "path", x.archive.Path, "error", err)
	}
}

func (o *Orchestrator) saveSlot(ctx context.Context, run *Run, status SlotStatus) error {
	err := o.deps.Slots.SaveSlot(ctx, Slot{
		App:    run.App,
		Color:  run.Color,
		Port:   run.Port,
		Status: status,
	})
	if err != nil {
		return fmt.Errorf("save %s slot as %s: %w", run.Color, status, err)
	}
	return nil
}

func (o *Orchestrator) pack(ctx context.Context, x *execution, req project.DeploymentRequest) error {
	name := fmt.Sprintf("%s-%s.tar.gz", x.run.App, x.run.ID)
	archive, err := o.deps.Packager.Package(ctx, req.ProjectPath, name)
	if err != nil {
		return err
	}
	x.archive = archive
	x.run.Archive = archive.Name()
	return nil
}

// bootstrap creates both slot directories and hands them to the service
// user, so either color can be deployed next.
func (o *Orchestrator) bootstrap(ctx context.Context, x *execution) error {
	blue := o.SlotRoot(x.run.App, Blue)
	green := o.SlotRoot(x.run.App, Green)
	owner := x.run.User + ":" + x.run.User

	for _, command := range []string{
		remote.Privileged(o.opts.Sudo, "mkdir", "-p", blue, green),
		remote.Privileged(o.opts.Sudo, "chown", "-R", owner, blue, green),
	} {
		if _, err := o.deps.Transport.Exec(ctx, command); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) remoteArchive(x *execution) string {
	return path.Join(o.SlotRoot(x.run.App, x.run.Color), x.archive.Name())
}

func (o *Orchestrator) upload(ctx context.Context, x *execution) error {
	sent, err := o.deps.Transport.Upload(ctx, x.archive.Path, o.remoteArchive(x))
	if err != nil {
		return err
	}
	x.logger.Info("archive uploaded", "remote_path", o.remoteArchive(x), "size", humanize.Bytes(uint64(sent)))
	return nil
}

// extract replaces the slot's source tree with the archive contents and
// removes the uploaded archive.
func (o *Orchestrator) extract(ctx context.Context, x *execution) error {
	root := o.SlotRoot(x.run.App, x.run.Color)
	archive := o.remoteArchive(x)

	var commands []string
	if o.opts.SourceDir != "" {
		commands = append(commands, cmdutil.ShellJoin("rm", "-rf", path.Join(root, o.opts.SourceDir)))
	}
	commands = append(commands,
		cmdutil.ShellJoin("tar", "-xzf", archive, "-C", root),
		cmdutil.ShellJoin("rm", "-f", archive),
	)

	_, err := o.deps.Transport.Exec(ctx, cmdutil.ShellChain(commands...))
	return err
}

func (o *Orchestrator) build(ctx context.Context, x *execution) error {
	if err := o.saveSlot(ctx, x.run, SlotBuilding); err != nil {
		return err
	}

	if o.opts.Precheck != "" {
		if _, err := o.deps.Transport.Exec(ctx, o.opts.Precheck); err != nil {
			return fmt.Errorf("build precheck: %w", err)
		}
	}

	root := o.SlotRoot(x.run.App, x.run.Color)
	command := cmdutil.ShellChain(cmdutil.ShellJoin("cd", root), o.opts.BuildCommand)
	if _, err := o.deps.Transport.Exec(ctx, command); err != nil {
		return err
	}
	return nil
}

func (o *Orchestrator) allocatePort(ctx context.Context, x *execution) error {
	port, err := o.deps.Coordinator.AllocatePort(ctx, x.run.App)
	if err != nil {
		return err
	}
	x.run.Port = port
	x.logger = x.logger.With("port", port)
	return nil
}

func (o *Orchestrator) unit(run *Run, color Color, port int) service.Unit {
	return service.Unit{
		App:        run.App,
		Color:      string(color),
		Port:       port,
		User:       run.User,
		WorkingDir: o.SlotRoot(run.App, color),
		ExecPath:   o.binaryPath(run.App, color),
	}
}

func (o *Orchestrator) register(ctx context.Context, x *execution) error {
	if err := o.deps.Registrar.Install(ctx, o.unit(x.run, x.run.Color, x.run.Port)); err != nil {
		return err
	}
	return o.saveSlot(ctx, x.run, SlotRegistered)
}

func (o *Orchestrator) switchTraffic(ctx context.Context, x *execution) error {
	ack, err := o.deps.Coordinator.SwitchTraffic(ctx, x.run.App, x.run.Port)
	if err != nil {
		return err
	}
	x.run.Ack = ack
	x.logger.Info("traffic switched", "ack", ack)
	return nil
}

// promote marks the new slot live and retires the previous one. It runs
// after the proxy has switched, so it ignores cancellation. Stopping the
// retired service is best effort.
func (o *Orchestrator) promote(ctx context.Context, x *execution) error {
	ctx = context.WithoutCancel(ctx)
	slot := Slot{App: x.run.App, Color: x.run.Color, Port: x.run.Port, Status: SlotLive}
	if err := o.deps.Slots.Promote(ctx, slot); err != nil {
		return &SwitchedNotRecordedError{Color: slot.Color, Port: slot.Port, Err: err}
	}

	prev := x.run.Previous
	if o.opts.StopRetired && prev != nil && prev.Color != slot.Color {
		if err := o.deps.Registrar.Stop(ctx, slot.App, string(prev.Color)); err != nil {
			x.logger.Warn("failed to stop retired slot", "retired", prev.Color, "error", err)
		}
	}
	return nil
}
