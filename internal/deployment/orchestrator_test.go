package deployment

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flipdeploy/internal/packager"
	"flipdeploy/internal/project"
	"flipdeploy/internal/remote"
	"flipdeploy/internal/service"
	"flipdeploy/internal/traffic"
)

type harness struct {
	log         *eventLog
	packager    *stubPackager
	transport   *fakeTransport
	coordinator *fakeCoordinator
	registrar   *fakeRegistrar
	store       *memStore
	observer    *countingObserver
	opts        Options
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := &eventLog{}
	return &harness{
		log:         log,
		packager:    &stubPackager{dir: t.TempDir(), log: log},
		transport:   &fakeTransport{log: log},
		coordinator: &fakeCoordinator{log: log, nextPort: 8081},
		registrar:   &fakeRegistrar{log: log},
		store:       newMemStore(),
		observer:    &countingObserver{},
		opts: Options{
			RemoteRoot:   "/opt",
			Sudo:         true,
			SourceDir:    "src",
			Precheck:     "command -v cargo",
			BuildCommand: "cargo build --release",
		},
	}
}

func (h *harness) orchestrator(p Packager) *Orchestrator {
	if p == nil {
		p = h.packager
	}
	return New(Dependencies{
		Packager:    p,
		Transport:   h.transport,
		Registrar:   h.registrar,
		Coordinator: h.coordinator,
		Slots:       h.store,
		Runs:        h.store,
		Observers:   []Observer{h.observer},
	}, h.opts, nil)
}

func request() project.DeploymentRequest {
	return project.DeploymentRequest{ProjectPath: "/src/svc", AppName: "svc", RemoteUsername: "deploy"}
}

func writeCargoProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src", "bin"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "main.rs"), []byte("fn main() {}\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "bin", "tool.rs"), []byte("fn main() {}\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Cargo.toml"), []byte("[package]\nname = \"svc\"\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Cargo.lock"), []byte("version = 3\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("not shipped\n"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "target"), 0755))
	return dir
}

func TestOrchestrator_FirstRun(t *testing.T) {
	h := newHarness(t)
	projectDir := writeCargoProject(t)
	real := &recordingPackager{inner: packager.New(packager.DefaultLayout, t.TempDir(), nil), log: h.log}

	req := request()
	req.ProjectPath = projectDir
	run, err := h.orchestrator(real).Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, StateDone, run.State)
	assert.Equal(t, Blue, run.Color, "first run deploys blue")
	assert.Nil(t, run.Previous)
	assert.Equal(t, 8081, run.Port)
	assert.Equal(t, "ok svc -> 8081", run.Ack)

	require.NotNil(t, real.last)
	assert.Equal(t, []string{"src/", "src/bin/", "src/bin/tool.rs", "src/main.rs", "Cargo.lock", "Cargo.toml"}, real.last.Members)
	assert.NoFileExists(t, real.last.Path, "staged archive is removed after the run")

	archive := "/opt/svc-blue/" + real.last.Name()
	assert.Equal(t, []string{
		"package " + real.last.Name(),
		"exec sudo mkdir -p /opt/svc-blue /opt/svc-green",
		"exec sudo chown -R deploy:deploy /opt/svc-blue /opt/svc-green",
		"upload " + archive,
		"exec rm -rf /opt/svc-blue/src && tar -xzf " + archive + " -C /opt/svc-blue && rm -f " + archive,
		"exec command -v cargo",
		"exec cd /opt/svc-blue && cargo build --release",
		"allocate svc",
		"install svc-blue.service port=8081 exec=/opt/svc-blue/target/release/svc",
		"switch svc 8081",
	}, h.log.all())

	live, ok := h.store.slot("svc", Blue)
	require.True(t, ok)
	assert.Equal(t, SlotLive, live.Status)
	assert.Equal(t, 8081, live.Port)

	require.Len(t, h.registrar.units, 1)
	assert.Equal(t, "deploy", h.registrar.units[0].User)
	assert.Equal(t, "/opt/svc-blue", h.registrar.units[0].WorkingDir)

	require.Len(t, h.store.finished, 1)
	assert.Equal(t, run.ID, h.store.finished[0].ID)
	assert.Equal(t, KindDeploy, h.store.finished[0].Kind)
	assert.Equal(t, 1, h.observer.started)
	assert.Equal(t, 1, h.observer.finished)
}

func TestOrchestrator_BuildFailure(t *testing.T) {
	h := newHarness(t)
	h.transport.failOn = "cargo build"

	run, err := h.orchestrator(nil).Run(context.Background(), request())
	require.Error(t, err)

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StateBuilt, stageErr.Stage)

	var terr *remote.TransportError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, remote.KindNonZeroExit, terr.Kind)
	assert.Equal(t, 101, terr.ExitStatus)
	assert.ErrorIs(t, err, remote.ErrNonZeroExit)

	assert.Equal(t, StateFailed, run.State)
	assert.Equal(t, StateBuilt, run.FailedStage)
	assert.Contains(t, run.Error, "cargo build")

	assert.Empty(t, h.log.withPrefix("allocate"), "no port is allocated after a failed build")
	assert.Empty(t, h.log.withPrefix("switch"))
	assert.Empty(t, h.log.withPrefix("install"))

	slot, ok := h.store.slot("svc", Blue)
	require.True(t, ok)
	assert.Equal(t, SlotBuilding, slot.Status, "slot keeps its last non-live status")
	live, _ := h.store.LiveSlot(context.Background(), "svc")
	assert.Nil(t, live)

	require.Len(t, h.store.finished, 1)
	assert.Equal(t, StateBuilt, h.store.finished[0].FailedStage)
}

func TestOrchestrator_MalformedPort(t *testing.T) {
	h := newHarness(t)
	h.coordinator.allocErr = &traffic.PortAllocationError{Kind: traffic.KindMalformedResponse, App: "svc", Status: 200, Body: "abc"}

	_, err := h.orchestrator(nil).Run(context.Background(), request())

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StatePortAllocated, stageErr.Stage)

	var perr *traffic.PortAllocationError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, traffic.KindMalformedResponse, perr.Kind)

	assert.Empty(t, h.log.withPrefix("install"), "no unit is installed without a port")
	assert.Empty(t, h.log.withPrefix("switch"))
}

func TestOrchestrator_AlternatesColors(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(nil)

	var colors []Color
	for i := 0; i < 4; i++ {
		run, err := o.Run(context.Background(), request())
		require.NoError(t, err)
		colors = append(colors, run.Color)
	}
	assert.Equal(t, []Color{Blue, Green, Blue, Green}, colors)

	green, _ := h.store.slot("svc", Green)
	blue, _ := h.store.slot("svc", Blue)
	assert.Equal(t, SlotLive, green.Status)
	assert.Equal(t, 8084, green.Port)
	assert.Equal(t, SlotRetired, blue.Status)
	assert.Equal(t, 8083, blue.Port)
}

func TestOrchestrator_SwitchAfterRegistration(t *testing.T) {
	h := newHarness(t)
	_, err := h.orchestrator(nil).Run(context.Background(), request())
	require.NoError(t, err)

	events := h.log.all()
	install, switched := -1, -1
	for i, e := range events {
		switch {
		case strings.HasPrefix(e, "install "):
			install = i
		case strings.HasPrefix(e, "switch "):
			switched = i
		}
	}
	require.NotEqual(t, -1, install)
	require.NotEqual(t, -1, switched)
	assert.Less(t, install, switched)

	failing := newHarness(t)
	failing.registrar.installErr = &service.ServiceRegistrationError{Kind: service.KindStartFailed, Unit: "svc-blue.service", Err: errors.New("exit 1")}
	_, err = failing.orchestrator(nil).Run(context.Background(), request())

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StateServiceRegistered, stageErr.Stage)
	assert.ErrorIs(t, err, service.ErrStartFailed)
	assert.Empty(t, failing.log.withPrefix("switch"), "traffic never moves to an unregistered service")
}

func TestOrchestrator_FailedSwitchKeepsPreviousLive(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(nil)

	_, err := o.Run(context.Background(), request())
	require.NoError(t, err)

	h.coordinator.switchErr = &traffic.TrafficSwitchError{Kind: traffic.KindRejected, App: "svc", Port: 8082, Status: 409, Body: "nope"}
	run, err := o.Run(context.Background(), request())
	require.Error(t, err)
	assert.Equal(t, Green, run.Color)
	assert.Equal(t, StateTrafficSwitched, run.FailedStage)
	require.NotNil(t, run.Previous)
	assert.Equal(t, Blue, run.Previous.Color)

	live, err := h.store.LiveSlot(context.Background(), "svc")
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Equal(t, Blue, live.Color)
	assert.Equal(t, 8081, live.Port)

	green, _ := h.store.slot("svc", Green)
	assert.Equal(t, SlotRegistered, green.Status)
}

func TestOrchestrator_CancelAfterSwitchStillPromotes(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(nil)

	_, err := o.Run(context.Background(), request())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.coordinator.switched = cancel

	run, err := o.Run(ctx, request())
	require.NoError(t, err)
	assert.Equal(t, StateDone, run.State)
	assert.Equal(t, Green, run.Color)

	live, err := h.store.LiveSlot(context.Background(), "svc")
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Equal(t, Green, live.Color, "the store follows the proxy")
	assert.Equal(t, 8082, live.Port)

	h.coordinator.switched = nil
	next, err := o.Run(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, Blue, next.Color, "the slot serving traffic is never redeployed")
}

func TestOrchestrator_SwitchedNotRecorded(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(nil)

	_, err := o.Run(context.Background(), request())
	require.NoError(t, err)

	h.store.promoteErr = errors.New("database is locked")
	run, err := o.Run(context.Background(), request())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSwitchedNotRecorded)
	assert.Equal(t, StateDone, run.FailedStage)

	var notRecorded *SwitchedNotRecordedError
	require.True(t, errors.As(err, &notRecorded))
	assert.Equal(t, Green, notRecorded.Color)
	assert.Equal(t, 8082, notRecorded.Port)
	assert.Contains(t, err.Error(), "database is locked")
}

func TestOrchestrator_RunFinishedLogsPortOnce(t *testing.T) {
	h := newHarness(t)
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	o := New(Dependencies{
		Packager:    h.packager,
		Transport:   h.transport,
		Registrar:   h.registrar,
		Coordinator: h.coordinator,
		Slots:       h.store,
		Runs:        h.store,
	}, h.opts, logger)

	_, err := o.Run(context.Background(), request())
	require.NoError(t, err)

	var finished string
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.Contains(line, `"msg":"run finished"`) {
			finished = line
		}
	}
	require.NotEmpty(t, finished)
	assert.Equal(t, 1, strings.Count(finished, `"port":`), finished)
}

func TestOrchestrator_StopRetired(t *testing.T) {
	h := newHarness(t)
	h.opts.StopRetired = true
	o := h.orchestrator(nil)

	_, err := o.Run(context.Background(), request())
	require.NoError(t, err)
	assert.Empty(t, h.log.withPrefix("stop"), "nothing to stop on the first run")

	_, err = o.Run(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, []string{"stop svc-blue.service"}, h.log.withPrefix("stop"))
}

func TestOrchestrator_NoSudo(t *testing.T) {
	h := newHarness(t)
	h.opts.Sudo = false
	h.opts.Precheck = ""

	_, err := h.orchestrator(nil).Run(context.Background(), request())
	require.NoError(t, err)

	execs := h.log.withPrefix("exec")
	assert.Equal(t, "exec mkdir -p /opt/svc-blue /opt/svc-green", execs[0])
	assert.Equal(t, "exec chown -R deploy:deploy /opt/svc-blue /opt/svc-green", execs[1])
	assert.Len(t, execs, 4, "no precheck when none is configured")
}

func TestOrchestrator_CustomBinaryAndRoot(t *testing.T) {
	h := newHarness(t)
	h.opts.RemoteRoot = "/srv/apps/"
	h.opts.Binary = "svc-server"

	_, err := h.orchestrator(nil).Run(context.Background(), request())
	require.NoError(t, err)

	assert.Contains(t, h.log.all(), "install svc-blue.service port=8081 exec=/srv/apps/svc-blue/target/release/svc-server")
}

func TestOrchestrator_RejectsUnsafeNames(t *testing.T) {
	tests := []struct {
		name string
		req  project.DeploymentRequest
	}{
		{"metacharacter in app", project.DeploymentRequest{ProjectPath: "/p", AppName: "svc;rm", RemoteUsername: "deploy"}},
		{"space in user", project.DeploymentRequest{ProjectPath: "/p", AppName: "svc", RemoteUsername: "de ploy"}},
		{"empty user", project.DeploymentRequest{ProjectPath: "/p", AppName: "svc"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			run, err := h.orchestrator(nil).Run(context.Background(), tt.req)

			var stageErr *StageError
			require.True(t, errors.As(err, &stageErr))
			assert.Equal(t, StateInit, stageErr.Stage)
			assert.Equal(t, StateFailed, run.State)
			assert.Empty(t, h.log.all(), "nothing runs for an invalid request")
		})
	}
}

func TestOrchestrator_PackagingFailure(t *testing.T) {
	h := newHarness(t)
	h.packager.err = &packager.PackagingError{Kind: packager.KindMissingFile, Path: "/src/svc/Cargo.lock", Err: os.ErrNotExist}

	_, err := h.orchestrator(nil).Run(context.Background(), request())

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StatePackaged, stageErr.Stage)
	assert.ErrorIs(t, err, packager.ErrMissingFile)
	assert.Empty(t, h.log.withPrefix("exec"), "nothing reaches the remote host")
}

func TestOrchestrator_Cancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := h.orchestrator(nil).Run(ctx, request())

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StatePackaged, stageErr.Stage)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailed, run.State)
	require.Len(t, h.store.finished, 1, "a cancelled run is still recorded")
}

func TestNextColor(t *testing.T) {
	assert.Equal(t, Blue, NextColor(nil))
	assert.Equal(t, Green, NextColor(&Slot{Color: Blue}))
	assert.Equal(t, Blue, NextColor(&Slot{Color: Green}))
}

func TestParseColor(t *testing.T) {
	c, err := ParseColor("green")
	require.NoError(t, err)
	assert.Equal(t, Green, c)

	_, err = ParseColor("red")
	assert.Error(t, err)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := &project.Config{
		Remote:  project.RemoteConfig{Root: "/srv", Sudo: true},
		Build:   project.BuildConfig{SourceDir: "src", Precheck: "command -v cargo", Command: "cargo build --release", Binary: "svc"},
		Service: project.ServiceConfig{StopRetired: true},
	}

	assert.Equal(t, Options{
		RemoteRoot:   "/srv",
		Sudo:         true,
		SourceDir:    "src",
		Precheck:     "command -v cargo",
		BuildCommand: "cargo build --release",
		Binary:       "svc",
		StopRetired:  true,
	}, OptionsFromConfig(cfg))
}
