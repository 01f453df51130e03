package deployment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"flipdeploy/internal/packager"
	"flipdeploy/internal/remote"
	"flipdeploy/internal/service"
	"flipdeploy/internal/traffic"
)

// eventLog is shared by the fakes so tests can assert cross-component order.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) withPrefix(prefix string) []string {
	var out []string
	for _, e := range l.all() {
		if strings.HasPrefix(e, prefix) {
			out = append(out, e)
		}
	}
	return out
}

// stubPackager writes a tiny archive into dir.
type stubPackager struct {
	dir  string
	log  *eventLog
	err  error
	last *packager.Archive
}

func (p *stubPackager) Package(ctx context.Context, projectPath, archiveName string) (*packager.Archive, error) {
	p.log.add("package %s", archiveName)
	if p.err != nil {
		return nil, p.err
	}
	path := filepath.Join(p.dir, archiveName)
	if err := os.WriteFile(path, []byte("archive"), 0600); err != nil {
		return nil, err
	}
	p.last = &packager.Archive{Path: path, Members: []string{"Cargo.lock", "Cargo.toml", "src/"}, Size: 7}
	return p.last, nil
}

// recordingPackager wraps the real packager and keeps the archive it built.
type recordingPackager struct {
	inner *packager.Packager
	log   *eventLog
	last  *packager.Archive
}

func (p *recordingPackager) Package(ctx context.Context, projectPath, archiveName string) (*packager.Archive, error) {
	p.log.add("package %s", archiveName)
	a, err := p.inner.Package(ctx, projectPath, archiveName)
	p.last = a
	return a, err
}

// fakeTransport records commands; a command containing failOn exits 101.
type fakeTransport struct {
	log    *eventLog
	failOn string
}

func (t *fakeTransport) Exec(ctx context.Context, command string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	t.log.add("exec %s", command)
	if t.failOn != "" && strings.Contains(command, t.failOn) {
		return "", &remote.TransportError{
			Kind: remote.KindNonZeroExit,
			Op:   "exec",
			RemoteCommand: remote.RemoteCommand{
				Command:    command,
				ExitStatus: 101,
				Stderr:     "error[E0425]: cannot find value `x` in this scope",
			},
		}
	}
	return "", nil
}

func (t *fakeTransport) Upload(ctx context.Context, localPath, remotePath string) (int64, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return 0, err
	}
	t.log.add("upload %s", remotePath)
	return info.Size(), nil
}

// fakeCoordinator hands out ports starting at nextPort.
type fakeCoordinator struct {
	log       *eventLog
	nextPort  int
	allocErr  error
	switchErr error
	// switched runs after a switch has been acknowledged.
	switched func()
}

func (c *fakeCoordinator) AllocatePort(ctx context.Context, app string) (int, error) {
	c.log.add("allocate %s", app)
	if c.allocErr != nil {
		return 0, c.allocErr
	}
	port := c.nextPort
	c.nextPort++
	return port, nil
}

func (c *fakeCoordinator) SwitchTraffic(ctx context.Context, app string, port int) (string, error) {
	c.log.add("switch %s %d", app, port)
	if c.switchErr != nil {
		return "", c.switchErr
	}
	if c.switched != nil {
		c.switched()
	}
	return fmt.Sprintf("ok %s -> %d", app, port), nil
}

var _ traffic.Coordinator = (*fakeCoordinator)(nil)

type fakeRegistrar struct {
	log        *eventLog
	units      []service.Unit
	installErr error
}

func (r *fakeRegistrar) Install(ctx context.Context, u service.Unit) error {
	r.log.add("install %s port=%d exec=%s", u.Name(), u.Port, u.ExecPath)
	if r.installErr != nil {
		return r.installErr
	}
	r.units = append(r.units, u)
	return nil
}

func (r *fakeRegistrar) Stop(ctx context.Context, app, color string) error {
	r.log.add("stop %s", service.UnitName(app, color))
	return nil
}

// memStore is an in-memory SlotStore and RunRecorder.
type memStore struct {
	mu       sync.Mutex
	slots    map[string]Slot
	started  []Run
	finished []Run
	clock    time.Time

	promoteErr error
}

func newMemStore() *memStore {
	return &memStore{slots: map[string]Slot{}, clock: time.Unix(1700000000, 0)}
}

func (s *memStore) tick() time.Time {
	s.clock = s.clock.Add(time.Second)
	return s.clock
}

func (s *memStore) LiveSlot(ctx context.Context, app string) (*Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, slot := range s.slots {
		if slot.App == app && slot.Status == SlotLive {
			slot := slot
			return &slot, nil
		}
	}
	return nil, nil
}

func (s *memStore) Slots(ctx context.Context, app string) ([]Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Slot
	for _, c := range Colors {
		if slot, ok := s.slots[app+"/"+string(c)]; ok {
			out = append(out, slot)
		}
	}
	return out, nil
}

func (s *memStore) SaveSlot(ctx context.Context, slot Slot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot.UpdatedAt = s.tick()
	s.slots[slot.App+"/"+string(slot.Color)] = slot
	return nil
}

// Promote honours ctx the way a database transaction does.
func (s *memStore) Promote(ctx context.Context, slot Slot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.promoteErr != nil {
		return s.promoteErr
	}
	for key, other := range s.slots {
		if other.App == slot.App && other.Status == SlotLive && other.Color != slot.Color {
			other.Status = SlotRetired
			other.UpdatedAt = s.tick()
			s.slots[key] = other
		}
	}
	slot.Status = SlotLive
	slot.UpdatedAt = s.tick()
	s.slots[slot.App+"/"+string(slot.Color)] = slot
	return nil
}

func (s *memStore) slot(app string, color Color) (Slot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[app+"/"+string(color)]
	return slot, ok
}

func (s *memStore) StartRun(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, *run)
	return nil
}

func (s *memStore) FinishRun(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, *run)
	return nil
}

type countingObserver struct {
	started, finished int
}

func (o *countingObserver) RunStarted(ctx context.Context, run *Run)  { o.started++ }
func (o *countingObserver) RunFinished(ctx context.Context, run *Run) { o.finished++ }
