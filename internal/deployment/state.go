package deployment

import (
	"fmt"
	"time"
)

// State is a step of the deployment state machine.
type State string

// States in the order a successful run passes through them.
const (
	StateInit              State = "init"
	StatePackaged          State = "packaged"
	StateBootstrapped      State = "bootstrapped"
	StateUploaded          State = "uploaded"
	StateExtracted         State = "extracted"
	StateBuilt             State = "built"
	StatePortAllocated     State = "port_allocated"
	StateServiceRegistered State = "service_registered"
	StateTrafficSwitched   State = "traffic_switched"
	StateDone              State = "done"

	// StateFailed is terminal; the failing stage is kept in Run.FailedStage.
	StateFailed State = "failed"
)

// Color names one of the two slots of an app.
type Color string

const (
	Blue  Color = "blue"
	Green Color = "green"
)

// Colors lists both slot colors.
var Colors = []Color{Blue, Green}

// Opposite returns the other color.
func (c Color) Opposite() Color {
	if c == Blue {
		return Green
	}
	return Blue
}

// ParseColor validates a color name.
func ParseColor(s string) (Color, error) {
	switch Color(s) {
	case Blue, Green:
		return Color(s), nil
	}
	return "", fmt.Errorf("invalid slot color %q", s)
}

// SlotStatus is the lifecycle position of a slot.
type SlotStatus string

const (
	SlotProvisioning SlotStatus = "provisioning"
	SlotBuilding     SlotStatus = "building"
	SlotRegistered   SlotStatus = "registered"
	SlotLive         SlotStatus = "live"
	SlotRetired      SlotStatus = "retired"
)

// Slot is one color of an app on the remote host.
type Slot struct {
	App       string
	Color     Color
	Port      int // 0 until a port is allocated
	Status    SlotStatus
	UpdatedAt time.Time
}

// NextColor picks the slot to deploy into: the opposite of the live slot,
// or blue when nothing is live.
func NextColor(live *Slot) Color {
	if live == nil {
		return Blue
	}
	return live.Color.Opposite()
}

// RunKind distinguishes deployments from rollbacks in the run history.
type RunKind string

const (
	KindDeploy   RunKind = "deploy"
	KindRollback RunKind = "rollback"
)

// Run is the record of one orchestrator invocation.
type Run struct {
	ID          string
	Kind        RunKind
	App         string
	User        string
	Ref         string
	Color       Color
	Previous    *Slot // live slot when the run started
	Port        int
	State       State
	FailedStage State
	Error       string
	Archive     string
	Ack         string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Duration is the run's wall time so far.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Succeeded reports whether the run reached StateDone.
func (r *Run) Succeeded() bool {
	return r.State == StateDone
}
