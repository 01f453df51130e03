package history

import (
	"time"

	"flipdeploy/internal/deployment"
)

// SlotView is the serialized form of a slot.
type SlotView struct {
	Color     string    `json:"color" yaml:"color"`
	Port      int       `json:"port,omitempty" yaml:"port,omitempty"`
	Status    string    `json:"status" yaml:"status"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// RunView is the serialized form of a run.
type RunView struct {
	ID              string     `json:"id" yaml:"id"`
	Kind            string     `json:"kind" yaml:"kind"`
	Ref             string     `json:"ref,omitempty" yaml:"ref,omitempty"`
	Color           string     `json:"color,omitempty" yaml:"color,omitempty"`
	Port            int        `json:"port,omitempty" yaml:"port,omitempty"`
	State           string     `json:"state" yaml:"state"`
	FailedStage     string     `json:"failed_stage,omitempty" yaml:"failed_stage,omitempty"`
	Error           string     `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt       time.Time  `json:"started_at" yaml:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	DurationSeconds float64    `json:"duration_seconds,omitempty" yaml:"duration_seconds,omitempty"`
}

// AppStatus summarizes the slots and recent runs of an app.
type AppStatus struct {
	App    string     `json:"app" yaml:"app"`
	Live   *SlotView  `json:"live,omitempty" yaml:"live,omitempty"`
	Slots  []SlotView `json:"slots" yaml:"slots"`
	Recent []RunView  `json:"recent_runs" yaml:"recent_runs"`
}

// NewSlotView converts a slot for output.
func NewSlotView(s deployment.Slot) SlotView {
	return SlotView{
		Color:     string(s.Color),
		Port:      s.Port,
		Status:    string(s.Status),
		UpdatedAt: s.UpdatedAt,
	}
}

// NewRunView converts a run for output.
func NewRunView(r deployment.Run) RunView {
	v := RunView{
		ID:          r.ID,
		Kind:        string(r.Kind),
		Ref:         r.Ref,
		Color:       string(r.Color),
		Port:        r.Port,
		State:       string(r.State),
		FailedStage: string(r.FailedStage),
		Error:       r.Error,
		StartedAt:   r.StartedAt,
	}
	if !r.FinishedAt.IsZero() {
		finished := r.FinishedAt
		v.FinishedAt = &finished
		v.DurationSeconds = r.Duration().Seconds()
	}
	return v
}
