package deployment

import (
	"context"
	"fmt"
)

// Rollback moves traffic back to the app's retired slot: the retired unit
// is reinstalled on its recorded port (which restarts it), traffic is
// switched to that port and the slot is promoted again.
func (o *Orchestrator) Rollback(ctx context.Context, app, user string) (*Run, error) {
	run := o.newRun(KindRollback, app, user)
	x := &execution{run: run, logger: o.logger.With("run_id", run.ID, "app", app, "kind", KindRollback)}

	if err := o.validate(run); err != nil {
		return run, o.fail(ctx, x, StateInit, err)
	}

	target, live, err := o.rollbackTarget(ctx, app)
	if err != nil {
		return run, o.fail(ctx, x, StateInit, err)
	}
	run.Previous = live
	run.Color = target.Color
	run.Port = target.Port
	x.target = target
	x.logger = x.logger.With("color", target.Color, "port", target.Port)
	x.logger.Info("rolling back")

	o.started(ctx, x)

	return run, o.execute(ctx, x, []stage{
		{StateServiceRegistered, func(ctx context.Context, x *execution) error {
			return o.deps.Registrar.Install(ctx, o.unit(x.run, x.target.Color, x.target.Port))
		}},
		{StateTrafficSwitched, o.switchTraffic},
		{StateDone, o.promote},
	})
}

// rollbackTarget returns the most recently retired slot that has a port,
// plus the live slot if any.
func (o *Orchestrator) rollbackTarget(ctx context.Context, app string) (*Slot, *Slot, error) {
	slots, err := o.deps.Slots.Slots(ctx, app)
	if err != nil {
		return nil, nil, fmt.Errorf("read slots: %w", err)
	}

	var target, live *Slot
	for i := range slots {
		s := &slots[i]
		switch s.Status {
		case SlotLive:
			live = s
		case SlotRetired:
			if s.Port > 0 && (target == nil || s.UpdatedAt.After(target.UpdatedAt)) {
				target = s
			}
		}
	}
	if target == nil {
		return nil, live, fmt.Errorf("%s: %w", app, ErrNothingToRollBack)
	}
	return target, live, nil
}
