package deployment

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrchestrator_Rollback(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(nil)

	for i := 0; i < 2; i++ {
		_, err := o.Run(context.Background(), request())
		require.NoError(t, err)
	}
	h.log = &eventLog{}
	h.registrar.log = h.log
	h.coordinator.log = h.log
	h.transport.log = h.log

	run, err := o.Rollback(context.Background(), "svc", "deploy")
	require.NoError(t, err)

	assert.Equal(t, KindRollback, run.Kind)
	assert.Equal(t, Blue, run.Color)
	assert.Equal(t, 8081, run.Port)
	assert.Equal(t, StateDone, run.State)
	assert.Equal(t, []string{
		"install svc-blue.service port=8081 exec=/opt/svc-blue/target/release/svc",
		"switch svc 8081",
	}, h.log.all())

	blue, _ := h.store.slot("svc", Blue)
	green, _ := h.store.slot("svc", Green)
	assert.Equal(t, SlotLive, blue.Status)
	assert.Equal(t, SlotRetired, green.Status)

	// rolling back again returns to green
	run, err = o.Rollback(context.Background(), "svc", "deploy")
	require.NoError(t, err)
	assert.Equal(t, Green, run.Color)
	assert.Equal(t, 8082, run.Port)
}

func TestOrchestrator_RollbackWithoutRetiredSlot(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(nil)

	_, err := o.Rollback(context.Background(), "svc", "deploy")
	assert.ErrorIs(t, err, ErrNothingToRollBack)

	_, err = o.Run(context.Background(), request())
	require.NoError(t, err)

	_, err = o.Rollback(context.Background(), "svc", "deploy")
	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StateInit, stageErr.Stage)
	assert.ErrorIs(t, err, ErrNothingToRollBack)
	assert.Len(t, h.log.withPrefix("switch"), 1, "only the deploy switched traffic")
}

func TestOrchestrator_RollbackSkipsOverwrittenSlot(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(nil)

	for i := 0; i < 2; i++ {
		_, err := o.Run(context.Background(), request())
		require.NoError(t, err)
	}

	// a failed third run reuses blue, so blue no longer holds the old build
	h.transport.failOn = "cargo build"
	_, err := o.Run(context.Background(), request())
	require.Error(t, err)

	_, err = o.Rollback(context.Background(), "svc", "deploy")
	assert.ErrorIs(t, err, ErrNothingToRollBack)
}
