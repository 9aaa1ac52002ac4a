package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/beskarops/proxmox-ca-provider/internal/core"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertAndGetVMState(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	since := int64(100)
	rec := core.VmStateRecord{
		VMID:         101,
		GroupID:      "general",
		VMName:       "ca-general-101",
		State:        core.StatePending,
		PendingSince: &since,
	}
	require.NoError(t, s.UpsertVMState(ctx, rec))

	got, err := s.GetVMState(ctx, 101)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, core.StatePending, got.State)
	require.Equal(t, "general", got.GroupID)
	require.NotZero(t, got.UpdatedAt)

	// Read-your-writes: a second upsert overwrites in place.
	rec.State = core.StateActive
	rec.PendingSince = nil
	require.NoError(t, s.UpsertVMState(ctx, rec))

	got, err = s.GetVMState(ctx, 101)
	require.NoError(t, err)
	require.Equal(t, core.StateActive, got.State)
	require.Nil(t, got.PendingSince)
}

func TestGetVMStateMissing(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetVMState(context.Background(), 999)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestListGroupVMStatesOrdered(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, vmid := range []int{103, 101, 102} {
		require.NoError(t, s.UpsertVMState(ctx, core.VmStateRecord{
			VMID: vmid, GroupID: "general", VMName: "x", State: core.StateActive,
		}))
	}
	require.NoError(t, s.UpsertVMState(ctx, core.VmStateRecord{
		VMID: 200, GroupID: "other", VMName: "y", State: core.StateActive,
	}))

	got, err := s.ListGroupVMStates(ctx, "general")
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, []int{101, 102, 103}, []int{got[0].VMID, got[1].VMID, got[2].VMID})
}

func TestDeleteVMStateIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.DeleteVMState(ctx, 404)) // no row: not an error

	require.NoError(t, s.UpsertVMState(ctx, core.VmStateRecord{VMID: 1, GroupID: "g", VMName: "n", State: core.StateActive}))
	require.NoError(t, s.DeleteVMState(ctx, 1))
	require.NoError(t, s.DeleteVMState(ctx, 1)) // second delete is still fine

	got, err := s.GetVMState(ctx, 1)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestCountGroupVMStates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	states := []core.State{core.StatePending, core.StateActive, core.StateActive, core.StateFailed}
	for i, st := range states {
		require.NoError(t, s.UpsertVMState(ctx, core.VmStateRecord{VMID: i + 1, GroupID: "general", VMName: "n", State: st}))
	}

	n, err := s.CountGroupVMStates(ctx, "general", []core.State{core.StateActive, core.StatePending})
	require.NoError(t, err)
	require.Equal(t, 3, n)

	n, err = s.CountGroupVMStates(ctx, "general", []core.State{core.StateFailed})
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestDesiredSizeLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, ok, err := s.GetDesiredSize(ctx, "general")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SetDesiredSizeIfMissing(ctx, "general", 2))
	n, ok, err := s.GetDesiredSize(ctx, "general")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, n)

	// set_desired_size_if_missing must not overwrite.
	require.NoError(t, s.SetDesiredSizeIfMissing(ctx, "general", 99))
	n, _, err = s.GetDesiredSize(ctx, "general")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.NoError(t, s.SetDesiredSize(ctx, "general", 4))
	n, _, err = s.GetDesiredSize(ctx, "general")
	require.NoError(t, err)
	require.Equal(t, 4, n)
}

func TestAdditiveMigrationIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Init(ctx)) // calling Init twice against an up-to-date schema must not fail
}
