package group

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/beskarops/proxmox-ca-provider/internal/core"
)

type fakeProxmox struct {
	vms      []VMSummary
	tagsByID map[int][]string
}

func (f *fakeProxmox) ListVMs(ctx context.Context) ([]VMSummary, error) {
	return f.vms, nil
}

func (f *fakeProxmox) VMTags(ctx context.Context, vmid int) ([]string, error) {
	return f.tagsByID[vmid], nil
}

type fakeStore struct {
	byID map[int]core.VmStateRecord
}

func newFakeStore() *fakeStore { return &fakeStore{byID: map[int]core.VmStateRecord{}} }

func (f *fakeStore) GetVMState(ctx context.Context, vmid int) (*core.VmStateRecord, error) {
	rec, ok := f.byID[vmid]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (f *fakeStore) UpsertVMState(ctx context.Context, rec core.VmStateRecord) error {
	f.byID[rec.VMID] = rec
	return nil
}

var generalGroup = core.GroupConfig{ID: "general", VMNamePrefix: "ca-general", MinSize: 0, MaxSize: 5}

func TestGroupVMsFiltersByTagAndSorts(t *testing.T) {
	px := &fakeProxmox{
		vms: []VMSummary{
			{VMID: 103, Name: "ca-general-103", Status: "running", Tags: []string{"ca-group-general"}},
			{VMID: 101, Name: "ca-general-101", Status: "running", Tags: []string{"ca-group-general"}},
			{VMID: 200, Name: "other", Status: "running", Tags: []string{"ca-group-other"}},
		},
	}
	gc := New([]core.GroupConfig{generalGroup}, px, newFakeStore())

	vms, err := gc.GroupVMs(context.Background(), generalGroup)
	require.NoError(t, err)
	require.Len(t, vms, 2)
	require.Equal(t, 101, vms[0].VMID)
	require.Equal(t, 103, vms[1].VMID)
}

func TestGroupVMsFallsBackToConfigTags(t *testing.T) {
	px := &fakeProxmox{
		vms: []VMSummary{
			{VMID: 101, Name: "ca-general-101", Status: "running", Tags: nil},
		},
		tagsByID: map[int][]string{101: {"ca-group-general"}},
	}
	gc := New([]core.GroupConfig{generalGroup}, px, newFakeStore())

	vms, err := gc.GroupVMs(context.Background(), generalGroup)
	require.NoError(t, err)
	require.Len(t, vms, 1)
	require.Equal(t, 101, vms[0].VMID)
}

func TestEnsureVMStateSeedsFromObservedStatus(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	gc := New([]core.GroupConfig{generalGroup}, &fakeProxmox{}, store)

	running := core.VMInfo{VMID: 1, Name: "a", Status: "running"}
	state, err := gc.EnsureVMState(ctx, generalGroup, running)
	require.NoError(t, err)
	require.Equal(t, core.StateActive, state)
	require.Nil(t, store.byID[1].PendingSince)

	notRunning := core.VMInfo{VMID: 2, Name: "b", Status: "paused"}
	state, err = gc.EnsureVMState(ctx, generalGroup, notRunning)
	require.NoError(t, err)
	require.Equal(t, core.StatePending, state)
	require.NotNil(t, store.byID[2].PendingSince)
}

func TestEnsureVMStatePreservesExistingLifecycleState(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.byID[1] = core.VmStateRecord{VMID: 1, GroupID: "general", VMName: "a", State: core.StateDeletingISO}
	gc := New([]core.GroupConfig{generalGroup}, &fakeProxmox{}, store)

	vm := core.VMInfo{VMID: 1, Name: "a", Status: "running"}
	state, err := gc.EnsureVMState(ctx, generalGroup, vm)
	require.NoError(t, err)
	require.Equal(t, core.StateDeletingISO, state) // not clobbered back to active
}

func TestEnsureVMStateDoesNotRebindAnotherGroupsVM(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.byID[1] = core.VmStateRecord{VMID: 1, GroupID: "other", VMName: "a", State: core.StateActive}
	gc := New([]core.GroupConfig{generalGroup}, &fakeProxmox{}, store)

	vm := core.VMInfo{VMID: 1, Name: "a", Status: "running"}
	state, err := gc.EnsureVMState(ctx, generalGroup, vm)
	require.NoError(t, err)
	require.Equal(t, core.StateActive, state)
	require.Equal(t, "other", store.byID[1].GroupID) // group_id is immutable; no rebind
}

func TestFindVMForNodeByVMIDThenName(t *testing.T) {
	ctx := context.Background()
	px := &fakeProxmox{
		vms: []VMSummary{
			{VMID: 101, Name: "ca-general-101", Status: "running", Tags: []string{"ca-group-general"}},
		},
	}
	gc := New([]core.GroupConfig{generalGroup}, px, newFakeStore())

	vm, err := gc.FindVMForNode(ctx, generalGroup, core.ManagedNode{ProviderID: "k3s://ca-general-101"})
	require.NoError(t, err)
	require.NotNil(t, vm)
	require.Equal(t, 101, vm.VMID)

	vm, err = gc.FindVMForNode(ctx, generalGroup, core.ManagedNode{Name: "ca-general-101"})
	require.NoError(t, err)
	require.NotNil(t, vm)

	vm, err = gc.FindVMForNode(ctx, generalGroup, core.ManagedNode{ProviderID: "k3s://ghost", Name: "ghost"})
	require.NoError(t, err)
	require.Nil(t, vm)
}

func TestManagedGroupVMsIncludesActiveAndPending(t *testing.T) {
	ctx := context.Background()
	px := &fakeProxmox{
		vms: []VMSummary{
			{VMID: 1, Name: "a", Status: "running", Tags: []string{"ca-group-general"}},
			{VMID: 2, Name: "b", Status: "stopped", Tags: []string{"ca-group-general"}},
		},
	}
	gc := New([]core.GroupConfig{generalGroup}, px, newFakeStore())

	managed, err := gc.ManagedGroupVMs(ctx, generalGroup)
	require.NoError(t, err)
	require.Len(t, managed, 2)
}
