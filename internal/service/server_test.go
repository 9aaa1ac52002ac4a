package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/beskarops/proxmox-ca-provider/internal/core"
	"github.com/beskarops/proxmox-ca-provider/internal/grpcapi"
)

type fakeOrchestrator struct {
	groups       map[string]core.GroupConfig
	order        []string
	forNode      *core.GroupConfig
	forNodeErr   error
	targetSize   int
	targetErr    error
	increaseErr  error
	decreaseErr  error
	deleteErr    error
	vms          []core.VMInfo
	vmsErr       error
	templateInfo []byte
	templateErr  error

	lastIncreaseDelta int
	lastDecreaseDelta int
	lastDeletedNodes  []core.ManagedNode
}

func (f *fakeOrchestrator) NodeGroupForNode(ctx context.Context, node core.ManagedNode) (*core.GroupConfig, error) {
	return f.forNode, f.forNodeErr
}

func (f *fakeOrchestrator) NodeGroupTargetSize(ctx context.Context, groupID string) (int, error) {
	return f.targetSize, f.targetErr
}

func (f *fakeOrchestrator) NodeGroupIncreaseSize(ctx context.Context, groupID string, delta int) error {
	f.lastIncreaseDelta = delta
	return f.increaseErr
}

func (f *fakeOrchestrator) NodeGroupDecreaseTargetSize(ctx context.Context, groupID string, delta int) error {
	f.lastDecreaseDelta = delta
	return f.decreaseErr
}

func (f *fakeOrchestrator) NodeGroupDeleteNodes(ctx context.Context, groupID string, nodes []core.ManagedNode) error {
	f.lastDeletedNodes = nodes
	return f.deleteErr
}

func (f *fakeOrchestrator) NodeGroupNodes(ctx context.Context, groupID string) ([]core.VMInfo, error) {
	return f.vms, f.vmsErr
}

func (f *fakeOrchestrator) NodeGroupTemplateNodeInfo(ctx context.Context, groupID string) ([]byte, error) {
	return f.templateInfo, f.templateErr
}

func (f *fakeOrchestrator) GroupIDs() []string {
	return f.order
}

func (f *fakeOrchestrator) Group(groupID string) (core.GroupConfig, error) {
	g, ok := f.groups[groupID]
	if !ok {
		return core.GroupConfig{}, core.NewGroupNotFound(groupID)
	}
	return g, nil
}

func TestNodeGroupsListsAllConfiguredGroups(t *testing.T) {
	f := &fakeOrchestrator{
		order: []string{"general", "gpu"},
		groups: map[string]core.GroupConfig{
			"general": {ID: "general", MinSize: 0, MaxSize: 5},
			"gpu":     {ID: "gpu", MinSize: 0, MaxSize: 2},
		},
	}
	srv := New(f)
	resp, err := srv.NodeGroups(context.Background(), &grpcapi.NodeGroupsRequest{})
	require.NoError(t, err)
	require.Len(t, resp.NodeGroups, 2)
	require.Equal(t, "general", resp.NodeGroups[0].Id)
	require.Equal(t, int32(5), resp.NodeGroups[0].MaxSize)
}

func TestNodeGroupForNodeReturnsEmptyGroupWhenUnmanaged(t *testing.T) {
	f := &fakeOrchestrator{forNode: nil}
	srv := New(f)
	resp, err := srv.NodeGroupForNode(context.Background(), &grpcapi.NodeGroupForNodeRequest{
		Node: &grpcapi.ExternalGrpcNode{ProviderID: "k3s://unmanaged-1", Name: "unmanaged-1"},
	})
	require.NoError(t, err)
	require.Equal(t, "", resp.NodeGroup.Id)
}

func TestNodeGroupForNodeReturnsOwningGroup(t *testing.T) {
	g := core.GroupConfig{ID: "general", MaxSize: 5}
	f := &fakeOrchestrator{forNode: &g}
	srv := New(f)
	resp, err := srv.NodeGroupForNode(context.Background(), &grpcapi.NodeGroupForNodeRequest{
		Node: &grpcapi.ExternalGrpcNode{ProviderID: "k3s://ca-general-101", Name: "ca-general-101"},
	})
	require.NoError(t, err)
	require.Equal(t, "general", resp.NodeGroup.Id)
}

func TestNodeGroupForNodeMapsNotFoundToStatus(t *testing.T) {
	f := &fakeOrchestrator{forNodeErr: core.NewGroupNotFound("ghost")}
	srv := New(f)
	_, err := srv.NodeGroupForNode(context.Background(), &grpcapi.NodeGroupForNodeRequest{
		Node: &grpcapi.ExternalGrpcNode{Name: "x"},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "NotFound")
}

func TestNodeGroupIncreaseSizePassesDeltaThrough(t *testing.T) {
	f := &fakeOrchestrator{}
	srv := New(f)
	_, err := srv.NodeGroupIncreaseSize(context.Background(), &grpcapi.NodeGroupIncreaseSizeRequest{Id: "general", Delta: 3})
	require.NoError(t, err)
	require.Equal(t, 3, f.lastIncreaseDelta)
}

func TestNodeGroupDecreaseTargetSizePassesNegativeDeltaThrough(t *testing.T) {
	f := &fakeOrchestrator{}
	srv := New(f)
	_, err := srv.NodeGroupDecreaseTargetSize(context.Background(), &grpcapi.NodeGroupDecreaseTargetSizeRequest{Id: "general", Delta: -2})
	require.NoError(t, err)
	require.Equal(t, -2, f.lastDecreaseDelta)
}

func TestNodeGroupDeleteNodesConvertsEachNode(t *testing.T) {
	f := &fakeOrchestrator{}
	srv := New(f)
	_, err := srv.NodeGroupDeleteNodes(context.Background(), &grpcapi.NodeGroupDeleteNodesRequest{
		Id: "general",
		Nodes: []*grpcapi.ExternalGrpcNode{
			{ProviderID: "k3s://ca-general-101", Name: "ca-general-101"},
			{ProviderID: "k3s://ca-general-102", Name: "ca-general-102"},
		},
	})
	require.NoError(t, err)
	require.Len(t, f.lastDeletedNodes, 2)
	require.Equal(t, "ca-general-101", f.lastDeletedNodes[0].Name)
}

func TestNodeGroupNodesMapsRunningStateCorrectly(t *testing.T) {
	f := &fakeOrchestrator{vms: []core.VMInfo{
		{VMID: 101, Name: "ca-general-101", Status: "running"},
		{VMID: 102, Name: "ca-general-102", Status: "stopped"},
	}}
	srv := New(f)
	resp, err := srv.NodeGroupNodes(context.Background(), &grpcapi.NodeGroupNodesRequest{Id: "general"})
	require.NoError(t, err)
	require.Len(t, resp.Instances, 2)
	require.Equal(t, "k3s://ca-general-101", resp.Instances[0].Id)
	require.Equal(t, grpcapi.InstanceStateRunning, resp.Instances[0].Status.InstanceState)
	require.Equal(t, "k3s://ca-general-102", resp.Instances[1].Id)
	require.Equal(t, grpcapi.InstanceStateUnspecified, resp.Instances[1].Status.InstanceState)
}

func TestNodeGroupTemplateNodeInfoReturnsRawBytes(t *testing.T) {
	f := &fakeOrchestrator{templateInfo: []byte("node-bytes")}
	srv := New(f)
	resp, err := srv.NodeGroupTemplateNodeInfo(context.Background(), &grpcapi.NodeGroupTemplateNodeInfoRequest{Id: "general"})
	require.NoError(t, err)
	require.Equal(t, []byte("node-bytes"), resp.NodeInfo)
}

func TestNodeGroupGetOptionsEchoesDefaultsForExistingGroup(t *testing.T) {
	f := &fakeOrchestrator{groups: map[string]core.GroupConfig{"general": {ID: "general"}}}
	srv := New(f)
	resp, err := srv.NodeGroupGetOptions(context.Background(), &grpcapi.NodeGroupGetOptionsRequest{
		Id:       "general",
		Defaults: []byte("defaults-bytes"),
	})
	require.NoError(t, err)
	require.Equal(t, []byte("defaults-bytes"), resp.NodeGroupAutoscalingOptions)
}

func TestNodeGroupGetOptionsNotFoundForUnknownGroup(t *testing.T) {
	f := &fakeOrchestrator{groups: map[string]core.GroupConfig{}}
	srv := New(f)
	_, err := srv.NodeGroupGetOptions(context.Background(), &grpcapi.NodeGroupGetOptionsRequest{Id: "ghost"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "NotFound")
}

func TestNoOpRPCsReturnEmptyResponses(t *testing.T) {
	srv := New(&fakeOrchestrator{})
	ctx := context.Background()

	gl, err := srv.GPULabel(ctx, &grpcapi.GPULabelRequest{})
	require.NoError(t, err)
	require.NotNil(t, gl)

	gt, err := srv.GetAvailableGPUTypes(ctx, &grpcapi.GetAvailableGPUTypesRequest{})
	require.NoError(t, err)
	require.NotNil(t, gt)

	cl, err := srv.Cleanup(ctx, &grpcapi.CleanupRequest{})
	require.NoError(t, err)
	require.NotNil(t, cl)

	rf, err := srv.Refresh(ctx, &grpcapi.RefreshRequest{})
	require.NoError(t, err)
	require.NotNil(t, rf)
}
