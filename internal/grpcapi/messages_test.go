package grpcapi

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/beskarops/proxmox-ca-provider/internal/core"
)

func roundTrip(t *testing.T, m wireMessage, out wireMessage) {
	t.Helper()
	data, err := m.Marshal()
	require.NoError(t, err)
	require.NoError(t, out.Unmarshal(data))
}

func TestNodeGroupRoundTrip(t *testing.T) {
	in := &NodeGroup{Id: "general", MinSize: 0, MaxSize: 5, Debug: "general (0:5)"}
	out := &NodeGroup{}
	roundTrip(t, in, out)
	require.Equal(t, in, out)
}

func TestNodeGroupsResponseRoundTrip(t *testing.T) {
	in := &NodeGroupsResponse{NodeGroups: []*NodeGroup{
		{Id: "general", MaxSize: 5},
		{Id: "gpu", MaxSize: 2},
	}}
	out := &NodeGroupsResponse{}
	roundTrip(t, in, out)
	require.Equal(t, in, out)
}

func TestExternalGrpcNodeRoundTripWithLabels(t *testing.T) {
	in := &ExternalGrpcNode{
		ProviderID: "k3s://ca-general-101",
		Name:       "ca-general-101",
		Labels:     map[string]string{"autoscaler.proxmox/group": "general"},
	}
	out := &ExternalGrpcNode{}
	roundTrip(t, in, out)
	require.Equal(t, in, out)
}

func TestNodeGroupForNodeRoundTrip(t *testing.T) {
	in := &NodeGroupForNodeRequest{Node: &ExternalGrpcNode{ProviderID: "k3s://ca-general-101", Name: "ca-general-101"}}
	out := &NodeGroupForNodeRequest{}
	roundTrip(t, in, out)
	require.Equal(t, in, out)
}

func TestNodeGroupDecreaseTargetSizeRequestNegativeDeltaRoundTrip(t *testing.T) {
	in := &NodeGroupDecreaseTargetSizeRequest{Id: "general", Delta: -2}
	out := &NodeGroupDecreaseTargetSizeRequest{}
	roundTrip(t, in, out)
	require.Equal(t, in, out)
}

func TestNodeGroupNodesResponseRoundTrip(t *testing.T) {
	in := &NodeGroupNodesResponse{Instances: []*Instance{
		{Id: "k3s://ca-general-101", Status: &InstanceStatus{InstanceState: InstanceStateRunning}},
		{Id: "k3s://ca-general-102", Status: &InstanceStatus{InstanceState: InstanceStateUnspecified}},
	}}
	out := &NodeGroupNodesResponse{}
	roundTrip(t, in, out)
	require.Equal(t, in, out)
}

func TestNodeGroupTemplateNodeInfoResponseRoundTrip(t *testing.T) {
	in := &NodeGroupTemplateNodeInfoResponse{NodeInfo: []byte("fake-marshaled-node")}
	out := &NodeGroupTemplateNodeInfoResponse{}
	roundTrip(t, in, out)
	require.Equal(t, in, out)
}

func TestEmptyMessagesMarshalToNilBytes(t *testing.T) {
	in := &NodeGroupsRequest{}
	data, err := in.Marshal()
	require.NoError(t, err)
	require.Empty(t, data)
}

func TestStatusFromErrorMapsKinds(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{core.NewGroupNotFound("general"), "NotFound"},
		{core.NewNodeNotFound("general", "ghost"), "NotFound"},
		{core.NewInvalidArgument("delta must be positive"), "InvalidArgument"},
		{core.NewFailedPrecondition("would exceed max size"), "FailedPrecondition"},
		{core.NewUnavailable("proxmox down", nil), "Unavailable"},
		{errors.New("unexpected panic recovered"), "Unavailable"},
	}
	for _, tc := range cases {
		st := StatusFromError(tc.err)
		require.Contains(t, st.Error(), tc.code)
	}
}
