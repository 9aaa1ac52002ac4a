// Package service implements the externalgrpc.CloudProvider contract
// on top of the orchestrator façade: every RPC either delegates
// directly to the orchestrator or does nothing, per the no-op RPCs
// this provider doesn't need (GPU accounting, cleanup, refresh).
package service

import (
	"context"

	"github.com/beskarops/proxmox-ca-provider/internal/core"
	"github.com/beskarops/proxmox-ca-provider/internal/grpcapi"
)

// Orchestrator is the subset of *orchestrator.Orchestrator this
// service needs.
type Orchestrator interface {
	NodeGroupForNode(ctx context.Context, node core.ManagedNode) (*core.GroupConfig, error)
	NodeGroupTargetSize(ctx context.Context, groupID string) (int, error)
	NodeGroupIncreaseSize(ctx context.Context, groupID string, delta int) error
	NodeGroupDecreaseTargetSize(ctx context.Context, groupID string, delta int) error
	NodeGroupDeleteNodes(ctx context.Context, groupID string, nodes []core.ManagedNode) error
	NodeGroupNodes(ctx context.Context, groupID string) ([]core.VMInfo, error)
	NodeGroupTemplateNodeInfo(ctx context.Context, groupID string) ([]byte, error)
	GroupIDs() []string
	Group(groupID string) (core.GroupConfig, error)
}

// Server adapts an Orchestrator to grpcapi.CloudProviderServer.
type Server struct {
	orch Orchestrator
}

// New builds a Server over orch.
func New(orch Orchestrator) *Server {
	return &Server{orch: orch}
}

var _ grpcapi.CloudProviderServer = (*Server)(nil)

// NodeGroups returns every configured node group, in the orchestrator's
// stable id order.
func (s *Server) NodeGroups(ctx context.Context, _ *grpcapi.NodeGroupsRequest) (*grpcapi.NodeGroupsResponse, error) {
	resp := &grpcapi.NodeGroupsResponse{}
	for _, id := range s.orch.GroupIDs() {
		g, err := s.orch.Group(id)
		if err != nil {
			continue
		}
		resp.NodeGroups = append(resp.NodeGroups, toWireGroup(g))
	}
	return resp, nil
}

// NodeGroupForNode resolves a node reference to its owning group. An
// empty NodeGroup.Id means "not ours", not an error.
func (s *Server) NodeGroupForNode(ctx context.Context, req *grpcapi.NodeGroupForNodeRequest) (*grpcapi.NodeGroupForNodeResponse, error) {
	node := toManagedNode(req.Node)
	g, err := s.orch.NodeGroupForNode(ctx, node)
	if err != nil {
		return nil, grpcapi.StatusFromError(err)
	}
	if g == nil {
		return &grpcapi.NodeGroupForNodeResponse{NodeGroup: &grpcapi.NodeGroup{}}, nil
	}
	return &grpcapi.NodeGroupForNodeResponse{NodeGroup: toWireGroup(*g)}, nil
}

// NodeGroupTargetSize returns the group's current desired size.
func (s *Server) NodeGroupTargetSize(ctx context.Context, req *grpcapi.NodeGroupTargetSizeRequest) (*grpcapi.NodeGroupTargetSizeResponse, error) {
	size, err := s.orch.NodeGroupTargetSize(ctx, req.Id)
	if err != nil {
		return nil, grpcapi.StatusFromError(err)
	}
	return &grpcapi.NodeGroupTargetSizeResponse{TargetSize: int32(size)}, nil
}

// NodeGroupIncreaseSize enlarges the group's desired size by delta.
func (s *Server) NodeGroupIncreaseSize(ctx context.Context, req *grpcapi.NodeGroupIncreaseSizeRequest) (*grpcapi.NodeGroupIncreaseSizeResponse, error) {
	if err := s.orch.NodeGroupIncreaseSize(ctx, req.Id, int(req.Delta)); err != nil {
		return nil, grpcapi.StatusFromError(err)
	}
	return &grpcapi.NodeGroupIncreaseSizeResponse{}, nil
}

// NodeGroupDecreaseTargetSize shrinks the group's desired size by delta.
func (s *Server) NodeGroupDecreaseTargetSize(ctx context.Context, req *grpcapi.NodeGroupDecreaseTargetSizeRequest) (*grpcapi.NodeGroupDecreaseTargetSizeResponse, error) {
	if err := s.orch.NodeGroupDecreaseTargetSize(ctx, req.Id, int(req.Delta)); err != nil {
		return nil, grpcapi.StatusFromError(err)
	}
	return &grpcapi.NodeGroupDecreaseTargetSizeResponse{}, nil
}

// NodeGroupDeleteNodes requests per-node deletion, persisting the FSM
// transition before returning; the hypervisor/Kubernetes effects
// proceed asynchronously in subsequent reconcile ticks.
func (s *Server) NodeGroupDeleteNodes(ctx context.Context, req *grpcapi.NodeGroupDeleteNodesRequest) (*grpcapi.NodeGroupDeleteNodesResponse, error) {
	nodes := make([]core.ManagedNode, 0, len(req.Nodes))
	for _, n := range req.Nodes {
		nodes = append(nodes, toManagedNode(n))
	}
	if err := s.orch.NodeGroupDeleteNodes(ctx, req.Id, nodes); err != nil {
		return nil, grpcapi.StatusFromError(err)
	}
	return &grpcapi.NodeGroupDeleteNodesResponse{}, nil
}

// NodeGroupNodes lists the group's active VMs as instances.
func (s *Server) NodeGroupNodes(ctx context.Context, req *grpcapi.NodeGroupNodesRequest) (*grpcapi.NodeGroupNodesResponse, error) {
	vms, err := s.orch.NodeGroupNodes(ctx, req.Id)
	if err != nil {
		return nil, grpcapi.StatusFromError(err)
	}
	resp := &grpcapi.NodeGroupNodesResponse{}
	for _, vm := range vms {
		state := grpcapi.InstanceStateUnspecified
		if vm.Running() {
			state = grpcapi.InstanceStateRunning
		}
		resp.Instances = append(resp.Instances, &grpcapi.Instance{
			Id:     "k3s://" + vm.Name,
			Status: &grpcapi.InstanceStatus{InstanceState: state},
		})
	}
	return resp, nil
}

// NodeGroupTemplateNodeInfo returns the synthetic scheduling template
// for the group as raw marshaled Node bytes.
func (s *Server) NodeGroupTemplateNodeInfo(ctx context.Context, req *grpcapi.NodeGroupTemplateNodeInfoRequest) (*grpcapi.NodeGroupTemplateNodeInfoResponse, error) {
	raw, err := s.orch.NodeGroupTemplateNodeInfo(ctx, req.Id)
	if err != nil {
		return nil, grpcapi.StatusFromError(err)
	}
	return &grpcapi.NodeGroupTemplateNodeInfoResponse{NodeInfo: raw}, nil
}

// NodeGroupGetOptions echoes the autoscaler's defaults for any group
// that exists.
func (s *Server) NodeGroupGetOptions(ctx context.Context, req *grpcapi.NodeGroupGetOptionsRequest) (*grpcapi.NodeGroupAutoscalingOptionsResponse, error) {
	if _, err := s.orch.Group(req.Id); err != nil {
		return nil, grpcapi.StatusFromError(err)
	}
	return &grpcapi.NodeGroupAutoscalingOptionsResponse{NodeGroupAutoscalingOptions: req.Defaults}, nil
}

// GPULabel is a no-op: this provider manages no GPUs.
func (s *Server) GPULabel(ctx context.Context, _ *grpcapi.GPULabelRequest) (*grpcapi.GPULabelResponse, error) {
	return &grpcapi.GPULabelResponse{}, nil
}

// GetAvailableGPUTypes is a no-op: this provider manages no GPUs.
func (s *Server) GetAvailableGPUTypes(ctx context.Context, _ *grpcapi.GetAvailableGPUTypesRequest) (*grpcapi.GetAvailableGPUTypesResponse, error) {
	return &grpcapi.GetAvailableGPUTypesResponse{}, nil
}

// Cleanup is a no-op: this provider holds no per-process cleanup state.
func (s *Server) Cleanup(ctx context.Context, _ *grpcapi.CleanupRequest) (*grpcapi.CleanupResponse, error) {
	return &grpcapi.CleanupResponse{}, nil
}

// Refresh is a no-op: the reconcile loop is the only refresh path
// this provider needs, driven by its own ticker rather than the
// autoscaler's Refresh call.
func (s *Server) Refresh(ctx context.Context, _ *grpcapi.RefreshRequest) (*grpcapi.RefreshResponse, error) {
	return &grpcapi.RefreshResponse{}, nil
}

func toWireGroup(g core.GroupConfig) *grpcapi.NodeGroup {
	return &grpcapi.NodeGroup{
		Id:      g.ID,
		MinSize: int32(g.MinSize),
		MaxSize: int32(g.MaxSize),
	}
}

func toManagedNode(n *grpcapi.ExternalGrpcNode) core.ManagedNode {
	if n == nil {
		return core.ManagedNode{}
	}
	return core.ManagedNode{ProviderID: n.ProviderID, Name: n.Name, Labels: n.Labels}
}
