package grpcapi

import (
	"context"

	"google.golang.org/grpc"
)

// CloudProviderServer is the externalgrpc.CloudProvider service
// contract the Cluster Autoscaler's "external gRPC" provider dials.
type CloudProviderServer interface {
	NodeGroups(context.Context, *NodeGroupsRequest) (*NodeGroupsResponse, error)
	NodeGroupForNode(context.Context, *NodeGroupForNodeRequest) (*NodeGroupForNodeResponse, error)
	NodeGroupTargetSize(context.Context, *NodeGroupTargetSizeRequest) (*NodeGroupTargetSizeResponse, error)
	NodeGroupIncreaseSize(context.Context, *NodeGroupIncreaseSizeRequest) (*NodeGroupIncreaseSizeResponse, error)
	NodeGroupDecreaseTargetSize(context.Context, *NodeGroupDecreaseTargetSizeRequest) (*NodeGroupDecreaseTargetSizeResponse, error)
	NodeGroupDeleteNodes(context.Context, *NodeGroupDeleteNodesRequest) (*NodeGroupDeleteNodesResponse, error)
	NodeGroupNodes(context.Context, *NodeGroupNodesRequest) (*NodeGroupNodesResponse, error)
	NodeGroupTemplateNodeInfo(context.Context, *NodeGroupTemplateNodeInfoRequest) (*NodeGroupTemplateNodeInfoResponse, error)
	NodeGroupGetOptions(context.Context, *NodeGroupGetOptionsRequest) (*NodeGroupAutoscalingOptionsResponse, error)
	GPULabel(context.Context, *GPULabelRequest) (*GPULabelResponse, error)
	GetAvailableGPUTypes(context.Context, *GetAvailableGPUTypesRequest) (*GetAvailableGPUTypesResponse, error)
	Cleanup(context.Context, *CleanupRequest) (*CleanupResponse, error)
	Refresh(context.Context, *RefreshRequest) (*RefreshResponse, error)
}

// RegisterCloudProviderServer registers srv against s under the
// externalgrpc.CloudProvider service name.
func RegisterCloudProviderServer(s grpc.ServiceRegistrar, srv CloudProviderServer) {
	s.RegisterService(&cloudProviderServiceDesc, srv)
}

func decodeAndCall(dec func(interface{}) error, in wireMessage, call func() (interface{}, error)) (interface{}, error) {
	if err := dec(in); err != nil {
		return nil, err
	}
	return call()
}

func nodeGroupsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(NodeGroupsRequest)
	if interceptor == nil {
		return decodeAndCall(dec, in, func() (interface{}, error) { return srv.(CloudProviderServer).NodeGroups(ctx, in) })
	}
	if err := dec(in); err != nil {
		return nil, err
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/externalgrpc.CloudProvider/NodeGroups"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CloudProviderServer).NodeGroups(ctx, req.(*NodeGroupsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func nodeGroupForNodeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(NodeGroupForNodeRequest)
	if interceptor == nil {
		return decodeAndCall(dec, in, func() (interface{}, error) { return srv.(CloudProviderServer).NodeGroupForNode(ctx, in) })
	}
	if err := dec(in); err != nil {
		return nil, err
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/externalgrpc.CloudProvider/NodeGroupForNode"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CloudProviderServer).NodeGroupForNode(ctx, req.(*NodeGroupForNodeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func nodeGroupTargetSizeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(NodeGroupTargetSizeRequest)
	if interceptor == nil {
		return decodeAndCall(dec, in, func() (interface{}, error) { return srv.(CloudProviderServer).NodeGroupTargetSize(ctx, in) })
	}
	if err := dec(in); err != nil {
		return nil, err
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/externalgrpc.CloudProvider/NodeGroupTargetSize"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CloudProviderServer).NodeGroupTargetSize(ctx, req.(*NodeGroupTargetSizeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func nodeGroupIncreaseSizeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(NodeGroupIncreaseSizeRequest)
	if interceptor == nil {
		return decodeAndCall(dec, in, func() (interface{}, error) { return srv.(CloudProviderServer).NodeGroupIncreaseSize(ctx, in) })
	}
	if err := dec(in); err != nil {
		return nil, err
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/externalgrpc.CloudProvider/NodeGroupIncreaseSize"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CloudProviderServer).NodeGroupIncreaseSize(ctx, req.(*NodeGroupIncreaseSizeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func nodeGroupDecreaseTargetSizeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(NodeGroupDecreaseTargetSizeRequest)
	if interceptor == nil {
		return decodeAndCall(dec, in, func() (interface{}, error) { return srv.(CloudProviderServer).NodeGroupDecreaseTargetSize(ctx, in) })
	}
	if err := dec(in); err != nil {
		return nil, err
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/externalgrpc.CloudProvider/NodeGroupDecreaseTargetSize"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CloudProviderServer).NodeGroupDecreaseTargetSize(ctx, req.(*NodeGroupDecreaseTargetSizeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func nodeGroupDeleteNodesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(NodeGroupDeleteNodesRequest)
	if interceptor == nil {
		return decodeAndCall(dec, in, func() (interface{}, error) { return srv.(CloudProviderServer).NodeGroupDeleteNodes(ctx, in) })
	}
	if err := dec(in); err != nil {
		return nil, err
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/externalgrpc.CloudProvider/NodeGroupDeleteNodes"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CloudProviderServer).NodeGroupDeleteNodes(ctx, req.(*NodeGroupDeleteNodesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func nodeGroupNodesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(NodeGroupNodesRequest)
	if interceptor == nil {
		return decodeAndCall(dec, in, func() (interface{}, error) { return srv.(CloudProviderServer).NodeGroupNodes(ctx, in) })
	}
	if err := dec(in); err != nil {
		return nil, err
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/externalgrpc.CloudProvider/NodeGroupNodes"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CloudProviderServer).NodeGroupNodes(ctx, req.(*NodeGroupNodesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func nodeGroupTemplateNodeInfoHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(NodeGroupTemplateNodeInfoRequest)
	if interceptor == nil {
		return decodeAndCall(dec, in, func() (interface{}, error) { return srv.(CloudProviderServer).NodeGroupTemplateNodeInfo(ctx, in) })
	}
	if err := dec(in); err != nil {
		return nil, err
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/externalgrpc.CloudProvider/NodeGroupTemplateNodeInfo"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CloudProviderServer).NodeGroupTemplateNodeInfo(ctx, req.(*NodeGroupTemplateNodeInfoRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func nodeGroupGetOptionsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(NodeGroupGetOptionsRequest)
	if interceptor == nil {
		return decodeAndCall(dec, in, func() (interface{}, error) { return srv.(CloudProviderServer).NodeGroupGetOptions(ctx, in) })
	}
	if err := dec(in); err != nil {
		return nil, err
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/externalgrpc.CloudProvider/NodeGroupGetOptions"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CloudProviderServer).NodeGroupGetOptions(ctx, req.(*NodeGroupGetOptionsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func gpuLabelHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GPULabelRequest)
	if interceptor == nil {
		return decodeAndCall(dec, in, func() (interface{}, error) { return srv.(CloudProviderServer).GPULabel(ctx, in) })
	}
	if err := dec(in); err != nil {
		return nil, err
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/externalgrpc.CloudProvider/GPULabel"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CloudProviderServer).GPULabel(ctx, req.(*GPULabelRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getAvailableGPUTypesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetAvailableGPUTypesRequest)
	if interceptor == nil {
		return decodeAndCall(dec, in, func() (interface{}, error) { return srv.(CloudProviderServer).GetAvailableGPUTypes(ctx, in) })
	}
	if err := dec(in); err != nil {
		return nil, err
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/externalgrpc.CloudProvider/GetAvailableGPUTypes"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CloudProviderServer).GetAvailableGPUTypes(ctx, req.(*GetAvailableGPUTypesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func cleanupHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CleanupRequest)
	if interceptor == nil {
		return decodeAndCall(dec, in, func() (interface{}, error) { return srv.(CloudProviderServer).Cleanup(ctx, in) })
	}
	if err := dec(in); err != nil {
		return nil, err
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/externalgrpc.CloudProvider/Cleanup"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CloudProviderServer).Cleanup(ctx, req.(*CleanupRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func refreshHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RefreshRequest)
	if interceptor == nil {
		return decodeAndCall(dec, in, func() (interface{}, error) { return srv.(CloudProviderServer).Refresh(ctx, in) })
	}
	if err := dec(in); err != nil {
		return nil, err
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/externalgrpc.CloudProvider/Refresh"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CloudProviderServer).Refresh(ctx, req.(*RefreshRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var cloudProviderServiceDesc = grpc.ServiceDesc{
	ServiceName: "externalgrpc.CloudProvider",
	HandlerType: (*CloudProviderServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "NodeGroups", Handler: nodeGroupsHandler},
		{MethodName: "NodeGroupForNode", Handler: nodeGroupForNodeHandler},
		{MethodName: "NodeGroupTargetSize", Handler: nodeGroupTargetSizeHandler},
		{MethodName: "NodeGroupIncreaseSize", Handler: nodeGroupIncreaseSizeHandler},
		{MethodName: "NodeGroupDecreaseTargetSize", Handler: nodeGroupDecreaseTargetSizeHandler},
		{MethodName: "NodeGroupDeleteNodes", Handler: nodeGroupDeleteNodesHandler},
		{MethodName: "NodeGroupNodes", Handler: nodeGroupNodesHandler},
		{MethodName: "NodeGroupTemplateNodeInfo", Handler: nodeGroupTemplateNodeInfoHandler},
		{MethodName: "NodeGroupGetOptions", Handler: nodeGroupGetOptionsHandler},
		{MethodName: "GPULabel", Handler: gpuLabelHandler},
		{MethodName: "GetAvailableGPUTypes", Handler: getAvailableGPUTypesHandler},
		{MethodName: "Cleanup", Handler: cleanupHandler},
		{MethodName: "Refresh", Handler: refreshHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "externalgrpc.proto",
}
