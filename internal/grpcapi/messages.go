package grpcapi

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field helpers shared by every message below. Proto3 field semantics
// are "omit the zero value", which each appendXField honors.

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendInt32Field(b []byte, num protowire.Number, v int32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(int64(v)))
}

func appendSubMessageField(b []byte, num protowire.Number, sub []byte) []byte {
	if sub == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, sub)
}

func appendMapStringField(b []byte, num protowire.Number, m map[string]string) []byte {
	for k, v := range m {
		var entry []byte
		entry = appendStringField(entry, 1, k)
		entry = appendStringField(entry, 2, v)
		b = appendSubMessageField(b, num, entry)
	}
	return b
}

// consumeFields walks every field in b, invoking set for each
// (fieldNumber, wireBytes) pair it decodes. Fields this message
// doesn't recognize are skipped, matching proto3's forward
// compatibility rule.
func consumeFields(b []byte, set func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error)) error {
	for len(b) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return fmt.Errorf("grpcapi: invalid tag: %w", protowire.ParseError(tagLen))
		}
		n, err := set(num, typ, b[tagLen:])
		if err != nil {
			return err
		}
		b = b[tagLen+n:]
	}
	return nil
}

func consumeString(b []byte) (string, int, error) {
	s, n := protowire.ConsumeString(b)
	if n < 0 {
		return "", 0, fmt.Errorf("grpcapi: invalid string field: %w", protowire.ParseError(n))
	}
	return s, n, nil
}

func consumeBytes(b []byte) ([]byte, int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, fmt.Errorf("grpcapi: invalid bytes field: %w", protowire.ParseError(n))
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, n, nil
}

func consumeVarint(b []byte) (uint64, int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, fmt.Errorf("grpcapi: invalid varint field: %w", protowire.ParseError(n))
	}
	return v, n, nil
}

func skipField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, fmt.Errorf("grpcapi: invalid field %d: %w", num, protowire.ParseError(n))
	}
	return n, nil
}

// NodeGroup mirrors the externalgrpc NodeGroup message.
type NodeGroup struct {
	Id      string
	MinSize int32
	MaxSize int32
	Debug   string
}

func (m *NodeGroup) Marshal() ([]byte, error) {
	var b []byte
	b = appendStringField(b, 1, m.Id)
	b = appendInt32Field(b, 2, m.MinSize)
	b = appendInt32Field(b, 3, m.MaxSize)
	b = appendStringField(b, 4, m.Debug)
	return b, nil
}

func (m *NodeGroup) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, rest []byte) (int, error) {
		switch num {
		case 1:
			s, n, err := consumeString(rest)
			m.Id = s
			return n, err
		case 2:
			v, n, err := consumeVarint(rest)
			m.MinSize = int32(int64(v))
			return n, err
		case 3:
			v, n, err := consumeVarint(rest)
			m.MaxSize = int32(int64(v))
			return n, err
		case 4:
			s, n, err := consumeString(rest)
			m.Debug = s
			return n, err
		default:
			return skipField(num, typ, rest)
		}
	})
}

func marshalSub(m wireMessage) []byte {
	if m == nil {
		return nil
	}
	b, _ := m.Marshal()
	return b
}

// ExternalGrpcNode carries the subset of a Kubernetes node reference
// this provider reads: the provider id (used to resolve a vmid), the
// node name, and its labels.
type ExternalGrpcNode struct {
	ProviderID string
	Name       string
	Labels     map[string]string
}

func (m *ExternalGrpcNode) Marshal() ([]byte, error) {
	var b []byte
	b = appendStringField(b, 1, m.ProviderID)
	b = appendStringField(b, 2, m.Name)
	b = appendMapStringField(b, 3, m.Labels)
	return b, nil
}

func (m *ExternalGrpcNode) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, rest []byte) (int, error) {
		switch num {
		case 1:
			s, n, err := consumeString(rest)
			m.ProviderID = s
			return n, err
		case 2:
			s, n, err := consumeString(rest)
			m.Name = s
			return n, err
		case 3:
			entry, n, err := consumeBytes(rest)
			if err != nil {
				return 0, err
			}
			var key, value string
			err = consumeFields(entry, func(en protowire.Number, et protowire.Type, erest []byte) (int, error) {
				switch en {
				case 1:
					s, en2, err := consumeString(erest)
					key = s
					return en2, err
				case 2:
					s, en2, err := consumeString(erest)
					value = s
					return en2, err
				default:
					return skipField(en, et, erest)
				}
			})
			if err != nil {
				return 0, err
			}
			if m.Labels == nil {
				m.Labels = make(map[string]string)
			}
			m.Labels[key] = value
			return n, nil
		default:
			return skipField(num, typ, rest)
		}
	})
}

// NodeGroupsRequest takes no parameters.
type NodeGroupsRequest struct{}

func (m *NodeGroupsRequest) Marshal() ([]byte, error) { return nil, nil }
func (m *NodeGroupsRequest) Unmarshal(b []byte) error { return nil }

// NodeGroupsResponse lists every configured node group.
type NodeGroupsResponse struct {
	NodeGroups []*NodeGroup
}

func (m *NodeGroupsResponse) Marshal() ([]byte, error) {
	var b []byte
	for _, g := range m.NodeGroups {
		b = appendSubMessageField(b, 1, marshalSub(g))
	}
	return b, nil
}

func (m *NodeGroupsResponse) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, rest []byte) (int, error) {
		if num != 1 {
			return skipField(num, typ, rest)
		}
		sub, n, err := consumeBytes(rest)
		if err != nil {
			return 0, err
		}
		g := &NodeGroup{}
		if err := g.Unmarshal(sub); err != nil {
			return 0, err
		}
		m.NodeGroups = append(m.NodeGroups, g)
		return n, nil
	})
}

// NodeGroupForNodeRequest wraps the node the autoscaler wants mapped
// to a group.
type NodeGroupForNodeRequest struct {
	Node *ExternalGrpcNode
}

func (m *NodeGroupForNodeRequest) Marshal() ([]byte, error) {
	return appendSubMessageField(nil, 1, marshalSub(m.Node)), nil
}

func (m *NodeGroupForNodeRequest) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, rest []byte) (int, error) {
		if num != 1 {
			return skipField(num, typ, rest)
		}
		sub, n, err := consumeBytes(rest)
		if err != nil {
			return 0, err
		}
		m.Node = &ExternalGrpcNode{}
		return n, m.Node.Unmarshal(sub)
	})
}

// NodeGroupForNodeResponse carries the resolved group, or an empty
// NodeGroup.Id when the node isn't ours.
type NodeGroupForNodeResponse struct {
	NodeGroup *NodeGroup
}

func (m *NodeGroupForNodeResponse) Marshal() ([]byte, error) {
	return appendSubMessageField(nil, 1, marshalSub(m.NodeGroup)), nil
}

func (m *NodeGroupForNodeResponse) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, rest []byte) (int, error) {
		if num != 1 {
			return skipField(num, typ, rest)
		}
		sub, n, err := consumeBytes(rest)
		if err != nil {
			return 0, err
		}
		m.NodeGroup = &NodeGroup{}
		return n, m.NodeGroup.Unmarshal(sub)
	})
}

// NodeGroupTargetSizeRequest identifies the group.
type NodeGroupTargetSizeRequest struct {
	Id string
}

func (m *NodeGroupTargetSizeRequest) Marshal() ([]byte, error) {
	return appendStringField(nil, 1, m.Id), nil
}

func (m *NodeGroupTargetSizeRequest) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, rest []byte) (int, error) {
		if num != 1 {
			return skipField(num, typ, rest)
		}
		s, n, err := consumeString(rest)
		m.Id = s
		return n, err
	})
}

// NodeGroupTargetSizeResponse carries the current desired size.
type NodeGroupTargetSizeResponse struct {
	TargetSize int32
}

func (m *NodeGroupTargetSizeResponse) Marshal() ([]byte, error) {
	return appendInt32Field(nil, 1, m.TargetSize), nil
}

func (m *NodeGroupTargetSizeResponse) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, rest []byte) (int, error) {
		if num != 1 {
			return skipField(num, typ, rest)
		}
		v, n, err := consumeVarint(rest)
		m.TargetSize = int32(int64(v))
		return n, err
	})
}

// NodeGroupIncreaseSizeRequest requests a positive delta.
type NodeGroupIncreaseSizeRequest struct {
	Id    string
	Delta int32
}

func (m *NodeGroupIncreaseSizeRequest) Marshal() ([]byte, error) {
	b := appendStringField(nil, 1, m.Id)
	b = appendInt32Field(b, 2, m.Delta)
	return b, nil
}

func (m *NodeGroupIncreaseSizeRequest) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, rest []byte) (int, error) {
		switch num {
		case 1:
			s, n, err := consumeString(rest)
			m.Id = s
			return n, err
		case 2:
			v, n, err := consumeVarint(rest)
			m.Delta = int32(int64(v))
			return n, err
		default:
			return skipField(num, typ, rest)
		}
	})
}

// NodeGroupIncreaseSizeResponse is empty on success.
type NodeGroupIncreaseSizeResponse struct{}

func (m *NodeGroupIncreaseSizeResponse) Marshal() ([]byte, error) { return nil, nil }
func (m *NodeGroupIncreaseSizeResponse) Unmarshal(b []byte) error { return nil }

// NodeGroupDecreaseTargetSizeRequest requests a negative delta.
type NodeGroupDecreaseTargetSizeRequest struct {
	Id    string
	Delta int32
}

func (m *NodeGroupDecreaseTargetSizeRequest) Marshal() ([]byte, error) {
	b := appendStringField(nil, 1, m.Id)
	b = appendInt32Field(b, 2, m.Delta)
	return b, nil
}

func (m *NodeGroupDecreaseTargetSizeRequest) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, rest []byte) (int, error) {
		switch num {
		case 1:
			s, n, err := consumeString(rest)
			m.Id = s
			return n, err
		case 2:
			v, n, err := consumeVarint(rest)
			m.Delta = int32(int64(v))
			return n, err
		default:
			return skipField(num, typ, rest)
		}
	})
}

// NodeGroupDecreaseTargetSizeResponse is empty on success.
type NodeGroupDecreaseTargetSizeResponse struct{}

func (m *NodeGroupDecreaseTargetSizeResponse) Marshal() ([]byte, error) { return nil, nil }
func (m *NodeGroupDecreaseTargetSizeResponse) Unmarshal(b []byte) error { return nil }

// NodeGroupDeleteNodesRequest names the nodes to delete from groupID.
type NodeGroupDeleteNodesRequest struct {
	Id    string
	Nodes []*ExternalGrpcNode
}

func (m *NodeGroupDeleteNodesRequest) Marshal() ([]byte, error) {
	b := appendStringField(nil, 1, m.Id)
	for _, node := range m.Nodes {
		b = appendSubMessageField(b, 2, marshalSub(node))
	}
	return b, nil
}

func (m *NodeGroupDeleteNodesRequest) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, rest []byte) (int, error) {
		switch num {
		case 1:
			s, n, err := consumeString(rest)
			m.Id = s
			return n, err
		case 2:
			sub, n, err := consumeBytes(rest)
			if err != nil {
				return 0, err
			}
			node := &ExternalGrpcNode{}
			if err := node.Unmarshal(sub); err != nil {
				return 0, err
			}
			m.Nodes = append(m.Nodes, node)
			return n, nil
		default:
			return skipField(num, typ, rest)
		}
	})
}

// NodeGroupDeleteNodesResponse is empty on success.
type NodeGroupDeleteNodesResponse struct{}

func (m *NodeGroupDeleteNodesResponse) Marshal() ([]byte, error) { return nil, nil }
func (m *NodeGroupDeleteNodesResponse) Unmarshal(b []byte) error { return nil }

// NodeGroupNodesRequest identifies the group.
type NodeGroupNodesRequest struct {
	Id string
}

func (m *NodeGroupNodesRequest) Marshal() ([]byte, error) {
	return appendStringField(nil, 1, m.Id), nil
}

func (m *NodeGroupNodesRequest) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, rest []byte) (int, error) {
		if num != 1 {
			return skipField(num, typ, rest)
		}
		s, n, err := consumeString(rest)
		m.Id = s
		return n, err
	})
}

// Instance states, mirroring the externalgrpc InstanceStatus enum
// values this provider actually produces.
const (
	InstanceStateUnspecified int32 = 0
	InstanceStateRunning     int32 = 1
)

// InstanceStatus reports an instance's lifecycle state and, for
// errors, a class/code/message triple. This provider only ever
// reports InstanceStateRunning or InstanceStateUnspecified.
type InstanceStatus struct {
	InstanceState int32
	ErrorClass    int32
	ErrorCode     string
	ErrorMessage  string
}

func (m *InstanceStatus) Marshal() ([]byte, error) {
	b := appendInt32Field(nil, 1, m.InstanceState)
	b = appendInt32Field(b, 2, m.ErrorClass)
	b = appendStringField(b, 3, m.ErrorCode)
	b = appendStringField(b, 4, m.ErrorMessage)
	return b, nil
}

func (m *InstanceStatus) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, rest []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(rest)
			m.InstanceState = int32(int64(v))
			return n, err
		case 2:
			v, n, err := consumeVarint(rest)
			m.ErrorClass = int32(int64(v))
			return n, err
		case 3:
			s, n, err := consumeString(rest)
			m.ErrorCode = s
			return n, err
		case 4:
			s, n, err := consumeString(rest)
			m.ErrorMessage = s
			return n, err
		default:
			return skipField(num, typ, rest)
		}
	})
}

// Instance is one VM reported back to the autoscaler, id formatted
// as "k3s://{vm_name}".
type Instance struct {
	Id     string
	Status *InstanceStatus
}

func (m *Instance) Marshal() ([]byte, error) {
	b := appendStringField(nil, 1, m.Id)
	b = appendSubMessageField(b, 2, marshalSub(m.Status))
	return b, nil
}

func (m *Instance) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, rest []byte) (int, error) {
		switch num {
		case 1:
			s, n, err := consumeString(rest)
			m.Id = s
			return n, err
		case 2:
			sub, n, err := consumeBytes(rest)
			if err != nil {
				return 0, err
			}
			m.Status = &InstanceStatus{}
			return n, m.Status.Unmarshal(sub)
		default:
			return skipField(num, typ, rest)
		}
	})
}

// NodeGroupNodesResponse lists every active instance in the group.
type NodeGroupNodesResponse struct {
	Instances []*Instance
}

func (m *NodeGroupNodesResponse) Marshal() ([]byte, error) {
	var b []byte
	for _, inst := range m.Instances {
		b = appendSubMessageField(b, 1, marshalSub(inst))
	}
	return b, nil
}

func (m *NodeGroupNodesResponse) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, rest []byte) (int, error) {
		if num != 1 {
			return skipField(num, typ, rest)
		}
		sub, n, err := consumeBytes(rest)
		if err != nil {
			return 0, err
		}
		inst := &Instance{}
		if err := inst.Unmarshal(sub); err != nil {
			return 0, err
		}
		m.Instances = append(m.Instances, inst)
		return n, nil
	})
}

// NodeGroupTemplateNodeInfoRequest identifies the group.
type NodeGroupTemplateNodeInfoRequest struct {
	Id string
}

func (m *NodeGroupTemplateNodeInfoRequest) Marshal() ([]byte, error) {
	return appendStringField(nil, 1, m.Id), nil
}

func (m *NodeGroupTemplateNodeInfoRequest) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, rest []byte) (int, error) {
		if num != 1 {
			return skipField(num, typ, rest)
		}
		s, n, err := consumeString(rest)
		m.Id = s
		return n, err
	})
}

// NodeGroupTemplateNodeInfoResponse carries the raw marshaled v1.Node
// bytes the real externalgrpc contract embeds as a typed Node
// message; this provider ships them as opaque bytes since the full
// k8s.io.api.core.v1 proto descriptors aren't vendored into this
// module.
type NodeGroupTemplateNodeInfoResponse struct {
	NodeInfo []byte
}

func (m *NodeGroupTemplateNodeInfoResponse) Marshal() ([]byte, error) {
	return appendBytesField(nil, 1, m.NodeInfo), nil
}

func (m *NodeGroupTemplateNodeInfoResponse) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, rest []byte) (int, error) {
		if num != 1 {
			return skipField(num, typ, rest)
		}
		v, n, err := consumeBytes(rest)
		m.NodeInfo = v
		return n, err
	})
}

// NodeGroupGetOptionsRequest carries the autoscaler's defaults as an
// opaque AutoscalingOptions sub-message, echoed back verbatim.
type NodeGroupGetOptionsRequest struct {
	Id       string
	Defaults []byte
}

func (m *NodeGroupGetOptionsRequest) Marshal() ([]byte, error) {
	b := appendStringField(nil, 1, m.Id)
	b = appendBytesField(b, 2, m.Defaults)
	return b, nil
}

func (m *NodeGroupGetOptionsRequest) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, rest []byte) (int, error) {
		switch num {
		case 1:
			s, n, err := consumeString(rest)
			m.Id = s
			return n, err
		case 2:
			v, n, err := consumeBytes(rest)
			m.Defaults = v
			return n, err
		default:
			return skipField(num, typ, rest)
		}
	})
}

// NodeGroupAutoscalingOptionsResponse echoes the request's defaults.
type NodeGroupAutoscalingOptionsResponse struct {
	NodeGroupAutoscalingOptions []byte
}

func (m *NodeGroupAutoscalingOptionsResponse) Marshal() ([]byte, error) {
	return appendBytesField(nil, 1, m.NodeGroupAutoscalingOptions), nil
}

func (m *NodeGroupAutoscalingOptionsResponse) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, rest []byte) (int, error) {
		if num != 1 {
			return skipField(num, typ, rest)
		}
		v, n, err := consumeBytes(rest)
		m.NodeGroupAutoscalingOptions = v
		return n, err
	})
}

// CleanupRequest/CleanupResponse, RefreshRequest/RefreshResponse,
// GPULabelRequest/GPULabelResponse, and
// GetAvailableGPUTypesRequest/Response are all no-ops per the
// contract: this provider manages no GPUs and holds no per-process
// cleanup state.

type CleanupRequest struct{}

func (m *CleanupRequest) Marshal() ([]byte, error) { return nil, nil }
func (m *CleanupRequest) Unmarshal(b []byte) error { return nil }

type CleanupResponse struct{}

func (m *CleanupResponse) Marshal() ([]byte, error) { return nil, nil }
func (m *CleanupResponse) Unmarshal(b []byte) error { return nil }

type RefreshRequest struct{}

func (m *RefreshRequest) Marshal() ([]byte, error) { return nil, nil }
func (m *RefreshRequest) Unmarshal(b []byte) error { return nil }

type RefreshResponse struct{}

func (m *RefreshResponse) Marshal() ([]byte, error) { return nil, nil }
func (m *RefreshResponse) Unmarshal(b []byte) error { return nil }

type GPULabelRequest struct{}

func (m *GPULabelRequest) Marshal() ([]byte, error) { return nil, nil }
func (m *GPULabelRequest) Unmarshal(b []byte) error { return nil }

// GPULabelResponse carries the node label used to identify GPU
// nodes; empty since this provider manages no GPUs.
type GPULabelResponse struct {
	Label string
}

func (m *GPULabelResponse) Marshal() ([]byte, error) {
	return appendStringField(nil, 1, m.Label), nil
}

func (m *GPULabelResponse) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, rest []byte) (int, error) {
		if num != 1 {
			return skipField(num, typ, rest)
		}
		s, n, err := consumeString(rest)
		m.Label = s
		return n, err
	})
}

type GetAvailableGPUTypesRequest struct{}

func (m *GetAvailableGPUTypesRequest) Marshal() ([]byte, error) { return nil, nil }
func (m *GetAvailableGPUTypesRequest) Unmarshal(b []byte) error { return nil }

// GetAvailableGPUTypesResponse is always empty for this provider.
type GetAvailableGPUTypesResponse struct {
	GpuTypes map[string]string
}

func (m *GetAvailableGPUTypesResponse) Marshal() ([]byte, error) {
	return appendMapStringField(nil, 1, m.GpuTypes), nil
}

func (m *GetAvailableGPUTypesResponse) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, rest []byte) (int, error) {
		if num != 1 {
			return skipField(num, typ, rest)
		}
		entry, n, err := consumeBytes(rest)
		if err != nil {
			return 0, err
		}
		var key, value string
		err = consumeFields(entry, func(en protowire.Number, et protowire.Type, erest []byte) (int, error) {
			switch en {
			case 1:
				s, en2, err := consumeString(erest)
				key = s
				return en2, err
			case 2:
				s, en2, err := consumeString(erest)
				value = s
				return en2, err
			default:
				return skipField(en, et, erest)
			}
		})
		if err != nil {
			return 0, err
		}
		if m.GpuTypes == nil {
			m.GpuTypes = make(map[string]string)
		}
		m.GpuTypes[key] = value
		return n, nil
	})
}
