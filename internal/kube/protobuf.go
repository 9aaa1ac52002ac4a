package kube

import "fmt"

// k8sProtobufMagic prefixes every protobuf-encoded Kubernetes API
// response: the literal bytes "k8s" followed by a zero byte, ahead of
// a serialized runtime.Unknown envelope.
var k8sProtobufMagic = []byte{'k', '8', 's', 0}

// UnwrapProtobuf strips the "k8s\0" + runtime.Unknown envelope the
// Kubernetes API server wraps protobuf responses in, returning the
// raw v1.Node Marshal() bytes the Cluster Autoscaler externalgrpc
// template endpoint expects. Payloads that don't carry the envelope
// are returned unchanged.
func UnwrapProtobuf(payload []byte) ([]byte, error) {
	if len(payload) < len(k8sProtobufMagic) || !hasPrefix(payload, k8sProtobufMagic) {
		return payload, nil
	}

	data := payload[len(k8sProtobufMagic):]
	var raw []byte
	i := 0
	for i < len(data) {
		key, next, err := readVarint(data, i)
		if err != nil {
			return nil, err
		}
		i = next
		fieldNo := key >> 3
		wireType := key & 0x7

		switch wireType {
		case 0: // varint
			_, next, err := readVarint(data, i)
			if err != nil {
				return nil, err
			}
			i = next
		case 1: // 64-bit
			i += 8
		case 5: // 32-bit
			i += 4
		case 2: // length-delimited
			length, next, err := readVarint(data, i)
			if err != nil {
				return nil, err
			}
			i = next
			end := i + int(length)
			if end > len(data) || end < i {
				return nil, fmt.Errorf("kube: invalid protobuf length-delimited field")
			}
			value := data[i:end]
			i = end
			if fieldNo == 2 {
				raw = value
			}
		default:
			return nil, fmt.Errorf("kube: unsupported protobuf wire type %d", wireType)
		}
	}

	if raw == nil {
		return nil, fmt.Errorf("kube: runtime.Unknown payload missing raw field")
	}
	return raw, nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// readVarint decodes a protobuf base-128 varint starting at pos,
// returning the value and the position just past it.
func readVarint(buf []byte, pos int) (uint64, int, error) {
	var value uint64
	var shift uint
	i := pos
	for i < len(buf) {
		b := buf[i]
		value |= uint64(b&0x7F) << shift
		i++
		if b&0x80 == 0 {
			return value, i, nil
		}
		shift += 7
		if shift >= 64 {
			break
		}
	}
	return 0, 0, fmt.Errorf("kube: invalid protobuf varint")
}
