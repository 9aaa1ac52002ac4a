package kube

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// encodeVarint mirrors the protobuf base-128 varint encoding used by
// the Kubernetes API server, for constructing test fixtures.
func encodeVarint(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
		} else {
			out = append(out, b)
			break
		}
	}
	return out
}

// encodeLengthDelimited builds a single protobuf field of wire type 2
// (length-delimited) for fieldNo carrying value.
func encodeLengthDelimited(fieldNo int, value []byte) []byte {
	key := encodeVarint(uint64(fieldNo<<3 | 2))
	length := encodeVarint(uint64(len(value)))
	out := append([]byte{}, key...)
	out = append(out, length...)
	out = append(out, value...)
	return out
}

func TestUnwrapProtobufExtractsRawField(t *testing.T) {
	rawNode := []byte("fake-serialized-node-bytes")
	envelope := append([]byte{}, k8sProtobufMagic...)
	envelope = append(envelope, encodeLengthDelimited(1, []byte("typemeta"))...) // field 1: typeMeta, ignored
	envelope = append(envelope, encodeLengthDelimited(2, rawNode)...)            // field 2: raw

	out, err := UnwrapProtobuf(envelope)
	require.NoError(t, err)
	require.Equal(t, rawNode, out)
}

func TestUnwrapProtobufPassesThroughUnwrappedPayload(t *testing.T) {
	plain := []byte("not-a-protobuf-envelope")
	out, err := UnwrapProtobuf(plain)
	require.NoError(t, err)
	require.Equal(t, plain, out)
}

func TestUnwrapProtobufErrorsWithoutRawField(t *testing.T) {
	envelope := append([]byte{}, k8sProtobufMagic...)
	envelope = append(envelope, encodeLengthDelimited(1, []byte("typemeta"))...)

	_, err := UnwrapProtobuf(envelope)
	require.Error(t, err)
}

func TestUnwrapProtobufErrorsOnTruncatedLength(t *testing.T) {
	envelope := append([]byte{}, k8sProtobufMagic...)
	key := encodeVarint(uint64(2<<3 | 2))
	length := encodeVarint(200) // claims 200 bytes but none follow
	envelope = append(envelope, key...)
	envelope = append(envelope, length...)

	_, err := UnwrapProtobuf(envelope)
	require.Error(t, err)
}

func TestVarintRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 127, 128, 300, 1 << 20} {
		encoded := encodeVarint(v)
		decoded, next, err := readVarint(encoded, 0)
		require.NoError(t, err)
		require.Equal(t, v, decoded)
		require.Equal(t, len(encoded), next)
	}
}
