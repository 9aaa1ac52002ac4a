// Package grpcapi is the hand-authored externalgrpc wire contract: the
// Cluster Autoscaler's "external gRPC" cloud-provider protocol,
// reduced to the fields this provider actually reads or writes.
// Messages marshal themselves directly to protobuf wire format via
// google.golang.org/protobuf/encoding/protowire rather than going
// through a generated descriptor, so the contract lives in one place
// without a protoc build step.
package grpcapi

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// wireMessage is implemented by every request/response type in this
// package: a self-marshaling protobuf message, in the spirit of
// vtprotobuf's MarshalVT/UnmarshalVT fast path.
type wireMessage interface {
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

const codecName = "proto"

// wireCodec replaces grpc-go's default "proto" codec (which expects
// messages generated by protoc-gen-go) with one that dispatches to
// each message's own hand-written Marshal/Unmarshal.
type wireCodec struct{}

func (wireCodec) Name() string { return codecName }

func (wireCodec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("grpcapi: %T does not implement wireMessage", v)
	}
	return m.Marshal()
}

func (wireCodec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("grpcapi: %T does not implement wireMessage", v)
	}
	return m.Unmarshal(data)
}

func init() {
	encoding.RegisterCodec(wireCodec{})
}
