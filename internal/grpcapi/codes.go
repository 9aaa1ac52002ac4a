package grpcapi

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/beskarops/proxmox-ca-provider/internal/core"
)

// StatusFromError maps the internal error taxonomy to the gRPC codes
// the externalgrpc contract expects. KindInvalidTransition never
// reaches here deliberately: it represents a bug, and a handler that
// somehow observes one maps it to Unavailable same as any other
// unhandled failure.
func StatusFromError(err error) error {
	if err == nil {
		return nil
	}

	switch core.KindOf(err) {
	case core.KindGroupNotFound, core.KindNodeNotFound:
		return status.Error(codes.NotFound, err.Error())
	case core.KindInvalidArgument:
		return status.Error(codes.InvalidArgument, err.Error())
	case core.KindFailedPrecondition:
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Unavailable, err.Error())
	}
}
