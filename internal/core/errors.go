package core

import (
	"errors"
	"fmt"
)

// Kind is the internal error taxonomy. The gRPC layer is the only place
// that maps a Kind to a status code; nothing in the core packages
// imports gRPC.
type Kind string

const (
	KindGroupNotFound      Kind = "group_not_found"
	KindNodeNotFound       Kind = "node_not_found"
	KindInvalidArgument    Kind = "invalid_argument"
	KindFailedPrecondition Kind = "failed_precondition"
	KindUnavailable        Kind = "unavailable"
	KindInvalidTransition  Kind = "invalid_transition"
)

// Error is a typed error carrying a Kind alongside the usual message
// and optional cause, mirroring the provider-error pattern used
// throughout this codebase's RPC-facing layers.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// KindOf extracts the Kind from err if it is (or wraps) an *Error,
// defaulting to KindUnavailable for anything else — "any other
// unhandled failure" per the error handling design.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnavailable
}

func NewGroupNotFound(groupID string) *Error {
	return &Error{Kind: KindGroupNotFound, Message: fmt.Sprintf("node group %q not found", groupID)}
}

func NewNodeNotFound(groupID, nodeName string) *Error {
	return &Error{Kind: KindNodeNotFound, Message: fmt.Sprintf("node %q does not resolve to a VM in group %q", nodeName, groupID)}
}

func NewInvalidArgument(message string, args ...interface{}) *Error {
	return &Error{Kind: KindInvalidArgument, Message: fmt.Sprintf(message, args...)}
}

func NewFailedPrecondition(message string, args ...interface{}) *Error {
	return &Error{Kind: KindFailedPrecondition, Message: fmt.Sprintf(message, args...)}
}

func NewUnavailable(message string, cause error) *Error {
	return &Error{Kind: KindUnavailable, Message: message, Cause: cause}
}

func NewInvalidTransition(message string) *Error {
	return &Error{Kind: KindInvalidTransition, Message: message}
}
