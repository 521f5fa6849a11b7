package rpc

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"mediaart.org/internal/protocol"
)

var (
	errUnauthenticated = errors.New("missing or invalid bearer token")
	errUnimplemented   = errors.New("method not supported by this backend")
)

// toStatus maps a service error to a gRPC status. The protocol error kind
// leads the message so clients can restore the sentinel.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, errUnauthenticated):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, errUnimplemented):
		return status.Error(codes.Unimplemented, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}

	kind := protocol.Kind(err)
	var code codes.Code
	switch {
	case errors.Is(err, protocol.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, protocol.ErrUnauthorized):
		code = codes.PermissionDenied
	case protocol.IsInputError(err):
		code = codes.InvalidArgument
	case protocol.IsPrecondition(err):
		code = codes.FailedPrecondition
	default:
		return status.Error(codes.Internal, "internal error")
	}
	return status.Error(code, kind+": "+err.Error())
}

// FromStatus restores the protocol sentinel carried by a status error.
// Errors without a known kind are returned unchanged.
func FromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok || st == nil {
		return err
	}
	if st.Code() == codes.Unauthenticated {
		return errors.Join(protocol.ErrUnauthorized, err)
	}
	kind, _, _ := strings.Cut(st.Message(), ":")
	if sentinel := protocol.FromKind(strings.TrimSpace(kind)); sentinel != nil {
		return sentinel
	}
	return err
}
