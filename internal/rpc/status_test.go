package rpc

import (
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"mediaart.org/internal/protocol"
)

func TestToStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		code codes.Code
	}{
		{protocol.ErrNotFound, codes.NotFound},
		{fmt.Errorf("load: %w", protocol.ErrUnauthorized), codes.PermissionDenied},
		{protocol.ErrInvalidAmount, codes.InvalidArgument},
		{protocol.ErrInvalidExpiry, codes.InvalidArgument},
		{protocol.ErrCommitmentMismatch, codes.FailedPrecondition},
		{protocol.ErrInsufficientFunds, codes.FailedPrecondition},
		{errUnauthenticated, codes.Unauthenticated},
		{errors.New("disk on fire"), codes.Internal},
	}
	for _, tc := range cases {
		st, _ := status.FromError(toStatus(tc.err))
		if st.Code() != tc.code {
			t.Errorf("toStatus(%v) code = %v, want %v", tc.err, st.Code(), tc.code)
		}
	}
	if st, _ := status.FromError(toStatus(errors.New("secret detail"))); st.Message() != "internal error" {
		t.Fatalf("internal errors must not leak: %q", st.Message())
	}
}

func TestFromStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want error
	}{
		{"not found", toStatus(protocol.ErrNotFound), protocol.ErrNotFound},
		{"precondition", toStatus(protocol.ErrHandshakeIncomplete), protocol.ErrHandshakeIncomplete},
		{"already confirmed", toStatus(protocol.ErrAlreadyConfirmed), protocol.ErrAlreadyConfirmed},
		{"unauthenticated", status.Error(codes.Unauthenticated, "no token"), protocol.ErrUnauthorized},
		{"pass through", status.Error(codes.Internal, "internal"), status.Error(codes.Internal, "internal")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := FromStatus(tc.err)
			if !errors.Is(got, tc.want) {
				t.Fatalf("FromStatus() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEncodeDecodePreservesLargeIntegers(t *testing.T) {
	in := Call{TokenID: 1<<63 + 5, Amount: 1<<62 + 1, Data: []byte{0, 1, 2}}
	s, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var out Call
	if err := Decode(s, &out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.TokenID != in.TokenID || out.Amount != in.Amount || string(out.Data) != string(in.Data) {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}
