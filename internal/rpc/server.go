// Package rpc exposes rental.Service as the gRPC service mediaart.v1.Rental.
// Methods take and return google.protobuf.Struct messages, so the service is
// registered from a hand-built descriptor and needs no generated code.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"mediaart.org/internal/auth"
	"mediaart.org/internal/protocol"
	"mediaart.org/internal/rental"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "mediaart.v1.Rental"

// Method names, one per rental.Service operation.
const (
	MethodMint               = "Mint"
	MethodToken              = "Token"
	MethodOwnerOf            = "OwnerOf"
	MethodRenterOf           = "RenterOf"
	MethodTokensOf           = "TokensOf"
	MethodAssignRenter       = "AssignRenter"
	MethodTransferOwnership  = "TransferOwnership"
	MethodSetPublicKey       = "SetPublicKey"
	MethodPublicKey          = "PublicKey"
	MethodSetEncryptedPhrase = "SetEncryptedPhrase"
	MethodSetOwnerConfirm    = "SetOwnerConfirm"
	MethodSetProposedURIHash = "SetProposedURIHash"
	MethodSetUserConfirm     = "SetUserConfirm"
	MethodHandshake          = "Handshake"
	MethodDeposit            = "Deposit"
	MethodWithdraw           = "Withdraw"
	MethodBalanceOf          = "BalanceOf"
	MethodFinalize           = "Finalize"
	MethodEvents             = "Events"
	MethodSettlements        = "Settlements"
)

// FullMethod returns the gRPC path of a method.
func FullMethod(name string) string { return "/" + ServiceName + "/" + name }

type method struct {
	public bool
	call   func(ctx context.Context, s *Server, caller protocol.Address, in Call) (Reply, error)
}

// Reads are public; writes need an authenticated caller.
var methods = map[string]method{
	MethodMint: {call: func(ctx context.Context, s *Server, caller protocol.Address, in Call) (Reply, error) {
		id, err := s.svc.Mint(ctx, caller, in.URI)
		return Reply{TokenID: uint64(id)}, err
	}},
	MethodToken: {public: true, call: func(ctx context.Context, s *Server, _ protocol.Address, in Call) (Reply, error) {
		tok, err := s.svc.Token(ctx, protocol.TokenID(in.TokenID))
		if err != nil {
			return Reply{}, err
		}
		return Reply{Token: TokenToWire(tok)}, nil
	}},
	MethodOwnerOf: {public: true, call: func(ctx context.Context, s *Server, _ protocol.Address, in Call) (Reply, error) {
		owner, err := s.svc.OwnerOf(ctx, protocol.TokenID(in.TokenID))
		return Reply{Address: owner.String()}, err
	}},
	MethodRenterOf: {public: true, call: func(ctx context.Context, s *Server, _ protocol.Address, in Call) (Reply, error) {
		renter, ok, err := s.svc.RenterOf(ctx, protocol.TokenID(in.TokenID))
		return Reply{Address: renter.String(), Found: ok}, err
	}},
	MethodTokensOf: {public: true, call: func(ctx context.Context, s *Server, _ protocol.Address, in Call) (Reply, error) {
		ids, err := s.svc.TokensOf(ctx, protocol.NormalizeAddress(in.Address))
		return Reply{TokenIDs: TokenIDsToWire(ids)}, err
	}},
	MethodAssignRenter: {call: func(ctx context.Context, s *Server, caller protocol.Address, in Call) (Reply, error) {
		return Reply{}, s.svc.AssignRenter(ctx, protocol.TokenID(in.TokenID), caller, protocol.NormalizeAddress(in.Address), in.Expiry)
	}},
	MethodTransferOwnership: {call: func(ctx context.Context, s *Server, caller protocol.Address, in Call) (Reply, error) {
		return Reply{}, s.svc.TransferOwnership(ctx, protocol.TokenID(in.TokenID), caller, protocol.NormalizeAddress(in.Address))
	}},
	MethodSetPublicKey: {call: func(ctx context.Context, s *Server, caller protocol.Address, in Call) (Reply, error) {
		return Reply{}, s.svc.SetPublicKey(ctx, caller, in.Data)
	}},
	MethodPublicKey: {public: true, call: func(ctx context.Context, s *Server, _ protocol.Address, in Call) (Reply, error) {
		key, err := s.svc.PublicKey(ctx, protocol.NormalizeAddress(in.Address))
		return Reply{Data: key}, err
	}},
	MethodSetEncryptedPhrase: {call: func(ctx context.Context, s *Server, caller protocol.Address, in Call) (Reply, error) {
		return Reply{}, s.svc.SetEncryptedPhrase(ctx, protocol.TokenID(in.TokenID), caller, in.Data)
	}},
	MethodSetOwnerConfirm: {call: func(ctx context.Context, s *Server, caller protocol.Address, in Call) (Reply, error) {
		return Reply{}, s.svc.SetOwnerConfirm(ctx, protocol.TokenID(in.TokenID), caller, in.Amount)
	}},
	MethodSetProposedURIHash: {call: func(ctx context.Context, s *Server, caller protocol.Address, in Call) (Reply, error) {
		return Reply{}, s.svc.SetProposedURIHash(ctx, protocol.TokenID(in.TokenID), caller, in.Data)
	}},
	MethodSetUserConfirm: {call: func(ctx context.Context, s *Server, caller protocol.Address, in Call) (Reply, error) {
		return Reply{}, s.svc.SetUserConfirm(ctx, protocol.TokenID(in.TokenID), caller, in.Data)
	}},
	MethodHandshake: {public: true, call: func(ctx context.Context, s *Server, _ protocol.Address, in Call) (Reply, error) {
		rec, err := s.svc.Handshake(ctx, protocol.TokenID(in.TokenID))
		if err != nil {
			return Reply{}, err
		}
		return Reply{Handshake: HandshakeToWire(rec)}, nil
	}},
	MethodDeposit: {call: func(ctx context.Context, s *Server, caller protocol.Address, in Call) (Reply, error) {
		bal, err := s.svc.Deposit(ctx, caller, in.Amount)
		return Reply{Balance: bal}, err
	}},
	MethodWithdraw: {call: func(ctx context.Context, s *Server, caller protocol.Address, in Call) (Reply, error) {
		bal, err := s.svc.Withdraw(ctx, caller, in.Amount)
		return Reply{Balance: bal}, err
	}},
	MethodBalanceOf: {public: true, call: func(ctx context.Context, s *Server, _ protocol.Address, in Call) (Reply, error) {
		bal, err := s.svc.BalanceOf(ctx, protocol.NormalizeAddress(in.Address))
		return Reply{Balance: bal}, err
	}},
	MethodFinalize: {call: func(ctx context.Context, s *Server, caller protocol.Address, in Call) (Reply, error) {
		uri, err := s.svc.Finalize(ctx, protocol.TokenID(in.TokenID), caller, in.Amount, in.URI)
		return Reply{URI: uri}, err
	}},
	MethodEvents: {public: true, call: func(ctx context.Context, s *Server, _ protocol.Address, in Call) (Reply, error) {
		events, err := s.svc.Events(ctx, in.AfterSeq, in.Limit)
		if err != nil {
			return Reply{}, err
		}
		out := Reply{Events: make([]Event, 0, len(events))}
		for _, e := range events {
			out.Events = append(out.Events, EventToWire(e))
		}
		return out, nil
	}},
	MethodSettlements: {public: true, call: func(ctx context.Context, s *Server, _ protocol.Address, in Call) (Reply, error) {
		hist, ok := s.svc.(rental.SettlementHistory)
		if !ok {
			return Reply{}, errUnimplemented
		}
		items, next, err := hist.Settlements(ctx, in.AfterSeq, in.Limit)
		if err != nil {
			return Reply{}, err
		}
		out := Reply{Next: next, Transfers: make([]Transfer, 0, len(items))}
		for _, t := range items {
			out.Transfers = append(out.Transfers, TransferToWire(t))
		}
		return out, nil
	}},
}

// Server adapts a rental.Service to the gRPC method table.
type Server struct {
	svc rental.Service
}

func NewServer(svc rental.Service) *Server { return &Server{svc: svc} }

// Register adds the service to a gRPC server.
func Register(g *grpc.Server, s *Server) {
	g.RegisterService(&serviceDesc, s)
}

// handler is the HandlerType grpc checks Server against.
type handler interface {
	dispatch(ctx context.Context, name string, in *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = buildServiceDesc()

func buildServiceDesc() grpc.ServiceDesc {
	desc := grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*handler)(nil),
		Streams:     []grpc.StreamDesc{},
		Metadata:    "mediaart/v1/rental",
	}
	for name := range methods {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{MethodName: name, Handler: unaryHandler(name)})
	}
	return desc
}

func unaryHandler(name string) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		h := srv.(handler)
		if interceptor == nil {
			return h.dispatch(ctx, name, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return h.dispatch(ctx, name, req.(*structpb.Struct))
		})
	}
}

func (s *Server) dispatch(ctx context.Context, name string, in *structpb.Struct) (*structpb.Struct, error) {
	m, ok := methods[name]
	if !ok {
		return nil, toStatus(errUnimplemented)
	}
	var call Call
	if err := Decode(in, &call); err != nil {
		return nil, toStatus(err)
	}
	caller, err := resolveCaller(ctx, m.public, call.Caller)
	if err != nil {
		return nil, toStatus(err)
	}
	reply, err := m.call(ctx, s, caller, call)
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := Encode(reply)
	if err != nil {
		return nil, toStatus(err)
	}
	return out, nil
}

// resolveCaller returns the authenticated address. A caller named in the
// message must match it.
func resolveCaller(ctx context.Context, public bool, claimed string) (protocol.Address, error) {
	authed, ok := auth.CallerFromContext(ctx)
	if !ok {
		if public {
			return "", nil
		}
		return "", errUnauthenticated
	}
	if claimed != "" && protocol.NormalizeAddress(claimed) != authed {
		return "", protocol.ErrUnauthorized
	}
	return authed, nil
}

// IsPublic reports whether a full method path may be called anonymously.
func IsPublic(fullMethod string) bool {
	for name, m := range methods {
		if FullMethod(name) == fullMethod {
			return m.public
		}
	}
	return false
}
