// Package remote implements rental.Service over the mediaart.v1.Rental gRPC
// service.
package remote

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"mediaart.org/internal/audit"
	"mediaart.org/internal/auth"
	"mediaart.org/internal/escrow"
	"mediaart.org/internal/protocol"
	"mediaart.org/internal/rental"
	"mediaart.org/internal/rpc"
)

// Client wraps the gRPC connection.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a new client. Without options the transport is insecure.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client { return &Client{conn: conn} }

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// TokenSource returns the bearer token to present for caller.
type TokenSource func(ctx context.Context, caller protocol.Address) (string, error)

// SignerTokens issues short-lived tokens locally with a shared secret.
func SignerTokens(s *auth.Signer, ttl time.Duration) TokenSource {
	return func(_ context.Context, caller protocol.Address) (string, error) {
		token, _, err := s.Issue(caller, ttl)
		return token, err
	}
}

// Service adapts the gRPC client to rental.Service.
type Service struct {
	client *Client
	tokens TokenSource
}

var (
	_ rental.Service           = (*Service)(nil)
	_ rental.SettlementHistory = (*Service)(nil)
)

// NewService returns a Service authenticating mutations with tokens. A token
// already attached to the context with auth.ContextWithToken takes
// precedence.
func NewService(client *Client, tokens TokenSource) *Service {
	return &Service{client: client, tokens: tokens}
}

func (s *Service) invoke(ctx context.Context, method string, caller protocol.Address, call rpc.Call) (rpc.Reply, error) {
	call.Caller = caller.String()
	ctx, err := s.outgoing(ctx, caller)
	if err != nil {
		return rpc.Reply{}, err
	}
	in, err := rpc.Encode(call)
	if err != nil {
		return rpc.Reply{}, err
	}
	out := new(structpb.Struct)
	if err := s.client.conn.Invoke(ctx, rpc.FullMethod(method), in, out); err != nil {
		return rpc.Reply{}, rpc.FromStatus(err)
	}
	var reply rpc.Reply
	if err := rpc.Decode(out, &reply); err != nil {
		return rpc.Reply{}, err
	}
	return reply, nil
}

func (s *Service) outgoing(ctx context.Context, caller protocol.Address) (context.Context, error) {
	var pairs []string
	if rid := audit.RequestIDFromContext(ctx); rid != "" {
		pairs = append(pairs, rpc.MetadataRequestID, rid)
	}
	token, ok := auth.TokenFromContext(ctx)
	if !ok && !caller.IsZero() && s.tokens != nil {
		var err error
		if token, err = s.tokens(ctx, caller); err != nil {
			return ctx, fmt.Errorf("token for %s: %w", caller, err)
		}
	}
	if token != "" {
		pairs = append(pairs, rpc.MetadataAuthorization, "Bearer "+token)
	}
	if len(pairs) == 0 {
		return ctx, nil
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...), nil
}

func (s *Service) Mint(ctx context.Context, owner protocol.Address, uri string) (protocol.TokenID, error) {
	r, err := s.invoke(ctx, rpc.MethodMint, owner, rpc.Call{URI: uri})
	return protocol.TokenID(r.TokenID), err
}

func (s *Service) Token(ctx context.Context, id protocol.TokenID) (protocol.Token, error) {
	r, err := s.invoke(ctx, rpc.MethodToken, "", rpc.Call{TokenID: uint64(id)})
	if err != nil {
		return protocol.Token{}, err
	}
	return r.Token.Protocol(), nil
}

func (s *Service) OwnerOf(ctx context.Context, id protocol.TokenID) (protocol.Address, error) {
	r, err := s.invoke(ctx, rpc.MethodOwnerOf, "", rpc.Call{TokenID: uint64(id)})
	return protocol.Address(r.Address), err
}

func (s *Service) RenterOf(ctx context.Context, id protocol.TokenID) (protocol.Address, bool, error) {
	r, err := s.invoke(ctx, rpc.MethodRenterOf, "", rpc.Call{TokenID: uint64(id)})
	return protocol.Address(r.Address), r.Found, err
}

func (s *Service) TokensOf(ctx context.Context, owner protocol.Address) ([]protocol.TokenID, error) {
	r, err := s.invoke(ctx, rpc.MethodTokensOf, "", rpc.Call{Address: owner.String()})
	if err != nil {
		return nil, err
	}
	return rpc.TokenIDsFromWire(r.TokenIDs)
}

func (s *Service) AssignRenter(ctx context.Context, id protocol.TokenID, caller, renter protocol.Address, expiry time.Time) error {
	_, err := s.invoke(ctx, rpc.MethodAssignRenter, caller, rpc.Call{TokenID: uint64(id), Address: renter.String(), Expiry: expiry})
	return err
}

func (s *Service) TransferOwnership(ctx context.Context, id protocol.TokenID, caller, to protocol.Address) error {
	_, err := s.invoke(ctx, rpc.MethodTransferOwnership, caller, rpc.Call{TokenID: uint64(id), Address: to.String()})
	return err
}

func (s *Service) SetPublicKey(ctx context.Context, caller protocol.Address, key []byte) error {
	_, err := s.invoke(ctx, rpc.MethodSetPublicKey, caller, rpc.Call{Data: key})
	return err
}

func (s *Service) PublicKey(ctx context.Context, addr protocol.Address) ([]byte, error) {
	r, err := s.invoke(ctx, rpc.MethodPublicKey, "", rpc.Call{Address: addr.String()})
	return r.Data, err
}

func (s *Service) SetEncryptedPhrase(ctx context.Context, id protocol.TokenID, caller protocol.Address, ciphertext []byte) error {
	_, err := s.invoke(ctx, rpc.MethodSetEncryptedPhrase, caller, rpc.Call{TokenID: uint64(id), Data: ciphertext})
	return err
}

func (s *Service) SetOwnerConfirm(ctx context.Context, id protocol.TokenID, caller protocol.Address, amount int64) error {
	_, err := s.invoke(ctx, rpc.MethodSetOwnerConfirm, caller, rpc.Call{TokenID: uint64(id), Amount: amount})
	return err
}

func (s *Service) SetProposedURIHash(ctx context.Context, id protocol.TokenID, caller protocol.Address, hash []byte) error {
	_, err := s.invoke(ctx, rpc.MethodSetProposedURIHash, caller, rpc.Call{TokenID: uint64(id), Data: hash})
	return err
}

func (s *Service) SetUserConfirm(ctx context.Context, id protocol.TokenID, caller protocol.Address, hash []byte) error {
	_, err := s.invoke(ctx, rpc.MethodSetUserConfirm, caller, rpc.Call{TokenID: uint64(id), Data: hash})
	return err
}

func (s *Service) Handshake(ctx context.Context, id protocol.TokenID) (protocol.HandshakeRecord, error) {
	r, err := s.invoke(ctx, rpc.MethodHandshake, "", rpc.Call{TokenID: uint64(id)})
	if err != nil {
		return protocol.HandshakeRecord{}, err
	}
	return r.Handshake.Protocol(), nil
}

func (s *Service) Deposit(ctx context.Context, caller protocol.Address, amount int64) (int64, error) {
	r, err := s.invoke(ctx, rpc.MethodDeposit, caller, rpc.Call{Amount: amount})
	return r.Balance, err
}

func (s *Service) Withdraw(ctx context.Context, caller protocol.Address, amount int64) (int64, error) {
	r, err := s.invoke(ctx, rpc.MethodWithdraw, caller, rpc.Call{Amount: amount})
	return r.Balance, err
}

func (s *Service) BalanceOf(ctx context.Context, addr protocol.Address) (int64, error) {
	r, err := s.invoke(ctx, rpc.MethodBalanceOf, "", rpc.Call{Address: addr.String()})
	return r.Balance, err
}

func (s *Service) Finalize(ctx context.Context, id protocol.TokenID, caller protocol.Address, amount int64, finalURI string) (string, error) {
	r, err := s.invoke(ctx, rpc.MethodFinalize, caller, rpc.Call{TokenID: uint64(id), Amount: amount, URI: finalURI})
	return r.URI, err
}

func (s *Service) Events(ctx context.Context, afterSeq uint64, limit int) ([]protocol.Event, error) {
	r, err := s.invoke(ctx, rpc.MethodEvents, "", rpc.Call{AfterSeq: afterSeq, Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]protocol.Event, 0, len(r.Events))
	for _, e := range r.Events {
		out = append(out, e.Protocol())
	}
	return out, nil
}

func (s *Service) Settlements(ctx context.Context, afterSeq uint64, limit int) ([]escrow.Transfer, uint64, error) {
	r, err := s.invoke(ctx, rpc.MethodSettlements, "", rpc.Call{AfterSeq: afterSeq, Limit: limit})
	if err != nil {
		return nil, 0, err
	}
	out := make([]escrow.Transfer, 0, len(r.Transfers))
	for _, t := range r.Transfers {
		out = append(out, t.Escrow())
	}
	return out, r.Next, nil
}

// WithTimeout returns a context with a default timeout for CLI tools.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(parent, d)
}
