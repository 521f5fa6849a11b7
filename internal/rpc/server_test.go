package rpc_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"mediaart.org/internal/auth"
	"mediaart.org/internal/protocol"
	"mediaart.org/internal/rental"
	"mediaart.org/internal/rental/remote"
	"mediaart.org/internal/rpc"
)

const bufSize = 1024 * 1024

func startBufGRPC(t *testing.T, svc rental.Service, signer *auth.Signer) *grpc.ClientConn {
	t.Helper()

	listener := bufconn.Listen(bufSize)
	server := grpc.NewServer(grpc.ChainUnaryInterceptor(
		rpc.LoggingInterceptor(),
		rpc.AuthInterceptor(signer),
	))
	rpc.Register(server, rpc.NewServer(svc))

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()

	conn, err := grpc.NewClient(
		"passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		server.GracefulStop()
		_ = conn.Close()
		_ = listener.Close()
	})
	return conn
}

func newSigner(t *testing.T) *auth.Signer {
	t.Helper()
	s, err := auth.NewSigner([]byte("rpc-test-secret"))
	require.NoError(t, err)
	return s
}

func TestRentalCycleOverGRPC(t *testing.T) {
	signer := newSigner(t)
	conn := startBufGRPC(t, rental.NewInMemory(), signer)
	svc := remote.NewService(remote.NewClient(conn), remote.SignerTokens(signer, time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := svc.Mint(ctx, "alice", "ipfs://cover")
	require.NoError(t, err)
	require.NoError(t, svc.AssignRenter(ctx, id, "alice", "bob", time.Now().Add(time.Hour)))

	renter, ok, err := svc.RenterOf(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, protocol.Address("bob"), renter)

	require.NoError(t, svc.SetPublicKey(ctx, "bob", []byte("bob-key")))
	key, err := svc.PublicKey(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []byte("bob-key"), key)

	_, err = svc.Deposit(ctx, "bob", 500)
	require.NoError(t, err)

	require.NoError(t, svc.SetEncryptedPhrase(ctx, id, "alice", []byte("ct-a")))
	require.NoError(t, svc.SetEncryptedPhrase(ctx, id, "bob", []byte("ct-b")))
	require.NoError(t, svc.SetOwnerConfirm(ctx, id, "alice", 300))
	require.NoError(t, svc.SetProposedURIHash(ctx, id, "alice", []byte("H")))
	require.NoError(t, svc.SetUserConfirm(ctx, id, "bob", []byte("H")))

	rec, err := svc.Handshake(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, protocol.StateBothConfirmed, rec.State())
	assert.Equal(t, int64(300), rec.RequestedAmount)

	_, err = svc.Finalize(ctx, id, "bob", 600, "ipfs://final")
	assert.ErrorIs(t, err, protocol.ErrInsufficientFunds)

	uri, err := svc.Finalize(ctx, id, "alice", 300, "ipfs://final")
	require.NoError(t, err)
	assert.Equal(t, "ipfs://final", uri)

	tok, err := svc.Token(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "ipfs://final", tok.PublicURI)

	bal, err := svc.BalanceOf(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(300), bal)

	ids, err := svc.TokensOf(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []protocol.TokenID{id}, ids)

	events, err := svc.Events(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, protocol.EventFinalized, events[2].Kind)
	assert.Equal(t, uint64(3), events[2].Sequence)

	transfers, next, err := svc.Settlements(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	assert.Equal(t, int64(300), transfers[0].Amount)
	assert.Equal(t, transfers[0].Sequence, next)
}

func TestGRPCAuthorization(t *testing.T) {
	signer := newSigner(t)
	conn := startBufGRPC(t, rental.NewInMemory(), signer)
	ctx := context.Background()

	anon := remote.NewService(remote.NewClient(conn), nil)
	_, err := anon.Mint(ctx, "alice", "u")
	assert.ErrorIs(t, err, protocol.ErrUnauthorized, "writes need a token")
	_, err = anon.BalanceOf(ctx, "alice")
	assert.NoError(t, err, "reads are public")

	// A token for bob cannot act as alice.
	bobOnly := remote.NewService(remote.NewClient(conn), func(context.Context, protocol.Address) (string, error) {
		token, _, err := signer.Issue("bob", time.Minute)
		return token, err
	})
	_, err = bobOnly.Deposit(ctx, "alice", 10)
	assert.ErrorIs(t, err, protocol.ErrUnauthorized)

	// Invalid tokens are rejected even on public methods.
	bad := auth.ContextWithToken(ctx, "garbage")
	_, err = anon.BalanceOf(bad, "alice")
	assert.ErrorIs(t, err, protocol.ErrUnauthorized)
}

func TestGRPCErrorsCarryKinds(t *testing.T) {
	signer := newSigner(t)
	conn := startBufGRPC(t, rental.NewInMemory(), signer)
	ctx := context.Background()

	in, err := structpb.NewStruct(map[string]any{"token_id": "99"})
	require.NoError(t, err)
	err = conn.Invoke(ctx, rpc.FullMethod(rpc.MethodToken), in, new(structpb.Struct))
	st, _ := status.FromError(err)
	assert.Equal(t, codes.NotFound, st.Code())
	assert.Contains(t, st.Message(), "not_found")

	in, err = structpb.NewStruct(map[string]any{"token_id": "not-a-number"})
	require.NoError(t, err)
	err = conn.Invoke(ctx, rpc.FullMethod(rpc.MethodToken), in, new(structpb.Struct))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}
