package wallet

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediaart.org/internal/protocol"
)

func newKeyring(t *testing.T, approver Approver, accounts ...string) *Keyring {
	t.Helper()
	k := NewKeyring(approver)
	for _, a := range accounts {
		require.NoError(t, k.AddAccount(protocol.Address(a)))
	}
	return k
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	ctx := context.Background()
	alice := newKeyring(t, nil, "alice")
	bob := newKeyring(t, nil, "bob")

	as, err := alice.Connect(ctx, "alice")
	require.NoError(t, err)
	bs, err := bob.Connect(ctx, "bob")
	require.NoError(t, err)

	bobPub, err := bob.PublicKey(ctx, bs)
	require.NoError(t, err)
	require.Len(t, bobPub, KeySize)

	ct, err := alice.Encrypt(ctx, as, bobPub, []byte("open sesame"))
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(ct, &env))
	assert.Equal(t, EnvelopeVersion, env.Version)

	plain, err := bob.Decrypt(ctx, bs, ct)
	require.NoError(t, err)
	assert.Equal(t, "open sesame", string(plain))

	// The sender cannot read what it sealed to someone else.
	_, err = alice.Decrypt(ctx, as, ct)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestSealRejectsBadKey(t *testing.T) {
	_, err := Seal([]byte("short"), []byte("x"))
	assert.ErrorIs(t, err, ErrBadPublicKey)
}

func TestDecryptMalformedEnvelope(t *testing.T) {
	ctx := context.Background()
	k := newKeyring(t, nil, "bob")
	s, err := k.Connect(ctx, "bob")
	require.NoError(t, err)

	_, err = k.Decrypt(ctx, s, []byte("not json"))
	assert.ErrorIs(t, err, ErrBadEnvelope)

	bad, _ := json.Marshal(Envelope{Version: "rsa"})
	_, err = k.Decrypt(ctx, s, bad)
	assert.ErrorIs(t, err, ErrBadEnvelope)
}

func TestDeclinedApproval(t *testing.T) {
	ctx := context.Background()
	deny := ApproverFunc(func(_ context.Context, req Request) (bool, error) {
		return req.Action == ActionConnect, nil
	})
	k := newKeyring(t, deny, "alice")
	s, err := k.Connect(ctx, "alice")
	require.NoError(t, err)

	_, err = k.PublicKey(ctx, s)
	assert.ErrorIs(t, err, ErrUserCancelled)
}

func TestApprovalHonoursContext(t *testing.T) {
	block := ApproverFunc(func(ctx context.Context, _ Request) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	})
	k := newKeyring(t, block, "alice")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := k.Connect(ctx, "alice")
	assert.ErrorIs(t, err, ErrUserCancelled)
}

func TestSessionsAreExclusive(t *testing.T) {
	ctx := context.Background()
	k := newKeyring(t, nil, "alice", "bob")

	first, err := k.Connect(ctx, "alice")
	require.NoError(t, err)
	second, err := k.SwitchAccount(ctx, "bob")
	require.NoError(t, err)

	assert.False(t, first.Active())
	assert.True(t, second.Active())
	assert.Equal(t, protocol.Address("bob"), second.Account())

	_, err = k.PublicKey(ctx, first)
	assert.ErrorIs(t, err, ErrSessionClosed)

	second.Close()
	_, err = k.PublicKey(ctx, second)
	assert.ErrorIs(t, err, ErrSessionClosed)

	_, err = k.Connect(ctx, "carol")
	assert.ErrorIs(t, err, ErrUnknownAccount)
}

func TestCommitIsKeccak256(t *testing.T) {
	// Keccak-256 of the empty string.
	assert.Equal(t,
		"c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470",
		hex.EncodeToString(Commit("")))
	assert.NotEqual(t, Commit("ipfs://a"), Commit("ipfs://b"))
}
