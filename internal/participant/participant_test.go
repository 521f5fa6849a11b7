package participant

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediaart.org/internal/protocol"
	"mediaart.org/internal/rental"
	"mediaart.org/internal/wallet"
)

type pair struct {
	svc   *rental.InMemory
	owner *Participant
	user  *Participant
	id    protocol.TokenID
}

func setup(t *testing.T) pair {
	t.Helper()
	ctx := context.Background()
	svc := rental.NewInMemory()

	connect := func(addr protocol.Address) *Participant {
		k := wallet.NewKeyring(wallet.AutoApprove)
		require.NoError(t, k.AddAccount(addr))
		sess, err := k.Connect(ctx, addr)
		require.NoError(t, err)
		p := New(svc, k, sess)
		require.NoError(t, p.RegisterKey(ctx))
		return p
	}
	owner, user := connect("alice"), connect("bob")

	id, err := svc.Mint(ctx, "alice", "ipfs://cover")
	require.NoError(t, err)
	require.NoError(t, svc.AssignRenter(ctx, id, "alice", "bob", time.Now().Add(time.Hour)))
	_, err = svc.Deposit(ctx, "bob", 200)
	require.NoError(t, err)
	return pair{svc: svc, owner: owner, user: user, id: id}
}

func TestFullCycle(t *testing.T) {
	ctx := context.Background()
	p := setup(t)

	require.NoError(t, p.owner.SendPhrase(ctx, p.id, "owner secret"))
	require.NoError(t, p.user.SendPhrase(ctx, p.id, "renter secret"))

	got, err := p.user.ReadPhrase(ctx, p.id)
	require.NoError(t, err)
	assert.Equal(t, "owner secret", got)
	got, err = p.owner.ReadPhrase(ctx, p.id)
	require.NoError(t, err)
	assert.Equal(t, "renter secret", got)

	require.NoError(t, p.owner.ConfirmRent(ctx, p.id, 150))
	_, err = p.owner.ProposeURI(ctx, p.id, "ipfs://dir/", "art.png")
	require.NoError(t, err)

	ok, err := p.user.ConfirmURI(ctx, p.id, "ipfs://dir/", "wrong.png")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = p.user.ConfirmURI(ctx, p.id, "ipfs://dir/", "art.png")
	require.NoError(t, err)
	assert.True(t, ok)

	uri, err := p.owner.Settle(ctx, p.id, 150, "ipfs://dir/art.png")
	require.NoError(t, err)
	assert.Equal(t, "ipfs://dir/art.png", uri)

	bal, err := p.svc.BalanceOf(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(150), bal)
}

func TestReadPhraseBeforeCounterpartyWrites(t *testing.T) {
	p := setup(t)
	_, err := p.owner.ReadPhrase(context.Background(), p.id)
	assert.ErrorIs(t, err, ErrNoPhrase)
}

func TestSendPhraseWithoutRenter(t *testing.T) {
	ctx := context.Background()
	p := setup(t)
	id, err := p.svc.Mint(ctx, "alice", "ipfs://other")
	require.NoError(t, err)

	assert.ErrorIs(t, p.owner.SendPhrase(ctx, id, "x"), ErrNoCounterparty)
	assert.ErrorIs(t, p.user.SendPhrase(ctx, id, "x"), protocol.ErrUnauthorized)
}

func TestSendPhraseNeedsCounterpartyKey(t *testing.T) {
	ctx := context.Background()
	svc := rental.NewInMemory()
	k := wallet.NewKeyring(nil)
	require.NoError(t, k.AddAccount("alice"))
	sess, err := k.Connect(ctx, "alice")
	require.NoError(t, err)
	owner := New(svc, k, sess)

	id, err := svc.Mint(ctx, "alice", "u")
	require.NoError(t, err)
	require.NoError(t, svc.AssignRenter(ctx, id, "alice", "bob", time.Now().Add(time.Hour)))

	assert.ErrorIs(t, owner.SendPhrase(ctx, id, "x"), protocol.ErrNotFound)
}
