package rental

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediaart.org/internal/protocol"
)

type opRecorder struct {
	mu  sync.Mutex
	ops []Op
}

func (r *opRecorder) Observe(_ context.Context, op Op) {
	r.mu.Lock()
	r.ops = append(r.ops, op)
	r.mu.Unlock()
}

func TestObservedReportsMutations(t *testing.T) {
	ctx := context.Background()
	rec := &opRecorder{}
	svc := Observed(NewInMemory(), rec)

	id, err := svc.Mint(ctx, "alice", "ipfs://x")
	require.NoError(t, err)
	require.ErrorIs(t, svc.AssignRenter(ctx, id, "mallory", "bob", time.Now().Add(time.Hour)), protocol.ErrUnauthorized)
	_, err = svc.Token(ctx, id)
	require.NoError(t, err)

	require.Len(t, rec.ops, 2, "reads are not observed")
	assert.Equal(t, "mint", rec.ops[0].Name)
	assert.Equal(t, id, rec.ops[0].TokenID)
	assert.NoError(t, rec.ops[0].Err)
	assert.Equal(t, "assign_renter", rec.ops[1].Name)
	assert.Equal(t, protocol.Address("bob"), rec.ops[1].Target)
	assert.ErrorIs(t, rec.ops[1].Err, protocol.ErrUnauthorized)
}

func TestObservedKeepsSettlementHistory(t *testing.T) {
	svc := Observed(NewInMemory())
	_, ok := svc.(SettlementHistory)
	assert.True(t, ok)
}

func TestObservedForwardsClock(t *testing.T) {
	at := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	svc := Observed(NewInMemory(WithClock(func() time.Time { return at })))
	assert.Equal(t, at, Now(svc))
}
