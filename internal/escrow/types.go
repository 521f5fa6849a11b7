package escrow

import (
	"time"

	"mediaart.org/internal/ids"
	"mediaart.org/internal/protocol"
)

// Transfer is a settlement movement between two escrow accounts. Amounts are
// minor units; no floats.
type Transfer struct {
	ID        string           `json:"id"`
	Sequence  uint64           `json:"sequence"` // monotonic sequence number
	From      protocol.Address `json:"from"`
	To        protocol.Address `json:"to"`
	Amount    int64            `json:"amount"`
	CreatedAt time.Time        `json:"created_at"`
}

type account struct {
	balance int64
}

func newID(t time.Time) string {
	return ids.At(t)
}
