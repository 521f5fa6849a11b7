package protocol

import "time"

// EventKind names an event category.
type EventKind string

const (
	EventTransfer       EventKind = "transfer"
	EventRenterAssigned EventKind = "renter_assigned"
	EventFinalized      EventKind = "finalized"
)

// Event is emitted after a committed mutation. Sequence is assigned by the
// event log and is strictly increasing.
type Event struct {
	Sequence  uint64    `json:"sequence"`
	ID        string    `json:"id"`
	Kind      EventKind `json:"kind"`
	TokenID   TokenID   `json:"token_id"`
	From      Address   `json:"from,omitempty"`
	To        Address   `json:"to,omitempty"`
	Renter    Address   `json:"renter,omitempty"`
	Expiry    time.Time `json:"expiry,omitempty"`
	Amount    int64     `json:"amount,omitempty"`
	URI       string    `json:"uri,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Recorder accepts events for durable ordering and fan-out.
type Recorder interface {
	Record(Event) Event
}
