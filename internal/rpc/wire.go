package rpc

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"mediaart.org/internal/escrow"
	"mediaart.org/internal/protocol"
)

// Messages travel as google.protobuf.Struct. Struct numbers are doubles, so
// every 64-bit integer is carried as a decimal string.

// Call is the request message of every method. Unused fields are omitted.
type Call struct {
	Caller   string    `json:"caller,omitempty"`
	TokenID  uint64    `json:"token_id,string,omitempty"`
	Address  string    `json:"address,omitempty"`
	URI      string    `json:"uri,omitempty"`
	Expiry   time.Time `json:"expiry,omitzero"`
	Amount   int64     `json:"amount,string,omitempty"`
	Data     []byte    `json:"data,omitempty"`
	AfterSeq uint64    `json:"after_seq,string,omitempty"`
	Limit    int       `json:"limit,omitempty"`
}

// Reply is the response message of every method.
type Reply struct {
	TokenID   uint64     `json:"token_id,string,omitempty"`
	TokenIDs  []string   `json:"token_ids,omitempty"`
	Token     *Token     `json:"token,omitempty"`
	Address   string     `json:"address,omitempty"`
	Found     bool       `json:"found,omitempty"`
	Data      []byte     `json:"data,omitempty"`
	Handshake *Handshake `json:"handshake,omitempty"`
	Balance   int64      `json:"balance,string,omitempty"`
	URI       string     `json:"uri,omitempty"`
	Events    []Event    `json:"events,omitempty"`
	Transfers []Transfer `json:"transfers,omitempty"`
	Next      uint64     `json:"next,string,omitempty"`
}

type Token struct {
	ID         uint64    `json:"id,string"`
	Owner      string    `json:"owner"`
	Renter     string    `json:"renter,omitempty"`
	RentExpiry time.Time `json:"rent_expiry,omitzero"`
	PublicURI  string    `json:"public_uri"`
	CreatedAt  time.Time `json:"created_at"`
}

type Handshake struct {
	TokenID                uint64 `json:"token_id,string"`
	OwnerConfirm           bool   `json:"owner_confirm,omitempty"`
	UserConfirm            bool   `json:"user_confirm,omitempty"`
	EncryptedPhraseByOwner []byte `json:"encrypted_phrase_by_owner,omitempty"`
	EncryptedPhraseByUser  []byte `json:"encrypted_phrase_by_user,omitempty"`
	ProposedURIHash        []byte `json:"proposed_uri_hash,omitempty"`
	UserURIHash            []byte `json:"user_uri_hash,omitempty"`
	RequestedAmount        int64  `json:"requested_amount,string,omitempty"`
}

type Event struct {
	Sequence  uint64    `json:"sequence,string"`
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	TokenID   uint64    `json:"token_id,string"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Renter    string    `json:"renter,omitempty"`
	Expiry    time.Time `json:"expiry,omitzero"`
	Amount    int64     `json:"amount,string,omitempty"`
	URI       string    `json:"uri,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Transfer struct {
	ID        string    `json:"id"`
	Sequence  uint64    `json:"sequence,string"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Amount    int64     `json:"amount,string"`
	CreatedAt time.Time `json:"created_at"`
}

// Encode converts a message into a Struct.
func Encode(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return structpb.NewStruct(m)
}

// Decode fills v from a Struct. A nil Struct decodes as an empty message.
func Decode(s *structpb.Struct, v any) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	raw, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrInvalidInput, err)
	}
	return nil
}

func TokenToWire(t protocol.Token) *Token {
	return &Token{
		ID:         uint64(t.ID),
		Owner:      t.Owner.String(),
		Renter:     t.Renter.String(),
		RentExpiry: t.RentExpiry,
		PublicURI:  t.PublicURI,
		CreatedAt:  t.CreatedAt,
	}
}

func (t *Token) Protocol() protocol.Token {
	if t == nil {
		return protocol.Token{}
	}
	return protocol.Token{
		ID:         protocol.TokenID(t.ID),
		Owner:      protocol.Address(t.Owner),
		Renter:     protocol.Address(t.Renter),
		RentExpiry: t.RentExpiry,
		PublicURI:  t.PublicURI,
		CreatedAt:  t.CreatedAt,
	}
}

func HandshakeToWire(h protocol.HandshakeRecord) *Handshake {
	return &Handshake{
		TokenID:                uint64(h.TokenID),
		OwnerConfirm:           h.OwnerConfirm,
		UserConfirm:            h.UserConfirm,
		EncryptedPhraseByOwner: h.EncryptedPhraseByOwner,
		EncryptedPhraseByUser:  h.EncryptedPhraseByUser,
		ProposedURIHash:        h.ProposedURIHash,
		UserURIHash:            h.UserURIHash,
		RequestedAmount:        h.RequestedAmount,
	}
}

func (h *Handshake) Protocol() protocol.HandshakeRecord {
	if h == nil {
		return protocol.HandshakeRecord{}
	}
	return protocol.HandshakeRecord{
		TokenID:                protocol.TokenID(h.TokenID),
		OwnerConfirm:           h.OwnerConfirm,
		UserConfirm:            h.UserConfirm,
		EncryptedPhraseByOwner: h.EncryptedPhraseByOwner,
		EncryptedPhraseByUser:  h.EncryptedPhraseByUser,
		ProposedURIHash:        h.ProposedURIHash,
		UserURIHash:            h.UserURIHash,
		RequestedAmount:        h.RequestedAmount,
	}
}

func EventToWire(e protocol.Event) Event {
	return Event{
		Sequence:  e.Sequence,
		ID:        e.ID,
		Kind:      string(e.Kind),
		TokenID:   uint64(e.TokenID),
		From:      e.From.String(),
		To:        e.To.String(),
		Renter:    e.Renter.String(),
		Expiry:    e.Expiry,
		Amount:    e.Amount,
		URI:       e.URI,
		CreatedAt: e.CreatedAt,
	}
}

func (e Event) Protocol() protocol.Event {
	return protocol.Event{
		Sequence:  e.Sequence,
		ID:        e.ID,
		Kind:      protocol.EventKind(e.Kind),
		TokenID:   protocol.TokenID(e.TokenID),
		From:      protocol.Address(e.From),
		To:        protocol.Address(e.To),
		Renter:    protocol.Address(e.Renter),
		Expiry:    e.Expiry,
		Amount:    e.Amount,
		URI:       e.URI,
		CreatedAt: e.CreatedAt,
	}
}

func TransferToWire(t escrow.Transfer) Transfer {
	return Transfer{
		ID:        t.ID,
		Sequence:  t.Sequence,
		From:      t.From.String(),
		To:        t.To.String(),
		Amount:    t.Amount,
		CreatedAt: t.CreatedAt,
	}
}

func (t Transfer) Escrow() escrow.Transfer {
	return escrow.Transfer{
		ID:        t.ID,
		Sequence:  t.Sequence,
		From:      protocol.Address(t.From),
		To:        protocol.Address(t.To),
		Amount:    t.Amount,
		CreatedAt: t.CreatedAt,
	}
}

// TokenIDsToWire formats ids as decimal strings.
func TokenIDsToWire(ids []protocol.TokenID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = strconv.FormatUint(uint64(id), 10)
	}
	return out
}

// TokenIDsFromWire parses decimal ids.
func TokenIDsFromWire(raw []string) ([]protocol.TokenID, error) {
	out := make([]protocol.TokenID, 0, len(raw))
	for _, s := range raw {
		id, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("token id %q: %w", s, err)
		}
		out = append(out, protocol.TokenID(id))
	}
	return out, nil
}
