package httpapi

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mediaart.org/internal/protocol"
	"mediaart.org/internal/rental"
)

// maxRentalSeconds caps duration_seconds well below the time.Duration range.
const maxRentalSeconds = 100 * 365 * 24 * 60 * 60

type mintRequest struct {
	URI string `json:"uri"`
}

type assignRenterRequest struct {
	Renter string `json:"renter"`

	// Exactly one of Expiry or DurationSeconds.
	Expiry          *time.Time `json:"expiry,omitempty"`
	DurationSeconds int64      `json:"duration_seconds,omitempty"`
}

type transferRequest struct {
	To string `json:"to"`
}

type phraseRequest struct {
	Ciphertext []byte `json:"ciphertext"`
}

type ownerConfirmRequest struct {
	Amount int64 `json:"amount"`
}

type hashRequest struct {
	Hash string `json:"hash"`
}

type finalizeRequest struct {
	Amount int64  `json:"amount"`
	URI    string `json:"uri"`
}

type publicKeyRequest struct {
	PublicKey []byte `json:"public_key"`
}

type amountRequest struct {
	Amount int64 `json:"amount"`
}

type tokensResponse struct {
	Owner    string             `json:"owner"`
	TokenIDs []protocol.TokenID `json:"token_ids"`
}

type handshakeView struct {
	TokenID                protocol.TokenID        `json:"token_id"`
	State                  protocol.HandshakeState `json:"state"`
	OwnerConfirm           bool                    `json:"owner_confirm"`
	UserConfirm            bool                    `json:"user_confirm"`
	EncryptedPhraseByOwner []byte                  `json:"encrypted_phrase_by_owner,omitempty"`
	EncryptedPhraseByUser  []byte                  `json:"encrypted_phrase_by_user,omitempty"`
	ProposedURIHash        string                  `json:"proposed_uri_hash,omitempty"`
	UserURIHash            string                  `json:"user_uri_hash,omitempty"`
	RequestedAmount        int64                   `json:"requested_amount"`
	CommitmentsMatch       bool                    `json:"commitments_match"`
}

type balanceResponse struct {
	Address string `json:"address"`
	Balance int64  `json:"balance"`
}

func (a *API) mint(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req mintRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	id, err := a.svc.Mint(r.Context(), caller, strings.TrimSpace(req.URI))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	tok, err := a.svc.Token(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/tokens/"+strconv.FormatUint(uint64(id), 10))
	writeJSON(w, http.StatusCreated, tok)
}

func (a *API) getToken(w http.ResponseWriter, r *http.Request) {
	id, ok := tokenID(w, r)
	if !ok {
		return
	}
	a.writeToken(w, r, id, http.StatusOK)
}

func (a *API) tokensOf(w http.ResponseWriter, r *http.Request) {
	owner := protocol.NormalizeAddress(r.PathValue("addr"))
	ids, err := a.svc.TokensOf(r.Context(), owner)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if ids == nil {
		ids = []protocol.TokenID{}
	}
	writeJSON(w, http.StatusOK, tokensResponse{Owner: owner.String(), TokenIDs: ids})
}

func (a *API) assignRenter(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := tokenID(w, r)
	if !ok {
		return
	}
	var req assignRenterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	var expiry time.Time
	switch {
	case req.Expiry != nil && req.DurationSeconds != 0:
		badRequest(w, r, "set either expiry or duration_seconds")
		return
	case req.Expiry != nil:
		expiry = *req.Expiry
	case req.DurationSeconds > maxRentalSeconds:
		badRequest(w, r, "duration_seconds is too large")
		return
	case req.DurationSeconds > 0:
		expiry = rental.Now(a.svc).Add(time.Duration(req.DurationSeconds) * time.Second)
	default:
		badRequest(w, r, "expiry or a positive duration_seconds is required")
		return
	}
	renter := protocol.NormalizeAddress(req.Renter)
	if err := a.svc.AssignRenter(r.Context(), id, caller, renter, expiry); err != nil {
		writeServiceError(w, r, err)
		return
	}
	a.writeToken(w, r, id, http.StatusOK)
}

func (a *API) transferOwnership(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := tokenID(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if err := a.svc.TransferOwnership(r.Context(), id, caller, protocol.NormalizeAddress(req.To)); err != nil {
		writeServiceError(w, r, err)
		return
	}
	a.writeToken(w, r, id, http.StatusOK)
}

func (a *API) getHandshake(w http.ResponseWriter, r *http.Request) {
	id, ok := tokenID(w, r)
	if !ok {
		return
	}
	a.writeHandshake(w, r, id)
}

func (a *API) setPhrase(w http.ResponseWriter, r *http.Request) {
	a.handshakeWrite(w, r, func(req *http.Request, id protocol.TokenID, caller protocol.Address) error {
		var body phraseRequest
		if err := decodeJSON(w, req, &body); err != nil {
			return errors.Join(protocol.ErrInvalidInput, err)
		}
		return a.svc.SetEncryptedPhrase(req.Context(), id, caller, body.Ciphertext)
	})
}

func (a *API) ownerConfirm(w http.ResponseWriter, r *http.Request) {
	a.handshakeWrite(w, r, func(req *http.Request, id protocol.TokenID, caller protocol.Address) error {
		var body ownerConfirmRequest
		if err := decodeJSON(w, req, &body); err != nil {
			return errors.Join(protocol.ErrInvalidInput, err)
		}
		return a.svc.SetOwnerConfirm(req.Context(), id, caller, body.Amount)
	})
}

func (a *API) proposeURI(w http.ResponseWriter, r *http.Request) {
	a.handshakeWrite(w, r, func(req *http.Request, id protocol.TokenID, caller protocol.Address) error {
		hash, err := decodeHash(w, req)
		if err != nil {
			return err
		}
		return a.svc.SetProposedURIHash(req.Context(), id, caller, hash)
	})
}

func (a *API) userConfirm(w http.ResponseWriter, r *http.Request) {
	a.handshakeWrite(w, r, func(req *http.Request, id protocol.TokenID, caller protocol.Address) error {
		hash, err := decodeHash(w, req)
		if err != nil {
			return err
		}
		return a.svc.SetUserConfirm(req.Context(), id, caller, hash)
	})
}

// handshakeWrite runs fn for the authenticated caller and answers with the
// updated handshake record.
func (a *API) handshakeWrite(w http.ResponseWriter, r *http.Request, fn func(*http.Request, protocol.TokenID, protocol.Address) error) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := tokenID(w, r)
	if !ok {
		return
	}
	if err := fn(r, id, caller); err != nil {
		writeServiceError(w, r, err)
		return
	}
	a.writeHandshake(w, r, id)
}

func (a *API) finalize(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := tokenID(w, r)
	if !ok {
		return
	}
	var req finalizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if _, err := a.svc.Finalize(r.Context(), id, caller, req.Amount, req.URI); err != nil {
		writeServiceError(w, r, err)
		return
	}
	a.writeToken(w, r, id, http.StatusOK)
}

func (a *API) setPublicKey(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req publicKeyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if err := a.svc.SetPublicKey(r.Context(), caller, req.PublicKey); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) getPublicKey(w http.ResponseWriter, r *http.Request) {
	addr := protocol.NormalizeAddress(r.PathValue("addr"))
	key, err := a.svc.PublicKey(r.Context(), addr)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": addr, "public_key": key})
}

func (a *API) deposit(w http.ResponseWriter, r *http.Request) {
	a.escrowWrite(w, r, a.svc.Deposit)
}

func (a *API) withdraw(w http.ResponseWriter, r *http.Request) {
	a.escrowWrite(w, r, a.svc.Withdraw)
}

func (a *API) escrowWrite(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, caller protocol.Address, amount int64) (int64, error)) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	bal, err := op(r.Context(), caller, req.Amount)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Address: caller.String(), Balance: bal})
}

func (a *API) balance(w http.ResponseWriter, r *http.Request) {
	addr := protocol.NormalizeAddress(r.PathValue("addr"))
	bal, err := a.svc.BalanceOf(r.Context(), addr)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Address: addr.String(), Balance: bal})
}

func (a *API) settlements(w http.ResponseWriter, r *http.Request) {
	hist, ok := a.svc.(rental.SettlementHistory)
	if !ok {
		writeError(w, r, http.StatusNotImplemented, "unsupported", "settlement history not available")
		return
	}
	after, limit, ok := paging(w, r)
	if !ok {
		return
	}
	items, next, err := hist.Settlements(r.Context(), after, limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if next == 0 {
		next = after
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":      nonNil(items),
		"next_after": next,
		"as_of":      time.Now().UTC(),
	})
}

func (a *API) writeToken(w http.ResponseWriter, r *http.Request, id protocol.TokenID, code int) {
	tok, err := a.svc.Token(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, code, tok)
}

func (a *API) writeHandshake(w http.ResponseWriter, r *http.Request, id protocol.TokenID) {
	if _, err := a.svc.Token(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	rec, err := a.svc.Handshake(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, handshakeView{
		TokenID:                id,
		State:                  rec.State(),
		OwnerConfirm:           rec.OwnerConfirm,
		UserConfirm:            rec.UserConfirm,
		EncryptedPhraseByOwner: rec.EncryptedPhraseByOwner,
		EncryptedPhraseByUser:  rec.EncryptedPhraseByUser,
		ProposedURIHash:        hexOrEmpty(rec.ProposedURIHash),
		UserURIHash:            hexOrEmpty(rec.UserURIHash),
		RequestedAmount:        rec.RequestedAmount,
		CommitmentsMatch:       rec.CommitmentsMatch(),
	})
}

func tokenID(w http.ResponseWriter, r *http.Request) (protocol.TokenID, bool) {
	raw := r.PathValue("id")
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || v == 0 {
		badRequest(w, r, "token id must be a positive integer")
		return 0, false
	}
	return protocol.TokenID(v), true
}

// decodeHash reads {"hash": "<hex>"}; a 0x prefix is accepted.
func decodeHash(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	var body hashRequest
	if err := decodeJSON(w, r, &body); err != nil {
		return nil, errors.Join(protocol.ErrInvalidInput, err)
	}
	raw := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(body.Hash), "0x"), "0X")
	hash, err := hex.DecodeString(raw)
	if err != nil {
		return nil, errors.Join(protocol.ErrInvalidInput, errors.New("hash must be hex encoded"))
	}
	return hash, nil
}

func hexOrEmpty(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return "0x" + hex.EncodeToString(b)
}

func paging(w http.ResponseWriter, r *http.Request) (uint64, int, bool) {
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		badRequest(w, r, err.Error())
		return 0, 0, false
	}
	var after uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("after")); raw != "" {
		after, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			badRequest(w, r, "after must be a non-negative integer")
			return 0, 0, false
		}
	}
	return after, limit, true
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
