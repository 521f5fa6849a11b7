package httpapi

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"mediaart.org/internal/auth"
	"mediaart.org/internal/protocol"
	"mediaart.org/internal/rental"
	"mediaart.org/internal/stream"
	"mediaart.org/internal/wallet"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	signer  *auth.Signer
	t       *testing.T
}

func newTestAPI(t *testing.T, opts ...Option) *apiClient {
	t.Helper()

	signer, err := auth.NewSigner([]byte("test-secret"))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	hub := stream.NewHub(50 * time.Millisecond)
	svc := rental.NewInMemory(rental.WithCommitHook(hub.Notify))
	opts = append([]Option{WithHub(hub), WithRateLimit(1000, 1000), WithTokenIssuance(time.Minute)}, opts...)
	api := New(svc, signer, opts...)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{baseURL: srv.URL, client: srv.Client(), signer: signer, t: t}
}

func (c *apiClient) token(addr protocol.Address) string {
	c.t.Helper()
	tok, _, err := c.signer.Issue(addr, time.Minute)
	if err != nil {
		c.t.Fatalf("issue token: %v", err)
	}
	return tok
}

// do sends body as JSON. An empty as sends no Authorization header.
func (c *apiClient) do(method, path string, as protocol.Address, body any) *http.Response {
	c.t.Helper()
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.baseURL+path, payload)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if as != "" {
		req.Header.Set("Authorization", "Bearer "+c.token(as))
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected %d, got %d: %s", want, resp.StatusCode, body)
	}
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

func expectError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	if resp.StatusCode != status {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected %d, got %d: %s", status, resp.StatusCode, body)
	}
	body := decode[errorBody](t, resp)
	if body.Code != code {
		t.Fatalf("expected code %q, got %q (%s)", code, body.Code, body.Error)
	}
	if body.RequestID == "" {
		t.Fatal("expected request_id in error body")
	}
}

func (c *apiClient) mint(owner protocol.Address) string {
	c.t.Helper()
	resp := c.do(http.MethodPost, "/v1/tokens", owner, map[string]any{"uri": "ipfs://cover"})
	expectStatus(c.t, resp, http.StatusCreated)
	tok := decode[protocol.Token](c.t, resp)
	return strconv.FormatUint(uint64(tok.ID), 10)
}

func TestRentalCycleOverHTTP(t *testing.T) {
	c := newTestAPI(t)

	id := c.mint("alice")
	base := "/v1/tokens/" + id

	resp := c.do(http.MethodPost, base+"/renter", "alice", map[string]any{"renter": "Bob", "duration_seconds": 3600})
	expectStatus(t, resp, http.StatusOK)
	tok := decode[protocol.Token](t, resp)
	if tok.Renter != "bob" {
		t.Fatalf("renter not normalized: %q", tok.Renter)
	}

	expectStatus(t, c.do(http.MethodPut, "/v1/keys", "bob", map[string]any{"public_key": []byte("k")}), http.StatusNoContent)
	expectStatus(t, c.do(http.MethodPost, "/v1/escrow/deposit", "bob", map[string]any{"amount": 100}), http.StatusOK)

	expectStatus(t, c.do(http.MethodPost, base+"/handshake/phrase", "alice", map[string]any{"ciphertext": []byte("to-bob")}), http.StatusOK)
	expectStatus(t, c.do(http.MethodPost, base+"/handshake/phrase", "bob", map[string]any{"ciphertext": []byte("to-alice")}), http.StatusOK)
	expectStatus(t, c.do(http.MethodPost, base+"/handshake/owner-confirm", "alice", map[string]any{"amount": 60}), http.StatusOK)

	hash := "0x" + hex.EncodeToString(wallet.Commit("ipfs://dir/art.png"))
	expectStatus(t, c.do(http.MethodPost, base+"/handshake/proposed-uri", "alice", map[string]any{"hash": hash}), http.StatusOK)
	resp = c.do(http.MethodPost, base+"/handshake/user-confirm", "bob", map[string]any{"hash": hash})
	expectStatus(t, resp, http.StatusOK)
	hs := decode[handshakeView](t, resp)
	if hs.State != protocol.StateBothConfirmed || !hs.CommitmentsMatch || hs.ProposedURIHash != hash {
		t.Fatalf("unexpected handshake: %+v", hs)
	}

	resp = c.do(http.MethodPost, base+"/finalize", "bob", map[string]any{"amount": 60, "uri": "ipfs://dir/art.png"})
	expectStatus(t, resp, http.StatusOK)
	tok = decode[protocol.Token](t, resp)
	if tok.PublicURI != "ipfs://dir/art.png" {
		t.Fatalf("uri not published: %q", tok.PublicURI)
	}

	resp = c.do(http.MethodGet, "/v1/escrow/alice/balance", "", nil)
	expectStatus(t, resp, http.StatusOK)
	if bal := decode[balanceResponse](t, resp); bal.Balance != 60 {
		t.Fatalf("owner balance = %d, want 60", bal.Balance)
	}

	resp = c.do(http.MethodGet, base+"/handshake", "", nil)
	expectStatus(t, resp, http.StatusOK)
	if hs := decode[handshakeView](t, resp); hs.State != protocol.StateEmpty {
		t.Fatalf("handshake not reset: %+v", hs)
	}

	resp = c.do(http.MethodGet, "/v1/events?after=0", "", nil)
	expectStatus(t, resp, http.StatusOK)
	events := decode[struct {
		Items     []protocol.Event `json:"items"`
		NextAfter uint64           `json:"next_after"`
	}](t, resp)
	if len(events.Items) != 3 || events.NextAfter != 3 || events.Items[2].Kind != protocol.EventFinalized {
		t.Fatalf("unexpected events: %+v", events)
	}

	resp = c.do(http.MethodGet, "/v1/escrow/settlements", "", nil)
	expectStatus(t, resp, http.StatusOK)

	resp = c.do(http.MethodGet, "/v1/accounts/alice/tokens", "", nil)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[tokensResponse](t, resp); len(got.TokenIDs) != 1 {
		t.Fatalf("unexpected tokens: %+v", got)
	}
}

func TestDurationUsesServiceClock(t *testing.T) {
	signer, err := auth.NewSigner([]byte("test-secret"))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	start := time.Date(2031, 3, 1, 8, 0, 0, 0, time.UTC)
	svc := rental.NewInMemory(rental.WithClock(func() time.Time { return start }))
	srv := httptest.NewServer(New(svc, signer, WithRateLimit(1000, 1000)).Handler())
	t.Cleanup(srv.Close)
	c := &apiClient{baseURL: srv.URL, client: srv.Client(), signer: signer, t: t}

	id := c.mint("alice")
	base := "/v1/tokens/" + id

	resp := c.do(http.MethodPost, base+"/renter", "alice", map[string]any{"renter": "bob", "duration_seconds": 3600})
	expectStatus(t, resp, http.StatusOK)
	tok := decode[protocol.Token](t, resp)
	if !tok.RentExpiry.Equal(start.Add(time.Hour)) {
		t.Fatalf("expiry %v, want %v", tok.RentExpiry, start.Add(time.Hour))
	}

	expectError(t, c.do(http.MethodPost, base+"/renter", "alice", map[string]any{"renter": "bob", "duration_seconds": int64(1) << 62}),
		http.StatusBadRequest, "invalid_input")
	expectError(t, c.do(http.MethodPost, base+"/renter", "alice", map[string]any{"renter": "bob", "duration_seconds": maxRentalSeconds + 1}),
		http.StatusBadRequest, "invalid_input")
	resp = c.do(http.MethodPost, base+"/renter", "alice", map[string]any{"renter": "bob", "duration_seconds": maxRentalSeconds})
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestErrorMapping(t *testing.T) {
	c := newTestAPI(t)
	id := c.mint("alice")
	base := "/v1/tokens/" + id

	expectError(t, c.do(http.MethodGet, "/v1/tokens/999", "", nil), http.StatusNotFound, "not_found")
	expectError(t, c.do(http.MethodGet, "/v1/tokens/abc", "", nil), http.StatusBadRequest, "invalid_input")
	expectError(t, c.do(http.MethodPost, "/v1/tokens", "", map[string]any{"uri": "x"}), http.StatusUnauthorized, "unauthenticated")
	expectError(t, c.do(http.MethodPost, base+"/renter", "mallory", map[string]any{"renter": "bob", "duration_seconds": 60}), http.StatusForbidden, "unauthorized")
	expectError(t, c.do(http.MethodPost, base+"/renter", "alice", map[string]any{"renter": "bob", "expiry": time.Now().Add(-time.Hour)}), http.StatusBadRequest, "invalid_expiry")
	expectError(t, c.do(http.MethodPost, base+"/finalize", "alice", map[string]any{"amount": 1, "uri": "u"}), http.StatusConflict, "handshake_incomplete")
	expectError(t, c.do(http.MethodPost, "/v1/escrow/withdraw", "alice", map[string]any{"amount": 5}), http.StatusConflict, "insufficient_funds")
	expectError(t, c.do(http.MethodPost, "/v1/escrow/deposit", "alice", map[string]any{"amount": 0}), http.StatusBadRequest, "invalid_amount")
	expectError(t, c.do(http.MethodPost, base+"/handshake/proposed-uri", "alice", map[string]any{"hash": "zz"}), http.StatusBadRequest, "invalid_input")
	expectError(t, c.do(http.MethodPost, "/v1/escrow/deposit", "alice", map[string]any{"amount": 1, "extra": true}), http.StatusBadRequest, "invalid_input")
	expectError(t, c.do(http.MethodGet, "/v1/keys/nobody", "", nil), http.StatusNotFound, "not_found")

	req, _ := http.NewRequest(http.MethodGet, c.baseURL+"/v1/tokens/"+id, nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	expectError(t, resp, http.StatusUnauthorized, "unauthenticated")
}

func TestIssueToken(t *testing.T) {
	c := newTestAPI(t)

	resp := c.do(http.MethodPost, "/v1/auth/token", "", map[string]any{"address": " Carol "})
	expectStatus(t, resp, http.StatusOK)
	tok := decode[tokenResponse](t, resp)
	claims, err := c.signer.Verify(tok.Token)
	if err != nil || claims.Address() != "carol" {
		t.Fatalf("issued token invalid: %v %v", claims, err)
	}

	expectError(t, c.do(http.MethodPost, "/v1/auth/token", "", map[string]any{"address": ""}), http.StatusBadRequest, "invalid_input")

	disabled := newTestAPI(t, WithTokenIssuance(0))
	expectError(t, disabled.do(http.MethodPost, "/v1/auth/token", "", map[string]any{"address": "x"}), http.StatusNotFound, "not_found")
}

func TestHealthAndReadiness(t *testing.T) {
	c := newTestAPI(t, WithVersion("1.2.3"))
	resp := c.do(http.MethodGet, "/healthz", "", nil)
	expectStatus(t, resp, http.StatusOK)
	if body := decode[map[string]any](t, resp); body["version"] != "1.2.3" {
		t.Fatalf("unexpected health body: %v", body)
	}
	expectStatus(t, c.do(http.MethodGet, "/readyz", "", nil), http.StatusOK)

	failing := newTestAPI(t, WithReadiness(ReadyFunc(func(context.Context) error { return errors.New("db down") })))
	expectStatus(t, failing.do(http.MethodGet, "/readyz", "", nil), http.StatusServiceUnavailable)
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		protocol.ErrNotFound:           http.StatusNotFound,
		protocol.ErrUnauthorized:       http.StatusForbidden,
		protocol.ErrInvalidInput:       http.StatusBadRequest,
		protocol.ErrAlreadyConfirmed:   http.StatusConflict,
		protocol.ErrCommitmentMismatch: http.StatusConflict,
		errors.New("boom"):             http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := statusFor(err); got != want {
			t.Errorf("statusFor(%v) = %d, want %d", err, got, want)
		}
	}
}

func TestInternalErrorsAreHidden(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	writeServiceError(rr, req, errors.New("pq: password authentication failed"))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	var body errorBody
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error != "internal error" || body.Code != "internal" {
		t.Fatalf("internal detail leaked: %+v", body)
	}
}
