// Package httpapi serves the rental protocol over JSON/HTTP, with event
// streaming over Server-Sent Events and WebSocket.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"mediaart.org/internal/auth"
	"mediaart.org/internal/obs"
	"mediaart.org/internal/rental"
	"mediaart.org/internal/stream"
)

const serviceName = "mediaart-api"

// Readiness reports whether dependencies are reachable.
type Readiness interface {
	Check(ctx context.Context) error
}

// ReadyFunc adapts a function to Readiness.
type ReadyFunc func(ctx context.Context) error

func (f ReadyFunc) Check(ctx context.Context) error { return f(ctx) }

// API is the HTTP layer.
type API struct {
	mux    *http.ServeMux
	svc    rental.Service
	signer *auth.Signer
	hub    *stream.Hub
	ready  Readiness

	version     string
	rateBurst   int
	ratePerSec  int
	tokenTTL    time.Duration
	corsOrigins []string
	heartbeat   time.Duration
}

// Option configures the API.
type Option func(*API)

func WithVersion(v string) Option { return func(a *API) { a.version = v } }

func WithReadiness(r Readiness) Option { return func(a *API) { a.ready = r } }

// WithHub sets the hub that feeds the streaming endpoints. Without one a
// private hub polling the service is used.
func WithHub(h *stream.Hub) Option { return func(a *API) { a.hub = h } }

func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) { a.rateBurst, a.ratePerSec = burst, perSecond }
}

// WithTokenIssuance enables POST /v1/auth/token with the given token
// lifetime. Zero disables the endpoint.
func WithTokenIssuance(ttl time.Duration) Option { return func(a *API) { a.tokenTTL = ttl } }

// WithCORSOrigins allows browser calls from the listed origins.
func WithCORSOrigins(origins ...string) Option {
	return func(a *API) { a.corsOrigins = append(a.corsOrigins, origins...) }
}

// WithHeartbeat sets the keepalive interval of the streaming endpoints.
func WithHeartbeat(d time.Duration) Option {
	return func(a *API) {
		if d > 0 {
			a.heartbeat = d
		}
	}
}

func New(svc rental.Service, signer *auth.Signer, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		svc:        svc,
		signer:     signer,
		ready:      ReadyFunc(func(context.Context) error { return nil }),
		version:    "dev",
		rateBurst:  50,
		ratePerSec: 20,
		heartbeat:  15 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.hub == nil {
		a.hub = stream.NewHub(time.Second)
	}
	a.routes()
	return a
}

func (a *API) routes() {
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /v1/auth/token", a.issueToken)

	a.mux.HandleFunc("POST /v1/tokens", a.mint)
	a.mux.HandleFunc("GET /v1/tokens/{id}", a.getToken)
	a.mux.HandleFunc("GET /v1/accounts/{addr}/tokens", a.tokensOf)
	a.mux.HandleFunc("POST /v1/tokens/{id}/renter", a.assignRenter)
	a.mux.HandleFunc("POST /v1/tokens/{id}/transfer", a.transferOwnership)

	a.mux.HandleFunc("GET /v1/tokens/{id}/handshake", a.getHandshake)
	a.mux.HandleFunc("POST /v1/tokens/{id}/handshake/phrase", a.setPhrase)
	a.mux.HandleFunc("POST /v1/tokens/{id}/handshake/owner-confirm", a.ownerConfirm)
	a.mux.HandleFunc("POST /v1/tokens/{id}/handshake/proposed-uri", a.proposeURI)
	a.mux.HandleFunc("POST /v1/tokens/{id}/handshake/user-confirm", a.userConfirm)
	a.mux.HandleFunc("POST /v1/tokens/{id}/finalize", a.finalize)

	a.mux.HandleFunc("PUT /v1/keys", a.setPublicKey)
	a.mux.HandleFunc("GET /v1/keys/{addr}", a.getPublicKey)

	a.mux.HandleFunc("POST /v1/escrow/deposit", a.deposit)
	a.mux.HandleFunc("POST /v1/escrow/withdraw", a.withdraw)
	a.mux.HandleFunc("GET /v1/escrow/{addr}/balance", a.balance)
	a.mux.HandleFunc("GET /v1/escrow/settlements", a.settlements)

	a.mux.HandleFunc("GET /v1/events", a.listEvents)
	a.mux.HandleFunc("GET /v1/events/stream", a.streamSSE)
	a.mux.HandleFunc("GET /v1/events/ws", a.streamWS)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	})
}

// Handler returns the mux wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = SecurityHeaders(h)
	h = CORS(h, a.corsOrigins...)
	h = obs.Instrument(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	_, history := a.svc.(rental.SettlementHistory)
	writeJSON(w, http.StatusOK, map[string]any{
		"name":               serviceName,
		"time":               time.Now().UTC().Format(time.RFC3339),
		"version":            a.version,
		"settlement_history": history,
		"token_issuance":     a.tokenTTL > 0,
		"event_subscribers":  a.hub.Subscribers(),
	})
}
