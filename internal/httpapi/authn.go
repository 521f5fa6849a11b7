package httpapi

import (
	"net/http"
	"strings"
	"time"

	"mediaart.org/internal/audit"
	"mediaart.org/internal/auth"
	"mediaart.org/internal/protocol"
)

const authHeader = "Authorization"

// withAuth attaches the caller of a valid bearer token to the context.
// Requests without a token continue anonymously; handlers that mutate state
// call requireCaller. A present but invalid token is always rejected.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get(authHeader))
		if header == "" || r.Method == http.MethodOptions || a.signer == nil {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := auth.BearerToken(header)
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "unauthenticated", "invalid authorization scheme")
			return
		}
		claims, err := a.signer.Verify(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "unauthenticated", "invalid token")
			return
		}
		ctx := auth.ContextWithCaller(r.Context(), claims.Address())
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireCaller returns the authenticated caller or writes 401.
func requireCaller(w http.ResponseWriter, r *http.Request) (protocol.Address, bool) {
	caller, ok := auth.CallerFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthenticated", "missing bearer token")
		return "", false
	}
	return caller, true
}

type tokenRequest struct {
	Address string `json:"address"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	Address   string    `json:"address"`
	ExpiresAt time.Time `json:"expires_at"`
}

// issueToken hands out tokens for any address. It stands in for wallet
// signature login and is only routed when enabled in configuration.
func (a *API) issueToken(w http.ResponseWriter, r *http.Request) {
	if a.tokenTTL <= 0 || a.signer == nil {
		writeError(w, r, http.StatusNotFound, "not_found", "token issuance disabled")
		return
	}
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	addr := protocol.NormalizeAddress(req.Address)
	if addr.IsZero() {
		badRequest(w, r, "address is required")
		return
	}
	token, expires, err := a.signer.Issue(addr, a.tokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal", "token generation failed")
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.token.issued", map[string]any{
		"address":    addr.String(),
		"expires_at": expires.Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, Address: addr.String(), ExpiresAt: expires})
}
