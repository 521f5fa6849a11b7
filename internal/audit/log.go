// Package audit writes one structured line per state-changing request so a
// rental cycle can be reconstructed from logs.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"mediaart.org/internal/auth"
	"mediaart.org/internal/obs"
	"mediaart.org/internal/protocol"
	"mediaart.org/internal/rental"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request id attached by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and caller context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if caller, ok := auth.CallerFromContext(ctx); ok {
		entry["caller"] = caller.String()
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	entry["fields"] = copyFields

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}

// Trail records every rental mutation as an audit event named
// "rental.<op>".
type Trail struct{}

func (Trail) Observe(ctx context.Context, op rental.Op) {
	fields := map[string]any{
		"caller":      op.Caller.String(),
		"result":      "ok",
		"duration_ms": op.Duration.Milliseconds(),
	}
	if op.TokenID != 0 {
		fields["token_id"] = uint64(op.TokenID)
	}
	if !op.Target.IsZero() {
		fields["target"] = op.Target.String()
	}
	if op.Amount != 0 {
		fields["amount"] = op.Amount
	}
	if op.URI != "" && op.Err == nil {
		fields["uri"] = op.URI
	}
	if op.Err != nil {
		fields["result"] = protocol.Kind(op.Err)
	}
	_ = LogEvent(ctx, "rental."+op.Name, fields)
}
