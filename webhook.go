package inboxsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// PushSignatureHeader carries the HMAC of a push fallback delivery.
const PushSignatureHeader = "X-Inbox-Signature"

const pushSource = "inbox_push"

// ============================================================================
// Push Types
// ============================================================================

// PushPayload is a push-notification fallback delivery. Data holds the
// same payload the live channel would carry for Event.
type PushPayload struct {
	Source    string          `json:"source"`
	Event     string          `json:"event"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// PushSink consumes push deliveries. Reconciler implements it, so pushes
// and the live channel share the same dedup checks.
type PushSink interface {
	Apply(ctx context.Context, env Envelope) error
}

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyPushSignature checks an HMAC-SHA256 signature over body, with or
// without a "sha256=" prefix, in constant time.
func VerifyPushSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// SignPushBody returns the signature header value for body.
func SignPushBody(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ParsePushPayload parses and validates a raw push body.
func ParsePushPayload(body string) (*PushPayload, error) {
	var payload PushPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in push body: %w", err)
	}

	if payload.Source != pushSource {
		return nil, fmt.Errorf("unknown push source: %s", payload.Source)
	}
	switch payload.Event {
	case "":
		return nil, fmt.Errorf("missing event field in push payload")
	case EventMessageCreated, EventTicketResolved, EventMessageStatusUpdated:
	default:
		return nil, fmt.Errorf("unsupported push event: %s", payload.Event)
	}
	if len(payload.Data) == 0 || string(payload.Data) == "null" {
		return nil, fmt.Errorf("missing data in push payload")
	}

	return &payload, nil
}

// ============================================================================
// PushReceiver
// ============================================================================

// PushReceiver verifies, parses, and forwards push fallback deliveries.
type PushReceiver struct {
	secret string
	sink   PushSink
	logger *slog.Logger
}

// NewPushReceiver creates a receiver that forwards to sink.
func NewPushReceiver(secret string, sink PushSink, opts ...Option) (*PushReceiver, error) {
	if secret == "" {
		return nil, fmt.Errorf("push secret is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("push sink is required")
	}
	s := newSettings(opts)
	return &PushReceiver{secret: secret, sink: sink, logger: s.logger}, nil
}

// Verify checks a signature against the receiver's secret.
func (p *PushReceiver) Verify(body, signature string) bool {
	return VerifyPushSignature(body, signature, p.secret)
}

// Parse parses a raw body into a PushPayload.
func (p *PushReceiver) Parse(body string) (*PushPayload, error) {
	return ParsePushPayload(body)
}

// Handle verifies, parses, and applies one delivery. It returns the
// status code and response body for the caller to write.
func (p *PushReceiver) Handle(ctx context.Context, body, signature string) (int, any) {
	if !p.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	payload, err := p.Parse(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	if err := p.sink.Apply(ctx, Envelope{Type: payload.Event, Payload: payload.Data}); err != nil {
		p.logger.Warn("push delivery rejected", "event", payload.Event, "error", err)
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes push deliveries.
//
// Example:
//
//	push, _ := inbox.PushReceiver(secret)
//	http.Handle("/push", push.HTTPHandler())
func (p *PushReceiver) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := p.Handle(r.Context(), string(bodyBytes), r.Header.Get(PushSignatureHeader))
		writeJSON(rw, statusCode, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, data any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(data)
}
