package inboxsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const testSecret = "test-push-secret-key"

func makePushBody(t *testing.T, event string, data any) string {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal data: %v", err)
	}
	b, err := json.Marshal(PushPayload{Source: "inbox_push", Event: event, Timestamp: 1700000000, Data: raw})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return string(b)
}

func messagePushBody(t *testing.T) string {
	return makePushBody(t, EventMessageCreated, map[string]any{
		"ticket_id":  7,
		"message_id": 70,
		"body":       "Hello from push",
		"ts":         "2024-03-01T10:00:00Z",
	})
}

type recordingSink struct {
	envs []Envelope
	err  error
}

func (s *recordingSink) Apply(_ context.Context, env Envelope) error {
	s.envs = append(s.envs, env)
	return s.err
}

// ============================================================================
// VerifyPushSignature
// ============================================================================

func TestVerifyPushSignature(t *testing.T) {
	body := `{"source":"inbox_push"}`

	t.Run("valid signature", func(t *testing.T) {
		if !VerifyPushSignature(body, SignPushBody(body, testSecret), testSecret) {
			t.Fatal("expected valid signature")
		}
	})

	t.Run("valid without prefix", func(t *testing.T) {
		sig := strings.TrimPrefix(SignPushBody(body, testSecret), "sha256=")
		if !VerifyPushSignature(body, sig, testSecret) {
			t.Fatal("expected valid signature without prefix")
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		if VerifyPushSignature(body, SignPushBody(body, "other"), testSecret) {
			t.Fatal("expected invalid signature with wrong secret")
		}
	})

	t.Run("tampered body", func(t *testing.T) {
		if VerifyPushSignature(body+" ", SignPushBody(body, testSecret), testSecret) {
			t.Fatal("expected invalid for tampered body")
		}
	})

	t.Run("empty inputs", func(t *testing.T) {
		if VerifyPushSignature("", "sha256=abc", testSecret) {
			t.Error("expected false for empty body")
		}
		if VerifyPushSignature(body, "", testSecret) {
			t.Error("expected false for empty signature")
		}
		if VerifyPushSignature(body, "sha256=abc", "") {
			t.Error("expected false for empty secret")
		}
		if VerifyPushSignature(body, "sha256=", testSecret) {
			t.Error("expected false for prefix only")
		}
	})
}

// ============================================================================
// ParsePushPayload
// ============================================================================

func TestParsePushPayload(t *testing.T) {
	t.Run("valid payload", func(t *testing.T) {
		payload, err := ParsePushPayload(messagePushBody(t))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if payload.Event != EventMessageCreated {
			t.Fatalf("event = %s", payload.Event)
		}
		var ev MessageCreatedEvent
		if err := json.Unmarshal(payload.Data, &ev); err != nil {
			t.Fatalf("decode data: %v", err)
		}
		if ev.TicketID != 7 || ev.MessageID != 70 {
			t.Fatalf("data = %+v", ev)
		}
	})

	cases := map[string]string{
		"invalid json":      "not json",
		"wrong source":      `{"source":"other","event":"message-created","data":{}}`,
		"missing event":     `{"source":"inbox_push","data":{}}`,
		"unsupported event": `{"source":"inbox_push","event":"ticket-created","data":{}}`,
		"missing data":      `{"source":"inbox_push","event":"message-created"}`,
		"null data":         `{"source":"inbox_push","event":"message-created","data":null}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParsePushPayload(body); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

// ============================================================================
// PushReceiver
// ============================================================================

func TestNewPushReceiver(t *testing.T) {
	if _, err := NewPushReceiver("", &recordingSink{}); err == nil {
		t.Error("expected error for empty secret")
	}
	if _, err := NewPushReceiver(testSecret, nil); err == nil {
		t.Error("expected error for nil sink")
	}
}

func TestPushReceiverHandle(t *testing.T) {
	t.Run("valid delivery", func(t *testing.T) {
		sink := &recordingSink{}
		p, _ := NewPushReceiver(testSecret, sink)
		body := messagePushBody(t)

		status, resp := p.Handle(context.Background(), body, SignPushBody(body, testSecret))
		if status != http.StatusOK {
			t.Fatalf("status = %d, resp = %v", status, resp)
		}
		if len(sink.envs) != 1 || sink.envs[0].Type != EventMessageCreated {
			t.Fatalf("sink received %+v", sink.envs)
		}
	})

	t.Run("invalid signature", func(t *testing.T) {
		sink := &recordingSink{}
		p, _ := NewPushReceiver(testSecret, sink)
		status, _ := p.Handle(context.Background(), messagePushBody(t), "sha256=bad")
		if status != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", status)
		}
		if len(sink.envs) != 0 {
			t.Fatal("sink called for unsigned delivery")
		}
	})

	t.Run("invalid payload", func(t *testing.T) {
		p, _ := NewPushReceiver(testSecret, &recordingSink{})
		body := `{"source":"inbox_push"}`
		status, _ := p.Handle(context.Background(), body, SignPushBody(body, testSecret))
		if status != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", status)
		}
	})

	t.Run("sink error", func(t *testing.T) {
		p, _ := NewPushReceiver(testSecret, &recordingSink{err: errors.New("bad data")})
		body := messagePushBody(t)
		status, _ := p.Handle(context.Background(), body, SignPushBody(body, testSecret))
		if status != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", status)
		}
	})
}

func TestPushReceiverHTTPHandler(t *testing.T) {
	f := newReconcilerFixture(t, openTicket(7, "Ada", 0, 60, at(0)))
	p, err := NewPushReceiver(testSecret, f.reconciler)
	if err != nil {
		t.Fatalf("NewPushReceiver: %v", err)
	}
	server := httptest.NewServer(p.HTTPHandler())
	defer server.Close()

	post := func(body, sig string) *http.Response {
		req, _ := http.NewRequest(http.MethodPost, server.URL, strings.NewReader(body))
		req.Header.Set(PushSignatureHeader, sig)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		return resp
	}

	t.Run("applies message to store", func(t *testing.T) {
		body := messagePushBody(t)
		resp := post(body, SignPushBody(body, testSecret))
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			t.Fatalf("status = %d, body = %s", resp.StatusCode, b)
		}
		got, _ := f.store.Get(7)
		if got.UnreadCount != 1 || *got.LastMessageID != 70 {
			t.Fatalf("ticket = %+v", got)
		}
	})

	t.Run("redelivery is deduplicated", func(t *testing.T) {
		body := messagePushBody(t)
		resp := post(body, SignPushBody(body, testSecret))
		resp.Body.Close()
		got, _ := f.store.Get(7)
		if got.UnreadCount != 1 {
			t.Fatalf("unread = %d, want 1", got.UnreadCount)
		}
	})

	t.Run("GET not allowed", func(t *testing.T) {
		resp, err := http.Get(server.URL)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Fatalf("status = %d, want 405", resp.StatusCode)
		}
	})
}
