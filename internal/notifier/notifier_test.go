package notifier

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mprisbridge/internal/bus/bustest"
)

func TestPairingPromptWebhook(t *testing.T) {
	received := make(chan map[string]any, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		body, _ := io.ReadAll(r.Body)
		var payload map[string]any
		json.Unmarshal(body, &payload)
		received <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := New(WithWebhook(server.URL))
	n.PairingPrompt("sess-1", "abcdef0123456789abcdef", "482913")

	select {
	case payload := <-received:
		if payload["event"] != "pairing-request" {
			t.Errorf("event = %v, want pairing-request", payload["event"])
		}
		if payload["session_id"] != "sess-1" {
			t.Errorf("session_id = %v", payload["session_id"])
		}
		if payload["code"] != "482913" {
			t.Errorf("code = %v", payload["code"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never received the prompt")
	}
}

func TestPairingPromptDesktop(t *testing.T) {
	f := bustest.New()
	f.Publish(notifyDest, ":1.5", nil)

	n := New(WithBus(f))
	n.PairingPrompt("sess-1", "abcdef0123456789abcdef", "482913")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, c := range f.Calls() {
			if c.Method != notifyMethod {
				continue
			}
			if c.Dest != notifyDest {
				t.Errorf("Dest = %q", c.Dest)
			}
			body, _ := c.Args[4].(string)
			if !strings.Contains(body, "482913") {
				t.Errorf("notification body %q does not show the code", body)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("desktop notification was never sent")
}

func TestWebhookFailureIsSwallowed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	// Must not panic or block; errors are logged only.
	n := New(WithWebhook(server.URL))
	n.PairingPrompt("sess-1", "abcdef", "000000")
	time.Sleep(50 * time.Millisecond)
}
