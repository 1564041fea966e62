// Package notifier pushes pairing prompts to the operator. Delivery is
// fire-and-forget: the pairing flow never waits on, or fails because of, a
// notification.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"mprisbridge/internal/bus"
	"mprisbridge/internal/httputil"
)

const (
	notifyDest   = "org.freedesktop.Notifications"
	notifyPath   = "/org/freedesktop/Notifications"
	notifyMethod = "org.freedesktop.Notifications.Notify"

	promptTimeout = 10 * time.Second
	displayMillis = int32(15000)
)

type Notifier struct {
	bus     bus.Bus
	client  *http.Client
	webhook string
}

type Option func(*Notifier)

// WithBus enables desktop notifications through the session bus.
func WithBus(b bus.Bus) Option {
	return func(n *Notifier) { n.bus = b }
}

// WithWebhook additionally POSTs each prompt to url.
func WithWebhook(url string) Option {
	return func(n *Notifier) { n.webhook = url }
}

func New(opts ...Option) *Notifier {
	n := &Notifier{client: httputil.NewClient()}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// PairingPrompt surfaces one pairing attempt to the operator: the remote
// identity and the code to compare. Returns immediately.
func (n *Notifier) PairingPrompt(sessionID, identity, code string) {
	go n.prompt(sessionID, identity, code)
}

func (n *Notifier) prompt(sessionID, identity, code string) {
	if n.bus != nil {
		if err := n.sendDesktop(identity, code); err != nil {
			log.Printf("notifier: desktop notification: %v", err)
		}
	}
	if n.webhook != "" {
		ctx, cancel := context.WithTimeout(context.Background(), promptTimeout)
		defer cancel()
		if err := n.sendWebhook(ctx, sessionID, identity, code); err != nil {
			log.Printf("notifier: webhook: %v", err)
		}
	}
}

func (n *Notifier) sendDesktop(identity, code string) error {
	short := identity
	if len(short) > 16 {
		short = short[:16]
	}
	body := fmt.Sprintf("A hub (%s…) wants to pair.\nVerification code: %s", short, code)
	return n.bus.Call(notifyDest, notifyPath, notifyMethod,
		"mprisbridge", uint32(0), "", "Media bridge pairing request", body,
		[]string{}, map[string]any{}, displayMillis)
}

func (n *Notifier) sendWebhook(ctx context.Context, sessionID, identity, code string) error {
	payload := map[string]any{
		"event":       "pairing-request",
		"session_id":  sessionID,
		"identity":    identity,
		"code":        code,
		"occurred_at": time.Now().UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhook, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer httputil.DrainBody(resp)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
