// Package pairing implements SAS-based mutual authentication with a remote
// hub. An unauthenticated key agreement produces a short numeric code on
// both sides; the operators compare the codes out of band, and only when
// both accept does the agent persist a trust record for the remote
// identity.
package pairing

import (
	"crypto/ed25519"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"mprisbridge/internal/crypto"
	"mprisbridge/internal/models"
	"mprisbridge/internal/store"
)

const (
	defaultTimeout   = 60 * time.Second
	defaultKeepAlive = 15 * time.Second

	maxSessions     = 32
	maxMessageBytes = 4096
	helloDeadline   = 10 * time.Second
	writeDeadline   = 5 * time.Second
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// Notifier pushes a human-readable pairing prompt somewhere the operator
// will see it. Fire-and-forget.
type Notifier interface {
	PairingPrompt(sessionID, identity, code string)
}

type Authenticator struct {
	store     *store.Store
	router    chi.Router
	notifier  Notifier
	timeout   time.Duration
	keepAlive time.Duration

	mu       sync.Mutex
	sessions map[string]*session
	limiters map[string]*rate.Limiter
}

type Option func(*Authenticator)

// WithTimeout bounds how long a session may await confirmation.
func WithTimeout(d time.Duration) Option {
	return func(a *Authenticator) { a.timeout = d }
}

// WithKeepAlive sets the interval of pending notices sent while the local
// operator has not decided yet.
func WithKeepAlive(d time.Duration) Option {
	return func(a *Authenticator) { a.keepAlive = d }
}

func WithNotifier(n Notifier) Option {
	return func(a *Authenticator) { a.notifier = n }
}

func New(s *store.Store, opts ...Option) *Authenticator {
	a := &Authenticator{
		store:     s,
		router:    chi.NewRouter(),
		timeout:   defaultTimeout,
		keepAlive: defaultKeepAlive,
		sessions:  make(map[string]*session),
		limiters:  make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.router.Use(middleware.Recoverer)
	a.routes()
	return a
}

func (a *Authenticator) routes() {
	a.router.Get("/v1/pair", a.handlePair)
	a.router.Get("/v1/pairings", a.handleListPairings)
	a.router.Post("/v1/pairings/{id}", a.handleConfirm)
}

func (a *Authenticator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

// Sessions lists the handshakes the confirmation surface can act on.
func (a *Authenticator) Sessions() []Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	result := make([]Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		result = append(result, s.view())
	}
	return result
}

// Confirm delivers the local operator's verdict for one session.
func (a *Authenticator) Confirm(sessionID string, accept bool) error {
	a.mu.Lock()
	s, ok := a.sessions[sessionID]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("pairing session %q: %w", sessionID, models.ErrNotFound)
	}
	return s.decide(accept)
}

func (a *Authenticator) handlePair(w http.ResponseWriter, r *http.Request) {
	if !a.allow(r.RemoteAddr) {
		writeError(w, http.StatusTooManyRequests, "too many pairing attempts")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("pairing: upgrading %s: %v", r.RemoteAddr, err)
		return
	}
	defer conn.Close()
	a.runHandshake(r, conn)
}

func (a *Authenticator) runHandshake(r *http.Request, conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageBytes)
	conn.SetReadDeadline(time.Now().Add(helloDeadline))

	var hello helloMessage
	if err := conn.ReadJSON(&hello); err != nil {
		log.Printf("pairing: reading hello from %s: %v", r.RemoteAddr, err)
		return
	}
	if err := validateHello(hello); err != nil {
		log.Printf("pairing: rejecting %s: %v", r.RemoteAddr, err)
		a.writeResult(conn, statusAborted)
		return
	}

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		log.Printf("pairing: generating keypair: %v", err)
		a.writeResult(conn, statusAborted)
		return
	}
	secret, err := kp.Shared(hello.ClientKey)
	if err != nil {
		log.Printf("pairing: deriving shared secret: %v", err)
		a.writeResult(conn, statusAborted)
		return
	}
	code, err := crypto.SAS(secret, hello.ClientKey, kp.Public[:])
	if err != nil {
		log.Printf("pairing: deriving code: %v", err)
		a.writeResult(conn, statusAborted)
		return
	}
	token, err := crypto.TrustToken(secret, hello.ClientKey, kp.Public[:])
	if err != nil {
		log.Printf("pairing: deriving trust token: %v", err)
		a.writeResult(conn, statusAborted)
		return
	}

	identity := crypto.Fingerprint(hello.IdentityKey)
	sess, err := a.addSession(identity, code, token)
	if err != nil {
		log.Printf("pairing: refusing %s: %v", r.RemoteAddr, err)
		a.writeResult(conn, statusAborted)
		return
	}
	defer a.removeSession(sess.id)

	// The confirmation surface may act the moment the remote learns the
	// session id, so the session must already be confirmable.
	sess.setState(StateAwaitingConfirmation)
	if err := a.writeJSONMsg(conn, exchangeMessage{
		V:         protocolVersion,
		Type:      "exchange",
		SessionID: sess.id,
		ServerKey: kp.Public[:],
	}); err != nil {
		sess.setState(StateAborted)
		return
	}

	log.Printf("pairing: session %s from %s awaiting confirmation, code %s", sess.id, identity[:16], code)
	if a.notifier != nil {
		a.notifier.PairingPrompt(sess.id, identity, code)
	}

	a.awaitDecisions(r, conn, sess)
}

func validateHello(h helloMessage) error {
	if h.V != protocolVersion {
		return fmt.Errorf("unsupported protocol version %d", h.V)
	}
	if h.Type != "hello" {
		return fmt.Errorf("unexpected message type %q", h.Type)
	}
	if len(h.ClientKey) != crypto.KeySize {
		return fmt.Errorf("client key is %d bytes", len(h.ClientKey))
	}
	if len(h.IdentityKey) != ed25519.PublicKeySize {
		return fmt.Errorf("identity key is %d bytes", len(h.IdentityKey))
	}
	if !crypto.VerifyIdentitySignature(h.IdentityKey, h.ClientKey, h.Signature) {
		return fmt.Errorf("identity signature does not cover the ephemeral key")
	}
	return nil
}

// awaitDecisions blocks until both operators accept, either rejects, or
// the window closes. The remote's verdict arrives on the socket; the
// local one through Confirm.
func (a *Authenticator) awaitDecisions(r *http.Request, conn *websocket.Conn, sess *session) {
	clientC := make(chan bool, 1)
	readErr := make(chan error, 1)
	go func() {
		conn.SetReadDeadline(time.Now().Add(a.timeout + helloDeadline))
		for {
			var msg confirmMessage
			if err := conn.ReadJSON(&msg); err != nil {
				readErr <- err
				return
			}
			if msg.Type == "confirm" {
				clientC <- msg.Accepted
				return
			}
		}
	}()

	ticker := time.NewTicker(a.keepAlive)
	defer ticker.Stop()
	deadline := time.NewTimer(a.timeout)
	defer deadline.Stop()

	var clientDecided, clientAccepted, operatorDecided bool
	for {
		select {
		case <-r.Context().Done():
			sess.setState(StateAborted)
			return
		case err := <-readErr:
			log.Printf("pairing: session %s: remote side went away: %v", sess.id, err)
			sess.setState(StateAborted)
			return
		case accepted := <-clientC:
			clientDecided, clientAccepted = true, accepted
			if !accepted {
				a.finish(conn, sess, StateRejected, statusRejected)
				return
			}
		case accepted := <-sess.decision:
			operatorDecided = true
			if !accepted {
				a.finish(conn, sess, StateRejected, statusRejected)
				return
			}
		case <-ticker.C:
			if clientDecided && !operatorDecided {
				a.writeJSONMsg(conn, pendingMessage{Type: "pending"})
			}
		case <-deadline.C:
			a.finish(conn, sess, StateTimedOut, statusTimedOut)
			return
		}

		if clientDecided && clientAccepted && operatorDecided {
			a.establish(conn, sess)
			return
		}
	}
}

func (a *Authenticator) establish(conn *websocket.Conn, sess *session) {
	if _, err := a.store.Put(sess.identity, sess.token); err != nil {
		log.Printf("pairing: session %s: persisting trust record: %v", sess.id, err)
		a.finish(conn, sess, StateAborted, statusAborted)
		return
	}
	a.finish(conn, sess, StateEstablished, statusEstablished)
	log.Printf("pairing: session %s established for %s", sess.id, sess.identity[:16])
}

func (a *Authenticator) finish(conn *websocket.Conn, sess *session, st State, status string) {
	sess.setState(st)
	a.writeResult(conn, status)
}

func (a *Authenticator) writeResult(conn *websocket.Conn, status string) {
	a.writeJSONMsg(conn, resultMessage{Type: "result", Status: status})
}

func (a *Authenticator) writeJSONMsg(conn *websocket.Conn, v any) error {
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return conn.WriteJSON(v)
}

func (a *Authenticator) addSession(identity, code string, token []byte) (*session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sweepLocked()
	if len(a.sessions) >= maxSessions {
		return nil, fmt.Errorf("session table full: %w", models.ErrBusy)
	}
	s := &session{
		id:        uuid.NewString(),
		identity:  identity,
		code:      code,
		token:     token,
		startedAt: time.Now().UTC(),
		state:     StateKeyExchange,
		decision:  make(chan bool, 1),
	}
	a.sessions[s.id] = s
	return s, nil
}

func (a *Authenticator) removeSession(id string) {
	a.mu.Lock()
	delete(a.sessions, id)
	a.mu.Unlock()
}

// sweepLocked drops sessions whose handler is long gone. Handlers remove
// their own sessions on exit; this is the backstop that keeps the table
// bounded by age as well as count.
func (a *Authenticator) sweepLocked() {
	cutoff := time.Now().UTC().Add(-(a.timeout + time.Minute))
	for id, s := range a.sessions {
		if s.startedAt.Before(cutoff) {
			delete(a.sessions, id)
		}
	}
}

// allow applies the per-address pairing throttle.
func (a *Authenticator) allow(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	// Pairing traffic is tiny; resetting the table wholesale bounds it
	// without per-entry bookkeeping.
	if len(a.limiters) > 1024 {
		a.limiters = make(map[string]*rate.Limiter)
	}
	lim, ok := a.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Every(2*time.Second), 5)
		a.limiters[host] = lim
	}
	return lim.Allow()
}
