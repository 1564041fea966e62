// Package relay is the authenticated stream between the agent and a paired
// hub. One websocket multiplexes player events out and commands in; every
// connection proves possession of a trust token issued at pairing time
// before it sees any player data.
package relay

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"mprisbridge/internal/crypto"
	"mprisbridge/internal/models"
	"mprisbridge/internal/store"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// shortIdentity abbreviates a fingerprint for log lines.
func shortIdentity(id string) string {
	if len(id) > 16 {
		return id[:16]
	}
	return id
}

// PlayerSource is the monitor surface the relay consumes.
type PlayerSource interface {
	Subscribe() ([]models.Player, chan models.Event)
	Unsubscribe(chan models.Event)
	Apply(ctx context.Context, cmd models.Command) error
}

type Server struct {
	router chi.Router
	store  *store.Store
	source PlayerSource
}

func NewServer(s *store.Store, source PlayerSource) *Server {
	srv := &Server{
		router: chi.NewRouter(),
		store:  s,
		source: source,
	}
	srv.router.Use(middleware.Recoverer)
	srv.routes()
	return srv
}

func (s *Server) routes() {
	s.router.Get("/v1/health", s.handleHealth)
	s.router.Get("/v1/stream", s.handleStream)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "ok"}); err != nil {
		log.Printf("relay: encoding health response: %v", err)
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("relay: upgrading %s: %v", r.RemoteAddr, err)
		return
	}
	defer conn.Close()

	identity, ok := s.authenticate(conn, r.RemoteAddr)
	if !ok {
		return
	}

	sess := &clientSession{
		id:       uuid.NewString(),
		identity: identity,
		conn:     conn,
		server:   s,
		outbound: make(chan serverMessage, outboundBuffer),
		control:  make(chan clientMessage, 4),
		closed:   make(chan struct{}),
	}
	log.Printf("relay: session %s opened for %s", sess.id, shortIdentity(identity))
	defer log.Printf("relay: session %s closed", sess.id)

	players, events := s.source.Subscribe()
	defer s.source.Unsubscribe(events)

	go sess.writeLoop()
	go sess.relayLoop(players, events)
	sess.readLoop(r.Context())
}

// authenticate runs the challenge/response exchange. The token lookup and
// proof check take the same path for unknown identities, so a probe cannot
// distinguish "no such identity" from "bad proof".
func (s *Server) authenticate(conn *websocket.Conn, remoteAddr string) (string, bool) {
	nonce, err := crypto.NewChallenge()
	if err != nil {
		log.Printf("relay: generating challenge: %v", err)
		return "", false
	}

	conn.SetReadLimit(maxFrameBytes)
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := conn.WriteJSON(serverMessage{V: protocolVersion, Type: msgChallenge, Nonce: nonce}); err != nil {
		return "", false
	}

	conn.SetReadDeadline(time.Now().Add(authDeadline))
	var msg clientMessage
	if err := conn.ReadJSON(&msg); err != nil {
		log.Printf("relay: reading auth from %s: %v", remoteAddr, err)
		return "", false
	}
	conn.SetReadDeadline(time.Time{})

	token := make([]byte, crypto.TokenSize)
	known := false
	if msg.Type == msgAuth && msg.Identity != "" {
		if rec, err := s.store.Get(msg.Identity); err == nil {
			token = rec.Token
			known = true
		}
	}
	if !crypto.VerifyProof(token, nonce, msg.Proof) || !known {
		log.Printf("relay: rejecting %s: authentication failed", remoteAddr)
		conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		conn.WriteJSON(serverMessage{V: protocolVersion, Type: msgError, Error: "authentication failed"})
		return "", false
	}
	return msg.Identity, true
}
