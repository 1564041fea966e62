package relay

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"mprisbridge/internal/models"
)

const (
	outboundBuffer = 64
	pingInterval   = 30 * time.Second
	writeDeadline  = 10 * time.Second
	authDeadline   = 10 * time.Second
	maxFrameBytes  = 64 << 10
)

// clientSession is one authenticated stream. The reader goroutine handles
// commands; a relay goroutine folds monitor events into the session's
// player view and forwards the subscribed ones; a writer goroutine owns
// the socket's write side. The outbound buffer is bounded: a session that
// cannot keep up is disconnected rather than allowed to stall the
// monitor.
type clientSession struct {
	id       string
	identity string
	conn     *websocket.Conn
	server   *Server

	outbound chan serverMessage
	control  chan clientMessage // subscribe / unsubscribe, serialized with events
	closed   chan struct{}      // closed on any fatal condition

	closeOnce sync.Once
}

func (c *clientSession) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// send enqueues one message, dropping the session when the buffer is full.
func (c *clientSession) send(msg serverMessage) {
	select {
	case c.outbound <- msg:
	case <-c.closed:
	default:
		log.Printf("relay: session %s too slow, disconnecting", c.id)
		c.close()
	}
}

func (c *clientSession) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.outbound:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(
				websocket.PingMessage, nil,
				time.Now().Add(writeDeadline),
			); err != nil {
				c.close()
				return
			}
		}
	}
}

// relayLoop is the sole owner of the session's subscription set and player
// view. Routing subscribes through it keeps the snapshot burst strictly
// ordered against live events: nothing the client receives predates its
// snapshot, nothing is skipped in between.
func (c *clientSession) relayLoop(players []models.Player, events chan models.Event) {
	known := make(map[string]models.Player, len(players))
	for _, p := range players {
		known[p.ID] = p
	}
	subscribed := make(map[string]bool)
	excluded := make(map[string]bool) // per-player opt-outs while all is set
	all := false
	covered := func(id string) bool {
		return (all && !excluded[id]) || subscribed[id]
	}

	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.control:
			switch msg.Type {
			case msgSubscribe:
				if msg.All {
					for id := range known {
						if !covered(id) {
							c.sendSnapshot(known[id])
						}
					}
					all = true
					excluded = make(map[string]bool)
					break
				}
				for _, id := range msg.Players {
					if covered(id) {
						continue // re-subscribing must not replay the snapshot
					}
					if all {
						delete(excluded, id)
					} else {
						subscribed[id] = true
					}
					if p, ok := known[id]; ok {
						c.sendSnapshot(p)
					}
				}
			case msgUnsubscribe:
				if msg.All {
					all = false
					subscribed = make(map[string]bool)
					excluded = make(map[string]bool)
					break
				}
				for _, id := range msg.Players {
					delete(subscribed, id)
					if all {
						excluded[id] = true
					}
				}
			}
		case ev, ok := <-events:
			if !ok {
				// The monitor dropped us (or stopped); the client has
				// to reconnect and resynchronize.
				log.Printf("relay: session %s lost the event stream", c.id)
				c.close()
				return
			}
			switch ev.Type {
			case models.EventPlayerDisappeared:
				delete(known, ev.PlayerID)
			default:
				if ev.Player != nil {
					known[ev.PlayerID] = *ev.Player
				}
			}
			if covered(ev.PlayerID) {
				switch ev.Type {
				case models.EventPlayerAppeared:
					// A live appearance gets the same burst a snapshot
					// does, so clients handle both identically.
					if p, ok := known[ev.PlayerID]; ok {
						c.sendSnapshot(p)
					}
				case models.EventPlayerDisappeared:
					delete(subscribed, ev.PlayerID)
					event := ev
					c.send(serverMessage{V: protocolVersion, Type: msgEvent, Event: &event})
				default:
					event := ev
					c.send(serverMessage{V: protocolVersion, Type: msgEvent, Event: &event})
				}
			} else if ev.Type == models.EventPlayerDisappeared {
				delete(excluded, ev.PlayerID)
			}
		}
	}
}

// sendSnapshot emits the sync burst for one player: its appearance, then
// its current state.
func (c *clientSession) sendSnapshot(p models.Player) {
	appeared := models.Event{Type: models.EventPlayerAppeared, PlayerID: p.ID, Player: &p}
	c.send(serverMessage{V: protocolVersion, Type: msgEvent, Event: &appeared})
	state := models.Event{Type: models.EventStateChanged, PlayerID: p.ID, Player: &p}
	c.send(serverMessage{V: protocolVersion, Type: msgEvent, Event: &state})
}

func (c *clientSession) readLoop(ctx context.Context) {
	defer c.close()
	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case msgSubscribe, msgUnsubscribe:
			select {
			case c.control <- msg:
			case <-c.closed:
				return
			}
		case msgCommand:
			c.handleCommand(ctx, msg)
		default:
			c.send(serverMessage{
				V:      protocolVersion,
				Type:   msgRejected,
				ID:     msg.ID,
				Reason: models.ReasonBadRequest,
			})
		}
	}
}

// handleCommand routes one command to the monitor and always answers:
// result on success, rejected with a typed reason otherwise.
func (c *clientSession) handleCommand(ctx context.Context, msg clientMessage) {
	cmd := models.Command{
		Name:       models.CommandName(msg.Name),
		PlayerID:   msg.PlayerID,
		PositionMs: msg.PositionMs,
	}
	if msg.Rate != nil {
		cmd.Rate = *msg.Rate
	}
	if !cmd.Name.Valid() || cmd.PlayerID == "" {
		c.send(serverMessage{V: protocolVersion, Type: msgRejected, ID: msg.ID, Reason: models.ReasonBadRequest})
		return
	}
	if err := c.server.source.Apply(ctx, cmd); err != nil {
		log.Printf("relay: session %s: %s on %s: %v", c.id, cmd.Name, cmd.PlayerID, err)
		c.send(serverMessage{V: protocolVersion, Type: msgRejected, ID: msg.ID, Reason: models.ReasonFor(err)})
		return
	}
	c.send(serverMessage{V: protocolVersion, Type: msgResult, ID: msg.ID, OK: true})
}
