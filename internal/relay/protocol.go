package relay

import "mprisbridge/internal/models"

// Stream protocol, version 1. One JSON message per websocket frame.
// Unknown fields are ignored; unknown message types are rejected.

const protocolVersion = 1

const (
	msgChallenge   = "challenge"
	msgAuth        = "auth"
	msgSubscribe   = "subscribe"
	msgUnsubscribe = "unsubscribe"
	msgCommand     = "command"
	msgEvent       = "event"
	msgResult      = "result"
	msgRejected    = "rejected"
	msgError       = "error"
)

type clientMessage struct {
	V    int    `json:"v,omitempty"`
	Type string `json:"type"`

	// auth
	Identity string `json:"identity,omitempty"`
	Proof    []byte `json:"proof,omitempty"`

	// subscribe / unsubscribe. While subscribed to all, unsubscribing
	// individual players opts them out until re-subscribed.
	Players []string `json:"players,omitempty"`
	All     bool     `json:"all,omitempty"`

	// command
	ID         string   `json:"id,omitempty"`
	Name       string   `json:"name,omitempty"`
	PlayerID   string   `json:"player_id,omitempty"`
	PositionMs int64    `json:"position_ms,omitempty"`
	Rate       *float64 `json:"rate,omitempty"`
}

type serverMessage struct {
	V    int    `json:"v,omitempty"`
	Type string `json:"type"`

	Nonce []byte `json:"nonce,omitempty"`

	Event *models.Event `json:"event,omitempty"`

	ID     string              `json:"id,omitempty"`
	OK     bool                `json:"ok,omitempty"`
	Reason models.RejectReason `json:"reason,omitempty"`

	Error string `json:"error,omitempty"`
}
