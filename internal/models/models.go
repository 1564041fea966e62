package models

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")
var ErrUnsupported = errors.New("unsupported")
var ErrUnauthenticated = errors.New("unauthenticated")
var ErrBusy = errors.New("player busy")
var ErrBadRequest = errors.New("bad request")

type PlaybackState string

const (
	StatePlaying PlaybackState = "playing"
	StatePaused  PlaybackState = "paused"
	StateStopped PlaybackState = "stopped"
	StateUnknown PlaybackState = "unknown"
)

func (s PlaybackState) Valid() bool {
	switch s {
	case StatePlaying, StatePaused, StateStopped, StateUnknown:
		return true
	}
	return false
}

type Capability string

const (
	CapPlay     Capability = "play"
	CapPause    Capability = "pause"
	CapStop     Capability = "stop"
	CapNext     Capability = "next"
	CapPrevious Capability = "previous"
	CapSeek     Capability = "seek"
	CapSetRate  Capability = "set-rate"
)

// Metadata holds the canonical track metadata subset. LengthMs is zero when
// the player does not report a track length.
type Metadata struct {
	Title    string `json:"title,omitempty"`
	Artist   string `json:"artist,omitempty"`
	Album    string `json:"album,omitempty"`
	LengthMs int64  `json:"length_ms,omitempty"`
}

// Player is a point-in-time snapshot of one local media player. The owning
// facade is the only writer; everyone else receives copies.
type Player struct {
	ID           string        `json:"id"`
	State        PlaybackState `json:"state"`
	Metadata     Metadata      `json:"metadata"`
	PositionMs   int64         `json:"position_ms"`
	Rate         float64       `json:"rate"`
	Capabilities []Capability  `json:"capabilities"`
	// Degraded is set when the facade could not retrieve required state
	// after discovery; the player is listed but its state is unreliable.
	Degraded bool `json:"degraded,omitempty"`
}

func (p Player) Can(c Capability) bool {
	for _, have := range p.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

type CommandName string

const (
	CmdPlay     CommandName = "play"
	CmdPause    CommandName = "pause"
	CmdStop     CommandName = "stop"
	CmdNext     CommandName = "next"
	CmdPrevious CommandName = "previous"
	CmdSeek     CommandName = "seek"
	CmdSetRate  CommandName = "set-rate"
)

func (c CommandName) Valid() bool {
	switch c {
	case CmdPlay, CmdPause, CmdStop, CmdNext, CmdPrevious, CmdSeek, CmdSetRate:
		return true
	}
	return false
}

// RequiredCapability maps a command to the capability a player must
// advertise before the command is routed to it.
func (c CommandName) RequiredCapability() Capability {
	switch c {
	case CmdPlay:
		return CapPlay
	case CmdPause:
		return CapPause
	case CmdStop:
		return CapStop
	case CmdNext:
		return CapNext
	case CmdPrevious:
		return CapPrevious
	case CmdSeek:
		return CapSeek
	case CmdSetRate:
		return CapSetRate
	}
	return ""
}

// Command is a client request targeting one player. PositionMs is only
// meaningful for seek, Rate only for set-rate.
type Command struct {
	Name       CommandName `json:"name"`
	PlayerID   string      `json:"player_id"`
	PositionMs int64       `json:"position_ms,omitempty"`
	Rate       float64     `json:"rate,omitempty"`
}

type EventType string

const (
	EventPlayerAppeared    EventType = "player-appeared"
	EventPlayerDisappeared EventType = "player-disappeared"
	EventStateChanged      EventType = "state-changed"
)

// Event is a notification about one player. Player carries a full snapshot
// for appeared and state-changed events and is nil for disappeared.
type Event struct {
	Type     EventType `json:"type"`
	PlayerID string    `json:"player_id"`
	Player   *Player   `json:"player,omitempty"`
}

// TrustRecord is the durable proof that a remote identity completed pairing.
// Records are replaced wholesale on re-pairing and removed only by Revoke.
type TrustRecord struct {
	Identity  string    `json:"identity"`
	Token     []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// RejectReason classifies why a command was not applied. It is always
// reported to the issuing client, never silently dropped.
type RejectReason string

const (
	ReasonNotFound    RejectReason = "not-found"
	ReasonUnsupported RejectReason = "unsupported"
	ReasonBusy        RejectReason = "busy"
	ReasonBadRequest  RejectReason = "bad-request"
)

func ReasonFor(err error) RejectReason {
	switch {
	case errors.Is(err, ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, ErrUnsupported):
		return ReasonUnsupported
	case errors.Is(err, ErrBusy):
		return ReasonBusy
	default:
		return ReasonBadRequest
	}
}
