package pairing

import (
	"fmt"
	"sync"
	"time"

	"mprisbridge/internal/models"
)

type State string

const (
	StateInit                 State = "init"
	StateKeyExchange          State = "key-exchange"
	StateAwaitingConfirmation State = "awaiting-confirmation"
	StateEstablished          State = "established"
	StateAborted              State = "aborted"
	StateRejected             State = "rejected"
	StateTimedOut             State = "timed-out"
)

func (s State) terminal() bool {
	switch s {
	case StateEstablished, StateAborted, StateRejected, StateTimedOut:
		return true
	}
	return false
}

// Session is the confirmation API's view of one in-progress handshake.
type Session struct {
	ID        string    `json:"id"`
	Identity  string    `json:"identity"`
	Code      string    `json:"code"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"started_at"`
}

// session is the handshake handler's side. The handler owns the state; the
// confirmation API only reads views and delivers the operator's verdict.
type session struct {
	id        string
	identity  string
	code      string
	token     []byte
	startedAt time.Time

	mu      sync.Mutex
	state   State
	decided bool

	decision chan bool
}

func (s *session) view() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Session{
		ID:        s.id,
		Identity:  s.identity,
		Code:      s.code,
		State:     s.state,
		StartedAt: s.startedAt,
	}
}

func (s *session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// decide records the local operator's verdict. A session accepts exactly
// one decision, and only while it awaits confirmation.
func (s *session) decide(accept bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAwaitingConfirmation {
		return fmt.Errorf("pairing session %s is %s: %w", s.id, s.state, models.ErrBusy)
	}
	if s.decided {
		return fmt.Errorf("pairing session %s already decided: %w", s.id, models.ErrBusy)
	}
	s.decided = true
	s.decision <- accept
	return nil
}
