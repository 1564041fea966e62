package pairing

// Wire messages for the pairing handshake, version 1. Byte slices travel
// base64-encoded by encoding/json.

const protocolVersion = 1

// helloMessage opens the handshake. Signature is ed25519 over the
// ephemeral client key, binding the long-term identity to this exchange.
type helloMessage struct {
	V           int    `json:"v"`
	Type        string `json:"type"`
	ClientKey   []byte `json:"client_pk"`
	IdentityKey []byte `json:"identity_pk"`
	Signature   []byte `json:"sig"`
}

type exchangeMessage struct {
	V         int    `json:"v"`
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	ServerKey []byte `json:"server_pk"`
}

// confirmMessage carries the remote operator's verdict on the code.
type confirmMessage struct {
	Type     string `json:"type"`
	Accepted bool   `json:"accepted"`
}

// pendingMessage is a keep-alive sent while the remote side has confirmed
// but the local operator has not decided yet.
type pendingMessage struct {
	Type string `json:"type"`
}

type resultMessage struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

const (
	statusEstablished = "established"
	statusRejected    = "rejected"
	statusTimedOut    = "timed-out"
	statusAborted     = "aborted"
)
