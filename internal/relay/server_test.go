package relay

import (
	"context"
	"crypto/rand"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mprisbridge/internal/bus"
	"mprisbridge/internal/bus/bustest"
	"mprisbridge/internal/crypto"
	"mprisbridge/internal/facade/mprisbase"
	"mprisbridge/internal/models"
	"mprisbridge/internal/monitor"
	"mprisbridge/internal/store"
)

type testRelay struct {
	bus      *bustest.Fake
	monitor  *monitor.Monitor
	store    *store.Store
	srv      *httptest.Server
	identity string
	token    []byte
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	f := bustest.New()
	m := monitor.New(
		func() (bus.Bus, error) { return f, nil },
		monitor.WithProbeRetry(2, time.Millisecond),
		monitor.WithReconnectDelay(time.Millisecond),
	)
	m.Start(context.Background())
	t.Cleanup(m.Stop)

	s, err := store.New(filepath.Join(t.TempDir(), "credentials.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { s.Close() })

	token := make([]byte, crypto.TokenSize)
	_, err = rand.Read(token)
	require.NoError(t, err)
	identity := "hub-0f3a"
	_, err = s.Put(identity, token)
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(s, m))
	t.Cleanup(srv.Close)
	return &testRelay{bus: f, monitor: m, store: s, srv: srv, identity: identity, token: token}
}

func (tr *testRelay) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(tr.srv.URL, "http") + "/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) serverMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg serverMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// authenticate completes the challenge/response with the given token.
func (tr *testRelay) authenticate(t *testing.T, conn *websocket.Conn, token []byte) {
	t.Helper()
	challenge := readMessage(t, conn)
	require.Equal(t, msgChallenge, challenge.Type)
	require.Len(t, challenge.Nonce, crypto.ChallengeSize)
	require.NoError(t, conn.WriteJSON(clientMessage{
		V:        protocolVersion,
		Type:     msgAuth,
		Identity: tr.identity,
		Proof:    crypto.Proof(token, challenge.Nonce),
	}))
}

func (tr *testRelay) openSession(t *testing.T) *websocket.Conn {
	t.Helper()
	conn := tr.dial(t)
	tr.authenticate(t, conn, tr.token)
	return conn
}

func playerProps(identity string) map[string]map[string]any {
	return map[string]map[string]any{
		mprisbase.RootInterface: {"Identity": identity},
		mprisbase.PlayerInterface: {
			"PlaybackStatus": "Playing",
			"Metadata": map[string]any{
				"xesam:title": "A",
			},
			"CanControl": true,
			"CanPlay":    true,
			"CanPause":   true,
		},
	}
}

func (tr *testRelay) publishPlayer(t *testing.T, name, owner, identity string) {
	t.Helper()
	tr.bus.Publish(name, owner, playerProps(identity))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(tr.monitor.Players()) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("player never surfaced")
}

func TestBadProofSeesNoPlayerData(t *testing.T) {
	tr := newTestRelay(t)
	tr.publishPlayer(t, "org.mpris.MediaPlayer2.mpv", ":1.10", "mpv")

	conn := tr.dial(t)
	wrong := make([]byte, crypto.TokenSize)
	tr.authenticate(t, conn, wrong)

	msg := readMessage(t, conn)
	assert.Equal(t, msgError, msg.Type)
	assert.Nil(t, msg.Event)

	// Nothing else follows; the stream is dead even to a subscriber.
	conn.WriteJSON(clientMessage{V: protocolVersion, Type: msgSubscribe, All: true})
	conn.SetReadDeadline(time.Now().Add(time.Second))
	var extra serverMessage
	assert.Error(t, conn.ReadJSON(&extra))
}

func TestUnknownIdentityRejected(t *testing.T) {
	tr := newTestRelay(t)
	conn := tr.dial(t)

	challenge := readMessage(t, conn)
	require.NoError(t, conn.WriteJSON(clientMessage{
		V:        protocolVersion,
		Type:     msgAuth,
		Identity: "never-paired",
		Proof:    crypto.Proof(tr.token, challenge.Nonce),
	}))
	msg := readMessage(t, conn)
	assert.Equal(t, msgError, msg.Type)
}

func TestSubscribeAllFromEmptyThenAppear(t *testing.T) {
	tr := newTestRelay(t)
	conn := tr.openSession(t)
	require.NoError(t, conn.WriteJSON(clientMessage{V: protocolVersion, Type: msgSubscribe, All: true}))

	tr.publishPlayer(t, "org.mpris.MediaPlayer2.mpv", ":1.10", "mpv")

	first := readMessage(t, conn)
	require.Equal(t, msgEvent, first.Type)
	require.NotNil(t, first.Event)
	assert.Equal(t, models.EventPlayerAppeared, first.Event.Type)
	assert.Equal(t, "mpv", first.Event.PlayerID)

	second := readMessage(t, conn)
	require.NotNil(t, second.Event)
	assert.Equal(t, models.EventStateChanged, second.Event.Type)
	assert.Equal(t, models.StatePlaying, second.Event.Player.State)
	assert.Equal(t, "A", second.Event.Player.Metadata.Title)
}

func TestSnapshotBurstAndIdempotentResubscribe(t *testing.T) {
	tr := newTestRelay(t)
	tr.publishPlayer(t, "org.mpris.MediaPlayer2.mpv", ":1.10", "mpv")
	conn := tr.openSession(t)

	sub := clientMessage{V: protocolVersion, Type: msgSubscribe, Players: []string{"mpv"}}
	require.NoError(t, conn.WriteJSON(sub))

	first := readMessage(t, conn)
	require.NotNil(t, first.Event)
	assert.Equal(t, models.EventPlayerAppeared, first.Event.Type)
	second := readMessage(t, conn)
	require.NotNil(t, second.Event)
	assert.Equal(t, models.EventStateChanged, second.Event.Type)

	// Subscribing again must not replay the snapshot. A command reply is
	// used as the fence: it must be the very next message.
	require.NoError(t, conn.WriteJSON(sub))
	require.NoError(t, conn.WriteJSON(clientMessage{
		V: protocolVersion, Type: msgCommand, ID: "c1", Name: "pause", PlayerID: "mpv",
	}))
	reply := readMessage(t, conn)
	assert.Equal(t, msgResult, reply.Type)
	assert.Equal(t, "c1", reply.ID)
	assert.True(t, reply.OK)

	// And nothing trails the reply either.
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var extra serverMessage
	assert.Error(t, conn.ReadJSON(&extra))
}

func TestCommandRejections(t *testing.T) {
	tr := newTestRelay(t)
	tr.publishPlayer(t, "org.mpris.MediaPlayer2.mpv", ":1.10", "mpv")
	conn := tr.openSession(t)

	tests := []struct {
		name   string
		msg    clientMessage
		reason models.RejectReason
	}{
		{
			"unknown player",
			clientMessage{V: 1, Type: msgCommand, ID: "r1", Name: "play", PlayerID: "nope"},
			models.ReasonNotFound,
		},
		{
			"missing capability",
			clientMessage{V: 1, Type: msgCommand, ID: "r2", Name: "seek", PlayerID: "mpv", PositionMs: 1000},
			models.ReasonUnsupported,
		},
		{
			"bad command name",
			clientMessage{V: 1, Type: msgCommand, ID: "r3", Name: "rewind", PlayerID: "mpv"},
			models.ReasonBadRequest,
		},
		{
			"unknown message type",
			clientMessage{V: 1, Type: "telemetry", ID: "r4"},
			models.ReasonBadRequest,
		},
	}
	for _, tt := range tests {
		require.NoError(t, conn.WriteJSON(tt.msg), tt.name)
		reply := readMessage(t, conn)
		assert.Equal(t, msgRejected, reply.Type, tt.name)
		assert.Equal(t, tt.msg.ID, reply.ID, tt.name)
		assert.Equal(t, tt.reason, reply.Reason, tt.name)
	}
}

func TestUnsubscribeOnePlayerWhileSubscribedToAll(t *testing.T) {
	tr := newTestRelay(t)
	tr.bus.Publish("org.mpris.MediaPlayer2.mpv", ":1.10", playerProps("mpv"))
	tr.bus.Publish("org.mpris.MediaPlayer2.kodi", ":1.11", playerProps("kodi"))
	deadline := time.Now().Add(2 * time.Second)
	for len(tr.monitor.Players()) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("players never surfaced")
		}
		time.Sleep(5 * time.Millisecond)
	}
	conn := tr.openSession(t)

	require.NoError(t, conn.WriteJSON(clientMessage{V: protocolVersion, Type: msgSubscribe, All: true}))
	for i := 0; i < 4; i++ {
		msg := readMessage(t, conn)
		require.NotNil(t, msg.Event)
	}

	require.NoError(t, conn.WriteJSON(clientMessage{
		V: protocolVersion, Type: msgUnsubscribe, Players: []string{"mpv"},
	}))
	time.Sleep(100 * time.Millisecond)

	tr.bus.SetProperties("org.mpris.MediaPlayer2.mpv", mprisbase.PlayerInterface,
		map[string]any{"PlaybackStatus": "Paused"}, nil)
	tr.bus.SetProperties("org.mpris.MediaPlayer2.kodi", mprisbase.PlayerInterface,
		map[string]any{"PlaybackStatus": "Paused"}, nil)

	// Only the still-covered player's change may arrive.
	msg := readMessage(t, conn)
	require.NotNil(t, msg.Event)
	assert.Equal(t, models.EventStateChanged, msg.Event.Type)
	assert.Equal(t, "kodi", msg.Event.PlayerID)

	// Re-subscribing the opted-out player replays its snapshot, which
	// reflects the state it moved to while unsubscribed.
	require.NoError(t, conn.WriteJSON(clientMessage{
		V: protocolVersion, Type: msgSubscribe, Players: []string{"mpv"},
	}))
	appeared := readMessage(t, conn)
	require.NotNil(t, appeared.Event)
	assert.Equal(t, models.EventPlayerAppeared, appeared.Event.Type)
	assert.Equal(t, "mpv", appeared.Event.PlayerID)
	state := readMessage(t, conn)
	require.NotNil(t, state.Event)
	assert.Equal(t, models.EventStateChanged, state.Event.Type)
	require.NotNil(t, state.Event.Player)
	assert.Equal(t, models.StatePaused, state.Event.Player.State)
}

func TestEventsReachEverySubscriberIncludingIssuer(t *testing.T) {
	tr := newTestRelay(t)
	tr.publishPlayer(t, "org.mpris.MediaPlayer2.mpv", ":1.10", "mpv")

	issuer := tr.openSession(t)
	watcher := tr.openSession(t)
	for _, conn := range []*websocket.Conn{issuer, watcher} {
		require.NoError(t, conn.WriteJSON(clientMessage{V: protocolVersion, Type: msgSubscribe, All: true}))
		readMessage(t, conn) // appeared
		readMessage(t, conn) // state
	}

	require.NoError(t, issuer.WriteJSON(clientMessage{
		V: protocolVersion, Type: msgCommand, ID: "c1", Name: "pause", PlayerID: "mpv",
	}))
	reply := readMessage(t, issuer)
	require.Equal(t, msgResult, reply.Type)

	// The fake player reports the state change the command caused.
	tr.bus.SetProperties("org.mpris.MediaPlayer2.mpv", mprisbase.PlayerInterface,
		map[string]any{"PlaybackStatus": "Paused"}, nil)

	for _, conn := range []*websocket.Conn{issuer, watcher} {
		ev := readMessage(t, conn)
		require.NotNil(t, ev.Event)
		assert.Equal(t, models.EventStateChanged, ev.Event.Type)
		assert.Equal(t, models.StatePaused, ev.Event.Player.State)
	}
}

func TestDisappearanceForwarded(t *testing.T) {
	tr := newTestRelay(t)
	tr.publishPlayer(t, "org.mpris.MediaPlayer2.mpv", ":1.10", "mpv")
	conn := tr.openSession(t)
	require.NoError(t, conn.WriteJSON(clientMessage{V: protocolVersion, Type: msgSubscribe, All: true}))
	readMessage(t, conn) // appeared
	readMessage(t, conn) // state

	tr.bus.Unpublish("org.mpris.MediaPlayer2.mpv")
	ev := readMessage(t, conn)
	require.NotNil(t, ev.Event)
	assert.Equal(t, models.EventPlayerDisappeared, ev.Event.Type)
	assert.Equal(t, "mpv", ev.Event.PlayerID)
}

func TestHealth(t *testing.T) {
	tr := newTestRelay(t)
	resp, err := tr.srv.Client().Get(tr.srv.URL + "/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
}
