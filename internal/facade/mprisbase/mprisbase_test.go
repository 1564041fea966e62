package mprisbase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"mprisbridge/internal/bus/bustest"
	"mprisbridge/internal/models"
)

const (
	testBusName = "org.mpris.MediaPlayer2.testplayer"
	testOwner   = ":1.42"
)

type plainQuirks struct{}

func (plainQuirks) NormalizeProperties(map[string]any) {}
func (plainQuirks) ReprobeDelay() time.Duration       { return 0 }
func (plainQuirks) AssumeControllable() bool          { return false }

func fullProps(status string) map[string]map[string]any {
	return map[string]map[string]any{
		RootInterface: {
			"Identity": "Test Player",
		},
		PlayerInterface: {
			"PlaybackStatus": status,
			"Metadata": map[string]any{
				"xesam:title":   "Track A",
				"xesam:artist":  []string{"Artist A"},
				"xesam:album":   "Album A",
				"mpris:length":  int64(180_000_000),
				"mpris:trackid": "/org/mpris/track/1",
			},
			"Rate":          1.0,
			"Position":      int64(5_000_000),
			"CanControl":    true,
			"CanPlay":       true,
			"CanPause":      true,
			"CanSeek":       true,
			"CanGoNext":     true,
			"CanGoPrevious": true,
		},
	}
}

func newTestPlayer(t *testing.T, f *bustest.Fake) *Player {
	t.Helper()
	p := New(f, testBusName, testOwner, plainQuirks{})
	if err := p.Probe(); err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	return p
}

func waitEvent(t *testing.T, ch <-chan models.Event) models.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("updates channel closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return models.Event{}
}

func TestProbeSnapshot(t *testing.T) {
	f := bustest.New()
	f.Publish(testBusName, testOwner, fullProps("Playing"))

	p := newTestPlayer(t, f)
	snap := p.Snapshot()

	if snap.ID != "Test Player" {
		t.Errorf("expected identity from bus, got %q", snap.ID)
	}
	if snap.State != models.StatePlaying {
		t.Errorf("expected playing, got %q", snap.State)
	}
	if snap.Metadata.Title != "Track A" || snap.Metadata.Artist != "Artist A" {
		t.Errorf("unexpected metadata: %+v", snap.Metadata)
	}
	if snap.Metadata.LengthMs != 180_000 {
		t.Errorf("expected length 180000ms, got %d", snap.Metadata.LengthMs)
	}
	if snap.PositionMs != 5_000 {
		t.Errorf("expected position 5000ms, got %d", snap.PositionMs)
	}
	if !snap.Can(models.CapSeek) || !snap.Can(models.CapPlay) || !snap.Can(models.CapStop) {
		t.Errorf("missing expected capabilities: %v", snap.Capabilities)
	}
	if snap.Degraded {
		t.Error("freshly probed player should not be degraded")
	}
}

func TestProbeIdentityFallback(t *testing.T) {
	f := bustest.New()
	props := fullProps("Stopped")
	delete(props[RootInterface], "Identity")
	f.Publish(testBusName, testOwner, props)

	p := newTestPlayer(t, f)
	if got := p.ID(); got != "testplayer" {
		t.Errorf("expected bus-name fallback identity, got %q", got)
	}
}

func TestMarkDegraded(t *testing.T) {
	f := bustest.New()
	p := New(f, testBusName, testOwner, plainQuirks{})

	if err := p.Probe(); err == nil {
		t.Fatal("expected probe of unpublished player to fail")
	}
	p.MarkDegraded()

	snap := p.Snapshot()
	if !snap.Degraded {
		t.Error("expected degraded flag")
	}
	if snap.State != models.StateUnknown {
		t.Errorf("expected unknown state, got %q", snap.State)
	}
}

func TestStateChangeEvent(t *testing.T) {
	f := bustest.New()
	f.Publish(testBusName, testOwner, fullProps("Playing"))

	p := newTestPlayer(t, f)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	f.SetProperties(testBusName, PlayerInterface, map[string]any{"PlaybackStatus": "Paused"}, nil)

	ev := waitEvent(t, p.Updates())
	if ev.Type != models.EventStateChanged {
		t.Fatalf("expected state-changed, got %q", ev.Type)
	}
	if ev.Player == nil || ev.Player.State != models.StatePaused {
		t.Fatalf("expected paused snapshot, got %+v", ev.Player)
	}
}

func TestInvalidatedPlaybackStatusMeansStopped(t *testing.T) {
	f := bustest.New()
	f.Publish(testBusName, testOwner, fullProps("Playing"))

	p := newTestPlayer(t, f)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	f.SetProperties(testBusName, PlayerInterface, nil, []string{"PlaybackStatus"})

	ev := waitEvent(t, p.Updates())
	if ev.Player == nil || ev.Player.State != models.StateStopped {
		t.Fatalf("invalidated PlaybackStatus should read as stopped, got %+v", ev.Player)
	}
}

func TestNoEventWhenNothingChanged(t *testing.T) {
	f := bustest.New()
	f.Publish(testBusName, testOwner, fullProps("Playing"))

	p := newTestPlayer(t, f)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	f.SetProperties(testBusName, PlayerInterface, map[string]any{"PlaybackStatus": "Playing"}, nil)

	select {
	case ev := <-p.Updates():
		t.Fatalf("expected no event for no-op change, got %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUpdatesClosedOnCancel(t *testing.T) {
	f := bustest.New()
	f.Publish(testBusName, testOwner, fullProps("Playing"))

	p := newTestPlayer(t, f)
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	cancel()

	select {
	case _, ok := <-p.Updates():
		if ok {
			t.Fatal("expected closed channel, got event")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("updates channel not closed after cancel")
	}
}

func TestApplyPlay(t *testing.T) {
	f := bustest.New()
	f.Publish(testBusName, testOwner, fullProps("Paused"))

	p := newTestPlayer(t, f)
	if err := p.Apply(context.Background(), models.Command{Name: models.CmdPlay}); err != nil {
		t.Fatalf("Apply(play) failed: %v", err)
	}

	calls := f.Calls()
	if len(calls) != 1 || calls[0].Method != PlayerInterface+".Play" {
		t.Fatalf("expected one Play call, got %+v", calls)
	}
}

func TestApplyUnsupported(t *testing.T) {
	f := bustest.New()
	props := fullProps("Playing")
	props[PlayerInterface]["CanSeek"] = false
	f.Publish(testBusName, testOwner, props)

	p := newTestPlayer(t, f)
	err := p.Apply(context.Background(), models.Command{Name: models.CmdSeek, PositionMs: 120_000})
	if !errors.Is(err, models.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	for _, c := range f.Calls() {
		if strings.Contains(c.Method, "Seek") {
			t.Fatal("rejected seek must not reach the player")
		}
	}

	if got := p.Snapshot().State; got != models.StatePlaying {
		t.Errorf("player state should be unchanged, got %q", got)
	}
}

func TestApplySeekUsesTrackID(t *testing.T) {
	f := bustest.New()
	f.Publish(testBusName, testOwner, fullProps("Playing"))

	p := newTestPlayer(t, f)
	if err := p.Apply(context.Background(), models.Command{Name: models.CmdSeek, PositionMs: 42_000}); err != nil {
		t.Fatalf("Apply(seek) failed: %v", err)
	}

	calls := f.Calls()
	if len(calls) != 1 || calls[0].Method != PlayerInterface+".SetPosition" {
		t.Fatalf("expected SetPosition call, got %+v", calls)
	}
	if pos, ok := calls[0].Args[1].(int64); !ok || pos != 42_000_000 {
		t.Fatalf("expected position in microseconds, got %v", calls[0].Args)
	}
	if got := p.Snapshot().PositionMs; got != 42_000 {
		t.Errorf("expected tracked position 42000ms, got %d", got)
	}
}

func TestApplySeekFallsBackToRelative(t *testing.T) {
	f := bustest.New()
	props := fullProps("Playing")
	meta := props[PlayerInterface]["Metadata"].(map[string]any)
	delete(meta, "mpris:trackid")
	f.Publish(testBusName, testOwner, props)

	p := newTestPlayer(t, f)
	if err := p.Apply(context.Background(), models.Command{Name: models.CmdSeek, PositionMs: 42_000}); err != nil {
		t.Fatalf("Apply(seek) failed: %v", err)
	}

	calls := f.Calls()
	if len(calls) != 1 || calls[0].Method != PlayerInterface+".Seek" {
		t.Fatalf("expected relative Seek call, got %+v", calls)
	}
	// 42s target minus 5s current position, in microseconds.
	if delta, ok := calls[0].Args[0].(int64); !ok || delta != 37_000_000 {
		t.Fatalf("expected relative offset 37000000us, got %v", calls[0].Args)
	}
}

func TestApplySeekRelativeRefreshesStalePosition(t *testing.T) {
	f := bustest.New()
	props := fullProps("Playing")
	meta := props[PlayerInterface]["Metadata"].(map[string]any)
	delete(meta, "mpris:trackid")
	f.Publish(testBusName, testOwner, props)

	p := newTestPlayer(t, f)

	// Playback advanced to 30s without a Position emission; the cached
	// value is still the probed 5s.
	f.SetPropertiesSilent(testBusName, PlayerInterface, map[string]any{
		"Position": int64(30_000_000),
	})

	if err := p.Apply(context.Background(), models.Command{Name: models.CmdSeek, PositionMs: 42_000}); err != nil {
		t.Fatalf("Apply(seek) failed: %v", err)
	}

	calls := f.Calls()
	if len(calls) != 1 || calls[0].Method != PlayerInterface+".Seek" {
		t.Fatalf("expected relative Seek call, got %+v", calls)
	}
	// The delta must come from the player's live position, not the cache.
	if delta, ok := calls[0].Args[0].(int64); !ok || delta != 12_000_000 {
		t.Fatalf("expected relative offset 12000000us, got %v", calls[0].Args)
	}
}

func TestApplySetRate(t *testing.T) {
	f := bustest.New()
	f.Publish(testBusName, testOwner, fullProps("Playing"))

	p := newTestPlayer(t, f)
	if err := p.Apply(context.Background(), models.Command{Name: models.CmdSetRate, Rate: 1.5}); err != nil {
		t.Fatalf("Apply(set-rate) failed: %v", err)
	}
	if got := p.Snapshot().Rate; got != 1.5 {
		t.Errorf("expected rate 1.5, got %v", got)
	}

	err := p.Apply(context.Background(), models.Command{Name: models.CmdSetRate, Rate: 0})
	if !errors.Is(err, models.ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest for zero rate, got %v", err)
	}
}

func TestApplyBusyWhenCommandInFlight(t *testing.T) {
	f := bustest.New()
	f.Publish(testBusName, testOwner, fullProps("Playing"))
	p := newTestPlayer(t, f)

	// Occupy the command slot directly, then race a short-deadline call.
	release := make(chan struct{})
	go func() {
		p.cmdSem <- struct{}{}
		<-release
		<-p.cmdSem
	}()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.Apply(ctx, models.Command{Name: models.CmdPlay})
	if !errors.Is(err, models.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	close(release)
}
