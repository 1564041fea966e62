package chromium

import (
	"context"
	"testing"
	"time"

	"mprisbridge/internal/bus/bustest"
	"mprisbridge/internal/facade/mprisbase"
	"mprisbridge/internal/models"
)

const (
	busName = "org.mpris.MediaPlayer2.chromium.instance1234"
	owner   = ":1.99"
)

// Chromium publishes playback state and metadata but no Can* properties.
func chromiumProps() map[string]map[string]any {
	return map[string]map[string]any{
		mprisbase.RootInterface: {"Identity": "Chromium"},
		mprisbase.PlayerInterface: {
			"PlaybackStatus": "Playing",
			"Metadata": map[string]any{
				"xesam:title": "Some Video",
			},
		},
	}
}

func TestAssumesControllable(t *testing.T) {
	f := bustest.New()
	f.Publish(busName, owner, chromiumProps())

	p := New(f, busName, owner)
	if err := p.Probe(); err != nil {
		t.Fatalf("Probe failed: %v", err)
	}

	snap := p.Snapshot()
	if !snap.Can(models.CapPlay) || !snap.Can(models.CapPause) || !snap.Can(models.CapStop) {
		t.Errorf("expected basic control despite missing Can* properties, got %v", snap.Capabilities)
	}
	if snap.Can(models.CapSeek) {
		t.Error("chromium facade must never advertise seek")
	}
}

func TestSynthesizesStoppedFromEmptyMetadata(t *testing.T) {
	f := bustest.New()
	f.Publish(busName, owner, chromiumProps())

	p := New(f, busName, owner)
	if err := p.Probe(); err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	f.SetProperties(busName, mprisbase.PlayerInterface, map[string]any{"Metadata": map[string]any{}}, nil)

	select {
	case ev := <-p.Updates():
		if ev.Player == nil || ev.Player.State != models.StateStopped {
			t.Fatalf("expected synthesized stopped state, got %+v", ev.Player)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}
