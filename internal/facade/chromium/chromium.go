// Package chromium is the facade for Chromium-based browsers, whose MPRIS
// service omits capability properties and never reports a stopped state.
package chromium

import (
	"time"

	"mprisbridge/internal/bus"
	"mprisbridge/internal/facade/mprisbase"
)

type quirks struct{}

func (quirks) NormalizeProperties(props map[string]any) {
	// Empty metadata is the only signal Chromium gives that playback
	// ended; synthesize the stopped state from it.
	if meta, ok := props["Metadata"].(map[string]any); ok && len(meta) == 0 {
		if _, ok := props["PlaybackStatus"]; !ok {
			props["PlaybackStatus"] = "Stopped"
		}
	}
	// Seeking through the browser's MPRIS surface is unreliable enough
	// that advertising it would mislead clients.
	props["CanSeek"] = false
}

func (quirks) ReprobeDelay() time.Duration { return 0 }

// Chromium omits Can* properties; without this the player would surface
// with no capabilities at all.
func (quirks) AssumeControllable() bool { return true }

func New(b bus.Bus, busName, owner string) *mprisbase.Player {
	return mprisbase.New(b, busName, owner, quirks{})
}
