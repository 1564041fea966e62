// Package vlc is the facade for VLC, which sometimes neglects to report
// capability changes alongside its playback transitions. A short delayed
// re-probe after each change burst picks up whatever it left out.
package vlc

import (
	"time"

	"mprisbridge/internal/bus"
	"mprisbridge/internal/facade/mprisbase"
)

const reprobeDelay = 50 * time.Millisecond

type quirks struct{}

func (quirks) NormalizeProperties(props map[string]any) {
	// VLC omits Position from full property reads while stopped.
	if status, ok := props["PlaybackStatus"].(string); ok && status == "Stopped" {
		if _, ok := props["Position"]; !ok {
			props["Position"] = int64(0)
		}
	}
}

func (quirks) ReprobeDelay() time.Duration { return reprobeDelay }
func (quirks) AssumeControllable() bool    { return false }

func New(b bus.Bus, busName, owner string) *mprisbase.Player {
	return mprisbase.New(b, busName, owner, quirks{})
}
