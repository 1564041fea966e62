// Package compliant is the facade for players that follow the MPRIS spec.
package compliant

import (
	"time"

	"mprisbridge/internal/bus"
	"mprisbridge/internal/facade/mprisbase"
)

type quirks struct{}

func (quirks) NormalizeProperties(map[string]any) {}
func (quirks) ReprobeDelay() time.Duration       { return 0 }
func (quirks) AssumeControllable() bool          { return false }

func New(b bus.Bus, busName, owner string) *mprisbase.Player {
	return mprisbase.New(b, busName, owner, quirks{})
}
