package facade

import (
	"strings"

	"mprisbridge/internal/bus"
	"mprisbridge/internal/facade/chromium"
	"mprisbridge/internal/facade/compliant"
	"mprisbridge/internal/facade/vlc"
)

// New selects the facade variant for a player service. Selection is a pure
// function of the service name, evaluated once at discovery time; a
// player's facade never changes for its lifetime.
func New(b bus.Bus, busName, owner string) Facade {
	switch {
	case isVLC(busName):
		return vlc.New(b, busName, owner)
	case isChromium(busName):
		return chromium.New(b, busName, owner)
	default:
		return compliant.New(b, busName, owner)
	}
}

func isVLC(busName string) bool {
	return strings.HasSuffix(busName, ".vlc") || strings.Contains(busName, ".vlc.")
}

func isChromium(busName string) bool {
	return strings.Contains(busName, ".chromium") || strings.Contains(busName, ".chrome")
}
