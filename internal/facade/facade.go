package facade

import (
	"context"

	"mprisbridge/internal/models"
)

// Facade adapts one concrete media player to the canonical Player model.
// The monitor owns the lifecycle: Probe after discovery (with retries),
// Rename to resolve identity collisions, Start to begin forwarding changes.
// The facade is the sole writer of its player's state; everyone else gets
// snapshots or events.
type Facade interface {
	// BusName is the well-known service name the player registered.
	BusName() string
	// ID is the canonical player identity.
	ID() string
	// Rename overrides the identity before Start, for collision handling.
	Rename(id string)
	// Probe fetches the player's full state. Safe to retry.
	Probe() error
	// MarkDegraded records that required state could not be retrieved; the
	// player is still listed, with unknown status.
	MarkDegraded()
	// Start begins watching the player until ctx is done. Updates is
	// closed when watching stops.
	Start(ctx context.Context)
	Snapshot() models.Player
	Updates() <-chan models.Event
	// Apply executes one command, serialized per player. Returns
	// models.ErrUnsupported when the player lacks the capability.
	Apply(ctx context.Context, cmd models.Command) error
}
