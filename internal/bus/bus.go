// Package bus is the boundary to the session object bus. The agent only
// consumes the bus's publish/subscribe and method-call semantics; the wire
// protocol itself belongs to the library behind Connect.
package bus

import "context"

// NameOwnerChange reports a well-known bus name changing owner. An empty
// NewOwner means the name disappeared; an empty OldOwner means it is new.
type NameOwnerChange struct {
	Name     string
	OldOwner string
	NewOwner string
}

// PropertyChange is one PropertiesChanged notification from a service.
type PropertyChange struct {
	Owner       string
	Interface   string
	Changed     map[string]any
	Invalidated []string
}

type Bus interface {
	// ListNames returns all currently owned bus names.
	ListNames() ([]string, error)
	// NameOwner resolves a well-known name to its unique owner name.
	NameOwner(name string) (string, error)
	// GetAll fetches every property of one interface on a service.
	GetAll(dest, path, iface string) (map[string]any, error)
	// Call invokes a method, discarding any return value. method is the
	// fully-qualified "interface.Member" form.
	Call(dest, path, method string, args ...any) error
	// SetProperty writes one property on a service.
	SetProperty(dest, path, iface, prop string, value any) error
	// OwnerChanges delivers name-owner transitions until ctx is done.
	OwnerChanges(ctx context.Context) (<-chan NameOwnerChange, error)
	// PropertyChanges delivers property notifications emitted by the given
	// unique owner name until ctx is done.
	PropertyChanges(ctx context.Context, owner string) (<-chan PropertyChange, error)
	Close() error
}
