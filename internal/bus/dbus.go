package bus

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/godbus/dbus/v5"
)

const subscriberBuffer = 128

// sessionBus adapts a godbus session connection to the Bus interface. One
// dispatch goroutine drains the connection's signal channel and fans out to
// registered subscribers; a subscriber that falls behind loses signals
// rather than stalling dispatch.
type sessionBus struct {
	conn    *dbus.Conn
	signals chan *dbus.Signal

	mu        sync.Mutex
	ownerSubs map[chan NameOwnerChange]struct{}
	propSubs  map[string]map[chan PropertyChange]struct{}
	matched   map[string]bool
	closed    bool
}

// Connect opens a private connection to the session bus.
func Connect() (Bus, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connecting to session bus: %w", err)
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchSender("org.freedesktop.DBus"),
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("matching NameOwnerChanged: %w", err)
	}

	b := &sessionBus{
		conn:      conn,
		signals:   make(chan *dbus.Signal, subscriberBuffer),
		ownerSubs: make(map[chan NameOwnerChange]struct{}),
		propSubs:  make(map[string]map[chan PropertyChange]struct{}),
		matched:   make(map[string]bool),
	}
	conn.Signal(b.signals)
	go b.dispatch()
	return b, nil
}

func (b *sessionBus) dispatch() {
	for sig := range b.signals {
		switch sig.Name {
		case "org.freedesktop.DBus.NameOwnerChanged":
			b.dispatchOwnerChange(sig)
		case "org.freedesktop.DBus.Properties.PropertiesChanged":
			b.dispatchPropertyChange(sig)
		}
	}
	// godbus closes the signal channel when the connection dies. Closing
	// every subscriber channel is what lets watchers see the loss; a
	// subscriber left open would block its owner forever.
	b.drop()
}

// drop closes and forgets all subscriber channels. Subscribers observe it
// as a closed channel, the same way they observe their own ctx expiry.
func (b *sessionBus) drop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.ownerSubs {
		close(ch)
	}
	b.ownerSubs = make(map[chan NameOwnerChange]struct{})
	for _, subs := range b.propSubs {
		for ch := range subs {
			close(ch)
		}
	}
	b.propSubs = make(map[string]map[chan PropertyChange]struct{})
}

func (b *sessionBus) dispatchOwnerChange(sig *dbus.Signal) {
	if len(sig.Body) != 3 {
		return
	}
	name, ok1 := sig.Body[0].(string)
	oldOwner, ok2 := sig.Body[1].(string)
	newOwner, ok3 := sig.Body[2].(string)
	if !ok1 || !ok2 || !ok3 {
		return
	}
	change := NameOwnerChange{Name: name, OldOwner: oldOwner, NewOwner: newOwner}

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.ownerSubs {
		select {
		case ch <- change:
		default:
			log.Printf("bus: dropping owner change for slow subscriber")
		}
	}
}

func (b *sessionBus) dispatchPropertyChange(sig *dbus.Signal) {
	if len(sig.Body) < 3 {
		return
	}
	iface, ok1 := sig.Body[0].(string)
	changed, ok2 := sig.Body[1].(map[string]dbus.Variant)
	invalidated, ok3 := sig.Body[2].([]string)
	if !ok1 || !ok2 || !ok3 {
		return
	}

	change := PropertyChange{
		Owner:       sig.Sender,
		Interface:   iface,
		Changed:     make(map[string]any, len(changed)),
		Invalidated: invalidated,
	}
	for k, v := range changed {
		change.Changed[k] = unpack(v)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.propSubs[sig.Sender] {
		select {
		case ch <- change:
		default:
			log.Printf("bus: dropping property change for slow subscriber")
		}
	}
}

func (b *sessionBus) ListNames() ([]string, error) {
	var names []string
	err := b.conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names)
	if err != nil {
		return nil, fmt.Errorf("listing bus names: %w", err)
	}
	return names, nil
}

func (b *sessionBus) NameOwner(name string) (string, error) {
	var owner string
	err := b.conn.BusObject().Call("org.freedesktop.DBus.GetNameOwner", 0, name).Store(&owner)
	if err != nil {
		return "", fmt.Errorf("resolving owner of %s: %w", name, err)
	}
	return owner, nil
}

func (b *sessionBus) GetAll(dest, path, iface string) (map[string]any, error) {
	var raw map[string]dbus.Variant
	obj := b.conn.Object(dest, dbus.ObjectPath(path))
	if err := obj.Call("org.freedesktop.DBus.Properties.GetAll", 0, iface).Store(&raw); err != nil {
		return nil, fmt.Errorf("getting properties of %s: %w", dest, err)
	}
	props := make(map[string]any, len(raw))
	for k, v := range raw {
		props[k] = unpack(v)
	}
	return props, nil
}

func (b *sessionBus) Call(dest, path, method string, args ...any) error {
	obj := b.conn.Object(dest, dbus.ObjectPath(path))
	if call := obj.Call(method, 0, args...); call.Err != nil {
		return fmt.Errorf("calling %s on %s: %w", method, dest, call.Err)
	}
	return nil
}

func (b *sessionBus) SetProperty(dest, path, iface, prop string, value any) error {
	obj := b.conn.Object(dest, dbus.ObjectPath(path))
	call := obj.Call("org.freedesktop.DBus.Properties.Set", 0, iface, prop, dbus.MakeVariant(value))
	if call.Err != nil {
		return fmt.Errorf("setting %s.%s on %s: %w", iface, prop, dest, call.Err)
	}
	return nil
}

func (b *sessionBus) OwnerChanges(ctx context.Context) (<-chan NameOwnerChange, error) {
	ch := make(chan NameOwnerChange, subscriberBuffer)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("bus connection closed")
	}
	b.ownerSubs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if _, ok := b.ownerSubs[ch]; ok {
			delete(b.ownerSubs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}()
	return ch, nil
}

func (b *sessionBus) PropertyChanges(ctx context.Context, owner string) (<-chan PropertyChange, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("bus connection closed")
	}
	needMatch := !b.matched[owner]
	b.matched[owner] = true
	b.mu.Unlock()

	if needMatch {
		if err := b.conn.AddMatchSignal(
			dbus.WithMatchSender(owner),
			dbus.WithMatchInterface("org.freedesktop.DBus.Properties"),
			dbus.WithMatchMember("PropertiesChanged"),
		); err != nil {
			return nil, fmt.Errorf("matching PropertiesChanged for %s: %w", owner, err)
		}
	}

	ch := make(chan PropertyChange, subscriberBuffer)
	b.mu.Lock()
	subs, ok := b.propSubs[owner]
	if !ok {
		subs = make(map[chan PropertyChange]struct{})
		b.propSubs[owner] = subs
	}
	subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if subs, ok := b.propSubs[owner]; ok {
			if _, member := subs[ch]; member {
				delete(subs, ch)
				close(ch)
			}
			if len(subs) == 0 {
				delete(b.propSubs, owner)
			}
		}
		b.mu.Unlock()
	}()
	return ch, nil
}

func (b *sessionBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return b.conn.Close()
}

// unpack converts variants (possibly nested in maps and slices) to plain
// Go values.
func unpack(v any) any {
	switch val := v.(type) {
	case dbus.Variant:
		return unpack(val.Value())
	case map[string]dbus.Variant:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = unpack(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = unpack(inner)
		}
		return out
	default:
		return v
	}
}
