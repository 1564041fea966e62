// Package bustest provides an in-memory Bus for monitor and facade tests.
package bustest

import (
	"context"
	"fmt"
	"sync"

	"mprisbridge/internal/bus"
)

// Call records one method invocation made through the fake.
type Call struct {
	Dest   string
	Path   string
	Method string
	Args   []any
}

type service struct {
	owner string
	props map[string]map[string]any // interface -> property -> value
}

// Fake is an in-memory Bus. Tests publish services, mutate properties, and
// inject probe failures; the code under test sees ordinary bus behavior.
type Fake struct {
	mu        sync.Mutex
	services  map[string]*service // well-known name -> service
	owners    map[string]string   // owner -> well-known name
	calls     []Call
	getAllErr map[string]int // dest -> remaining failures
	callErr   map[string]error

	ownerSubs map[chan bus.NameOwnerChange]struct{}
	propSubs  map[string]map[chan bus.PropertyChange]struct{}
}

func New() *Fake {
	return &Fake{
		services:  make(map[string]*service),
		owners:    make(map[string]string),
		getAllErr: make(map[string]int),
		callErr:   make(map[string]error),
		ownerSubs: make(map[chan bus.NameOwnerChange]struct{}),
		propSubs:  make(map[string]map[chan bus.PropertyChange]struct{}),
	}
}

// Publish makes a service appear on the bus and notifies owner subscribers.
func (f *Fake) Publish(name, owner string, props map[string]map[string]any) {
	copied := make(map[string]map[string]any, len(props))
	for iface, p := range props {
		inner := make(map[string]any, len(p))
		for k, v := range p {
			inner[k] = v
		}
		copied[iface] = inner
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.services[name] = &service{owner: owner, props: copied}
	f.owners[owner] = name
	for ch := range f.ownerSubs {
		select {
		case ch <- bus.NameOwnerChange{Name: name, NewOwner: owner}:
		default:
		}
	}
}

// Unpublish removes a service from the bus.
func (f *Fake) Unpublish(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	svc, ok := f.services[name]
	if !ok {
		return
	}
	delete(f.services, name)
	delete(f.owners, svc.owner)
	for ch := range f.ownerSubs {
		select {
		case ch <- bus.NameOwnerChange{Name: name, OldOwner: svc.owner}:
		default:
		}
	}
}

// SetProperties updates stored properties and emits a PropertiesChanged
// notification from the service's owner.
func (f *Fake) SetProperties(name, iface string, changed map[string]any, invalidated []string) {
	f.mu.Lock()
	svc, ok := f.services[name]
	if !ok {
		f.mu.Unlock()
		return
	}
	props, ok := svc.props[iface]
	if !ok {
		props = make(map[string]any)
		svc.props[iface] = props
	}
	for k, v := range changed {
		props[k] = v
	}
	for _, k := range invalidated {
		delete(props, k)
	}
	change := bus.PropertyChange{
		Owner:       svc.owner,
		Interface:   iface,
		Changed:     changed,
		Invalidated: invalidated,
	}
	for ch := range f.propSubs[svc.owner] {
		select {
		case ch <- change:
		default:
		}
	}
	f.mu.Unlock()
}

// SetPropertiesSilent updates stored properties without emitting a
// notification, the way under-reporting players change state.
func (f *Fake) SetPropertiesSilent(name, iface string, changed map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	svc, ok := f.services[name]
	if !ok {
		return
	}
	props, ok := svc.props[iface]
	if !ok {
		props = make(map[string]any)
		svc.props[iface] = props
	}
	for k, v := range changed {
		props[k] = v
	}
}

// FailGetAll makes the next n GetAll calls against dest fail, simulating a
// transient probe error.
func (f *Fake) FailGetAll(dest string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getAllErr[dest] = n
}

// FailCalls makes every Call against dest return err (nil clears it).
func (f *Fake) FailCalls(dest string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.callErr, dest)
		return
	}
	f.callErr[dest] = err
}

// Calls returns a copy of every recorded method invocation.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *Fake) ListNames() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.services))
	for name := range f.services {
		names = append(names, name)
	}
	return names, nil
}

func (f *Fake) NameOwner(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	svc, ok := f.services[name]
	if !ok {
		return "", fmt.Errorf("no owner for %s", name)
	}
	return svc.owner, nil
}

func (f *Fake) GetAll(dest, path, iface string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if n := f.getAllErr[dest]; n > 0 {
		f.getAllErr[dest] = n - 1
		return nil, fmt.Errorf("transient bus error for %s", dest)
	}

	svc := f.lookupLocked(dest)
	if svc == nil {
		return nil, fmt.Errorf("no such service %s", dest)
	}
	props := make(map[string]any, len(svc.props[iface]))
	for k, v := range svc.props[iface] {
		props[k] = v
	}
	return props, nil
}

func (f *Fake) Call(dest, path, method string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, Call{Dest: dest, Path: path, Method: method, Args: args})
	if err, ok := f.callErr[dest]; ok {
		return err
	}
	if f.lookupLocked(dest) == nil {
		return fmt.Errorf("no such service %s", dest)
	}
	return nil
}

func (f *Fake) SetProperty(dest, path, iface, prop string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, Call{Dest: dest, Path: path, Method: "Properties.Set", Args: []any{iface, prop, value}})
	if err, ok := f.callErr[dest]; ok {
		return err
	}
	svc := f.lookupLocked(dest)
	if svc == nil {
		return fmt.Errorf("no such service %s", dest)
	}
	props, ok := svc.props[iface]
	if !ok {
		props = make(map[string]any)
		svc.props[iface] = props
	}
	props[prop] = value
	return nil
}

// lookupLocked resolves a destination given either as a well-known name or
// as a unique owner name.
func (f *Fake) lookupLocked(dest string) *service {
	if svc, ok := f.services[dest]; ok {
		return svc
	}
	if name, ok := f.owners[dest]; ok {
		return f.services[name]
	}
	return nil
}

func (f *Fake) OwnerChanges(ctx context.Context) (<-chan bus.NameOwnerChange, error) {
	ch := make(chan bus.NameOwnerChange, 128)
	f.mu.Lock()
	f.ownerSubs[ch] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		_, live := f.ownerSubs[ch]
		delete(f.ownerSubs, ch)
		f.mu.Unlock()
		if live {
			close(ch)
		}
	}()
	return ch, nil
}

func (f *Fake) PropertyChanges(ctx context.Context, owner string) (<-chan bus.PropertyChange, error) {
	ch := make(chan bus.PropertyChange, 128)
	f.mu.Lock()
	subs, ok := f.propSubs[owner]
	if !ok {
		subs = make(map[chan bus.PropertyChange]struct{})
		f.propSubs[owner] = subs
	}
	subs[ch] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		live := false
		if subs, ok := f.propSubs[owner]; ok {
			_, live = subs[ch]
			delete(subs, ch)
			if len(subs) == 0 {
				delete(f.propSubs, owner)
			}
		}
		f.mu.Unlock()
		if live {
			close(ch)
		}
	}()
	return ch, nil
}

// Drop severs the connection: every subscriber channel closes, the way a
// lost bus connection looks to a watcher. The fake stays usable, so a
// reconnecting caller can subscribe again.
func (f *Fake) Drop() {
	f.mu.Lock()
	ownerChans := make([]chan bus.NameOwnerChange, 0, len(f.ownerSubs))
	for ch := range f.ownerSubs {
		ownerChans = append(ownerChans, ch)
	}
	f.ownerSubs = make(map[chan bus.NameOwnerChange]struct{})
	propChans := make([]chan bus.PropertyChange, 0)
	for _, subs := range f.propSubs {
		for ch := range subs {
			propChans = append(propChans, ch)
		}
	}
	f.propSubs = make(map[string]map[chan bus.PropertyChange]struct{})
	f.mu.Unlock()

	for _, ch := range ownerChans {
		close(ch)
	}
	for _, ch := range propChans {
		close(ch)
	}
}

func (f *Fake) Close() error {
	f.Drop()
	return nil
}
