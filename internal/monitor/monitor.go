// Package monitor maintains the live set of media players on the session
// bus. It discovers players by service name, runs a facade per player, and
// funnels every facade's updates through a single dispatch goroutine so
// subscribers observe events for each player in order.
package monitor

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"mprisbridge/internal/bus"
	"mprisbridge/internal/facade"
	"mprisbridge/internal/models"
)

// Prefix shared by every MPRIS player service name.
const namePrefix = "org.mpris.MediaPlayer2."

const (
	defaultProbeAttempts  = 3
	defaultProbeDelay     = 250 * time.Millisecond
	defaultReconnectDelay = time.Second
	maxReconnectDelay     = 30 * time.Second

	subscriberBuffer = 32
)

type playerEntry struct {
	facade facade.Facade
	cancel context.CancelFunc
	gone   chan struct{} // closed once the disappearance is in the funnel
}

type Monitor struct {
	connect func() (bus.Bus, error)

	probeAttempts  int
	probeDelay     time.Duration
	reconnectDelay time.Duration

	mu      sync.RWMutex
	players map[string]*playerEntry // key: canonical player ID
	byName  map[string]string       // bus name -> canonical player ID

	// view is the dispatch goroutine's projection of the player set. It
	// and subscribers share one mutex so Subscribe can take a snapshot
	// that is exactly consistent with the events already delivered.
	viewMu      sync.Mutex
	view        map[string]models.Player
	subscribers map[chan models.Event]struct{}

	events  chan models.Event
	running sync.WaitGroup // forwarder goroutines feeding events

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

type Option func(*Monitor)

// WithProbeRetry overrides the discovery probe retry policy.
func WithProbeRetry(attempts int, delay time.Duration) Option {
	return func(m *Monitor) {
		m.probeAttempts = attempts
		m.probeDelay = delay
	}
}

// WithReconnectDelay overrides the initial bus reconnect backoff.
func WithReconnectDelay(d time.Duration) Option {
	return func(m *Monitor) {
		m.reconnectDelay = d
	}
}

// New builds a monitor that obtains its bus connection from connect,
// re-invoking it with backoff whenever the connection is lost.
func New(connect func() (bus.Bus, error), opts ...Option) *Monitor {
	m := &Monitor{
		connect:        connect,
		probeAttempts:  defaultProbeAttempts,
		probeDelay:     defaultProbeDelay,
		reconnectDelay: defaultReconnectDelay,
		players:        make(map[string]*playerEntry),
		byName:         make(map[string]string),
		view:           make(map[string]models.Player),
		subscribers:    make(map[chan models.Event]struct{}),
		events:         make(chan models.Event, 64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		ctx, m.cancel = context.WithCancel(ctx)
		m.done = make(chan struct{})
		go m.run(ctx)
	})
}

func (m *Monitor) Stop() {
	if m.cancel != nil && m.done != nil {
		m.cancel()
		<-m.done
	}
}

// Players returns the current player set as seen by subscribers.
func (m *Monitor) Players() []models.Player {
	m.viewMu.Lock()
	defer m.viewMu.Unlock()
	result := make([]models.Player, 0, len(m.view))
	for _, p := range m.view {
		result = append(result, p)
	}
	return result
}

func (m *Monitor) Get(id string) (models.Player, error) {
	m.viewMu.Lock()
	defer m.viewMu.Unlock()
	p, ok := m.view[id]
	if !ok {
		return models.Player{}, fmt.Errorf("player %q: %w", id, models.ErrNotFound)
	}
	return p, nil
}

// Subscribe registers an event channel and returns it together with a
// snapshot of the player set at the moment of registration. Every event
// delivered on the channel postdates the snapshot; none is missing in
// between. The channel is closed when the subscriber falls behind or the
// monitor stops.
func (m *Monitor) Subscribe() ([]models.Player, chan models.Event) {
	ch := make(chan models.Event, subscriberBuffer)
	m.viewMu.Lock()
	snapshot := make([]models.Player, 0, len(m.view))
	for _, p := range m.view {
		snapshot = append(snapshot, p)
	}
	m.subscribers[ch] = struct{}{}
	m.viewMu.Unlock()
	return snapshot, ch
}

func (m *Monitor) Unsubscribe(ch chan models.Event) {
	m.viewMu.Lock()
	_, exists := m.subscribers[ch]
	delete(m.subscribers, ch)
	m.viewMu.Unlock()
	if exists {
		close(ch)
	}
}

// Apply routes a command to the named player's facade.
func (m *Monitor) Apply(ctx context.Context, cmd models.Command) error {
	m.mu.RLock()
	entry, ok := m.players[cmd.PlayerID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("player %q: %w", cmd.PlayerID, models.ErrNotFound)
	}
	return entry.facade.Apply(ctx, cmd)
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	dispatchDone := make(chan struct{})
	go m.dispatch(dispatchDone)
	defer func() {
		m.running.Wait()
		close(m.events)
		<-dispatchDone
	}()

	delay := m.reconnectDelay
	for {
		b, err := m.connect()
		if err != nil {
			log.Printf("monitor: connecting to bus: %v (retrying in %v)", err, delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			if delay *= 2; delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
			continue
		}
		delay = m.reconnectDelay

		err = m.watch(ctx, b)
		b.Close()
		m.removeAll()
		// Every disappearance must reach the funnel before the next
		// connection can report the same players appearing again.
		m.running.Wait()
		if ctx.Err() != nil {
			return
		}
		log.Printf("monitor: bus connection lost: %v (reconnecting)", err)
	}
}

// dispatch is the single consumer of the event funnel. It updates the
// shared view and fans each event out to subscribers, dropping any
// subscriber whose buffer is full.
func (m *Monitor) dispatch(done chan struct{}) {
	defer close(done)
	for ev := range m.events {
		m.viewMu.Lock()
		switch ev.Type {
		case models.EventPlayerDisappeared:
			delete(m.view, ev.PlayerID)
		default:
			if ev.Player != nil {
				m.view[ev.PlayerID] = *ev.Player
			}
		}
		for ch := range m.subscribers {
			select {
			case ch <- ev:
			default:
				// Slow consumer. Closing tells the reader it lost
				// the stream and must resynchronize.
				delete(m.subscribers, ch)
				close(ch)
			}
		}
		m.viewMu.Unlock()
	}

	m.viewMu.Lock()
	for ch := range m.subscribers {
		delete(m.subscribers, ch)
		close(ch)
	}
	m.viewMu.Unlock()
}

// watch runs discovery against one bus connection until the connection or
// ctx dies.
func (m *Monitor) watch(ctx context.Context, b bus.Bus) error {
	owners, err := b.OwnerChanges(ctx)
	if err != nil {
		return fmt.Errorf("watching name owners: %w", err)
	}

	names, err := b.ListNames()
	if err != nil {
		return fmt.Errorf("listing bus names: %w", err)
	}
	for _, name := range names {
		if !strings.HasPrefix(name, namePrefix) {
			continue
		}
		owner, err := b.NameOwner(name)
		if err != nil {
			log.Printf("monitor: resolving owner of %s: %v", name, err)
			continue
		}
		m.addPlayer(ctx, b, name, owner)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case change, ok := <-owners:
			if !ok {
				return fmt.Errorf("owner change stream closed")
			}
			if !strings.HasPrefix(change.Name, namePrefix) {
				continue
			}
			// A replaced owner is a disappearance plus an appearance.
			if change.OldOwner != "" {
				m.removePlayer(change.Name)
			}
			if change.NewOwner != "" {
				m.addPlayer(ctx, b, change.Name, change.NewOwner)
			}
		}
	}
}

func (m *Monitor) addPlayer(ctx context.Context, b bus.Bus, name, owner string) {
	m.mu.RLock()
	_, exists := m.byName[name]
	m.mu.RUnlock()
	if exists {
		return
	}

	f := facade.New(b, name, owner)
	if err := m.probe(ctx, f); err != nil {
		log.Printf("monitor: probing %s: %v (listing as degraded)", name, err)
		f.MarkDegraded()
	}

	m.mu.Lock()
	f.Rename(m.dedupeLocked(f.ID()))
	id := f.ID()
	playerCtx, cancel := context.WithCancel(ctx)
	entry := &playerEntry{facade: f, cancel: cancel, gone: make(chan struct{})}
	m.players[id] = entry
	m.byName[name] = id
	m.mu.Unlock()

	snap := f.Snapshot()
	m.events <- models.Event{Type: models.EventPlayerAppeared, PlayerID: id, Player: &snap}

	f.Start(playerCtx)
	m.running.Add(1)
	go m.forward(id, f, entry.gone)
	log.Printf("monitor: player %s appeared (%s)", id, name)
}

func (m *Monitor) probe(ctx context.Context, f facade.Facade) error {
	var err error
	for attempt := 1; attempt <= m.probeAttempts; attempt++ {
		if err = f.Probe(); err == nil {
			return nil
		}
		if attempt < m.probeAttempts {
			select {
			case <-ctx.Done():
				return err
			case <-time.After(m.probeDelay * time.Duration(attempt)):
			}
		}
	}
	return err
}

// dedupeLocked resolves identity collisions by suffixing a counter, so two
// browser windows surface as "Firefox" and "Firefox (2)".
func (m *Monitor) dedupeLocked(id string) string {
	if _, taken := m.players[id]; !taken {
		return id
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s (%d)", id, n)
		if _, taken := m.players[candidate]; !taken {
			return candidate
		}
	}
}

// forward copies one facade's update stream into the funnel, then reports
// the disappearance. Running it as the sole producer for the player keeps
// appeared / state-changed / disappeared in order.
func (m *Monitor) forward(id string, f facade.Facade, gone chan struct{}) {
	defer m.running.Done()
	for ev := range f.Updates() {
		m.events <- ev
	}
	m.events <- models.Event{Type: models.EventPlayerDisappeared, PlayerID: id}
	close(gone)
	log.Printf("monitor: player %s disappeared", id)
}

func (m *Monitor) removePlayer(name string) {
	m.mu.Lock()
	id, ok := m.byName[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	entry := m.players[id]
	delete(m.byName, name)
	delete(m.players, id)
	m.mu.Unlock()

	// Wait for the forwarder to put the disappearance in the funnel, so
	// a successor under the same name (or identity) cannot overtake it.
	entry.cancel()
	<-entry.gone
}

func (m *Monitor) removeAll() {
	m.mu.Lock()
	entries := make([]*playerEntry, 0, len(m.players))
	for _, e := range m.players {
		entries = append(entries, e)
	}
	m.players = make(map[string]*playerEntry)
	m.byName = make(map[string]string)
	m.mu.Unlock()

	for _, e := range entries {
		e.cancel()
	}
}
