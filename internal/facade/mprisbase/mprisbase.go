// Package mprisbase implements the generic MPRIS player facade. Variant
// packages customize it through Quirks for players that misreport state.
package mprisbase

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"mprisbridge/internal/bus"
	"mprisbridge/internal/models"
)

const (
	ObjectPath      = "/org/mpris/MediaPlayer2"
	RootInterface   = "org.mpris.MediaPlayer2"
	PlayerInterface = "org.mpris.MediaPlayer2.Player"
)

const updateBuffer = 16

// Quirks are the variant hooks for known-deficient players.
type Quirks interface {
	// NormalizeProperties rewrites an incoming property set in place
	// before it is applied to the canonical state.
	NormalizeProperties(props map[string]any)
	// ReprobeDelay returns how long after a property-change burst the full
	// property set should be re-read, or zero to disable re-probing.
	ReprobeDelay() time.Duration
	// AssumeControllable reports whether missing capability properties
	// should be treated as supported rather than unsupported.
	AssumeControllable() bool
}

// Player is the generic facade implementation. It is the sole writer of its
// canonical player state and serializes commands one in flight at a time.
type Player struct {
	bus     bus.Bus
	busName string
	owner   string
	quirks  Quirks

	mu    sync.Mutex
	state models.Player
	// trackID keeps the bus-native track id value (an object path) so it
	// can be handed back verbatim to SetPosition.
	trackID any

	cmdSem  chan struct{}
	updates chan models.Event
}

func New(b bus.Bus, busName, owner string, q Quirks) *Player {
	id := busName
	if i := strings.LastIndex(busName, "."); i >= 0 {
		id = busName[i+1:]
	}
	p := &Player{
		bus:     b,
		busName: busName,
		owner:   owner,
		quirks:  q,
		cmdSem:  make(chan struct{}, 1),
		updates: make(chan models.Event, updateBuffer),
	}
	p.state = models.Player{ID: id, State: models.StateUnknown, Rate: 1.0}
	return p
}

func (p *Player) BusName() string { return p.busName }

func (p *Player) ID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.ID
}

func (p *Player) Rename(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.ID = id
}

// Probe fetches the player's identity and full playback state. It may be
// retried; each successful run replaces the canonical state wholesale.
func (p *Player) Probe() error {
	rootProps, err := p.bus.GetAll(p.owner, ObjectPath, RootInterface)
	if err != nil {
		return fmt.Errorf("probing %s: %w", p.busName, err)
	}
	playerProps, err := p.bus.GetAll(p.owner, ObjectPath, PlayerInterface)
	if err != nil {
		return fmt.Errorf("probing %s: %w", p.busName, err)
	}
	p.quirks.NormalizeProperties(playerProps)

	p.mu.Lock()
	defer p.mu.Unlock()
	if identity := asString(rootProps["Identity"]); identity != "" {
		p.state.ID = identity
	} else if entry := asString(rootProps["DesktopEntry"]); entry != "" {
		p.state.ID = entry
	}
	p.applyLocked(playerProps, nil, true)
	p.state.Degraded = false
	return nil
}

func (p *Player) MarkDegraded() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.Degraded = true
	p.state.State = models.StateUnknown
}

func (p *Player) Snapshot() models.Player {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Player) snapshotLocked() models.Player {
	snap := p.state
	snap.Capabilities = append([]models.Capability(nil), p.state.Capabilities...)
	return snap
}

func (p *Player) Updates() <-chan models.Event {
	return p.updates
}

// Start subscribes to the player's property notifications before
// returning, so no change slips between probe and watch.
func (p *Player) Start(ctx context.Context) {
	changes, err := p.bus.PropertyChanges(ctx, p.owner)
	if err != nil {
		log.Printf("facade %s: watching properties: %v", p.busName, err)
		close(p.updates)
		return
	}
	go p.run(ctx, changes)
}

func (p *Player) run(ctx context.Context, changes <-chan bus.PropertyChange) {
	defer close(p.updates)

	// Re-probe timer for players that under-report their own changes.
	var reprobe *time.Timer
	var reprobeC <-chan time.Time
	if d := p.quirks.ReprobeDelay(); d > 0 {
		reprobe = time.NewTimer(d)
		if !reprobe.Stop() {
			<-reprobe.C
		}
		reprobeC = reprobe.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			if ev := p.handleChange(change); ev != nil {
				select {
				case p.updates <- *ev:
				case <-ctx.Done():
					return
				}
			}
			if reprobe != nil {
				if !reprobe.Stop() {
					select {
					case <-reprobe.C:
					default:
					}
				}
				reprobe.Reset(p.quirks.ReprobeDelay())
			}
		case <-reprobeC:
			if ev := p.reprobeNow(); ev != nil {
				select {
				case p.updates <- *ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// handleChange folds one PropertiesChanged notification into the canonical
// state and returns a state-changed event when anything observable moved.
func (p *Player) handleChange(change bus.PropertyChange) *models.Event {
	if change.Interface != PlayerInterface {
		return nil
	}

	props := make(map[string]any, len(change.Changed))
	for k, v := range change.Changed {
		props[k] = v
	}
	p.quirks.NormalizeProperties(props)

	p.mu.Lock()
	defer p.mu.Unlock()
	before := p.snapshotLocked()
	p.applyLocked(props, change.Invalidated, false)
	return p.eventIfChangedLocked(before)
}

func (p *Player) reprobeNow() *models.Event {
	playerProps, err := p.bus.GetAll(p.owner, ObjectPath, PlayerInterface)
	if err != nil {
		// Player is likely gone; the monitor handles removal.
		return nil
	}
	p.quirks.NormalizeProperties(playerProps)

	p.mu.Lock()
	defer p.mu.Unlock()
	before := p.snapshotLocked()
	p.applyLocked(playerProps, nil, false)
	return p.eventIfChangedLocked(before)
}

func (p *Player) eventIfChangedLocked(before models.Player) *models.Event {
	after := p.snapshotLocked()
	if playersEqual(before, after) {
		return nil
	}
	return &models.Event{Type: models.EventStateChanged, PlayerID: after.ID, Player: &after}
}

var capabilityProps = []string{"CanControl", "CanPlay", "CanPause", "CanSeek", "CanGoNext", "CanGoPrevious"}

// applyLocked folds a property set into the canonical state. full marks an
// initial probe, where missing capability properties get defaults instead
// of being left as-is.
func (p *Player) applyLocked(props map[string]any, invalidated []string, full bool) {
	// An invalidated PlaybackStatus means the player stopped; invalidated
	// metadata means no current track.
	for _, name := range invalidated {
		switch name {
		case "PlaybackStatus":
			props["PlaybackStatus"] = "Stopped"
		case "Metadata":
			props["Metadata"] = map[string]any{}
		default:
			for _, cap := range capabilityProps {
				if name == cap {
					props[name] = false
				}
			}
		}
	}

	if v, ok := props["PlaybackStatus"]; ok {
		p.state.State = parsePlaybackState(asString(v))
	} else if full {
		p.state.State = models.StateStopped
	}

	if v, ok := props["Metadata"]; ok {
		meta, trackID := parseMetadata(v)
		p.state.Metadata = meta
		p.trackID = trackID
	}

	if v, ok := props["Rate"]; ok {
		p.state.Rate = asFloat(v, p.state.Rate)
	}
	if v, ok := props["Position"]; ok {
		p.state.PositionMs = asInt64(v, 0) / 1000
	}

	caps := p.capsFromProps(props, full)
	if caps != nil {
		p.state.Capabilities = caps
	}
}

// capsFromProps recomputes the capability set when any capability property
// is present (or on a full probe). Returns nil when nothing changed it.
func (p *Player) capsFromProps(props map[string]any, full bool) []models.Capability {
	present := full
	for _, name := range capabilityProps {
		if _, ok := props[name]; ok {
			present = true
			break
		}
	}
	if !present {
		return nil
	}

	// Carry forward previous values for properties absent from a delta.
	prev := func(c models.Capability) bool { return p.state.Can(c) }
	def := p.quirks.AssumeControllable()
	get := func(name string, fallback bool) bool {
		if v, ok := props[name]; ok {
			return asBool(v, fallback)
		}
		if full {
			return def
		}
		return fallback
	}

	// Stop being in the previous set implies the player was controllable.
	control := get("CanControl", prev(models.CapStop))
	caps := make([]models.Capability, 0, 7)
	if !control {
		return caps
	}
	if get("CanPlay", prev(models.CapPlay)) {
		caps = append(caps, models.CapPlay)
	}
	if get("CanPause", prev(models.CapPause)) {
		caps = append(caps, models.CapPause)
	}
	// MPRIS has no CanStop; being controllable at all implies Stop.
	caps = append(caps, models.CapStop, models.CapSetRate)
	if get("CanGoNext", prev(models.CapNext)) {
		caps = append(caps, models.CapNext)
	}
	if get("CanGoPrevious", prev(models.CapPrevious)) {
		caps = append(caps, models.CapPrevious)
	}
	if get("CanSeek", prev(models.CapSeek)) {
		caps = append(caps, models.CapSeek)
	}
	return caps
}

// Apply executes one command against the live player. Commands are
// serialized; a waiter whose context expires first gets ErrBusy.
func (p *Player) Apply(ctx context.Context, cmd models.Command) error {
	select {
	case p.cmdSem <- struct{}{}:
		defer func() { <-p.cmdSem }()
	case <-ctx.Done():
		return fmt.Errorf("waiting for player %s: %w", p.ID(), models.ErrBusy)
	}

	snap := p.Snapshot()
	if required := cmd.Name.RequiredCapability(); !snap.Can(required) {
		return fmt.Errorf("%s on %s: %w", cmd.Name, snap.ID, models.ErrUnsupported)
	}

	switch cmd.Name {
	case models.CmdPlay:
		return p.call("Play")
	case models.CmdPause:
		return p.call("Pause")
	case models.CmdStop:
		return p.call("Stop")
	case models.CmdNext:
		return p.call("Next")
	case models.CmdPrevious:
		return p.call("Previous")
	case models.CmdSeek:
		return p.seek(cmd.PositionMs)
	case models.CmdSetRate:
		return p.setRate(cmd.Rate)
	default:
		return fmt.Errorf("command %q: %w", cmd.Name, models.ErrBadRequest)
	}
}

func (p *Player) call(member string) error {
	return p.bus.Call(p.owner, ObjectPath, PlayerInterface+"."+member)
}

// seek moves to an absolute position. SetPosition needs the current track
// id; without one, fall back to a relative Seek from the player's current
// position.
func (p *Player) seek(positionMs int64) error {
	p.mu.Lock()
	trackID := p.trackID
	currentMs := p.state.PositionMs
	p.mu.Unlock()

	positionUs := positionMs * 1000
	var err error
	if trackID != nil {
		err = p.bus.Call(p.owner, ObjectPath, PlayerInterface+".SetPosition", trackID, positionUs)
	} else {
		// Players rarely emit Position changes, so the cached value can
		// be far behind. Re-read it before computing the relative jump.
		if props, perr := p.bus.GetAll(p.owner, ObjectPath, PlayerInterface); perr == nil {
			currentMs = asInt64(props["Position"], currentMs*1000) / 1000
		}
		err = p.bus.Call(p.owner, ObjectPath, PlayerInterface+".Seek", (positionMs-currentMs)*1000)
	}
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.state.PositionMs = positionMs
	p.mu.Unlock()
	return nil
}

func (p *Player) setRate(rate float64) error {
	if rate == 0 {
		return fmt.Errorf("rate must be non-zero: %w", models.ErrBadRequest)
	}
	if err := p.bus.SetProperty(p.owner, ObjectPath, PlayerInterface, "Rate", rate); err != nil {
		return err
	}
	p.mu.Lock()
	p.state.Rate = rate
	p.mu.Unlock()
	return nil
}

func parsePlaybackState(s string) models.PlaybackState {
	switch strings.ToLower(s) {
	case "playing":
		return models.StatePlaying
	case "paused":
		return models.StatePaused
	case "stopped":
		return models.StateStopped
	}
	return models.StateUnknown
}

func parseMetadata(v any) (models.Metadata, any) {
	var meta models.Metadata
	raw, ok := v.(map[string]any)
	if !ok {
		return meta, nil
	}
	meta.Title = asString(raw["xesam:title"])
	meta.Album = asString(raw["xesam:album"])
	meta.Artist = firstString(raw["xesam:artist"])
	meta.LengthMs = asInt64(raw["mpris:length"], 0) / 1000
	return meta, raw["mpris:trackid"]
}

func playersEqual(a, b models.Player) bool {
	if a.ID != b.ID || a.State != b.State || a.Metadata != b.Metadata ||
		a.PositionMs != b.PositionMs || a.Rate != b.Rate || a.Degraded != b.Degraded {
		return false
	}
	if len(a.Capabilities) != len(b.Capabilities) {
		return false
	}
	for i := range a.Capabilities {
		if a.Capabilities[i] != b.Capabilities[i] {
			return false
		}
	}
	return true
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// firstString handles MPRIS fields that may be a string or a string list.
func firstString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []string:
		if len(val) > 0 {
			return val[0]
		}
	case []any:
		if len(val) > 0 {
			return asString(val[0])
		}
	}
	return ""
}

func asBool(v any, fallback bool) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return fallback
}

func asFloat(v any, fallback float64) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case float32:
		return float64(val)
	case int64:
		return float64(val)
	}
	return fallback
}

func asInt64(v any, fallback int64) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int32:
		return int64(val)
	case uint64:
		return int64(val)
	case uint32:
		return int64(val)
	case int:
		return int64(val)
	case float64:
		return int64(val)
	}
	return fallback
}
