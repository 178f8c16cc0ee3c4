// Package geofence maintains inside/outside state for a set of monitored
// circular zones against a live location stream, emitting enter/exit
// transitions and coarse proximity hints.
package geofence

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trailcrew/fieldsync/internal/models"
	"github.com/trailcrew/fieldsync/pkg/metrics"
)

// TransitionKind discriminates zone boundary crossings
type TransitionKind int

const (
	Entered TransitionKind = iota
	Exited
)

func (k TransitionKind) String() string {
	if k == Entered {
		return "enter"
	}
	return "exit"
}

// Transition is one boundary crossing for one zone
type Transition struct {
	Kind     TransitionKind
	Zone     models.GeofenceZone
	Location models.Location
	At       time.Time
}

// Hint is a coarse warmer/colder indicator for the UI. It plays no part in
// transition correctness
type Hint string

const (
	VeryClose Hint = "very_close"
	Close     Hint = "close"
	Moderate  Hint = "moderate"
	Far       Hint = "far"
)

// ZoneDistance pairs a zone with its distance from the last fix
type ZoneDistance struct {
	Zone   models.GeofenceZone
	Meters float64
}

type zoneState struct {
	inside    bool
	hasSample bool
	enteredAt time.Time
}

// Engine owns the zone set and the per-zone state table. Evaluation runs
// synchronously on the caller's location-update goroutine; per-zone state is
// updated atomically relative to the next update, so back-to-back fixes never
// lose a transition.
type Engine struct {
	logger *slog.Logger

	mu      sync.Mutex
	zones   map[string]models.GeofenceZone
	states  map[string]*zoneState
	lastFix *models.Location
	handler func(Transition)
}

func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{
		logger: logger,
		zones:  make(map[string]models.GeofenceZone),
		states: make(map[string]*zoneState),
	}
}

// OnTransition installs the transition consumer. Called before zones are
// added; transitions fire synchronously from OnLocationUpdate and AddZone
func (e *Engine) OnTransition(h func(Transition)) {
	e.mu.Lock()
	e.handler = h
	e.mu.Unlock()
}

// AddZone registers a zone and, if a fix is already known, evaluates it
// immediately, so a device already standing inside the zone gets its enter
// transition without waiting for the next fix
func (e *Engine) AddZone(zone models.GeofenceZone) error {
	if err := zone.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	e.zones[zone.ID] = zone
	e.states[zone.ID] = &zoneState{}

	var fired []Transition
	if e.lastFix != nil {
		fired = e.evaluateLocked(zone.ID, *e.lastFix)
	}
	handler := e.handler
	e.mu.Unlock()

	e.deliver(handler, fired)
	return nil
}

// RemoveZone stops monitoring the zone. Its state is discarded
func (e *Engine) RemoveZone(zoneID string) {
	e.mu.Lock()
	delete(e.zones, zoneID)
	delete(e.states, zoneID)
	e.mu.Unlock()
}

// RemoveZonesForParent drops every zone belonging to a hunt or crawl being
// torn down
func (e *Engine) RemoveZonesForParent(parentID uuid.UUID) {
	e.mu.Lock()
	for id, z := range e.zones {
		if z.ParentID != nil && *z.ParentID == parentID {
			delete(e.zones, id)
			delete(e.states, id)
		}
	}
	e.mu.Unlock()
}

// OnLocationUpdate evaluates every registered zone against the fix. Zones
// with unusable coordinates are skipped for this cycle, not removed
func (e *Engine) OnLocationUpdate(loc models.Location) {
	e.mu.Lock()
	e.lastFix = &loc

	var fired []Transition
	for id := range e.zones {
		fired = append(fired, e.evaluateLocked(id, loc)...)
	}
	handler := e.handler
	e.mu.Unlock()

	// Oldest-registered order is not guaranteed; per-zone ordering is, which
	// is the invariant consumers rely on
	e.deliver(handler, fired)
}

// evaluateLocked computes one zone's transition for one fix. Caller holds e.mu
func (e *Engine) evaluateLocked(zoneID string, loc models.Location) []Transition {
	zone, ok := e.zones[zoneID]
	if !ok {
		return nil
	}
	state := e.states[zoneID]

	if err := zone.Validate(); err != nil {
		e.logger.Warn("Skipping zone with unusable definition", "zone_id", zoneID, "error", err)
		return nil
	}

	distance := haversineMeters(loc.Lat, loc.Lon, zone.CenterLat, zone.CenterLon)
	inside := distance <= zone.RadiusMeters

	wasInside := state.inside
	hadSample := state.hasSample
	state.hasSample = true
	state.inside = inside

	switch {
	case inside && (!hadSample || !wasInside):
		state.enteredAt = loc.Timestamp
		metrics.ZoneTransitions.WithLabelValues("enter").Inc()
		return []Transition{{Kind: Entered, Zone: zone, Location: loc, At: loc.Timestamp}}
	case !inside && hadSample && wasInside:
		metrics.ZoneTransitions.WithLabelValues("exit").Inc()
		return []Transition{{Kind: Exited, Zone: zone, Location: loc, At: loc.Timestamp}}
	}
	return nil
}

func (e *Engine) deliver(handler func(Transition), fired []Transition) {
	if handler == nil {
		return
	}
	for _, t := range fired {
		handler(t)
	}
}

// ProximityHint buckets the current distance to the zone by fixed multiples
// of its radius. Reports false when the zone is unknown or no fix exists yet
func (e *Engine) ProximityHint(zoneID string) (Hint, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	zone, ok := e.zones[zoneID]
	if !ok || e.lastFix == nil {
		return Far, false
	}

	distance := haversineMeters(e.lastFix.Lat, e.lastFix.Lon, zone.CenterLat, zone.CenterLon)
	switch {
	case distance <= zone.RadiusMeters:
		return VeryClose, true
	case distance <= 3*zone.RadiusMeters:
		return Close, true
	case distance <= 10*zone.RadiusMeters:
		return Moderate, true
	default:
		return Far, true
	}
}

// NearbyZones returns zones within maxMeters of the last fix, closest first.
// Linear scan: zone counts are tens, not thousands
func (e *Engine) NearbyZones(maxMeters float64) []ZoneDistance {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.lastFix == nil {
		return nil
	}

	var out []ZoneDistance
	for _, z := range e.zones {
		d := haversineMeters(e.lastFix.Lat, e.lastFix.Lon, z.CenterLat, z.CenterLon)
		if d <= maxMeters {
			out = append(out, ZoneDistance{Zone: z, Meters: d})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Meters < out[j].Meters })
	return out
}

// ActiveZoneIDs lists zones the device is currently inside
func (e *Engine) ActiveZoneIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var ids []string
	for id, s := range e.states {
		if s.inside {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// LastLocation returns the most recent fix, if any
func (e *Engine) LastLocation() (models.Location, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastFix == nil {
		return models.Location{}, false
	}
	return *e.lastFix, true
}

const earthRadiusMeters = 6371000.0

// haversineMeters computes the great-circle distance between two points.
// Haversine stays numerically stable for the short distances geofencing
// cares about, including near the poles and the antimeridian
func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	phi1 := lat1 * rad
	phi2 := lat2 * rad
	dPhi := (lat2 - lat1) * rad
	dLambda := (lon2 - lon1) * rad

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}
