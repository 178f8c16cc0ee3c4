// Package team composes the mesh router, the geofence engine, and the sync
// outbox into live team presence: periodic location broadcast, chat, and the
// zone-entry completion policy.
package team

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trailcrew/fieldsync/internal/geofence"
	"github.com/trailcrew/fieldsync/internal/models"
	"github.com/trailcrew/fieldsync/internal/router"
	"github.com/trailcrew/fieldsync/internal/store"
)

// EventQueue is the durable path completions take to the backend
type EventQueue interface {
	Enqueue(ctx context.Context, event models.DomainEvent) error
}

// Member is a teammate's last known presence, keyed by application-level
// sender id rather than transport identity: the same user may reconnect over
// a new radio address
type Member struct {
	UserID      uuid.UUID
	DisplayName string
	Lat         float64
	Lon         float64
	LastSeen    time.Time
}

// CompletionNotice is a teammate's completion as heard over the mesh. It is
// advisory feed material for the UI; the durable record travels through that
// device's own outbox
type CompletionNotice struct {
	EntityID uuid.UUID
	ZoneID   string
	Kind     models.EventKind
	ByID     uuid.UUID
	ByName   string
	At       time.Time
}

type Options struct {
	BroadcastEvery  time.Duration
	MemberStaleness time.Duration
}

func (o Options) withDefaults() Options {
	if o.BroadcastEvery <= 0 {
		o.BroadcastEvery = 30 * time.Second
	}
	if o.MemberStaleness <= 0 {
		o.MemberStaleness = 5 * time.Minute
	}
	return o
}

// Coordinator is a thin orchestrator over the three primitives. One instance
// serves one device; Start/Stop bracket one team session
type Coordinator struct {
	router  *router.Router
	engine  *geofence.Engine
	outbox  EventQueue
	store   *store.Store
	logger  *slog.Logger
	opts    Options
	localID uuid.UUID
	name    string

	mu         sync.Mutex
	teamID     uuid.UUID
	members    map[uuid.UUID]Member
	transcript []models.PeerMessage
	notices    []CompletionNotice
	running    bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func NewCoordinator(rt *router.Router, eng *geofence.Engine, ob EventQueue, st *store.Store, localID uuid.UUID, displayName string, logger *slog.Logger, opts Options) *Coordinator {
	return &Coordinator{
		router:  rt,
		engine:  eng,
		outbox:  ob,
		store:   st,
		logger:  logger,
		opts:    opts.withDefaults(),
		localID: localID,
		name:    displayName,
		members: make(map[uuid.UUID]Member),
	}
}

// Start begins periodic location broadcast for the team and starts consuming
// teammate presence, chat, and completion notices from the mesh
func (c *Coordinator) Start(teamID uuid.UUID) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("coordinator already started")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.running = true
	c.teamID = teamID
	c.cancel = cancel
	c.mu.Unlock()

	c.router.Register(models.MessageTeamLocation, c.handleTeamLocation)
	c.router.Register(models.MessageTeamChat, c.handleTeamChat)
	c.router.Register(models.MessageTaskCompletion, c.handleCompletionNotice)
	c.router.Register(models.MessageBarStopVisit, c.handleCompletionNotice)

	c.wg.Add(1)
	go c.broadcastLoop(ctx)

	c.logger.Info("Team session started", "team_id", teamID)
	return nil
}

// Stop cancels the periodic broadcast and clears all in-memory team state.
// When Stop returns, no further broadcast ticks run
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.wg.Wait()

	c.router.Unregister(models.MessageTeamLocation)
	c.router.Unregister(models.MessageTeamChat)
	c.router.Unregister(models.MessageTaskCompletion)
	c.router.Unregister(models.MessageBarStopVisit)

	c.mu.Lock()
	c.members = make(map[uuid.UUID]Member)
	c.transcript = nil
	c.notices = nil
	c.mu.Unlock()

	c.logger.Info("Team session stopped")
}

// SendChat appends the message to the local transcript first, then
// broadcasts. Zero connected peers is still a success: the sender keeps
// their own copy
func (c *Coordinator) SendChat(text string) error {
	msg := models.NewPeerMessage(c.localID, c.name, models.MessageTeamChat)
	msg.Content = text

	c.mu.Lock()
	msg.Data = map[string]any{"team_id": c.teamID.String()}
	c.transcript = append(c.transcript, msg)
	c.mu.Unlock()

	return c.router.Send(msg, nil)
}

// Members returns the visible roster with stale entries pruned
func (c *Coordinator) Members() []Member {
	now := time.Now()

	c.mu.Lock()
	c.pruneMembersLocked(now)
	out := make([]Member, 0, len(c.members))
	for _, m := range c.members {
		out = append(out, m)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DisplayName < out[j].DisplayName })
	return out
}

// Transcript returns a copy of the chat, re-sorted by creation time.
// Best-effort ordering: device clocks may skew
func (c *Coordinator) Transcript() []models.PeerMessage {
	c.mu.Lock()
	out := make([]models.PeerMessage, len(c.transcript))
	copy(out, c.transcript)
	c.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// RecentCompletions returns the completions heard from teammates this session
func (c *Coordinator) RecentCompletions() []CompletionNotice {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CompletionNotice, len(c.notices))
	copy(out, c.notices)
	return out
}

// HandleZoneEntered applies the entry policy for task and bar-stop zones:
// record the completion exactly once, and only on the first record enqueue
// the durable event, share a lightweight copy with the mesh, and stop
// monitoring the zone. The store's primary key makes the check-then-act a
// single step, so duplicate entries before removal completes cannot
// double-count
func (c *Coordinator) HandleZoneEntered(ctx context.Context, t geofence.Transition) error {
	zone := t.Zone
	if zone.Kind == models.ZoneCustom {
		return nil
	}

	kind := zone.EventKind()
	first, err := c.store.RecordCompletion(ctx, zone.DomainID, kind)
	if err != nil {
		return fmt.Errorf("completion check failed for zone %s: %w", zone.ID, err)
	}
	if !first {
		c.engine.RemoveZone(zone.ID)
		return nil
	}

	payload, _ := json.Marshal(map[string]any{
		"zone_id": zone.ID,
		"lat":     t.Location.Lat,
		"lon":     t.Location.Lon,
	})
	event := models.NewDomainEvent(kind, zone.DomainID, payload)

	if err := c.outbox.Enqueue(ctx, event); err != nil {
		// Release the completion record, otherwise the fact is stranded
		// behind the primary key with no event and a later entry would hit
		// the !first branch and never enqueue it
		if derr := c.store.DeleteCompletion(ctx, zone.DomainID, kind); derr != nil {
			c.logger.Error("Failed to release completion after enqueue failure", "zone_id", zone.ID, "error", derr)
		}
		return fmt.Errorf("failed to record %s for %s: %w", kind, zone.DomainID, err)
	}

	c.engine.RemoveZone(zone.ID)

	// Teammates learn the result immediately over the mesh, connectivity or
	// not. Advisory copy: the durable path is the outbox
	c.mu.Lock()
	teamID := c.teamID
	c.mu.Unlock()

	msg := models.NewPeerMessage(c.localID, c.name, models.MessageKind(kind))
	msg.Data = map[string]any{
		"team_id":   teamID.String(),
		"entity_id": zone.DomainID.String(),
		"zone_id":   zone.ID,
	}
	if err := c.router.Send(msg, nil); err != nil {
		c.logger.Debug("Mesh share of completion failed", "zone_id", zone.ID, "error", err)
	}

	c.logger.Info("Zone completion recorded", "zone_id", zone.ID, "kind", kind, "event_id", event.ID)
	return nil
}

func (c *Coordinator) broadcastLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.BroadcastEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			c.pruneMembersLocked(time.Now())
			c.mu.Unlock()
			c.broadcastLocation()
		}
	}
}

func (c *Coordinator) broadcastLocation() {
	loc, ok := c.engine.LastLocation()
	if !ok {
		return
	}

	c.mu.Lock()
	teamID := c.teamID
	c.mu.Unlock()

	msg := models.NewPeerMessage(c.localID, c.name, models.MessageTeamLocation)
	expires := msg.CreatedAt.Add(2 * c.opts.BroadcastEvery)
	msg.ExpiresAt = &expires
	msg.Data = map[string]any{
		"team_id": teamID.String(),
		"lat":     loc.Lat,
		"lon":     loc.Lon,
	}

	if err := c.router.Send(msg, nil); err != nil {
		c.logger.Debug("Location broadcast failed", "error", err)
	}
}

// fromThisTeam gates inbound team traffic: two teams often share one mesh,
// and only messages stamped with our team id belong in our roster, transcript,
// or completion feed
func (c *Coordinator) fromThisTeam(msg models.PeerMessage) bool {
	team, ok := msg.Data["team_id"].(string)
	if !ok {
		return false
	}

	c.mu.Lock()
	id := c.teamID
	c.mu.Unlock()
	return team == id.String()
}

func (c *Coordinator) handleTeamLocation(msg models.PeerMessage, from uuid.UUID) {
	if !c.fromThisTeam(msg) {
		c.logger.Debug("Dropped location from another team", "sender", msg.SenderID)
		return
	}

	lat, latOK := asFloat(msg.Data["lat"])
	lon, lonOK := asFloat(msg.Data["lon"])
	if !latOK || !lonOK {
		c.logger.Debug("Dropped team location without coordinates", "sender", msg.SenderID)
		return
	}

	c.mu.Lock()
	c.members[msg.SenderID] = Member{
		UserID:      msg.SenderID,
		DisplayName: msg.SenderName,
		Lat:         lat,
		Lon:         lon,
		LastSeen:    time.Now(),
	}
	c.mu.Unlock()
}

func (c *Coordinator) handleTeamChat(msg models.PeerMessage, from uuid.UUID) {
	if !c.fromThisTeam(msg) {
		c.logger.Debug("Dropped chat from another team", "sender", msg.SenderID)
		return
	}

	c.mu.Lock()
	c.transcript = append(c.transcript, msg)
	c.touchMemberLocked(msg.SenderID)
	c.mu.Unlock()
}

func (c *Coordinator) handleCompletionNotice(msg models.PeerMessage, from uuid.UUID) {
	if !c.fromThisTeam(msg) {
		return
	}

	entityStr, _ := msg.Data["entity_id"].(string)
	entityID, err := uuid.Parse(entityStr)
	if err != nil {
		c.logger.Debug("Dropped completion notice without entity id", "sender", msg.SenderID)
		return
	}
	zoneID, _ := msg.Data["zone_id"].(string)

	c.mu.Lock()
	c.notices = append(c.notices, CompletionNotice{
		EntityID: entityID,
		ZoneID:   zoneID,
		Kind:     models.EventKind(msg.Kind),
		ByID:     msg.SenderID,
		ByName:   msg.SenderName,
		At:       msg.CreatedAt,
	})
	c.touchMemberLocked(msg.SenderID)
	c.mu.Unlock()
}

// touchMemberLocked refreshes a known member's liveness. Caller holds c.mu
func (c *Coordinator) touchMemberLocked(id uuid.UUID) {
	if m, ok := c.members[id]; ok {
		m.LastSeen = time.Now()
		c.members[id] = m
	}
}

// pruneMembersLocked drops roster entries past the staleness window. Caller
// holds c.mu
func (c *Coordinator) pruneMembersLocked(now time.Time) {
	for id, m := range c.members {
		if now.Sub(m.LastSeen) > c.opts.MemberStaleness {
			delete(c.members, id)
		}
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
