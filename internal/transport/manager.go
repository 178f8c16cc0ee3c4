package transport

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/trailcrew/fieldsync/internal/models"
	"github.com/trailcrew/fieldsync/pkg/metrics"
)

const inboundBuffer = 256

// Manager owns the PeerDevice table and the connection set. Radio events
// update peer liveness; peers unseen for the staleness window are pruned,
// because short-range radios do not deliver reliable disconnect
// notifications.
type Manager struct {
	radio     Radio
	identity  Identity
	staleness time.Duration
	logger    *slog.Logger

	mu    sync.Mutex
	peers map[uuid.UUID]models.PeerDevice
	conns map[uuid.UUID]Conn

	inbound chan Inbound

	discovering atomic.Bool
	advertising atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(radio Radio, identity Identity, staleness time.Duration, logger *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		radio:     radio,
		identity:  identity,
		staleness: staleness,
		logger:    logger,
		peers:     make(map[uuid.UUID]models.PeerDevice),
		conns:     make(map[uuid.UUID]Conn),
		inbound:   make(chan Inbound, inboundBuffer),
		ctx:       ctx,
		cancel:    cancel,
	}

	m.wg.Add(2)
	go m.eventLoop()
	go m.pruneLoop()
	return m
}

// Inbound is the stream of received frames consumed by the message router
func (m *Manager) Inbound() <-chan Inbound {
	return m.inbound
}

func (m *Manager) LocalID() uuid.UUID {
	return m.identity.ID
}

// StartDiscovery toggles scanning on. Idempotent
func (m *Manager) StartDiscovery() error {
	if !m.discovering.CompareAndSwap(false, true) {
		return nil
	}
	return m.radio.StartDiscovery()
}

func (m *Manager) StopDiscovery() error {
	if !m.discovering.CompareAndSwap(true, false) {
		return nil
	}
	return m.radio.StopDiscovery()
}

// StartAdvertising announces this device's presence. Idempotent
func (m *Manager) StartAdvertising() error {
	if !m.advertising.CompareAndSwap(false, true) {
		return nil
	}
	return m.radio.StartAdvertising(m.identity)
}

func (m *Manager) StopAdvertising() error {
	if !m.advertising.CompareAndSwap(true, false) {
		return nil
	}
	return m.radio.StopAdvertising()
}

// Connect establishes a byte channel to a discovered peer and starts pumping
// its received frames into the inbound stream
func (m *Manager) Connect(ctx context.Context, peerID uuid.UUID) (Conn, error) {
	conn, err := m.radio.Connect(ctx, peerID)
	if err != nil {
		return nil, err
	}
	m.adopt(conn)
	return conn, nil
}

// Disconnect closes the channel to the peer if one exists
func (m *Manager) Disconnect(peerID uuid.UUID) {
	m.mu.Lock()
	conn, ok := m.conns[peerID]
	if ok {
		delete(m.conns, peerID)
		if p, found := m.peers[peerID]; found {
			p.IsConnected = false
			m.peers[peerID] = p
		}
	}
	m.mu.Unlock()

	if ok {
		conn.Close()
		metrics.ConnectedPeers.Set(float64(m.connectedCount()))
	}
}

// SendTo delivers a frame to one connected peer
func (m *Manager) SendTo(peerID uuid.UUID, frame []byte) error {
	m.mu.Lock()
	conn, ok := m.conns[peerID]
	m.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	return conn.Send(frame)
}

// Broadcast sends the frame to every connected peer. Per-peer failures are
// logged and dropped: mesh traffic is advisory, durable facts travel through
// the outbox. Broadcasting to zero peers succeeds.
func (m *Manager) Broadcast(frame []byte) {
	m.mu.Lock()
	conns := make([]Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		if err := c.Send(frame); err != nil {
			m.logger.Debug("Dropped frame to peer", "peer_id", c.PeerID(), "error", err)
		}
	}
}

// NearbyDevices returns a snapshot of known peers, strongest signal first
func (m *Manager) NearbyDevices() []models.PeerDevice {
	m.mu.Lock()
	devices := make([]models.PeerDevice, 0, len(m.peers))
	for _, p := range m.peers {
		devices = append(devices, p)
	}
	m.mu.Unlock()

	sort.Slice(devices, func(i, j int) bool {
		return devices[i].SignalStrength > devices[j].SignalStrength
	})
	return devices
}

// IsConnected reports whether a live channel to the peer exists
func (m *Manager) IsConnected(peerID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.conns[peerID]
	return ok
}

// Close tears down discovery, advertising, and all connections
func (m *Manager) Close() {
	m.StopDiscovery()
	m.StopAdvertising()
	m.cancel()

	m.mu.Lock()
	conns := make([]Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[uuid.UUID]Conn)
	m.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	m.wg.Wait()
}

// adopt registers a connection and spawns its receive pump. The pump never
// blocks the driver: frames land in the buffered inbound channel, and a full
// channel drops the frame rather than stall radio I/O
func (m *Manager) adopt(conn Conn) {
	peerID := conn.PeerID()

	m.mu.Lock()
	if old, ok := m.conns[peerID]; ok && old != conn {
		old.Close()
	}
	m.conns[peerID] = conn
	p, ok := m.peers[peerID]
	if !ok {
		p = models.PeerDevice{ID: peerID, LastSeen: time.Now()}
	}
	p.IsConnected = true
	m.peers[peerID] = p
	m.mu.Unlock()

	metrics.ConnectedPeers.Set(float64(m.connectedCount()))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-m.ctx.Done():
				return
			case frame, ok := <-conn.Recv():
				if !ok {
					m.dropConn(peerID, conn)
					return
				}
				m.touch(peerID)
				select {
				case m.inbound <- Inbound{From: peerID, Frame: frame}:
				default:
					m.logger.Warn("Inbound channel full, dropping frame", "peer_id", peerID)
				}
			}
		}
	}()
}

func (m *Manager) dropConn(peerID uuid.UUID, conn Conn) {
	m.mu.Lock()
	if current, ok := m.conns[peerID]; ok && current == conn {
		delete(m.conns, peerID)
		if p, found := m.peers[peerID]; found {
			p.IsConnected = false
			m.peers[peerID] = p
		}
	}
	m.mu.Unlock()
	metrics.ConnectedPeers.Set(float64(m.connectedCount()))
}

func (m *Manager) touch(peerID uuid.UUID) {
	m.mu.Lock()
	if p, ok := m.peers[peerID]; ok {
		p.LastSeen = time.Now()
		m.peers[peerID] = p
	}
	m.mu.Unlock()
}

func (m *Manager) connectedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// eventLoop folds driver notifications into the peer table and adopts
// connections initiated by remote peers
func (m *Manager) eventLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev, ok := <-m.radio.Events():
			if !ok {
				return
			}
			m.applyEvent(ev)
		case conn, ok := <-m.radio.Incoming():
			if !ok {
				return
			}
			m.adopt(conn)
		}
	}
}

func (m *Manager) applyEvent(ev RadioEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.Kind {
	case PeerFound, SignalUpdate:
		p, ok := m.peers[ev.PeerID]
		if !ok {
			p = models.PeerDevice{ID: ev.PeerID}
			m.logger.Debug("Peer discovered", "peer_id", ev.PeerID, "name", ev.DisplayName)
		}
		if ev.DisplayName != "" {
			p.DisplayName = ev.DisplayName
		}
		p.SignalStrength = ev.RSSI
		p.LastSeen = time.Now()
		m.peers[ev.PeerID] = p
	case PeerLost:
		delete(m.peers, ev.PeerID)
	}
}

// pruneLoop enforces the liveness invariant: a peer unseen for the staleness
// window is removed, connection included
func (m *Manager) pruneLoop() {
	defer m.wg.Done()

	interval := m.staleness / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.pruneStale(time.Now())
		}
	}
}

func (m *Manager) pruneStale(now time.Time) {
	var stale []Conn

	m.mu.Lock()
	for id, p := range m.peers {
		if now.Sub(p.LastSeen) > m.staleness {
			delete(m.peers, id)
			if c, ok := m.conns[id]; ok {
				delete(m.conns, id)
				stale = append(stale, c)
			}
			m.logger.Debug("Pruned stale peer", "peer_id", id)
		}
	}
	m.mu.Unlock()

	for _, c := range stale {
		c.Close()
	}
	if len(stale) > 0 {
		metrics.ConnectedPeers.Set(float64(m.connectedCount()))
	}
}
