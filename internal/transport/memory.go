package transport

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

const (
	memFrameBuffer = 64
	memEventBuffer = 64
	defaultRSSI    = -50
)

// Hub is an in-process radio fabric for tests and the demo daemon. Every
// registered MemoryRadio can discover and connect to every other advertising
// endpoint; frames travel over channels
type Hub struct {
	mu     sync.Mutex
	radios map[uuid.UUID]*MemoryRadio
}

func NewHub() *Hub {
	return &Hub{radios: make(map[uuid.UUID]*MemoryRadio)}
}

// NewRadio registers an endpoint on the hub
func (h *Hub) NewRadio(identity Identity) *MemoryRadio {
	r := &MemoryRadio{
		hub:      h,
		identity: identity,
		events:   make(chan RadioEvent, memEventBuffer),
		incoming: make(chan Conn, memEventBuffer),
	}
	h.mu.Lock()
	h.radios[identity.ID] = r
	h.mu.Unlock()
	return r
}

// Signal pushes an RSSI sample for peerID to every discovering endpoint
func (h *Hub) Signal(peerID uuid.UUID, rssi int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	source, ok := h.radios[peerID]
	if !ok {
		return
	}
	for id, r := range h.radios {
		if id == peerID || !r.discovering {
			continue
		}
		r.emit(RadioEvent{Kind: SignalUpdate, PeerID: peerID, DisplayName: source.identity.DisplayName, RSSI: rssi})
	}
}

// MemoryRadio implements Radio over the hub
type MemoryRadio struct {
	hub      *Hub
	identity Identity
	events   chan RadioEvent
	incoming chan Conn

	// guarded by hub.mu
	discovering bool
	advertising bool
}

func (r *MemoryRadio) Events() <-chan RadioEvent { return r.events }
func (r *MemoryRadio) Incoming() <-chan Conn     { return r.incoming }

func (r *MemoryRadio) StartDiscovery() error {
	r.hub.mu.Lock()
	defer r.hub.mu.Unlock()

	r.discovering = true
	for id, other := range r.hub.radios {
		if id == r.identity.ID || !other.advertising {
			continue
		}
		r.emit(RadioEvent{Kind: PeerFound, PeerID: id, DisplayName: other.identity.DisplayName, RSSI: defaultRSSI})
	}
	return nil
}

func (r *MemoryRadio) StopDiscovery() error {
	r.hub.mu.Lock()
	r.discovering = false
	r.hub.mu.Unlock()
	return nil
}

func (r *MemoryRadio) StartAdvertising(identity Identity) error {
	r.hub.mu.Lock()
	defer r.hub.mu.Unlock()

	r.identity = identity
	r.advertising = true
	for id, other := range r.hub.radios {
		if id == r.identity.ID || !other.discovering {
			continue
		}
		other.emit(RadioEvent{Kind: PeerFound, PeerID: r.identity.ID, DisplayName: r.identity.DisplayName, RSSI: defaultRSSI})
	}
	return nil
}

func (r *MemoryRadio) StopAdvertising() error {
	r.hub.mu.Lock()
	r.advertising = false
	r.hub.mu.Unlock()
	return nil
}

// Connect dials another endpoint on the hub. The target must be registered
// and advertising, otherwise it is unreachable
func (r *MemoryRadio) Connect(ctx context.Context, peerID uuid.UUID) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrTimeout
	}

	r.hub.mu.Lock()
	target, ok := r.hub.radios[peerID]
	reachable := ok && target.advertising
	r.hub.mu.Unlock()

	if !reachable {
		return nil, ErrUnreachable
	}

	aToB := make(chan []byte, memFrameBuffer)
	bToA := make(chan []byte, memFrameBuffer)

	local := &memConn{peer: peerID, out: aToB, in: bToA}
	remote := &memConn{peer: r.identity.ID, out: bToA, in: aToB}

	select {
	case target.incoming <- remote:
	default:
		return nil, ErrTimeout
	}
	return local, nil
}

func (r *MemoryRadio) emit(ev RadioEvent) {
	select {
	case r.events <- ev:
	default:
	}
}

type memConn struct {
	peer uuid.UUID
	out  chan []byte
	in   chan []byte

	mu     sync.Mutex
	closed bool
}

func (c *memConn) PeerID() uuid.UUID { return c.peer }

func (c *memConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotConnected
	}

	buf := make([]byte, len(frame))
	copy(buf, frame)
	select {
	case c.out <- buf:
		return nil
	default:
		// Receiver too slow: drop, the transport never promises delivery
		return nil
	}
}

func (c *memConn) Recv() <-chan []byte { return c.in }

func (c *memConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.out)
	return nil
}
