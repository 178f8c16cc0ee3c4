// Package transport presents nearby peers as connectable byte channels,
// independent of the underlying short-range radio stack. The platform radio
// is consumed through the Radio driver interface; the Manager layers peer
// bookkeeping, staleness pruning, and fan-out on top of it.
package transport

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrUnreachable  = errors.New("peer unreachable")
	ErrTimeout      = errors.New("connection timed out")
	ErrNotConnected = errors.New("peer not connected")
)

// Identity is what this device advertises to nearby scanners
type Identity struct {
	ID          uuid.UUID
	DisplayName string
}

// RadioEventKind discriminates driver notifications
type RadioEventKind int

const (
	PeerFound RadioEventKind = iota
	PeerLost
	SignalUpdate
)

// RadioEvent is a discovery-side notification from the driver
type RadioEvent struct {
	Kind        RadioEventKind
	PeerID      uuid.UUID
	DisplayName string
	RSSI        int
}

// Conn is a byte channel to one peer. Send is "send and hope": a nil return
// does not imply delivery, reliability is layered above the transport
type Conn interface {
	PeerID() uuid.UUID
	Send(frame []byte) error
	Recv() <-chan []byte
	Close() error
}

// Radio is the platform driver contract (Bluetooth equivalent). Discovery and
// advertising toggles are idempotent. Incoming carries connections initiated
// by remote peers
type Radio interface {
	StartDiscovery() error
	StopDiscovery() error
	StartAdvertising(identity Identity) error
	StopAdvertising() error
	Connect(ctx context.Context, peerID uuid.UUID) (Conn, error)
	Events() <-chan RadioEvent
	Incoming() <-chan Conn
}

// Inbound is one received frame tagged with its transport-level origin
type Inbound struct {
	From  uuid.UUID
	Frame []byte
}
