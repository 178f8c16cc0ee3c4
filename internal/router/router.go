// Package router frames, filters, and dispatches peer messages. A single
// inbox goroutine serializes dispatch so handlers never race each other;
// handlers doing slow work must hand off instead of blocking the inbox.
package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/trailcrew/fieldsync/internal/models"
	"github.com/trailcrew/fieldsync/internal/transport"
	"github.com/trailcrew/fieldsync/pkg/metrics"
)

// Handler receives a message of a registered kind plus the transport-level
// peer it arrived from. Handlers run on the inbox goroutine
type Handler func(msg models.PeerMessage, from uuid.UUID)

// Router dispatches typed peer messages to registered handlers and sends
// outbound messages through the transport manager
type Router struct {
	manager *transport.Manager
	localID uuid.UUID
	logger  *slog.Logger

	mu       sync.RWMutex
	handlers map[models.MessageKind]Handler

	// Recently-seen message ids. Without multi-hop relaying this is
	// defense-in-depth; with relaying it becomes the loop breaker
	seen *lru.Cache[uuid.UUID, struct{}]

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func New(manager *transport.Manager, dedupCapacity int, logger *slog.Logger) *Router {
	if dedupCapacity <= 0 {
		dedupCapacity = 500
	}
	seen, _ := lru.New[uuid.UUID, struct{}](dedupCapacity)

	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		manager:  manager,
		localID:  manager.LocalID(),
		logger:   logger,
		handlers: make(map[models.MessageKind]Handler),
		seen:     seen,
		ctx:      ctx,
		cancel:   cancel,
	}

	r.wg.Add(1)
	go r.inboxLoop()
	return r
}

// Register installs the handler for a message kind, replacing any previous one
func (r *Router) Register(kind models.MessageKind, h Handler) {
	r.mu.Lock()
	r.handlers[kind] = h
	r.mu.Unlock()
}

// Unregister removes the handler for a kind; further messages of that kind
// are logged and dropped
func (r *Router) Unregister(kind models.MessageKind) {
	r.mu.Lock()
	delete(r.handlers, kind)
	r.mu.Unlock()
}

// Send serializes and transmits the message: unicast when to is set,
// otherwise to every connected peer. Broadcasting to zero peers succeeds.
// Transport failures on unicast surface to the caller; the message is still
// only advisory
func (r *Router) Send(msg models.PeerMessage, to *models.PeerDevice) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}

	metrics.PeerMessages.WithLabelValues("sent", string(msg.Kind)).Inc()
	if to == nil {
		r.manager.Broadcast(frame)
		return nil
	}
	return r.manager.SendTo(to.ID, frame)
}

// Close stops the inbox loop; no handler runs after Close returns
func (r *Router) Close() {
	r.cancel()
	r.wg.Wait()
}

func (r *Router) inboxLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case in, ok := <-r.manager.Inbound():
			if !ok {
				return
			}
			r.dispatch(in.Frame, in.From)
		}
	}
}

// dispatch applies the drop rules in order: malformed, own message,
// mis-addressed, expired, duplicate, unregistered kind. A bad frame from a
// peer must never crash the router
func (r *Router) dispatch(frame []byte, from uuid.UUID) {
	msg, err := Decode(frame)
	if err != nil {
		r.logger.Debug("Dropped malformed frame", "from", from, "error", err)
		metrics.PeerMessagesDropped.WithLabelValues("malformed").Inc()
		return
	}

	if msg.SenderID == r.localID {
		metrics.PeerMessagesDropped.WithLabelValues("own").Inc()
		return
	}
	if msg.ReceiverID != nil && *msg.ReceiverID != r.localID {
		metrics.PeerMessagesDropped.WithLabelValues("addressed").Inc()
		return
	}
	if msg.Expired(time.Now()) {
		metrics.PeerMessagesDropped.WithLabelValues("expired").Inc()
		return
	}
	if r.seen.Contains(msg.ID) {
		metrics.PeerMessagesDropped.WithLabelValues("duplicate").Inc()
		return
	}

	r.mu.RLock()
	handler, ok := r.handlers[msg.Kind]
	r.mu.RUnlock()
	if !ok {
		// Not marked seen: a retransmission can still land once the kind
		// gets a handler
		r.logger.Debug("No handler for message kind", "kind", msg.Kind, "from", from)
		metrics.PeerMessagesDropped.WithLabelValues("unknown").Inc()
		return
	}

	r.seen.Add(msg.ID, struct{}{})
	metrics.PeerMessages.WithLabelValues("received", string(msg.Kind)).Inc()
	handler(msg, from)
}
