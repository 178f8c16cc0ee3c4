package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventKind classifies a domain event for backend routing
type EventKind string

const (
	EventTaskCompletion EventKind = "task_completion"
	EventBarStopVisit   EventKind = "bar_stop_visit"
	EventGeneric        EventKind = "generic"
)

// DomainEvent is an immutable fact that must reach the backend.
// Retried events are resubmitted verbatim; nothing mutates one after creation
type DomainEvent struct {
	ID        uuid.UUID       `json:"id"`
	Kind      EventKind       `json:"kind"`
	EntityID  uuid.UUID       `json:"entity_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewDomainEvent builds an event with a fresh id and the current timestamp
func NewDomainEvent(kind EventKind, entityID uuid.UUID, payload json.RawMessage) DomainEvent {
	return DomainEvent{
		ID:        uuid.New(),
		Kind:      kind,
		EntityID:  entityID,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

func (e DomainEvent) Validate() error {
	if e.ID == uuid.Nil {
		return fmt.Errorf("domain event missing id")
	}
	if e.EntityID == uuid.Nil {
		return fmt.Errorf("domain event missing entity id")
	}
	switch e.Kind {
	case EventTaskCompletion, EventBarStopVisit, EventGeneric:
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return nil
}

// EntryState is the sync bookkeeping state of an outbox entry
type EntryState string

const (
	EntryPending  EntryState = "pending"
	EntryInFlight EntryState = "in_flight"
	EntryFailed   EntryState = "failed"
)

// OutboxEntry wraps a DomainEvent with retry bookkeeping. Owned exclusively
// by the sync outbox: created pending on enqueue, in-flight while a submission
// is outstanding, deleted on backend acknowledgment
type OutboxEntry struct {
	Event         DomainEvent `json:"event"`
	Attempts      int         `json:"attempts"`
	LastAttemptAt *time.Time  `json:"last_attempt_at,omitempty"`
	State         EntryState  `json:"state"`
}

func (e OutboxEntry) EstimateBytes() int {
	return len(e.Event.Payload) + 128
}
