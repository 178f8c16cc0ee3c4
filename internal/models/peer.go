package models

import (
	"time"

	"github.com/google/uuid"
)

// MessageKind routes a peer message to its handler on the receiving device
type MessageKind string

const (
	MessageText           MessageKind = "text"
	MessageTaskCompletion MessageKind = "task_completion"
	MessageBarStopVisit   MessageKind = "bar_stop_visit"
	MessageTeamLocation   MessageKind = "team_location"
	MessageTeamChat       MessageKind = "team_chat"
)

// PeerMessage is a transient unit exchanged over the mesh. It is advisory:
// delivery is best-effort and never durable (durable facts go through the
// outbox). A nil ReceiverID means broadcast
type PeerMessage struct {
	ID         uuid.UUID      `json:"id"`
	SenderID   uuid.UUID      `json:"sender_id"`
	SenderName string         `json:"sender_name"`
	ReceiverID *uuid.UUID     `json:"receiver_id,omitempty"`
	Kind       MessageKind    `json:"kind"`
	Content    string         `json:"content,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
}

// NewPeerMessage builds a broadcast message from this sender. Callers set
// ReceiverID afterwards for unicast, and ExpiresAt for time-limited payloads
func NewPeerMessage(sender uuid.UUID, senderName string, kind MessageKind) PeerMessage {
	return PeerMessage{
		ID:         uuid.New(),
		SenderID:   sender,
		SenderName: senderName,
		Kind:       kind,
		CreatedAt:  time.Now().UTC(),
	}
}

// Broadcast reports whether the message is addressed to every peer
func (m PeerMessage) Broadcast() bool {
	return m.ReceiverID == nil
}

// Expired reports whether the message must be dropped instead of delivered
func (m PeerMessage) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}

// PeerDevice is a discovered radio endpoint. LastSeen drives staleness
// pruning: short-range radios do not deliver reliable disconnect
// notifications, so an unseen peer is eventually treated as gone
type PeerDevice struct {
	ID             uuid.UUID  `json:"id"`
	DisplayName    string     `json:"display_name"`
	SignalStrength int        `json:"signal_strength"`
	IsConnected    bool       `json:"is_connected"`
	LastSeen       time.Time  `json:"last_seen"`
	RemoteUserID   *uuid.UUID `json:"remote_user_id,omitempty"`
}
