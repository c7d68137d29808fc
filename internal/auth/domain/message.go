package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Operation tags a replication message variant.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ReplicationMessage is the wire shape carried on the replication queue.
// Data is required for create, Updates for update; delete carries neither.
// Timestamp is the producer clock in epoch milliseconds; it is carried for
// diagnostics only and does not participate in conflict resolution
// (last-applied-wins by delivery order).
type ReplicationMessage struct {
	Operation Operation     `json:"operation"`
	ClientID  string        `json:"client_id"`
	Data      *Client       `json:"data,omitempty"`
	Updates   *ClientUpdate `json:"updates,omitempty"`
	Timestamp int64         `json:"timestamp"`
}

// Validate checks the variant's required fields are present.
func (m ReplicationMessage) Validate() error {
	if m.ClientID == "" {
		return fmt.Errorf("replication message: missing client_id")
	}

	switch m.Operation {
	case OpCreate:
		if m.Data == nil {
			return fmt.Errorf("replication message: create for %q without data", m.ClientID)
		}
	case OpUpdate:
		if m.Updates == nil {
			return fmt.Errorf("replication message: update for %q without updates", m.ClientID)
		}
	case OpDelete:
		// No payload.
	default:
		return fmt.Errorf("replication message: unknown operation %q", m.Operation)
	}
	return nil
}

// ProducedAt converts the producer timestamp into a time.Time.
func (m ReplicationMessage) ProducedAt() time.Time {
	return time.UnixMilli(m.Timestamp).UTC()
}

// EncodeMessage serializes a message for the queue.
func EncodeMessage(m ReplicationMessage) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// DecodeMessage parses and validates a message received from the queue.
func DecodeMessage(payload []byte) (ReplicationMessage, error) {
	var m ReplicationMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return ReplicationMessage{}, fmt.Errorf("replication message: decode: %w", err)
	}
	if err := m.Validate(); err != nil {
		return ReplicationMessage{}, err
	}
	return m, nil
}

// NewCreateMessage builds a create message for a freshly written client.
func NewCreateMessage(c Client) ReplicationMessage {
	return ReplicationMessage{
		Operation: OpCreate,
		ClientID:  c.ID,
		Data:      &c,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewUpdateMessage builds an update message carrying a partial field set.
func NewUpdateMessage(clientID string, u ClientUpdate) ReplicationMessage {
	return ReplicationMessage{
		Operation: OpUpdate,
		ClientID:  clientID,
		Updates:   &u,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewDeleteMessage builds a delete message.
func NewDeleteMessage(clientID string) ReplicationMessage {
	return ReplicationMessage{
		Operation: OpDelete,
		ClientID:  clientID,
		Timestamp: time.Now().UnixMilli(),
	}
}
