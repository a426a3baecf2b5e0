package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types published by the auth subsystem.
const (
	SessionCreated     = "session.created"
	SessionRotated     = "session.rotated"
	SessionRevoked     = "session.revoked"
	SessionRevokedAll  = "session.revoked_all"
	SessionExpired     = "session.expired"
	LoginFailed        = "login.failed"
	AccountRegistered  = "account.registered"
	AccountApproved    = "account.approved"
	AccountDeactivated = "account.deactivated"
)

// Aggregate types.
const (
	AggregateSession = "session"
	AggregateAccount = "account"
)

// Event is the envelope for every message on the auth events topic.
type Event struct {
	EventID       string            `json:"event_id"`
	EventType     string            `json:"event_type"`
	AggregateID   string            `json:"aggregate_id"`
	AggregateType string            `json:"aggregate_type"`
	Version       int               `json:"version"`
	Timestamp     time.Time         `json:"timestamp"`
	Source        string            `json:"source"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Data          json.RawMessage   `json:"data"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// NewEvent creates an event with a generated ID and the current time.
func NewEvent(eventType, aggregateID, aggregateType, source string, data any) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Version:       1,
		Timestamp:     time.Now().UTC(),
		Source:        source,
		Data:          dataBytes,
	}, nil
}

// WithCorrelationID sets the correlation ID, usually the request id.
func (e *Event) WithCorrelationID(id string) *Event {
	e.CorrelationID = id
	return e
}

func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalData decodes the payload into target.
func (e *Event) UnmarshalData(target any) error {
	return json.Unmarshal(e.Data, target)
}
