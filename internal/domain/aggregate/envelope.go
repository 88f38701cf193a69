package aggregate

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/eventcore/internal/infrastructure/store"
)

// CollapsedEventName is published when an aggregate's history is rewritten
// into a single redacted snapshot.
const CollapsedEventName = "Collapsed"

var ErrMalformedEnvelope = errors.New("malformed event envelope")

// EventMetadata describes where an event sits in its aggregate's log
type EventMetadata struct {
	AggregateID      string
	AggregateType    string
	AggregateVersion int
	EventName        string
	EventVersion     int
	Agent            Agent
	Timestamp        time.Time
	IsSnapshot       bool
}

// MetadataFromRecord rebuilds metadata from a stored event
func MetadataFromRecord(e store.Event) EventMetadata {
	return EventMetadata{
		AggregateID:      e.AggregateID,
		AggregateType:    e.AggregateType,
		AggregateVersion: e.Version,
		EventName:        e.EventType,
		EventVersion:     e.EventVersion,
		Agent:            Agent{ID: e.AgentID, Type: AgentType(e.AgentType)},
		Timestamp:        e.Timestamp,
		IsSnapshot:       e.IsSnapshot,
	}
}

// Envelope is the broker payload for domain events
type Envelope struct {
	Metadata EventMetadata
	Event    json.RawMessage
}

type wireMetadata struct {
	AggregateID      string    `json:"aggregateId"`
	AggregateType    string    `json:"aggregateType"`
	AggregateVersion int       `json:"aggregateVersion"`
	EventName        string    `json:"eventName"`
	EventVersion     int       `json:"eventVersion"`
	AgentID          string    `json:"agentId"`
	AgentType        AgentType `json:"agentType"`
	Date             time.Time `json:"date"`
	IsSnapshot       bool      `json:"isSnapshot"`
}

type wireEnvelope struct {
	Metadata wireMetadata    `json:"metadata"`
	Event    json.RawMessage `json:"event"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	m := e.Metadata
	event := e.Event
	if len(event) == 0 {
		event = json.RawMessage(`{}`)
	}
	return json.Marshal(wireEnvelope{
		Metadata: wireMetadata{
			AggregateID:      m.AggregateID,
			AggregateType:    m.AggregateType,
			AggregateVersion: m.AggregateVersion,
			EventName:        m.EventName,
			EventVersion:     m.EventVersion,
			AgentID:          m.Agent.ID,
			AgentType:        m.Agent.Type,
			Date:             m.Timestamp.UTC(),
			IsSnapshot:       m.IsSnapshot,
		},
		Event: event,
	})
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.Metadata = EventMetadata{
		AggregateID:      w.Metadata.AggregateID,
		AggregateType:    w.Metadata.AggregateType,
		AggregateVersion: w.Metadata.AggregateVersion,
		EventName:        w.Metadata.EventName,
		EventVersion:     w.Metadata.EventVersion,
		Agent:            Agent{ID: w.Metadata.AgentID, Type: w.Metadata.AgentType},
		Timestamp:        w.Metadata.Date,
		IsSnapshot:       w.Metadata.IsSnapshot,
	}
	e.Event = w.Event
	return nil
}

// DecodeEnvelope parses a broker payload. Payloads without an aggregate id
// or event name are rejected.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Metadata.AggregateID == "" || env.Metadata.EventName == "" {
		return Envelope{}, fmt.Errorf("%w: missing aggregate id or event name", ErrMalformedEnvelope)
	}
	return env, nil
}
