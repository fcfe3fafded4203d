package stream

import (
	"encoding/json"
	"time"
)

// EventType is the name of a server-sent event.
type EventType string

const (
	EventConnected        EventType = "connected"
	EventTaskUpdate       EventType = "taskUpdate"
	EventTaskCreated      EventType = "taskCreated"
	EventTaskUserAssigned EventType = "taskUserAssigned"
	EventTaskDeleted      EventType = "taskDeleted"
	EventEpicUpdate       EventType = "epicUpdate"
	EventEpicCreated      EventType = "epicCreated"
	EventEpicDeleted      EventType = "epicDeleted"
	EventFeatureUpdate    EventType = "featureUpdate"
	EventFeatureCreated   EventType = "featureCreated"
	EventFeatureDeleted   EventType = "featureDeleted"
	EventProjectUpdate    EventType = "projectUpdate"
)

var recognized = map[EventType]struct{}{
	EventConnected:        {},
	EventTaskUpdate:       {},
	EventTaskCreated:      {},
	EventTaskUserAssigned: {},
	EventTaskDeleted:      {},
	EventEpicUpdate:       {},
	EventEpicCreated:      {},
	EventEpicDeleted:      {},
	EventFeatureUpdate:    {},
	EventFeatureCreated:   {},
	EventFeatureDeleted:   {},
	EventProjectUpdate:    {},
}

// Recognized reports whether the client handles events of this type.
func (t EventType) Recognized() bool {
	_, ok := recognized[t]
	return ok
}

// Refetches reports whether the event invalidates cached queries.
func (t EventType) Refetches() bool {
	return t.Recognized() && t != EventConnected
}

// Event is a parsed event delivered to listeners.
type Event struct {
	ID         string // Server-assigned id, empty when not sent
	Type       EventType
	Key        string          // Subscription key the event arrived on
	Data       json.RawMessage // Validated JSON payload
	ReceivedAt time.Time
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// parseEvent validates a frame's payload. An empty payload is treated
// as JSON null.
func parseEvent(key string, f Frame, now time.Time) (Event, error) {
	data := f.Data
	if len(data) == 0 {
		data = []byte("null")
	}
	var raw json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, err
	}
	return Event{
		ID:         f.ID,
		Type:       EventType(f.Event),
		Key:        key,
		Data:       raw,
		ReceivedAt: now,
	}, nil
}
