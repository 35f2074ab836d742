package outbox

import (
	"encoding/json"
	"time"
)

// ActorRef identifies who produced the event: the shopper's opaque key and
// the role it acted under.
type ActorRef struct {
	Key  string `json:"key,omitempty"`
	Role string `json:"role,omitempty"`
}

// PayloadEnvelope is the stable payload structure stored in outbox_events.
type PayloadEnvelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Actor      *ActorRef       `json:"actor,omitempty"`
	Data       json.RawMessage `json:"data"`
}
