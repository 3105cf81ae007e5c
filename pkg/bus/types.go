package bus

import "time"

// Kind names the hub method an event arrived under.
type Kind string

const (
	KindProgress Kind = "progress"
	KindNotice   Kind = "notice"
	KindTerminal Kind = "terminal"
)

// Event is one server push received on the notification channel.
type Event struct {
	Kind         Kind      `json:"kind"`
	Target       string    `json:"target"`
	Text         string    `json:"text"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Epoch        uint64    `json:"epoch"`
	ReceivedAt   time.Time `json:"received_at"`
}

// Outcome is the decoded payload of a terminal event.
type Outcome struct {
	Success    bool   `json:"success"`
	ResourceID string `json:"resourceId,omitempty"`
	Message    string `json:"message,omitempty"`
}

type Handler func(Event)
