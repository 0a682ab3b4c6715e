package bus

import "time"

// Event is a domain or cache-change notification published on the bus.
//
// Kinds are dot-separated namespaces, e.g. "cache.messages",
// "friend.accepted", "message.synced", "net.online".
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent builds an event stamped with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
