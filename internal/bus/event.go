package bus

import "time"

// Event is a domain event published on the bus. Kind uses dotted
// namespaces: "session.", "push.", "message.", "conversation.",
// "presence." and "sync.".
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
