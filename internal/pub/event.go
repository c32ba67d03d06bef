package pub

// Event represents a publishable event in the pub/sub system.
// Events are the core message unit that producers publish to topics.
type Event struct {
	// Type identifies the kind of event (e.g., "order.created", "user.updated").
	// It is carried to consumers as the "type" message property.
	Type string `json:"type"`
	// Payload contains the event data, can be any JSON-serializable structure
	Payload any `json:"payload"`
	// Properties are copied onto the published message.
	Properties map[string]string `json:"properties,omitempty"`
}

// TypeProperty is the message property holding Event.Type.
const TypeProperty = "type"
