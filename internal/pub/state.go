package pub

// AckState is the acknowledgment status of a single MessageID.
type AckState int

const (
	// AckUnknown means the id was never delivered or is no longer tracked.
	AckUnknown AckState = iota
	AckPending
	AckAcknowledged
)

func (s AckState) String() string {
	switch s {
	case AckPending:
		return "pending"
	case AckAcknowledged:
		return "acknowledged"
	default:
		return "unknown"
	}
}

// ConsumerState is the lifecycle state of a consumer.
type ConsumerState int

const (
	StateCreated ConsumerState = iota
	StateSubscribed
	StateActive
	StatePaused
	StateUnsubscribed
	StateClosed
)

func (s ConsumerState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSubscribed:
		return "subscribed"
	case StateActive:
		return "active"
	case StatePaused:
		return "paused"
	case StateUnsubscribed:
		return "unsubscribed"
	case StateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// Terminal reports whether no further receive or ack calls are accepted.
func (s ConsumerState) Terminal() bool {
	return s == StateUnsubscribed || s == StateClosed
}

// Receiving reports whether receive, ack and redelivery calls are valid.
func (s ConsumerState) Receiving() bool {
	return s == StateActive || s == StatePaused
}

// SubscriptionType mirrors the broker subscription modes that affect ack rules.
type SubscriptionType string

const (
	Exclusive SubscriptionType = "exclusive"
	Shared    SubscriptionType = "shared"
	Failover  SubscriptionType = "failover"
)
