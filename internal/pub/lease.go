package pub

import (
	"fmt"
	"time"
)

// Lease marks a message as delivered to a consumer and not yet acknowledged.
type Lease struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Sub       string    `json:"sub"`
	MessageID MessageID `json:"messageId"`
	Expires   time.Time `json:"expires"`
}

func LeaseKey(topic, sub string, id MessageID) string {
	return fmt.Sprintf("lease::%s::%s::%s", topic, sub, id)
}
