package pub

import (
	"fmt"
	"time"
)

// Receipt is the durable record of an individual acknowledgment.
type Receipt struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Sub       string    `json:"sub"`
	MessageID MessageID `json:"messageId"`
	AckedAt   time.Time `json:"ackedAt"`
}

// Subscription is the durable registration of a subscription on a topic.
type Subscription struct {
	ID        string           `json:"id"`
	Topic     string           `json:"topic"`
	Sub       string           `json:"sub"`
	Type      SubscriptionType `json:"type"`
	CreatedAt time.Time        `json:"createdAt"`
}

func ReceiptKey(topic, sub string, id MessageID) string {
	return fmt.Sprintf("receipt::%s::%s::%s", topic, sub, id)
}

func SubscriptionKey(topic, sub string) string {
	return fmt.Sprintf("subscription::%s::%s", topic, sub)
}
