package pub

import "fmt"

// Cursor is the durable cumulative ack position of a subscription on one
// partition.
type Cursor struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Sub       string    `json:"sub"`
	Partition int32     `json:"partition"`
	MessageID MessageID `json:"messageId"`
}

func CursorKey(topic, sub string, partition int32) string {
	return fmt.Sprintf("cursor::%s::%s::%d", topic, sub, partition)
}
