package pub

import "fmt"

// EntryCounter holds the next entry id to assign on a topic partition.
type EntryCounter struct {
	ID   string `json:"id"`
	Next int64  `json:"next"`
}

func EntryCounterKey(topic string, partition int32) string {
	return fmt.Sprintf("offset::%s::%d", topic, partition)
}
