package producer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/couchbase/gocb/v2"
	"go.uber.org/zap"

	"pubclient/internal/pub"
	"pubclient/internal/validator"
)

type Producer struct {
	controller pub.Controller
	logger     *zap.Logger
	// ledgerID is stamped on every id this producer assigns.
	ledgerID int64
	now      func() time.Time
}

// NewProducer returns a producer stamping ledgerID on the ids it assigns.
// Entry ids are not reserved, so each partition is expected to have a single
// producer per ledger id. Two producers racing for the same entry fail with
// pub.ErrEntryConflict on the losing side.
func NewProducer(controller pub.Controller, logger *zap.Logger, ledgerID int64) (*Producer, error) {
	p := Producer{
		controller: controller,
		logger:     logger,
		ledgerID:   ledgerID,
		now:        func() time.Time { return time.Now().UTC() },
	}

	if err := validator.Validate("producer", p.controller, p.logger); err != nil {
		return nil, fmt.Errorf("failed to validate producer deps: %w", err)
	}
	p.logger = p.logger.Named("producer")

	return &p, nil
}

// PublishBatch stores events as one entry on a partition, one message per
// event in batch index order, and returns the assigned ids. Retrying a batch
// that failed after some inserts is safe: messages already stored with the
// same content are kept.
func (p *Producer) PublishBatch(ctx context.Context, topic string, partition int32, events ...pub.Event) ([]pub.MessageID, error) {
	if len(events) == 0 {
		return nil, nil
	}

	entryID, err := p.controller.GetEntryID(ctx, topic, partition)
	if err != nil {
		return nil, fmt.Errorf("failed to get entry id for topic %s partition %d: %w", topic, partition, err)
	}

	publishedAt := p.now()
	ids := make([]pub.MessageID, 0, len(events))

	for i, e := range events {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode event %d payload: %w", i, err)
		}

		props := maps.Clone(e.Properties)
		if props == nil {
			props = make(map[string]string, 1)
		}
		if e.Type != "" {
			props[pub.TypeProperty] = e.Type
		}

		m := pub.Message{
			ID: pub.MessageID{
				LedgerID:   p.ledgerID,
				EntryID:    entryID,
				Partition:  partition,
				BatchIndex: int32(i),
			},
			Topic:       topic,
			Payload:     payload,
			Properties:  props,
			PublishTime: publishedAt,
		}

		if err := p.insert(ctx, m); err != nil {
			return nil, err
		}

		ids = append(ids, m.ID)
	}

	if err := p.controller.CommitEntryID(topic, partition, entryID+1); err != nil {
		return nil, fmt.Errorf("failed to commit entry id for topic %s partition %d: %w", topic, partition, err)
	}

	p.logger.Debug("published batch",
		zap.String("topic", topic),
		zap.Int32("partition", partition),
		zap.Int64("entryId", entryID),
		zap.Int("size", len(events)),
	)

	return ids, nil
}

// insert stores m. An id that already exists is accepted only when it holds
// the same message, as left behind by an earlier attempt of this batch.
func (p *Producer) insert(ctx context.Context, m pub.Message) error {
	err := p.controller.InsertMessage(ctx, m)
	if err == nil {
		return nil
	}
	if !errors.Is(err, gocb.ErrDocumentExists) {
		return fmt.Errorf("failed to insert message %s: %w", m.ID, err)
	}

	existing, err := p.controller.LoadMessage(ctx, m.Topic, m.ID)
	if err != nil {
		return fmt.Errorf("failed to load existing message %s: %w", m.ID, err)
	}
	if !sameContent(existing, m) {
		p.logger.Warn("entry already holds another message", zap.Stringer("messageId", m.ID))
		return fmt.Errorf("%w: %s", pub.ErrEntryConflict, m.ID)
	}

	return nil
}

// sameContent ignores publish time, which every attempt stamps anew.
func sameContent(a, b pub.Message) bool {
	return a.Topic == b.Topic &&
		bytes.Equal(a.Payload, b.Payload) &&
		maps.Equal(a.Properties, b.Properties)
}
