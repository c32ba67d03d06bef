package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/couchbase/gocb/v2"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"pubclient/internal/pub"
	"pubclient/internal/pub/metrics"
)

type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold uint32        `env:"CONTROLLER_BREAKER_FAILURES" envDefault:"5"`
	ResetTimeout     time.Duration `env:"CONTROLLER_BREAKER_RESET_TIMEOUT" envDefault:"10s"`
}

// BreakerController fails fast with pub.ErrTransportFailure while the wrapped
// controller keeps failing, instead of letting every caller wait on it.
type BreakerController struct {
	controller pub.Controller
	cb         *gobreaker.CircuitBreaker
}

// NewBreakerController wraps controller. registry may be nil.
func NewBreakerController(controller pub.Controller, cfg BreakerConfig, registry *metrics.Registry, logger *zap.Logger) pub.Controller {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	logger = logger.Named("controller-breaker")

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "controller",
		MaxRequests: 1,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: healthy,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("controller circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if registry != nil {
				registry.UpdateBreakerState(name, int(to))
			}
		},
	})

	return &BreakerController{
		controller: controller,
		cb:         cb,
	}
}

// healthy reports whether err says nothing about the controller's health.
// Held leases, missing and duplicate documents and caller cancellations are
// normal outcomes.
func healthy(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, pub.ErrLeaseHeld),
		errors.Is(err, gocb.ErrDocumentNotFound),
		errors.Is(err, gocb.ErrDocumentExists),
		errors.Is(err, context.Canceled):
		return true
	default:
		return false
	}
}

func execute[T any](b *BreakerController, fn func() (T, error)) (T, error) {
	var out T
	_, err := b.cb.Execute(func() (interface{}, error) {
		v, err := fn()
		out = v
		return nil, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return out, fmt.Errorf("controller unavailable: %w: %w", pub.ErrTransportFailure, err)
	}
	return out, err
}

func (b *BreakerController) run(fn func() error) error {
	_, err := execute(b, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func (b *BreakerController) Subscribe(ctx context.Context, req pub.SubscribeRequest) error {
	return b.run(func() error { return b.controller.Subscribe(ctx, req) })
}

func (b *BreakerController) Unsubscribe(ctx context.Context, topic, sub string) error {
	return b.run(func() error { return b.controller.Unsubscribe(ctx, topic, sub) })
}

func (b *BreakerController) GetCursor(ctx context.Context, topic, sub string, partition int32) (pub.MessageID, error) {
	return execute(b, func() (pub.MessageID, error) {
		return b.controller.GetCursor(ctx, topic, sub, partition)
	})
}

func (b *BreakerController) LoadMessages(ctx context.Context, topic, sub string, partition int32, after pub.MessageID, limit int) ([]pub.Message, error) {
	return execute(b, func() ([]pub.Message, error) {
		return b.controller.LoadMessages(ctx, topic, sub, partition, after, limit)
	})
}

func (b *BreakerController) LoadMessage(ctx context.Context, topic string, id pub.MessageID) (pub.Message, error) {
	return execute(b, func() (pub.Message, error) {
		return b.controller.LoadMessage(ctx, topic, id)
	})
}

func (b *BreakerController) InsertMessage(ctx context.Context, msg pub.Message) error {
	return b.run(func() error { return b.controller.InsertMessage(ctx, msg) })
}

func (b *BreakerController) GetEntryID(ctx context.Context, topic string, partition int32) (int64, error) {
	return execute(b, func() (int64, error) {
		return b.controller.GetEntryID(ctx, topic, partition)
	})
}

func (b *BreakerController) CommitEntryID(topic string, partition int32, entryID int64) error {
	return b.run(func() error { return b.controller.CommitEntryID(topic, partition, entryID) })
}

func (b *BreakerController) InsertLease(ctx context.Context, topic, sub string, id pub.MessageID, ttl time.Duration) error {
	return b.run(func() error { return b.controller.InsertLease(ctx, topic, sub, id, ttl) })
}

func (b *BreakerController) Ack(ctx context.Context, topic, sub string, ids []pub.MessageID) error {
	return b.run(func() error { return b.controller.Ack(ctx, topic, sub, ids) })
}

func (b *BreakerController) AckCumulative(ctx context.Context, topic, sub string, id pub.MessageID) error {
	return b.run(func() error { return b.controller.AckCumulative(ctx, topic, sub, id) })
}

func (b *BreakerController) Redeliver(ctx context.Context, topic, sub string, ids []pub.MessageID) error {
	return b.run(func() error { return b.controller.Redeliver(ctx, topic, sub, ids) })
}

func (b *BreakerController) CloseConsumer(ctx context.Context, topic, sub string, unacked []pub.MessageID) error {
	return b.run(func() error { return b.controller.CloseConsumer(ctx, topic, sub, unacked) })
}
