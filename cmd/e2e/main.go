package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/couchbase/gocb/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"pubclient/internal/couchbase"
	"pubclient/internal/pub"
	"pubclient/internal/pub/consumer"
	"pubclient/internal/pub/controller"
	"pubclient/internal/pub/dispatcher"
	"pubclient/internal/pub/metrics"
	"pubclient/internal/pub/producer"
	"pubclient/internal/pub/tracing"
)

type Config struct {
	CouchbaseConnectionString string        `env:"COUCHBASE_CONNECTION_STRING" envDefault:"couchbase://localhost"`
	CouchbaseUsername         string        `env:"COUCHBASE_USERNAME" envDefault:"Administrator"`
	CouchbasePassword         string        `env:"COUCHBASE_PASSWORD" envDefault:"password"`
	CouchbaseBucketName       string        `env:"COUCHBASE_BUCKET_NAME" envDefault:"pubsub"`
	CouchbaseScopeName        string        `env:"COUCHBASE_SCOPE_NAME" envDefault:"default"`
	TransactionTimeout        time.Duration `env:"COUCHBASE_TRANSACTION_TIMEOUT" envDefault:"10s"`
	Topic                     string        `env:"TOPIC" envDefault:"orders"`
	Subscriptions             []string      `env:"SUBSCRIPTIONS" envDefault:"analytics,marketing,alerts,support" envSeparator:","`
	SharedConsumers           int           `env:"SHARED_CONSUMERS" envDefault:"2"`
	EventCount                int           `env:"EVENT_COUNT" envDefault:"100"`
	PublishBatchesPerSec      float64       `env:"PUBLISH_BATCHES_PER_SEC" envDefault:"1"`
	PublishRounds             int           `env:"PUBLISH_ROUNDS" envDefault:"1"`
	ReceiveTimeout            time.Duration `env:"RECEIVE_TIMEOUT" envDefault:"2s"`
	ConsumerMaxEmptyCount     int           `env:"CONSUMER_MAX_EMPTY_COUNT" envDefault:"3"`
	CumulativeAckEvery        int           `env:"CUMULATIVE_ACK_EVERY" envDefault:"10"`
	LogLevel                  string        `env:"LOG_LEVEL" envDefault:"info"`
	Profile                   bool          `env:"PROFILE" envDefault:"false"`

	Consumer   consumer.Config
	Dispatcher dispatcher.Config
	Breaker    controller.BreakerConfig
	Metrics    metrics.ServerConfig
	Tracing    tracing.Config
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("failed to parse environment variables: %v", err)
	}

	if cfg.Profile {
		stop := profile()
		defer stop()
	}

	config := zap.NewProductionConfig()

	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		log.Printf("invalid log level %q, defaulting to info: %v", cfg.LogLevel, err)
		zapLevel = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	logger, err := config.Build(zap.AddCaller())
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cluster, bucket, err := newCouchbase(cfg)
	if err != nil {
		logger.Fatal("failed to connect to Couchbase", zap.Error(err))
	}
	defer cluster.Close(nil)

	metricsRegistry := metrics.NewRegistry()
	metricsRegistry.SetSystemInfo("e2e-test", time.Now().Format(time.RFC3339))

	metricsServer := metrics.NewServer(cfg.Metrics, metricsRegistry, logger)

	tracer, tracingCleanup, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		logger.Fatal("failed to initialize tracing", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracingCleanup(shutdownCtx); err != nil {
			logger.Error("failed to cleanup tracing", zap.Error(err))
		}
	}()

	logger.Info("tracing initialized",
		zap.String("service", cfg.Tracing.ServiceName),
		zap.String("otlp_endpoint", cfg.Tracing.Endpoint),
		zap.Float64("sample_rate", cfg.Tracing.SampleRate),
	)

	ctlr, err := newController(cfg, cluster, bucket, metricsRegistry, tracer, logger)
	if err != nil {
		logger.Fatal("failed to create controller", zap.Error(err))
	}

	baseProducer, err := producer.NewProducer(ctlr, logger, 0)
	if err != nil {
		logger.Fatal("failed to create producer", zap.Error(err))
	}
	metricsProducer := producer.NewMetricsProducer(baseProducer, metricsRegistry)
	prod := producer.NewTracedProducer(metricsProducer, tracer)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		active   atomic.Int64
		expected = int64(len(cfg.Subscriptions) + cfg.SharedConsumers)
	)
	metricsServer.SetReadiness(func() bool { return active.Load() == expected })

	go func() {
		if err := metricsServer.Start(ctx); err != nil {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	now := time.Now()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return publish(gctx, logger, prod, cfg)
	})

	run := func(sub string, typ pub.SubscriptionType) {
		g.Go(func() error {
			ccfg := cfg.Consumer
			ccfg.Topic = cfg.Topic
			ccfg.Subscription = sub
			ccfg.Name = ""
			ccfg.Type = typ

			err := consume(gctx, logger, ccfg, cfg, ctlr, metricsRegistry, tracer, &active)
			if err != nil {
				logger.Error("consumer failed", zap.String("sub", sub), zap.Error(err))
			}
			return err
		})
	}

	for _, sub := range cfg.Subscriptions {
		run(sub, pub.Exclusive)
	}
	for range cfg.SharedConsumers {
		run("workers", pub.Shared)
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("error in goroutine", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop metrics server", zap.Error(err))
	}

	logger.Info("test complete", zap.Duration("elapsed", time.Since(now)))
}

func newController(cfg Config, cluster *gocb.Cluster, bucket *gocb.Bucket, registry *metrics.Registry, tracer *tracing.Tracer, logger *zap.Logger) (pub.Controller, error) {
	stores, err := controller.NewStores(cluster, bucket, cfg.CouchbaseScopeName)
	if err != nil {
		return nil, err
	}

	transactions, err := couchbase.NewTransactions(cluster, cfg.TransactionTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactions: %w", err)
	}

	base, err := controller.NewController(stores, transactions)
	if err != nil {
		return nil, err
	}

	// breaker outermost so an open breaker short-circuits before spans and timings
	metricsController := controller.NewMetricsController(base, registry)
	tracedController := controller.NewTracedController(metricsController, tracer)
	return controller.NewBreakerController(tracedController, cfg.Breaker, registry, logger), nil
}

func publish(ctx context.Context, logger *zap.Logger, prod pub.Producer, cfg Config) error {
	limiter := rate.NewLimiter(rate.Limit(cfg.PublishBatchesPerSec), 1)
	if cfg.PublishBatchesPerSec <= 0 {
		limiter.SetLimit(rate.Inf)
	}

	for round := range cfg.PublishRounds {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		e := events(cfg.EventCount)
		ids, err := prod.PublishBatch(ctx, cfg.Topic, 0, e...)
		if err != nil {
			return fmt.Errorf("failed to publish events: %w", err)
		}
		logger.Info("published events", zap.Int("round", round+1), zap.Int("count", len(ids)))
	}

	logger.Info("publish rounds complete, stopping producer")
	return nil
}

// consume runs one consumer with its dispatcher until it has seen
// maxEmpty consecutive receive timeouts.
func consume(
	ctx context.Context,
	logger *zap.Logger,
	ccfg consumer.Config,
	cfg Config,
	ctlr pub.Controller,
	registry *metrics.Registry,
	tracer *tracing.Tracer,
	active *atomic.Int64,
) error {
	disp, err := dispatcher.New(ctlr, ccfg.Topic, ccfg.Subscription, cfg.Dispatcher, logger, dispatcher.WithRegistry(registry))
	if err != nil {
		return err
	}

	flow := consumer.NewMetricsFlowListener(disp, registry, ccfg.Topic, ccfg.Subscription)
	base, err := consumer.NewConsumer(disp, flow, logger, ccfg)
	if err != nil {
		return err
	}
	disp.Attach(base, ccfg.ReceiverQueueSize)

	c := consumer.NewTracedConsumer(consumer.NewMetricsConsumer(base, registry), tracer)
	defer c.Close(context.WithoutCancel(ctx))

	if err := c.Subscribe(ctx); err != nil {
		return err
	}
	active.Add(1)
	defer active.Add(-1)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return disp.Run(gctx)
	})
	g.Go(func() error {
		defer c.Close(context.WithoutCancel(gctx))
		return receive(gctx, logger.With(zap.String("sub", ccfg.Subscription), zap.String("consumer", base.Name())), c, ccfg.Type, cfg)
	})

	return g.Wait()
}

func receive(ctx context.Context, logger *zap.Logger, c pub.Consumer, typ pub.SubscriptionType, cfg Config) error {
	var (
		empty    int
		received int
	)

	for {
		msg, err := c.ReceiveTimeout(ctx, cfg.ReceiveTimeout)
		switch {
		case errors.Is(err, pub.ErrTimeout):
			empty++
			if empty >= cfg.ConsumerMaxEmptyCount {
				logger.Info("no messages within max empty count, stopping consumer", zap.Int("received", received))
				return nil
			}
			continue
		case errors.Is(err, pub.ErrConsumerClosed):
			return nil
		case err != nil:
			return fmt.Errorf("failed to receive: %w", err)
		}

		empty = 0
		received++

		ack := c.Acknowledge
		if typ != pub.Shared && cfg.CumulativeAckEvery > 0 && received%cfg.CumulativeAckEvery == 0 {
			ack = c.AcknowledgeCumulative
		}
		if _, err := ack(ctx, msg); err != nil {
			return fmt.Errorf("failed to ack %s: %w", msg.ID, err)
		}
	}
}

func events(count int) []pub.Event {
	customers := []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J"}
	products := []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "10"}
	events := make([]pub.Event, 0, count)

	for i := 0; i < count; i++ {
		orderId := fmt.Sprintf("ORD-%04d", i+1)
		customerId := customers[rand.Intn(len(customers))]
		productId := products[rand.Intn(len(products))]
		amount := 10.0 + rand.Float64()*990.0

		pl := map[string]any{
			"order_id":    orderId,
			"customer_id": customerId,
			"product_id":  productId,
			"amount":      amount,
			"timestamp":   time.Now().Format(time.RFC3339),
		}
		e := pub.Event{
			Type:       "order",
			Payload:    pl,
			Properties: map[string]string{"customer_id": customerId},
		}

		events = append(events, e)
	}

	return events
}

func profile() func() {
	cpuProfile, err := os.Create("cpu.pprof")
	if err != nil {
		log.Fatal("could not create CPU profile: ", err)
	}
	if err := pprof.StartCPUProfile(cpuProfile); err != nil {
		log.Fatal("could not start CPU profile: ", err)
	}

	return func() {
		pprof.StopCPUProfile()
		cpuProfile.Close()

		memProfile, err := os.Create("mem.pprof")
		if err != nil {
			log.Fatal("could not create memory profile: ", err)
		}
		defer memProfile.Close()
		runtime.GC()
		if err := pprof.WriteHeapProfile(memProfile); err != nil {
			log.Fatal("could not write memory profile: ", err)
		}
	}
}

func newCouchbase(config Config) (*gocb.Cluster, *gocb.Bucket, error) {
	cluster, err := gocb.Connect(config.CouchbaseConnectionString, gocb.ClusterOptions{
		Authenticator: gocb.PasswordAuthenticator{
			Username: config.CouchbaseUsername,
			Password: config.CouchbasePassword,
		},
		TimeoutsConfig: gocb.TimeoutsConfig{
			ConnectTimeout: 10 * time.Second,
			KVTimeout:      5 * time.Second,
			QueryTimeout:   30 * time.Second,
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to cluster: %w", err)
	}

	bucket := cluster.Bucket(config.CouchbaseBucketName)

	err = bucket.WaitUntilReady(5*time.Second, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("bucket not ready: %w", err)
	}

	return cluster, bucket, nil
}
