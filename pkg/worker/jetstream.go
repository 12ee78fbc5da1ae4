package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/primaryrutabaga/rule-migrator/pkg/natsx"
)

// StreamMaxAge bounds how long commands, events and dead letters are kept.
const StreamMaxAge = 7 * 24 * time.Hour

// JetStreamPublisher publishes through JetStream so every publish is
// acknowledged by a stream.
type JetStreamPublisher struct {
	JS jetstream.JetStream
}

func (p JetStreamPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	if _, err := p.JS.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// EnsureStreams creates or updates the command, event and dead-letter
// streams.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{Name: natsx.StreamName, Subjects: []string{natsx.CommandSubjects()}},
		{Name: natsx.EventStreamName, Subjects: []string{natsx.EventSubjects()}},
		{Name: natsx.DLQStreamName, Subjects: []string{natsx.DLQSubject()}},
	}
	for _, sc := range streams {
		sc.Storage = jetstream.FileStorage
		sc.MaxAge = StreamMaxAge
		if _, err := js.CreateOrUpdateStream(ctx, sc); err != nil {
			return fmt.Errorf("ensure stream %s: %w", sc.Name, err)
		}
	}
	return nil
}

// ConsumerConfig configures Run.
type ConsumerConfig struct {
	// Concurrency bounds in-flight messages.
	Concurrency int
	// AckWait must exceed the handler timeout.
	AckWait time.Duration
	Handler HandlerConfig
}

// Run consumes migration commands until ctx is canceled. In-flight messages
// finish before Run returns.
func Run(ctx context.Context, js jetstream.JetStream, m Migrator, cfg ConsumerConfig, logger *log.Logger) error {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	cfg.Handler = cfg.Handler.withDefaults()
	if cfg.AckWait <= cfg.Handler.Timeout {
		cfg.AckWait = cfg.Handler.Timeout + 10*time.Second
	}

	if err := EnsureStreams(ctx, js); err != nil {
		return err
	}
	cons, err := js.CreateOrUpdateConsumer(ctx, natsx.StreamName, jetstream.ConsumerConfig{
		Durable:       natsx.ConsumerName,
		FilterSubject: natsx.CommandSubjects(),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.Handler.MaxDeliver,
		MaxAckPending: cfg.Concurrency * 2,
	})
	if err != nil {
		return fmt.Errorf("ensure consumer %s: %w", natsx.ConsumerName, err)
	}

	h := NewHandler(m, JetStreamPublisher{JS: js}, cfg.Handler, logger)

	// Handlers run on their own context so shutdown does not abort a
	// migration halfway through its transaction.
	hctx := context.WithoutCancel(ctx)
	g := new(errgroup.Group)
	g.SetLimit(cfg.Concurrency)

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		g.Go(func() error {
			h.Handle(hctx, msg)
			return nil
		})
	}, jetstream.PullMaxMessages(cfg.Concurrency), jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		if !errors.Is(err, jetstream.ErrNoHeartbeat) {
			logger.Printf("worker: consume error: %v", err)
		}
	}))
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	logger.Printf("worker: consuming stream=%s consumer=%s concurrency=%d", natsx.StreamName, natsx.ConsumerName, cfg.Concurrency)

	<-ctx.Done()
	cc.Stop()
	_ = g.Wait()
	logger.Printf("worker: stopped")
	return nil
}
