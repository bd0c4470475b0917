// Package ingest consumes alarm events from a NATS JetStream queue consumer
// and feeds them to the Decision Engine. Delivery is at-least-once: events
// are acked after handling, naked for redelivery on persistence failures,
// and terminated when malformed.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/semaphore"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/alarm"
	"github.com/linnemanlabs/warden/internal/postgres"
	"github.com/linnemanlabs/warden/internal/triage"
)

// Handler processes one event. *triage.Service implements it.
type Handler interface {
	Handle(ctx context.Context, ev *alarm.Event) (*triage.HandleResult, error)
}

// Config describes the JetStream consumer.
type Config struct {
	Stream        string
	Subject       string
	Durable       string
	Queue         string
	AckWait       time.Duration
	NakDelay      time.Duration
	MaxDeliver    int
	MaxAckPending int
	Workers       int
	// HandleTimeout bounds one Handle call; zero means no bound.
	HandleTimeout time.Duration
}

func (c *Config) defaults() {
	if c.AckWait <= 0 {
		c.AckWait = 2 * time.Minute
	}
	if c.NakDelay <= 0 {
		c.NakDelay = 5 * time.Second
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = 10
	}
	if c.MaxAckPending <= 0 {
		c.MaxAckPending = 256
	}
	if c.Workers <= 0 {
		c.Workers = 16
	}
	if c.Queue == "" {
		c.Queue = c.Durable
	}
}

// Message is the subset of *nats.Msg the consumer acts on.
type Message interface {
	Ack(opts ...nats.AckOpt) error
	NakWithDelay(delay time.Duration, opts ...nats.AckOpt) error
	Term(opts ...nats.AckOpt) error
}

// Disposition is what the consumer did with a message.
type Disposition string

const (
	Acked      Disposition = "ack"
	Redeliver  Disposition = "nak"
	Terminated Disposition = "term"
)

// Consumer runs the queue subscription.
type Consumer struct {
	js      nats.JetStreamContext
	handler Handler
	cfg     Config
	logger  log.Logger

	sem      *semaphore.Weighted
	inflight sync.WaitGroup
	sub      *nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewConsumer creates a consumer; call Start to subscribe.
func NewConsumer(js nats.JetStreamContext, handler Handler, cfg Config, logger log.Logger) *Consumer {
	if logger == nil {
		logger = log.Nop()
	}
	cfg.defaults()
	return &Consumer{
		js:      js,
		handler: handler,
		cfg:     cfg,
		logger:  logger,
		sem:     semaphore.NewWeighted(int64(cfg.Workers)),
	}
}

// Start ensures the stream exists and subscribes. Handlers run under ctx
// values but are not cancelled by it; Stop drains in-flight work.
func (c *Consumer) Start(ctx context.Context) error {
	if err := ensureStream(c.js, c.cfg.Stream, c.cfg.Subject); err != nil {
		return err
	}
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))

	sub, err := c.js.QueueSubscribe(c.cfg.Subject, c.cfg.Queue, c.onMessage,
		nats.BindStream(c.cfg.Stream),
		nats.Durable(c.cfg.Durable),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(c.cfg.AckWait),
		nats.MaxDeliver(c.cfg.MaxDeliver),
		nats.MaxAckPending(c.cfg.MaxAckPending),
		nats.DeliverAll(),
	)
	if err != nil {
		c.cancel()
		return fmt.Errorf("queue subscribe %q/%q: %w", c.cfg.Subject, c.cfg.Queue, err)
	}
	c.sub = sub
	c.logger.Info(ctx, "alarm consumer started",
		"stream", c.cfg.Stream,
		"subject", c.cfg.Subject,
		"durable", c.cfg.Durable,
		"workers", c.cfg.Workers,
	)
	return nil
}

// Stop drains the subscription and waits for in-flight events, up to ctx.
func (c *Consumer) Stop(ctx context.Context) error {
	var err error
	if c.sub != nil {
		err = c.sub.Drain()
	}
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if c.cancel != nil {
			c.cancel()
		}
		return errors.Join(err, fmt.Errorf("consumer drain: %w", ctx.Err()))
	}
	if c.cancel != nil {
		c.cancel()
	}
	return err
}

// onMessage is the subscription callback. It hands the message to a worker
// so slow handlers do not serialise delivery.
func (c *Consumer) onMessage(msg *nats.Msg) {
	if err := c.sem.Acquire(c.ctx, 1); err != nil {
		// shutting down; let JetStream redeliver
		_ = msg.NakWithDelay(c.cfg.NakDelay)
		return
	}
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		defer c.sem.Release(1)
		c.Process(c.ctx, msg.Data, msg)
	}()
}

// Process decodes and handles one message body and settles msg.
func (c *Consumer) Process(ctx context.Context, data []byte, msg Message) Disposition {
	ctx = postgres.WithOrigin(ctx, "ingest")
	ctx, stats := postgres.NewStatsContext(ctx)

	ev, err := alarm.Decode(data)
	if err != nil {
		c.logger.Warn(ctx, "dropping malformed alarm event", "error", err.Error())
		c.settle(ctx, msg, Terminated)
		return Terminated
	}

	hctx := ctx
	if c.cfg.HandleTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, c.cfg.HandleTimeout)
		defer cancel()
	}

	res, err := c.handler.Handle(log.WithContext(hctx, c.logger.With("event_id", ev.EventID)), ev)
	d := Classify(err)
	queries, dbTime, _ := stats.Snapshot()
	if err != nil {
		c.logger.Warn(ctx, "alarm event not handled",
			"event_id", ev.EventID,
			"disposition", d,
			"db_queries", queries,
			"error", err.Error(),
		)
	} else {
		c.logger.Info(ctx, "alarm event consumed",
			"event_id", ev.EventID,
			"incident_key", res.IncidentKey,
			"outcome", res.Outcome,
			"db_queries", queries,
			"db_time", dbTime.Seconds(),
		)
	}
	c.settle(ctx, msg, d)
	return d
}

// Classify maps a Handle error to a message disposition.
func Classify(err error) Disposition {
	var verr *alarm.ValidationError
	switch {
	case err == nil:
		return Acked
	case errors.As(err, &verr):
		return Terminated
	default:
		return Redeliver
	}
}

func (c *Consumer) settle(ctx context.Context, msg Message, d Disposition) {
	if msg == nil {
		return
	}
	var err error
	switch d {
	case Acked:
		err = msg.Ack()
	case Terminated:
		err = msg.Term()
	default:
		err = msg.NakWithDelay(c.cfg.NakDelay)
	}
	if err != nil {
		c.logger.Warn(ctx, "settling alarm message failed", "disposition", d, "error", err.Error())
	}
}

func ensureStream(js nats.JetStreamContext, name, subject string) error {
	if _, err := js.StreamInfo(name); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) && !strings.Contains(strings.ToLower(err.Error()), "stream not found") {
		return fmt.Errorf("stream info %q: %w", name, err)
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  []string{subject},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    7 * 24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("create stream %q: %w", name, err)
	}
	return nil
}
