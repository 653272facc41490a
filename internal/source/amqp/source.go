// Package amqp consumes fetch jobs from a RabbitMQ queue and hands them to
// the orchestrator. Deliveries are acked only after the job reaches a
// terminal status, so a crash mid-flight requeues the work.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/archival-systems/fetcherd/internal/fetch"
)

// Config captures the parameters for the RabbitMQ job source.
type Config struct {
	URL           string        `mapstructure:"url" yaml:"url"`
	Queue         string        `mapstructure:"queue" yaml:"queue"`
	ConsumerTag   string        `mapstructure:"consumer_tag" yaml:"consumer_tag"`
	PrefetchCount int           `mapstructure:"prefetch_count" yaml:"prefetch_count"`
	DeclareQueue  bool          `mapstructure:"declare_queue" yaml:"declare_queue"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
}

// Submitter accepts parsed jobs for execution. The orchestrator satisfies
// it; tests inject fakes.
type Submitter interface {
	Submit(ctx context.Context, job fetch.Job, done func(err error)) error
}

// jobChannel is the slice of *amqp.Channel the source uses, split out so
// tests can drive Consume without a broker.
type jobChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Close() error
}

// jobEnvelope is the wire shape of an inbound fetch request.
type jobEnvelope struct {
	JobID      string `json:"job_id"`
	ChannelID  string `json:"channel_id"`
	SourceType string `json:"source_type"`
	DeadlineMS int64  `json:"deadline_ms,omitempty"`
}

// Source pulls job messages off a queue and submits them.
type Source struct {
	cfg       Config
	conn      *amqp.Connection
	ch        jobChannel
	submitter Submitter
	clock     fetch.Clock
	logger    *zap.Logger
}

// New dials the broker, opens a channel, and prepares the queue.
func New(cfg Config, submitter Submitter, clock fetch.Clock, logger *zap.Logger) (*Source, error) {
	if cfg.Queue == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if cfg.PrefetchCount <= 0 {
		cfg.PrefetchCount = 8
	}

	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Heartbeat: 10 * time.Second,
		Dial:      amqp.DefaultDial(cfg.DialTimeout),
		Locale:    "en_US",
	})
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	s := &Source{
		cfg:       cfg,
		conn:      conn,
		ch:        ch,
		submitter: submitter,
		clock:     clock,
		logger:    logger,
	}
	if err := s.setup(); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Source) setup() error {
	if s.cfg.DeclareQueue {
		if _, err := s.ch.QueueDeclare(s.cfg.Queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue: %w", err)
		}
	}
	if err := s.ch.Qos(s.cfg.PrefetchCount, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	return nil
}

// Run consumes until the context is canceled or the delivery channel
// closes. It blocks; callers run it in its own goroutine.
func (s *Source) Run(ctx context.Context) error {
	deliveries, err := s.ch.Consume(s.cfg.Queue, s.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}
	s.logger.Info("job source consuming",
		zap.String("queue", s.cfg.Queue),
		zap.Int("prefetch", s.cfg.PrefetchCount),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			s.handle(ctx, d)
		}
	}
}

func (s *Source) handle(ctx context.Context, d amqp.Delivery) {
	env, err := parseEnvelope(d.Body)
	if err != nil {
		s.logger.Error("rejecting malformed job message", zap.Error(err))
		// No requeue: malformed payloads go to the dead-letter queue.
		s.nack(d, false)
		return
	}

	job := fetch.Job{
		ID:         env.JobID,
		ChannelID:  env.ChannelID,
		SourceType: fetch.SourceType(env.SourceType),
		Status:     fetch.JobStatusQueued,
		CreatedAt:  s.clock.Now(),
	}
	if env.DeadlineMS > 0 {
		job.Deadline = time.UnixMilli(env.DeadlineMS).UTC()
	}

	logger := s.logger.With(zap.String("job_id", job.ID), zap.String("channel_id", job.ChannelID))
	err = s.submitter.Submit(ctx, job, func(runErr error) {
		// Terminal status recorded; the message is consumed either way.
		if ackErr := d.Ack(false); ackErr != nil {
			logger.Error("failed to ack delivery", zap.Error(ackErr))
		}
		if runErr != nil {
			logger.Debug("job finished with error", zap.Error(runErr))
		}
	})
	if err != nil {
		// Submission failure (full queue, duplicate, shutdown): requeue so
		// another consumer picks it up.
		logger.Warn("submit failed, requeueing delivery", zap.Error(err))
		s.nack(d, true)
	}
}

func (s *Source) nack(d amqp.Delivery, requeue bool) {
	if err := d.Nack(false, requeue); err != nil {
		s.logger.Error("failed to nack delivery",
			zap.Uint64("delivery_tag", d.DeliveryTag),
			zap.Error(err),
		)
	}
}

// Close tears down the channel and connection.
func (s *Source) Close() error {
	var errs []error
	if s.ch != nil {
		if err := s.ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func parseEnvelope(body []byte) (jobEnvelope, error) {
	var env jobEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return jobEnvelope{}, fmt.Errorf("decode job envelope: %w", err)
	}
	if env.JobID == "" || env.ChannelID == "" {
		return jobEnvelope{}, errors.New("job envelope missing job_id or channel_id")
	}
	switch fetch.SourceType(env.SourceType) {
	case fetch.SourceS3, fetch.SourceFTP, fetch.SourceGenericAPI, fetch.SourceCustomFetcher:
	default:
		return jobEnvelope{}, fmt.Errorf("unknown source type %q", env.SourceType)
	}
	return env, nil
}
