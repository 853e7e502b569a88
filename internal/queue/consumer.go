package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Consumer consumes task jobs from a RabbitMQ queue
type Consumer struct {
	conn      *Connection
	queueName string
	handler   JobHandler
	log       zerolog.Logger
	stopChan  chan struct{}
	doneChan  chan struct{}
}

// JobHandler processes one task job. A returned error requeues the job once.
type JobHandler func(ctx context.Context, job *TaskJob) error

// NewConsumer creates a new consumer instance
func NewConsumer(conn *Connection, queueName string, handler JobHandler, log zerolog.Logger) (*Consumer, error) {
	if conn == nil {
		return nil, errors.New("connection cannot be nil")
	}

	if queueName == "" {
		return nil, errors.New("queue name cannot be empty")
	}

	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}

	if err := declare(ch, queueName); err != nil {
		return nil, err
	}

	return &Consumer{
		conn:      conn,
		queueName: queueName,
		handler:   handler,
		log:       log.With().Str("component", "consumer").Str("queue", queueName).Logger(),
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
	}, nil
}

// Start starts consuming jobs. Handlers receive ctx.
func (c *Consumer) Start(ctx context.Context) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to get channel: %w", err)
	}

	// Handlers only hand the job to the pool, one at a time is enough
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := ch.Consume(
		c.queueName,
		"",    // consumer tag (auto-generated)
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	go func() {
		defer close(c.doneChan)

		for {
			select {
			case <-c.stopChan:
				c.log.Info().Msg("consumer stopping")
				return
			case d, ok := <-msgs:
				if !ok {
					c.log.Warn().Msg("delivery channel closed")
					return
				}
				c.handle(ctx, d)
			}
		}
	}()

	c.log.Info().Msg("consumer started")
	return nil
}

// Stop stops consuming jobs gracefully
func (c *Consumer) Stop() error {
	close(c.stopChan)
	<-c.doneChan

	c.log.Info().Msg("consumer stopped")
	return nil
}

// handle acks processed jobs, drops malformed ones and requeues a failed
// job unless it was already redelivered
func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	var job TaskJob
	if err := json.Unmarshal(d.Body, &job); err != nil {
		c.log.Error().Err(err).Msg("dropping malformed task job")
		c.settle(d.Nack(false, false))
		return
	}
	if err := job.Validate(); err != nil {
		c.log.Error().Err(err).Msg("dropping invalid task job")
		c.settle(d.Nack(false, false))
		return
	}

	log := c.log.With().Int64("task_id", job.TaskID).Str("run_id", job.RunID).Logger()

	if err := c.handler(ctx, &job); err != nil {
		requeue := !d.Redelivered
		log.Error().Err(err).Bool("requeue", requeue).Msg("task job failed")
		c.settle(d.Nack(false, requeue))
		return
	}

	c.settle(d.Ack(false))
}

func (c *Consumer) settle(err error) {
	if err != nil {
		c.log.Error().Err(err).Msg("failed to settle delivery")
	}
}
