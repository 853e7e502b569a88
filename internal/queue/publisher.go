package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// TaskJob asks a worker to execute one run of a task that is already RUNNING
type TaskJob struct {
	TaskID      int64     `json:"task_id"`
	RunID       string    `json:"run_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// NewTaskJob creates a job with a fresh run id
func NewTaskJob(taskID int64) TaskJob {
	return TaskJob{
		TaskID:      taskID,
		RunID:       uuid.NewString(),
		RequestedAt: time.Now().UTC(),
	}
}

// Validate checks a decoded job
func (j TaskJob) Validate() error {
	return validation.ValidateStruct(&j,
		validation.Field(&j.TaskID, validation.Required, validation.Min(int64(1))),
		validation.Field(&j.RunID, validation.Required, is.UUID),
	)
}

// Publisher publishes task jobs to RabbitMQ
type Publisher struct {
	conn      *Connection
	queueName string
	log       zerolog.Logger
}

// NewPublisher creates a new publisher instance
func NewPublisher(conn *Connection, queueName string, log zerolog.Logger) (*Publisher, error) {
	if conn == nil {
		return nil, errors.New("connection cannot be nil")
	}

	if queueName == "" {
		return nil, errors.New("queue name cannot be empty")
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}

	if err := declare(ch, queueName); err != nil {
		return nil, err
	}

	return &Publisher{
		conn:      conn,
		queueName: queueName,
		log:       log.With().Str("component", "publisher").Logger(),
	}, nil
}

// Dispatch publishes a job for the task under a fresh run id
func (p *Publisher) Dispatch(ctx context.Context, taskID int64) error {
	return p.Publish(ctx, NewTaskJob(taskID))
}

// Publish publishes a task job to the queue
func (p *Publisher) Publish(ctx context.Context, job TaskJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal task job: %w", err)
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to get channel: %w", err)
	}

	err = ch.PublishWithContext(
		ctx,
		"",          // exchange (default)
		p.queueName, // routing key
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			MessageId:    job.RunID,
			Timestamp:    job.RequestedAt,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish task job: %w", err)
	}

	p.log.Debug().Int64("task_id", job.TaskID).Str("run_id", job.RunID).Msg("task job published")
	return nil
}

// Close closes the publisher (no-op, connection managed externally)
func (p *Publisher) Close() error {
	return nil
}
