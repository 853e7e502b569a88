package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAcker struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (a *fakeAcker) Ack(uint64, bool) error {
	a.acked = true
	return nil
}

func (a *fakeAcker) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked = true
	a.requeue = requeue
	return nil
}

func (a *fakeAcker) Reject(_ uint64, requeue bool) error {
	a.nacked = true
	a.requeue = requeue
	return nil
}

func delivery(t *testing.T, body interface{}, redelivered bool) (amqp.Delivery, *fakeAcker) {
	t.Helper()

	raw, ok := body.([]byte)
	if !ok {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}

	acker := &fakeAcker{}
	return amqp.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: raw, Redelivered: redelivered}, acker
}

func TestConsumer_Handle(t *testing.T) {
	handlerErr := errors.New("database is down")

	tests := []struct {
		name        string
		body        interface{}
		redelivered bool
		handlerErr  error
		wantCalled  bool
		wantAck     bool
		wantRequeue bool
	}{
		{name: "valid job is acked", body: NewTaskJob(5), wantCalled: true, wantAck: true},
		{name: "malformed body is dropped", body: []byte("{not json"), wantCalled: false},
		{name: "missing run id is dropped", body: TaskJob{TaskID: 5}, wantCalled: false},
		{name: "bad run id is dropped", body: TaskJob{TaskID: 5, RunID: "run-1"}, wantCalled: false},
		{name: "handler error requeues once", body: NewTaskJob(5), handlerErr: handlerErr, wantCalled: true, wantRequeue: true},
		{name: "handler error on redelivery drops", body: NewTaskJob(5), redelivered: true, handlerErr: handlerErr, wantCalled: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *TaskJob
			c := &Consumer{
				log: zerolog.Nop(),
				handler: func(_ context.Context, job *TaskJob) error {
					got = job
					return tt.handlerErr
				},
			}

			d, acker := delivery(t, tt.body, tt.redelivered)
			c.handle(context.Background(), d)

			assert.Equal(t, tt.wantCalled, got != nil)
			assert.Equal(t, tt.wantAck, acker.acked)
			assert.Equal(t, !tt.wantAck, acker.nacked)
			assert.Equal(t, tt.wantRequeue, acker.requeue)
		})
	}
}

func TestNewTaskJob(t *testing.T) {
	job := NewTaskJob(42)

	assert.Equal(t, int64(42), job.TaskID)
	assert.NoError(t, job.Validate())
	assert.False(t, job.RequestedAt.IsZero())
	assert.NotEqual(t, job.RunID, NewTaskJob(42).RunID)
}

func TestNewPublisher_Validation(t *testing.T) {
	_, err := NewPublisher(nil, "tasks", zerolog.Nop())
	assert.Error(t, err)

	_, err = NewConsumer(nil, "tasks", func(context.Context, *TaskJob) error { return nil }, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewConnection("", zerolog.Nop())
	assert.Error(t, err)
}
