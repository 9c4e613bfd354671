// Package events publishes task lifecycle notifications to Kafka for
// downstream consumers. Publishing is strictly best-effort observability:
// the claim protocol never depends on it, and a lost event changes
// nothing about task state.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	segkafka "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"github.com/harleyk/svix-test/internal/domain"
)

const Topic = "task-events"

// Event types carried on the task-events topic.
const (
	TypeCompleted = "task.completed"
	TypeFailed    = "task.failed"
	TypeReclaimed = "task.reclaimed"
)

// Event is the JSON body of a lifecycle notification.
type Event struct {
	Event    string    `json:"event"`
	TaskID   string    `json:"task_id"`
	TaskType string    `json:"task_type,omitempty"`
	WorkerID string    `json:"worker_id,omitempty"`
	Attempt  int       `json:"attempt,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher emits lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

type kafkaPublisher struct {
	writer *segkafka.Writer
}

// NewKafkaPublisher creates a Publisher writing to the task-events topic.
func NewKafkaPublisher(brokers []string) Publisher {
	w := &segkafka.Writer{
		Addr:                   segkafka.TCP(brokers...),
		Topic:                  Topic,
		Balancer:               &segkafka.Hash{}, // route by task id → deterministic partition
		RequiredAcks:           segkafka.RequireOne,
		MaxAttempts:            3,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
	}
	return &kafkaPublisher{writer: w}
}

func (p *kafkaPublisher) Publish(ctx context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event for task %s: %w", ev.TaskID, err)
	}

	// Inject the active trace context into message headers so downstream
	// consumers can extract and continue the trace.
	headers := make(headerCarrier, 0)
	otel.GetTextMapPropagator().Inject(ctx, &headers)

	err = p.writer.WriteMessages(ctx, segkafka.Message{
		Key:     []byte(ev.TaskID),
		Value:   value,
		Headers: []segkafka.Header(headers),
		Time:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("kafka publish event %s for task %s: %w", ev.Event, ev.TaskID, err)
	}
	return nil
}

func (p *kafkaPublisher) Close() error {
	return p.writer.Close()
}

// Completed builds a completion event for the given task.
func Completed(task *domain.Task, workerID string, at time.Time) Event {
	return Event{Event: TypeCompleted, TaskID: task.ID, TaskType: task.Type, WorkerID: workerID, Attempt: task.AttemptCount, At: at}
}

// Failed builds a terminal-failure event for the given task.
func Failed(task *domain.Task, workerID string, at time.Time) Event {
	return Event{Event: TypeFailed, TaskID: task.ID, TaskType: task.Type, WorkerID: workerID, Attempt: task.AttemptCount, At: at}
}

// Reclaimed builds an event for a task whose expired lease was swept.
func Reclaimed(taskID string, at time.Time) Event {
	return Event{Event: TypeReclaimed, TaskID: taskID, At: at}
}

// NopPublisher discards all events. Used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }
