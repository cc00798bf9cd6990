package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ramiqadoumi/tenantflow/internal/domain"
)

// DLQTopic receives jobs that failed permanently.
const DLQTopic = "jobs.dlq"

// DeadLetter is the message published for a permanently failed job.
type DeadLetter struct {
	JobID    string          `json:"job_id"`
	Queue    string          `json:"queue"`
	TenantID string          `json:"tenant_id"`
	Attempts int             `json:"attempts"`
	Error    string          `json:"error"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	FailedAt time.Time       `json:"failed_at"`
}

// DeadLetterPublisher forwards permanently failed jobs for operator review.
type DeadLetterPublisher struct {
	producer Producer
	topic    string
}

// NewDeadLetterPublisher publishes to topic, or DLQTopic when topic is empty.
func NewDeadLetterPublisher(producer Producer, topic string) *DeadLetterPublisher {
	if topic == "" {
		topic = DLQTopic
	}
	return &DeadLetterPublisher{producer: producer, topic: topic}
}

// PublishFailed sends job and its final error keyed by tenant.
func (p *DeadLetterPublisher) PublishFailed(ctx context.Context, job *domain.Job, cause error) error {
	msg := DeadLetter{
		JobID:    job.ID,
		Queue:    job.Queue,
		TenantID: job.TenantID,
		Attempts: job.Attempts,
		Payload:  json.RawMessage(job.Payload),
		FailedAt: time.Now().UTC(),
	}
	if cause != nil {
		msg.Error = cause.Error()
	}
	if !json.Valid(msg.Payload) {
		msg.Payload = nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal dead letter %s: %w", job.ID, err)
	}
	return p.producer.Publish(ctx, p.topic, job.TenantID, data)
}
