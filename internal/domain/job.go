package domain

import "time"

// Status represents the states a job can be in.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Queue names.
const (
	QueueMailer  = "mailer"
	QueueScraper = "scraper"
)

// Job is a unit of background work bound to one tenant and one queue.
type Job struct {
	ID          string     `json:"id"`
	Queue       string     `json:"queue"`
	TenantID    string     `json:"tenant_id"`
	Payload     []byte     `json:"payload"`
	Status      Status     `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	RunAt       time.Time  `json:"run_at"`
	ClaimedBy   string     `json:"claimed_by,omitempty"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	Result      []byte     `json:"result,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Exhausted reports whether the job has used all of its attempts.
func (j *Job) Exhausted() bool {
	return j.Attempts >= j.MaxAttempts
}
