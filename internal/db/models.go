package db

import (
	"time"

	"github.com/google/uuid"
)

// Email represents one scheduled delivery to a single recipient.
// All emails created from the same scheduling request share a BatchID.
type Email struct {
	ID           uuid.UUID  `json:"id"`
	UserID       string     `json:"user_id"`
	BatchID      uuid.UUID  `json:"batch_id"`
	Recipient    string     `json:"recipient"`
	Subject      string     `json:"subject"`
	Body         string     `json:"body"`
	Status       string     `json:"status"`
	ScheduledAt  time.Time  `json:"scheduled_at"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	RetryCount   int        `json:"retry_count"`
	JobID        *string    `json:"job_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Status constants
const (
	StatusPending     = "PENDING" // reserved, not produced by the current flow
	StatusScheduled   = "SCHEDULED"
	StatusSent        = "SENT"
	StatusFailed      = "FAILED"
	StatusRescheduled = "RESCHEDULED"
)

// CancelErrorMessage is stamped on records canceled by the owning user.
// Worker status updates refuse to overwrite a record carrying it, which
// closes the race between a cancel and an in-flight delivery attempt.
const CancelErrorMessage = "canceled by user"

// EmailStats aggregates per-user email counts by status.
type EmailStats struct {
	Total     int `json:"total"`
	Scheduled int `json:"scheduled"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}

// EmailFilter narrows List/Count queries. Zero values mean "no filter".
type EmailFilter struct {
	Status  string
	BatchID uuid.UUID
	Limit   int
	Offset  int
}
