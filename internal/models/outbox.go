package models

import (
	"encoding/json"
	"time"
)

// AuditStatus tracks a staged notification through delivery.
type AuditStatus string

const (
	AuditStaged AuditStatus = "staged"
	AuditSent   AuditStatus = "sent"
	AuditFailed AuditStatus = "failed"
)

// AuditRecord is the sent-message ledger row paired with an outbox message.
type AuditRecord struct {
	ID                string      `json:"id"`
	IdempotencyKey    string      `json:"idempotency_key"`
	CorrelationEntity string      `json:"correlation_entity"`
	MessageType       string      `json:"message_type"`
	Status            AuditStatus `json:"status"`
	AttemptCount      int         `json:"attempt_count"`
	LastError         *string     `json:"last_error,omitempty"`
	SentAt            *time.Time  `json:"sent_at,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// OutboxMessage is a notification awaiting delivery. It exists only while its
// audit record is staged.
type OutboxMessage struct {
	ID                   string          `json:"id"`
	AuditRecordID        string          `json:"audit_record_id"`
	Payload              json.RawMessage `json:"payload"`
	DestinationReference string          `json:"destination_reference"`
	AttemptCount         int             `json:"attempt_count"`
	LastAttemptAt        *time.Time      `json:"last_attempt_at,omitempty"`
	NextAttemptAt        time.Time       `json:"next_attempt_at"`
	ClaimedAt            *time.Time      `json:"claimed_at,omitempty"`
	LastError            *string         `json:"last_error,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
}
