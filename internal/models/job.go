package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusDeadLetter JobStatus = "dead_letter"
)

// Terminal reports whether no further scheduling happens from this status.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusDeadLetter
}

// JobType names a handler in the closed set the worker knows how to run.
type JobType string

const (
	JobEnrichMeeting   JobType = "enrich_meeting"
	JobGenerateMinutes JobType = "generate_minutes"
	JobUploadDocument  JobType = "upload_document"
	JobSendEmail       JobType = "send_email"
)

// JobTypes lists every job type in dispatch order.
var JobTypes = []JobType{JobEnrichMeeting, JobGenerateMinutes, JobUploadDocument, JobSendEmail}

// Valid reports whether t belongs to the known set.
func (t JobType) Valid() bool {
	for _, known := range JobTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Job represents a unit of work persisted in Postgres.
type Job struct {
	ID             string          `json:"id"`
	Type           JobType         `json:"job_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
	Status         JobStatus       `json:"status"`
	AttemptCount   int             `json:"attempt_count"`
	MaxRetries     int             `json:"max_retries"`
	ScheduledFor   time.Time       `json:"scheduled_for"`
	LastAttemptAt  *time.Time      `json:"last_attempt_at,omitempty"`
	LastError      *string         `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// DecodePayload unmarshals the job payload into v.
func (j Job) DecodePayload(v any) error {
	if len(j.Payload) == 0 {
		return fmt.Errorf("job %s has empty payload", j.ID)
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.Type, err)
	}
	return nil
}

// MeetingPayload is the payload shared by every meeting-scoped job.
type MeetingPayload struct {
	MeetingID string `json:"meetingId"`
}

// EnrichKey is the idempotency key of a meeting's enrich_meeting job. The
// other key helpers follow the same purpose:meetingID shape.
func EnrichKey(meetingID string) string {
	return "enrich:" + meetingID
}

func MinutesKey(meetingID string) string {
	return "minutes:" + meetingID
}

func ArchiveKey(meetingID string) string {
	return "archive:" + meetingID
}

func MinutesEmailKey(meetingID string) string {
	return "minutes-email:" + meetingID
}

// Stats counts jobs per status.
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	DeadLetter int64 `json:"deadLetter"`
}

// Lease is the current holder of a worker role.
type Lease struct {
	WorkerRole     string    `json:"worker_role"`
	InstanceID     string    `json:"instance_id"`
	AcquiredAt     time.Time `json:"acquired_at"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
}

// HeldBy reports whether instanceID holds a live lease at now.
func (l Lease) HeldBy(instanceID string, now time.Time) bool {
	return l.InstanceID == instanceID && l.LeaseExpiresAt.After(now)
}
