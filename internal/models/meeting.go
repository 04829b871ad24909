package models

import "time"

// EnrichmentStatus is the post-meeting artifact fetch state of a meeting.
type EnrichmentStatus string

const (
	EnrichmentPending   EnrichmentStatus = "pending"
	EnrichmentEnriching EnrichmentStatus = "enriching"
	EnrichmentEnriched  EnrichmentStatus = "enriched"
	EnrichmentFailed    EnrichmentStatus = "failed"
)

// Meeting holds the columns the job pipeline reads and writes.
type Meeting struct {
	ID                 string           `json:"id"`
	ExternalMeetingRef string           `json:"external_meeting_ref"`
	Title              string           `json:"title"`
	OrganizerEmail     string           `json:"organizer_email"`
	ChatDestination    string           `json:"chat_destination"`
	EnrichmentStatus   EnrichmentStatus `json:"enrichment_status"`
	EnrichmentAttempts int              `json:"enrichment_attempts"`
	EnrichmentRetryAt  *time.Time       `json:"enrichment_retry_at,omitempty"`
	EnrichmentError    *string          `json:"enrichment_error,omitempty"`
	Transcript         *string          `json:"transcript,omitempty"`
	RecordingURL       *string          `json:"recording_url,omitempty"`
	Minutes            *string          `json:"minutes,omitempty"`
	ArchiveLocation    *string          `json:"archive_location,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// EnrichmentTask is one enrichment attempt, rebuilt from the meeting row.
type EnrichmentTask struct {
	MeetingID          string
	ExternalMeetingRef string
	Attempt            int
}

// Artifacts are the post-meeting outputs fetched from the conferencing provider.
type Artifacts struct {
	Transcript   string `json:"transcript"`
	RecordingURL string `json:"recording_url"`
}
