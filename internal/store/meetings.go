package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"meeting-jobcore/internal/models"
)

// Meetings persists the meeting columns the job pipeline owns.
type Meetings struct {
	db  DBTX
	now func() time.Time
}

func NewMeetings(db DBTX) *Meetings {
	return &Meetings{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// WithTx returns a copy bound to tx.
func (m *Meetings) WithTx(tx pgx.Tx) *Meetings {
	return &Meetings{db: tx, now: m.now}
}

// SetClock overrides the time source; tests only.
func (m *Meetings) SetClock(now func() time.Time) {
	m.now = now
}

const meetingColumns = `id, external_meeting_ref, title, organizer_email, chat_destination,
	enrichment_status, enrichment_attempts, enrichment_retry_at, enrichment_error,
	transcript, recording_url, minutes, archive_location, created_at, updated_at`

func scanMeeting(row pgx.Row) (models.Meeting, error) {
	var (
		m                                         models.Meeting
		retryAt                                   pgtype.Timestamptz
		enrichErr, transcript, recording, minutes pgtype.Text
		archive                                   pgtype.Text
	)
	if err := row.Scan(&m.ID, &m.ExternalMeetingRef, &m.Title, &m.OrganizerEmail, &m.ChatDestination,
		&m.EnrichmentStatus, &m.EnrichmentAttempts, &retryAt, &enrichErr,
		&transcript, &recording, &minutes, &archive, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return models.Meeting{}, err
	}
	m.EnrichmentRetryAt = TimePtr(retryAt)
	m.EnrichmentError = TextPtr(enrichErr)
	m.Transcript = TextPtr(transcript)
	m.RecordingURL = TextPtr(recording)
	m.Minutes = TextPtr(minutes)
	m.ArchiveLocation = TextPtr(archive)
	return m, nil
}

// CreateMeeting inserts a meeting in enrichment status pending.
func (m *Meetings) CreateMeeting(ctx context.Context, in models.Meeting) (models.Meeting, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	now := m.now()
	row := m.db.QueryRow(ctx, `
		INSERT INTO meetings (id, external_meeting_ref, title, organizer_email, chat_destination,
			enrichment_status, enrichment_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $7)
		RETURNING `+meetingColumns,
		in.ID, in.ExternalMeetingRef, in.Title, in.OrganizerEmail, in.ChatDestination,
		models.EnrichmentPending, now)
	created, err := scanMeeting(row)
	if err != nil {
		return models.Meeting{}, fmt.Errorf("insert meeting: %w", err)
	}
	return created, nil
}

// GetMeeting fetches a meeting by id.
func (m *Meetings) GetMeeting(ctx context.Context, id string) (models.Meeting, error) {
	row := m.db.QueryRow(ctx, `SELECT `+meetingColumns+` FROM meetings WHERE id = $1`, id)
	meeting, err := scanMeeting(row)
	if IsNoRows(err) {
		return models.Meeting{}, fmt.Errorf("meeting %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Meeting{}, fmt.Errorf("scan meeting: %w", err)
	}
	return meeting, nil
}

// MarkEnriching moves a meeting to enriching before any external call is made.
// A failed meeting is reopened with a fresh attempt count. It reports false
// when the meeting is already enriched.
func (m *Meetings) MarkEnriching(ctx context.Context, id string) (bool, error) {
	tag, err := m.db.Exec(ctx, `
		UPDATE meetings
		SET enrichment_status = $2,
			enrichment_attempts = CASE WHEN enrichment_status = $5 THEN 0 ELSE enrichment_attempts END,
			enrichment_error = CASE WHEN enrichment_status = $5 THEN NULL ELSE enrichment_error END,
			updated_at = $3
		WHERE id = $1 AND enrichment_status IN ($4, $2, $5)
	`, id, models.EnrichmentEnriching, m.now(), models.EnrichmentPending, models.EnrichmentFailed)
	if err != nil {
		return false, fmt.Errorf("mark enriching: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := m.GetMeeting(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// RecordEnrichmentRetry persists a failed attempt and when the next one is due.
func (m *Meetings) RecordEnrichmentRetry(ctx context.Context, id string, attempt int, retryAt time.Time, reason string) error {
	_, err := m.db.Exec(ctx, `
		UPDATE meetings
		SET enrichment_status = $2, enrichment_attempts = $3, enrichment_retry_at = $4,
			enrichment_error = $5, updated_at = $6
		WHERE id = $1
	`, id, models.EnrichmentEnriching, attempt, retryAt.UTC(), reason, m.now())
	if err != nil {
		return fmt.Errorf("record enrichment retry: %w", err)
	}
	return nil
}

// MarkEnrichmentFailed moves the meeting to the terminal failed status with a readable reason.
func (m *Meetings) MarkEnrichmentFailed(ctx context.Context, id string, attempt int, reason string) error {
	_, err := m.db.Exec(ctx, `
		UPDATE meetings
		SET enrichment_status = $2, enrichment_attempts = GREATEST(enrichment_attempts, $3),
			enrichment_retry_at = NULL, enrichment_error = $4, updated_at = $5
		WHERE id = $1 AND enrichment_status <> $6
	`, id, models.EnrichmentFailed, attempt, reason, m.now(), models.EnrichmentEnriched)
	if err != nil {
		return fmt.Errorf("mark enrichment failed: %w", err)
	}
	return nil
}

// SaveEnrichment stores fetched artifacts and marks the meeting enriched.
func (m *Meetings) SaveEnrichment(ctx context.Context, id string, attempt int, artifacts models.Artifacts) error {
	tag, err := m.db.Exec(ctx, `
		UPDATE meetings
		SET enrichment_status = $2, enrichment_attempts = $3, enrichment_retry_at = NULL,
			enrichment_error = NULL, transcript = $4, recording_url = $5, updated_at = $6
		WHERE id = $1
	`, id, models.EnrichmentEnriched, attempt, artifacts.Transcript, artifacts.RecordingURL, m.now())
	if err != nil {
		return fmt.Errorf("save enrichment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("meeting %s: %w", id, ErrNotFound)
	}
	return nil
}

// SaveMinutes stores generated minutes.
func (m *Meetings) SaveMinutes(ctx context.Context, id, minutes string) error {
	return m.setColumn(ctx, id, "minutes", minutes)
}

// SaveArchiveLocation stores where the minutes document was uploaded.
func (m *Meetings) SaveArchiveLocation(ctx context.Context, id, location string) error {
	return m.setColumn(ctx, id, "archive_location", location)
}

func (m *Meetings) setColumn(ctx context.Context, id, column, value string) error {
	// column is one of a fixed set of identifiers, never user input.
	tag, err := m.db.Exec(ctx, `UPDATE meetings SET `+column+` = $2, updated_at = $3 WHERE id = $1`, id, value, m.now())
	if err != nil {
		return fmt.Errorf("update meeting %s: %w", column, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("meeting %s: %w", id, ErrNotFound)
	}
	return nil
}

// DueEnrichments rebuilds enrichment tasks for meetings still pending or
// enriching whose persisted retry time has passed or was never set.
func (m *Meetings) DueEnrichments(ctx context.Context, now time.Time, limit int) ([]models.EnrichmentTask, error) {
	rows, err := m.db.Query(ctx, `
		SELECT id, external_meeting_ref, enrichment_attempts
		FROM meetings
		WHERE enrichment_status IN ($1, $2)
		  AND (enrichment_retry_at IS NULL OR enrichment_retry_at <= $3)
		ORDER BY COALESCE(enrichment_retry_at, created_at)
		LIMIT $4
	`, models.EnrichmentPending, models.EnrichmentEnriching, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query due enrichments: %w", err)
	}
	defer rows.Close()

	var tasks []models.EnrichmentTask
	for rows.Next() {
		var (
			t        models.EnrichmentTask
			attempts int
		)
		if err := rows.Scan(&t.MeetingID, &t.ExternalMeetingRef, &attempts); err != nil {
			return nil, fmt.Errorf("scan due enrichment: %w", err)
		}
		t.Attempt = attempts + 1
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
