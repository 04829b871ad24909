package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"meeting-jobcore/internal/archive"
	"meeting-jobcore/internal/minutes"
	"meeting-jobcore/internal/models"
	"meeting-jobcore/internal/notify"
	"meeting-jobcore/internal/retry"
	"meeting-jobcore/internal/store"
)

// MeetingStore is the meeting access the handlers need.
type MeetingStore interface {
	GetMeeting(ctx context.Context, id string) (models.Meeting, error)
	SaveArchiveLocation(ctx context.Context, id, location string) error
}

// Enricher runs one enrichment attempt.
type Enricher interface {
	Run(ctx context.Context, task models.EnrichmentTask) error
}

// MinutesPublisher persists generated minutes and fans out the follow-up work.
type MinutesPublisher interface {
	PublishMinutes(ctx context.Context, m models.Meeting, text string) error
}

// Handlers implements the meeting job types. Every handler re-reads the
// meeting so a retried attempt never trusts state from an earlier one.
type Handlers struct {
	Meetings   MeetingStore
	Enricher   Enricher
	Summarizer minutes.Summarizer
	Publisher  MinutesPublisher
	Uploader   archive.Uploader
	Mailer     notify.Mailer
	Logger     zerolog.Logger

	now func() time.Time
}

// Register binds every configured handler to r.
func (h *Handlers) Register(r *Router) {
	if h.Enricher != nil {
		r.Register(models.JobEnrichMeeting, h.EnrichMeeting)
	}
	if h.Summarizer != nil && h.Publisher != nil {
		r.Register(models.JobGenerateMinutes, h.GenerateMinutes)
	}
	if h.Uploader != nil {
		r.Register(models.JobUploadDocument, h.UploadDocument)
	}
	if h.Mailer != nil {
		r.Register(models.JobSendEmail, h.SendEmail)
	}
}

func (h *Handlers) clock() time.Time {
	if h.now != nil {
		return h.now()
	}
	return time.Now().UTC()
}

// meeting decodes the job payload and loads its meeting. A missing meeting or
// a malformed payload will not improve with retries.
func (h *Handlers) meeting(ctx context.Context, job models.Job) (models.Meeting, error) {
	var p models.MeetingPayload
	if err := job.DecodePayload(&p); err != nil {
		return models.Meeting{}, retry.MarkPermanent(err)
	}
	if p.MeetingID == "" {
		return models.Meeting{}, retry.MarkPermanent(errors.New("payload has no meetingId"))
	}
	m, err := h.Meetings.GetMeeting(ctx, p.MeetingID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Meeting{}, retry.MarkPermanent(err)
	}
	return m, err
}

func (h *Handlers) EnrichMeeting(ctx context.Context, job models.Job) error {
	var p models.MeetingPayload
	if err := job.DecodePayload(&p); err != nil {
		return retry.MarkPermanent(err)
	}
	return h.Enricher.Run(ctx, models.EnrichmentTask{MeetingID: p.MeetingID, Attempt: job.AttemptCount})
}

func (h *Handlers) GenerateMinutes(ctx context.Context, job models.Job) error {
	m, err := h.meeting(ctx, job)
	if err != nil {
		return err
	}
	if m.EnrichmentStatus != models.EnrichmentEnriched {
		return retry.MarkPermanent(fmt.Errorf("meeting %s is %s, not enriched", m.ID, m.EnrichmentStatus))
	}

	// Minutes already saved by an attempt whose follow-ups were lost are reused.
	var text string
	if m.Minutes != nil && strings.TrimSpace(*m.Minutes) != "" {
		text = *m.Minutes
	} else {
		if m.Transcript == nil {
			return retry.MarkPermanent(fmt.Errorf("meeting %s: %w", m.ID, minutes.ErrEmptyTranscript))
		}
		text, err = h.Summarizer.Summarize(ctx, minutes.Input{Title: m.Title, Transcript: *m.Transcript})
		if err != nil {
			return err
		}
	}
	return h.Publisher.PublishMinutes(context.WithoutCancel(ctx), m, text)
}

func (h *Handlers) UploadDocument(ctx context.Context, job models.Job) error {
	m, err := h.meeting(ctx, job)
	if err != nil {
		return err
	}
	if m.ArchiveLocation != nil && *m.ArchiveLocation != "" {
		h.Logger.Debug().Str("meeting_id", m.ID).Msg("minutes already archived")
		return nil
	}
	doc, err := minutes.Render(m, h.clock())
	if err != nil {
		return retry.MarkPermanent(err)
	}
	location, err := h.Uploader.Upload(ctx, minutes.DocumentKey(m.ID), doc, minutes.DocumentContentType)
	if err != nil {
		return err
	}
	return h.Meetings.SaveArchiveLocation(context.WithoutCancel(ctx), m.ID, location)
}

func (h *Handlers) SendEmail(ctx context.Context, job models.Job) error {
	m, err := h.meeting(ctx, job)
	if err != nil {
		return err
	}
	if m.OrganizerEmail == "" {
		return retry.MarkPermanent(fmt.Errorf("meeting %s has no organizer email", m.ID))
	}
	if m.Minutes == nil {
		return retry.MarkPermanent(fmt.Errorf("meeting %s has no minutes", m.ID))
	}
	return h.Mailer.Send(ctx, MinutesEmail(m))
}

// MinutesEmail builds the organizer's minutes email.
func MinutesEmail(m models.Meeting) notify.Email {
	title := m.Title
	if title == "" {
		title = "your meeting"
	}
	var b strings.Builder
	if m.Minutes != nil {
		b.WriteString(strings.TrimSpace(*m.Minutes))
		b.WriteString("\n")
	}
	if m.ArchiveLocation != nil && *m.ArchiveLocation != "" {
		fmt.Fprintf(&b, "\nArchived copy: %s\n", *m.ArchiveLocation)
	}
	if m.RecordingURL != nil && *m.RecordingURL != "" {
		fmt.Fprintf(&b, "Recording: %s\n", *m.RecordingURL)
	}
	return notify.Email{
		To:      []string{m.OrganizerEmail},
		Subject: "Minutes: " + title,
		Body:    b.String(),
	}
}
