package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meeting-jobcore/internal/archive"
	"meeting-jobcore/internal/minutes"
	"meeting-jobcore/internal/models"
	"meeting-jobcore/internal/notify"
	"meeting-jobcore/internal/retry"
	"meeting-jobcore/internal/store"
)

type memMeetings struct {
	byID map[string]models.Meeting
}

func (m *memMeetings) GetMeeting(_ context.Context, id string) (models.Meeting, error) {
	meeting, ok := m.byID[id]
	if !ok {
		return models.Meeting{}, fmt.Errorf("meeting %s: %w", id, store.ErrNotFound)
	}
	return meeting, nil
}

func (m *memMeetings) SaveArchiveLocation(_ context.Context, id, location string) error {
	meeting := m.byID[id]
	meeting.ArchiveLocation = &location
	m.byID[id] = meeting
	return nil
}

type recordedTask struct{ tasks []models.EnrichmentTask }

func (r *recordedTask) Run(_ context.Context, task models.EnrichmentTask) error {
	r.tasks = append(r.tasks, task)
	return nil
}

type stubSummarizer struct {
	text  string
	err   error
	calls int
}

func (s *stubSummarizer) Summarize(_ context.Context, in minutes.Input) (string, error) {
	s.calls++
	return s.text, s.err
}

type published struct {
	meeting models.Meeting
	text    string
}

type recordingPublisher struct{ got []published }

func (p *recordingPublisher) PublishMinutes(_ context.Context, m models.Meeting, text string) error {
	p.got = append(p.got, published{meeting: m, text: text})
	return nil
}

type sentMail struct{ emails []notify.Email }

func (s *sentMail) Send(_ context.Context, e notify.Email) error {
	s.emails = append(s.emails, e)
	return nil
}

func strPtr(s string) *string { return &s }

func meetingJob(jobType models.JobType, meetingID string, attempt int) models.Job {
	return models.Job{
		ID:           "job-" + meetingID,
		Type:         jobType,
		Payload:      []byte(fmt.Sprintf(`{"meetingId":%q}`, meetingID)),
		AttemptCount: attempt,
		MaxRetries:   5,
	}
}

func newTestHandlers(t *testing.T) (*Handlers, *memMeetings) {
	t.Helper()
	meetings := &memMeetings{byID: map[string]models.Meeting{
		"m1": {
			ID:               "m1",
			Title:            "Planning",
			OrganizerEmail:   "owner@example.com",
			EnrichmentStatus: models.EnrichmentEnriched,
			Transcript:       strPtr("alice: ship it"),
			RecordingURL:     strPtr("https://rec/m1"),
		},
	}}
	h := &Handlers{
		Meetings:   meetings,
		Enricher:   &recordedTask{},
		Summarizer: &stubSummarizer{text: "## Summary\nShip it."},
		Publisher:  &recordingPublisher{},
		Uploader:   archive.NewLocalUploader(t.TempDir()),
		Mailer:     &sentMail{},
		Logger:     zerolog.Nop(),
		now:        func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) },
	}
	return h, meetings
}

func TestHandlersRegisterEveryType(t *testing.T) {
	h, _ := newTestHandlers(t)
	r := NewRouter()
	h.Register(r)
	assert.Equal(t, models.JobTypes, r.Types())
}

func TestEnrichMeetingPassesAttempt(t *testing.T) {
	h, _ := newTestHandlers(t)
	require.NoError(t, h.EnrichMeeting(context.Background(), meetingJob(models.JobEnrichMeeting, "m1", 3)))
	tasks := h.Enricher.(*recordedTask).tasks
	require.Len(t, tasks, 1)
	assert.Equal(t, models.EnrichmentTask{MeetingID: "m1", Attempt: 3}, tasks[0])

	err := h.EnrichMeeting(context.Background(), models.Job{ID: "bad", Type: models.JobEnrichMeeting})
	assert.True(t, retry.IsPermanent(err))
}

func TestGenerateMinutes(t *testing.T) {
	h, meetings := newTestHandlers(t)
	ctx := context.Background()

	require.NoError(t, h.GenerateMinutes(ctx, meetingJob(models.JobGenerateMinutes, "m1", 1)))
	pub := h.Publisher.(*recordingPublisher)
	require.Len(t, pub.got, 1)
	assert.Equal(t, "## Summary\nShip it.", pub.got[0].text)

	// Minutes saved earlier are reused instead of summarizing again.
	m := meetings.byID["m1"]
	m.Minutes = strPtr("already written")
	meetings.byID["m1"] = m
	require.NoError(t, h.GenerateMinutes(ctx, meetingJob(models.JobGenerateMinutes, "m1", 2)))
	assert.Equal(t, 1, h.Summarizer.(*stubSummarizer).calls)
	assert.Equal(t, "already written", pub.got[1].text)
}

func TestGenerateMinutesErrors(t *testing.T) {
	h, meetings := newTestHandlers(t)
	ctx := context.Background()

	meetings.byID["m2"] = models.Meeting{ID: "m2", EnrichmentStatus: models.EnrichmentEnriching}
	err := h.GenerateMinutes(ctx, meetingJob(models.JobGenerateMinutes, "m2", 1))
	assert.True(t, retry.IsPermanent(err))

	err = h.GenerateMinutes(ctx, meetingJob(models.JobGenerateMinutes, "missing", 1))
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.True(t, retry.IsPermanent(err))

	h.Summarizer = &stubSummarizer{err: errors.New("quota exceeded")}
	err = h.GenerateMinutes(ctx, meetingJob(models.JobGenerateMinutes, "m1", 1))
	assert.EqualError(t, err, "quota exceeded")
	assert.False(t, retry.IsPermanent(err))
}

func TestUploadDocument(t *testing.T) {
	h, meetings := newTestHandlers(t)
	ctx := context.Background()

	err := h.UploadDocument(ctx, meetingJob(models.JobUploadDocument, "m1", 1))
	assert.True(t, retry.IsPermanent(err), "no minutes yet")

	m := meetings.byID["m1"]
	m.Minutes = strPtr("## Summary\nShip it.")
	meetings.byID["m1"] = m

	require.NoError(t, h.UploadDocument(ctx, meetingJob(models.JobUploadDocument, "m1", 1)))
	loc := meetings.byID["m1"].ArchiveLocation
	require.NotNil(t, loc)
	body, err := os.ReadFile(*loc)
	require.NoError(t, err)
	assert.Contains(t, string(body), "# Planning")
	assert.Contains(t, string(body), "Ship it.")

	// Already archived: nothing is rewritten.
	require.NoError(t, os.Remove(*loc))
	require.NoError(t, h.UploadDocument(ctx, meetingJob(models.JobUploadDocument, "m1", 2)))
	_, err = os.Stat(*loc)
	assert.True(t, os.IsNotExist(err))
}

func TestSendEmail(t *testing.T) {
	h, meetings := newTestHandlers(t)
	ctx := context.Background()

	m := meetings.byID["m1"]
	m.Minutes = strPtr("## Summary\nShip it.")
	m.ArchiveLocation = strPtr("s3://minutes/meetings/m1/minutes.md")
	meetings.byID["m1"] = m

	require.NoError(t, h.SendEmail(ctx, meetingJob(models.JobSendEmail, "m1", 1)))
	sent := h.Mailer.(*sentMail).emails
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"owner@example.com"}, sent[0].To)
	assert.Equal(t, "Minutes: Planning", sent[0].Subject)
	assert.Contains(t, sent[0].Body, "Ship it.")
	assert.Contains(t, sent[0].Body, "s3://minutes/meetings/m1/minutes.md")
	assert.Contains(t, sent[0].Body, "https://rec/m1")

	meetings.byID["m3"] = models.Meeting{ID: "m3", Minutes: strPtr("x")}
	err := h.SendEmail(ctx, meetingJob(models.JobSendEmail, "m3", 1))
	assert.True(t, retry.IsPermanent(err))
}
