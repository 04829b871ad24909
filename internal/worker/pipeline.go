package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"meeting-jobcore/internal/models"
	"meeting-jobcore/internal/outbox"
	"meeting-jobcore/internal/queue"
	"meeting-jobcore/internal/store"
)

// MessageMinutesReady is the outbox message type announcing new minutes.
const MessageMinutesReady = "minutes_ready"

// ChatMessage is the JSON body posted to chat webhooks.
type ChatMessage struct {
	Text      string `json:"text"`
	MeetingID string `json:"meetingId"`
}

// PgPipeline commits minutes together with the work they trigger.
type PgPipeline struct {
	db       store.DBTX
	meetings *store.Meetings
	queue    *queue.Queue
	outbox   *outbox.PgStore
}

func NewPgPipeline(db store.DBTX, q *queue.Queue, ob *outbox.PgStore) *PgPipeline {
	return &PgPipeline{db: db, meetings: store.NewMeetings(db), queue: q, outbox: ob}
}

// PublishMinutes saves the minutes, enqueues the archive upload and the
// organizer email, and stages the chat notification, all in one transaction.
// Each follow-up has its own idempotency key, so a repeat is a no-op.
func (p *PgPipeline) PublishMinutes(ctx context.Context, m models.Meeting, text string) error {
	return store.InTx(ctx, p.db, func(tx pgx.Tx) error {
		if err := p.meetings.WithTx(tx).SaveMinutes(ctx, m.ID, text); err != nil {
			return err
		}
		q := p.queue.WithTx(tx)
		payload := models.MeetingPayload{MeetingID: m.ID}
		if _, _, err := q.Enqueue(ctx, queue.EnqueueParams{
			Type:           models.JobUploadDocument,
			IdempotencyKey: models.ArchiveKey(m.ID),
			Payload:        payload,
		}); err != nil {
			return err
		}
		if m.OrganizerEmail != "" {
			if _, _, err := q.Enqueue(ctx, queue.EnqueueParams{
				Type:           models.JobSendEmail,
				IdempotencyKey: models.MinutesEmailKey(m.ID),
				Payload:        payload,
			}); err != nil {
				return err
			}
		}
		if m.ChatDestination == "" {
			return nil
		}
		title := m.Title
		if title == "" {
			title = m.ID
		}
		_, err := p.outbox.WithTx(tx).Stage(ctx, outbox.StageParams{
			CorrelationEntity:    m.ID,
			MessageType:          MessageMinutesReady,
			Payload:              ChatMessage{Text: fmt.Sprintf("Minutes are ready for %q.", title), MeetingID: m.ID},
			DestinationReference: chatDestination(m.ChatDestination),
		})
		if errors.Is(err, outbox.ErrAlreadyStaged) {
			return nil
		}
		return err
	})
}

// chatDestination accepts either a bare webhook URL or a "chat:" reference.
func chatDestination(dest string) string {
	if strings.HasPrefix(dest, "chat:") {
		return dest
	}
	return "chat:" + dest
}
