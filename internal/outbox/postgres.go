package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"meeting-jobcore/internal/models"
	"meeting-jobcore/internal/store"
)

var (
	// ErrAlreadyStaged is returned when an audit record with the same
	// idempotency key exists; nothing new is staged.
	ErrAlreadyStaged = errors.New("notification already staged")
	ErrNotFound      = errors.New("audit record not found")
)

// PgStore keeps audit records and outbox messages in Postgres.
type PgStore struct {
	db  store.DBTX
	now func() time.Time
}

func NewPgStore(db store.DBTX) *PgStore {
	return &PgStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// WithTx returns a copy bound to tx so staging joins the caller's transaction.
func (s *PgStore) WithTx(tx pgx.Tx) *PgStore {
	return &PgStore{db: tx, now: s.now}
}

// SetClock overrides the time source; tests only.
func (s *PgStore) SetClock(now func() time.Time) {
	s.now = now
}

// StageParams describes one logical notification.
type StageParams struct {
	// IdempotencyKey defaults to "<MessageType>:<CorrelationEntity>".
	IdempotencyKey       string
	CorrelationEntity    string
	MessageType          string
	Payload              any
	DestinationReference string
}

// Stage inserts the audit record and, only if that insert succeeded, the
// paired outbox message, inside one transaction (a savepoint when the store
// is bound to a caller's transaction). A duplicate key returns ErrAlreadyStaged
// and leaves the surrounding transaction usable.
func (s *PgStore) Stage(ctx context.Context, p StageParams) (models.AuditRecord, error) {
	if p.MessageType == "" || p.CorrelationEntity == "" {
		return models.AuditRecord{}, errors.New("message type and correlation entity are required")
	}
	if p.DestinationReference == "" {
		return models.AuditRecord{}, errors.New("destination reference is required")
	}
	key := p.IdempotencyKey
	if key == "" {
		key = p.MessageType + ":" + p.CorrelationEntity
	}
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return models.AuditRecord{}, fmt.Errorf("marshal outbox payload: %w", err)
	}

	now := s.now()
	rec := models.AuditRecord{
		ID:                uuid.NewString(),
		IdempotencyKey:    key,
		CorrelationEntity: p.CorrelationEntity,
		MessageType:       p.MessageType,
		Status:            models.AuditStaged,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	err = store.InTx(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO audit_records (id, idempotency_key, correlation_entity, message_type, status, attempt_count, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, 0, $6, $6)
		`, rec.ID, rec.IdempotencyKey, rec.CorrelationEntity, rec.MessageType, rec.Status, now); err != nil {
			if store.IsUniqueViolation(err) {
				return ErrAlreadyStaged
			}
			return fmt.Errorf("insert audit record: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO outbox_messages (id, audit_record_id, payload, destination_reference, attempt_count, next_attempt_at, created_at)
			VALUES ($1, $2, $3, $4, 0, $5, $5)
		`, uuid.NewString(), rec.ID, payload, p.DestinationReference, now); err != nil {
			return fmt.Errorf("insert outbox message: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.AuditRecord{}, err
	}
	return rec, nil
}

func scanMessage(row pgx.Row) (models.OutboxMessage, error) {
	var (
		m                      models.OutboxMessage
		payload                []byte
		lastAttempt, claimedAt pgtype.Timestamptz
		lastErr                pgtype.Text
	)
	if err := row.Scan(&m.ID, &m.AuditRecordID, &payload, &m.DestinationReference, &m.AttemptCount,
		&lastAttempt, &m.NextAttemptAt, &claimedAt, &lastErr, &m.CreatedAt); err != nil {
		return models.OutboxMessage{}, err
	}
	m.Payload = json.RawMessage(payload)
	m.LastAttemptAt = store.TimePtr(lastAttempt)
	m.ClaimedAt = store.TimePtr(claimedAt)
	m.LastError = store.TextPtr(lastErr)
	m.NextAttemptAt = m.NextAttemptAt.UTC()
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

// Claim implements Store using skip-locked row claiming, oldest next_attempt_at first.
func (s *PgStore) Claim(ctx context.Context, limit int, now time.Time) ([]models.OutboxMessage, error) {
	rows, err := s.db.Query(ctx, `
		WITH due AS (
			SELECT id FROM outbox_messages
			WHERE claimed_at IS NULL AND next_attempt_at <= $1
			ORDER BY next_attempt_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_messages o
		SET claimed_at = $1, last_attempt_at = $1, attempt_count = o.attempt_count + 1
		FROM due
		WHERE o.id = due.id
		RETURNING o.id, o.audit_record_id, o.payload, o.destination_reference, o.attempt_count,
			o.last_attempt_at, o.next_attempt_at, o.claimed_at, o.last_error, o.created_at
	`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.OutboxMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// UPDATE ... RETURNING does not preserve the CTE's order.
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].NextAttemptAt.Before(msgs[j].NextAttemptAt)
	})
	return msgs, nil
}

func (s *PgStore) MarkSent(ctx context.Context, msg models.OutboxMessage, now time.Time) error {
	return store.InTx(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM outbox_messages WHERE id = $1`, msg.ID)
		if err != nil {
			return fmt.Errorf("delete outbox message: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("outbox message %s vanished", msg.ID)
		}
		_, err = tx.Exec(ctx, `
			UPDATE audit_records
			SET status = $2, attempt_count = $3, sent_at = $4, last_error = NULL, updated_at = $4
			WHERE id = $1
		`, msg.AuditRecordID, models.AuditSent, msg.AttemptCount, now.UTC())
		if err != nil {
			return fmt.Errorf("mark audit sent: %w", err)
		}
		return nil
	})
}

func (s *PgStore) Reschedule(ctx context.Context, msg models.OutboxMessage, nextAt time.Time, lastErr string, now time.Time) error {
	return store.InTx(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE outbox_messages
			SET claimed_at = NULL, next_attempt_at = $2, last_error = $3
			WHERE id = $1
		`, msg.ID, nextAt.UTC(), lastErr); err != nil {
			return fmt.Errorf("reschedule outbox message: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE audit_records SET attempt_count = $2, last_error = $3, updated_at = $4 WHERE id = $1
		`, msg.AuditRecordID, msg.AttemptCount, lastErr, now.UTC()); err != nil {
			return fmt.Errorf("update audit attempt: %w", err)
		}
		return nil
	})
}

func (s *PgStore) DeadLetter(ctx context.Context, msg models.OutboxMessage, lastErr string, now time.Time) error {
	return store.InTx(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM outbox_messages WHERE id = $1`, msg.ID); err != nil {
			return fmt.Errorf("delete outbox message: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE audit_records
			SET status = $2, attempt_count = $3, last_error = $4, updated_at = $5
			WHERE id = $1
		`, msg.AuditRecordID, models.AuditFailed, msg.AttemptCount, lastErr, now.UTC()); err != nil {
			return fmt.Errorf("mark audit failed: %w", err)
		}
		return nil
	})
}

func (s *PgStore) ResetStalled(ctx context.Context, grace time.Duration, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE outbox_messages
		SET claimed_at = NULL, next_attempt_at = $1
		WHERE claimed_at IS NOT NULL AND last_attempt_at < $2 AND next_attempt_at <= $1
	`, now.UTC(), now.Add(-grace).UTC())
	if err != nil {
		return 0, fmt.Errorf("reset stalled outbox messages: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AuditByKey looks up an audit record by idempotency key.
func (s *PgStore) AuditByKey(ctx context.Context, key string) (models.AuditRecord, error) {
	var (
		rec     models.AuditRecord
		lastErr pgtype.Text
		sentAt  pgtype.Timestamptz
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, idempotency_key, correlation_entity, message_type, status, attempt_count,
			last_error, sent_at, created_at, updated_at
		FROM audit_records WHERE idempotency_key = $1
	`, key).Scan(&rec.ID, &rec.IdempotencyKey, &rec.CorrelationEntity, &rec.MessageType, &rec.Status,
		&rec.AttemptCount, &lastErr, &sentAt, &rec.CreatedAt, &rec.UpdatedAt)
	if store.IsNoRows(err) {
		return models.AuditRecord{}, fmt.Errorf("audit %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return models.AuditRecord{}, fmt.Errorf("scan audit record: %w", err)
	}
	rec.LastError = store.TextPtr(lastErr)
	rec.SentAt = store.TimePtr(sentAt)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

// Pending counts messages still awaiting delivery.
func (s *PgStore) Pending(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count outbox messages: %w", err)
	}
	return n, nil
}
