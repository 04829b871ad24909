package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meeting-jobcore/internal/models"
	"meeting-jobcore/internal/store"
	"meeting-jobcore/internal/store/storetest"
)

func TestStageIsIdempotent(t *testing.T) {
	pool := storetest.New(t)
	s := NewPgStore(pool)
	ctx := context.Background()

	params := StageParams{
		CorrelationEntity:    "meeting:m1",
		MessageType:          "minutes_ready",
		Payload:              map[string]string{"text": "Minutes are ready"},
		DestinationReference: "chat:https://hooks.example.test/abc",
	}
	rec, err := s.Stage(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, "minutes_ready:meeting:m1", rec.IdempotencyKey)

	_, err = s.Stage(ctx, params)
	assert.ErrorIs(t, err, ErrAlreadyStaged)

	n, err := s.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.AuditByKey(ctx, rec.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, models.AuditStaged, got.Status)
}

func TestStageInsideCallerTransaction(t *testing.T) {
	pool := storetest.New(t)
	s := NewPgStore(pool)
	ctx := context.Background()
	params := StageParams{CorrelationEntity: "meeting:m1", MessageType: "minutes_ready", DestinationReference: "chat:x"}

	_, err := s.Stage(ctx, params)
	require.NoError(t, err)

	err = store.InTx(ctx, pool, func(tx pgx.Tx) error {
		_, err := s.WithTx(tx).Stage(ctx, params)
		require.ErrorIs(t, err, ErrAlreadyStaged)
		// The savepoint rolled back; the outer transaction is still usable.
		_, err = s.WithTx(tx).Stage(ctx, StageParams{CorrelationEntity: "meeting:m2", MessageType: "minutes_ready", DestinationReference: "chat:y"})
		return err
	})
	require.NoError(t, err)

	n, err := s.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	err = store.InTx(ctx, pool, func(tx pgx.Tx) error {
		if _, err := s.WithTx(tx).Stage(ctx, StageParams{CorrelationEntity: "meeting:m3", MessageType: "minutes_ready", DestinationReference: "chat:z"}); err != nil {
			return err
		}
		return errors.New("business write failed")
	})
	require.Error(t, err)

	_, err = s.AuditByKey(ctx, "minutes_ready:meeting:m3")
	assert.ErrorIs(t, err, ErrNotFound, "rolled back with the caller")
}

func TestRelayAgainstPostgres(t *testing.T) {
	pool := storetest.New(t)
	s := NewPgStore(pool)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	rec, err := s.Stage(ctx, StageParams{CorrelationEntity: "meeting:m1", MessageType: "minutes_ready", DestinationReference: "chat:x"})
	require.NoError(t, err)

	d := &scriptedDeliverer{errs: []error{errors.New("503 from webhook")}}
	r := newTestRelay(s, d, &now)

	res, err := r.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)

	audit, err := s.AuditByKey(ctx, rec.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, models.AuditStaged, audit.Status)
	assert.Equal(t, 1, audit.AttemptCount)

	now = now.Add(time.Minute)
	res, err = r.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)

	audit, err = s.AuditByKey(ctx, rec.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, models.AuditSent, audit.Status)
	assert.Equal(t, 2, audit.AttemptCount)
	require.NotNil(t, audit.SentAt)

	n, err := s.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestResetStalledAgainstPostgres(t *testing.T) {
	pool := storetest.New(t)
	s := NewPgStore(pool)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	_, err := s.Stage(ctx, StageParams{CorrelationEntity: "meeting:m1", MessageType: "minutes_ready", DestinationReference: "chat:x"})
	require.NoError(t, err)
	claimed, err := s.Claim(ctx, 10, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	again, err := s.Claim(ctx, 10, now)
	require.NoError(t, err)
	assert.Empty(t, again, "claimed message is not handed out twice")

	r := NewRelay(s, &scriptedDeliverer{}, Settings{RecoveryGrace: 10 * time.Minute}, zerolog.Nop())
	later := now.Add(11 * time.Minute)
	r.SetClock(func() time.Time { return later })
	n, err := r.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	res, err := r.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
}
