// Package lease elects the single active worker per role through a row in
// worker_leases. Winning takes two steps: an atomic conditional upsert, then a
// confirmatory read of the holder.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"meeting-jobcore/internal/models"
	"meeting-jobcore/internal/store"
)

// Coordinator acquires, renews and releases worker-role leases.
type Coordinator struct {
	db     store.DBTX
	logger zerolog.Logger
	now    func() time.Time
}

func New(db store.DBTX, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		db:     db,
		logger: logger.With().Str("component", "lease").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source; tests only.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// TryAcquireOrRenew claims or extends the lease for role. The upsert creates
// the row, takes over an expired one, or renews our own; a live lease held by
// someone else is left untouched. The result is decided by re-reading the row.
func (c *Coordinator) TryAcquireOrRenew(ctx context.Context, role, instanceID string, leaseDuration time.Duration) (bool, error) {
	now := c.now()
	expires := now.Add(leaseDuration)
	if _, err := c.db.Exec(ctx, `
		INSERT INTO worker_leases (worker_role, instance_id, acquired_at, last_heartbeat, lease_expires_at)
		VALUES ($1, $2, $3, $3, $4)
		ON CONFLICT (worker_role) DO UPDATE
		SET instance_id = EXCLUDED.instance_id,
			acquired_at = CASE WHEN worker_leases.instance_id = EXCLUDED.instance_id
				THEN worker_leases.acquired_at ELSE EXCLUDED.acquired_at END,
			last_heartbeat = EXCLUDED.last_heartbeat,
			lease_expires_at = EXCLUDED.lease_expires_at
		WHERE worker_leases.instance_id = EXCLUDED.instance_id
		   OR worker_leases.lease_expires_at <= EXCLUDED.last_heartbeat
	`, role, instanceID, now, expires); err != nil {
		return false, fmt.Errorf("upsert lease: %w", err)
	}

	holder, err := c.Holder(ctx, role)
	if err != nil {
		return false, err
	}
	won := holder != nil && holder.HeldBy(instanceID, now)
	if !won && holder != nil {
		c.logger.Debug().
			Str("worker_role", role).
			Str("instance_id", instanceID).
			Str("holder", holder.InstanceID).
			Time("lease_expires_at", holder.LeaseExpiresAt).
			Msg("lease held by another instance")
	}
	return won, nil
}

// Holder returns the current lease row for role, or nil if there is none.
func (c *Coordinator) Holder(ctx context.Context, role string) (*models.Lease, error) {
	var l models.Lease
	err := c.db.QueryRow(ctx, `
		SELECT worker_role, instance_id, acquired_at, last_heartbeat, lease_expires_at
		FROM worker_leases WHERE worker_role = $1
	`, role).Scan(&l.WorkerRole, &l.InstanceID, &l.AcquiredAt, &l.LastHeartbeat, &l.LeaseExpiresAt)
	if store.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lease: %w", err)
	}
	l.AcquiredAt = l.AcquiredAt.UTC()
	l.LastHeartbeat = l.LastHeartbeat.UTC()
	l.LeaseExpiresAt = l.LeaseExpiresAt.UTC()
	return &l, nil
}

// Release deletes the lease row if instanceID still owns it. It reports
// whether a row was removed.
func (c *Coordinator) Release(ctx context.Context, role, instanceID string) (bool, error) {
	tag, err := c.db.Exec(ctx, `
		DELETE FROM worker_leases WHERE worker_role = $1 AND instance_id = $2
	`, role, instanceID)
	if err != nil {
		return false, fmt.Errorf("release lease: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
