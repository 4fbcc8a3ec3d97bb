package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/relaylink/relaylink/internal/domain"
)

// UpsertInstance registers an instance keyed by its access-key hash,
// creating it on first registration and refreshing last_seen_at on
// subsequent ones. The stored record wins over the supplied domain so a
// re-registering instance keeps its assignment.
func (s *Store) UpsertInstance(ctx context.Context, accessKeyHash, assignedDomain, email string) (domain.Instance, error) {
	now := time.Now().UTC()

	existing, err := s.InstanceByAccessKeyHash(ctx, accessKeyHash)
	if err == nil {
		_, err = s.db.ExecContext(ctx, `
UPDATE instances SET last_seen_at = ? WHERE id = ?`, now, existing.ID)
		if err != nil {
			return domain.Instance{}, err
		}
		existing.LastSeenAt = &now
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Instance{}, err
	}

	id, err := newID("in")
	if err != nil {
		return domain.Instance{}, err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO instances(id, access_key_hash, domain, email, created_at, last_seen_at)
VALUES(?, ?, ?, ?, ?, ?)`, id, accessKeyHash, assignedDomain, email, now, now)
	if err != nil {
		return domain.Instance{}, err
	}
	return domain.Instance{
		ID:            id,
		AccessKeyHash: accessKeyHash,
		Domain:        assignedDomain,
		Email:         email,
		CreatedAt:     now,
		LastSeenAt:    &now,
	}, nil
}

// InstanceByAccessKeyHash looks an instance up by its hashed access key.
func (s *Store) InstanceByAccessKeyHash(ctx context.Context, accessKeyHash string) (domain.Instance, error) {
	var inst domain.Instance
	var lastSeen sql.NullTime
	err := s.db.QueryRowContext(ctx, `
SELECT id, access_key_hash, domain, email, created_at, last_seen_at
FROM instances
WHERE access_key_hash = ?`, accessKeyHash).Scan(
		&inst.ID, &inst.AccessKeyHash, &inst.Domain, &inst.Email, &inst.CreatedAt, &lastSeen)
	if err != nil {
		return domain.Instance{}, err
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		inst.LastSeenAt = &t
	}
	return inst, nil
}
