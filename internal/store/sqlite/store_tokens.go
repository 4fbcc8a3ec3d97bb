package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/relaylink/relaylink/internal/domain"
)

// CreateSessionToken mints a single-use session token for an instance,
// storing the AES key material presented at issuance so the relay can match
// it when the token is spent.
func (s *Store) CreateSessionToken(ctx context.Context, instanceID, aesKeyB64, aesIVB64 string, ttl time.Duration) (string, error) {
	token, err := newID("st")
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO session_tokens(token, instance_id, aes_key, aes_iv, expires_at, used_at)
VALUES(?, ?, ?, ?, ?, NULL)`, token, instanceID, aesKeyB64, aesIVB64, time.Now().UTC().Add(ttl))
	return token, err
}

// ConsumeSessionToken atomically spends a token. It returns the spent token
// record, or [domain.ErrTokenInvalid] for an unknown, expired, or
// already-used token.
func (s *Store) ConsumeSessionToken(ctx context.Context, token string) (domain.SessionToken, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.SessionToken{}, err
	}
	defer func() { _ = tx.Rollback() }()

	rec := domain.SessionToken{Token: token}
	var used sql.NullTime
	if err = tx.QueryRowContext(ctx, `
SELECT instance_id, aes_key, aes_iv, expires_at, used_at
FROM session_tokens
WHERE token = ?`, token).Scan(&rec.InstanceID, &rec.AESKeyB64, &rec.AESIVB64, &rec.ExpiresAt, &used); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.SessionToken{}, domain.ErrTokenInvalid
		}
		return domain.SessionToken{}, err
	}
	now := time.Now().UTC()
	if used.Valid || now.After(rec.ExpiresAt) {
		return domain.SessionToken{}, domain.ErrTokenInvalid
	}

	res, err := tx.ExecContext(ctx, `
UPDATE session_tokens
SET used_at = ?
WHERE token = ? AND used_at IS NULL AND expires_at >= ?`, now, token, now)
	if err != nil {
		return domain.SessionToken{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.SessionToken{}, err
	}
	if affected == 0 {
		return domain.SessionToken{}, domain.ErrTokenInvalid
	}
	if err = tx.Commit(); err != nil {
		return domain.SessionToken{}, err
	}
	rec.UsedAt = &now
	return rec, nil
}

// PurgeStaleSessionTokens removes expired tokens and used tokens older than
// the provided cutoff. It limits each run to avoid long write transactions.
func (s *Store) PurgeStaleSessionTokens(ctx context.Context, now, usedOlderThan time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = defaultSessionTokenPurgeLimit
	}
	now = now.UTC()
	usedOlderThan = usedOlderThan.UTC()

	res, err := s.db.ExecContext(ctx, `
DELETE FROM session_tokens
WHERE token IN (
	SELECT token
	FROM session_tokens
	WHERE expires_at < ? OR (used_at IS NOT NULL AND used_at < ?)
	ORDER BY COALESCE(used_at, expires_at) ASC
	LIMIT ?
)`, now, usedOlderThan, limit)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
