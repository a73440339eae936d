package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/EternisAI/silo-fleet/internal/provisioning"
)

func (s *Store) InsertToken(ctx context.Context, t provisioning.Token) error {
	query := s.db.Rebind(`
		INSERT INTO enrollment_tokens (id, name, secret_hash, expires_at, max_uses, use_count, active, created_at, revoked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		t.ID, t.Name, t.SecretHash, nullableNanos(t.ExpiresAt),
		t.MaxUses, t.UseCount, t.Active, toNanos(t.CreatedAt), nullableNanos(t.RevokedAt))
	if err != nil {
		return fmt.Errorf("failed to insert enrollment token: %w", err)
	}
	return nil
}

// RecordTokenUse raises the stored use count to useCount. A lower value, as
// produced by a late or reordered write, leaves the row unchanged.
func (s *Store) RecordTokenUse(ctx context.Context, id string, useCount int) error {
	query := s.db.Rebind(fmt.Sprintf(
		`UPDATE enrollment_tokens SET use_count = %s(use_count, ?) WHERE id = ?`, s.db.Greatest()))
	if _, err := s.db.ExecContext(ctx, query, useCount, id); err != nil {
		return fmt.Errorf("failed to record token use: %w", err)
	}
	return nil
}

func (s *Store) RevokeToken(ctx context.Context, id string, at time.Time) error {
	query := s.db.Rebind(`
		UPDATE enrollment_tokens SET active = ?, revoked_at = ?
		WHERE id = ? AND revoked_at IS NULL`)
	if _, err := s.db.ExecContext(ctx, query, false, toNanos(at), id); err != nil {
		return fmt.Errorf("failed to revoke enrollment token: %w", err)
	}
	return nil
}

func (s *Store) DeleteToken(ctx context.Context, id string) error {
	query := s.db.Rebind(`DELETE FROM enrollment_tokens WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete enrollment token: %w", err)
	}
	return nil
}

func (s *Store) ListTokens(ctx context.Context) ([]provisioning.Token, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, secret_hash, expires_at, max_uses, use_count, active, created_at, revoked_at
		FROM enrollment_tokens
		ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list enrollment tokens: %w", err)
	}
	defer rows.Close()

	var tokens []provisioning.Token
	for rows.Next() {
		var t provisioning.Token
		var expiresAt, revoked sql.NullInt64
		var createdAt int64
		if err := rows.Scan(&t.ID, &t.Name, &t.SecretHash, &expiresAt, &t.MaxUses,
			&t.UseCount, &t.Active, &createdAt, &revoked); err != nil {
			return nil, fmt.Errorf("failed to scan enrollment token: %w", err)
		}
		t.ExpiresAt = timePtr(expiresAt)
		t.RevokedAt = timePtr(revoked)
		t.CreatedAt = fromNanos(createdAt)
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}
