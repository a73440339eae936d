package store

import (
	"context"
	"fmt"

	"github.com/EternisAI/silo-fleet/internal/events"
)

func (s *Store) InsertActivity(ctx context.Context, a events.Activity) error {
	query := s.db.Rebind(`
		INSERT INTO activity (id, kind, client_id, message, created_at)
		VALUES (?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, a.ID, string(a.Kind), a.ClientID, a.Message, toNanos(a.Timestamp)); err != nil {
		return fmt.Errorf("failed to insert activity: %w", err)
	}
	return nil
}

func (s *Store) ListActivity(ctx context.Context, limit int) ([]events.Activity, error) {
	query := s.db.Rebind(`
		SELECT id, kind, client_id, message, created_at
		FROM activity
		ORDER BY created_at DESC, id DESC
		LIMIT ?`)
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list activity: %w", err)
	}
	defer rows.Close()

	var out []events.Activity
	for rows.Next() {
		var a events.Activity
		var kind string
		var createdAt int64
		if err := rows.Scan(&a.ID, &kind, &a.ClientID, &a.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		a.Kind = events.Kind(kind)
		a.Timestamp = fromNanos(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) PruneActivity(ctx context.Context, keep int) error {
	query := s.db.Rebind(`
		DELETE FROM activity WHERE id NOT IN (
			SELECT id FROM activity ORDER BY created_at DESC, id DESC LIMIT ?
		)`)
	if _, err := s.db.ExecContext(ctx, query, keep); err != nil {
		return fmt.Errorf("failed to prune activity: %w", err)
	}
	return nil
}
