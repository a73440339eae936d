package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT value FROM settings WHERE name = ?`), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	query := s.db.Rebind(`
		INSERT INTO settings (name, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, query, key, value, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}
