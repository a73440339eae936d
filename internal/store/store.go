// Package store persists enrollment tokens, agent snapshots, settings and the
// activity feed in postgres or sqlite. Timestamps are stored as unix nanoseconds.
package store

import (
	"database/sql"
	"time"

	"github.com/EternisAI/silo-fleet/internal/agents"
	"github.com/EternisAI/silo-fleet/internal/db"
	"github.com/EternisAI/silo-fleet/internal/events"
	"github.com/EternisAI/silo-fleet/internal/fleet"
	"github.com/EternisAI/silo-fleet/internal/provisioning"
)

type Store struct {
	db *db.DB
}

var (
	_ provisioning.Repository   = (*Store)(nil)
	_ agents.Repository         = (*Store)(nil)
	_ fleet.SettingsRepository  = (*Store)(nil)
	_ events.ActivityRepository = (*Store)(nil)
)

func New(d *db.DB) *Store {
	return &Store{db: d}
}

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
