package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/EternisAI/silo-fleet/internal/agents"
)

// UpsertAgents writes agent snapshots in one transaction. last_seen and the
// counters never move backwards, and a stored blacklisted status is kept.
func (s *Store) UpsertAgents(ctx context.Context, list []agents.Agent) error {
	greatest := s.db.Greatest()
	query := s.db.Rebind(fmt.Sprintf(`
		INSERT INTO agents (client_id, hostname, os_type, os_version, agent_version, ip_address,
			status, enrolled_at, last_seen, tags, message_count, error_count, enrollment_token_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (client_id) DO UPDATE SET
			hostname = excluded.hostname,
			os_type = excluded.os_type,
			os_version = excluded.os_version,
			agent_version = excluded.agent_version,
			ip_address = excluded.ip_address,
			status = CASE WHEN agents.status = '%[2]s' THEN agents.status ELSE excluded.status END,
			last_seen = %[1]s(agents.last_seen, excluded.last_seen),
			tags = excluded.tags,
			message_count = %[1]s(agents.message_count, excluded.message_count),
			error_count = %[1]s(agents.error_count, excluded.error_count)`,
		greatest, agents.StatusBlacklisted))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare agent upsert: %w", err)
	}
	defer stmt.Close()

	for _, a := range list {
		tags := a.Tags
		if tags == nil {
			tags = []string{}
		}
		encoded, err := json.Marshal(tags)
		if err != nil {
			return fmt.Errorf("failed to encode tags for %s: %w", a.ClientID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			a.ClientID, a.Hostname, a.OSType, a.OSVersion, a.AgentVersion, a.IPAddress,
			string(a.Status), toNanos(a.EnrolledAt), toNanos(a.LastSeen), string(encoded),
			int64(a.MessageCount), int64(a.ErrorCount), a.EnrollmentTokenID); err != nil {
			return fmt.Errorf("failed to upsert agent %s: %w", a.ClientID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit agents: %w", err)
	}
	return nil
}

func (s *Store) ListAgents(ctx context.Context) ([]agents.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_id, hostname, os_type, os_version, agent_version, ip_address,
			status, enrolled_at, last_seen, tags, message_count, error_count, enrollment_token_id
		FROM agents
		ORDER BY client_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var list []agents.Agent
	for rows.Next() {
		var a agents.Agent
		var status, tags string
		var enrolledAt, lastSeen, messageCount, errorCount int64
		if err := rows.Scan(&a.ClientID, &a.Hostname, &a.OSType, &a.OSVersion, &a.AgentVersion,
			&a.IPAddress, &status, &enrolledAt, &lastSeen, &tags, &messageCount, &errorCount,
			&a.EnrollmentTokenID); err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		parsed, err := agents.ParseStatus(status)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", a.ClientID, err)
		}
		if err := json.Unmarshal([]byte(tags), &a.Tags); err != nil {
			return nil, fmt.Errorf("agent %s: failed to decode tags: %w", a.ClientID, err)
		}
		a.Status = parsed
		a.EnrolledAt = fromNanos(enrolledAt)
		a.LastSeen = fromNanos(lastSeen)
		a.MessageCount = uint64(messageCount)
		a.ErrorCount = uint64(errorCount)
		list = append(list, a)
	}
	return list, rows.Err()
}

func (s *Store) DeleteAgent(ctx context.Context, clientID string) error {
	query := s.db.Rebind(`DELETE FROM agents WHERE client_id = ?`)
	if _, err := s.db.ExecContext(ctx, query, clientID); err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	return nil
}
