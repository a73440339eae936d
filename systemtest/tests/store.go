package tests

import (
	"context"
	"testing"
	"time"

	"github.com/EternisAI/silo-fleet/internal/agents"
	"github.com/EternisAI/silo-fleet/internal/db"
	"github.com/EternisAI/silo-fleet/internal/provisioning"
	"github.com/EternisAI/silo-fleet/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

func TestTokenStore(t *testing.T, d *db.DB) {
	ctx := context.Background()
	s := store.New(d)

	expires := epoch.Add(48 * time.Hour)
	require.NoError(t, s.InsertToken(ctx, provisioning.Token{
		ID: "pg-tok-1", Name: "racks", SecretHash: "pg-hash-1", ExpiresAt: &expires,
		MaxUses: 10, Active: true, CreatedAt: epoch,
	}))

	t.Run("duplicate hash", func(t *testing.T) {
		err := s.InsertToken(ctx, provisioning.Token{
			ID: "pg-tok-2", SecretHash: "pg-hash-1", MaxUses: 1, Active: true, CreatedAt: epoch,
		})
		assert.Error(t, err)
	})

	t.Run("use count is monotonic", func(t *testing.T) {
		require.NoError(t, s.RecordTokenUse(ctx, "pg-tok-1", 4))
		require.NoError(t, s.RecordTokenUse(ctx, "pg-tok-1", 1))
		tok := findToken(t, s, "pg-tok-1")
		assert.Equal(t, 4, tok.UseCount)
		require.NotNil(t, tok.ExpiresAt)
		assert.True(t, expires.Equal(*tok.ExpiresAt))
	})

	t.Run("revoke keeps first time", func(t *testing.T) {
		at := epoch.Add(time.Hour)
		require.NoError(t, s.RevokeToken(ctx, "pg-tok-1", at))
		require.NoError(t, s.RevokeToken(ctx, "pg-tok-1", at.Add(time.Hour)))
		tok := findToken(t, s, "pg-tok-1")
		assert.False(t, tok.Active)
		require.NotNil(t, tok.RevokedAt)
		assert.True(t, at.Equal(*tok.RevokedAt))
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.DeleteToken(ctx, "pg-tok-1"))
		tokens, err := s.ListTokens(ctx)
		require.NoError(t, err)
		for _, tok := range tokens {
			assert.NotEqual(t, "pg-tok-1", tok.ID)
		}
	})
}

func TestAgentStore(t *testing.T, d *db.DB) {
	ctx := context.Background()
	s := store.New(d)

	base := agents.Agent{
		ClientID:     "pg-agent",
		Hostname:     "pg-agent.local",
		Status:       agents.StatusOnline,
		EnrolledAt:   epoch,
		LastSeen:     epoch.Add(time.Minute),
		Tags:         []string{"db", "prod"},
		MessageCount: 7,
		ErrorCount:   1,
	}
	require.NoError(t, s.UpsertAgents(ctx, []agents.Agent{base}))

	t.Run("stale snapshot does not move counters back", func(t *testing.T) {
		stale := base
		stale.LastSeen = epoch
		stale.MessageCount = 2
		stale.ErrorCount = 0
		require.NoError(t, s.UpsertAgents(ctx, []agents.Agent{stale}))

		got := findAgent(t, s, "pg-agent")
		assert.True(t, base.LastSeen.Equal(got.LastSeen))
		assert.Equal(t, uint64(7), got.MessageCount)
		assert.Equal(t, uint64(1), got.ErrorCount)
		assert.Equal(t, []string{"db", "prod"}, got.Tags)
	})

	t.Run("blacklist is sticky", func(t *testing.T) {
		banned := base
		banned.Status = agents.StatusBlacklisted
		require.NoError(t, s.UpsertAgents(ctx, []agents.Agent{banned}))
		require.NoError(t, s.UpsertAgents(ctx, []agents.Agent{base}))
		assert.Equal(t, agents.StatusBlacklisted, findAgent(t, s, "pg-agent").Status)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.DeleteAgent(ctx, "pg-agent"))
		list, err := s.ListAgents(ctx)
		require.NoError(t, err)
		for _, a := range list {
			assert.NotEqual(t, "pg-agent", a.ClientID)
		}
	})
}

func TestSettings(t *testing.T, d *db.DB) {
	ctx := context.Background()
	s := store.New(d)

	require.NoError(t, s.PutSetting(ctx, "pg_setting", "1"))
	require.NoError(t, s.PutSetting(ctx, "pg_setting", "2"))
	value, ok, err := s.GetSetting(ctx, "pg_setting")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2", value)
}

func findToken(t *testing.T, s *store.Store, id string) provisioning.Token {
	t.Helper()
	tokens, err := s.ListTokens(context.Background())
	require.NoError(t, err)
	for _, tok := range tokens {
		if tok.ID == id {
			return tok
		}
	}
	t.Fatalf("token %s not found", id)
	return provisioning.Token{}
}

func findAgent(t *testing.T, s *store.Store, id string) agents.Agent {
	t.Helper()
	list, err := s.ListAgents(context.Background())
	require.NoError(t, err)
	for _, a := range list {
		if a.ClientID == id {
			return a
		}
	}
	t.Fatalf("agent %s not found", id)
	return agents.Agent{}
}
