package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/EternisAI/silo-fleet/internal/agents"
	internalhttp "github.com/EternisAI/silo-fleet/internal/api/http"
	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/broadcasts"
	"github.com/EternisAI/silo-fleet/internal/clock"
	"github.com/EternisAI/silo-fleet/internal/db"
	"github.com/EternisAI/silo-fleet/internal/events"
	"github.com/EternisAI/silo-fleet/internal/fleet"
	"github.com/EternisAI/silo-fleet/internal/provisioning"
	"github.com/EternisAI/silo-fleet/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const apiKey = "system-test-key"

type node struct {
	fleet  *fleet.Server
	router *gin.Engine
}

// boot wires a server on top of the database the way the server binary does.
func boot(t *testing.T, d *db.DB) node {
	t.Helper()
	ctx := context.Background()
	s := store.New(d)
	clk := clock.Real{}
	cfg := fleet.DefaultConfig()

	tokens := provisioning.NewStore(clk, s)
	require.NoError(t, tokens.Load(ctx))
	registry, err := agents.NewRegistry(clk, tokens, s, agents.Options{Timeouts: cfg.Timeouts(), MaxPending: cfg.MaxPending})
	require.NoError(t, err)
	require.NoError(t, registry.Load(ctx))

	fs, err := fleet.NewServer(cfg, fleet.Deps{
		Clock:      clk,
		Registry:   registry,
		Tokens:     tokens,
		Broadcasts: broadcasts.NewStore(clk),
		Hub:        events.NewHub(),
		Settings:   s,
	})
	require.NoError(t, err)
	require.NoError(t, fs.LoadSettings(ctx))

	engine := gin.New()
	internalhttp.SetupRoute(engine, internalhttp.Config{AdminAPIKey: apiKey}, &internalhttp.Services{Fleet: fs})
	return node{fleet: fs, router: engine}
}

func TestFleetLifecycle(t *testing.T, d *db.DB) {
	ctx := context.Background()
	first := boot(t, d)

	rr := doJSON(first.router, "POST", "/api/v1/tokens", dto.CreateTokenRequest{Name: "system", MaxUses: 1})
	require.Equal(t, http.StatusCreated, rr.Code)
	var created dto.TokenResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	require.NotEmpty(t, created.Token)

	resp := first.fleet.Process(ctx, fleet.Contact{
		Enrollment:  &agents.Info{Hostname: "sys-1.local", OSType: "linux"},
		TokenSecret: created.Token,
		PeerAddr:    "10.1.2.3:5000",
	})
	require.True(t, resp.OK(), "enrollment rejected: %s", resp.Reason)
	clientID := resp.ClientID

	// The token is single use.
	again := first.fleet.Process(ctx, fleet.Contact{
		Enrollment:  &agents.Info{Hostname: "sys-2.local"},
		TokenSecret: created.Token,
	})
	assert.False(t, again.OK())

	rr = doJSON(first.router, "POST", "/api/v1/agents/"+clientID+"/tags", dto.TagsRequest{Tags: []string{"edge"}})
	require.Equal(t, http.StatusOK, rr.Code)
	rr = doJSON(first.router, "PUT", "/api/v1/settings", dto.UpdateSettingsRequest{HeartbeatTimeout: "90s", OfflineTimeout: "10m"})
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, first.fleet.Registry().Flush(ctx))

	// A fresh process sees the same fleet.
	second := boot(t, d)

	rr = doJSON(second.router, "GET", "/api/v1/agents/"+clientID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var agent dto.AgentResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &agent))
	assert.Equal(t, "sys-1.local", agent.Hostname)
	assert.Equal(t, "10.1.2.3", agent.IPAddress)
	assert.Equal(t, []string{"edge"}, agent.Tags)
	assert.Equal(t, created.ID, agent.EnrollmentTokenID)

	rr = doJSON(second.router, "GET", "/api/v1/tokens/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var tok dto.TokenResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &tok))
	assert.Equal(t, 1, tok.UseCount)
	assert.Equal(t, string(provisioning.StateExhausted), tok.State)

	rr = doJSON(second.router, "GET", "/api/v1/settings", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var settings dto.SettingsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &settings))
	assert.Equal(t, "1m30s", settings.HeartbeatTimeout)
	assert.Equal(t, "10m0s", settings.OfflineTimeout)

	resp = second.fleet.Process(ctx, fleet.Contact{ClientID: clientID})
	assert.True(t, resp.OK())

	rr = doJSON(second.router, "POST", "/api/v1/agents/"+clientID+"/blacklist", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	resp = second.fleet.Process(ctx, fleet.Contact{ClientID: clientID})
	assert.False(t, resp.OK())
	assert.Equal(t, fleet.ReasonBlacklisted, resp.Reason)
}

func doJSON(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", apiKey)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}
