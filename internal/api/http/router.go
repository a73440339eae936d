package http

import (
	"github.com/EternisAI/silo-fleet/internal/api/http/handler"
	"github.com/EternisAI/silo-fleet/internal/api/http/middleware"
	"github.com/EternisAI/silo-fleet/internal/auth"
	"github.com/EternisAI/silo-fleet/internal/events"
	"github.com/EternisAI/silo-fleet/internal/fleet"
	grpcserver "github.com/EternisAI/silo-fleet/internal/grpc/server"
	"github.com/gin-gonic/gin"
)

type Services struct {
	Fleet *fleet.Server
	// Connections is optional.
	Connections *grpcserver.ConnectionManager
	// Activity is optional; without it the activity list is empty.
	Activity *events.Feed
}

func SetupRoute(engine *gin.Engine, cfg Config, srvs *Services) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler(srvs.Fleet)
	engine.GET("/health", healthHandler.Check)

	agentsHandler := handler.NewAgentsHandler(srvs.Fleet, srvs.Connections)
	tokensHandler := handler.NewTokensHandler(srvs.Fleet.Tokens())
	broadcastsHandler := handler.NewBroadcastsHandler(srvs.Fleet)
	settingsHandler := handler.NewSettingsHandler(srvs.Fleet)
	authHandler := handler.NewAuthHandler(cfg.JWTSecret, cfg.JWTTTL)
	eventsHandler := handler.NewEventsHandler(srvs.Fleet.Events(), srvs.Activity)

	keys := auth.NewKeyChecker(cfg.AdminAPIKey, cfg.AdminAPIKeyHash)
	api := engine.Group("/api/v1", middleware.Authenticate(keys, cfg.JWTSecret))

	read := api.Group("", middleware.RequireRole(auth.RoleAdmin, auth.RoleViewer))
	{
		read.GET("/agents", agentsHandler.ListAgents)
		read.GET("/agents/:id", agentsHandler.GetAgent)
		read.GET("/connections", agentsHandler.ListConnections)
		read.GET("/stats", agentsHandler.Stats)
		read.GET("/broadcasts", broadcastsHandler.ListBroadcasts)
		read.GET("/broadcasts/:id", broadcastsHandler.GetBroadcast)
		read.GET("/broadcasts/pending/:client_id", broadcastsHandler.PendingBroadcasts)
		read.GET("/settings", settingsHandler.GetSettings)
		read.GET("/events", eventsHandler.Recent)
		read.GET("/events/ws", eventsHandler.Stream)
	}

	admin := api.Group("", middleware.RequireRole(auth.RoleAdmin))
	{
		admin.POST("/auth/token", authHandler.IssueToken)

		admin.DELETE("/agents/:id", agentsHandler.RemoveAgent)
		admin.POST("/agents/:id/tags", agentsHandler.AddTags)
		admin.DELETE("/agents/:id/tags", agentsHandler.RemoveTags)
		admin.POST("/agents/:id/blacklist", agentsHandler.Blacklist)
		admin.POST("/agents/:id/commands", agentsHandler.SendCommand)

		admin.POST("/tokens", tokensHandler.CreateToken)
		admin.POST("/tokens/validate", tokensHandler.ValidateToken)
		admin.GET("/tokens", tokensHandler.ListTokens)
		admin.GET("/tokens/:id", tokensHandler.GetToken)
		admin.POST("/tokens/:id/revoke", tokensHandler.RevokeToken)
		admin.DELETE("/tokens/:id", tokensHandler.DeleteToken)

		admin.POST("/broadcasts", broadcastsHandler.CreateBroadcast)
		admin.DELETE("/broadcasts/:id", broadcastsHandler.DeleteBroadcast)

		admin.PUT("/settings", settingsHandler.UpdateSettings)
	}
}
