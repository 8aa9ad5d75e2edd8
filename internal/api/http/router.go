package http

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/deskplane/deskplane/internal/agents"
	"github.com/deskplane/deskplane/internal/api/http/handler"
	"github.com/deskplane/deskplane/internal/api/http/middleware"
	"github.com/deskplane/deskplane/internal/auth"
	"github.com/deskplane/deskplane/internal/commands"
	"github.com/deskplane/deskplane/internal/events"
	"github.com/deskplane/deskplane/internal/gateway"
	"github.com/deskplane/deskplane/internal/hub"
	"github.com/deskplane/deskplane/internal/sessions"
	"github.com/deskplane/deskplane/internal/templates"
	"github.com/deskplane/deskplane/internal/users"
)

type Services struct {
	Users       *users.Service
	Agents      *agents.Service
	Sessions    *sessions.Service
	Manager     *sessions.Manager
	Commands    *commands.Service
	Templates   *templates.Service
	Hub         *hub.Hub
	Gateway     *gateway.Gateway
	Broadcaster *events.Broadcaster

	JWT             auth.JWTConfig
	ConnTokenSecret string
	ConnTokenTTL    time.Duration
	InternalAPIKey  string
}

func SetupRoute(engine *gin.Engine, srvs *Services) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler()
	engine.GET("/health", healthHandler.Check)

	authHandler := handler.NewAuthHandler(srvs.Users, srvs.JWT)
	userHandler := handler.NewUserHandler(srvs.Users)
	agentsHandler := handler.NewAgentsHandler(srvs.Agents)
	sessionsHandler := handler.NewSessionsHandler(srvs.Manager, srvs.Sessions,
		srvs.Commands, srvs.Templates, srvs.Agents, srvs.ConnTokenSecret, srvs.ConnTokenTTL)
	templatesHandler := handler.NewTemplatesHandler(srvs.Templates)
	eventsHandler := handler.NewEventsHandler(srvs.Broadcaster, srvs.JWT.Secret)
	relayHandler := handler.NewRelayHandler(srvs.Hub)

	api := engine.Group("/api/v1")

	api.POST("/auth/register", authHandler.Register)
	api.POST("/auth/login", authHandler.Login)

	// Browser websocket clients authenticate via query token inside the
	// handlers, so the stream endpoints sit outside the JWT group.
	api.GET("/events", eventsHandler.Stream)
	api.GET("/sessions/:id/stream", srvs.Gateway.HandleViewerSocket)

	// Agent credential auth happens inside the gateway.
	api.GET("/agentwire/connect", srvs.Gateway.HandleAgentSocket)
	api.GET("/agentwire/tunnel/:tunnel_id", srvs.Gateway.HandleTunnelSocket)

	authed := api.Group("")
	authed.Use(middleware.JWTAuth(srvs.JWT.Secret))
	{
		authed.GET("/agents", agentsHandler.ListAgents)
		authed.GET("/agents/:id", agentsHandler.GetAgent)

		authed.GET("/templates", templatesHandler.ListTemplates)

		authed.POST("/sessions", sessionsHandler.CreateSession)
		authed.GET("/sessions", sessionsHandler.ListSessions)
		authed.GET("/sessions/:id", sessionsHandler.GetSession)
		authed.PUT("/sessions/:id/desired", sessionsHandler.SetDesired)
		authed.POST("/sessions/:id/connection-token", sessionsHandler.ConnectionToken)
		authed.GET("/sessions/:id/commands", sessionsHandler.ListCommands)
	}

	admin := api.Group("")
	admin.Use(middleware.JWTAuth(srvs.JWT.Secret), middleware.RequireRole(users.RoleAdmin))
	{
		admin.POST("/agents", agentsHandler.EnrollAgent)
		admin.POST("/users", userHandler.CreateUser)
	}

	internal := engine.Group("/internal")
	internal.Use(middleware.APIKeyAuth(srvs.InternalAPIKey))
	{
		internal.POST("/relay/:agent_id", relayHandler.Forward)
	}
}
