package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/deskplane/deskplane/internal/agents"
	internalhttp "github.com/deskplane/deskplane/internal/api/http"
	"github.com/deskplane/deskplane/internal/auth"
	"github.com/deskplane/deskplane/internal/commands"
	"github.com/deskplane/deskplane/internal/db"
	"github.com/deskplane/deskplane/internal/dispatch"
	"github.com/deskplane/deskplane/internal/events"
	"github.com/deskplane/deskplane/internal/gateway"
	"github.com/deskplane/deskplane/internal/heartbeat"
	"github.com/deskplane/deskplane/internal/hub"
	"github.com/deskplane/deskplane/internal/proxy"
	"github.com/deskplane/deskplane/internal/sessions"
	"github.com/deskplane/deskplane/internal/templates"
	"github.com/deskplane/deskplane/internal/users"
)

var AppVersion string

func main() {
	InitConfig()

	instanceID := uuid.New().String()
	slog.Info("Deskplane Server", "version", AppVersion, "instance_id", instanceID)

	if err := db.RunMigrations(config.Db.Url, config.Db.Schema); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := db.InitDB(ctx, config.Db.Url, config.Db.Schema)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	userService := users.NewService(pool)
	agentService := agents.NewService(pool)
	sessionService := sessions.NewService(pool)
	commandService := commands.NewService(pool)
	templateService := templates.NewService(pool)

	broadcaster := events.NewBroadcaster()

	routeIndex := hub.NewPgRouteIndex(pool, config.Heartbeat.RouteTTL)
	relayClient := hub.NewHTTPRelay(config.Http.InternalAPIKey)
	connHub := hub.New(instanceID, config.Http.AdvertiseAddr, routeIndex, relayClient)

	manager := sessions.NewManager(sessionService, commandService, broadcaster)
	dispatcher := dispatch.New(commandService, connHub, manager, dispatch.Config{
		SweepInterval: config.Dispatch.SweepInterval,
		AckTimeout:    config.Dispatch.AckTimeout,
		MaxRetries:    config.Dispatch.MaxRetries,
	})
	manager.SetKick(dispatcher.Kick)
	connHub.SetOnRegister(dispatcher.Kick)

	monitor := heartbeat.NewMonitor(heartbeat.Config{
		SweepInterval: config.Heartbeat.SweepInterval,
		AgentTimeout:  config.Heartbeat.AgentTimeout,
		ViewerTimeout: config.Heartbeat.ViewerTimeout,
	})
	monitor.OnAgentExpire = func(ctx context.Context, agentID string) {
		connHub.Evict(ctx, agentID)
		if err := agentService.MarkDisconnected(ctx, agentID); err != nil {
			slog.Error("Failed to mark expired agent disconnected", "agent_id", agentID, "error", err)
		}
	}
	monitor.OnViewerGone = func(ctx context.Context, rec heartbeat.ViewerRecord, remaining int) {
		if !config.Sessions.IdleHibernate || remaining > 0 {
			return
		}
		sess, err := sessionService.Get(ctx, rec.OrgID, rec.SessionID)
		if err != nil {
			return
		}
		if sess.Desired != sessions.DesiredRunning || sess.Phase != sessions.PhaseRunning {
			return
		}
		slog.Info("Last viewer gone, hibernating session", "session_id", rec.SessionID)
		if _, err := manager.SetDesired(ctx, rec.OrgID, rec.SessionID, sessions.DesiredHibernated); err != nil {
			slog.Error("Failed to hibernate idle session", "session_id", rec.SessionID, "error", err)
		}
	}

	broker := proxy.NewBroker()
	proxyService := proxy.NewService(sessionService, connHub, broker, proxy.Config{
		TokenSecret: config.Auth.ConnTokenSecret,
	})

	gw := gateway.New(connHub, agentService, dispatcher, manager, monitor, proxyService, gateway.Config{
		HeartbeatInterval: config.Heartbeat.Interval,
		InstanceID:        instanceID,
	})

	services := &internalhttp.Services{
		Users:       userService,
		Agents:      agentService,
		Sessions:    sessionService,
		Manager:     manager,
		Commands:    commandService,
		Templates:   templateService,
		Hub:         connHub,
		Gateway:     gw,
		Broadcaster: broadcaster,
		JWT: auth.JWTConfig{
			Secret:  config.Auth.JwtSecret,
			UserTTL: config.Auth.UserTokenTTL,
		},
		ConnTokenSecret: config.Auth.ConnTokenSecret,
		ConnTokenTTL:    config.Auth.ConnTokenTTL,
		InternalAPIKey:  config.Http.InternalAPIKey,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"PUT", "PATCH", "GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, services)

	runCtx, stopBackground := context.WithCancel(ctx)
	go dispatcher.Run(runCtx)
	go monitor.Run(runCtx)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	errChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("Server error", "error", err)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	}

	slog.Info("Shutting down...")
	stopBackground()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server stopped")
	}

	// Dropping the connections releases this instance's route claims via
	// the connection handlers; anything missed ages out with the TTL.
	connHub.Stop()
	slog.Info("Shutdown complete")
}
