package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chat-agent-relay/backend/api/handlers"
	"github.com/chat-agent-relay/backend/internal/config"
	"github.com/chat-agent-relay/backend/internal/db"
	"github.com/chat-agent-relay/backend/internal/logging"
	"github.com/chat-agent-relay/backend/internal/mcp"
	"github.com/chat-agent-relay/backend/internal/repository"
	"github.com/chat-agent-relay/backend/internal/session"
	"github.com/chat-agent-relay/backend/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	transcriptDir := filepath.Join(cfg.DataDir, "transcripts")
	if err := os.MkdirAll(transcriptDir, 0o755); err != nil {
		log.WithError(err).Fatal("failed to create data directories")
	}

	database, err := db.Open(filepath.Join(cfg.DataDir, "archive.db"))
	if err != nil {
		log.WithError(err).Fatal("failed to open archive database")
	}
	defer database.Close()

	archive := repository.NewMessageRepository(database)

	// The supervisor's event sink points at the session manager, which is
	// constructed right after; no client exists before both are wired.
	var sessionManager *session.Manager
	supervisor := mcp.NewManager(mcp.Options{
		Command:        cfg.AgentCommand,
		Args:           cfg.AgentArgs,
		ReadyTimeout:   cfg.ReadyTimeout,
		KillGrace:      cfg.KillGracePeriod,
		RestartDelay:   cfg.RestartDelay,
		ErrorThreshold: cfg.ErrorThreshold,
		StaleThreshold: cfg.StaleThreshold,
		HealthInterval: cfg.HealthCheckInterval,
		Sink: func(ev mcp.Event) {
			if sessionManager != nil {
				sessionManager.HandleAgentEvent(ev)
			}
		},
		Logger: logging.Component(log, "mcp"),
	})

	sessionManager = session.NewManager(supervisor, archive, session.Config{
		TokenBudget:   cfg.TokenBudget,
		MaxInactive:   cfg.SessionMaxInactive,
		MaxAge:        cfg.SessionMaxAge,
		SweepInterval: cfg.SessionSweepInterval,
		TranscriptDir: transcriptDir,
	}, logging.Component(log, "session"))

	broker := ws.NewBroker(sessionManager, ws.Config{
		MaxMessageLength:  cfg.MaxMessageLength,
		RateLimitMax:      cfg.RateLimitMax,
		RateLimitWindow:   cfg.RateLimitWindow,
		HeartbeatInterval: cfg.HeartbeatInterval,
		AllowedOrigins:    cfg.AllowedOrigins,
	}, logging.Component(log, "ws"))

	sessionHandler := handlers.NewSessionHandler(sessionManager, archive)
	wsHandler := handlers.NewWebSocketHandler(broker, logging.Component(log, "ws"))
	healthHandler := handlers.NewHealthHandler(sessionManager, supervisor, broker)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware(cfg.AllowedOrigins))

	r.GET("/health", healthHandler.Health)
	r.GET("/ws", wsHandler.Connect)

	api := r.Group("/api")
	{
		sessionHandler.RegisterRoutes(api)
		api.GET("/connections", wsHandler.Connections)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ListenPort),
		Handler: r,
	}

	go func() {
		log.WithField("port", cfg.ListenPort).Info("server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("http shutdown error")
	}

	// Stop timers and loops before tearing resources down.
	broker.Close()
	sessionManager.Close()
	supervisor.Stop()
}

// corsMiddleware allows the configured origins; an empty list allows all
// (dev mode).
func corsMiddleware(origins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if len(allowed) == 0 {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else if allowed[origin] {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept, Origin")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
