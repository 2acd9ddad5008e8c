// Package main is the entry point for the botmanager service: the control
// plane that launches transcription bots into video meetings, tracks their
// lifecycle, and routes live commands and status events.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vexly/botmanager/internal/common/config"
	"github.com/vexly/botmanager/internal/common/httpmw"
	"github.com/vexly/botmanager/internal/common/logger"
	"github.com/vexly/botmanager/internal/common/tracing"
	"github.com/vexly/botmanager/internal/db"
	"github.com/vexly/botmanager/internal/events"
	"github.com/vexly/botmanager/internal/events/bus"
	gateway "github.com/vexly/botmanager/internal/gateway/websocket"
	"github.com/vexly/botmanager/internal/launcher"
	"github.com/vexly/botmanager/internal/launcher/dockerclient"
	meetinghandlers "github.com/vexly/botmanager/internal/meeting/handlers"
	meetingrepo "github.com/vexly/botmanager/internal/meeting/repository"
	meetingservice "github.com/vexly/botmanager/internal/meeting/service"
	"github.com/vexly/botmanager/internal/postmeeting"
	"github.com/vexly/botmanager/internal/reaper"
	userstore "github.com/vexly/botmanager/internal/user/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting botmanager...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Event bus: NATS when configured, in-memory fallback so the HTTP API
	// stays available without a broker (commands and fan-out then only
	// reach in-process subscribers).
	var eventBus bus.EventBus
	if cfg.NATS.Enabled && cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSBus(cfg.NATS, log)
		if err != nil {
			log.Warn("Failed to connect to NATS, using in-memory bus", zap.Error(err))
			eventBus = bus.NewMemoryBus(log)
		} else {
			log.Info("Connected to NATS", zap.String("url", cfg.NATS.URL))
			eventBus = natsBus
		}
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryBus(log)
	}
	defer eventBus.Close()

	// Session-routing cache. Optional: command routing falls back to the
	// session table when the cache is unavailable.
	sessions, err := eventBus.KeyValue(events.SessionCacheBucket, cfg.NATS.SessionCacheTTL)
	if err != nil {
		log.Warn("Session cache unavailable, falling back to stored sessions", zap.Error(err))
		sessions = nil
	}

	pool, err := db.Open(cfg.Database)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err), zap.String("driver", cfg.Database.Driver))
	}
	defer pool.Close()
	log.Info("Database ready", zap.String("driver", cfg.Database.Driver))

	repo, err := meetingrepo.NewSQLStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize meeting store", zap.Error(err))
	}

	users, err := userstore.NewSQLStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize user store", zap.Error(err))
	}
	if cfg.Auth.SeedToken != "" {
		if err := users.EnsureSeedUser(ctx, cfg.Auth.SeedToken); err != nil {
			log.Fatal("Failed to provision seed user", zap.Error(err))
		}
		log.Info("Seed user provisioned")
	}

	botLauncher, cleanup, err := buildLauncher(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize bot launcher", zap.Error(err), zap.String("runtime", cfg.Bot.Runtime))
	}
	if cleanup != nil {
		defer cleanup()
	}
	log.Info("Bot launcher ready", zap.String("runtime", cfg.Bot.Runtime))

	botReaper := reaper.New(botLauncher, log)
	defer botReaper.Close()

	dispatcher := postmeeting.New(log)
	defer dispatcher.Close()

	publisher := meetingservice.NewStatusPublisher(eventBus, cfg.NATS.PublishTimeout, log)
	svc := meetingservice.New(repo, botLauncher, eventBus, sessions, publisher, botReaper, dispatcher, cfg.Bot, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "botmanager"))
	router.Use(httpmw.OtelTracing("botmanager"))

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "botmanager"})
	})

	public := router.Group("/")
	public.Use(httpmw.APIKeyAuth(users, log))
	internal := router.Group("/")

	handlers := meetinghandlers.New(svc, log)
	handlers.RegisterRoutes(public, internal)

	ws := gateway.New(eventBus, log)
	ws.RegisterRoutes(&router.RouterGroup)

	server := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		log.Info("Shutting down botmanager...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("Server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("botmanager stopped")
}

// buildLauncher constructs the configured runtime launcher. The returned
// cleanup releases runtime client resources and may be nil.
func buildLauncher(ctx context.Context, cfg *config.Config, log *logger.Logger) (launcher.Launcher, func(), error) {
	switch cfg.Bot.Runtime {
	case "nomad":
		return launcher.NewNomadLauncher(cfg.Nomad, cfg.Server.CallbackBaseURL, log), nil, nil
	case "docker":
		dockerClient, err := dockerclient.NewClient(cfg.Docker, log)
		if err != nil {
			return nil, nil, err
		}
		if err := dockerClient.Ping(ctx); err != nil {
			_ = dockerClient.Close()
			return nil, nil, fmt.Errorf("docker daemon not available: %w", err)
		}
		l := launcher.NewDockerLauncher(dockerClient, cfg.Bot, cfg.Docker, cfg.Server.CallbackBaseURL, log)
		return l, func() { _ = dockerClient.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown bot runtime %q", cfg.Bot.Runtime)
	}
}
