package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/vibelink/callcore/internal/adapter/driven/auth"
	"github.com/vibelink/callcore/internal/adapter/driven/gateway/ws"
	"github.com/vibelink/callcore/internal/adapter/driven/media/pion"
	"github.com/vibelink/callcore/internal/adapter/driven/persistence/memory"
	"github.com/vibelink/callcore/internal/adapter/driven/persistence/postgres"
	redisrepo "github.com/vibelink/callcore/internal/adapter/driven/persistence/redis"
	handler "github.com/vibelink/callcore/internal/adapter/driving/http"
	"github.com/vibelink/callcore/internal/config"
	"github.com/vibelink/callcore/internal/core/domain"
	"github.com/vibelink/callcore/internal/core/port"
	"github.com/vibelink/callcore/internal/core/service"
)

func main() {
	w := zerolog.ConsoleWriter{Out: os.Stdout}
	l := zerolog.New(w).With().Timestamp().Caller().Logger()

	configPath := flag.String("config", "", "path to yaml config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		l.Fatal().Err(err).Msg("Failed to load config")
	}

	sessions, cleanup, err := openStore(cfg.Store)
	if err != nil {
		l.Fatal().Err(err).Str("backend", cfg.Store.Backend).Msg("Failed to open session store")
	}
	defer cleanup()

	userID := domain.NewUserID()
	if cfg.UserID != "" {
		userID, err = domain.ParseUserID(cfg.UserID)
		if err != nil {
			l.Fatal().Err(err).Msg("Invalid user_id in config")
		}
	} else {
		l.Warn().Str("user_id", userID.String()).Msg("No user_id configured, using an ephemeral identity")
	}

	hub := ws.NewHub()
	engine := pion.NewEngine(cfg.Engine.SignalURL)
	perms := handler.NewPermissions()

	matchService := service.NewMatchService(sessions)
	callService := service.NewCallService(
		matchService,
		engine,
		auth.NewStatic(userID),
		perms,
		hub,
		service.CallConfig{
			AppID:         cfg.Engine.AppID,
			PollInterval:  cfg.Search.PollInterval,
			SearchTimeout: cfg.Search.Timeout,
		},
	)
	h := handler.NewHandler(callService, hub, perms)

	go hub.Run()

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: h.NewRouter(),
	}

	go func() {
		l.Info().Str("addr", cfg.Listen).Str("store", cfg.Store.Backend).Msg("Starting call coordinator")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	l.Info().Msg("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		l.Error().Err(err).Msg("Server forced to shutdown")
	}

	// An interrupted call still tears down engine and session rows.
	callService.Close()
	hub.Stop()
	l.Info().Msg("Coordinator exited")
}

func openStore(cfg config.StoreConfig) (port.SessionRepository, func(), error) {
	switch cfg.Backend {
	case "postgres":
		repo, err := postgres.Open(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() { repo.Close() }, nil
	case "redis":
		repo, err := redisrepo.Open(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() { repo.Close() }, nil
	default:
		return memory.NewSessionRepository(), func() {}, nil
	}
}
