package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/trailsense/fieldtrack/internal/emergency"
	"github.com/trailsense/fieldtrack/internal/queue"
	"github.com/trailsense/fieldtrack/internal/sampler"
	"github.com/trailsense/fieldtrack/internal/session"
	"github.com/trailsense/fieldtrack/internal/token"
	"github.com/trailsense/fieldtrack/internal/transport"
	"github.com/trailsense/fieldtrack/internal/wire"
	"github.com/trailsense/fieldtrack/pkg/config"
	"github.com/trailsense/fieldtrack/pkg/redisx"
)

func main() {
	cfg, log, err := config.Initialize()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize application: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = log.Sync()
	}()

	log.Info("Starting FieldTrack tracker daemon",
		zap.String("version", "0.1.0"),
		zap.String("environment", cfg.Log.Environment),
	)

	userID := envOr("TRACKING_USER_ID", "dev-user")
	displayName := envOr("TRACKING_DISPLAY_NAME", "Dev Tracker")
	role := wire.ParticipantRole(envOr("TRACKING_ROLE", string(wire.RoleTraveler)))

	// Token acquisition is external; the daemon reads it from the
	// environment and re-reads on refresh.
	tokens := token.NewStore(os.Getenv("TRACKING_TOKEN"), func(ctx context.Context) (string, error) {
		tok := os.Getenv("TRACKING_TOKEN")
		if tok == "" {
			return "", fmt.Errorf("TRACKING_TOKEN is not set")
		}
		return tok, nil
	}, log)

	// Queue store: Redis when reachable, process-local otherwise.
	var store queue.Store
	redisClient, err := redisx.NewClient(cfg.Redis.URL, log)
	if err != nil {
		log.Warn("Redis unavailable, durability queue will not survive restarts", zap.Error(err))
		store = queue.NewMemoryStore()
	} else {
		defer redisClient.Close()
		store = queue.NewRedisStore(redisClient.Client)
	}

	transportClient := transport.NewClient(transport.Config{
		BaseURL:              cfg.Wire.BaseURL,
		ConnectTimeout:       cfg.Wire.ConnectTimeout,
		HeartbeatInterval:    cfg.Wire.HeartbeatInterval,
		PongTimeoutEnabled:   cfg.Wire.PongTimeoutEnabled,
		ReconnectBaseDelay:   cfg.Wire.ReconnectBaseDelay,
		ReconnectMaxAttempts: cfg.Wire.ReconnectMaxAttempts,
		OutboxLimit:          cfg.Wire.OutboxLimit,
		SendRatePerSecond:    cfg.Wire.SendRatePerSecond,
	}, tokens, log)

	source, err := newReplaySource(envOr("TRACKING_REPLAY_FILE", "track.jsonl"))
	if err != nil {
		log.Fatal("Failed to open replay source", zap.Error(err))
	}

	positionSampler := sampler.New(sampler.Config{
		ForegroundInterval:    cfg.Sampler.ForegroundInterval,
		BackgroundInterval:    cfg.Sampler.BackgroundInterval,
		DisplacementThreshold: cfg.Sampler.DisplacementThreshold,
	}, source, log)

	durabilityQueue := queue.New(store, userID, displayName, "", cfg.Queue.MaxEntries, log)

	apiClient := emergency.NewAPIClient(cfg.API.BaseURL, cfg.API.RequestTimeout, tokens, log)
	coordinator := emergency.NewCoordinator(transportClient, apiClient, positionSampler, userID, displayName, log)
	defer coordinator.Close()

	orchestrator := session.New(transportClient, positionSampler, durabilityQueue, displayName, log)
	defer orchestrator.Close()

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = orchestrator.StartSession(startCtx, wire.SessionConfig{
		Role:              role,
		DisplayName:       displayName,
		GroupID:           os.Getenv("TRACKING_GROUP_ID"),
		SampleInterval:    cfg.Sampler.ForegroundInterval,
		HeartbeatInterval: cfg.Wire.HeartbeatInterval,
	})
	startCancel()
	if err != nil {
		log.Fatal("Failed to start tracking session", zap.Error(err))
	}

	// An emergency that outlived a previous run is re-adopted.
	resumeCtx, resumeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := coordinator.ResumeActive(resumeCtx); err != nil {
		log.Warn("Could not check for outstanding emergency", zap.Error(err))
	}
	resumeCancel()

	// SIGUSR1 arms the SOS countdown at the configured delay, SIGUSR2
	// cancels it: the headless stand-in for the hold-to-send button.
	sos := make(chan os.Signal, 1)
	signal.Notify(sos, syscall.SIGUSR1, syscall.SIGUSR2)
	go func() {
		for sig := range sos {
			switch sig {
			case syscall.SIGUSR1:
				coordinator.StartCountdown(cfg.Emergency.Countdown(), wire.KindGenericDistress, "triggered from terminal")
			case syscall.SIGUSR2:
				coordinator.CancelCountdown()
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down tracker daemon...")
	orchestrator.StopSession()
	log.Info("Tracker daemon gracefully stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
