package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gsi-overlay/backend/internal/config"
	"github.com/gsi-overlay/backend/internal/events"
	"github.com/gsi-overlay/backend/internal/gsi"
	"github.com/gsi-overlay/backend/internal/ingest"
	"github.com/gsi-overlay/backend/internal/logging"
	"github.com/gsi-overlay/backend/internal/mock"
	"github.com/gsi-overlay/backend/internal/monitor"
	"github.com/gsi-overlay/backend/internal/platform/chat"
	"github.com/gsi-overlay/backend/internal/platform/matchdata"
	"github.com/gsi-overlay/backend/internal/platform/otel"
	"github.com/gsi-overlay/backend/internal/platform/overlay"
	"github.com/gsi-overlay/backend/internal/platform/predictions"
	"github.com/gsi-overlay/backend/internal/scheduler"
	"github.com/gsi-overlay/backend/internal/server"
	"github.com/gsi-overlay/backend/internal/session"
	"github.com/gsi-overlay/backend/internal/storage"
	"github.com/gsi-overlay/backend/internal/storage/memory"
	"github.com/gsi-overlay/backend/internal/storage/sqlite"
	"github.com/gsi-overlay/backend/internal/ws"
)

// store is what the relay needs from its backing storage.
type store interface {
	storage.KV
	storage.Documents
}

func main() {
	mockMode := flag.Bool("mock", false, "Feed a scripted match for the mock token")
	configPath := flag.String("config", "", "Path to config file")
	envPath := flag.String("env", ".env", "Path to .env file")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	if err := config.LoadDotEnv(*envPath); err != nil {
		log.Fatalf("Failed to load env file: %v", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	logCloser := logging.Setup(cfg.Logging)
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := otel.Setup(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		log.Fatalf("Failed to set up tracing: %v", err)
	}

	st, closeStore, err := openStore(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer closeStore()

	if *mockMode {
		if err := seedMockUser(ctx, st, cfg.Mock.Token); err != nil {
			log.Fatalf("Failed to seed mock user: %v", err)
		}
	}

	sched := scheduler.New(
		scheduler.WithTick(cfg.Scheduler.Tick),
		scheduler.WithMaxDelay(cfg.Scheduler.MaxDelay),
	)
	go sched.Start(ctx)

	registry := events.NewRegistry()
	router := gsi.NewRouter(registry)

	hub := ws.NewHub(cfg.Server.MaxConnections)
	mux := ws.NewMultiplexer(hub, cfg.Broadcast.DefaultInterval, cfg.Broadcast.Intervals)
	hub.SetReplayer(mux)

	health := monitor.NewDependencyHealth(monitor.DefaultFailThreshold)

	deps := &session.Deps{
		KV:          st,
		Docs:        st,
		Scheduler:   sched,
		Slices:      mux,
		Overlay:     hub,
		Health:      health,
		CallTimeout: cfg.Platform.Timeout,
	}
	wirePlatform(ctx, cfg.Platform, deps)

	cache := session.NewCache(deps)
	session.RegisterHandlers(registry, cache)

	sweeper := monitor.NewSweeper(cache, cfg.Cache.SweepInterval, cfg.Cache.InactiveAfter)
	go sweeper.Start(ctx)

	gate := ingest.NewTokenGate(st, cfg.Ingest.InvalidTokenTTL, cfg.Ingest.LookupTimeout, ingest.WithGateHealth(health))
	ingestHandler := ingest.NewHandler(gate, cache, router, cfg.Ingest.MaxBodyBytes)

	srv := server.NewServer(cfg, ingestHandler, hub, cache, st, st, overlay.NewSigner(cfg.Overlay.JWTSecret))
	srv.SetMonitoring(health, sweeper)

	if *mockMode {
		log.Printf("Starting in mock mode for %s", logging.Redact(cfg.Mock.Token))
		mock.NewGenerator(ingestHandler, cfg.Mock.Token, cfg.Mock.Interval, time.Now().UnixNano()).Start(ctx)
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("Listening on %s", cfg.Addr())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	sched.Shutdown(true)
	registry.Wait()
	hub.Close()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Printf("Tracing shutdown: %v", err)
	}
}

func openStore(cfg config.StorageConfig) (store, func(), error) {
	if cfg.DBPath == "" {
		log.Println("Using in-memory storage")
		return memory.New(), func() {}, nil
	}
	db, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	log.Printf("Using sqlite storage at %s", cfg.DBPath)
	return db, func() {
		if err := db.Close(); err != nil {
			log.Printf("Close storage: %v", err)
		}
	}, nil
}

func seedMockUser(ctx context.Context, st store, token string) error {
	u := storage.User{
		ID:          "mock-user",
		Token:       token,
		Channel:     "mock",
		AccountID:   "1000",
		ChatEnabled: true,
		BetsEnabled: true,
		Rank:        3000,
	}
	switch s := st.(type) {
	case *memory.Store:
		s.PutUser(u)
		return nil
	case *sqlite.Store:
		return s.UpsertUser(ctx, u)
	}
	return nil
}

// wirePlatform attaches the streaming-platform clients that have a URL
// configured. Unset ones stay nil and their features are skipped.
func wirePlatform(ctx context.Context, cfg config.PlatformConfig, deps *session.Deps) {
	if cfg.PredictionsURL != "" {
		deps.Predictions = predictions.New(cfg.PredictionsURL, cfg.APIToken, cfg.Timeout)
	}
	if cfg.MatchDataURL != "" {
		deps.Matches = matchdata.New(cfg.MatchDataURL, cfg.Timeout)
	}
	if cfg.ChatURL != "" {
		c := chat.New(cfg.ChatURL, cfg.APIToken, cfg.Timeout)
		deps.Chat = c
		go func() {
			if err := c.Run(ctx); err != nil {
				log.Printf("[chat] stopped: %v", err)
			}
		}()
	}
}
