package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"apex-test-suite/backend/internal/auth"
	"apex-test-suite/backend/internal/config"
	"apex-test-suite/backend/internal/db"
	"apex-test-suite/backend/internal/progress"
	progressotel "apex-test-suite/backend/internal/progress/otel"
	"apex-test-suite/backend/internal/progress/producer"
	runrepo "apex-test-suite/backend/internal/run/repository"
	"apex-test-suite/backend/internal/run/service"
	"apex-test-suite/backend/internal/salesforce"
	"apex-test-suite/backend/internal/security"
	"apex-test-suite/backend/internal/server"
	sessionrepo "apex-test-suite/backend/internal/session/repository"
	"apex-test-suite/backend/internal/telemetry/otel"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx := context.Background()

	providers, err := otel.NewProviders(ctx, cfg.OTLPEndpoint, "apex-test-suite", cfg.OTLPInsecure)
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	providers.SetGlobal()

	database, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer database.Close()

	cipher, err := security.NewTokenCipher(cfg.SessionEncryptionKey)
	if err != nil {
		log.Fatalf("cipher: %v", err)
	}

	oauthClient := salesforce.NewOAuthClient(cfg.SFLoginURL, cfg.SFClientID, cfg.SFClientSecret, cfg.SFRedirectURI)
	sessions := sessionrepo.NewPostgresRepository(database)
	manager := auth.NewManager(sessions, cipher, oauthClient, cfg.InactivityTimeout())
	manager.Restore(ctx)

	tooling := salesforce.NewToolingClient(cfg.SFAPIVersion, manager)
	runs := runrepo.NewPostgresRepository(database)

	hub := server.NewHub()
	kafkaPub := producer.NewKafkaPublisher(cfg.ProgressKafkaBrokersList(), cfg.ProgressKafkaTopic)
	var publisher progress.Publisher = progress.NewFanout(
		hub,
		kafkaPub,
		progressotel.NewLogPublisher(providers.LoggerProvider),
	)

	orchestrator := service.NewOrchestrator(tooling, manager, runs, publisher, cfg.PollInterval(), cfg.PollMaxAttempts)

	srv := server.NewServer(cfg.HTTPAddr, manager, tooling, orchestrator, runs, hub, cfg.FrontendURL)

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatalf("serve: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	if err := orchestrator.Shutdown(shutdownCtx); err != nil {
		log.Printf("orchestrator shutdown: %v", err)
	}
	if err := publisher.Close(); err != nil {
		log.Printf("publisher close: %v", err)
	}
	if err := providers.Shutdown(shutdownCtx); err != nil {
		log.Printf("telemetry shutdown: %v", err)
	}
	log.Println("server stopped")
}
