package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/stratosight/geotak/internal/api"
	"github.com/stratosight/geotak/internal/audit"
	"github.com/stratosight/geotak/internal/auth"
	"github.com/stratosight/geotak/internal/config"
	"github.com/stratosight/geotak/internal/delivery"
	"github.com/stratosight/geotak/internal/pipeline"
	"github.com/stratosight/geotak/internal/queue"
	"github.com/stratosight/geotak/internal/ratelimit"
	"github.com/stratosight/geotak/internal/tokens"
)

const (
	exitOK      = 0
	exitConfig  = 64
	exitCorrupt = 70

	drainTimeout = 10 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Config
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Printf("[ERROR] %v", err)
		return exitConfig
	}

	publicKey, err := cfg.LoadPublicKey()
	if err != nil {
		log.Printf("[ERROR] %v", err)
		return exitConfig
	}

	keyStore, err := auth.LoadKeyStore(cfg.APIKeyStorePath)
	if err != nil {
		log.Printf("[ERROR] keystore: %v", err)
		return exitConfig
	}

	// 2. Durable stores
	journal, err := audit.Open(cfg.AuditPath)
	if err != nil {
		log.Printf("[ERROR] %v", err)
		if errors.Is(err, audit.ErrCorrupt) {
			return exitCorrupt
		}
		return exitConfig
	}
	defer journal.Close()

	store, err := queue.Open(cfg.QueuePath, cfg.QueueCapacity)
	if err != nil {
		log.Printf("[ERROR] %v", err)
		if errors.Is(err, queue.ErrCorrupt) {
			return exitCorrupt
		}
		return exitConfig
	}
	defer store.Close()

	// 3. Optional NATS mirror
	var mirror *delivery.Mirror
	if cfg.NATSURL != "" {
		natsConn, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			log.Printf("[WARN] NATS connect failed, mirror disabled: %v", err)
		} else {
			defer natsConn.Close()
			mirror = delivery.NewMirror(natsConn, cfg.NATSSubject, 3)
		}
	}

	// 4. Components
	stopChan := make(chan struct{})
	if err := keyStore.Watch(stopChan); err != nil {
		log.Printf("[WARN] keystore watch disabled: %v", err)
	}
	go journal.RunRetention(cfg.Retention(), stopChan)

	takClient := delivery.NewTAKClient(cfg.TAKServerURL)
	monitor := delivery.NewMonitor(takClient)
	monitor.Start()

	worker := delivery.NewWorker(store, journal, takClient, monitor, mirror, delivery.WorkerConfig{
		Concurrency: cfg.PushConcurrency,
	})
	worker.Start()

	hub := api.NewLiveHub()
	orchestrator := pipeline.NewOrchestrator(journal, store, cfg.StaleWindow(), hub)
	authenticator := auth.NewAuthenticator(tokens.NewValidator(publicKey), keyStore)

	router := api.NewRouter(api.RouterConfig{
		Authenticator: authenticator,
		Journal:       journal,
		Limiter:       ratelimit.NewLimiter(),
		Authenticated: ratelimit.Config{
			Capacity:     cfg.RateLimitAuthenticated,
			RefillPerSec: float64(cfg.RateLimitAuthenticated) / 60.0,
		},
		Anonymous: ratelimit.Config{
			Capacity:     cfg.RateLimitAnonymous,
			RefillPerSec: float64(cfg.RateLimitAnonymous) / 60.0,
		},
		Detections: api.NewDetectionHandler(orchestrator, journal),
		Health:     api.NewHealthHandler(store.Size, monitor),
		Audit:      api.NewAuditHandler(journal),
		Live:       hub,
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 5. Serve
	errChan := make(chan error, 1)
	go func() {
		log.Printf("geotak listening on %s, TAK server %s", cfg.ListenAddr, cfg.TAKServerURL)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		log.Printf("[ERROR] server: %v", err)
		return exitConfig
	case sig := <-sigChan:
		log.Printf("received %s, shutting down", sig)
	}

	// 6. Graceful shutdown: stop ingress, drain in-flight requests for up to
	// 10s, then stop the worker so cancelled pushes revert to PENDING.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[WARN] ingress drain: %v", err)
	}

	worker.Stop()
	monitor.Stop()
	close(stopChan)

	log.Printf("shutdown complete")
	return exitOK
}
