package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/primaryrutabaga/rule-migrator/pkg/boot"
	"github.com/primaryrutabaga/rule-migrator/pkg/lock"
	"github.com/primaryrutabaga/rule-migrator/pkg/migration"
	"github.com/primaryrutabaga/rule-migrator/pkg/store/postgres"
	"github.com/primaryrutabaga/rule-migrator/pkg/worker"
)

var (
	version   = "dev"
	commitSHA = "unknown"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmsgprefix)
	log.SetPrefix("[migrator] ")

	cfg := boot.LoadConfig("migrator")

	log.Printf("starting migrator service version=%s commit=%s", version, commitSHA)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Postgres
	dbURL, err := boot.DatabaseURL(cfg)
	if err != nil {
		log.Fatalf("vault: %v", err)
	}
	if err := postgres.MigrateUp(dbURL); err != nil {
		log.Fatalf("postgres: %v", err)
	}
	pool, err := boot.ConnectPostgres(ctx, dbURL)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer pool.Close()
	log.Printf("postgres: connected, schema up to date")

	// NATS
	seed, err := boot.FetchNATSSeed(cfg.VaultAddr, cfg.VaultToken, cfg.VaultNKEYPath)
	if err != nil {
		log.Fatalf("vault: %v", err)
	}
	log.Printf("vault: fetched NATS seed from %s", cfg.VaultNKEYPath)

	var tlsMat *boot.TLSMaterial
	if cfg.RequiresTLS() {
		tlsMat, err = boot.FetchNATSTLS(cfg.VaultAddr, cfg.VaultToken, cfg.VaultTLSPath)
		if err != nil {
			log.Fatalf("vault: %v", err)
		}
		log.Printf("vault: fetched TLS material from %s", cfg.VaultTLSPath)
	}

	nc, err := boot.ConnectNATS(cfg, "rule-migrator", seed, tlsMat)
	if err != nil {
		log.Fatalf("nats: %v", err)
	}
	defer nc.Drain()
	log.Printf("connected to NATS at %s", cfg.NATSUrl)

	js, err := jetstream.New(nc)
	if err != nil {
		log.Fatalf("nats: jetstream: %v", err)
	}

	// Metrics
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics: %v", err)
		}
	}()
	log.Printf("metrics: listening on %s", cfg.MetricsAddr)

	m := migration.New(postgres.New(pool), lock.NewPostgres(pool),
		migration.WithLogger(log.Default()),
		migration.WithLockTimeout(cfg.LockTimeout),
	)

	err = worker.Run(ctx, js, m, worker.ConsumerConfig{Concurrency: cfg.Concurrency}, log.Default())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	if err != nil {
		log.Fatalf("worker: %v", err)
	}
	log.Printf("shutting down")
}
