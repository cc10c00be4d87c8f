package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/email-verifier/internal/api"
	"github.com/ignite/email-verifier/internal/config"
	"github.com/ignite/email-verifier/internal/mx"
	"github.com/ignite/email-verifier/internal/pkg/distlock"
	"github.com/ignite/email-verifier/internal/pkg/logger"
	"github.com/ignite/email-verifier/internal/probe"
	"github.com/ignite/email-verifier/internal/repository/postgres"
	"github.com/ignite/email-verifier/internal/store/supabase"
	"github.com/ignite/email-verifier/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	log.Println("Starting email verifier...")

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	logger.SetRedactPII(cfg.Log.Redact())

	runID := "verifier-" + uuid.New().String()[:8]

	// Store
	var db *sql.DB
	if cfg.Store.Backend == config.BackendPostgres {
		db, err = openDB(cfg.Store.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		log.Println("Connected to database")
	}
	store, err := newStore(cfg, db, runID)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}

	// Redis (optional cross-process fetch lock)
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Fatalf("Failed to connect to Redis at %s: %v", cfg.Redis.Address, err)
		}
		defer redisClient.Close()
		log.Printf("Connected to Redis at %s", cfg.Redis.Address)
	}
	fetchLock := distlock.NewLock(redisClient, db, cfg.Redis.LockKey, cfg.FetchLockTTL())

	// Verification pipeline
	resolver := mx.NewResolver(nil, cfg.Probe.DNSTimeout)
	connector := &probe.SMTPConnector{Port: cfg.Probe.Port, Timeout: cfg.Probe.Timeout}
	prober := probe.NewProber(resolver, connector, probe.Options{
		HeloDomain:   cfg.Probe.HeloDomain,
		MailFrom:     cfg.Probe.MailFrom,
		StrictSyntax: cfg.Probe.StrictSyntax,
	})

	queue := worker.NewQueue()
	fetcher := worker.NewFetcher(store, queue, fetchLock)
	committer := worker.NewCommitter(store, cfg.Store.Timeout())
	verifier := worker.NewEmailVerifier(worker.Config{
		RunID:          runID,
		Workers:        cfg.Run.Workers,
		LowWater:       cfg.Run.LowWater,
		BatchSize:      cfg.Run.BatchSize,
		RefillPolicy:   cfg.Run.RefillPolicy,
		MaxRuntime:     cfg.Run.MaxRuntime,
		LaunchStagger:  cfg.Run.LaunchStagger,
		DequeueTimeout: cfg.Run.DequeueTimeout,
		ShutdownGrace:  cfg.Run.ShutdownGrace,
	}, queue, fetcher, committer, prober)

	// Status server
	var statusServer *api.Server
	if cfg.Status.Enabled {
		statusServer = api.NewServer(api.NewHealthChecker(verifier, db, redisClient))
		go func() {
			if err := statusServer.ListenAndServe(cfg.Status.Addr); err != nil {
				logger.Error("status server failed", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("Verifier %s running (backend=%s, table=%s)", runID, cfg.Store.Backend, cfg.Store.Table)
	summary, err := verifier.Run(ctx)
	if err != nil {
		log.Fatalf("Run failed: %v", err)
	}

	if statusServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := statusServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("status server shutdown", "error", err)
		}
		cancel()
	}

	log.Printf("Verifier stopped: processed=%d valid=%d invalid=%d failed=%d commit_errors=%d",
		summary.Processed, summary.Valid, summary.Invalid, summary.Failed, summary.CommitErrors)
	if summary.Abandoned > 0 {
		os.Exit(2)
	}
}

func openDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)
	return db, nil
}

// newStore builds the backlog store for the configured backend. db must be
// non-nil for the postgres backend.
func newStore(cfg *config.Config, db *sql.DB, workerID string) (worker.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendSupabase:
		return supabase.NewClient(supabase.Config{
			URL:        cfg.Store.SupabaseURL,
			Key:        cfg.Store.SupabaseKey,
			Table:      cfg.Store.Table,
			FetchRPC:   cfg.Store.FetchRPC,
			Timeout:    cfg.Store.Timeout(),
			MaxRetries: cfg.Store.Retries(),
		}), nil
	case config.BackendPostgres:
		repo, err := postgres.NewVerificationRepo(db, postgres.VerificationRepoConfig{
			Table:        cfg.Store.Table,
			WorkerID:     workerID,
			ClaimTTL:     cfg.Store.ClaimTTL(),
			RetryFailed:  cfg.Store.RetryFailed,
			QueryTimeout: cfg.Store.Timeout(),
		})
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := repo.Ping(ctx); err != nil {
			return nil, err
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
