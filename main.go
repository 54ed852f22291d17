package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/s-Milo-s/dexflow/internal/api"
	"github.com/s-Milo-s/dexflow/internal/config"
	"github.com/s-Milo-s/dexflow/internal/pipeline"
	"github.com/s-Milo-s/dexflow/internal/queue"
	"github.com/s-Milo-s/dexflow/internal/repository"
	"github.com/s-Milo-s/dexflow/internal/scheduler"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

const (
	orchestratorWorkers = 2
	decodeWorkers       = 8
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	log.Printf("Initializing dexflow engine (commit %s)...", BuildCommit)
	log.Printf("DB: %s", redactDatabaseURL(cfg.DatabaseURL))
	log.Printf("Chains: %s", chainNames(cfg))
	log.Printf("API Port: %s", cfg.APIPort)

	repo, err := repository.NewRepository(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer repo.Close()

	// Auto-migration (skip with SKIP_MIGRATION=true for API-only containers).
	if cfg.SkipMigration {
		log.Println("Database Migration SKIPPED (SKIP_MIGRATION=true)")
	} else {
		log.Println("Running Database Migration...")
		if err := repo.Migrate("schema.sql"); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		log.Println("Database Migration Complete.")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager := queue.NewManager(cfg.WorkerRecycle)
	orchestrQ := manager.Declare("orchestrate", orchestratorWorkers)
	decodeQ := manager.Declare("decode", decodeWorkers)

	hostname, _ := os.Hostname()
	workerID := fmt.Sprintf("%s-%d", hostname, os.Getpid())

	orchestrator := pipeline.NewOrchestrator(cfg, repo, decodeQ, workerID)

	if cfg.EnableScheduler {
		sched := scheduler.New(cfg, repo, orchestrator, orchestrQ)
		sched.Start(ctx)
	} else {
		log.Println("Scheduler is DISABLED (ENABLE_SCHEDULER=false)")
	}

	apiServer := api.NewServer(&queueDispatcher{q: orchestrQ, orchestrator: orchestrator})
	go func() {
		if err := apiServer.ListenAndServe(cfg.APIPort); err != nil && err != http.ErrServerClosed {
			log.Fatalf("API Server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down...")
	apiServer.Shutdown(ctx)
	cancel()
	manager.Shutdown()
}

// queueDispatcher funnels manual API triggers through the same orchestrate
// queue the scheduler uses, so per-pool leases and worker limits apply to
// both paths.
type queueDispatcher struct {
	q            *queue.Queue
	orchestrator *pipeline.Orchestrator
}

func (d *queueDispatcher) Dispatch(ctx context.Context, job pipeline.Job) error {
	return d.q.Enqueue(ctx, func(taskCtx context.Context) {
		if err := d.orchestrator.Run(taskCtx, job); err != nil {
			log.Printf("[api] triggered pipeline %s failed: %v", job.Address, err)
		}
	})
}

func chainNames(cfg *config.Config) string {
	names := make([]string, 0, len(cfg.Chains))
	for name := range cfg.Chains {
		names = append(names, name)
	}
	return strings.Join(names, ", ")
}

func redactDatabaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "(unparseable DB URL)"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}
