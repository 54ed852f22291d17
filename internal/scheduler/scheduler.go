// Package scheduler owns the periodic dispatcher: one firing enumerates
// active pools and enqueues one pipeline run per pool, guarded by a
// cluster-wide lock so concurrent instances never double-dispatch.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/s-Milo-s/dexflow/internal/config"
	"github.com/s-Milo-s/dexflow/internal/models"
	"github.com/s-Milo-s/dexflow/internal/pipeline"
	"github.com/s-Milo-s/dexflow/internal/queue"
	"github.com/s-Milo-s/dexflow/internal/repository"
)

const globalLockName = "global_ingest_lock"

// Runner executes one pool pipeline; satisfied by *pipeline.Orchestrator.
type Runner interface {
	Run(ctx context.Context, job pipeline.Job) error
}

type Scheduler struct {
	cfg        *config.Config
	repo       *repository.Repository
	runner     Runner
	orchestrQ  *queue.Queue
	instanceID string
}

func New(cfg *config.Config, repo *repository.Repository, runner Runner, orchestrQ *queue.Queue) *Scheduler {
	hostname, _ := os.Hostname()
	return &Scheduler{
		cfg:        cfg,
		repo:       repo,
		runner:     runner,
		orchestrQ:  orchestrQ,
		instanceID: fmt.Sprintf("%s-%d", hostname, os.Getpid()),
	}
}

// Start fires the dispatcher immediately and then on the configured cadence
// until the context ends.
func (s *Scheduler) Start(ctx context.Context) {
	log.Printf("[scheduler] starting (interval %s, stagger %s)", s.cfg.SchedulerInterval, s.cfg.Stagger)
	go func() {
		ticker := time.NewTicker(s.cfg.SchedulerInterval)
		defer ticker.Stop()

		s.dispatchAll(ctx)
		for {
			select {
			case <-ctx.Done():
				log.Printf("[scheduler] stopping")
				return
			case <-ticker.C:
				s.dispatchAll(ctx)
			}
		}
	}()
}

// dispatchAll is one scheduler firing. It acquires the global lock (skipping
// silently when another instance holds it), enqueues the pools ordered by
// last_started ascending with nulls first, staggers the enqueues to flatten
// RPC load, and always releases the lock on exit.
func (s *Scheduler) dispatchAll(ctx context.Context) {
	ok, err := s.repo.AcquireLock(ctx, globalLockName, s.instanceID, s.cfg.SchedulerLockTTL)
	if err != nil {
		log.Printf("[scheduler] lock: %v", err)
		return
	}
	if !ok {
		log.Printf("[scheduler] another dispatcher holds the lock, skipping")
		return
	}
	defer func() {
		if err := s.repo.ReleaseLock(context.WithoutCancel(ctx), globalLockName, s.instanceID); err != nil {
			log.Printf("[scheduler] release lock: %v", err)
		}
	}()

	pools, err := s.repo.ListActivePools(ctx)
	if err != nil {
		log.Printf("[scheduler] list pools: %v", err)
		return
	}
	log.Printf("[scheduler] dispatching %d pool(s)", len(pools))

	for i, pool := range pools {
		if err := s.enqueuePool(ctx, pool); err != nil {
			log.Printf("[scheduler] enqueue %s: %v", pool.Address, err)
			continue
		}
		if err := s.repo.TouchLastStarted(ctx, pool.ID); err != nil {
			log.Printf("[scheduler] touch %s: %v", pool.Address, err)
		}

		if i < len(pools)-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.Stagger):
			}
		}
	}
}

func (s *Scheduler) enqueuePool(ctx context.Context, pool models.Pool) error {
	job := pipeline.Job{
		Chain:    pool.Chain,
		Dex:      pool.Dex,
		Pair:     pool.Pair,
		Address:  pool.Address,
		DaysBack: s.cfg.DaysBack,
	}
	log.Printf("[scheduler] launching %s/%s %s", job.Chain, job.Dex, job.Pair)

	return s.orchestrQ.Enqueue(ctx, func(taskCtx context.Context) {
		if err := s.runner.Run(taskCtx, job); err != nil {
			log.Printf("[scheduler] pipeline %s failed: %v", job.Address, err)
		}
	})
}
