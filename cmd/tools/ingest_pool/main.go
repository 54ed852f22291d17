// One-off ingestion of a single pool, bypassing the scheduler. Useful for
// backfilling a new pool with a deep days-back before registering it.
//
// Usage:
//
//	go run ./cmd/tools/ingest_pool -chain arbitrum -dex uniswap_v3 \
//	    -pair ARB/USDC -address 0x... -days-back 30
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"github.com/s-Milo-s/dexflow/internal/config"
	"github.com/s-Milo-s/dexflow/internal/decoder"
	"github.com/s-Milo-s/dexflow/internal/pipeline"
	"github.com/s-Milo-s/dexflow/internal/queue"
	"github.com/s-Milo-s/dexflow/internal/repository"
)

func main() {
	chain := flag.String("chain", "", "chain name, e.g. arbitrum")
	dex := flag.String("dex", "", "dex name, e.g. uniswap_v3")
	pair := flag.String("pair", "", "oriented pair label, e.g. ARB/USDC")
	address := flag.String("address", "", "pool contract address")
	daysBack := flag.Int("days-back", 1, "how many days of history to cover")
	flag.Parse()

	job := pipeline.Job{
		Chain:    strings.ToLower(strings.TrimSpace(*chain)),
		Dex:      strings.ToLower(strings.TrimSpace(*dex)),
		Pair:     strings.TrimSpace(*pair),
		Address:  strings.TrimSpace(*address),
		DaysBack: *daysBack,
	}
	if err := validate(job); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		flag.Usage()
		os.Exit(2)
	}
	job.Address = common.HexToAddress(job.Address).Hex()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	repo, err := repository.NewRepository(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer repo.Close()

	manager := queue.NewManager(cfg.WorkerRecycle)
	defer manager.Shutdown()
	decodeQ := manager.Declare("decode", 8)

	hostname, _ := os.Hostname()
	workerID := fmt.Sprintf("%s-cli-%d", hostname, os.Getpid())
	orchestrator := pipeline.NewOrchestrator(cfg, repo, decodeQ, workerID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("Ingesting %s/%s %s (%s, %d day(s) back)", job.Chain, job.Dex, job.Pair, job.Address, job.DaysBack)
	if err := orchestrator.Run(ctx, job); err != nil {
		log.Fatalf("Ingestion failed: %v", err)
	}
	log.Println("Done.")
}

func validate(job pipeline.Job) error {
	switch {
	case job.Chain == "" || job.Dex == "" || job.Pair == "" || job.Address == "":
		return fmt.Errorf("-chain, -dex, -pair and -address are required")
	case !decoder.Supported(job.Chain, job.Dex):
		return fmt.Errorf("unsupported chain/dex combination %s/%s", job.Chain, job.Dex)
	case !common.IsHexAddress(job.Address):
		return fmt.Errorf("%q is not a valid address", job.Address)
	case !strings.Contains(job.Pair, "/"):
		return fmt.Errorf("pair must be BASE/QUOTE")
	case job.DaysBack < 1:
		return fmt.Errorf("days-back must be positive")
	}
	return nil
}
