package pipeline

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/time/rate"

	"github.com/s-Milo-s/dexflow/internal/config"
	"github.com/s-Milo-s/dexflow/internal/decoder"
	"github.com/s-Milo-s/dexflow/internal/evm"
	"github.com/s-Milo-s/dexflow/internal/models"
	"github.com/s-Milo-s/dexflow/internal/queue"
	"github.com/s-Milo-s/dexflow/internal/repository"
)

// Job describes one per-pool ingestion run.
type Job struct {
	Chain    string
	Dex      string
	Pair     string // oriented "BASE/QUOTE" label from the registry
	Address  string
	DaysBack int
}

// Orchestrator drives the per-pool pipeline: pool inspection, gap
// computation, chunked log extraction, parallel decode with an
// aggregate-and-upsert barrier, and the post-ingest passes.
type Orchestrator struct {
	cfg         *config.Config
	repo        *repository.Repository
	decodeQ     *queue.Queue
	enrichLimit *rate.Limiter // shared across pools and chains
	workerID    string
}

func NewOrchestrator(cfg *config.Config, repo *repository.Repository, decodeQ *queue.Queue, workerID string) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		repo:        repo,
		decodeQ:     decodeQ,
		enrichLimit: NewEnrichLimiter(cfg.EnrichRPS),
		workerID:    workerID,
	}
}

// poolContext is everything resolved during pool inspection.
type poolContext struct {
	desc         decoder.Descriptor
	client       *evm.Client
	tables       repository.PoolTables
	address      common.Address
	dec0, dec1   uint8
	baseIsToken1 bool
	quoteSym     string // cleaned quote symbol from the pair label
	chunkSize    uint64
	enricher     *Enricher // nil disables enrichment
}

// Run executes one full ingestion for a pool. Pool-level failures are
// returned but never propagate across pools; the scheduler logs and moves
// on.
func (o *Orchestrator) Run(ctx context.Context, job Job) error {
	started := time.Now()

	// A per-pool lease prevents two overlapping runs of the same pool from
	// racing each other's cleanup pass.
	lockName := "ingest_lock:" + strings.ToLower(job.Address)
	ok, err := o.repo.AcquireLock(ctx, lockName, o.workerID, o.cfg.SchedulerLockTTL)
	if err != nil {
		return fmt.Errorf("pool lock: %w", err)
	}
	if !ok {
		log.Printf("[pipeline] %s already being ingested, skipping", job.Address)
		return nil
	}
	defer func() {
		if err := o.repo.ReleaseLock(context.WithoutCancel(ctx), lockName, o.workerID); err != nil {
			log.Printf("[pipeline] release %s: %v", lockName, err)
		}
	}()

	pc, err := o.inspectPool(ctx, job)
	if err != nil {
		return err
	}

	if err := o.repo.EnsurePoolTables(ctx, pc.tables); err != nil {
		return err
	}

	cov, err := o.repo.KlineCoverage(ctx, pc.tables)
	if err != nil {
		return err
	}

	locator := evm.NewBlockLocator(pc.client)
	gaps, err := evm.ComputeGaps(ctx, locator, pc.client, cov, job.DaysBack, time.Now())
	if err != nil {
		return fmt.Errorf("compute gaps: %w", err)
	}
	if len(gaps) == 0 {
		return nil
	}
	log.Printf("[pipeline] %s: %d gap(s) to ingest", pc.tables.Slug(), len(gaps))

	resolver := evm.NewTimestampResolver(pc.client)
	totalLogs := 0
	for _, gap := range gaps {
		n, err := o.ingestGap(ctx, pc, resolver, gap)
		if err != nil {
			return err
		}
		totalLogs += n
	}

	o.postIngest(ctx, pc, job.DaysBack)

	metric := models.ExtractionMetric{
		BlockRange:      fmt.Sprintf("%d-%d", gaps[0].From, gaps[len(gaps)-1].To),
		LogCount:        totalLogs,
		DurationSeconds: time.Since(started).Seconds(),
		PoolSlug:        pc.tables.Slug(),
	}
	if err := o.repo.InsertExtractionMetric(ctx, metric); err != nil {
		log.Printf("[pipeline] extraction metric: %v", err)
	}

	log.Printf("[pipeline] %s done: %d logs in %.1fs", pc.tables.Slug(), totalLogs, metric.DurationSeconds)
	return nil
}

// inspectPool resolves tokens, decimals and orientation for the pool, and
// derives its destination tables.
func (o *Orchestrator) inspectPool(ctx context.Context, job Job) (*poolContext, error) {
	desc, err := decoder.Lookup(job.Chain, job.Dex)
	if err != nil {
		return nil, err
	}

	chainCfg, ok := o.cfg.Chains[strings.ToLower(job.Chain)]
	if !ok {
		return nil, fmt.Errorf("no RPC endpoint configured for chain %s", job.Chain)
	}
	client, err := evm.Dial(ctx, chainCfg.RPCURL)
	if err != nil {
		return nil, err
	}

	address := common.HexToAddress(job.Address)
	token0, token1, err := client.PoolTokens(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("inspect pool %s: %w", job.Address, err)
	}
	meta0, err := client.TokenMetadata(ctx, token0)
	if err != nil {
		return nil, err
	}
	meta1, err := client.TokenMetadata(ctx, token1)
	if err != nil {
		return nil, err
	}

	baseLabel, quoteLabel, err := splitPair(job.Pair)
	if err != nil {
		return nil, err
	}

	baseIsToken1, err := deriveOrientation(baseLabel, meta0.Symbol, meta1.Symbol)
	if err != nil {
		return nil, fmt.Errorf("pool %s (%s/%s): %w", job.Address, meta0.Symbol, meta1.Symbol, err)
	}

	tables, err := repository.NewPoolTables(
		strings.ToLower(job.Chain), strings.ToLower(job.Dex),
		CleanSymbol(baseLabel), CleanSymbol(quoteLabel))
	if err != nil {
		return nil, err
	}

	pc := &poolContext{
		desc:         desc,
		client:       client,
		tables:       tables,
		address:      address,
		dec0:         meta0.Decimals,
		dec1:         meta1.Decimals,
		baseIsToken1: baseIsToken1,
		quoteSym:     CleanSymbol(quoteLabel),
		chunkSize:    chainCfg.ChunkSize,
	}
	if o.cfg.EnableEnrichment {
		pc.enricher = NewEnricherWithLimiter(client, o.enrichLimit)
	}
	return pc, nil
}

// splitPair parses the registry's oriented "BASE/QUOTE" label.
func splitPair(pair string) (base, quote string, err error) {
	parts := strings.Split(pair, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed pair label %q", pair)
	}
	return parts[0], parts[1], nil
}

// deriveOrientation matches the pair's base symbol against the pool's
// tokens, folding wrappers on both sides so "ETH/USDC" matches a WETH pool.
// A base matching neither token is a fatal configuration error.
func deriveOrientation(baseLabel, symbol0, symbol1 string) (baseIsToken1 bool, err error) {
	base := CanonicalSymbol(baseLabel)
	switch base {
	case CanonicalSymbol(symbol1):
		return true, nil
	case CanonicalSymbol(symbol0):
		return false, nil
	default:
		return false, fmt.Errorf("base symbol %q matches neither pool token", baseLabel)
	}
}

// ingestGap walks one block gap in chain-sized chunks. Each chunk is
// extracted, timestamped, scatter-decoded, optionally enriched, then folded
// and upserted in a single barrier step. Chunk failures abandon only that
// chunk; a later run's gap computation picks the range up again.
func (o *Orchestrator) ingestGap(ctx context.Context, pc *poolContext, resolver *evm.TimestampResolver, gap evm.BlockRange) (int, error) {
	totalLogs := 0

	err := evm.WalkRanges(gap.From, gap.To, pc.chunkSize, func(from, to uint64) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		logs := pc.client.FilterLogs(ctx, pc.address, []common.Hash{pc.desc.Topic}, from, to)
		if len(logs) == 0 {
			return nil
		}

		blocks := make([]uint64, len(logs))
		for i, lg := range logs {
			blocks[i] = lg.BlockNumber
		}
		times, err := resolver.AssignTimestamps(ctx, blocks)
		if err != nil {
			// Fatal for this chunk only.
			log.Printf("[pipeline] %s blocks %d-%d: timestamps unresolved: %v", pc.tables.Slug(), from, to, err)
			return nil
		}

		recs, err := o.scatterDecode(ctx, pc, logs, times)
		if err != nil {
			log.Printf("[pipeline] %s blocks %d-%d: decode failed: %v", pc.tables.Slug(), from, to, err)
			return nil
		}
		if len(recs) == 0 {
			return nil
		}

		if pc.enricher != nil {
			recs = pc.enricher.Enrich(ctx, recs)
		}

		if err := o.aggregateAndUpsert(ctx, pc, recs); err != nil {
			return err
		}

		totalLogs += len(logs)
		return nil
	})
	return totalLogs, err
}

// scatterDecode fans a log batch out across the decode queue and gathers the
// concatenated records. Any failed sub-chunk fails the whole batch so no
// partial minute reaches the database.
func (o *Orchestrator) scatterDecode(ctx context.Context, pc *poolContext, logs []types.Log, times map[uint64]int64) ([]models.SwapRecord, error) {
	chunks := decoder.ChunkLogs(logs)

	jobs := make([]func(ctx context.Context) ([]models.SwapRecord, error), len(chunks))
	for i, chunk := range chunks {
		chunk := chunk
		jobs[i] = func(jobCtx context.Context) ([]models.SwapRecord, error) {
			return pc.desc.Decode(chunk, times, pc.dec0, pc.dec1, pc.baseIsToken1)
		}
	}
	return queue.Gather(ctx, o.decodeQ, jobs)
}

// aggregateAndUpsert is the barrier consumer: one fold over the chunk's
// records, then the three durable writes.
func (o *Orchestrator) aggregateAndUpsert(ctx context.Context, pc *poolContext, recs []models.SwapRecord) error {
	agg := NewSwapAggregator()
	var sizes *TradeSizeAggregator
	if IsUSDQuote(pc.quoteSym) {
		sizes = NewTradeSizeAggregator()
	}

	for _, rec := range recs {
		agg.Add(rec)
		if sizes != nil {
			sizes.Add(rec)
		}
	}

	if err := o.repo.UpsertMinuteBuckets(ctx, pc.tables, agg.Buckets()); err != nil {
		return err
	}
	if err := o.repo.InsertRawSwaps(ctx, pc.tables, recs); err != nil {
		return err
	}
	if sizes != nil {
		if err := o.repo.UpsertTradeSizes(ctx, pc.tables.Slug(), sizes.Buckets()); err != nil {
			return err
		}
	}
	return nil
}

// postIngest runs the passes that only make sense over the whole table:
// anomaly cleanup, derived metric columns, hourly pool flow and wallet
// metrics. All are best-effort; failures are logged, not fatal.
func (o *Orchestrator) postIngest(ctx context.Context, pc *poolContext, daysBack int) {
	o.repo.DeletePriceAnomaliesWithRetry(ctx, pc.tables, o.cfg.PriceDeviationPct)

	if err := o.repo.ComputeDerivedMetrics(ctx, pc.tables, o.cfg.RollWindow); err != nil {
		log.Printf("[pipeline] derived metrics for %s: %v", pc.tables.Slug(), err)
	}

	quoteIsUSD := IsUSDQuote(pc.quoteSym)
	canonical := CanonicalSymbol(pc.quoteSym)
	if quoteIsUSD || canonical == "eth" || canonical == "btc" {
		if err := o.repo.CrunchPoolFlow(ctx, pc.tables, canonical, quoteIsUSD, 30, time.Now()); err != nil {
			log.Printf("[pipeline] pool flow for %s: %v", pc.tables.Slug(), err)
		}
	}

	if quoteIsUSD {
		if err := o.repo.CrunchWalletMetrics(ctx, pc.tables, 90, time.Now()); err != nil {
			log.Printf("[pipeline] wallet metrics for %s: %v", pc.tables.Slug(), err)
		}
	}
}
