package evm

import (
	"context"
	"fmt"
	"sort"
)

// HeaderSource is the slice of Client the block index needs. Tests substitute
// a fake with synthetic block cadence.
type HeaderSource interface {
	LatestBlock(ctx context.Context) (uint64, error)
	BlockTimestamp(ctx context.Context, number uint64) (int64, error)
	BatchBlockTimestamps(ctx context.Context, numbers []uint64) (map[uint64]int64, error)
}

// BlockLocator converts wall-clock timestamps into block numbers by binary
// search over headers. Only used to turn a days-back window into a block
// range, so coarse results are fine.
type BlockLocator struct {
	source HeaderSource
}

func NewBlockLocator(source HeaderSource) *BlockLocator {
	return &BlockLocator{source: source}
}

// FindBlockByTimestamp returns the first block whose timestamp is >= target.
func (l *BlockLocator) FindBlockByTimestamp(ctx context.Context, targetTs int64) (uint64, error) {
	latest, err := l.source.LatestBlock(ctx)
	if err != nil {
		return 0, err
	}
	return l.findBlockInRange(ctx, targetTs, 0, latest)
}

func (l *BlockLocator) findBlockInRange(ctx context.Context, targetTs int64, start, end uint64) (uint64, error) {
	for start <= end {
		mid := start + (end-start)/2
		midTs, err := l.source.BlockTimestamp(ctx, mid)
		if err != nil {
			return 0, fmt.Errorf("probe block %d: %w", mid, err)
		}

		switch {
		case midTs < targetTs:
			start = mid + 1
		case midTs > targetTs:
			if mid == 0 {
				return 0, nil
			}
			end = mid - 1
		default:
			return mid, nil
		}
	}
	return start, nil
}

// WalkRanges calls fn for each [from, to] sub-range of step blocks covering
// [start, end]. Ranges are inclusive and emitted in increasing block order.
func WalkRanges(start, end, step uint64, fn func(from, to uint64) error) error {
	if step == 0 {
		step = 1000
	}
	for from := start; from <= end; from += step {
		to := from + step - 1
		if to > end {
			to = end
		}
		if err := fn(from, to); err != nil {
			return err
		}
	}
	return nil
}

// segment is one piecewise-linear piece: timestamps in [Start, End] are
// estimated as StartTs + (block-Start)*Slope.
type segment struct {
	Start   uint64
	End     uint64
	StartTs int64
	Slope   float64 // seconds per block
}

const (
	// Checkpoints sampled per log batch, endpoints included.
	resolverCheckpoints = 5
	// Segment cache cap; oldest segments are evicted first. Long-running
	// workers would otherwise grow the list without bound.
	maxSegments = 1024
)

// TimestampResolver assigns timestamps to blocks by linear interpolation
// between sampled checkpoint headers. EVM cadence is near-uniform over a few
// thousand blocks, so the estimate is accurate to seconds while costing one
// batched RPC per log batch instead of one call per log.
//
// Not safe for concurrent use; each pipeline run owns one resolver.
type TimestampResolver struct {
	source   HeaderSource
	segments []segment
}

func NewTimestampResolver(source HeaderSource) *TimestampResolver {
	return &TimestampResolver{source: source}
}

// BuildForRange ensures the resolver covers [minBlock, maxBlock]. It samples
// ~5 evenly spaced checkpoints (plus ±1 probes so each edge has a fallback
// anchor), fetches all of them in one batched call, and derives consecutive
// linear segments. Fewer than two resolved anchors is a fatal error for the
// batch: without two points there is no line.
func (r *TimestampResolver) BuildForRange(ctx context.Context, minBlock, maxBlock uint64) error {
	if minBlock > maxBlock {
		minBlock, maxBlock = maxBlock, minBlock
	}

	// Already covered by an earlier batch.
	for _, seg := range r.segments {
		if seg.Start <= minBlock && maxBlock <= seg.End {
			return nil
		}
	}

	// A zero-width range cannot carry a slope; pin the single block directly.
	if minBlock == maxBlock {
		ts, err := r.source.BlockTimestamp(ctx, minBlock)
		if err != nil {
			return fmt.Errorf("block %d unresolved: %w", minBlock, err)
		}
		r.addSegment(segment{Start: minBlock, End: minBlock, StartTs: ts})
		return nil
	}

	checkpoints := sampleCheckpoints(minBlock, maxBlock, resolverCheckpoints)

	// Probe ±1 around every checkpoint so at least one usable anchor
	// survives a null sub-reply at each edge.
	probeSet := make(map[uint64]struct{}, len(checkpoints)*3)
	for _, cp := range checkpoints {
		probeSet[cp] = struct{}{}
		if cp > 0 {
			probeSet[cp-1] = struct{}{}
		}
		probeSet[cp+1] = struct{}{}
	}
	probes := make([]uint64, 0, len(probeSet))
	for b := range probeSet {
		probes = append(probes, b)
	}
	sort.Slice(probes, func(i, j int) bool { return probes[i] < probes[j] })

	resolved, err := r.source.BatchBlockTimestamps(ctx, probes)
	if err != nil {
		return fmt.Errorf("fetch checkpoint headers %d-%d: %w", minBlock, maxBlock, err)
	}

	// The edges must resolve or lookups at the extremes of the batch fail.
	for _, edge := range []uint64{minBlock, maxBlock} {
		if _, ok := resolved[edge]; ok {
			continue
		}
		ts, err := r.source.BlockTimestamp(ctx, edge)
		if err != nil {
			return fmt.Errorf("edge block %d unresolved: %w", edge, err)
		}
		resolved[edge] = ts
	}

	anchors := make([]uint64, 0, len(resolved))
	for b := range resolved {
		if b >= minBlock && b <= maxBlock {
			anchors = append(anchors, b)
		}
	}
	if len(anchors) < 2 {
		return fmt.Errorf("only %d usable anchors in %d-%d, need at least 2", len(anchors), minBlock, maxBlock)
	}
	sort.Slice(anchors, func(i, j int) bool { return anchors[i] < anchors[j] })

	for i := 0; i+1 < len(anchors); i++ {
		b0, b1 := anchors[i], anchors[i+1]
		if b0 == b1 {
			continue
		}
		t0, t1 := resolved[b0], resolved[b1]
		r.addSegment(segment{
			Start:   b0,
			End:     b1,
			StartTs: t0,
			Slope:   float64(t1-t0) / float64(b1-b0),
		})
	}
	return nil
}

func (r *TimestampResolver) addSegment(seg segment) {
	if len(r.segments) >= maxSegments {
		r.segments = r.segments[1:]
	}
	r.segments = append(r.segments, seg)
}

// Estimate returns the interpolated timestamp for a block covered by a cached
// segment. Blocks outside every segment are an error; the caller should have
// built coverage first.
func (r *TimestampResolver) Estimate(block uint64) (int64, error) {
	for _, seg := range r.segments {
		if seg.Start <= block && block <= seg.End {
			return seg.StartTs + int64(float64(block-seg.Start)*seg.Slope), nil
		}
	}
	return 0, fmt.Errorf("block %d not in any cached range", block)
}

// AssignTimestamps builds coverage for the blocks of a log batch and returns
// block → estimated timestamp for every distinct block in it.
func (r *TimestampResolver) AssignTimestamps(ctx context.Context, blocks []uint64) (map[uint64]int64, error) {
	if len(blocks) == 0 {
		return map[uint64]int64{}, nil
	}

	minBlock, maxBlock := blocks[0], blocks[0]
	for _, b := range blocks[1:] {
		if b < minBlock {
			minBlock = b
		}
		if b > maxBlock {
			maxBlock = b
		}
	}

	if err := r.BuildForRange(ctx, minBlock, maxBlock); err != nil {
		return nil, err
	}

	out := make(map[uint64]int64, len(blocks))
	for _, b := range blocks {
		if _, ok := out[b]; ok {
			continue
		}
		ts, err := r.Estimate(b)
		if err != nil {
			return nil, err
		}
		out[b] = ts
	}
	return out, nil
}

// sampleCheckpoints returns n evenly spaced blocks over [min, max] including
// both endpoints, deduplicated for small ranges.
func sampleCheckpoints(min, max uint64, n int) []uint64 {
	if n < 2 || max-min < uint64(n) {
		if min == max {
			return []uint64{min}
		}
		return []uint64{min, max}
	}

	span := max - min
	out := make([]uint64, 0, n)
	var prev uint64
	for i := 0; i < n; i++ {
		cp := min + span*uint64(i)/uint64(n-1)
		if i > 0 && cp == prev {
			continue
		}
		out = append(out, cp)
		prev = cp
	}
	return out
}
