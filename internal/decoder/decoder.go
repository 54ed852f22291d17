// Package decoder turns raw Swap logs into normalized swap records. Decoders
// are pure: no RPC, no SQL, no shared state, so they can fan out across
// workers freely.
package decoder

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/s-Milo-s/dexflow/internal/models"
)

// DecodeFunc decodes one chunk of logs. blockTimes maps block number to the
// interpolated timestamp; dec0/dec1 are the token decimals; baseIsToken1
// orients amounts. Individual undecodable logs are skipped, a chunk-level
// failure is returned.
type DecodeFunc func(logs []types.Log, blockTimes map[uint64]int64, dec0, dec1 uint8, baseIsToken1 bool) ([]models.SwapRecord, error)

// Descriptor is everything the orchestrator needs to ingest one (chain, dex)
// combination. New DEXes are added by registering a descriptor, never by
// touching the pipeline.
type Descriptor struct {
	Chain string
	Dex   string

	// Topic is the Swap event signature hash used to filter eth_getLogs.
	Topic common.Hash

	Decode DecodeFunc
}

type key struct{ chain, dex string }

var registry = map[key]Descriptor{}

func register(d Descriptor) {
	registry[key{d.Chain, d.Dex}] = d
}

// Lookup returns the descriptor for a (chain, dex) pair.
func Lookup(chain, dex string) (Descriptor, error) {
	d, ok := registry[key{strings.ToLower(chain), strings.ToLower(dex)}]
	if !ok {
		return Descriptor{}, fmt.Errorf("no decoder registered for %s/%s", chain, dex)
	}
	return d, nil
}

// Supported reports whether a (chain, dex) pair has a registered decoder.
func Supported(chain, dex string) bool {
	_, ok := registry[key{strings.ToLower(chain), strings.ToLower(dex)}]
	return ok
}

const (
	maxDecodeChunks = 8
	logsPerChunk    = 200
)

// ChunkLogs splits a log batch into min(8, max(1, ceil(N/200))) near-equal
// chunks for parallel decoding.
func ChunkLogs(logs []types.Log) [][]types.Log {
	n := len(logs)
	if n == 0 {
		return nil
	}

	chunks := (n + logsPerChunk - 1) / logsPerChunk
	if chunks > maxDecodeChunks {
		chunks = maxDecodeChunks
	}
	if chunks < 1 {
		chunks = 1
	}

	size := (n + chunks - 1) / chunks
	out := make([][]types.Log, 0, chunks)
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		out = append(out, logs[start:end])
	}
	return out
}

func mustParseABI(src string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(src))
	if err != nil {
		panic(err)
	}
	return parsed
}

func topicAddress(t common.Hash) string {
	return common.BytesToAddress(t.Bytes()).Hex()
}

func init() {
	// V3-style pools: Uniswap V3, Camelot (Algebra v1.9) and PancakeSwap V3
	// all emit the same 7-field Swap layout, so they share a topic and a
	// decode function.
	for _, cd := range []struct{ chain, dex string }{
		{"arbitrum", "uniswap_v3"},
		{"arbitrum", "camelot"},
		{"base", "uniswap_v3"},
		{"base", "pancakeswap"},
	} {
		register(Descriptor{Chain: cd.chain, Dex: cd.dex, Topic: v3SwapTopic, Decode: DecodeV3Chunk})
	}

	register(Descriptor{Chain: "base", Dex: "aerodrome", Topic: v2SwapTopic, Decode: DecodeV2Chunk})
}
