package evm

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

const (
	requestTimeout   = 10 * time.Second
	connectAttempts  = 5
	latestAttempts   = 5
	getLogsAttempts  = 3
	initialBackoff   = 1 * time.Second
	backoffFactor    = 2
	txBatchSize      = 100 // provider hard limit for batched eth_getTransactionByHash
	headerBatchLimit = 500
)

// Client wraps a JSON-RPC connection to an EVM node. It layers retries and a
// mandatory per-request timeout over ethclient, and exposes a true batched
// header fetch (one round-trip for N eth_getBlockByNumber sub-requests).
type Client struct {
	url string
	rpc *rpc.Client
	eth *ethclient.Client
}

var (
	clientsMu sync.Mutex
	clients   = map[string]*Client{} // one client per RPC URL, process lifetime
)

// Dial returns the shared client for the given RPC URL, creating it on first
// use. The initial connect is retried with exponential backoff.
func Dial(ctx context.Context, rpcURL string) (*Client, error) {
	clientsMu.Lock()
	defer clientsMu.Unlock()

	if c, ok := clients[rpcURL]; ok {
		return c, nil
	}

	var (
		rc  *rpc.Client
		err error
	)
	backoff := initialBackoff
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		rc, err = rpc.DialContext(dialCtx, rpcURL)
		cancel()
		if err == nil {
			break
		}
		log.Printf("[evm] connect attempt %d/%d failed: %v", attempt, connectAttempts, err)
		if attempt == connectAttempts {
			return nil, fmt.Errorf("connect to %s: %w", redactURL(rpcURL), err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= backoffFactor
	}

	c := &Client{url: rpcURL, rpc: rc, eth: ethclient.NewClient(rc)}
	clients[rpcURL] = c
	log.Printf("[evm] connected to %s", redactURL(rpcURL))
	return c, nil
}

func (c *Client) Close() {
	c.rpc.Close()
}

// LatestBlock returns the current chain head, retrying transient failures
// with exponential backoff (1s, doubling, up to 5 attempts, no jitter).
func (c *Client) LatestBlock(ctx context.Context) (uint64, error) {
	var (
		n   uint64
		err error
	)
	backoff := initialBackoff
	for attempt := 1; attempt <= latestAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		n, err = c.eth.BlockNumber(callCtx)
		cancel()
		if err == nil {
			return n, nil
		}
		if attempt < latestAttempts {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= backoffFactor
		}
	}
	return 0, fmt.Errorf("eth_blockNumber: %w", err)
}

// BlockTimestamp fetches a single header's timestamp.
func (c *Client) BlockTimestamp(ctx context.Context, number uint64) (int64, error) {
	callCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	header, err := c.eth.HeaderByNumber(callCtx, new(big.Int).SetUint64(number))
	if err != nil {
		return 0, fmt.Errorf("eth_getBlockByNumber(%d): %w", number, err)
	}
	return int64(header.Time), nil
}

// batchHeader is the slim view of a block header we need from a batched
// eth_getBlockByNumber call.
type batchHeader struct {
	Number    hexutil.Uint64 `json:"number"`
	Timestamp hexutil.Uint64 `json:"timestamp"`
}

// BatchBlockTimestamps issues one network round-trip carrying an
// eth_getBlockByNumber sub-request per block and returns number→timestamp for
// every resolved header. Null or errored sub-replies are dropped; the caller
// decides how to handle missing entries.
func (c *Client) BatchBlockTimestamps(ctx context.Context, numbers []uint64) (map[uint64]int64, error) {
	out := make(map[uint64]int64, len(numbers))
	for start := 0; start < len(numbers); start += headerBatchLimit {
		end := start + headerBatchLimit
		if end > len(numbers) {
			end = len(numbers)
		}
		if err := c.batchBlockTimestamps(ctx, numbers[start:end], out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c *Client) batchBlockTimestamps(ctx context.Context, numbers []uint64, out map[uint64]int64) error {
	if len(numbers) == 0 {
		return nil
	}

	elems := make([]rpc.BatchElem, len(numbers))
	results := make([]*batchHeader, len(numbers))
	for i, n := range numbers {
		results[i] = new(batchHeader)
		elems[i] = rpc.BatchElem{
			Method: "eth_getBlockByNumber",
			Args:   []interface{}{hexutil.EncodeUint64(n), false},
			Result: &results[i],
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	if err := c.rpc.BatchCallContext(callCtx, elems); err != nil {
		return fmt.Errorf("batched eth_getBlockByNumber: %w", err)
	}

	for i, elem := range elems {
		if elem.Error != nil || results[i] == nil {
			// Partial batches happen on public providers; keep going.
			continue
		}
		out[numbers[i]] = int64(results[i].Timestamp)
	}
	return nil
}

// FilterLogs fetches logs for one address and topic set over a block range.
// It retries up to 3 times; on persistent failure it logs the error and
// returns an empty slice so the caller treats the range as empty — the gap
// computation of a later run picks the range up again.
func (c *Client) FilterLogs(ctx context.Context, address common.Address, topics []common.Hash, from, to uint64) []types.Log {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{address},
	}
	if len(topics) > 0 {
		query.Topics = [][]common.Hash{topics}
	}

	var err error
	backoff := initialBackoff
	for attempt := 1; attempt <= getLogsAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		logs, ferr := c.eth.FilterLogs(callCtx, query)
		cancel()
		if ferr == nil {
			return logs
		}
		err = ferr
		if attempt < getLogsAttempts {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= backoffFactor
		}
	}
	log.Printf("[evm] eth_getLogs %d-%d failed after %d attempts: %v", from, to, getLogsAttempts, err)
	return nil
}

// CallContract performs a read-only eth_call at the latest block.
func (c *Client) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	return c.eth.CallContract(callCtx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

// txFromResult is the slim view of eth_getTransactionByHash we need.
type txFromResult struct {
	Hash common.Hash    `json:"hash"`
	From common.Address `json:"from"`
}

// BatchTransactionSenders resolves tx hash → sender ("from") for up to 100
// hashes per round-trip. Unresolved hashes (dropped txs, provider hiccups)
// are simply absent from the result.
func (c *Client) BatchTransactionSenders(ctx context.Context, hashes []common.Hash) (map[common.Hash]common.Address, error) {
	out := make(map[common.Hash]common.Address, len(hashes))

	for start := 0; start < len(hashes); start += txBatchSize {
		end := start + txBatchSize
		if end > len(hashes) {
			end = len(hashes)
		}
		batch := hashes[start:end]

		elems := make([]rpc.BatchElem, len(batch))
		results := make([]*txFromResult, len(batch))
		for i, h := range batch {
			results[i] = new(txFromResult)
			elems[i] = rpc.BatchElem{
				Method: "eth_getTransactionByHash",
				Args:   []interface{}{h},
				Result: &results[i],
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		err := c.rpc.BatchCallContext(callCtx, elems)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("batched eth_getTransactionByHash: %w", err)
		}

		for i, elem := range elems {
			if elem.Error != nil || results[i] == nil {
				continue
			}
			out[batch[i]] = results[i].From
		}
	}
	return out, nil
}

// redactURL hides the API key path segment most providers embed in the URL.
func redactURL(u string) string {
	if len(u) <= 40 {
		return u
	}
	return u[:40] + "…"
}
