package evm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// TokenMeta is the on-chain metadata needed to scale and orient a pool's
// amounts. Immutable once deployed, so process-local caching is safe.
type TokenMeta struct {
	Address  common.Address
	Symbol   string
	Decimals uint8
}

const poolViewABI = `[
	{"name":"token0","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"address"}]},
	{"name":"token1","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"address"}]},
	{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint8"}]},
	{"name":"symbol","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"string"}]}
]`

var viewABI = mustParseABI(poolViewABI)

func mustParseABI(src string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(src))
	if err != nil {
		panic(err)
	}
	return parsed
}

var tokenMetaCache sync.Map // common.Address → TokenMeta

// PoolTokens resolves both token addresses of a pool contract.
func (c *Client) PoolTokens(ctx context.Context, pool common.Address) (token0, token1 common.Address, err error) {
	token0, err = c.callAddress(ctx, pool, "token0")
	if err != nil {
		return common.Address{}, common.Address{}, fmt.Errorf("token0 of %s: %w", pool.Hex(), err)
	}
	token1, err = c.callAddress(ctx, pool, "token1")
	if err != nil {
		return common.Address{}, common.Address{}, fmt.Errorf("token1 of %s: %w", pool.Hex(), err)
	}
	return token0, token1, nil
}

// TokenMetadata returns symbol and decimals for an ERC-20 token, cached for
// the process lifetime.
func (c *Client) TokenMetadata(ctx context.Context, token common.Address) (TokenMeta, error) {
	if cached, ok := tokenMetaCache.Load(token); ok {
		return cached.(TokenMeta), nil
	}

	symbol, err := c.callSymbol(ctx, token)
	if err != nil {
		return TokenMeta{}, fmt.Errorf("symbol of %s: %w", token.Hex(), err)
	}
	decimals, err := c.callDecimals(ctx, token)
	if err != nil {
		return TokenMeta{}, fmt.Errorf("decimals of %s: %w", token.Hex(), err)
	}

	meta := TokenMeta{Address: token, Symbol: symbol, Decimals: decimals}
	tokenMetaCache.Store(token, meta)
	return meta, nil
}

func (c *Client) callAddress(ctx context.Context, to common.Address, method string) (common.Address, error) {
	data, err := viewABI.Pack(method)
	if err != nil {
		return common.Address{}, err
	}
	raw, err := c.CallContract(ctx, to, data)
	if err != nil {
		return common.Address{}, err
	}
	out, err := viewABI.Unpack(method, raw)
	if err != nil {
		return common.Address{}, err
	}
	return out[0].(common.Address), nil
}

func (c *Client) callDecimals(ctx context.Context, to common.Address) (uint8, error) {
	data, err := viewABI.Pack("decimals")
	if err != nil {
		return 0, err
	}
	raw, err := c.CallContract(ctx, to, data)
	if err != nil {
		return 0, err
	}
	out, err := viewABI.Unpack("decimals", raw)
	if err != nil {
		return 0, err
	}
	return out[0].(uint8), nil
}

// callSymbol handles both the standard string return and the bytes32 variant
// some older tokens (MKR-era) use.
func (c *Client) callSymbol(ctx context.Context, to common.Address) (string, error) {
	data, err := viewABI.Pack("symbol")
	if err != nil {
		return "", err
	}
	raw, err := c.CallContract(ctx, to, data)
	if err != nil {
		return "", err
	}
	if out, err := viewABI.Unpack("symbol", raw); err == nil {
		return out[0].(string), nil
	}
	if len(raw) == 32 {
		return string(trimNulls(raw)), nil
	}
	return "", fmt.Errorf("unparseable symbol reply (%d bytes)", len(raw))
}

func trimNulls(b []byte) []byte {
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return b[:end]
}
