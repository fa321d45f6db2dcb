package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	clierr "github.com/ggonzalez94/xbridge/internal/errors"
	"github.com/ggonzalez94/xbridge/internal/id"
	"github.com/ggonzalez94/xbridge/internal/registry"
)

// Dialer opens a Backend for an RPC endpoint.
type Dialer func(ctx context.Context, rpcURL string) (Backend, error)

func dialEthclient(ctx context.Context, rpcURL string) (Backend, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, errors.Wrap(err, "ethclient.DialContext")
	}
	return client, nil
}

// Client multiplexes per-chain backends and implements the reads and writes
// needed by allowance checks, execution and settlement watching.
type Client struct {
	rpcURLs map[int64]string
	dial    Dialer
	erc20   abi.ABI
	opts    TxOptions
	log     zerolog.Logger

	mu       sync.Mutex
	backends map[int64]Backend
}

func NewClient(rpcURLs map[int64]string, opts TxOptions, log zerolog.Logger) (*Client, error) {
	return NewClientWithDialer(rpcURLs, opts, log, dialEthclient)
}

func NewClientWithDialer(rpcURLs map[int64]string, opts TxOptions, log zerolog.Logger, dial Dialer) (*Client, error) {
	parsed, err := abi.JSON(strings.NewReader(registry.ERC20MinimalABI))
	if err != nil {
		return nil, errors.Wrap(err, "abi.JSON")
	}
	if rpcURLs == nil {
		rpcURLs = map[int64]string{}
	}
	return &Client{
		rpcURLs:  rpcURLs,
		dial:     dial,
		erc20:    parsed,
		opts:     opts.withDefaults(),
		log:      log,
		backends: map[int64]Backend{},
	}, nil
}

// Options returns the effective transaction options.
func (c *Client) Options() TxOptions {
	return c.opts
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for chainID, b := range c.backends {
		b.Close()
		delete(c.backends, chainID)
	}
}

func (c *Client) backend(ctx context.Context, chainID int64) (Backend, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.backends[chainID]; ok {
		return b, nil
	}
	rpcURL, err := registry.ResolveRPCURL("", chainID, c.rpcURLs)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "resolve rpc url", err)
	}
	b, err := c.dial(ctx, rpcURL)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "connect rpc", err)
	}
	c.log.Debug().Int64("chain_id", chainID).Str("rpc", rpcURL).Msg("rpc connected")
	c.backends[chainID] = b
	return b, nil
}

// Allowance reads ERC20 allowance(owner, spender) on chainID.
func (c *Client) Allowance(ctx context.Context, chainID int64, token, owner, spender string) (*big.Int, error) {
	if !common.IsHexAddress(token) || !common.IsHexAddress(owner) || !common.IsHexAddress(spender) {
		return nil, clierr.New(clierr.CodeUsage, "allowance requires token, owner and spender addresses")
	}
	b, err := c.backend(ctx, chainID)
	if err != nil {
		return nil, err
	}
	out, err := c.call(ctx, b, common.HexToAddress(token), "allowance", common.HexToAddress(owner), common.HexToAddress(spender))
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "read allowance", err)
	}
	return firstBigInt(out, "allowance")
}

// BalanceOf reads the token balance of owner; native tokens use the account balance.
func (c *Client) BalanceOf(ctx context.Context, chainID int64, token, owner string) (*big.Int, error) {
	if !common.IsHexAddress(owner) {
		return nil, clierr.New(clierr.CodeUsage, "balance requires an owner address")
	}
	b, err := c.backend(ctx, chainID)
	if err != nil {
		return nil, err
	}
	if id.IsNativeAddress(token) {
		bal, err := b.BalanceAt(ctx, common.HexToAddress(owner), nil)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUnavailable, "read native balance", errors.Wrap(err, "backend.BalanceAt"))
		}
		return bal, nil
	}
	out, err := c.call(ctx, b, common.HexToAddress(token), "balanceOf", common.HexToAddress(owner))
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "read token balance", err)
	}
	return firstBigInt(out, "balanceOf")
}

// ApproveCalldata encodes approve(spender, amount).
func (c *Client) ApproveCalldata(spender string, amount *big.Int) ([]byte, error) {
	if !common.IsHexAddress(spender) {
		return nil, clierr.New(clierr.CodeUsage, "invalid approval spender address")
	}
	data, err := c.erc20.Pack("approve", common.HexToAddress(spender), amount)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "encode approve calldata", errors.Wrap(err, "erc20.Pack"))
	}
	return data, nil
}

func (c *Client) call(ctx context.Context, b Backend, to common.Address, method string, args ...any) ([]any, error) {
	data, err := c.erc20.Pack(method, args...)
	if err != nil {
		return nil, errors.Wrap(err, "erc20.Pack")
	}
	res, err := b.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, errors.Wrap(err, "backend.CallContract")
	}
	out, err := c.erc20.Unpack(method, res)
	if err != nil {
		return nil, errors.Wrap(err, "erc20.Unpack")
	}
	return out, nil
}

func firstBigInt(out []any, method string) (*big.Int, error) {
	if len(out) == 0 {
		return nil, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("empty %s response", method))
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("unexpected %s response type", method))
	}
	return v, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
