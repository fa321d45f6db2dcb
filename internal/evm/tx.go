package evm

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"

	clierr "github.com/ggonzalez94/xbridge/internal/errors"
	"github.com/ggonzalez94/xbridge/internal/execution/signer"
)

const fallbackGasLimit = 500_000

type TxOptions struct {
	Simulate           bool
	PollInterval       time.Duration
	StepTimeout        time.Duration
	GasMultiplier      float64
	MaxFeeGwei         string
	MaxPriorityFeeGwei string
}

func DefaultTxOptions() TxOptions {
	return TxOptions{
		Simulate:      true,
		PollInterval:  2 * time.Second,
		StepTimeout:   2 * time.Minute,
		GasMultiplier: 1.2,
	}
}

func (o TxOptions) withDefaults() TxOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.StepTimeout <= 0 {
		o.StepTimeout = 2 * time.Minute
	}
	if o.GasMultiplier <= 1 {
		o.GasMultiplier = 1.2
	}
	return o
}

// Call is a contract call to be signed and sent, or built for an external signer.
type Call struct {
	ChainID  int64
	To       string
	Data     string
	Value    string
	GasLimit uint64
}

// UnsignedTx is an EIP-1559 transaction descriptor ready for an external signer.
type UnsignedTx struct {
	ChainID              int64  `json:"chain_id"`
	From                 string `json:"from"`
	To                   string `json:"to"`
	Data                 string `json:"data"`
	Value                string `json:"value"`
	Nonce                uint64 `json:"nonce"`
	Gas                  uint64 `json:"gas"`
	MaxFeePerGas         string `json:"max_fee_per_gas"`
	MaxPriorityFeePerGas string `json:"max_priority_fee_per_gas"`
}

type ReceiptState string

const (
	ReceiptPending  ReceiptState = "pending"
	ReceiptSuccess  ReceiptState = "success"
	ReceiptReverted ReceiptState = "reverted"
)

type preparedCall struct {
	chainID *big.Int
	to      common.Address
	data    []byte
	value   *big.Int
	gas     uint64
	tipCap  *big.Int
	feeCap  *big.Int
}

// Send simulates, prices, signs and broadcasts call, returning the tx hash.
func (c *Client) Send(ctx context.Context, txSigner signer.Signer, call Call) (common.Hash, error) {
	if txSigner == nil {
		return common.Hash{}, clierr.New(clierr.CodeSigner, "missing signer")
	}
	b, err := c.backend(ctx, call.ChainID)
	if err != nil {
		return common.Hash{}, err
	}
	from := txSigner.Address()
	prep, err := c.prepare(ctx, b, from, call, true)
	if err != nil {
		return common.Hash{}, err
	}

	unlock := acquireSignerNonceLock(prep.chainID, from)
	defer unlock()

	nonce, err := b.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, clierr.Wrap(clierr.CodeUnavailable, "fetch nonce", errors.Wrap(err, "backend.PendingNonceAt"))
	}
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   prep.chainID,
		Nonce:     nonce,
		GasTipCap: prep.tipCap,
		GasFeeCap: prep.feeCap,
		Gas:       prep.gas,
		To:        &prep.to,
		Value:     prep.value,
		Data:      prep.data,
	})
	signed, err := txSigner.SignTx(prep.chainID, tx)
	if err != nil {
		return common.Hash{}, clierr.Wrap(clierr.CodeSigner, "sign transaction", err)
	}
	if err := b.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, wrapEVMExecutionError(clierr.CodeSubmission, "broadcast transaction", errors.Wrap(err, "backend.SendTransaction"))
	}
	c.log.Info().Int64("chain_id", call.ChainID).Str("hash", signed.Hash().Hex()).Uint64("nonce", nonce).Msg("transaction broadcast")
	return signed.Hash(), nil
}

// Build prices call for from without signing. nonceOffset is added to the pending
// nonce so a sequence of dependent transactions can be built up front.
func (c *Client) Build(ctx context.Context, from string, call Call, nonceOffset uint64) (UnsignedTx, error) {
	if !common.IsHexAddress(from) {
		return UnsignedTx{}, clierr.New(clierr.CodeUsage, "build requires a sender address")
	}
	b, err := c.backend(ctx, call.ChainID)
	if err != nil {
		return UnsignedTx{}, err
	}
	sender := common.HexToAddress(from)
	prep, err := c.prepare(ctx, b, sender, call, nonceOffset == 0)
	if err != nil {
		return UnsignedTx{}, err
	}
	nonce, err := b.PendingNonceAt(ctx, sender)
	if err != nil {
		return UnsignedTx{}, clierr.Wrap(clierr.CodeUnavailable, "fetch nonce", errors.Wrap(err, "backend.PendingNonceAt"))
	}
	return UnsignedTx{
		ChainID:              prep.chainID.Int64(),
		From:                 sender.Hex(),
		To:                   prep.to.Hex(),
		Data:                 "0x" + hex.EncodeToString(prep.data),
		Value:                prep.value.String(),
		Nonce:                nonce + nonceOffset,
		Gas:                  prep.gas,
		MaxFeePerGas:         prep.feeCap.String(),
		MaxPriorityFeePerGas: prep.tipCap.String(),
	}, nil
}

// prepare validates the call and resolves gas and fees. When strict is false a
// failed estimate falls back to the quoted gas limit, since a call that depends
// on a not-yet-mined approval cannot be estimated.
func (c *Client) prepare(ctx context.Context, b Backend, from common.Address, call Call, strict bool) (preparedCall, error) {
	if !common.IsHexAddress(call.To) {
		return preparedCall{}, clierr.New(clierr.CodeUsage, "invalid call target address")
	}
	data, err := decodeHex(call.Data)
	if err != nil {
		return preparedCall{}, clierr.Wrap(clierr.CodeUsage, "decode calldata", err)
	}
	value, ok := parseValue(call.Value)
	if !ok {
		return preparedCall{}, clierr.New(clierr.CodeUsage, "invalid call value")
	}
	chainID, err := b.ChainID(ctx)
	if err != nil {
		return preparedCall{}, clierr.Wrap(clierr.CodeUnavailable, "read chain id", errors.Wrap(err, "backend.ChainID"))
	}
	if call.ChainID != 0 && chainID.Int64() != call.ChainID {
		return preparedCall{}, clierr.New(clierr.CodeActionPlan, fmt.Sprintf("rpc chain mismatch: expected %d, got %d", call.ChainID, chainID.Int64()))
	}

	to := common.HexToAddress(call.To)
	msg := ethereum.CallMsg{From: from, To: &to, Value: value, Data: data}
	if c.opts.Simulate && strict {
		if _, err := b.CallContract(ctx, msg, nil); err != nil {
			return preparedCall{}, wrapEVMExecutionError(clierr.CodeActionSim, "simulate call (eth_call)", err)
		}
	}

	gasLimit, err := b.EstimateGas(ctx, msg)
	switch {
	case err == nil:
		gasLimit = uint64(float64(gasLimit) * c.opts.GasMultiplier)
	case !strict:
		gasLimit = call.GasLimit
		if gasLimit == 0 {
			gasLimit = fallbackGasLimit
		}
		c.log.Debug().Err(err).Uint64("gas", gasLimit).Msg("gas estimate failed, using fallback")
	default:
		return preparedCall{}, wrapEVMExecutionError(clierr.CodeActionSim, "estimate gas", err)
	}

	tipCap, err := resolveTipCap(ctx, b, c.opts.MaxPriorityFeeGwei)
	if err != nil {
		return preparedCall{}, err
	}
	header, err := b.HeaderByNumber(ctx, nil)
	if err != nil {
		return preparedCall{}, clierr.Wrap(clierr.CodeUnavailable, "fetch latest header", errors.Wrap(err, "backend.HeaderByNumber"))
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(1_000_000_000)
	}
	feeCap, err := resolveFeeCap(baseFee, tipCap, c.opts.MaxFeeGwei)
	if err != nil {
		return preparedCall{}, err
	}
	return preparedCall{chainID: chainID, to: to, data: data, value: value, gas: gasLimit, tipCap: tipCap, feeCap: feeCap}, nil
}

// WaitMined polls for the receipt of hash until it is mined or the step timeout elapses.
func (c *Client) WaitMined(ctx context.Context, chainID int64, hash common.Hash) (*types.Receipt, error) {
	b, err := c.backend(ctx, chainID)
	if err != nil {
		return nil, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, c.opts.StepTimeout)
	defer cancel()
	for {
		receipt, err := b.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				return receipt, nil
			}
			return receipt, clierr.New(clierr.CodeSubmission, fmt.Sprintf("transaction %s reverted on-chain", hash.Hex()))
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			c.log.Debug().Err(err).Str("hash", hash.Hex()).Msg("receipt poll failed")
		}
		if err := sleepCtx(waitCtx, c.opts.PollInterval); err != nil {
			return nil, clierr.Wrap(clierr.CodeActionTimeout, "timed out waiting for receipt", err)
		}
	}
}

// ReceiptStatus performs a single receipt lookup.
func (c *Client) ReceiptStatus(ctx context.Context, chainID int64, hash string) (ReceiptState, error) {
	txHash, ok := normalizeTxHash(hash)
	if !ok {
		return "", clierr.New(clierr.CodeUsage, "invalid transaction hash")
	}
	b, err := c.backend(ctx, chainID)
	if err != nil {
		return "", err
	}
	receipt, err := b.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return ReceiptPending, nil
		}
		return "", clierr.Wrap(clierr.CodeUnavailable, "fetch receipt", errors.Wrap(err, "backend.TransactionReceipt"))
	}
	if receipt == nil {
		return ReceiptPending, nil
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return ReceiptSuccess, nil
	}
	return ReceiptReverted, nil
}

func resolveTipCap(ctx context.Context, b Backend, overrideGwei string) (*big.Int, error) {
	if strings.TrimSpace(overrideGwei) != "" {
		v, err := parseGwei(overrideGwei)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "parse --max-priority-fee-gwei", err)
		}
		return v, nil
	}
	tipCap, err := b.SuggestGasTipCap(ctx)
	if err != nil {
		return big.NewInt(2_000_000_000), nil // 2 gwei fallback
	}
	return tipCap, nil
}

func resolveFeeCap(baseFee, tipCap *big.Int, overrideGwei string) (*big.Int, error) {
	if strings.TrimSpace(overrideGwei) != "" {
		v, err := parseGwei(overrideGwei)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "parse --max-fee-gwei", err)
		}
		if v.Cmp(tipCap) < 0 {
			return nil, clierr.New(clierr.CodeUsage, "--max-fee-gwei must be >= --max-priority-fee-gwei")
		}
		return v, nil
	}
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
	feeCap.Add(feeCap, tipCap)
	return feeCap, nil
}

func parseGwei(v string) (*big.Int, error) {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return nil, fmt.Errorf("empty gwei value")
	}
	rat, ok := new(big.Rat).SetString(clean)
	if !ok {
		return nil, fmt.Errorf("invalid numeric value %q", v)
	}
	if rat.Sign() < 0 {
		return nil, fmt.Errorf("value must be non-negative")
	}
	rat.Mul(rat, big.NewRat(1_000_000_000, 1))
	if !rat.IsInt() {
		return nil, fmt.Errorf("value must resolve to an integer wei amount")
	}
	return new(big.Int).Set(rat.Num()), nil
}

// parseValue accepts base-10 or 0x-prefixed hex wei amounts.
func parseValue(v string) (*big.Int, bool) {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return big.NewInt(0), true
	}
	if strings.HasPrefix(clean, "0x") || strings.HasPrefix(clean, "0X") {
		if len(clean) == 2 {
			return big.NewInt(0), true
		}
		return new(big.Int).SetString(clean[2:], 16)
	}
	n, ok := new(big.Int).SetString(clean, 10)
	if !ok || n.Sign() < 0 {
		return nil, false
	}
	return n, true
}

func decodeHex(v string) ([]byte, error) {
	clean := strings.TrimSpace(v)
	clean = strings.TrimPrefix(clean, "0x")
	if clean == "" {
		return []byte{}, nil
	}
	if len(clean)%2 != 0 {
		clean = "0" + clean
	}
	buf, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return buf, nil
}

func normalizeTxHash(v string) (common.Hash, bool) {
	clean := strings.TrimSpace(v)
	if !strings.HasPrefix(clean, "0x") || len(clean) != 66 {
		return common.Hash{}, false
	}
	if _, err := hex.DecodeString(clean[2:]); err != nil {
		return common.Hash{}, false
	}
	return common.HexToHash(clean), true
}

// NormalizeTxHash validates and canonicalises a 32-byte transaction hash.
func NormalizeTxHash(v string) (string, bool) {
	h, ok := normalizeTxHash(v)
	if !ok {
		return "", false
	}
	return strings.ToLower(h.Hex()), true
}
