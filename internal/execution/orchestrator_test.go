package execution

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/ggonzalez94/xbridge/internal/allowance"
	clierr "github.com/ggonzalez94/xbridge/internal/errors"
	"github.com/ggonzalez94/xbridge/internal/evm"
	"github.com/ggonzalez94/xbridge/internal/execution/signer"
	"github.com/ggonzalez94/xbridge/internal/id"
	"github.com/ggonzalez94/xbridge/internal/model"
	"github.com/ggonzalez94/xbridge/internal/providers"
)

const (
	testOwner   = "0x00000000000000000000000000000000000000aa"
	testSpender = "0x00000000000000000000000000000000000000c1"
	testBridge  = "0x00000000000000000000000000000000000000b2"
)

type fakeSigner struct{}

func (fakeSigner) Address() common.Address { return common.HexToAddress(testOwner) }

func (fakeSigner) SignTx(_ *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	return tx, nil
}

type fakeSender struct {
	mu      sync.Mutex
	calls   []evm.Call
	waited  []common.Hash
	failAt  int
	waitErr error
}

func (f *fakeSender) Send(_ context.Context, _ signer.Signer, call evm.Call) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if f.failAt == len(f.calls) {
		return common.Hash{}, clierr.Wrap(clierr.CodeActionSim, "simulate transaction", errors.New("execution reverted: ERC20: insufficient allowance"))
	}
	return common.BigToHash(big.NewInt(int64(len(f.calls)))), nil
}

func (f *fakeSender) WaitMined(_ context.Context, _ int64, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waited = append(f.waited, hash)
	if f.waitErr != nil {
		return nil, f.waitErr
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}

type fakeBuilder struct {
	offsets []uint64
}

func (f *fakeBuilder) Build(_ context.Context, from string, call evm.Call, nonceOffset uint64) (evm.UnsignedTx, error) {
	f.offsets = append(f.offsets, nonceOffset)
	return evm.UnsignedTx{ChainID: call.ChainID, From: from, To: call.To, Data: call.Data, Value: call.Value, Nonce: 10 + nonceOffset, Gas: 100000}, nil
}

type fakeReader struct {
	mu      sync.Mutex
	current *big.Int
	reads   int
}

func (f *fakeReader) Allowance(context.Context, int64, string, string, string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return new(big.Int).Set(f.current), nil
}

func (f *fakeReader) set(v int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = big.NewInt(v)
}

type fakeRecords struct {
	created []model.BridgeTxRecord
	err     error
}

func (f *fakeRecords) Create(_ context.Context, rec model.BridgeTxRecord) error {
	if f.err != nil {
		return f.err
	}
	f.created = append(f.created, rec)
	return nil
}

type fakeTxBuilder struct {
	calls int
}

func (f *fakeTxBuilder) BuildBridgeTx(_ context.Context, req providers.QuoteRequest, q model.Quote) (model.TxRequest, error) {
	f.calls++
	return model.TxRequest{ChainID: req.FromChain.EVMChainID, From: req.Sender, To: testBridge, Data: "0x1234", Value: "0"}, nil
}

func bridgeRequest(t *testing.T, symbol string) providers.QuoteRequest {
	t.Helper()
	from, err := id.ParseChain("ethereum")
	if err != nil {
		t.Fatalf("parse chain: %v", err)
	}
	to, err := id.ParseChain("base")
	if err != nil {
		t.Fatalf("parse chain: %v", err)
	}
	fromAsset, err := id.ParseAsset(symbol, from)
	if err != nil {
		t.Fatalf("parse asset: %v", err)
	}
	toAsset, err := id.ParseAsset("USDC", to)
	if err != nil {
		t.Fatalf("parse asset: %v", err)
	}
	return providers.QuoteRequest{
		FromChain:       from,
		ToChain:         to,
		FromAsset:       fromAsset,
		ToAsset:         toAsset,
		AmountBaseUnits: "10000000",
		AmountDecimal:   "10",
		SlippageBps:     providers.DefaultSlippageBps,
	}
}

func bridgeQuote(aggregator string, withTx bool) model.ResolvedQuote {
	q := model.Quote{
		AggregatorID:    aggregator,
		BridgeID:        "stargate",
		BridgeName:      "Stargate",
		BridgeLogo:      "https://example.com/stargate.svg",
		ToAmount:        model.AmountInfo{AmountBaseUnits: "9900000", AmountDecimal: "9.9", Decimals: 6},
		ApproveContract: testSpender,
		DurationSec:     120,
	}
	if withTx {
		q.Tx = &model.TxRequest{ChainID: 1, To: testBridge, Data: "0xabcdef", Value: "0", GasLimit: 250000}
	}
	return model.ResolvedQuote{Quote: q}
}

func newTestOrchestrator(reader *fakeReader, sender *fakeSender, builder *fakeBuilder, records *fakeRecords, txBuilders map[string]providers.BridgeTxBuilder) *Orchestrator {
	cfg := Config{
		Approvals:  allowance.NewResolver(reader, zerolog.Nop()),
		Records:    records,
		TxBuilders: txBuilders,
	}
	if sender != nil {
		cfg.Sender = sender
	}
	if builder != nil {
		cfg.Builder = builder
	}
	return New(cfg, zerolog.Nop())
}

func TestSubmitApprovesThenBridges(t *testing.T) {
	reader := &fakeReader{current: big.NewInt(0)}
	sender := &fakeSender{}
	records := &fakeRecords{}
	orch := newTestOrchestrator(reader, sender, nil, records, nil)

	req := bridgeRequest(t, "USDC")
	res, err := orch.Submit(context.Background(), fakeSigner{}, req, bridgeQuote("lifi", true))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	got := res.Action.StepTypes()
	if len(got) != 2 || got[0] != StepTypeApproval || got[1] != StepTypeBridge {
		t.Fatalf("unexpected steps: %v", got)
	}
	if len(sender.calls) != 2 {
		t.Fatalf("expected two broadcasts, got %d", len(sender.calls))
	}
	approve := sender.calls[0]
	if !strings.EqualFold(approve.To, req.FromAsset.Address) {
		t.Fatalf("approval must target the pay token, got %s", approve.To)
	}
	wantData, _ := erc20ABI.Pack("approve", common.HexToAddress(testSpender), big.NewInt(10_000_000))
	if !strings.EqualFold(approve.Data, "0x"+common.Bytes2Hex(wantData)) {
		t.Fatalf("expected exact-amount approval, got %s", approve.Data)
	}
	bridge := sender.calls[1]
	if !strings.EqualFold(bridge.To, testBridge) || bridge.Data != "0xabcdef" || bridge.GasLimit != 250000 {
		t.Fatalf("unexpected bridge call: %+v", bridge)
	}
	if len(sender.waited) != 1 {
		t.Fatalf("expected only the approval to be awaited, got %d", len(sender.waited))
	}
	if res.Action.Status != ActionStatusCompleted {
		t.Fatalf("unexpected action status: %s", res.Action.Status)
	}

	if len(records.created) != 1 || res.Record == nil {
		t.Fatalf("expected one pending record, got %+v", records.created)
	}
	rec := records.created[0]
	if rec.Status != model.SettlementPending || rec.Hash != strings.ToLower(res.Action.Steps[1].TxHash) {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Address != testOwner || rec.DexID != "lifi" || rec.BridgeID != "stargate" || rec.EstimatedDurationSec != 120 {
		t.Fatalf("unexpected record identity: %+v", rec)
	}
	if rec.FromAmount.AmountBaseUnits != "10000000" || rec.ToAmount.AmountBaseUnits != "9900000" {
		t.Fatalf("unexpected record amounts: %+v", rec)
	}
}

func TestSubmitSkipsApprovalWhenAllowanceSuffices(t *testing.T) {
	reader := &fakeReader{current: big.NewInt(10_000_000)}
	sender := &fakeSender{}
	orch := newTestOrchestrator(reader, sender, nil, &fakeRecords{}, nil)

	res, err := orch.Submit(context.Background(), fakeSigner{}, bridgeRequest(t, "USDC"), bridgeQuote("across", true))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if got := res.Action.StepTypes(); len(got) != 1 || got[0] != StepTypeBridge {
		t.Fatalf("unexpected steps: %v", got)
	}
}

func TestSubmitResetsLegacyTokenAllowance(t *testing.T) {
	reader := &fakeReader{current: big.NewInt(5)}
	sender := &fakeSender{}
	orch := newTestOrchestrator(reader, sender, nil, &fakeRecords{}, nil)

	res, err := orch.Submit(context.Background(), fakeSigner{}, bridgeRequest(t, "USDT"), bridgeQuote("lifi", true))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	got := res.Action.StepTypes()
	if len(got) != 3 || got[0] != StepTypeApprovalReset || got[1] != StepTypeApproval || got[2] != StepTypeBridge {
		t.Fatalf("unexpected steps: %v", got)
	}
	zero, _ := erc20ABI.Pack("approve", common.HexToAddress(testSpender), big.NewInt(0))
	if !strings.EqualFold(sender.calls[0].Data, "0x"+common.Bytes2Hex(zero)) {
		t.Fatalf("expected zero approval first, got %s", sender.calls[0].Data)
	}
	if len(sender.waited) != 2 {
		t.Fatalf("expected both approvals awaited, got %d", len(sender.waited))
	}
}

func TestSubmitAbortsOnFailedStepAndRetryRederivesApprovals(t *testing.T) {
	reader := &fakeReader{current: big.NewInt(5)}
	sender := &fakeSender{failAt: 2}
	records := &fakeRecords{}
	orch := newTestOrchestrator(reader, sender, nil, records, nil)
	req := bridgeRequest(t, "USDT")

	res, err := orch.Submit(context.Background(), fakeSigner{}, req, bridgeQuote("lifi", true))
	if err == nil {
		t.Fatal("expected failure on approval step")
	}
	cErr, ok := clierr.As(err)
	if !ok || cErr.Code != clierr.CodeActionSim {
		t.Fatalf("expected simulation error code, got %v", err)
	}
	if !strings.Contains(err.Error(), "approval step failed") || !strings.Contains(err.Error(), "insufficient allowance") {
		t.Fatalf("expected step and revert reason in error, got %v", err)
	}
	if len(sender.calls) != 2 || len(records.created) != 0 {
		t.Fatalf("bridge must not be sent after a failed step: calls=%d records=%d", len(sender.calls), len(records.created))
	}
	if res.Action.Status != ActionStatusFailed || res.Action.FailedStepID != "approval" {
		t.Fatalf("unexpected failed action: %+v", res.Action)
	}

	// the reset landed, so the fresh run only approves and bridges
	reader.set(0)
	retry := &fakeSender{}
	orch = newTestOrchestrator(reader, retry, nil, records, nil)
	res, err = orch.Submit(context.Background(), fakeSigner{}, req, bridgeQuote("lifi", true))
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if got := res.Action.StepTypes(); len(got) != 2 || got[0] != StepTypeApproval {
		t.Fatalf("unexpected retry steps: %v", got)
	}
	if res.Action.ActionID == "" || len(records.created) != 1 {
		t.Fatalf("expected a record after retry, got %d", len(records.created))
	}
}

func TestSubmitFailsWhenApprovalReverts(t *testing.T) {
	reader := &fakeReader{current: big.NewInt(0)}
	sender := &fakeSender{waitErr: clierr.New(clierr.CodeSubmission, "transaction reverted on-chain")}
	orch := newTestOrchestrator(reader, sender, nil, &fakeRecords{}, nil)

	_, err := orch.Submit(context.Background(), fakeSigner{}, bridgeRequest(t, "USDC"), bridgeQuote("lifi", true))
	cErr, ok := clierr.As(err)
	if !ok || cErr.Code != clierr.CodeSubmission {
		t.Fatalf("expected submission error, got %v", err)
	}
	if len(sender.calls) != 1 {
		t.Fatalf("expected bridge to be skipped, got %d calls", len(sender.calls))
	}
}

func TestSubmitUsesLazyBridgeTxBuilder(t *testing.T) {
	reader := &fakeReader{current: big.NewInt(10_000_000)}
	sender := &fakeSender{}
	txb := &fakeTxBuilder{}
	orch := newTestOrchestrator(reader, sender, nil, &fakeRecords{}, map[string]providers.BridgeTxBuilder{"Bungee": txb})

	if _, err := orch.Submit(context.Background(), fakeSigner{}, bridgeRequest(t, "USDC"), bridgeQuote("bungee", false)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if txb.calls != 1 || sender.calls[0].Data != "0x1234" {
		t.Fatalf("expected lazily built bridge call, got %+v", sender.calls)
	}

	_, err := newTestOrchestrator(reader, sender, nil, &fakeRecords{}, nil).
		Submit(context.Background(), fakeSigner{}, bridgeRequest(t, "USDC"), bridgeQuote("bungee", false))
	cErr, ok := clierr.As(err)
	if !ok || cErr.Code != clierr.CodeActionPlan {
		t.Fatalf("expected plan error without tx builder, got %v", err)
	}
}

func TestSubmitNativeTokenNeverApproves(t *testing.T) {
	reader := &fakeReader{current: big.NewInt(0)}
	sender := &fakeSender{}
	orch := newTestOrchestrator(reader, sender, nil, &fakeRecords{}, nil)
	req := bridgeRequest(t, "ETH")

	res, err := orch.Submit(context.Background(), fakeSigner{}, req, bridgeQuote("lifi", true))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if got := res.Action.StepTypes(); len(got) != 1 || got[0] != StepTypeBridge {
		t.Fatalf("unexpected steps: %v", got)
	}
	if reader.reads != 0 {
		t.Fatalf("expected no allowance read for native token, got %d", reader.reads)
	}
}

func TestBuildAssignsConsecutiveNonces(t *testing.T) {
	reader := &fakeReader{current: big.NewInt(5)}
	builder := &fakeBuilder{}
	records := &fakeRecords{}
	orch := newTestOrchestrator(reader, nil, builder, records, nil)

	req := bridgeRequest(t, "USDT")
	req.Sender = testOwner
	res, err := orch.Build(context.Background(), req, bridgeQuote("lifi", true))
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(builder.offsets) != 3 || builder.offsets[0] != 0 || builder.offsets[2] != 2 {
		t.Fatalf("unexpected nonce offsets: %v", builder.offsets)
	}
	for i, step := range res.Action.Steps {
		if step.Unsigned == nil || step.Unsigned.Nonce != uint64(10+i) || step.Status != StepStatusBuilt {
			t.Fatalf("unexpected built step %d: %+v", i, step)
		}
	}
	if res.Action.Status != ActionStatusBuilt || len(records.created) != 0 {
		t.Fatalf("build must not create records: %+v", records.created)
	}

	req.Sender = ""
	if _, err := orch.Build(context.Background(), req, bridgeQuote("lifi", true)); err == nil {
		t.Fatal("expected error without sender")
	}
}

func TestRecordBroadcast(t *testing.T) {
	records := &fakeRecords{}
	orch := newTestOrchestrator(&fakeReader{current: big.NewInt(0)}, nil, nil, records, nil)
	req := bridgeRequest(t, "USDC")
	req.Sender = testOwner

	if _, err := orch.RecordBroadcast(context.Background(), req, bridgeQuote("lifi", true).Quote, "0xnothash"); err == nil {
		t.Fatal("expected invalid hash error")
	}
	hash := "0x" + strings.Repeat("AB", 32)
	rec, err := orch.RecordBroadcast(context.Background(), req, bridgeQuote("lifi", true).Quote, hash)
	if err != nil {
		t.Fatalf("RecordBroadcast failed: %v", err)
	}
	if rec.Hash != strings.ToLower(hash) || rec.Status != model.SettlementPending || len(records.created) != 1 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestRegisterBroadcastCompletesBuiltAction(t *testing.T) {
	dir := t.TempDir()
	actions, err := OpenStore(filepath.Join(dir, "actions.db"), filepath.Join(dir, "actions.lock"))
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	t.Cleanup(func() { _ = actions.Close() })

	records := &fakeRecords{}
	orch := New(Config{
		Approvals: allowance.NewResolver(&fakeReader{current: big.NewInt(0)}, zerolog.Nop()),
		Builder:   &fakeBuilder{},
		Records:   records,
		Actions:   actions,
	}, zerolog.Nop())

	req := bridgeRequest(t, "USDC")
	req.Sender = testOwner
	built, err := orch.Build(context.Background(), req, bridgeQuote("lifi", true))
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	hash := "0x" + strings.Repeat("cd", 32)
	res, err := orch.RegisterBroadcast(context.Background(), built.Action.ActionID, hash)
	if err != nil {
		t.Fatalf("RegisterBroadcast failed: %v", err)
	}
	if res.Action.Status != ActionStatusCompleted || res.Action.RecordHash != hash {
		t.Fatalf("unexpected action: %+v", res.Action)
	}
	if len(records.created) != 1 {
		t.Fatalf("expected one record, got %d", len(records.created))
	}
	rec := records.created[0]
	if rec.DexID != "lifi" || rec.ToAmount.AmountBaseUnits != "9900000" || rec.FromAmount.AmountBaseUnits != "10000000" || rec.EstimatedDurationSec != 120 {
		t.Fatalf("unexpected record: %+v", rec)
	}

	if _, err := orch.RegisterBroadcast(context.Background(), built.Action.ActionID, hash); err == nil {
		t.Fatal("expected completed action to be rejected")
	}
}

func TestSubmitReportsRecordFailure(t *testing.T) {
	reader := &fakeReader{current: big.NewInt(10_000_000)}
	orch := newTestOrchestrator(reader, &fakeSender{}, nil, &fakeRecords{err: errors.New("disk full")}, nil)
	res, err := orch.Submit(context.Background(), fakeSigner{}, bridgeRequest(t, "USDC"), bridgeQuote("lifi", true))
	if err == nil {
		t.Fatal("expected record persistence error")
	}
	if res.Action.RecordHash == "" {
		t.Fatal("expected broadcast hash to be reported alongside the error")
	}
}
