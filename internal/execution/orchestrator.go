package execution

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/ggonzalez94/xbridge/internal/allowance"
	clierr "github.com/ggonzalez94/xbridge/internal/errors"
	"github.com/ggonzalez94/xbridge/internal/evm"
	"github.com/ggonzalez94/xbridge/internal/execution/signer"
	"github.com/ggonzalez94/xbridge/internal/metrics"
	"github.com/ggonzalez94/xbridge/internal/model"
	"github.com/ggonzalez94/xbridge/internal/providers"
)

// Sender signs, broadcasts and awaits calls. *evm.Client satisfies it.
type Sender interface {
	Send(ctx context.Context, txSigner signer.Signer, call evm.Call) (common.Hash, error)
	WaitMined(ctx context.Context, chainID int64, hash common.Hash) (*types.Receipt, error)
}

// Builder prices calls for an external signer. *evm.Client satisfies it.
type Builder interface {
	Build(ctx context.Context, from string, call evm.Call, nonceOffset uint64) (evm.UnsignedTx, error)
}

type ApprovalResolver interface {
	Resolve(ctx context.Context, req allowance.Request) (allowance.Requirement, error)
}

// RecordStore persists the pending settlement record of a broadcast bridge call.
type RecordStore interface {
	Create(ctx context.Context, rec model.BridgeTxRecord) error
}

type Options struct {
	AllowMaxApproval bool
	UnsafeProviderTx bool
}

type Config struct {
	Approvals  ApprovalResolver
	Sender     Sender
	Builder    Builder
	TxBuilders map[string]providers.BridgeTxBuilder
	Records    RecordStore
	Actions    *Store
	Metrics    *metrics.Metrics
	Options    Options
}

// Orchestrator turns a selected quote into approval and bridge transactions.
type Orchestrator struct {
	approvals  ApprovalResolver
	sender     Sender
	builder    Builder
	txBuilders map[string]providers.BridgeTxBuilder
	records    RecordStore
	actions    *Store
	metrics    *metrics.Metrics
	opts       Options
	log        zerolog.Logger
	now        func() time.Time
}

type Result struct {
	Action Action                `json:"action"`
	Record *model.BridgeTxRecord `json:"record,omitempty"`
}

func New(cfg Config, log zerolog.Logger) *Orchestrator {
	builders := make(map[string]providers.BridgeTxBuilder, len(cfg.TxBuilders))
	for name, b := range cfg.TxBuilders {
		builders[strings.ToLower(name)] = b
	}
	return &Orchestrator{
		approvals:  cfg.Approvals,
		sender:     cfg.Sender,
		builder:    cfg.Builder,
		txBuilders: builders,
		records:    cfg.Records,
		actions:    cfg.Actions,
		metrics:    cfg.Metrics,
		opts:       cfg.Options,
		log:        log,
		now:        time.Now,
	}
}

// Submit executes the plan of q in order and stops at the first failing step.
// Approval steps are awaited before the bridge call is sent. The pending
// settlement record is stored before Submit returns.
func (o *Orchestrator) Submit(ctx context.Context, txSigner signer.Signer, req providers.QuoteRequest, q model.ResolvedQuote) (Result, error) {
	if txSigner == nil {
		return Result{}, clierr.New(clierr.CodeSigner, "missing signer")
	}
	if o.sender == nil {
		return Result{}, clierr.New(clierr.CodeInternal, "orchestrator has no sender")
	}
	owner := txSigner.Address().Hex()
	req.Sender = owner
	if strings.TrimSpace(req.Recipient) == "" {
		req.Recipient = owner
	}

	action, err := o.plan(ctx, ModeSubmit, req, q)
	if err != nil {
		return Result{}, err
	}
	action.Status = ActionStatusRunning
	o.save(action)

	log := o.log.With().Str("action_id", action.ActionID).Str("quote", action.QuoteID).Logger()
	for i := range action.Steps {
		step := &action.Steps[i]
		hash, err := o.sender.Send(ctx, txSigner, step.call())
		if err != nil {
			return Result{Action: action}, o.fail(&action, step, err)
		}
		step.TxHash = hash.Hex()
		step.Status = StepStatusSubmitted
		log.Info().Str("step", step.StepID).Str("hash", step.TxHash).Msg("step broadcast")

		if step.Type == StepTypeBridge {
			o.metrics.ExecutionStep(string(step.Type), "ok")
			break
		}
		if _, err := o.sender.WaitMined(ctx, step.ChainID, hash); err != nil {
			return Result{Action: action}, o.fail(&action, step, err)
		}
		step.Status = StepStatusConfirmed
		o.metrics.ExecutionStep(string(step.Type), "ok")
		action.Touch(o.now())
		o.save(action)
	}

	bridge := action.Steps[len(action.Steps)-1]
	record, err := o.createRecord(ctx, req, q.Quote, bridge.TxHash)
	action.RecordHash = bridge.TxHash
	action.Status = ActionStatusCompleted
	action.Touch(o.now())
	o.save(action)
	if err != nil {
		log.Error().Err(err).Str("hash", bridge.TxHash).Msg("bridge broadcast but settlement record could not be stored")
		return Result{Action: action}, err
	}
	return Result{Action: action, Record: &record}, nil
}

// Build returns unsigned transactions for an external signer. Nonces are
// assigned consecutively from the sender's pending nonce.
func (o *Orchestrator) Build(ctx context.Context, req providers.QuoteRequest, q model.ResolvedQuote) (Result, error) {
	if o.builder == nil {
		return Result{}, clierr.New(clierr.CodeInternal, "orchestrator has no builder")
	}
	if !common.IsHexAddress(req.Sender) {
		return Result{}, clierr.New(clierr.CodeUsage, "build requires --from-address")
	}
	if strings.TrimSpace(req.Recipient) == "" {
		req.Recipient = req.Sender
	}
	action, err := o.plan(ctx, ModeBuild, req, q)
	if err != nil {
		return Result{}, err
	}
	for i := range action.Steps {
		step := &action.Steps[i]
		unsigned, err := o.builder.Build(ctx, action.FromAddress, step.call(), uint64(i))
		if err != nil {
			return Result{Action: action}, o.fail(&action, step, err)
		}
		step.Unsigned = &unsigned
		step.Status = StepStatusBuilt
		o.metrics.ExecutionStep(string(step.Type), "built")
	}
	action.Status = ActionStatusBuilt
	action.Touch(o.now())
	o.save(action)
	return Result{Action: action}, nil
}

// RecordBroadcast stores the pending record of a bridge call broadcast by an
// external signer.
func (o *Orchestrator) RecordBroadcast(ctx context.Context, req providers.QuoteRequest, q model.Quote, hash string) (model.BridgeTxRecord, error) {
	if !common.IsHexAddress(req.Sender) {
		return model.BridgeTxRecord{}, clierr.New(clierr.CodeUsage, "recording a broadcast requires the sender address")
	}
	return o.createRecord(ctx, req, q, hash)
}

// RegisterBroadcast records the bridge hash of a built action once an external
// signer has broadcast its steps.
func (o *Orchestrator) RegisterBroadcast(ctx context.Context, actionID, hash string) (Result, error) {
	if o.actions == nil {
		return Result{}, clierr.New(clierr.CodeInternal, "orchestrator has no action store")
	}
	action, err := o.actions.Get(actionID)
	if err != nil {
		return Result{}, err
	}
	if action.Mode != ModeBuild || action.Status != ActionStatusBuilt {
		return Result{Action: action}, clierr.New(clierr.CodeUsage, fmt.Sprintf("action %s is %s %s; only built actions can be registered", action.ActionID, action.Mode, action.Status))
	}
	record, err := o.storeRecord(ctx, model.BridgeTxRecord{
		Hash:        hash,
		Address:     action.FromAddress,
		FromChainID: action.FromChainID,
		ToChainID:   action.ToChainID,
		FromToken:   action.Token,
		ToToken:     action.ToToken,
		FromAmount: model.AmountInfo{
			AmountBaseUnits: action.InputAmount,
			AmountDecimal:   action.InputDecimal,
			Decimals:        action.InputDecimals,
		},
		ToAmount:             action.ToAmount,
		DexID:                action.Aggregator,
		BridgeID:             action.Bridge,
		EstimatedDurationSec: action.DurationSec,
	})
	if err != nil {
		return Result{Action: action}, err
	}
	bridge := &action.Steps[len(action.Steps)-1]
	bridge.TxHash = record.Hash
	bridge.Status = StepStatusSubmitted
	action.RecordHash = record.Hash
	action.Status = ActionStatusCompleted
	action.Touch(o.now())
	o.save(action)
	return Result{Action: action, Record: &record}, nil
}

func (o *Orchestrator) plan(ctx context.Context, mode Mode, req providers.QuoteRequest, q model.ResolvedQuote) (Action, error) {
	if !q.Valid() {
		return Action{}, clierr.New(clierr.CodeActionPlan, "selected quote is missing bridge metadata")
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(req.AmountBaseUnits), 10)
	if !ok || amount.Sign() <= 0 {
		return Action{}, clierr.New(clierr.CodeUsage, "amount must be a positive integer in base units")
	}
	bridgeTx, err := o.bridgeTx(ctx, req, q.Quote)
	if err != nil {
		return Action{}, err
	}
	need, err := o.resolveApproval(ctx, req, q.Quote, amount)
	if err != nil {
		return Action{}, err
	}

	action, err := BuildPlan(PlanRequest{
		Mode:     mode,
		Request:  req,
		Quote:    q,
		BridgeTx: bridgeTx,
		Approval: need,
		Now:      o.now(),
	})
	if err != nil {
		return Action{}, err
	}
	for i := range action.Steps {
		if err := validateStepPolicy(&action, &action.Steps[i], o.opts); err != nil {
			return Action{}, err
		}
	}
	o.log.Debug().Str("action_id", action.ActionID).Interface("steps", action.StepTypes()).Msg("execution planned")
	return action, nil
}

// resolveApproval reads the allowance again so a retry never repeats a step that
// already landed.
func (o *Orchestrator) resolveApproval(ctx context.Context, req providers.QuoteRequest, q model.Quote, amount *big.Int) (allowance.Requirement, error) {
	if req.FromAsset.IsNative() || strings.TrimSpace(q.ApproveContract) == "" {
		return allowance.Requirement{Current: new(big.Int)}, nil
	}
	if o.approvals == nil {
		return allowance.Requirement{}, clierr.New(clierr.CodeInternal, "orchestrator has no allowance resolver")
	}
	need, err := o.approvals.Resolve(ctx, allowance.Request{
		ChainID: req.FromChain.EVMChainID,
		Token:   req.FromAsset.Address,
		Owner:   req.Sender,
		Spender: q.ApproveContract,
		Amount:  amount,
	})
	if err != nil {
		if _, ok := clierr.As(err); ok {
			return allowance.Requirement{}, err
		}
		return allowance.Requirement{}, clierr.Wrap(clierr.CodeUnavailable, "resolve allowance", err)
	}
	return need, nil
}

func (o *Orchestrator) bridgeTx(ctx context.Context, req providers.QuoteRequest, q model.Quote) (model.TxRequest, error) {
	if q.Tx != nil {
		return *q.Tx, nil
	}
	builder, ok := o.txBuilders[strings.ToLower(q.AggregatorID)]
	if !ok {
		return model.TxRequest{}, clierr.New(clierr.CodeActionPlan, fmt.Sprintf("quote %s carries no executable bridge call", q.ID()))
	}
	tx, err := builder.BuildBridgeTx(ctx, req, q)
	if err != nil {
		return model.TxRequest{}, err
	}
	return tx, nil
}

func (o *Orchestrator) createRecord(ctx context.Context, req providers.QuoteRequest, q model.Quote, hash string) (model.BridgeTxRecord, error) {
	return o.storeRecord(ctx, model.BridgeTxRecord{
		Hash:        hash,
		Address:     req.Sender,
		FromChainID: req.FromChain.EVMChainID,
		ToChainID:   req.ToChain.EVMChainID,
		FromToken:   req.FromAsset.Address,
		ToToken:     req.ToAsset.Address,
		FromAmount: model.AmountInfo{
			AmountBaseUnits: req.AmountBaseUnits,
			AmountDecimal:   req.AmountDecimal,
			Decimals:        req.FromAsset.Decimals,
		},
		ToAmount:             q.ToAmount,
		DexID:                q.AggregatorID,
		BridgeID:             q.BridgeID,
		EstimatedDurationSec: q.DurationSec,
	})
}

func (o *Orchestrator) storeRecord(ctx context.Context, rec model.BridgeTxRecord) (model.BridgeTxRecord, error) {
	normalized, ok := evm.NormalizeTxHash(rec.Hash)
	if !ok {
		return model.BridgeTxRecord{}, clierr.New(clierr.CodeUsage, "invalid transaction hash")
	}
	now := o.now().UTC()
	rec.Hash = normalized
	rec.Address = strings.ToLower(rec.Address)
	rec.FromToken = strings.ToLower(rec.FromToken)
	rec.ToToken = strings.ToLower(rec.ToToken)
	rec.DexID = strings.ToLower(rec.DexID)
	rec.Status = model.SettlementPending
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if o.records == nil {
		return rec, nil
	}
	if err := o.records.Create(ctx, rec); err != nil {
		return model.BridgeTxRecord{}, clierr.Wrap(clierr.CodeInternal, "store settlement record", err)
	}
	return rec, nil
}

func (o *Orchestrator) fail(action *Action, step *ActionStep, err error) error {
	step.Status = StepStatusFailed
	step.Error = err.Error()
	action.Status = ActionStatusFailed
	action.FailedStepID = step.StepID
	action.Touch(o.now())
	o.save(*action)
	o.metrics.ExecutionStep(string(step.Type), "failed")
	o.log.Warn().Err(err).Str("action_id", action.ActionID).Str("step", step.StepID).Msg("execution step failed; remaining steps skipped")
	return stepError(step, err)
}

// stepError names the failed step while keeping signer, simulation and timeout
// codes intact. Everything else is a submission failure.
func stepError(step *ActionStep, err error) error {
	msg := fmt.Sprintf("%s step failed", step.Type)
	if cErr, ok := clierr.As(err); ok {
		switch cErr.Code {
		case clierr.CodeSigner, clierr.CodeActionTimeout, clierr.CodeUsage, clierr.CodeActionSim:
			return clierr.Wrap(cErr.Code, msg+": "+cErr.Message, cErr.Cause)
		}
		return clierr.Wrap(clierr.CodeSubmission, msg+": "+cErr.Message, cErr.Cause)
	}
	return clierr.Wrap(clierr.CodeSubmission, msg, err)
}

func (o *Orchestrator) save(action Action) {
	if o.actions == nil {
		return
	}
	if err := o.actions.Save(action); err != nil {
		o.log.Warn().Err(err).Str("action_id", action.ActionID).Msg("persist action failed")
	}
}
