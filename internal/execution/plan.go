package execution

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/ggonzalez94/xbridge/internal/allowance"
	clierr "github.com/ggonzalez94/xbridge/internal/errors"
	"github.com/ggonzalez94/xbridge/internal/model"
	"github.com/ggonzalez94/xbridge/internal/providers"
	"github.com/ggonzalez94/xbridge/internal/registry"
)

type PlanRequest struct {
	Mode     Mode
	Request  providers.QuoteRequest
	Quote    model.ResolvedQuote
	BridgeTx model.TxRequest
	Approval allowance.Requirement
	Now      time.Time
}

// BuildPlan orders the steps of one execution: an allowance reset for legacy
// tokens, an exact-amount approval, then the bridge call.
func BuildPlan(req PlanRequest) (Action, error) {
	sender := strings.TrimSpace(req.Request.Sender)
	if !common.IsHexAddress(sender) {
		return Action{}, clierr.New(clierr.CodeUsage, "execution requires a valid sender address")
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(req.Request.AmountBaseUnits), 10)
	if !ok || amount.Sign() <= 0 {
		return Action{}, clierr.New(clierr.CodeUsage, "amount must be a positive integer in base units")
	}
	chainID := req.Request.FromChain.EVMChainID
	if req.BridgeTx.ChainID != 0 && req.BridgeTx.ChainID != chainID {
		return Action{}, clierr.New(clierr.CodeActionPlan, fmt.Sprintf("bridge call targets chain %d, expected %d", req.BridgeTx.ChainID, chainID))
	}
	if !common.IsHexAddress(req.BridgeTx.To) {
		return Action{}, clierr.New(clierr.CodeActionPlan, "bridge call has no valid target")
	}

	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	action := NewAction(NewActionID(), req.Mode, now)
	action.QuoteID = req.Quote.ID()
	action.Aggregator = strings.ToLower(req.Quote.AggregatorID)
	action.Bridge = req.Quote.BridgeID
	action.FromChainID = chainID
	action.ToChainID = req.Request.ToChain.EVMChainID
	action.FromAddress = common.HexToAddress(sender).Hex()
	action.Token = req.Request.FromAsset.Address
	action.InputAmount = amount.String()
	action.InputDecimal = req.Request.AmountDecimal
	action.InputDecimals = req.Request.FromAsset.Decimals
	action.ToToken = req.Request.ToAsset.Address
	action.ToAmount = req.Quote.ToAmount
	action.DurationSec = req.Quote.DurationSec

	needsApproval := req.Approval.ShouldApprove || req.Approval.ShouldTwoStepApprove
	if needsApproval {
		spender := strings.TrimSpace(req.Quote.ApproveContract)
		if !common.IsHexAddress(spender) {
			return Action{}, clierr.New(clierr.CodeActionPlan, "approval required but quote has no valid spender")
		}
		if !common.IsHexAddress(req.Request.FromAsset.Address) {
			return Action{}, clierr.New(clierr.CodeActionPlan, "approval requires an ERC20 token address")
		}
		action.Spender = common.HexToAddress(spender).Hex()
	}
	symbol := strings.ToUpper(req.Request.FromAsset.Symbol)

	if req.Approval.ShouldTwoStepApprove {
		step, err := approvalStep("approval-reset", StepTypeApprovalReset, chainID, req.Request.FromAsset.Address, action.Spender, new(big.Int))
		if err != nil {
			return Action{}, err
		}
		step.Description = fmt.Sprintf("Reset %s allowance to zero", symbol)
		action.Steps = append(action.Steps, step)
	}
	if req.Approval.ShouldApprove {
		step, err := approvalStep("approval", StepTypeApproval, chainID, req.Request.FromAsset.Address, action.Spender, amount)
		if err != nil {
			return Action{}, err
		}
		step.Description = fmt.Sprintf("Approve %s %s for bridge spender", req.Request.AmountDecimal, symbol)
		action.Steps = append(action.Steps, step)
	}

	value := strings.TrimSpace(req.BridgeTx.Value)
	if value == "" {
		value = "0"
	}
	data := strings.TrimSpace(req.BridgeTx.Data)
	if data == "" {
		data = "0x"
	}
	action.Steps = append(action.Steps, ActionStep{
		StepID:      "bridge",
		Type:        StepTypeBridge,
		Status:      StepStatusPending,
		ChainID:     chainID,
		Description: fmt.Sprintf("Bridge via %s (%s)", req.Quote.BridgeName, action.Aggregator),
		Target:      common.HexToAddress(req.BridgeTx.To).Hex(),
		Data:        data,
		Value:       value,
		GasLimit:    req.BridgeTx.GasLimit,
	})
	return action, nil
}

func approvalStep(stepID string, stepType StepType, chainID int64, token, spender string, amount *big.Int) (ActionStep, error) {
	data, err := erc20ABI.Pack("approve", common.HexToAddress(spender), amount)
	if err != nil {
		return ActionStep{}, clierr.Wrap(clierr.CodeInternal, "pack approval calldata", err)
	}
	return ActionStep{
		StepID:  stepID,
		Type:    stepType,
		Status:  StepStatusPending,
		ChainID: chainID,
		Target:  common.HexToAddress(token).Hex(),
		Data:    "0x" + common.Bytes2Hex(data),
		Value:   "0",
	}, nil
}

var erc20ABI = mustABI(registry.ERC20MinimalABI)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
