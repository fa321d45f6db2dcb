package execution

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	clierr "github.com/ggonzalez94/xbridge/internal/errors"
	"github.com/ggonzalez94/xbridge/internal/registry"
)

var approveSelector = erc20ABI.Methods["approve"].ID

var knownBridgeAggregators = map[string]bool{
	"lifi":   true,
	"across": true,
	"bungee": true,
}

func validateStepPolicy(action *Action, step *ActionStep, opts Options) error {
	if action == nil || step == nil {
		return clierr.New(clierr.CodeInternal, "missing action step")
	}
	if !common.IsHexAddress(step.Target) {
		return clierr.New(clierr.CodeActionPlan, "invalid step target address")
	}
	if step.ChainID != action.FromChainID {
		return clierr.New(clierr.CodeActionPlan, "step chain does not match the source chain")
	}
	data := common.FromHex(step.Data)

	switch step.Type {
	case StepTypeApprovalReset:
		amount, err := validateApproveCall(action, step, data)
		if err != nil {
			return err
		}
		if amount.Sign() != 0 {
			return clierr.New(clierr.CodeActionPlan, "allowance reset must approve zero")
		}
		return nil
	case StepTypeApproval:
		amount, err := validateApproveCall(action, step, data)
		if err != nil {
			return err
		}
		if amount.Sign() <= 0 {
			return clierr.New(clierr.CodeActionPlan, "approval step has invalid approval amount")
		}
		if opts.AllowMaxApproval {
			return nil
		}
		requested, ok := parsePositiveBaseUnits(action.InputAmount)
		if !ok {
			return clierr.New(clierr.CodeActionPlan, "cannot validate approval bounds for non-numeric input amount")
		}
		if amount.Cmp(requested) > 0 {
			return clierr.New(clierr.CodeActionPlan,
				fmt.Sprintf("approval amount %s exceeds requested input amount %s; use --allow-max-approval to override", amount, requested))
		}
		return nil
	case StepTypeBridge:
		return validateBridgePolicy(action, opts)
	default:
		return clierr.New(clierr.CodeActionPlan, fmt.Sprintf("unknown step type %q", step.Type))
	}
}

func validateApproveCall(action *Action, step *ActionStep, data []byte) (*big.Int, error) {
	if len(data) < 4 || !bytes.Equal(data[:4], approveSelector) {
		return nil, clierr.New(clierr.CodeActionPlan, "approval step must use ERC20 approve(spender,amount)")
	}
	args, err := erc20ABI.Methods["approve"].Inputs.Unpack(data[4:])
	if err != nil || len(args) != 2 {
		return nil, clierr.New(clierr.CodeActionPlan, "approval step calldata is invalid")
	}
	spender, ok := args[0].(common.Address)
	if !ok || spender == (common.Address{}) {
		return nil, clierr.New(clierr.CodeActionPlan, "approval step has invalid spender")
	}
	if !strings.EqualFold(spender.Hex(), action.Spender) {
		return nil, clierr.New(clierr.CodeActionPlan, "approval spender does not match the quote spender")
	}
	if !strings.EqualFold(step.Target, common.HexToAddress(action.Token).Hex()) {
		return nil, clierr.New(clierr.CodeActionPlan, "approval step does not target the pay token")
	}
	amount, ok := args[1].(*big.Int)
	if !ok || amount == nil {
		return nil, clierr.New(clierr.CodeActionPlan, "approval step has invalid approval amount")
	}
	return amount, nil
}

func validateBridgePolicy(action *Action, opts Options) error {
	if opts.UnsafeProviderTx {
		return nil
	}
	if !knownBridgeAggregators[action.Aggregator] {
		return clierr.New(clierr.CodeActionPlan, "bridge step has unknown aggregator; use --unsafe-provider-tx to override")
	}
	if _, ok := registry.ProviderBaseURL(action.Aggregator); !ok {
		return clierr.New(clierr.CodeActionPlan, "bridge step aggregator has no canonical endpoint; use --unsafe-provider-tx to override")
	}
	return nil
}

func parsePositiveBaseUnits(value string) (*big.Int, bool) {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil, false
	}
	parsed, ok := new(big.Int).SetString(v, 10)
	if !ok || parsed.Sign() <= 0 {
		return nil, false
	}
	return parsed, true
}
