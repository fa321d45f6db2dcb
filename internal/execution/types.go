package execution

import (
	"github.com/ggonzalez94/xbridge/internal/evm"
	"github.com/ggonzalez94/xbridge/internal/model"
)

type ActionStatus string

type StepStatus string

type StepType string

type Mode string

const (
	ModeSubmit Mode = "submit"
	ModeBuild  Mode = "build"
)

const (
	ActionStatusPlanned   ActionStatus = "planned"
	ActionStatusRunning   ActionStatus = "running"
	ActionStatusBuilt     ActionStatus = "built"
	ActionStatusCompleted ActionStatus = "completed"
	ActionStatusFailed    ActionStatus = "failed"
)

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusBuilt     StepStatus = "built"
	StepStatusSubmitted StepStatus = "submitted"
	StepStatusConfirmed StepStatus = "confirmed"
	StepStatusFailed    StepStatus = "failed"
)

const (
	StepTypeApprovalReset StepType = "approval_reset"
	StepTypeApproval      StepType = "approval"
	StepTypeBridge        StepType = "bridge_send"
)

type ActionStep struct {
	StepID      string          `json:"step_id"`
	Type        StepType        `json:"type"`
	Status      StepStatus      `json:"status"`
	ChainID     int64           `json:"chain_id"`
	Description string          `json:"description,omitempty"`
	Target      string          `json:"target"`
	Data        string          `json:"data"`
	Value       string          `json:"value"`
	GasLimit    uint64          `json:"gas_limit,omitempty"`
	TxHash      string          `json:"tx_hash,omitempty"`
	Unsigned    *evm.UnsignedTx `json:"unsigned,omitempty"`
	Error       string          `json:"error,omitempty"`
}

func (s ActionStep) call() evm.Call {
	return evm.Call{ChainID: s.ChainID, To: s.Target, Data: s.Data, Value: s.Value, GasLimit: s.GasLimit}
}

// Action is one execution attempt of a selected quote. A retry creates a new action.
type Action struct {
	ActionID      string           `json:"action_id"`
	Mode          Mode             `json:"mode"`
	Status        ActionStatus     `json:"status"`
	QuoteID       string           `json:"quote_id"`
	Aggregator    string           `json:"aggregator"`
	Bridge        string           `json:"bridge"`
	FromChainID   int64            `json:"from_chain_id"`
	ToChainID     int64            `json:"to_chain_id"`
	FromAddress   string           `json:"from_address"`
	Token         string           `json:"token"`
	Spender       string           `json:"spender,omitempty"`
	InputAmount   string           `json:"input_amount"`
	InputDecimal  string           `json:"input_decimal,omitempty"`
	InputDecimals int              `json:"input_decimals,omitempty"`
	ToToken       string           `json:"to_token"`
	ToAmount      model.AmountInfo `json:"to_amount"`
	DurationSec   int64            `json:"duration_s,omitempty"`
	CreatedAt     string           `json:"created_at"`
	UpdatedAt     string           `json:"updated_at"`
	Steps         []ActionStep     `json:"steps"`
	RecordHash    string           `json:"record_hash,omitempty"`
	FailedStepID  string           `json:"failed_step_id,omitempty"`
}
