package model

import "strings"

// TxRequest is an unsigned EVM call as returned by an aggregator.
type TxRequest struct {
	ChainID  int64  `json:"chain_id"`
	From     string `json:"from,omitempty"`
	To       string `json:"to"`
	Data     string `json:"data"`
	Value    string `json:"value"`
	GasLimit uint64 `json:"gas_limit,omitempty"`
}

type Quote struct {
	AggregatorID    string     `json:"aggregator_id"`
	BridgeID        string     `json:"bridge_id"`
	BridgeName      string     `json:"bridge_name"`
	BridgeLogo      string     `json:"bridge_logo"`
	FromChainID     string     `json:"from_chain_id"`
	ToChainID       string     `json:"to_chain_id"`
	FromAssetID     string     `json:"from_asset_id"`
	ToAssetID       string     `json:"to_asset_id"`
	FromAmount      AmountInfo `json:"from_amount"`
	ToAmount        AmountInfo `json:"to_amount"`
	ToAmountMin     AmountInfo `json:"to_amount_min"`
	GasFeeUSD       float64    `json:"gas_fee_usd"`
	FeeUSD          float64    `json:"fee_usd"`
	ApproveContract string     `json:"approve_contract,omitempty"`
	DurationSec     int64      `json:"duration_s"`
	QuoteKey        string     `json:"quote_key,omitempty"`
	Tx              *TxRequest `json:"tx,omitempty"`
	FetchedAt       string     `json:"fetched_at"`
}

// ID identifies a quote within one aggregation cycle.
func (q Quote) ID() string {
	return QuoteID(q.AggregatorID, q.BridgeID)
}

// Valid reports whether the quote carries the bridge metadata needed to display it.
func (q Quote) Valid() bool {
	return strings.TrimSpace(q.BridgeID) != "" &&
		strings.TrimSpace(q.BridgeName) != "" &&
		strings.TrimSpace(q.BridgeLogo) != ""
}

func QuoteID(aggregatorID, bridgeID string) string {
	return strings.ToLower(aggregatorID) + ":" + strings.ToLower(bridgeID)
}

// ResolvedQuote is a quote plus the approval state and selection flags of the current session.
type ResolvedQuote struct {
	Quote
	ShouldApprove        bool   `json:"should_approve"`
	ShouldTwoStepApprove bool   `json:"should_two_step_approve"`
	Selected             bool   `json:"selected"`
	ManualSelected       bool   `json:"manual_selected"`
	Best                 bool   `json:"best"`
	Loading              bool   `json:"loading"`
	Score                string `json:"score,omitempty"`
}

// TokenSuggestion is an alternate pay token that can be quoted when the requested one cannot.
type TokenSuggestion struct {
	ChainID    string          `json:"chain_id"`
	AssetID    string          `json:"asset_id"`
	Address    string          `json:"address"`
	Symbol     string          `json:"symbol"`
	Decimals   int             `json:"decimals"`
	FromAmount AmountInfo      `json:"from_amount"`
	Quotes     []ResolvedQuote `json:"quotes"`
	BestID     string          `json:"best_id,omitempty"`
}

// QuoteSnapshot is an immutable view of a quote session.
type QuoteSnapshot struct {
	Generation uint64           `json:"generation"`
	Quotes     []ResolvedQuote  `json:"quotes"`
	SelectedID string           `json:"selected_id,omitempty"`
	BestID     string           `json:"best_id,omitempty"`
	Manual     bool             `json:"manual"`
	Loading    bool             `json:"loading"`
	NoQuote    bool             `json:"no_quote"`
	Suggestion *TokenSuggestion `json:"suggestion,omitempty"`
	Providers  []ProviderStatus `json:"providers,omitempty"`
	UpdatedAt  string           `json:"updated_at"`
}

// Selected returns the selected quote, if any.
func (s QuoteSnapshot) Selected() (ResolvedQuote, bool) {
	for _, q := range s.Quotes {
		if q.Selected {
			return q, true
		}
	}
	return ResolvedQuote{}, false
}
