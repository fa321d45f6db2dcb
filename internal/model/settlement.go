package model

import (
	"strings"
	"time"
)

type SettlementStatus string

const (
	SettlementPending     SettlementStatus = "pending"
	SettlementFromSuccess SettlementStatus = "fromSuccess"
	SettlementFromFailed  SettlementStatus = "fromFailed"
	SettlementAllSuccess  SettlementStatus = "allSuccess"
	SettlementFailed      SettlementStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s SettlementStatus) Terminal() bool {
	switch s {
	case SettlementFromFailed, SettlementAllSuccess, SettlementFailed:
		return true
	default:
		return false
	}
}

// Rank orders statuses so a record never moves to a lower rank.
func (s SettlementStatus) Rank() int {
	switch s {
	case SettlementPending:
		return 0
	case SettlementFromSuccess:
		return 1
	case SettlementFromFailed:
		return 2
	case SettlementAllSuccess, SettlementFailed:
		return 3
	default:
		return -1
	}
}

func (s SettlementStatus) Valid() bool {
	return s.Rank() >= 0
}

func ParseSettlementStatus(raw string) (SettlementStatus, bool) {
	for _, s := range []SettlementStatus{SettlementPending, SettlementFromSuccess, SettlementFromFailed, SettlementAllSuccess, SettlementFailed} {
		if strings.EqualFold(string(s), strings.TrimSpace(raw)) {
			return s, true
		}
	}
	return "", false
}

// BridgeTxRecord is the durable local record of one submitted bridge transaction.
type BridgeTxRecord struct {
	Hash                 string           `json:"hash"`
	Address              string           `json:"address"`
	FromChainID          int64            `json:"from_chain_id"`
	ToChainID            int64            `json:"to_chain_id"`
	FromToken            string           `json:"from_token"`
	ToToken              string           `json:"to_token"`
	FromAmount           AmountInfo       `json:"from_amount"`
	ToAmount             AmountInfo       `json:"to_amount"`
	DexID                string           `json:"dex_id"`
	BridgeID             string           `json:"bridge_id"`
	Status               SettlementStatus `json:"status"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
	FromTxCompleteAt     *time.Time       `json:"from_tx_complete_at,omitempty"`
	ActualToToken        string           `json:"actual_to_token,omitempty"`
	ActualToAmount       string           `json:"actual_to_amount,omitempty"`
	CompletedAt          *time.Time       `json:"completed_at,omitempty"`
	EstimatedDurationSec int64            `json:"estimated_duration_s"`
	Archived             bool             `json:"archived"`
}

// Overdue reports whether a non-terminal record has exceeded its estimated duration.
func (r BridgeTxRecord) Overdue(now time.Time) bool {
	if r.Status.Terminal() || r.EstimatedDurationSec <= 0 {
		return false
	}
	return now.Sub(r.CreatedAt) > time.Duration(r.EstimatedDurationSec)*time.Second
}

type RemoteStatus string

const (
	RemoteCompleted RemoteStatus = "completed"
	RemoteFailed    RemoteStatus = "failed"
	RemotePending   RemoteStatus = "pending"
)

// RemoteSettlement is one entry of an aggregator's transfer history, keyed by origin tx hash.
type RemoteSettlement struct {
	Hash            string       `json:"hash"`
	Status          RemoteStatus `json:"status"`
	FromConfirmed   bool         `json:"from_confirmed"`
	DestinationHash string       `json:"destination_hash,omitempty"`
	ActualToToken   string       `json:"actual_to_token,omitempty"`
	ActualToAmount  string       `json:"actual_to_amount,omitempty"`
}

type HistoryPage struct {
	Items []RemoteSettlement `json:"items"`
	Next  string             `json:"next,omitempty"`
}

// RecordView decorates a record for output.
type RecordView struct {
	BridgeTxRecord
	Overdue bool   `json:"overdue"`
	Notice  string `json:"notice,omitempty"`
}
