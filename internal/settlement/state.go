// Package settlement tracks submitted bridge transactions until the destination
// side settles, fails, or the record ages out.
package settlement

import (
	"time"

	"github.com/ggonzalez94/xbridge/internal/evm"
	"github.com/ggonzalez94/xbridge/internal/model"
)

const (
	DefaultNoMatchAfter = time.Hour
	DefaultMaxAge       = 24 * time.Hour
)

// Policy bounds how long a record may wait for remote confirmation.
type Policy struct {
	NoMatchAfter time.Duration
	MaxAge       time.Duration
}

func DefaultPolicy() Policy {
	return Policy{NoMatchAfter: DefaultNoMatchAfter, MaxAge: DefaultMaxAge}
}

func (p Policy) withDefaults() Policy {
	if p.NoMatchAfter <= 0 {
		p.NoMatchAfter = DefaultNoMatchAfter
	}
	if p.MaxAge <= 0 {
		p.MaxAge = DefaultMaxAge
	}
	return p
}

// Observation is the outcome of one remote history lookup.
type Observation struct {
	Remote    *model.RemoteSettlement
	LookupErr bool
}

// Advance returns rec after applying obs at now, and whether anything changed.
// Remote outcomes win over age bounds. The no-match bound only applies when
// the lookup itself succeeded.
func Advance(rec model.BridgeTxRecord, obs Observation, now time.Time, p Policy) (model.BridgeTxRecord, bool) {
	p = p.withDefaults()
	age := now.Sub(rec.CreatedAt)

	switch rec.Status {
	case model.SettlementAllSuccess, model.SettlementFailed:
		return rec, false
	case model.SettlementFromFailed:
		if age > p.MaxAge {
			return finish(rec, model.SettlementFailed, now), true
		}
		return rec, false
	}

	if obs.Remote != nil {
		switch obs.Remote.Status {
		case model.RemoteCompleted:
			next := finish(rec, model.SettlementAllSuccess, now)
			next.ActualToToken = obs.Remote.ActualToToken
			next.ActualToAmount = obs.Remote.ActualToAmount
			if next.FromTxCompleteAt == nil {
				ts := now.UTC()
				next.FromTxCompleteAt = &ts
			}
			return next, true
		case model.RemoteFailed:
			return finish(rec, model.SettlementFailed, now), true
		case model.RemotePending:
			if obs.Remote.FromConfirmed && rec.Status == model.SettlementPending && age <= p.MaxAge {
				return confirmSource(rec, now), true
			}
		}
	}

	if age > p.MaxAge {
		return finish(rec, model.SettlementFailed, now), true
	}
	if obs.Remote == nil && !obs.LookupErr && rec.Status == model.SettlementPending && age > p.NoMatchAfter {
		rec.Status = model.SettlementFromFailed
		rec.UpdatedAt = now.UTC()
		return rec, true
	}
	return rec, false
}

// ApplySource applies the origin-chain receipt outcome to a pending record.
func ApplySource(rec model.BridgeTxRecord, state evm.ReceiptState, now time.Time) (model.BridgeTxRecord, bool) {
	if rec.Status != model.SettlementPending {
		return rec, false
	}
	switch state {
	case evm.ReceiptSuccess:
		return confirmSource(rec, now), true
	case evm.ReceiptReverted:
		rec.Status = model.SettlementFromFailed
		rec.UpdatedAt = now.UTC()
		return rec, true
	default:
		return rec, false
	}
}

// View decorates rec for output.
func View(rec model.BridgeTxRecord, now time.Time) model.RecordView {
	v := model.RecordView{BridgeTxRecord: rec, Overdue: rec.Overdue(now)}
	if v.Overdue {
		v.Notice = "taking longer than expected"
	}
	return v
}

func confirmSource(rec model.BridgeTxRecord, now time.Time) model.BridgeTxRecord {
	ts := now.UTC()
	rec.Status = model.SettlementFromSuccess
	rec.FromTxCompleteAt = &ts
	rec.UpdatedAt = ts
	return rec
}

func finish(rec model.BridgeTxRecord, status model.SettlementStatus, now time.Time) model.BridgeTxRecord {
	ts := now.UTC()
	rec.Status = status
	rec.CompletedAt = &ts
	rec.UpdatedAt = ts
	return rec
}

// allowed reports whether moving from cur to next keeps the record monotonic.
func allowed(cur, next model.BridgeTxRecord) bool {
	if !next.Status.Valid() {
		return false
	}
	if next.Status == cur.Status {
		return true
	}
	return next.Status.Rank() > cur.Status.Rank()
}
