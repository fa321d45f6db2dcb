package quote

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/ggonzalez94/xbridge/internal/id"
	"github.com/ggonzalez94/xbridge/internal/model"
)

// Ranking is the ordered candidate set together with the chosen selection.
type Ranking struct {
	Quotes     []model.ResolvedQuote
	SelectedID string
	BestID     string
	Manual     bool
}

// Rank orders quotes by toAmount * toPriceUSD - gasFeeUSD, highest first. When
// no price is known quotes are ordered by output amount, then by gas. A manual
// selection is kept while it is still part of the set; otherwise the top quote
// is selected. BestID always names the top quote.
func Rank(quotes []model.ResolvedQuote, toPriceUSD float64, selectedID string, manual bool) Ranking {
	type scored struct {
		q      model.ResolvedQuote
		amount decimal.Decimal
		score  decimal.Decimal
	}
	priced := toPriceUSD > 0
	price := decimal.NewFromFloat(toPriceUSD)

	items := make([]scored, 0, len(quotes))
	for _, q := range quotes {
		amount := id.ToDecimal(q.ToAmount.AmountBaseUnits, q.ToAmount.Decimals)
		item := scored{q: q, amount: amount}
		if priced {
			item.score = amount.Mul(price).Sub(decimal.NewFromFloat(q.GasFeeUSD))
		}
		items = append(items, item)
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if priced {
			if c := a.score.Cmp(b.score); c != 0 {
				return c > 0
			}
		}
		if c := a.amount.Cmp(b.amount); c != 0 {
			return c > 0
		}
		if a.q.GasFeeUSD != b.q.GasFeeUSD {
			return a.q.GasFeeUSD < b.q.GasFeeUSD
		}
		if a.q.DurationSec != b.q.DurationSec {
			return a.q.DurationSec < b.q.DurationSec
		}
		return a.q.ID() < b.q.ID()
	})

	out := Ranking{Quotes: make([]model.ResolvedQuote, 0, len(items))}
	if len(items) == 0 {
		return out
	}
	out.BestID = items[0].q.ID()
	out.SelectedID = out.BestID
	if manual && selectedID != "" {
		for _, item := range items {
			if item.q.ID() == selectedID {
				out.SelectedID = selectedID
				out.Manual = true
				break
			}
		}
	}

	for _, item := range items {
		q := item.q
		qid := q.ID()
		q.Best = qid == out.BestID
		q.Selected = qid == out.SelectedID
		q.ManualSelected = q.Selected && out.Manual
		q.Score = ""
		if priced {
			q.Score = item.score.StringFixed(6)
		}
		out.Quotes = append(out.Quotes, q)
	}
	return out
}
