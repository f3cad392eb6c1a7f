package settlement

import (
	"github.com/shopspring/decimal"

	"updown/internal/round"
)

var hundred = decimal.NewFromInt(100)

// Classify returns the realised direction. Equal prices resolve to Down.
func Classify(referencePrice, settlementPrice float64) round.Direction {
	if settlementPrice > referencePrice {
		return round.Up
	}
	return round.Down
}

// ChangePct is |settlement - reference| / reference * 100.
func ChangePct(referencePrice, settlementPrice float64) decimal.Decimal {
	ref := decimal.NewFromFloat(referencePrice)
	if ref.IsZero() {
		return decimal.Zero
	}
	return decimal.NewFromFloat(settlementPrice).Sub(ref).Abs().Div(ref).Mul(hundred)
}

// Payout is the signed balance change for a stake: the stake scaled by the
// move percentage, rounded to whole units, negated on a loss.
func Payout(amount, changePct decimal.Decimal, result round.Result) decimal.Decimal {
	magnitude := amount.Mul(changePct).Div(hundred).Round(0)
	if result == round.Win {
		return magnitude
	}
	return magnitude.Neg()
}

// Settle derives one Outcome per prediction, in submission order. It reads
// nothing but its arguments.
func Settle(r round.Snapshot, settlementPrice float64, settledAt int64) []round.Outcome {
	actual := Classify(r.ReferencePrice, settlementPrice)
	change := ChangePct(r.ReferencePrice, settlementPrice)

	outcomes := make([]round.Outcome, 0, len(r.Predictions))
	for _, p := range r.Predictions {
		result := round.Lose
		if p.Direction == actual {
			result = round.Win
		}
		outcomes = append(outcomes, round.Outcome{
			Prediction:      p,
			RoundSeq:        r.Seq,
			ReferencePrice:  r.ReferencePrice,
			SettlementPrice: settlementPrice,
			Actual:          actual,
			Result:          result,
			ChangePct:       change,
			Payout:          Payout(p.Amount, change, result),
			SettledAt:       settledAt,
		})
	}
	return outcomes
}
