package ledger

import "github.com/shopspring/decimal"

// FeeSchedule is the deterministic fee model: a proportional rate on the
// gross amount plus a flat priority fee, all in quote terms. Simulated market
// fills always pay the taker rate.
type FeeSchedule struct {
	TakerRate   decimal.Decimal
	MakerRate   decimal.Decimal
	PriorityFee decimal.Decimal
}

func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{
		TakerRate:   decimal.NewFromFloat(0.0025),
		MakerRate:   decimal.NewFromFloat(0.001),
		PriorityFee: decimal.Zero,
	}
}

// TakerFee computes the fee charged on a gross quote amount.
func (f FeeSchedule) TakerFee(gross decimal.Decimal) decimal.Decimal {
	if !gross.GreaterThan(decimal.Zero) {
		return decimal.Zero
	}
	return gross.Mul(f.TakerRate).Add(f.PriorityFee)
}
