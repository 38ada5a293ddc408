package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestTakerFee(t *testing.T) {
	fees := FeeSchedule{TakerRate: dec("0.0025"), PriorityFee: dec("0.5")}

	// 1000 * 0.0025 + 0.5
	got := fees.TakerFee(dec("1000"))
	require.True(t, got.Equal(dec("3")), "fee %s", got)

	// Nothing traded, nothing charged.
	got = fees.TakerFee(decimal.Zero)
	require.True(t, got.IsZero())
}

func TestTakerFeeZeroSchedule(t *testing.T) {
	var fees FeeSchedule
	require.True(t, fees.TakerFee(dec("1000")).IsZero())
}

func TestDefaultFeeSchedule(t *testing.T) {
	fees := DefaultFeeSchedule()
	require.True(t, fees.TakerRate.Equal(dec("0.0025")))
	require.True(t, fees.MakerRate.Equal(dec("0.001")))
	require.True(t, fees.PriorityFee.IsZero())
}
