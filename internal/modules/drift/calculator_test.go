package drift

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptoindex/rebalancer/internal/domain"
	"github.com/cryptoindex/rebalancer/pkg/logger"
)

type stubPricer struct {
	prices map[string]float64
}

func (p *stubPricer) GetPrices(_ context.Context, symbols []string) (map[string]float64, error) {
	out := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		out[s] = p.prices[s]
	}
	return out, nil
}

func newCalculator(prices map[string]float64) *Calculator {
	return NewCalculator(&stubPricer{prices: prices}, logger.New(logger.Config{Level: "error"}))
}

func TestCalculate_DriftedPortfolio(t *testing.T) {
	// Holdings worth 44% / 36% / 20% of a $10,000 portfolio
	calc := newCalculator(map[string]float64{"BTC": 100, "ETH": 10, "SOL": 1})
	holdings := map[string]float64{"BTC": 44, "ETH": 360, "SOL": 2000}
	targets := []domain.AssetAllocation{
		{Symbol: "BTC", Weight: 40},
		{Symbol: "ETH", Weight: 30},
		{Symbol: "SOL", Weight: 30},
	}

	analysis, err := calc.Calculate(context.Background(), holdings, targets)
	require.NoError(t, err)

	assert.InDelta(t, 10000, analysis.TotalValue, 1e-9)
	// SOL is 10 percentage points under target, the largest gap
	assert.InDelta(t, 10.0, analysis.MaxDrift, 1e-9)
	assert.True(t, calc.NeedsRebalancing(analysis, 5))

	require.Len(t, analysis.Actions, 3)
	// Largest correction first: SOL ($1000), then ETH ($600), then BTC ($400)
	assert.Equal(t, "SOL", analysis.Actions[0].Symbol)
	assert.Equal(t, domain.TradeSideBuy, analysis.Actions[0].Side)
	assert.InDelta(t, 1000, analysis.Actions[0].USDValue, 1e-9)
	assert.Equal(t, "ETH", analysis.Actions[1].Symbol)
	assert.Equal(t, domain.TradeSideSell, analysis.Actions[1].Side)
	assert.Equal(t, "BTC", analysis.Actions[2].Symbol)
	assert.Equal(t, domain.TradeSideSell, analysis.Actions[2].Side)
}

func TestCalculate_Idempotent(t *testing.T) {
	calc := newCalculator(map[string]float64{"BTC": 100, "ETH": 10, "SOL": 1})
	holdings := map[string]float64{"BTC": 44, "ETH": 360, "SOL": 2000}
	targets := []domain.AssetAllocation{
		{Symbol: "BTC", Weight: 40},
		{Symbol: "ETH", Weight: 30},
		{Symbol: "SOL", Weight: 30},
	}

	first, err := calc.Calculate(context.Background(), holdings, targets)
	require.NoError(t, err)
	second, err := calc.Calculate(context.Background(), holdings, targets)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestCalculate_BalancedPortfolioNoActions(t *testing.T) {
	calc := newCalculator(map[string]float64{"BTC": 100, "ETH": 10})
	holdings := map[string]float64{"BTC": 50, "ETH": 500}
	targets := []domain.AssetAllocation{
		{Symbol: "BTC", Weight: 50},
		{Symbol: "ETH", Weight: 50},
	}

	analysis, err := calc.Calculate(context.Background(), holdings, targets)
	require.NoError(t, err)

	assert.Zero(t, analysis.MaxDrift)
	assert.Empty(t, analysis.Actions)
	assert.False(t, calc.NeedsRebalancing(analysis, 5))
}

func TestCalculate_ToleranceBandSkipsSmallCorrections(t *testing.T) {
	// BTC is off target by $50 on a $10,000 portfolio: inside the 1% band
	calc := newCalculator(map[string]float64{"BTC": 100, "ETH": 10})
	holdings := map[string]float64{"BTC": 50.5, "ETH": 495}

	targets := []domain.AssetAllocation{
		{Symbol: "BTC", Weight: 50},
		{Symbol: "ETH", Weight: 50},
	}

	analysis, err := calc.Calculate(context.Background(), holdings, targets)
	require.NoError(t, err)
	assert.Empty(t, analysis.Actions)

	// Every generated action must clear the band
	for _, action := range analysis.Actions {
		assert.GreaterOrEqual(t, action.USDValue, analysis.TotalValue*ActionToleranceBand)
	}
}

func TestCalculate_UnpricedAssetExcludedWithWarning(t *testing.T) {
	calc := newCalculator(map[string]float64{"BTC": 100, "NEW": 0})
	holdings := map[string]float64{"BTC": 100}
	targets := []domain.AssetAllocation{
		{Symbol: "BTC", Weight: 60},
		{Symbol: "NEW", Weight: 40},
	}

	analysis, err := calc.Calculate(context.Background(), holdings, targets)
	require.NoError(t, err)

	// NEW cannot be priced: excluded from actions, surfaced as warning
	for _, action := range analysis.Actions {
		assert.NotEqual(t, "NEW", action.Symbol)
	}
	require.Len(t, analysis.Warnings, 1)
	assert.Contains(t, analysis.Warnings[0], "NEW")

	// Drift is still reported for the unpriced target
	assert.InDelta(t, 40.0, analysis.MaxDrift, 1e-9)
}

func TestCalculate_RejectsInvalidAllocation(t *testing.T) {
	calc := newCalculator(map[string]float64{"BTC": 100})

	_, err := calc.Calculate(context.Background(), map[string]float64{"BTC": 1}, []domain.AssetAllocation{
		{Symbol: "BTC", Weight: 55},
		{Symbol: "ETH", Weight: 55},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidAllocation)
}

func TestCalculate_EmptyHoldings(t *testing.T) {
	calc := newCalculator(map[string]float64{"BTC": 100, "ETH": 10})
	targets := []domain.AssetAllocation{
		{Symbol: "BTC", Weight: 50},
		{Symbol: "ETH", Weight: 50},
	}

	analysis, err := calc.Calculate(context.Background(), map[string]float64{}, targets)
	require.NoError(t, err)

	assert.Zero(t, analysis.TotalValue)
	// Nothing held: both targets are 50pp off, but with zero total value no
	// correction can be sized
	assert.InDelta(t, 50.0, analysis.MaxDrift, 1e-9)
	assert.Empty(t, analysis.Actions)
}
