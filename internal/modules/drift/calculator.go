// Package drift computes portfolio drift against target weights and the
// actions needed to return to target.
package drift

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"

	"github.com/cryptoindex/rebalancer/internal/domain"
)

// ActionToleranceBand is the fraction of total portfolio value below which a
// correction is skipped. Avoids churn trades from rounding noise.
const ActionToleranceBand = 0.01

// Pricer resolves current USD prices; unpriced symbols map to 0
type Pricer interface {
	GetPrices(ctx context.Context, symbols []string) (map[string]float64, error)
}

// Action is one corrective trade to bring an asset back to target
type Action struct {
	Symbol        string           `json:"symbol"`
	Side          domain.TradeSide `json:"side"`
	CurrentAmount float64          `json:"current_amount"`
	TargetAmount  float64          `json:"target_amount"`
	AmountDelta   float64          `json:"amount_delta"` // asset units, always positive
	USDValue      float64          `json:"usd_value"`    // absolute correction size
}

// Analysis is the result of one drift computation
type Analysis struct {
	TotalValue  float64                    `json:"total_value"`
	Allocations []domain.CurrentAllocation `json:"allocations"`
	MaxDrift    float64                    `json:"max_drift"` // percentage points
	Actions     []Action                   `json:"actions"`
	Warnings    []string                   `json:"warnings,omitempty"` // unpriced assets excluded from actions
}

// Calculator computes drift analyses. Pure given a Pricer; calling it twice
// with unchanged inputs and prices yields identical output.
type Calculator struct {
	pricer Pricer
	log    zerolog.Logger
}

// NewCalculator creates a drift calculator
func NewCalculator(pricer Pricer, log zerolog.Logger) *Calculator {
	return &Calculator{
		pricer: pricer,
		log:    log.With().Str("service", "drift").Logger(),
	}
}

// Calculate prices the holdings, measures per-asset drift from target and
// derives the corrective actions.
func (c *Calculator) Calculate(
	ctx context.Context,
	holdings map[string]float64,
	targets []domain.AssetAllocation,
) (*Analysis, error) {
	if err := domain.ValidateAllocations(targets); err != nil {
		return nil, err
	}

	// Price every held symbol plus every target (a target may be fully unheld)
	symbolSet := make(map[string]bool, len(holdings)+len(targets))
	symbols := make([]string, 0, len(holdings)+len(targets))
	for symbol := range holdings {
		if !symbolSet[symbol] {
			symbolSet[symbol] = true
			symbols = append(symbols, symbol)
		}
	}
	for _, t := range targets {
		if !symbolSet[t.Symbol] {
			symbolSet[t.Symbol] = true
			symbols = append(symbols, t.Symbol)
		}
	}

	prices, err := c.pricer.GetPrices(ctx, symbols)
	if err != nil {
		return nil, fmt.Errorf("failed to price holdings: %w", err)
	}

	// Total portfolio value over all holdings
	totalValue := 0.0
	values := make(map[string]float64, len(holdings))
	for symbol, amount := range holdings {
		usdValue := amount * prices[symbol]
		values[symbol] = usdValue
		totalValue += usdValue
	}

	analysis := &Analysis{TotalValue: totalValue}

	for _, target := range targets {
		amount := holdings[target.Symbol]
		usdValue := values[target.Symbol]

		currentWeight := 0.0
		if totalValue > 0 {
			currentWeight = usdValue / totalValue * 100
		}
		assetDrift := math.Abs(currentWeight - target.Weight)

		analysis.Allocations = append(analysis.Allocations, domain.CurrentAllocation{
			Symbol:        target.Symbol,
			Amount:        amount,
			USDValue:      usdValue,
			CurrentWeight: currentWeight,
			TargetWeight:  target.Weight,
			Drift:         assetDrift,
		})

		if assetDrift > analysis.MaxDrift {
			analysis.MaxDrift = assetDrift
		}
	}

	analysis.Actions, analysis.Warnings = c.buildActions(analysis.Allocations, totalValue, prices)

	c.log.Info().
		Float64("total_value", totalValue).
		Float64("max_drift", analysis.MaxDrift).
		Int("actions", len(analysis.Actions)).
		Msg("Drift calculated")

	return analysis, nil
}

// NeedsRebalancing compares the analysis against a drift threshold in
// percentage points
func (c *Calculator) NeedsRebalancing(analysis *Analysis, threshold float64) bool {
	return analysis.MaxDrift >= threshold
}

// buildActions derives the corrective trades. Corrections smaller than the
// tolerance band are skipped; assets without a price are excluded and
// reported as warnings, not failures.
func (c *Calculator) buildActions(
	allocations []domain.CurrentAllocation,
	totalValue float64,
	prices map[string]float64,
) ([]Action, []string) {
	var actions []Action
	var warnings []string

	// With no portfolio value there is nothing to size corrections against
	if totalValue <= 0 {
		return nil, nil
	}

	for _, alloc := range allocations {
		targetUSD := alloc.TargetWeight / 100 * totalValue
		usdDelta := targetUSD - alloc.USDValue

		if math.Abs(usdDelta) < totalValue*ActionToleranceBand {
			continue
		}

		price := prices[alloc.Symbol]
		if price <= 0 {
			c.log.Warn().Str("symbol", alloc.Symbol).Msg("No price, excluding from rebalancing actions")
			warnings = append(warnings, fmt.Sprintf("no price for %s, excluded from actions", alloc.Symbol))
			continue
		}

		side := domain.TradeSideBuy
		if usdDelta < 0 {
			side = domain.TradeSideSell
		}

		targetAmount := targetUSD / price
		actions = append(actions, Action{
			Symbol:        alloc.Symbol,
			Side:          side,
			CurrentAmount: alloc.Amount,
			TargetAmount:  targetAmount,
			AmountDelta:   math.Abs(targetAmount - alloc.Amount),
			USDValue:      math.Abs(usdDelta),
		})
	}

	// Largest corrections first
	sort.Slice(actions, func(i, j int) bool {
		return actions[i].USDValue > actions[j].USDValue
	})

	return actions, warnings
}
