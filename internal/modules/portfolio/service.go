// Package portfolio sequences construction and rebalancing trades and
// executes each swap against the external settlement venue.
package portfolio

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cryptoindex/rebalancer/internal/clients/wallet"
	"github.com/cryptoindex/rebalancer/internal/domain"
	"github.com/cryptoindex/rebalancer/internal/events"
	"github.com/cryptoindex/rebalancer/internal/modules/drift"
)

// Notifier delivers lifecycle events to registered endpoints.
// Delivery must never block or fail the operation that raised the event.
type Notifier interface {
	Send(ownerID string, payload events.Payload)
}

// Service sequences multiple trades for initial construction or rebalancing.
// Trades run sequentially, never concurrently: each step must observe the
// balance left behind by the previous one.
type Service struct {
	executor *Executor
	notifier Notifier
	buffer   float64 // fraction of the funding amount reserved for fees
	log      zerolog.Logger
}

// NewService creates a portfolio service
func NewService(executor *Executor, notifier Notifier, feeBuffer float64, log zerolog.Logger) *Service {
	if feeBuffer <= 0 {
		feeBuffer = 0.01
	}
	return &Service{
		executor: executor,
		notifier: notifier,
		buffer:   feeBuffer,
		log:      log.With().Str("service", "portfolio").Logger(),
	}
}

// ConstructPortfolio buys every non-base target proportional to its weight of
// the usable funding amount. The first unrecoverable trade failure aborts the
// remaining buys, since a partially built portfolio leaves an ambiguous
// allocation.
func (s *Service) ConstructPortfolio(
	ctx context.Context,
	idx *domain.Index,
	signer wallet.Signer,
	totalAmount float64,
	rebalanceID string,
) ([]*domain.Trade, error) {
	if err := domain.ValidateAllocations(idx.TargetAllocation); err != nil {
		return nil, err
	}

	usable := totalAmount * (1 - s.buffer)
	s.log.Info().
		Str("index_id", idx.ID).
		Float64("total", totalAmount).
		Float64("usable", usable).
		Msg("Starting portfolio construction")

	var trades []*domain.Trade
	for _, alloc := range idx.TargetAllocation {
		// The base currency is already in the account
		if alloc.Symbol == idx.BaseSymbol {
			continue
		}

		amount := alloc.Weight / 100 * usable
		trade, err := s.executor.Execute(ctx, TradeRequest{
			IndexID:     idx.ID,
			RebalanceID: rebalanceID,
			Side:        domain.TradeSideBuy,
			FromSymbol:  idx.BaseSymbol,
			ToSymbol:    alloc.Symbol,
			Amount:      amount,
			Signer:      signer,
		})
		if trade != nil {
			trades = append(trades, trade)
			s.notifyTrade(idx.OwnerID, trade)
		}
		if err != nil {
			return trades, fmt.Errorf("construction of %s aborted on %s: %w", idx.ID, alloc.Symbol, err)
		}
	}

	s.log.Info().
		Str("index_id", idx.ID).
		Int("trades", len(trades)).
		Msg("Portfolio construction complete")

	return trades, nil
}

// ExecuteRebalancing runs the corrective actions: all sells first to free up
// base currency, then all buys. Best-effort per action: a failed leg is
// recorded and the pass continues, since partial rebalancing still improves
// drift.
func (s *Service) ExecuteRebalancing(
	ctx context.Context,
	idx *domain.Index,
	signer wallet.Signer,
	actions []drift.Action,
	rebalanceID string,
) ([]*domain.Trade, error) {
	s.log.Info().
		Str("index_id", idx.ID).
		Int("actions", len(actions)).
		Msg("Starting rebalancing pass")

	var trades []*domain.Trade

	for _, action := range actions {
		if action.Side != domain.TradeSideSell {
			continue
		}
		trade := s.runAction(ctx, idx, signer, rebalanceID, TradeRequest{
			Side:       domain.TradeSideSell,
			FromSymbol: action.Symbol,
			ToSymbol:   idx.BaseSymbol,
			Amount:     action.AmountDelta,
		})
		if trade != nil {
			trades = append(trades, trade)
		}
	}

	for _, action := range actions {
		if action.Side != domain.TradeSideBuy {
			continue
		}
		// Buys spend base currency, so the leg is sized by the correction's
		// USD value rather than the destination amount
		trade := s.runAction(ctx, idx, signer, rebalanceID, TradeRequest{
			Side:       domain.TradeSideBuy,
			FromSymbol: idx.BaseSymbol,
			ToSymbol:   action.Symbol,
			Amount:     action.USDValue,
		})
		if trade != nil {
			trades = append(trades, trade)
		}
	}

	s.log.Info().
		Str("index_id", idx.ID).
		Int("trades", len(trades)).
		Msg("Rebalancing pass complete")

	return trades, nil
}

// runAction executes one leg and absorbs its failure
func (s *Service) runAction(
	ctx context.Context,
	idx *domain.Index,
	signer wallet.Signer,
	rebalanceID string,
	req TradeRequest,
) *domain.Trade {
	req.IndexID = idx.ID
	req.RebalanceID = rebalanceID
	req.Signer = signer

	trade, err := s.executor.Execute(ctx, req)
	if err != nil {
		s.log.Error().
			Err(err).
			Str("index_id", idx.ID).
			Str("side", string(req.Side)).
			Str("from", req.FromSymbol).
			Str("to", req.ToSymbol).
			Msg("Rebalancing leg failed, continuing")
	}
	if trade != nil {
		s.notifyTrade(idx.OwnerID, trade)
	}
	return trade
}

// CountCompleted returns how many trades reached terminal success
func CountCompleted(trades []*domain.Trade) int {
	n := 0
	for _, t := range trades {
		if t.Status == domain.TradeStatusCompleted {
			n++
		}
	}
	return n
}

func (s *Service) notifyTrade(ownerID string, trade *domain.Trade) {
	if s.notifier == nil {
		return
	}
	switch trade.Status {
	case domain.TradeStatusCompleted:
		s.notifier.Send(ownerID, events.NewTradeExecutedData(
			trade.ID, trade.IndexID, string(trade.Side), trade.FromSymbol, trade.ToSymbol, trade.Amount))
	case domain.TradeStatusFailed:
		s.notifier.Send(ownerID, events.NewTradeFailedData(
			trade.ID, trade.IndexID, string(trade.Side), trade.FromSymbol, trade.ToSymbol, trade.Amount, trade.Error))
	}
}
