package portfolio

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/cryptoindex/rebalancer/internal/clients/oneclick"
	"github.com/cryptoindex/rebalancer/internal/clients/wallet"
	"github.com/cryptoindex/rebalancer/internal/domain"
)

// SwapService is the external swap-execution collaborator
type SwapService interface {
	RequestQuote(ctx context.Context, req oneclick.QuoteRequest) (*oneclick.Quote, error)
	SubmitDeposit(ctx context.Context, depositAddress, txHash string) error
	SwapStatus(ctx context.Context, depositAddress string) (*oneclick.StatusResponse, error)
}

// AssetResolver maps symbols to venue asset metadata
type AssetResolver interface {
	FindAsset(ctx context.Context, symbol string) (*oneclick.Token, error)
}

// ExecutorConfig bounds the retry and settlement-polling behavior
type ExecutorConfig struct {
	MaxRetries     int           // retries after the first attempt
	RetryBaseDelay time.Duration // backoff is base × retry number
	PollInterval   time.Duration
	PollTimeout    time.Duration // settlement budget per attempt
}

// Executor runs one asset-to-asset swap end-to-end: quote, authorize the
// deposit, then poll settlement until a terminal status or timeout.
type Executor struct {
	swaps  SwapService
	assets AssetResolver
	trades *TradeRepository
	cfg    ExecutorConfig
	log    zerolog.Logger
}

// NewExecutor creates a trade executor
func NewExecutor(swaps SwapService, assets AssetResolver, trades *TradeRepository, cfg ExecutorConfig, log zerolog.Logger) *Executor {
	return &Executor{
		swaps:  swaps,
		assets: assets,
		trades: trades,
		cfg:    cfg,
		log:    log.With().Str("service", "executor").Logger(),
	}
}

// TradeRequest describes one swap to execute
type TradeRequest struct {
	IndexID     string
	RebalanceID string
	Side        domain.TradeSide
	FromSymbol  string
	ToSymbol    string
	Amount      float64 // in from-asset units
	Signer      wallet.Signer
}

// Execute runs the swap with bounded retry. The trade record is persisted
// before the first submission and updated with every settlement result; a
// trade that never reaches terminal success is marked Failed. The returned
// trade is non-nil whenever a record was created, even on error.
func (e *Executor) Execute(ctx context.Context, req TradeRequest) (*domain.Trade, error) {
	fromToken, err := e.assets.FindAsset(ctx, req.FromSymbol)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", req.FromSymbol, err)
	}
	toToken, err := e.assets.FindAsset(ctx, req.ToSymbol)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", req.ToSymbol, err)
	}

	trade := &domain.Trade{
		IndexID:     req.IndexID,
		RebalanceID: req.RebalanceID,
		Side:        req.Side,
		FromSymbol:  req.FromSymbol,
		ToSymbol:    req.ToSymbol,
		Amount:      req.Amount,
		Status:      domain.TradeStatusPending,
	}
	if err := e.trades.Create(trade); err != nil {
		return nil, err
	}

	amountIn := toSmallestUnit(req.Amount, fromToken.Decimals)

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxRetries+1; attempt++ {
		if attempt > 1 {
			retryNo := attempt - 1
			delay := time.Duration(retryNo) * e.cfg.RetryBaseDelay
			e.log.Info().
				Str("trade_id", trade.ID).
				Int("retry", retryNo).
				Dur("delay", delay).
				Msg("Retrying trade")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				lastErr = ctx.Err()
				return e.fail(trade, lastErr), lastErr
			}
		}

		trade.Attempts = attempt
		trade.Status = domain.TradeStatusExecuting
		if err := e.trades.Update(trade); err != nil {
			return trade, err
		}

		err := e.attempt(ctx, trade, fromToken, toToken, amountIn, req.Signer)
		if err == nil {
			trade.Status = domain.TradeStatusCompleted
			if err := e.trades.Update(trade); err != nil {
				return trade, err
			}
			e.log.Info().
				Str("trade_id", trade.ID).
				Str("side", string(req.Side)).
				Int("attempts", attempt).
				Msg("Trade completed")
			return trade, nil
		}

		lastErr = err
		e.log.Warn().
			Err(err).
			Str("trade_id", trade.ID).
			Int("attempt", attempt).
			Msg("Trade attempt failed")

		if domain.IsTerminalFailure(err) {
			break
		}
	}

	failed := e.fail(trade, lastErr)
	return failed, fmt.Errorf("trade %s failed after %d attempts: %w", trade.ID, trade.Attempts, lastErr)
}

// attempt performs one full submission + settlement cycle
func (e *Executor) attempt(
	ctx context.Context,
	trade *domain.Trade,
	fromToken, toToken *oneclick.Token,
	amountIn string,
	signer wallet.Signer,
) error {
	quote, err := e.swaps.RequestQuote(ctx, oneclick.QuoteRequest{
		Dry:              false,
		SwapType:         "EXACT_INPUT",
		OriginAsset:      fromToken.AssetID,
		DestinationAsset: toToken.AssetID,
		Amount:           amountIn,
		Recipient:        signer.Address(),
		RecipientType:    "INTENTS",
	})
	if err != nil {
		return fmt.Errorf("quote failed: %w", err)
	}

	txHash, err := signer.AuthorizeTransfer(ctx, wallet.TransferAuthorization{
		AssetID:        fromToken.AssetID,
		Amount:         amountIn,
		DepositAddress: quote.DepositAddress,
	})
	if err != nil {
		return fmt.Errorf("deposit authorization failed: %w", err)
	}

	trade.DepositAddress = quote.DepositAddress
	trade.TxHash = txHash
	if err := e.trades.Update(trade); err != nil {
		return err
	}

	if err := e.swaps.SubmitDeposit(ctx, quote.DepositAddress, txHash); err != nil {
		// The venue detects deposits on-chain on its own; submission only
		// speeds that up
		e.log.Warn().Err(err).Str("trade_id", trade.ID).Msg("Deposit submit failed, relying on chain detection")
	}

	return e.awaitSettlement(ctx, trade, quote.DepositAddress)
}

// awaitSettlement polls the venue until the swap reaches a terminal status
// or the polling budget is exhausted
func (e *Executor) awaitSettlement(ctx context.Context, trade *domain.Trade, depositAddress string) error {
	deadline := time.Now().Add(e.cfg.PollTimeout)

	for {
		status, err := e.swaps.SwapStatus(ctx, depositAddress)
		if err != nil {
			return fmt.Errorf("settlement poll failed: %w", err)
		}

		switch status.Status {
		case oneclick.StatusSuccess:
			if status.Details.DestinationTxHash != "" {
				trade.TxHash = status.Details.DestinationTxHash
			}
			return nil
		case oneclick.StatusRefunded, oneclick.StatusFailed:
			return fmt.Errorf("swap settled as %s: %w", status.Status, domain.ErrSettlementFailed)
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("no terminal status after %s: %w", e.cfg.PollTimeout, domain.ErrSettlementTimeout)
		}

		select {
		case <-time.After(e.cfg.PollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// fail marks the trade Failed with the error detail, if it is not already terminal
func (e *Executor) fail(trade *domain.Trade, cause error) *domain.Trade {
	trade.Status = domain.TradeStatusFailed
	if cause != nil {
		trade.Error = cause.Error()
	}
	if err := e.trades.Update(trade); err != nil {
		e.log.Error().Err(err).Str("trade_id", trade.ID).Msg("Failed to persist trade failure")
	}
	return trade
}

// toSmallestUnit converts a human amount to the asset's smallest-unit
// integer string. decimal avoids float64 truncation on high-precision assets.
func toSmallestUnit(amount float64, decimals int) string {
	return decimal.NewFromFloat(amount).Shift(int32(decimals)).Floor().String()
}
