package index

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptoindex/rebalancer/internal/clients/oneclick"
	"github.com/cryptoindex/rebalancer/internal/clients/wallet"
	"github.com/cryptoindex/rebalancer/internal/database"
	"github.com/cryptoindex/rebalancer/internal/domain"
	"github.com/cryptoindex/rebalancer/internal/events"
	"github.com/cryptoindex/rebalancer/internal/modules/drift"
	"github.com/cryptoindex/rebalancer/internal/modules/portfolio"
)

var testTokens = map[string]*oneclick.Token{
	"USDC": {AssetID: "nep141:usdc.near", Symbol: "USDC", Decimals: 6, Price: 1},
	"BTC":  {AssetID: "nep141:btc.near", Symbol: "BTC", Decimals: 8, Price: 100},
	"ETH":  {AssetID: "nep141:eth.near", Symbol: "ETH", Decimals: 18, Price: 10},
}

// fakeBalances serves a mutable balance map
type fakeBalances struct {
	m   map[string]float64
	err error
}

func (f *fakeBalances) Balances(_ context.Context, _ string) (map[string]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]float64, len(f.m))
	for k, v := range f.m {
		out[k] = v
	}
	return out, nil
}

// fakePricer prices from the shared token table
type fakePricer struct{}

func (fakePricer) GetPrices(_ context.Context, symbols []string) (map[string]float64, error) {
	out := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		if t, ok := testTokens[s]; ok {
			out[s] = t.Price
		} else {
			out[s] = 0
		}
	}
	return out, nil
}

// fakeValidator accepts only symbols in the token table
type fakeValidator struct{}

func (fakeValidator) ValidateSymbols(_ context.Context, symbols []string) error {
	for _, s := range symbols {
		if _, ok := testTokens[s]; !ok {
			return fmt.Errorf("%s: %w", s, domain.ErrUnsupportedAsset)
		}
	}
	return nil
}

// fakeResolver resolves from the token table
type fakeResolver struct{}

func (fakeResolver) FindAsset(_ context.Context, symbol string) (*oneclick.Token, error) {
	if t, ok := testTokens[symbol]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("%s: %w", symbol, domain.ErrUnsupportedAsset)
}

// settlingSwaps settles every swap successfully
type settlingSwaps struct {
	quotes int
}

func (f *settlingSwaps) RequestQuote(_ context.Context, _ oneclick.QuoteRequest) (*oneclick.Quote, error) {
	f.quotes++
	return &oneclick.Quote{DepositAddress: fmt.Sprintf("deposit-%d", f.quotes)}, nil
}

func (f *settlingSwaps) SubmitDeposit(_ context.Context, _, _ string) error { return nil }

func (f *settlingSwaps) SwapStatus(_ context.Context, _ string) (*oneclick.StatusResponse, error) {
	resp := &oneclick.StatusResponse{Status: oneclick.StatusSuccess}
	resp.Details.DestinationTxHash = "settled-tx"
	return resp, nil
}

// failingSwaps refuses every quote with a terminal failure
type failingSwaps struct{}

func (failingSwaps) RequestQuote(_ context.Context, _ oneclick.QuoteRequest) (*oneclick.Quote, error) {
	return nil, fmt.Errorf("account empty: %w", domain.ErrInsufficientBalance)
}

func (failingSwaps) SubmitDeposit(_ context.Context, _, _ string) error { return nil }

func (failingSwaps) SwapStatus(_ context.Context, _ string) (*oneclick.StatusResponse, error) {
	return nil, fmt.Errorf("no swap submitted")
}

// capturingNotifier records every emitted event type in order
type capturingNotifier struct {
	types []events.Type
}

func (n *capturingNotifier) Send(_ string, payload events.Payload) {
	n.types = append(n.types, payload.EventType())
}

type fixture struct {
	svc        *Service
	repo       *Repository
	rebalances *portfolio.RebalanceRepository
	balances   *fakeBalances
	notifier   *capturingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithSwaps(t, &settlingSwaps{})
}

func newFixtureWithSwaps(t *testing.T, swaps portfolio.SwapService) *fixture {
	t.Helper()

	indexDB, err := database.NewInMemory("index")
	require.NoError(t, err)
	t.Cleanup(func() { indexDB.Close() })

	ledgerDB, err := database.NewInMemory("ledger")
	require.NoError(t, err)
	t.Cleanup(func() { ledgerDB.Close() })

	log := zerolog.Nop()
	repo := NewRepository(indexDB.Conn(), log)
	trades := portfolio.NewTradeRepository(ledgerDB.Conn(), log)
	rebalances := portfolio.NewRebalanceRepository(ledgerDB.Conn(), log)

	executor := portfolio.NewExecutor(swaps, fakeResolver{}, trades, portfolio.ExecutorConfig{
		MaxRetries:     1,
		RetryBaseDelay: time.Millisecond,
		PollInterval:   time.Millisecond,
		PollTimeout:    time.Second,
	}, log)

	notifier := &capturingNotifier{}
	portfolioSvc := portfolio.NewService(executor, notifier, 0.01, log)
	calculator := drift.NewCalculator(fakePricer{}, log)
	balances := &fakeBalances{m: map[string]float64{}}

	svc := NewService(Config{
		Repository: repo,
		Rebalances: rebalances,
		Trades:     trades,
		Calculator: calculator,
		Executor:   portfolioSvc,
		Balances:   balances,
		Wallets:    wallet.NewStaticProvider("intents:test"),
		Assets:     fakeValidator{},
		Notifier:   notifier,
	}, log)

	return &fixture{svc: svc, repo: repo, rebalances: rebalances, balances: balances, notifier: notifier}
}

func defaultParams() CreateParams {
	return CreateParams{
		AccountID:  "acct-1",
		OwnerID:    "owner-1",
		Name:       "Majors",
		BaseSymbol: "USDC",
		TargetAllocation: []domain.AssetAllocation{
			{Symbol: "BTC", Weight: 60},
			{Symbol: "ETH", Weight: 40},
		},
		Policy: domain.RebalancingPolicy{Method: domain.MethodDrift, DriftThreshold: 5},
	}
}

func TestCreateAndFetch(t *testing.T) {
	f := newFixture(t)

	idx, err := f.svc.Create(context.Background(), defaultParams())
	require.NoError(t, err)
	assert.NotEmpty(t, idx.ID)
	assert.Equal(t, domain.IndexStatusPending, idx.Status)

	fetched, err := f.svc.Get(context.Background(), idx.ID)
	require.NoError(t, err)
	assert.Equal(t, idx.Name, fetched.Name)
	assert.Equal(t, idx.TargetAllocation, fetched.TargetAllocation)
	assert.Equal(t, 5.0, fetched.Policy.Threshold())

	assert.Contains(t, f.notifier.types, events.IndexCreated)
}

func TestCreateRejectsBadWeights(t *testing.T) {
	f := newFixture(t)

	params := defaultParams()
	params.TargetAllocation = []domain.AssetAllocation{{Symbol: "BTC", Weight: 70}}

	_, err := f.svc.Create(context.Background(), params)
	assert.ErrorIs(t, err, domain.ErrInvalidAllocation)
}

func TestCreateRejectsUnknownSymbol(t *testing.T) {
	f := newFixture(t)

	params := defaultParams()
	params.TargetAllocation = []domain.AssetAllocation{
		{Symbol: "BTC", Weight: 50},
		{Symbol: "SHIB", Weight: 50},
	}

	_, err := f.svc.Create(context.Background(), params)
	assert.ErrorIs(t, err, domain.ErrUnsupportedAsset)
}

func TestConstructActivatesIndex(t *testing.T) {
	f := newFixture(t)
	f.balances.m["USDC"] = 1000

	idx, err := f.svc.Create(context.Background(), defaultParams())
	require.NoError(t, err)

	reb, err := f.svc.ConstructInitialPortfolio(context.Background(), idx.ID)
	require.NoError(t, err)
	require.NotNil(t, reb)

	assert.Equal(t, domain.RebalanceStatusCompleted, reb.Status)
	assert.Equal(t, TriggerInitialConstruction, reb.Trigger)
	assert.Equal(t, 2, reb.TradesCount)
	assert.Equal(t, 2, reb.CompletedTradesCount)

	after, err := f.svc.Get(context.Background(), idx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IndexStatusActive, after.Status)
	require.NotNil(t, after.LastRebalance)

	trades, err := f.svc.TradeHistory(context.Background(), idx.ID, 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	// $1000 funded, 1% held back, 60/40 split of $990
	amounts := map[string]float64{trades[0].ToSymbol: trades[0].Amount, trades[1].ToSymbol: trades[1].Amount}
	assert.InDelta(t, 594, amounts["BTC"], 1e-9)
	assert.InDelta(t, 396, amounts["ETH"], 1e-9)

	assert.Contains(t, f.notifier.types, events.RebalanceStarted)
	assert.Contains(t, f.notifier.types, events.RebalanceCompleted)
}

func TestConstructWithoutFunding(t *testing.T) {
	f := newFixture(t)

	idx, err := f.svc.Create(context.Background(), defaultParams())
	require.NoError(t, err)

	_, err = f.svc.ConstructInitialPortfolio(context.Background(), idx.ID)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	after, err := f.svc.Get(context.Background(), idx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IndexStatusPendingFunding, after.Status)

	// No ledger record for an operation that never started trading
	history, err := f.svc.RebalanceHistory(context.Background(), idx.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestConstructTopsUpActiveIndex(t *testing.T) {
	f := newFixture(t)
	f.balances.m["USDC"] = 1000

	idx, err := f.svc.Create(context.Background(), defaultParams())
	require.NoError(t, err)
	_, err = f.svc.ConstructInitialPortfolio(context.Background(), idx.ID)
	require.NoError(t, err)

	// A fresh deposit on an already-active index is converted the same way
	reb, err := f.svc.ConstructInitialPortfolio(context.Background(), idx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RebalanceStatusCompleted, reb.Status)

	after, err := f.svc.Get(context.Background(), idx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IndexStatusActive, after.Status)

	history, err := f.svc.RebalanceHistory(context.Background(), idx.ID, 10)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestConstructRejectsPausedIndex(t *testing.T) {
	f := newFixture(t)
	f.balances.m["USDC"] = 1000

	idx, err := f.svc.Create(context.Background(), defaultParams())
	require.NoError(t, err)
	_, err = f.svc.ConstructInitialPortfolio(context.Background(), idx.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.Pause(context.Background(), idx.ID))

	_, err = f.svc.ConstructInitialPortfolio(context.Background(), idx.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)
}

func TestConstructFailureSurfacesError(t *testing.T) {
	f := newFixtureWithSwaps(t, failingSwaps{})
	f.balances.m["USDC"] = 1000

	idx, err := f.svc.Create(context.Background(), defaultParams())
	require.NoError(t, err)

	reb, err := f.svc.ConstructInitialPortfolio(context.Background(), idx.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	// The failed run is still recorded for the caller to inspect
	require.NotNil(t, reb)
	assert.Equal(t, domain.RebalanceStatusFailed, reb.Status)

	after, err := f.svc.Get(context.Background(), idx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IndexStatusPendingFunding, after.Status)

	assert.Contains(t, f.notifier.types, events.RebalanceFailed)
}

func activatedFixture(t *testing.T) (*fixture, *domain.Index) {
	t.Helper()
	f := newFixture(t)
	f.balances.m["USDC"] = 1000

	idx, err := f.svc.Create(context.Background(), defaultParams())
	require.NoError(t, err)
	_, err = f.svc.ConstructInitialPortfolio(context.Background(), idx.ID)
	require.NoError(t, err)
	return f, idx
}

func TestRebalanceBelowThresholdLeavesNoRecord(t *testing.T) {
	f, idx := activatedFixture(t)

	// 61/39 against a 60/40 target: 1pp of drift, threshold is 5pp
	f.balances.m = map[string]float64{"BTC": 6.1, "ETH": 39}

	reb, analysis, err := f.svc.ExecuteRebalancing(context.Background(), idx.ID, TriggerManual)
	require.NoError(t, err)
	assert.Nil(t, reb)
	require.NotNil(t, analysis)
	assert.InDelta(t, 1.0, analysis.MaxDrift, 1e-9)

	history, err := f.svc.RebalanceHistory(context.Background(), idx.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1) // only the construction record
	assert.Equal(t, TriggerInitialConstruction, history[0].Trigger)

	// The snapshot still refreshed
	after, err := f.svc.Get(context.Background(), idx.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1000, after.TotalValue, 1e-9)
	assert.InDelta(t, 1.0, after.TotalDrift, 1e-9)
}

func TestRebalanceAboveThresholdExecutesTrades(t *testing.T) {
	f, idx := activatedFixture(t)

	// 80/20 against a 60/40 target: 20pp of drift
	f.balances.m = map[string]float64{"BTC": 8, "ETH": 20}

	reb, analysis, err := f.svc.ExecuteRebalancing(context.Background(), idx.ID, TriggerDriftMonitor)
	require.NoError(t, err)
	require.NotNil(t, reb)
	require.NotNil(t, analysis)

	assert.Equal(t, domain.RebalanceStatusCompleted, reb.Status)
	assert.Equal(t, TriggerDriftMonitor, reb.Trigger)
	assert.InDelta(t, 20.0, reb.DriftAtTrigger, 1e-9)
	assert.Equal(t, reb.TradesCount, reb.CompletedTradesCount)

	trades, err := f.svc.TradeHistory(context.Background(), idx.ID, 10)
	require.NoError(t, err)

	legs := map[domain.TradeSide]*domain.Trade{}
	for _, tr := range trades {
		if tr.RebalanceID == reb.ID {
			legs[tr.Side] = tr
		}
	}
	require.Len(t, legs, 2)

	sell := legs[domain.TradeSideSell]
	require.NotNil(t, sell)
	assert.Equal(t, "BTC", sell.FromSymbol)
	assert.InDelta(t, 2.0, sell.Amount, 1e-9) // sell $200 of BTC at $100

	buy := legs[domain.TradeSideBuy]
	require.NotNil(t, buy)
	assert.Equal(t, "ETH", buy.ToSymbol)
	assert.InDelta(t, 200, buy.Amount, 1e-9) // spend $200 of USDC
}

func TestRebalanceRequiresActiveStatus(t *testing.T) {
	f, idx := activatedFixture(t)
	require.NoError(t, f.svc.Pause(context.Background(), idx.ID))

	_, _, err := f.svc.ExecuteRebalancing(context.Background(), idx.ID, TriggerManual)
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)
}

func TestPauseResumeTransitions(t *testing.T) {
	f, idx := activatedFixture(t)

	require.NoError(t, f.svc.Pause(context.Background(), idx.ID))
	assert.ErrorIs(t, f.svc.Pause(context.Background(), idx.ID), domain.ErrInvalidStatus)

	require.NoError(t, f.svc.Resume(context.Background(), idx.ID))
	assert.ErrorIs(t, f.svc.Resume(context.Background(), idx.ID), domain.ErrInvalidStatus)

	assert.Contains(t, f.notifier.types, events.IndexPaused)
	assert.Contains(t, f.notifier.types, events.IndexResumed)
}

func TestDeleteIsSoft(t *testing.T) {
	f, idx := activatedFixture(t)

	require.NoError(t, f.svc.Delete(context.Background(), idx.ID))

	after, err := f.svc.Get(context.Background(), idx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IndexStatusDeleted, after.Status)

	// History survives retirement
	history, err := f.svc.RebalanceHistory(context.Background(), idx.ID, 10)
	require.NoError(t, err)
	assert.NotEmpty(t, history)

	listed, err := f.svc.List(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestCalculateCurrentDriftPersistsSnapshot(t *testing.T) {
	f, idx := activatedFixture(t)
	f.balances.m = map[string]float64{"BTC": 7, "ETH": 30}

	analysis, err := f.svc.CalculateCurrentDrift(context.Background(), idx.ID)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, analysis.MaxDrift, 1e-9)

	after, err := f.svc.Get(context.Background(), idx.ID)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, after.TotalDrift, 1e-9)
	assert.Len(t, after.CurrentAllocation, 2)
}
