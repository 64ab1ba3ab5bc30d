package index

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cryptoindex/rebalancer/internal/clients/wallet"
	"github.com/cryptoindex/rebalancer/internal/domain"
	"github.com/cryptoindex/rebalancer/internal/events"
	"github.com/cryptoindex/rebalancer/internal/modules/drift"
	"github.com/cryptoindex/rebalancer/internal/modules/portfolio"
)

// Rebalance triggers recorded in the ledger
const (
	TriggerInitialConstruction = "initial_construction"
	TriggerManual              = "manual"
	TriggerDriftMonitor        = "drift_monitor"
)

// BalanceSource reports account balances held at the settlement venue
type BalanceSource interface {
	Balances(ctx context.Context, accountID string) (map[string]float64, error)
}

// AssetValidator confirms symbols are tradeable on the venue
type AssetValidator interface {
	ValidateSymbols(ctx context.Context, symbols []string) error
}

// Notifier delivers lifecycle events to registered endpoints
type Notifier interface {
	Send(ownerID string, payload events.Payload)
}

// Service orchestrates index lifecycle operations. Construction and
// rebalancing always run one index at a time per call; concurrency across
// indexes is the scheduler's concern.
type Service struct {
	repo       *Repository
	rebalances *portfolio.RebalanceRepository
	trades     *portfolio.TradeRepository
	calculator *drift.Calculator
	executor   *portfolio.Service
	balances   BalanceSource
	wallets    wallet.Provider
	assets     AssetValidator
	notifier   Notifier
	log        zerolog.Logger
}

// Config bundles the service collaborators
type Config struct {
	Repository *Repository
	Rebalances *portfolio.RebalanceRepository
	Trades     *portfolio.TradeRepository
	Calculator *drift.Calculator
	Executor   *portfolio.Service
	Balances   BalanceSource
	Wallets    wallet.Provider
	Assets     AssetValidator
	Notifier   Notifier
}

// NewService creates an index service
func NewService(cfg Config, log zerolog.Logger) *Service {
	return &Service{
		repo:       cfg.Repository,
		rebalances: cfg.Rebalances,
		trades:     cfg.Trades,
		calculator: cfg.Calculator,
		executor:   cfg.Executor,
		balances:   cfg.Balances,
		wallets:    cfg.Wallets,
		assets:     cfg.Assets,
		notifier:   cfg.Notifier,
		log:        log.With().Str("service", "index").Logger(),
	}
}

// CreateParams is the input for a new index
type CreateParams struct {
	AccountID        string
	OwnerID          string
	Name             string
	BaseSymbol       string
	TargetAllocation []domain.AssetAllocation
	Policy           domain.RebalancingPolicy
}

// Create validates and registers a new index in pending state
func (s *Service) Create(ctx context.Context, params CreateParams) (*domain.Index, error) {
	if err := domain.ValidateAllocations(params.TargetAllocation); err != nil {
		return nil, err
	}

	symbols := make([]string, 0, len(params.TargetAllocation))
	for _, a := range params.TargetAllocation {
		symbols = append(symbols, a.Symbol)
	}
	if err := s.assets.ValidateSymbols(ctx, symbols); err != nil {
		return nil, err
	}

	idx := &domain.Index{
		AccountID:        params.AccountID,
		OwnerID:          params.OwnerID,
		Name:             params.Name,
		BaseSymbol:       params.BaseSymbol,
		TargetAllocation: params.TargetAllocation,
		Policy:           params.Policy,
		Status:           domain.IndexStatusPending,
	}
	if idx.Policy.Method == "" {
		idx.Policy.Method = domain.MethodDrift
	}
	if err := s.repo.Create(idx); err != nil {
		return nil, err
	}

	s.notify(idx, events.NewIndexLifecycleData(events.IndexCreated, idx.ID, idx.Name, string(idx.Status)))
	return idx, nil
}

// Get fetches one index
func (s *Service) Get(_ context.Context, id string) (*domain.Index, error) {
	return s.repo.GetByID(id)
}

// List returns all live indexes for an owner
func (s *Service) List(_ context.Context, ownerID string) ([]*domain.Index, error) {
	return s.repo.ListByOwner(ownerID)
}

// Update replaces the mutable configuration of an index
func (s *Service) Update(ctx context.Context, id string, params CreateParams) (*domain.Index, error) {
	idx, err := s.repo.GetByID(id)
	if err != nil {
		return nil, err
	}
	if idx.Status == domain.IndexStatusDeleted {
		return nil, fmt.Errorf("index %s is deleted: %w", id, domain.ErrInvalidStatus)
	}

	if params.TargetAllocation != nil {
		if err := domain.ValidateAllocations(params.TargetAllocation); err != nil {
			return nil, err
		}
		symbols := make([]string, 0, len(params.TargetAllocation))
		for _, a := range params.TargetAllocation {
			symbols = append(symbols, a.Symbol)
		}
		if err := s.assets.ValidateSymbols(ctx, symbols); err != nil {
			return nil, err
		}
		idx.TargetAllocation = params.TargetAllocation
	}
	if params.Name != "" {
		idx.Name = params.Name
	}
	if params.Policy.Method != "" {
		idx.Policy = params.Policy
	}

	if err := s.repo.UpdateConfiguration(idx); err != nil {
		return nil, err
	}

	s.notify(idx, events.NewIndexLifecycleData(events.IndexUpdated, idx.ID, idx.Name, string(idx.Status)))
	return idx, nil
}

// Delete retires an index. Ledger history is preserved.
func (s *Service) Delete(_ context.Context, id string) error {
	idx, err := s.repo.GetByID(id)
	if err != nil {
		return err
	}
	if idx.Status == domain.IndexStatusDeleted {
		return nil
	}
	if err := s.repo.SoftDelete(id); err != nil {
		return err
	}
	s.notify(idx, events.NewIndexLifecycleData(events.IndexDeleted, idx.ID, idx.Name, string(domain.IndexStatusDeleted)))
	return nil
}

// Pause suspends automated rebalancing for an active index
func (s *Service) Pause(_ context.Context, id string) error {
	idx, err := s.repo.GetByID(id)
	if err != nil {
		return err
	}
	if idx.Status != domain.IndexStatusActive {
		return fmt.Errorf("index %s is %s, not active: %w", id, idx.Status, domain.ErrInvalidStatus)
	}
	if err := s.repo.UpdateStatus(id, domain.IndexStatusPaused); err != nil {
		return err
	}
	s.notify(idx, events.NewIndexLifecycleData(events.IndexPaused, idx.ID, idx.Name, string(domain.IndexStatusPaused)))
	return nil
}

// Resume re-enables automated rebalancing for a paused index
func (s *Service) Resume(_ context.Context, id string) error {
	idx, err := s.repo.GetByID(id)
	if err != nil {
		return err
	}
	if idx.Status != domain.IndexStatusPaused {
		return fmt.Errorf("index %s is %s, not paused: %w", id, idx.Status, domain.ErrInvalidStatus)
	}
	if err := s.repo.UpdateStatus(id, domain.IndexStatusActive); err != nil {
		return err
	}
	s.notify(idx, events.NewIndexLifecycleData(events.IndexResumed, idx.ID, idx.Name, string(domain.IndexStatusActive)))
	return nil
}

// ConstructInitialPortfolio converts the funding balance into target holdings.
// A construction failure leaves the index in pending_funding so the operation
// can be retried after topping up.
func (s *Service) ConstructInitialPortfolio(ctx context.Context, id string) (*domain.Rebalance, error) {
	idx, err := s.repo.GetByID(id)
	if err != nil {
		return nil, err
	}
	switch idx.Status {
	case domain.IndexStatusPending, domain.IndexStatusPendingFunding, domain.IndexStatusActive:
	default:
		return nil, fmt.Errorf("index %s is %s, construction needs pending, pending_funding or active: %w",
			id, idx.Status, domain.ErrInvalidStatus)
	}

	signer, err := s.wallets.SignerFor(ctx, idx.AccountID)
	if err != nil {
		return nil, fmt.Errorf("no signer for account %s: %w", idx.AccountID, err)
	}

	holdings, err := s.balances.Balances(ctx, idx.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to read funding balance: %w", err)
	}
	funding := holdings[idx.BaseSymbol]
	if funding <= 0 {
		if idx.Status == domain.IndexStatusPending {
			// Remember that funding is what blocks construction
			if err := s.repo.UpdateStatus(id, domain.IndexStatusPendingFunding); err != nil {
				return nil, err
			}
		}
		return nil, fmt.Errorf("account %s holds no %s: %w", idx.AccountID, idx.BaseSymbol, domain.ErrInsufficientBalance)
	}

	plannedTrades := 0
	for _, a := range idx.TargetAllocation {
		if a.Symbol != idx.BaseSymbol {
			plannedTrades++
		}
	}

	reb, err := s.rebalances.Create(idx.ID, TriggerInitialConstruction, 0, plannedTrades)
	if err != nil {
		return nil, err
	}
	s.notify(idx, &events.RebalanceStartedData{
		IndexID: idx.ID, RebalanceID: reb.ID, Trigger: TriggerInitialConstruction, TradesCount: plannedTrades,
	})

	s.log.Info().
		Str("index_id", idx.ID).
		Float64("funding", funding).
		Int("planned_trades", plannedTrades).
		Msg("Starting initial construction")

	trades, execErr := s.executor.ConstructPortfolio(ctx, idx, signer, funding, reb.ID)
	completed := portfolio.CountCompleted(trades)

	if execErr != nil {
		if err := s.rebalances.Fail(reb.ID, completed, execErr.Error()); err != nil {
			s.log.Error().Err(err).Str("rebalance_id", reb.ID).Msg("Failed to finalize rebalance record")
		}
		if err := s.repo.UpdateStatus(id, domain.IndexStatusPendingFunding); err != nil {
			s.log.Error().Err(err).Str("index_id", id).Msg("Failed to update index status")
		}
		s.notify(idx, &events.RebalanceFailedData{
			IndexID: idx.ID, RebalanceID: reb.ID, Trigger: TriggerInitialConstruction, Error: execErr.Error(),
		})
		final, err := s.rebalances.GetByID(reb.ID)
		if err != nil {
			return nil, execErr
		}
		return final, fmt.Errorf("initial construction failed: %w", execErr)
	}

	now := time.Now().UTC()
	if err := s.rebalances.Complete(reb.ID, completed); err != nil {
		return nil, err
	}
	if err := s.repo.MarkRebalanced(id, now); err != nil {
		return nil, err
	}
	s.refreshDriftState(ctx, idx)
	s.notify(idx, &events.RebalanceCompletedData{
		IndexID: idx.ID, RebalanceID: reb.ID, Trigger: TriggerInitialConstruction, TradesExecuted: completed,
	})

	return s.rebalances.GetByID(reb.ID)
}

// ExecuteRebalancing measures drift and, when it exceeds the policy
// threshold, runs a corrective pass. Below the threshold no rebalance record
// is created; the call is a no-op returning the analysis.
func (s *Service) ExecuteRebalancing(ctx context.Context, id, trigger string) (*domain.Rebalance, *drift.Analysis, error) {
	idx, err := s.repo.GetByID(id)
	if err != nil {
		return nil, nil, err
	}
	if idx.Status != domain.IndexStatusActive {
		return nil, nil, fmt.Errorf("index %s is %s, not active: %w", id, idx.Status, domain.ErrInvalidStatus)
	}

	holdings, err := s.balances.Balances(ctx, idx.AccountID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read balances: %w", err)
	}

	analysis, err := s.calculator.Calculate(ctx, holdings, idx.TargetAllocation)
	if err != nil {
		return nil, nil, err
	}
	s.persistDriftState(idx, analysis)

	threshold := idx.Policy.Threshold()
	if !s.calculator.NeedsRebalancing(analysis, threshold) {
		s.log.Debug().
			Str("index_id", idx.ID).
			Float64("max_drift", analysis.MaxDrift).
			Float64("threshold", threshold).
			Msg("Drift below threshold, nothing to do")
		return nil, analysis, nil
	}

	if len(analysis.Actions) == 0 {
		// Drifted but every correction fell inside the tolerance band
		return nil, analysis, nil
	}

	signer, err := s.wallets.SignerFor(ctx, idx.AccountID)
	if err != nil {
		return nil, analysis, fmt.Errorf("no signer for account %s: %w", idx.AccountID, err)
	}

	reb, err := s.rebalances.Create(idx.ID, trigger, analysis.MaxDrift, len(analysis.Actions))
	if err != nil {
		return nil, analysis, err
	}
	s.notify(idx, &events.RebalanceStartedData{
		IndexID: idx.ID, RebalanceID: reb.ID, Trigger: trigger,
		MaxDrift: analysis.MaxDrift, TradesCount: len(analysis.Actions),
	})

	trades, execErr := s.executor.ExecuteRebalancing(ctx, idx, signer, analysis.Actions, reb.ID)
	completed := portfolio.CountCompleted(trades)

	if execErr != nil || completed < len(analysis.Actions) {
		detail := fmt.Sprintf("%d of %d trades completed", completed, len(analysis.Actions))
		if execErr != nil {
			detail = execErr.Error()
		}
		if err := s.rebalances.Fail(reb.ID, completed, detail); err != nil {
			s.log.Error().Err(err).Str("rebalance_id", reb.ID).Msg("Failed to finalize rebalance record")
		}
		s.notify(idx, &events.RebalanceFailedData{
			IndexID: idx.ID, RebalanceID: reb.ID, Trigger: trigger, Error: detail,
		})
	} else {
		if err := s.rebalances.Complete(reb.ID, completed); err != nil {
			return nil, analysis, err
		}
		s.notify(idx, &events.RebalanceCompletedData{
			IndexID: idx.ID, RebalanceID: reb.ID, Trigger: trigger,
			MaxDrift: analysis.MaxDrift, TradesExecuted: completed,
		})
	}

	// Any completed trade moved the portfolio, so the pass counts as the
	// last rebalance even when some legs failed
	if completed > 0 {
		if err := s.repo.MarkRebalanced(id, time.Now().UTC()); err != nil {
			s.log.Error().Err(err).Str("index_id", id).Msg("Failed to record rebalance time")
		}
	}
	s.refreshDriftState(ctx, idx)

	final, err := s.rebalances.GetByID(reb.ID)
	return final, analysis, err
}

// CalculateCurrentDrift recomputes the allocation snapshot without trading
func (s *Service) CalculateCurrentDrift(ctx context.Context, id string) (*drift.Analysis, error) {
	idx, err := s.repo.GetByID(id)
	if err != nil {
		return nil, err
	}

	holdings, err := s.balances.Balances(ctx, idx.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to read balances: %w", err)
	}

	analysis, err := s.calculator.Calculate(ctx, holdings, idx.TargetAllocation)
	if err != nil {
		return nil, err
	}
	s.persistDriftState(idx, analysis)
	return analysis, nil
}

// RebalanceHistory returns the recorded passes for an index, newest first
func (s *Service) RebalanceHistory(_ context.Context, id string, limit int) ([]*domain.Rebalance, error) {
	if _, err := s.repo.GetByID(id); err != nil {
		return nil, err
	}
	return s.rebalances.ListByIndex(id, limit)
}

// TradeHistory returns the recorded trades for an index, newest first
func (s *Service) TradeHistory(_ context.Context, id string, limit int) ([]*domain.Trade, error) {
	if _, err := s.repo.GetByID(id); err != nil {
		return nil, err
	}
	return s.trades.ListByIndex(id, limit)
}

// refreshDriftState recomputes drift after trading so the stored snapshot
// reflects the post-trade portfolio. Failures only log: the trades are done.
func (s *Service) refreshDriftState(ctx context.Context, idx *domain.Index) {
	holdings, err := s.balances.Balances(ctx, idx.AccountID)
	if err != nil {
		s.log.Warn().Err(err).Str("index_id", idx.ID).Msg("Post-trade balance read failed")
		return
	}
	analysis, err := s.calculator.Calculate(ctx, holdings, idx.TargetAllocation)
	if err != nil {
		s.log.Warn().Err(err).Str("index_id", idx.ID).Msg("Post-trade drift computation failed")
		return
	}
	s.persistDriftState(idx, analysis)
}

func (s *Service) persistDriftState(idx *domain.Index, analysis *drift.Analysis) {
	idx.CurrentAllocation = analysis.Allocations
	idx.TotalValue = analysis.TotalValue
	idx.TotalDrift = analysis.MaxDrift
	if err := s.repo.UpdateDriftState(idx.ID, analysis.Allocations, analysis.TotalValue, analysis.MaxDrift); err != nil {
		s.log.Warn().Err(err).Str("index_id", idx.ID).Msg("Failed to persist drift snapshot")
	}
}

func (s *Service) notify(idx *domain.Index, payload events.Payload) {
	if s.notifier == nil {
		return
	}
	s.notifier.Send(idx.OwnerID, payload)
}
