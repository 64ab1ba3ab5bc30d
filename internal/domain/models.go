// Package domain holds the shared data model for indexes, rebalances and trades.
package domain

import (
	"math"
	"time"
)

// IndexStatus represents the lifecycle state of an index
type IndexStatus string

const (
	IndexStatusPending        IndexStatus = "pending"
	IndexStatusPendingFunding IndexStatus = "pending_funding"
	IndexStatusActive         IndexStatus = "active"
	IndexStatusPaused         IndexStatus = "paused"
	IndexStatusDeleted        IndexStatus = "deleted"
)

// RebalancingMethod controls how the drift monitor evaluates an index
type RebalancingMethod string

const (
	MethodNone   RebalancingMethod = "none"
	MethodDaily  RebalancingMethod = "daily"
	MethodDrift  RebalancingMethod = "drift"
	MethodHybrid RebalancingMethod = "hybrid"
)

// TradeSide is the direction of a single swap
type TradeSide string

const (
	TradeSideBuy  TradeSide = "BUY"
	TradeSideSell TradeSide = "SELL"
)

// TradeStatus represents the settlement state of a trade.
// Completed and Failed are terminal; there is no valid transition out of them.
type TradeStatus string

const (
	TradeStatusPending   TradeStatus = "pending"
	TradeStatusExecuting TradeStatus = "executing"
	TradeStatusCompleted TradeStatus = "completed"
	TradeStatusFailed    TradeStatus = "failed"
)

// Terminal reports whether the status is a terminal settlement state
func (s TradeStatus) Terminal() bool {
	return s == TradeStatusCompleted || s == TradeStatusFailed
}

// RebalanceStatus represents the state of one lifecycle operation
type RebalanceStatus string

const (
	RebalanceStatusPending   RebalanceStatus = "pending"
	RebalanceStatusExecuting RebalanceStatus = "executing"
	RebalanceStatusCompleted RebalanceStatus = "completed"
	RebalanceStatusFailed    RebalanceStatus = "failed"
)

// AssetAllocation is one target weight within an index
type AssetAllocation struct {
	Symbol string  `json:"symbol"`
	Weight float64 `json:"weight"` // percent of portfolio, 0-100
}

// AllocationWeightTolerance is the accepted deviation of the weight sum from 100%
const AllocationWeightTolerance = 0.01

// ValidateAllocations checks that target weights are sane and sum to 100% ± tolerance.
// Must pass before any external call is made on behalf of the allocation.
func ValidateAllocations(allocations []AssetAllocation) error {
	if len(allocations) == 0 {
		return ErrInvalidAllocation
	}

	seen := make(map[string]bool, len(allocations))
	sum := 0.0
	for _, a := range allocations {
		if a.Symbol == "" || a.Weight <= 0 || a.Weight > 100 {
			return ErrInvalidAllocation
		}
		if seen[a.Symbol] {
			return ErrInvalidAllocation
		}
		seen[a.Symbol] = true
		sum += a.Weight
	}

	if math.Abs(sum-100.0) > AllocationWeightTolerance {
		return ErrInvalidAllocation
	}
	return nil
}

// RebalancingPolicy configures when the drift monitor acts on an index
type RebalancingPolicy struct {
	Method         RebalancingMethod `json:"method"`
	DriftThreshold float64           `json:"drift_threshold"` // percentage points
	MinInterval    time.Duration     `json:"min_interval"`
}

// DefaultDriftThreshold is used when an index has no threshold configured
const DefaultDriftThreshold = 5.0

// Threshold returns the configured drift threshold, falling back to the default
func (p RebalancingPolicy) Threshold() float64 {
	if p.DriftThreshold <= 0 {
		return DefaultDriftThreshold
	}
	return p.DriftThreshold
}

// CurrentAllocation is the computed state of one asset vs its target.
// Ephemeral: persisted only as the index's current_allocation JSON snapshot.
type CurrentAllocation struct {
	Symbol        string  `json:"symbol"`
	Amount        float64 `json:"amount"`
	USDValue      float64 `json:"usd_value"`
	CurrentWeight float64 `json:"current_weight"`
	TargetWeight  float64 `json:"target_weight"`
	Drift         float64 `json:"drift"` // absolute, percentage points
}

// Index is a configured target allocation of weighted crypto assets
// tied to one funding account. Never deleted physically, only via status.
type Index struct {
	ID                string              `json:"index_id"`
	AccountID         string              `json:"account_id"`
	OwnerID           string              `json:"owner_id"`
	Name              string              `json:"name"`
	BaseSymbol        string              `json:"base_symbol"` // funding currency, e.g. USDC
	TargetAllocation  []AssetAllocation   `json:"target_allocation"`
	Policy            RebalancingPolicy   `json:"rebalancing_policy"`
	Status            IndexStatus         `json:"status"`
	CurrentAllocation []CurrentAllocation `json:"current_allocation,omitempty"`
	TotalValue        float64             `json:"total_value"`
	TotalDrift        float64             `json:"total_drift"`
	LastRebalance     *time.Time          `json:"last_rebalance,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// Rebalance is one record per lifecycle operation (construction or rebalance
// pass). Created at operation start, finalized at end. Append-only audit trail.
type Rebalance struct {
	ID                   string          `json:"rebalance_id"`
	IndexID              string          `json:"index_id"`
	Trigger              string          `json:"trigger"` // initial_construction, manual, drift_monitor
	DriftAtTrigger       float64         `json:"drift_at_trigger"`
	Status               RebalanceStatus `json:"status"`
	TradesCount          int             `json:"trades_count"`
	CompletedTradesCount int             `json:"completed_trades_count"`
	Error                string          `json:"error,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	CompletedAt          *time.Time      `json:"completed_at,omitempty"`
}

// Trade is one record per individual asset swap
type Trade struct {
	ID             string      `json:"trade_id"`
	IndexID        string      `json:"index_id"`
	RebalanceID    string      `json:"rebalance_id,omitempty"`
	Side           TradeSide   `json:"side"`
	FromSymbol     string      `json:"from_symbol"`
	ToSymbol       string      `json:"to_symbol"`
	Amount         float64     `json:"amount"` // in from-asset units
	Status         TradeStatus `json:"status"`
	DepositAddress string      `json:"deposit_address,omitempty"` // settlement reference
	TxHash         string      `json:"tx_hash,omitempty"`
	Attempts       int         `json:"attempts"`
	Error          string      `json:"error,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// WebhookDisableThreshold is the consecutive delivery failure count at which
// an endpoint is disabled until the owner re-enables it
const WebhookDisableThreshold = 10

// Webhook is a registered notification endpoint. FailureCount tracks
// consecutive delivery failures and resets to zero on any success.
type Webhook struct {
	ID              string     `json:"webhook_id"`
	OwnerID         string     `json:"owner_id"`
	URL             string     `json:"url"`
	Events          []string   `json:"events"` // subscribed event names, empty means all
	Enabled         bool       `json:"enabled"`
	FailureCount    int        `json:"failure_count"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}
