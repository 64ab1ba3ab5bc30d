// Package events defines the closed set of lifecycle events and their payloads.
package events

import "time"

// Type identifies a lifecycle event
type Type string

const (
	IndexCreated Type = "index.created"
	IndexUpdated Type = "index.updated"
	IndexDeleted Type = "index.deleted"
	IndexPaused  Type = "index.paused"
	IndexResumed Type = "index.resumed"

	RebalanceStarted   Type = "rebalance.started"
	RebalanceCompleted Type = "rebalance.completed"
	RebalanceFailed    Type = "rebalance.failed"

	TradeExecuted Type = "trade.executed"
	TradeFailed   Type = "trade.failed"

	DriftDetected          Type = "drift.detected"
	DriftThresholdExceeded Type = "drift.threshold_exceeded"
)

// All lists every event type; used to validate webhook subscriptions
var All = []Type{
	IndexCreated, IndexUpdated, IndexDeleted, IndexPaused, IndexResumed,
	RebalanceStarted, RebalanceCompleted, RebalanceFailed,
	TradeExecuted, TradeFailed,
	DriftDetected, DriftThresholdExceeded,
}

// Valid reports whether t is a known event type
func Valid(t Type) bool {
	for _, known := range All {
		if t == known {
			return true
		}
	}
	return false
}

// Payload is implemented by every event payload struct. The set of
// implementations is closed: each payload declares the one event type
// it belongs to.
type Payload interface {
	EventType() Type
}

// Envelope is the JSON wire format delivered to webhook endpoints
type Envelope struct {
	Event     Type      `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	OwnerID   string    `json:"ownerId"`
	Data      Payload   `json:"data"`
}

// IndexLifecycleData accompanies index.* events
type IndexLifecycleData struct {
	IndexID   string `json:"index_id"`
	IndexName string `json:"index_name"`
	Status    string `json:"status"`
	event     Type
}

// NewIndexLifecycleData builds a payload for one of the index.* events
func NewIndexLifecycleData(event Type, indexID, indexName, status string) *IndexLifecycleData {
	return &IndexLifecycleData{IndexID: indexID, IndexName: indexName, Status: status, event: event}
}

func (d *IndexLifecycleData) EventType() Type { return d.event }

// DriftDetectedData accompanies drift.detected
type DriftDetectedData struct {
	IndexID    string  `json:"index_id"`
	IndexName  string  `json:"index_name"`
	MaxDrift   float64 `json:"max_drift"`
	Threshold  float64 `json:"threshold"`
	TotalValue float64 `json:"total_value"`
}

func (d *DriftDetectedData) EventType() Type { return DriftDetected }

// ThresholdExceededData accompanies drift.threshold_exceeded
type ThresholdExceededData struct {
	IndexID       string  `json:"index_id"`
	IndexName     string  `json:"index_name"`
	MaxDrift      float64 `json:"max_drift"`
	Threshold     float64 `json:"threshold"`
	TotalValue    float64 `json:"total_value"`
	ActionsNeeded int     `json:"actions_needed"`
}

func (d *ThresholdExceededData) EventType() Type { return DriftThresholdExceeded }

// RebalanceStartedData accompanies rebalance.started
type RebalanceStartedData struct {
	IndexID     string  `json:"index_id"`
	RebalanceID string  `json:"rebalance_id"`
	Trigger     string  `json:"trigger"`
	MaxDrift    float64 `json:"max_drift"`
	TradesCount int     `json:"trades_count"`
}

func (d *RebalanceStartedData) EventType() Type { return RebalanceStarted }

// RebalanceCompletedData accompanies rebalance.completed
type RebalanceCompletedData struct {
	IndexID        string  `json:"index_id"`
	RebalanceID    string  `json:"rebalance_id"`
	Trigger        string  `json:"trigger"`
	MaxDrift       float64 `json:"max_drift"`
	TradesExecuted int     `json:"trades_executed"`
}

func (d *RebalanceCompletedData) EventType() Type { return RebalanceCompleted }

// RebalanceFailedData accompanies rebalance.failed
type RebalanceFailedData struct {
	IndexID     string `json:"index_id"`
	RebalanceID string `json:"rebalance_id,omitempty"`
	Trigger     string `json:"trigger"`
	Error       string `json:"error"`
}

func (d *RebalanceFailedData) EventType() Type { return RebalanceFailed }

// TradeData accompanies trade.executed and trade.failed
type TradeData struct {
	TradeID    string  `json:"trade_id"`
	IndexID    string  `json:"index_id"`
	Side       string  `json:"side"`
	FromSymbol string  `json:"from_symbol"`
	ToSymbol   string  `json:"to_symbol"`
	Amount     float64 `json:"amount"`
	Error      string  `json:"error,omitempty"`
	failed     bool
}

// NewTradeExecutedData builds a payload for trade.executed
func NewTradeExecutedData(tradeID, indexID, side, from, to string, amount float64) *TradeData {
	return &TradeData{TradeID: tradeID, IndexID: indexID, Side: side, FromSymbol: from, ToSymbol: to, Amount: amount}
}

// NewTradeFailedData builds a payload for trade.failed
func NewTradeFailedData(tradeID, indexID, side, from, to string, amount float64, errDetail string) *TradeData {
	return &TradeData{TradeID: tradeID, IndexID: indexID, Side: side, FromSymbol: from, ToSymbol: to, Amount: amount, Error: errDetail, failed: true}
}

func (d *TradeData) EventType() Type {
	if d.failed {
		return TradeFailed
	}
	return TradeExecuted
}
