package portfolio

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cryptoindex/rebalancer/internal/domain"
)

// tradesColumns is the column list for the trades table.
// Order must match the scan helpers below.
const tradesColumns = `trade_id, index_id, rebalance_id, side, from_symbol, to_symbol, amount, status, deposit_address, tx_hash, attempts, error, created_at, updated_at`

// TradeRepository handles trade records in the ledger database
type TradeRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewTradeRepository creates a new trade repository
func NewTradeRepository(db *sql.DB, log zerolog.Logger) *TradeRepository {
	return &TradeRepository{
		db:  db,
		log: log.With().Str("repo", "trade").Logger(),
	}
}

// Create inserts a new trade record. Assigns an ID and timestamps when missing.
func (r *TradeRepository) Create(trade *domain.Trade) error {
	if trade.ID == "" {
		trade.ID = uuid.NewString()
	}
	if trade.Status == "" {
		trade.Status = domain.TradeStatusPending
	}
	now := time.Now().UTC()
	trade.CreatedAt = now
	trade.UpdatedAt = now

	query := `
		INSERT INTO trades
		(trade_id, index_id, rebalance_id, side, from_symbol, to_symbol, amount,
		 status, deposit_address, tx_hash, attempts, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query,
		trade.ID,
		trade.IndexID,
		nullString(trade.RebalanceID),
		string(trade.Side),
		trade.FromSymbol,
		trade.ToSymbol,
		trade.Amount,
		string(trade.Status),
		nullString(trade.DepositAddress),
		nullString(trade.TxHash),
		trade.Attempts,
		nullString(trade.Error),
		now.Format(time.RFC3339),
		now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create trade: %w", err)
	}

	r.log.Debug().
		Str("trade_id", trade.ID).
		Str("side", string(trade.Side)).
		Str("from", trade.FromSymbol).
		Str("to", trade.ToSymbol).
		Msg("Trade created")

	return nil
}

// Update persists the mutable fields of a trade. Refuses to modify a trade
// already in a terminal state: Completed/Failed records are immutable.
func (r *TradeRepository) Update(trade *domain.Trade) error {
	current, err := r.GetByID(trade.ID)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return fmt.Errorf("trade %s is %s: %w", trade.ID, current.Status, domain.ErrTerminalState)
	}

	trade.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE trades
		SET status = ?, deposit_address = ?, tx_hash = ?, attempts = ?, error = ?, updated_at = ?
		WHERE trade_id = ?
	`
	_, err = r.db.Exec(query,
		string(trade.Status),
		nullString(trade.DepositAddress),
		nullString(trade.TxHash),
		trade.Attempts,
		nullString(trade.Error),
		trade.UpdatedAt.Format(time.RFC3339),
		trade.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update trade: %w", err)
	}
	return nil
}

// GetByID fetches one trade
func (r *TradeRepository) GetByID(id string) (*domain.Trade, error) {
	row := r.db.QueryRow(`SELECT `+tradesColumns+` FROM trades WHERE trade_id = ?`, id)
	trade, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("trade %s: not found", id)
	}
	return trade, err
}

// ListByRebalance returns all trades belonging to one rebalance, oldest first
func (r *TradeRepository) ListByRebalance(rebalanceID string) ([]*domain.Trade, error) {
	rows, err := r.db.Query(
		`SELECT `+tradesColumns+` FROM trades WHERE rebalance_id = ? ORDER BY created_at`, rebalanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// ListByIndex returns the most recent trades for an index
func (r *TradeRepository) ListByIndex(indexID string, limit int) ([]*domain.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(
		`SELECT `+tradesColumns+` FROM trades WHERE index_id = ? ORDER BY created_at DESC LIMIT ?`,
		indexID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(row rowScanner) (*domain.Trade, error) {
	var t domain.Trade
	var rebalanceID, depositAddress, txHash, errDetail sql.NullString
	var side, status, createdAt, updatedAt string

	err := row.Scan(
		&t.ID, &t.IndexID, &rebalanceID, &side, &t.FromSymbol, &t.ToSymbol,
		&t.Amount, &status, &depositAddress, &txHash, &t.Attempts, &errDetail,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.RebalanceID = rebalanceID.String
	t.Side = domain.TradeSide(side)
	t.Status = domain.TradeStatus(status)
	t.DepositAddress = depositAddress.String
	t.TxHash = txHash.String
	t.Error = errDetail.String
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &t, nil
}

func scanTrades(rows *sql.Rows) ([]*domain.Trade, error) {
	var trades []*domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
