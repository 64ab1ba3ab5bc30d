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

const rebalancesColumns = `rebalance_id, index_id, trigger_reason, drift_at_trigger, status, trades_count, completed_trades_count, error, created_at, completed_at`

// RebalanceRepository handles the append-only rebalance audit trail
type RebalanceRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRebalanceRepository creates a new rebalance repository
func NewRebalanceRepository(db *sql.DB, log zerolog.Logger) *RebalanceRepository {
	return &RebalanceRepository{
		db:  db,
		log: log.With().Str("repo", "rebalance").Logger(),
	}
}

// Create opens a new rebalance record at operation start
func (r *RebalanceRepository) Create(indexID, trigger string, driftAtTrigger float64, tradesCount int) (*domain.Rebalance, error) {
	reb := &domain.Rebalance{
		ID:             uuid.NewString(),
		IndexID:        indexID,
		Trigger:        trigger,
		DriftAtTrigger: driftAtTrigger,
		Status:         domain.RebalanceStatusExecuting,
		TradesCount:    tradesCount,
		CreatedAt:      time.Now().UTC(),
	}

	query := `
		INSERT INTO rebalances
		(rebalance_id, index_id, trigger_reason, drift_at_trigger, status,
		 trades_count, completed_trades_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
	`
	_, err := r.db.Exec(query,
		reb.ID, reb.IndexID, reb.Trigger, reb.DriftAtTrigger,
		string(reb.Status), reb.TradesCount, reb.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rebalance: %w", err)
	}

	r.log.Info().
		Str("rebalance_id", reb.ID).
		Str("index_id", indexID).
		Str("trigger", trigger).
		Int("trades", tradesCount).
		Msg("Rebalance record created")

	return reb, nil
}

// Complete finalizes a rebalance as successful. The completed count is capped
// at the planned count; the schema enforces the same invariant.
func (r *RebalanceRepository) Complete(id string, completedTrades int) error {
	return r.finalize(id, domain.RebalanceStatusCompleted, completedTrades, "")
}

// Fail finalizes a rebalance as failed with an error detail
func (r *RebalanceRepository) Fail(id string, completedTrades int, errDetail string) error {
	return r.finalize(id, domain.RebalanceStatusFailed, completedTrades, errDetail)
}

func (r *RebalanceRepository) finalize(id string, status domain.RebalanceStatus, completedTrades int, errDetail string) error {
	current, err := r.GetByID(id)
	if err != nil {
		return err
	}
	if current.Status == domain.RebalanceStatusCompleted || current.Status == domain.RebalanceStatusFailed {
		return fmt.Errorf("rebalance %s is %s: %w", id, current.Status, domain.ErrTerminalState)
	}
	if completedTrades > current.TradesCount {
		completedTrades = current.TradesCount
	}

	query := `
		UPDATE rebalances
		SET status = ?, completed_trades_count = ?, error = ?, completed_at = ?
		WHERE rebalance_id = ?
	`
	_, err = r.db.Exec(query,
		string(status), completedTrades, nullString(errDetail),
		time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize rebalance: %w", err)
	}
	return nil
}

// GetByID fetches one rebalance record
func (r *RebalanceRepository) GetByID(id string) (*domain.Rebalance, error) {
	row := r.db.QueryRow(`SELECT `+rebalancesColumns+` FROM rebalances WHERE rebalance_id = ?`, id)
	reb, err := scanRebalance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rebalance %s: not found", id)
	}
	return reb, err
}

// ListByIndex returns the rebalance history for an index, newest first
func (r *RebalanceRepository) ListByIndex(indexID string, limit int) ([]*domain.Rebalance, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(
		`SELECT `+rebalancesColumns+` FROM rebalances WHERE index_id = ? ORDER BY created_at DESC LIMIT ?`,
		indexID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list rebalances: %w", err)
	}
	defer rows.Close()

	var rebalances []*domain.Rebalance
	for rows.Next() {
		reb, err := scanRebalance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rebalance: %w", err)
		}
		rebalances = append(rebalances, reb)
	}
	return rebalances, rows.Err()
}

func scanRebalance(row rowScanner) (*domain.Rebalance, error) {
	var reb domain.Rebalance
	var status, createdAt string
	var errDetail, completedAt sql.NullString

	err := row.Scan(
		&reb.ID, &reb.IndexID, &reb.Trigger, &reb.DriftAtTrigger, &status,
		&reb.TradesCount, &reb.CompletedTradesCount, &errDetail, &createdAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	reb.Status = domain.RebalanceStatus(status)
	reb.Error = errDetail.String
	reb.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339, completedAt.String)
		reb.CompletedAt = &t
	}
	return &reb, nil
}
