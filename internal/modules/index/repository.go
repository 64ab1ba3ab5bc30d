// Package index manages the lifecycle of configured indexes: creation,
// funding, construction, rebalancing and retirement.
package index

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cryptoindex/rebalancer/internal/domain"
)

// indexColumns is the column list for the indexes table.
// Order must match scanIndex below.
const indexColumns = `index_id, account_id, owner_id, name, base_symbol, target_allocation, rebalancing_method, drift_threshold, min_interval_secs, status, current_allocation, total_value, total_drift, last_rebalance, created_at, updated_at`

// Repository handles index records in the index database
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new index repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "index").Logger(),
	}
}

// Create inserts a new index record. Assigns an ID and timestamps when missing.
func (r *Repository) Create(idx *domain.Index) error {
	if idx.ID == "" {
		idx.ID = uuid.NewString()
	}
	if idx.Status == "" {
		idx.Status = domain.IndexStatusPending
	}
	if idx.BaseSymbol == "" {
		idx.BaseSymbol = "USDC"
	}
	now := time.Now().UTC()
	idx.CreatedAt = now
	idx.UpdatedAt = now

	targetJSON, err := json.Marshal(idx.TargetAllocation)
	if err != nil {
		return fmt.Errorf("failed to encode target allocation: %w", err)
	}

	query := `
		INSERT INTO indexes
		(index_id, account_id, owner_id, name, base_symbol, target_allocation,
		 rebalancing_method, drift_threshold, min_interval_secs, status,
		 total_value, total_drift, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.Exec(query,
		idx.ID,
		idx.AccountID,
		idx.OwnerID,
		idx.Name,
		idx.BaseSymbol,
		string(targetJSON),
		string(idx.Policy.Method),
		idx.Policy.DriftThreshold,
		int64(idx.Policy.MinInterval.Seconds()),
		string(idx.Status),
		idx.TotalValue,
		idx.TotalDrift,
		now.Format(time.RFC3339),
		now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	r.log.Info().
		Str("index_id", idx.ID).
		Str("name", idx.Name).
		Str("owner", idx.OwnerID).
		Msg("Index created")

	return nil
}

// GetByID fetches one index. Soft-deleted indexes are still returned so
// history endpoints keep working.
func (r *Repository) GetByID(id string) (*domain.Index, error) {
	row := r.db.QueryRow(`SELECT `+indexColumns+` FROM indexes WHERE index_id = ?`, id)
	idx, err := scanIndex(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("index %s: %w", id, domain.ErrIndexNotFound)
	}
	return idx, err
}

// ListByOwner returns all non-deleted indexes belonging to an owner
func (r *Repository) ListByOwner(ownerID string) ([]*domain.Index, error) {
	rows, err := r.db.Query(
		`SELECT `+indexColumns+` FROM indexes WHERE owner_id = ? AND status != ? ORDER BY created_at`,
		ownerID, string(domain.IndexStatusDeleted))
	if err != nil {
		return nil, fmt.Errorf("failed to list indexes: %w", err)
	}
	defer rows.Close()
	return scanIndexes(rows)
}

// ListByStatus returns all indexes in the given status
func (r *Repository) ListByStatus(status domain.IndexStatus) ([]*domain.Index, error) {
	rows, err := r.db.Query(
		`SELECT `+indexColumns+` FROM indexes WHERE status = ? ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list indexes: %w", err)
	}
	defer rows.Close()
	return scanIndexes(rows)
}

// UpdateStatus moves the index to a new lifecycle status
func (r *Repository) UpdateStatus(id string, status domain.IndexStatus) error {
	res, err := r.db.Exec(
		`UPDATE indexes SET status = ?, updated_at = ? WHERE index_id = ?`,
		string(status), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to update index status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("index %s: %w", id, domain.ErrIndexNotFound)
	}
	return nil
}

// UpdateConfiguration replaces the mutable configuration of an index
func (r *Repository) UpdateConfiguration(idx *domain.Index) error {
	targetJSON, err := json.Marshal(idx.TargetAllocation)
	if err != nil {
		return fmt.Errorf("failed to encode target allocation: %w", err)
	}

	idx.UpdatedAt = time.Now().UTC()
	res, err := r.db.Exec(`
		UPDATE indexes
		SET name = ?, target_allocation = ?, rebalancing_method = ?,
		    drift_threshold = ?, min_interval_secs = ?, updated_at = ?
		WHERE index_id = ?`,
		idx.Name,
		string(targetJSON),
		string(idx.Policy.Method),
		idx.Policy.DriftThreshold,
		int64(idx.Policy.MinInterval.Seconds()),
		idx.UpdatedAt.Format(time.RFC3339),
		idx.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update index: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("index %s: %w", idx.ID, domain.ErrIndexNotFound)
	}
	return nil
}

// UpdateDriftState persists the latest computed allocation snapshot
func (r *Repository) UpdateDriftState(id string, allocations []domain.CurrentAllocation, totalValue, totalDrift float64) error {
	snapshot, err := json.Marshal(allocations)
	if err != nil {
		return fmt.Errorf("failed to encode allocation snapshot: %w", err)
	}

	_, err = r.db.Exec(`
		UPDATE indexes
		SET current_allocation = ?, total_value = ?, total_drift = ?, updated_at = ?
		WHERE index_id = ?`,
		string(snapshot), totalValue, totalDrift,
		time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to update drift state: %w", err)
	}
	return nil
}

// MarkRebalanced records a completed rebalancing pass and activates the index
func (r *Repository) MarkRebalanced(id string, at time.Time) error {
	_, err := r.db.Exec(`
		UPDATE indexes
		SET status = ?, last_rebalance = ?, updated_at = ?
		WHERE index_id = ?`,
		string(domain.IndexStatusActive),
		at.UTC().Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339),
		id)
	if err != nil {
		return fmt.Errorf("failed to mark index rebalanced: %w", err)
	}
	return nil
}

// SoftDelete retires the index. The record and its ledger history remain.
func (r *Repository) SoftDelete(id string) error {
	return r.UpdateStatus(id, domain.IndexStatusDeleted)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIndex(row rowScanner) (*domain.Index, error) {
	var idx domain.Index
	var targetJSON, method, status, createdAt, updatedAt string
	var currentJSON, lastRebalance sql.NullString
	var minIntervalSecs int64

	err := row.Scan(
		&idx.ID, &idx.AccountID, &idx.OwnerID, &idx.Name, &idx.BaseSymbol,
		&targetJSON, &method, &idx.Policy.DriftThreshold, &minIntervalSecs,
		&status, &currentJSON, &idx.TotalValue, &idx.TotalDrift,
		&lastRebalance, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(targetJSON), &idx.TargetAllocation); err != nil {
		return nil, fmt.Errorf("failed to decode target allocation: %w", err)
	}
	if currentJSON.Valid && currentJSON.String != "" {
		if err := json.Unmarshal([]byte(currentJSON.String), &idx.CurrentAllocation); err != nil {
			return nil, fmt.Errorf("failed to decode allocation snapshot: %w", err)
		}
	}

	idx.Policy.Method = domain.RebalancingMethod(method)
	idx.Policy.MinInterval = time.Duration(minIntervalSecs) * time.Second
	idx.Status = domain.IndexStatus(status)
	if lastRebalance.Valid && lastRebalance.String != "" {
		if t, err := time.Parse(time.RFC3339, lastRebalance.String); err == nil {
			idx.LastRebalance = &t
		}
	}
	idx.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	idx.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &idx, nil
}

func scanIndexes(rows *sql.Rows) ([]*domain.Index, error) {
	var indexes []*domain.Index
	for rows.Next() {
		idx, err := scanIndex(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan index: %w", err)
		}
		indexes = append(indexes, idx)
	}
	return indexes, rows.Err()
}
