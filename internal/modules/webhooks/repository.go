// Package webhooks delivers lifecycle events to registered HTTP endpoints
// with at-least-once semantics.
package webhooks

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cryptoindex/rebalancer/internal/domain"
	"github.com/cryptoindex/rebalancer/internal/events"
)

// ErrWebhookNotFound is returned for unknown webhook IDs
var ErrWebhookNotFound = errors.New("webhook not found")

const webhookColumns = `webhook_id, owner_id, url, events, enabled, failure_count, last_triggered_at, created_at`

// Repository handles webhook registrations in the index database
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new webhook repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "webhooks").Logger(),
	}
}

// Create registers a new endpoint. Unknown event names are rejected.
func (r *Repository) Create(hook *domain.Webhook) error {
	for _, name := range hook.Events {
		if !events.Valid(events.Type(name)) {
			return fmt.Errorf("unknown event type %q", name)
		}
	}

	if hook.ID == "" {
		hook.ID = uuid.NewString()
	}
	hook.Enabled = true
	hook.FailureCount = 0
	hook.CreatedAt = time.Now().UTC()

	eventsJSON, err := json.Marshal(hook.Events)
	if err != nil {
		return fmt.Errorf("failed to encode event list: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO webhooks (webhook_id, owner_id, url, events, enabled, failure_count, created_at)
		VALUES (?, ?, ?, ?, 1, 0, ?)`,
		hook.ID, hook.OwnerID, hook.URL, string(eventsJSON),
		hook.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to create webhook: %w", err)
	}

	r.log.Info().
		Str("webhook_id", hook.ID).
		Str("owner", hook.OwnerID).
		Str("url", hook.URL).
		Msg("Webhook registered")

	return nil
}

// GetByID fetches one webhook
func (r *Repository) GetByID(id string) (*domain.Webhook, error) {
	row := r.db.QueryRow(`SELECT `+webhookColumns+` FROM webhooks WHERE webhook_id = ?`, id)
	hook, err := scanWebhook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("webhook %s: %w", id, ErrWebhookNotFound)
	}
	return hook, err
}

// ListByOwner returns all webhooks registered by an owner
func (r *Repository) ListByOwner(ownerID string) ([]*domain.Webhook, error) {
	rows, err := r.db.Query(
		`SELECT `+webhookColumns+` FROM webhooks WHERE owner_id = ? ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	defer rows.Close()
	return scanWebhooks(rows)
}

// ActiveForEvent returns the enabled endpoints subscribed to the event.
// An empty subscription list means the endpoint receives everything.
func (r *Repository) ActiveForEvent(ownerID string, event events.Type) ([]*domain.Webhook, error) {
	rows, err := r.db.Query(
		`SELECT `+webhookColumns+` FROM webhooks WHERE owner_id = ? AND enabled = 1`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	defer rows.Close()

	all, err := scanWebhooks(rows)
	if err != nil {
		return nil, err
	}

	var matched []*domain.Webhook
	for _, hook := range all {
		if subscribed(hook, event) {
			matched = append(matched, hook)
		}
	}
	return matched, nil
}

// MarkSuccess records a successful delivery and resets the failure streak
func (r *Repository) MarkSuccess(id string) error {
	_, err := r.db.Exec(`
		UPDATE webhooks SET failure_count = 0, last_triggered_at = ? WHERE webhook_id = ?`,
		time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to mark webhook success: %w", err)
	}
	return nil
}

// MarkFailure increments the failure streak and disables the endpoint once
// it reaches the threshold. Returns the new count and whether it was disabled.
func (r *Repository) MarkFailure(id string) (int, bool, error) {
	_, err := r.db.Exec(
		`UPDATE webhooks SET failure_count = failure_count + 1 WHERE webhook_id = ?`, id)
	if err != nil {
		return 0, false, fmt.Errorf("failed to mark webhook failure: %w", err)
	}

	var count int
	if err := r.db.QueryRow(
		`SELECT failure_count FROM webhooks WHERE webhook_id = ?`, id).Scan(&count); err != nil {
		return 0, false, fmt.Errorf("failed to read failure count: %w", err)
	}

	if count < domain.WebhookDisableThreshold {
		return count, false, nil
	}

	if _, err := r.db.Exec(`UPDATE webhooks SET enabled = 0 WHERE webhook_id = ?`, id); err != nil {
		return count, false, fmt.Errorf("failed to disable webhook: %w", err)
	}
	r.log.Warn().
		Str("webhook_id", id).
		Int("failures", count).
		Msg("Webhook disabled after repeated delivery failures")
	return count, true, nil
}

// SetEnabled re-enables or disables an endpoint. Enabling resets the streak.
func (r *Repository) SetEnabled(id string, enabled bool) error {
	query := `UPDATE webhooks SET enabled = ? WHERE webhook_id = ?`
	args := []interface{}{boolToInt(enabled), id}
	if enabled {
		query = `UPDATE webhooks SET enabled = 1, failure_count = 0 WHERE webhook_id = ?`
		args = []interface{}{id}
	}

	res, err := r.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to update webhook: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("webhook %s: %w", id, ErrWebhookNotFound)
	}
	return nil
}

// Delete removes a webhook registration
func (r *Repository) Delete(id string) error {
	res, err := r.db.Exec(`DELETE FROM webhooks WHERE webhook_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("webhook %s: %w", id, ErrWebhookNotFound)
	}
	return nil
}

func subscribed(hook *domain.Webhook, event events.Type) bool {
	if len(hook.Events) == 0 {
		return true
	}
	for _, name := range hook.Events {
		if events.Type(name) == event {
			return true
		}
	}
	return false
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWebhook(row rowScanner) (*domain.Webhook, error) {
	var hook domain.Webhook
	var eventsJSON, createdAt string
	var lastTriggered sql.NullString
	var enabled int

	err := row.Scan(
		&hook.ID, &hook.OwnerID, &hook.URL, &eventsJSON,
		&enabled, &hook.FailureCount, &lastTriggered, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(eventsJSON), &hook.Events); err != nil {
		return nil, fmt.Errorf("failed to decode event list: %w", err)
	}
	hook.Enabled = enabled != 0
	if lastTriggered.Valid && lastTriggered.String != "" {
		if t, err := time.Parse(time.RFC3339, lastTriggered.String); err == nil {
			hook.LastTriggeredAt = &t
		}
	}
	hook.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &hook, nil
}

func scanWebhooks(rows *sql.Rows) ([]*domain.Webhook, error) {
	var hooks []*domain.Webhook
	for rows.Next() {
		hook, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook: %w", err)
		}
		hooks = append(hooks, hook)
	}
	return hooks, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
