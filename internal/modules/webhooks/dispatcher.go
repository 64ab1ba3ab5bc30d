package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cryptoindex/rebalancer/internal/events"
)

// DispatcherConfig bounds delivery behavior
type DispatcherConfig struct {
	Timeout    time.Duration // per HTTP request
	MaxRetries int           // delivery attempts per event = MaxRetries
	// RetryBase is the unit of the exponential backoff: the wait before
	// attempt n is RetryBase × 2^(n-1). Defaults to one second.
	RetryBase time.Duration
}

// Dispatcher delivers event envelopes to registered endpoints. Deliveries
// run in their own goroutines so emitting an event never blocks the caller;
// at-least-once is approximated by bounded retries per delivery.
type Dispatcher struct {
	repo   *Repository
	client *http.Client
	cfg    DispatcherConfig
	wg     sync.WaitGroup
	log    zerolog.Logger
}

// NewDispatcher creates a webhook dispatcher
func NewDispatcher(repo *Repository, cfg DispatcherConfig, log zerolog.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	return &Dispatcher{
		repo:   repo,
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		log:    log.With().Str("service", "dispatcher").Logger(),
	}
}

// Send fans the event out to every subscribed endpoint of the owner.
// Fire-and-forget: lookup or delivery problems are logged, never returned.
func (d *Dispatcher) Send(ownerID string, payload events.Payload) {
	envelope := events.Envelope{
		Event:     payload.EventType(),
		Timestamp: time.Now().UTC(),
		OwnerID:   ownerID,
		Data:      payload,
	}

	hooks, err := d.repo.ActiveForEvent(ownerID, envelope.Event)
	if err != nil {
		d.log.Error().Err(err).Str("event", string(envelope.Event)).Msg("Webhook lookup failed")
		return
	}
	if len(hooks) == 0 {
		return
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		d.log.Error().Err(err).Str("event", string(envelope.Event)).Msg("Failed to encode envelope")
		return
	}

	for _, hook := range hooks {
		d.wg.Add(1)
		go func(id, url string) {
			defer d.wg.Done()
			d.deliver(id, url, string(envelope.Event), body)
		}(hook.ID, hook.URL)
	}
}

// Wait blocks until all in-flight deliveries have finished
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// TestEndpoint sends a synchronous probe so owners can verify their URL
// before relying on it. The probe does not touch the failure streak.
func (d *Dispatcher) TestEndpoint(ctx context.Context, url string) error {
	envelope := events.Envelope{
		Event:     "test",
		Timestamp: time.Now().UTC(),
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return d.post(ctx, url, body)
}

// deliver attempts one event delivery with exponential backoff between
// attempts. Every failed attempt grows the endpoint's failure streak; an
// endpoint disabled mid-cycle is not retried further.
func (d *Dispatcher) deliver(hookID, url, event string, body []byte) {
	var lastErr error
	streak := 0
	for attempt := 1; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * d.cfg.RetryBase
			time.Sleep(backoff)
		}

		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
		lastErr = d.post(ctx, url, body)
		cancel()

		if lastErr == nil {
			if err := d.repo.MarkSuccess(hookID); err != nil {
				d.log.Error().Err(err).Str("webhook_id", hookID).Msg("Failed to record delivery")
			}
			d.log.Debug().
				Str("webhook_id", hookID).
				Str("event", event).
				Int("attempt", attempt).
				Msg("Webhook delivered")
			return
		}

		count, disabled, err := d.repo.MarkFailure(hookID)
		if err != nil {
			d.log.Error().Err(err).Str("webhook_id", hookID).Msg("Failed to record delivery failure")
			return
		}
		streak = count
		if disabled {
			d.log.Warn().
				Err(lastErr).
				Str("webhook_id", hookID).
				Str("event", event).
				Int("failure_streak", count).
				Msg("Webhook disabled after repeated failures")
			return
		}
	}

	d.log.Warn().
		Err(lastErr).
		Str("webhook_id", hookID).
		Str("event", event).
		Int("failure_streak", streak).
		Msg("Webhook delivery failed")
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}
