package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cryptoindex/rebalancer/internal/domain"
	"github.com/cryptoindex/rebalancer/internal/events"
	"github.com/cryptoindex/rebalancer/internal/modules/drift"
	"github.com/cryptoindex/rebalancer/internal/modules/index"
)

// IndexLister enumerates indexes by lifecycle status
type IndexLister interface {
	ListByStatus(status domain.IndexStatus) ([]*domain.Index, error)
}

// Rebalancer evaluates and corrects a single index
type Rebalancer interface {
	CalculateCurrentDrift(ctx context.Context, id string) (*drift.Analysis, error)
	ExecuteRebalancing(ctx context.Context, id, trigger string) (*domain.Rebalance, *drift.Analysis, error)
}

// Notifier delivers monitor events to registered endpoints
type Notifier interface {
	Send(ownerID string, payload events.Payload)
}

// DriftMonitorJob evaluates every active index against its rebalancing
// policy. Each index runs in its own goroutine so one stuck evaluation
// cannot starve the rest; a failure on one index never aborts the sweep.
type DriftMonitorJob struct {
	lister     IndexLister
	rebalancer Rebalancer
	notifier   Notifier
	timeout    time.Duration // budget per index
	log        zerolog.Logger
}

// NewDriftMonitorJob creates the drift monitor
func NewDriftMonitorJob(lister IndexLister, rebalancer Rebalancer, notifier Notifier, timeout time.Duration, log zerolog.Logger) *DriftMonitorJob {
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &DriftMonitorJob{
		lister:     lister,
		rebalancer: rebalancer,
		notifier:   notifier,
		timeout:    timeout,
		log:        log.With().Str("job", "drift_monitor").Logger(),
	}
}

// Name returns the job name
func (j *DriftMonitorJob) Name() string { return "drift_monitor" }

// Run sweeps all active indexes once
func (j *DriftMonitorJob) Run() error {
	indexes, err := j.lister.ListByStatus(domain.IndexStatusActive)
	if err != nil {
		return err
	}
	if len(indexes) == 0 {
		return nil
	}

	j.log.Debug().Int("indexes", len(indexes)).Msg("Starting drift sweep")

	var wg sync.WaitGroup
	for _, idx := range indexes {
		if !j.due(idx, time.Now().UTC()) {
			continue
		}
		wg.Add(1)
		go func(idx *domain.Index) {
			defer wg.Done()
			j.evaluate(idx)
		}(idx)
	}
	wg.Wait()

	return nil
}

// due applies the policy's evaluation gate. The drift threshold itself is
// enforced later; the gate only decides whether the index is looked at.
func (j *DriftMonitorJob) due(idx *domain.Index, now time.Time) bool {
	switch idx.Policy.Method {
	case domain.MethodNone:
		return false
	case domain.MethodDrift:
		return true
	case domain.MethodDaily, domain.MethodHybrid:
		interval := idx.Policy.MinInterval
		if interval <= 0 {
			interval = 24 * time.Hour
		}
		return idx.LastRebalance == nil || now.Sub(*idx.LastRebalance) >= interval
	default:
		return false
	}
}

func (j *DriftMonitorJob) evaluate(idx *domain.Index) {
	defer func() {
		if r := recover(); r != nil {
			j.log.Error().
				Interface("panic", r).
				Str("index_id", idx.ID).
				Msg("Evaluation panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	analysis, err := j.rebalancer.CalculateCurrentDrift(ctx, idx.ID)
	if err != nil {
		j.log.Error().Err(err).Str("index_id", idx.ID).Msg("Drift computation failed")
		return
	}

	threshold := idx.Policy.Threshold()
	if analysis.MaxDrift > 0 {
		j.notify(idx, &events.DriftDetectedData{
			IndexID:    idx.ID,
			IndexName:  idx.Name,
			MaxDrift:   analysis.MaxDrift,
			Threshold:  threshold,
			TotalValue: analysis.TotalValue,
		})
	}

	if analysis.MaxDrift < threshold {
		return
	}

	j.notify(idx, &events.ThresholdExceededData{
		IndexID:       idx.ID,
		IndexName:     idx.Name,
		MaxDrift:      analysis.MaxDrift,
		Threshold:     threshold,
		TotalValue:    analysis.TotalValue,
		ActionsNeeded: len(analysis.Actions),
	})

	j.log.Info().
		Str("index_id", idx.ID).
		Float64("max_drift", analysis.MaxDrift).
		Float64("threshold", threshold).
		Msg("Drift threshold exceeded, rebalancing")

	reb, _, err := j.rebalancer.ExecuteRebalancing(ctx, idx.ID, index.TriggerDriftMonitor)
	if err != nil {
		j.log.Error().Err(err).Str("index_id", idx.ID).Msg("Automated rebalancing failed")
		return
	}
	if reb != nil {
		j.log.Info().
			Str("index_id", idx.ID).
			Str("rebalance_id", reb.ID).
			Str("status", string(reb.Status)).
			Msg("Automated rebalancing finished")
	}
}

func (j *DriftMonitorJob) notify(idx *domain.Index, payload events.Payload) {
	if j.notifier == nil {
		return
	}
	j.notifier.Send(idx.OwnerID, payload)
}
