package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptoindex/rebalancer/internal/domain"
	"github.com/cryptoindex/rebalancer/internal/events"
	"github.com/cryptoindex/rebalancer/internal/modules/drift"
	"github.com/cryptoindex/rebalancer/internal/modules/index"
)

type fakeLister struct {
	indexes []*domain.Index
	err     error
}

func (f *fakeLister) ListByStatus(_ domain.IndexStatus) ([]*domain.Index, error) {
	return f.indexes, f.err
}

// fakeRebalancer serves a scripted drift per index and records calls
type fakeRebalancer struct {
	mu         sync.Mutex
	drifts     map[string]float64
	driftErr   error
	evaluated  []string
	rebalanced []string
	triggers   []string
}

func (f *fakeRebalancer) CalculateCurrentDrift(_ context.Context, id string) (*drift.Analysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.driftErr != nil {
		return nil, f.driftErr
	}
	f.evaluated = append(f.evaluated, id)
	return &drift.Analysis{
		TotalValue: 1000,
		MaxDrift:   f.drifts[id],
		Actions:    []drift.Action{{Symbol: "BTC", Side: domain.TradeSideSell}},
	}, nil
}

func (f *fakeRebalancer) ExecuteRebalancing(_ context.Context, id, trigger string) (*domain.Rebalance, *drift.Analysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rebalanced = append(f.rebalanced, id)
	f.triggers = append(f.triggers, trigger)
	return &domain.Rebalance{ID: "reb-" + id, IndexID: id, Trigger: trigger, Status: domain.RebalanceStatusCompleted}, nil, nil
}

type eventSink struct {
	mu    sync.Mutex
	types []events.Type
}

func (s *eventSink) Send(_ string, payload events.Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.types = append(s.types, payload.EventType())
}

func (s *eventSink) count(t events.Type) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, got := range s.types {
		if got == t {
			n++
		}
	}
	return n
}

func activeIndex(id string, method domain.RebalancingMethod, lastRebalance *time.Time) *domain.Index {
	return &domain.Index{
		ID:      id,
		OwnerID: "owner-1",
		Name:    "Index " + id,
		Status:  domain.IndexStatusActive,
		Policy: domain.RebalancingPolicy{
			Method:         method,
			DriftThreshold: 5,
		},
		LastRebalance: lastRebalance,
	}
}

func TestMonitorRebalancesDriftedIndex(t *testing.T) {
	rb := &fakeRebalancer{drifts: map[string]float64{"a": 8.0}}
	sink := &eventSink{}
	job := NewDriftMonitorJob(
		&fakeLister{indexes: []*domain.Index{activeIndex("a", domain.MethodDrift, nil)}},
		rb, sink, time.Second, zerolog.Nop())

	require.NoError(t, job.Run())

	assert.Equal(t, []string{"a"}, rb.evaluated)
	assert.Equal(t, []string{"a"}, rb.rebalanced)
	assert.Equal(t, 1, sink.count(events.DriftDetected))
	assert.Equal(t, 1, sink.count(events.DriftThresholdExceeded))
}

func TestMonitorLeavesCalmIndexAlone(t *testing.T) {
	rb := &fakeRebalancer{drifts: map[string]float64{"a": 2.0}}
	sink := &eventSink{}
	job := NewDriftMonitorJob(
		&fakeLister{indexes: []*domain.Index{activeIndex("a", domain.MethodDrift, nil)}},
		rb, sink, time.Second, zerolog.Nop())

	require.NoError(t, job.Run())

	assert.Equal(t, []string{"a"}, rb.evaluated)
	assert.Empty(t, rb.rebalanced)
	assert.Equal(t, 1, sink.count(events.DriftDetected))
	assert.Zero(t, sink.count(events.DriftThresholdExceeded))
}

func TestMonitorSilentAtZeroDrift(t *testing.T) {
	rb := &fakeRebalancer{drifts: map[string]float64{"a": 0}}
	sink := &eventSink{}
	job := NewDriftMonitorJob(
		&fakeLister{indexes: []*domain.Index{activeIndex("a", domain.MethodDrift, nil)}},
		rb, sink, time.Second, zerolog.Nop())

	require.NoError(t, job.Run())

	// Evaluated, but a perfectly balanced index emits nothing
	assert.Equal(t, []string{"a"}, rb.evaluated)
	assert.Empty(t, rb.rebalanced)
	assert.Zero(t, sink.count(events.DriftDetected))
	assert.Zero(t, sink.count(events.DriftThresholdExceeded))
}

func TestMonitorSkipsMethodNone(t *testing.T) {
	rb := &fakeRebalancer{drifts: map[string]float64{"a": 50}}
	job := NewDriftMonitorJob(
		&fakeLister{indexes: []*domain.Index{activeIndex("a", domain.MethodNone, nil)}},
		rb, &eventSink{}, time.Second, zerolog.Nop())

	require.NoError(t, job.Run())
	assert.Empty(t, rb.evaluated)
}

func TestMonitorDailyGate(t *testing.T) {
	recent := time.Now().UTC().Add(-1 * time.Hour)
	stale := time.Now().UTC().Add(-25 * time.Hour)

	rb := &fakeRebalancer{drifts: map[string]float64{"recent": 20, "stale": 20, "never": 20}}
	job := NewDriftMonitorJob(
		&fakeLister{indexes: []*domain.Index{
			activeIndex("recent", domain.MethodDaily, &recent),
			activeIndex("stale", domain.MethodDaily, &stale),
			activeIndex("never", domain.MethodDaily, nil),
		}},
		rb, &eventSink{}, time.Second, zerolog.Nop())

	require.NoError(t, job.Run())

	assert.ElementsMatch(t, []string{"stale", "never"}, rb.evaluated)
	assert.NotContains(t, rb.evaluated, "recent")
}

func TestMonitorHybridIsTimeGated(t *testing.T) {
	recent := time.Now().UTC().Add(-1 * time.Hour)
	stale := time.Now().UTC().Add(-25 * time.Hour)

	rb := &fakeRebalancer{drifts: map[string]float64{"recent": 9, "stale": 9}}
	job := NewDriftMonitorJob(
		&fakeLister{indexes: []*domain.Index{
			activeIndex("recent", domain.MethodHybrid, &recent),
			activeIndex("stale", domain.MethodHybrid, &stale),
		}},
		rb, &eventSink{}, time.Second, zerolog.Nop())

	require.NoError(t, job.Run())

	// Hybrid waits out the interval; the drift threshold still decides trading
	assert.Equal(t, []string{"stale"}, rb.evaluated)
	assert.Equal(t, []string{"stale"}, rb.rebalanced)
}

func TestMonitorSweepsAllIndexes(t *testing.T) {
	rb := &fakeRebalancer{drifts: map[string]float64{"a": 10, "b": 1, "c": 10}}
	job := NewDriftMonitorJob(
		&fakeLister{indexes: []*domain.Index{
			activeIndex("a", domain.MethodDrift, nil),
			activeIndex("b", domain.MethodDrift, nil),
			activeIndex("c", domain.MethodDrift, nil),
		}},
		rb, &eventSink{}, time.Second, zerolog.Nop())

	require.NoError(t, job.Run())

	assert.ElementsMatch(t, []string{"a", "b", "c"}, rb.evaluated)
	assert.ElementsMatch(t, []string{"a", "c"}, rb.rebalanced)
}

func TestMonitorPropagatesListError(t *testing.T) {
	job := NewDriftMonitorJob(
		&fakeLister{err: errors.New("db gone")},
		&fakeRebalancer{}, &eventSink{}, time.Second, zerolog.Nop())

	assert.Error(t, job.Run())
}

func TestMonitorUsesDriftMonitorTrigger(t *testing.T) {
	rb := &fakeRebalancer{drifts: map[string]float64{"a": 10}}
	job := NewDriftMonitorJob(
		&fakeLister{indexes: []*domain.Index{activeIndex("a", domain.MethodDrift, nil)}},
		rb, &eventSink{}, time.Second, zerolog.Nop())

	require.NoError(t, job.Run())
	require.Len(t, rb.rebalanced, 1)
	assert.Equal(t, []string{index.TriggerDriftMonitor}, rb.triggers)
}

func TestSchedulerTracksJobStatus(t *testing.T) {
	s := New(zerolog.Nop())

	okJob := &scriptedJob{name: "ok"}
	require.NoError(t, s.AddJob("@every 1h", okJob))

	failing := &scriptedJob{name: "failing", err: errors.New("boom")}
	require.NoError(t, s.AddJob("@every 1h", failing))

	require.NoError(t, s.RunNow(okJob))
	assert.Error(t, s.RunNow(failing))

	statuses := s.Statuses()
	require.Len(t, statuses, 2)

	assert.Equal(t, "ok", statuses[0].Name)
	assert.Equal(t, 1, statuses[0].Runs)
	assert.Empty(t, statuses[0].LastError)
	assert.NotNil(t, statuses[0].LastRun)

	assert.Equal(t, "failing", statuses[1].Name)
	assert.Equal(t, "boom", statuses[1].LastError)
}

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	s := New(zerolog.Nop())
	assert.Error(t, s.AddJob("not a schedule", &scriptedJob{name: "x"}))
}

type scriptedJob struct {
	name string
	err  error
	runs int
}

func (j *scriptedJob) Run() error {
	j.runs++
	return j.err
}

func (j *scriptedJob) Name() string { return j.name }
