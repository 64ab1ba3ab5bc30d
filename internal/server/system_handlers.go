package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/cryptoindex/rebalancer/internal/database"
	"github.com/cryptoindex/rebalancer/internal/modules/pricing"
	"github.com/cryptoindex/rebalancer/internal/scheduler"
)

var startTime = time.Now()

// SystemHandlers serves health and operational endpoints
type SystemHandlers struct {
	log          zerolog.Logger
	indexDB      *database.DB
	ledgerDB     *database.DB
	pricing      *pricing.Service
	sched        *scheduler.Scheduler
	driftMonitor scheduler.Job
}

// NewSystemHandlers creates system handlers
func NewSystemHandlers(
	log zerolog.Logger,
	indexDB, ledgerDB *database.DB,
	pricingSvc *pricing.Service,
	sched *scheduler.Scheduler,
	driftMonitor scheduler.Job,
) *SystemHandlers {
	return &SystemHandlers{
		log:          log.With().Str("handler", "system").Logger(),
		indexDB:      indexDB,
		ledgerDB:     ledgerDB,
		pricing:      pricingSvc,
		sched:        sched,
		driftMonitor: driftMonitor,
	}
}

// HandleHealth handles GET /health
func (h *SystemHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	databases := map[string]string{}

	for name, db := range map[string]*database.DB{"index": h.indexDB, "ledger": h.ledgerDB} {
		if db == nil {
			continue
		}
		if err := db.HealthCheck(r.Context()); err != nil {
			h.log.Error().Err(err).Str("database", name).Msg("Database health check failed")
			databases[name] = "unhealthy"
			status = "degraded"
		} else {
			databases[name] = "ok"
		}
	}

	cpuPct, memPct := h.systemUsage()

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         status,
		"uptime_seconds": int(time.Since(startTime).Seconds()),
		"databases":      databases,
		"cpu_percent":    cpuPct,
		"memory_percent": memPct,
	})
}

// systemUsage samples CPU briefly so the endpoint stays fast
func (h *SystemHandlers) systemUsage() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to read CPU usage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to read memory usage")
		return cpuPercent[0], 0
	}

	avg := 0.0
	if len(cpuPercent) > 0 {
		avg = cpuPercent[0]
	}
	return avg, memStat.UsedPercent
}

// HandleListAssets handles GET /api/assets
func (h *SystemHandlers) HandleListAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := h.pricing.ListAssets(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list assets")
		http.Error(w, "Failed to list assets", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(assets)
}

// HandleJobsStatus handles GET /api/system/jobs
func (h *SystemHandlers) HandleJobsStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.sched.Statuses())
}

// HandleTriggerDriftMonitor handles POST /api/system/jobs/drift-monitor/run
func (h *SystemHandlers) HandleTriggerDriftMonitor(w http.ResponseWriter, r *http.Request) {
	if h.driftMonitor == nil {
		http.Error(w, "Drift monitor not registered", http.StatusServiceUnavailable)
		return
	}

	h.log.Info().Msg("Manual drift monitor sweep triggered")
	if err := h.sched.RunNow(h.driftMonitor); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "completed"})
}
