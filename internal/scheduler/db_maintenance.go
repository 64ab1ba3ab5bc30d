package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cryptoindex/rebalancer/internal/database"
)

// DBMaintenanceJob checkpoints the WAL and verifies integrity of every
// registered database. Runs nightly so WAL files never grow unbounded.
type DBMaintenanceJob struct {
	databases []*database.DB
	log       zerolog.Logger
}

// NewDBMaintenanceJob creates a maintenance job over the given databases.
func NewDBMaintenanceJob(databases []*database.DB, log zerolog.Logger) *DBMaintenanceJob {
	return &DBMaintenanceJob{
		databases: databases,
		log:       log.With().Str("job", "db_maintenance").Logger(),
	}
}

func (j *DBMaintenanceJob) Name() string {
	return "db_maintenance"
}

func (j *DBMaintenanceJob) Run() error {
	started := time.Now()

	for _, db := range j.databases {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := db.HealthCheck(ctx)
		cancel()
		if err != nil {
			j.log.Error().Str("database", db.Name()).Err(err).Msg("Integrity check failed")
			return err
		}

		// Checkpoint failure is not fatal, the next run will retry
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			j.log.Warn().Str("database", db.Name()).Err(err).Msg("WAL checkpoint failed")
		}
	}

	j.log.Info().
		Int("databases", len(j.databases)).
		Dur("duration", time.Since(started)).
		Msg("Maintenance completed")
	return nil
}
