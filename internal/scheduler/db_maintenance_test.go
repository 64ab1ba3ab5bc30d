package scheduler

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/cryptoindex/rebalancer/internal/database"
)

func TestDBMaintenanceChecksEveryDatabase(t *testing.T) {
	indexDB, err := database.NewInMemory("index")
	require.NoError(t, err)
	defer indexDB.Close()

	ledgerDB, err := database.NewInMemory("ledger")
	require.NoError(t, err)
	defer ledgerDB.Close()

	job := NewDBMaintenanceJob([]*database.DB{indexDB, ledgerDB}, zerolog.Nop())
	require.Equal(t, "db_maintenance", job.Name())
	require.NoError(t, job.Run())
}

func TestDBMaintenanceReportsClosedDatabase(t *testing.T) {
	db, err := database.NewInMemory("index")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	job := NewDBMaintenanceJob([]*database.DB{db}, zerolog.Nop())
	require.Error(t, job.Run())
}
