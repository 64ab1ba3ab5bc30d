package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptoindex/rebalancer/internal/config"
	"github.com/cryptoindex/rebalancer/internal/database"
	"github.com/cryptoindex/rebalancer/internal/scheduler"
)

func newTestServer(t *testing.T) (*Server, *database.DB, *database.DB) {
	t.Helper()

	indexDB, err := database.NewInMemory("index")
	require.NoError(t, err)
	t.Cleanup(func() { indexDB.Close() })

	ledgerDB, err := database.NewInMemory("ledger")
	require.NoError(t, err)
	t.Cleanup(func() { ledgerDB.Close() })

	srv := New(Config{
		Log:       zerolog.Nop(),
		Cfg:       &config.Config{Port: 0, DevMode: true},
		IndexDB:   indexDB,
		LedgerDB:  ledgerDB,
		Scheduler: scheduler.New(zerolog.Nop()),
	})
	return srv, indexDB, ledgerDB
}

func TestHealthReportsHealthyDatabases(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status    string            `json:"status"`
		Databases map[string]string `json:"databases"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "ok", body.Databases["index"])
	assert.Equal(t, "ok", body.Databases["ledger"])
}

func TestHealthDegradesOnBrokenDatabase(t *testing.T) {
	srv, _, ledgerDB := newTestServer(t)
	require.NoError(t, ledgerDB.Close())

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status    string            `json:"status"`
		Databases map[string]string `json:"databases"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "unhealthy", body.Databases["ledger"])
	assert.Equal(t, "ok", body.Databases["index"])
}
