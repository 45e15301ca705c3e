package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/contract-discovery/internal/checkpoint"
	"github.com/smartdevs17/contract-discovery/internal/config"
	"github.com/smartdevs17/contract-discovery/internal/connection"
	"github.com/smartdevs17/contract-discovery/internal/metrics"
	"github.com/smartdevs17/contract-discovery/internal/models"
	"github.com/smartdevs17/contract-discovery/internal/orchestrator"
	"github.com/smartdevs17/contract-discovery/internal/storage"
)

type staticTasks []orchestrator.TaskStatus

func (s staticTasks) Status() []orchestrator.TaskStatus { return s }

type staticConnections map[models.Chain]connection.ConnectionStats

func (s staticConnections) Stats() map[models.Chain]connection.ConnectionStats { return s }

func newTestServer(t *testing.T, connections staticConnections) (*HTTPServer, storage.Storage, checkpoint.Store) {
	t.Helper()
	ctx := context.Background()

	repo, err := storage.NewStorage(&config.StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "contracts.db"),
		MaxConnections:   2,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, repo.Connect())
	require.NoError(t, repo.Migrate())
	t.Cleanup(func() { repo.Close() })

	store := checkpoint.NewDatabaseStore(repo)
	server := NewHTTPServer(&ServerConfig{
		EnableHealth:  true,
		EnableMetrics: true,
		Version:       "test",
	}, Dependencies{
		Storage:     repo,
		Checkpoints: store,
		Tasks:       staticTasks{{Name: "scanner:eth", Runs: 2}},
		Connections: connections,
		Metrics:     metrics.NewManager(),
		Chains:      []models.Chain{models.ChainEthereum, models.ChainOptimism},
	})

	_, err = repo.InsertAddresses(ctx, models.ChainEthereum, []string{
		"0x00000000000000000000000000000000000000a1",
		"0x00000000000000000000000000000000000000a2",
	}, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	return server, repo, store
}

func get(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealth(t *testing.T) {
	server, _, _ := newTestServer(t, nil)

	rec := get(t, server.Handler(), "/api/v1/health")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestDetailedHealthReportsUnhealthyConnection(t *testing.T) {
	server, _, _ := newTestServer(t, staticConnections{
		models.ChainEthereum: {Chain: "ETH", IsHealthy: false},
	})

	rec := get(t, server.Handler(), "/api/v1/health/detailed")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "degraded", body["status"])
	components := body["components"].(map[string]interface{})
	assert.Contains(t, components, "storage")
	assert.Contains(t, components, "connections")
	assert.Contains(t, components, "tasks")
}

func TestStatusReportsCheckpointsPerChain(t *testing.T) {
	server, _, store := newTestServer(t, nil)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, checkpoint.ScannerKey(models.ChainEthereum), "19000000"))
	require.NoError(t, store.Save(ctx, checkpoint.PipelineKey(models.ChainEthereum),
		"2024-03-01T12:00:00Z|0x00000000000000000000000000000000000000a1"))

	rec := get(t, server.Handler(), "/api/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Chains []ChainStatus             `json:"chains"`
		Tasks  []orchestrator.TaskStatus `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Chains, 2)

	eth := body.Chains[0]
	assert.Equal(t, "ETH", eth.Chain)
	require.NotNil(t, eth.ScannerBlock)
	assert.Equal(t, "19000000", *eth.ScannerBlock)
	assert.Equal(t, int64(2), eth.Addresses)
	require.NotNil(t, eth.LatestEnriched)
	assert.True(t, eth.LatestEnriched.Equal(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)))

	opt := body.Chains[1]
	assert.Nil(t, opt.ScannerBlock)
	assert.Nil(t, opt.PipelineCursor)
	assert.Zero(t, opt.Addresses)

	require.Len(t, body.Tasks, 1)
	assert.Equal(t, "scanner:eth", body.Tasks[0].Name)
}

func TestCheckpointEndpoint(t *testing.T) {
	server, _, store := newTestServer(t, nil)
	require.NoError(t, store.Save(context.Background(), checkpoint.ScannerKey(models.ChainEthereum), "42"))

	rec := get(t, server.Handler(), "/api/v1/checkpoints/eth")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "42", decode(t, rec)["scanner_block"])

	rec = get(t, server.Handler(), "/api/v1/checkpoints/eth?format=text")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "42", rec.Body.String())
}

func TestCheckpointEndpointUnknownChain(t *testing.T) {
	server, _, _ := newTestServer(t, nil)

	assert.Equal(t, http.StatusNotFound, get(t, server.Handler(), "/api/v1/checkpoints/doge").Code)
	// known chain that is not monitored
	assert.Equal(t, http.StatusNotFound, get(t, server.Handler(), "/api/v1/checkpoints/bsc").Code)
}

func TestMetricsRecordRouteTemplate(t *testing.T) {
	server, _, _ := newTestServer(t, nil)

	get(t, server.Handler(), "/api/v1/checkpoints/eth")
	rec := get(t, server.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "discovery_http_requests_total")
	assert.Contains(t, string(body), `/api/v1/checkpoints/{chain}`)
}

func TestCORSPreflight(t *testing.T) {
	server, _, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/v1/status", nil))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
