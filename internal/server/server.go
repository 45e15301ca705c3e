// File: internal/server/server.go
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/contract-discovery/internal/checkpoint"
	"github.com/smartdevs17/contract-discovery/internal/connection"
	"github.com/smartdevs17/contract-discovery/internal/metrics"
	"github.com/smartdevs17/contract-discovery/internal/models"
	"github.com/smartdevs17/contract-discovery/internal/orchestrator"
	"github.com/smartdevs17/contract-discovery/internal/storage"
	"github.com/smartdevs17/contract-discovery/pkg/utils"
)

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port          int           `json:"port"`
	Host          string        `json:"host"`
	ReadTimeout   time.Duration `json:"read_timeout"`
	WriteTimeout  time.Duration `json:"write_timeout"`
	EnableMetrics bool          `json:"enable_metrics"`
	EnableHealth  bool          `json:"enable_health"`
	Version       string        `json:"version"`
}

// TaskReporter reports loop state
type TaskReporter interface {
	Status() []orchestrator.TaskStatus
}

// ConnectionReporter reports chain session state
type ConnectionReporter interface {
	Stats() map[models.Chain]connection.ConnectionStats
}

// Dependencies are the components the server reports on. Nil members are
// left out of the responses.
type Dependencies struct {
	Storage     storage.Storage
	Checkpoints checkpoint.Store
	Tasks       TaskReporter
	Connections ConnectionReporter
	Metrics     *metrics.Manager
	Chains      []models.Chain
}

// HTTPServer serves health, status and metrics
type HTTPServer struct {
	config         *ServerConfig
	server         *http.Server
	router         *mux.Router
	deps           Dependencies
	metricsManager *metrics.Manager
	logger         *logrus.Entry
	startTime      time.Time
	stop           chan struct{}
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(config *ServerConfig, deps Dependencies) *HTTPServer {
	server := &HTTPServer{
		config:         config,
		deps:           deps,
		metricsManager: deps.Metrics,
		logger:         utils.ComponentLogger("http_server"),
		startTime:      time.Now(),
		stop:           make(chan struct{}),
	}

	server.setupRouter()

	server.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      server.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return server
}

// Handler returns the router
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// setupRouter sets up the HTTP routes
func (s *HTTPServer) setupRouter() {
	s.router = mux.NewRouter()

	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.corsMiddleware)
	if s.metricsManager != nil {
		s.router.Use(s.metricsMiddleware)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()

	if s.config.EnableHealth {
		api.HandleFunc("/health", s.healthHandler).Methods("GET", "OPTIONS")
		api.HandleFunc("/health/detailed", s.detailedHealthHandler).Methods("GET", "OPTIONS")
	}

	if s.config.EnableMetrics && s.metricsManager != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.metricsManager.Gatherer(), promhttp.HandlerOpts{}))
	}

	api.HandleFunc("/status", s.statusHandler).Methods("GET", "OPTIONS")
	api.HandleFunc("/checkpoints/{chain}", s.checkpointHandler).Methods("GET", "OPTIONS")
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.logger.WithFields(logrus.Fields{
		"address":         s.server.Addr,
		"metrics_enabled": s.config.EnableMetrics,
	}).Info("Starting HTTP server")

	if s.metricsManager != nil {
		s.updateComponentMetrics()
		go s.systemMetricsUpdater()
	}

	errChan := make(chan error, 1)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server error")
			errChan <- err
		}
	}()

	// Give the server a moment to report binding errors
	select {
	case err := <-errChan:
		return fmt.Errorf("failed to start HTTP server: %w", err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// systemMetricsUpdater updates system metrics periodically
func (s *HTTPServer) systemMetricsUpdater() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.updateComponentMetrics()
		}
	}
}

func (s *HTTPServer) updateComponentMetrics() {
	s.metricsManager.UpdateSystemMetrics()
	prom := s.metricsManager.GetPrometheusMetrics()

	if s.deps.Storage != nil {
		prom.UpdateComponentHealth("storage", s.deps.Storage.GetHealth().Healthy)
	}
	if s.deps.Connections != nil {
		for chain, stats := range s.deps.Connections.Stats() {
			prom.UpdateComponentHealth("rpc:"+chain.Key(), stats.IsHealthy)
		}
	}
}

// Stop stops the HTTP server
func (s *HTTPServer) Stop() error {
	s.logger.Info("Stopping HTTP server")
	close(s.stop)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// healthHandler returns basic health status
func (s *HTTPServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if s.deps.Storage != nil && !s.deps.Storage.GetHealth().Healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}

	s.writeJSON(w, code, map[string]interface{}{
		"status":          status,
		"timestamp":       time.Now().UTC().Format(time.RFC3339Nano),
		"version":         s.config.Version,
		"uptime":          time.Since(s.startTime).String(),
		"metrics_enabled": s.config.EnableMetrics,
	})
}

// detailedHealthHandler returns the health of every component
func (s *HTTPServer) detailedHealthHandler(w http.ResponseWriter, r *http.Request) {
	healthy := true
	components := map[string]interface{}{}

	if s.deps.Storage != nil {
		health := s.deps.Storage.GetHealth()
		healthy = healthy && health.Healthy
		components["storage"] = health
	}
	if s.deps.Connections != nil {
		connections := map[string]connection.ConnectionStats{}
		for chain, stats := range s.deps.Connections.Stats() {
			healthy = healthy && stats.IsHealthy
			connections[chain.String()] = stats
		}
		components["connections"] = connections
	}
	if s.deps.Tasks != nil {
		components["tasks"] = s.deps.Tasks.Status()
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	s.writeJSON(w, code, map[string]interface{}{
		"status":     status,
		"timestamp":  time.Now().UTC(),
		"version":    s.config.Version,
		"components": components,
	})
}

// ChainStatus is the progress of one chain
type ChainStatus struct {
	Chain          string     `json:"chain"`
	ScannerBlock   *string    `json:"scanner_block,omitempty"`
	PipelineCursor *string    `json:"pipeline_cursor,omitempty"`
	Addresses      int64      `json:"addresses"`
	LatestEnriched *time.Time `json:"latest_enriched_discovery,omitempty"`
}

// statusHandler returns checkpoints and counts per chain
func (s *HTTPServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	chains := make([]ChainStatus, 0, len(s.deps.Chains))
	for _, chain := range s.deps.Chains {
		status, err := s.chainStatus(ctx, chain)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "Failed to read chain status", err)
			return
		}
		chains = append(chains, *status)
	}

	resp := map[string]interface{}{
		"timestamp": time.Now().UTC(),
		"chains":    chains,
	}
	if s.deps.Storage != nil {
		stats, err := s.deps.Storage.GetStorageStats(ctx)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "Failed to retrieve storage stats", err)
			return
		}
		resp["storage"] = stats
	}
	if s.deps.Tasks != nil {
		resp["tasks"] = s.deps.Tasks.Status()
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// checkpointHandler returns the checkpoints of one chain
func (s *HTTPServer) checkpointHandler(w http.ResponseWriter, r *http.Request) {
	chain, err := models.ParseChain(mux.Vars(r)["chain"])
	if err != nil || !s.monitors(chain) {
		s.writeError(w, http.StatusNotFound, "Unknown chain", err)
		return
	}

	status, err := s.chainStatus(r.Context(), chain)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to read checkpoints", err)
		return
	}

	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if status.ScannerBlock != nil {
			w.Write([]byte(*status.ScannerBlock))
		}
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *HTTPServer) chainStatus(ctx context.Context, chain models.Chain) (*ChainStatus, error) {
	status := &ChainStatus{Chain: chain.String()}

	if s.deps.Checkpoints != nil {
		if value, found, err := s.deps.Checkpoints.Load(ctx, checkpoint.ScannerKey(chain)); err != nil {
			return nil, err
		} else if found {
			status.ScannerBlock = &value
		}

		if value, found, err := s.deps.Checkpoints.Load(ctx, checkpoint.PipelineKey(chain)); err != nil {
			return nil, err
		} else if found {
			status.PipelineCursor = &value
			if cursor, err := models.ParseCursor(value); err == nil && !cursor.IsZero() {
				status.LatestEnriched = &cursor.DiscoveredAt
			}
		}
	}

	if s.deps.Storage != nil {
		count, err := s.deps.Storage.CountAddresses(ctx, chain)
		if err != nil {
			return nil, err
		}
		status.Addresses = count
	}
	return status, nil
}

func (s *HTTPServer) monitors(chain models.Chain) bool {
	for _, c := range s.deps.Chains {
		if c == chain {
			return true
		}
	}
	return false
}

// writeJSON writes a JSON response
func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

// writeError writes an error response
func (s *HTTPServer) writeError(w http.ResponseWriter, status int, message string, err error) {
	errorResponse := map[string]interface{}{
		"error":     message,
		"status":    status,
		"timestamp": time.Now().UTC(),
	}

	if err != nil {
		errorResponse["details"] = err.Error()
		s.logger.WithFields(logrus.Fields{
			"status":  status,
			"message": message,
		}).WithError(err).Warn("HTTP error")
	}

	s.writeJSON(w, status, errorResponse)
}
