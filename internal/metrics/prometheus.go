package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics contains all Prometheus metrics for contract discovery.
// A nil *PrometheusMetrics records nothing.
type PrometheusMetrics struct {
	// Scanner metrics
	BlocksScannedTotal      *prometheus.CounterVec
	ContractsDiscovered     *prometheus.CounterVec
	BlockProcessingDuration *prometheus.HistogramVec
	ScannerCheckpoint       *prometheus.GaugeVec
	ChainHead               *prometheus.GaugeVec

	// Pipeline metrics
	ContractsEnrichedTotal *prometheus.CounterVec
	EnrichmentDuration     *prometheus.HistogramVec
	SubFetchFailuresTotal  *prometheus.CounterVec
	PartialEnrichments     *prometheus.CounterVec
	PipelineBacklog        *prometheus.GaugeVec

	// Provider metrics
	ThrottleEventsTotal   *prometheus.CounterVec
	ProviderRequestsTotal *prometheus.CounterVec
	ProviderDuration      *prometheus.HistogramVec
	ConnectionErrorsTotal *prometheus.CounterVec
	RPCRequestsTotal      *prometheus.CounterVec

	// Storage metrics
	DatabaseOperationsTotal   *prometheus.CounterVec
	DatabaseOperationDuration *prometheus.HistogramVec
	DatabaseReconnectsTotal   prometheus.Counter

	// Loop metrics
	LoopCyclesTotal *prometheus.CounterVec
	LoopErrorsTotal *prometheus.CounterVec

	// API metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Application health metrics
	ApplicationUptime prometheus.Gauge
	ComponentHealth   *prometheus.GaugeVec
	MemoryUsage       prometheus.Gauge
	GoroutineCount    prometheus.Gauge
}

// NewPrometheusMetrics creates all metrics on the given registerer.
// A nil registerer uses the default registry.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &PrometheusMetrics{
		BlocksScannedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_blocks_scanned_total",
				Help: "Total number of blocks fully scanned",
			},
			[]string{"chain"},
		),

		ContractsDiscovered: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_contracts_discovered_total",
				Help: "Total number of new contract addresses stored",
			},
			[]string{"chain"},
		),

		BlockProcessingDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "discovery_block_processing_duration_seconds",
				Help:    "Time spent scanning individual blocks",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"chain"},
		),

		ScannerCheckpoint: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "discovery_scanner_checkpoint_block",
				Help: "Last fully scanned block",
			},
			[]string{"chain"},
		),

		ChainHead: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "discovery_chain_head_block",
				Help: "Latest block reported by the chain provider",
			},
			[]string{"chain"},
		),

		ContractsEnrichedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_contracts_enriched_total",
				Help: "Total number of enrichment records persisted",
			},
			[]string{"chain", "verified"},
		),

		EnrichmentDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "discovery_enrichment_duration_seconds",
				Help:    "Time spent enriching individual contracts",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"chain"},
		),

		SubFetchFailuresTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_subfetch_failures_total",
				Help: "Enrichment fields that fell back to their default",
			},
			[]string{"chain", "field"},
		),

		PartialEnrichments: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_partial_enrichments_total",
				Help: "Enrichment records stored with at least one field at its default",
			},
			[]string{"chain", "kind"},
		),

		PipelineBacklog: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "discovery_pipeline_backlog",
				Help: "Contracts awaiting enrichment at the start of the cycle",
			},
			[]string{"chain"},
		),

		ThrottleEventsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_throttle_events_total",
				Help: "Rate limit responses received from providers",
			},
			[]string{"provider", "operation"},
		),

		ProviderRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_provider_requests_total",
				Help: "Requests made to external providers",
			},
			[]string{"provider", "operation", "status"},
		),

		ProviderDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "discovery_provider_request_duration_seconds",
				Help:    "Duration of external provider requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider", "operation"},
		),

		ConnectionErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_connection_errors_total",
				Help: "Total number of connection errors to chain nodes",
			},
			[]string{"endpoint", "error_type"},
		),

		RPCRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_rpc_requests_total",
				Help: "Total number of RPC requests made to chain nodes",
			},
			[]string{"chain", "method", "status"},
		),

		DatabaseOperationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_database_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		DatabaseOperationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "discovery_database_operation_duration_seconds",
				Help:    "Duration of database operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		DatabaseReconnectsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "discovery_database_reconnects_total",
				Help: "Reconnects performed after transient database errors",
			},
		),

		LoopCyclesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_loop_cycles_total",
				Help: "Completed loop cycles",
			},
			[]string{"task", "status"},
		),

		LoopErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_loop_errors_total",
				Help: "Loop cycle failures by error kind",
			},
			[]string{"task", "kind"},
		),

		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_http_requests_total",
				Help: "Total number of HTTP requests to the API",
			},
			[]string{"method", "path", "status"},
		),

		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "discovery_http_request_duration_seconds",
				Help:    "Duration of HTTP requests to the API",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		ApplicationUptime: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "discovery_application_uptime_seconds",
				Help: "Application uptime in seconds",
			},
		),

		ComponentHealth: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "discovery_component_health",
				Help: "Health status of application components (1 = healthy, 0 = unhealthy)",
			},
			[]string{"component"},
		),

		MemoryUsage: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "discovery_memory_usage_bytes",
				Help: "Current memory usage in bytes",
			},
		),

		GoroutineCount: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "discovery_goroutines_count",
				Help: "Current number of goroutines",
			},
		),
	}
}

// RecordBlockScanned records a fully scanned block
func (m *PrometheusMetrics) RecordBlockScanned(chain string, discovered int, duration time.Duration) {
	if m == nil {
		return
	}
	m.BlocksScannedTotal.WithLabelValues(chain).Inc()
	m.ContractsDiscovered.WithLabelValues(chain).Add(float64(discovered))
	m.BlockProcessingDuration.WithLabelValues(chain).Observe(duration.Seconds())
}

// UpdateScannerCheckpoint updates the scanner checkpoint gauge
func (m *PrometheusMetrics) UpdateScannerCheckpoint(chain string, block uint64) {
	if m == nil {
		return
	}
	m.ScannerCheckpoint.WithLabelValues(chain).Set(float64(block))
}

// UpdateChainHead updates the chain head gauge
func (m *PrometheusMetrics) UpdateChainHead(chain string, block uint64) {
	if m == nil {
		return
	}
	m.ChainHead.WithLabelValues(chain).Set(float64(block))
}

// RecordContractEnriched records a persisted enrichment record
func (m *PrometheusMetrics) RecordContractEnriched(chain string, verified bool, duration time.Duration) {
	if m == nil {
		return
	}
	v := "false"
	if verified {
		v = "true"
	}
	m.ContractsEnrichedTotal.WithLabelValues(chain, v).Inc()
	m.EnrichmentDuration.WithLabelValues(chain).Observe(duration.Seconds())
}

// RecordSubFetchFailure records a field that fell back to its default
func (m *PrometheusMetrics) RecordSubFetchFailure(chain, field string) {
	if m == nil {
		return
	}
	m.SubFetchFailuresTotal.WithLabelValues(chain, field).Inc()
}

// RecordPartialEnrichment counts a degraded record by error kind
func (m *PrometheusMetrics) RecordPartialEnrichment(chain, kind string) {
	if m == nil {
		return
	}
	m.PartialEnrichments.WithLabelValues(chain, kind).Inc()
}

// UpdatePipelineBacklog updates the pending contract gauge
func (m *PrometheusMetrics) UpdatePipelineBacklog(chain string, pending int) {
	if m == nil {
		return
	}
	m.PipelineBacklog.WithLabelValues(chain).Set(float64(pending))
}

// RecordThrottle records a rate limit response
func (m *PrometheusMetrics) RecordThrottle(provider, operation string) {
	if m == nil {
		return
	}
	m.ThrottleEventsTotal.WithLabelValues(provider, operation).Inc()
}

// RecordProviderRequest records an outbound provider request
func (m *PrometheusMetrics) RecordProviderRequest(provider, operation, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ProviderRequestsTotal.WithLabelValues(provider, operation, status).Inc()
	m.ProviderDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// RecordConnectionError records a connection error
func (m *PrometheusMetrics) RecordConnectionError(endpoint, errorType string) {
	if m == nil {
		return
	}
	m.ConnectionErrorsTotal.WithLabelValues(endpoint, errorType).Inc()
}

// RecordRPCRequest records an RPC request
func (m *PrometheusMetrics) RecordRPCRequest(chain, method, status string) {
	if m == nil {
		return
	}
	m.RPCRequestsTotal.WithLabelValues(chain, method, status).Inc()
}

// RecordDatabaseOperation records a database operation
func (m *PrometheusMetrics) RecordDatabaseOperation(operation, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DatabaseOperationsTotal.WithLabelValues(operation, status).Inc()
	m.DatabaseOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordDatabaseReconnect records a reconnect after a transient error
func (m *PrometheusMetrics) RecordDatabaseReconnect() {
	if m == nil {
		return
	}
	m.DatabaseReconnectsTotal.Inc()
}

// RecordLoopCycle records the outcome of one loop iteration
func (m *PrometheusMetrics) RecordLoopCycle(task, status string) {
	if m == nil {
		return
	}
	m.LoopCyclesTotal.WithLabelValues(task, status).Inc()
}

// RecordLoopError records a failed loop iteration by error kind
func (m *PrometheusMetrics) RecordLoopError(task, kind string) {
	if m == nil {
		return
	}
	m.LoopErrorsTotal.WithLabelValues(task, kind).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *PrometheusMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// UpdateApplicationUptime updates the application uptime
func (m *PrometheusMetrics) UpdateApplicationUptime(startTime time.Time) {
	if m == nil {
		return
	}
	m.ApplicationUptime.Set(time.Since(startTime).Seconds())
}

// UpdateComponentHealth updates the health status of a component
func (m *PrometheusMetrics) UpdateComponentHealth(component string, healthy bool) {
	if m == nil {
		return
	}
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.ComponentHealth.WithLabelValues(component).Set(value)
}

// UpdateMemoryUsage updates the memory usage metric
func (m *PrometheusMetrics) UpdateMemoryUsage(bytes uint64) {
	if m == nil {
		return
	}
	m.MemoryUsage.Set(float64(bytes))
}

// UpdateGoroutineCount updates the goroutine count metric
func (m *PrometheusMetrics) UpdateGoroutineCount(count int) {
	if m == nil {
		return
	}
	m.GoroutineCount.Set(float64(count))
}
