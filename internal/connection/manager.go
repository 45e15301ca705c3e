package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/contract-discovery/internal/config"
	"github.com/smartdevs17/contract-discovery/internal/fetcher"
	"github.com/smartdevs17/contract-discovery/internal/metrics"
	"github.com/smartdevs17/contract-discovery/internal/models"
	"github.com/smartdevs17/contract-discovery/pkg/utils"
)

const healthCheckInterval = time.Minute

// Manager owns the RPC session of one chain, failing over between the
// primary and backup node URLs
type Manager struct {
	config       config.ChainConfig
	chain        models.Chain
	urls         []string
	currentIndex int
	client       *ethclient.Client
	mu           sync.RWMutex
	logger       *logrus.Entry
	metrics      *metrics.PrometheusMetrics

	stats           ConnectionStats
	lastHealthCheck time.Time
	isHealthy       bool
}

// ConnectionStats holds connection statistics
type ConnectionStats struct {
	Chain           string    `json:"chain"`
	TotalRequests   uint64    `json:"total_requests"`
	FailedRequests  uint64    `json:"failed_requests"`
	Reconnects      uint64    `json:"reconnects"`
	CurrentURL      string    `json:"current_url"`
	LastConnectedAt time.Time `json:"last_connected_at"`
	LastHealthCheck time.Time `json:"last_health_check"`
	IsHealthy       bool      `json:"is_healthy"`
	NetworkID       uint64    `json:"network_id"`
	LatestBlock     uint64    `json:"latest_block"`
}

// NewManager creates a connection manager for one chain
func NewManager(cfg config.ChainConfig, m *metrics.PrometheusMetrics) *Manager {
	urls := []string{cfg.NodeURL}
	urls = append(urls, cfg.BackupNodes...)

	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	return &Manager{
		config:  cfg,
		chain:   cfg.Name,
		urls:    urls,
		logger:  utils.ComponentLogger("connection").WithField("chain", cfg.Name.String()),
		metrics: m,
		stats: ConnectionStats{
			Chain:      cfg.Name.String(),
			CurrentURL: cfg.NodeURL,
		},
	}
}

// Chain returns the chain served by the manager
func (cm *Manager) Chain() models.Chain {
	return cm.chain
}

// Connect establishes the session and verifies the network ID
func (cm *Manager) Connect(ctx context.Context) error {
	if _, err := cm.connect(ctx); err != nil {
		return err
	}
	return cm.HealthCheck(ctx)
}

// GetClient returns the current client, reconnecting when the last health
// check is stale and fails
func (cm *Manager) GetClient(ctx context.Context) (*ethclient.Client, error) {
	cm.mu.RLock()
	client := cm.client
	lastCheck := cm.lastHealthCheck
	healthy := cm.isHealthy
	cm.mu.RUnlock()

	if client == nil {
		return cm.connect(ctx)
	}

	if !healthy || time.Since(lastCheck) > healthCheckInterval {
		if err := cm.quickHealthCheck(ctx, client); err != nil {
			if fetcher.IsThrottle(err) || ctx.Err() != nil {
				return nil, err
			}
			cm.logger.WithError(err).Warn("Client health check failed, reconnecting")
			return cm.reconnect(ctx)
		}
		cm.mu.Lock()
		cm.lastHealthCheck = time.Now()
		cm.isHealthy = true
		cm.mu.Unlock()
	}

	return client, nil
}

// connect establishes a new connection
func (cm *Manager) connect(ctx context.Context) (*ethclient.Client, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	urls := cm.getAllURLs()
	var throttled error

	for attempt := 0; attempt < cm.config.RetryAttempts; attempt++ {
		for _, url := range urls {
			log := cm.logger.WithField("url", url).WithField("attempt", attempt+1)
			log.Info("Attempting connection")

			client, err := cm.dialWithTimeout(ctx, url)
			if err != nil {
				log.WithError(err).Warn("Connection failed")
				cm.stats.FailedRequests++
				cm.metrics.RecordConnectionError(url, "dial_failed")
				continue
			}

			if err := cm.quickHealthCheck(ctx, client); err != nil {
				client.Close()
				if fetcher.IsThrottle(err) {
					log.WithError(err).Warn("Node rate limited the health check")
					cm.metrics.RecordRPCRequest(cm.chain.String(), "net_version", "throttled")
					throttled = err
					continue
				}
				log.WithError(err).Warn("Health check failed after connection")
				cm.stats.FailedRequests++
				cm.metrics.RecordConnectionError(url, "health_check_failed")
				continue
			}

			cm.client = client
			cm.currentIndex = indexOf(cm.urls, url)
			cm.stats.CurrentURL = url
			cm.stats.LastConnectedAt = time.Now()
			cm.isHealthy = true
			cm.lastHealthCheck = time.Now()

			log.Info("Connected to chain node")
			return client, nil
		}

		if attempt < cm.config.RetryAttempts-1 {
			if err := utils.Sleep(ctx, cm.config.RetryDelay); err != nil {
				return nil, err
			}
		}
	}

	if throttled != nil {
		return nil, utils.WrapError(utils.KindThrottled, utils.ErrCodeRateLimited,
			fmt.Sprintf("Every %s node is rate limiting", cm.chain), throttled)
	}
	return nil, utils.NewAppError(utils.ErrCodeConnection,
		fmt.Sprintf("Failed to connect to any %s node", cm.chain),
		"All connection attempts exhausted")
}

// failure classifies an RPC error of the session checks
func failure(message string, err error) error {
	if fetcher.IsThrottle(err) {
		return utils.WrapError(utils.KindThrottled, utils.ErrCodeRateLimited, message, err)
	}
	return utils.WrapError(utils.KindFatal, utils.ErrCodeConnection, message, err)
}

// reconnect drops the current client and connects again
func (cm *Manager) reconnect(ctx context.Context) (*ethclient.Client, error) {
	cm.mu.Lock()
	if cm.client != nil {
		cm.client.Close()
		cm.client = nil
	}
	cm.isHealthy = false
	cm.stats.Reconnects++
	cm.mu.Unlock()

	return cm.connect(ctx)
}

func (cm *Manager) dialWithTimeout(ctx context.Context, url string) (*ethclient.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.config.RequestTimeout)
	defer cancel()

	return ethclient.DialContext(dialCtx, url)
}

func (cm *Manager) quickHealthCheck(ctx context.Context, client *ethclient.Client) error {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := client.NetworkID(checkCtx)
	return err
}

// HealthCheck verifies the network ID and reads the chain head
func (cm *Manager) HealthCheck(ctx context.Context) error {
	client, err := cm.GetClient(ctx)
	if err != nil {
		cm.markUnhealthy()
		return err
	}

	networkID, err := client.NetworkID(ctx)
	if err != nil {
		cm.markUnhealthy()
		return failure("Failed to get network ID", err)
	}

	if expected := cm.config.Info().NetworkID; expected != 0 && networkID.Uint64() != uint64(expected) {
		cm.markUnhealthy()
		return utils.NewAppError(utils.ErrCodeConnection, "Network ID mismatch",
			fmt.Sprintf("expected %d, got %d", expected, networkID.Uint64()))
	}

	blockNumber, err := client.BlockNumber(ctx)
	if err != nil {
		cm.markUnhealthy()
		return failure("Failed to get latest block", err)
	}

	cm.mu.Lock()
	cm.stats.NetworkID = networkID.Uint64()
	cm.stats.LatestBlock = blockNumber
	cm.stats.LastHealthCheck = time.Now()
	cm.stats.IsHealthy = true
	cm.lastHealthCheck = time.Now()
	cm.isHealthy = true
	url := cm.stats.CurrentURL
	cm.mu.Unlock()

	cm.logger.WithFields(logrus.Fields{
		"network_id":   networkID.Uint64(),
		"latest_block": blockNumber,
		"url":          url,
	}).Info("Health check passed")

	return nil
}

func (cm *Manager) markUnhealthy() {
	cm.mu.Lock()
	cm.isHealthy = false
	cm.stats.IsHealthy = false
	cm.mu.Unlock()
}

// observe records the outcome of one RPC call. Failures other than rate
// limiting force a health check before the next call.
func (cm *Manager) observe(method string, err error) {
	status := "success"

	cm.mu.Lock()
	cm.stats.TotalRequests++
	switch {
	case err == nil:
	case fetcher.IsThrottle(err):
		status = "throttled"
		err = nil
	default:
		status = "error"
		cm.stats.FailedRequests++
		cm.isHealthy = false
	}
	endpoint := cm.stats.CurrentURL
	cm.mu.Unlock()

	if err != nil {
		cm.metrics.RecordConnectionError(endpoint, "rpc_call_failed")
	}
	cm.metrics.RecordRPCRequest(cm.chain.String(), method, status)
}

// IsConnected returns whether the manager is connected
func (cm *Manager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.client != nil && cm.isHealthy
}

// Close closes the connection
func (cm *Manager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.client != nil {
		cm.client.Close()
		cm.client = nil
	}

	cm.isHealthy = false
	cm.logger.Info("Connection manager closed")
	return nil
}

// Stats returns connection statistics
func (cm *Manager) Stats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	stats := cm.stats
	stats.IsHealthy = cm.isHealthy
	return stats
}

// getAllURLs returns all URLs starting from the one last used
func (cm *Manager) getAllURLs() []string {
	if cm.currentIndex > 0 && cm.currentIndex < len(cm.urls) {
		rotated := make([]string, 0, len(cm.urls))
		rotated = append(rotated, cm.urls[cm.currentIndex:]...)
		return append(rotated, cm.urls[:cm.currentIndex]...)
	}
	return cm.urls
}

func indexOf(urls []string, url string) int {
	for i, u := range urls {
		if u == url {
			return i
		}
	}
	return 0
}
