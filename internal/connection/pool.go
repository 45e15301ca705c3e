package connection

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"

	"github.com/smartdevs17/contract-discovery/internal/config"
	"github.com/smartdevs17/contract-discovery/internal/metrics"
	"github.com/smartdevs17/contract-discovery/internal/models"
	"github.com/smartdevs17/contract-discovery/pkg/utils"
)

// Pool holds one connection manager per enabled chain
type Pool struct {
	managers map[models.Chain]*Manager
	order    []models.Chain
	mu       sync.RWMutex
	logger   *logrus.Entry
	closed   bool
}

// NewPool creates managers for every enabled chain
func NewPool(chains []config.ChainConfig, m *metrics.PrometheusMetrics) *Pool {
	pool := &Pool{
		managers: make(map[models.Chain]*Manager),
		logger:   utils.ComponentLogger("connection_pool"),
	}

	for _, chain := range chains {
		if !chain.Enabled {
			continue
		}
		pool.managers[chain.Name] = NewManager(chain, m)
		pool.order = append(pool.order, chain.Name)
	}

	pool.logger.WithField("size", len(pool.managers)).Info("Connection pool created")
	return pool
}

// Connect connects every manager. The first failure is returned.
func (p *Pool) Connect(ctx context.Context) error {
	for _, chain := range p.Chains() {
		manager, _ := p.Get(chain)
		if err := manager.Connect(ctx); err != nil {
			return fmt.Errorf("connect %s: %w", chain, err)
		}
	}
	return nil
}

// Get returns the manager of chain
func (p *Pool) Get(chain models.Chain) (*Manager, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, false
	}
	manager, ok := p.managers[chain]
	return manager, ok
}

// Chains returns the pooled chains in configuration order
func (p *Pool) Chains() []models.Chain {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]models.Chain(nil), p.order...)
}

// HealthCheck checks all managers concurrently
func (p *Pool) HealthCheck(ctx context.Context) map[models.Chain]error {
	results := make(map[models.Chain]error)
	var mu sync.Mutex
	var wg conc.WaitGroup

	for _, chain := range p.Chains() {
		manager, ok := p.Get(chain)
		if !ok {
			continue
		}
		wg.Go(func() {
			err := manager.HealthCheck(ctx)
			mu.Lock()
			results[chain] = err
			mu.Unlock()
		})
	}

	wg.Wait()
	return results
}

// Stats returns statistics for all managers
func (p *Pool) Stats() map[models.Chain]ConnectionStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := make(map[models.Chain]ConnectionStats, len(p.managers))
	for chain, manager := range p.managers {
		stats[chain] = manager.Stats()
	}
	return stats
}

// ActiveConnections returns the number of healthy managers
func (p *Pool) ActiveConnections() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	active := 0
	for _, manager := range p.managers {
		if manager.IsConnected() {
			active++
		}
	}
	return active
}

// Close closes all connection managers in the pool
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	var lastErr error

	for chain, manager := range p.managers {
		if err := manager.Close(); err != nil {
			p.logger.WithError(err).WithField("chain", chain.String()).Error("Failed to close connection manager")
			lastErr = err
		}
	}

	p.managers = nil
	p.logger.Info("Connection pool closed")
	return lastErr
}
