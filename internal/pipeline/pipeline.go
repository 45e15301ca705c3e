// Package pipeline enriches discovered contracts and stores one record
// per contract.
package pipeline

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/contract-discovery/internal/checkpoint"
	"github.com/smartdevs17/contract-discovery/internal/fetcher"
	"github.com/smartdevs17/contract-discovery/internal/metrics"
	"github.com/smartdevs17/contract-discovery/internal/models"
	"github.com/smartdevs17/contract-discovery/pkg/utils"
)

// Repository is the storage used by the pipeline
type Repository interface {
	ReadNewAddresses(ctx context.Context, chain models.Chain, since models.Cursor, limit int) ([]*models.ContractAddress, error)
	InsertEnrichment(ctx context.Context, record *models.EnrichmentRecord) error
}

// Config holds pipeline configuration
type Config struct {
	Chain              models.Chain
	RequestPause       time.Duration
	ThrottleCooldown   time.Duration
	MaxThrottleRetries int
	BatchLimit         int
}

// CycleResult is the outcome of one enrichment cycle
type CycleResult struct {
	Pending        int           `json:"pending"`
	Enriched       int           `json:"enriched"`
	Degraded       int           `json:"degraded"`
	ThrottleEvents int           `json:"throttle_events"`
	Cursor         models.Cursor `json:"cursor"`
	ProcessingTime time.Duration `json:"processing_time"`
}

// Stats provides pipeline statistics
type Stats struct {
	Chain          string        `json:"chain"`
	Cursor         models.Cursor `json:"cursor"`
	TotalEnriched  uint64        `json:"total_enriched"`
	TotalDegraded  uint64        `json:"total_degraded"`
	ThrottleEvents uint64        `json:"throttle_events"`
	LastCycleAt    *time.Time    `json:"last_cycle_at,omitempty"`
}

// Pipeline enriches the contracts of one chain in discovery order
type Pipeline struct {
	config     Config
	repo       Repository
	enricher   *Enricher
	checkpoint *checkpoint.CursorCheckpoint
	metrics    *metrics.PrometheusMetrics
	logger     *logrus.Entry
	sleep      func(context.Context, time.Duration) error

	mu    sync.RWMutex
	stats Stats
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithSleep replaces the pause and cooldown sleep
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(p *Pipeline) {
		p.sleep = sleep
	}
}

// New creates a pipeline
func New(cfg Config, repo Repository, enricher *Enricher, cp *checkpoint.CursorCheckpoint, m *metrics.PrometheusMetrics, opts ...Option) *Pipeline {
	if cfg.MaxThrottleRetries < 0 {
		cfg.MaxThrottleRetries = 0
	}
	p := &Pipeline{
		config:     cfg,
		repo:       repo,
		enricher:   enricher,
		checkpoint: cp,
		metrics:    m,
		logger:     utils.ComponentLogger("pipeline").WithField("chain", cfg.Chain.String()),
		sleep:      utils.Sleep,
		stats:      Stats{Chain: cfg.Chain.String()},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RunCycle enriches every contract discovered after the cursor. The cursor
// advances after each stored record. A storage failure, or a contract still
// throttled after MaxThrottleRetries, ends the cycle with the cursor on the
// last stored contract.
func (p *Pipeline) RunCycle(ctx context.Context) (*CycleResult, error) {
	start := time.Now()
	result := &CycleResult{}
	defer func() {
		result.ProcessingTime = time.Since(start)
		now := time.Now()
		p.mu.Lock()
		p.stats.LastCycleAt = &now
		p.mu.Unlock()
	}()

	cursor, err := p.checkpoint.Load(ctx)
	if err != nil {
		return result, utils.WrapError(utils.KindPersistenceFailure, utils.ErrCodeDatabase, "Failed to load pipeline checkpoint", err)
	}
	result.Cursor = cursor

	contracts, err := p.repo.ReadNewAddresses(ctx, p.config.Chain, cursor, p.config.BatchLimit)
	if err != nil {
		return result, utils.WrapError(utils.KindPersistenceFailure, utils.ErrCodeDatabase, "Failed to read new addresses", err)
	}
	result.Pending = len(contracts)
	p.metrics.UpdatePipelineBacklog(p.config.Chain.String(), len(contracts))

	if len(contracts) == 0 {
		p.logger.Debug("No new contracts to enrich")
		return result, nil
	}
	p.logger.WithFields(logrus.Fields{
		"pending": len(contracts),
		"cursor":  cursor.String(),
	}).Info("Enriching new contracts")

	for i, contract := range contracts {
		if i > 0 {
			if err := p.sleep(ctx, p.config.RequestPause); err != nil {
				return result, err
			}
		}

		record, outcome, throttles, err := p.enrichWithRetry(ctx, contract)
		result.ThrottleEvents += throttles
		if err != nil {
			return result, err
		}

		if err := p.store(ctx, record); err != nil {
			return result, err
		}

		next := contract.Cursor()
		if err := p.checkpoint.Save(ctx, next); err != nil {
			return result, err
		}
		result.Cursor = next
		result.Enriched++
		if err := outcome.Err(); err != nil {
			result.Degraded++
			kind := utils.KindOf(err)
			p.logger.WithFields(logrus.Fields{
				"address": record.ContractAddress,
				"kind":    kind,
			}).WithError(err).Warn("Stored contract with default fields")
			p.metrics.RecordPartialEnrichment(p.config.Chain.String(), string(kind))
		}

		p.recordContract(record, outcome, next)
		p.metrics.UpdatePipelineBacklog(p.config.Chain.String(), len(contracts)-i-1)
	}

	return result, nil
}

// enrichWithRetry retries a contract whose sub-fetches were throttled,
// cooling down between attempts. A contract still throttled after the last
// attempt yields a KindThrottled error and no record.
func (p *Pipeline) enrichWithRetry(ctx context.Context, contract *models.ContractAddress) (*models.EnrichmentRecord, *Outcome, int, error) {
	throttles := 0
	for attempt := 0; ; attempt++ {
		start := time.Now()
		record, outcome, err := p.enricher.Enrich(ctx, contract)
		if err != nil {
			return nil, nil, throttles, err
		}
		if len(outcome.Throttled) == 0 {
			p.metrics.RecordContractEnriched(p.config.Chain.String(), record.Verified, time.Since(start))
			return record, outcome, throttles, nil
		}

		throttles++
		p.mu.Lock()
		p.stats.ThrottleEvents++
		p.mu.Unlock()

		if attempt >= p.config.MaxThrottleRetries {
			p.logger.WithFields(logrus.Fields{
				"address":  contract.Address,
				"fields":   outcome.Throttled,
				"attempts": attempt + 1,
			}).Warn("Still throttled after retries, leaving contract for the next cycle")
			return nil, outcome, throttles, utils.NewAppError(utils.ErrCodeRateLimited, "Contract still throttled after retries", contract.Address).
				WithKind(utils.KindThrottled)
		}

		p.logger.WithFields(logrus.Fields{
			"address":  contract.Address,
			"fields":   outcome.Throttled,
			"attempt":  attempt + 1,
			"cooldown": p.config.ThrottleCooldown.String(),
		}).Warn("Provider rate limit reached, pausing before retrying contract")
		if err := p.sleep(ctx, p.config.ThrottleCooldown); err != nil {
			return nil, nil, throttles, err
		}
	}
}

func (p *Pipeline) store(ctx context.Context, record *models.EnrichmentRecord) error {
	err := p.repo.InsertEnrichment(ctx, record)
	if err == nil {
		return nil
	}
	p.logger.WithField("address", record.ContractAddress).WithError(err).Error("Failed to store enrichment record")
	if utils.IsKind(err, utils.KindPersistenceFailure) {
		return err
	}
	return utils.WrapError(utils.KindPersistenceFailure, utils.ErrCodeDatabase, "Failed to store enrichment record", err)
}

func (p *Pipeline) recordContract(record *models.EnrichmentRecord, outcome *Outcome, cursor models.Cursor) {
	p.mu.Lock()
	p.stats.Cursor = cursor
	p.stats.TotalEnriched++
	if outcome.Degraded() {
		p.stats.TotalDegraded++
	}
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{
		"address":  record.ContractAddress,
		"verified": record.Verified,
		"name":     record.ContractName,
		"tokens":   len(record.TokenList),
		"usd":      record.USDBalance.String(),
	}).Info("Contract enriched")
}

// Stats returns pipeline statistics
func (p *Pipeline) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

// Chain returns the enriched chain
func (p *Pipeline) Chain() models.Chain {
	return p.config.Chain
}

// NodeReader is a chain client able to read native balances
type NodeReader interface {
	BalanceAt(ctx context.Context, address string) (*big.Int, error)
}

// NodeBalances reads native balances from the chain node instead of the explorer
type NodeBalances struct {
	reader  NodeReader
	fetcher *fetcher.Fetcher
}

// NewNodeBalances wraps a chain client as a BalanceSource
func NewNodeBalances(reader NodeReader, f *fetcher.Fetcher) *NodeBalances {
	return &NodeBalances{reader: reader, fetcher: f}
}

func (n *NodeBalances) BalanceAt(ctx context.Context, address string) (fetcher.Result[*big.Int], error) {
	return fetcher.Call(ctx, n.fetcher, "balance_at", func(ctx context.Context) (*big.Int, error) {
		return n.reader.BalanceAt(ctx, address)
	})
}
