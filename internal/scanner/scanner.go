// Package scanner walks a chain block by block and records every
// transaction recipient that holds contract code.
package scanner

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/contract-discovery/internal/checkpoint"
	"github.com/smartdevs17/contract-discovery/internal/connection"
	"github.com/smartdevs17/contract-discovery/internal/fetcher"
	"github.com/smartdevs17/contract-discovery/internal/metrics"
	"github.com/smartdevs17/contract-discovery/internal/models"
	"github.com/smartdevs17/contract-discovery/pkg/utils"
)

// ChainReader is the chain data the scanner consumes
type ChainReader interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number uint64) (*connection.Block, error)
	CodeAt(ctx context.Context, address common.Address) ([]byte, error)
}

// AddressWriter persists discovered addresses
type AddressWriter interface {
	InsertAddresses(ctx context.Context, chain models.Chain, addresses []string, discoveredAt time.Time) (int, error)
}

// Config holds scanner configuration
type Config struct {
	Chain             models.Chain
	StartBlock        uint64
	ThrottleCooldown  time.Duration
	MaxBlocksPerCycle uint64
}

// BlockResult is the outcome of one block
type BlockResult struct {
	BlockNumber    uint64        `json:"block_number"`
	Transactions   int           `json:"transactions"`
	Candidates     int           `json:"candidates"`
	Inserted       int           `json:"inserted"`
	Throttled      bool          `json:"throttled"`
	ProcessingTime time.Duration `json:"processing_time"`
}

// CycleResult is the outcome of one scan cycle
type CycleResult struct {
	FromBlock       uint64        `json:"from_block"`
	ToBlock         uint64        `json:"to_block"`
	Latest          uint64        `json:"latest"`
	BlocksProcessed int           `json:"blocks_processed"`
	Discovered      int           `json:"discovered"`
	ThrottleEvents  int           `json:"throttle_events"`
	ProcessingTime  time.Duration `json:"processing_time"`
}

// Stats provides scanner statistics
type Stats struct {
	Chain                string     `json:"chain"`
	LastCheckpoint       uint64     `json:"last_checkpoint"`
	HasCheckpoint        bool       `json:"has_checkpoint"`
	LatestChainBlock     uint64     `json:"latest_chain_block"`
	TotalBlocksProcessed uint64     `json:"total_blocks_processed"`
	TotalDiscovered      uint64     `json:"total_discovered"`
	ThrottleEvents       uint64     `json:"throttle_events"`
	LastCycleAt          *time.Time `json:"last_cycle_at,omitempty"`
}

// Scanner discovers contracts on one chain
type Scanner struct {
	config     Config
	reader     ChainReader
	store      AddressWriter
	checkpoint *checkpoint.BlockCheckpoint
	fetcher    *fetcher.Fetcher
	metrics    *metrics.PrometheusMetrics
	logger     *logrus.Entry

	sleep func(context.Context, time.Duration) error
	now   func() time.Time

	mu    sync.RWMutex
	stats Stats
}

// Option configures a Scanner
type Option func(*Scanner)

// WithSleep replaces the cooldown sleep
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(s *Scanner) {
		s.sleep = sleep
	}
}

// WithClock replaces the discovery timestamp source
func WithClock(now func() time.Time) Option {
	return func(s *Scanner) {
		s.now = now
	}
}

// WithFetcher routes chain reads through f
func WithFetcher(f *fetcher.Fetcher) Option {
	return func(s *Scanner) {
		s.fetcher = f
	}
}

// New creates a scanner
func New(cfg Config, reader ChainReader, store AddressWriter, cp *checkpoint.BlockCheckpoint, m *metrics.PrometheusMetrics, opts ...Option) *Scanner {
	s := &Scanner{
		config:     cfg,
		reader:     reader,
		store:      store,
		checkpoint: cp,
		metrics:    m,
		logger:     utils.ComponentLogger("scanner").WithField("chain", cfg.Chain.String()),
		sleep:      utils.Sleep,
		now:        time.Now,
		stats:      Stats{Chain: cfg.Chain.String()},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.fetcher == nil {
		s.fetcher = fetcher.New("rpc:"+cfg.Chain.Key(),
			fetcher.WithRetryable(fetcher.IsTimeout),
			fetcher.WithMetrics(m))
	}
	return s
}

// RunCycle processes every block after the checkpoint up to the chain head.
// Throttling pauses and retries the same block; it is never returned as an
// error. Any other failure aborts the cycle with the checkpoint on the last
// committed block.
func (s *Scanner) RunCycle(ctx context.Context) (*CycleResult, error) {
	start := time.Now()

	next, err := s.nextBlock(ctx)
	if err != nil {
		return nil, err
	}

	latest, throttles, err := s.latestBlock(ctx)
	if err != nil {
		return nil, err
	}

	result := &CycleResult{FromBlock: next, Latest: latest, ThrottleEvents: throttles}
	defer func() {
		result.ProcessingTime = time.Since(start)
		s.recordCycle(result)
	}()

	if next > latest {
		s.logger.WithField("latest", latest).Debug("No new blocks")
		return result, nil
	}

	last := latest
	if limit := s.config.MaxBlocksPerCycle; limit > 0 && last-next+1 > limit {
		last = next + limit - 1
	}
	result.ToBlock = last

	s.logger.WithFields(logrus.Fields{
		"from":   next,
		"to":     last,
		"latest": latest,
	}).Info("Scanning block range")

	for number := next; number <= last; {
		block, err := s.ProcessBlock(ctx, number)
		if err != nil {
			return result, err
		}
		if block.Throttled {
			result.ThrottleEvents++
			if err := s.cooldown(ctx, number); err != nil {
				return result, err
			}
			continue
		}

		result.BlocksProcessed++
		result.Discovered += block.Inserted
		number++
	}

	return result, nil
}

// ProcessBlock scans one block and commits its contracts, then advances
// the checkpoint. A throttled block is reported with Throttled set and
// nothing written.
func (s *Scanner) ProcessBlock(ctx context.Context, number uint64) (*BlockResult, error) {
	start := time.Now()
	result := &BlockResult{BlockNumber: number}

	fetched, err := fetcher.Call(ctx, s.fetcher, "block_by_number", func(ctx context.Context) (*connection.Block, error) {
		return s.reader.BlockByNumber(ctx, number)
	})
	if err != nil {
		return nil, utils.WrapError(utils.KindOf(err), utils.ErrCodeBlockchain, "Failed to get block", err)
	}
	if fetched.Throttled {
		result.Throttled = true
		return result, nil
	}
	block := fetched.Value
	result.Transactions = len(block.Transactions)

	var contracts []string
	seen := make(map[common.Address]bool)
	for _, tx := range block.Transactions {
		if tx.To == nil || seen[*tx.To] {
			continue
		}
		seen[*tx.To] = true

		to := *tx.To
		code, err := fetcher.Call(ctx, s.fetcher, "code_at", func(ctx context.Context) ([]byte, error) {
			return s.reader.CodeAt(ctx, to)
		})
		if err != nil {
			return nil, utils.WrapError(utils.KindOf(err), utils.ErrCodeBlockchain, "Failed to get code", err)
		}
		if code.Throttled {
			result.Throttled = true
			return result, nil
		}
		if len(code.Value) > 0 {
			contracts = append(contracts, utils.NormalizeAddress(to.Hex()))
		}
	}
	result.Candidates = len(contracts)

	if len(contracts) > 0 {
		inserted, err := s.store.InsertAddresses(ctx, s.config.Chain, contracts, s.now())
		if err != nil {
			return nil, asPersistenceFailure(err, "Failed to store discovered contracts")
		}
		result.Inserted = inserted
	}

	if err := s.checkpoint.Save(ctx, number); err != nil {
		return nil, asPersistenceFailure(err, "Failed to save scanner checkpoint")
	}

	result.ProcessingTime = time.Since(start)
	s.recordBlock(result)

	if result.Inserted > 0 {
		s.logger.WithFields(logrus.Fields{
			"block":    number,
			"inserted": result.Inserted,
		}).Info("Discovered new contracts")
	}
	return result, nil
}

// Stats returns scanner statistics
func (s *Scanner) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Chain returns the scanned chain
func (s *Scanner) Chain() models.Chain {
	return s.config.Chain
}

func (s *Scanner) nextBlock(ctx context.Context) (uint64, error) {
	last, found, err := s.checkpoint.Load(ctx)
	if err != nil {
		return 0, asPersistenceFailure(err, "Failed to load scanner checkpoint")
	}
	if !found {
		return s.config.StartBlock, nil
	}

	s.mu.Lock()
	s.stats.LastCheckpoint = last
	s.stats.HasCheckpoint = true
	s.mu.Unlock()

	if next := last + 1; next > s.config.StartBlock {
		return next, nil
	}
	return s.config.StartBlock, nil
}

// latestBlock reads the chain head, cooling down while throttled
func (s *Scanner) latestBlock(ctx context.Context) (uint64, int, error) {
	throttles := 0
	for {
		res, err := fetcher.Call(ctx, s.fetcher, "block_number", s.reader.LatestBlockNumber)
		if err != nil {
			return 0, throttles, utils.WrapError(utils.KindOf(err), utils.ErrCodeBlockchain, "Failed to get latest block number", err)
		}
		if !res.Throttled {
			s.mu.Lock()
			s.stats.LatestChainBlock = res.Value
			s.mu.Unlock()
			return res.Value, throttles, nil
		}

		throttles++
		if err := s.cooldown(ctx, 0); err != nil {
			return 0, throttles, err
		}
	}
}

func (s *Scanner) cooldown(ctx context.Context, block uint64) error {
	s.mu.Lock()
	s.stats.ThrottleEvents++
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"block":    block,
		"cooldown": s.config.ThrottleCooldown.String(),
	}).Warn("Chain provider rate limit reached, pausing")
	return s.sleep(ctx, s.config.ThrottleCooldown)
}

func (s *Scanner) recordBlock(result *BlockResult) {
	s.mu.Lock()
	s.stats.LastCheckpoint = result.BlockNumber
	s.stats.HasCheckpoint = true
	s.stats.TotalBlocksProcessed++
	s.stats.TotalDiscovered += uint64(result.Inserted)
	s.mu.Unlock()

	chain := s.config.Chain.String()
	s.metrics.RecordBlockScanned(chain, result.Inserted, result.ProcessingTime)
	s.metrics.UpdateScannerCheckpoint(chain, result.BlockNumber)
}

func (s *Scanner) recordCycle(result *CycleResult) {
	now := time.Now()
	s.mu.Lock()
	s.stats.LastCycleAt = &now
	s.mu.Unlock()

	s.metrics.UpdateChainHead(s.config.Chain.String(), result.Latest)
}

func asPersistenceFailure(err error, message string) error {
	if utils.IsKind(err, utils.KindPersistenceFailure) {
		return err
	}
	return utils.WrapError(utils.KindPersistenceFailure, utils.ErrCodeDatabase, message, err)
}
