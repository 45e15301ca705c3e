package storage

import (
	"context"
	"time"

	"github.com/smartdevs17/contract-discovery/internal/metrics"
	"github.com/smartdevs17/contract-discovery/internal/models"
)

// StorageWithMetrics wraps a storage implementation with metrics
type StorageWithMetrics struct {
	Storage
	metrics *metrics.PrometheusMetrics
}

// NewStorageWithMetrics creates a storage wrapper with metrics
func NewStorageWithMetrics(storage Storage, m *metrics.PrometheusMetrics) *StorageWithMetrics {
	return &StorageWithMetrics{
		Storage: storage,
		metrics: m,
	}
}

func (s *StorageWithMetrics) record(operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordDatabaseOperation(operation, status, time.Since(start))
}

// InsertAddresses stores addresses and records metrics
func (s *StorageWithMetrics) InsertAddresses(ctx context.Context, chain models.Chain, addresses []string, discoveredAt time.Time) (int, error) {
	start := time.Now()
	n, err := s.Storage.InsertAddresses(ctx, chain, addresses, discoveredAt)
	s.record("insert_addresses", start, err)
	return n, err
}

// ReadNewAddresses reads pending addresses and records metrics
func (s *StorageWithMetrics) ReadNewAddresses(ctx context.Context, chain models.Chain, since models.Cursor, limit int) ([]*models.ContractAddress, error) {
	start := time.Now()
	rows, err := s.Storage.ReadNewAddresses(ctx, chain, since, limit)
	s.record("read_new_addresses", start, err)
	return rows, err
}

// InsertEnrichment stores a record and records metrics
func (s *StorageWithMetrics) InsertEnrichment(ctx context.Context, record *models.EnrichmentRecord) error {
	start := time.Now()
	err := s.Storage.InsertEnrichment(ctx, record)
	s.record("insert_enrichment", start, err)
	return err
}

// SetCheckpoint writes a checkpoint and records metrics
func (s *StorageWithMetrics) SetCheckpoint(ctx context.Context, key, value string) error {
	start := time.Now()
	err := s.Storage.SetCheckpoint(ctx, key, value)
	s.record("set_checkpoint", start, err)
	return err
}
