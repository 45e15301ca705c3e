// File: internal/storage/storage.go
package storage

import (
	"context"
	"time"

	"github.com/smartdevs17/contract-discovery/internal/models"
)

// Storage defines the contract repository operations
type Storage interface {
	// Connection management
	Connect() error
	Close() error
	Ping() error
	Migrate() error
	Reconnect() error

	// Discovered addresses
	InsertAddress(ctx context.Context, chain models.Chain, address string, discoveredAt time.Time) (bool, error)
	InsertAddresses(ctx context.Context, chain models.Chain, addresses []string, discoveredAt time.Time) (int, error)
	ReadNewAddresses(ctx context.Context, chain models.Chain, since models.Cursor, limit int) ([]*models.ContractAddress, error)
	CountAddresses(ctx context.Context, chain models.Chain) (int64, error)

	// Enrichment records
	InsertEnrichment(ctx context.Context, record *models.EnrichmentRecord) error
	GetEnrichments(ctx context.Context, chain models.Chain, address string) ([]*models.EnrichmentRecord, error)

	// Checkpoints
	GetCheckpoint(ctx context.Context, key string) (string, bool, error)
	SetCheckpoint(ctx context.Context, key, value string) error

	// Statistics and monitoring
	GetStorageStats(ctx context.Context) (*StorageStats, error)
	GetHealth() *StorageHealth
}

// StorageStats provides storage statistics
type StorageStats struct {
	TotalAddresses     int64            `json:"total_addresses"`
	TotalEnrichments   int64            `json:"total_enrichments"`
	AddressesByChain   map[string]int64 `json:"addresses_by_chain"`
	EnrichmentsByChain map[string]int64 `json:"enrichments_by_chain"`
	LatestDiscovery    *time.Time       `json:"latest_discovery,omitempty"`
	DatabaseSize       int64            `json:"database_size_bytes"`
}

// StorageHealth reports backend health
type StorageHealth struct {
	StorageType string            `json:"storage_type"`
	Healthy     bool              `json:"healthy"`
	Details     map[string]string `json:"details,omitempty"`
	LastPing    time.Time         `json:"last_ping"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Type             string        `json:"type"`
	ConnectionString string        `json:"connection_string"`
	MaxConnections   int           `json:"max_connections"`
	MaxIdleTime      time.Duration `json:"max_idle_time"`
}

// normalizeTime fixes the stored precision so cursors compare equal after a round trip
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
