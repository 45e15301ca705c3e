// Package checkpoint persists the per-loop resume positions.
package checkpoint

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/smartdevs17/contract-discovery/internal/config"
	"github.com/smartdevs17/contract-discovery/internal/models"
)

// Store holds one string value per key
type Store interface {
	Load(ctx context.Context, key string) (string, bool, error)
	Save(ctx context.Context, key, value string) error
}

// StateStorage is the subset of the repository used by DatabaseStore
type StateStorage interface {
	GetCheckpoint(ctx context.Context, key string) (string, bool, error)
	SetCheckpoint(ctx context.Context, key, value string) error
}

// ScannerKey names the block checkpoint of a chain
func ScannerKey(chain models.Chain) string {
	return "scanner:" + chain.Key()
}

// PipelineKey names the enrichment cursor of a chain
func PipelineKey(chain models.Chain) string {
	return "pipeline:" + chain.Key()
}

// DatabaseStore keeps checkpoints in the system_state table
type DatabaseStore struct {
	state StateStorage
}

// NewDatabaseStore creates a store over the repository
func NewDatabaseStore(state StateStorage) *DatabaseStore {
	return &DatabaseStore{state: state}
}

func (d *DatabaseStore) Load(ctx context.Context, key string) (string, bool, error) {
	return d.state.GetCheckpoint(ctx, key)
}

func (d *DatabaseStore) Save(ctx context.Context, key, value string) error {
	return d.state.SetCheckpoint(ctx, key, value)
}

// NewStore builds the configured backend
func NewStore(cfg *config.Config, state StateStorage) (Store, error) {
	switch cfg.Checkpoint.Backend {
	case "", "database":
		return NewDatabaseStore(state), nil
	case "file":
		return NewFileStore(cfg.Checkpoint.Directory)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return NewRedisStore(client, cfg.Checkpoint.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint backend: %s", cfg.Checkpoint.Backend)
	}
}
