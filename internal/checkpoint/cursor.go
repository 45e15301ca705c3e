package checkpoint

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/smartdevs17/contract-discovery/internal/models"
	"github.com/smartdevs17/contract-discovery/pkg/utils"
)

// BlockCheckpoint is the scanner position: the last fully processed block
type BlockCheckpoint struct {
	store Store
	key   string

	mu    sync.Mutex
	last  uint64
	known bool
}

// NewBlockCheckpoint creates the scanner checkpoint for a chain
func NewBlockCheckpoint(store Store, chain models.Chain) *BlockCheckpoint {
	return &BlockCheckpoint{store: store, key: ScannerKey(chain)}
}

// Load returns the stored block and whether one exists
func (b *BlockCheckpoint) Load(ctx context.Context) (uint64, bool, error) {
	value, found, err := b.store.Load(ctx, b.key)
	if err != nil || !found {
		return 0, false, err
	}
	block, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid block checkpoint %q: %w", value, err)
	}

	b.mu.Lock()
	b.last, b.known = block, true
	b.mu.Unlock()
	return block, true, nil
}

// Save persists block. Moving backwards is refused.
func (b *BlockCheckpoint) Save(ctx context.Context, block uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.known && block < b.last {
		return utils.NewAppError(utils.ErrCodeValidation, "Block checkpoint cannot move backwards",
			fmt.Sprintf("current %d, requested %d", b.last, block))
	}
	if err := b.store.Save(ctx, b.key, strconv.FormatUint(block, 10)); err != nil {
		return utils.WrapError(utils.KindPersistenceFailure, utils.ErrCodeDatabase, "Failed to save block checkpoint", err)
	}
	b.last, b.known = block, true
	return nil
}

// Key returns the store key
func (b *BlockCheckpoint) Key() string {
	return b.key
}

// CursorCheckpoint is the pipeline position
type CursorCheckpoint struct {
	store Store
	key   string

	mu   sync.Mutex
	last models.Cursor
}

// NewCursorCheckpoint creates the pipeline checkpoint for a chain
func NewCursorCheckpoint(store Store, chain models.Chain) *CursorCheckpoint {
	return &CursorCheckpoint{store: store, key: PipelineKey(chain)}
}

// Load returns the stored cursor; the zero cursor when none exists
func (c *CursorCheckpoint) Load(ctx context.Context) (models.Cursor, error) {
	value, found, err := c.store.Load(ctx, c.key)
	if err != nil || !found {
		return models.Cursor{}, err
	}
	cursor, err := models.ParseCursor(value)
	if err != nil {
		return models.Cursor{}, err
	}

	c.mu.Lock()
	c.last = cursor
	c.mu.Unlock()
	return cursor, nil
}

// Save persists cursor. Moving backwards is refused.
func (c *CursorCheckpoint) Save(ctx context.Context, cursor models.Cursor) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.last.After(cursor) {
		return utils.NewAppError(utils.ErrCodeValidation, "Pipeline checkpoint cannot move backwards",
			fmt.Sprintf("current %s, requested %s", c.last, cursor))
	}
	if err := c.store.Save(ctx, c.key, cursor.String()); err != nil {
		return utils.WrapError(utils.KindPersistenceFailure, utils.ErrCodeDatabase, "Failed to save pipeline checkpoint", err)
	}
	c.last = cursor
	return nil
}

// Key returns the store key
func (c *CursorCheckpoint) Key() string {
	return c.key
}
