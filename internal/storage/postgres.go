package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/contract-discovery/internal/metrics"
	"github.com/smartdevs17/contract-discovery/internal/models"
	"github.com/smartdevs17/contract-discovery/pkg/utils"
)

// PostgreSQLStorage implements Storage interface using PostgreSQL
type PostgreSQLStorage struct {
	mu         sync.RWMutex
	db         *sql.DB
	config     *StorageConfig
	logger     *logrus.Logger
	migrations []*Migration
	metrics    *metrics.PrometheusMetrics
}

// NewPostgreSQLStorage creates a new PostgreSQL storage instance
func NewPostgreSQLStorage(config *StorageConfig) *PostgreSQLStorage {
	return &PostgreSQLStorage{
		config:     config,
		logger:     utils.GetLogger(),
		migrations: GetPostgresMigrations(),
	}
}

// SetMetrics attaches reconnect metrics
func (p *PostgreSQLStorage) SetMetrics(m *metrics.PrometheusMetrics) {
	p.metrics = m
}

func (p *PostgreSQLStorage) open() (*sql.DB, error) {
	db, err := sql.Open("postgres", p.config.ConnectionString)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to open PostgreSQL database", err.Error())
	}

	// Configure connection pool
	if p.config.MaxConnections > 0 {
		db.SetMaxOpenConns(p.config.MaxConnections)
		db.SetMaxIdleConns(p.config.MaxConnections / 2)
	}
	db.SetConnMaxLifetime(p.config.MaxIdleTime)

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to ping PostgreSQL database", err.Error())
	}
	return db, nil
}

// Connect establishes database connection
func (p *PostgreSQLStorage) Connect() error {
	db, err := p.open()
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.db = db
	p.mu.Unlock()

	p.logger.Info("PostgreSQL database connected")
	return nil
}

// Reconnect replaces the connection pool
func (p *PostgreSQLStorage) Reconnect() error {
	db, err := p.open()
	if err != nil {
		return err
	}

	p.mu.Lock()
	old := p.db
	p.db = db
	p.mu.Unlock()

	if old != nil {
		old.Close()
	}
	p.logger.Info("PostgreSQL database reconnected")
	return nil
}

// Close closes the database connection
func (p *PostgreSQLStorage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.db != nil {
		err := p.db.Close()
		p.db = nil
		p.logger.Info("PostgreSQL database connection closed")
		return err
	}
	return nil
}

func (p *PostgreSQLStorage) conn() (*sql.DB, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.db == nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}
	return p.db, nil
}

// Ping checks database connectivity
func (p *PostgreSQLStorage) Ping() error {
	db, err := p.conn()
	if err != nil {
		return err
	}
	return db.Ping()
}

// Migrate runs database migrations
func (p *PostgreSQLStorage) Migrate() error {
	db, err := p.conn()
	if err != nil {
		return err
	}

	p.logger.Info("Starting PostgreSQL database migrations")

	for _, migration := range p.migrations {
		p.logger.WithFields(logrus.Fields{
			"version":     migration.Version,
			"description": migration.Description,
		}).Debug("Applying migration")

		if _, err := db.Exec(migration.SQL); err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase,
				fmt.Sprintf("Migration %s failed", migration.Version),
				err.Error())
		}
	}

	p.logger.Info("PostgreSQL database migrations completed")
	return nil
}

// InsertAddress stores a discovered address; a duplicate is a no-op
func (p *PostgreSQLStorage) InsertAddress(ctx context.Context, chain models.Chain, address string, discoveredAt time.Time) (bool, error) {
	n, err := p.InsertAddresses(ctx, chain, []string{address}, discoveredAt)
	return n == 1, err
}

// InsertAddresses stores addresses discovered in one block in a single transaction
func (p *PostgreSQLStorage) InsertAddresses(ctx context.Context, chain models.Chain, addresses []string, discoveredAt time.Time) (int, error) {
	if len(addresses) == 0 {
		return 0, nil
	}
	db, err := p.conn()
	if err != nil {
		return 0, utils.WrapError(utils.KindPersistenceFailure, utils.ErrCodeDatabase, "Failed to insert addresses", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, utils.WrapError(utils.KindPersistenceFailure, utils.ErrCodeDatabase, "Failed to begin transaction", err)
	}
	defer tx.Rollback()

	normalized := make([]string, len(addresses))
	for i, address := range addresses {
		normalized[i] = utils.NormalizeAddress(address)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO contract_addresses (chain, address, discovered_at)
		SELECT $1::text, a, $3::timestamptz FROM unnest($2::text[]) AS a
		ON CONFLICT (chain, address) DO NOTHING
	`, string(chain), pq.Array(normalized), normalizeTime(discoveredAt))
	if err != nil {
		return 0, utils.WrapError(utils.KindPersistenceFailure, utils.ErrCodeDatabase, "Failed to insert addresses", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, utils.WrapError(utils.KindPersistenceFailure, utils.ErrCodeDatabase, "Failed to commit transaction", err)
	}

	inserted, _ := res.RowsAffected()
	return int(inserted), nil
}

// ReadNewAddresses returns addresses past the cursor in ascending order.
// limit <= 0 means no limit.
func (p *PostgreSQLStorage) ReadNewAddresses(ctx context.Context, chain models.Chain, since models.Cursor, limit int) ([]*models.ContractAddress, error) {
	db, err := p.conn()
	if err != nil {
		return nil, err
	}

	var (
		query strings.Builder
		args  []interface{}
	)
	query.WriteString("SELECT address, chain, discovered_at FROM contract_addresses WHERE chain = $1")
	args = append(args, string(chain))

	at := normalizeTime(since.DiscoveredAt)
	switch {
	case since.IsZero():
	case since.Address == "":
		query.WriteString(" AND discovered_at > $2")
		args = append(args, at)
	default:
		query.WriteString(" AND (discovered_at, address) > ($2::timestamptz, $3::text)")
		args = append(args, at, since.Address)
	}
	query.WriteString(" ORDER BY discovered_at ASC, address ASC")
	if limit > 0 {
		args = append(args, limit)
		query.WriteString(fmt.Sprintf(" LIMIT $%d", len(args)))
	}

	rows, err := db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to read new addresses", err.Error())
	}
	defer rows.Close()

	var result []*models.ContractAddress
	for rows.Next() {
		var (
			c      models.ContractAddress
			chainS string
		)
		if err := rows.Scan(&c.Address, &chainS, &c.DiscoveredAt); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan address", err.Error())
		}
		c.Chain = models.Chain(chainS)
		c.DiscoveredAt = c.DiscoveredAt.UTC()
		result = append(result, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to iterate addresses", err.Error())
	}
	return result, nil
}

// CountAddresses returns the number of discovered addresses for the chain
func (p *PostgreSQLStorage) CountAddresses(ctx context.Context, chain models.Chain) (int64, error) {
	db, err := p.conn()
	if err != nil {
		return 0, err
	}
	var count int64
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM contract_addresses WHERE chain = $1", string(chain)).Scan(&count); err != nil {
		return 0, utils.NewAppError(utils.ErrCodeDatabase, "Failed to count addresses", err.Error())
	}
	return count, nil
}

// InsertEnrichment appends an enrichment record, reconnecting once on a lost connection
func (p *PostgreSQLStorage) InsertEnrichment(ctx context.Context, record *models.EnrichmentRecord) error {
	balances := make([]string, len(record.TokenBalances))
	for i, b := range record.TokenBalances {
		balances[i] = b.String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	record.CreatedAt = normalizeTime(record.CreatedAt)

	return retryOnReconnect(p.Reconnect, p.metrics, p.logger, "insert enrichment record", func() error {
		db, err := p.conn()
		if err != nil {
			return err
		}
		return db.QueryRowContext(ctx, `
			INSERT INTO enrichment_records
			(contract_address, chain, verified, source_code, contract_name, native_balance,
			 usd_balance, token_list, token_balances, notes, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric[], $10, $11)
			RETURNING id
		`,
			record.ContractAddress, string(record.Chain), record.Verified, record.SourceCode,
			record.ContractName, record.NativeBalance.String(), record.USDBalance.String(),
			pq.Array(record.TokenList), pq.Array(balances), record.Notes, record.CreatedAt,
		).Scan(&record.ID)
	})
}

// GetEnrichments returns the records stored for an address, oldest first
func (p *PostgreSQLStorage) GetEnrichments(ctx context.Context, chain models.Chain, address string) ([]*models.EnrichmentRecord, error) {
	db, err := p.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, contract_address, chain, verified, source_code, contract_name,
		       native_balance::text, usd_balance::text, token_list, token_balances::text[], notes, created_at
		FROM enrichment_records
		WHERE chain = $1 AND contract_address = $2
		ORDER BY id ASC
	`, string(chain), utils.NormalizeAddress(address))
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get enrichment records", err.Error())
	}
	defer rows.Close()

	var records []*models.EnrichmentRecord
	for rows.Next() {
		var (
			r           models.EnrichmentRecord
			chainS      string
			native, usd string
			tokens      pq.StringArray
			balances    pq.StringArray
			notes       sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.ContractAddress, &chainS, &r.Verified, &r.SourceCode, &r.ContractName,
			&native, &usd, &tokens, &balances, &notes, &r.CreatedAt); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan enrichment record", err.Error())
		}
		r.Chain = models.Chain(chainS)
		r.CreatedAt = r.CreatedAt.UTC()
		if r.NativeBalance, err = decimal.NewFromString(native); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Invalid native balance", err.Error())
		}
		if r.USDBalance, err = decimal.NewFromString(usd); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Invalid usd balance", err.Error())
		}
		r.TokenList = []string(tokens)
		r.TokenBalances = make([]decimal.Decimal, len(balances))
		for i, b := range balances {
			if r.TokenBalances[i], err = decimal.NewFromString(b); err != nil {
				return nil, utils.NewAppError(utils.ErrCodeDatabase, "Invalid token balance", err.Error())
			}
		}
		if notes.Valid {
			n := notes.String
			r.Notes = &n
		}
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to iterate enrichment records", err.Error())
	}
	return records, nil
}

// GetCheckpoint reads a value from system_state
func (p *PostgreSQLStorage) GetCheckpoint(ctx context.Context, key string) (string, bool, error) {
	db, err := p.conn()
	if err != nil {
		return "", false, err
	}
	var value string
	err = db.QueryRowContext(ctx, "SELECT value FROM system_state WHERE key = $1", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get checkpoint", err.Error())
	}
	return value, true, nil
}

// SetCheckpoint writes a value to system_state
func (p *PostgreSQLStorage) SetCheckpoint(ctx context.Context, key, value string) error {
	db, err := p.conn()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO system_state (key, value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`, key, value, time.Now())
	if err != nil {
		return utils.WrapError(utils.KindPersistenceFailure, utils.ErrCodeDatabase, "Failed to set checkpoint", err)
	}
	return nil
}

// GetStorageStats returns storage statistics
func (p *PostgreSQLStorage) GetStorageStats(ctx context.Context) (*StorageStats, error) {
	db, err := p.conn()
	if err != nil {
		return nil, err
	}

	stats := &StorageStats{
		AddressesByChain:   make(map[string]int64),
		EnrichmentsByChain: make(map[string]int64),
	}

	if err := countByChain(ctx, db, "SELECT chain, COUNT(*) FROM contract_addresses GROUP BY chain", stats.AddressesByChain); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to count addresses", err.Error())
	}
	if err := countByChain(ctx, db, "SELECT chain, COUNT(*) FROM enrichment_records GROUP BY chain", stats.EnrichmentsByChain); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to count enrichment records", err.Error())
	}
	for _, n := range stats.AddressesByChain {
		stats.TotalAddresses += n
	}
	for _, n := range stats.EnrichmentsByChain {
		stats.TotalEnrichments += n
	}

	var latest sql.NullTime
	if err := db.QueryRowContext(ctx, "SELECT MAX(discovered_at) FROM contract_addresses").Scan(&latest); err == nil && latest.Valid {
		t := latest.Time.UTC()
		stats.LatestDiscovery = &t
	}

	if err := db.QueryRowContext(ctx, "SELECT pg_database_size(current_database())").Scan(&stats.DatabaseSize); err != nil {
		stats.DatabaseSize = 0
	}

	return stats, nil
}

// GetHealth reports backend health
func (p *PostgreSQLStorage) GetHealth() *StorageHealth {
	return &StorageHealth{
		StorageType: "PostgreSQL",
		Healthy:     p.Ping() == nil,
		LastPing:    time.Now(),
	}
}
