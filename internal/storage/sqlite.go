// File: internal/storage/sqlite.go
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/smartdevs17/contract-discovery/internal/metrics"
	"github.com/smartdevs17/contract-discovery/internal/models"
	"github.com/smartdevs17/contract-discovery/pkg/utils"
)

// SQLiteStorage implements Storage interface using SQLite
type SQLiteStorage struct {
	mu         sync.RWMutex
	db         *sql.DB
	config     *StorageConfig
	logger     *logrus.Logger
	migrations []*Migration
	metrics    *metrics.PrometheusMetrics
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(config *StorageConfig) *SQLiteStorage {
	return &SQLiteStorage{
		config:     config,
		logger:     utils.GetLogger(),
		migrations: GetSQLiteMigrations(),
	}
}

// SetMetrics attaches reconnect metrics
func (s *SQLiteStorage) SetMetrics(m *metrics.PrometheusMetrics) {
	s.metrics = m
}

// dsn adds the pragmas every pooled connection needs
func (s *SQLiteStorage) dsn() string {
	sep := "?"
	if strings.Contains(s.config.ConnectionString, "?") {
		sep = "&"
	}
	return s.config.ConnectionString + sep +
		"_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

func (s *SQLiteStorage) open() (*sql.DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(s.config.ConnectionString)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to create database directory", err.Error())
		}
	}

	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to open SQLite database", err.Error())
	}

	// Configure connection pool
	if s.config.MaxConnections > 0 {
		db.SetMaxOpenConns(s.config.MaxConnections)
		db.SetMaxIdleConns(s.config.MaxConnections / 2)
	}
	db.SetConnMaxLifetime(s.config.MaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to ping SQLite database", err.Error())
	}
	return db, nil
}

// Connect establishes database connection
func (s *SQLiteStorage) Connect() error {
	db, err := s.open()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.db = db
	s.mu.Unlock()

	s.logger.WithField("path", s.config.ConnectionString).Info("SQLite database connected")
	return nil
}

// Reconnect replaces the connection pool
func (s *SQLiteStorage) Reconnect() error {
	db, err := s.open()
	if err != nil {
		return err
	}

	s.mu.Lock()
	old := s.db
	s.db = db
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	s.logger.Info("SQLite database reconnected")
	return nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		s.logger.Info("SQLite database connection closed")
		return err
	}
	return nil
}

func (s *SQLiteStorage) conn() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}
	return s.db, nil
}

// Ping checks database connectivity
func (s *SQLiteStorage) Ping() error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	return db.Ping()
}

// Migrate runs database migrations
func (s *SQLiteStorage) Migrate() error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	s.logger.Info("Starting database migrations")

	for _, migration := range s.migrations {
		s.logger.WithFields(logrus.Fields{
			"version":     migration.Version,
			"description": migration.Description,
		}).Debug("Applying migration")

		if _, err := db.Exec(migration.SQL); err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase,
				fmt.Sprintf("Migration %s failed", migration.Version),
				err.Error())
		}
	}

	s.logger.Info("Database migrations completed")
	return nil
}

// InsertAddress stores a discovered address; a duplicate is a no-op
func (s *SQLiteStorage) InsertAddress(ctx context.Context, chain models.Chain, address string, discoveredAt time.Time) (bool, error) {
	n, err := s.InsertAddresses(ctx, chain, []string{address}, discoveredAt)
	return n == 1, err
}

// InsertAddresses stores addresses discovered in one block in a single transaction
func (s *SQLiteStorage) InsertAddresses(ctx context.Context, chain models.Chain, addresses []string, discoveredAt time.Time) (int, error) {
	if len(addresses) == 0 {
		return 0, nil
	}
	db, err := s.conn()
	if err != nil {
		return 0, utils.WrapError(utils.KindPersistenceFailure, utils.ErrCodeDatabase, "Failed to insert addresses", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, utils.WrapError(utils.KindPersistenceFailure, utils.ErrCodeDatabase, "Failed to begin transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO contract_addresses (chain, address, discovered_at)
		VALUES (?, ?, ?)
		ON CONFLICT (chain, address) DO NOTHING
	`)
	if err != nil {
		return 0, utils.WrapError(utils.KindPersistenceFailure, utils.ErrCodeDatabase, "Failed to prepare statement", err)
	}
	defer stmt.Close()

	at := normalizeTime(discoveredAt).UnixMicro()
	inserted := 0
	for _, address := range addresses {
		res, err := stmt.ExecContext(ctx, string(chain), utils.NormalizeAddress(address), at)
		if err != nil {
			return 0, utils.WrapError(utils.KindPersistenceFailure, utils.ErrCodeDatabase, "Failed to insert address", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, utils.WrapError(utils.KindPersistenceFailure, utils.ErrCodeDatabase, "Failed to commit transaction", err)
	}
	return inserted, nil
}

// ReadNewAddresses returns addresses past the cursor in ascending order.
// limit <= 0 means no limit.
func (s *SQLiteStorage) ReadNewAddresses(ctx context.Context, chain models.Chain, since models.Cursor, limit int) ([]*models.ContractAddress, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	var (
		query strings.Builder
		args  []interface{}
	)
	query.WriteString("SELECT address, chain, discovered_at FROM contract_addresses WHERE chain = ?")
	args = append(args, string(chain))

	at := normalizeTime(since.DiscoveredAt).UnixMicro()
	switch {
	case since.IsZero():
	case since.Address == "":
		query.WriteString(" AND discovered_at > ?")
		args = append(args, at)
	default:
		query.WriteString(" AND (discovered_at > ? OR (discovered_at = ? AND address > ?))")
		args = append(args, at, at, since.Address)
	}
	query.WriteString(" ORDER BY discovered_at ASC, address ASC")
	if limit > 0 {
		query.WriteString(" LIMIT ?")
		args = append(args, limit)
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
			micros int64
		)
		if err := rows.Scan(&c.Address, &chainS, &micros); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan address", err.Error())
		}
		c.Chain = models.Chain(chainS)
		c.DiscoveredAt = time.UnixMicro(micros).UTC()
		result = append(result, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to iterate addresses", err.Error())
	}
	return result, nil
}

// CountAddresses returns the number of discovered addresses for the chain
func (s *SQLiteStorage) CountAddresses(ctx context.Context, chain models.Chain) (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	var count int64
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM contract_addresses WHERE chain = ?", string(chain)).Scan(&count); err != nil {
		return 0, utils.NewAppError(utils.ErrCodeDatabase, "Failed to count addresses", err.Error())
	}
	return count, nil
}

// InsertEnrichment appends an enrichment record, reconnecting once on a lost connection
func (s *SQLiteStorage) InsertEnrichment(ctx context.Context, record *models.EnrichmentRecord) error {
	tokenList, err := json.Marshal(record.TokenList)
	if err != nil {
		return utils.WrapError(utils.KindPersistenceFailure, utils.ErrCodeDatabase, "Failed to marshal token list", err)
	}
	tokenBalances, err := json.Marshal(record.TokenBalances)
	if err != nil {
		return utils.WrapError(utils.KindPersistenceFailure, utils.ErrCodeDatabase, "Failed to marshal token balances", err)
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	record.CreatedAt = normalizeTime(record.CreatedAt)

	return retryOnReconnect(s.Reconnect, s.metrics, s.logger, "insert enrichment record", func() error {
		db, err := s.conn()
		if err != nil {
			return err
		}
		res, err := db.ExecContext(ctx, `
			INSERT INTO enrichment_records
			(contract_address, chain, verified, source_code, contract_name, native_balance,
			 usd_balance, token_list, token_balances, notes, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			record.ContractAddress, string(record.Chain), record.Verified, record.SourceCode,
			record.ContractName, record.NativeBalance.String(), record.USDBalance.String(),
			string(tokenList), string(tokenBalances), record.Notes, record.CreatedAt.UnixMicro())
		if err != nil {
			return err
		}
		if id, err := res.LastInsertId(); err == nil {
			record.ID = id
		}
		return nil
	})
}

// GetEnrichments returns the records stored for an address, oldest first
func (s *SQLiteStorage) GetEnrichments(ctx context.Context, chain models.Chain, address string) ([]*models.EnrichmentRecord, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, contract_address, chain, verified, source_code, contract_name, native_balance,
		       usd_balance, token_list, token_balances, notes, created_at
		FROM enrichment_records
		WHERE chain = ? AND contract_address = ?
		ORDER BY id ASC
	`, string(chain), utils.NormalizeAddress(address))
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get enrichment records", err.Error())
	}
	defer rows.Close()

	var records []*models.EnrichmentRecord
	for rows.Next() {
		var (
			r                models.EnrichmentRecord
			chainS           string
			native, usd      string
			tokens, balances string
			notes            sql.NullString
			createdAtMicros  int64
		)
		if err := rows.Scan(&r.ID, &r.ContractAddress, &chainS, &r.Verified, &r.SourceCode, &r.ContractName,
			&native, &usd, &tokens, &balances, &notes, &createdAtMicros); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan enrichment record", err.Error())
		}
		r.Chain = models.Chain(chainS)
		if r.NativeBalance, err = decimal.NewFromString(native); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Invalid native balance", err.Error())
		}
		if r.USDBalance, err = decimal.NewFromString(usd); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Invalid usd balance", err.Error())
		}
		if err := json.Unmarshal([]byte(tokens), &r.TokenList); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Invalid token list", err.Error())
		}
		if err := json.Unmarshal([]byte(balances), &r.TokenBalances); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Invalid token balances", err.Error())
		}
		if notes.Valid {
			n := notes.String
			r.Notes = &n
		}
		r.CreatedAt = time.UnixMicro(createdAtMicros).UTC()
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to iterate enrichment records", err.Error())
	}
	return records, nil
}

// GetCheckpoint reads a value from system_state
func (s *SQLiteStorage) GetCheckpoint(ctx context.Context, key string) (string, bool, error) {
	db, err := s.conn()
	if err != nil {
		return "", false, err
	}
	var value string
	err = db.QueryRowContext(ctx, "SELECT value FROM system_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get checkpoint", err.Error())
	}
	return value, true, nil
}

// SetCheckpoint writes a value to system_state
func (s *SQLiteStorage) SetCheckpoint(ctx context.Context, key, value string) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO system_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC())
	if err != nil {
		return utils.WrapError(utils.KindPersistenceFailure, utils.ErrCodeDatabase, "Failed to set checkpoint", err)
	}
	return nil
}

// GetStorageStats returns storage statistics
func (s *SQLiteStorage) GetStorageStats(ctx context.Context) (*StorageStats, error) {
	db, err := s.conn()
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

	var latest sql.NullInt64
	if err := db.QueryRowContext(ctx, "SELECT MAX(discovered_at) FROM contract_addresses").Scan(&latest); err == nil && latest.Valid {
		t := time.UnixMicro(latest.Int64).UTC()
		stats.LatestDiscovery = &t
	}

	// Get database size (SQLite specific)
	if err := db.QueryRowContext(ctx, "SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()").Scan(&stats.DatabaseSize); err != nil {
		stats.DatabaseSize = 0
	}

	return stats, nil
}

// GetHealth reports backend health
func (s *SQLiteStorage) GetHealth() *StorageHealth {
	return &StorageHealth{
		StorageType: "SQLite",
		Healthy:     s.Ping() == nil,
		Details:     map[string]string{"path": s.config.ConnectionString},
		LastPing:    time.Now(),
	}
}

func countByChain(ctx context.Context, db *sql.DB, query string, into map[string]int64) error {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			chain string
			count int64
		)
		if err := rows.Scan(&chain, &count); err != nil {
			return err
		}
		into[chain] = count
	}
	return rows.Err()
}
