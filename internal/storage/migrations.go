package storage

// Migration represents a database migration
type Migration struct {
	Version     string
	Description string
	SQL         string
}

// GetSQLiteMigrations returns SQLite migration scripts
func GetSQLiteMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create contract_addresses table",
			SQL: `
				CREATE TABLE IF NOT EXISTS contract_addresses (
					chain TEXT NOT NULL,
					address TEXT NOT NULL,
					discovered_at INTEGER NOT NULL, -- unix microseconds
					PRIMARY KEY (chain, address)
				);

				CREATE INDEX IF NOT EXISTS idx_contract_addresses_cursor
					ON contract_addresses(chain, discovered_at, address);
			`,
		},
		{
			Version:     "002",
			Description: "Create enrichment_records table",
			SQL: `
				CREATE TABLE IF NOT EXISTS enrichment_records (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					contract_address TEXT NOT NULL,
					chain TEXT NOT NULL,
					verified BOOLEAN NOT NULL DEFAULT FALSE,
					source_code TEXT NOT NULL DEFAULT '',
					contract_name TEXT NOT NULL DEFAULT 'Unknown Contract',
					native_balance TEXT NOT NULL DEFAULT '0',
					usd_balance TEXT NOT NULL DEFAULT '0',
					token_list TEXT NOT NULL DEFAULT '[]', -- JSON
					token_balances TEXT NOT NULL DEFAULT '[]', -- JSON
					notes TEXT,
					created_at INTEGER NOT NULL,
					CHECK (json_array_length(token_list) = json_array_length(token_balances)),
					CHECK (json_array_length(token_list) <= 100)
				);

				CREATE INDEX IF NOT EXISTS idx_enrichment_records_address
					ON enrichment_records(chain, contract_address);
				CREATE INDEX IF NOT EXISTS idx_enrichment_records_verified
					ON enrichment_records(verified);
			`,
		},
		{
			Version:     "003",
			Description: "Create system_state table",
			SQL: `
				CREATE TABLE IF NOT EXISTS system_state (
					key TEXT PRIMARY KEY,
					value TEXT NOT NULL,
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
				);
			`,
		},
	}
}

// GetPostgresMigrations returns PostgreSQL migration scripts
func GetPostgresMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create contract_addresses table",
			SQL: `
				CREATE TABLE IF NOT EXISTS contract_addresses (
					chain TEXT NOT NULL,
					address TEXT NOT NULL,
					discovered_at TIMESTAMP WITH TIME ZONE NOT NULL,
					PRIMARY KEY (chain, address)
				);

				CREATE INDEX IF NOT EXISTS idx_contract_addresses_cursor
					ON contract_addresses(chain, discovered_at, address);
			`,
		},
		{
			Version:     "002",
			Description: "Create enrichment_records table",
			SQL: `
				CREATE TABLE IF NOT EXISTS enrichment_records (
					id BIGSERIAL PRIMARY KEY,
					contract_address TEXT NOT NULL,
					chain TEXT NOT NULL,
					verified BOOLEAN NOT NULL DEFAULT FALSE,
					source_code TEXT NOT NULL DEFAULT '',
					contract_name TEXT NOT NULL DEFAULT 'Unknown Contract',
					native_balance NUMERIC NOT NULL DEFAULT 0,
					usd_balance NUMERIC NOT NULL DEFAULT 0,
					token_list TEXT[] NOT NULL DEFAULT '{}',
					token_balances NUMERIC[] NOT NULL DEFAULT '{}',
					notes TEXT,
					created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
					CHECK (cardinality(token_list) = cardinality(token_balances)),
					CHECK (cardinality(token_list) <= 100)
				);

				CREATE INDEX IF NOT EXISTS idx_enrichment_records_address
					ON enrichment_records(chain, contract_address);
				CREATE INDEX IF NOT EXISTS idx_enrichment_records_verified
					ON enrichment_records(verified);
				CREATE INDEX IF NOT EXISTS idx_enrichment_records_usd
					ON enrichment_records(usd_balance);
			`,
		},
		{
			Version:     "003",
			Description: "Create system_state table",
			SQL: `
				CREATE TABLE IF NOT EXISTS system_state (
					key TEXT PRIMARY KEY,
					value TEXT NOT NULL,
					updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
				);
			`,
		},
	}
}
