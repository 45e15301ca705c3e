// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/smartdevs17/contract-discovery/internal/models"
)

// Config holds all configuration for the application
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Chains       []ChainConfig      `mapstructure:"chains"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Checkpoint   CheckpointConfig   `mapstructure:"checkpoint"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Providers    ProvidersConfig    `mapstructure:"providers"`
	Scanner      ScannerConfig      `mapstructure:"scanner"`
	Pipeline     PipelineConfig     `mapstructure:"pipeline"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Server       ServerConfig       `mapstructure:"server"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// ChainConfig describes one monitored network. Empty provider fields fall
// back to the built-in values for the chain.
type ChainConfig struct {
	Name              models.Chain  `mapstructure:"name"`
	Enabled           bool          `mapstructure:"enabled"`
	NodeURL           string        `mapstructure:"node_url"`
	BackupNodes       []string      `mapstructure:"backup_nodes"`
	NetworkID         int64         `mapstructure:"network_id"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	RetryAttempts     int           `mapstructure:"retry_attempts"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	StartBlock        uint64        `mapstructure:"start_block"`
	ExplorerAPIURL    string        `mapstructure:"explorer_api_url"`
	CovalentName      string        `mapstructure:"covalent_name"`
	CoinGeckoPlatform string        `mapstructure:"coingecko_platform"`
	NativeSymbol      string        `mapstructure:"native_symbol"`
	NativeDecimals    int32         `mapstructure:"native_decimals"`
}

// Info merges configured overrides with the built-in chain values
func (c ChainConfig) Info() models.ChainInfo {
	info, _ := c.Name.Info()
	info.Chain = c.Name
	if c.NetworkID != 0 {
		info.NetworkID = c.NetworkID
	}
	if c.ExplorerAPIURL != "" {
		info.ExplorerAPIURL = c.ExplorerAPIURL
	}
	if c.CovalentName != "" {
		info.CovalentName = c.CovalentName
	}
	if c.CoinGeckoPlatform != "" {
		info.CoinGeckoPlatform = c.CoinGeckoPlatform
	}
	if c.NativeSymbol != "" {
		info.NativeSymbol = c.NativeSymbol
	}
	if c.NativeDecimals != 0 {
		info.NativeDecimals = c.NativeDecimals
	}
	if info.NativeDecimals == 0 {
		info.NativeDecimals = models.DefaultTokenDecimals
	}
	return info
}

// StorageConfig contains database configuration
type StorageConfig struct {
	Type             string        `mapstructure:"type"` // sqlite, postgres
	ConnectionString string        `mapstructure:"connection_string"`
	MaxConnections   int           `mapstructure:"max_connections"`
	MaxIdleTime      time.Duration `mapstructure:"max_idle_time"`
}

// CheckpointConfig selects where loop checkpoints are kept
type CheckpointConfig struct {
	Backend   string `mapstructure:"backend"` // database, file, redis
	Directory string `mapstructure:"directory"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// RedisConfig contains the redis checkpoint backend connection
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ProvidersConfig contains the external HTTP provider settings
type ProvidersConfig struct {
	Explorer  ProviderConfig `mapstructure:"explorer"`
	Covalent  ProviderConfig `mapstructure:"covalent"`
	CoinGecko PriceConfig    `mapstructure:"coingecko"`
}

// ProviderConfig is shared by all HTTP providers
type ProviderConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"` // requests per second, 0 disables
}

// PriceConfig adds batching to the price provider
type PriceConfig struct {
	ProviderConfig `mapstructure:",squash"`
	BatchSize      int           `mapstructure:"batch_size"`
	BatchPause     time.Duration `mapstructure:"batch_pause"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
}

// ScannerConfig contains block scanning configuration
type ScannerConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Interval          time.Duration `mapstructure:"interval"`
	ThrottleCooldown  time.Duration `mapstructure:"throttle_cooldown"`
	MaxBlocksPerCycle uint64        `mapstructure:"max_blocks_per_cycle"`
}

// PipelineConfig contains enrichment configuration
type PipelineConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	Interval           time.Duration `mapstructure:"interval"`
	RequestPause       time.Duration `mapstructure:"request_pause"`
	ThrottleCooldown   time.Duration `mapstructure:"throttle_cooldown"`
	MaxThrottleRetries int           `mapstructure:"max_throttle_retries"`
	BatchLimit         int           `mapstructure:"batch_limit"`
	// NativeBalanceSource is "explorer" or "node"
	NativeBalanceSource string `mapstructure:"native_balance_source"`
}

// OrchestratorConfig contains loop retry policy
type OrchestratorConfig struct {
	ErrorCooldown       time.Duration `mapstructure:"error_cooldown"`
	PersistenceCooldown time.Duration `mapstructure:"persistence_cooldown"`
	ThrottleCooldown    time.Duration `mapstructure:"throttle_cooldown"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Port          int           `mapstructure:"port"`
	Host          string        `mapstructure:"host"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	EnableMetrics bool          `mapstructure:"enable_metrics"`
	EnableHealth  bool          `mapstructure:"enable_health"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json, text
	Output     string `mapstructure:"output"` // stdout, stderr, file
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// Loader reads configuration and watches the file for changes
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a loader for the given file. An empty path searches
// the working directory for config.yaml.
func NewLoader(configPath string) *Loader {
	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Set environment variable prefix
	v.SetEnvPrefix("CONTRACT_DISCOVERY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return &Loader{v: v}
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}

// Load reads the file (if present) and decodes the configuration
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var config Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		chainDecodeHook(),
	))
	if err := l.v.Unmarshal(&config, hook); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	applyEnvOverrides(&config)
	return &config, nil
}

// Watch reloads the configuration when the file changes and hands it to onChange
func (l *Loader) Watch(onChange func(*Config, error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		onChange(l.decode())
	})
	l.v.WatchConfig()
}

// ConfigFile returns the file in use, if any
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

func chainDecodeHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf(models.Chain("")) {
			return data, nil
		}
		return models.ParseChain(data.(string))
	}
}

// applyEnvOverrides applies the unprefixed variables used by deployments
func applyEnvOverrides(config *Config) {
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Storage.ConnectionString = dbURL
	}
	if key := os.Getenv("ETHERSCAN_API_KEY"); key != "" {
		config.Providers.Explorer.APIKey = key
	}
	if key := os.Getenv("COVALENT_API_KEY"); key != "" {
		config.Providers.Covalent.APIKey = key
	}
	if key := os.Getenv("COINGECKO_API_KEY"); key != "" {
		config.Providers.CoinGecko.APIKey = key
	}
	for i := range config.Chains {
		if nodeURL := os.Getenv(string(config.Chains[i].Name) + "_NODE_URL"); nodeURL != "" {
			config.Chains[i].NodeURL = nodeURL
		}
	}
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "contract-discovery")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)

	// Chain defaults
	v.SetDefault("chains", []map[string]interface{}{
		{
			"name":            "ETH",
			"enabled":         true,
			"node_url":        "https://ethereum-rpc.publicnode.com",
			"request_timeout": "30s",
			"retry_attempts":  3,
			"retry_delay":     "5s",
		},
	})

	// Storage defaults
	v.SetDefault("storage.type", "sqlite")
	v.SetDefault("storage.connection_string", "./data/contracts.db")
	v.SetDefault("storage.max_connections", 10)
	v.SetDefault("storage.max_idle_time", "15m")

	// Checkpoint defaults
	v.SetDefault("checkpoint.backend", "database")
	v.SetDefault("checkpoint.directory", "./data/checkpoints")
	v.SetDefault("checkpoint.key_prefix", "contract-discovery")

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)

	// Provider defaults
	v.SetDefault("providers.explorer.timeout", "30s")
	v.SetDefault("providers.explorer.rate_limit", 4)
	v.SetDefault("providers.covalent.base_url", "https://api.covalenthq.com/v1")
	v.SetDefault("providers.covalent.timeout", "30s")
	v.SetDefault("providers.covalent.rate_limit", 4)
	v.SetDefault("providers.coingecko.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("providers.coingecko.timeout", "30s")
	v.SetDefault("providers.coingecko.rate_limit", 0)
	v.SetDefault("providers.coingecko.batch_size", 7)
	v.SetDefault("providers.coingecko.batch_pause", "60s")
	v.SetDefault("providers.coingecko.cache_ttl", "10m")

	// Scanner defaults
	v.SetDefault("scanner.enabled", true)
	v.SetDefault("scanner.interval", "24h")
	v.SetDefault("scanner.throttle_cooldown", "24h")
	v.SetDefault("scanner.max_blocks_per_cycle", 0)

	// Pipeline defaults
	v.SetDefault("pipeline.enabled", true)
	v.SetDefault("pipeline.interval", "24h")
	v.SetDefault("pipeline.request_pause", "15s")
	v.SetDefault("pipeline.throttle_cooldown", "60s")
	v.SetDefault("pipeline.max_throttle_retries", 3)
	v.SetDefault("pipeline.batch_limit", 0)
	v.SetDefault("pipeline.native_balance_source", "explorer")

	// Orchestrator defaults
	v.SetDefault("orchestrator.error_cooldown", "24h")
	v.SetDefault("orchestrator.persistence_cooldown", "1m")
	v.SetDefault("orchestrator.throttle_cooldown", "24h")

	// Server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.enable_metrics", true)
	v.SetDefault("server.enable_health", true)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
}

// EnabledChains returns the chains with loops to run
func (c *Config) EnabledChains() []ChainConfig {
	var chains []ChainConfig
	for _, chain := range c.Chains {
		if chain.Enabled {
			chains = append(chains, chain)
		}
	}
	return chains
}

// Validate validates the configuration
func (c *Config) Validate() error {
	enabled := c.EnabledChains()
	if len(enabled) == 0 {
		return fmt.Errorf("at least one enabled chain is required")
	}
	seen := make(map[models.Chain]bool)
	for _, chain := range enabled {
		if chain.Name == "" {
			return fmt.Errorf("chain name is required")
		}
		if seen[chain.Name] {
			return fmt.Errorf("chain %s configured twice", chain.Name)
		}
		seen[chain.Name] = true
		if chain.NodeURL == "" {
			return fmt.Errorf("node URL is required for chain %s", chain.Name)
		}
	}
	switch c.Storage.Type {
	case "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}
	if c.Storage.ConnectionString == "" {
		return fmt.Errorf("storage connection string is required")
	}
	switch c.Checkpoint.Backend {
	case "database":
	case "file":
		if c.Checkpoint.Directory == "" {
			return fmt.Errorf("checkpoint directory is required for the file backend")
		}
	case "redis":
		if c.Redis.Address == "" {
			return fmt.Errorf("redis address is required for the redis checkpoint backend")
		}
	default:
		return fmt.Errorf("unsupported checkpoint backend: %s", c.Checkpoint.Backend)
	}
	if c.Providers.CoinGecko.BatchSize <= 0 || c.Providers.CoinGecko.BatchSize > 7 {
		return fmt.Errorf("price batch size must be between 1 and 7")
	}
	switch c.Pipeline.NativeBalanceSource {
	case "explorer", "node":
	default:
		return fmt.Errorf("unsupported native balance source: %s", c.Pipeline.NativeBalanceSource)
	}
	if c.Pipeline.Interval <= 0 || c.Scanner.Interval <= 0 {
		return fmt.Errorf("loop intervals must be positive")
	}
	if c.Orchestrator.ErrorCooldown <= 0 {
		return fmt.Errorf("orchestrator error cooldown must be positive")
	}
	return nil
}
