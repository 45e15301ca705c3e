// File: cmd/discovery/main.go
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/smartdevs17/contract-discovery/internal/checkpoint"
	"github.com/smartdevs17/contract-discovery/internal/config"
	"github.com/smartdevs17/contract-discovery/internal/connection"
	"github.com/smartdevs17/contract-discovery/internal/fetcher"
	"github.com/smartdevs17/contract-discovery/internal/metrics"
	"github.com/smartdevs17/contract-discovery/internal/orchestrator"
	"github.com/smartdevs17/contract-discovery/internal/pipeline"
	"github.com/smartdevs17/contract-discovery/internal/providers"
	"github.com/smartdevs17/contract-discovery/internal/scanner"
	"github.com/smartdevs17/contract-discovery/internal/server"
	"github.com/smartdevs17/contract-discovery/internal/storage"
	"github.com/smartdevs17/contract-discovery/pkg/utils"
)

// AppVersion contains the application version
const AppVersion = "1.0.0"

// Application represents the main application
type Application struct {
	config       *config.Config
	loader       *config.Loader
	logger       *logrus.Entry
	metrics      *metrics.Manager
	storage      storage.Storage
	checkpoints  checkpoint.Store
	pool         *connection.Pool
	covalent     *providers.Covalent
	prices       *providers.Prices
	explorers    []*providers.Explorer
	orchestrator *orchestrator.Orchestrator
	server       *server.HTTPServer
	ctx          context.Context
	cancel       context.CancelFunc
	done         chan error
}

// NewApplication creates a new application instance
func NewApplication(cfg *config.Config, loader *config.Loader) (*Application, error) {
	ctx, cancel := context.WithCancel(context.Background())

	app := &Application{
		config: cfg,
		loader: loader,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan error, 1),
	}

	if err := app.initializeLogger(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := app.initializeComponents(); err != nil {
		app.Stop()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	return app, nil
}

// initializeLogger initializes the application logger
func (app *Application) initializeLogger() error {
	logCfg := app.config.Logging

	err := utils.InitLoggerWithRotation(logCfg.Level, logCfg.Format, logCfg.Output, logCfg.File, utils.LogRotation{
		MaxSize:    logCfg.MaxSize,
		MaxBackups: logCfg.MaxBackups,
		MaxAge:     logCfg.MaxAge,
		Compress:   logCfg.Compress,
	})
	if err != nil {
		return err
	}

	app.logger = utils.ComponentLogger("app")
	app.logger.WithFields(logrus.Fields{
		"level":  logCfg.Level,
		"format": logCfg.Format,
		"output": logCfg.Output,
	}).Info("Logger initialized")

	return nil
}

// initializeComponents initializes all application components
func (app *Application) initializeComponents() error {
	app.logger.Info("Initializing application components")

	app.metrics = metrics.NewManager()

	if err := app.initializeStorage(); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := app.initializeCheckpoints(); err != nil {
		return fmt.Errorf("failed to initialize checkpoints: %w", err)
	}

	if err := app.initializeConnections(); err != nil {
		return fmt.Errorf("failed to initialize connections: %w", err)
	}

	if err := app.initializeLoops(); err != nil {
		return fmt.Errorf("failed to initialize loops: %w", err)
	}

	if err := app.initializeServer(); err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	app.logger.Info("All components initialized successfully")
	return nil
}

// initializeStorage initializes the storage layer
func (app *Application) initializeStorage() error {
	app.logger.Info("Initializing storage layer")

	prom := app.metrics.GetPrometheusMetrics()
	store, err := storage.NewStorage(&app.config.Storage, prom)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}

	if err := store.Connect(); err != nil {
		return fmt.Errorf("failed to connect to storage: %w", err)
	}

	if err := store.Migrate(); err != nil {
		store.Close()
		return fmt.Errorf("failed to run storage migrations: %w", err)
	}

	app.storage = storage.NewStorageWithMetrics(store, prom)
	app.logger.WithField("type", app.config.Storage.Type).Info("Storage layer initialized successfully")
	return nil
}

// initializeCheckpoints initializes the checkpoint backend
func (app *Application) initializeCheckpoints() error {
	store, err := checkpoint.NewStore(app.config, app.storage)
	if err != nil {
		return err
	}
	if redisStore, ok := store.(*checkpoint.RedisStore); ok {
		if err := redisStore.Ping(app.ctx); err != nil {
			redisStore.Close()
			return fmt.Errorf("failed to reach redis: %w", err)
		}
	}

	app.checkpoints = store
	app.logger.WithField("backend", app.config.Checkpoint.Backend).Info("Checkpoint store initialized")
	return nil
}

// initializeConnections connects to every enabled chain
func (app *Application) initializeConnections() error {
	app.logger.Info("Initializing chain connections")

	app.pool = connection.NewPool(app.config.Chains, app.metrics.GetPrometheusMetrics())

	ctx, cancel := context.WithTimeout(app.ctx, 2*time.Minute)
	defer cancel()

	if err := app.pool.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to chain nodes: %w", err)
	}

	app.logger.WithField("chains", len(app.pool.Chains())).Info("Chain connections initialized successfully")
	return nil
}

// initializeLoops builds the scanner and pipeline of every chain
func (app *Application) initializeLoops() error {
	prom := app.metrics.GetPrometheusMetrics()
	policy := orchestrator.PolicyFromConfig(app.config.Orchestrator)

	app.orchestrator = orchestrator.New(prom)
	app.covalent = providers.NewCovalent(app.config.Providers.Covalent, prom)
	app.prices = providers.NewPrices(app.config.Providers.CoinGecko, prom)

	for _, chainCfg := range app.config.EnabledChains() {
		manager, ok := app.pool.Get(chainCfg.Name)
		if !ok {
			return fmt.Errorf("no connection for chain %s", chainCfg.Name)
		}
		info := chainCfg.Info()

		if app.config.Scanner.Enabled {
			s := scanner.New(scanner.Config{
				Chain:             chainCfg.Name,
				StartBlock:        chainCfg.StartBlock,
				ThrottleCooldown:  app.config.Scanner.ThrottleCooldown,
				MaxBlocksPerCycle: app.config.Scanner.MaxBlocksPerCycle,
			}, manager, app.storage, checkpoint.NewBlockCheckpoint(app.checkpoints, chainCfg.Name), prom)

			if err := app.orchestrator.Register(orchestrator.ScannerTask(s, app.config.Scanner.Interval, policy)); err != nil {
				return err
			}
		}

		if app.config.Pipeline.Enabled {
			explorer := providers.NewExplorer(app.explorerURL(chainCfg), app.config.Providers.Explorer, prom)
			app.explorers = append(app.explorers, explorer)

			var balances pipeline.BalanceSource = explorer
			if app.config.Pipeline.NativeBalanceSource == "node" {
				balances = pipeline.NewNodeBalances(manager,
					fetcher.New("rpc:"+chainCfg.Name.Key(),
						fetcher.WithRetryable(fetcher.IsTimeout),
						fetcher.WithMetrics(prom)))
			}

			enricher := pipeline.NewEnricher(info, explorer, balances, app.covalent, app.prices, prom)
			p := pipeline.New(pipeline.Config{
				Chain:              chainCfg.Name,
				RequestPause:       app.config.Pipeline.RequestPause,
				ThrottleCooldown:   app.config.Pipeline.ThrottleCooldown,
				MaxThrottleRetries: app.config.Pipeline.MaxThrottleRetries,
				BatchLimit:         app.config.Pipeline.BatchLimit,
			}, app.storage, enricher, checkpoint.NewCursorCheckpoint(app.checkpoints, chainCfg.Name), prom)

			if err := app.orchestrator.Register(orchestrator.PipelineTask(p, app.config.Pipeline.Interval, policy)); err != nil {
				return err
			}
		}

		app.logger.WithFields(logrus.Fields{
			"chain":          chainCfg.Name,
			"start_block":    chainCfg.StartBlock,
			"native_balance": app.config.Pipeline.NativeBalanceSource,
		}).Info("Chain loops initialized")
	}

	return nil
}

// explorerURL prefers the chain override, then the shared base URL, then the built-in endpoint
func (app *Application) explorerURL(chainCfg config.ChainConfig) string {
	if chainCfg.ExplorerAPIURL == "" && app.config.Providers.Explorer.BaseURL != "" {
		return app.config.Providers.Explorer.BaseURL
	}
	return chainCfg.Info().ExplorerAPIURL
}

// initializeServer initializes the HTTP server
func (app *Application) initializeServer() error {
	if !app.config.Server.Enabled {
		return nil
	}

	serverCfg := &server.ServerConfig{
		Port:          app.config.Server.Port,
		Host:          app.config.Server.Host,
		ReadTimeout:   app.config.Server.ReadTimeout,
		WriteTimeout:  app.config.Server.WriteTimeout,
		EnableMetrics: app.config.Server.EnableMetrics,
		EnableHealth:  app.config.Server.EnableHealth,
		Version:       AppVersion,
	}

	app.server = server.NewHTTPServer(serverCfg, server.Dependencies{
		Storage:     app.storage,
		Checkpoints: app.checkpoints,
		Tasks:       app.orchestrator,
		Connections: app.pool,
		Metrics:     app.metrics,
		Chains:      app.pool.Chains(),
	})
	return nil
}

// Start starts the application
func (app *Application) Start() error {
	app.logger.WithFields(logrus.Fields{
		"version":     AppVersion,
		"environment": app.config.App.Environment,
	}).Info("Starting contract discovery")

	if app.server != nil {
		if err := app.server.Start(); err != nil {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}

	app.watchConfig()

	go func() {
		app.done <- app.orchestrator.Run(app.ctx)
	}()

	app.logger.WithField("tasks", len(app.orchestrator.Status())).Info("Contract discovery started successfully")
	return nil
}

// watchConfig applies log level changes without a restart
func (app *Application) watchConfig() {
	if app.loader == nil || app.loader.ConfigFile() == "" {
		return
	}
	app.loader.Watch(func(cfg *config.Config, err error) {
		if err != nil {
			app.logger.WithError(err).Warn("Ignoring invalid configuration change")
			return
		}
		if cfg.Logging.Level == app.config.Logging.Level {
			return
		}
		if err := utils.SetLogLevel(cfg.Logging.Level); err != nil {
			app.logger.WithError(err).Warn("Ignoring invalid log level")
			return
		}
		app.logger.WithField("level", cfg.Logging.Level).Info("Log level changed")
		app.config.Logging.Level = cfg.Logging.Level
	})
}

// Done reports the orchestrator exit
func (app *Application) Done() <-chan error {
	return app.done
}

// Stop stops the application gracefully
func (app *Application) Stop() error {
	app.logger.Info("Stopping contract discovery")

	app.cancel()

	if app.server != nil {
		if err := app.server.Stop(); err != nil {
			app.logger.WithError(err).Error("Failed to stop HTTP server")
		}
	}

	for _, explorer := range app.explorers {
		explorer.Close()
	}
	if app.covalent != nil {
		app.covalent.Close()
	}
	if app.prices != nil {
		app.prices.Close()
	}

	if closer, ok := app.checkpoints.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			app.logger.WithError(err).Error("Failed to close checkpoint store")
		}
	}

	if app.storage != nil {
		if err := app.storage.Close(); err != nil {
			app.logger.WithError(err).Error("Failed to close storage")
		}
	}

	if app.pool != nil {
		if err := app.pool.Close(); err != nil {
			app.logger.WithError(err).Error("Failed to close connections")
		}
	}

	app.logger.Info("Contract discovery stopped successfully")
	return nil
}

// CLI Commands

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "contract-discovery",
	Short:   "Contract discovery and enrichment service",
	Long:    `Scans EVM chains for contract addresses and enriches them with verification, balances and USD holdings.`,
	Version: AppVersion,
	RunE:    runDiscovery,
}

// runCmd is an explicit alias of the root command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scanner and enrichment loops",
	RunE:  runDiscovery,
}

// loadConfig loads and validates the configuration named by the flags
func loadConfig(cmd *cobra.Command) (*config.Config, *config.Loader, error) {
	loader := config.NewLoader(viper.GetString("config"))
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if level := viper.GetString("log-level"); cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = level
	}
	if viper.GetBool("debug") {
		cfg.App.Debug = true
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, loader, nil
}

// runDiscovery is the main command to run the service
func runDiscovery(cmd *cobra.Command, args []string) error {
	cfg, loader, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	app, err := NewApplication(cfg, loader)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	if err := app.Start(); err != nil {
		app.Stop()
		return fmt.Errorf("failed to start application: %w", err)
	}

	select {
	case <-signalChan:
		fmt.Println("\nReceived shutdown signal, stopping application...")
	case err := <-app.Done():
		if err != nil && err != context.Canceled {
			app.Stop()
			return fmt.Errorf("orchestrator stopped: %w", err)
		}
	}

	return app.Stop()
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Contract Discovery %s\n", AppVersion)
	},
}

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

// validateConfigCmd validates the configuration
var validateConfigCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}

		fmt.Printf("Configuration is valid!\n")
		fmt.Printf("Environment: %s\n", cfg.App.Environment)
		for _, chain := range cfg.EnabledChains() {
			fmt.Printf("Chain %s: %s (start block %d)\n", chain.Name, chain.NodeURL, chain.StartBlock)
		}
		fmt.Printf("Database: %s\n", cfg.Storage.Type)
		fmt.Printf("Checkpoints: %s\n", cfg.Checkpoint.Backend)

		return nil
	},
}

// testCmd represents the test command
var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Test connectivity and configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()

		fmt.Println("Testing contract discovery connectivity...")

		for _, chainCfg := range cfg.EnabledChains() {
			fmt.Printf("Testing %s node at %s...\n", chainCfg.Name, chainCfg.NodeURL)
			manager := connection.NewManager(chainCfg, nil)
			if err := manager.Connect(ctx); err != nil {
				return fmt.Errorf("failed to connect to %s node: %w", chainCfg.Name, err)
			}
			head, err := manager.LatestBlockNumber(ctx)
			manager.Close()
			if err != nil {
				return fmt.Errorf("failed to read %s head: %w", chainCfg.Name, err)
			}
			fmt.Printf("✓ %s connection successful (head %d)\n", chainCfg.Name, head)
		}

		fmt.Printf("Testing storage connection (%s)...\n", cfg.Storage.Type)
		store, err := openStorage(cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		fmt.Println("✓ Storage connection successful")

		fmt.Println("\nAll connectivity tests passed! ✓")
		return nil
	},
}

// checkpointCmd represents the checkpoint command
var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Checkpoint inspection commands",
}

// showCheckpointCmd prints the checkpoints of every enabled chain
var showCheckpointCmd = &cobra.Command{
	Use:   "show",
	Short: "Show scanner and pipeline checkpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := openStorage(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		checkpoints, err := checkpoint.NewStore(cfg, store)
		if err != nil {
			return err
		}
		if closer, ok := checkpoints.(io.Closer); ok {
			defer closer.Close()
		}

		ctx := cmd.Context()
		for _, chainCfg := range cfg.EnabledChains() {
			block, found, err := checkpoint.NewBlockCheckpoint(checkpoints, chainCfg.Name).Load(ctx)
			if err != nil {
				return err
			}
			cursor, err := checkpoint.NewCursorCheckpoint(checkpoints, chainCfg.Name).Load(ctx)
			if err != nil {
				return err
			}
			count, err := store.CountAddresses(ctx, chainCfg.Name)
			if err != nil {
				return err
			}

			scanned := "none"
			if found {
				scanned = fmt.Sprintf("%d", block)
			}
			enriched := "none"
			if !cursor.IsZero() {
				enriched = cursor.String()
			}
			fmt.Printf("%s: scanner=%s pipeline=%s addresses=%d\n", chainCfg.Name, scanned, enriched, count)
		}
		return nil
	},
}

func openStorage(cfg *config.Config) (storage.Storage, error) {
	store, err := storage.NewStorage(&cfg.Storage, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}
	if err := store.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to storage: %w", err)
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to run storage migrations: %w", err)
	}
	return store, nil
}

// init initializes the CLI commands
func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug mode")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(checkpointCmd)
	configCmd.AddCommand(validateConfigCmd)
	checkpointCmd.AddCommand(showCheckpointCmd)
}

// main is the entry point
func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
