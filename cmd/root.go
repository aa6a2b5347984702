package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"binvision/internal/config"
	"binvision/internal/events"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/spf13/cobra"
)

var (
	// Config flags - bound in init()
	cfgFile        string
	baseURL        string
	patterns       []string
	symbolGlob     string
	outputDir      string
	dbPath         string
	workers        int
	chunkBytes     int
	proxyURL       string
	cacheBucket    string
	verifyChecksum bool
	logFormat      string
	logLevel       string
	logOutput      string

	// Global instances populated in PersistentPreRunE
	rootLogger *slog.Logger
	dbConn     *sql.DB
	appConfig  config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "binvision",
	Short: "Harvest time-partitioned market data archives into parquet datasets.",
	Long: `binvision incrementally harvests zip archives from a public market data
listing service, extracts their CSV content and merges it into deduplicated,
sorted per-symbol parquet datasets. A text ledger next to each dataset makes
runs resumable; a DuckDB event log records what happened for inspection.

The primary command is 'run', which performs the full harvest. Other
commands inspect the datasets or the event log.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// --- 1. Initialize Logger ---
		var level slog.Level
		switch strings.ToLower(logLevel) {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		default:
			level = slog.LevelInfo
		}

		var logWriter io.Writer = os.Stderr
		if logOutput != "" && strings.ToLower(logOutput) != "stderr" {
			if strings.ToLower(logOutput) == "stdout" {
				logWriter = os.Stdout
			} else {
				f, err := os.OpenFile(logOutput, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
				if err != nil {
					return fmt.Errorf("failed to open log file %s: %w", logOutput, err)
				}
				logWriter = f
			}
		}

		opts := &slog.HandlerOptions{Level: level}
		var handler slog.Handler
		if logFormat == "json" {
			handler = slog.NewJSONHandler(logWriter, opts)
		} else {
			handler = slog.NewTextHandler(logWriter, opts)
		}
		rootLogger = slog.New(handler)
		slog.SetDefault(rootLogger)
		rootLogger.Info("Logger initialized", "level", level.String(), "format", logFormat, "output", logOutput)

		// --- 2. Load Config (file first, then flag overrides) ---
		var err error
		if cfgFile != "" {
			appConfig, err = config.LoadFile(cfgFile)
			if err != nil {
				return err
			}
			rootLogger.Info("Config file loaded", "path", cfgFile)
		} else {
			appConfig = config.Default()
		}

		flags := cmd.Flags()
		if flags.Changed("base-url") {
			appConfig.BaseURL = baseURL
		}
		if flags.Changed("pattern") {
			appConfig.Patterns = patterns
		}
		if flags.Changed("symbol-glob") {
			appConfig.SymbolGlob = symbolGlob
		}
		if flags.Changed("output-dir") {
			appConfig.OutputDir = outputDir
		}
		if flags.Changed("db-path") {
			appConfig.DbPath = dbPath
		}
		if flags.Changed("workers") {
			appConfig.NumWorkers = workers
		}
		if flags.Changed("chunk-bytes") {
			appConfig.ChunkBytes = chunkBytes
		}
		if flags.Changed("proxy-url") {
			appConfig.ProxyURL = proxyURL
		}
		if flags.Changed("cache-bucket") {
			appConfig.CacheBucketURL = cacheBucket
		}
		if flags.Changed("verify-checksum") {
			appConfig.VerifyChecksum = verifyChecksum
		}

		if err := appConfig.Validate(); err != nil {
			return err
		}
		rootLogger.Debug("Configuration loaded", slog.Any("config", appConfig))

		if err := os.MkdirAll(appConfig.OutputDir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", appConfig.OutputDir, err)
		}
		if appConfig.DbPath != ":memory:" {
			dbDir := filepath.Dir(appConfig.DbPath)
			if err := os.MkdirAll(dbDir, 0o755); err != nil {
				return fmt.Errorf("failed to create database directory %s: %w", dbDir, err)
			}
		}

		// --- 3. Initialize DuckDB Connection & Schema ---
		rootLogger.Info("Initializing DuckDB connection", "path", appConfig.DbPath)
		dbConn, err = sql.Open("duckdb", appConfig.DbPath)
		if err != nil {
			return fmt.Errorf("failed to open duckdb database (%s): %w", appConfig.DbPath, err)
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err = dbConn.PingContext(pingCtx); err != nil {
			dbConn.Close()
			return fmt.Errorf("failed to ping duckdb database (%s): %w", appConfig.DbPath, err)
		}
		rootLogger.Info("DuckDB connection successful.")

		if err := events.InitializeSchema(dbConn); err != nil {
			dbConn.Close()
			return fmt.Errorf("failed to initialize database schema: %w", err)
		}
		rootLogger.Info("Database schema initialized successfully.")

		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if dbConn != nil {
			rootLogger.Info("Closing DuckDB connection.")
			if err := dbConn.Close(); err != nil {
				rootLogger.Error("Failed to close DuckDB connection cleanly", "error", err)
			}
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(stateCmd)

	err := rootCmd.Execute()
	if err != nil {
		if rootLogger != nil {
			rootLogger.Error("Command execution failed", "error", err)
		} else {
			fmt.Fprintf(os.Stderr, "Command execution failed: %v\n", err)
		}
		os.Exit(1)
	}
}

func init() {
	defaults := config.Default()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file to load settings from")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", defaults.BaseURL, "Base URL of the archive listing service")
	rootCmd.PersistentFlags().StringSliceVar(&patterns, "pattern", defaults.Patterns, "Partition template(s) to harvest, containing the SYMBOL placeholder (can specify multiple)")
	rootCmd.PersistentFlags().StringVar(&symbolGlob, "symbol-glob", defaults.SymbolGlob, "Wildcard filter for symbols ('*' and '?' supported)")
	rootCmd.PersistentFlags().StringVarP(&outputDir, "output-dir", "o", defaults.OutputDir, "Root directory for parquet datasets and ledgers")
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db-path", "d", defaults.DbPath, "Path to DuckDB state database file (:memory: for in-memory)")
	rootCmd.PersistentFlags().IntVarP(&workers, "workers", "w", defaults.NumWorkers, "Number of symbols harvested concurrently")
	rootCmd.PersistentFlags().IntVar(&chunkBytes, "chunk-bytes", defaults.ChunkBytes, "Download read chunk size in bytes")
	rootCmd.PersistentFlags().StringVar(&proxyURL, "proxy-url", "", "Forward proxy for all HTTP requests")
	rootCmd.PersistentFlags().StringVar(&cacheBucket, "cache-bucket", "", "Blob bucket URL (file:// or mem://) caching raw archives")
	rootCmd.PersistentFlags().BoolVar(&verifyChecksum, "verify-checksum", false, "Verify published SHA-256 checksums of downloaded archives")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log output format (text or json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", "stderr", "Log output destination (stderr, stdout, or file path)")

	rootCmd.Version = "0.1.0"
}

// Helper to get logger (could use context propagation instead)
func getLogger() *slog.Logger {
	if rootLogger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return rootLogger
}

// Helper to get DB connection
func getDB() *sql.DB {
	return dbConn
}

// Helper to get Config
func getConfig() config.Config {
	return appConfig
}
