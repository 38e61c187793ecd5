package cmd

import (
	"os"

	"go.uber.org/zap"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/wegman-software/osm2graph-go/internal/config"
	"github.com/wegman-software/osm2graph-go/internal/logger"
)

var (
	cfg        = config.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "osm2graph-go",
	Short: "Store OSM data as a property graph and query it spatially",
	Long: `osm2graph-go loads OpenStreetMap extracts into a property graph and
reconstructs ways, points, changesets and users from it on demand.

Features:
  - Datasets per named layer in memory, SQLite or PostgreSQL stores
  - Lazy traversals over way and point chains
  - Two-phase spatial search (equal, within, contains, intersects, disjoint)
  - Changeset and user provenance audits
  - Lua filters and Parquet export`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if configFile != "" {
			if err := loadConfigFile(cmd.Flags()); err != nil {
				logger.Init(cfg.Verbose)
				exitWithError("failed to load config", err)
			}
		}

		logger.InitWithFile(cfg.Verbose, cfg.LogFile)

		if err := cfg.Validate(); err != nil {
			exitWithError("invalid configuration", err)
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configFile, "config", "c", "", "YAML config file; explicit flags take precedence")
	pf.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "Enable verbose output")
	pf.IntVarP(&cfg.Workers, "workers", "j", cfg.Workers, "Number of parallel workers")

	// Store flags
	pf.StringVar(&cfg.Store, "store", cfg.Store, "Graph store: memory, sqlite or postgres")
	pf.StringVar(&cfg.SQLitePath, "sqlite-path", cfg.SQLitePath, "SQLite database file")
	pf.StringVarP(&cfg.Layer, "layer", "l", cfg.Layer, "Layer name")
	pf.IntVarP(&cfg.Projection, "projection", "E", cfg.Projection, "SRID for new layers (4326 or 3857)")
	pf.BoolVar(&cfg.CycleDetection, "cycle-detection", cfg.CycleDetection, "Guard walks against cyclic chains")
	pf.IntVar(&cfg.MaxDepth, "max-depth", cfg.MaxDepth, "Bound every chain walk to this depth (0 = unbounded)")

	// Logging and metrics flags
	pf.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Path to log file for persistent logging (JSON format)")
	pf.DurationVar(&cfg.MetricsInterval, "metrics-interval", cfg.MetricsInterval, "Interval for system metrics logging (e.g., 10s, 1m)")

	// Database flags (persistent so they're available to all subcommands)
	pf.StringVar(&cfg.DBHost, "db-host", cfg.DBHost, "PostgreSQL host")
	pf.IntVar(&cfg.DBPort, "db-port", cfg.DBPort, "PostgreSQL port")
	pf.StringVarP(&cfg.DBName, "db-name", "d", cfg.DBName, "PostgreSQL database name")
	pf.StringVarP(&cfg.DBUser, "db-user", "U", cfg.DBUser, "PostgreSQL user")
	pf.StringVarP(&cfg.DBPassword, "db-password", "W", cfg.DBPassword, "PostgreSQL password")
	pf.StringVar(&cfg.DBSchema, "db-schema", cfg.DBSchema, "PostgreSQL schema")
}

// loadConfigFile overlays the config file onto cfg, then re-applies the
// flags given on the command line
func loadConfigFile(flags *pflag.FlagSet) error {
	explicit := map[string]string{}
	flags.Visit(func(f *pflag.Flag) {
		explicit[f.Name] = f.Value.String()
	})

	if err := cfg.LoadFile(configFile); err != nil {
		return err
	}
	for name, value := range explicit {
		if err := flags.Set(name, value); err != nil {
			return err
		}
	}
	return nil
}

func exitWithError(msg string, err error) {
	log := logger.Get()
	if err != nil {
		log.Error(msg, zap.Error(err))
	} else {
		log.Error(msg)
	}
	logger.Sync()
	os.Exit(1)
}
