package cmd

import (
	"context"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"

	"github.com/spf13/cobra"
	"github.com/wegman-software/osm2graph-go/internal/logger"
	"github.com/wegman-software/osm2graph-go/internal/metrics"
	"github.com/wegman-software/osm2graph-go/internal/osmfile"
	"github.com/wegman-software/osm2graph-go/internal/style"
)

var loadCmd = &cobra.Command{
	Use:   "load <file.osm|file.osm.pbf>",
	Short: "Load an OSM extract into the layer's dataset",
	Long: `Read an OSM XML or PBF extract and append its ways to the dataset
owning the configured layer, creating the layer and dataset if needed.

Each way is chained after the dataset's current last way. Way members are
stored as points shared across ways, each linked to its changeset and user.
The whole file is written in one unit of work.`,
	Args: cobra.ExactArgs(1),
	Run:  runLoad,
}

func init() {
	rootCmd.AddCommand(loadCmd)

	loadCmd.Flags().StringVarP(&cfg.StyleFile, "style", "S", cfg.StyleFile, "Style YAML file for way and tag filtering")
}

// withSignals returns a context cancelled on interrupt
func withSignals() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

// startMetrics runs a collector until the returned function is called
func startMetrics(ctx context.Context) (*metrics.Collector, func()) {
	collector := metrics.NewCollector(cfg.MetricsInterval, logger.Get(), nil)
	mctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		collector.Start(mctx)
		close(done)
	}()
	return collector, func() {
		cancel()
		<-done
	}
}

func runLoad(cmd *cobra.Command, args []string) {
	log := logger.Get()
	ctx, cancel := withSignals()
	defer cancel()

	opts := []osmfile.Option{osmfile.WithWorkers(cfg.Workers)}
	if cfg.StyleFile != "" {
		sc, err := style.LoadConfig(cfg.StyleFile)
		if err != nil {
			exitWithError("failed to load style", err)
		}
		opts = append(opts, osmfile.WithStyle(sc))
	}

	store, closeStore, err := openStore(ctx)
	if err != nil {
		exitWithError("failed to open store", err)
	}
	defer closeStore()

	ds, err := openDataset(ctx, store, cfg.Layer, true)
	if err != nil {
		exitWithError("failed to resolve dataset", err)
	}

	collector, stopMetrics := startMetrics(ctx)
	opts = append(opts, osmfile.WithCounters(collector.Counters()))

	start := time.Now()
	stats, err := osmfile.NewLoader(opts...).LoadFile(ctx, ds, args[0])
	stopMetrics()
	if err != nil {
		exitWithError("load failed", err)
	}

	elapsed := time.Since(start)
	collector.Summary("Load summary", elapsed)
	log.Info("Load complete",
		zap.String("layer", ds.Layer().Name),
		zap.String("dataset", ds.UUID()),
		zap.Int64("ways_written", stats.Build.Ways),
		zap.Int64("points_written", stats.Build.Points),
		zap.Int64("changesets", stats.Build.Changesets),
		zap.Int64("users", stats.Build.Users),
		zap.Duration("duration", elapsed.Round(time.Millisecond)),
		zap.Float64("throughput_ways_s", float64(stats.Ways)/elapsed.Seconds()),
	)
}
