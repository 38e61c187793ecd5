package cmd

import (
	"time"

	"go.uber.org/zap"

	"github.com/spf13/cobra"
	"github.com/wegman-software/osm2graph-go/internal/export"
	"github.com/wegman-software/osm2graph-go/internal/logger"
)

var (
	exportOut    string
	exportFilter string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the layer's ways to a Parquet file",
	Long: `Write every way of the layer's dataset, in chain order, to a Zstd
compressed Parquet file with osm_id, kind, changeset, user, tags (JSON) and
geom_wkb (EWKB in the layer's SRID) columns.

A Lua script (--filter) may drop ways with osm2graph.filter and add string
columns with osm2graph.columns.`,
	Args: cobra.NoArgs,
	Run:  runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "ways.parquet", "Output Parquet file")
	exportCmd.Flags().StringVar(&exportFilter, "filter", "", "Lua script with osm2graph.filter/osm2graph.columns hooks")
	exportCmd.Flags().IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Rows per Parquet record batch")
}

func runExport(cmd *cobra.Command, args []string) {
	log := logger.Get()
	ctx, cancel := withSignals()
	defer cancel()

	store, closeStore, err := openStore(ctx)
	if err != nil {
		exitWithError("failed to open store", err)
	}
	defer closeStore()

	ds, err := openDataset(ctx, store, cfg.Layer, false)
	if err != nil {
		exitWithError("failed to resolve dataset", err)
	}

	script, err := loadScript(ds.Layer().SRID, exportFilter)
	if err != nil {
		exitWithError("failed to load filter", err)
	}
	if script != nil {
		defer script.Close()
	}

	e := export.NewExporter(ds, script)
	cols, err := e.Columns(ctx)
	if err != nil {
		exitWithError("failed to sample columns", err)
	}
	w, err := export.NewFeatureWriter(exportOut, cfg.BatchSize, cols)
	if err != nil {
		exitWithError("failed to create writer", err)
	}

	collector, stopMetrics := startMetrics(ctx)
	start := time.Now()
	n, err := e.WriteWays(ctx, w)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	stopMetrics()
	if err != nil {
		exitWithError("export failed", err)
	}

	elapsed := time.Since(start)
	collector.Counters().Ways.Add(int64(n))
	collector.Summary("Export summary", elapsed)
	log.Info("Export complete",
		zap.String("file", exportOut),
		zap.Int("rows", n),
		zap.Strings("extra_columns", cols),
		zap.Duration("duration", elapsed.Round(time.Millisecond)))
}
