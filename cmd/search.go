package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/paulmach/osm"
	"go.uber.org/zap"

	"github.com/spf13/cobra"
	"github.com/wegman-software/osm2graph-go/internal/config"
	"github.com/wegman-software/osm2graph-go/internal/export"
	"github.com/wegman-software/osm2graph-go/internal/flex"
	"github.com/wegman-software/osm2graph-go/internal/geom"
	"github.com/wegman-software/osm2graph-go/internal/index"
	"github.com/wegman-software/osm2graph-go/internal/logger"
	"github.com/wegman-software/osm2graph-go/internal/osmgraph"
	"github.com/wegman-software/osm2graph-go/internal/proj"
	"github.com/wegman-software/osm2graph-go/internal/search"
)

var (
	predicate     string
	searchBBox    string
	searchWay     int64
	searchPoints  bool
	searchMargin  float64
	filterScript  string
	outputParquet string
)

var errWayNotFound = errors.New("way not found")

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Find ways (and points) related to a query geometry",
	Long: `Run a two-phase spatial search over the layer's dataset.

The query is either a bounding box in WGS84 (--bbox) or the geometry of an
existing way (--way). Candidates are first pruned on their envelopes, then
tested exactly with the chosen predicate:

  equal       same geometry
  within      candidate lies inside the query
  contains    candidate contains the query
  intersects  candidate and query share a point
  disjoint    candidate and query share no point (scans every candidate)

A Lua script (--filter) defining osm2graph.filter narrows the candidates
before any geometry is decoded.`,
	Args: cobra.NoArgs,
	Run:  runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)

	searchCmd.Flags().StringVarP(&predicate, "predicate", "p", "intersects", "equal, within, contains, intersects or disjoint")
	searchCmd.Flags().StringVarP(&searchBBox, "bbox", "b", "", "Query box: minlon,minlat,maxlon,maxlat")
	searchCmd.Flags().Int64Var(&searchWay, "way", 0, "Use the geometry of this OSM way as the query")
	searchCmd.Flags().BoolVar(&searchPoints, "points", false, "Also search way points")
	searchCmd.Flags().Float64Var(&searchMargin, "margin", 0, "Widen the candidate window by this much in layer units")
	searchCmd.Flags().StringVar(&filterScript, "filter", "", "Lua script with osm2graph.filter/osm2graph.columns hooks")
	searchCmd.Flags().StringVarP(&outputParquet, "out", "o", "", "Write matches to this Parquet file")
	searchCmd.MarkFlagsMutuallyExclusive("bbox", "way")
	searchCmd.MarkFlagsOneRequired("bbox", "way")
}

func runSearch(cmd *cobra.Command, args []string) {
	log := logger.Get()
	ctx, cancel := withSignals()
	defer cancel()

	variant, err := search.VariantByName(predicate)
	if err != nil {
		exitWithError("invalid predicate", err)
	}

	store, closeStore, err := openStore(ctx)
	if err != nil {
		exitWithError("failed to open store", err)
	}
	defer closeStore()

	ds, err := openDataset(ctx, store, cfg.Layer, false)
	if err != nil {
		exitWithError("failed to resolve dataset", err)
	}

	query, err := queryGeometry(ctx, ds)
	if err != nil {
		exitWithError("failed to build query", err)
	}

	script, err := loadScript(ds.Layer().SRID, filterScript)
	if err != nil {
		exitWithError("failed to load filter", err)
	}
	if script != nil {
		defer script.Close()
	}

	scanOpts := []index.Option{index.WithPoints(searchPoints), index.WithMargin(searchMargin)}
	if script != nil {
		scanOpts = append(scanOpts, index.WithAccept(script.Accept(ctx, ds)))
	}
	scan := index.NewEnvelopeScan(ds, scanOpts...)

	collector, stopMetrics := startMetrics(ctx)
	s := search.New(query, variant)
	err = s.Run(ctx, scan, ds)
	stopMetrics()
	if err != nil {
		exitWithError("search failed", err)
	}

	stats := s.Stats()
	counters := collector.Counters()
	counters.Candidates.Add(int64(stats.Candidates))
	counters.Matches.Add(int64(stats.Matches))
	counters.Skipped.Add(int64(stats.DecodeErrors))
	collector.Summary("Search summary", stats.Elapsed)

	matches := s.Results()
	if err := printMatches(ctx, ds, os.Stdout, matches); err != nil {
		exitWithError("failed to print matches", err)
	}

	if outputParquet != "" {
		n, err := writeMatches(ctx, ds, script, matches)
		if err != nil {
			exitWithError("failed to write matches", err)
		}
		log.Info("Matches written", zap.String("file", outputParquet), zap.Int("rows", n))
	}

	log.Info("Search complete",
		zap.String("predicate", variant.Name),
		zap.Int("scanned", scan.Scanned()),
		zap.Int("candidates", stats.Candidates),
		zap.Int("broad_passed", stats.BroadPassed),
		zap.Int("decode_errors", stats.DecodeErrors),
		zap.Int("matches", stats.Matches),
		zap.Duration("duration", stats.Elapsed.Round(time.Millisecond)))
}

// queryGeometry builds the query from --bbox or --way
func queryGeometry(ctx context.Context, ds *osmgraph.Dataset) (*geom.Geometry, error) {
	srid := ds.Layer().SRID
	if searchBBox != "" {
		bbox, err := config.ParseBBox(searchBBox)
		if err != nil {
			return nil, err
		}
		return bboxQuery(bbox, srid)
	}

	w, err := findWay(ctx, ds, osm.WayID(searchWay))
	if err != nil {
		return nil, err
	}
	g, ok, err := w.Geometry(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("way %d has no geometry", searchWay)
	}
	return g, nil
}

// bboxQuery turns a WGS84 box into a polygon in the layer's SRID
func bboxQuery(bbox *config.BBox, srid int) (*geom.Geometry, error) {
	if srid == 0 {
		srid = proj.SRID4326
	}
	tr, err := proj.NewTransformer(proj.SRID4326, srid)
	if err != nil {
		return nil, err
	}
	return geom.New(tr.Bound(bbox.Bound()).ToPolygon(), srid), nil
}

// findWay walks the way chain for the way with the given OSM id
func findWay(ctx context.Context, ds *osmgraph.Dataset, id osm.WayID) (*osmgraph.Way, error) {
	for w, err := range ds.Ways(ctx).All() {
		if err != nil {
			return nil, err
		}
		if w.OSMID() == id {
			return w, nil
		}
	}
	return nil, fmt.Errorf("%d: %w", id, errWayNotFound)
}

// loadScript loads a Lua script, nil when path is empty
func loadScript(srid int, path string) (*flex.Runtime, error) {
	if path == "" {
		return nil, nil
	}
	r := flex.NewRuntime(srid)
	if err := r.LoadFile(path); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func printMatches(ctx context.Context, ds *osmgraph.Dataset, out io.Writer, matches []search.Match) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tOSM_ID\tGEOMETRY\tTAGS")
	for _, m := range matches {
		obj, err := flex.NodeObject(ctx, ds, m.Node)
		if err != nil {
			return err
		}
		var tags osm.Tags
		for k, v := range obj.Tags {
			tags = append(tags, osm.Tag{Key: k, Value: v})
		}
		tags.SortByKeyValue()
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", obj.Kind, obj.ID, m.Geometry.Type(), formatTags(tags))
	}
	return tw.Flush()
}

func writeMatches(ctx context.Context, ds *osmgraph.Dataset, script *flex.Runtime, matches []search.Match) (int, error) {
	e := export.NewExporter(ds, script)
	cols, err := e.Columns(ctx)
	if err != nil {
		return 0, err
	}
	w, err := export.NewFeatureWriter(outputParquet, cfg.BatchSize, cols)
	if err != nil {
		return 0, err
	}
	n, err := e.WriteMatches(ctx, w, matches)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	return n, err
}
