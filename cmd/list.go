package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/paulmach/osm"
	"github.com/spf13/cobra"
	"github.com/wegman-software/osm2graph-go/internal/osmgraph"
)

var listLimit int

var waysCmd = &cobra.Command{
	Use:   "ways",
	Short: "List the layer's ways in chain order",
	Args:  cobra.NoArgs,
	Run:   runWays,
}

var pointsCmd = &cobra.Command{
	Use:   "points",
	Short: "List the points of every way, in way order then point order",
	Long: `List the points of every way, in way order then point order.

A point shared by several ways is listed once per way unless
--cycle-detection is set.`,
	Args: cobra.NoArgs,
	Run:  runPoints,
}

func init() {
	rootCmd.AddCommand(waysCmd)
	rootCmd.AddCommand(pointsCmd)

	for _, c := range []*cobra.Command{waysCmd, pointsCmd} {
		c.Flags().IntVarP(&listLimit, "limit", "n", 0, "Stop after this many rows (0 = all)")
	}
}

// provenance formats the changeset and user columns, "-" when absent
func provenance(ctx context.Context, cs func(context.Context) (*osmgraph.Changeset, bool),
	user func(context.Context) (*osmgraph.User, bool)) (string, string) {
	changeset, name := "-", "-"
	if c, ok := cs(ctx); ok {
		changeset = fmt.Sprint(c.ID)
	}
	if u, ok := user(ctx); ok {
		name = u.Name
	}
	return changeset, name
}

func runWays(cmd *cobra.Command, args []string) {
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
	if err := listWays(ctx, ds, os.Stdout, listLimit); err != nil {
		exitWithError("failed to list ways", err)
	}
}

func listWays(ctx context.Context, ds *osmgraph.Dataset, out io.Writer, limit int) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WAY\tVERSION\tCHANGESET\tUSER\tGEOMETRY\tTAGS")

	n := 0
	for w, err := range ds.Ways(ctx).All() {
		if err != nil {
			return err
		}
		if limit > 0 && n == limit {
			break
		}
		n++

		changeset, user := provenance(ctx, w.Changeset, w.User)
		kind := "-"
		if g, ok, err := w.Geometry(ctx); err == nil && ok {
			kind = g.Type()
		}
		version, _ := w.Node().Int64(osmgraph.PropVersion)
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\n", w.OSMID(), version, changeset, user, kind, formatTags(w.Tags()))
	}
	return tw.Flush()
}

func runPoints(cmd *cobra.Command, args []string) {
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
	if err := listPoints(ctx, ds, os.Stdout, listLimit); err != nil {
		exitWithError("failed to list points", err)
	}
}

func listPoints(ctx context.Context, ds *osmgraph.Dataset, out io.Writer, limit int) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tLAT\tLON\tCHANGESET\tUSER")

	n := 0
	for node, err := range ds.AllPointNodes().All(ctx) {
		if err != nil {
			return err
		}
		if limit > 0 && n == limit {
			break
		}
		n++

		p := ds.Point(node)
		changeset, user := provenance(ctx, p.Changeset, p.User)
		lat, lon, _ := p.LatLon()
		fmt.Fprintf(tw, "%d\t%.7f\t%.7f\t%s\t%s\n", p.OSMID(), lat, lon, changeset, user)
	}
	return tw.Flush()
}

// formatTags renders tags as k=v pairs in key order
func formatTags(tags osm.Tags) string {
	if len(tags) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(tags))
	for _, t := range tags {
		parts = append(parts, t.Key+"="+t.Value)
	}
	return strings.Join(parts, ",")
}
