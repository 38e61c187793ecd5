package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spf13/cobra"
	"github.com/wegman-software/osm2graph-go/internal/graph"
	"github.com/wegman-software/osm2graph-go/internal/logger"
	"github.com/wegman-software/osm2graph-go/internal/osmgraph"
)

var (
	verifyStrict   bool
	verifyTopUsers int
)

var verifyCmd = &cobra.Command{
	Use:   "verify [layer...]",
	Short: "Audit changeset and user provenance of one or more layers",
	Long: `Walk every way and point of each layer's dataset and check that their
changesets and users are linked consistently.

Without arguments every registered layer is audited. Layers are audited
concurrently, up to --workers at a time. With --strict the command fails
when a layer has changeset collisions or missing provenance.`,
	Run: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)

	verifyCmd.Flags().BoolVar(&verifyStrict, "strict", false, "Exit non-zero on collisions or missing provenance")
	verifyCmd.Flags().IntVar(&verifyTopUsers, "top-users", 5, "Number of most active users to print per layer")
}

func runVerify(cmd *cobra.Command, args []string) {
	ctx, cancel := withSignals()
	defer cancel()

	store, closeStore, err := openStore(ctx)
	if err != nil {
		exitWithError("failed to open store", err)
	}
	defer closeStore()

	reports, err := auditLayers(ctx, store, args, cfg.Workers)
	if err != nil {
		exitWithError("verify failed", err)
	}

	printReports(os.Stdout, reports, verifyTopUsers)

	if verifyStrict {
		for _, r := range reports {
			if len(r.Collisions) > 0 || r.WaysMissingChangeset > 0 || r.PointsMissing > 0 || r.UsersMissing > 0 {
				exitWithError("provenance problems found", fmt.Errorf("layer %q is inconsistent", r.Layer))
			}
		}
	}
}

// auditLayers audits the named layers, or all layers when names is empty.
// Reports keep the order of the layers. Layers without a dataset are skipped.
func auditLayers(ctx context.Context, store graph.Store, names []string, workers int) ([]*osmgraph.AuditReport, error) {
	log := logger.Get()

	var layers []*osmgraph.Layer
	if len(names) == 0 {
		all, err := osmgraph.Layers(ctx, store)
		if err != nil {
			return nil, err
		}
		layers = all
	} else {
		for _, name := range names {
			l, err := osmgraph.FindLayer(ctx, store, name)
			if err != nil {
				return nil, err
			}
			layers = append(layers, l)
		}
	}

	reports := make([]*osmgraph.AuditReport, len(layers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for i, layer := range layers {
		g.Go(func() error {
			ds, err := osmgraph.ResolveExisting(gctx, store, layer, datasetOptions()...)
			if errors.Is(err, osmgraph.ErrDatasetNotFound) {
				log.Warn("Skipping layer without dataset", zap.String("layer", layer.Name))
				return nil
			}
			if err != nil {
				return err
			}
			r, err := osmgraph.Audit(gctx, ds)
			if err != nil {
				return fmt.Errorf("%s: %w", layer, err)
			}
			log.Debug("Layer audited",
				zap.String("layer", layer.Name),
				zap.Int("ways", r.WaysCounted),
				zap.Int("collisions", len(r.Collisions)))
			reports[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := reports[:0]
	for _, r := range reports {
		if r != nil {
			out = append(out, r)
		}
	}
	return out, nil
}

func printReports(out io.Writer, reports []*osmgraph.AuditReport, topUsers int) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LAYER\tWAYS\tPOINTS\tAVG_MATCH\tMIN\tMAX\tNO_CHANGESET\tNO_USER\tCOLLISIONS")
	for _, r := range reports {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.3f\t%.3f\t%.3f\t%d\t%d\t%d\n",
			r.Layer, r.WaysCounted, r.PointsCounted,
			r.AverageMatch(), r.MinMatch, r.MaxMatch,
			r.WaysMissingChangeset+r.PointsMissing, r.UsersMissing, len(r.Collisions))
	}
	tw.Flush()

	if topUsers <= 0 {
		return
	}
	for _, r := range reports {
		users := r.TopUsers(topUsers)
		if len(users) == 0 {
			continue
		}
		fmt.Fprintf(out, "\nTop users of %q:\n", r.Layer)
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "USER\tUID\tPOINTS\tCHANGESETS")
		for _, u := range users {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", u.User.Name, u.User.UID, u.Points, u.Changesets)
		}
		tw.Flush()
	}
}
