package index_test

import (
	"context"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/osm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegman-software/osm2graph-go/internal/geom"
	"github.com/wegman-software/osm2graph-go/internal/graph"
	"github.com/wegman-software/osm2graph-go/internal/graph/memstore"
	"github.com/wegman-software/osm2graph-go/internal/index"
	"github.com/wegman-software/osm2graph-go/internal/osmgraph"
	"github.com/wegman-software/osm2graph-go/internal/search"
)

// chain builds ways 1..3 with points (i, 0) and (i, 1)
func chain(t *testing.T) *osmgraph.Dataset {
	t.Helper()
	ctx := context.Background()
	s := memstore.New(osmgraph.Schema())
	layer, err := osmgraph.GetOrCreateLayer(ctx, s, "scan", 4326)
	require.NoError(t, err)
	ds, err := osmgraph.ResolveOrCreate(ctx, s, layer)
	require.NoError(t, err)

	_, err = ds.Build(ctx, func(b *osmgraph.Builder) error {
		for i := int64(1); i <= 3; i++ {
			_, _, err := b.AddWay(&osm.Way{
				ID:   osm.WayID(i),
				Tags: osm.Tags{{Key: "highway", Value: "residential"}},
				Nodes: osm.WayNodes{
					{ID: osm.NodeID(i*10 + 1), Lon: float64(i), Lat: 0},
					{ID: osm.NodeID(i*10 + 2), Lon: float64(i), Lat: 1},
				},
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return ds
}

func secondWay(t *testing.T, ds *osmgraph.Dataset) *osmgraph.Way {
	t.Helper()
	c := ds.Ways(context.Background())
	require.True(t, c.Next())
	require.True(t, c.Next())
	return c.Way()
}

func TestEqualSearchFindsSecondWay(t *testing.T) {
	ds := chain(t)
	ctx := context.Background()
	w2 := secondWay(t, ds)
	query, ok, err := w2.Geometry(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	matches, err := search.Execute(ctx, query, index.NewEnvelopeScan(ds), ds, search.Equal)
	require.NoError(t, err)

	require.Len(t, matches, 1)
	assert.Equal(t, w2.ID(), matches[0].Node.ID)
	assert.True(t, matches[0].Geometry.Equals(query))
}

func TestScanPrunesByWindow(t *testing.T) {
	ds := chain(t)
	ctx := context.Background()
	scan := index.NewEnvelopeScan(ds)

	var got []graph.NodeID
	window := orb.Bound{Min: orb.Point{1.5, 0}, Max: orb.Point{2.5, 1}}
	for c, err := range scan.Candidates(ctx, window) {
		require.NoError(t, err)
		got = append(got, c.Node.ID)
		assert.Equal(t, orb.Bound{Min: orb.Point{2, 0}, Max: orb.Point{2, 1}}, c.Envelope)
	}
	assert.Equal(t, []graph.NodeID{secondWay(t, ds).ID()}, got)
	assert.Equal(t, 3, scan.Scanned())

	// A margin reaches the neighbours
	wide := index.NewEnvelopeScan(ds, index.WithMargin(0.5))
	n := 0
	for _, err := range wide.Candidates(ctx, window) {
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 3, n)
}

func TestScanPointsAndAccept(t *testing.T) {
	ds := chain(t)
	ctx := context.Background()
	onlyPoints := func(n *graph.Node) (bool, error) { return n.Label == osmgraph.LabelPoint, nil }
	scan := index.NewEnvelopeScan(ds, index.WithPoints(true), index.WithAccept(onlyPoints))

	var osmIDs []int64
	for c, err := range scan.Candidates(ctx, search.Everywhere) {
		require.NoError(t, err)
		id, _ := c.Node.Int64(osmgraph.PropNodeOSM)
		osmIDs = append(osmIDs, id)
	}
	assert.Equal(t, []int64{11, 12, 21, 22, 31, 32}, osmIDs)
}

func TestWithinWindowFindsWayAndPoints(t *testing.T) {
	ds := chain(t)
	ctx := context.Background()
	w2 := secondWay(t, ds)

	query := geom.New(orb.Bound{Min: orb.Point{1.5, -0.5}, Max: orb.Point{2.5, 1.5}}.ToPolygon(), 4326)
	matches, err := search.Execute(ctx, query, index.NewEnvelopeScan(ds, index.WithPoints(true)), ds, search.Within)
	require.NoError(t, err)

	// The way itself and its two points
	require.Len(t, matches, 3)
	assert.Equal(t, w2.ID(), matches[0].Node.ID)
}
