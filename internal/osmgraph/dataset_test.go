package osmgraph_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/osm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wegman-software/osm2graph-go/internal/geom"
	"github.com/wegman-software/osm2graph-go/internal/graph"
	"github.com/wegman-software/osm2graph-go/internal/graph/memstore"
	"github.com/wegman-software/osm2graph-go/internal/logger"
	"github.com/wegman-software/osm2graph-go/internal/osmgraph"
)

// threeWays builds ways 1, 2 and 3, each with two points (i, 0) and (i, 1)
// and a changeset shared by the way and its points
func threeWays(t *testing.T, ds *osmgraph.Dataset) {
	t.Helper()
	_, err := ds.Build(context.Background(), func(b *osmgraph.Builder) error {
		for i := int64(1); i <= 3; i++ {
			cs := osm.ChangesetID(1000 + i)
			first := &osm.Node{ID: osm.NodeID(i*10 + 1), Lon: float64(i), Lat: 0, ChangesetID: cs, User: "alice", UserID: 1}
			second := &osm.Node{ID: osm.NodeID(i*10 + 2), Lon: float64(i), Lat: 1, ChangesetID: cs, User: "alice", UserID: 1}
			b.AddNode(first)
			b.AddNode(second)
			_, ok, err := b.AddWay(&osm.Way{
				ID:          osm.WayID(i),
				ChangesetID: cs,
				User:        "alice",
				UserID:      1,
				Tags:        osm.Tags{{Key: "highway", Value: "residential"}},
				Nodes:       osm.WayNodes{{ID: first.ID}, {ID: second.ID}},
			})
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("way skipped")
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func newDataset(t *testing.T, opts ...osmgraph.Option) (*memstore.Store, *osmgraph.Dataset) {
	t.Helper()
	ctx := context.Background()
	s := memstore.New(osmgraph.Schema())
	layer, err := osmgraph.GetOrCreateLayer(ctx, s, "test", 4326)
	require.NoError(t, err)
	ds, err := osmgraph.ResolveOrCreate(ctx, s, layer, opts...)
	require.NoError(t, err)
	return s, ds
}

func wayIDs(t *testing.T, ds *osmgraph.Dataset) []osm.WayID {
	t.Helper()
	var ids []osm.WayID
	for w, err := range ds.Ways(context.Background()).All() {
		require.NoError(t, err)
		ids = append(ids, w.OSMID())
	}
	return ids
}

func TestAllWaysInChainOrder(t *testing.T) {
	_, ds := newDataset(t)
	threeWays(t, ds)

	assert.Equal(t, []osm.WayID{1, 2, 3}, wayIDs(t, ds))
}

func TestMaxDepthBoundsWalks(t *testing.T) {
	_, ds := newDataset(t, osmgraph.WithMaxDepth(2))
	threeWays(t, ds)

	assert.Equal(t, []osm.WayID{1, 2}, wayIDs(t, ds))

	// Appending still finds the end of the full chain
	_, err := ds.Build(context.Background(), func(b *osmgraph.Builder) error {
		_, _, err := b.AddWay(&osm.Way{ID: 4, Nodes: osm.WayNodes{{ID: 41, Lon: 4, Lat: 0}, {ID: 42, Lon: 4, Lat: 1}}})
		return err
	})
	require.NoError(t, err)

	_, full := newDatasetOver(t, ds)
	assert.Equal(t, []osm.WayID{1, 2, 3, 4}, wayIDs(t, full))
}

// newDatasetOver reopens ds's layer without options
func newDatasetOver(t *testing.T, ds *osmgraph.Dataset) (graph.Store, *osmgraph.Dataset) {
	t.Helper()
	full, err := osmgraph.ResolveExisting(context.Background(), ds.Store(), ds.Layer())
	require.NoError(t, err)
	return ds.Store(), full
}

func TestAllPointsInWayThenPointOrder(t *testing.T) {
	_, ds := newDataset(t)
	threeWays(t, ds)

	var got []int64
	for n, err := range ds.AllPointNodes().All(context.Background()) {
		require.NoError(t, err)
		id, _ := n.Int64(osmgraph.PropNodeOSM)
		got = append(got, id)
	}
	assert.Equal(t, []int64{11, 12, 21, 22, 31, 32}, got)
}

func TestWayPointsFollowPointChain(t *testing.T) {
	_, ds := newDataset(t)
	threeWays(t, ds)
	ctx := context.Background()

	c := ds.Ways(ctx)
	require.True(t, c.Next())
	require.True(t, c.Next())
	w2 := c.Way()

	var ids []osm.NodeID
	for p, err := range w2.Points(ctx).All() {
		require.NoError(t, err)
		ids = append(ids, p.OSMID())
	}
	assert.Equal(t, []osm.NodeID{21, 22}, ids)
	assert.Equal(t, osm.Tags{{Key: "highway", Value: "residential"}}, w2.Tags())
}

func TestCursorsRestartAfterExhaustion(t *testing.T) {
	_, ds := newDataset(t)
	threeWays(t, ds)
	ctx := context.Background()

	c := ds.Ways(ctx)
	n := 0
	for c.Next() {
		n++
	}
	assert.Equal(t, 3, n)

	// Pulling an exhausted cursor starts over
	require.True(t, c.Next())
	assert.Equal(t, osm.WayID(1), c.Way().OSMID())

	w := c.Way()
	pc := w.Points(ctx)
	for pc.Next() {
	}
	require.NoError(t, pc.Err())
	require.True(t, pc.Next())
	assert.Equal(t, osm.NodeID(11), pc.Point().OSMID())
}

func TestAllGeometryNodesInChainOrder(t *testing.T) {
	_, ds := newDataset(t)
	threeWays(t, ds)
	ctx := context.Background()

	var xs []float64
	for n, err := range ds.AllGeometryNodes().All(ctx) {
		require.NoError(t, err)
		assert.Equal(t, osmgraph.LabelGeometry, n.Label)
		env, ok := geom.StoredEnvelope(n)
		require.True(t, ok)
		xs = append(xs, env.Min.X())
	}
	assert.Equal(t, []float64{1, 2, 3}, xs)

	var lines []orb.Geometry
	for g, err := range ds.AllGeometries(ctx) {
		require.NoError(t, err)
		lines = append(lines, g.Orb())
	}
	require.Len(t, lines, 3)
	assert.True(t, orb.Equal(orb.LineString{{2, 0}, {2, 1}}, lines[1]))
}

func TestAllGeometriesStopsOnDecodeError(t *testing.T) {
	s, ds := newDataset(t)
	threeWays(t, ds)
	ctx := context.Background()

	// A second geometry node without wkb hangs off the first way
	first, ok, err := ds.AllWayNodes().First(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	bad, err := tx.CreateNode(ctx, osmgraph.LabelGeometry, graph.Properties{"name": "broken"})
	require.NoError(t, err)
	require.NoError(t, tx.CreateRelationship(ctx, first.ID, bad, osmgraph.RelGeom))
	require.NoError(t, tx.Commit(ctx))

	var got int
	var last error
	for _, err := range ds.AllGeometries(ctx) {
		if err != nil {
			last = err
			break
		}
		got++
	}
	assert.Equal(t, 1, got)
	assert.ErrorIs(t, last, geom.ErrNoGeometry)
}

type countingCodec struct {
	geom.Codec
	calls int
}

func (c *countingCodec) Decode(n *graph.Node) (*geom.Geometry, error) {
	c.calls++
	return c.Codec.Decode(n)
}

func TestGeometryIsDecodedOnce(t *testing.T) {
	codec := &countingCodec{Codec: geom.EWKBCodec{DefaultSRID: 4326}}
	_, ds := newDataset(t, osmgraph.WithCodec(codec))
	threeWays(t, ds)
	ctx := context.Background()

	c := ds.Ways(ctx)
	require.True(t, c.Next())
	w := c.Way()

	g1, ok, err := w.Geometry(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	g2, _, _ := w.Geometry(ctx)
	env, ok, err := w.Envelope(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Same(t, g1, g2)
	assert.Equal(t, 1, codec.calls)
	assert.True(t, orb.Equal(orb.LineString{{1, 0}, {1, 1}}, g1.Orb()))
	assert.Equal(t, orb.Bound{Min: orb.Point{1, 0}, Max: orb.Point{1, 1}}, env)
}

func TestMissingLinksAreAbsence(t *testing.T) {
	s, ds := newDataset(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	way, err := tx.CreateNode(ctx, osmgraph.LabelWay, graph.Properties{osmgraph.PropWayOSM: int64(9)})
	require.NoError(t, err)
	require.NoError(t, tx.CreateRelationship(ctx, ds.Root().ID, way, osmgraph.RelWays))
	require.NoError(t, tx.Commit(ctx))

	c := ds.Ways(ctx)
	require.True(t, c.Next())
	w := c.Way()

	n, err := w.WayNodes().Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, ok, err := w.Geometry(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok = w.Changeset(ctx)
	assert.False(t, ok)
	_, ok = w.User(ctx)
	assert.False(t, ok)
}

func TestChangesetAndUser(t *testing.T) {
	_, ds := newDataset(t)
	threeWays(t, ds)
	ctx := context.Background()

	c := ds.Ways(ctx)
	require.True(t, c.Next())
	w := c.Way()

	cs, ok := w.Changeset(ctx)
	require.True(t, ok)
	assert.Equal(t, osm.ChangesetID(1001), cs.ID)

	u, ok := w.User(ctx)
	require.True(t, ok)
	assert.Equal(t, "alice", u.Name)
	assert.Equal(t, osm.UserID(1), u.UID)

	// A changeset node resolves its user directly
	u2, ok := ds.UserOf(ctx, cs.Node)
	require.True(t, ok)
	assert.Equal(t, u.Node.ID, u2.Node.ID)
}

type faultyStore struct {
	graph.Store
	failOn graph.RelType
}

var errStorage = errors.New("storage fault")

func (f faultyStore) Single(ctx context.Context, id graph.NodeID, rel graph.RelType, dir graph.Direction) (*graph.Node, bool, error) {
	if rel == f.failOn {
		return nil, false, errStorage
	}
	return f.Store.Single(ctx, id, rel, dir)
}

func (f faultyStore) Neighbours(ctx context.Context, id graph.NodeID, rel graph.RelType, dir graph.Direction) ([]graph.NodeID, error) {
	if rel == f.failOn {
		return nil, errStorage
	}
	return f.Store.Neighbours(ctx, id, rel, dir)
}

func TestProvenanceFaultsAreLoggedAndAbsent(t *testing.T) {
	s, seed := newDataset(t)
	threeWays(t, seed)
	ctx := context.Background()

	core, logs := observer.New(zap.WarnLevel)
	store := faultyStore{Store: s, failOn: osmgraph.RelChangeset}
	ds, err := osmgraph.ResolveExisting(ctx, store, seed.Layer(), osmgraph.WithLogger(zap.New(core)))
	require.NoError(t, err)

	c := ds.Ways(ctx)
	require.True(t, c.Next())
	w := c.Way()

	_, ok := w.Changeset(ctx)
	assert.False(t, ok)
	_, ok = w.User(ctx)
	assert.False(t, ok)

	require.Equal(t, 2, logs.Len())
	for _, entry := range logs.All() {
		assert.Equal(t, zap.WarnLevel, entry.Level)
		assert.Equal(t, uint64(w.ID()), entry.ContextMap()["node"])
	}
}

func TestResolveExistingWithoutDataset(t *testing.T) {
	ctx := context.Background()
	s := memstore.New(osmgraph.Schema())
	layer, err := osmgraph.GetOrCreateLayer(ctx, s, "empty", 4326)
	require.NoError(t, err)

	_, err = osmgraph.ResolveExisting(ctx, s, layer)
	assert.ErrorIs(t, err, osmgraph.ErrDatasetNotFound)
}

func TestAttach(t *testing.T) {
	ctx := context.Background()
	s := memstore.New(osmgraph.Schema())
	layer, err := osmgraph.GetOrCreateLayer(ctx, s, "attach", 4326)
	require.NoError(t, err)

	tx, _ := s.Begin(ctx)
	rootA, _ := tx.CreateNode(ctx, osmgraph.LabelDataset, nil)
	rootB, _ := tx.CreateNode(ctx, osmgraph.LabelDataset, nil)
	require.NoError(t, tx.Commit(ctx))

	ds, err := osmgraph.Attach(ctx, s, layer, rootA)
	require.NoError(t, err)
	assert.Equal(t, rootA, ds.Root().ID)

	// Attaching the owner again is fine
	_, err = osmgraph.Attach(ctx, s, layer, rootA)
	require.NoError(t, err)

	_, err = osmgraph.Attach(ctx, s, layer, rootB)
	assert.ErrorIs(t, err, osmgraph.ErrInconsistentOwnership)

	resolved, err := osmgraph.ResolveExisting(ctx, s, layer)
	require.NoError(t, err)
	assert.Equal(t, rootA, resolved.Root().ID)
}

func TestDoubleOwnershipIsInconsistent(t *testing.T) {
	ctx := context.Background()
	// No uniqueness constraint, so a second owner can be written
	s := memstore.New(graph.Schema{})
	layer, err := osmgraph.GetOrCreateLayer(ctx, s, "broken", 4326)
	require.NoError(t, err)

	tx, _ := s.Begin(ctx)
	for i := 0; i < 2; i++ {
		root, _ := tx.CreateNode(ctx, osmgraph.LabelDataset, nil)
		require.NoError(t, tx.CreateRelationship(ctx, root, layer.ID, osmgraph.RelLayers))
	}
	require.NoError(t, tx.Commit(ctx))

	_, err = osmgraph.ResolveExisting(ctx, s, layer)
	assert.ErrorIs(t, err, osmgraph.ErrInconsistentOwnership)
}

func TestConcurrentResolveOrCreateAgreeOnRoot(t *testing.T) {
	ctx := context.Background()
	s := memstore.New(osmgraph.Schema())
	layer, err := osmgraph.GetOrCreateLayer(ctx, s, "race", 4326)
	require.NoError(t, err)

	const workers = 16
	roots := make([]graph.NodeID, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ds, err := osmgraph.ResolveOrCreate(ctx, s, layer)
			if err != nil {
				t.Error(err)
				return
			}
			roots[i] = ds.Root().ID
		}()
	}
	wg.Wait()

	for _, r := range roots {
		assert.Equal(t, roots[0], r)
	}
	owners, err := s.Neighbours(ctx, layer.ID, osmgraph.RelLayers, graph.Incoming)
	require.NoError(t, err)
	assert.Len(t, owners, 1)
}

func TestLayersRegistry(t *testing.T) {
	ctx := context.Background()
	s := memstore.New(osmgraph.Schema())

	a, err := osmgraph.GetOrCreateLayer(ctx, s, "a", 4326)
	require.NoError(t, err)
	b, err := osmgraph.GetOrCreateLayer(ctx, s, "b", 3857)
	require.NoError(t, err)
	again, err := osmgraph.GetOrCreateLayer(ctx, s, "a", 3857)
	require.NoError(t, err)
	assert.Equal(t, a.ID, again.ID)
	assert.Equal(t, 4326, again.SRID)

	layers, err := osmgraph.Layers(ctx, s)
	require.NoError(t, err)
	require.Len(t, layers, 2)
	assert.Equal(t, "a", layers[0].Name)
	assert.Equal(t, b.ID, layers[1].ID)

	_, err = osmgraph.FindLayer(ctx, s, "missing")
	assert.ErrorIs(t, err, osmgraph.ErrLayerNotFound)
}

// racingStore lets a rival creator link its root between the first unit of
// work's ownership check and its commit. The loser's commit reports
// ErrConflict and writes nothing.
type racingStore struct {
	graph.Store
	layer graph.NodeID
	rival graph.NodeID
	raced bool
}

func (r *racingStore) Begin(ctx context.Context) (graph.Tx, error) {
	tx, err := r.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &racingTx{Tx: tx, store: r}, nil
}

type racingTx struct {
	graph.Tx
	store *racingStore
}

func (t *racingTx) Commit(ctx context.Context) error {
	if t.store.raced {
		return t.Tx.Commit(ctx)
	}
	t.store.raced = true
	if err := t.Tx.Rollback(ctx); err != nil {
		return err
	}

	tx, err := t.store.Store.Begin(ctx)
	if err != nil {
		return err
	}
	rival, err := tx.CreateNode(ctx, osmgraph.LabelDataset, graph.Properties{osmgraph.PropName: "rival"})
	if err != nil {
		return err
	}
	if err := tx.CreateRelationship(ctx, rival, t.store.layer, osmgraph.RelLayers); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	t.store.rival = rival
	return graph.ErrConflict
}

func TestResolveOrCreateLosingRaceReturnsWinner(t *testing.T) {
	ctx := context.Background()
	s := memstore.New(osmgraph.Schema())
	layer, err := osmgraph.GetOrCreateLayer(ctx, s, "contested", 4326)
	require.NoError(t, err)

	core, logs := observer.New(zap.DebugLevel)
	restore := logger.Replace(zap.New(core))
	defer restore()

	store := &racingStore{Store: s, layer: layer.ID}
	ds, err := osmgraph.ResolveOrCreate(ctx, store, layer)
	require.NoError(t, err)
	require.True(t, store.raced)
	assert.Equal(t, store.rival, ds.Root().ID)
	name, _ := ds.Root().StringProp(osmgraph.PropName)
	assert.Equal(t, "rival", name)

	owners, err := s.Neighbours(ctx, layer.ID, osmgraph.RelLayers, graph.Incoming)
	require.NoError(t, err)
	assert.Equal(t, []graph.NodeID{store.rival}, owners)
	assert.Equal(t, 1, logs.FilterMessage("Lost dataset creation race, re-resolving").Len())
}

// brokenTx fails node creation and then its own rollback
type brokenTx struct {
	graph.Tx
}

var errRollback = errors.New("rollback fault")

func (b brokenTx) CreateNode(context.Context, string, graph.Properties) (graph.NodeID, error) {
	return 0, errStorage
}

func (b brokenTx) Rollback(ctx context.Context) error {
	if err := b.Tx.Rollback(ctx); err != nil {
		return err
	}
	return errRollback
}

type brokenTxStore struct {
	graph.Store
}

func (s brokenTxStore) Begin(ctx context.Context) (graph.Tx, error) {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return brokenTx{Tx: tx}, nil
}

func TestResolveOrCreateReportsRollbackFailure(t *testing.T) {
	ctx := context.Background()
	s := memstore.New(osmgraph.Schema())
	layer, err := osmgraph.GetOrCreateLayer(ctx, s, "fragile", 4326)
	require.NoError(t, err)

	_, err = osmgraph.ResolveOrCreate(ctx, brokenTxStore{Store: s}, layer)
	assert.ErrorIs(t, err, errStorage)
	assert.ErrorIs(t, err, errRollback)

	// The failed unit of work released the store
	_, err = osmgraph.ResolveOrCreate(ctx, s, layer)
	require.NoError(t, err)
}
