package osmgraph

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wegman-software/osm2graph-go/internal/geom"
	"github.com/wegman-software/osm2graph-go/internal/graph"
	"github.com/wegman-software/osm2graph-go/internal/logger"
)

var (
	// ErrDatasetNotFound is returned when a layer has no owning dataset
	ErrDatasetNotFound = errors.New("layer does not have an associated dataset")
	// ErrInconsistentOwnership is returned when a layer is owned by a
	// different dataset root than the one being attached
	ErrInconsistentOwnership = errors.New("layer already belongs to another dataset")
)

// maxCreateAttempts bounds how often ResolveOrCreate re-resolves after
// losing a creation race
const maxCreateAttempts = 5

// Dataset is the typed view over one layer's OSM data
type Dataset struct {
	store        graph.Store
	layer        *Layer
	root         *graph.Node
	codec        geom.Codec
	log          *zap.Logger
	detectCycles bool
	maxDepth     int
}

// Option configures a Dataset
type Option func(*Dataset)

// WithCodec sets the geometry codec (default EWKB with the layer's SRID)
func WithCodec(c geom.Codec) Option {
	return func(d *Dataset) { d.codec = c }
}

// WithLogger sets the logger used for best-effort lookups
func WithLogger(l *zap.Logger) Option {
	return func(d *Dataset) { d.log = l }
}

// WithCycleDetection guards every walk against malformed, cyclic chains
func WithCycleDetection(on bool) Option {
	return func(d *Dataset) { d.detectCycles = on }
}

// WithMaxDepth bounds the path length of every chain walk. Zero leaves
// walks unbounded.
func WithMaxDepth(n int) Option {
	return func(d *Dataset) { d.maxDepth = n }
}

func newDataset(store graph.Store, layer *Layer, root *graph.Node, opts []Option) *Dataset {
	d := &Dataset{
		store: store,
		layer: layer,
		root:  root,
		codec: geom.EWKBCodec{DefaultSRID: layer.SRID},
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = logger.Get()
	}
	return d
}

// owner follows the inverse LAYERS link. More than one link is reported as
// inconsistent ownership.
func owner(ctx context.Context, r graph.Reader, layer *Layer) (*graph.Node, bool, error) {
	n, ok, err := r.Single(ctx, layer.ID, RelLayers, graph.Incoming)
	if errors.Is(err, graph.ErrAmbiguous) {
		return nil, false, fmt.Errorf("%s: %w: %v", layer, ErrInconsistentOwnership, err)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to resolve owner of %s: %w", layer, err)
	}
	return n, ok, nil
}

// Attach binds a known dataset root to layer, linking them if the layer has
// no owner yet. It fails with ErrInconsistentOwnership if another root
// already owns the layer.
func Attach(ctx context.Context, store graph.Store, layer *Layer, rootID graph.NodeID, opts ...Option) (*Dataset, error) {
	root, err := store.Node(ctx, rootID)
	if err != nil {
		return nil, fmt.Errorf("failed to load dataset root: %w", err)
	}

	for attempt := 0; attempt <= maxCreateAttempts; attempt++ {
		current, ok, err := owner(ctx, store, layer)
		if err != nil {
			return nil, err
		}
		if ok {
			if current.ID != rootID {
				return nil, fmt.Errorf("%s owned by node %d, not %d: %w", layer, current.ID, rootID, ErrInconsistentOwnership)
			}
			return newDataset(store, layer, root, opts), nil
		}

		err = link(ctx, store, layer, func(tx graph.Tx) (graph.NodeID, error) { return rootID, nil })
		if err != nil && !errors.Is(err, graph.ErrConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("failed to attach %s after %d attempts: %w", layer, maxCreateAttempts, graph.ErrConflict)
}

// ResolveOrCreate returns the dataset owning layer, creating the root and
// its ownership link in one unit of work if none exists. A creator that loses
// a race against a concurrent one resolves to the winner's root.
func ResolveOrCreate(ctx context.Context, store graph.Store, layer *Layer, opts ...Option) (*Dataset, error) {
	for attempt := 0; attempt <= maxCreateAttempts; attempt++ {
		current, ok, err := owner(ctx, store, layer)
		if err != nil {
			return nil, err
		}
		if ok {
			return newDataset(store, layer, current, opts), nil
		}

		err = link(ctx, store, layer, func(tx graph.Tx) (graph.NodeID, error) {
			return tx.CreateNode(ctx, LabelDataset, graph.Properties{
				PropUUID: uuid.NewString(),
				PropName: layer.Name,
			})
		})
		if errors.Is(err, graph.ErrConflict) {
			logger.Get().Debug("Lost dataset creation race, re-resolving",
				zap.String("layer", layer.Name), zap.Int("attempt", attempt+1))
		} else if err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("failed to create dataset for %s after %d attempts: %w", layer, maxCreateAttempts, graph.ErrConflict)
}

// link runs the check-then-link unit of work. If the layer gained an owner
// since the caller looked, nothing is written and the caller re-resolves.
func link(ctx context.Context, store graph.Store, layer *Layer, root func(graph.Tx) (graph.NodeID, error)) error {
	tx, err := store.Begin(ctx)
	if err != nil {
		return err
	}
	if _, ok, err := owner(ctx, tx, layer); err != nil || ok {
		return rollback(ctx, tx, err)
	}
	id, err := root(tx)
	if err != nil {
		return rollback(ctx, tx, fmt.Errorf("failed to create dataset root: %w", err))
	}
	if err := tx.CreateRelationship(ctx, id, layer.ID, RelLayers); err != nil {
		return rollback(ctx, tx, fmt.Errorf("failed to link dataset to %s: %w", layer, err))
	}
	return tx.Commit(ctx)
}

// rollback abandons tx and returns cause joined with any rollback failure
func rollback(ctx context.Context, tx graph.Tx, cause error) error {
	if err := tx.Rollback(ctx); err != nil {
		return errors.Join(cause, fmt.Errorf("rollback failed: %w", err))
	}
	return cause
}

// ResolveExisting returns the dataset owning layer
func ResolveExisting(ctx context.Context, store graph.Store, layer *Layer, opts ...Option) (*Dataset, error) {
	current, ok, err := owner(ctx, store, layer)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", layer, ErrDatasetNotFound)
	}
	return newDataset(store, layer, current, opts), nil
}

// Layer returns the owned layer
func (d *Dataset) Layer() *Layer { return d.layer }

// Root returns the dataset root node
func (d *Dataset) Root() *graph.Node { return d.root }

// UUID returns the identity assigned when the root was created
func (d *Dataset) UUID() string {
	s, _ := d.root.StringProp(PropUUID)
	return s
}

// Store returns the backing store
func (d *Dataset) Store() graph.Store { return d.store }

func (d *Dataset) walkOpts(extra ...graph.Option) []graph.Option {
	opts := append(extra, graph.WithCycleDetection(d.detectCycles))
	if d.maxDepth > 0 {
		opts = append(opts, graph.WithStop(graph.MaxDepth(d.maxDepth)))
	}
	return opts
}

// AllWayNodes walks the way chain in order
func (d *Dataset) AllWayNodes() *graph.Traversal {
	return graph.NewTraversal(d.store, d.root.ID,
		[]graph.Step{graph.Out(RelWays), graph.Out(RelNext)},
		d.walkOpts()...)
}

// AllGeometryNodes walks the geometry node of every way, in chain order.
// Ways without a GEOM link are skipped.
func (d *Dataset) AllGeometryNodes() *graph.Traversal {
	return graph.NewTraversal(d.store, d.root.ID,
		[]graph.Step{graph.Out(RelGeom), graph.Out(RelWays), graph.Out(RelNext)},
		d.walkOpts(graph.WithReturnable(graph.ReachedVia(RelGeom)))...)
}

// AllGeometries decodes the way geometries in chain order. A node that fails
// to decode ends the sequence with its *geom.DecodeError.
func (d *Dataset) AllGeometries(ctx context.Context) iter.Seq2[*geom.Geometry, error] {
	return func(yield func(*geom.Geometry, error) bool) {
		for n, err := range d.AllGeometryNodes().All(ctx) {
			if err != nil {
				yield(nil, err)
				return
			}
			g, err := d.codec.Decode(n)
			if !yield(g, err) || err != nil {
				return
			}
		}
	}
}

// AllPointNodes walks every point of every way, in way order then point order.
// A point shared by several ways is reported once per way unless cycle
// detection is on.
func (d *Dataset) AllPointNodes() *graph.Traversal {
	return graph.NewTraversal(d.store, d.root.ID,
		[]graph.Step{graph.Out(RelNode), graph.Out(RelFirstNode), graph.Out(RelNext), graph.Out(RelWays)},
		d.walkOpts(graph.WithReturnable(graph.ReachedVia(RelNode)))...)
}

// WayNodes walks the points of one way in order. A way without a first
// point yields nothing.
func (d *Dataset) WayNodes(way graph.NodeID) *graph.Traversal {
	return graph.NewTraversal(d.store, way,
		[]graph.Step{graph.Out(RelNode), graph.Out(RelNext)},
		d.walkOpts(
			graph.WithEntry(graph.Out(RelFirstNode)),
			graph.WithReturnable(graph.ReachedVia(RelNode)),
		)...)
}

// Ways returns a restartable cursor over the dataset's ways
func (d *Dataset) Ways(ctx context.Context) *WayCursor {
	return &WayCursor{ds: d, ctx: ctx}
}

// Way wraps a way node
func (d *Dataset) Way(n *graph.Node) *Way {
	return &Way{entity: entity{ds: d, node: n}}
}

// Point wraps a point node
func (d *Dataset) Point(n *graph.Node) *WayPoint {
	return &WayPoint{entity: entity{ds: d, node: n}}
}

// ChangesetOf returns the changeset of a way or point. A missing link is
// absence; a store fault is logged and also reported as absence.
func (d *Dataset) ChangesetOf(ctx context.Context, n *graph.Node) (*Changeset, bool) {
	cs, ok, err := d.store.Single(ctx, n.ID, RelChangeset, graph.Outgoing)
	if err != nil {
		d.log.Warn("Node has no readable changeset", zap.Uint64("node", uint64(n.ID)), zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return changesetFromNode(cs), true
}

// UserOf returns the user behind a way, point or changeset node, following
// CHANGESET then USER. Faults degrade to absence as in ChangesetOf.
func (d *Dataset) UserOf(ctx context.Context, n *graph.Node) (*User, bool) {
	walk := graph.NewTraversal(d.store, n.ID,
		[]graph.Step{graph.Out(RelChangeset), graph.Out(RelUser)},
		graph.WithReturnable(graph.ReachedVia(RelUser)),
		graph.WithStop(graph.MaxDepth(2)))

	u, ok, err := walk.First(ctx)
	if err != nil {
		d.log.Warn("Node has no readable user", zap.Uint64("node", uint64(n.ID)), zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return userFromNode(u), true
}

// DecodeGeometry follows the GEOM link of a way or point node and decodes
// its target. An entity without one is reported as a *geom.DecodeError.
func (d *Dataset) DecodeGeometry(ctx context.Context, n *graph.Node) (*geom.Geometry, error) {
	e := entity{ds: d, node: n}
	g, ok, err := e.Geometry(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &geom.DecodeError{Node: n.ID, Err: geom.ErrNoGeometry}
	}
	return g, nil
}
