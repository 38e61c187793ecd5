package osmgraph

import (
	"context"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/osm"
	"go.uber.org/zap"

	"github.com/wegman-software/osm2graph-go/internal/geom"
	"github.com/wegman-software/osm2graph-go/internal/graph"
	"github.com/wegman-software/osm2graph-go/internal/proj"
	"github.com/wegman-software/osm2graph-go/internal/style"
	"github.com/wegman-software/osm2graph-go/internal/wkb"
)

// BuildStats counts what one Build wrote
type BuildStats struct {
	Ways        int64
	Points      int64
	Changesets  int64
	Users       int64
	SkippedWays int64

	// MissingNodes counts way members without known coordinates
	MissingNodes int64
}

// Builder appends ways to a dataset's chains inside one unit of work.
// Point, changeset and user nodes are shared within a build.
type Builder struct {
	ctx   context.Context
	ds    *Dataset
	tx    graph.Tx
	style *style.Config
	ways  *style.Filter
	enc   *wkb.Encoder
	tr    *proj.Transformer

	tail    graph.NodeID
	tailRel graph.RelType

	coords     map[osm.NodeID]*osm.Node
	points     map[osm.NodeID]graph.NodeID
	changesets map[osm.ChangesetID]graph.NodeID
	users      map[osm.UserID]graph.NodeID

	stats BuildStats
}

// BuildOption configures a Builder
type BuildOption func(*Builder)

// WithStyle filters ways and tags
func WithStyle(cfg *style.Config) BuildOption {
	return func(b *Builder) { b.style = cfg }
}

// Build runs fn against a Builder and commits everything it wrote, or
// nothing if fn or the commit fails
func (d *Dataset) Build(ctx context.Context, fn func(*Builder) error, opts ...BuildOption) (*BuildStats, error) {
	srid := d.layer.SRID
	if srid == 0 {
		srid = proj.SRID4326
	}
	tr, err := proj.NewTransformer(proj.SRID4326, srid)
	if err != nil {
		return nil, err
	}

	b := &Builder{
		ctx:        ctx,
		ds:         d,
		enc:        wkb.NewEncoderWithSRID(256, srid),
		tr:         tr,
		coords:     make(map[osm.NodeID]*osm.Node),
		points:     make(map[osm.NodeID]graph.NodeID),
		changesets: make(map[osm.ChangesetID]graph.NodeID),
		users:      make(map[osm.UserID]graph.NodeID),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.ways = b.style.WayFilter()

	// The tail is found before the unit of work opens; single-connection
	// stores cannot serve reads outside a running transaction.
	if err := b.findTail(ctx); err != nil {
		return nil, err
	}

	tx, err := d.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	b.tx = tx

	if err := fn(b); err != nil {
		tx.Rollback(ctx)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit build: %w", err)
	}

	d.log.Info("Dataset build committed",
		zap.String("layer", d.layer.Name),
		zap.Int64("ways", b.stats.Ways),
		zap.Int64("points", b.stats.Points),
		zap.Int64("skipped_ways", b.stats.SkippedWays),
		zap.Int64("missing_nodes", b.stats.MissingNodes))
	return &b.stats, nil
}

func (b *Builder) findTail(ctx context.Context) error {
	b.tail, b.tailRel = b.ds.root.ID, RelWays
	// Unbounded by WithMaxDepth so appends always land on the real tail
	it := graph.NewTraversal(b.ds.store, b.ds.root.ID,
		[]graph.Step{graph.Out(RelWays), graph.Out(RelNext)},
		graph.WithCycleDetection(b.ds.detectCycles)).Iterator(ctx)
	for it.Next() {
		b.tail, b.tailRel = it.Node().ID, RelNext
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("failed to find end of way chain: %w", err)
	}
	return nil
}

// Stats returns the counts so far
func (b *Builder) Stats() BuildStats { return b.stats }

// AddNode records a node's coordinates and provenance for later ways.
// Nodes are only written when a way references them.
func (b *Builder) AddNode(n *osm.Node) {
	b.coords[n.ID] = n
}

// AddWay appends w to the way chain. Members without known coordinates are
// skipped; a way left with fewer than two points is not written.
func (b *Builder) AddWay(w *osm.Way) (graph.NodeID, bool, error) {
	if b.ways.HasFilter() && !b.ways.MatchOSMTags(w.Tags) {
		b.stats.SkippedWays++
		return 0, false, nil
	}

	type member struct {
		id       osm.NodeID
		lat, lon float64
	}
	members := make([]member, 0, len(w.Nodes))
	line := make(orb.LineString, 0, len(w.Nodes))
	for _, wn := range w.Nodes {
		m := member{id: wn.ID, lat: wn.Lat, lon: wn.Lon}
		if n, ok := b.coords[wn.ID]; ok {
			m.lat, m.lon = n.Lat, n.Lon
		} else if wn.Lat == 0 && wn.Lon == 0 {
			b.stats.MissingNodes++
			continue
		}
		members = append(members, m)
		line = append(line, orb.Point{m.lon, m.lat})
	}
	if len(members) < 2 {
		b.stats.SkippedWays++
		return 0, false, nil
	}

	props := graph.Properties{
		PropWayOSM:  int64(w.ID),
		PropVersion: int64(w.Version),
	}
	for _, t := range w.Tags {
		if b.style.KeepTag(t.Key) {
			props[TagPrefix+t.Key] = t.Value
		}
	}
	wayID, err := b.tx.CreateNode(b.ctx, LabelWay, props)
	if err != nil {
		return 0, false, fmt.Errorf("failed to create way %d: %w", w.ID, err)
	}
	if err := b.tx.CreateRelationship(b.ctx, b.tail, wayID, b.tailRel); err != nil {
		return 0, false, fmt.Errorf("failed to chain way %d: %w", w.ID, err)
	}
	b.tail, b.tailRel = wayID, RelNext

	var shape orb.Geometry = line
	if w.Polygon() && len(line) >= 4 && line[0] == line[len(line)-1] {
		shape = orb.Polygon{orb.Ring(line)}
	}
	if err := b.attachGeometry(wayID, shape); err != nil {
		return 0, false, fmt.Errorf("way %d: %w", w.ID, err)
	}
	if err := b.attachChangeset(wayID, w.ChangesetID, w.User, w.UserID); err != nil {
		return 0, false, fmt.Errorf("way %d: %w", w.ID, err)
	}

	prev, prevRel := wayID, RelFirstNode
	for _, m := range members {
		proxy, err := b.tx.CreateNode(b.ctx, LabelWayNode, nil)
		if err != nil {
			return 0, false, fmt.Errorf("failed to create way node: %w", err)
		}
		if err := b.tx.CreateRelationship(b.ctx, prev, proxy, prevRel); err != nil {
			return 0, false, err
		}
		point, err := b.point(m.id, m.lat, m.lon)
		if err != nil {
			return 0, false, err
		}
		if err := b.tx.CreateRelationship(b.ctx, proxy, point, RelNode); err != nil {
			return 0, false, err
		}
		prev, prevRel = proxy, RelNext
	}

	b.stats.Ways++
	return wayID, true, nil
}

// point returns the graph node for an OSM node, creating it on first use
func (b *Builder) point(id osm.NodeID, lat, lon float64) (graph.NodeID, error) {
	if p, ok := b.points[id]; ok {
		return p, nil
	}

	props := graph.Properties{
		PropNodeOSM:  int64(id),
		geom.LatProp: lat,
		geom.LonProp: lon,
	}
	src := b.coords[id]
	if src != nil {
		props[PropVersion] = int64(src.Version)
	}
	p, err := b.tx.CreateNode(b.ctx, LabelPoint, props)
	if err != nil {
		return 0, fmt.Errorf("failed to create point %d: %w", id, err)
	}
	if err := b.attachGeometry(p, orb.Point{lon, lat}); err != nil {
		return 0, fmt.Errorf("point %d: %w", id, err)
	}
	if src != nil {
		if err := b.attachChangeset(p, src.ChangesetID, src.User, src.UserID); err != nil {
			return 0, fmt.Errorf("point %d: %w", id, err)
		}
	}

	b.points[id] = p
	b.stats.Points++
	return p, nil
}

// attachGeometry writes a geometry node in the layer's SRID
func (b *Builder) attachGeometry(owner graph.NodeID, g orb.Geometry) error {
	g = b.tr.Geometry(g)
	data, err := b.enc.Encode(g)
	if err != nil {
		return fmt.Errorf("failed to encode geometry: %w", err)
	}
	id, err := b.tx.CreateNode(b.ctx, LabelGeometry, graph.Properties{
		geom.WKBProp:      data,
		geom.TypeProp:     g.GeoJSONType(),
		geom.EnvelopeProp: geom.EnvelopeProps(g.Bound()),
	})
	if err != nil {
		return fmt.Errorf("failed to create geometry node: %w", err)
	}
	return b.tx.CreateRelationship(b.ctx, owner, id, RelGeom)
}

func (b *Builder) attachChangeset(owner graph.NodeID, id osm.ChangesetID, name string, uid osm.UserID) error {
	if id == 0 {
		return nil
	}
	cs, ok := b.changesets[id]
	if !ok {
		var err error
		cs, err = b.tx.CreateNode(b.ctx, LabelChangeset, graph.Properties{PropChangeset: int64(id)})
		if err != nil {
			return fmt.Errorf("failed to create changeset %d: %w", id, err)
		}
		b.changesets[id] = cs
		b.stats.Changesets++

		if uid != 0 || name != "" {
			user, err := b.user(name, uid)
			if err != nil {
				return err
			}
			if err := b.tx.CreateRelationship(b.ctx, cs, user, RelUser); err != nil {
				return err
			}
		}
	}
	return b.tx.CreateRelationship(b.ctx, owner, cs, RelChangeset)
}

func (b *Builder) user(name string, uid osm.UserID) (graph.NodeID, error) {
	if u, ok := b.users[uid]; ok && uid != 0 {
		return u, nil
	}
	u, err := b.tx.CreateNode(b.ctx, LabelUser, graph.Properties{PropName: name, PropUID: int64(uid)})
	if err != nil {
		return 0, fmt.Errorf("failed to create user %d: %w", uid, err)
	}
	if uid != 0 {
		b.users[uid] = u
	}
	b.stats.Users++
	return u, nil
}
