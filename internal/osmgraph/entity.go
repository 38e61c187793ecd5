package osmgraph

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/osm"

	"github.com/wegman-software/osm2graph-go/internal/geom"
	"github.com/wegman-software/osm2graph-go/internal/graph"
)

// entity is the part shared by ways and points: the wrapped node and its
// lazily decoded geometry. A wrapper is transient and not safe for
// concurrent use.
type entity struct {
	ds   *Dataset
	node *graph.Node

	resolved bool
	geomNode *graph.Node
	geometry *geom.Geometry
}

// Node returns the wrapped graph node
func (e *entity) Node() *graph.Node { return e.node }

// ID returns the graph node id
func (e *entity) ID() graph.NodeID { return e.node.ID }

// GeometryNode returns the node the GEOM link points at
func (e *entity) GeometryNode(ctx context.Context) (*graph.Node, bool, error) {
	if err := e.resolve(ctx); err != nil {
		return nil, false, err
	}
	return e.geomNode, e.geomNode != nil, nil
}

func (e *entity) resolve(ctx context.Context) error {
	if e.resolved {
		return nil
	}
	n, ok, err := e.ds.store.Single(ctx, e.node.ID, RelGeom, graph.Outgoing)
	if err != nil {
		return fmt.Errorf("failed to resolve geometry of node %d: %w", e.node.ID, err)
	}
	if ok {
		e.geomNode = n
	}
	e.resolved = true
	return nil
}

// Geometry decodes the entity's geometry on first use and returns the same
// value afterwards. A missing GEOM link is reported as ok == false; a
// malformed geometry node as a *geom.DecodeError, which is not cached.
func (e *entity) Geometry(ctx context.Context) (*geom.Geometry, bool, error) {
	if e.geometry != nil {
		return e.geometry, true, nil
	}
	if err := e.resolve(ctx); err != nil {
		return nil, false, err
	}
	if e.geomNode == nil {
		return nil, false, nil
	}
	g, err := e.ds.codec.Decode(e.geomNode)
	if err != nil {
		return nil, false, err
	}
	e.geometry = g
	return g, true, nil
}

// Envelope returns the bounding rectangle of the cached geometry
func (e *entity) Envelope(ctx context.Context) (orb.Bound, bool, error) {
	g, ok, err := e.Geometry(ctx)
	if err != nil || !ok {
		return orb.Bound{}, false, err
	}
	return g.Envelope(), true, nil
}

// Tags returns the tag:* properties as osm.Tags, sorted by key
func (e *entity) Tags() osm.Tags {
	var tags osm.Tags
	for k, v := range e.node.Props {
		key, ok := strings.CutPrefix(k, TagPrefix)
		if !ok {
			continue
		}
		if s, ok := v.(string); ok {
			tags = append(tags, osm.Tag{Key: key, Value: s})
		}
	}
	tags.SortByKeyValue()
	return tags
}

// Changeset is a shortcut for Dataset.ChangesetOf
func (e *entity) Changeset(ctx context.Context) (*Changeset, bool) {
	return e.ds.ChangesetOf(ctx, e.node)
}

// User is a shortcut for Dataset.UserOf
func (e *entity) User(ctx context.Context) (*User, bool) {
	return e.ds.UserOf(ctx, e.node)
}

// Way is a linear or polygonal feature
type Way struct {
	entity
}

// OSMID returns the OSM way id
func (w *Way) OSMID() osm.WayID {
	id, _ := w.node.Int64(PropWayOSM)
	return osm.WayID(id)
}

// WayNodes walks this way's point nodes
func (w *Way) WayNodes() *graph.Traversal {
	return w.ds.WayNodes(w.node.ID)
}

// Points returns a restartable cursor over this way's points
func (w *Way) Points(ctx context.Context) *PointCursor {
	return &PointCursor{way: w, ctx: ctx}
}

// WayPoint is a vertex of a way
type WayPoint struct {
	entity
}

// OSMID returns the OSM node id
func (p *WayPoint) OSMID() osm.NodeID {
	id, _ := p.node.Int64(PropNodeOSM)
	return osm.NodeID(id)
}

// LatLon returns the WGS84 coordinate stored on the point
func (p *WayPoint) LatLon() (lat, lon float64, ok bool) {
	lat, latOK := p.node.Float64(geom.LatProp)
	lon, lonOK := p.node.Float64(geom.LonProp)
	return lat, lon, latOK && lonOK
}

// WayCursor iterates a dataset's ways. Calling Next again after the cursor
// is exhausted starts a fresh walk from the first way.
type WayCursor struct {
	ds  *Dataset
	ctx context.Context
	it  *graph.Iterator
	cur *Way
}

// Next advances to the next way
func (c *WayCursor) Next() bool {
	if c.it == nil || c.it.Exhausted() {
		c.it = c.ds.AllWayNodes().Iterator(c.ctx)
	}
	if !c.it.Next() {
		c.cur = nil
		return false
	}
	c.cur = c.ds.Way(c.it.Node())
	return true
}

// Way returns the current way
func (c *WayCursor) Way() *Way { return c.cur }

// Err returns the fault that ended the last walk
func (c *WayCursor) Err() error {
	if c.it == nil {
		return nil
	}
	return c.it.Err()
}

// All yields the remaining ways, restarting first if the cursor is exhausted
func (c *WayCursor) All() iter.Seq2[*Way, error] {
	return func(yield func(*Way, error) bool) {
		for c.Next() {
			if !yield(c.cur, nil) {
				return
			}
		}
		if err := c.Err(); err != nil {
			yield(nil, err)
		}
	}
}

// PointCursor iterates a way's points, restarting after exhaustion like WayCursor
type PointCursor struct {
	way *Way
	ctx context.Context
	it  *graph.Iterator
	cur *WayPoint
}

// Next advances to the next point
func (c *PointCursor) Next() bool {
	if c.it == nil || c.it.Exhausted() {
		c.it = c.way.WayNodes().Iterator(c.ctx)
	}
	if !c.it.Next() {
		c.cur = nil
		return false
	}
	c.cur = c.way.ds.Point(c.it.Node())
	return true
}

// Point returns the current point
func (c *PointCursor) Point() *WayPoint { return c.cur }

// Err returns the fault that ended the last walk
func (c *PointCursor) Err() error {
	if c.it == nil {
		return nil
	}
	return c.it.Err()
}

// All yields the remaining points, restarting first if the cursor is exhausted
func (c *PointCursor) All() iter.Seq2[*WayPoint, error] {
	return func(yield func(*WayPoint, error) bool) {
		for c.Next() {
			if !yield(c.cur, nil) {
				return
			}
		}
		if err := c.Err(); err != nil {
			yield(nil, err)
		}
	}
}
