package flex

import (
	"context"
	"errors"
	"fmt"

	"github.com/paulmach/orb"

	"github.com/wegman-software/osm2graph-go/internal/geom"
	"github.com/wegman-software/osm2graph-go/internal/graph"
	"github.com/wegman-software/osm2graph-go/internal/index"
	"github.com/wegman-software/osm2graph-go/internal/osmgraph"
)

// Object kinds
const (
	KindWay   = "way"
	KindPoint = "point"
)

// Object is the view of a way or point handed to Lua hooks
type Object struct {
	Kind      string
	ID        int64
	Version   int64
	Changeset int64
	User      string
	UID       int64
	Tags      map[string]string

	// Points only
	Lat, Lon float64

	// Ways only
	Points       int
	GeometryType string

	Envelope    orb.Bound
	HasEnvelope bool
}

// WayObject reads everything a hook may look at from a way
func WayObject(ctx context.Context, w *osmgraph.Way) (*Object, error) {
	obj := &Object{
		Kind: KindWay,
		ID:   int64(w.OSMID()),
		Tags: w.Tags().Map(),
	}
	obj.Version, _ = w.Node().Int64(osmgraph.PropVersion)

	n, err := w.WayNodes().Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count points of way %d: %w", obj.ID, err)
	}
	obj.Points = n

	// A malformed geometry leaves the envelope unset
	g, ok, err := w.Geometry(ctx)
	if err != nil && !errors.Is(err, geom.ErrDecode) {
		return nil, err
	}
	if ok {
		obj.GeometryType = g.Type()
		obj.Envelope, obj.HasEnvelope = g.Envelope(), true
	}

	provenance(ctx, obj, w.Changeset, w.User)
	return obj, nil
}

// PointObject reads a point's coordinates and provenance
func PointObject(ctx context.Context, p *osmgraph.WayPoint) (*Object, error) {
	obj := &Object{
		Kind: KindPoint,
		ID:   int64(p.OSMID()),
		Tags: map[string]string{},
	}
	obj.Version, _ = p.Node().Int64(osmgraph.PropVersion)
	obj.Lat, obj.Lon, _ = p.LatLon()

	env, ok, err := p.Envelope(ctx)
	if err != nil && !errors.Is(err, geom.ErrDecode) {
		return nil, err
	}
	obj.Envelope, obj.HasEnvelope = env, ok

	provenance(ctx, obj, p.Changeset, p.User)
	return obj, nil
}

func provenance(ctx context.Context,
	obj *Object,
	changeset func(context.Context) (*osmgraph.Changeset, bool),
	user func(context.Context) (*osmgraph.User, bool)) {
	if cs, ok := changeset(ctx); ok {
		obj.Changeset = int64(cs.ID)
	}
	if u, ok := user(ctx); ok {
		obj.User = u.Name
		obj.UID = int64(u.UID)
	}
}

// NodeObject wraps a way or point node of ds
func NodeObject(ctx context.Context, ds *osmgraph.Dataset, n *graph.Node) (*Object, error) {
	switch n.Label {
	case osmgraph.LabelWay:
		return WayObject(ctx, ds.Way(n))
	case osmgraph.LabelPoint:
		return PointObject(ctx, ds.Point(n))
	default:
		return nil, fmt.Errorf("node %d is a %q, not a way or point", n.ID, n.Label)
	}
}

// Accept adapts the script's filter to an index.AcceptFunc over ds
func (r *Runtime) Accept(ctx context.Context, ds *osmgraph.Dataset) index.AcceptFunc {
	return func(n *graph.Node) (bool, error) {
		if !r.HasFilter() {
			return true, nil
		}
		obj, err := NodeObject(ctx, ds, n)
		if err != nil {
			return false, err
		}
		return r.Filter(obj)
	}
}
