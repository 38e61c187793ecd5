// Package geom wraps orb geometries with a precomputed envelope. The exact
// predicates used by the search narrow phase are evaluated by simplefeatures.
package geom

import (
	"fmt"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	sf "github.com/peterstace/simplefeatures/geom"
)

// Geometry is an immutable decoded shape with its envelope
type Geometry struct {
	g    orb.Geometry
	srid int
	env  orb.Bound

	once  sync.Once
	exact sf.Geometry
	err   error
}

// New wraps g. The envelope is computed once here.
func New(g orb.Geometry, srid int) *Geometry {
	return &Geometry{g: g, srid: srid, env: g.Bound()}
}

// Orb returns the underlying orb geometry
func (g *Geometry) Orb() orb.Geometry { return g.g }

// SRID returns the spatial reference the coordinates are expressed in
func (g *Geometry) SRID() int { return g.srid }

// Type returns the GeoJSON type name, e.g. "LineString"
func (g *Geometry) Type() string { return g.g.GeoJSONType() }

// Envelope returns the axis-aligned bounding rectangle
func (g *Geometry) Envelope() orb.Bound { return g.env }

// Validate converts the shape for predicate evaluation and reports whether
// that failed. The conversion runs once; predicates on a geometry that does
// not validate are false.
func (g *Geometry) Validate() error {
	_, err := g.prepared()
	return err
}

func (g *Geometry) prepared() (sf.Geometry, error) {
	g.once.Do(func() {
		data, err := wkb.Marshal(g.g)
		if err != nil {
			g.err = fmt.Errorf("encode %s: %w", g.Type(), err)
			return
		}
		g.exact, err = sf.UnmarshalWKB(data)
		if err != nil {
			g.err = fmt.Errorf("invalid %s: %w", g.Type(), err)
		}
	})
	return g.exact, g.err
}

// IsEmpty reports whether the geometry has no vertices
func (g *Geometry) IsEmpty() bool {
	s, err := g.prepared()
	return err == nil && s.IsEmpty()
}

// Equals reports structural equality: same type, same vertices in the same order
func (g *Geometry) Equals(o *Geometry) bool {
	return orb.Equal(g.g, o.g)
}

// Intersects reports whether the two geometries share at least one point
func (g *Geometry) Intersects(o *Geometry) bool {
	if !EnvelopesIntersect(g.env, o.env) {
		return false
	}
	return g.relate(o, func(a, b sf.Geometry) (bool, error) {
		return sf.Intersects(a, b), nil
	})
}

// Disjoint reports whether the two geometries share no point
func (g *Geometry) Disjoint(o *Geometry) bool {
	if !EnvelopesIntersect(g.env, o.env) {
		return g.Validate() == nil && o.Validate() == nil
	}
	return g.relate(o, sf.Disjoint)
}

// Contains reports whether o lies in g with no point of o in g's exterior
// and at least one point of o in g's interior. A shape lying only on g's
// boundary is not contained.
func (g *Geometry) Contains(o *Geometry) bool {
	if !EnvelopeContains(g.env, o.env) {
		return false
	}
	return g.relate(o, sf.Contains)
}

// Within is Contains with the operands swapped
func (g *Geometry) Within(o *Geometry) bool {
	if !EnvelopeContains(o.env, g.env) {
		return false
	}
	return g.relate(o, sf.Within)
}

func (g *Geometry) relate(o *Geometry, pred func(a, b sf.Geometry) (bool, error)) bool {
	a, err := g.prepared()
	if err != nil {
		return false
	}
	b, err := o.prepared()
	if err != nil {
		return false
	}
	ok, err := pred(a, b)
	return err == nil && ok
}
