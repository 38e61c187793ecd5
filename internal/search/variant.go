package search

import (
	"fmt"
	"math"
	"strings"

	"github.com/paulmach/orb"

	"github.com/wegman-software/osm2graph-go/internal/geom"
)

// Variant is one spatial predicate split into its envelope-level and exact
// tests. BroadPhase must never reject a candidate NarrowPhase would accept.
type Variant struct {
	Name string

	// Broad compares the query envelope with a candidate envelope
	Broad func(query, candidate orb.Bound) bool
	// Narrow compares the decoded query and candidate geometries
	Narrow func(query, candidate *geom.Geometry) bool

	// Unbounded variants ask the candidate source for every entry instead of
	// those near the query envelope
	Unbounded bool
}

// BroadPhase runs the envelope test
func (v Variant) BroadPhase(query, candidate orb.Bound) bool { return v.Broad(query, candidate) }

// NarrowPhase runs the exact test
func (v Variant) NarrowPhase(query, candidate *geom.Geometry) bool { return v.Narrow(query, candidate) }

func (v Variant) String() string { return v.Name }

// Everywhere is the window handed to candidate sources by unbounded variants
var Everywhere = orb.Bound{
	Min: orb.Point{math.Inf(-1), math.Inf(-1)},
	Max: orb.Point{math.Inf(1), math.Inf(1)},
}

// Stock variants. Within and Contains are from the candidate's side: Within
// accepts candidates lying inside the query.
var (
	Equal = Variant{
		Name:   "equal",
		Broad:  geom.EnvelopesEqual,
		Narrow: func(q, c *geom.Geometry) bool { return c.Equals(q) },
	}
	Within = Variant{
		Name:   "within",
		Broad:  func(q, c orb.Bound) bool { return geom.EnvelopeContains(q, c) },
		Narrow: func(q, c *geom.Geometry) bool { return c.Within(q) },
	}
	Contains = Variant{
		Name:   "contains",
		Broad:  func(q, c orb.Bound) bool { return geom.EnvelopeContains(c, q) },
		Narrow: func(q, c *geom.Geometry) bool { return c.Contains(q) },
	}
	Intersects = Variant{
		Name:   "intersects",
		Broad:  geom.EnvelopesIntersect,
		Narrow: func(q, c *geom.Geometry) bool { return c.Intersects(q) },
	}
	// Disjoint cannot prune on envelopes: overlapping rectangles may still
	// hold disjoint shapes
	Disjoint = Variant{
		Name:  "disjoint",
		Broad: func(orb.Bound, orb.Bound) bool { return true },
		Narrow: func(q, c *geom.Geometry) bool {
			if !geom.EnvelopesIntersect(q.Envelope(), c.Envelope()) {
				return true
			}
			return c.Disjoint(q)
		},
		Unbounded: true,
	}
)

// Variants lists the stock variants in a stable order
func Variants() []Variant {
	return []Variant{Equal, Within, Contains, Intersects, Disjoint}
}

// VariantByName looks up a stock variant, ignoring case
func VariantByName(name string) (Variant, error) {
	for _, v := range Variants() {
		if strings.EqualFold(v.Name, name) {
			return v, nil
		}
	}
	names := make([]string, 0, len(Variants()))
	for _, v := range Variants() {
		names = append(names, v.Name)
	}
	return Variant{}, fmt.Errorf("unknown predicate %q (want one of %s)", name, strings.Join(names, ", "))
}
