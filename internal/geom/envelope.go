package geom

import (
	"github.com/paulmach/orb"

	"github.com/wegman-software/osm2graph-go/internal/graph"
)

// EnvelopeProp is the geometry-node property holding [minx, miny, maxx, maxy]
const EnvelopeProp = "bbox"

// EnvelopesEqual reports exact rectangle equality
func EnvelopesEqual(a, b orb.Bound) bool {
	return a.Min == b.Min && a.Max == b.Max
}

// EnvelopesIntersect reports whether the rectangles overlap or touch
func EnvelopesIntersect(a, b orb.Bound) bool {
	return a.Min[0] <= b.Max[0] && b.Min[0] <= a.Max[0] &&
		a.Min[1] <= b.Max[1] && b.Min[1] <= a.Max[1]
}

// EnvelopeContains reports whether inner lies entirely inside outer
func EnvelopeContains(outer, inner orb.Bound) bool {
	return outer.Min[0] <= inner.Min[0] && inner.Max[0] <= outer.Max[0] &&
		outer.Min[1] <= inner.Min[1] && inner.Max[1] <= outer.Max[1]
}

// EnvelopeProps flattens a bound for storage on a geometry node
func EnvelopeProps(b orb.Bound) []float64 {
	return []float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]}
}

// StoredEnvelope reads a precomputed envelope from a geometry node
func StoredEnvelope(n *graph.Node) (orb.Bound, bool) {
	v, ok := n.Float64s(EnvelopeProp)
	if !ok || len(v) != 4 {
		return orb.Bound{}, false
	}
	return orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}, true
}
