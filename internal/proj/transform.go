package proj

import (
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// SRID constants for common projections
const (
	SRID4326 = 4326 // WGS84 (lat/lon)
	SRID3857 = 3857 // Web Mercator
)

// Transformer handles coordinate transformations between projections
type Transformer struct {
	SourceSRID int
	TargetSRID int
	projection orb.Projection
}

// NewTransformer creates a transformer between the two supported SRIDs
func NewTransformer(sourceSRID, targetSRID int) (*Transformer, error) {
	t := &Transformer{SourceSRID: sourceSRID, TargetSRID: targetSRID}
	switch {
	case sourceSRID == targetSRID && (sourceSRID == SRID4326 || sourceSRID == SRID3857):
	case sourceSRID == SRID4326 && targetSRID == SRID3857:
		t.projection = project.WGS84.ToMercator
	case sourceSRID == SRID3857 && targetSRID == SRID4326:
		t.projection = project.Mercator.ToWGS84
	default:
		return nil, fmt.Errorf("unsupported transformation %d -> %d (supported: 4326, 3857)", sourceSRID, targetSRID)
	}
	return t, nil
}

// NeedsTransform returns true if transformation is required
func (t *Transformer) NeedsTransform() bool {
	return t.projection != nil
}

// Point converts a single coordinate
func (t *Transformer) Point(p orb.Point) orb.Point {
	if t.projection == nil {
		return p
	}
	return t.projection(p)
}

// Geometry returns a projected copy of g; the input is never modified
func (t *Transformer) Geometry(g orb.Geometry) orb.Geometry {
	if t.projection == nil || g == nil {
		return g
	}
	return project.Geometry(orb.Clone(g), t.projection)
}

// Bound projects both corners of b
func (t *Transformer) Bound(b orb.Bound) orb.Bound {
	if t.projection == nil {
		return b
	}
	return orb.Bound{Min: t.projection(b.Min), Max: t.projection(b.Max)}
}

// ParseSRID parses a projection string to SRID
// Accepts: "4326", "3857", "EPSG:4326", "EPSG:3857"
func ParseSRID(s string) (int, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "4326", "EPSG:4326", "WGS84":
		return SRID4326, nil
	case "3857", "EPSG:3857", "MERCATOR":
		return SRID3857, nil
	default:
		return 0, fmt.Errorf("unsupported projection: %s (supported: 4326, 3857)", s)
	}
}
