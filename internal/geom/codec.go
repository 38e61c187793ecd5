package geom

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb/encoding/ewkb"

	"github.com/wegman-software/osm2graph-go/internal/graph"
)

// Geometry node property names
const (
	WKBProp  = "wkb"
	TypeProp = "gtype"
	LatProp  = "lat"
	LonProp  = "lon"
)

var (
	// ErrDecode matches every *DecodeError
	ErrDecode = errors.New("geometry decode failed")
	// ErrNoGeometry is the cause when a node carries no recognisable representation
	ErrNoGeometry = errors.New("node has no geometry representation")
)

// DecodeError reports a geometry node whose stored form cannot be decoded
type DecodeError struct {
	Node graph.NodeID
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode geometry of node %d: %v", e.Node, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrDecode) hold for any DecodeError
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// Codec turns a stored geometry node into a Geometry
type Codec interface {
	Decode(n *graph.Node) (*Geometry, error)
}

// EWKBCodec decodes the "wkb" property. A node without one has no geometry.
type EWKBCodec struct {
	// DefaultSRID applies when the EWKB carries no SRID
	DefaultSRID int
}

// Decode implements Codec
func (c EWKBCodec) Decode(n *graph.Node) (*Geometry, error) {
	if n == nil {
		return nil, &DecodeError{Err: ErrNoGeometry}
	}
	if !n.Has(WKBProp) {
		return nil, &DecodeError{Node: n.ID, Err: ErrNoGeometry}
	}
	data, ok := n.Bytes(WKBProp)
	if !ok {
		return nil, &DecodeError{Node: n.ID, Err: fmt.Errorf("property %q is not binary", WKBProp)}
	}
	g, srid, err := ewkb.Unmarshal(data)
	if err != nil {
		return nil, &DecodeError{Node: n.ID, Err: err}
	}
	if srid == 0 {
		srid = c.DefaultSRID
	}
	out := New(g, srid)
	if err := out.Validate(); err != nil {
		return nil, &DecodeError{Node: n.ID, Err: err}
	}
	return out, nil
}
