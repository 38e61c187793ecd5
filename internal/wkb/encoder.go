package wkb

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// WKB type constants (ISO SQL/MM specification)
const (
	wkbPoint              = 1
	wkbLineString         = 2
	wkbPolygon            = 3
	wkbMultiPoint         = 4
	wkbMultiLineString    = 5
	wkbMultiPolygon       = 6
	wkbGeometryCollection = 7

	// SRID flag for EWKB (PostGIS extended WKB)
	wkbSRIDFlag = 0x20000000
)

// Common SRID constants
const (
	SRID4326 = 4326 // WGS84
	SRID3857 = 3857 // Web Mercator
)

// Encoder encodes orb geometries to EWKB.
// Uses little-endian byte order and tags the outermost geometry with the SRID.
type Encoder struct {
	buf  []byte
	srid uint32
}

// NewEncoder creates a new WKB encoder with pre-allocated buffer and default SRID 4326
func NewEncoder(initialSize int) *Encoder {
	return NewEncoderWithSRID(initialSize, SRID4326)
}

// NewEncoderWithSRID creates a new WKB encoder with specified SRID
func NewEncoderWithSRID(initialSize int, srid int) *Encoder {
	return &Encoder{
		buf:  make([]byte, 0, initialSize),
		srid: uint32(srid),
	}
}

// SRID returns the encoder's current SRID
func (e *Encoder) SRID() int {
	return int(e.srid)
}

// Reset clears the buffer for reuse
func (e *Encoder) Reset() {
	e.buf = e.buf[:0]
}

// Bytes returns the encoded WKB bytes
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Encode writes g as EWKB and returns a copy of the bytes, safe to keep after
// the encoder is reused.
func (e *Encoder) Encode(g orb.Geometry) ([]byte, error) {
	e.Reset()
	if g == nil {
		return nil, fmt.Errorf("cannot encode nil geometry")
	}
	e.ensureCapacity(9 + size(g))
	if err := e.appendGeometry(g, true); err != nil {
		return nil, err
	}
	out := make([]byte, len(e.buf))
	copy(out, e.buf)
	return out, nil
}

// EncodePoint encodes a point as EWKB with SRID
func (e *Encoder) EncodePoint(lon, lat float64) []byte {
	e.Reset()
	e.ensureCapacity(25)
	e.appendPoint(orb.Point{lon, lat}, true)
	return e.buf
}

// EncodeLineString encodes a linestring as EWKB with SRID
func (e *Encoder) EncodeLineString(ls orb.LineString) []byte {
	e.Reset()
	e.ensureCapacity(13 + len(ls)*16)
	e.appendHeader(wkbLineString, true)
	e.appendPoints(ls)
	return e.buf
}

func (e *Encoder) appendGeometry(g orb.Geometry, top bool) error {
	switch g := g.(type) {
	case orb.Point:
		e.appendPoint(g, top)
	case orb.LineString:
		e.appendHeader(wkbLineString, top)
		e.appendPoints(g)
	case orb.Ring:
		e.appendHeader(wkbPolygon, top)
		e.appendUint32(1)
		e.appendPoints(g)
	case orb.Polygon:
		e.appendHeader(wkbPolygon, top)
		e.appendRings(g)
	case orb.MultiPoint:
		e.appendHeader(wkbMultiPoint, top)
		e.appendUint32(uint32(len(g)))
		for _, p := range g {
			e.appendPoint(p, false)
		}
	case orb.MultiLineString:
		e.appendHeader(wkbMultiLineString, top)
		e.appendUint32(uint32(len(g)))
		for _, ls := range g {
			e.appendHeader(wkbLineString, false)
			e.appendPoints(ls)
		}
	case orb.MultiPolygon:
		// Embedded polygons don't carry the SRID
		e.appendHeader(wkbMultiPolygon, top)
		e.appendUint32(uint32(len(g)))
		for _, p := range g {
			e.appendHeader(wkbPolygon, false)
			e.appendRings(p)
		}
	case orb.Collection:
		e.appendHeader(wkbGeometryCollection, top)
		e.appendUint32(uint32(len(g)))
		for _, c := range g {
			if err := e.appendGeometry(c, false); err != nil {
				return err
			}
		}
	case orb.Bound:
		return e.appendGeometry(g.ToPolygon(), top)
	default:
		return fmt.Errorf("unsupported geometry type %T", g)
	}
	return nil
}

func (e *Encoder) appendHeader(typ uint32, top bool) {
	// Byte order (little-endian)
	e.buf = append(e.buf, 0x01)
	if top {
		e.appendUint32(typ | wkbSRIDFlag)
		e.appendUint32(e.srid)
		return
	}
	e.appendUint32(typ)
}

func (e *Encoder) appendPoint(p orb.Point, top bool) {
	e.appendHeader(wkbPoint, top)
	e.appendFloat64(p[0])
	e.appendFloat64(p[1])
}

func (e *Encoder) appendPoints(pts []orb.Point) {
	e.appendUint32(uint32(len(pts)))
	for _, p := range pts {
		e.appendFloat64(p[0]) // lon
		e.appendFloat64(p[1]) // lat
	}
}

func (e *Encoder) appendRings(p orb.Polygon) {
	e.appendUint32(uint32(len(p)))
	for _, r := range p {
		e.appendPoints(r)
	}
}

// size is a rough payload estimate used to pre-size the buffer
func size(g orb.Geometry) int {
	switch g := g.(type) {
	case orb.Point:
		return 16
	case orb.LineString:
		return 4 + len(g)*16
	case orb.Ring:
		return 8 + len(g)*16
	case orb.Polygon:
		n := 4
		for _, r := range g {
			n += 4 + len(r)*16
		}
		return n
	case orb.MultiPoint:
		return 4 + len(g)*21
	case orb.MultiLineString:
		n := 4
		for _, ls := range g {
			n += 9 + len(ls)*16
		}
		return n
	case orb.MultiPolygon:
		n := 4
		for _, p := range g {
			n += 5 + size(p)
		}
		return n
	case orb.Collection:
		n := 4
		for _, c := range g {
			n += 5 + size(c)
		}
		return n
	}
	return 64
}

func (e *Encoder) ensureCapacity(n int) {
	if cap(e.buf) < n {
		e.buf = make([]byte, 0, n)
	}
}

func (e *Encoder) appendUint32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

func (e *Encoder) appendFloat64(v float64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, math.Float64bits(v))
}
