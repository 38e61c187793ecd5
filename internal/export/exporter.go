package export

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/wegman-software/osm2graph-go/internal/flex"
	"github.com/wegman-software/osm2graph-go/internal/geom"
	"github.com/wegman-software/osm2graph-go/internal/logger"
	"github.com/wegman-software/osm2graph-go/internal/osmgraph"
	"github.com/wegman-software/osm2graph-go/internal/search"
	"github.com/wegman-software/osm2graph-go/internal/wkb"
)

// Exporter turns dataset entities into features. A nil script keeps
// everything and adds no columns.
type Exporter struct {
	ds     *osmgraph.Dataset
	script *flex.Runtime
	enc    *wkb.Encoder
}

// NewExporter creates an exporter over ds
func NewExporter(ds *osmgraph.Dataset, script *flex.Runtime) *Exporter {
	return &Exporter{
		ds:     ds,
		script: script,
		enc:    wkb.NewEncoderWithSRID(256, ds.Layer().SRID),
	}
}

// Columns returns the script's column names, sampled from the first way
func (e *Exporter) Columns(ctx context.Context) ([]string, error) {
	if e.script == nil || !e.script.HasColumns() {
		return nil, nil
	}
	c := e.ds.Ways(ctx)
	if !c.Next() {
		return nil, c.Err()
	}
	obj, err := flex.WayObject(ctx, c.Way())
	if err != nil {
		return nil, err
	}
	return e.script.ColumnNames(obj)
}

// WriteWays writes every way the script keeps, in chain order
func (e *Exporter) WriteWays(ctx context.Context, w *FeatureWriter) (int, error) {
	n := 0
	for way, err := range e.ds.Ways(ctx).All() {
		if err != nil {
			return n, fmt.Errorf("failed to walk ways: %w", err)
		}
		obj, err := flex.WayObject(ctx, way)
		if err != nil {
			return n, err
		}
		g, _, err := way.Geometry(ctx)
		if err != nil && !errors.Is(err, geom.ErrDecode) {
			return n, err
		}
		ok, err := e.write(w, obj, g)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// WriteMatches writes search matches in result order
func (e *Exporter) WriteMatches(ctx context.Context, w *FeatureWriter, matches []search.Match) (int, error) {
	n := 0
	for _, m := range matches {
		obj, err := flex.NodeObject(ctx, e.ds, m.Node)
		if err != nil {
			return n, err
		}
		ok, err := e.write(w, obj, m.Geometry)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (e *Exporter) write(w *FeatureWriter, obj *flex.Object, g *geom.Geometry) (bool, error) {
	f := Feature{
		OSMID:     obj.ID,
		Kind:      obj.Kind,
		Changeset: obj.Changeset,
		User:      obj.User,
		Tags:      obj.Tags,
	}

	if e.script != nil {
		keep, err := e.script.Filter(obj)
		if err != nil {
			return false, err
		}
		if !keep {
			return false, nil
		}
		if f.Extra, err = e.script.Columns(obj); err != nil {
			return false, err
		}
	}

	if g != nil {
		data, err := e.enc.Encode(g.Orb())
		if err != nil {
			logger.Get().Warn("Writing feature without geometry",
				zap.String("kind", obj.Kind), zap.Int64("osm_id", obj.ID), zap.Error(err))
		} else {
			f.WKB = data
		}
	}

	return true, w.Write(f)
}
