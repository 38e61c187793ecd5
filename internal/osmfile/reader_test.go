package osmfile

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulmach/osm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wegman-software/osm2graph-go/internal/graph/memstore"
	"github.com/wegman-software/osm2graph-go/internal/metrics"
	"github.com/wegman-software/osm2graph-go/internal/osmgraph"
	"github.com/wegman-software/osm2graph-go/internal/style"
)

const extract = `<?xml version="1.0" encoding="UTF-8"?>
<osm version="0.6" generator="test">
  <node id="1" lat="51.50" lon="-0.12" version="1" changeset="10" user="dora" uid="4"/>
  <node id="2" lat="51.51" lon="-0.12" version="1" changeset="10" user="dora" uid="4"/>
  <node id="3" lat="51.51" lon="-0.11" version="1" changeset="10" user="dora" uid="4"/>
  <way id="100" version="2" changeset="11" user="dora" uid="4">
    <nd ref="1"/>
    <nd ref="2"/>
    <tag k="highway" v="residential"/>
    <tag k="name" v="Mill Lane"/>
  </way>
  <way id="101" version="1" changeset="12" user="eli" uid="5">
    <nd ref="2"/>
    <nd ref="3"/>
    <tag k="barrier" v="fence"/>
  </way>
  <way id="102" version="1" changeset="12" user="eli" uid="5">
    <nd ref="3"/>
    <nd ref="99"/>
    <tag k="highway" v="service"/>
  </way>
  <relation id="500" version="1" changeset="13">
    <member type="way" ref="100" role=""/>
  </relation>
</osm>
`

func writeExtract(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "extract.osm")
	require.NoError(t, os.WriteFile(path, []byte(extract), 0o644))
	return path
}

func newDataset(t *testing.T) *osmgraph.Dataset {
	t.Helper()
	ctx := context.Background()
	s := memstore.New(osmgraph.Schema())
	layer, err := osmgraph.GetOrCreateLayer(ctx, s, "extract", 4326)
	require.NoError(t, err)
	ds, err := osmgraph.ResolveOrCreate(ctx, s, layer, osmgraph.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	return ds
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		path    string
		want    Format
		wantErr bool
	}{
		{"greater-london-latest.osm.pbf", FormatPBF, false},
		{"MAP.OSM", FormatXML, false},
		{"export.xml", FormatXML, false},
		{"export.geojson", 0, true},
	}
	for _, tt := range tests {
		got, err := DetectFormat(tt.path)
		if tt.wantErr {
			assert.Error(t, err, tt.path)
			continue
		}
		require.NoError(t, err, tt.path)
		assert.Equal(t, tt.want, got, tt.path)
	}
}

func TestLoadXML(t *testing.T) {
	ctx := context.Background()
	ds := newDataset(t)
	counters := &metrics.Counters{}

	stats, err := NewLoader(WithCounters(counters)).LoadFile(ctx, ds, writeExtract(t))
	require.NoError(t, err)

	assert.Equal(t, int64(3), stats.Nodes)
	assert.Equal(t, int64(3), stats.Ways)
	assert.Equal(t, int64(1), stats.Relations)
	assert.Equal(t, int64(len(extract)), stats.BytesRead)

	// Way 102 keeps a single resolvable member and is dropped
	assert.Equal(t, int64(2), stats.Build.Ways)
	assert.Equal(t, int64(1), stats.Build.SkippedWays)
	assert.Equal(t, int64(1), stats.Build.MissingNodes)
	assert.Equal(t, int64(3), stats.Build.Points)
	assert.Equal(t, int64(1), counters.Skipped.Load())

	var ids []osm.WayID
	for w, err := range ds.Ways(ctx).All() {
		require.NoError(t, err)
		ids = append(ids, w.OSMID())
	}
	assert.Equal(t, []osm.WayID{100, 101}, ids)

	c := ds.Ways(ctx)
	require.True(t, c.Next())
	assert.Equal(t, "Mill Lane", c.Way().Tags().Find("name"))
	cs, ok := c.Way().Changeset(ctx)
	require.True(t, ok)
	assert.Equal(t, osm.ChangesetID(11), cs.ID)
}

func TestLoadWithStyle(t *testing.T) {
	ctx := context.Background()
	ds := newDataset(t)
	cfg := &style.Config{
		Ways: &style.FilterConfig{RequireAny: []string{"highway"}},
		Tags: &style.TagConfig{Keep: []string{"highway"}},
	}

	stats, err := NewLoader(WithStyle(cfg), WithWorkers(0)).LoadFile(ctx, ds, writeExtract(t))
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Build.Ways)

	c := ds.Ways(ctx)
	require.True(t, c.Next())
	assert.Equal(t, osm.WayID(100), c.Way().OSMID())
	assert.Equal(t, "", c.Way().Tags().Find("name"))
	assert.False(t, c.Next())
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	_, err := NewLoader().LoadFile(context.Background(), newDataset(t), "roads.shp")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unrecognised"))
}
