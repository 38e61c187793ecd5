// Package osmfile loads OSM XML and PBF extracts into a dataset
package osmfile

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/paulmach/osm"
	"github.com/paulmach/osm/osmpbf"
	"github.com/paulmach/osm/osmxml"
	"go.uber.org/zap"

	"github.com/wegman-software/osm2graph-go/internal/logger"
	"github.com/wegman-software/osm2graph-go/internal/metrics"
	"github.com/wegman-software/osm2graph-go/internal/osmgraph"
	"github.com/wegman-software/osm2graph-go/internal/style"
)

// Format is the encoding of an OSM file
type Format int

const (
	FormatXML Format = iota
	FormatPBF
)

func (f Format) String() string {
	if f == FormatPBF {
		return "pbf"
	}
	return "xml"
}

// DetectFormat picks the format from the file name
func DetectFormat(path string) (Format, error) {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".pbf"):
		return FormatPBF, nil
	case strings.HasSuffix(lower, ".osm"), strings.HasSuffix(lower, ".xml"):
		return FormatXML, nil
	}
	return 0, fmt.Errorf("unrecognised OSM file %q (want .osm, .xml or .pbf)", path)
}

// Stats holds read statistics
type Stats struct {
	Nodes     int64
	Ways      int64
	Relations int64
	BytesRead int64
	Build     *osmgraph.BuildStats
}

// Loader streams an OSM file into a dataset
type Loader struct {
	workers  int
	style    *style.Config
	counters *metrics.Counters
	log      *zap.Logger
	interval time.Duration
}

// Option configures a Loader
type Option func(*Loader)

// WithWorkers sets the number of PBF decoding goroutines
func WithWorkers(n int) Option {
	return func(l *Loader) { l.workers = n }
}

// WithStyle filters ways and tags while building
func WithStyle(cfg *style.Config) Option {
	return func(l *Loader) { l.style = cfg }
}

// WithCounters mirrors read counts into shared metrics counters
func WithCounters(c *metrics.Counters) Option {
	return func(l *Loader) { l.counters = c }
}

// NewLoader creates a loader
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		workers:  runtime.NumCPU(),
		log:      logger.Get(),
		interval: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.workers < 1 {
		l.workers = 1
	}
	if l.counters == nil {
		l.counters = &metrics.Counters{}
	}
	return l
}

// countingReader tracks bytes consumed for progress reporting
type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// LoadFile reads path and appends its ways to ds in one unit of work.
// Nodes must precede the ways referencing them, as in sorted extracts.
func (l *Loader) LoadFile(ctx context.Context, ds *osmgraph.Dataset, path string) (*Stats, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	l.log.Info("Loading OSM file",
		zap.String("file", path),
		zap.String("format", format.String()),
		zap.Int64("bytes", info.Size()),
		zap.String("layer", ds.Layer().Name))

	stats, err := l.Load(ctx, ds, f, format, info.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return stats, nil
}

// Load reads an OSM stream of the given format into ds. size is only used
// for progress and may be zero.
func (l *Loader) Load(ctx context.Context, ds *osmgraph.Dataset, r io.Reader, format Format, size int64) (*Stats, error) {
	cr := &countingReader{r: r}
	var nodes, ways, relations atomic.Int64

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var scanner osm.Scanner
	if format == FormatPBF {
		s := osmpbf.New(scanCtx, cr, l.workers)
		s.SkipRelations = true
		scanner = s
	} else {
		scanner = osmxml.New(scanCtx, cr)
	}
	defer scanner.Close()

	ticker := NewProgressTicker(scanCtx, l.interval, func() {
		fields := []zap.Field{
			zap.Int64("nodes", nodes.Load()),
			zap.Int64("ways", ways.Load()),
		}
		if size > 0 {
			fields = append(fields, zap.String("read", fmt.Sprintf("%.1f%%", 100*float64(cr.n.Load())/float64(size))))
		}
		l.log.Debug("Load progress", fields...)
	})
	go ticker.Run()

	start := time.Now()
	var opts []osmgraph.BuildOption
	if l.style != nil {
		opts = append(opts, osmgraph.WithStyle(l.style))
	}
	build, err := ds.Build(ctx, func(b *osmgraph.Builder) error {
		for scanner.Scan() {
			switch o := scanner.Object().(type) {
			case *osm.Node:
				b.AddNode(o)
				nodes.Add(1)
				l.counters.Points.Add(1)
			case *osm.Way:
				if _, ok, err := b.AddWay(o); err != nil {
					return err
				} else if !ok {
					l.counters.Skipped.Add(1)
				}
				ways.Add(1)
				l.counters.Ways.Add(1)
			case *osm.Relation:
				relations.Add(1)
			}
		}
		if err := scanner.Err(); err != nil && err != io.EOF {
			return err
		}
		return ctx.Err()
	}, opts...)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		Nodes:     nodes.Load(),
		Ways:      ways.Load(),
		Relations: relations.Load(),
		BytesRead: cr.n.Load(),
		Build:     build,
	}
	l.log.Info("Load complete",
		zap.Int64("nodes", stats.Nodes),
		zap.Int64("ways", stats.Ways),
		zap.Int64("relations_ignored", stats.Relations),
		zap.Duration("duration", time.Since(start).Round(time.Millisecond)))
	return stats, nil
}
