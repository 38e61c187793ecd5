// Package index supplies search candidates by scanning a dataset's stored
// envelopes. It stands in for a spatial index: every entity is visited, but
// only the precomputed envelope on its geometry node is read.
package index

import (
	"context"
	"errors"
	"iter"

	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"github.com/wegman-software/osm2graph-go/internal/geom"
	"github.com/wegman-software/osm2graph-go/internal/graph"
	"github.com/wegman-software/osm2graph-go/internal/logger"
	"github.com/wegman-software/osm2graph-go/internal/osmgraph"
	"github.com/wegman-software/osm2graph-go/internal/search"
)

// AcceptFunc decides whether an entity node is offered as a candidate
type AcceptFunc func(n *graph.Node) (bool, error)

// EnvelopeScan is a search.CandidateSource over one dataset
type EnvelopeScan struct {
	ds     *osmgraph.Dataset
	points bool
	margin float64
	accept AcceptFunc
	log    *zap.Logger

	scanned int
}

// Option configures an EnvelopeScan
type Option func(*EnvelopeScan)

// WithPoints also offers way points, each once
func WithPoints(on bool) Option {
	return func(s *EnvelopeScan) { s.points = on }
}

// WithMargin widens the query window on every side
func WithMargin(m float64) Option {
	return func(s *EnvelopeScan) { s.margin = m }
}

// WithAccept filters entities before their envelope is read
func WithAccept(fn AcceptFunc) Option {
	return func(s *EnvelopeScan) { s.accept = fn }
}

// NewEnvelopeScan creates a scan over ds
func NewEnvelopeScan(ds *osmgraph.Dataset, opts ...Option) *EnvelopeScan {
	s := &EnvelopeScan{ds: ds, log: logger.Get()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scanned returns how many entities the last scan looked at
func (s *EnvelopeScan) Scanned() int { return s.scanned }

// Candidates yields every entity whose envelope touches window, ways first
// in chain order, then points. Entities without a geometry are skipped.
func (s *EnvelopeScan) Candidates(ctx context.Context, window orb.Bound) iter.Seq2[search.Candidate, error] {
	window = expand(window, s.margin)
	return func(yield func(search.Candidate, error) bool) {
		s.scanned = 0
		if !s.scan(ctx, s.ds.AllWayNodes(), window, nil, yield) {
			return
		}
		if s.points {
			seen := make(map[graph.NodeID]struct{})
			s.scan(ctx, s.ds.AllPointNodes(), window, seen, yield)
		}
	}
}

// scan reports false once the consumer stops or a fault was yielded
func (s *EnvelopeScan) scan(ctx context.Context, t *graph.Traversal, window orb.Bound,
	seen map[graph.NodeID]struct{}, yield func(search.Candidate, error) bool) bool {
	it := t.Iterator(ctx)
	for it.Next() {
		n := it.Node()
		if seen != nil {
			if _, ok := seen[n.ID]; ok {
				continue
			}
			seen[n.ID] = struct{}{}
		}
		s.scanned++

		if s.accept != nil {
			ok, err := s.accept(n)
			if err != nil {
				yield(search.Candidate{}, err)
				return false
			}
			if !ok {
				continue
			}
		}

		env, ok, err := s.envelope(ctx, n)
		if err != nil {
			yield(search.Candidate{}, err)
			return false
		}
		if !ok || !geom.EnvelopesIntersect(window, env) {
			continue
		}
		if !yield(search.Candidate{Node: n, Envelope: env}, nil) {
			return false
		}
	}
	if err := it.Err(); err != nil {
		yield(search.Candidate{}, err)
		return false
	}
	return true
}

// envelope prefers the stored bbox and decodes only when it is missing
func (s *EnvelopeScan) envelope(ctx context.Context, n *graph.Node) (orb.Bound, bool, error) {
	gn, ok, err := s.ds.Store().Single(ctx, n.ID, osmgraph.RelGeom, graph.Outgoing)
	if err != nil || !ok {
		return orb.Bound{}, false, err
	}
	if env, ok := geom.StoredEnvelope(gn); ok {
		return env, true, nil
	}

	g, err := s.ds.DecodeGeometry(ctx, n)
	if errors.Is(err, geom.ErrDecode) {
		s.log.Warn("Entity geometry cannot be indexed", zap.Uint64("node", uint64(n.ID)), zap.Error(err))
		return orb.Bound{}, false, nil
	}
	if err != nil {
		return orb.Bound{}, false, err
	}
	return g.Envelope(), true, nil
}

func expand(b orb.Bound, m float64) orb.Bound {
	if m <= 0 {
		return b
	}
	return orb.Bound{
		Min: orb.Point{b.Min[0] - m, b.Min[1] - m},
		Max: orb.Point{b.Max[0] + m, b.Max[1] + m},
	}
}
