// Package search runs two-phase spatial searches: a cheap envelope test over
// every candidate a source supplies, then an exact predicate over the decoded
// geometries of the survivors.
package search

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"github.com/wegman-software/osm2graph-go/internal/geom"
	"github.com/wegman-software/osm2graph-go/internal/graph"
	"github.com/wegman-software/osm2graph-go/internal/logger"
)

// ErrFinished is returned when Run is called on a search that already ran
var ErrFinished = errors.New("search already finished")

// State is the lifecycle of one search
type State int

const (
	StateInit State = iota
	StateScanning
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateScanning:
		return "scanning"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Candidate is an entity node and its envelope, as supplied by an index
type Candidate struct {
	Node     *graph.Node
	Envelope orb.Bound
}

// Match is an accepted candidate with its decoded geometry
type Match struct {
	Node     *graph.Node
	Geometry *geom.Geometry
}

// CandidateSource supplies candidates whose envelopes are at or near window
type CandidateSource interface {
	Candidates(ctx context.Context, window orb.Bound) iter.Seq2[Candidate, error]
}

// Decoder resolves and decodes the geometry of a candidate node
type Decoder interface {
	DecodeGeometry(ctx context.Context, n *graph.Node) (*geom.Geometry, error)
}

// Stats counts the work done by one run
type Stats struct {
	Candidates   int
	BroadPassed  int
	DecodeErrors int
	Matches      int
	Elapsed      time.Duration
}

// Search is a single two-phase search. It is not safe for concurrent use.
type Search struct {
	query   *geom.Geometry
	env     orb.Bound
	variant Variant
	log     *zap.Logger

	state   State
	results []Match
	stats   Stats
}

// Option configures a Search
type Option func(*Search)

// WithLogger sets the logger for skipped candidates
func WithLogger(l *zap.Logger) Option {
	return func(s *Search) { s.log = l }
}

// New captures the query and its envelope
func New(query *geom.Geometry, v Variant, opts ...Option) *Search {
	s := &Search{
		query:   query,
		env:     query.Envelope(),
		variant: v,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Get()
	}
	return s
}

// State returns the current lifecycle state
func (s *Search) State() State { return s.state }

// Variant returns the predicate in use
func (s *Search) Variant() Variant { return s.variant }

// Stats returns the counters of the run so far
func (s *Search) Stats() Stats { return s.stats }

// Run drains src and keeps the candidates passing both phases, in supplier
// order. A candidate whose geometry fails to decode is logged and skipped;
// any other fault aborts the run and leaves the search in StateDone with no
// results.
func (s *Search) Run(ctx context.Context, src CandidateSource, dec Decoder) error {
	if s.state != StateInit {
		return ErrFinished
	}
	s.state = StateScanning
	start := time.Now()
	defer func() {
		s.stats.Elapsed = time.Since(start)
		s.state = StateDone
	}()

	window := s.env
	if s.variant.Unbounded {
		window = Everywhere
	}

	var results []Match
	for c, err := range src.Candidates(ctx, window) {
		if err != nil {
			return fmt.Errorf("failed to read candidates: %w", err)
		}
		s.stats.Candidates++

		if !s.variant.BroadPhase(s.env, c.Envelope) {
			continue
		}
		s.stats.BroadPassed++

		g, err := dec.DecodeGeometry(ctx, c.Node)
		if errors.Is(err, geom.ErrDecode) {
			s.stats.DecodeErrors++
			s.log.Warn("Skipping candidate with undecodable geometry",
				zap.Uint64("node", uint64(c.Node.ID)), zap.Error(err))
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to decode candidate %d: %w", c.Node.ID, err)
		}

		if s.variant.NarrowPhase(s.query, g) {
			results = append(results, Match{Node: c.Node, Geometry: g})
		}
	}

	s.results = results
	s.stats.Matches = len(results)
	s.log.Debug("Search finished",
		zap.String("predicate", s.variant.Name),
		zap.Int("candidates", s.stats.Candidates),
		zap.Int("broad_passed", s.stats.BroadPassed),
		zap.Int("matches", s.stats.Matches))
	return nil
}

// Results returns the accepted matches. It is nil until the search is done.
// The slice is shared between calls and must not be modified.
func (s *Search) Results() []Match {
	if s.state != StateDone {
		return nil
	}
	return s.results
}

// Execute runs a one-shot search and returns its matches
func Execute(ctx context.Context, query *geom.Geometry, src CandidateSource, dec Decoder, v Variant) ([]Match, error) {
	s := New(query, v)
	if err := s.Run(ctx, src, dec); err != nil {
		return nil, err
	}
	return s.Results(), nil
}
