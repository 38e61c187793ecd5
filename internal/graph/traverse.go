package graph

import (
	"context"
	"iter"
)

// Step is one (kind, direction) pair of a traversal grammar
type Step struct {
	Rel RelType
	Dir Direction
}

// Out follows rel from start to end node
func Out(rel RelType) Step { return Step{Rel: rel, Dir: Outgoing} }

// In follows rel from end to start node
func In(rel RelType) Step { return Step{Rel: rel, Dir: Incoming} }

// Position describes where a walk currently is
type Position struct {
	Node *Node
	// LastRel is the kind of the relationship that reached Node, empty at the start node
	LastRel RelType
	Depth   int
}

// IsStart reports whether the position is the start node
func (p Position) IsStart() bool { return p.Depth == 0 }

// Evaluator decides something about a position: whether it is returned,
// or whether the walk stops expanding beyond it
type Evaluator func(Position) bool

// AllButStart returns every node except the start node
func AllButStart(p Position) bool { return !p.IsStart() }

// All returns every node including the start node
func All(Position) bool { return true }

// ReachedVia returns nodes whose last traversed relationship has kind rel
func ReachedVia(rel RelType) Evaluator {
	return func(p Position) bool {
		return !p.IsStart() && p.LastRel == rel
	}
}

// EndOfGraph never stops; the walk ends when no matching relationship remains
func EndOfGraph(Position) bool { return false }

// MaxDepth stops expanding at depth n
func MaxDepth(n int) Evaluator {
	return func(p Position) bool { return p.Depth >= n }
}

// Option configures a Traversal
type Option func(*Traversal)

// WithReturnable sets which positions are yielded (default AllButStart)
func WithReturnable(e Evaluator) Option {
	return func(t *Traversal) { t.returnable = e }
}

// WithStop sets when to stop expanding (default EndOfGraph)
func WithStop(e Evaluator) Option {
	return func(t *Traversal) { t.stop = e }
}

// WithEntry makes the start node expand only through s; the grammar applies
// from the first hop onward. A missing entry relationship yields an empty walk.
func WithEntry(s Step) Option {
	return func(t *Traversal) { t.entry = &s }
}

// WithCycleDetection skips nodes already visited in this walk. It costs one
// set entry per visited node, so it is meant for untrusted graphs.
func WithCycleDetection(on bool) Option {
	return func(t *Traversal) { t.detectCycles = on }
}

// Traversal is a reusable description of a depth-first walk over typed
// relationships. Each call to Iterator starts an independent, lazy pass.
type Traversal struct {
	store        Store
	start        NodeID
	steps        []Step
	entry        *Step
	returnable   Evaluator
	stop         Evaluator
	detectCycles bool
}

// NewTraversal describes a walk from start following any of steps.
// At every node the steps are expanded in the order given, so nodes reached
// through the first-listed kind are visited (and yielded) first.
func NewTraversal(store Store, start NodeID, steps []Step, opts ...Option) *Traversal {
	t := &Traversal{
		store:      store,
		start:      start,
		steps:      steps,
		returnable: AllButStart,
		stop:       EndOfGraph,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start returns the start node id
func (t *Traversal) Start() NodeID { return t.start }

// Iterator begins a new pass
func (t *Traversal) Iterator(ctx context.Context) *Iterator {
	it := &Iterator{
		t:     t,
		ctx:   ctx,
		stack: []frame{{id: t.start}},
	}
	if t.detectCycles {
		it.visited = make(map[NodeID]struct{})
	}
	return it
}

// All yields the walk as a range-over-func sequence. A store fault is
// yielded once as a trailing error.
func (t *Traversal) All(ctx context.Context) iter.Seq2[*Node, error] {
	return func(yield func(*Node, error) bool) {
		it := t.Iterator(ctx)
		for it.Next() {
			if !yield(it.Node(), nil) {
				return
			}
		}
		if err := it.Err(); err != nil {
			yield(nil, err)
		}
	}
}

// First returns the first node of the walk
func (t *Traversal) First(ctx context.Context) (*Node, bool, error) {
	it := t.Iterator(ctx)
	if it.Next() {
		return it.Node(), true, nil
	}
	return nil, false, it.Err()
}

// Count walks to the end and counts yielded nodes
func (t *Traversal) Count(ctx context.Context) (int, error) {
	n := 0
	it := t.Iterator(ctx)
	for it.Next() {
		n++
	}
	return n, it.Err()
}

type frame struct {
	id    NodeID
	rel   RelType
	depth int
}

// Iterator is a single forward pass over a Traversal. It only buffers the
// pending siblings of the nodes on the current path.
type Iterator struct {
	t       *Traversal
	ctx     context.Context
	stack   []frame
	visited map[NodeID]struct{}
	cur     Position
	err     error
	done    bool
	seen    int
}

// Next advances to the next returnable node
func (it *Iterator) Next() bool {
	if it.done {
		return false
	}
	for len(it.stack) > 0 {
		if err := it.ctx.Err(); err != nil {
			return it.fail(err)
		}

		f := it.stack[len(it.stack)-1]
		it.stack = it.stack[:len(it.stack)-1]

		if it.visited != nil {
			if _, ok := it.visited[f.id]; ok {
				continue
			}
			it.visited[f.id] = struct{}{}
		}

		node, err := it.t.store.Node(it.ctx, f.id)
		if err != nil {
			return it.fail(err)
		}
		it.seen++

		pos := Position{Node: node, LastRel: f.rel, Depth: f.depth}
		if !it.t.stop(pos) {
			if err := it.expand(f); err != nil {
				return it.fail(err)
			}
		}
		if it.t.returnable(pos) {
			it.cur = pos
			return true
		}
	}
	it.done = true
	it.cur = Position{}
	return false
}

// expand pushes f's children so the first grammar step is popped first
func (it *Iterator) expand(f frame) error {
	steps := it.t.steps
	if f.depth == 0 && it.t.entry != nil {
		steps = []Step{*it.t.entry}
	}

	var children []frame
	for _, s := range steps {
		ids, err := it.t.store.Neighbours(it.ctx, f.id, s.Rel, s.Dir)
		if err != nil {
			return err
		}
		for _, id := range ids {
			children = append(children, frame{id: id, rel: s.Rel, depth: f.depth + 1})
		}
	}
	for i := len(children) - 1; i >= 0; i-- {
		it.stack = append(it.stack, children[i])
	}
	return nil
}

func (it *Iterator) fail(err error) bool {
	it.err = err
	it.done = true
	it.stack = nil
	it.cur = Position{}
	return false
}

// Node returns the current node
func (it *Iterator) Node() *Node { return it.cur.Node }

// Position returns the current position
func (it *Iterator) Position() Position { return it.cur }

// Visited returns how many nodes the pass has loaded so far, returned or not
func (it *Iterator) Visited() int { return it.seen }

// Exhausted reports whether the pass has ended, successfully or not
func (it *Iterator) Exhausted() bool { return it.done }

// Err returns the fault that ended the pass, if any
func (it *Iterator) Err() error { return it.err }
