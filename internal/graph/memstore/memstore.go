// Package memstore implements graph.Store in memory
package memstore

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/wegman-software/osm2graph-go/internal/graph"
)

type edge struct {
	rel   graph.RelType
	other graph.NodeID
}

// Store is an in-memory property graph. Committed state is guarded by mu;
// units of work are serialised by txMu, which a Tx holds until it finishes.
type Store struct {
	schema graph.Schema

	mu     sync.RWMutex
	nodes  map[graph.NodeID]*graph.Node
	out    map[graph.NodeID][]edge
	in     map[graph.NodeID][]edge
	nextID graph.NodeID
	ref    graph.NodeID
	rels   int

	txMu sync.Mutex
}

// New creates an empty store with its reference node
func New(schema graph.Schema) *Store {
	s := &Store{
		schema: schema,
		nodes:  make(map[graph.NodeID]*graph.Node),
		out:    make(map[graph.NodeID][]edge),
		in:     make(map[graph.NodeID][]edge),
		nextID: 1,
	}
	s.ref = s.allocate()
	s.nodes[s.ref] = &graph.Node{ID: s.ref, Label: "reference", Props: graph.Properties{}}
	return s
}

func (s *Store) allocate() graph.NodeID {
	id := s.nextID
	s.nextID++
	return id
}

// Reference returns the reference node
func (s *Store) Reference(ctx context.Context) (graph.NodeID, error) {
	return s.ref, nil
}

// Node loads a node
func (s *Store) Node(ctx context.Context, id graph.NodeID) (*graph.Node, error) {
	s.mu.RLock()
	n, ok := s.nodes[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("node %d: %w", id, graph.ErrNotFound)
	}
	return n, nil
}

// Neighbours lists the far ends of id's relationships of kind rel
func (s *Store) Neighbours(ctx context.Context, id graph.NodeID, rel graph.RelType, dir graph.Direction) ([]graph.NodeID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.neighbours(id, rel, dir), nil
}

func (s *Store) neighbours(id graph.NodeID, rel graph.RelType, dir graph.Direction) []graph.NodeID {
	var ids []graph.NodeID
	if dir == graph.Outgoing || dir == graph.Both {
		for _, e := range s.out[id] {
			if e.rel == rel {
				ids = append(ids, e.other)
			}
		}
	}
	if dir == graph.Incoming || dir == graph.Both {
		for _, e := range s.in[id] {
			if e.rel == rel {
				ids = append(ids, e.other)
			}
		}
	}
	return ids
}

// Single follows the only relationship of kind rel
func (s *Store) Single(ctx context.Context, id graph.NodeID, rel graph.RelType, dir graph.Direction) (*graph.Node, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.single(id, rel, dir, nil)
}

func (s *Store) single(id graph.NodeID, rel graph.RelType, dir graph.Direction, staged *Tx) (*graph.Node, bool, error) {
	if _, ok := s.nodes[id]; !ok && (staged == nil || staged.nodes[id] == nil) {
		return nil, false, fmt.Errorf("node %d: %w", id, graph.ErrNotFound)
	}
	ids := s.neighbours(id, rel, dir)
	if staged != nil {
		ids = append(ids, staged.neighbours(id, rel, dir)...)
	}
	switch len(ids) {
	case 0:
		return nil, false, nil
	case 1:
		if n, ok := s.nodes[ids[0]]; ok {
			return n, true, nil
		}
		if staged != nil {
			if n, ok := staged.nodes[ids[0]]; ok {
				return n, true, nil
			}
		}
		return nil, false, fmt.Errorf("node %d: %w", ids[0], graph.ErrNotFound)
	default:
		return nil, false, fmt.Errorf("node %d has %d %s %s relationships: %w", id, len(ids), dir, rel, graph.ErrAmbiguous)
	}
}

// Begin opens a unit of work. It blocks until any other unit of work finishes.
func (s *Store) Begin(ctx context.Context) (graph.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.txMu.Lock()
	return &Tx{
		store: s,
		nodes: make(map[graph.NodeID]*graph.Node),
	}, nil
}

// NodeCount returns the number of committed nodes, the reference node included
func (s *Store) NodeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// RelationshipCount returns the number of committed relationships
func (s *Store) RelationshipCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rels
}

type stagedRel struct {
	from, to graph.NodeID
	rel      graph.RelType
}

// Tx stages writes and applies them on Commit
type Tx struct {
	store *Store
	nodes map[graph.NodeID]*graph.Node
	order []graph.NodeID
	rels  []stagedRel
	done  bool
}

func (tx *Tx) neighbours(id graph.NodeID, rel graph.RelType, dir graph.Direction) []graph.NodeID {
	var ids []graph.NodeID
	for _, r := range tx.rels {
		if r.rel != rel {
			continue
		}
		if r.from == id && (dir == graph.Outgoing || dir == graph.Both) {
			ids = append(ids, r.to)
		}
		if r.to == id && (dir == graph.Incoming || dir == graph.Both) {
			ids = append(ids, r.from)
		}
	}
	return ids
}

// Single sees committed state plus this unit of work's staged writes
func (tx *Tx) Single(ctx context.Context, id graph.NodeID, rel graph.RelType, dir graph.Direction) (*graph.Node, bool, error) {
	if tx.done {
		return nil, false, graph.ErrTxDone
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	return tx.store.single(id, rel, dir, tx)
}

// CreateNode stages a node
func (tx *Tx) CreateNode(ctx context.Context, label string, props graph.Properties) (graph.NodeID, error) {
	if tx.done {
		return 0, graph.ErrTxDone
	}
	tx.store.mu.Lock()
	id := tx.store.allocate()
	tx.store.mu.Unlock()

	p := make(graph.Properties, len(props))
	maps.Copy(p, props)
	tx.nodes[id] = &graph.Node{ID: id, Label: label, Props: p}
	tx.order = append(tx.order, id)
	return id, nil
}

// CreateRelationship stages a relationship
func (tx *Tx) CreateRelationship(ctx context.Context, from, to graph.NodeID, rel graph.RelType) error {
	if tx.done {
		return graph.ErrTxDone
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	for _, id := range []graph.NodeID{from, to} {
		if _, ok := tx.store.nodes[id]; !ok && tx.nodes[id] == nil {
			return fmt.Errorf("node %d: %w", id, graph.ErrNotFound)
		}
	}
	tx.rels = append(tx.rels, stagedRel{from: from, to: to, rel: rel})
	return nil
}

// Commit applies staged writes, or none of them if a constraint fails
func (tx *Tx) Commit(ctx context.Context) error {
	if tx.done {
		return graph.ErrTxDone
	}
	defer tx.finish()

	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	incoming := make(map[graph.NodeID]map[graph.RelType]int)
	for _, r := range tx.rels {
		if !s.schema.IsUniqueIncoming(r.rel) {
			continue
		}
		if incoming[r.to] == nil {
			incoming[r.to] = make(map[graph.RelType]int)
		}
		incoming[r.to][r.rel]++
		if incoming[r.to][r.rel]+len(s.neighbours(r.to, r.rel, graph.Incoming)) > 1 {
			return fmt.Errorf("node %d already has an incoming %s relationship: %w", r.to, r.rel, graph.ErrConflict)
		}
	}

	for _, id := range tx.order {
		s.nodes[id] = tx.nodes[id]
	}
	for _, r := range tx.rels {
		s.out[r.from] = append(s.out[r.from], edge{rel: r.rel, other: r.to})
		s.in[r.to] = append(s.in[r.to], edge{rel: r.rel, other: r.from})
		s.rels++
	}
	return nil
}

// Rollback discards staged writes
func (tx *Tx) Rollback(ctx context.Context) error {
	if tx.done {
		return graph.ErrTxDone
	}
	tx.finish()
	return nil
}

func (tx *Tx) finish() {
	tx.done = true
	tx.nodes = nil
	tx.rels = nil
	tx.store.txMu.Unlock()
}
