package graph_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegman-software/osm2graph-go/internal/graph"
	"github.com/wegman-software/osm2graph-go/internal/graph/memstore"
)

const (
	head  graph.RelType = "HEAD"
	next  graph.RelType = "NEXT"
	child graph.RelType = "CHILD"
)

// chain builds root -HEAD-> n1 -NEXT-> n2 ... and hangs kids CHILD nodes off each link
func chain(t *testing.T, s *memstore.Store, length, kids int) (graph.NodeID, []graph.NodeID, [][]graph.NodeID) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)

	root, _ := tx.CreateNode(ctx, "root", nil)
	links := make([]graph.NodeID, length)
	children := make([][]graph.NodeID, length)
	prev := root
	for i := range links {
		links[i], _ = tx.CreateNode(ctx, "link", nil)
		rel := next
		if i == 0 {
			rel = head
		}
		require.NoError(t, tx.CreateRelationship(ctx, prev, links[i], rel))
		for k := 0; k < kids; k++ {
			c, _ := tx.CreateNode(ctx, "child", nil)
			require.NoError(t, tx.CreateRelationship(ctx, links[i], c, child))
			children[i] = append(children[i], c)
		}
		prev = links[i]
	}
	require.NoError(t, tx.Commit(ctx))
	return root, links, children
}

func ids(t *testing.T, tr *graph.Traversal) []graph.NodeID {
	t.Helper()
	var out []graph.NodeID
	for n, err := range tr.All(context.Background()) {
		require.NoError(t, err)
		out = append(out, n.ID)
	}
	return out
}

func TestTraversalFollowsChainInOrder(t *testing.T) {
	s := memstore.New(graph.Schema{})
	root, links, _ := chain(t, s, 5, 0)

	tr := graph.NewTraversal(s, root, []graph.Step{graph.Out(head), graph.Out(next)})
	assert.Equal(t, links, ids(t, tr))
}

func TestTraversalExpandsFirstStepFirst(t *testing.T) {
	s := memstore.New(graph.Schema{})
	root, _, children := chain(t, s, 3, 2)

	tr := graph.NewTraversal(s, root,
		[]graph.Step{graph.Out(child), graph.Out(head), graph.Out(next)},
		graph.WithReturnable(graph.ReachedVia(child)))

	var want []graph.NodeID
	for _, c := range children {
		want = append(want, c...)
	}
	assert.Equal(t, want, ids(t, tr))
}

func TestTraversalMissingEntryIsEmpty(t *testing.T) {
	s := memstore.New(graph.Schema{})
	root, _, _ := chain(t, s, 0, 0)

	tr := graph.NewTraversal(s, root, []graph.Step{graph.Out(next)}, graph.WithEntry(graph.Out(head)))
	it := tr.Iterator(context.Background())
	assert.False(t, it.Next())
	assert.NoError(t, it.Err())
	assert.True(t, it.Exhausted())
}

func TestTraversalEntryStepOnlyAppliesAtStart(t *testing.T) {
	s := memstore.New(graph.Schema{})
	root, links, _ := chain(t, s, 3, 0)

	// Starting at the first link, NEXT is not allowed at depth 0 so nothing is reachable
	tr := graph.NewTraversal(s, links[0], []graph.Step{graph.Out(next)}, graph.WithEntry(graph.Out(head)))
	assert.Empty(t, ids(t, tr))

	tr = graph.NewTraversal(s, root, []graph.Step{graph.Out(next)}, graph.WithEntry(graph.Out(head)))
	assert.Equal(t, links, ids(t, tr))
}

func TestTraversalIsRestartable(t *testing.T) {
	s := memstore.New(graph.Schema{})
	root, _, _ := chain(t, s, 4, 1)

	tr := graph.NewTraversal(s, root, []graph.Step{graph.Out(child), graph.Out(head), graph.Out(next)})
	first := ids(t, tr)
	second := ids(t, tr)
	assert.Len(t, first, 8)
	assert.Equal(t, first, second)
}

func TestTraversalMaxDepth(t *testing.T) {
	s := memstore.New(graph.Schema{})
	root, links, _ := chain(t, s, 5, 0)

	tr := graph.NewTraversal(s, root, []graph.Step{graph.Out(head), graph.Out(next)}, graph.WithStop(graph.MaxDepth(2)))
	assert.Equal(t, links[:2], ids(t, tr))
}

func TestTraversalLongChainDoesNotRecurse(t *testing.T) {
	s := memstore.New(graph.Schema{})
	root, links, _ := chain(t, s, 20000, 0)

	n, err := graph.NewTraversal(s, root, []graph.Step{graph.Out(head), graph.Out(next)}).Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(links), n)
}

func TestTraversalCycleDetection(t *testing.T) {
	s := memstore.New(graph.Schema{})
	root, links, _ := chain(t, s, 3, 0)

	ctx := context.Background()
	tx, _ := s.Begin(ctx)
	require.NoError(t, tx.CreateRelationship(ctx, links[2], links[0], next))
	require.NoError(t, tx.Commit(ctx))

	tr := graph.NewTraversal(s, root, []graph.Step{graph.Out(head), graph.Out(next)}, graph.WithCycleDetection(true))
	assert.Equal(t, links, ids(t, tr))

	// Without detection the walk keeps going; stop it after a bounded number of pulls
	tr = graph.NewTraversal(s, root, []graph.Step{graph.Out(head), graph.Out(next)})
	it := tr.Iterator(ctx)
	for i := 0; i < 10; i++ {
		require.True(t, it.Next())
	}
}

func TestTraversalFirst(t *testing.T) {
	s := memstore.New(graph.Schema{})
	root, links, _ := chain(t, s, 3, 0)

	n, ok, err := graph.NewTraversal(s, root, []graph.Step{graph.Out(head), graph.Out(next)}).First(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, links[0], n.ID)
}

type failingStore struct {
	graph.Store
	failOn graph.RelType
}

var errDisk = errors.New("disk on fire")

func (f failingStore) Neighbours(ctx context.Context, id graph.NodeID, rel graph.RelType, dir graph.Direction) ([]graph.NodeID, error) {
	if rel == f.failOn {
		return nil, errDisk
	}
	return f.Store.Neighbours(ctx, id, rel, dir)
}

func TestTraversalPropagatesStoreFaults(t *testing.T) {
	s := memstore.New(graph.Schema{})
	root, _, _ := chain(t, s, 3, 0)

	tr := graph.NewTraversal(failingStore{Store: s, failOn: next}, root, []graph.Step{graph.Out(head), graph.Out(next)})
	it := tr.Iterator(context.Background())
	assert.False(t, it.Next())
	assert.ErrorIs(t, it.Err(), errDisk)
}

func TestTraversalStopsOnCancel(t *testing.T) {
	s := memstore.New(graph.Schema{})
	root, _, _ := chain(t, s, 3, 0)

	ctx, cancel := context.WithCancel(context.Background())
	it := graph.NewTraversal(s, root, []graph.Step{graph.Out(head), graph.Out(next)}).Iterator(ctx)
	require.True(t, it.Next())
	cancel()
	assert.False(t, it.Next())
	assert.ErrorIs(t, it.Err(), context.Canceled)
}
