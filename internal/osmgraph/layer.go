package osmgraph

import (
	"context"
	"errors"
	"fmt"

	"github.com/wegman-software/osm2graph-go/internal/graph"
)

// ErrLayerNotFound is returned when no layer has the requested name
var ErrLayerNotFound = errors.New("layer not found")

// Layer is a named collection of geometries registered under the store's
// reference node
type Layer struct {
	ID   graph.NodeID
	Name string
	SRID int
}

func (l *Layer) String() string {
	return fmt.Sprintf("layer %q", l.Name)
}

func layerFromNode(n *graph.Node) *Layer {
	name, _ := n.StringProp(PropName)
	srid, _ := n.Int64(PropSRID)
	return &Layer{ID: n.ID, Name: name, SRID: int(srid)}
}

func registry(ctx context.Context, store graph.Store) (*graph.Traversal, error) {
	ref, err := store.Reference(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load reference node: %w", err)
	}
	return graph.NewTraversal(store, ref, []graph.Step{graph.Out(RelLayer)}, graph.WithStop(graph.MaxDepth(1))), nil
}

// Layers lists every registered layer in registration order
func Layers(ctx context.Context, store graph.Store) ([]*Layer, error) {
	walk, err := registry(ctx, store)
	if err != nil {
		return nil, err
	}
	var layers []*Layer
	for n, err := range walk.All(ctx) {
		if err != nil {
			return nil, fmt.Errorf("failed to list layers: %w", err)
		}
		layers = append(layers, layerFromNode(n))
	}
	return layers, nil
}

// FindLayer looks a layer up by name
func FindLayer(ctx context.Context, store graph.Store, name string) (*Layer, error) {
	walk, err := registry(ctx, store)
	if err != nil {
		return nil, err
	}
	for n, err := range walk.All(ctx) {
		if err != nil {
			return nil, fmt.Errorf("failed to look up layer %q: %w", name, err)
		}
		if v, _ := n.StringProp(PropName); v == name {
			return layerFromNode(n), nil
		}
	}
	return nil, fmt.Errorf("%q: %w", name, ErrLayerNotFound)
}

// GetOrCreateLayer returns the named layer, registering it with srid if it
// does not exist yet. Two processes registering the same new name at once may
// both succeed; the registry has no uniqueness constraint on names.
func GetOrCreateLayer(ctx context.Context, store graph.Store, name string, srid int) (*Layer, error) {
	l, err := FindLayer(ctx, store, name)
	if err == nil {
		return l, nil
	}
	if !errors.Is(err, ErrLayerNotFound) {
		return nil, err
	}

	ref, err := store.Reference(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load reference node: %w", err)
	}
	tx, err := store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	id, err := tx.CreateNode(ctx, LabelLayer, graph.Properties{PropName: name, PropSRID: int64(srid)})
	if err != nil {
		tx.Rollback(ctx)
		return nil, fmt.Errorf("failed to create layer %q: %w", name, err)
	}
	if err := tx.CreateRelationship(ctx, ref, id, RelLayer); err != nil {
		tx.Rollback(ctx)
		return nil, fmt.Errorf("failed to register layer %q: %w", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to create layer %q: %w", name, err)
	}
	return &Layer{ID: id, Name: name, SRID: srid}, nil
}
