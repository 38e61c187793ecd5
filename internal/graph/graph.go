// Package graph defines the property graph vocabulary shared by every store
// backend and the lazy chain walker built on top of it.
package graph

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// NodeID is a store-assigned node identifier
type NodeID uint64

// RelType names a relationship kind
type RelType string

// Direction selects which end of a relationship is followed
type Direction int

const (
	Outgoing Direction = iota
	Incoming
	Both
)

func (d Direction) String() string {
	switch d {
	case Outgoing:
		return "outgoing"
	case Incoming:
		return "incoming"
	case Both:
		return "both"
	default:
		return "direction(" + strconv.Itoa(int(d)) + ")"
	}
}

// Reverse returns the opposite direction (Both stays Both)
func (d Direction) Reverse() Direction {
	switch d {
	case Outgoing:
		return Incoming
	case Incoming:
		return Outgoing
	default:
		return d
	}
}

var (
	// ErrNotFound is returned when a node id does not exist
	ErrNotFound = errors.New("node not found")
	// ErrAmbiguous is returned by single-hop lookups that find more than one relationship
	ErrAmbiguous = errors.New("more than one relationship")
	// ErrConflict is returned when a unit of work violates a uniqueness constraint
	// or loses a serialization race against a concurrent writer
	ErrConflict = errors.New("unit of work conflicts with a concurrent writer")
	// ErrTxDone is returned when a finished unit of work is used again
	ErrTxDone = errors.New("unit of work already committed or rolled back")
)

// Properties holds node attributes. Stores that persist properties as JSON
// hand back json.Number and base64 strings, so read through the typed accessors.
type Properties map[string]any

// Node is an immutable snapshot of a stored node
type Node struct {
	ID    NodeID
	Label string
	Props Properties
}

func (n *Node) String() string {
	return fmt.Sprintf("(%d:%s)", n.ID, n.Label)
}

// Has reports whether the property is set
func (n *Node) Has(key string) bool {
	_, ok := n.Props[key]
	return ok
}

// StringProp returns a string property
func (n *Node) StringProp(key string) (string, bool) {
	v, ok := n.Props[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Int64 returns an integer property, accepting the numeric forms every store produces
func (n *Node) Int64(key string) (int64, bool) {
	v, ok := n.Props[key]
	if !ok {
		return 0, false
	}
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case uint64:
		return int64(x), true
	case float64:
		return int64(x), true
	case json.Number:
		i, err := x.Int64()
		if err != nil {
			f, ferr := x.Float64()
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return i, true
	}
	return 0, false
}

// Float64 returns a floating point property
func (n *Node) Float64(key string) (float64, bool) {
	v, ok := n.Props[key]
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

// Float64s returns a numeric array property
func (n *Node) Float64s(key string) ([]float64, bool) {
	v, ok := n.Props[key]
	if !ok {
		return nil, false
	}
	switch x := v.(type) {
	case []float64:
		return x, true
	case []any:
		out := make([]float64, len(x))
		for i, e := range x {
			f, ok := toFloat(e)
			if !ok {
				return nil, false
			}
			out[i] = f
		}
		return out, true
	}
	return nil, false
}

// Bytes returns a binary property. JSON-backed stores return the base64 form.
func (n *Node) Bytes(key string) ([]byte, bool) {
	v, ok := n.Props[key]
	if !ok {
		return nil, false
	}
	switch x := v.(type) {
	case []byte:
		return x, true
	case string:
		b, err := base64.StdEncoding.DecodeString(x)
		if err != nil {
			return nil, false
		}
		return b, true
	}
	return nil, false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

// Schema lists store-enforced constraints
type Schema struct {
	// UniqueIncoming relationship kinds may point at a given node at most once
	UniqueIncoming []RelType
}

// IsUniqueIncoming reports whether rel is constrained to one incoming edge per node
func (s Schema) IsUniqueIncoming(rel RelType) bool {
	for _, r := range s.UniqueIncoming {
		if r == rel {
			return true
		}
	}
	return false
}

// Reader is the read side shared by stores and units of work
type Reader interface {
	// Single follows the only relationship of kind rel in direction dir.
	// Absence is reported as ok == false, never as an error.
	Single(ctx context.Context, id NodeID, rel RelType, dir Direction) (*Node, bool, error)
}

// Store is the graph storage engine consumed by the reconstruction layer
type Store interface {
	Reader

	// Reference returns the store's well-known root node
	Reference(ctx context.Context) (NodeID, error)
	// Node loads a node, ErrNotFound if it does not exist
	Node(ctx context.Context, id NodeID) (*Node, error)
	// Neighbours lists the far ends of id's relationships of kind rel, in creation order
	Neighbours(ctx context.Context, id NodeID, rel RelType, dir Direction) ([]NodeID, error)
	// Begin opens a unit of work
	Begin(ctx context.Context) (Tx, error)
}

// Tx is an all-or-nothing unit of work
type Tx interface {
	Reader

	CreateNode(ctx context.Context, label string, props Properties) (NodeID, error)
	CreateRelationship(ctx context.Context, from, to NodeID, rel RelType) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
