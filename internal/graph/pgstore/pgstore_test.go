package pgstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegman-software/osm2graph-go/internal/graph"
)

const relOwner graph.RelType = "OWNS"

// openTest connects to the database named by OSM2GRAPH_TEST_PG_DSN, using a
// throwaway schema per test.
func openTest(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("OSM2GRAPH_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("OSM2GRAPH_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	ns := fmt.Sprintf("graph_test_%d", time.Now().UnixNano())

	s, err := Open(ctx, Options{ConnString: dsn, Schema: ns, MaxConns: 4},
		graph.Schema{UniqueIncoming: []graph.RelType{relOwner}})
	require.NoError(t, err)
	t.Cleanup(func() {
		s.pool.Exec(context.Background(), fmt.Sprintf("DROP SCHEMA %s CASCADE", ns))
		s.Close()
	})
	return s
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		conflict bool
	}{
		{"unique violation", &pgconn.PgError{Code: pgUniqueViolation}, true},
		{"serialization failure", &pgconn.PgError{Code: pgSerializationFailure}, true},
		{"deadlock", &pgconn.PgError{Code: pgDeadlockDetected}, true},
		{"foreign key", &pgconn.PgError{Code: "23503"}, false},
		{"plain error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapError(fmt.Errorf("wrapped: %w", tt.err))
			if errors.Is(got, graph.ErrConflict) != tt.conflict {
				t.Errorf("mapError(%v) conflict = %v, want %v", tt.err, !tt.conflict, tt.conflict)
			}
		})
	}
}

func TestDecodePropsKeepsIntegersExact(t *testing.T) {
	props, err := decodeProps([]byte(`{"uid": 9007199254740993, "wkb": "AQI="}`))
	require.NoError(t, err)

	n := &graph.Node{Props: props}
	uid, ok := n.Int64("uid")
	require.True(t, ok)
	assert.Equal(t, int64(9007199254740993), uid)

	b, ok := n.Bytes("wkb")
	require.True(t, ok)
	assert.Equal(t, []byte{0x01, 0x02}, b)
}

func TestStoreRoundTrip(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	a, err := tx.CreateNode(ctx, "way", graph.Properties{"way_osm": int64(42)})
	require.NoError(t, err)
	b, err := tx.CreateNode(ctx, "way", nil)
	require.NoError(t, err)
	require.NoError(t, tx.CreateRelationship(ctx, a, b, "NEXT"))

	n, ok, err := tx.Single(ctx, a, "NEXT", graph.Outgoing)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, b, n.ID)
	require.NoError(t, tx.Commit(ctx))

	got, err := s.Node(ctx, a)
	require.NoError(t, err)
	id, ok := got.Int64("way_osm")
	require.True(t, ok)
	assert.Equal(t, int64(42), id)

	_, err = s.Node(ctx, b+1000)
	assert.ErrorIs(t, err, graph.ErrNotFound)
}

func TestUniqueIncomingConflicts(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	tx, _ := s.Begin(ctx)
	layer, _ := tx.CreateNode(ctx, "layer", nil)
	first, _ := tx.CreateNode(ctx, "dataset", nil)
	require.NoError(t, tx.CreateRelationship(ctx, first, layer, relOwner))
	require.NoError(t, tx.Commit(ctx))

	tx, _ = s.Begin(ctx)
	second, _ := tx.CreateNode(ctx, "dataset", nil)
	err := tx.CreateRelationship(ctx, second, layer, relOwner)
	assert.ErrorIs(t, err, graph.ErrConflict)
	tx.Rollback(ctx)
}
