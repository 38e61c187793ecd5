// Package sqlstore implements graph.Store on SQLite.
package sqlstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/wegman-software/osm2graph-go/internal/graph"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS nodes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	label TEXT NOT NULL,
	props TEXT NOT NULL DEFAULT '{}'
);
CREATE UNIQUE INDEX IF NOT EXISTS nodes_reference_uniq ON nodes(label) WHERE label = 'reference';
CREATE TABLE IF NOT EXISTS rels (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	src INTEGER NOT NULL REFERENCES nodes(id),
	dst INTEGER NOT NULL REFERENCES nodes(id),
	type TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS rels_src_idx ON rels(src, type);
CREATE INDEX IF NOT EXISTS rels_dst_idx ON rels(dst, type);
`

var relNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Store is a SQLite-backed graph
type Store struct {
	conn   *sql.DB
	schema graph.Schema
	ref    graph.NodeID
}

// Open opens or creates the database at path and applies the schema
func Open(ctx context.Context, path string, schema graph.Schema) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection: units of work are serialised and nothing sees a half-written walk
	conn.SetMaxOpenConns(1)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", "PRAGMA foreign_keys=ON"} {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	s := &Store{conn: conn, schema: schema}
	if err := s.applySchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) applySchema(ctx context.Context) error {
	if _, err := s.conn.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	for _, rel := range s.schema.UniqueIncoming {
		if !relNamePattern.MatchString(string(rel)) {
			return fmt.Errorf("invalid relationship kind %q for unique index", rel)
		}
		stmt := fmt.Sprintf(
			"CREATE UNIQUE INDEX IF NOT EXISTS rels_%s_in_uniq ON rels(dst) WHERE type = '%s'",
			strings.ToLower(string(rel)), rel)
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating unique index for %s: %w", rel, err)
		}
	}
	if _, err := s.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO nodes (label, props) VALUES ('reference', '{}')`); err != nil {
		return fmt.Errorf("creating reference node: %w", err)
	}
	var id int64
	if err := s.conn.QueryRowContext(ctx,
		`SELECT id FROM nodes WHERE label = 'reference'`).Scan(&id); err != nil {
		return fmt.Errorf("loading reference node: %w", err)
	}
	s.ref = graph.NodeID(id)
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.conn.Close()
}

// Reference returns the reference node
func (s *Store) Reference(ctx context.Context) (graph.NodeID, error) {
	return s.ref, nil
}

// Node loads a node
func (s *Store) Node(ctx context.Context, id graph.NodeID) (*graph.Node, error) {
	return loadNode(ctx, s.conn, id)
}

// Neighbours lists the far ends of id's relationships of kind rel
func (s *Store) Neighbours(ctx context.Context, id graph.NodeID, rel graph.RelType, dir graph.Direction) ([]graph.NodeID, error) {
	return neighbours(ctx, s.conn, id, rel, dir)
}

// Single follows the only relationship of kind rel
func (s *Store) Single(ctx context.Context, id graph.NodeID, rel graph.RelType, dir graph.Direction) (*graph.Node, bool, error) {
	return single(ctx, s.conn, id, rel, dir)
}

// Begin opens a unit of work. The store has a single connection, so the
// caller must not use Store methods until the unit of work finishes.
func (s *Store) Begin(ctx context.Context) (graph.Tx, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadNode(ctx context.Context, q querier, id graph.NodeID) (*graph.Node, error) {
	var label, propsJSON string
	err := q.QueryRowContext(ctx,
		`SELECT label, props FROM nodes WHERE id = ?`, int64(id)).Scan(&label, &propsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node %d: %w", id, graph.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying node %d: %w", id, err)
	}

	props, err := decodeProps([]byte(propsJSON))
	if err != nil {
		return nil, fmt.Errorf("node %d: %w", id, err)
	}
	return &graph.Node{ID: id, Label: label, Props: props}, nil
}

func neighbours(ctx context.Context, q querier, id graph.NodeID, rel graph.RelType, dir graph.Direction) ([]graph.NodeID, error) {
	var query string
	switch dir {
	case graph.Outgoing:
		query = `SELECT dst FROM rels WHERE src = ? AND type = ? ORDER BY id`
	case graph.Incoming:
		query = `SELECT src FROM rels WHERE dst = ? AND type = ? ORDER BY id`
	default:
		query = `SELECT CASE WHEN src = ?1 THEN dst ELSE src END FROM rels
			WHERE (src = ?1 OR dst = ?1) AND type = ?2 ORDER BY id`
	}

	rows, err := q.QueryContext(ctx, query, int64(id), string(rel))
	if err != nil {
		return nil, fmt.Errorf("querying %s relationships of %d: %w", rel, id, err)
	}
	defer rows.Close()

	var ids []graph.NodeID
	for rows.Next() {
		var other int64
		if err := rows.Scan(&other); err != nil {
			return nil, err
		}
		ids = append(ids, graph.NodeID(other))
	}
	return ids, rows.Err()
}

func single(ctx context.Context, q querier, id graph.NodeID, rel graph.RelType, dir graph.Direction) (*graph.Node, bool, error) {
	if _, err := loadNode(ctx, q, id); err != nil {
		return nil, false, err
	}
	ids, err := neighbours(ctx, q, id, rel, dir)
	if err != nil {
		return nil, false, err
	}
	switch len(ids) {
	case 0:
		return nil, false, nil
	case 1:
		n, err := loadNode(ctx, q, ids[0])
		if err != nil {
			return nil, false, err
		}
		return n, true, nil
	default:
		return nil, false, fmt.Errorf("node %d has %d %s %s relationships: %w", id, len(ids), dir, rel, graph.ErrAmbiguous)
	}
}

func encodeProps(props graph.Properties) (string, error) {
	if len(props) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(props)
	if err != nil {
		return "", fmt.Errorf("marshaling properties: %w", err)
	}
	return string(b), nil
}

func decodeProps(data []byte) (graph.Properties, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	props := graph.Properties{}
	if err := dec.Decode(&props); err != nil {
		return nil, fmt.Errorf("unmarshaling properties: %w", err)
	}
	return props, nil
}

// Tx wraps a SQLite transaction
type Tx struct {
	tx   *sql.Tx
	done bool
}

// Single sees this transaction's own writes
func (t *Tx) Single(ctx context.Context, id graph.NodeID, rel graph.RelType, dir graph.Direction) (*graph.Node, bool, error) {
	if t.done {
		return nil, false, graph.ErrTxDone
	}
	return single(ctx, t.tx, id, rel, dir)
}

// CreateNode inserts a node
func (t *Tx) CreateNode(ctx context.Context, label string, props graph.Properties) (graph.NodeID, error) {
	if t.done {
		return 0, graph.ErrTxDone
	}
	propsJSON, err := encodeProps(props)
	if err != nil {
		return 0, err
	}
	res, err := t.tx.ExecContext(ctx, `INSERT INTO nodes (label, props) VALUES (?, ?)`, label, propsJSON)
	if err != nil {
		return 0, fmt.Errorf("inserting node: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading node id: %w", err)
	}
	return graph.NodeID(id), nil
}

// CreateRelationship inserts a relationship
func (t *Tx) CreateRelationship(ctx context.Context, from, to graph.NodeID, rel graph.RelType) error {
	if t.done {
		return graph.ErrTxDone
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO rels (src, dst, type) VALUES (?, ?, ?)`, int64(from), int64(to), string(rel))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("inserting %s relationship %d->%d: %w", rel, from, to, graph.ErrConflict)
		}
		return fmt.Errorf("inserting relationship: %w", err)
	}
	return nil
}

// Commit commits the transaction
func (t *Tx) Commit(ctx context.Context) error {
	if t.done {
		return graph.ErrTxDone
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("committing: %w", graph.ErrConflict)
		}
		return fmt.Errorf("committing: %w", err)
	}
	return nil
}

// Rollback aborts the transaction
func (t *Tx) Rollback(ctx context.Context) error {
	if t.done {
		return graph.ErrTxDone
	}
	t.done = true
	return t.tx.Rollback()
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
