// Package pgstore implements graph.Store on PostgreSQL.
//
// Nodes and relationships live in two tables inside the configured schema.
// Properties are stored as JSONB. Units of work run at serializable
// isolation; unique violations and serialization failures surface as
// graph.ErrConflict so callers can re-resolve and retry.
package pgstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wegman-software/osm2graph-go/internal/graph"
	"github.com/wegman-software/osm2graph-go/internal/logger"
)

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	defaultSchema          = "public"
	referenceLabel         = "reference"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Options configures the pool
type Options struct {
	ConnString string
	Schema     string
	MaxConns   int32
}

// Store is a PostgreSQL-backed graph
type Store struct {
	pool   *pgxpool.Pool
	schema graph.Schema
	ns     string
	ref    graph.NodeID
}

// Open connects, creates the tables if needed and loads the reference node
func Open(ctx context.Context, opts Options, schema graph.Schema) (*Store, error) {
	ns := opts.Schema
	if ns == "" {
		ns = defaultSchema
	}
	if !identPattern.MatchString(ns) {
		return nil, fmt.Errorf("invalid schema name %q", ns)
	}

	poolConfig, err := pgxpool.ParseConfig(opts.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if opts.MaxConns > 0 {
		poolConfig.MaxConns = opts.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	s := &Store{pool: pool, schema: schema, ns: ns}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) table(name string) string {
	return pgx.Identifier{s.ns, name}.Sanitize()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	log := logger.Get()

	stmts := []string{
		fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pgx.Identifier{s.ns}.Sanitize()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			label TEXT NOT NULL,
			props JSONB NOT NULL DEFAULT '{}'::jsonb
		)`, s.table("graph_nodes")),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS graph_nodes_reference_uniq
			ON %s (label) WHERE label = '%s'`, s.table("graph_nodes"), referenceLabel),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			src BIGINT NOT NULL REFERENCES %s (id),
			dst BIGINT NOT NULL REFERENCES %s (id),
			type TEXT NOT NULL
		)`, s.table("graph_rels"), s.table("graph_nodes"), s.table("graph_nodes")),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS graph_rels_src_idx ON %s (src, type)", s.table("graph_rels")),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS graph_rels_dst_idx ON %s (dst, type)", s.table("graph_rels")),
	}
	for _, rel := range s.schema.UniqueIncoming {
		if !identPattern.MatchString(string(rel)) {
			return fmt.Errorf("invalid relationship kind %q for unique index", rel)
		}
		stmts = append(stmts, fmt.Sprintf(
			"CREATE UNIQUE INDEX IF NOT EXISTS graph_rels_%s_in_uniq ON %s (dst) WHERE type = '%s'",
			strings.ToLower(string(rel)), s.table("graph_rels"), rel))
	}
	stmts = append(stmts, fmt.Sprintf(
		"INSERT INTO %s (label) VALUES ('%s') ON CONFLICT DO NOTHING",
		s.table("graph_nodes"), referenceLabel))

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	var id int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT id FROM %s WHERE label = $1", s.table("graph_nodes")),
		referenceLabel).Scan(&id)
	if err != nil {
		return fmt.Errorf("failed to load reference node: %w", err)
	}
	s.ref = graph.NodeID(id)

	log.Debug("Graph schema ready")
	return nil
}

// Close closes all database connections
func (s *Store) Close() {
	s.pool.Close()
}

// Reference returns the reference node
func (s *Store) Reference(ctx context.Context) (graph.NodeID, error) {
	return s.ref, nil
}

// Node loads a node
func (s *Store) Node(ctx context.Context, id graph.NodeID) (*graph.Node, error) {
	return s.loadNode(ctx, s.pool, id)
}

// Neighbours lists the far ends of id's relationships of kind rel
func (s *Store) Neighbours(ctx context.Context, id graph.NodeID, rel graph.RelType, dir graph.Direction) ([]graph.NodeID, error) {
	return s.neighbours(ctx, s.pool, id, rel, dir)
}

// Single follows the only relationship of kind rel
func (s *Store) Single(ctx context.Context, id graph.NodeID, rel graph.RelType, dir graph.Direction) (*graph.Node, bool, error) {
	return s.single(ctx, s.pool, id, rel, dir)
}

// Begin opens a serializable unit of work
func (s *Store) Begin(ctx context.Context) (graph.Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{store: s, tx: tx}, nil
}

// querier is satisfied by both the pool and a transaction
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) loadNode(ctx context.Context, q querier, id graph.NodeID) (*graph.Node, error) {
	var label string
	var propsJSON []byte
	err := q.QueryRow(ctx,
		fmt.Sprintf("SELECT label, props FROM %s WHERE id = $1", s.table("graph_nodes")),
		int64(id)).Scan(&label, &propsJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("node %d: %w", id, graph.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query node %d: %w", id, mapError(err))
	}

	props, err := decodeProps(propsJSON)
	if err != nil {
		return nil, fmt.Errorf("node %d: %w", id, err)
	}
	return &graph.Node{ID: id, Label: label, Props: props}, nil
}

func (s *Store) neighbours(ctx context.Context, q querier, id graph.NodeID, rel graph.RelType, dir graph.Direction) ([]graph.NodeID, error) {
	rels := s.table("graph_rels")
	var query string
	switch dir {
	case graph.Outgoing:
		query = fmt.Sprintf("SELECT dst FROM %s WHERE src = $1 AND type = $2 ORDER BY id", rels)
	case graph.Incoming:
		query = fmt.Sprintf("SELECT src FROM %s WHERE dst = $1 AND type = $2 ORDER BY id", rels)
	default:
		query = fmt.Sprintf(`SELECT CASE WHEN src = $1 THEN dst ELSE src END FROM %s
			WHERE (src = $1 OR dst = $1) AND type = $2 ORDER BY id`, rels)
	}

	rows, err := q.Query(ctx, query, int64(id), string(rel))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s relationships of %d: %w", rel, id, mapError(err))
	}
	ids, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (graph.NodeID, error) {
		var other int64
		err := row.Scan(&other)
		return graph.NodeID(other), err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s relationships of %d: %w", rel, id, mapError(err))
	}
	return ids, nil
}

func (s *Store) single(ctx context.Context, q querier, id graph.NodeID, rel graph.RelType, dir graph.Direction) (*graph.Node, bool, error) {
	if _, err := s.loadNode(ctx, q, id); err != nil {
		return nil, false, err
	}
	ids, err := s.neighbours(ctx, q, id, rel, dir)
	if err != nil {
		return nil, false, err
	}
	switch len(ids) {
	case 0:
		return nil, false, nil
	case 1:
		n, err := s.loadNode(ctx, q, ids[0])
		if err != nil {
			return nil, false, err
		}
		return n, true, nil
	default:
		return nil, false, fmt.Errorf("node %d has %d %s %s relationships: %w", id, len(ids), dir, rel, graph.ErrAmbiguous)
	}
}

func decodeProps(data []byte) (graph.Properties, error) {
	props := graph.Properties{}
	if len(data) == 0 {
		return props, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&props); err != nil {
		return nil, fmt.Errorf("failed to unmarshal properties: %w", err)
	}
	return props, nil
}

// mapError turns constraint and serialization failures into graph.ErrConflict
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation, pgSerializationFailure, pgDeadlockDetected:
			return fmt.Errorf("%s: %w", pgErr.Message, graph.ErrConflict)
		}
	}
	return err
}

// Tx wraps a serializable PostgreSQL transaction
type Tx struct {
	store *Store
	tx    pgx.Tx
	done  bool
}

// Single sees this transaction's own writes
func (t *Tx) Single(ctx context.Context, id graph.NodeID, rel graph.RelType, dir graph.Direction) (*graph.Node, bool, error) {
	if t.done {
		return nil, false, graph.ErrTxDone
	}
	return t.store.single(ctx, t.tx, id, rel, dir)
}

// CreateNode inserts a node
func (t *Tx) CreateNode(ctx context.Context, label string, props graph.Properties) (graph.NodeID, error) {
	if t.done {
		return 0, graph.ErrTxDone
	}
	if props == nil {
		props = graph.Properties{}
	}
	propsJSON, err := json.Marshal(props)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal properties: %w", err)
	}

	var id int64
	err = t.tx.QueryRow(ctx,
		fmt.Sprintf("INSERT INTO %s (label, props) VALUES ($1, $2) RETURNING id", t.store.table("graph_nodes")),
		label, propsJSON).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert node: %w", mapError(err))
	}
	return graph.NodeID(id), nil
}

// CreateRelationship inserts a relationship
func (t *Tx) CreateRelationship(ctx context.Context, from, to graph.NodeID, rel graph.RelType) error {
	if t.done {
		return graph.ErrTxDone
	}
	_, err := t.tx.Exec(ctx,
		fmt.Sprintf("INSERT INTO %s (src, dst, type) VALUES ($1, $2, $3)", t.store.table("graph_rels")),
		int64(from), int64(to), string(rel))
	if err != nil {
		return fmt.Errorf("failed to insert %s relationship %d->%d: %w", rel, from, to, mapError(err))
	}
	return nil
}

// Commit commits the transaction
func (t *Tx) Commit(ctx context.Context) error {
	if t.done {
		return graph.ErrTxDone
	}
	t.done = true
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", mapError(err))
	}
	return nil
}

// Rollback aborts the transaction
func (t *Tx) Rollback(ctx context.Context) error {
	if t.done {
		return graph.ErrTxDone
	}
	t.done = true
	return t.tx.Rollback(ctx)
}
