package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wegman-software/osm2graph-go/internal/config"
	"github.com/wegman-software/osm2graph-go/internal/graph"
	"github.com/wegman-software/osm2graph-go/internal/graph/memstore"
	"github.com/wegman-software/osm2graph-go/internal/graph/pgstore"
	"github.com/wegman-software/osm2graph-go/internal/graph/sqlstore"
	"github.com/wegman-software/osm2graph-go/internal/logger"
	"github.com/wegman-software/osm2graph-go/internal/osmgraph"
)

// openStore opens the configured backend. The returned function closes it.
func openStore(ctx context.Context) (graph.Store, func(), error) {
	schema := osmgraph.Schema()
	log := logger.Get()

	switch cfg.Store {
	case config.StoreMemory:
		log.Warn("Using the in-memory store; nothing outlives this command")
		return memstore.New(schema), func() {}, nil

	case config.StoreSQLite:
		log.Debug("Opening SQLite store", zap.String("path", cfg.SQLitePath))
		s, err := sqlstore.Open(ctx, cfg.SQLitePath, schema)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				log.Warn("Failed to close SQLite store", zap.Error(err))
			}
		}, nil

	case config.StorePostgres:
		log.Debug("Connecting to PostgreSQL",
			zap.String("host", cfg.DBHost),
			zap.Int("port", cfg.DBPort),
			zap.String("database", cfg.DBName),
			zap.String("schema", cfg.DBSchema))
		s, err := pgstore.Open(ctx, pgstore.Options{
			ConnString: cfg.ConnectionString(),
			Schema:     cfg.DBSchema,
			MaxConns:   int32(cfg.Workers + 1),
		}, schema)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
}

func datasetOptions() []osmgraph.Option {
	return []osmgraph.Option{
		osmgraph.WithCycleDetection(cfg.CycleDetection),
		osmgraph.WithMaxDepth(cfg.MaxDepth),
	}
}

// openDataset resolves the configured layer's dataset. With create set, a
// missing layer or dataset is created; otherwise it is an error.
func openDataset(ctx context.Context, store graph.Store, name string, create bool) (*osmgraph.Dataset, error) {
	if create {
		layer, err := osmgraph.GetOrCreateLayer(ctx, store, name, cfg.Projection)
		if err != nil {
			return nil, err
		}
		return osmgraph.ResolveOrCreate(ctx, store, layer, datasetOptions()...)
	}
	layer, err := osmgraph.FindLayer(ctx, store, name)
	if err != nil {
		return nil, err
	}
	return osmgraph.ResolveExisting(ctx, store, layer, datasetOptions()...)
}
