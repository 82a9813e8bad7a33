package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sankalpsthakur/scope3-reduce/internal/audit"
	"github.com/sankalpsthakur/scope3-reduce/internal/extract"
	"github.com/sankalpsthakur/scope3-reduce/internal/lock"
	"github.com/sankalpsthakur/scope3-reduce/internal/provenance"
	"github.com/sankalpsthakur/scope3-reduce/internal/quality"
	"github.com/sankalpsthakur/scope3-reduce/internal/render"
	"github.com/sankalpsthakur/scope3-reduce/internal/report"
	"github.com/sankalpsthakur/scope3-reduce/internal/store"
	"github.com/sankalpsthakur/scope3-reduce/internal/vault"
)

// serviceEnv holds the wired services the commands share.
type serviceEnv struct {
	Store    store.Store
	Gate     *lock.Gate
	Sink     *audit.Sink
	Vault    *vault.Vault
	Renderer *render.Renderer
	Extract  *extract.Service
	Graph    *provenance.Graph
	Scanner  *quality.Scanner
	Exporter *report.Exporter
}

// Close flushes the audit sink and releases the store.
func (e *serviceEnv) Close() {
	if e.Sink != nil {
		e.Sink.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv sets up the store and every service on top of it. Callers should
// defer env.Close().
func initEnv(ctx context.Context) (*serviceEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	gate := lock.NewGate(st)
	sink := audit.NewSink(st, cfg.Audit.BufferSize)
	v := vault.New(st, gate, sink, cfg.Vault)
	renderer := render.NewRenderer(st, v, cfg.Render)
	svc := extract.NewService(st, renderer, extract.NewExtractor(cfg.Extract), sink)
	graph := provenance.NewGraph(st, gate, sink)

	scanner, err := quality.NewScanner(st, gate, sink, cfg.Quality)
	if err != nil {
		sink.Close()
		_ = st.Close()
		return nil, err
	}

	return &serviceEnv{
		Store:    st,
		Gate:     gate,
		Sink:     sink,
		Vault:    v,
		Renderer: renderer,
		Extract:  svc,
		Graph:    graph,
		Scanner:  scanner,
		Exporter: report.NewExporter(st, sink),
	}, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "scope3.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}
