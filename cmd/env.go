package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/opportunity-radar/internal/pipeline"
	"github.com/sells-group/opportunity-radar/internal/store"
	anthropicpkg "github.com/sells-group/opportunity-radar/pkg/anthropic"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		path := cfg.Store.SQLitePath
		if path == "" {
			path = "radar.db"
		}
		return store.NewSQLite(path)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// pipelineEnv holds the store and pipeline shared by the processing commands.
type pipelineEnv struct {
	Store    store.Store
	Pipeline *pipeline.Pipeline
}

func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// newStorePipeline builds a pipeline around an already-open store for
// operations that never call the model (ingest, merge, feedback). No API key
// required.
func newStorePipeline(st store.Store) *pipelineEnv {
	return &pipelineEnv{Store: st, Pipeline: pipeline.New(cfg, st, nil)}
}

// initPipeline sets up the store and the Anthropic client and builds the
// pipeline. Callers should defer env.Close().
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	if cfg.Anthropic.Key == "" {
		_ = st.Close()
		return nil, eris.New("anthropic API key is required (ANTHROPIC_API_KEY or RADAR_ANTHROPIC_KEY)")
	}
	aiClient := anthropicpkg.NewClient(cfg.Anthropic.Key, cfg.Anthropic.RequestsPerMin)

	return &pipelineEnv{
		Store:    st,
		Pipeline: pipeline.New(cfg, st, aiClient),
	}, nil
}
