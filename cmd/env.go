package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/deep-research/internal/fetcher"
	"github.com/sells-group/deep-research/internal/imagestore"
	"github.com/sells-group/deep-research/internal/judge"
	"github.com/sells-group/deep-research/internal/pipeline"
	"github.com/sells-group/deep-research/internal/research"
	"github.com/sells-group/deep-research/internal/resilience"
	"github.com/sells-group/deep-research/internal/schema"
	"github.com/sells-group/deep-research/internal/store"
	"github.com/sells-group/deep-research/pkg/anthropic"
	"github.com/sells-group/deep-research/pkg/gemini"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "research.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// newJudge builds the provider judge. Tests replace it.
var newJudge = func(ctx context.Context) (judge.Judge, error) {
	switch cfg.Judge.Provider {
	case "anthropic":
		client := anthropic.NewClient(cfg.Anthropic.Key)
		return judge.NewAnthropic(client, cfg.Anthropic.Model, cfg.Anthropic.MaxTokens), nil
	case "gemini":
		client, err := gemini.NewClient(ctx, cfg.Gemini.Key)
		if err != nil {
			return nil, eris.Wrap(err, "init gemini client")
		}
		return judge.NewGemini(client, cfg.Gemini.Model, 0), nil
	default:
		return nil, eris.Errorf("unsupported judge provider: %s", cfg.Judge.Provider)
	}
}

func initJudge(ctx context.Context) (judge.Judge, error) {
	base, err := newJudge(ctx)
	if err != nil {
		return nil, err
	}
	jc := cfg.Judge
	return judge.NewResilient(base, judge.ResilientConfig{
		Timeout:        jc.Timeout(),
		Retry:          resilience.FromRetryConfig(jc.MaxAttempts, 0, 0),
		Breaker:        resilience.FromCircuitConfig(jc.BreakerThreshold, jc.BreakerResetSecs),
		RequestsPerSec: jc.RequestsPerSec,
		Burst:          jc.Burst,
	}), nil
}

// appEnv holds the components shared by the engine-backed commands.
type appEnv struct {
	Store  store.Store
	Engine *research.Engine
	Opener *fetcher.Opener
}

func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "migrate store")
	}

	j, err := initJudge(ctx)
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}

	images, err := imagestore.NewFS(cfg.Images.Dir)
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}

	lib, err := schema.LoadLibrary(cfg.Research.SchemaLibrary)
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	zap.L().Debug("schema library loaded", zap.Strings("schemas", lib.Names()))

	p := pipeline.New(st, j, images, cfg.Pipeline)
	return &appEnv{
		Store:  st,
		Engine: research.New(st, j, p, lib, cfg.Research),
		Opener: fetcher.NewOpener(),
	}, nil
}

// Close releases the store.
func (e *appEnv) Close() {
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("close store", zap.Error(err))
	}
}
