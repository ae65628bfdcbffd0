package main

import (
	"context"

	"github.com/syntegra/insights-cli/internal/engine"
	"github.com/syntegra/insights-cli/internal/store"
)

// env bundles the shared dependencies of the pipeline commands.
type env struct {
	Store    store.Store
	Tuning   engine.Tuning
	Pipeline *engine.Pipeline
}

// initEnv validates the config for the given mode and opens the store.
func initEnv(ctx context.Context, mode string) (*env, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	tuning, err := engine.LoadTuning(cfg.Engine.TuningFile)
	if err != nil {
		return nil, err
	}

	st, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
		MaxConns: cfg.Store.MaxConns,
		MinConns: cfg.Store.MinConns,
	})
	if err != nil {
		return nil, err
	}

	return &env{
		Store:    st,
		Tuning:   tuning,
		Pipeline: engine.NewPipeline(st, tuning),
	}, nil
}

func (e *env) Close() {
	_ = e.Store.Close()
}
