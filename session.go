package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/weddingflow/guestsync/internal/config"
	"github.com/weddingflow/guestsync/internal/engine"
	"github.com/weddingflow/guestsync/internal/remote"
	"github.com/weddingflow/guestsync/internal/resolve"
	"github.com/weddingflow/guestsync/internal/store"
)

// session bundles the wired-up engine and its teardown for one CLI command.
type session struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *store.RecordStore
	engine *engine.Engine
	cache  *store.SQLiteCache
}

// openSession wires cache, store, resolver, remote client, and engine from
// the resolved config. The caller must invoke close when done.
func openSession(ctx context.Context) (*session, error) {
	cfg := resolvedCfg
	if cfg == nil {
		return nil, errors.New("configuration not loaded")
	}

	if cfg.Remote.BaseURL == "" {
		return nil, errors.New("remote.base_url is not configured (set it in the config file or GUESTSYNC_BASE_URL)")
	}

	if cfg.Remote.OwnerID == "" {
		return nil, errors.New("remote.owner_id is not configured (set it in the config file or GUESTSYNC_OWNER_ID)")
	}

	logger := buildLogger()

	cache, err := store.OpenCache(cfg.CachePath(), logger)
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}

	st := store.New(cache, resolve.New(cfg.GraceWindow(), logger), logger)
	if err := st.Load(ctx); err != nil {
		cache.Close()
		return nil, fmt.Errorf("loading store: %w", err)
	}

	client := remote.NewClient(cfg.Remote.BaseURL, defaultHTTPClient(), remote.StaticToken(cfg.Remote.Token), logger)

	eng := engine.New(st, client, cfg.Remote.OwnerID, cfg.EngineConfig(), logger)

	return &session{
		cfg:    cfg,
		logger: logger,
		store:  st,
		engine: eng,
		cache:  cache,
	}, nil
}

func (s *session) close() {
	if err := s.cache.Close(); err != nil {
		s.logger.Warn("closing cache failed", slog.String("error", err.Error()))
	}
}
