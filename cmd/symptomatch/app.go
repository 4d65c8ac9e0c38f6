package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/joelkehle/symptomatch/internal/cache"
	"github.com/joelkehle/symptomatch/internal/catalog"
	"github.com/joelkehle/symptomatch/internal/config"
	"github.com/joelkehle/symptomatch/internal/diagnosis"
	"github.com/joelkehle/symptomatch/internal/matcher"
	"github.com/joelkehle/symptomatch/internal/normalizer"
	"github.com/joelkehle/symptomatch/internal/report"
	"github.com/joelkehle/symptomatch/internal/upstream"
)

type app struct {
	svc   *diagnosis.Service
	store cache.Store
}

func (a *app) Close() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}

// buildApp loads the catalog and assembles the service. A corrupt catalog
// stops startup. withCache=false skips the cache backend entirely.
func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, withCache bool) (*app, error) {
	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	schema, err := normalizer.DefaultSchema().Require(cfg.RequiredFields()...)
	if err != nil {
		return nil, fmt.Errorf("REQUIRE_FIELDS: %w", err)
	}

	var gen upstream.Generator
	if cfg.UpstreamConfigured() {
		ag, err := upstream.NewAnthropicGenerator(upstream.AnthropicConfig{
			APIKey:    cfg.AnthropicAPIKey,
			Model:     cfg.LLMModel,
			MaxTokens: cfg.LLMMaxTokens,
		})
		if err != nil {
			return nil, err
		}
		gen = upstream.NewPool(ag, upstream.PoolConfig{
			Workers:   cfg.UpstreamWorkers,
			Timeout:   cfg.UpstreamTimeout,
			MaxTries:  cfg.UpstreamMaxTries,
			BaseDelay: cfg.UpstreamBaseDelay,
		}, logger)
	} else {
		logger.Warn().Msg("ANTHROPIC_API_KEY not set; AI features disabled")
	}

	var renderer report.Renderer
	if r := report.NewChromiumPDFRenderer(cfg.ChromePath); r.Available() {
		renderer = r
	}

	var store cache.Store = cache.Noop{}
	if withCache {
		store, err = cache.New(ctx, cache.Options{
			Backend:    cfg.CacheBackend,
			TTL:        cfg.CacheTTL,
			Size:       cfg.CacheSize,
			SQLitePath: cfg.CacheSQLitePath,
			RedisURL:   cfg.RedisURL,
		})
		if err != nil {
			return nil, fmt.Errorf("open cache: %w", err)
		}
	}

	svc, err := diagnosis.New(diagnosis.Deps{
		Catalog:   cat,
		Generator: gen,
		Cache:     store,
		Renderer:  renderer,
		Logger:    logger,
	}, diagnosis.Options{
		TopN:   cfg.TopN,
		Rerank: diagnosis.Rerank(cfg.Rerank),
		Schema: schema,
		Match: matcher.Options{
			Mode:  matcher.Mode(cfg.MatchMode),
			Split: matcher.Split(cfg.MatchSplit),
			Sort:  matcher.SortOrder(cfg.MatchSort),
		},
	})
	if err != nil {
		return nil, errors.Join(err, store.Close())
	}
	return &app{svc: svc, store: store}, nil
}
