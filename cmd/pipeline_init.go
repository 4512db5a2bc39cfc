package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/postconvo/internal/config"
	"github.com/sells-group/postconvo/internal/metrics"
	"github.com/sells-group/postconvo/internal/monitoring"
	"github.com/sells-group/postconvo/internal/pipeline"
	"github.com/sells-group/postconvo/internal/resilience"
	"github.com/sells-group/postconvo/internal/store"
	"github.com/sells-group/postconvo/internal/tracing"
	"github.com/sells-group/postconvo/internal/voicecache"
	anthropicpkg "github.com/sells-group/postconvo/pkg/anthropic"
	"github.com/sells-group/postconvo/pkg/graph"
)

// pipelineEnv holds everything the run, batch, dlq and serve commands share.
type pipelineEnv struct {
	Store        store.Store
	Orchestrator *pipeline.Orchestrator
	Breakers     *resilience.Registry
	Alerter      *monitoring.Alerter
	Voice        *voicecache.Cache // may be nil

	shutdownTracing tracing.ShutdownFunc
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := pe.shutdownTracing(ctx); err != nil {
			zap.L().Warn("tracing shutdown failed", zap.Error(err))
		}
		cancel()
	}
	if pe.Voice != nil {
		_ = pe.Voice.Close()
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initStore opens and migrates the configured store.
func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL, &store.PoolConfig{
		MaxConns: cfg.Store.MaxConns,
		MinConns: cfg.Store.MinConns,
	})
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// newBreakerRegistry builds the process-wide breakers from config. Every
// state change is mirrored into the breaker state gauge.
func newBreakerRegistry(breakers map[string]config.BreakerConfig) *resilience.Registry {
	onChange := func(name string, from, to resilience.CircuitState) {
		metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		zap.L().Warn("circuit breaker state change",
			zap.String("breaker", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}

	defaults := resilience.DefaultCircuitBreakerConfig()
	defaults.OnStateChange = onChange

	overrides := make(map[string]resilience.CircuitBreakerConfig, len(breakers))
	for name, b := range breakers {
		bc := resilience.FromCircuitConfig(name, b.FailureThreshold, b.RecoveryTimeoutSecs, b.HalfOpenMaxCalls)
		bc.OnStateChange = onChange
		overrides[name] = bc
	}

	reg := resilience.NewRegistry(defaults, overrides)
	for _, name := range []string{pipeline.BreakerLLM, pipeline.BreakerGraph, pipeline.BreakerCache} {
		reg.Get(name)
		metrics.BreakerState.WithLabelValues(name).Set(float64(resilience.CircuitClosed))
	}
	return reg
}

// initPipeline sets up the store, the external clients, the breakers and the
// orchestrator. mode is passed to config validation. Callers should defer
// env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	env := &pipelineEnv{
		Store:    st,
		Breakers: newBreakerRegistry(cfg.Breakers),
		Alerter:  monitoring.NewAlerter(cfg.Monitoring),
	}

	tp, shutdown := tracing.Setup(cfg.Tracing)
	env.shutdownTracing = shutdown

	llm := anthropicpkg.NewClient(cfg.Anthropic.Key)

	var graphOpts []graph.Option
	if cfg.Graph.TimeoutSecs > 0 {
		graphOpts = append(graphOpts, graph.WithTimeout(time.Duration(cfg.Graph.TimeoutSecs)*time.Second))
	}
	gc := graph.NewClient(cfg.Graph.BaseURL, cfg.Graph.APIKey, graphOpts...)

	opts := []pipeline.Option{
		pipeline.WithTracer(tracing.Tracer(tp)),
		pipeline.WithNotifier(env.Alerter),
	}

	// The voice cache is optional; without it the voice stage is a no-op.
	if cfg.Redis.URL != "" {
		vc, err := voicecache.New(ctx, voicecache.Config{
			URL:       cfg.Redis.URL,
			KeyPrefix: cfg.Redis.VoiceKeyPrefix,
		})
		if err != nil {
			zap.L().Warn("voice cache unavailable, invalidation disabled", zap.Error(err))
		} else {
			env.Voice = vc
			opts = append(opts, pipeline.WithVoiceCache(vc))
		}
	} else {
		zap.L().Debug("POSTCONVO_REDIS_URL not set, voice cache invalidation disabled")
	}

	env.Orchestrator = pipeline.New(cfg, st, llm, gc, env.Breakers, opts...)

	zap.L().Info("pipeline initialized",
		zap.String("store", cfg.Store.Driver),
		zap.String("model", cfg.Anthropic.Model),
		zap.Bool("voice_cache", env.Voice != nil),
	)
	return env, nil
}
