package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/postconvo/internal/config"
	"github.com/sells-group/postconvo/internal/metrics"
	"github.com/sells-group/postconvo/internal/resilience"
)

func TestNewBreakerRegistry_PreCreatesBuiltins(t *testing.T) {
	reg := newBreakerRegistry(nil)

	states := reg.States()
	assert.Len(t, states, 3)
	for _, name := range []string{"llm", "graph", "cache"} {
		assert.Equal(t, resilience.CircuitClosed, states[name], name)
	}
}

func TestNewBreakerRegistry_StateChangeUpdatesGauge(t *testing.T) {
	reg := newBreakerRegistry(map[string]config.BreakerConfig{
		"graph": {FailureThreshold: 2},
	})
	cb := reg.Get("graph")

	boom := errors.New("graph unavailable")
	for range 2 {
		_ = cb.Execute(context.Background(), func(context.Context) error { return boom })
	}

	assert.Equal(t, resilience.CircuitOpen, cb.State())
	assert.Equal(t, float64(resilience.CircuitOpen), testutil.ToFloat64(metrics.BreakerState.WithLabelValues("graph")))
}

func TestNewBreakerRegistry_UnconfiguredNameUsesDefaults(t *testing.T) {
	reg := newBreakerRegistry(nil)
	cb := reg.Get("payments")

	boom := errors.New("down")
	for range resilience.DefaultCircuitBreakerConfig().FailureThreshold {
		_ = cb.Execute(context.Background(), func(context.Context) error { return boom })
	}
	assert.Equal(t, float64(resilience.CircuitOpen), testutil.ToFloat64(metrics.BreakerState.WithLabelValues("payments")))
}

func TestInitStore_SQLite(t *testing.T) {
	prev := cfg
	t.Cleanup(func() { cfg = prev })
	cfg = &config.Config{Store: config.StoreConfig{
		Driver:      "sqlite",
		DatabaseURL: filepath.Join(t.TempDir(), "init.db"),
	}}

	st, err := initStore(context.Background())
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	require.NoError(t, st.Ping(context.Background()))
	n, err := st.CountDLQ(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInitStore_UnknownDriver(t *testing.T) {
	prev := cfg
	t.Cleanup(func() { cfg = prev })
	cfg = &config.Config{Store: config.StoreConfig{Driver: "mysql", DatabaseURL: "x"}}

	_, err := initStore(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open store")
}

func TestInitPipeline_InvalidConfig(t *testing.T) {
	prev := cfg
	t.Cleanup(func() { cfg = prev })
	cfg = &config.Config{Store: config.StoreConfig{Driver: "sqlite", DatabaseURL: "x.db"}}

	_, err := initPipeline(context.Background(), "pipeline")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key is required")
}

func TestInitPipeline_SQLiteWithoutRedis(t *testing.T) {
	prev := cfg
	t.Cleanup(func() { cfg = prev })
	cfg = &config.Config{
		Store:     config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "env.db")},
		Anthropic: config.AnthropicConfig{Key: "sk-test", Model: "claude-haiku-4-5-20251001"},
		Graph:     config.GraphConfig{BaseURL: "http://graph.invalid", TimeoutSecs: 5},
		Batch:     config.BatchConfig{MaxConcurrentConversations: 2},
	}

	env, err := initPipeline(context.Background(), "pipeline")
	require.NoError(t, err)
	defer env.Close()

	assert.NotNil(t, env.Orchestrator)
	assert.NotNil(t, env.Alerter)
	assert.Nil(t, env.Voice)
	assert.Len(t, env.Breakers.Snapshots(), 3)
}
