package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	require.Equal(t, DefaultSSEConcurrency, cfg.SSEConcurrency)
	require.Equal(t, DefaultSSEMaxPending, cfg.SSEMaxPending)
	require.Equal(t, DefaultPlannerTimeout, cfg.PlannerTimeout)
	require.Equal(t, DefaultHitlMaxRequests, cfg.HitlMaxRequests)
	require.Equal(t, DefaultHumanAssignmentTimeout, cfg.HumanAssignmentTimeout)
	require.Equal(t, "inmem", cfg.StoreBackend)
	require.Equal(t, "openai", cfg.ModelProvider)
	require.False(t, cfg.DisableCapabilitySelfRegister)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SSE_CONCURRENCY", "8")
	t.Setenv("SSE_MAX_PENDING", "64")
	t.Setenv("FLEX_PLANNER_TIMEOUT_MS", "5000")
	t.Setenv("FLEX_PLANNER_MODEL", "gpt-4o")
	t.Setenv("HITL_MAX_REQUESTS", "1")
	t.Setenv("FLEX_HUMAN_ASSIGNMENT_TIMEOUT_SECONDS", "120")
	t.Setenv("FLEX_STORE", "redis")
	t.Setenv("FLEX_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("FLEX_DISABLE_CAPABILITY_SELF_REGISTER", "true")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, 8, cfg.SSEConcurrency)
	require.Equal(t, 64, cfg.SSEMaxPending)
	require.Equal(t, 5*time.Second, cfg.PlannerTimeout)
	require.Equal(t, "gpt-4o", cfg.PlannerModel)
	require.Equal(t, 1, cfg.HitlMaxRequests)
	require.Equal(t, 2*time.Minute, cfg.HumanAssignmentTimeout)
	require.Equal(t, "redis", cfg.StoreBackend)
	require.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	require.True(t, cfg.DisableCapabilitySelfRegister)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("SSE_CONCURRENCY", "lots")
	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "SSE_CONCURRENCY")
}

func TestLoadRejectsUnknownStore(t *testing.T) {
	t.Setenv("FLEX_STORE", "dynamo")
	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "dynamo")
}
