// Package config reads the engine's environment configuration once into a
// plain struct. Keys are env-style; unset keys fall back to the documented
// defaults and malformed values surface as errors rather than silent
// fallbacks.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Defaults for the tunable knobs.
const (
	DefaultSSEConcurrency          = 4
	DefaultSSEMaxPending           = 32
	DefaultPlannerTimeout          = 240 * time.Second
	DefaultHitlMaxRequests         = 3
	DefaultHumanAssignmentTimeout  = 900 * time.Second
	DefaultCapabilityRegisterRetry = 3
	DefaultListenAddr              = ":8080"
	DefaultStoreBackend            = "inmem"
)

// Config is the resolved engine configuration.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string

	// SSEConcurrency caps concurrent run streams.
	SSEConcurrency int
	// SSEMaxPending caps queued stream admissions.
	SSEMaxPending int

	// PlannerTimeout bounds one planner model call.
	PlannerTimeout time.Duration
	// PlannerModel overrides the model adapter's default model id.
	PlannerModel string

	// HitlMaxRequests caps accepted HITL requests per run.
	HitlMaxRequests int
	// HumanAssignmentTimeout is the default human task deadline.
	HumanAssignmentTimeout time.Duration

	// CapabilityRegisterURL is the registration endpoint agents self-register
	// against; empty disables self-registration announcements.
	CapabilityRegisterURL string
	// CapabilitySelfRegisterRetries bounds registration attempts.
	CapabilitySelfRegisterRetries int
	// DisableCapabilitySelfRegister turns self-registration off entirely.
	DisableCapabilitySelfRegister bool

	// StoreBackend selects run persistence: inmem, redis, or mongo.
	StoreBackend string
	// RedisURL is the redis connection string when StoreBackend is redis.
	RedisURL string
	// MongoURL and MongoDatabase locate the mongo store when StoreBackend
	// is mongo.
	MongoURL      string
	MongoDatabase string

	// ModelProvider selects the completion adapter: openai or anthropic.
	ModelProvider string
	// OpenAIAPIKey and AnthropicAPIKey are the provider credentials.
	OpenAIAPIKey    string
	AnthropicAPIKey string

	// FacetCatalogPath optionally points at a YAML facet catalog file.
	FacetCatalogPath string
}

// Load reads the environment into a Config.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:                    getString("FLEX_LISTEN_ADDR", DefaultListenAddr),
		PlannerModel:                  os.Getenv("FLEX_PLANNER_MODEL"),
		CapabilityRegisterURL:         os.Getenv("FLEX_CAPABILITY_REGISTER_URL"),
		StoreBackend:                  getString("FLEX_STORE", DefaultStoreBackend),
		RedisURL:                      os.Getenv("FLEX_REDIS_URL"),
		MongoURL:                      os.Getenv("FLEX_MONGO_URL"),
		MongoDatabase:                 getString("FLEX_MONGO_DATABASE", "flex"),
		ModelProvider:                 getString("FLEX_MODEL_PROVIDER", "openai"),
		OpenAIAPIKey:                  os.Getenv("OPENAI_API_KEY"),
		AnthropicAPIKey:               os.Getenv("ANTHROPIC_API_KEY"),
		FacetCatalogPath:              os.Getenv("FLEX_FACET_CATALOG"),
		DisableCapabilitySelfRegister: getBool("FLEX_DISABLE_CAPABILITY_SELF_REGISTER"),
	}

	var err error
	if cfg.SSEConcurrency, err = getInt("SSE_CONCURRENCY", DefaultSSEConcurrency); err != nil {
		return Config{}, err
	}
	if cfg.SSEMaxPending, err = getInt("SSE_MAX_PENDING", DefaultSSEMaxPending); err != nil {
		return Config{}, err
	}
	if cfg.HitlMaxRequests, err = getInt("HITL_MAX_REQUESTS", DefaultHitlMaxRequests); err != nil {
		return Config{}, err
	}
	if cfg.CapabilitySelfRegisterRetries, err = getInt("FLEX_CAPABILITY_SELF_REGISTER_RETRIES", DefaultCapabilityRegisterRetry); err != nil {
		return Config{}, err
	}

	plannerMs, err := getInt("FLEX_PLANNER_TIMEOUT_MS", int(DefaultPlannerTimeout/time.Millisecond))
	if err != nil {
		return Config{}, err
	}
	cfg.PlannerTimeout = time.Duration(plannerMs) * time.Millisecond

	assignSecs, err := getInt("FLEX_HUMAN_ASSIGNMENT_TIMEOUT_SECONDS", int(DefaultHumanAssignmentTimeout/time.Second))
	if err != nil {
		return Config{}, err
	}
	cfg.HumanAssignmentTimeout = time.Duration(assignSecs) * time.Second

	switch cfg.StoreBackend {
	case "inmem", "redis", "mongo":
	default:
		return Config{}, fmt.Errorf("config: unknown store backend %q", cfg.StoreBackend)
	}
	return cfg, nil
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func getBool(key string) bool {
	v := os.Getenv(key)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}
