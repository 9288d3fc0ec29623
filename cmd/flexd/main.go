// Command flexd serves the orchestration engine over HTTP: envelope intake
// with SSE event streaming on /runs and capability registration on
// /capabilities.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	gomongo "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"

	"github.com/awesomeposter/flex/capability"
	"github.com/awesomeposter/flex/capability/memory"
	"github.com/awesomeposter/flex/config"
	"github.com/awesomeposter/flex/coordinator"
	"github.com/awesomeposter/flex/engine"
	"github.com/awesomeposter/flex/facet"
	"github.com/awesomeposter/flex/hitl"
	"github.com/awesomeposter/flex/model"
	"github.com/awesomeposter/flex/model/anthropic"
	"github.com/awesomeposter/flex/model/openai"
	"github.com/awesomeposter/flex/planner"
	"github.com/awesomeposter/flex/sse"
	"github.com/awesomeposter/flex/store"
	inmemstore "github.com/awesomeposter/flex/store/inmem"
	mongostore "github.com/awesomeposter/flex/store/mongo"
	redisstore "github.com/awesomeposter/flex/store/redis"
	"github.com/awesomeposter/flex/telemetry"
)

const (
	defaultOpenAIModel    = "gpt-4o"
	defaultAnthropicModel = "claude-3-5-sonnet-latest"

	staleSweepInterval = time.Minute
	shutdownGrace      = 10 * time.Second
)

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	if err := run(ctx); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "exiting"})
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	catalog, err := loadCatalog(cfg)
	if err != nil {
		return err
	}

	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	runtime, err := openModel(cfg)
	if err != nil {
		return err
	}

	logger := telemetry.NewClueLogger()
	tel := telemetry.NewService(telemetry.Options{
		Logger:  logger,
		Metrics: telemetry.NewOtelMetrics(),
	})

	registry, err := capability.NewRegistry(capability.RegistryOptions{
		Catalog: catalog,
		Store:   memory.New(),
	})
	if err != nil {
		return err
	}

	hitlSvc, err := hitl.NewService(hitl.Options{
		Store:             st,
		MaxRequestsPerRun: cfg.HitlMaxRequests,
	})
	if err != nil {
		return err
	}

	plannerSvc, err := planner.NewService(planner.Options{
		Model:     runtime,
		Catalog:   catalog,
		Registry:  registry,
		Telemetry: tel,
		Timeout:   cfg.PlannerTimeout,
		ModelID:   cfg.PlannerModel,
	})
	if err != nil {
		return err
	}

	eng, err := engine.New(engine.Options{
		Store:             st,
		Registry:          registry,
		Model:             runtime,
		Hitl:              hitlSvc,
		Telemetry:         tel,
		Logger:            logger,
		AssignmentTimeout: cfg.HumanAssignmentTimeout,
	})
	if err != nil {
		return err
	}

	coord, err := coordinator.New(coordinator.Options{
		Store:     st,
		Planner:   plannerSvc,
		Engine:    eng,
		Hitl:      hitlSvc,
		Telemetry: tel,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	gateway, err := sse.New(sse.Options{
		Coordinator: coord,
		Logger:      logger,
		Concurrency: cfg.SSEConcurrency,
		MaxPending:  cfg.SSEMaxPending,
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/runs", gateway)
	mux.Handle("/capabilities", registerHandler(ctx, cfg, registry, logger))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go sweepStale(sweepCtx, registry, logger)

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("signal: %s", <-c)
	}()
	go func() {
		log.Print(ctx, log.KV{K: "msg", V: "listening"}, log.KV{K: "addr", V: cfg.ListenAddr})
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	reason := <-errc
	log.Print(ctx, log.KV{K: "msg", V: "shutting down"}, log.KV{K: "reason", V: reason.Error()})

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

func loadCatalog(cfg config.Config) (*facet.Catalog, error) {
	if cfg.FacetCatalogPath != "" {
		return facet.LoadCatalog(cfg.FacetCatalogPath)
	}
	return facet.NewCatalog(nil)
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	noop := func() {}
	switch cfg.StoreBackend {
	case "inmem":
		return inmemstore.New(), noop, nil
	case "redis":
		opt, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis url: %w", err)
		}
		client := goredis.NewClient(opt)
		st, err := redisstore.New(redisstore.Options{Client: client})
		if err != nil {
			return nil, nil, err
		}
		return st, func() { client.Close() }, nil
	case "mongo":
		if cfg.MongoURL == "" {
			return nil, nil, errors.New("FLEX_MONGO_URL is required for the mongo store")
		}
		client, err := gomongo.Connect(mongooptions.Client().ApplyURI(cfg.MongoURL))
		if err != nil {
			return nil, nil, fmt.Errorf("mongo connect: %w", err)
		}
		st, err := mongostore.New(mongostore.Options{Client: client, Database: cfg.MongoDatabase})
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			client.Disconnect(shutCtx)
		}
		return st, cleanup, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func openModel(cfg config.Config) (model.Runtime, error) {
	switch cfg.ModelProvider {
	case "openai":
		id := cfg.PlannerModel
		if id == "" {
			id = defaultOpenAIModel
		}
		return openai.NewFromAPIKey(cfg.OpenAIAPIKey, id)
	case "anthropic":
		id := cfg.PlannerModel
		if id == "" {
			id = defaultAnthropicModel
		}
		return anthropic.NewFromAPIKey(cfg.AnthropicAPIKey, id)
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.ModelProvider)
	}
}

// registerHandler accepts capability registrations. When an upstream registry
// URL is configured the accepted payload is forwarded there so chained
// registries stay in sync.
func registerHandler(ctx context.Context, cfg config.Config, registry *capability.Registry, logger telemetry.Logger) http.Handler {
	var announcer *capability.Announcer
	if cfg.CapabilityRegisterURL != "" && !cfg.DisableCapabilitySelfRegister {
		a, err := capability.NewAnnouncer(nil, cfg.CapabilityRegisterURL, cfg.CapabilitySelfRegisterRetries)
		if err == nil {
			announcer = a
		} else {
			logger.Warn(ctx, "capability announcer disabled", "error", err.Error())
		}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var payload capability.RegisterPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid registration payload", http.StatusBadRequest)
			return
		}
		rec, err := registry.Register(r.Context(), payload)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		if announcer != nil {
			go func() {
				if err := announcer.Announce(ctx, payload); err != nil {
					logger.Warn(ctx, "upstream registration failed",
						"capabilityId", payload.CapabilityID, "error", err.Error())
				}
			}()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(rec)
	})
}

// sweepStale deactivates capabilities whose heartbeats lapsed.
func sweepStale(ctx context.Context, registry *capability.Registry, logger telemetry.Logger) {
	ticker := time.NewTicker(staleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			ids, err := registry.MarkStale(ctx, now, 0)
			if err != nil {
				logger.Warn(ctx, "stale sweep failed", "error", err.Error())
				continue
			}
			if len(ids) > 0 {
				logger.Info(ctx, "capabilities deactivated", "ids", ids)
			}
		}
	}
}
