// Command meanderd runs a meander worker node: it serves workflow
// executions against a shared store, keeps lease heartbeats fresh, and
// sweeps up executions orphaned by crashed peers.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	meander "github.com/nevindra/meander"
	"github.com/nevindra/meander/internal/config"
	"github.com/nevindra/meander/observer"
	"github.com/nevindra/meander/provider/gemini"
	"github.com/nevindra/meander/provider/resolve"
	"github.com/nevindra/meander/store/postgres"
	"github.com/nevindra/meander/store/sqlite"
)

func main() {
	configPath := flag.String("config", os.Getenv("MEANDER_CONFIG"), "path to meander.toml")
	flag.Parse()

	cfg := config.Load(*configPath)

	nodeID := cfg.Server.NodeID
	if nodeID == "" {
		nodeID = meander.NewID()
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	logger.Info("starting meanderd", "node", nodeID, "driver", cfg.Database.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Store
	var (
		workflows meander.WorkflowRepository
		snapshots meander.SnapshotRepository
		rubrics   meander.RubricRepository
		leases    meander.LeaseManager
	)
	switch cfg.Database.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			log.Fatalf("postgres pool: %v", err)
		}
		defer pool.Close()
		store := postgres.New(pool, nodeID, postgres.WithLogger(logger))
		if err := store.Init(ctx); err != nil {
			log.Fatalf("postgres init: %v", err)
		}
		workflows, snapshots, rubrics, leases = store, store.Snapshots(), store.Rubrics(), store
	case "sqlite", "":
		store := sqlite.New(cfg.Database.Path, nodeID, sqlite.WithLogger(logger))
		defer store.Close()
		if err := store.Init(ctx); err != nil {
			log.Fatalf("sqlite init: %v", err)
		}
		workflows, snapshots, rubrics, leases = store, store.Snapshots(), store.Rubrics(), store
	default:
		log.Fatalf("unknown database driver %q", cfg.Database.Driver)
	}

	// 2. Observer (opt-in via config)
	var obs meander.Observer = meander.NewLogObserver(logger)
	var tracer meander.Tracer
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			log.Fatalf("observer init: %v", err)
		}
		defer shutdown(context.Background())
		obs = meander.MultiObserver{obs, observer.NewWorkflowObserver(inst)}
		tracer = observer.NewTracer()
		logger.Info("OTEL observability enabled")
	}

	// 3. Agents
	agents := meander.NewAgentRegistry()
	for _, pc := range cfg.Providers {
		p, err := resolve.Provider(resolve.Config{
			Provider: pc.Name,
			APIKey:   pc.APIKey,
			BaseURL:  pc.BaseURL,
			Priority: pc.Priority,
		})
		if err != nil {
			log.Fatalf("provider %s: %v", pc.Name, err)
		}
		agents.RegisterProvider(p)
	}
	if len(cfg.Providers) == 0 {
		agents.RegisterProvider(gemini.New(os.Getenv("GEMINI_API_KEY")))
	}
	credentials := make(meander.Credentials)
	for _, a := range cfg.Agents {
		for k, v := range a.Credentials {
			credentials[a.ID+"."+k] = v
		}
		if key := a.Credentials["api_key"]; key != "" {
			credentials["api_key"] = key
		}
	}

	// 4. Executor
	opts := []meander.ExecutorOption{
		meander.WithAgents(agents),
		meander.WithSnapshotRepository(snapshots),
		meander.WithLeaseManager(leases),
		meander.WithRubricEngine(meander.NewRubricEngine(rubrics)),
		meander.WithValidator(meander.NewOutputValidator(meander.MaxOutputBytes(cfg.Engine.MaxOutputBytes))),
		meander.WithPoolSize(cfg.Engine.PoolSize),
		meander.WithMaxBacktracks(cfg.Engine.MaxBacktracks),
		meander.WithPlanExecutor(meander.NewPlanExecutor(meander.MaxRevisions(cfg.Engine.MaxRevisions))),
		meander.WithCredentials(credentials),
		meander.WithLogger(logger),
	}
	if tracer != nil {
		opts = append(opts, meander.WithTracer(tracer))
	}
	executor := meander.NewWorkflowExecutor(opts...)

	// 5. Recovery jobs
	if cfg.Recovery.Enabled {
		hb := meander.NewHeartbeat(leases,
			meander.HeartbeatInterval(cfg.Recovery.HeartbeatInterval.Duration),
			meander.HeartbeatLogger(logger))
		go hb.Start(ctx)

		sweeper := meander.NewSweeper(leases, snapshots, workflows, executor,
			meander.SweepInterval(cfg.Recovery.SweepInterval.Duration),
			meander.StaleThreshold(cfg.Recovery.StaleThreshold.Duration),
			meander.SweeperObserver(obs),
			meander.SweeperLogger(logger))
		go sweeper.Start(ctx)

		logger.Info("recovery jobs started",
			"heartbeat", cfg.Recovery.HeartbeatInterval.Duration,
			"sweep", cfg.Recovery.SweepInterval.Duration,
			"stale", cfg.Recovery.StaleThreshold.Duration)
	}

	<-ctx.Done()
	logger.Info("shutting down", "node", nodeID)
}
