package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/archive"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/budget"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/config"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/database"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/escalation"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/eventbus"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/guardian"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/observability"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/orchestrator"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/profile"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/quality"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/store"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/tooling"
)

// loadConfig resolves configuration with the --config flag taking
// precedence over GOVERNOR_CONFIG.
func loadConfig(g *Globals) (*config.Config, error) {
	cfg, err := config.LoadWithFile(g.Config)
	if err != nil {
		return nil, err
	}
	if g.LogLevel != "" {
		cfg.LogLevel = g.LogLevel
	}
	return cfg, nil
}

func setupLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(h).With("service", "governor")
	slog.SetDefault(logger)
	return logger
}

// app is the wired governance core.
type app struct {
	cfg *config.Config

	db        *sql.DB
	events    store.EventStore
	catalog   *profile.Catalog
	resolver  *tooling.Resolver
	tracker   *budget.Tracker
	tickets   *escalation.Manager
	guard     *guardian.Guardian
	checker   *quality.Checker
	orch      *orchestrator.Orchestrator
	provider  *observability.Provider
	publisher *eventbus.Publisher
	exporter  *archive.Exporter

	closers []func(context.Context) error
}

// openStore opens the configured event store. The inspection commands
// use it without the rest of the core.
func openStore(ctx context.Context, cfg *config.Config) (store.EventStore, *sql.DB, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		return store.NewMemoryStore(), nil, nil
	}
	db, err := database.Open(ctx, cfg.StoreDriver, cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return nil, nil, err
	}
	var s store.EventStore
	if database.IsPostgres(cfg.StoreDriver) {
		s, err = store.NewPostgresStore(ctx, db)
	} else {
		s, err = store.NewSQLiteStore(ctx, db)
	}
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return s, db, nil
}

func openRegistry(cfg *config.Config, db *sql.DB) (tooling.Registry, error) {
	switch {
	case cfg.ToolRegistryFile != "":
		return tooling.LoadRegistryFile(cfg.ToolRegistryFile)
	case db != nil:
		return tooling.NewSQLRegistry(db, !database.IsPostgres(cfg.StoreDriver)), nil
	default:
		return tooling.NewMemoryRegistry(), nil
	}
}

func openCounter(ctx context.Context, cfg *config.Config, db *sql.DB) (budget.Counter, error) {
	switch cfg.BudgetBackend {
	case config.BackendRedis:
		c := budget.NewRedisCounterAddr(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err := c.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis budget backend: %w", err)
		}
		return c, nil
	case config.BackendPostgres:
		if db == nil {
			return nil, errors.New("postgres budget backend requires a database")
		}
		c := budget.NewPostgresCounter(db)
		if err := c.Migrate(ctx); err != nil {
			return nil, err
		}
		return c, nil
	default:
		return budget.NewMemoryCounter(), nil
	}
}

func signingKey(cfg *config.Config, logger *slog.Logger) []byte {
	if cfg.Confirm.SigningKey != "" {
		if b, err := hex.DecodeString(cfg.Confirm.SigningKey); err == nil && len(b) >= 16 {
			return b
		}
		return []byte(cfg.Confirm.SigningKey)
	}
	logger.Warn("CONFIRM_SIGNING_KEY not set; using an ephemeral key, confirmation tokens will not survive a restart")
	id := uuid.New()
	return id[:]
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (a *app, err error) {
	a = &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	otelCfg := observability.DefaultConfig()
	otelCfg.ServiceVersion = version
	otelCfg.Enabled = cfg.OTel.Enabled
	otelCfg.Insecure = !strings.HasPrefix(cfg.OTel.Endpoint, "https://")
	otelCfg.OTLPEndpoint = strings.TrimPrefix(strings.TrimPrefix(cfg.OTel.Endpoint, "https://"), "http://")
	a.provider, err = observability.New(ctx, otelCfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.provider.Shutdown)
	recorder, err := a.provider.Recorder()
	if err != nil {
		return nil, err
	}

	a.events, a.db, err = openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if a.db != nil {
		a.closers = append(a.closers, func(context.Context) error { return a.db.Close() })
	}

	if cfg.NATS.URL != "" {
		a.publisher, err = eventbus.Connect(cfg.NATS.URL, eventbus.WithSubject(cfg.NATS.Subject))
		if err != nil {
			return nil, err
		}
		a.publisher.Attach(a.events)
		a.closers = append(a.closers, func(context.Context) error { return a.publisher.Close() })
	}

	sink, err := archive.NewSink(ctx, cfg.Archive)
	if err != nil {
		return nil, err
	}
	if sink != nil {
		a.exporter = archive.NewExporter(sink, cfg.Archive.Prefix)
	}

	a.catalog, err = config.LoadCatalog(cfg.ProfilesDir)
	if err != nil {
		return nil, err
	}
	registry, err := openRegistry(cfg, a.db)
	if err != nil {
		return nil, err
	}
	a.resolver = tooling.NewResolver(registry)

	counter, err := openCounter(ctx, cfg, a.db)
	if err != nil {
		return nil, err
	}
	a.tracker = budget.NewTracker(counter)

	a.tickets, err = escalation.NewManager(signingKey(cfg, logger), cfg.Confirm.TTL.Duration)
	if err != nil {
		return nil, err
	}
	a.guard = guardian.NewGuardian(a.resolver, a.tracker, a.events, a.tickets, guardian.WithRecorder(recorder))
	a.checker, err = quality.NewChecker(a.events, quality.WithRecorder(recorder))
	if err != nil {
		return nil, err
	}

	a.orch, err = orchestrator.New(orchestrator.Deps{
		Catalog: a.catalog,
		Events:  a.events,
		Guard:   a.guard,
		Tracker: a.tracker,
		Checker: a.checker,
		Tickets: a.tickets,
		Driver:  dryRunDriver{},
	}, orchestrator.WithRecorder(recorder))
	if err != nil {
		return nil, err
	}
	a.registerAgents()
	return a, nil
}

func (a *app) defaultAgentID() string {
	if a.cfg.DefaultAgent != "" {
		return a.cfg.DefaultAgent
	}
	return "operator"
}

// registerAgents binds the scripted agent to the configured default agent
// id and to every agent any catalog profile routes to. It runs again after
// each profile reload.
func (a *app) registerAgents() {
	agent := scriptedAgent{}
	a.orch.RegisterAgent(a.defaultAgentID(), agent)
	for _, p := range a.catalog.List() {
		if p.DefaultAgent != "" {
			a.orch.RegisterAgent(p.DefaultAgent, agent)
		}
		for _, r := range p.AgentRoutingRules {
			a.orch.RegisterAgent(r.Target, agent)
		}
	}
}

func (a *app) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			slog.Default().Warn("shutdown step failed", "error", err)
		}
	}
	a.closers = nil
}
