package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/api"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/archive"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/config"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/store"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/tooling"
)

func (c *ServeCmd) Run(env *Env) error {
	cfg, err := loadConfig(env.Globals)
	if err != nil {
		return err
	}
	if c.Addr != "" {
		cfg.Addr = c.Addr
	}
	logger := setupLogger(cfg, env.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.Close(shutdownCtx)
	}()

	if cfg.ProfilesWatch && cfg.ProfilesDir != "" {
		w := config.NewProfileWatcher(cfg.ProfilesDir, a.catalog, config.WithReloadHook(func(err error) {
			if err == nil {
				a.registerAgents()
			}
		}))
		go func() {
			if err := w.Run(ctx); err != nil {
				logger.Error("profile watcher stopped", "error", err)
			}
		}()
	}

	opts := []api.Option{api.WithProvider(a.provider)}
	if a.exporter != nil {
		opts = append(opts, api.WithExporter(a.exporter))
	}
	if cfg.RateLimitRPS > 0 {
		rl := api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		go rl.Run(ctx)
		opts = append(opts, api.WithRateLimiter(rl))
	}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.NewServer(a.orch, a.events, a.catalog, a.resolver, opts...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("governor listening", "addr", cfg.Addr, "store", cfg.StoreDriver, "budget", cfg.BudgetBackend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}

func (c *ProfilesCmd) Run(env *Env) error {
	cfg, err := loadConfig(env.Globals)
	if err != nil {
		return err
	}
	catalog, err := config.LoadCatalog(cfg.ProfilesDir)
	if err != nil {
		return err
	}
	profiles := catalog.List()
	if c.JSON {
		enc := json.NewEncoder(env.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(profiles)
	}
	tw := tabwriter.NewWriter(env.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVERSION\tCONFIRM\tBUDGET\tDEFAULT AGENT\tRULES\tGATES")
	for _, p := range profiles {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%d\t%s\t%d\t%d\n",
			p.ID, p.Version, p.RequireExplicitConfirm, p.LoopBudgetMax, p.DefaultAgent,
			len(p.AgentRoutingRules), len(p.QualityGates))
	}
	return tw.Flush()
}

func (c *ResolveCmd) Run(env *Env) error {
	cfg, err := loadConfig(env.Globals)
	if err != nil {
		return err
	}
	setupLogger(cfg, env.Stderr)
	ctx := context.Background()

	_, db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}
	registry, err := openRegistry(cfg, db)
	if err != nil {
		return err
	}
	resolver := tooling.NewResolver(registry)

	enc := json.NewEncoder(env.Stdout)
	for _, id := range c.ToolIDs {
		res := resolver.Resolve(ctx, id)
		if err := enc.Encode(map[string]any{
			"tool_id":         res.ToolID,
			"capability_code": res.CapabilityCode,
			"risk_class":      res.RiskClass,
			"registered":      res.Registered,
			"notes":           res.Notes,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (c *EventsCmd) Run(env *Env) error {
	cfg, err := loadConfig(env.Globals)
	if err != nil {
		return err
	}
	setupLogger(cfg, env.Stderr)
	ctx := context.Background()

	var filter store.QueryFilter
	for _, k := range c.Kind {
		kind := store.Kind(strings.ToLower(k))
		if !kind.Valid() {
			return &exitError{code: 2, msg: fmt.Sprintf("governor: unknown event kind %q", k)}
		}
		filter.Kinds = append(filter.Kinds, kind)
	}

	events, db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}
	entries, err := events.Query(ctx, c.ExecutionID, filter)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return &exitError{code: 1, msg: fmt.Sprintf("governor: no events for execution %s", c.ExecutionID)}
	}
	enc := json.NewEncoder(env.Stdout)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

func (c *VerifyCmd) Run(env *Env) error {
	cfg, err := loadConfig(env.Globals)
	if err != nil {
		return err
	}
	setupLogger(cfg, env.Stderr)
	ctx := context.Background()

	events, db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}
	entries, err := events.Query(ctx, c.ExecutionID, store.QueryFilter{})
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return &exitError{code: 1, msg: fmt.Sprintf("governor: no events for execution %s", c.ExecutionID)}
	}
	if err := events.Verify(ctx, c.ExecutionID); err != nil {
		if errors.Is(err, store.ErrChainBroken) {
			return &exitError{code: 1, msg: fmt.Sprintf("FAIL %s: %v", c.ExecutionID, err)}
		}
		return err
	}
	fmt.Fprintf(env.Stdout, "OK %s: %d entries, chain head %s\n",
		c.ExecutionID, len(entries), entries[len(entries)-1].EntryHash)
	return nil
}

func (c *ArchiveCmd) Run(env *Env) error {
	cfg, err := loadConfig(env.Globals)
	if err != nil {
		return err
	}
	if c.Sink != "" {
		cfg.Archive.Sink = c.Sink
	}
	if c.Bucket != "" {
		cfg.Archive.Bucket = c.Bucket
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Archive.Sink == "" {
		return &exitError{code: 2, msg: "governor: no archive sink configured (set ARCHIVE_SINK or --sink)"}
	}
	setupLogger(cfg, env.Stderr)
	ctx := context.Background()

	events, db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}
	sink, err := archive.NewSink(ctx, cfg.Archive)
	if err != nil {
		return err
	}
	bundle, key, err := archive.Export(ctx, events, c.ExecutionID, sink, cfg.Archive.Prefix)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.Stdout, "%s\t%d entries\t%s\n", key, bundle.EntryCount, bundle.BundleHash)
	return nil
}
