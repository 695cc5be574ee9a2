package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nats-io/nats.go"

	"github.com/Mindburn-Labs/meshforge/pkg/adapter"
	"github.com/Mindburn-Labs/meshforge/pkg/agents"
	"github.com/Mindburn-Labs/meshforge/pkg/auth"
	"github.com/Mindburn-Labs/meshforge/pkg/bus"
	"github.com/Mindburn-Labs/meshforge/pkg/config"
	"github.com/Mindburn-Labs/meshforge/pkg/engine"
	"github.com/Mindburn-Labs/meshforge/pkg/gateway"
	"github.com/Mindburn-Labs/meshforge/pkg/idempotency"
	"github.com/Mindburn-Labs/meshforge/pkg/natsbus"
	"github.com/Mindburn-Labs/meshforge/pkg/observability"
	"github.com/Mindburn-Labs/meshforge/pkg/policy"
	"github.com/Mindburn-Labs/meshforge/pkg/router"
	"github.com/Mindburn-Labs/meshforge/pkg/store"
)

//nolint:gocognit,gocyclo
func runServe(args []string, stdout, stderr io.Writer) int {
	cfg := config.Load()

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	fs.StringVar(&cfg.Profile, "profile", cfg.Profile, "Runtime profile code (dev, durable, deterministic)")
	fs.StringVar(&cfg.StoreBackend, "store", cfg.StoreBackend, "Event store backend (memory, sqlite, postgres)")
	agentsCSV := fs.String("agents", "", "Comma-separated agents to host (overrides MESHFORGE_AGENTS)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *agentsCSV != "" {
		cfg.Agents = splitCSV(*agentsCSV)
	}

	logger := setupLogger(cfg.LogLevel, stderr)

	var prof *config.RuntimeProfile
	if cfg.Profile != "" {
		dir := cfg.ProfilesDir
		if dir == "" {
			dir = "profiles"
		}
		p, err := config.LoadProfile(dir, cfg.Profile)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		p.Apply(cfg)
		prof = p
		logger.Info("runtime profile applied", "code", p.Code, "name", p.Name)
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}

	ctx := context.Background()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	provider, err := observability.New(ctx, telemetryConfig(cfg))
	if err != nil {
		logger.Error("telemetry init failed, continuing without", "error", err)
		provider, _ = observability.New(ctx, &observability.Config{Enabled: false})
	}
	defer func() {
		shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shCancel()
		_ = provider.Shutdown(shCtx)
	}()

	st, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = st.Close() }()
	logger.Info("event store ready", "backend", cfg.StoreBackend)

	var cache idempotency.Cache
	if cfg.RedisAddr != "" {
		rc := idempotency.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, 24*time.Hour)
		defer func() { _ = rc.Close() }()
		cache = rc
		logger.Info("idempotency cache: redis", "addr", cfg.RedisAddr)
	} else {
		cache = idempotency.NewMemory()
	}

	// Transport: a NATS URL selects the durable JetStream fabric, otherwise
	// everything runs in-process.
	var (
		evtBus bus.Bus
		rt     router.Router
		inproc *router.InProcessRouter
		js     nats.JetStreamContext
	)
	if cfg.NATSURL != "" {
		nc, jsCtx, err := natsbus.Connect(cfg.NATSURL)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		defer nc.Close()
		if err := natsbus.EnsureStreams(jsCtx); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		js = jsCtx
		evtBus = natsbus.NewJetStreamBus(js)
		rt = natsbus.NewJetStreamRouter(js)
		logger.Info("transport: jetstream", "url", cfg.NATSURL)
	} else {
		b := bus.NewInMemoryBus()
		inproc = router.NewInProcessRouter()
		evtBus = b
		rt = inproc
		logger.Info("transport: in-process")
	}

	engines := make([]*engine.Engine, 0, len(cfg.Agents))
	for _, name := range cfg.Agents {
		opts := []engine.Option{
			engine.WithRouter(rt),
			engine.WithKeyCache(cache),
			engine.WithTelemetry(provider),
			engine.WithLogger(logger.With("agent", name)),
		}
		if cfg.Deterministic {
			opts = append(opts, engine.WithDeterministic())
		}
		eng := engine.New(name, cfg.Tenant, cfg.Workspace, buildAdapter(name), st, evtBus, opts...)
		if err := eng.Recover(runCtx); err != nil {
			fmt.Fprintf(stderr, "Error: recover %s: %v\n", name, err)
			return 1
		}
		engines = append(engines, eng)
		if inproc != nil {
			inproc.Register(name, eng)
		}
	}

	consumers := make([]*natsbus.Consumer, 0, len(engines))
	if js != nil {
		for _, eng := range engines {
			cc := natsbus.ConsumerConfig{
				Filter:  bus.CommandFilter(eng.Tenant(), eng.Workspace(), eng.AgentID()),
				Durable: durableName(eng.Tenant(), eng.Workspace(), eng.AgentID()),
			}
			if prof != nil {
				cc.MaxDeliver = prof.Delivery.MaxDeliver
				cc.AckWait = prof.AckWait()
				cc.Backoff = prof.Backoff()
			}
			c := natsbus.NewConsumer(js, eng, cc)
			if err := c.Start(runCtx); err != nil {
				fmt.Fprintf(stderr, "Error: %v\n", err)
				return 1
			}
			consumers = append(consumers, c)
		}
	}

	gate, err := policy.NewGate()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if cfg.PolicyDir != "" {
		n, err := policy.LoadDir(gate, cfg.PolicyDir)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		logger.Info("policy bundles loaded", "dir", cfg.PolicyDir, "rules", n)
	}

	secret := cfg.JWTSecret
	if secret == "" {
		secret = randomSecret()
		logger.Warn("JWT_SECRET not set, using an ephemeral signing secret")
	}
	validator := auth.NewValidator(secret)
	if cfg.JWTSecret == "" {
		if token, err := validator.Sign(devClaims(cfg.Tenant)); err == nil {
			fmt.Fprintf(stdout, "Dev operator token (tenant %s, valid 24h):\n  %s\n", cfg.Tenant, token)
		}
	}

	rl := auth.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	defer rl.Stop()

	tracker := observability.NewSLOTracker()
	for _, target := range observability.DefaultTargets() {
		tracker.SetTarget(target)
	}
	timeline := observability.NewTimeline()

	gwOpts := []gateway.Option{
		gateway.WithValidator(validator),
		gateway.WithRateLimiter(rl),
		gateway.WithGate(gate),
		gateway.WithTimeline(timeline),
		gateway.WithSLOTracker(tracker),
		gateway.WithTelemetry(provider),
		gateway.WithVersion(version),
		gateway.WithLogger(logger.With("component", "gateway")),
	}
	if prof != nil && prof.Limits.PayloadMaxBytes > 0 {
		gwOpts = append(gwOpts, gateway.WithMaxBodyBytes(prof.Limits.PayloadMaxBytes))
	}
	srv := gateway.New(rt, evtBus, gwOpts...)
	for _, eng := range engines {
		srv.Register(eng)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				for _, eng := range engines {
					if err := eng.Tick(runCtx); err != nil {
						logger.Error("tick failed", "agent", eng.AgentID(), "error", err)
					}
				}
			}
		}
	}()

	httpSrv := gateway.NewHTTPServer(cfg.Addr, srv.Handler())
	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening",
			"addr", cfg.Addr,
			"tenant", cfg.Tenant,
			"workspace", cfg.Workspace,
			"agents", strings.Join(cfg.Agents, ","))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		fmt.Fprintf(stderr, "Error: server failed: %v\n", err)
		cancel()
		wg.Wait()
		return 1
	}

	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()
	if err := httpSrv.Shutdown(shCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	cancel()
	wg.Wait()
	for _, c := range consumers {
		select {
		case <-c.Done():
		case <-shCtx.Done():
		}
	}
	logger.Info("shutdown complete")
	return 0
}

func setupLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

func telemetryConfig(cfg *config.Config) *observability.Config {
	oc := observability.DefaultConfig()
	oc.ServiceVersion = version
	oc.Enabled = cfg.TelemetryEnabled
	oc.OTLPEndpoint = cfg.OTLPEndpoint
	return oc
}

func openStore(ctx context.Context, cfg *config.Config) (store.EventStore, error) {
	switch strings.ToLower(cfg.StoreBackend) {
	case "", "memory":
		return store.NewInMemoryStore(), nil
	case "sqlite":
		return store.OpenSQLite(ctx, cfg.SQLitePath)
	case "postgres":
		return store.OpenPostgres(ctx, cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
}

// buildAdapter maps an agent name to its adapter. Names without a
// built-in become CRUD managers for that object type, so
// MESHFORGE_AGENTS=counter,lock,note hosts a note store alongside the
// built-ins.
func buildAdapter(name string) adapter.Adapter {
	switch strings.ToLower(name) {
	case "counter":
		return agents.NewCounter()
	case "lock":
		return agents.NewLockManager()
	default:
		return agents.NewCRUD(name)
	}
}

func durableName(tenant, workspace, agent string) string {
	return fmt.Sprintf("mf-%s-%s-%s",
		bus.SanitizeToken(tenant),
		bus.SanitizeToken(workspace),
		bus.SanitizeToken(agent))
}

func devClaims(tenant string) auth.Claims {
	return auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "dev-operator",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
		},
		TenantID: tenant,
		Roles:    []string{"operator"},
	}
}

func randomSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
