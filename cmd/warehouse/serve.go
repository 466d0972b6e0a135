package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"isa-warehouse/internal/adapter/gateway"
	"isa-warehouse/internal/adapter/store"
	"isa-warehouse/internal/domain"
	"isa-warehouse/internal/infra/config"
	"isa-warehouse/internal/infra/logger"
	"isa-warehouse/internal/infra/middleware"
	"isa-warehouse/internal/infra/tracer"
	"isa-warehouse/internal/security"
	"isa-warehouse/internal/usecase"
	"isa-warehouse/internal/usecase/eventbus"
)

func runServe(args []string, stderr io.Writer) error {
	fs, cfgPath := newFlagSet("serve", stderr)
	addr := fs.String("addr", "", "listen address, overrides server.addr")
	if done, err := parseFlags(fs, args); done || err != nil {
		return err
	}

	// 1. Config
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	// 3. Application
	a, err := buildApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	log.Info("isa-warehouse starting",
		"addr", cfg.Server.Addr,
		"store", cfg.Store.Driver,
		"models", len(cfg.Models),
		"roles", len(a.core.resolver.Roles()),
		"tokens", len(cfg.Auth.Tokens),
		"audit", cfg.Audit.Enabled,
		"events", cfg.Server.EventsEnabled,
	)
	if len(cfg.Auth.Tokens) == 0 {
		log.Warn("no auth tokens configured; every API request will be rejected")
	}

	// 4. Serve until signalled
	return a.server.Start(ctx)
}

// core is the validated policy and model layer shared by every command.
type core struct {
	schemas    []domain.ModelSchema
	resources  []string
	resolver   *usecase.Resolver
	validators usecase.Validators
}

func initCore(cfg *config.Config) (*core, error) {
	schemas := cfg.ModelSchemas()
	validators, err := usecase.NewValidators(schemas)
	if err != nil {
		return nil, fmt.Errorf("models: %w", err)
	}
	resources := usecase.KnownResources(schemas)
	resolver, err := usecase.NewResolver(cfg.Rules(), resources)
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	return &core{schemas: schemas, resources: resources, resolver: resolver, validators: validators}, nil
}

// app holds the running components in shutdown order.
type app struct {
	core    *core
	server  *gateway.Server
	store   domain.RecordStore
	bus     *eventbus.Bus
	audit   func()
	records *usecase.RecordService
}

// close releases components after the server has stopped: the bus drains
// first so the audit recorder sees every event, then the audit log and store close.
func (a *app) close() {
	a.bus.Close()
	a.audit()
	a.store.Close()
}

func buildApp(cfg *config.Config, log *slog.Logger) (*app, error) {
	c, err := initCore(cfg)
	if err != nil {
		return nil, err
	}

	st, err := initStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	bus := eventbus.New(log)
	stopAudit, err := initAudit(cfg.Audit, bus, log)
	if err != nil {
		bus.Close()
		st.Close()
		return nil, fmt.Errorf("audit: %w", err)
	}

	authz := usecase.NewRBACAuthorizer(c.resolver, bus, log)
	records := usecase.NewRecordService(st, c.schemas, c.validators, authz, bus, log)

	return &app{
		core:    c,
		server:  initGateway(cfg.Server, cfg.Auth, c, records, bus, log),
		store:   st,
		bus:     bus,
		audit:   stopAudit,
		records: records,
	}, nil
}

func initStore(cfg config.StoreConfig) (domain.RecordStore, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
		st, err := store.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// initAudit wires the audit recorder and its retention schedule. The
// returned stop function is a no-op when audit is disabled.
func initAudit(cfg config.AuditConfig, bus domain.EventBus, log *slog.Logger) (func(), error) {
	if !cfg.Enabled {
		return func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	auditLog, err := security.NewFileAuditLogger(cfg.Path)
	if err != nil {
		return nil, err
	}
	maxSize, err := security.ParseRetentionMaxSize(cfg.MaxSize)
	if err != nil {
		auditLog.Close()
		return nil, fmt.Errorf("audit.max_size: %w", err)
	}
	auditLog.SetRetention(security.RetentionPolicy{MaxAge: cfg.MaxAge, MaxSize: maxSize})

	scheduler, err := security.NewRetentionScheduler(auditLog, cfg.CleanupSchedule, log)
	if err != nil {
		auditLog.Close()
		return nil, err
	}
	recorder := security.NewAuditRecorder(bus, security.NewComplianceAuditLogger(auditLog), log)
	scheduler.Start()

	return func() {
		scheduler.Stop()
		recorder.Stop()
		if err := auditLog.Close(); err != nil {
			log.Error("audit close failed", "error", err)
		}
	}, nil
}

func initGateway(
	cfg config.ServerConfig,
	authCfg config.AuthConfig,
	c *core,
	records *usecase.RecordService,
	bus domain.EventBus,
	log *slog.Logger,
) *gateway.Server {
	entries := make([]gateway.TokenEntry, len(authCfg.Tokens))
	for i, t := range authCfg.Tokens {
		entries[i] = gateway.TokenEntry{Token: t.Token, User: t.User, Roles: t.Roles}
	}
	auth := gateway.NewStaticTokenAuth(entries)

	var feed *gateway.Feed
	if cfg.EventsEnabled {
		feed = gateway.NewFeed(bus, c.resolver, auth, log)
	}

	opts := gateway.ServerOptions{
		Addr:            cfg.Addr,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}
	if cfg.RateLimit.Enabled {
		opts.RateLimit = &middleware.RateLimitConfig{
			RequestsPerMin: cfg.RateLimit.RequestsPerMin,
			BurstSize:      cfg.RateLimit.Burst,
			TrustedProxies: cfg.RateLimit.TrustedProxies,
		}
	}
	api := gateway.NewAPI(records, c.resolver, auth, c.resources, log)
	return gateway.NewServer(opts, api, feed, log)
}
