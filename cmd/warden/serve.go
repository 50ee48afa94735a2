package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wardenhq/warden/pkg/api"
	"github.com/wardenhq/warden/pkg/archive"
	"github.com/wardenhq/warden/pkg/audit"
	"github.com/wardenhq/warden/pkg/auth"
	"github.com/wardenhq/warden/pkg/breakglass"
	"github.com/wardenhq/warden/pkg/compliance"
	"github.com/wardenhq/warden/pkg/config"
	"github.com/wardenhq/warden/pkg/egress"
	"github.com/wardenhq/warden/pkg/kms"
	"github.com/wardenhq/warden/pkg/observability"
	"github.com/wardenhq/warden/pkg/pack"
	"github.com/wardenhq/warden/pkg/planner"
	"github.com/wardenhq/warden/pkg/ratelimit"
	"github.com/wardenhq/warden/pkg/runner"
	"github.com/wardenhq/warden/pkg/store"
	"github.com/wardenhq/warden/pkg/tenants"
)

func runServe(stderr io.Writer) int {
	cfg := config.Load()
	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mode := compliance.NewMode(compliance.ParseLevel(cfg.ComplianceLevel), log)
	if cfg.ProfileDir != "" {
		if err := mode.LoadOverlay(cfg.ProfileDir); err != nil {
			log.Error("load compliance overlay", "error", err)
			return 2
		}
	}
	if err := mode.ValidateStartup(); err != nil {
		log.Error("startup validation failed", "error", err)
		return 2
	}

	provider, err := kms.NewLocalProvider(cfg.KeystorePath)
	if err != nil {
		log.Error("open keystore", "error", err)
		return 2
	}
	signer := kms.NewManager(provider)

	auditStore, err := audit.NewStore(audit.Options{
		Dir:          cfg.AuditDir,
		MaxFileBytes: cfg.AuditMaxBytes,
	}, mode, signer, log)
	if err != nil {
		log.Error("open audit ledger", "error", err)
		return 2
	}
	defer auditStore.Close()

	if cfg.ArchiveBucket != "" {
		arch, err := archive.NewS3Archive(ctx, archive.S3Config{
			Bucket:   cfg.ArchiveBucket,
			Endpoint: cfg.ArchiveEndpoint,
			Prefix:   "audit/",
		})
		if err != nil {
			log.Error("configure audit archive", "error", err)
			return 2
		}
		auditStore.WithArchiver(arch)
	}
	auditStore.StartRetentionSweep(time.Hour)

	rec := audit.NewRecorder(auditStore)

	db, err := openStore(cfg)
	if err != nil {
		log.Error("open store", "error", err)
		return 2
	}

	pl, err := planner.New()
	if err != nil {
		log.Error("init planner", "error", err)
		return 2
	}

	var limitStore ratelimit.Store
	if cfg.RedisAddr != "" {
		limitStore = ratelimit.NewRedisStore(cfg.RedisAddr, "", 0)
	} else {
		mem := ratelimit.NewMemoryStore()
		mem.StartSweep(5*time.Minute, time.Hour)
		defer mem.StopSweep()
		limitStore = mem
	}
	limiter := ratelimit.New(limitStore, mode, rec, cfg.RateLimit, cfg.RateWindow,
		ratelimit.WithLogger(log))

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "warden",
		Environment:  cfg.ComplianceLevel,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   1.0,
		Enabled:      cfg.OTLPEndpoint != "",
		Insecure:     mode.Level() == compliance.LevelDevelopment,
	})
	if err != nil {
		log.Error("init observability", "error", err)
		return 2
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutCtx)
	}()

	glass := breakglass.NewManager(mode, rec, nil, breakglass.WithLogger(log))
	glass.StartSweep(time.Minute)
	defer glass.StopSweep()

	var executor runner.Executor
	if cfg.ExecutorURL != "" {
		executor = runner.NewRemoteExecutor(cfg.ExecutorURL, nil)
	} else {
		log.Warn("no executor configured; execution requests will fail")
		executor = unavailableExecutor{}
	}

	srv := api.NewServer(api.Deps{
		Mode:    mode,
		Packs:   pack.NewFSRegistry(cfg.PackDir),
		Planner: pl,
		Store:   db,
		Audit:   auditStore,
		Egress: egress.New(mode, egress.Policy{
			AllowedDomains:    cfg.EgressAllowed,
			BlockedDomains:    cfg.EgressBlocked,
			RequestsPerMinute: cfg.EgressPerMinute,
		}, rec, egress.WithLogger(log)),
		Glass:   glass,
		Limiter: limiter,
		PreAuth: ratelimit.NewPreAuth(limitStore, mode, rec, ratelimit.DefaultPreAuthCaps, 0,
			ratelimit.WithPreAuthLogger(log)),
		Issuer:   auth.NewIssuer(provider, cfg.TokenIssuer, cfg.TokenTTL),
		Tenants:  tenants.NewRegistry(),
		Guard:    tenants.NewGuard(mode, rec),
		Runs:     runner.NewManager(),
		Broker:   runner.NewGateBroker(),
		Executor: executor,
		Obs:      obs,
		Logger:   log,

		TrustedProxies: cfg.TrustedProxies,
	})

	validator := auth.NewValidator(provider, cfg.TokenIssuer)
	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(validator),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Addr, "compliance", mode.Level())
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			return 2
		}
	case <-ctx.Done():
		log.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutCtx); err != nil {
			log.Error("shutdown", "error", err)
			return 2
		}
	}
	return 0
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.DatabaseURL != "" {
		return store.OpenPostgres(cfg.DatabaseURL)
	}
	return store.OpenSQLite(cfg.SQLitePath)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// unavailableExecutor fails every step. Planning, approval, gating and
// audit all work without an action backend; execution does not.
type unavailableExecutor struct{}

func (unavailableExecutor) Execute(context.Context, pack.Step) (*runner.Observation, error) {
	return nil, errors.New("no action executor configured")
}
