// Package server assembles the provisioning service from configuration and
// runs it: HTTP API, background renewal, and recovery of interrupted runs.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"subdomaind/db"
	"subdomaind/internal/ca"
	"subdomaind/internal/certstore"
	"subdomaind/internal/config"
	"subdomaind/internal/database"
	"subdomaind/internal/dns"
	"subdomaind/internal/handler"
	"subdomaind/internal/lock"
	"subdomaind/internal/orchestrator"
	"subdomaind/internal/provider"
	"subdomaind/internal/registry"
	"subdomaind/internal/renewal"
	"subdomaind/internal/verify"
)

// App is a fully wired service. Close releases its connections.
type App struct {
	Config       *config.Config
	Log          *zap.Logger
	Store        registry.Store
	Providers    *provider.Set
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *renewal.Scheduler

	checks  map[string]handler.Check
	closers []func() error
}

// Build connects every configured backend and adapter.
func Build(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	app := &App{Config: cfg, Log: log, checks: make(map[string]handler.Check)}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	store, err := app.openRegistry()
	if err != nil {
		return nil, err
	}
	app.Store = store

	locker, err := app.openLocker()
	if err != nil {
		return nil, err
	}

	certs, err := certstore.New(ctx, cfg.CertStore)
	if err != nil {
		return nil, fmt.Errorf("failed to open certificate store: %w", err)
	}

	set, err := buildProviders(ctx, cfg, certs, log)
	if err != nil {
		return nil, err
	}
	app.Providers = set

	dnsCheck := verify.NewDNSVerifier(cfg.RootDomain, cfg.Provisioning.Resolvers, verify.DNSPolicy(cfg.Provisioning))
	certCheck := verify.NewCertVerifier(verify.CertPolicy(cfg.Provisioning))

	app.Orchestrator = orchestrator.New(store, set, dnsCheck, certCheck, locker,
		log.Named("orchestrator"), orchestrator.OptionsFromConfig(cfg))
	app.Scheduler = renewal.NewScheduler(store, app.Orchestrator, cfg.Renewal, log.Named("renewal"))

	ok = true
	return app, nil
}

func (a *App) openRegistry() (registry.Store, error) {
	if a.Config.Database.Driver == "memory" {
		a.Log.Warn("using in-memory registry; records are lost on restart")
		return registry.NewMemory(), nil
	}
	pg, err := database.Open(a.Config.Database.DSN, db.MigrationsFS())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a.closers = append(a.closers, pg.Close)
	a.checks["database"] = pg.Ping
	return pg, nil
}

func (a *App) openLocker() (lock.Locker, error) {
	if !a.Config.Redis.Enabled {
		return lock.NewMemory(), nil
	}
	locker, client, err := lock.NewRedis(a.Config.Redis, a.Log.Named("lock"))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, client.Close)
	a.checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	a.Log.Info("using redis record locks", zap.String("addr", a.Config.Redis.Addr))
	return locker, nil
}

// buildProviders registers every adapter with enough configuration to run.
func buildProviders(ctx context.Context, cfg *config.Config, certs certstore.Store, log *zap.Logger) (*provider.Set, error) {
	pc := cfg.Providers
	set := provider.NewSet(pc.DNSProvider, pc.SSLProvider)

	if pc.Route53.HostedZoneID != "" {
		r53, err := dns.NewRoute53Provider(ctx, pc.Route53, cfg.RootDomain)
		if err != nil {
			return nil, fmt.Errorf("failed to init route53 provider: %w", err)
		}
		set.AddDNS(r53)
	}
	if pc.Cloudflare.ZoneID != "" && pc.Cloudflare.APIToken != "" {
		set.AddDNS(dns.NewCloudflareProvider(pc.Cloudflare, cfg.RootDomain))
	}

	if pc.ACME.Email != "" {
		var challengeDNS provider.ChallengeDNS
		if pc.ACME.Challenge == "dns-01" {
			p, err := set.DNS(pc.ACME.DNSProvider)
			if err != nil {
				return nil, fmt.Errorf("acme dns-01: %w", err)
			}
			cd, ok := p.(provider.ChallengeDNS)
			if !ok {
				return nil, fmt.Errorf("acme dns-01: provider %q cannot publish TXT records", p.Name())
			}
			challengeDNS = cd
		}
		acme, err := ca.NewACME(pc.ACME, cfg.RootDomain, certs, challengeDNS, log.Named("acme"))
		if err != nil {
			return nil, fmt.Errorf("failed to init acme provider: %w", err)
		}
		set.AddCA(acme)
	}
	if pc.Manual.Enabled {
		set.AddCA(ca.NewManual(cfg.RootDomain, certs))
	}

	if _, err := set.DNS(""); err != nil {
		return nil, fmt.Errorf("default %w (configured: %v)", err, set.DNSNames())
	}
	if _, err := set.CA(""); err != nil {
		return nil, fmt.Errorf("default %w (configured: %v)", err, set.CANames())
	}
	log.Info("providers ready",
		zap.Strings("dns", set.DNSNames()),
		zap.Strings("ssl", set.CANames()),
	)
	return set, nil
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	handler.NewSubdomainHandler(a.Orchestrator, a.Log.Named("http")).Register(mux)
	handler.NewHealthHandler(a.checks, a.Log.Named("health")).Register(mux)
	return mux
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Run serves the API, resumes interrupted provisioning and runs the renewal
// scheduler until ctx is cancelled, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", a.Config.Server.Host, a.Config.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	n, err := a.Orchestrator.ResumeAll(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		a.Log.Info("resumed interrupted provisioning", zap.Int("records", n))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Log.Info("subdomaind listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(a.Scheduler.Run(gctx))
	g.Go(func() error {
		<-gctx.Done()
		timeout := a.Config.Renewal.ShutdownTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		a.Log.Info("shutting down")
		err := srv.Shutdown(shutdownCtx)
		if oerr := a.Orchestrator.Shutdown(shutdownCtx); oerr != nil {
			a.Log.Warn("provisioning runs did not stop in time", zap.Error(oerr))
		}
		return err
	})
	return g.Wait()
}

// Start builds the service from cfg and runs it until ctx is cancelled.
func Start(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	app, err := Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.Close()
	return app.Run(ctx)
}
