package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/slipway-dev/slipway/internal/api"
	"github.com/slipway-dev/slipway/internal/certs"
	"github.com/slipway-dev/slipway/internal/clock"
	"github.com/slipway-dev/slipway/internal/config"
	"github.com/slipway-dev/slipway/internal/docker"
	"github.com/slipway-dev/slipway/internal/events"
	"github.com/slipway-dev/slipway/internal/journal"
	"github.com/slipway-dev/slipway/internal/logging"
	"github.com/slipway-dev/slipway/internal/project"
	"github.com/slipway-dev/slipway/internal/proxy"
	"github.com/slipway-dev/slipway/internal/store"
	"github.com/slipway-dev/slipway/internal/worker"
)

var version = "dev"

const shutdownGrace = 20 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON, cfg.LogLevel)
	log.Info("slipwayd starting", "version", version, "proxy_fqdn", cfg.ProxyFQDN)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	client, err := docker.NewClient(cfg.DockerHost, nil)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer client.Close()
	if err := client.Ping(ctx); err != nil {
		log.Warn("docker daemon not reachable yet", "error", err)
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if cfg.AdminKey != "" {
		adminName, err := project.ParseAccountName(cfg.AdminName)
		if err != nil {
			log.Error("invalid admin account name", "error", err)
			os.Exit(1)
		}
		if err := db.EnsureSuperUser(ctx, adminName, api.HashKey(cfg.AdminKey), time.Now()); err != nil {
			log.Error("failed to provision admin account", "error", err)
			os.Exit(1)
		}
		log.Info("admin account provisioned", "account", adminName)
	}

	jn, err := journal.Open(cfg.JournalPath)
	if err != nil {
		log.Error("failed to open task journal", "error", err)
		os.Exit(1)
	}
	defer jn.Close()

	clk := clock.Real{}
	bus := events.New()
	settings := docker.Settings{
		Image:           cfg.Image,
		Prefix:          cfg.Prefix,
		NetworkName:     cfg.NetworkName,
		ProvisionerHost: cfg.ProvisionerHost,
		FQDN:            cfg.ProxyFQDN,
	}
	env := project.Env{
		Driver:   client,
		Settings: settings,
		Clock:    clk,
		Prober:   project.NewHTTPProber(project.HealthTimeout),
		Log:      log.Named("driver"),
	}

	wrk := worker.New(env, db, jn, bus, log, cfg.WorkerShards)
	if err := wrk.Resume(ctx); err != nil {
		log.Error("failed to resume pending work", "error", err)
		os.Exit(1)
	}
	sweeps := wrk.StartSweeps()
	defer func() { <-sweeps.Stop().Done() }()

	// TLS termination and ACME are only wired when TLS is on.
	var (
		certManager *certs.Manager
		certCache   *certs.Cache
		challenges  proxy.ChallengeStore
		certIssuer  api.CertIssuer
	)
	if cfg.UseTLS {
		fallback, err := certs.SelfSigned(cfg.ProxyFQDN, 10*365*24*time.Hour)
		if err != nil {
			log.Error("failed to generate fallback certificate", "error", err)
			os.Exit(1)
		}
		certCache = certs.NewCache(fallback)
		certManager = certs.NewManager(cfg.AcmeEmail, cfg.AcmeDirectory, db, certCache, clk, log)
		if err := certManager.WarmCache(ctx); err != nil {
			log.Error("failed to warm certificate cache", "error", err)
			os.Exit(1)
		}
		renewals := certManager.StartRenewalJob()
		defer func() { <-renewals.Stop().Done() }()
		challenges = certManager.Provider()
		certIssuer = certManager
	}

	apiServer := api.NewServer(api.Dependencies{
		Projects: db,
		Accounts: db,
		Domains:  db,
		Tasks:    wrk,
		Certs:    certIssuer,
		Clock:    clk,
		Log:      log.Named("api"),
	})
	userHandler := proxy.NewHandler(db, wrk, bus, challenges, cfg.ProxyFQDN, clk, log)

	control := &http.Server{Addr: cfg.ControlAddr, Handler: apiServer}
	user := &http.Server{Addr: cfg.UserAddr, Handler: userHandler}
	if cfg.UseTLS {
		user.TLSConfig = &tls.Config{
			GetCertificate: certCache.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return wrk.Run(gctx) })
	g.Go(func() error { return serve(control, false, log.Named("control")) })
	g.Go(func() error { return serve(user, cfg.UseTLS, log.Named("user")) })

	var bouncer *http.Server
	if cfg.UseTLS {
		bouncer = &http.Server{
			Addr:    cfg.BouncerAddr,
			Handler: proxy.NewBouncer(challenges, log),
		}
		g.Go(func() error { return serve(bouncer, false, log.Named("bouncer")) })
	}

	g.Go(func() error {
		<-gctx.Done()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer shutCancel()
		_ = control.Shutdown(shutCtx)
		_ = user.Shutdown(shutCtx)
		if bouncer != nil {
			_ = bouncer.Shutdown(shutCtx)
		}
		return nil
	})

	log.Info("slipwayd started",
		"control", cfg.ControlAddr, "user", cfg.UserAddr, "tls", cfg.UseTLS)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("slipwayd exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("slipwayd shutdown complete")
}

// serve runs an HTTP server until Shutdown, treating the server-closed
// sentinel as a clean exit.
func serve(srv *http.Server, useTLS bool, log *logging.Logger) error {
	log.Info("listening", "addr", srv.Addr, "tls", useTLS)
	var err error
	if useTLS {
		err = srv.ListenAndServeTLS("", "")
	} else {
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
