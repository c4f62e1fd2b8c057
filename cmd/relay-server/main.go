// Package main runs a Relay: the HTTP query surface, the propagation
// scheduler and, in inline mode, local task execution.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"gorm.io/gorm"

	"github.com/relaymesh/relay/pkg/access"
	"github.com/relaymesh/relay/pkg/audit"
	"github.com/relaymesh/relay/pkg/cache"
	"github.com/relaymesh/relay/pkg/db"
	"github.com/relaymesh/relay/pkg/dispatch"
	"github.com/relaymesh/relay/pkg/execute"
	"github.com/relaymesh/relay/pkg/ha"
	"github.com/relaymesh/relay/pkg/identity"
	"github.com/relaymesh/relay/pkg/mapping"
	"github.com/relaymesh/relay/pkg/peer"
	"github.com/relaymesh/relay/pkg/propagation"
	"github.com/relaymesh/relay/pkg/registry"
	"github.com/relaymesh/relay/pkg/relayconf"
	"github.com/relaymesh/relay/pkg/server"
	"github.com/relaymesh/relay/pkg/tasks"
)

func main() {
	flag.Parse()
	_ = flag.Set("logtostderr", "true")

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := relayconf.Load()
	if err != nil {
		glog.Fatalf("Failed to load config: %v", err)
	}
	logger.Info("starting relay server",
		"relay", cfg.Name,
		"listen", cfg.Listen,
		"mode", cfg.Dispatch.Mode,
		"tls", cfg.TLS.Enabled())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	gdb, err := db.Open(cfg.Database)
	if err != nil {
		glog.Fatalf("Failed to connect to database: %v", err)
	}
	var lock ha.MigrationLocker
	if cfg.HA.MigrationLockEnabled {
		lock = ha.NewMigrationLocker(gdb, cfg.HA.Identity)
	}
	if err := db.Migrate(ctx, gdb, lock, logger); err != nil {
		glog.Fatalf("Failed to migrate database: %v", err)
	}

	reg := registry.NewStore(gdb)
	taskStore := tasks.NewStore(gdb)
	if cfg.Bootstrap != "" {
		if err := bootstrap(ctx, reg, cfg.Bootstrap, logger); err != nil {
			glog.Fatalf("Failed to apply bootstrap config: %v", err)
		}
	}

	blobs, err := cfg.OpenResultStore()
	if err != nil {
		glog.Fatalf("Failed to open result store: %v", err)
	}
	engines := execute.NewRegistry(logger)
	defer engines.Close()
	executor := dispatch.NewExecutor(taskStore, reg, engines, blobs, cfg.Dispatch.ResultPrefix, logger)

	var local propagation.LocalExecutor = executor
	if cfg.Dispatch.Mode == dispatch.ModeAsync {
		broker, err := dispatch.NewBroker(ctx, cfg.Dispatch, logger)
		if err != nil {
			glog.Fatalf("Failed to connect to broker: %v", err)
		}
		defer broker.Close()
		dispatcher := dispatch.NewDispatcher(broker, taskStore, cfg.Dispatch, logger)
		go func() {
			if err := dispatcher.Listen(ctx); err != nil && ctx.Err() == nil {
				logger.Error("completion listener stopped", "error", err)
			}
		}()
		// An in-process broker has no external runners.
		if cfg.Dispatch.Broker == dispatch.BrokerMemory {
			go dispatch.NewWorkerPool(broker, executor, taskStore, cfg.Dispatch, logger).Run(ctx)
		}
		local = dispatcher
	}

	clientCert, err := loadClientCertificate(cfg.TLS)
	if err != nil {
		glog.Fatalf("Failed to load client certificate: %v", err)
	}
	peers := peer.NewClient(peer.ClientConfig{
		Certificate: clientCert,
		Timeout:     cfg.Propagation.RemoteTimeout,
		Logger:      logger,
	})

	scheduler, err := propagation.New(cfg.Propagation, propagation.Deps{
		Tasks:       taskStore,
		Resolver:    mapping.NewResolver(reg),
		Permissions: access.NewCompositor(reg),
		Local:       local,
		Peers:       peers,
		Logger:      logger,
	})
	if err != nil {
		glog.Fatalf("Failed to create scheduler: %v", err)
	}
	defer scheduler.Close()

	cacheManager := cache.NewCacheManager(cfg.Cache)
	resolver := identity.NewResolver(reg, cfg.Cache)
	auditStore := audit.NewStore(gdb)
	srv := server.New(server.Config{
		CertHeader:     cfg.ClientCertHeader,
		Operator:       cfg.Operator,
		AllowedOrigins: cfg.AllowedOrigins,
	}, server.Deps{
		DB:       gdb,
		Registry: reg,
		Tasks:    taskStore,
		Queries:  scheduler,
		Results:  blobs,
		Identity: resolver,
		Cache:    cacheManager,
		Audit:    auditStore,
		AuditCfg: cfg.Audit,
		OnApply: func() {
			resolver.Purge()
			engines.Reset()
		},
		Logger: logger,
	})
	router, err := srv.Routes()
	if err != nil {
		glog.Fatalf("Failed to build routes: %v", err)
	}

	go runMaintenance(ctx, cfg, gdb, taskStore, auditStore, logger)

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		var err error
		if cfg.TLS.Enabled() {
			httpServer.TLSConfig, err = serverTLS(cfg.TLS)
			if err != nil {
				glog.Fatalf("Failed to configure TLS: %v", err)
			}
			err = httpServer.ListenAndServeTLS(cfg.TLS.ServerCertFile, cfg.TLS.ServerKeyFile)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Fatalf("HTTP server error: %v", err)
		}
	}()
	logger.Info("relay server ready", "relay", cfg.Name, "listen", cfg.Listen)

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	logger.Info("relay server stopped")
}

// runMaintenance runs request and audit retention and stale task and
// request recovery on the elected replica.
func runMaintenance(ctx context.Context, cfg *relayconf.Config, gdb *gorm.DB, store *tasks.Store, auditStore *audit.Store, logger *slog.Logger) {
	elector := ha.NewLeaderElector(cfg.HA, gdb, cfg.HA.Identity, logger)
	elector.OnStartLeading(func(ctx context.Context) {
		go tasks.NewRetentionWorker(store, cfg.RetentionDays, logger).Run(ctx)
		if cfg.Audit.Enabled {
			go audit.NewRetentionWorker(auditStore, cfg.Audit.RetentionDays, logger).Run(ctx)
		}
		// A request outlives its ceiling only when its propagation died.
		requestTimeout := max(cfg.Dispatch.ClaimTimeout, 2*cfg.Propagation.Ceiling)
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := store.FailStaleTasks(ctx, cfg.Dispatch.ClaimTimeout)
				if err != nil {
					logger.Error("stale task recovery failed", "error", err)
				} else if n > 0 {
					logger.Warn("failed stale tasks", "count", n)
				}
				n, err = store.FailStaleRequests(ctx, requestTimeout)
				if err != nil {
					logger.Error("stale request recovery failed", "error", err)
				} else if n > 0 {
					logger.Warn("failed stale requests", "count", n)
				}
			}
		}
	})
	if err := elector.Run(ctx); err != nil {
		logger.Error("leader election stopped", "error", err)
	}
}

func bootstrap(ctx context.Context, reg *registry.Store, path string, logger *slog.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	doc, err := registry.ParseDocument(data)
	if err != nil {
		return err
	}
	res, err := reg.Apply(ctx, doc)
	if err != nil {
		return err
	}
	logger.Info("bootstrap config applied", "path", path, "entities", res.Entities, "dataSources", res.DataSources, "peerRelays", res.PeerRelays)
	return nil
}

// serverTLS requests client certificates. Identities are pinned by
// fingerprint; a CA bundle, when configured, additionally verifies chains.
func serverTLS(t relayconf.TLSConfig) (*tls.Config, error) {
	c := &tls.Config{ClientAuth: tls.RequestClientCert, MinVersion: tls.VersionTLS12}
	if t.CACertFile == "" {
		return c, nil
	}
	pemData, err := os.ReadFile(t.CACertFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, fmt.Errorf("no certificates found in %s", t.CACertFile)
	}
	c.ClientCAs = pool
	c.ClientAuth = tls.VerifyClientCertIfGiven
	return c, nil
}

func loadClientCertificate(t relayconf.TLSConfig) (*tls.Certificate, error) {
	certFile, keyFile := t.ClientCertFile, t.ClientKeyFile
	if certFile == "" {
		certFile, keyFile = t.ServerCertFile, t.ServerKeyFile
	}
	if certFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return &cert, nil
}
