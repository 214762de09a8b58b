package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/config"
	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/directory"
	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/groups"
	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/handler"
	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/keycloak"
	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/middleware"
	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/reconcile"
	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/remote"
	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/server"
	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/store"
	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/vault"
)

func main() {
	// Initialize structured JSON logger.
	logCfg := zap.NewProductionConfig()
	logCfg.EncoderConfig.TimeKey = "timestamp"
	logCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logCfg.EncoderConfig.StacktraceKey = "stacktrace"

	logger, err := logCfg.Build()
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting group-sync")

	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	logger.Info("configuration loaded",
		zap.String("port", cfg.Port),
		zap.String("keycloak_url", cfg.KeycloakURL),
		zap.String("keycloak_realm", cfg.KeycloakRealm),
		zap.String("token_store", cfg.TokenStore),
		zap.String("site_url", cfg.SiteURL),
		zap.String("directory_url", cfg.DirectoryURL),
		zap.String("group_endpoint", cfg.GroupEndpoint),
		zap.String("group_endpoint_mode", cfg.GroupEndpointMode),
		zap.Strings("admin_groups", cfg.AdminGroups),
	)

	if cfg.RemoteInsecureSkipVerify {
		logger.Warn("certificate verification is disabled for group host and directory calls")
	}

	// Initialize Keycloak client.
	kc, err := keycloak.NewClient(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize keycloak client", zap.Error(err))
	}
	logger.Info("keycloak client initialized")

	checks := map[string]handler.HealthChecker{"keycloak": kc}

	// Token store.
	var tokens store.Store
	switch cfg.TokenStore {
	case config.StoreMemory:
		logger.Warn("using in-memory token store, accepted groups are lost on restart")
		tokens = store.NewMemory()
	default:
		vc, err := vault.NewClient(cfg, logger)
		if err != nil {
			logger.Fatal("failed to initialize vault client", zap.Error(err))
		}
		tokens, err = vault.NewTokenStore(vc, cfg.VaultKVMount, cfg.VaultKVPath)
		if err != nil {
			logger.Fatal("invalid vault token store path", zap.Error(err))
		}
		checks["vault"] = vc
		logger.Info("vault token store initialized",
			zap.String("mount", cfg.VaultKVMount),
			zap.String("path", cfg.VaultKVPath),
		)
	}

	// Group host and login server clients.
	mode, err := remote.ParseEndpointMode(cfg.GroupEndpointMode)
	if err != nil {
		logger.Fatal("invalid group endpoint mode", zap.Error(err))
	}
	rc := remote.NewClient(remote.Options{
		Endpoint:           cfg.GroupEndpoint,
		Mode:               mode,
		InsecureSkipVerify: cfg.RemoteInsecureSkipVerify,
		Timeout:            cfg.RemoteTimeout,
	}, logger)
	dir := directory.NewClient(rc, cfg.DirectoryURL, logger)

	site := groups.StaticSite{
		SiteURL:     cfg.SiteURL,
		FeedURL:     cfg.SiteFeedURL,
		CommentsURL: cfg.SiteCommentsURL,
		Name:        cfg.SiteName,
	}
	gs := groups.NewService(tokens, rc, middleware.ClaimsIdentity{}, site, logger)
	members := reconcile.New(kc, dir, cfg.MemberRole, logger)

	if cfg.FormNonceSecret == "" {
		logger.Warn("FORM_NONCE_SECRET not set, form nonces will not survive a restart or span replicas")
	}
	guard, err := middleware.NewFormGuard([]byte(cfg.FormNonceSecret), cfg.FormNonceTTL)
	if err != nil {
		logger.Fatal("failed to initialize form guard", zap.Error(err))
	}

	// Create handlers.
	h := handler.NewHandler(gs, members, guard, checks, logger)

	// Create and start the server.
	srv := server.New(cfg, h, gs, kc, logger)

	// Graceful shutdown handling.
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for shutdown signal.
	sig := <-shutdownCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	// Give outstanding requests up to 30 seconds to complete.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	logger.Info("group-sync stopped")
}
