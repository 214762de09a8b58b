package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/config"
	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/handler"
	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/metrics"
)

const (
	gaugeInterval = 5 * time.Minute

	// Listing reconciles every member against two remote hosts.
	writeTimeout = 2 * time.Minute
)

// GroupCounter reports how many group codes are stored.
type GroupCounter interface {
	Count(ctx context.Context) (int, error)
}

// AccountCounter reports how many local accounts exist.
type AccountCounter interface {
	CountAccounts(ctx context.Context) (int, error)
}

// Server encapsulates the HTTP server and its dependencies.
type Server struct {
	httpServer *http.Server
	groups     GroupCounter
	accounts   AccountCounter
	logger     *zap.Logger
	ctx        context.Context
	cancelFunc context.CancelFunc
}

// New creates and configures a new Server.
func New(cfg *config.Config, h *handler.Handler, groups GroupCounter, accounts AccountCounter, logger *zap.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	router := NewRouter(ctx, cfg, h, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	return &Server{
		httpServer: srv,
		groups:     groups,
		accounts:   accounts,
		logger:     logger,
		ctx:        ctx,
		cancelFunc: cancel,
	}
}

// Start begins listening and starts the periodic metrics collector.
func (s *Server) Start() error {
	go s.collectGaugeMetrics(s.ctx)

	s.logger.Info("starting group-sync server",
		zap.String("addr", s.httpServer.Addr),
	)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.cancelFunc()
	return s.httpServer.Shutdown(ctx)
}

// collectGaugeMetrics periodically refreshes the tracked-group and
// local-account gauges.
func (s *Server) collectGaugeMetrics(ctx context.Context) {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()

	// Collect once immediately at startup.
	s.updateGauges(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("stopping gauge metrics collector")
			return
		case <-ticker.C:
			s.updateGauges(ctx)
		}
	}
}

func (s *Server) updateGauges(ctx context.Context) {
	groups, err := s.groups.Count(ctx)
	if err != nil {
		s.logger.Warn("failed to count stored groups for metrics", zap.Error(err))
	} else {
		metrics.TrackedGroupsTotal.Set(float64(groups))
	}

	accounts, err := s.accounts.CountAccounts(ctx)
	if err != nil {
		s.logger.Warn("failed to count accounts for metrics", zap.Error(err))
	} else {
		metrics.LocalAccountsTotal.Set(float64(accounts))
	}

	s.logger.Debug("gauge metrics updated",
		zap.Int("tracked_groups", groups),
		zap.Int("local_accounts", accounts),
	)
}
