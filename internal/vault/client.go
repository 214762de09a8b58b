// Package vault persists group codes in a Vault KV v2 secret.
package vault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	vaultapi "github.com/hashicorp/vault/api"
	"go.uber.org/zap"

	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/config"
	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/metrics"
)

const (
	serviceAccountTokenPath = "/var/run/secrets/kubernetes.io/serviceaccount/token" //nolint:gosec // file path, not a credential
	kubernetesLoginPath     = "auth/kubernetes/login"
	leaseRenewMargin        = 60 * time.Second
	requestTimeout          = 30 * time.Second
)

// Client is a Vault API client that keeps a valid token. With VAULT_TOKEN
// set the token is used as-is; otherwise the pod's service account logs in
// through the Kubernetes auth method and logs in again before the lease
// runs out.
type Client struct {
	api    *vaultapi.Client
	role   string
	static bool
	logger *zap.Logger

	mu        sync.Mutex
	leaseEnds time.Time
}

// NewClient creates a Vault client and obtains its first token.
func NewClient(cfg *config.Config, logger *zap.Logger) (*Client, error) {
	api, err := newAPIClient(cfg)
	if err != nil {
		return nil, err
	}

	c := &Client{
		api:    api,
		role:   cfg.VaultAuthRole,
		logger: logger.Named("vault"),
	}

	if cfg.VaultToken != "" {
		api.SetToken(cfg.VaultToken)
		c.static = true
		c.logger.Info("using static vault token")
		return c, nil
	}

	if err := c.ensureToken(context.Background()); err != nil {
		return nil, fmt.Errorf("initial vault login: %w", err)
	}
	return c, nil
}

func newAPIClient(cfg *config.Config) (*vaultapi.Client, error) {
	apiCfg := vaultapi.DefaultConfig()
	apiCfg.Address = cfg.VaultAddr
	apiCfg.Timeout = requestTimeout

	// A missing CA file falls back to the system roots.
	if cfg.VaultRootCAPath != "" {
		if _, err := os.Stat(cfg.VaultRootCAPath); err == nil {
			if err := apiCfg.ConfigureTLS(&vaultapi.TLSConfig{CACert: cfg.VaultRootCAPath}); err != nil {
				return nil, fmt.Errorf("configure vault TLS: %w", err)
			}
		}
	}

	api, err := vaultapi.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	return api, nil
}

// ensureToken logs in when there is no token or its lease is about to end.
func (c *Client) ensureToken(ctx context.Context) error {
	if c.static {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Now().Before(c.leaseEnds) {
		return nil
	}

	lease, err := c.login(ctx)
	observe("login", err)
	if err != nil {
		return err
	}

	c.leaseEnds = time.Now().Add(lease - leaseRenewMargin)
	c.logger.Info("vault token acquired",
		zap.String("role", c.role),
		zap.Duration("lease", lease),
	)
	return nil
}

// login performs a Kubernetes auth login and installs the returned token.
func (c *Client) login(ctx context.Context) (time.Duration, error) {
	jwt, err := os.ReadFile(serviceAccountTokenPath)
	if err != nil {
		return 0, fmt.Errorf("read service account token: %w", err)
	}

	secret, err := c.api.Logical().WriteWithContext(ctx, kubernetesLoginPath, map[string]interface{}{
		"role": c.role,
		"jwt":  string(jwt),
	})
	if err != nil {
		return 0, fmt.Errorf("vault kubernetes login: %w", err)
	}
	if secret == nil || secret.Auth == nil {
		return 0, errors.New("vault kubernetes login returned no auth")
	}

	c.api.SetToken(secret.Auth.ClientToken)
	return time.Duration(secret.Auth.LeaseDuration) * time.Second, nil
}

// KVv2 returns the KV version 2 client for mount.
func (c *Client) KVv2(ctx context.Context, mount string) (*vaultapi.KVv2, error) {
	if err := c.ensureToken(ctx); err != nil {
		return nil, err
	}
	return c.api.KVv2(mount), nil
}

// Healthy looks up the current token.
func (c *Client) Healthy(ctx context.Context) error {
	if err := c.ensureToken(ctx); err != nil {
		return fmt.Errorf("vault login: %w", err)
	}

	secret, err := c.api.Auth().Token().LookupSelfWithContext(ctx)
	if err == nil && secret == nil {
		err = errors.New("token lookup returned nothing")
	}
	observe("health_check", err)
	if err != nil {
		return fmt.Errorf("vault token lookup: %w", err)
	}
	return nil
}

func observe(op string, err error) {
	if err != nil {
		metrics.VaultErrorsTotal.WithLabelValues(op).Inc()
		return
	}
	metrics.VaultRequestsTotal.WithLabelValues(op, "success").Inc()
}
