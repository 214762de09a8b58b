// Package keycloak keeps the site's local accounts in a Keycloak realm.
package keycloak

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Nerzal/gocloak/v13"
	"go.uber.org/zap"

	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/config"
	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/metrics"
)

// tokenExpiryBuffer is subtracted from the service-account token lifetime.
const tokenExpiryBuffer = 30 * time.Second

// Client is the local account store. It logs in with the service account
// of KEYCLOAK_CLIENT_ID and renews the token before it expires.
type Client struct {
	gc     *gocloak.GoCloak
	cfg    *config.Config
	logger *zap.Logger

	mu          sync.Mutex
	token       *gocloak.JWT
	tokenExpiry time.Time

	siteGroupMu sync.Mutex
	siteGroupID string
}

// NewClient logs in and checks that the role given to provisioned members
// exists in the realm.
func NewClient(cfg *config.Config, logger *zap.Logger) (*Client, error) {
	c := &Client{
		gc:     gocloak.NewClient(cfg.KeycloakURL),
		cfg:    cfg,
		logger: logger.Named("keycloak"),
	}

	ctx := context.Background()
	token, err := c.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("initial keycloak login: %w", err)
	}

	if _, err := c.gc.GetRealmRole(ctx, token, cfg.KeycloakRealm, cfg.MemberRole); err != nil {
		metrics.KeycloakErrorsTotal.WithLabelValues("get_realm_role").Inc()
		return nil, fmt.Errorf("member role %q in realm %s: %w", cfg.MemberRole, cfg.KeycloakRealm, err)
	}

	return c, nil
}

// Token returns a valid access token, logging in again when the current one
// is about to expire.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != nil && time.Now().Before(c.tokenExpiry) {
		return c.token.AccessToken, nil
	}

	token, err := c.gc.LoginClient(ctx, c.cfg.KeycloakClientID, c.cfg.KeycloakClientSecret, c.cfg.KeycloakRealm)
	if err != nil {
		metrics.KeycloakErrorsTotal.WithLabelValues("login").Inc()
		return "", fmt.Errorf("keycloak client login: %w", err)
	}
	metrics.KeycloakRequestsTotal.WithLabelValues("login", "success").Inc()

	c.token = token
	c.tokenExpiry = time.Now().Add(time.Duration(token.ExpiresIn)*time.Second - tokenExpiryBuffer)

	c.logger.Debug("service account token refreshed",
		zap.String("realm", c.cfg.KeycloakRealm),
		zap.Time("expires", c.tokenExpiry),
	)
	return token.AccessToken, nil
}

// Healthy checks connectivity by fetching realm info.
func (c *Client) Healthy(ctx context.Context) error {
	token, err := c.Token(ctx)
	if err != nil {
		return fmt.Errorf("get token: %w", err)
	}

	if _, err := c.gc.GetRealm(ctx, token, c.cfg.KeycloakRealm); err != nil {
		metrics.KeycloakErrorsTotal.WithLabelValues("health_check").Inc()
		return fmt.Errorf("get realm: %w", err)
	}

	metrics.KeycloakRequestsTotal.WithLabelValues("health_check", "success").Inc()
	return nil
}
