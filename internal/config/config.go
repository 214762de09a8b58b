package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Token store backends.
const (
	StoreVault  = "vault"
	StoreMemory = "memory"
)

// Config holds all configuration for the group-sync service.
type Config struct {
	Port                 string   `json:"port"`
	OIDCIssuerURL        string   `json:"oidcIssuerUrl"`
	OIDCClientID         string   `json:"oidcClientId"`
	KeycloakURL          string   `json:"-"`
	KeycloakRealm        string   `json:"keycloakRealm"`
	KeycloakClientID     string   `json:"-"`
	KeycloakClientSecret string   `json:"-"`
	TokenStore           string   `json:"tokenStore"`
	VaultAddr            string   `json:"-"`
	VaultToken           string   `json:"-"`
	VaultAuthRole        string   `json:"-"`
	VaultRootCAPath      string   `json:"-"`
	VaultKVMount         string   `json:"-"`
	VaultKVPath          string   `json:"-"`
	Domain               string   `json:"domain"`
	AdminGroups          []string `json:"-"`
	CORSOrigin           string   `json:"-"`

	// Group host protocol.
	GroupEndpoint            string        `json:"groupEndpoint"`
	GroupEndpointMode        string        `json:"groupEndpointMode"`
	RemoteInsecureSkipVerify bool          `json:"remoteInsecureSkipVerify"`
	RemoteTimeout            time.Duration `json:"remoteTimeout"`
	DirectoryURL             string        `json:"-"`

	// This site, as announced to the group host.
	SiteURL         string `json:"siteUrl"`
	SiteFeedURL     string `json:"siteFeedUrl"`
	SiteCommentsURL string `json:"siteCommentsUrl"`
	SiteName        string `json:"siteName"`
	MemberRole      string `json:"memberRole"`
	SiteGroup       string `json:"siteGroup"`

	FormNonceSecret string        `json:"-"`
	FormNonceTTL    time.Duration `json:"-"`
}

// Load reads configuration from environment variables, applying defaults
// where appropriate, and validates that all required values are present.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                 envOrDefault("PORT", "8080"),
		OIDCIssuerURL:        os.Getenv("OIDC_ISSUER_URL"),
		OIDCClientID:         os.Getenv("OIDC_CLIENT_ID"),
		KeycloakURL:          envOrDefault("KEYCLOAK_URL", "http://keycloak.keycloak.svc.cluster.local:8080"),
		KeycloakRealm:        envOrDefault("KEYCLOAK_REALM", "master"),
		KeycloakClientID:     envOrDefault("KEYCLOAK_CLIENT_ID", "group-sync"),
		KeycloakClientSecret: os.Getenv("KEYCLOAK_CLIENT_SECRET"),
		TokenStore:           envOrDefault("TOKEN_STORE", StoreVault),
		VaultAddr:            os.Getenv("VAULT_ADDR"),
		VaultToken:           os.Getenv("VAULT_TOKEN"),
		VaultAuthRole:        envOrDefault("VAULT_AUTH_ROLE", "group-sync"),
		VaultRootCAPath:      envOrDefault("VAULT_ROOT_CA_PATH", "/etc/ssl/certs/vault-root-ca.pem"),
		VaultKVMount:         envOrDefault("VAULT_KV_MOUNT", "secret"),
		VaultKVPath:          envOrDefault("VAULT_KV_PATH", "group-sync/groups"),
		Domain:               os.Getenv("DOMAIN"),
		CORSOrigin:           os.Getenv("CORS_ORIGIN"),
		GroupEndpoint:        envOrDefault("GROUP_ENDPOINT", "/rwgroupinfo"),
		GroupEndpointMode:    envOrDefault("GROUP_ENDPOINT_MODE", "legacy"),
		DirectoryURL:         os.Getenv("DIRECTORY_URL"),
		SiteURL:              os.Getenv("SITE_URL"),
		SiteFeedURL:          os.Getenv("SITE_FEED_URL"),
		SiteCommentsURL:      os.Getenv("SITE_COMMENTS_URL"),
		SiteName:             os.Getenv("SITE_NAME"),
		MemberRole:           envOrDefault("MEMBER_ROLE", "author"),
		SiteGroup:            os.Getenv("SITE_GROUP"),
		FormNonceSecret:      os.Getenv("FORM_NONCE_SECRET"),
	}

	adminGroupsStr := envOrDefault("ADMIN_GROUPS", "site-admins")
	cfg.AdminGroups = splitAndTrim(adminGroupsStr)

	var err error
	if cfg.RemoteInsecureSkipVerify, err = envBool("REMOTE_INSECURE_SKIP_VERIFY", true); err != nil {
		return nil, err
	}
	if cfg.RemoteTimeout, err = envDuration("REMOTE_TIMEOUT", 0); err != nil {
		return nil, err
	}
	if cfg.FormNonceTTL, err = envDuration("FORM_NONCE_TTL", time.Hour); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	// Derive feed URLs and CORS origin when not explicitly set.
	site := strings.TrimRight(cfg.SiteURL, "/")
	if cfg.SiteFeedURL == "" {
		cfg.SiteFeedURL = site + "/feed/"
	}
	if cfg.SiteCommentsURL == "" {
		cfg.SiteCommentsURL = site + "/comments/feed/"
	}
	if cfg.SiteName == "" {
		cfg.SiteName = site
	}
	if cfg.CORSOrigin == "" && cfg.Domain != "" {
		cfg.CORSOrigin = fmt.Sprintf("https://groups.%s", cfg.Domain)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	required := map[string]string{
		"OIDC_ISSUER_URL":        c.OIDCIssuerURL,
		"OIDC_CLIENT_ID":         c.OIDCClientID,
		"KEYCLOAK_CLIENT_SECRET": c.KeycloakClientSecret,
		"DIRECTORY_URL":          c.DirectoryURL,
		"SITE_URL":               c.SiteURL,
	}
	if c.TokenStore == StoreVault {
		required["VAULT_ADDR"] = c.VaultAddr
	}

	var missing []string
	for name, value := range required {
		if value == "" {
			missing = append(missing, name)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	switch c.TokenStore {
	case StoreVault, StoreMemory:
	default:
		return fmt.Errorf("invalid TOKEN_STORE %q: must be %q or %q", c.TokenStore, StoreVault, StoreMemory)
	}

	switch c.GroupEndpointMode {
	case "legacy", "suffix":
	default:
		return fmt.Errorf("invalid GROUP_ENDPOINT_MODE %q: must be \"legacy\" or \"suffix\"", c.GroupEndpointMode)
	}

	return nil
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func envBool(key string, defaultValue bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return b, nil
}

func envDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
