package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"go.uber.org/zap"

	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/model"
)

type claimsKey struct{}

// Claims holds the verified OIDC token claims extracted by the auth middleware.
type Claims struct {
	Subject           string   `json:"sub"`
	PreferredUsername string   `json:"preferred_username"`
	Email             string   `json:"email"`
	Groups            []string `json:"groups"`
	Name              string   `json:"name"`
}

// Login is the name the admin is known by on group hosts.
func (c *Claims) Login() string {
	if c.PreferredUsername != "" {
		return c.PreferredUsername
	}
	return c.Subject
}

// GetClaims extracts the authenticated claims from the request context.
func GetClaims(ctx context.Context) *Claims {
	if c, ok := ctx.Value(claimsKey{}).(*Claims); ok {
		return c
	}
	return nil
}

// WithClaims returns a copy of ctx carrying claims.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ErrNoAdmin is returned when a request context carries no authenticated admin.
var ErrNoAdmin = errors.New("no authenticated admin in context")

// ClaimsIdentity reports the acting admin from the request's OIDC claims.
type ClaimsIdentity struct{}

// CurrentAdmin returns the login of the authenticated admin.
func (ClaimsIdentity) CurrentAdmin(ctx context.Context) (string, error) {
	c := GetClaims(ctx)
	if c == nil || c.Login() == "" {
		return "", ErrNoAdmin
	}
	return c.Login(), nil
}

// lazyVerifier creates the OIDC verifier on first use and retries after a
// failed discovery.
type lazyVerifier struct {
	issuerURL string
	clientID  string

	mu       sync.Mutex
	verifier *oidc.IDTokenVerifier
}

func (l *lazyVerifier) get(ctx context.Context) (*oidc.IDTokenVerifier, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.verifier != nil {
		return l.verifier, nil
	}
	provider, err := oidc.NewProvider(ctx, l.issuerURL)
	if err != nil {
		return nil, err
	}
	l.verifier = provider.Verifier(&oidc.Config{ClientID: l.clientID})
	return l.verifier, nil
}

// OIDCAuth verifies the Bearer token against the OIDC issuer and extracts claims.
func OIDCAuth(logger *zap.Logger, issuerURL, clientID string) func(http.Handler) http.Handler {
	lv := &lazyVerifier{issuerURL: issuerURL, clientID: clientID}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawToken, ok := bearerToken(r)
			if !ok {
				model.WriteError(w, http.StatusUnauthorized, "MISSING_TOKEN", "authorization header must be Bearer {token}")
				return
			}

			verifier, err := lv.get(r.Context())
			if err != nil {
				logger.Error("failed to initialize OIDC provider",
					zap.Error(err),
					zap.String("issuer", issuerURL),
				)
				model.WriteError(w, http.StatusServiceUnavailable, "OIDC_UNAVAILABLE", "OIDC provider unavailable")
				return
			}

			idToken, err := verifier.Verify(r.Context(), rawToken)
			if err != nil {
				logger.Debug("token verification failed",
					zap.Error(err),
					zap.String("request_id", GetRequestID(r.Context())),
				)
				model.WriteError(w, http.StatusUnauthorized, "INVALID_TOKEN", "token verification failed")
				return
			}

			var claims Claims
			if err := idToken.Claims(&claims); err != nil {
				logger.Error("failed to parse token claims",
					zap.Error(err),
					zap.String("request_id", GetRequestID(r.Context())),
				)
				model.WriteError(w, http.StatusUnauthorized, "INVALID_CLAIMS", "failed to parse token claims")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), &claims)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, tok, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || tok == "" {
		return "", false
	}
	return tok, true
}
