package middleware

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/model"
)

// FormNonceHeader carries the anti-forgery nonce on mutating requests.
const FormNonceHeader = "X-Form-Nonce"

const nonceIssuer = "group-sync"

// ErrInvalidNonce is returned for a nonce that is missing, expired, or
// issued to another admin or action.
var ErrInvalidNonce = errors.New("invalid form nonce")

type nonceClaims struct {
	Action string `json:"act"`
	jwt.RegisteredClaims
}

// FormGuard issues and checks short-lived nonces bound to an admin and an
// action.
type FormGuard struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewFormGuard returns a FormGuard signing with secret. An empty secret is
// replaced by a random one, so nonces do not survive a restart.
func NewFormGuard(secret []byte, ttl time.Duration) (*FormGuard, error) {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate nonce secret: %w", err)
		}
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &FormGuard{secret: secret, ttl: ttl, now: time.Now}, nil
}

// Issue returns a nonce for subject and action and its expiry.
func (g *FormGuard) Issue(subject, action string) (string, time.Time, error) {
	now := g.now()
	exp := now.Add(g.ttl)
	claims := nonceClaims{
		Action: action,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    nonceIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign nonce: %w", err)
	}
	return signed, exp, nil
}

// Verify checks that nonce was issued by g for subject and action and has
// not expired.
func (g *FormGuard) Verify(nonce, subject, action string) error {
	if nonce == "" {
		return ErrInvalidNonce
	}

	var claims nonceClaims
	_, err := jwt.ParseWithClaims(nonce, &claims,
		func(*jwt.Token) (any, error) { return g.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(nonceIssuer),
		jwt.WithSubject(subject),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidNonce, err)
	}
	if claims.Action != action {
		return fmt.Errorf("%w: issued for %q", ErrInvalidNonce, claims.Action)
	}
	return nil
}

// Require checks the form nonce on every request that is not a GET or HEAD.
// It must run after OIDCAuth.
func (g *FormGuard) Require(logger *zap.Logger, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}

			claims := GetClaims(r.Context())
			if claims == nil {
				model.WriteError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "authentication required")
				return
			}

			if err := g.Verify(r.Header.Get(FormNonceHeader), claims.Subject, action); err != nil {
				logger.Warn("form nonce rejected",
					zap.String("username", claims.PreferredUsername),
					zap.String("action", action),
					zap.Error(err),
					zap.String("request_id", GetRequestID(r.Context())),
				)
				model.WriteError(w, http.StatusForbidden, "INVALID_NONCE", "form nonce missing or expired")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
