package middleware

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/model"
)

// RequireSiteAdmin allows the request only when the caller is a member of
// one of adminGroups, the equivalent of being able to manage site options.
func RequireSiteAdmin(logger *zap.Logger, adminGroups ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(adminGroups))
	for _, g := range adminGroups {
		allowed[g] = struct{}{}
		// Keycloak may emit full group paths.
		allowed["/"+g] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetClaims(r.Context())
			if claims == nil {
				model.WriteError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "authentication required")
				return
			}

			for _, g := range claims.Groups {
				if _, ok := allowed[g]; ok {
					next.ServeHTTP(w, r)
					return
				}
			}

			logger.Warn("site admin check failed",
				zap.String("username", claims.PreferredUsername),
				zap.Strings("user_groups", claims.Groups),
				zap.Strings("admin_groups", adminGroups),
				zap.String("request_id", GetRequestID(r.Context())),
			)
			model.WriteError(w, http.StatusForbidden, "FORBIDDEN", "managing groups requires site admin rights")
		})
	}
}
