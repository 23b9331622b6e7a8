package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/MrEthical07/authguard"
	"github.com/MrEthical07/authguard/jwt"
)

type accessClaimsContextKey struct{}

// AccessClaimsFromContext returns the claims stored by [RequireAccess].
func AccessClaimsFromContext(ctx context.Context) (*jwt.AccessClaims, bool) {
	claims, ok := ctx.Value(accessClaimsContextKey{}).(*jwt.AccessClaims)
	return claims, ok
}

// RequireAccess rejects requests without a valid bearer access token. The
// verified claims are available to next through [AccessClaimsFromContext].
func RequireAccess(engine *authguard.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			res := engine.Verify(r.Context(), token, authguard.TokenAccess)
			if !res.Valid {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), accessClaimsContextKey{}, res.Access)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequirePermission rejects requests whose access claims lack any of perms.
// It must run after [RequireAccess].
func RequirePermission(perms ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := AccessClaimsFromContext(r.Context())
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			for _, p := range perms {
				if !hasPermission(claims.Permissions, p) {
					http.Error(w, "forbidden", http.StatusForbidden)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func hasPermission(granted []string, perm string) bool {
	for _, g := range granted {
		if g == perm {
			return true
		}
	}
	return false
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}

	token := value[len(bearer):]
	if token == "" {
		return "", false
	}

	return token, true
}
