package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// Roles in descending order of privilege
const (
	RoleAdmin      = "admin"
	RoleSupervisor = "supervisor"
	RoleAgent      = "agent"
	RoleViewer     = "viewer"
)

var rolePriority = []string{RoleAdmin, RoleSupervisor, RoleAgent, RoleViewer}

type Claims struct {
	Email  string   `json:"email"`
	Name   string   `json:"name"`
	Role   string   `json:"role"`
	Groups []string `json:"groups"`
	jwt.RegisteredClaims
}

type contextKey string

const UserContextKey contextKey = "user"

var validMethods = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}

// Options configures a Verifier
type Options struct {
	// SkipAuth injects a development admin user for every request
	SkipAuth bool
	// Issuer is the OIDC issuer; empty disables signature verification
	Issuer string
	// Keyfunc overrides the JWKS lookup derived from Issuer
	Keyfunc jwt.Keyfunc
}

// Verifier validates bearer tokens from the OIDC provider
type Verifier struct {
	skip    bool
	issuer  string
	keyfunc jwt.Keyfunc
	mu      sync.Mutex
	logger  zerolog.Logger
}

// NewVerifier creates a Verifier. The JWKS is fetched on first use.
func NewVerifier(opts Options, logger zerolog.Logger) *Verifier {
	v := &Verifier{
		skip:    opts.SkipAuth,
		issuer:  opts.Issuer,
		keyfunc: opts.Keyfunc,
		logger:  logger.With().Str("component", "auth").Logger(),
	}
	switch {
	case v.skip:
		v.logger.Warn().Msg("SKIP_AUTH enabled - bypassing authentication")
	case v.issuer == "" && v.keyfunc == nil:
		v.logger.Warn().Msg("OIDC_ISSUER not set - JWT signature verification disabled")
	}
	return v
}

func (v *Verifier) verifying() bool {
	return v.issuer != "" || v.keyfunc != nil
}

// getKeyfunc returns the JWT keyfunc, fetching the issuer's JWKS once
func (v *Verifier) getKeyfunc() (jwt.Keyfunc, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.keyfunc != nil {
		return v.keyfunc, nil
	}

	// Keycloak certs endpoint
	jwksURL := strings.TrimSuffix(v.issuer, "/") + "/protocol/openid-connect/certs"
	v.logger.Info().Str("url", jwksURL).Msg("fetching JWKS")

	k, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create keyfunc: %w", err)
	}
	v.keyfunc = k.Keyfunc
	return v.keyfunc, nil
}

// Middleware validates the bearer token and stores the claims in the request context
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if v.skip {
			ctx := context.WithValue(r.Context(), UserContextKey, &Claims{
				Email:  "dev@callrouter.local",
				Name:   "Dev User",
				Role:   RoleAdmin,
				Groups: []string{"developers"},
			})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		tokenString := extractToken(r)
		if tokenString == "" {
			http.Error(w, "Unauthorized: Missing token", http.StatusUnauthorized)
			return
		}

		claims, err := v.Validate(tokenString)
		if err != nil {
			v.logger.Debug().Err(err).Msg("token validation failed")
			http.Error(w, fmt.Sprintf("Unauthorized: %v", err), http.StatusUnauthorized)
			return
		}

		v.logger.Debug().Str("email", claims.Email).Str("role", claims.Role).Msg("user authenticated")
		ctx := context.WithValue(r.Context(), UserContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole rejects requests whose user holds none of roles.
// It must run after Middleware.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := GetUserFromContext(r.Context())
			if !ok {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			for _, role := range roles {
				if HasRole(claims, role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, "Forbidden: insufficient role", http.StatusForbidden)
		})
	}
}

// extractToken gets the token from Authorization header or query parameter
func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString != authHeader {
			return tokenString
		}
	}

	// Browsers cannot set headers on WebSocket upgrades
	return r.URL.Query().Get("token")
}

// Validate parses tokenString and extracts the caller's claims
func (v *Verifier) Validate(tokenString string) (*Claims, error) {
	var token *jwt.Token
	var err error

	if v.verifying() {
		kf, kerr := v.getKeyfunc()
		if kerr != nil {
			return nil, kerr
		}
		token, err = jwt.Parse(tokenString, kf, jwt.WithValidMethods(validMethods))
		if err != nil {
			return nil, fmt.Errorf("token verification failed: %w", err)
		}
		if !token.Valid {
			return nil, errors.New("invalid token")
		}
	} else {
		token, _, err = jwt.NewParser().ParseUnverified(tokenString, jwt.MapClaims{})
		if err != nil {
			return nil, fmt.Errorf("failed to parse token: %w", err)
		}
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid token claims")
	}

	claims := &Claims{
		Role:   extractRole(mapClaims),
		Groups: extractGroups(mapClaims),
	}
	if email, ok := mapClaims["email"].(string); ok {
		claims.Email = email
	}
	if name, ok := mapClaims["name"].(string); ok {
		claims.Name = name
	} else if preferredUsername, ok := mapClaims["preferred_username"].(string); ok {
		claims.Name = preferredUsername
	}
	if sub, ok := mapClaims["sub"].(string); ok {
		claims.Subject = sub
	}

	// Verified tokens have exp checked by the parser
	if exp, ok := mapClaims["exp"].(float64); ok {
		expTime := time.Unix(int64(exp), 0)
		claims.ExpiresAt = jwt.NewNumericDate(expTime)
		if expTime.Before(time.Now()) {
			return nil, errors.New("token expired")
		}
	}

	return claims, nil
}

// extractRole picks the highest role from Keycloak realm roles or Cognito groups
func extractRole(mapClaims jwt.MapClaims) string {
	if realmAccess, ok := mapClaims["realm_access"].(map[string]interface{}); ok {
		if roles, ok := realmAccess["roles"].([]interface{}); ok {
			for _, priority := range rolePriority {
				for _, role := range roles {
					if roleStr, ok := role.(string); ok && roleStr == priority {
						return roleStr
					}
				}
			}
		}
	}

	for _, key := range []string{"cognito:groups", "custom:groups"} {
		groups, ok := mapClaims[key].([]interface{})
		if !ok {
			continue
		}
		for _, priority := range rolePriority[:3] {
			for _, group := range groups {
				if groupStr, ok := group.(string); ok && strings.Contains(groupStr, priority) {
					return priority
				}
			}
		}
	}

	return RoleViewer
}

func extractGroups(mapClaims jwt.MapClaims) []string {
	var groups []string
	for _, key := range []string{"groups", "cognito:groups"} {
		if claim, ok := mapClaims[key].([]interface{}); ok {
			for _, group := range claim {
				if groupStr, ok := group.(string); ok {
					groups = append(groups, groupStr)
				}
			}
		}
	}
	return groups
}

// GetUserFromContext retrieves user claims from request context
func GetUserFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(UserContextKey).(*Claims)
	return claims, ok
}

// HasRole checks if user has specific role
func HasRole(claims *Claims, role string) bool {
	return claims.Role == role
}
