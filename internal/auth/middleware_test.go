package auth

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

func signedToken(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func testVerifier(t *testing.T) (*Verifier, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	v := NewVerifier(Options{
		Keyfunc: func(*jwt.Token) (interface{}, error) { return &key.PublicKey, nil },
	}, zerolog.New(&bytes.Buffer{}))
	return v, key
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, _ := GetUserFromContext(r.Context())
		w.Header().Set("X-Role", claims.Role)
		w.WriteHeader(http.StatusOK)
	})
}

func TestValidateExtractsClaims(t *testing.T) {
	v, key := testVerifier(t)
	token := signedToken(t, key, jwt.MapClaims{
		"sub":          "user-1",
		"email":        "sup@example.com",
		"name":         "Sam Supervisor",
		"realm_access": map[string]interface{}{"roles": []interface{}{"agent", "supervisor"}},
		"groups":       []interface{}{"/team/a"},
		"exp":          time.Now().Add(time.Hour).Unix(),
	})

	claims, err := v.Validate(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Role != RoleSupervisor {
		t.Errorf("expected supervisor, got %s", claims.Role)
	}
	if claims.Subject != "user-1" || claims.Email != "sup@example.com" {
		t.Errorf("unexpected claims %+v", claims)
	}
	if len(claims.Groups) != 1 || claims.Groups[0] != "/team/a" {
		t.Errorf("unexpected groups %v", claims.Groups)
	}
}

func TestValidateRejectsBadTokens(t *testing.T) {
	v, key := testVerifier(t)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"expired", signedToken(t, key, jwt.MapClaims{"exp": time.Now().Add(-time.Hour).Unix()})},
		{"wrong key", signedToken(t, other, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})},
		{"garbage", "not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Validate(tt.token); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestExtractRoleFromCognitoGroups(t *testing.T) {
	role := extractRole(jwt.MapClaims{"cognito:groups": []interface{}{"callrouter-agents", "callrouter-admins"}})
	if role != RoleAdmin {
		t.Errorf("expected admin, got %s", role)
	}
	if got := extractRole(jwt.MapClaims{}); got != RoleViewer {
		t.Errorf("expected viewer default, got %s", got)
	}
}

func TestMiddleware(t *testing.T) {
	v, key := testVerifier(t)
	token := signedToken(t, key, jwt.MapClaims{
		"realm_access": map[string]interface{}{"roles": []interface{}{"agent"}},
		"exp":          time.Now().Add(time.Hour).Unix(),
	})
	h := v.Middleware(okHandler())

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		status int
		role   string
	}{
		{"missing token", func(r *http.Request) {}, http.StatusUnauthorized, ""},
		{"bearer header", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }, http.StatusOK, RoleAgent},
		{"query token", func(r *http.Request) { r.URL.RawQuery = "token=" + token }, http.StatusOK, RoleAgent},
		{"invalid token", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/queue", nil)
			tt.setup(r)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			if w.Code != tt.status {
				t.Errorf("expected %d, got %d", tt.status, w.Code)
			}
			if w.Header().Get("X-Role") != tt.role {
				t.Errorf("expected role %q, got %q", tt.role, w.Header().Get("X-Role"))
			}
		})
	}
}

func TestMiddlewareSkipAuth(t *testing.T) {
	v := NewVerifier(Options{SkipAuth: true}, zerolog.New(&bytes.Buffer{}))
	w := httptest.NewRecorder()
	v.Middleware(okHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusOK || w.Header().Get("X-Role") != RoleAdmin {
		t.Errorf("expected dev admin, got %d %q", w.Code, w.Header().Get("X-Role"))
	}
}

func TestUnverifiedModeParsesClaims(t *testing.T) {
	_, key := testVerifier(t)
	v := NewVerifier(Options{}, zerolog.New(&bytes.Buffer{}))
	token := signedToken(t, key, jwt.MapClaims{"preferred_username": "dev", "exp": time.Now().Add(time.Hour).Unix()})

	claims, err := v.Validate(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Name != "dev" || claims.Role != RoleViewer {
		t.Errorf("unexpected claims %+v", claims)
	}
}

func TestRequireRole(t *testing.T) {
	v, key := testVerifier(t)
	guarded := v.Middleware(RequireRole(RoleAdmin, RoleSupervisor)(okHandler()))

	tests := []struct {
		role   string
		status int
	}{
		{"admin", http.StatusOK},
		{"supervisor", http.StatusOK},
		{"agent", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			token := signedToken(t, key, jwt.MapClaims{
				"realm_access": map[string]interface{}{"roles": []interface{}{tt.role}},
				"exp":          time.Now().Add(time.Hour).Unix(),
			})
			r := httptest.NewRequest(http.MethodPost, "/api/scheduler/stop", nil)
			r.Header.Set("Authorization", "Bearer "+token)
			w := httptest.NewRecorder()
			guarded.ServeHTTP(w, r)
			if w.Code != tt.status {
				t.Errorf("expected %d, got %d", tt.status, w.Code)
			}
		})
	}

	w := httptest.NewRecorder()
	RequireRole(RoleAdmin)(okHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without claims, got %d", w.Code)
	}
}
