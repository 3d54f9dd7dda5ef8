package middleware

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/osvaldoandrade/inspector/pkg/config"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	cfg     *config.Config
	jwksSrv *httptest.Server
	privKey *rsa.PrivateKey
}

func setupJWKSEnv(t *testing.T) *testEnv {
	t.Helper()
	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa key gen: %v", err)
	}
	jwksSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := base64.RawURLEncoding.EncodeToString(privKey.PublicKey.N.Bytes())
		e := base64.RawURLEncoding.EncodeToString([]byte{0x01, 0x00, 0x01})
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]any{{"kty": "RSA", "kid": "kid-1", "n": n, "e": e}},
		})
	}))
	t.Cleanup(jwksSrv.Close)
	cfg := &config.Config{
		Env:                     "test",
		AuthProvider:            "jwks",
		JwksURL:                 jwksSrv.URL,
		JwtIssuer:               "inspector-test",
		JwtAudience:             "inspector",
		AllowedClockSkewSeconds: 60,
	}
	return &testEnv{cfg: cfg, jwksSrv: jwksSrv, privKey: privKey}
}

func signJWT(t *testing.T, key *rsa.PrivateKey, kid string, claims map[string]any) string {
	t.Helper()
	header := map[string]any{"alg": "RS256", "typ": "JWT", "kid": kid}
	enc := func(v any) string {
		b, _ := json.Marshal(v)
		return base64.RawURLEncoding.EncodeToString(b)
	}
	h := enc(header)
	p := enc(claims)
	signingInput := h + "." + p
	hashed := sha256.Sum256([]byte(signingInput))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, hashed[:])
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	s := base64.RawURLEncoding.EncodeToString(sig)
	return signingInput + "." + s
}

// newRouter mounts AuthMiddleware and RequireAdmin in front of two probe routes.
func newRouter(t *testing.T, cfg *config.Config) *gin.Engine {
	t.Helper()
	validator, err := NewAuthValidator(cfg)
	if err != nil {
		t.Fatalf("NewAuthValidator: %v", err)
	}
	r := gin.New()
	g := r.Group("/", AuthMiddleware(validator, cfg))
	g.GET("/who", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"subject": GetSubject(c), "role": c.GetString(ctxRole)})
	})
	g.GET("/admin", RequireAdmin(), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r
}

func do(r http.Handler, path, token string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestJWKSAuthValid(t *testing.T) {
	env := setupJWKSEnv(t)
	now := time.Now().Unix()
	tok := signJWT(t, env.privKey, "kid-1", map[string]any{
		"iss":   env.cfg.JwtIssuer,
		"aud":   env.cfg.JwtAudience,
		"sub":   "u1",
		"exp":   now + 3600,
		"iat":   now - 10,
		"email": "u@inspector.local",
		"role":  "ADMIN",
	})

	r := newRouter(t, env.cfg)
	rec := do(r, "/who", tok)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["subject"] != "u1" || body["role"] != "ADMIN" {
		t.Fatalf("unexpected identity %v", body)
	}
	if rec := do(r, "/admin", tok); rec.Code != http.StatusNoContent {
		t.Fatalf("expected admin access, got %d", rec.Code)
	}
}

func TestJWKSAuthInvalidAudience(t *testing.T) {
	env := setupJWKSEnv(t)
	now := time.Now().Unix()
	tok := signJWT(t, env.privKey, "kid-1", map[string]any{
		"iss": env.cfg.JwtIssuer,
		"aud": "wrong",
		"sub": "u1",
		"exp": now + 3600,
	})
	if rec := do(newRouter(t, env.cfg), "/who", tok); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid audience, got %d", rec.Code)
	}
}

func TestStaticAuth(t *testing.T) {
	cfg := &config.Config{
		Env:          "prod",
		AuthProvider: "static",
		StaticTokens: []config.StaticToken{
			{Token: "admin-token", Subject: "ops", Role: "ADMIN"},
			{Token: "user-token", Subject: "alice"},
		},
	}
	r := newRouter(t, cfg)

	tests := []struct {
		name    string
		path    string
		token   string
		headers []string
		want    int
	}{
		{"user reads", "/who", "user-token", nil, http.StatusOK},
		{"user denied admin", "/admin", "user-token", nil, http.StatusForbidden},
		{"role header ignored outside dev", "/admin", "user-token", []string{"X-Role", "ADMIN"}, http.StatusForbidden},
		{"admin allowed", "/admin", "admin-token", nil, http.StatusNoContent},
		{"unknown token", "/who", "nope", nil, http.StatusUnauthorized},
		{"missing token", "/who", "", nil, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := do(r, tt.path, tt.token, tt.headers...); rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestAuthWithoutTokens(t *testing.T) {
	dev := &config.Config{Env: "dev", AuthProvider: "static"}
	r := newRouter(t, dev)
	if rec := do(r, "/who", ""); rec.Code != http.StatusOK {
		t.Fatalf("dev without tokens should pass, got %d", rec.Code)
	}
	if rec := do(r, "/admin", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("dev caller defaults to USER, got %d", rec.Code)
	}
	if rec := do(r, "/admin", "", "X-Role", "admin"); rec.Code != http.StatusNoContent {
		t.Fatalf("dev X-Role should grant admin, got %d", rec.Code)
	}

	prod := &config.Config{Env: "prod", AuthProvider: "static"}
	if rec := do(newRouter(t, prod), "/who", "anything"); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 without a validator outside dev, got %d", rec.Code)
	}
}

func TestNewAuthValidatorUnknownProvider(t *testing.T) {
	if _, err := NewAuthValidator(&config.Config{AuthProvider: "saml"}); err == nil {
		t.Fatal("expected error for unsupported provider")
	}
	if _, err := NewAuthValidator(&config.Config{AuthProvider: "jwks"}); err == nil {
		t.Fatal("expected error for jwks without url")
	}
}
