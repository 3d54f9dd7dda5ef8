package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/osvaldoandrade/inspector/pkg/auth"
	_ "github.com/osvaldoandrade/inspector/pkg/auth/jwks"   // registers "jwks"
	_ "github.com/osvaldoandrade/inspector/pkg/auth/static" // registers "static"
	"github.com/osvaldoandrade/inspector/pkg/config"

	"github.com/gin-gonic/gin"
)

const (
	ctxClaims  = "userClaims"
	ctxSubject = "userSubject"
	ctxRole    = "userRole"
)

// NewAuthValidator builds the bearer validator selected by cfg.AuthProvider. It returns a nil
// validator when the static provider has no tokens, which AuthMiddleware only accepts in dev.
func NewAuthValidator(cfg *config.Config) (auth.Validator, error) {
	var raw []byte
	var err error
	switch cfg.AuthProvider {
	case "static":
		if len(cfg.StaticTokens) == 0 {
			return nil, nil
		}
		tokens := make([]map[string]any, 0, len(cfg.StaticTokens))
		for _, t := range cfg.StaticTokens {
			tokens = append(tokens, map[string]any{
				"token":   t.Token,
				"subject": t.Subject,
				"role":    t.Role,
				"scopes":  t.Scopes,
			})
		}
		raw, err = json.Marshal(map[string]any{"tokens": tokens})
	case "jwks":
		raw, err = json.Marshal(map[string]any{
			"jwksUrl":            cfg.JwksURL,
			"issuer":             cfg.JwtIssuer,
			"audience":           cfg.JwtAudience,
			"clockSkewSeconds":   cfg.AllowedClockSkewSeconds,
			"httpTimeoutSeconds": 5,
		})
	default:
		return nil, fmt.Errorf("unsupported authProvider %q", cfg.AuthProvider)
	}
	if err != nil {
		return nil, err
	}
	return auth.NewValidator(auth.ProviderConfig{Type: cfg.AuthProvider, Config: raw})
}

func AuthMiddleware(validator auth.Validator, cfg *config.Config) gin.HandlerFunc {
	dev := strings.EqualFold(cfg.Env, "dev")
	if validator == nil && !dev {
		return func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth validator not configured"})
		}
	}
	return func(c *gin.Context) {
		if validator == nil {
			// dev without tokens: trust the caller, role from X-Role
			setUserContext(c, &auth.Claims{Subject: "anonymous", Role: headerRole(c)})
			c.Next()
			return
		}
		claims, err := validateBearer(validator, c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		if dev && c.GetHeader("X-Role") != "" {
			claims.Role = headerRole(c)
		}
		setUserContext(c, claims)
		c.Next()
	}
}

func validateBearer(validator auth.Validator, authHeader string) (*auth.Claims, error) {
	if strings.TrimSpace(authHeader) == "" {
		return nil, fmt.Errorf("missing Authorization header")
	}
	token := bearerToken(authHeader)
	if token == "" {
		return nil, fmt.Errorf("invalid Authorization format")
	}
	return validator.Validate(token)
}

func headerRole(c *gin.Context) string {
	role := strings.ToUpper(strings.TrimSpace(c.GetHeader("X-Role")))
	if role == "" {
		role = auth.RoleUser
	}
	return role
}

func setUserContext(c *gin.Context, claims *auth.Claims) {
	c.Set(ctxClaims, claims)
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		subject = strings.TrimSpace(claims.Email)
	}
	c.Set(ctxSubject, subject)
	role := auth.RoleUser
	if claims.IsAdmin() {
		role = auth.RoleAdmin
	}
	c.Set(ctxRole, role)
}

// GetClaims returns the claims stored by AuthMiddleware.
func GetClaims(c *gin.Context) (*auth.Claims, bool) {
	v, ok := c.Get(ctxClaims)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*auth.Claims)
	return claims, ok
}

func GetSubject(c *gin.Context) string {
	return c.GetString(ctxSubject)
}
