package static

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/osvaldoandrade/inspector/pkg/auth"
)

// Token is one accepted bearer token and the identity it maps to.
type Token struct {
	Token   string         `json:"token"`
	Subject string         `json:"subject,omitempty"`
	Email   string         `json:"email,omitempty"`
	Role    string         `json:"role,omitempty"`
	Scopes  []string       `json:"scopes,omitempty"`
	Raw     map[string]any `json:"raw,omitempty"`
}

type validatorConfig struct {
	Tokens []Token `json:"tokens"`
}

type validator struct {
	tokens []Token
}

// NewValidatorFromJSON accepts a bare token string, a single token object, a list of token
// objects or {"tokens":[...]}.
func NewValidatorFromJSON(raw json.RawMessage) (auth.Validator, error) {
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	if len(raw) == 0 {
		return nil, errors.New("static auth: missing config")
	}

	var tokens []Token
	switch raw[0] {
	case '"':
		var tok string
		if err := json.Unmarshal(raw, &tok); err != nil {
			return nil, fmt.Errorf("static auth: invalid config: %w", err)
		}
		tokens = []Token{{Token: tok}}
	case '[':
		if err := json.Unmarshal(raw, &tokens); err != nil {
			return nil, fmt.Errorf("static auth: invalid config: %w", err)
		}
	default:
		var cfg validatorConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("static auth: invalid config: %w", err)
		}
		tokens = cfg.Tokens
		if len(tokens) == 0 {
			var single Token
			if err := json.Unmarshal(raw, &single); err != nil {
				return nil, fmt.Errorf("static auth: invalid config: %w", err)
			}
			tokens = []Token{single}
		}
	}
	return NewValidator(tokens...)
}

// NewValidator builds a validator for tokens. Subjects default to "static" and roles to USER,
// unless raw carries a role.
func NewValidator(tokens ...Token) (auth.Validator, error) {
	if len(tokens) == 0 {
		return nil, errors.New("static auth: at least one token is required")
	}
	out := make([]Token, 0, len(tokens))
	for i, t := range tokens {
		t.Token = strings.TrimSpace(t.Token)
		if t.Token == "" {
			return nil, fmt.Errorf("static auth: token %d is empty", i)
		}
		t.Subject = strings.TrimSpace(t.Subject)
		if t.Subject == "" {
			t.Subject = "static"
		}
		if t.Raw == nil {
			t.Raw = map[string]any{}
		}
		if t.Role == "" {
			if r, ok := t.Raw["role"].(string); ok {
				t.Role = r
			}
		}
		if t.Role == "" {
			t.Role = auth.RoleUser
		}
		t.Role = strings.ToUpper(t.Role)
		out = append(out, t)
	}
	return &validator{tokens: out}, nil
}

func (v *validator) Validate(token string) (*auth.Claims, error) {
	token = strings.TrimSpace(token)
	for _, t := range v.tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(t.Token)) == 1 {
			return &auth.Claims{
				Subject: t.Subject,
				Email:   t.Email,
				Scopes:  t.Scopes,
				Role:    t.Role,
				Raw:     t.Raw,
			}, nil
		}
	}
	return nil, errors.New("invalid token")
}

func init() {
	auth.RegisterProvider("static", NewValidatorFromJSON)
}
