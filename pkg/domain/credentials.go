package domain

import (
	"fmt"
	"strings"
)

// Credentials authenticate one analyser against its upstream service.
type Credentials struct {
	APIKey   string `json:"apiKey,omitempty" yaml:"apiKey"`
	Username string `json:"username,omitempty" yaml:"username"`
	Password string `json:"password,omitempty" yaml:"password"`
}

// Validate rejects a username without password and vice versa.
func (c Credentials) Validate() error {
	hasUser := strings.TrimSpace(c.Username) != ""
	hasPass := strings.TrimSpace(c.Password) != ""
	if hasUser != hasPass {
		return fmt.Errorf("%w: must provide both username and password or neither", ErrConfiguration)
	}
	return nil
}

// Usable is true when an api key or a username/password pair is configured.
func (c Credentials) Usable() bool {
	if len(c.APIKey) > 1 {
		return true
	}
	return len(c.Username) > 1 && len(c.Password) > 1
}

func (c Credentials) HasBasicAuth() bool {
	return c.Username != "" && c.Password != ""
}

// Merge overlays the non-empty fields of update on c.
func (c Credentials) Merge(update Credentials) Credentials {
	if update.APIKey != "" {
		c.APIKey = update.APIKey
	}
	if update.Username != "" {
		c.Username = update.Username
	}
	if update.Password != "" {
		c.Password = update.Password
	}
	return c
}

func (c Credentials) IsZero() bool {
	return c.APIKey == "" && c.Username == "" && c.Password == ""
}
