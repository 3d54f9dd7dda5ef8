package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/osvaldoandrade/inspector/internal/backends"
	"github.com/osvaldoandrade/inspector/pkg/domain"
	"github.com/osvaldoandrade/inspector/pkg/persistence"
)

// CredentialsService applies credential updates to analysers and keeps them in the
// credential store so they survive a restart.
type CredentialsService interface {
	UpdateAPIKey(ctx context.Context, service, key string) error
	// UpdateCredentials keeps the stored value for an empty username or password.
	UpdateCredentials(ctx context.Context, service, username, password string) error
	// LoadStored applies every stored credential set. Failures are logged.
	LoadStored(ctx context.Context)
	Configured() []string
}

type credentialsService struct {
	store    persistence.CredentialStorage
	backends *backends.Set
	logger   *slog.Logger
}

func NewCredentialsService(store persistence.CredentialStorage, set *backends.Set, logger *slog.Logger) CredentialsService {
	if logger == nil {
		logger = slog.Default()
	}
	return &credentialsService{store: store, backends: set, logger: logger.With("component", "credentials")}
}

func (s *credentialsService) configurable(service string) (backends.Configurable, error) {
	a := s.backends.Analyser(service)
	if a == nil {
		return nil, fmt.Errorf("%w: unknown analyser %q", domain.ErrParameter, service)
	}
	c, ok := a.(backends.Configurable)
	if !ok {
		return nil, fmt.Errorf("%w: analyser %q does not take credentials", domain.ErrParameter, service)
	}
	return c, nil
}

func (s *credentialsService) UpdateAPIKey(ctx context.Context, service, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("%w: api key is required", domain.ErrParameter)
	}
	return s.apply(ctx, service, domain.Credentials{APIKey: key})
}

func (s *credentialsService) UpdateCredentials(ctx context.Context, service, username, password string) error {
	update := domain.Credentials{Username: strings.TrimSpace(username), Password: password}
	if update.Username == "" && update.Password == "" {
		return fmt.Errorf("%w: username or password is required", domain.ErrParameter)
	}
	return s.apply(ctx, service, update)
}

func (s *credentialsService) apply(ctx context.Context, service string, update domain.Credentials) error {
	c, err := s.configurable(service)
	if err != nil {
		return err
	}
	merged := c.Credentials().Merge(update)
	if err := c.SetCredentials(merged); err != nil {
		return err
	}
	if s.store != nil {
		if err := s.store.Set(ctx, service, merged); err != nil {
			return fmt.Errorf("store credentials for %s: %w", service, err)
		}
	}
	s.logger.Info("credentials updated", "service", service, "usable", merged.Usable())
	return nil
}

func (s *credentialsService) LoadStored(ctx context.Context) {
	if s.store == nil {
		return
	}
	all, err := s.store.All(ctx)
	if err != nil {
		if !errors.Is(err, persistence.ErrNotFound) {
			s.logger.Warn("load stored credentials", "err", err)
		}
		return
	}
	for service, stored := range all {
		c, err := s.configurable(service)
		if err != nil {
			s.logger.Warn("stored credentials for unknown analyser", "service", service)
			continue
		}
		if err := c.SetCredentials(c.Credentials().Merge(stored)); err != nil {
			s.logger.Warn("apply stored credentials", "service", service, "err", err)
		}
	}
}

func (s *credentialsService) Configured() []string {
	usable := s.backends.Usable()
	names := make([]string, 0, len(usable))
	for _, a := range usable {
		names = append(names, a.Name())
	}
	return names
}
