package backends

import (
	"context"
	"log/slog"
	"time"

	"github.com/osvaldoandrade/inspector/internal/providers"
	"github.com/osvaldoandrade/inspector/pkg/config"
	"github.com/osvaldoandrade/inspector/pkg/domain"
)

// Loader is implemented by backends that need data before they can answer.
type Loader interface {
	Load(ctx context.Context) error
}

// FromConfig builds the analysers and validators of cfg. Errors are construction errors and
// are expected to stop the process.
func FromConfig(cfg *config.Config, cache providers.ArtifactStore, logger *slog.Logger) (*Set, error) {
	if logger == nil {
		logger = slog.Default()
	}
	vt, err := NewVirusTotal(UpstreamConfig{
		BaseURL:           cfg.VirusTotal.BaseURL,
		Credentials:       domain.Credentials{APIKey: cfg.VirusTotal.APIKey},
		Timeout:           time.Duration(cfg.VirusTotal.TimeoutSeconds) * time.Second,
		RequestsPerMinute: cfg.VirusTotal.RequestsPerMinute,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}
	cuckoo, err := NewCuckoo(UpstreamConfig{
		BaseURL: cfg.Cuckoo.BaseURL,
		Credentials: domain.Credentials{
			APIKey:   cfg.Cuckoo.APIKey,
			Username: cfg.Cuckoo.Username,
			Password: cfg.Cuckoo.Password,
		},
		Timeout:           time.Duration(cfg.Cuckoo.TimeoutSeconds) * time.Second,
		RequestsPerMinute: cfg.Cuckoo.RequestsPerMinute,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}

	ssl := NewSSLValidator(cfg.SSLValidator.CABundle, time.Duration(cfg.SSLValidator.TimeoutSeconds)*time.Second, logger)
	top := NewTopValidator(TopValidatorConfig{
		ListURL:               cfg.TopValidator.ListURL,
		LocalPath:             cfg.TopValidator.LocalPath,
		Limit:                 cfg.TopValidator.Limit,
		MatchRegisteredDomain: cfg.TopValidator.MatchRegisteredDomain,
		DownloadMaxElapsed:    time.Duration(cfg.TopValidator.DownloadMaxSeconds) * time.Second,
		Cache:                 cache,
		Logger:                logger,
	})

	return NewSet([]Analyser{vt, cuckoo}, []Validator{ssl, top})
}

// Load runs every Loader in the set. Failures are logged; a validator without data answers
// false instead of blocking start-up.
func (s *Set) Load(ctx context.Context, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, v := range s.Validators {
		if l, ok := v.(Loader); ok {
			if err := l.Load(ctx); err != nil {
				logger.Error("backend load failed", "backend", v.Name(), "err", err)
			}
		}
	}
}
