package backends

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/osvaldoandrade/inspector/internal/providers"
	"github.com/osvaldoandrade/inspector/pkg/domain"

	"github.com/cenkalti/backoff"
	"golang.org/x/net/publicsuffix"
)

const (
	TopValidatorName = "top_validator"
	// DefaultTopSitesURL is the zipped "rank,domain" CSV of the top million sites.
	DefaultTopSitesURL = "https://s3.amazonaws.com/alexa-static/top-1m.csv.zip"

	topListArtifact = "top-1m.csv.zip"
)

type TopValidatorConfig struct {
	ListURL string
	// LocalPath is a CSV or ZIP used when the download fails.
	LocalPath string
	// Limit keeps only the first N ranks; 0 keeps all.
	Limit int
	// MatchRegisteredDomain also accepts hosts whose registrable domain is listed.
	MatchRegisteredDomain bool
	DownloadMaxElapsed    time.Duration
	HTTPClient            *http.Client
	// Cache, when set, keeps the last downloaded archive for offline starts.
	Cache  providers.ArtifactStore
	Logger *slog.Logger
}

// TopValidator reports whether a URL host is on a popularity list.
type TopValidator struct {
	cfg    TopValidatorConfig
	logger *slog.Logger

	mu  sync.RWMutex
	top map[string]struct{}
}

var _ Validator = (*TopValidator)(nil)

func NewTopValidator(cfg TopValidatorConfig) *TopValidator {
	if cfg.ListURL == "" {
		cfg.ListURL = DefaultTopSitesURL
	}
	if cfg.DownloadMaxElapsed <= 0 {
		cfg.DownloadMaxElapsed = time.Minute
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 2 * time.Minute}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TopValidator{
		cfg:    cfg,
		logger: logger.With("backend", TopValidatorName),
		top:    map[string]struct{}{},
	}
}

func (v *TopValidator) Name() string { return TopValidatorName }

// Load fills the list from the download URL, retrying with exponential backoff, then
// from the cached archive, then from LocalPath.
func (v *TopValidator) Load(ctx context.Context) error {
	data, err := v.download(ctx)
	if err == nil {
		set, perr := parseTopList(data, v.cfg.Limit)
		if perr == nil {
			v.replace(set)
			if v.cfg.Cache != nil {
				if _, cerr := v.cfg.Cache.Put(ctx, topListArtifact, data); cerr != nil {
					v.logger.Warn("caching top list failed", "err", cerr)
				}
			}
			v.logger.Info("top list loaded", "source", v.cfg.ListURL, "entries", len(set))
			return nil
		}
		err = perr
	}
	v.logger.Warn("top list download failed; trying local copies", "err", err)

	if v.cfg.Cache != nil {
		if cached, cerr := v.cfg.Cache.Get(ctx, topListArtifact); cerr == nil {
			if set, perr := parseTopList(cached, v.cfg.Limit); perr == nil {
				v.replace(set)
				v.logger.Info("top list loaded", "source", "cache", "entries", len(set))
				return nil
			}
		}
	}
	if v.cfg.LocalPath != "" {
		return v.LoadFile(v.cfg.LocalPath)
	}
	return fmt.Errorf("load top list: %w", err)
}

// LoadFile reads a CSV or zipped CSV list from disk.
func (v *TopValidator) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read top list %s: %w", path, err)
	}
	set, err := parseTopList(data, v.cfg.Limit)
	if err != nil {
		return fmt.Errorf("parse top list %s: %w", filepath.Base(path), err)
	}
	v.replace(set)
	v.logger.Info("top list loaded", "source", path, "entries", len(set))
	return nil
}

// LoadHosts replaces the list with hosts.
func (v *TopValidator) LoadHosts(hosts []string) {
	set := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		if h = normalizeHost(h); h != "" {
			set[h] = struct{}{}
		}
	}
	v.replace(set)
}

func (v *TopValidator) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.top)
}

func (v *TopValidator) replace(set map[string]struct{}) {
	v.mu.Lock()
	v.top = set
	v.mu.Unlock()
}

func (v *TopValidator) download(ctx context.Context) ([]byte, error) {
	var body []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.ListURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := v.cfg.HTTPClient.Do(req)
		if err != nil {
			v.logger.Debug("top list download attempt failed", "err", err)
			return err
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			ue := &domain.UpstreamError{Service: TopValidatorName, Status: resp.StatusCode, Body: truncate(string(b), 256)}
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return backoff.Permanent(ue)
			}
			return ue
		}
		body = b
		return nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond
	expBackoff.MaxElapsedTime = v.cfg.DownloadMaxElapsed
	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, perm.Err
		}
		return nil, err
	}
	return body, nil
}

// parseTopList accepts a zip archive holding one CSV, or the CSV itself.
func parseTopList(data []byte, limit int) (map[string]struct{}, error) {
	var r io.Reader = bytes.NewReader(data)
	if bytes.HasPrefix(data, []byte("PK\x03\x04")) {
		zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return nil, fmt.Errorf("open zip: %w", err)
		}
		if len(zr.File) == 0 {
			return nil, errors.New("empty zip archive")
		}
		f, err := zr.File[0].Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", zr.File[0].Name, err)
		}
		defer f.Close()
		r = f
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true
	set := map[string]struct{}{}
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		if len(row) < 2 {
			continue
		}
		if h := normalizeHost(row[1]); h != "" {
			set[h] = struct{}{}
		}
		if limit > 0 && len(set) >= limit {
			break
		}
	}
	if len(set) == 0 {
		return nil, errors.New("top list has no entries")
	}
	return set, nil
}

func normalizeHost(h string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
}

func (v *TopValidator) Validate(ctx context.Context, task *domain.Task) (bool, error) {
	if !task.IsURL() {
		return false, fmt.Errorf("%w: this validator only accepts url tasks", domain.ErrParameter)
	}
	u, err := url.Parse(task.URL)
	if err != nil {
		return false, fmt.Errorf("%w: not an url: %v", domain.ErrParameter, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false, fmt.Errorf("%w: non-url passed", domain.ErrParameter)
	}
	return v.isTop(u.Hostname()), nil
}

func (v *TopValidator) isTop(host string) bool {
	host = normalizeHost(host)
	v.mu.RLock()
	defer v.mu.RUnlock()
	if _, ok := v.top[host]; ok {
		return true
	}
	if !v.cfg.MatchRegisteredDomain {
		return false
	}
	registered, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return false
	}
	_, ok := v.top[registered]
	return ok
}

func (v *TopValidator) Score(task *domain.Task) *domain.ScoreView {
	return validatorScore(TopValidatorName, task, v.logger)
}
