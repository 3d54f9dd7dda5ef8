package backends

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/osvaldoandrade/inspector/internal/metrics"
	"github.com/osvaldoandrade/inspector/internal/tracing"
	"github.com/osvaldoandrade/inspector/pkg/domain"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// maxResponseBytes bounds upstream bodies; sandbox reports can be large.
const maxResponseBytes = 64 << 20

type UpstreamConfig struct {
	Service     string
	BaseURL     string
	Credentials domain.Credentials
	Timeout     time.Duration
	// RequestsPerMinute <= 0 disables throttling.
	RequestsPerMinute int
	HTTPClient        *http.Client
	Logger            *slog.Logger
}

// upstreamClient is the HTTP plumbing shared by analysers: auth, throttling, tracing and
// status/body handling.
type upstreamClient struct {
	service string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	tracer  trace.Tracer
	logger  *slog.Logger

	mu    sync.RWMutex
	creds domain.Credentials
}

type filePart struct {
	Field    string
	FileName string
	Data     []byte
}

func newUpstreamClient(cfg UpstreamConfig) (*upstreamClient, error) {
	if err := cfg.Credentials.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.Service, err)
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if u, err := url.Parse(base); err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: %s base url %q", domain.ErrConfiguration, cfg.Service, cfg.BaseURL)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &upstreamClient{
		service: cfg.Service,
		baseURL: base,
		http:    hc,
		limiter: limiter,
		tracer:  tracing.Tracer(),
		logger:  logger.With("backend", cfg.Service),
		creds:   cfg.Credentials,
	}, nil
}

func (c *upstreamClient) Credentials() domain.Credentials {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.creds
}

func (c *upstreamClient) SetCredentials(creds domain.Credentials) error {
	if err := creds.Validate(); err != nil {
		return fmt.Errorf("%s: %w", c.service, err)
	}
	c.mu.Lock()
	c.creds = creds
	c.mu.Unlock()
	c.logger.Info("credentials updated", "usable", creds.Usable())
	return nil
}

func (c *upstreamClient) usable() bool {
	return c.Credentials().Usable()
}

func (c *upstreamClient) get(ctx context.Context, path string, query url.Values) (Report, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if query != nil {
		req.URL.RawQuery = query.Encode()
	}
	return c.do(req)
}

// postMultipart sends fields and an optional file as multipart/form-data.
func (c *upstreamClient) postMultipart(ctx context.Context, path string, fields map[string]string, file *filePart) (Report, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	if file != nil {
		fw, err := mw.CreateFormFile(file.Field, file.FileName)
		if err != nil {
			return nil, err
		}
		if _, err := fw.Write(file.Data); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req)
}

func (c *upstreamClient) do(req *http.Request) (Report, error) {
	ctx := req.Context()
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s rate limit wait: %w", c.service, err)
	}

	ctx, span := c.tracer.Start(ctx, c.service+" "+req.Method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("backend", c.service),
			attribute.String("http.method", req.Method),
			attribute.String("http.path", req.URL.Path),
		),
	)
	defer span.End()
	req = req.WithContext(ctx)

	creds := c.Credentials()
	if len(creds.APIKey) > 0 {
		q := req.URL.Query()
		q.Set("apikey", creds.APIKey)
		req.URL.RawQuery = q.Encode()
	}
	if creds.HasBasicAuth() {
		req.SetBasicAuth(creds.Username, creds.Password)
	}
	req.Header.Set("Accept", "application/json")
	tracing.InjectHeaders(ctx, req.Header)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.UpstreamRequestSeconds.WithLabelValues(c.service, "error").Observe(time.Since(start).Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%s %s %s: %w", c.service, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	metrics.UpstreamRequestSeconds.WithLabelValues(c.service, strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%s read body: %w", c.service, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 399 {
		ue := &domain.UpstreamError{Service: c.service, Status: resp.StatusCode, Body: truncate(string(body), 512)}
		if resp.StatusCode != http.StatusNotFound {
			span.SetStatus(codes.Error, ue.Error())
		}
		return nil, ue
	}
	return decodeReport(c.service, body)
}

// decodeReport treats an empty body as an empty report.
func decodeReport(service string, body []byte) (Report, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return Report{}, nil
	}
	var r Report
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("%w: %s: error decoding response: %v", domain.ErrResponse, service, err)
	}
	if r == nil {
		r = Report{}
	}
	return r, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
