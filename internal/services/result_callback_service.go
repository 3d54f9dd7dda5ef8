package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/osvaldoandrade/inspector/internal/metrics"
	"github.com/osvaldoandrade/inspector/internal/ratelimit"
	"github.com/osvaldoandrade/inspector/internal/tracing"
	"github.com/osvaldoandrade/inspector/pkg/domain"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
)

const (
	HeaderTimestamp = "X-Inspector-Timestamp"
	HeaderSignature = "X-Inspector-Signature"
	HeaderDelivery  = "X-Inspector-Delivery"
)

// ResultCallbackService delivers the final view of a completed task to its webhook.
type ResultCallbackService interface {
	Send(ctx context.Context, task *domain.Task, view map[string]*domain.ScoreView)
}

// CompletionPayload is the body POSTed to a task webhook.
type CompletionPayload struct {
	TaskID      int64                        `json:"taskId"`
	Fingerprint string                       `json:"fingerprint"`
	Kind        domain.TaskKind              `json:"kind"`
	CompletedAt *time.Time                   `json:"completedAt,omitempty"`
	Results     map[string]*domain.ScoreView `json:"results"`
}

type ResultCallbackOptions struct {
	Secret      string
	MaxAttempts int
	// BaseBackoff is the first retry delay. Later delays double up to MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Jitter randomizes each delay by up to this fraction. Zero keeps delays exact.
	Jitter float64
	// Limiter throttles deliveries per webhook host when Bucket is enabled.
	Limiter    ratelimit.Limiter
	Bucket     ratelimit.Bucket
	HTTPClient *http.Client
	Logger     *slog.Logger
	// Sleep is replaceable in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

type resultCallbackService struct {
	logger      *slog.Logger
	secret      string
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	jitter      float64
	client      *http.Client
	sleep       func(ctx context.Context, d time.Duration) error

	limiter ratelimit.Limiter
	bucket  ratelimit.Bucket
}

func NewResultCallbackService(opts ResultCallbackOptions) ResultCallbackService {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 2 * time.Second
	}
	if opts.MaxBackoff < opts.BaseBackoff {
		opts.MaxBackoff = max(opts.BaseBackoff, time.Minute)
	}
	opts.Jitter = min(max(opts.Jitter, 0), 1)
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepOrDone
	}
	return &resultCallbackService{
		logger:      opts.Logger.With("component", "callbacks"),
		secret:      opts.Secret,
		maxAttempts: opts.MaxAttempts,
		baseDelay:   opts.BaseBackoff,
		maxDelay:    opts.MaxBackoff,
		jitter:      opts.Jitter,
		client:      opts.HTTPClient,
		sleep:       opts.Sleep,
		limiter:     opts.Limiter,
		bucket:      opts.Bucket,
	}
}

// Send delivers asynchronously. The delivery outlives ctx cancellation so a callback
// started from a request handler is not cut off when the response is written.
func (s *resultCallbackService) Send(ctx context.Context, task *domain.Task, view map[string]*domain.ScoreView) {
	if task == nil || strings.TrimSpace(task.Webhook) == "" {
		return
	}
	payload := CompletionPayload{
		TaskID:      task.ID,
		Fingerprint: task.Fingerprint,
		Kind:        task.Kind,
		CompletedAt: task.CompletedAt,
		Results:     view,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("encode completion payload", "fingerprint", task.Fingerprint, "err", err)
		return
	}
	go s.sendWithRetry(context.WithoutCancel(ctx), task.Webhook, b)
}

// newBackOff returns the retry schedule for one delivery: MaxAttempts-1 exponential delays.
func (s *resultCallbackService) newBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.baseDelay
	exp.MaxInterval = s.maxDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = s.jitter
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithMaxRetries(exp, uint64(s.maxAttempts-1))
}

func (s *resultCallbackService) sendWithRetry(ctx context.Context, target string, body []byte) {
	delivery := uuid.NewString()
	host := webhookHost(target)
	schedule := s.newBackOff()
	for attempt := 1; ; attempt++ {
		denied, err := ratelimit.Wait(ctx, s.limiter, ratelimit.ScopeWebhook, host, s.bucket, s.sleep)
		if denied > 0 {
			metrics.RateLimitHitsTotal.WithLabelValues(ratelimit.ScopeWebhook, "task_completion").Add(float64(denied))
		}
		if err != nil {
			return
		}

		if s.post(ctx, target, body, delivery) {
			metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
			return
		}
		delay := schedule.NextBackOff()
		if delay == backoff.Stop {
			metrics.WebhookDeliveriesTotal.WithLabelValues("failure").Inc()
			s.logger.Warn("completion callback failed", "url", target, "delivery", delivery, "attempts", attempt)
			return
		}
		s.logger.Debug("retrying completion callback", "url", target, "delivery", delivery, "attempt", attempt, "delay", delay)
		if s.sleep(ctx, delay) != nil {
			return
		}
	}
}

func webhookHost(target string) string {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return target
	}
	return strings.ToLower(u.Host)
}

func (s *resultCallbackService) post(ctx context.Context, target string, body []byte, delivery string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		s.logger.Warn("bad webhook url", "url", target, "err", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderDelivery, delivery)
	tracing.InjectHeaders(ctx, req.Header)
	s.addSignature(req, body)
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Debug("webhook attempt failed", "url", target, "err", err)
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *resultCallbackService) addSignature(req *http.Request, body []byte) {
	if strings.TrimSpace(s.secret) == "" {
		return
	}
	ts := time.Now().UTC().Unix()
	req.Header.Set(HeaderTimestamp, fmt.Sprintf("%d", ts))
	req.Header.Set(HeaderSignature, Sign(s.secret, ts, body))
}

// Sign computes the hex HMAC-SHA256 of "<ts>." followed by body.
func Sign(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%d.", ts)))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
