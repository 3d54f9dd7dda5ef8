package bench

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"

	"github.com/osvaldoandrade/inspector/internal/services"
	"github.com/osvaldoandrade/inspector/pkg/app"
	"github.com/osvaldoandrade/inspector/pkg/config"
)

const benchToken = "bench-token"

// newUpstream answers every VirusTotal and Cuckoo submission immediately.
func newUpstream(b *testing.B) *httptest.Server {
	b.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/vtapi/v2/url/scan", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"resource":"bench","response_code":1}`))
	})
	mux.HandleFunc("/tasks/create/url", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"task_id":1}`))
	})
	srv := httptest.NewServer(mux)
	b.Cleanup(srv.Close)
	return srv
}

func newBenchApp(b *testing.B) *app.Application {
	b.Helper()
	gin.SetMode(gin.ReleaseMode)

	mr, err := miniredis.Run()
	if err != nil {
		b.Fatalf("miniredis start: %v", err)
	}
	b.Cleanup(mr.Close)
	upstream := newUpstream(b)

	cfg := &config.Config{
		Env:               "dev",
		LogLevel:          "error",
		PersistenceType:   "redis",
		RedisAddr:         mr.Addr(),
		ArtifactsDir:      b.TempDir(),
		WebhookHmacSecret: "bench-secret",
		StaticTokens:      []config.StaticToken{{Token: benchToken, Subject: "bench", Role: "ADMIN"}},
		VirusTotal:        config.VirusTotalConfig{BaseURL: upstream.URL, APIKey: "bench-key"},
		Cuckoo:            config.CuckooConfig{BaseURL: upstream.URL, Username: "bench", Password: "bench"},
		SSLValidator:      config.SSLValidatorConfig{CABundle: filepath.Join(b.TempDir(), "none.pem")},
		// Benchmarks keep rate limiting disabled.
		RateLimit: config.RateLimitConfig{},
	}
	cfg.ApplyDefaults()
	// Upstream throttling is disabled so the benchmark measures the service.
	cfg.VirusTotal.RequestsPerMinute = 0

	a, err := app.NewApplication(cfg, app.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		b.Fatalf("app init: %v", err)
	}
	app.SetupMappings(a)
	b.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func doJSONRequest(b *testing.B, h http.Handler, method, path, bearerToken string, body []byte) (int, []byte) {
	b.Helper()

	var rbody *bytes.Reader
	if body == nil {
		rbody = bytes.NewReader([]byte{})
	} else {
		rbody = bytes.NewReader(body)
	}

	req := httptest.NewRequest(method, path, rbody)
	if bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+bearerToken)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w.Code, w.Body.Bytes()
}

func BenchmarkHTTP_CreateURLTask(b *testing.B) {
	a := newBenchApp(b)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		body := []byte(fmt.Sprintf(`{"url":"https://bench.invalid/%d"}`, i))
		status, resp := doJSONRequest(b, a.Engine, http.MethodPost, "/v1/inspector/tasks/url", benchToken, body)
		if status != http.StatusCreated {
			b.Fatalf("create status %d body=%s", status, string(resp))
		}
	}
}

func BenchmarkHTTP_GetView(b *testing.B) {
	a := newBenchApp(b)

	status, resp := doJSONRequest(b, a.Engine, http.MethodPost, "/v1/inspector/tasks/url", benchToken, []byte(`{"url":"https://bench.invalid/view"}`))
	if status != http.StatusCreated {
		b.Fatalf("create status %d body=%s", status, string(resp))
	}
	var created struct {
		Fingerprint string `json:"fingerprint"`
	}
	if err := json.Unmarshal(resp, &created); err != nil || created.Fingerprint == "" {
		b.Fatalf("create parse failed: err=%v body=%s", err, string(resp))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		status, resp := doJSONRequest(b, a.Engine, http.MethodGet, "/v1/inspector/tasks/"+created.Fingerprint, benchToken, nil)
		if status != http.StatusOK {
			b.Fatalf("view status %d body=%s", status, string(resp))
		}
	}
}

func BenchmarkService_CreateURLTask(b *testing.B) {
	a := newBenchApp(b)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := a.Analysis.CreateURLTask(ctx, fmt.Sprintf("https://bench.invalid/svc/%d", i), services.TaskOptions{}); err != nil {
			b.Fatalf("CreateURLTask: %v", err)
		}
	}
}
