package backends

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/osvaldoandrade/inspector/pkg/domain"
)

func newTestClient(t *testing.T, h http.HandlerFunc, creds domain.Credentials) *upstreamClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := newUpstreamClient(UpstreamConfig{Service: "test", BaseURL: srv.URL, Credentials: creds})
	if err != nil {
		t.Fatalf("newUpstreamClient: %v", err)
	}
	return c
}

func TestUpstreamSendsAPIKeyAndBasicAuth(t *testing.T) {
	var gotKey, gotUser, gotPass string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.URL.Query().Get("apikey")
		gotUser, gotPass, _ = r.BasicAuth()
		_, _ = w.Write([]byte(`{"ok":true}`))
	}, domain.Credentials{APIKey: "secret", Username: "user", Password: "pass"})

	data, err := c.get(context.Background(), "/x", nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if data["ok"] != true {
		t.Fatalf("unexpected report %v", data)
	}
	if gotKey != "secret" || gotUser != "user" || gotPass != "pass" {
		t.Fatalf("auth not sent: key=%q user=%q pass=%q", gotKey, gotUser, gotPass)
	}
}

func TestUpstreamStatusAndBodyHandling(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus int
		wantKind   error
		wantEmpty  bool
	}{
		{"server error", 500, "boom", 500, nil, false},
		{"not found", 404, "", 404, nil, false},
		{"empty body", 200, "", 0, nil, true},
		{"created with empty object", 201, `{}`, 0, nil, true},
		{"bad json", 200, "{not json", 0, domain.ErrResponse, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}, domain.Credentials{})
			data, err := c.get(context.Background(), "/x", nil)
			switch {
			case tt.wantStatus != 0:
				var ue *domain.UpstreamError
				if !errors.As(err, &ue) || ue.Status != tt.wantStatus {
					t.Fatalf("expected upstream %d, got %v", tt.wantStatus, err)
				}
			case tt.wantKind != nil:
				if !errors.Is(err, tt.wantKind) {
					t.Fatalf("expected %v, got %v", tt.wantKind, err)
				}
			case tt.wantEmpty:
				if err != nil || data == nil || len(data) != 0 {
					t.Fatalf("expected empty report, got %v, %v", data, err)
				}
			}
		})
	}
}

func TestUpstreamCredentialValidation(t *testing.T) {
	_, err := newUpstreamClient(UpstreamConfig{Service: "x", BaseURL: "http://localhost", Credentials: domain.Credentials{Username: "only"}})
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	_, err = newUpstreamClient(UpstreamConfig{Service: "x", BaseURL: "::bad"})
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error for bad url, got %v", err)
	}

	c, err := newUpstreamClient(UpstreamConfig{Service: "x", BaseURL: "http://localhost"})
	if err != nil {
		t.Fatalf("newUpstreamClient: %v", err)
	}
	if c.usable() {
		t.Fatal("client without credentials must not be usable")
	}
	if err := c.SetCredentials(domain.Credentials{Password: "p"}); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if err := c.SetCredentials(domain.Credentials{APIKey: "key"}); err != nil {
		t.Fatalf("SetCredentials: %v", err)
	}
	if !c.usable() || c.Credentials().APIKey != "key" {
		t.Fatal("credentials not applied")
	}
}

func TestReportAccessors(t *testing.T) {
	r := Report{"id": float64(7), "score": "2.5", "name": "x", "n": "12"}
	if s, _ := r.String("id"); s != "7" {
		t.Errorf("String(id) = %q", s)
	}
	if f, ok := r.Float("score"); !ok || f != 2.5 {
		t.Errorf("Float(score) = %v %v", f, ok)
	}
	if n, ok := r.Int("n"); !ok || n != 12 {
		t.Errorf("Int(n) = %v %v", n, ok)
	}
	if _, ok := r.Int("missing"); ok {
		t.Errorf("missing key must not be ok")
	}
}
