package backends

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/osvaldoandrade/inspector/pkg/domain"
)

const SSLValidatorName = "ssl_validator"

// SSLValidator checks that an https URL presents a certificate chain trusted by the
// configured CA bundle for its host name.
type SSLValidator struct {
	caBundle string
	timeout  time.Duration
	dialer   func(ctx context.Context, network, addr string) (net.Conn, error)
	logger   *slog.Logger
}

var _ Validator = (*SSLValidator)(nil)

func NewSSLValidator(caBundle string, timeout time.Duration, logger *slog.Logger) *SSLValidator {
	if caBundle == "" {
		caBundle = "/etc/ssl/certs/ca-certificates.crt"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &net.Dialer{Timeout: timeout}
	v := &SSLValidator{
		caBundle: caBundle,
		timeout:  timeout,
		dialer:   d.DialContext,
		logger:   logger.With("backend", SSLValidatorName),
	}
	v.logger.Debug("created ssl validator", "ca", caBundle)
	return v
}

func (v *SSLValidator) Name() string { return SSLValidatorName }

func (v *SSLValidator) Validate(ctx context.Context, task *domain.Task) (bool, error) {
	if !task.IsURL() {
		return false, fmt.Errorf("%w: only url tasks are supported by this validator", domain.ErrParameter)
	}
	u, err := url.Parse(task.URL)
	if err != nil {
		return false, fmt.Errorf("%w: not an url: %v", domain.ErrParameter, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false, fmt.Errorf("%w: non-url passed", domain.ErrParameter)
	}
	if u.Scheme != "https" {
		return false, fmt.Errorf("%w: non-HTTPS urls do not require ssl validation", domain.ErrParameter)
	}
	port := u.Port()
	if port == "" {
		port = "443"
	}
	ok, reason := v.check(ctx, u.Hostname(), port)
	v.logger.Debug("checked certificate", "url", task.URL, "valid", ok, "reason", reason)
	return ok, nil
}

// check performs the handshake and closes the connection right away. Any failure,
// including an unreadable bundle, is a negative result rather than an error.
func (v *SSLValidator) check(ctx context.Context, host, port string) (bool, string) {
	pem, err := os.ReadFile(v.caBundle)
	if err != nil {
		return false, "ca bundle file not found"
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return false, "cannot load certificate"
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	raw, err := v.dialer(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return false, "connect error"
	}
	conn := tls.Client(raw, &tls.Config{
		ServerName: host,
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
	})
	defer conn.Close()
	if err := conn.HandshakeContext(ctx); err != nil {
		return false, "ssl handshake error: " + err.Error()
	}
	return true, ""
}

func (v *SSLValidator) Score(task *domain.Task) *domain.ScoreView {
	return validatorScore(SSLValidatorName, task, v.logger)
}
