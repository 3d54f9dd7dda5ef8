package config

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port          int    `yaml:"port"`
	Env           string `yaml:"env"`
	Timezone      string `yaml:"timezone"`
	LogLevel      string `yaml:"logLevel"`
	LogFormat     string `yaml:"logFormat"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	PersistenceType string `yaml:"persistenceType"`
	PostgresDSN     string `yaml:"postgresDsn"`

	// TaskRefreshSeconds is the poll interval of every task watch job.
	TaskRefreshSeconds      int `yaml:"taskRefreshSeconds"`
	SchedulerWorkers        int `yaml:"schedulerWorkers"`
	SchedulerResolutionMs   int `yaml:"schedulerResolutionMs"`
	RecoveryIntervalSeconds int `yaml:"recoveryIntervalSeconds"`
	RecoveryBatchSize       int `yaml:"recoveryBatchSize"`
	DispatchConcurrency     int `yaml:"dispatchConcurrency"`

	VirusTotal   VirusTotalConfig   `yaml:"virustotal"`
	Cuckoo       CuckooConfig       `yaml:"cuckoo"`
	SSLValidator SSLValidatorConfig `yaml:"sslValidator"`
	TopValidator TopValidatorConfig `yaml:"topValidator"`
	// FileAnalysers names the analysers that receive file uploads.
	FileAnalysers []string `yaml:"fileAnalysers"`

	CacheBuster bool `yaml:"cacheBuster"`
	// ArtifactsDir caches downloaded artifacts such as the top-sites archive.
	ArtifactsDir   string `yaml:"artifactsDir"`
	MaxUploadBytes int64  `yaml:"maxUploadBytes"`

	// AuthProvider selects the bearer token validator: "static" or "jwks".
	AuthProvider            string          `yaml:"authProvider"`
	StaticTokens            []StaticToken   `yaml:"staticTokens"`
	JwksURL                 string          `yaml:"jwksUrl"`
	JwtIssuer               string          `yaml:"jwtIssuer"`
	JwtAudience             string          `yaml:"jwtAudience"`
	AllowedClockSkewSeconds int             `yaml:"allowedClockSkewSeconds"`
	RateLimit               RateLimitConfig `yaml:"rateLimit"`

	WebhookHmacSecret               string `yaml:"webhookHmacSecret"`
	ResultWebhookMaxAttempts        int    `yaml:"resultWebhookMaxAttempts"`
	ResultWebhookBaseBackoffSeconds int    `yaml:"resultWebhookBaseBackoffSeconds"`
	ResultWebhookMaxBackoffSeconds  int    `yaml:"resultWebhookMaxBackoffSeconds"`
	// ResultWebhookBackoffJitter randomizes each retry delay by up to this fraction.
	ResultWebhookBackoffJitter float64 `yaml:"resultWebhookBackoffJitter"`

	OtelEndpoint string `yaml:"otelEndpoint"`
	OtelInsecure bool   `yaml:"otelInsecure"`
}

type VirusTotalConfig struct {
	BaseURL string `yaml:"baseUrl"`
	APIKey  string `yaml:"apiKey"`
	// RequestsPerMinute throttles upstream calls; the public API allows 4.
	RequestsPerMinute int `yaml:"requestsPerMinute"`
	TimeoutSeconds    int `yaml:"timeoutSeconds"`
}

type CuckooConfig struct {
	BaseURL           string `yaml:"baseUrl"`
	Username          string `yaml:"username"`
	Password          string `yaml:"password"`
	APIKey            string `yaml:"apiKey"`
	RequestsPerMinute int    `yaml:"requestsPerMinute"`
	TimeoutSeconds    int    `yaml:"timeoutSeconds"`
}

type SSLValidatorConfig struct {
	CABundle       string `yaml:"caBundle"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
}

type TopValidatorConfig struct {
	ListURL               string `yaml:"listUrl"`
	LocalPath             string `yaml:"localPath"`
	Limit                 int    `yaml:"limit"`
	MatchRegisteredDomain bool   `yaml:"matchRegisteredDomain"`
	DownloadMaxSeconds    int    `yaml:"downloadMaxSeconds"`
}

type StaticToken struct {
	Token   string   `yaml:"token"`
	Subject string   `yaml:"subject"`
	Role    string   `yaml:"role"`
	Scopes  []string `yaml:"scopes"`
}

// RateLimitConfig holds per-route-group token buckets. Zero values disable limiting.
type RateLimitConfig struct {
	Producer BucketConfig `yaml:"producer"`
	Admin    BucketConfig `yaml:"admin"`
	Webhook  BucketConfig `yaml:"webhook"`
}

type BucketConfig struct {
	RequestsPerMinute int `yaml:"requestsPerMinute"`
	BurstSize         int `yaml:"burstSize"`
}

func (b BucketConfig) Enabled() bool { return b.RequestsPerMinute > 0 }

// LoadConfig reads filePath and applies environment overrides and defaults.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	c.applyEnv()
	c.ApplyDefaults()
	c.logSummary()
	return &c, nil
}

// LoadConfigOptional is LoadConfig for deployments configured by environment only: an empty
// path or a missing file yields a config built from env and defaults.
func LoadConfigOptional(filePath string) (*Config, error) {
	if strings.TrimSpace(filePath) != "" {
		cfg, err := LoadConfig(filePath)
		if err == nil {
			return cfg, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	var c Config
	c.applyEnv()
	c.ApplyDefaults()
	c.logSummary()
	return &c, nil
}

func (c *Config) applyEnv() {
	envInt("PORT", &c.Port)
	envString("ENV", &c.Env)
	envString("LOG_LEVEL", &c.LogLevel)
	envString("LOG_FORMAT", &c.LogFormat)
	envString("REDIS_ADDR", &c.RedisAddr)
	envString("REDIS_PASSWORD", &c.RedisPassword)
	envString("PERSISTENCE_TYPE", &c.PersistenceType)
	envString("POSTGRES_DSN", &c.PostgresDSN)
	envInt("TASK_REFRESH_SECONDS", &c.TaskRefreshSeconds)
	envInt("SCHEDULER_WORKERS", &c.SchedulerWorkers)
	envInt("RECOVERY_INTERVAL_SECONDS", &c.RecoveryIntervalSeconds)
	envString("VIRUSTOTAL_API_URL", &c.VirusTotal.BaseURL)
	envString("VIRUSTOTAL_API_KEY", &c.VirusTotal.APIKey)
	envString("CUCKOO_API_URL", &c.Cuckoo.BaseURL)
	envString("CUCKOO_API_USER", &c.Cuckoo.Username)
	envString("CUCKOO_API_PASS", &c.Cuckoo.Password)
	envString("SSL_CA_BUNDLE", &c.SSLValidator.CABundle)
	envString("TOP_SITES_URL", &c.TopValidator.ListURL)
	envString("TOP_SITES_PATH", &c.TopValidator.LocalPath)
	envString("ARTIFACTS_DIR", &c.ArtifactsDir)
	envString("AUTH_PROVIDER", &c.AuthProvider)
	envString("JWKS_URL", &c.JwksURL)
	envString("JWT_ISSUER", &c.JwtIssuer)
	envString("JWT_AUDIENCE", &c.JwtAudience)
	envString("WEBHOOK_HMAC_SECRET", &c.WebhookHmacSecret)
	envInt("RESULT_WEBHOOK_MAX_ATTEMPTS", &c.ResultWebhookMaxAttempts)
	envString("OTEL_EXPORTER_OTLP_ENDPOINT", &c.OtelEndpoint)
	if v := os.Getenv("FILE_ANALYSERS"); v != "" {
		c.FileAnalysers = splitList(v)
	}
	if v := os.Getenv("CACHE_BUSTER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.CacheBuster = b
		}
	}
}

// ApplyDefaults fills every unset field. LoadConfig and LoadConfigOptional call it.
func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Env == "" {
		c.Env = "dev"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.RedisAddr == "" {
		c.RedisAddr = "localhost:6379"
	}
	if c.PersistenceType == "" {
		c.PersistenceType = "redis"
	}
	if c.TaskRefreshSeconds <= 0 {
		c.TaskRefreshSeconds = 3600
	}
	if c.SchedulerWorkers <= 0 {
		c.SchedulerWorkers = 8
	}
	if c.SchedulerResolutionMs <= 0 {
		c.SchedulerResolutionMs = 500
	}
	if c.RecoveryIntervalSeconds <= 0 {
		c.RecoveryIntervalSeconds = 300
	}
	if c.RecoveryBatchSize <= 0 {
		c.RecoveryBatchSize = 500
	}
	if c.DispatchConcurrency <= 0 {
		c.DispatchConcurrency = 4
	}
	if c.VirusTotal.BaseURL == "" {
		c.VirusTotal.BaseURL = "https://www.virustotal.com"
	}
	if c.VirusTotal.RequestsPerMinute <= 0 {
		c.VirusTotal.RequestsPerMinute = 4
	}
	if c.VirusTotal.TimeoutSeconds <= 0 {
		c.VirusTotal.TimeoutSeconds = 30
	}
	if c.Cuckoo.BaseURL == "" {
		c.Cuckoo.BaseURL = "http://localhost:8090"
	}
	if c.Cuckoo.TimeoutSeconds <= 0 {
		c.Cuckoo.TimeoutSeconds = 60
	}
	if c.SSLValidator.CABundle == "" {
		c.SSLValidator.CABundle = "/etc/ssl/certs/ca-certificates.crt"
	}
	if c.SSLValidator.TimeoutSeconds <= 0 {
		c.SSLValidator.TimeoutSeconds = 10
	}
	if c.TopValidator.ListURL == "" {
		c.TopValidator.ListURL = "https://s3.amazonaws.com/alexa-static/top-1m.csv.zip"
	}
	if c.TopValidator.DownloadMaxSeconds <= 0 {
		c.TopValidator.DownloadMaxSeconds = 60
	}
	if c.ArtifactsDir == "" {
		c.ArtifactsDir = "/tmp/inspector-artifacts"
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = 32 << 20
	}
	if len(c.FileAnalysers) == 0 {
		c.FileAnalysers = []string{"cuckoo"}
	}
	if c.AuthProvider == "" {
		c.AuthProvider = "static"
	}
	if c.AllowedClockSkewSeconds <= 0 {
		c.AllowedClockSkewSeconds = 60
	}
	if c.ResultWebhookMaxAttempts <= 0 {
		c.ResultWebhookMaxAttempts = 5
	}
	if c.ResultWebhookBaseBackoffSeconds <= 0 {
		c.ResultWebhookBaseBackoffSeconds = 2
	}
	if c.ResultWebhookMaxBackoffSeconds <= 0 {
		c.ResultWebhookMaxBackoffSeconds = 60
	}
	if c.ResultWebhookBackoffJitter <= 0 {
		c.ResultWebhookBackoffJitter = 0.5
	}
}

func (c *Config) logSummary() {
	log.Printf("Inspector Config: {Port:%d Persistence:%s Redis:%s Refresh:%ds Workers:%d FileAnalysers:%v}\n",
		c.Port, c.PersistenceType, c.RedisAddr, c.TaskRefreshSeconds, c.SchedulerWorkers, c.FileAnalysers)
}

func (c *Config) Validate() error {
	var errs []string
	dev := strings.EqualFold(strings.TrimSpace(c.Env), "dev")

	switch c.PersistenceType {
	case "memory", "redis":
	case "postgres":
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, "postgresDsn is required for postgres persistence")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown persistenceType %q", c.PersistenceType))
	}
	for name, raw := range map[string]string{"virustotal.baseUrl": c.VirusTotal.BaseURL, "cuckoo.baseUrl": c.Cuckoo.BaseURL} {
		if !validHTTPURL(raw) {
			errs = append(errs, name+" must be a valid http(s) URL")
		}
	}
	if (c.Cuckoo.Username == "") != (c.Cuckoo.Password == "") {
		errs = append(errs, "cuckoo username and password must be set together")
	}
	if c.JwksURL != "" && !validHTTPURL(c.JwksURL) {
		errs = append(errs, "jwksUrl must be a valid http(s) URL")
	}
	if c.AuthProvider == "jwks" && c.JwksURL == "" {
		errs = append(errs, "jwksUrl is required for jwks auth")
	}
	if c.AuthProvider == "static" && len(c.StaticTokens) == 0 && !dev {
		errs = append(errs, "staticTokens are required in non-dev")
	}
	if c.ResultWebhookBackoffJitter > 1 {
		errs = append(errs, "resultWebhookBackoffJitter must be between 0 and 1")
	}
	if c.ResultWebhookMaxBackoffSeconds < c.ResultWebhookBaseBackoffSeconds {
		errs = append(errs, "resultWebhookMaxBackoffSeconds must not be below resultWebhookBaseBackoffSeconds")
	}
	if strings.TrimSpace(c.WebhookHmacSecret) == "" && !dev {
		errs = append(errs, "webhookHmacSecret is required in non-dev")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
