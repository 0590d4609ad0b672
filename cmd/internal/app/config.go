package app

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Store backends.
const (
	BackendGitHub   = "github"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string `env:"PAIRGATE_HTTP_ADDR" envDefault:"0.0.0.0:8080"`
	// Port overrides the port of HTTPAddr (PaaS convention).
	Port int `env:"PORT"`

	LogLevel  string `env:"PAIRGATE_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"PAIRGATE_LOG_FORMAT" envDefault:"json"`
	LogColor  bool   `env:"PAIRGATE_LOG_COLOR" envDefault:"true"`

	ReadHeaderTimeout time.Duration `env:"PAIRGATE_HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"PAIRGATE_HTTP_READ_TIMEOUT" envDefault:"15s"`
	// WriteTimeout must exceed PairingTimeout: the pair route answers only once a code exists.
	WriteTimeout   time.Duration `env:"PAIRGATE_HTTP_WRITE_TIMEOUT" envDefault:"60s"`
	IdleTimeout    time.Duration `env:"PAIRGATE_HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	MaxHeaderBytes int           `env:"PAIRGATE_HTTP_MAX_HEADER_BYTES" envDefault:"1048576"`

	// Pair requests per client IP within PairRateWindow. 0 disables the throttle.
	PairRateMax    int           `env:"PAIRGATE_PAIR_RATE_MAX" envDefault:"10"`
	PairRateWindow time.Duration `env:"PAIRGATE_PAIR_RATE_WINDOW" envDefault:"1m"`
	TrustProxy     bool          `env:"PAIRGATE_TRUST_PROXY"`

	CORSAllowedOrigins   []string `env:"PAIRGATE_CORS_ALLOWED_ORIGINS" envSeparator:","`
	CORSAllowCredentials bool     `env:"PAIRGATE_CORS_ALLOW_CREDENTIALS"`
	CORSMaxAgeSeconds    int      `env:"PAIRGATE_CORS_MAX_AGE_SECONDS" envDefault:"600"`

	StoreBackend      string `env:"PAIRGATE_STORE_BACKEND" envDefault:"github"`
	StorePrefix       string `env:"PAIRGATE_STORE_PREFIX" envDefault:"sessions"`
	StoreMaxConflicts int    `env:"PAIRGATE_STORE_MAX_CONFLICT_RETRIES" envDefault:"3"`

	GitHubToken       string        `env:"PAIRGATE_GITHUB_TOKEN"`
	GitHubOwner       string        `env:"PAIRGATE_GITHUB_OWNER"`
	GitHubRepo        string        `env:"PAIRGATE_GITHUB_REPO" envDefault:"pairgate-sessions"`
	GitHubBranch      string        `env:"PAIRGATE_GITHUB_BRANCH" envDefault:"main"`
	GitHubAPIURL      string        `env:"PAIRGATE_GITHUB_API_URL"`
	GitHubCreateInOrg bool          `env:"PAIRGATE_GITHUB_CREATE_IN_ORG"`
	GitHubTimeout     time.Duration `env:"PAIRGATE_GITHUB_TIMEOUT" envDefault:"20s"`

	DatabaseURL string `env:"PAIRGATE_DATABASE_URL"`
	DBMaxConns  int32  `env:"PAIRGATE_DB_MAX_CONNS" envDefault:"10"`
	DBMinConns  int32  `env:"PAIRGATE_DB_MIN_CONNS" envDefault:"0"`
	DBSchema    string `env:"PAIRGATE_DB_SCHEMA" envDefault:"pairgate"`

	BridgeURL              string        `env:"PAIRGATE_BRIDGE_URL"`
	BridgeToken            string        `env:"PAIRGATE_BRIDGE_TOKEN"`
	BridgeHandshakeTimeout time.Duration `env:"PAIRGATE_BRIDGE_HANDSHAKE_TIMEOUT" envDefault:"15s"`
	BridgeRequestTimeout   time.Duration `env:"PAIRGATE_BRIDGE_REQUEST_TIMEOUT" envDefault:"20s"`

	PairingTimeout     time.Duration `env:"PAIRGATE_PAIRING_TIMEOUT" envDefault:"30s"`
	LinkTimeout        time.Duration `env:"PAIRGATE_LINK_TIMEOUT" envDefault:"5m"`
	SettleDelay        time.Duration `env:"PAIRGATE_SETTLE_DELAY" envDefault:"3s"`
	PairingMode        string        `env:"PAIRGATE_PAIRING_MODE" envDefault:"code"`
	ExistingSession    string        `env:"PAIRGATE_EXISTING_SESSION" envDefault:"report"`
	StrictNumbers      bool          `env:"PAIRGATE_STRICT_NUMBERS"`
	ReconnectMode      string        `env:"PAIRGATE_RECONNECT_MODE" envDefault:"exponential"`
	ReconnectInitial   time.Duration `env:"PAIRGATE_RECONNECT_INITIAL" envDefault:"1s"`
	ReconnectMax       time.Duration `env:"PAIRGATE_RECONNECT_MAX" envDefault:"10s"`
	ReconnectRetries   int           `env:"PAIRGATE_RECONNECT_RETRIES" envDefault:"3"`
	DeliverCredentials bool          `env:"PAIRGATE_DELIVER_CREDENTIALS" envDefault:"true"`
	DeliveryNote       string        `env:"PAIRGATE_DELIVERY_NOTE"`

	RedisURL string `env:"PAIRGATE_REDIS_URL"`

	NATSURL           string `env:"PAIRGATE_NATS_URL"`
	NATSSubjectPrefix string `env:"PAIRGATE_NATS_SUBJECT_PREFIX" envDefault:"pairgate"`
	NATSJetStream     bool   `env:"PAIRGATE_NATS_JETSTREAM"`

	MetricsEnabled bool `env:"PAIRGATE_METRICS_ENABLED" envDefault:"true"`

	// If true, /readyz pings the session store.
	ReadinessCheckStore bool `env:"PAIRGATE_READINESS_CHECK_STORE" envDefault:"true"`

	// Admin API keys, plain or "sha256:<hex>" / "hmac:<hex>" digests.
	APIKeys      []string `env:"PAIRGATE_API_KEYS" envSeparator:","`
	TokenHMACKey string   `env:"PAIRGATE_TOKEN_HMAC_KEY"`
	// Security policy: if true, PAIRGATE_TOKEN_HMAC_KEY MUST be set (>= 32 bytes).
	RequireTokenHMAC bool `env:"PAIRGATE_REQUIRE_TOKEN_HMAC"`
}

// LoadConfig reads .env files (missing files are ignored) and then the process
// environment. Variables already set in the environment win over file values.
func LoadConfig(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	if cfg.Port > 0 {
		host, _, err := net.SplitHostPort(cfg.HTTPAddr)
		if err != nil {
			host = ""
		}
		cfg.HTTPAddr = net.JoinHostPort(host, strconv.Itoa(cfg.Port))
	}
	return cfg, nil
}

// Validate enforces mandatory settings for the configured backends.
func (c Config) Validate() error {
	var errs []error

	switch c.StoreBackend {
	case BackendGitHub:
		if strings.TrimSpace(c.GitHubToken) == "" {
			errs = append(errs, errors.New("PAIRGATE_GITHUB_TOKEN is required for the github store"))
		}
		if strings.TrimSpace(c.GitHubOwner) == "" {
			errs = append(errs, errors.New("PAIRGATE_GITHUB_OWNER is required for the github store"))
		}
		if strings.TrimSpace(c.GitHubRepo) == "" {
			errs = append(errs, errors.New("PAIRGATE_GITHUB_REPO is required for the github store"))
		}
	case BackendPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			errs = append(errs, errors.New("PAIRGATE_DATABASE_URL is required for the postgres store"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown PAIRGATE_STORE_BACKEND %q", c.StoreBackend))
	}

	switch c.PairingMode {
	case "code", "qr":
	default:
		errs = append(errs, fmt.Errorf("unknown PAIRGATE_PAIRING_MODE %q", c.PairingMode))
	}
	switch c.ExistingSession {
	case "report", "resume":
	default:
		errs = append(errs, fmt.Errorf("unknown PAIRGATE_EXISTING_SESSION %q", c.ExistingSession))
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "pretty", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown PAIRGATE_LOG_FORMAT %q", c.LogFormat))
	}
	if c.WriteTimeout > 0 && c.WriteTimeout <= c.PairingTimeout {
		errs = append(errs, errors.New("PAIRGATE_HTTP_WRITE_TIMEOUT must exceed PAIRGATE_PAIRING_TIMEOUT"))
	}
	if err := ValidateSecurityConfig(c); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ValidateBridge checks the settings needed to open device sessions.
func (c Config) ValidateBridge() error {
	raw := strings.TrimSpace(c.BridgeURL)
	if raw == "" {
		return errors.New("PAIRGATE_BRIDGE_URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("PAIRGATE_BRIDGE_URL %q is not a valid URL", raw)
	}
	return nil
}
