package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DeploymentConfig models deployments.json: chain, contract and token addresses.
type DeploymentConfig struct {
	ChainID   int64  `json:"chainId"`
	RPCURL    string `json:"rpcUrl"`
	Contracts struct {
		MiniSafe  string `json:"MiniSafe"`
		UBIScheme string `json:"UBIScheme"`
		Identity  string `json:"Identity"`
	} `json:"contracts"`
	Tokens   map[string]TokenDeployment `json:"tokens"`
	Receiver string                     `json:"receiver"`
	Referral struct {
		Consumer  string   `json:"consumer"`
		Providers []string `json:"providers"`
	} `json:"referral"`
	DefaultCurrency string `json:"defaultCurrency"`
}

// TokenDeployment overrides a built-in token address or precision.
type TokenDeployment struct {
	Address  string `json:"address"`
	Decimals int32  `json:"decimals"`
}

// AppConfig ties together deployment info and derived values.
type AppConfig struct {
	Deployment DeploymentConfig
	Service    ServiceConfig
	Chain      ChainConfig
	Aggregator AggregatorConfig
	Referral   ReferralConfig
	Store      StoreConfig
	Retry      RetryConfig
	Payment    PaymentConfig
}

type ServiceConfig struct {
	Name               string
	Env                string
	HTTPPort           int
	HMACSecret         string
	HMACClockSkew      time.Duration
	IdempotencyWindow  time.Duration
	RateLimitPerMinute int
	LogFile            string
}

type ChainConfig struct {
	RPCURL         string
	PrivateKey     string
	RPCTimeout     time.Duration
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

type AggregatorConfig struct {
	AuthURL             string
	APIURL              string
	SandboxAPIURL       string
	BillerAPIURL        string
	SandboxBillerAPIURL string
	FXURL               string
	SandboxFXURL        string
	ClientID            string
	ClientSecret        string
	Audience            string
	Sandbox             bool
	Timeout             time.Duration
}

// BaseURL returns the API base for the active mode.
func (a AggregatorConfig) BaseURL() string {
	if a.Sandbox {
		return a.SandboxAPIURL
	}
	return a.APIURL
}

// BillerBaseURL returns the bill-payment API base for the active mode.
func (a AggregatorConfig) BillerBaseURL() string {
	if a.Sandbox {
		return a.SandboxBillerAPIURL
	}
	return a.BillerAPIURL
}

// FXEndpoint returns the FX endpoint for the active mode.
func (a AggregatorConfig) FXEndpoint() string {
	if a.Sandbox {
		return a.SandboxFXURL
	}
	return a.FXURL
}

// AudienceURL falls back to the active API base when no explicit audience is set.
func (a AggregatorConfig) AudienceURL() string {
	if a.Audience != "" {
		return a.Audience
	}
	return a.BaseURL()
}

type ReferralConfig struct {
	APIURL string
}

type StoreConfig struct {
	Driver      string
	Path        string
	PostgresDSN string
	RedisURL    string
}

type RetryConfig struct {
	ReadAttempts   int
	InitialBackoff time.Duration
}

type PaymentConfig struct {
	AwaitConfirmation bool
	CheckBalance      bool
}

const defaultDeploymentsPath = "deployments.json"

// Load aggregates configuration from disk and environment.
func Load() (*AppConfig, error) {
	// .env is optional; real environment variables always win.
	if err := godotenv.Load(envOr("DOTENV_PATH", ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load dotenv: %w", err)
	}

	deploymentsPath := envOr("DEPLOYMENTS_PATH", defaultDeploymentsPath)
	deployCfg, err := loadDeployments(deploymentsPath)
	if err != nil {
		return nil, fmt.Errorf("load deployments: %w", err)
	}

	serviceCfg := ServiceConfig{
		Name:               envOr("SERVICE_NAME", "minisafe"),
		Env:                envOr("APP_ENV", "development"),
		HTTPPort:           envOrInt("API_HTTP_PORT", 3000),
		HMACSecret:         envOr("HMAC_SECRET", ""),
		HMACClockSkew:      time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
		IdempotencyWindow:  time.Duration(envOrInt("IDEMPOTENCY_WINDOW_SECONDS", 86400)) * time.Second,
		RateLimitPerMinute: envOrInt("RATE_LIMIT_PER_MINUTE", 60),
		LogFile:            envOr("LOG_FILE", ""),
	}

	chainCfg := ChainConfig{
		RPCURL:         envOr("CHAIN_RPC_URL", deployCfg.RPCURL),
		PrivateKey:     envOr("CHAIN_PRIVATE_KEY", ""),
		RPCTimeout:     time.Duration(envOrInt("RPC_TIMEOUT_MS", 15000)) * time.Millisecond,
		ConfirmTimeout: time.Duration(envOrInt("CONFIRM_TIMEOUT_SECONDS", 120)) * time.Second,
		PollInterval:   time.Duration(envOrInt("RECEIPT_POLL_MS", 2000)) * time.Millisecond,
	}

	aggCfg := AggregatorConfig{
		AuthURL:             envOr("AGGREGATOR_AUTH_URL", ""),
		APIURL:              envOr("AGGREGATOR_API_URL", ""),
		SandboxAPIURL:       envOr("AGGREGATOR_SANDBOX_API_URL", ""),
		BillerAPIURL:        envOr("AGGREGATOR_BILLER_API_URL", ""),
		SandboxBillerAPIURL: envOr("AGGREGATOR_SANDBOX_BILLER_API_URL", ""),
		FXURL:               envOr("AGGREGATOR_FX_URL", ""),
		SandboxFXURL:        envOr("AGGREGATOR_SANDBOX_FX_URL", ""),
		ClientID:            envOr("AGGREGATOR_CLIENT_ID", ""),
		ClientSecret:        envOr("AGGREGATOR_CLIENT_SECRET", ""),
		Audience:            envOr("AGGREGATOR_AUDIENCE", ""),
		Sandbox:             envOrBool("SANDBOX_MODE", false),
		Timeout:             time.Duration(envOrInt("HTTP_TIMEOUT_MS", 10000)) * time.Millisecond,
	}

	storeCfg := StoreConfig{
		Driver:      strings.ToLower(envOr("STORE_DRIVER", "file")),
		Path:        envOr("STORE_PATH", filepath.Join(os.TempDir(), "minisafe-store.json")),
		PostgresDSN: envOr("POSTGRES_DSN", ""),
		RedisURL:    envOr("REDIS_URL", ""),
	}

	retryCfg := RetryConfig{
		ReadAttempts:   envOrInt("RPC_READ_ATTEMPTS", 2),
		InitialBackoff: time.Duration(envOrInt("RETRY_BACKOFF_MS", 500)) * time.Millisecond,
	}

	paymentCfg := PaymentConfig{
		AwaitConfirmation: envOrBool("PAYMENT_AWAIT_CONFIRMATION", false),
		CheckBalance:      envOrBool("PAYMENT_CHECK_BALANCE", true),
	}

	return &AppConfig{
		Deployment: *deployCfg,
		Service:    serviceCfg,
		Chain:      chainCfg,
		Aggregator: aggCfg,
		Referral:   ReferralConfig{APIURL: envOr("REFERRAL_API_URL", "")},
		Store:      storeCfg,
		Retry:      retryCfg,
		Payment:    paymentCfg,
	}, nil
}

func loadDeployments(path string) (*DeploymentConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg DeploymentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.ChainID == 0 {
		return nil, errors.New("chainId is required")
	}
	if cfg.Contracts.MiniSafe == "" {
		return nil, errors.New("contracts.MiniSafe is required")
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "NGN"
	}
	return &cfg, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}
