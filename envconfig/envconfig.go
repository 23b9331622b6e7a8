// Package envconfig loads engine settings from the environment and an
// optional .env file using Viper.
package envconfig

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/MrEthical07/authguard"
)

// Env is the flat environment view of an authguard deployment.
type Env struct {
	// AppEnv is "development" or "production".
	AppEnv string `mapstructure:"AUTHGUARD_ENV"`
	// LogLevel is a zap level name (debug, info, warn, error).
	LogLevel string `mapstructure:"AUTHGUARD_LOG_LEVEL"`
	// Diagnostic exposes internal error detail in public messages. Development only.
	Diagnostic bool `mapstructure:"AUTHGUARD_DIAGNOSTIC"`

	// RedisAddr is host:port of the Redis backing every store.
	RedisAddr     string `mapstructure:"AUTHGUARD_REDIS_ADDR"`
	RedisPassword string `mapstructure:"AUTHGUARD_REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"AUTHGUARD_REDIS_DB"`

	// JWT keys are raw strings, or base64 when prefixed with "base64:".
	JWTAccessKey     string        `mapstructure:"AUTHGUARD_JWT_ACCESS_KEY"`
	JWTRefreshKey    string        `mapstructure:"AUTHGUARD_JWT_REFRESH_KEY"`
	JWTSigningMethod string        `mapstructure:"AUTHGUARD_JWT_SIGNING_METHOD"`
	JWTIssuer        string        `mapstructure:"AUTHGUARD_JWT_ISSUER"`
	JWTAudience      string        `mapstructure:"AUTHGUARD_JWT_AUDIENCE"`
	JWTAccessTTL     time.Duration `mapstructure:"AUTHGUARD_JWT_ACCESS_TTL"`
	JWTRefreshTTL    time.Duration `mapstructure:"AUTHGUARD_JWT_REFRESH_TTL"`

	StoreTimeout time.Duration `mapstructure:"AUTHGUARD_STORE_TIMEOUT"`

	MFAIssuer string `mapstructure:"AUTHGUARD_MFA_ISSUER"`

	// CryptoSecret enables field encryption when set.
	CryptoSecret string `mapstructure:"AUTHGUARD_CRYPTO_SECRET"`
	CryptoSalt   string `mapstructure:"AUTHGUARD_CRYPTO_SALT"`

	AuditBackend string `mapstructure:"AUTHGUARD_AUDIT_BACKEND"`
	// KafkaBrokers is a comma-separated broker list. When set, high and
	// critical security events are published to KafkaAlertTopic.
	KafkaBrokers    string `mapstructure:"AUTHGUARD_KAFKA_BROKERS"`
	KafkaAlertTopic string `mapstructure:"AUTHGUARD_KAFKA_ALERT_TOPIC"`

	RateLimitFailOpen bool `mapstructure:"AUTHGUARD_RATE_LIMIT_FAIL_OPEN"`
	// TrustedProxies is a comma-separated list of CIDRs or addresses whose
	// X-Forwarded-For header is honored when keying rate limits.
	TrustedProxies string `mapstructure:"AUTHGUARD_TRUSTED_PROXIES"`
	MetricsLatency bool   `mapstructure:"AUTHGUARD_METRICS_LATENCY"`
}

// Load reads the .env file at path (if present), then overlays the process
// environment. A missing file is ignored. An empty path reads ".env".
func Load(path string) (*Env, error) {
	if path == "" {
		path = ".env"
	}
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("env")
	_ = v.ReadInConfig() // missing file is fine

	v.AutomaticEnv()

	def := authguard.DefaultConfig()
	v.SetDefault("AUTHGUARD_ENV", def.Environment)
	v.SetDefault("AUTHGUARD_LOG_LEVEL", "info")
	v.SetDefault("AUTHGUARD_DIAGNOSTIC", false)
	v.SetDefault("AUTHGUARD_REDIS_ADDR", "localhost:6379")
	v.SetDefault("AUTHGUARD_REDIS_PASSWORD", "")
	v.SetDefault("AUTHGUARD_REDIS_DB", 0)
	v.SetDefault("AUTHGUARD_JWT_ACCESS_KEY", "")
	v.SetDefault("AUTHGUARD_JWT_REFRESH_KEY", "")
	v.SetDefault("AUTHGUARD_JWT_SIGNING_METHOD", def.JWT.SigningMethod)
	v.SetDefault("AUTHGUARD_JWT_ISSUER", def.JWT.Issuer)
	v.SetDefault("AUTHGUARD_JWT_AUDIENCE", "")
	v.SetDefault("AUTHGUARD_JWT_ACCESS_TTL", def.JWT.AccessTTL.String())
	v.SetDefault("AUTHGUARD_JWT_REFRESH_TTL", def.JWT.RefreshTTL.String())
	v.SetDefault("AUTHGUARD_STORE_TIMEOUT", def.Session.StoreTimeout.String())
	v.SetDefault("AUTHGUARD_MFA_ISSUER", def.MFA.Issuer)
	v.SetDefault("AUTHGUARD_CRYPTO_SECRET", "")
	v.SetDefault("AUTHGUARD_CRYPTO_SALT", "")
	v.SetDefault("AUTHGUARD_AUDIT_BACKEND", def.Audit.Backend)
	v.SetDefault("AUTHGUARD_KAFKA_BROKERS", "")
	v.SetDefault("AUTHGUARD_KAFKA_ALERT_TOPIC", "authguard-security-alerts")
	v.SetDefault("AUTHGUARD_RATE_LIMIT_FAIL_OPEN", def.Abuse.FailOpen)
	v.SetDefault("AUTHGUARD_METRICS_LATENCY", false)
	v.SetDefault("AUTHGUARD_TRUSTED_PROXIES", "")

	var env Env
	if err := v.Unmarshal(&env); err != nil {
		return nil, err
	}

	if env.RedisAddr == "" {
		return nil, errors.New("envconfig: AUTHGUARD_REDIS_ADDR must be set")
	}
	if env.Diagnostic && env.AppEnv == authguard.EnvProduction {
		return nil, errors.New("envconfig: AUTHGUARD_DIAGNOSTIC must not be true when AUTHGUARD_ENV=production")
	}
	return &env, nil
}

// KafkaBrokerList splits KafkaBrokers, dropping blanks.
func (e *Env) KafkaBrokerList() []string {
	if e == nil {
		return nil
	}
	return splitList(e.KafkaBrokers)
}

// TrustedProxyList splits TrustedProxies, dropping blanks.
func (e *Env) TrustedProxyList() []string {
	if e == nil {
		return nil
	}
	return splitList(e.TrustedProxies)
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Config converts e into an engine configuration and validates it.
func (e *Env) Config() (authguard.Config, error) {
	cfg := authguard.DefaultConfig()
	cfg.Environment = e.AppEnv
	cfg.Diagnostic = e.Diagnostic

	var err error
	if cfg.JWT.AccessKey, err = decodeSecret(e.JWTAccessKey); err != nil {
		return cfg, fmt.Errorf("envconfig: AUTHGUARD_JWT_ACCESS_KEY: %w", err)
	}
	if cfg.JWT.RefreshKey, err = decodeSecret(e.JWTRefreshKey); err != nil {
		return cfg, fmt.Errorf("envconfig: AUTHGUARD_JWT_REFRESH_KEY: %w", err)
	}
	cfg.JWT.SigningMethod = strings.ToLower(e.JWTSigningMethod)
	cfg.JWT.Issuer = e.JWTIssuer
	cfg.JWT.Audience = e.JWTAudience
	cfg.JWT.AccessTTL = e.JWTAccessTTL
	cfg.JWT.RefreshTTL = e.JWTRefreshTTL
	cfg.Session.StoreTimeout = e.StoreTimeout
	cfg.MFA.Issuer = e.MFAIssuer

	if cfg.Crypto.Secret, err = decodeSecret(e.CryptoSecret); err != nil {
		return cfg, fmt.Errorf("envconfig: AUTHGUARD_CRYPTO_SECRET: %w", err)
	}
	if cfg.Crypto.Salt, err = decodeSecret(e.CryptoSalt); err != nil {
		return cfg, fmt.Errorf("envconfig: AUTHGUARD_CRYPTO_SALT: %w", err)
	}

	cfg.Audit.Backend = e.AuditBackend
	cfg.Abuse.FailOpen = e.RateLimitFailOpen
	cfg.Metrics.EnableLatencyHistograms = e.MetricsLatency

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("envconfig: %w", err)
	}
	return cfg, nil
}

func decodeSecret(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	if raw, ok := strings.CutPrefix(s, "base64:"); ok {
		return base64.StdEncoding.DecodeString(raw)
	}
	return []byte(s), nil
}
