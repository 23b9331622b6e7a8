package authguard

import (
	"errors"
	"time"
)

// Environment names accepted by Config.Environment.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config is the complete engine configuration. Start from [DefaultConfig]
// and override fields; [Builder.Build] validates it.
type Config struct {
	Environment string
	// Diagnostic appends internal error detail to PublicMessage output.
	// Rejected in production.
	Diagnostic bool

	JWT     JWTConfig
	Session SessionConfig
	MFA     MFAConfig
	Crypto  CryptoConfig
	Audit   AuditConfig
	Abuse   AbuseConfig
	Metrics MetricsConfig
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig controls token signing. Access and refresh tokens must use
// different keys.
type JWTConfig struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SigningMethod string // "hs256" (default) or "ed25519"
	AccessKey     []byte
	RefreshKey    []byte
	// Public keys are only needed for ed25519 when the private key is absent.
	AccessPublicKey  []byte
	RefreshPublicKey []byte
	KeyID            string
	Issuer           string
	Audience         string
	Leeway           time.Duration
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig controls the session store.
type SessionConfig struct {
	RedisPrefix string
	// StoreTimeout bounds every store call. A timeout is treated as the
	// store being unavailable.
	StoreTimeout time.Duration
	// DisableUserIndex stops maintaining the per-user session set. User-wide
	// revocation then scans every session key.
	DisableUserIndex bool
}

/*
====================================
MFA CONFIG
====================================
*/

// MFAConfig controls TOTP and backup codes.
type MFAConfig struct {
	Issuer            string
	Skew              uint
	BackupCodeCount   int
	MaxBackupAttempts int
	BackupCooldown    time.Duration
	ConsumedRetention time.Duration
	MaxTOTPAttempts   int
	TOTPCooldown      time.Duration
	// EnforceReplayProtection rejects a TOTP code from a time step already
	// accepted for the user.
	EnforceReplayProtection bool
}

/*
====================================
CRYPTO CONFIG
====================================
*/

// CryptoConfig controls field encryption. An empty Secret disables the
// encryption methods.
type CryptoConfig struct {
	Secret  []byte
	Salt    []byte
	Time    uint32
	Memory  uint32
	Threads uint8
}

/*
====================================
AUDIT CONFIG
====================================
*/

// AuditConfig controls the security event log.
type AuditConfig struct {
	// Backend is "redis" (default) or "memory".
	Backend      string
	RedisPrefix  string
	AlertBuffer  int
	AlertTimeout time.Duration
}

/*
====================================
ABUSE CONFIG
====================================
*/

// AbuseConfig controls rate limiting.
type AbuseConfig struct {
	RedisPrefix string
	// FailOpen admits calls when the counter store is unreachable.
	FailOpen bool
}

/*
====================================
METRICS CONFIG
====================================
*/

// MetricsConfig controls in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// DefaultConfig returns production-leaning defaults. JWT keys are left empty
// and must be supplied.
func DefaultConfig() Config {
	return Config{
		Environment: EnvDevelopment,
		JWT: JWTConfig{
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    7 * 24 * time.Hour,
			SigningMethod: "hs256",
			Issuer:        "authguard",
			Leeway:        30 * time.Second,
		},
		Session: SessionConfig{
			RedisPrefix:  "ag",
			StoreTimeout: 250 * time.Millisecond,
		},
		MFA: MFAConfig{
			Issuer:                  "authguard",
			Skew:                    2,
			BackupCodeCount:         8,
			MaxBackupAttempts:       5,
			BackupCooldown:          15 * time.Minute,
			ConsumedRetention:       365 * 24 * time.Hour,
			MaxTOTPAttempts:         5,
			TOTPCooldown:            15 * time.Minute,
			EnforceReplayProtection: true,
		},
		Crypto: CryptoConfig{
			Time:    3,
			Memory:  64 * 1024,
			Threads: 2,
		},
		Audit: AuditConfig{
			Backend:      "redis",
			RedisPrefix:  "ag",
			AlertBuffer:  256,
			AlertTimeout: 5 * time.Second,
		},
		Abuse: AbuseConfig{
			RedisPrefix: "ag:rl",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.AccessKey = cloneBytes(cfg.JWT.AccessKey)
	out.JWT.RefreshKey = cloneBytes(cfg.JWT.RefreshKey)
	out.JWT.AccessPublicKey = cloneBytes(cfg.JWT.AccessPublicKey)
	out.JWT.RefreshPublicKey = cloneBytes(cfg.JWT.RefreshPublicKey)
	out.Crypto.Secret = cloneBytes(cfg.Crypto.Secret)
	out.Crypto.Salt = cloneBytes(cfg.Crypto.Salt)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.Environment != EnvDevelopment && c.Environment != EnvProduction {
		return errors.New("Environment must be 'development' or 'production'")
	}
	if c.Diagnostic && c.Environment == EnvProduction {
		return errors.New("Diagnostic error output is not allowed in production")
	}

	// JWT
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT AccessTTL must be > 0")
	}
	if c.JWT.RefreshTTL <= c.JWT.AccessTTL {
		return errors.New("JWT RefreshTTL must be greater than AccessTTL")
	}
	if c.JWT.SigningMethod != "ed25519" && c.JWT.SigningMethod != "hs256" {
		return errors.New("unsupported JWT signing method")
	}
	if c.JWT.SigningMethod == "hs256" && (len(c.JWT.AccessKey) == 0 || len(c.JWT.RefreshKey) == 0) {
		return errors.New("hs256 requires AccessKey and RefreshKey")
	}
	if c.JWT.SigningMethod == "ed25519" && len(c.JWT.AccessKey) == 0 && len(c.JWT.AccessPublicKey) == 0 {
		return errors.New("ed25519 requires AccessKey or AccessPublicKey")
	}
	if c.JWT.Leeway < 0 || c.JWT.Leeway > 2*time.Minute {
		return errors.New("JWT Leeway must be between 0 and 2m")
	}

	// Session
	if c.Session.StoreTimeout <= 0 {
		return errors.New("Session StoreTimeout must be > 0")
	}

	// MFA
	if c.MFA.Issuer == "" {
		return errors.New("MFA Issuer must be set")
	}
	if c.MFA.Skew > 5 {
		return errors.New("MFA Skew must be <= 5")
	}
	if c.MFA.BackupCodeCount <= 0 || c.MFA.BackupCodeCount > 32 {
		return errors.New("MFA BackupCodeCount must be between 1 and 32")
	}
	if c.MFA.MaxBackupAttempts <= 0 || c.MFA.BackupCooldown <= 0 {
		return errors.New("MFA backup attempt limits must be > 0")
	}
	if c.MFA.MaxTOTPAttempts <= 0 || c.MFA.TOTPCooldown <= 0 {
		return errors.New("MFA TOTP attempt limits must be > 0")
	}
	if c.MFA.ConsumedRetention <= 0 {
		return errors.New("MFA ConsumedRetention must be > 0")
	}

	// Crypto
	if len(c.Crypto.Secret) > 0 && len(c.Crypto.Secret) < 16 {
		return errors.New("Crypto Secret must be at least 16 bytes")
	}
	if c.Environment == EnvProduction && len(c.Crypto.Secret) > 0 && len(c.Crypto.Salt) == 0 {
		return errors.New("Crypto Salt must be set in production")
	}

	// Audit
	if c.Audit.Backend != "redis" && c.Audit.Backend != "memory" {
		return errors.New("Audit Backend must be 'redis' or 'memory'")
	}
	if c.Audit.AlertBuffer <= 0 {
		return errors.New("Audit AlertBuffer must be > 0")
	}
	if c.Audit.AlertTimeout <= 0 {
		return errors.New("Audit AlertTimeout must be > 0")
	}

	if c.Metrics.EnableLatencyHistograms && !c.Metrics.Enabled {
		return errors.New("Metrics EnableLatencyHistograms requires Metrics Enabled")
	}

	return nil
}
