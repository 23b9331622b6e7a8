package authguard

import (
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/MrEthical07/authguard/abuse"
	"github.com/MrEthical07/authguard/audit"
	"github.com/MrEthical07/authguard/fieldcrypt"
	"github.com/MrEthical07/authguard/jwt"
	"github.com/MrEthical07/authguard/mfa"
	"github.com/MrEthical07/authguard/permission"
	"github.com/MrEthical07/authguard/session"
)

// Builder assembles an [Engine]. A Builder can be used once.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	capabilities []string
	sessionStore session.Store
	auditStore   audit.Store
	alerter      audit.Alerter
	logger       *zap.Logger
	now          func() time.Time

	built bool
}

// New returns a Builder seeded with [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

// WithConfig replaces the configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the Redis client backing sessions, MFA, audit and rate limits.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithCapabilities sets the permission names tokens may carry. When unset,
// tokens must carry no permissions.
func (b *Builder) WithCapabilities(names []string) *Builder {
	b.capabilities = append([]string(nil), names...)
	return b
}

// WithSessionStore overrides the Redis session store.
func (b *Builder) WithSessionStore(store session.Store) *Builder {
	b.sessionStore = store
	return b
}

// WithAuditStore overrides the audit backend selected by Config.Audit.Backend.
func (b *Builder) WithAuditStore(store audit.Store) *Builder {
	b.auditStore = store
	return b
}

// WithAlerter sets the hook invoked for high and critical events.
func (b *Builder) WithAlerter(alerter audit.Alerter) *Builder {
	b.alerter = alerter
	return b
}

// WithLogger sets the structured logger. The default discards output.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithClock overrides the clock used for token and session timestamps.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Build validates the configuration and wires every component.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := b.now
	if now == nil {
		now = time.Now
	}

	// -------- CAPABILITY REGISTRY --------
	registry := permission.NewRegistry()
	for _, name := range b.capabilities {
		if err := registry.Register(name); err != nil {
			return nil, err
		}
	}
	registry.Freeze()

	// -------- TOKENS --------
	tokens, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		RefreshTTL:    cfg.JWT.RefreshTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		Access: jwt.KeySet{
			PrivateKey: cloneBytes(cfg.JWT.AccessKey),
			PublicKey:  cloneBytes(cfg.JWT.AccessPublicKey),
			KeyID:      cfg.JWT.KeyID,
		},
		Refresh: jwt.KeySet{
			PrivateKey: cloneBytes(cfg.JWT.RefreshKey),
			PublicKey:  cloneBytes(cfg.JWT.RefreshPublicKey),
			KeyID:      cfg.JWT.KeyID,
		},
		Issuer:       cfg.JWT.Issuer,
		Audience:     cfg.JWT.Audience,
		Leeway:       cfg.JWT.Leeway,
		RequireIAT:   true,
		Capabilities: registry,
		Now:          now,
	})
	if err != nil {
		return nil, fmt.Errorf("jwt: %w", err)
	}

	// -------- SESSION STORE --------
	sessions := b.sessionStore
	if sessions == nil {
		sessions = session.NewRedisStore(b.redis, cfg.Session.RedisPrefix, !cfg.Session.DisableUserIndex)
	}

	// -------- AUDIT --------
	auditStore := b.auditStore
	if auditStore == nil {
		if cfg.Audit.Backend == "memory" {
			auditStore = audit.NewMemoryStore()
		} else {
			auditStore = audit.NewRedisStore(b.redis, cfg.Audit.RedisPrefix)
		}
	}
	auditLog := audit.New(auditStore, logger, b.alerter, audit.Config{
		AppendTimeout: cfg.Session.StoreTimeout,
		AlertBuffer:   cfg.Audit.AlertBuffer,
		AlertTimeout:  cfg.Audit.AlertTimeout,
	})

	// -------- MFA --------
	mfaCfg := mfa.DefaultConfig()
	mfaCfg.Issuer = cfg.MFA.Issuer
	mfaCfg.Skew = cfg.MFA.Skew
	mfaCfg.BackupCodeCount = cfg.MFA.BackupCodeCount
	mfaCfg.MaxBackupAttempts = cfg.MFA.MaxBackupAttempts
	mfaCfg.BackupCooldown = cfg.MFA.BackupCooldown
	mfaCfg.ConsumedRetention = cfg.MFA.ConsumedRetention
	mfaCfg.MaxTOTPAttempts = cfg.MFA.MaxTOTPAttempts
	mfaCfg.TOTPCooldown = cfg.MFA.TOTPCooldown
	mfaCfg.EnforceReplayProtection = cfg.MFA.EnforceReplayProtection
	mfaCfg.Now = now
	mfaManager, err := mfa.NewManager(b.redis, mfaCfg)
	if err != nil {
		auditLog.Close()
		return nil, err
	}

	// -------- FIELD ENCRYPTION --------
	var crypto *fieldcrypt.Service
	if len(cfg.Crypto.Secret) > 0 {
		crypto, err = fieldcrypt.New(fieldcrypt.Config{
			Secret:  cfg.Crypto.Secret,
			Salt:    cfg.Crypto.Salt,
			Time:    cfg.Crypto.Time,
			Memory:  cfg.Crypto.Memory,
			Threads: cfg.Crypto.Threads,
		})
		if err != nil {
			auditLog.Close()
			return nil, err
		}
	}

	engine := &Engine{
		config:   cfg,
		logger:   logger.Named("authguard"),
		registry: registry,
		tokens:   tokens,
		sessions: sessions,
		mfa:      mfaManager,
		crypto:   crypto,
		audit:    auditLog,
		metrics:  NewMetrics(cfg.Metrics),
		now:      now,
	}
	engine.guard = abuse.NewGuard(b.redis, auditLog, logger, abuse.Config{
		FailOpen:     cfg.Abuse.FailOpen,
		KeyPrefix:    cfg.Abuse.RedisPrefix,
		StoreTimeout: cfg.Session.StoreTimeout,
	})

	b.built = true
	return engine, nil
}
