package mfa

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/authguard/internal"
	"github.com/MrEthical07/authguard/internal/rate"
)

const (
	secretSize       = 20
	backupCodeBytes  = 4
	backupCodeLength = backupCodeBytes * 2
)

var (
	// ErrRateLimited is returned when a user exhausted the failed-attempt
	// budget of a factor.
	ErrRateLimited = errors.New("mfa: too many failed attempts")
	// ErrCodeReplayed is returned for a valid TOTP code whose time step was
	// already accepted for the user.
	ErrCodeReplayed = errors.New("mfa: totp code already used")
	// ErrStoreUnavailable wraps every backing-store failure.
	ErrStoreUnavailable = errors.New("mfa: store unavailable")
	// ErrInvalidUser is returned for an empty user id.
	ErrInvalidUser = errors.New("mfa: user id required")
)

const (
	consumeStatusUnknown  int64 = 0
	consumeStatusConsumed int64 = 1
	consumeStatusReused   int64 = 2
)

// KEYS[1] issued set, KEYS[2] consumed set; ARGV[1] digest, ARGV[2] retention ms.
var consumeBackupCodeLua = redis.NewScript(`
if redis.call("SISMEMBER", KEYS[1], ARGV[1]) == 0 then
  return 0
end
if redis.call("SADD", KEYS[2], ARGV[1]) == 0 then
  return 2
end
redis.call("PEXPIRE", KEYS[2], ARGV[2])
return 1
`)

// KEYS[1] last accepted step; ARGV[1] step, ARGV[2] retention ms.
// Returns 1 when the step is newer than the last accepted one.
var acceptStepLua = redis.NewScript(`
local last = tonumber(redis.call("GET", KEYS[1]) or "-1")
if tonumber(ARGV[1]) <= last then
  return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return 1
`)

// Config controls TOTP parameters and backup-code policy.
type Config struct {
	Issuer            string
	Period            uint
	Skew              uint
	Digits            otp.Digits
	BackupCodeCount   int
	ConsumedRetention time.Duration
	MaxBackupAttempts int
	BackupCooldown    time.Duration
	MaxTOTPAttempts   int
	TOTPCooldown      time.Duration
	KeyPrefix         string

	// EnforceReplayProtection rejects a TOTP code whose time step is not
	// newer than the last step accepted for the user.
	EnforceReplayProtection bool

	// Now overrides the clock used for TOTP validation.
	Now func() time.Time
}

// DefaultConfig returns the production defaults: 30s period, ±2 steps,
// 6 digits, 8 backup codes, consumed codes kept for 365 days, 5 failed
// attempts per factor per 15 minutes and replay protection on.
func DefaultConfig() Config {
	return Config{
		Issuer:                  "authguard",
		Period:                  30,
		Skew:                    2,
		Digits:                  otp.DigitsSix,
		BackupCodeCount:         8,
		ConsumedRetention:       365 * 24 * time.Hour,
		MaxBackupAttempts:       5,
		BackupCooldown:          15 * time.Minute,
		MaxTOTPAttempts:         5,
		TOTPCooldown:            15 * time.Minute,
		KeyPrefix:               "a",
		EnforceReplayProtection: true,
	}
}

// Enrollment is returned once to the user at setup time. Only digests of the
// backup codes are persisted.
type Enrollment struct {
	Secret      string
	URI         string
	BackupCodes []string
}

// Manager implements TOTP and backup-code verification.
type Manager struct {
	redis   redis.UniversalClient
	counter *rate.Counter
	config  Config
	now     func() time.Time
}

// NewManager validates cfg and returns a Manager backed by client.
func NewManager(client redis.UniversalClient, cfg Config) (*Manager, error) {
	if client == nil {
		return nil, errors.New("mfa: redis client is required")
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, errors.New("mfa: issuer is required")
	}
	if cfg.Period == 0 || cfg.Skew > 5 {
		return nil, errors.New("mfa: invalid period or skew")
	}
	if cfg.Digits != otp.DigitsSix && cfg.Digits != otp.DigitsEight {
		return nil, errors.New("mfa: digits must be 6 or 8")
	}
	if cfg.BackupCodeCount <= 0 || cfg.BackupCodeCount > 32 {
		return nil, errors.New("mfa: backup code count must be in 1..32")
	}
	if cfg.ConsumedRetention <= 0 || cfg.MaxBackupAttempts <= 0 || cfg.BackupCooldown <= 0 {
		return nil, errors.New("mfa: retention and attempt limits must be > 0")
	}
	if cfg.MaxTOTPAttempts <= 0 || cfg.TOTPCooldown <= 0 {
		return nil, errors.New("mfa: totp attempt limits must be > 0")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "a"
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		redis:   client,
		counter: rate.NewCounter(client),
		config:  cfg,
		now:     now,
	}, nil
}

func (m *Manager) issuedKey(userID string) string   { return m.config.KeyPrefix + "mb:" + userID }
func (m *Manager) consumedKey(userID string) string { return m.config.KeyPrefix + "mc:" + userID }
func (m *Manager) attemptKey(userID string) string  { return m.config.KeyPrefix + "mf:" + userID }
func (m *Manager) totpFailKey(userID string) string { return m.config.KeyPrefix + "mt:" + userID }
func (m *Manager) lastStepKey(userID string) string { return m.config.KeyPrefix + "ms:" + userID }

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// GenerateSecret creates a TOTP secret and provisioning URI for the account
// and replaces the user's issued backup codes with a fresh set.
func (m *Manager) GenerateSecret(ctx context.Context, userID, account string) (*Enrollment, error) {
	if userID == "" {
		return nil, ErrInvalidUser
	}
	if account == "" {
		account = userID
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.config.Issuer,
		AccountName: account,
		Period:      m.config.Period,
		SecretSize:  secretSize,
		Digits:      m.config.Digits,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, err
	}

	codes := make([]string, m.config.BackupCodeCount)
	digests := make([]interface{}, 0, len(codes))
	for i := range codes {
		code, err := internal.RandomHex(backupCodeBytes)
		if err != nil {
			return nil, err
		}
		codes[i] = code
		digests = append(digests, backupDigest(userID, code))
	}

	issued := m.issuedKey(userID)
	_, err = m.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, issued)
		pipe.SAdd(ctx, issued, digests...)
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}

	return &Enrollment{
		Secret:      key.Secret(),
		URI:         key.URL(),
		BackupCodes: codes,
	}, nil
}

// VerifyTOTP checks code for userID against secret at the current time.
// Wrong codes count against the user's TOTP failure budget; once it is spent
// [ErrRateLimited] is returned until the cooldown ends. With replay
// protection on, a valid code from an already accepted time step returns
// false with [ErrCodeReplayed] and also counts as a failure.
func (m *Manager) VerifyTOTP(ctx context.Context, userID, secret, code string) (bool, error) {
	if userID == "" {
		return false, ErrInvalidUser
	}
	failures, err := m.counter.Count(ctx, m.totpFailKey(userID))
	if err != nil {
		return false, unavailable(err)
	}
	if failures >= int64(m.config.MaxTOTPAttempts) {
		return false, ErrRateLimited
	}

	step, ok := m.matchStep(secret, code, m.now())
	if !ok {
		return false, m.recordTOTPFailure(ctx, userID)
	}
	if m.config.EnforceReplayProtection {
		fresh, err := acceptStepLua.Run(ctx, m.redis,
			[]string{m.lastStepKey(userID)},
			step,
			m.replayRetention().Milliseconds(),
		).Int64()
		if err != nil {
			return false, unavailable(err)
		}
		if fresh == 0 {
			if err := m.recordTOTPFailure(ctx, userID); err != nil {
				return false, err
			}
			return false, ErrCodeReplayed
		}
	}
	if err := m.counter.Reset(ctx, m.totpFailKey(userID)); err != nil {
		return false, unavailable(err)
	}
	return true, nil
}

func (m *Manager) recordTOTPFailure(ctx context.Context, userID string) error {
	if _, _, err := m.counter.Hit(ctx, m.totpFailKey(userID), m.config.TOTPCooldown); err != nil {
		return unavailable(err)
	}
	return nil
}

// replayRetention outlives every step that can still validate.
func (m *Manager) replayRetention() time.Duration {
	return time.Duration(2*m.config.Skew+2) * time.Duration(m.config.Period) * time.Second
}

// ValidTOTPAt reports whether code is valid for secret at t. It keeps no
// state: no failure accounting and no replay tracking.
func (m *Manager) ValidTOTPAt(secret, code string, t time.Time) bool {
	_, ok := m.matchStep(secret, code, t)
	return ok
}

// matchStep returns the time step within ±Skew of t whose code equals code.
func (m *Manager) matchStep(secret, code string, t time.Time) (int64, bool) {
	code = strings.TrimSpace(code)
	if secret == "" || len(code) != m.config.Digits.Length() {
		return 0, false
	}
	opts := totp.ValidateOpts{
		Period:    m.config.Period,
		Digits:    m.config.Digits,
		Algorithm: otp.AlgorithmSHA1,
	}
	period := int64(m.config.Period)
	base := t.Unix() / period
	skew := int64(m.config.Skew)
	for offset := -skew; offset <= skew; offset++ {
		step := base + offset
		if step < 0 {
			continue
		}
		want, err := totp.GenerateCodeCustom(secret, time.Unix(step*period, 0).UTC(), opts)
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(code)) == 1 {
			return step, true
		}
	}
	return 0, false
}

// VerifyBackupCode consumes code for userID. It returns false for unknown or
// already consumed codes. Each false result counts against the user's
// failed-attempt budget; once exhausted [ErrRateLimited] is returned until
// the cooldown window ends.
func (m *Manager) VerifyBackupCode(ctx context.Context, userID, code string) (bool, error) {
	if userID == "" {
		return false, ErrInvalidUser
	}
	failures, err := m.counter.Count(ctx, m.attemptKey(userID))
	if err != nil {
		return false, unavailable(err)
	}
	if failures >= int64(m.config.MaxBackupAttempts) {
		return false, ErrRateLimited
	}

	code = normalizeBackupCode(code)
	status := consumeStatusUnknown
	if isBackupCode(code) {
		status, err = consumeBackupCodeLua.Run(ctx, m.redis,
			[]string{m.issuedKey(userID), m.consumedKey(userID)},
			backupDigest(userID, code),
			m.config.ConsumedRetention.Milliseconds(),
		).Int64()
		if err != nil {
			return false, unavailable(err)
		}
	}

	if status == consumeStatusConsumed {
		return true, nil
	}
	if _, _, err := m.counter.Hit(ctx, m.attemptKey(userID), m.config.BackupCooldown); err != nil {
		return false, unavailable(err)
	}
	return false, nil
}

// RemainingBackupCodes returns how many issued codes are still unconsumed.
func (m *Manager) RemainingBackupCodes(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, ErrInvalidUser
	}
	issued := m.redis.SCard(ctx, m.issuedKey(userID))
	used := m.redis.SInter(ctx, m.issuedKey(userID), m.consumedKey(userID))
	if err := issued.Err(); err != nil {
		return 0, unavailable(err)
	}
	if err := used.Err(); err != nil {
		return 0, unavailable(err)
	}
	return int(issued.Val()) - len(used.Val()), nil
}

// ResetAttempts clears the failed backup-code and TOTP counters for userID.
func (m *Manager) ResetAttempts(ctx context.Context, userID string) error {
	if err := m.counter.Reset(ctx, m.attemptKey(userID), m.totpFailKey(userID)); err != nil {
		return unavailable(err)
	}
	return nil
}

func backupDigest(userID, code string) string {
	sum := sha256.Sum256([]byte(userID + "\x00" + code))
	return hex.EncodeToString(sum[:])
}

func normalizeBackupCode(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	return strings.ReplaceAll(code, "-", "")
}

func isBackupCode(code string) bool {
	if len(code) != backupCodeLength {
		return false
	}
	for _, r := range code {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
