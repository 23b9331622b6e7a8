package audit

import (
	"time"

	"go.uber.org/zap/zapcore"
)

// Severity classifies an event. It selects the log level and whether the
// alert hook fires.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is one of the four known tiers.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Alerting reports whether events of this severity trigger the alert hook.
func (s Severity) Alerting() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// Level maps the severity onto a zap level.
func (s Severity) Level() zapcore.Level {
	switch s {
	case SeverityMedium:
		return zapcore.InfoLevel
	case SeverityHigh:
		return zapcore.WarnLevel
	case SeverityCritical:
		return zapcore.ErrorLevel
	default:
		return zapcore.DebugLevel
	}
}

// Type enumerates the recorded event kinds.
type Type string

const (
	TypeTokenIssued          Type = "token_issued"
	TypeTokenInvalid         Type = "token_invalid"
	TypeTokenRefreshed       Type = "token_refreshed"
	TypeRefreshReuseDetected Type = "refresh_reuse_detected"
	TypeSessionRevoked       Type = "session_revoked"
	TypeAllSessionsRevoked   Type = "all_sessions_revoked"
	TypeMFAEnrolled          Type = "mfa_enrolled"
	TypeMFAVerified          Type = "mfa_verified"
	TypeMFAFailed            Type = "mfa_totp_failed"
	TypeMFALocked            Type = "mfa_totp_locked"
	TypeMFAReplayed          Type = "mfa_totp_replayed"
	TypeBackupCodeUsed       Type = "backup_code_used"
	TypeBackupCodeRejected   Type = "backup_code_rejected"
	TypeBackupCodeLocked     Type = "backup_code_locked"
	TypeDecryptionFailed     Type = "decryption_failed"
	TypeRateLimitExceeded    Type = "rate_limit_exceeded"
	TypeSlowDownApplied      Type = "slow_down_applied"
	TypeLoginSucceeded       Type = "login_succeeded"
	TypeLoginFailed          Type = "login_failed"
	TypeSuspiciousActivity   Type = "suspicious_activity"
)

var knownTypes = map[Type]struct{}{
	TypeTokenIssued: {}, TypeTokenInvalid: {}, TypeTokenRefreshed: {},
	TypeRefreshReuseDetected: {}, TypeSessionRevoked: {}, TypeAllSessionsRevoked: {},
	TypeMFAEnrolled: {}, TypeMFAVerified: {}, TypeMFAFailed: {},
	TypeMFALocked: {}, TypeMFAReplayed: {},
	TypeBackupCodeUsed: {}, TypeBackupCodeRejected: {}, TypeBackupCodeLocked: {},
	TypeDecryptionFailed: {}, TypeRateLimitExceeded: {}, TypeSlowDownApplied: {},
	TypeLoginSucceeded: {}, TypeLoginFailed: {}, TypeSuspiciousActivity: {},
}

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

// Event is a single security event.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	UserID    string         `json:"user_id,omitempty"`
	IP        string         `json:"ip,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	Success   bool           `json:"success"`
	Severity  Severity       `json:"severity"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
