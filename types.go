package authguard

import (
	"time"

	"github.com/MrEthical07/authguard/jwt"
)

// TokenKind selects which token [Engine.Verify] checks.
type TokenKind uint8

const (
	TokenAccess TokenKind = iota + 1
	TokenRefresh
)

func (k TokenKind) String() string {
	switch k {
	case TokenAccess:
		return "access"
	case TokenRefresh:
		return "refresh"
	default:
		return "unknown"
	}
}

// IssueRequest carries the identity a session is issued for.
type IssueRequest struct {
	UserID      string
	Email       string
	Role        string
	Tier        string
	Permissions []string
	DeviceInfo  string
}

// TokenPair is returned by [Engine.Issue] and [Engine.Refresh].
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	SessionID        string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// VerifyResult is the outcome of [Engine.Verify]. Exactly one of Access or
// Refresh is set when Valid is true.
type VerifyResult struct {
	Valid   bool
	Access  *jwt.AccessClaims
	Refresh *jwt.RefreshClaims
}

// MFAEnrollment is returned once at MFA setup. SealedSecret is the TOTP
// secret encrypted for storage and is empty when field encryption is not
// configured.
type MFAEnrollment struct {
	Secret       string
	URI          string
	BackupCodes  []string
	SealedSecret string
}
