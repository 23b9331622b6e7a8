package jwt

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/MrEthical07/authguard/permission"
)

// SigningMethod selects the JWS algorithm used for both token kinds.
type SigningMethod string

const (
	// MethodHS256 signs with HMAC-SHA256 shared secrets.
	MethodHS256 SigningMethod = "hs256"
	// MethodEd25519 signs with Ed25519 key pairs.
	MethodEd25519 SigningMethod = "ed25519"
)

// RefreshType is the value of the typ claim carried by refresh tokens.
const RefreshType = "refresh"

const minHMACSecret = 32

var (
	// ErrTokenType is returned when a refresh token does not carry typ=refresh.
	ErrTokenType = errors.New("unexpected token type")
	// ErrMissingSubject is returned when the user or session claim is empty.
	ErrMissingSubject = errors.New("token missing user or session id")
	// ErrFutureIAT is returned when iat lies beyond MaxFutureIAT.
	ErrFutureIAT = errors.New("token iat too far in the future")
)

// KeySet holds the key material for one token kind. For HS256 PrivateKey is
// the shared secret. For Ed25519 PublicKey may be omitted when PrivateKey is
// set, and a verify-only manager may set only PublicKey or VerifyKeys.
type KeySet struct {
	PrivateKey []byte
	PublicKey  []byte
	KeyID      string
	VerifyKeys map[string][]byte
}

// Config configures a [Manager].
type Config struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SigningMethod SigningMethod
	Access        KeySet
	Refresh       KeySet
	Issuer        string
	Audience      string
	Leeway        time.Duration
	RequireIAT    bool
	MaxFutureIAT  time.Duration

	// Capabilities, when set, rejects tokens whose permissions contain
	// names outside the registry.
	Capabilities *permission.Registry

	// Now overrides the clock used for issuing and validating.
	Now func() time.Time
}

// AccessClaims are the claims of a short-lived access token.
type AccessClaims struct {
	UserID      string   `json:"uid"`
	Email       string   `json:"email,omitempty"`
	Role        string   `json:"role,omitempty"`
	Tier        string   `json:"tier,omitempty"`
	Permissions []string `json:"perms,omitempty"`
	SessionID   string   `json:"sid"`
	jwt.RegisteredClaims
}

// RefreshClaims are the minimal claims of a refresh token.
type RefreshClaims struct {
	UserID    string `json:"uid"`
	SessionID string `json:"sid"`
	Type      string `json:"typ"`
	jwt.RegisteredClaims
}

// Manager issues and parses tokens. It is immutable after construction and
// safe for concurrent use.
type Manager struct {
	config Config
	now    func() time.Time
}

// NewManager validates cfg and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.AccessTTL >= cfg.RefreshTTL {
		return nil, errors.New("access TTL must be shorter than refresh TTL")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.MaxFutureIAT == 0 {
		cfg.MaxFutureIAT = 10 * time.Minute
	}
	if cfg.MaxFutureIAT < 0 || cfg.MaxFutureIAT > 24*time.Hour {
		return nil, errors.New("invalid MaxFutureIAT configuration")
	}
	cfg.Access.KeyID = strings.TrimSpace(cfg.Access.KeyID)
	cfg.Refresh.KeyID = strings.TrimSpace(cfg.Refresh.KeyID)

	for _, kind := range []struct {
		name string
		keys *KeySet
	}{{"access", &cfg.Access}, {"refresh", &cfg.Refresh}} {
		if err := validateKeySet(cfg.SigningMethod, kind.keys); err != nil {
			return nil, fmt.Errorf("%s keys: %w", kind.name, err)
		}
	}
	if sameKeys(cfg.Access, cfg.Refresh) {
		return nil, errors.New("access and refresh keys must differ")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{config: cfg, now: now}, nil
}

func validateKeySet(method SigningMethod, keys *KeySet) error {
	switch method {
	case MethodHS256:
		if len(keys.PrivateKey) < minHMACSecret {
			return fmt.Errorf("hs256 requires a secret of at least %d bytes", minHMACSecret)
		}
	case MethodEd25519:
		if len(keys.PrivateKey) > 0 {
			priv, err := parseEdPrivateKey(keys.PrivateKey)
			if err != nil {
				return err
			}
			if len(keys.PublicKey) == 0 {
				keys.PublicKey = priv.Public().(ed25519.PublicKey)
			}
		}
		if len(keys.PublicKey) > 0 {
			if _, err := parseEdPublicKey(keys.PublicKey); err != nil {
				return err
			}
		}
		if len(keys.VerifyKeys) == 0 && len(keys.PublicKey) == 0 {
			return errors.New("ed25519 requires public key or verify key set")
		}
		for kid, key := range keys.VerifyKeys {
			if strings.TrimSpace(kid) == "" {
				return errors.New("verify key map contains empty kid")
			}
			if _, err := parseEdPublicKey(key); err != nil {
				return fmt.Errorf("invalid ed25519 verify key for kid %q: %w", kid, err)
			}
		}
	default:
		return errors.New("unsupported signing method")
	}
	if keys.KeyID != "" && len(keys.VerifyKeys) > 0 {
		if _, ok := keys.VerifyKeys[keys.KeyID]; !ok {
			return errors.New("KeyID is not present in VerifyKeys")
		}
	}
	return nil
}

func sameKeys(a, b KeySet) bool {
	if len(a.PrivateKey) > 0 && bytes.Equal(a.PrivateKey, b.PrivateKey) {
		return true
	}
	return len(a.PublicKey) > 0 && bytes.Equal(a.PublicKey, b.PublicKey)
}

// AccessTTL returns the configured access-token lifetime.
func (j *Manager) AccessTTL() time.Duration { return j.config.AccessTTL }

// RefreshTTL returns the configured refresh-token lifetime.
func (j *Manager) RefreshTTL() time.Duration { return j.config.RefreshTTL }

// CreateAccess signs an access token for the identity fields of c. Registered
// claims are filled in by the manager. It returns the token and its expiry.
func (j *Manager) CreateAccess(c AccessClaims) (string, time.Time, error) {
	if c.UserID == "" || c.SessionID == "" {
		return "", time.Time{}, ErrMissingSubject
	}
	if err := j.checkPermissions(c.Permissions); err != nil {
		return "", time.Time{}, err
	}
	now := j.now()
	exp := now.Add(j.config.AccessTTL)
	c.RegisteredClaims = j.registered(now, exp)
	token, err := j.sign(j.config.Access, c)
	return token, exp, err
}

// CreateRefresh signs a refresh token bound to sessionID that expires at exp.
// Rotation passes the session's original expiry so the refresh window never
// grows.
func (j *Manager) CreateRefresh(userID, sessionID string, exp time.Time) (string, error) {
	if userID == "" || sessionID == "" {
		return "", ErrMissingSubject
	}
	c := RefreshClaims{
		UserID:           userID,
		SessionID:        sessionID,
		Type:             RefreshType,
		RegisteredClaims: j.registered(j.now(), exp),
	}
	return j.sign(j.config.Refresh, c)
}

func (j *Manager) registered(now, exp time.Time) jwt.RegisteredClaims {
	rc := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    j.config.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	if j.config.Audience != "" {
		rc.Audience = jwt.ClaimStrings{j.config.Audience}
	}
	return rc
}

func (j *Manager) sign(keys KeySet, claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(j.getMethod(), claims)
	if keys.KeyID != "" {
		token.Header["kid"] = keys.KeyID
	}
	signKey, err := j.getSignKey(keys)
	if err != nil {
		return "", err
	}
	return token.SignedString(signKey)
}

// ParseAccess verifies an access token and returns its claims.
func (j *Manager) ParseAccess(tokenStr string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := j.parse(tokenStr, j.config.Access, claims); err != nil {
		return nil, err
	}
	if claims.UserID == "" || claims.SessionID == "" {
		return nil, ErrMissingSubject
	}
	if err := j.checkPermissions(claims.Permissions); err != nil {
		return nil, err
	}
	return claims, nil
}

// ParseRefresh verifies a refresh token and returns its claims.
func (j *Manager) ParseRefresh(tokenStr string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := j.parse(tokenStr, j.config.Refresh, claims); err != nil {
		return nil, err
	}
	if claims.Type != RefreshType {
		return nil, ErrTokenType
	}
	if claims.UserID == "" || claims.SessionID == "" {
		return nil, ErrMissingSubject
	}
	return claims, nil
}

func (j *Manager) checkPermissions(perms []string) error {
	if j.config.Capabilities == nil {
		return nil
	}
	_, err := j.config.Capabilities.Parse(perms)
	return err
}

func (j *Manager) parse(tokenStr string, keys KeySet, claims jwt.Claims) error {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{j.getMethod().Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(j.now),
	}
	if j.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(j.config.Leeway))
	}
	if j.config.RequireIAT {
		options = append(options, jwt.WithIssuedAt())
	}
	if j.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(j.config.Issuer))
	}
	if j.config.Audience != "" {
		options = append(options, jwt.WithAudience(j.config.Audience))
	}

	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != j.getMethod().Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
		}

		if len(keys.VerifyKeys) > 0 {
			kid, _ := t.Header["kid"].(string)
			if kid == "" {
				return nil, errors.New("missing kid")
			}
			key, ok := keys.VerifyKeys[kid]
			if !ok {
				return nil, errors.New("unknown kid")
			}
			return j.keyBytesToVerifyKey(key)
		}

		if keys.KeyID != "" {
			kid, _ := t.Header["kid"].(string)
			if kid != keys.KeyID {
				return nil, errors.New("unknown kid")
			}
		}

		return j.getVerifyKey(keys)
	})
	if err != nil {
		return err
	}
	if !token.Valid {
		return jwt.ErrTokenInvalidClaims
	}

	iat, err := claims.GetIssuedAt()
	if err != nil {
		return err
	}
	if iat != nil && iat.Time.After(j.now().Add(j.config.MaxFutureIAT)) {
		return ErrFutureIAT
	}
	return nil
}

func (j *Manager) getMethod() jwt.SigningMethod {
	switch j.config.SigningMethod {
	case MethodHS256:
		return jwt.SigningMethodHS256
	default:
		return jwt.SigningMethodEdDSA
	}
}

func (j *Manager) getSignKey(keys KeySet) (interface{}, error) {
	if len(keys.PrivateKey) == 0 {
		return nil, errors.New("manager has no signing key")
	}
	switch j.config.SigningMethod {
	case MethodHS256:
		return keys.PrivateKey, nil
	default:
		return parseEdPrivateKey(keys.PrivateKey)
	}
}

func (j *Manager) getVerifyKey(keys KeySet) (interface{}, error) {
	switch j.config.SigningMethod {
	case MethodHS256:
		return keys.PrivateKey, nil
	default:
		return parseEdPublicKey(keys.PublicKey)
	}
}

func (j *Manager) keyBytesToVerifyKey(key []byte) (interface{}, error) {
	switch j.config.SigningMethod {
	case MethodHS256:
		return key, nil
	default:
		return parseEdPublicKey(key)
	}
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
