package authguard

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/authguard/abuse"
	"github.com/MrEthical07/authguard/audit"
	"github.com/MrEthical07/authguard/fieldcrypt"
	"github.com/MrEthical07/authguard/mfa"
	"github.com/MrEthical07/authguard/permission"
	"github.com/MrEthical07/authguard/session"
)

// Kind classifies an [Error].
type Kind uint8

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthentication
	KindAuthorization
	KindRateLimit
	KindStoreUnavailable
	KindCrypto
	KindNotFound
)

var kindNames = [...]string{
	KindInternal:         "internal",
	KindValidation:       "validation",
	KindAuthentication:   "authentication",
	KindAuthorization:    "authorization",
	KindRateLimit:        "rate_limit",
	KindStoreUnavailable: "store_unavailable",
	KindCrypto:           "crypto",
	KindNotFound:         "not_found",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Sentinels matched with errors.Is against any [Error] of the same kind.
var (
	ErrInternal         = errors.New("internal error")
	ErrValidation       = errors.New("validation failed")
	ErrAuthentication   = errors.New("authentication failed")
	ErrAuthorization    = errors.New("not authorized")
	ErrRateLimit        = errors.New("rate limited")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrCrypto           = errors.New("crypto failure")
	ErrNotFound         = errors.New("not found")
)

var (
	// ErrRefreshReuse is wrapped when a rotated-away refresh token is presented again.
	ErrRefreshReuse = errors.New("refresh token reuse detected")
	// ErrTokenInvalid is wrapped when a presented token fails verification.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrEngineNotReady is returned by methods called on a nil Engine or an
	// engine built without the required component.
	ErrEngineNotReady = errors.New("engine not initialized")
)

var kindSentinels = [...]error{
	KindInternal:         ErrInternal,
	KindValidation:       ErrValidation,
	KindAuthentication:   ErrAuthentication,
	KindAuthorization:    ErrAuthorization,
	KindRateLimit:        ErrRateLimit,
	KindStoreUnavailable: ErrStoreUnavailable,
	KindCrypto:           ErrCrypto,
	KindNotFound:         ErrNotFound,
}

// Error is returned by Engine operations. Op names the failing operation and
// Err carries the underlying cause, which may include internal detail that
// must not reach end users; see [Engine.PublicMessage].
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	return int(e.Kind) < len(kindSentinels) && kindSentinels[e.Kind] == target
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err, classifying package errors that are not
// already an [Error].
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return classify(err)
}

// classify maps component errors onto kinds.
func classify(err error) Kind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, session.ErrStoreUnavailable),
		errors.Is(err, mfa.ErrStoreUnavailable),
		errors.Is(err, abuse.ErrStoreUnavailable),
		errors.Is(err, audit.ErrStoreUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return KindStoreUnavailable
	case errors.Is(err, session.ErrNotFound):
		return KindNotFound
	case errors.Is(err, fieldcrypt.ErrCrypto):
		return KindCrypto
	case errors.Is(err, mfa.ErrRateLimited),
		errors.Is(err, abuse.ErrRateLimited):
		return KindRateLimit
	case errors.Is(err, permission.ErrUnknownCapability),
		errors.Is(err, permission.ErrInvalidName),
		errors.Is(err, fieldcrypt.ErrSecretTooShort),
		errors.Is(err, mfa.ErrInvalidUser),
		errors.Is(err, abuse.ErrInvalidRule):
		return KindValidation
	case errors.Is(err, ErrRefreshReuse),
		errors.Is(err, ErrTokenInvalid),
		errors.Is(err, session.ErrRefreshMismatch):
		return KindAuthentication
	default:
		return KindInternal
	}
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return newError(classify(err), op, err)
}

var publicMessages = [...]string{
	KindInternal:         "internal error",
	KindValidation:       "invalid request",
	KindAuthentication:   "invalid credentials",
	KindAuthorization:    "access denied",
	KindRateLimit:        "too many requests",
	KindStoreUnavailable: "service unavailable",
	KindCrypto:           "invalid request",
	KindNotFound:         "not found",
}

// PublicMessage returns text safe to show an end user for err. The
// underlying detail is appended only when Config.Diagnostic is set.
func (e *Engine) PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	kind := KindOf(err)
	msg := publicMessages[KindInternal]
	if int(kind) < len(publicMessages) {
		msg = publicMessages[kind]
	}
	if e != nil && e.config.Diagnostic {
		return msg + ": " + err.Error()
	}
	return msg
}
