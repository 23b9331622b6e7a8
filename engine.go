package authguard

import (
	"context"
	"crypto/subtle"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/authguard/abuse"
	"github.com/MrEthical07/authguard/audit"
	"github.com/MrEthical07/authguard/fieldcrypt"
	"github.com/MrEthical07/authguard/internal"
	"github.com/MrEthical07/authguard/jwt"
	"github.com/MrEthical07/authguard/mfa"
	"github.com/MrEthical07/authguard/permission"
	"github.com/MrEthical07/authguard/session"
)

// Engine is the composition root for token, session, MFA, encryption, audit
// and abuse handling. Build one with [New]. All methods are safe for
// concurrent use.
type Engine struct {
	config   Config
	logger   *zap.Logger
	registry *permission.Registry
	tokens   *jwt.Manager
	sessions session.Store
	mfa      *mfa.Manager
	crypto   *fieldcrypt.Service
	audit    *audit.Log
	guard    *abuse.Guard
	metrics  *Metrics
	now      func() time.Time
}

// Close drains pending audit alerts.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditStats reports per-severity audit event counts and delivery failures.
func (e *Engine) AuditStats() audit.Stats {
	if e == nil || e.audit == nil {
		return audit.Stats{Events: map[audit.Severity]uint64{}}
	}
	return e.audit.Stats()
}

// MetricsSnapshot returns current counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// Guard exposes the abuse guard for request-pipeline decorators.
func (e *Engine) Guard() *abuse.Guard {
	return e.guard
}

func (e *Engine) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.config.Session.StoreTimeout)
}

func (e *Engine) metricInc(id MetricID) {
	if e != nil && e.metrics != nil {
		e.metrics.Inc(id)
	}
}

// Issue creates a session for req and returns its token pair. Permissions
// must all be registered capabilities.
func (e *Engine) Issue(ctx context.Context, req IssueRequest) (*TokenPair, error) {
	const op = "issue"
	if e == nil {
		return nil, newError(KindInternal, op, ErrEngineNotReady)
	}
	if req.UserID == "" {
		return nil, newError(KindValidation, op, errors.New("user id required"))
	}
	perms, err := e.registry.Parse(req.Permissions)
	if err != nil {
		return nil, wrap(op, err)
	}

	sid, err := internal.NewSessionID()
	if err != nil {
		return nil, newError(KindInternal, op, err)
	}
	sessionID := sid.String()
	now := e.now()
	refreshExp := now.Add(e.tokens.RefreshTTL())

	access, accessExp, err := e.tokens.CreateAccess(jwt.AccessClaims{
		UserID:      req.UserID,
		Email:       req.Email,
		Role:        req.Role,
		Tier:        req.Tier,
		Permissions: perms.Strings(),
		SessionID:   sessionID,
	})
	if err != nil {
		return nil, wrap(op, err)
	}
	refresh, err := e.tokens.CreateRefresh(req.UserID, sessionID, refreshExp)
	if err != nil {
		return nil, wrap(op, err)
	}

	sess := &session.Session{
		SessionID:    sessionID,
		UserID:       req.UserID,
		Email:        req.Email,
		Role:         req.Role,
		Tier:         req.Tier,
		Permissions:  perms.Strings(),
		DeviceInfo:   req.DeviceInfo,
		CreatedAt:    now,
		LastAccessAt: now,
		ExpiresAt:    refreshExp,
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.sessions.Save(sctx, sess, internal.TokenDigest(refresh), e.tokens.RefreshTTL()); err != nil {
		e.logger.Warn("session save failed", zap.String("user_id", req.UserID), zap.Error(err))
		return nil, wrap(op, err)
	}

	e.metricInc(MetricSessionCreated)
	e.emit(ctx, audit.Event{
		Type:     audit.TypeTokenIssued,
		UserID:   req.UserID,
		Success:  true,
		Severity: audit.SeverityLow,
		Details:  map[string]any{"session_id": sessionID},
	})

	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		SessionID:        sessionID,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// Verify checks token as kind. It never returns an error: any signature,
// claim, session or store failure yields an invalid result. A valid access
// token refreshes the session's last-access time without extending it.
func (e *Engine) Verify(ctx context.Context, token string, kind TokenKind) VerifyResult {
	if e == nil {
		return VerifyResult{}
	}
	if e.metrics.LatencyEnabled() {
		start := time.Now()
		defer func() { e.metrics.Observe(MetricVerifyLatency, time.Since(start)) }()
	}

	var (
		result VerifyResult
		reason string
		userID string
	)
	switch kind {
	case TokenAccess:
		result, reason, userID = e.verifyAccess(ctx, token)
	case TokenRefresh:
		result, reason, userID = e.verifyRefresh(ctx, token)
	default:
		reason = "unknown_kind"
	}

	if result.Valid {
		e.metricInc(MetricVerifySuccess)
		return result
	}
	e.metricInc(MetricVerifyFailure)
	if reason == "store_unavailable" {
		e.metricInc(MetricVerifyStoreUnavailable)
	}
	e.emit(ctx, audit.Event{
		Type:     audit.TypeTokenInvalid,
		UserID:   userID,
		Severity: audit.SeverityLow,
		Details:  map[string]any{"kind": kind.String(), "reason": reason},
	})
	return VerifyResult{}
}

func (e *Engine) verifyAccess(ctx context.Context, token string) (VerifyResult, string, string) {
	claims, err := e.tokens.ParseAccess(token)
	if err != nil {
		return VerifyResult{}, "malformed", ""
	}

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	sess, reason := e.liveSession(sctx, claims.SessionID, claims.UserID)
	if sess == nil {
		return VerifyResult{}, reason, claims.UserID
	}

	touched := sess.Clone()
	touched.LastAccessAt = e.now()
	if err := e.sessions.Touch(sctx, touched); err != nil {
		return VerifyResult{}, storeReason(err), claims.UserID
	}
	return VerifyResult{Valid: true, Access: claims}, "", claims.UserID
}

func (e *Engine) verifyRefresh(ctx context.Context, token string) (VerifyResult, string, string) {
	claims, err := e.tokens.ParseRefresh(token)
	if err != nil {
		return VerifyResult{}, "malformed", ""
	}

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	sess, reason := e.liveSession(sctx, claims.SessionID, claims.UserID)
	if sess == nil {
		return VerifyResult{}, reason, claims.UserID
	}
	stored, err := e.sessions.RefreshDigest(sctx, claims.SessionID)
	if err != nil {
		return VerifyResult{}, storeReason(err), claims.UserID
	}
	presented := internal.TokenDigest(token)
	if subtle.ConstantTimeCompare(stored[:], presented[:]) != 1 {
		return VerifyResult{}, "refresh_mismatch", claims.UserID
	}
	return VerifyResult{Valid: true, Refresh: claims}, "", claims.UserID
}

// liveSession loads sessionID and checks it belongs to userID. On failure it
// returns nil and a short reason.
func (e *Engine) liveSession(ctx context.Context, sessionID, userID string) (*session.Session, string) {
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, storeReason(err)
	}
	if sess.UserID != userID {
		return nil, "session_mismatch"
	}
	if sess.Expired(e.now()) {
		return nil, "session_expired"
	}
	return sess, ""
}

func storeReason(err error) string {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return "session_missing"
	case errors.Is(err, session.ErrCorrupt):
		return "session_corrupt"
	default:
		return "store_unavailable"
	}
}

// RevokeSession deletes a session and its refresh record. Revoking an
// unknown session succeeds.
func (e *Engine) RevokeSession(ctx context.Context, sessionID string) error {
	const op = "revoke_session"
	if e == nil {
		return newError(KindInternal, op, ErrEngineNotReady)
	}
	if sessionID == "" {
		return newError(KindValidation, op, errors.New("session id required"))
	}

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	var userID string
	if sess, err := e.sessions.Get(sctx, sessionID); err == nil {
		userID = sess.UserID
	}
	if err := e.sessions.Delete(sctx, sessionID); err != nil {
		e.logger.Warn("session revoke failed", zap.String("session_id", sessionID), zap.Error(err))
		return wrap(op, err)
	}

	e.metricInc(MetricSessionRevoked)
	e.emit(ctx, audit.Event{
		Type:     audit.TypeSessionRevoked,
		UserID:   userID,
		Success:  true,
		Severity: audit.SeverityLow,
		Details:  map[string]any{"session_id": sessionID},
	})
	return nil
}

// RevokeAllUserSessions deletes every session of userID and returns how
// many were removed. Sessions issued concurrently with the call may survive.
func (e *Engine) RevokeAllUserSessions(ctx context.Context, userID string) (int, error) {
	const op = "revoke_all_user_sessions"
	if e == nil {
		return 0, newError(KindInternal, op, ErrEngineNotReady)
	}
	if userID == "" {
		return 0, newError(KindValidation, op, errors.New("user id required"))
	}

	// A scan over every session can outlast the per-call store timeout.
	sctx := ctx
	if !e.config.Session.DisableUserIndex {
		var cancel context.CancelFunc
		sctx, cancel = e.storeCtx(ctx)
		defer cancel()
	}
	n, err := e.sessions.DeleteAllForUser(sctx, userID)
	if err != nil {
		e.logger.Warn("user session revoke failed", zap.String("user_id", userID), zap.Error(err))
		return n, wrap(op, err)
	}

	e.metricInc(MetricSessionRevokedAll)
	e.emit(ctx, audit.Event{
		Type:     audit.TypeAllSessionsRevoked,
		UserID:   userID,
		Success:  true,
		Severity: audit.SeverityMedium,
		Details:  map[string]any{"revoked": n},
	})
	return n, nil
}

// Refresh exchanges a refresh token for a new pair. The presented token is
// rotated out atomically; presenting it again is treated as token theft and
// revokes the session. The session's lifetime is not extended.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	const op = "refresh"
	if e == nil {
		return nil, newError(KindInternal, op, ErrEngineNotReady)
	}
	claims, err := e.tokens.ParseRefresh(refreshToken)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return nil, newError(KindAuthentication, op, ErrTokenInvalid)
	}

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	sess, reason := e.liveSession(sctx, claims.SessionID, claims.UserID)
	if sess == nil {
		e.metricInc(MetricRefreshFailure)
		if reason == "store_unavailable" {
			return nil, newError(KindStoreUnavailable, op, session.ErrStoreUnavailable)
		}
		return nil, newError(KindAuthentication, op, ErrTokenInvalid)
	}

	next, err := e.tokens.CreateRefresh(sess.UserID, sess.SessionID, sess.ExpiresAt)
	if err != nil {
		return nil, wrap(op, err)
	}
	err = e.sessions.RotateRefreshDigest(sctx, sess.SessionID, internal.TokenDigest(refreshToken), internal.TokenDigest(next))
	switch {
	case errors.Is(err, session.ErrRefreshMismatch):
		e.onRefreshReuse(ctx, sess)
		return nil, newError(KindAuthentication, op, ErrRefreshReuse)
	case errors.Is(err, session.ErrNotFound):
		e.metricInc(MetricRefreshFailure)
		return nil, newError(KindAuthentication, op, ErrTokenInvalid)
	case err != nil:
		e.metricInc(MetricRefreshFailure)
		return nil, wrap(op, err)
	}

	access, accessExp, err := e.tokens.CreateAccess(jwt.AccessClaims{
		UserID:      sess.UserID,
		Email:       sess.Email,
		Role:        sess.Role,
		Tier:        sess.Tier,
		Permissions: sess.Permissions,
		SessionID:   sess.SessionID,
	})
	if err != nil {
		return nil, wrap(op, err)
	}

	e.metricInc(MetricRefreshSuccess)
	e.emit(ctx, audit.Event{
		Type:     audit.TypeTokenRefreshed,
		UserID:   sess.UserID,
		Success:  true,
		Severity: audit.SeverityLow,
		Details:  map[string]any{"session_id": sess.SessionID},
	})
	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     next,
		SessionID:        sess.SessionID,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: sess.ExpiresAt,
	}, nil
}

func (e *Engine) onRefreshReuse(ctx context.Context, sess *session.Session) {
	e.metricInc(MetricRefreshReuseDetected)
	sctx, cancel := e.storeCtx(context.WithoutCancel(ctx))
	defer cancel()
	if err := e.sessions.Delete(sctx, sess.SessionID); err != nil {
		e.logger.Error("revoke after refresh reuse failed", zap.String("session_id", sess.SessionID), zap.Error(err))
	}
	e.emit(ctx, audit.Event{
		Type:     audit.TypeRefreshReuseDetected,
		UserID:   sess.UserID,
		Severity: audit.SeverityHigh,
		Details:  map[string]any{"session_id": sess.SessionID},
	})
}

// ListSessions returns the live sessions of userID, oldest first.
func (e *Engine) ListSessions(ctx context.Context, userID string) ([]session.Session, error) {
	const op = "list_sessions"
	if e == nil {
		return nil, newError(KindInternal, op, ErrEngineNotReady)
	}
	if userID == "" {
		return nil, newError(KindValidation, op, errors.New("user id required"))
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	sessions, err := e.sessions.ListForUser(sctx, userID)
	if err != nil {
		return nil, wrap(op, err)
	}
	out := make([]session.Session, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
