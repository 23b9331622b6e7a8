package authguard

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/authguard/abuse"
	"github.com/MrEthical07/authguard/audit"
	"github.com/MrEthical07/authguard/session"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.JWT.AccessKey = []byte("access-secret-0123456789-abcdefghij")
	cfg.JWT.RefreshKey = []byte("refresh-secret-0123456789-abcdefghi")
	cfg.Audit.Backend = "memory"
	cfg.Crypto.Secret = []byte("field-secret-0123456789")
	cfg.Crypto.Time = 1
	cfg.Crypto.Memory = 8 * 1024
	cfg.Crypto.Threads = 1
	return cfg
}

func newTestEngineWith(t *testing.T, cfg Config, opts ...func(*Builder)) (*Engine, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	b := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithCapabilities([]string{"orders:read", "orders:write"})
	for _, opt := range opts {
		opt(b)
	}
	engine, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(func() {
		engine.Close()
		_ = rdb.Close()
		mr.Close()
	})
	return engine, mr
}

func newTestEngine(t *testing.T) (*Engine, *miniredis.Miniredis) {
	return newTestEngineWith(t, testConfig())
}

func issue(t *testing.T, e *Engine, userID string) *TokenPair {
	t.Helper()
	pair, err := e.Issue(context.Background(), IssueRequest{
		UserID:      userID,
		Email:       userID + "@example.com",
		Role:        "member",
		Tier:        "pro",
		Permissions: []string{"orders:read"},
		DeviceInfo:  "cli",
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return pair
}

func eventsOfType(t *testing.T, e *Engine, userID string, typ audit.Type) []audit.Event {
	t.Helper()
	events, err := e.GetEvents(context.Background(), userID, 0)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	var out []audit.Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestIssueAndVerify(t *testing.T) {
	e, mr := newTestEngine(t)
	ctx := context.Background()
	pair := issue(t, e, "u1")

	if pair.AccessToken == "" || pair.RefreshToken == "" || pair.SessionID == "" {
		t.Fatalf("incomplete pair: %+v", pair)
	}
	if !pair.RefreshExpiresAt.After(pair.AccessExpiresAt) {
		t.Fatal("refresh must outlive access")
	}
	if !mr.Exists("ag:s:" + pair.SessionID) {
		t.Fatal("session record not written")
	}
	if ttl := mr.TTL("ag:s:" + pair.SessionID); ttl <= 0 || ttl > 7*24*time.Hour {
		t.Fatalf("unexpected session ttl %v", ttl)
	}

	res := e.Verify(ctx, pair.AccessToken, TokenAccess)
	if !res.Valid || res.Access == nil {
		t.Fatal("expected valid access token")
	}
	if res.Access.UserID != "u1" || res.Access.SessionID != pair.SessionID || res.Access.Tier != "pro" {
		t.Fatalf("unexpected claims %+v", res.Access)
	}
	if len(res.Access.Permissions) != 1 || res.Access.Permissions[0] != "orders:read" {
		t.Fatalf("unexpected permissions %v", res.Access.Permissions)
	}

	res = e.Verify(ctx, pair.RefreshToken, TokenRefresh)
	if !res.Valid || res.Refresh == nil || res.Refresh.SessionID != pair.SessionID {
		t.Fatal("expected valid refresh token")
	}

	if len(eventsOfType(t, e, "u1", audit.TypeTokenIssued)) != 1 {
		t.Fatal("expected one token_issued event")
	}
	snap := e.MetricsSnapshot()
	if snap.Counters[MetricSessionCreated] != 1 || snap.Counters[MetricVerifySuccess] != 2 {
		t.Fatalf("unexpected counters %v", snap.Counters)
	}
}

func TestVerifyRejectsWrongKind(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	pair := issue(t, e, "u1")

	if e.Verify(ctx, pair.AccessToken, TokenRefresh).Valid {
		t.Fatal("access token accepted as refresh")
	}
	if e.Verify(ctx, pair.RefreshToken, TokenAccess).Valid {
		t.Fatal("refresh token accepted as access")
	}
	if e.Verify(ctx, pair.AccessToken, TokenKind(9)).Valid {
		t.Fatal("unknown kind accepted")
	}
	if e.Verify(ctx, "not-a-token", TokenAccess).Valid {
		t.Fatal("garbage accepted")
	}

	invalid := eventsOfType(t, e, "", audit.TypeTokenInvalid)
	if len(invalid) != 4 {
		t.Fatalf("expected 4 token_invalid events, got %d", len(invalid))
	}
	for _, ev := range invalid {
		if ev.Severity != audit.SeverityLow {
			t.Fatalf("token_invalid severity %q", ev.Severity)
		}
	}
}

func TestIssueRejectsUnknownPermission(t *testing.T) {
	e, mr := newTestEngine(t)
	_, err := e.Issue(context.Background(), IssueRequest{UserID: "u1", Permissions: []string{"admin:all"}})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if keys := mr.Keys(); len(keys) != 0 {
		t.Fatalf("nothing should be written, found %v", keys)
	}

	if _, err := e.Issue(context.Background(), IssueRequest{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for empty user, got %v", err)
	}
}

func TestRevokeSessionInvalidatesAccessToken(t *testing.T) {
	e, mr := newTestEngine(t)
	ctx := context.Background()
	pair := issue(t, e, "u1")

	if err := e.RevokeSession(ctx, pair.SessionID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if e.Verify(ctx, pair.AccessToken, TokenAccess).Valid {
		t.Fatal("access token must fail once its session is revoked")
	}
	if e.Verify(ctx, pair.RefreshToken, TokenRefresh).Valid {
		t.Fatal("refresh token must fail once its session is revoked")
	}
	if mr.Exists("ag:r:" + pair.SessionID) {
		t.Fatal("refresh record left behind")
	}
	if err := e.RevokeSession(ctx, pair.SessionID); err != nil {
		t.Fatalf("second revoke should succeed: %v", err)
	}
	if n := len(eventsOfType(t, e, "u1", audit.TypeSessionRevoked)); n != 1 {
		t.Fatalf("expected 1 session_revoked event for u1, got %d", n)
	}
}

func TestVerifyFailsClosedWhenStoreUnavailable(t *testing.T) {
	e, mr := newTestEngine(t)
	ctx := context.Background()
	pair := issue(t, e, "u1")

	mr.SetError("LOADING redis is loading")
	if e.Verify(ctx, pair.AccessToken, TokenAccess).Valid {
		t.Fatal("verify must fail closed when the store is down")
	}
	if _, err := e.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
	if err := e.RevokeSession(ctx, pair.SessionID); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
	mr.SetError("")

	if got := e.MetricsSnapshot().Counters[MetricVerifyStoreUnavailable]; got != 1 {
		t.Fatalf("expected 1 store-unavailable verify, got %d", got)
	}
	if !e.Verify(ctx, pair.AccessToken, TokenAccess).Valid {
		t.Fatal("session should verify again once the store recovers")
	}
}

type stallingAuditStore struct{}

func (stallingAuditStore) Append(ctx context.Context, _ audit.Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return nil
	}
}

func (stallingAuditStore) Events(context.Context, string, int) ([]audit.Event, error) {
	return nil, nil
}

// stallHook holds every Redis command until its context ends.
type stallHook struct{}

func (stallHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (stallHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return next(ctx, cmd)
		}
	}
}

func (stallHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return next(ctx, cmds)
		}
	}
}

func TestSlowAuditStoreDoesNotStallVerify(t *testing.T) {
	cfg := testConfig()
	cfg.Session.StoreTimeout = 50 * time.Millisecond
	e, _ := newTestEngineWith(t, cfg, func(b *Builder) { b.WithAuditStore(stallingAuditStore{}) })

	start := time.Now()
	if e.Verify(context.Background(), "garbage.x", TokenAccess).Valid {
		t.Fatal("garbage token verified")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("verify blocked on the audit store for %v", elapsed)
	}
}

func TestStoreCallsAreBounded(t *testing.T) {
	cfg := testConfig()
	cfg.Session.StoreTimeout = 50 * time.Millisecond
	e, _ := newTestEngineWith(t, cfg, func(b *Builder) { b.redis.AddHook(stallHook{}) })
	ctx := context.Background()

	start := time.Now()
	if _, err := e.ListSessions(ctx, "u1"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("list sessions: expected store unavailable, got %v", err)
	}
	if _, err := e.RateLimit(ctx, abuse.Rule{Name: "login", Window: time.Minute, Max: 5}, "k"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("rate limit: expected store unavailable, got %v", err)
	}
	if e.Verify(ctx, "garbage.x", TokenAccess).Valid {
		t.Fatal("garbage token verified")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("store calls not bounded: %v", elapsed)
	}
}

func TestVerifyTouchDoesNotExtendSession(t *testing.T) {
	e, mr := newTestEngine(t)
	ctx := context.Background()
	pair := issue(t, e, "u1")

	mr.FastForward(time.Hour)
	before := mr.TTL("ag:s:" + pair.SessionID)
	if !e.Verify(ctx, pair.AccessToken, TokenAccess).Valid {
		t.Fatal("expected valid token")
	}
	if after := mr.TTL("ag:s:" + pair.SessionID); after > before {
		t.Fatalf("touch extended ttl from %v to %v", before, after)
	}
}

func TestRevokeAllUserSessions(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	a := issue(t, e, "u1")
	b := issue(t, e, "u1")
	other := issue(t, e, "u2")

	sessions, err := e.ListSessions(ctx, "u1")
	if err != nil || len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d (%v)", len(sessions), err)
	}

	n, err := e.RevokeAllUserSessions(ctx, "u1")
	if err != nil {
		t.Fatalf("revoke all: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 revoked, got %d", n)
	}
	for _, p := range []*TokenPair{a, b} {
		if e.Verify(ctx, p.AccessToken, TokenAccess).Valid {
			t.Fatal("revoked session still verifies")
		}
	}
	if !e.Verify(ctx, other.AccessToken, TokenAccess).Valid {
		t.Fatal("other user's session must survive")
	}

	events := eventsOfType(t, e, "u1", audit.TypeAllSessionsRevoked)
	if len(events) != 1 || events[0].Severity != audit.SeverityMedium {
		t.Fatalf("expected one medium all_sessions_revoked event, got %+v", events)
	}
}

func TestRevokeAllWithoutUserIndex(t *testing.T) {
	cfg := testConfig()
	cfg.Session.DisableUserIndex = true
	e, mr := newTestEngineWith(t, cfg)
	ctx := context.Background()
	issue(t, e, "u1")
	issue(t, e, "u1")
	issue(t, e, "u2")

	if mr.Exists("ag:u:u1") {
		t.Fatal("user index must not be written")
	}
	n, err := e.RevokeAllUserSessions(ctx, "u1")
	if err != nil || n != 2 {
		t.Fatalf("expected 2 revoked via scan, got %d (%v)", n, err)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	pair := issue(t, e, "u1")

	next, err := e.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if next.SessionID != pair.SessionID {
		t.Fatal("refresh must keep the session")
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Fatal("refresh token not rotated")
	}
	if !next.RefreshExpiresAt.Equal(pair.RefreshExpiresAt) {
		t.Fatalf("session lifetime changed: %v -> %v", pair.RefreshExpiresAt, next.RefreshExpiresAt)
	}
	if !e.Verify(ctx, next.AccessToken, TokenAccess).Valid {
		t.Fatal("new access token invalid")
	}
	if !e.Verify(ctx, next.RefreshToken, TokenRefresh).Valid {
		t.Fatal("new refresh token invalid")
	}
	if e.Verify(ctx, pair.RefreshToken, TokenRefresh).Valid {
		t.Fatal("rotated-away refresh token still verifies")
	}
}

func TestRefreshReuseRevokesSession(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	pair := issue(t, e, "u1")

	next, err := e.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	_, err = e.Refresh(ctx, pair.RefreshToken)
	if !errors.Is(err, ErrRefreshReuse) || !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected reuse error, got %v", err)
	}
	if e.Verify(ctx, next.AccessToken, TokenAccess).Valid {
		t.Fatal("session must be revoked after reuse")
	}
	if _, err := e.Refresh(ctx, next.RefreshToken); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("legitimate successor must fail after reuse, got %v", err)
	}

	events := eventsOfType(t, e, "u1", audit.TypeRefreshReuseDetected)
	if len(events) != 1 || events[0].Severity != audit.SeverityHigh {
		t.Fatalf("expected one high reuse event, got %+v", events)
	}
	if got := e.MetricsSnapshot().Counters[MetricRefreshReuseDetected]; got != 1 {
		t.Fatalf("expected reuse counter 1, got %d", got)
	}
}

func TestConcurrentRefreshSingleWinner(t *testing.T) {
	e, _ := newTestEngine(t)
	pair := issue(t, e, "u1")

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Refresh(context.Background(), pair.RefreshToken); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins > 1 {
		t.Fatalf("expected at most one successful rotation, got %d", wins)
	}
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	e, _ := newTestEngine(t)
	pair := issue(t, e, "u1")
	if _, err := e.Refresh(context.Background(), pair.AccessToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestExpiredSessionRejected(t *testing.T) {
	clock := time.Now()
	now := func() time.Time { return clock }
	e, mr := newTestEngineWith(t, testConfig(), func(b *Builder) { b.WithClock(now) })
	pair := issue(t, e, "u1")

	clock = clock.Add(8 * 24 * time.Hour)
	mr.FastForward(8 * 24 * time.Hour)
	if e.Verify(context.Background(), pair.RefreshToken, TokenRefresh).Valid {
		t.Fatal("expired refresh token accepted")
	}
}

func TestListSessionsOrdered(t *testing.T) {
	clock := time.Now()
	now := func() time.Time { return clock }
	e, _ := newTestEngineWith(t, testConfig(), func(b *Builder) { b.WithClock(now) })

	first := issue(t, e, "u1")
	clock = clock.Add(time.Minute)
	second := issue(t, e, "u1")

	got, err := e.ListSessions(context.Background(), "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].SessionID != first.SessionID || got[1].SessionID != second.SessionID {
		t.Fatalf("unexpected order %+v", got)
	}
}

func TestCustomSessionStore(t *testing.T) {
	store := session.NewMemoryStore()
	e, mr := newTestEngineWith(t, testConfig(), func(b *Builder) { b.WithSessionStore(store) })
	pair := issue(t, e, "u1")

	if mr.Exists("ag:s:" + pair.SessionID) {
		t.Fatal("session written to redis despite override")
	}
	if _, err := store.Get(context.Background(), pair.SessionID); err != nil {
		t.Fatalf("session missing from override store: %v", err)
	}
}

func TestRequestMetadataOnEvents(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := WithUserAgent(WithClientIP(context.Background(), "203.0.113.7"), "curl/8")
	if _, err := e.Issue(ctx, IssueRequest{UserID: "u1"}); err != nil {
		t.Fatalf("issue: %v", err)
	}
	events := eventsOfType(t, e, "u1", audit.TypeTokenIssued)
	if len(events) != 1 || events[0].IP != "203.0.113.7" || events[0].UserAgent != "curl/8" {
		t.Fatalf("request metadata missing: %+v", events)
	}
}

func TestMFAEnrollAndVerify(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	enr, err := e.EnrollMFA(ctx, "u1", "u1@example.com")
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if enr.SealedSecret == "" || strings.Contains(enr.SealedSecret, enr.Secret) {
		t.Fatal("expected sealed secret distinct from plaintext")
	}

	code, err := totp.GenerateCode(enr.Secret, time.Now())
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	if ok, err := e.VerifyTOTP(ctx, "u1", enr.Secret, code); !ok || err != nil {
		t.Fatalf("valid totp rejected: %v", err)
	}
	next, err := totp.GenerateCode(enr.Secret, time.Now().Add(30*time.Second))
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	if ok, err := e.VerifySealedTOTP(ctx, "u1", enr.SealedSecret, next); !ok || err != nil {
		t.Fatalf("valid totp rejected via sealed secret: %v", err)
	}
	if code != "000000" && next != "000000" {
		if ok, err := e.VerifyTOTP(ctx, "u1", enr.Secret, "000000"); ok || err != nil {
			t.Fatalf("wrong totp: %v, %v", ok, err)
		}
	}
	if ok, err := e.VerifySealedTOTP(ctx, "u1", "00.00.00", code); ok || !errors.Is(err, ErrCrypto) {
		t.Fatalf("corrupt sealed secret: %v, %v", ok, err)
	}

	if len(eventsOfType(t, e, "u1", audit.TypeMFAEnrolled)) != 1 {
		t.Fatal("expected mfa_enrolled event")
	}
	if len(eventsOfType(t, e, "", audit.TypeDecryptionFailed)) != 1 {
		t.Fatal("expected decryption_failed event for corrupt sealed secret")
	}
}

func TestTOTPReplayAndLockout(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	cfg := testConfig()
	cfg.MFA.MaxTOTPAttempts = 2
	e, _ := newTestEngineWith(t, cfg, func(b *Builder) { b.WithClock(now) })
	ctx := context.Background()

	enr, err := e.EnrollMFA(ctx, "u1", "u1@example.com")
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	code, err := totp.GenerateCode(enr.Secret, clock)
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	if ok, err := e.VerifyTOTP(ctx, "u1", enr.Secret, code); !ok || err != nil {
		t.Fatalf("first use: %v, %v", ok, err)
	}
	if ok, err := e.VerifyTOTP(ctx, "u1", enr.Secret, code); ok || err != nil {
		t.Fatalf("replayed code: %v, %v", ok, err)
	}
	replayed := eventsOfType(t, e, "u1", audit.TypeMFAReplayed)
	if len(replayed) != 1 || replayed[0].Severity != audit.SeverityHigh {
		t.Fatalf("expected one high replay event, got %+v", replayed)
	}

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	if ok, err := e.VerifyTOTP(ctx, "u1", enr.Secret, wrong); ok || err != nil {
		t.Fatalf("wrong code: %v, %v", ok, err)
	}
	_, err = e.VerifyTOTP(ctx, "u1", enr.Secret, wrong)
	if !errors.Is(err, ErrRateLimit) {
		t.Fatalf("expected rate limit after budget, got %v", err)
	}
	if e.PublicMessage(err) != "too many requests" {
		t.Fatalf("unexpected public message %q", e.PublicMessage(err))
	}
	if len(eventsOfType(t, e, "u1", audit.TypeMFALocked)) != 1 {
		t.Fatal("expected mfa_totp_locked event")
	}
	snap := e.MetricsSnapshot().Counters
	if snap[MetricTOTPRateLimited] != 1 || snap[MetricTOTPReplayRejected] != 1 || snap[MetricTOTPFailure] != 1 || snap[MetricTOTPSuccess] != 1 {
		t.Fatalf("unexpected counters %+v", snap)
	}
}

func TestBackupCodeSingleUse(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	enr, err := e.EnrollMFA(ctx, "u1", "u1@example.com")
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}

	ok, err := e.VerifyBackupCode(ctx, "u1", enr.BackupCodes[0])
	if err != nil || !ok {
		t.Fatalf("first use should succeed: %v %v", ok, err)
	}
	ok, err = e.VerifyBackupCode(ctx, "u1", enr.BackupCodes[0])
	if err != nil || ok {
		t.Fatalf("second use must fail: %v %v", ok, err)
	}
	remaining, err := e.RemainingBackupCodes(ctx, "u1")
	if err != nil || remaining != len(enr.BackupCodes)-1 {
		t.Fatalf("remaining = %d (%v)", remaining, err)
	}

	if len(eventsOfType(t, e, "u1", audit.TypeBackupCodeUsed)) != 1 {
		t.Fatal("expected backup_code_used event")
	}
	rejected := eventsOfType(t, e, "u1", audit.TypeBackupCodeRejected)
	if len(rejected) != 1 || rejected[0].Severity != audit.SeverityMedium {
		t.Fatalf("expected one medium rejection, got %+v", rejected)
	}
}

func TestBackupCodeLockout(t *testing.T) {
	cfg := testConfig()
	cfg.MFA.MaxBackupAttempts = 2
	e, _ := newTestEngineWith(t, cfg)
	ctx := context.Background()
	if _, err := e.EnrollMFA(ctx, "u1", "u1@example.com"); err != nil {
		t.Fatalf("enroll: %v", err)
	}

	for i := 0; i < 2; i++ {
		if ok, err := e.VerifyBackupCode(ctx, "u1", "ffffffff"); ok || err != nil {
			t.Fatalf("attempt %d: %v %v", i, ok, err)
		}
	}
	_, err := e.VerifyBackupCode(ctx, "u1", "ffffffff")
	if !errors.Is(err, ErrRateLimit) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	if e.PublicMessage(err) != "too many requests" {
		t.Fatalf("unexpected public message %q", e.PublicMessage(err))
	}
	if len(eventsOfType(t, e, "u1", audit.TypeBackupCodeLocked)) != 1 {
		t.Fatal("expected backup_code_locked event")
	}
}

func TestCryptoWrappers(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	blob, err := e.Encrypt([]byte("4111 1111 1111 1111"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	plain, err := e.Decrypt(ctx, blob)
	if err != nil || string(plain) != "4111 1111 1111 1111" {
		t.Fatalf("decrypt: %q %v", plain, err)
	}

	blob.AuthTag[0] ^= 0xff
	plain, err = e.Decrypt(ctx, blob)
	if plain != nil || !errors.Is(err, ErrCrypto) {
		t.Fatalf("tampered blob must fail closed, got %q %v", plain, err)
	}

	sealed, err := e.EncryptString("secret")
	if err != nil {
		t.Fatalf("encrypt string: %v", err)
	}
	if out, err := e.DecryptString(ctx, sealed); err != nil || out != "secret" {
		t.Fatalf("decrypt string: %q %v", out, err)
	}

	failures := eventsOfType(t, e, "", audit.TypeDecryptionFailed)
	if len(failures) != 1 || failures[0].Severity != audit.SeverityHigh {
		t.Fatalf("expected one high decryption_failed event, got %+v", failures)
	}
	if got := e.MetricsSnapshot().Counters[MetricDecryptFailure]; got != 1 {
		t.Fatalf("decrypt failure counter %d", got)
	}
}

func TestCryptoDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Crypto.Secret = nil
	e, _ := newTestEngineWith(t, cfg)

	if _, err := e.Encrypt([]byte("x")); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("expected not ready, got %v", err)
	}
	enr, err := e.EnrollMFA(context.Background(), "u1", "u1@example.com")
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if enr.SealedSecret != "" {
		t.Fatal("sealed secret without crypto configured")
	}
}

func TestRateLimitThroughEngine(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	rule := abuse.Rule{Name: "login", Window: time.Minute, Max: 5}

	for i := 0; i < 5; i++ {
		if d, err := e.RateLimit(ctx, rule, "203.0.113.7"); err != nil || !d.Allowed {
			t.Fatalf("call %d rejected: %+v %v", i+1, d, err)
		}
	}
	d, err := e.RateLimit(ctx, rule, "203.0.113.7")
	if d.Allowed || !errors.Is(err, ErrRateLimit) || !errors.Is(err, abuse.ErrRateLimited) {
		t.Fatalf("sixth call must be rejected: %+v %v", d, err)
	}
	if d.RetryAfter <= 0 {
		t.Fatal("retry-after missing")
	}
	if got := e.MetricsSnapshot().Counters[MetricRateLimitHit]; got != 1 {
		t.Fatalf("rate limit counter %d", got)
	}
	if n := len(eventsOfType(t, e, "", audit.TypeRateLimitExceeded)); n != 1 {
		t.Fatalf("expected one rate_limit_exceeded event, got %d", n)
	}
}

func TestSlowDownThroughEngine(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	rule := abuse.SlowRule{Name: "otp", Window: time.Minute, DelayAfter: 1, DelayStep: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	if d, err := e.SlowDown(ctx, rule, "u1"); err != nil || d != 0 {
		t.Fatalf("first call delayed: %v %v", d, err)
	}
	if d, err := e.SlowDown(ctx, rule, "u1"); err != nil || d != time.Millisecond {
		t.Fatalf("second call: %v %v", d, err)
	}
	if got := e.MetricsSnapshot().Counters[MetricSlowDownApplied]; got != 1 {
		t.Fatalf("slow down counter %d", got)
	}
}

func TestAlerterReceivesHighSeverity(t *testing.T) {
	alerts := audit.NewChannelAlerter(8)
	e, _ := newTestEngineWith(t, testConfig(), func(b *Builder) { b.WithAlerter(alerts) })
	ctx := context.Background()
	pair := issue(t, e, "u1")
	if _, err := e.Refresh(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	_, _ = e.Refresh(ctx, pair.RefreshToken)

	select {
	case ev := <-alerts.Events():
		if ev.Type != audit.TypeRefreshReuseDetected {
			t.Fatalf("unexpected alert %s", ev.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no alert delivered")
	}
}

func TestBuildRequiresRedis(t *testing.T) {
	if _, err := New().WithConfig(testConfig()).Build(); err == nil {
		t.Fatal("expected error without redis")
	}
}

func TestBuilderSingleUse(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	b := New().WithConfig(testConfig()).WithRedis(rdb)
	e, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer e.Close()
	if _, err := b.Build(); err == nil {
		t.Fatal("second build must fail")
	}
}

func TestNilEngine(t *testing.T) {
	var e *Engine
	if e.Verify(context.Background(), "x", TokenAccess).Valid {
		t.Fatal("nil engine verified a token")
	}
	if _, err := e.Issue(context.Background(), IssueRequest{UserID: "u1"}); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("expected not ready, got %v", err)
	}
	e.Close()
}

func TestAuditStatsMatchRecordedEvents(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	issue(t, e, "u1")
	e.Verify(ctx, "garbage.token", TokenAccess)
	if _, err := e.RevokeAllUserSessions(ctx, "u1"); err != nil {
		t.Fatalf("revoke all: %v", err)
	}

	events, err := e.GetEvents(ctx, "", 0)
	if err != nil || len(events) == 0 {
		t.Fatalf("get events: %d, %v", len(events), err)
	}
	want := map[audit.Severity]uint64{}
	for _, ev := range events {
		want[ev.Severity]++
	}
	stats := e.AuditStats()
	for _, sev := range []audit.Severity{audit.SeverityLow, audit.SeverityMedium, audit.SeverityHigh, audit.SeverityCritical} {
		if stats.Events[sev] != want[sev] {
			t.Fatalf("severity %s: stats %d, log %d", sev, stats.Events[sev], want[sev])
		}
	}
	if stats.StoreFailures != 0 || stats.AlertsDropped != 0 {
		t.Fatalf("unexpected failures %+v", stats)
	}
}
