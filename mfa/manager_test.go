package mfa

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
)

func newMFATest(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	return newMFATestWith(t, DefaultConfig())
}

func newMFATestWith(t *testing.T, cfg Config) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	m, err := NewManager(rdb, cfg)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m, mr
}

func TestGenerateSecret(t *testing.T) {
	m, mr := newMFATest(t)
	enr, err := m.GenerateSecret(context.Background(), "u1", "alice@example.com")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(enr.Secret) != 32 {
		t.Fatalf("expected 32 base32 chars for a 20 byte secret, got %d", len(enr.Secret))
	}
	if !strings.HasPrefix(enr.URI, "otpauth://totp/") || !strings.Contains(enr.URI, "issuer=authguard") {
		t.Fatalf("unexpected uri %q", enr.URI)
	}
	if len(enr.BackupCodes) != 8 {
		t.Fatalf("expected 8 backup codes, got %d", len(enr.BackupCodes))
	}
	seen := map[string]bool{}
	for _, c := range enr.BackupCodes {
		if !isBackupCode(c) {
			t.Fatalf("malformed backup code %q", c)
		}
		seen[c] = true
	}
	if len(seen) != 8 {
		t.Fatal("duplicate backup codes generated")
	}
	members, err := mr.Members("amb:u1")
	if err != nil || len(members) != 8 {
		t.Fatalf("expected 8 stored digests, got %d, %v", len(members), err)
	}
	for _, d := range members {
		for _, c := range enr.BackupCodes {
			if d == c {
				t.Fatal("raw backup code persisted")
			}
		}
	}
}

func TestVerifyTOTPSkew(t *testing.T) {
	m, _ := newMFATest(t)
	enr, err := m.GenerateSecret(context.Background(), "u1", "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	now := time.Now()
	for _, tc := range []struct {
		offset time.Duration
		want   bool
	}{
		{0, true},
		{-60 * time.Second, true},
		{60 * time.Second, true},
		{-3 * 30 * time.Second, false},
		{3 * 30 * time.Second, false},
	} {
		code, err := totp.GenerateCode(enr.Secret, now.Add(tc.offset))
		if err != nil {
			t.Fatalf("generate code: %v", err)
		}
		if got := m.ValidTOTPAt(enr.Secret, code, now); got != tc.want {
			t.Fatalf("offset %v: got %v want %v", tc.offset, got, tc.want)
		}
	}
	if m.ValidTOTPAt(enr.Secret, "12345", now) || m.ValidTOTPAt(enr.Secret, "abcdef", now) || m.ValidTOTPAt("", "123456", now) {
		t.Fatal("malformed input accepted")
	}
}

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func wrongCode(code string) string {
	if code[0] == '9' {
		return "0" + code[1:]
	}
	return string(code[0]+1) + code[1:]
}

func TestVerifyTOTPFailureBudget(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg := DefaultConfig()
	cfg.Now = fixedClock(now)
	m, mr := newMFATestWith(t, cfg)
	ctx := context.Background()
	enr, err := m.GenerateSecret(ctx, "u1", "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	code, err := totp.GenerateCode(enr.Secret, now)
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}

	for i := 0; i < cfg.MaxTOTPAttempts; i++ {
		ok, err := m.VerifyTOTP(ctx, "u1", enr.Secret, wrongCode(code))
		if ok || err != nil {
			t.Fatalf("attempt %d: %v, %v", i+1, ok, err)
		}
	}
	if ok, err := m.VerifyTOTP(ctx, "u1", enr.Secret, code); ok || !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected lockout even for a valid code, got %v, %v", ok, err)
	}
	if ok, err := m.VerifyTOTP(ctx, "u2", enr.Secret, code); !ok || err != nil {
		t.Fatalf("budget must be per user: %v, %v", ok, err)
	}

	mr.FastForward(cfg.TOTPCooldown + time.Second)
	if ok, err := m.VerifyTOTP(ctx, "u1", enr.Secret, code); !ok || err != nil {
		t.Fatalf("after cooldown: %v, %v", ok, err)
	}
	if mr.Exists("amt:u1") {
		t.Fatal("success must clear the failure counter")
	}
}

func TestVerifyTOTPRejectsReplay(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg := DefaultConfig()
	cfg.Now = fixedClock(now)
	m, mr := newMFATestWith(t, cfg)
	ctx := context.Background()
	enr, err := m.GenerateSecret(ctx, "u1", "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	codeAt := func(at time.Time) string {
		c, err := totp.GenerateCode(enr.Secret, at)
		if err != nil {
			t.Fatalf("generate code: %v", err)
		}
		return c
	}

	if ok, err := m.VerifyTOTP(ctx, "u1", enr.Secret, codeAt(now)); !ok || err != nil {
		t.Fatalf("first use: %v, %v", ok, err)
	}
	if ok, err := m.VerifyTOTP(ctx, "u1", enr.Secret, codeAt(now)); ok || !errors.Is(err, ErrCodeReplayed) {
		t.Fatalf("replay: %v, %v", ok, err)
	}
	if ok, err := m.VerifyTOTP(ctx, "u1", enr.Secret, codeAt(now.Add(-30*time.Second))); ok || !errors.Is(err, ErrCodeReplayed) {
		t.Fatalf("older step: %v, %v", ok, err)
	}
	if got, _ := mr.Get("amt:u1"); got != "2" {
		t.Fatalf("replays must count as failures, counter=%q", got)
	}
	if ttl := mr.TTL("ams:u1"); ttl != 180*time.Second {
		t.Fatalf("unexpected last-step retention %v", ttl)
	}
	if ok, err := m.VerifyTOTP(ctx, "u1", enr.Secret, codeAt(now.Add(30*time.Second))); !ok || err != nil {
		t.Fatalf("newer step: %v, %v", ok, err)
	}

	cfg.EnforceReplayProtection = false
	lax, _ := newMFATestWith(t, cfg)
	for i := 0; i < 2; i++ {
		if ok, err := lax.VerifyTOTP(ctx, "u1", enr.Secret, codeAt(now)); !ok || err != nil {
			t.Fatalf("replay protection off, use %d: %v, %v", i+1, ok, err)
		}
	}
}

func TestBackupCodeSingleUse(t *testing.T) {
	m, _ := newMFATest(t)
	ctx := context.Background()
	enr, err := m.GenerateSecret(ctx, "u1", "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	code := enr.BackupCodes[0]

	ok, err := m.VerifyBackupCode(ctx, "u1", code)
	if err != nil || !ok {
		t.Fatalf("first use: %v, %v", ok, err)
	}
	ok, err = m.VerifyBackupCode(ctx, "u1", code)
	if err != nil || ok {
		t.Fatalf("second use must fail: %v, %v", ok, err)
	}
	if ok, _ := m.VerifyBackupCode(ctx, "u2", enr.BackupCodes[1]); ok {
		t.Fatal("code accepted for another user")
	}

	remaining, err := m.RemainingBackupCodes(ctx, "u1")
	if err != nil || remaining != 7 {
		t.Fatalf("expected 7 remaining, got %d, %v", remaining, err)
	}
}

func TestBackupCodeAcceptsFormattingVariants(t *testing.T) {
	m, _ := newMFATest(t)
	ctx := context.Background()
	enr, err := m.GenerateSecret(ctx, "u1", "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	c := enr.BackupCodes[2]
	formatted := " " + strings.ToUpper(c[:4]) + "-" + c[4:] + " "
	if ok, err := m.VerifyBackupCode(ctx, "u1", formatted); err != nil || !ok {
		t.Fatalf("formatted code rejected: %v, %v", ok, err)
	}
}

func TestBackupCodeConcurrentConsumeOnlyOnce(t *testing.T) {
	m, _ := newMFATest(t)
	ctx := context.Background()
	enr, err := m.GenerateSecret(ctx, "u1", "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.VerifyBackupCode(ctx, "u1", enr.BackupCodes[0])
			if err == nil && ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one successful consume, got %d", wins)
	}
}

func TestBackupCodeFailureBudget(t *testing.T) {
	m, mr := newMFATest(t)
	ctx := context.Background()
	enr, err := m.GenerateSecret(ctx, "u1", "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	for i := 0; i < 5; i++ {
		if ok, err := m.VerifyBackupCode(ctx, "u1", "00000000"); ok || err != nil {
			t.Fatalf("attempt %d: %v, %v", i, ok, err)
		}
	}
	if _, err := m.VerifyBackupCode(ctx, "u1", enr.BackupCodes[0]); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	mr.FastForward(16 * time.Minute)
	if ok, err := m.VerifyBackupCode(ctx, "u1", enr.BackupCodes[0]); err != nil || !ok {
		t.Fatalf("expected success after cooldown, got %v, %v", ok, err)
	}
}

func TestConsumedSetRetention(t *testing.T) {
	m, mr := newMFATest(t)
	ctx := context.Background()
	enr, err := m.GenerateSecret(ctx, "u1", "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if ok, _ := m.VerifyBackupCode(ctx, "u1", enr.BackupCodes[0]); !ok {
		t.Fatal("expected backup code accepted")
	}
	ttl := mr.TTL("amc:u1")
	if ttl < 364*24*time.Hour || ttl > 365*24*time.Hour {
		t.Fatalf("unexpected consumed-set ttl %v", ttl)
	}
}

func TestStoreUnavailable(t *testing.T) {
	m, mr := newMFATest(t)
	mr.SetError("LOADING redis is loading")
	ctx := context.Background()
	if _, err := m.GenerateSecret(ctx, "u1", ""); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("generate: expected ErrStoreUnavailable, got %v", err)
	}
	if _, err := m.VerifyBackupCode(ctx, "u1", "0123abcd"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("verify: expected ErrStoreUnavailable, got %v", err)
	}
	if _, err := m.RemainingBackupCodes(ctx, "u1"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("remaining: expected ErrStoreUnavailable, got %v", err)
	}
	if ok, err := m.VerifyTOTP(ctx, "u1", "JBSWY3DPEHPK3PXP", "123456"); ok || !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("totp: expected ErrStoreUnavailable, got %v, %v", ok, err)
	}
}
