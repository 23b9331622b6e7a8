package authguard

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/MrEthical07/authguard/audit"
	"github.com/MrEthical07/authguard/mfa"
)

// EnrollMFA creates a TOTP secret and a fresh set of backup codes for
// userID. Previously issued backup codes stop working. When field
// encryption is configured the secret is also returned sealed for storage.
func (e *Engine) EnrollMFA(ctx context.Context, userID, account string) (*MFAEnrollment, error) {
	const op = "enroll_mfa"
	if e == nil || e.mfa == nil {
		return nil, newError(KindInternal, op, ErrEngineNotReady)
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	enr, err := e.mfa.GenerateSecret(sctx, userID, account)
	if err != nil {
		return nil, wrap(op, err)
	}

	out := &MFAEnrollment{
		Secret:      enr.Secret,
		URI:         enr.URI,
		BackupCodes: enr.BackupCodes,
	}
	if e.crypto != nil {
		sealed, err := e.crypto.EncryptString(enr.Secret)
		if err != nil {
			return nil, wrap(op, err)
		}
		out.SealedSecret = sealed
	}

	e.metricInc(MetricMFAEnrolled)
	e.emit(ctx, audit.Event{
		Type:     audit.TypeMFAEnrolled,
		UserID:   userID,
		Success:  true,
		Severity: audit.SeverityLow,
	})
	return out, nil
}

// VerifyTOTP checks code against the plaintext secret of userID. Wrong and
// replayed codes return false with a nil error. Once the user's failure
// budget is spent a rate-limit error is returned instead.
func (e *Engine) VerifyTOTP(ctx context.Context, userID, secret, code string) (bool, error) {
	const op = "verify_totp"
	if e == nil || e.mfa == nil {
		return false, newError(KindInternal, op, ErrEngineNotReady)
	}
	return e.verifyTOTP(ctx, op, userID, secret, code)
}

// VerifySealedTOTP decrypts a secret sealed by [Engine.EnrollMFA] and checks
// code against it. A secret that fails to decrypt is recorded as a failed
// verification and a decryption failure, and returns a crypto error.
func (e *Engine) VerifySealedTOTP(ctx context.Context, userID, sealedSecret, code string) (bool, error) {
	const op = "verify_sealed_totp"
	if e == nil || e.mfa == nil || e.crypto == nil {
		return false, newError(KindInternal, op, ErrEngineNotReady)
	}
	secret, err := e.DecryptString(ctx, sealedSecret)
	if err != nil {
		e.recordTOTP(ctx, userID, false)
		return false, wrap(op, err)
	}
	return e.verifyTOTP(ctx, op, userID, secret, code)
}

func (e *Engine) verifyTOTP(ctx context.Context, op, userID, secret, code string) (bool, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	ok, err := e.mfa.VerifyTOTP(sctx, userID, secret, code)
	switch {
	case errors.Is(err, mfa.ErrRateLimited):
		e.metricInc(MetricTOTPRateLimited)
		e.emit(ctx, audit.Event{Type: audit.TypeMFALocked, UserID: userID, Severity: audit.SeverityHigh})
		return false, wrap(op, err)
	case errors.Is(err, mfa.ErrCodeReplayed):
		e.metricInc(MetricTOTPReplayRejected)
		e.emit(ctx, audit.Event{Type: audit.TypeMFAReplayed, UserID: userID, Severity: audit.SeverityHigh})
		return false, nil
	case err != nil:
		e.logger.Warn("totp verification unavailable", zap.String("user_id", userID), zap.Error(err))
		return false, wrap(op, err)
	}
	e.recordTOTP(ctx, userID, ok)
	return ok, nil
}

func (e *Engine) recordTOTP(ctx context.Context, userID string, ok bool) {
	if ok {
		e.metricInc(MetricTOTPSuccess)
		e.emit(ctx, audit.Event{Type: audit.TypeMFAVerified, UserID: userID, Success: true, Severity: audit.SeverityLow})
		return
	}
	e.metricInc(MetricTOTPFailure)
	e.emit(ctx, audit.Event{Type: audit.TypeMFAFailed, UserID: userID, Severity: audit.SeverityMedium})
}

// VerifyBackupCode consumes a backup code. It returns false for unknown or
// reused codes and a rate-limit error once the user's failure budget is spent.
func (e *Engine) VerifyBackupCode(ctx context.Context, userID, code string) (bool, error) {
	const op = "verify_backup_code"
	if e == nil || e.mfa == nil {
		return false, newError(KindInternal, op, ErrEngineNotReady)
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	ok, err := e.mfa.VerifyBackupCode(sctx, userID, code)
	switch {
	case errors.Is(err, mfa.ErrRateLimited):
		e.metricInc(MetricBackupCodeRateLimited)
		e.emit(ctx, audit.Event{Type: audit.TypeBackupCodeLocked, UserID: userID, Severity: audit.SeverityHigh})
		return false, wrap(op, err)
	case err != nil:
		e.logger.Warn("backup code verification unavailable", zap.String("user_id", userID), zap.Error(err))
		return false, wrap(op, err)
	case ok:
		e.metricInc(MetricBackupCodeUsed)
		e.emit(ctx, audit.Event{Type: audit.TypeBackupCodeUsed, UserID: userID, Success: true, Severity: audit.SeverityMedium})
		return true, nil
	default:
		e.metricInc(MetricBackupCodeFailed)
		e.emit(ctx, audit.Event{Type: audit.TypeBackupCodeRejected, UserID: userID, Severity: audit.SeverityMedium})
		return false, nil
	}
}

// RemainingBackupCodes returns how many of userID's backup codes are unused.
func (e *Engine) RemainingBackupCodes(ctx context.Context, userID string) (int, error) {
	const op = "remaining_backup_codes"
	if e == nil || e.mfa == nil {
		return 0, newError(KindInternal, op, ErrEngineNotReady)
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	n, err := e.mfa.RemainingBackupCodes(sctx, userID)
	return n, wrap(op, err)
}
