package authcore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/synergyhub/authcore/internal"
)

// BeginTwoFactorSetup starts TOTP enrollment for an identity. It stores a
// fresh pending secret and returns the provisioning material. The secret
// grants nothing until [Engine.ConfirmTwoFactorSetup] proves possession;
// calling Begin again simply replaces the pending secret.
func (e *Engine) BeginTwoFactorSetup(ctx context.Context, identityID string) (*TwoFactorSetup, error) {
	if e == nil || e.identities == nil {
		return nil, ErrEngineNotReady
	}

	identity, err := e.identities.GetByID(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return nil, ErrIdentityNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	record, err := e.identities.GetTwoFactor(ctx, identityID)
	if err != nil && !errors.Is(err, ErrIdentityNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if record != nil && record.Enabled {
		return nil, ErrAlreadyEnrolled
	}

	raw, encoded, err := e.totp.GenerateSecret()
	if err != nil {
		return nil, err
	}
	if err := e.identities.SavePendingTwoFactor(ctx, identityID, raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return &TwoFactorSetup{
		SecretBase32: encoded,
		OTPAuthURI:   e.totp.ProvisionURI(encoded, identity.Email),
	}, nil
}

// ConfirmTwoFactorSetup proves possession of the pending secret with a
// live TOTP code, activates the enrollment, and returns the freshly
// generated one-time backup codes. The plaintext codes exist only in this
// return value; the engine persists hashes.
func (e *Engine) ConfirmTwoFactorSetup(ctx context.Context, identityID, code string) ([]string, error) {
	if e == nil || e.identities == nil {
		return nil, ErrEngineNotReady
	}

	record, err := e.identities.GetTwoFactor(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return nil, ErrSetupNotPending
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if record == nil || len(record.Secret) == 0 {
		return nil, ErrSetupNotPending
	}
	if record.Enabled {
		return nil, ErrAlreadyEnrolled
	}

	if err := e.checkCodeLimiter(ctx, e.codeLimiter, identityID); err != nil {
		return nil, err
	}

	ok, counter, err := e.totp.VerifyCode(record.Secret, code, time.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTwoFactorUnavailable, err)
	}
	if !ok {
		_ = e.codeLimiter.RecordFailure(ctx, identityID)
		e.metrics.Inc(MetricTwoFactorFailure)
		return nil, ErrTwoFactorInvalid
	}

	if err := e.identities.EnableTwoFactor(ctx, identityID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := e.identities.UpdateTwoFactorLastUsedCounter(ctx, identityID, counter); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := e.codeLimiter.Reset(ctx, identityID); err != nil {
		log.Printf("authcore: two-factor limiter reset failed: %v", err)
	}

	codes, records, err := e.generateBackupCodes()
	if err != nil {
		return nil, err
	}
	if err := e.identities.ReplaceBackupCodes(ctx, identityID, records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.emitAudit(ctx, eventTwoFactorEnrolled, identityID, "", true, nil, nil)

	return codes, nil
}

// DisableTwoFactor removes the enrollment and destroys the backup code
// pool. It requires re-proof of the current password rather than a
// second-factor code: a stolen TOTP device or backup code must never be
// enough to strip the factor it belongs to.
func (e *Engine) DisableTwoFactor(ctx context.Context, identityID, currentPassword string) error {
	if e == nil || e.identities == nil {
		return ErrEngineNotReady
	}

	identity, err := e.identities.GetByID(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return ErrIdentityNotFound
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	record, err := e.identities.GetTwoFactor(ctx, identityID)
	if err != nil && !errors.Is(err, ErrIdentityNotFound) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if record == nil || !record.Enabled {
		return ErrNotEnrolled
	}

	ok, err := e.hasher.Verify(currentPassword, identity.PasswordHash)
	if err != nil {
		return fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		e.emitAudit(ctx, eventTwoFactorDisabled, identityID, "", false, ErrInvalidCredentials, nil)
		return ErrInvalidCredentials
	}

	if err := e.identities.DisableTwoFactor(ctx, identityID); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := e.identities.ReplaceBackupCodes(ctx, identityID, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.emitAudit(ctx, eventTwoFactorDisabled, identityID, "", true, nil, nil)

	return nil
}

// looksLikeTOTP decides which verification path a submitted code takes.
// TOTP codes are exactly Digits numeric characters; backup codes never
// are, so the routing is unambiguous.
func (e *Engine) looksLikeTOTP(code string) bool {
	trimmed := strings.TrimSpace(code)
	return len(trimmed) == e.config.TwoFactor.Digits && isNumericString(trimmed)
}

func (e *Engine) checkCodeLimiter(ctx context.Context, limiter *windowLimiter, subject string) error {
	if err := limiter.Check(ctx, subject); err != nil {
		if errors.Is(err, errLimiterRateLimited) {
			e.metrics.Inc(MetricRateLimitHit)
			return ErrTwoFactorRateLimited
		}
		return fmt.Errorf("%w: %v", ErrTwoFactorUnavailable, err)
	}
	return nil
}

// verifyTwoFactorCode checks a second-factor proof for an enrolled
// identity and returns the method that matched. Replayed TOTP codes (a
// time-step at or below the last accepted one) fail when replay
// protection is on; the replay window advances before the code counts as
// accepted.
func (e *Engine) verifyTwoFactorCode(ctx context.Context, identity *Identity, code string) (string, error) {
	record, err := e.identities.GetTwoFactor(ctx, identity.ID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return "", ErrNotEnrolled
		}
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if record == nil || !record.Enabled {
		return "", ErrNotEnrolled
	}

	if e.looksLikeTOTP(code) {
		return e.verifyTOTPCode(ctx, identity.ID, record, code)
	}
	return e.verifyBackupCode(ctx, identity.ID, code)
}

func (e *Engine) verifyTOTPCode(ctx context.Context, identityID string, record *TwoFactorRecord, code string) (string, error) {
	if err := e.checkCodeLimiter(ctx, e.codeLimiter, identityID); err != nil {
		return "", err
	}

	ok, counter, err := e.totp.VerifyCode(record.Secret, code, time.Now())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTwoFactorUnavailable, err)
	}
	if ok && e.config.TwoFactor.EnforceReplayProtection && counter <= record.LastUsedCounter {
		// Correct code, already spent time-step. Treated as a plain failure
		// so an observer cannot distinguish replay from a wrong guess.
		ok = false
	}
	if !ok {
		_ = e.codeLimiter.RecordFailure(ctx, identityID)
		return "", ErrTwoFactorInvalid
	}

	if err := e.identities.UpdateTwoFactorLastUsedCounter(ctx, identityID, counter); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := e.codeLimiter.Reset(ctx, identityID); err != nil {
		log.Printf("authcore: two-factor limiter reset failed: %v", err)
	}

	return TwoFactorMethodTOTP, nil
}

func (e *Engine) verifyBackupCode(ctx context.Context, identityID, code string) (string, error) {
	if err := e.checkCodeLimiter(ctx, e.backupLimiter, identityID); err != nil {
		return "", err
	}

	hash := internal.HashBytes([]byte(normalizeBackupCode(code)))
	consumed, err := e.identities.ConsumeBackupCode(ctx, identityID, hash)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !consumed {
		_ = e.backupLimiter.RecordFailure(ctx, identityID)
		e.metrics.Inc(MetricBackupCodeFailed)
		return "", ErrTwoFactorInvalid
	}

	if err := e.backupLimiter.Reset(ctx, identityID); err != nil {
		log.Printf("authcore: backup code limiter reset failed: %v", err)
	}

	e.metrics.Inc(MetricBackupCodeUsed)
	remaining, err := e.identities.CountUnusedBackupCodes(ctx, identityID)
	details := map[string]string{}
	if err == nil {
		details["remaining"] = fmt.Sprintf("%d", remaining)
	}
	e.emitAudit(ctx, eventBackupCodeUsed, identityID, "", true, nil, details)

	return TwoFactorMethodBackup, nil
}

func normalizeBackupCode(code string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-':
			return -1
		default:
			return r
		}
	}, strings.TrimSpace(code))
	return strings.ToUpper(cleaned)
}
