package authcore

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidCredentials covers unknown email and wrong password alike;
	// callers must not be able to tell the two apart.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrIdentityNotFound is the IdentityStore contract for a missing record.
	// The engine never leaks it through Login.
	ErrIdentityNotFound = errors.New("identity not found")
	// ErrAccountLocked is wrapped by AccountLockedError.
	ErrAccountLocked = errors.New("account locked")
	// ErrLoginRateLimited signals the pre-credential login throttle fired.
	ErrLoginRateLimited = errors.New("login rate limited")

	// ErrTwoFactorRequired is returned by Login when credentials were
	// correct but a second factor is pending; LoginResult carries the
	// challenge token.
	ErrTwoFactorRequired = errors.New("two-factor verification required")
	// ErrTwoFactorInvalid covers wrong TOTP codes and wrong backup codes.
	ErrTwoFactorInvalid = errors.New("invalid two-factor code")
	// ErrTwoFactorRateLimited signals too many code attempts in the window.
	ErrTwoFactorRateLimited = errors.New("two-factor attempts rate limited")
	// ErrTwoFactorUnavailable signals the verification backend is down.
	ErrTwoFactorUnavailable = errors.New("two-factor backend unavailable")
	// ErrAlreadyEnrolled rejects BeginTwoFactorSetup for an enrolled identity.
	ErrAlreadyEnrolled = errors.New("two-factor already enrolled")
	// ErrNotEnrolled rejects two-factor operations without an enrollment.
	ErrNotEnrolled = errors.New("two-factor not enrolled")
	// ErrSetupNotPending rejects ConfirmTwoFactorSetup without a pending secret.
	ErrSetupNotPending = errors.New("two-factor setup not pending")
	// ErrRegenerationRequiresTOTP rejects backup-code regeneration proved
	// with a backup code instead of a genuine authenticator code.
	ErrRegenerationRequiresTOTP = errors.New("backup code regeneration requires totp verification")

	// ErrChallengeInvalid covers unknown, consumed, or forged login challenges.
	ErrChallengeInvalid = errors.New("login challenge invalid")
	// ErrChallengeExpired is returned when the challenge TTL elapsed.
	ErrChallengeExpired = errors.New("login challenge expired")
	// ErrChallengeAttemptsExceeded is returned when the per-challenge
	// attempt cap is reached; the challenge is destroyed.
	ErrChallengeAttemptsExceeded = errors.New("login challenge attempts exceeded")

	// ErrSessionNotFound is returned for session ids with no backing record.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionRevoked is returned when the record exists but was revoked.
	ErrSessionRevoked = errors.New("session revoked")
	// ErrSessionExpired is returned when the record exists but is past expiry.
	ErrSessionExpired = errors.New("session expired")
	// ErrSessionAccessDenied is returned when a caller names a session
	// belonging to a different identity.
	ErrSessionAccessDenied = errors.New("not authorized for session")
	// ErrTokenInvalid covers malformed, forged, or wrong-purpose tokens.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrSessionInvalidationFailed signals a revoke-all pass that could not
	// complete; some sessions may remain active.
	ErrSessionInvalidationFailed = errors.New("session invalidation failed")

	// ErrResetTokenInvalid covers unknown and superseded reset tokens.
	ErrResetTokenInvalid = errors.New("password reset token invalid")
	// ErrResetTokenExpired is returned when the token exists but its TTL elapsed.
	ErrResetTokenExpired = errors.New("password reset token expired")
	// ErrResetTokenUsed is returned when the token was already consumed.
	ErrResetTokenUsed = errors.New("password reset token already used")
	// ErrResetRateLimited throttles repeated reset requests per identity.
	ErrResetRateLimited = errors.New("password reset rate limited")
	// ErrResetUnavailable signals the reset token backend is down.
	ErrResetUnavailable = errors.New("password reset backend unavailable")
	// ErrResetDisabled is returned when the reset flow is not enabled.
	ErrResetDisabled = errors.New("password reset disabled")

	// ErrVerificationTokenInvalid covers unknown and superseded verification tokens.
	ErrVerificationTokenInvalid = errors.New("email verification token invalid")
	// ErrVerificationTokenExpired is returned when the token TTL elapsed.
	ErrVerificationTokenExpired = errors.New("email verification token expired")
	// ErrVerificationTokenUsed is returned when the token was already consumed.
	ErrVerificationTokenUsed = errors.New("email verification token already used")
	// ErrVerificationRateLimited throttles repeated verification requests.
	ErrVerificationRateLimited = errors.New("email verification rate limited")
	// ErrAlreadyVerified rejects verification requests for verified identities.
	ErrAlreadyVerified = errors.New("email already verified")
	// ErrVerificationDisabled is returned when the verification flow is not enabled.
	ErrVerificationDisabled = errors.New("email verification disabled")

	// ErrPasswordPolicy rejects passwords below the configured minimum.
	ErrPasswordPolicy = errors.New("password policy violation")
	// ErrPasswordReuse rejects a new password equal to the current one.
	ErrPasswordReuse = errors.New("new password must be different from current password")

	// ErrStoreUnavailable signals an IdentityStore or Redis outage, kept
	// distinct from every security denial.
	ErrStoreUnavailable = errors.New("identity backend unavailable")
	// ErrEngineNotReady is returned before Build completed.
	ErrEngineNotReady = errors.New("engine not initialized")
)

// AccountLockedError carries the lock horizon so callers can surface the
// remaining duration. It unwraps to ErrAccountLocked, so
// errors.Is(err, ErrAccountLocked) works on both.
type AccountLockedError struct {
	Until time.Time
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("account locked until %s", e.Until.UTC().Format(time.RFC3339))
}

func (e *AccountLockedError) Unwrap() error {
	return ErrAccountLocked
}

// Remaining returns the lock time left at now, floored at zero.
func (e *AccountLockedError) Remaining(now time.Time) time.Duration {
	d := e.Until.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
