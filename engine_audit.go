package authcore

import (
	"context"
	"errors"
	"time"
)

// Audit event types. Stable strings: downstream SIEM rules match on them.
const (
	eventLoginSuccess               = "login_success"
	eventLoginFailure               = "login_failure"
	eventLoginLocked                = "login_locked"
	eventAccountLocked              = "account_locked"
	eventAccountUnlocked            = "account_unlocked"
	eventTwoFactorChallenge         = "two_factor_challenge"
	eventTwoFactorSuccess           = "two_factor_success"
	eventTwoFactorFailure           = "two_factor_failure"
	eventTwoFactorEnrolled          = "two_factor_enrolled"
	eventTwoFactorDisabled          = "two_factor_disabled"
	eventBackupCodeUsed             = "backup_code_used"
	eventBackupCodesRegenerated     = "backup_codes_regenerated"
	eventSessionRevoked             = "session_revoked"
	eventSessionRevokedAll          = "session_revoked_all"
	eventPasswordChanged            = "password_changed"
	eventPasswordResetRequested     = "password_reset_requested"
	eventPasswordResetConfirmed     = "password_reset_confirmed"
	eventEmailVerificationRequested = "email_verification_requested"
	eventEmailVerified              = "email_verified"
)

// auditErrorCode maps engine errors to short stable codes for the Error
// field. Unknown errors fall back to their message.
func auditErrorCode(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrAccountLocked):
		return "account_locked"
	case errors.Is(err, ErrLoginRateLimited):
		return "login_rate_limited"
	case errors.Is(err, ErrTwoFactorInvalid):
		return "two_factor_invalid"
	case errors.Is(err, ErrTwoFactorRateLimited):
		return "two_factor_rate_limited"
	case errors.Is(err, ErrChallengeInvalid):
		return "challenge_invalid"
	case errors.Is(err, ErrChallengeExpired):
		return "challenge_expired"
	case errors.Is(err, ErrChallengeAttemptsExceeded):
		return "challenge_attempts_exceeded"
	case errors.Is(err, ErrSessionRevoked):
		return "session_revoked"
	case errors.Is(err, ErrSessionExpired):
		return "session_expired"
	case errors.Is(err, ErrSessionAccessDenied):
		return "session_access_denied"
	case errors.Is(err, ErrTokenInvalid):
		return "token_invalid"
	case errors.Is(err, ErrResetTokenInvalid):
		return "reset_token_invalid"
	case errors.Is(err, ErrResetTokenExpired):
		return "reset_token_expired"
	case errors.Is(err, ErrResetTokenUsed):
		return "reset_token_used"
	case errors.Is(err, ErrResetRateLimited):
		return "reset_rate_limited"
	case errors.Is(err, ErrVerificationTokenInvalid):
		return "verification_token_invalid"
	case errors.Is(err, ErrVerificationTokenExpired):
		return "verification_token_expired"
	case errors.Is(err, ErrVerificationTokenUsed):
		return "verification_token_used"
	case errors.Is(err, ErrPasswordPolicy):
		return "password_policy"
	case errors.Is(err, ErrPasswordReuse):
		return "password_reuse"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return err.Error()
	}
}

// emitAudit builds and enqueues one audit event. Emission is asynchronous
// and never fails the calling operation; with audit disabled the
// dispatcher is nil and this is a no-op.
func (e *Engine) emitAudit(
	ctx context.Context,
	eventType, identityID, sessionID string,
	success bool,
	failure error,
	details map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	e.audit.Emit(ctx, AuditEvent{
		Timestamp:  time.Now().UTC(),
		EventType:  eventType,
		IdentityID: identityID,
		SessionID:  sessionID,
		IP:         clientIPFromContext(ctx),
		UserAgent:  userAgentFromContext(ctx),
		Success:    success,
		Error:      auditErrorCode(failure),
		Details:    details,
	})
}

// AuditDropped reports how many audit events were discarded because the
// dispatcher buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Dropped()
}
