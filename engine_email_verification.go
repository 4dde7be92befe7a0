package authcore

import (
	"context"
	"errors"
	"fmt"
)

// RequestEmailVerification issues a single-use verification challenge for
// the account behind email and hands it to the notifier. Unknown emails
// return ("", nil) after a masking delay; an already verified address
// fails with [ErrAlreadyVerified]. A new challenge supersedes any earlier
// live one.
func (e *Engine) RequestEmailVerification(ctx context.Context, email string) (string, error) {
	if e == nil || e.identities == nil {
		return "", ErrEngineNotReady
	}
	if !e.config.EmailVerification.Enabled {
		return "", ErrVerificationDisabled
	}

	email = canonicalizeEmail(email)

	identity, err := e.identities.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			sleepEnumerationDelay()
			e.emitAudit(ctx, eventEmailVerificationRequested, "", "", false, ErrInvalidCredentials, nil)
			return "", nil
		}
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if identity.EmailVerified {
		return "", ErrAlreadyVerified
	}

	if err := e.verifyLimiter.RecordFailure(ctx, identity.ID); err != nil {
		if errors.Is(err, errLimiterRateLimited) {
			e.metrics.Inc(MetricRateLimitHit)
			e.emitAudit(ctx, eventEmailVerificationRequested, identity.ID, "", false, ErrVerificationRateLimited, nil)
			return "", ErrVerificationRateLimited
		}
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	cfg := e.config.EmailVerification
	tokenID, secretHash, challenge, err := newResetChallenge(cfg.Strategy, cfg.OTPDigits)
	if err != nil {
		return "", err
	}

	if err := e.verifyTokens.Issue(ctx, identity.ID, tokenID, secretHash, cfg.Strategy, cfg.TokenTTL, cfg.UsedRetention); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.notify(ctx, notifyEmailVerification, identity, challenge)
	e.metrics.Inc(MetricEmailVerificationRequest)
	e.emitAudit(ctx, eventEmailVerificationRequested, identity.ID, "", true, nil, nil)

	return challenge, nil
}

// ConfirmEmailVerification consumes a verification challenge and marks
// the identity's email verified. The challenge is single-use: a second
// presentation fails with [ErrVerificationTokenUsed].
func (e *Engine) ConfirmEmailVerification(ctx context.Context, challenge string) error {
	if e == nil || e.identities == nil {
		return ErrEngineNotReady
	}
	if !e.config.EmailVerification.Enabled {
		return ErrVerificationDisabled
	}

	cfg := e.config.EmailVerification
	tokenID, providedHash, err := parseResetChallenge(cfg.Strategy, challenge)
	if err != nil {
		e.metrics.Inc(MetricEmailVerificationFailure)
		return ErrVerificationTokenInvalid
	}

	record, err := e.verifyTokens.Consume(ctx, tokenID, providedHash, cfg.Strategy, cfg.MaxAttempts)
	if err != nil {
		mapped := mapVerificationConsumeError(err)
		e.metrics.Inc(MetricEmailVerificationFailure)
		e.emitAudit(ctx, eventEmailVerified, "", "", false, mapped, nil)
		return mapped
	}

	if err := e.identities.MarkEmailVerified(ctx, record.IdentityID); err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return ErrVerificationTokenInvalid
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.metrics.Inc(MetricEmailVerificationSuccess)
	e.emitAudit(ctx, eventEmailVerified, record.IdentityID, "", true, nil, nil)

	return nil
}

func mapVerificationConsumeError(err error) error {
	switch {
	case errors.Is(err, errOpaqueUsed):
		return ErrVerificationTokenUsed
	case errors.Is(err, errOpaqueExpired):
		return ErrVerificationTokenExpired
	case errors.Is(err, errOpaqueUnavailable):
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	default:
		return ErrVerificationTokenInvalid
	}
}
