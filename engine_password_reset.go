package authcore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/synergyhub/authcore/internal"
	"github.com/synergyhub/authcore/password"
)

// RequestPasswordReset issues a single-use reset challenge for the account
// behind email and hands it to the notifier for delivery. The returned
// challenge is also given to the caller for transports the notifier does
// not cover.
//
// An unknown email returns ("", nil) after a masking delay: the caller
// cannot distinguish it from a successful request. Issuing a new
// challenge supersedes any earlier live one for the same identity.
func (e *Engine) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	if e == nil || e.identities == nil {
		return "", ErrEngineNotReady
	}
	if !e.config.PasswordReset.Enabled {
		return "", ErrResetDisabled
	}

	email = canonicalizeEmail(email)
	ip := clientIPFromContext(ctx)

	if e.config.PasswordReset.EnableIPThrottle && e.resetIPLimiter != nil && ip != "" {
		if err := e.resetIPLimiter.RecordFailure(ctx, ip); err != nil {
			if errors.Is(err, errLimiterRateLimited) {
				e.metrics.Inc(MetricRateLimitHit)
				return "", ErrResetRateLimited
			}
			return "", fmt.Errorf("%w: %v", ErrResetUnavailable, err)
		}
	}

	identity, err := e.identities.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			sleepEnumerationDelay()
			e.emitAudit(ctx, eventPasswordResetRequested, "", "", false, ErrInvalidCredentials, nil)
			return "", nil
		}
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if err := e.resetLimiter.RecordFailure(ctx, identity.ID); err != nil {
		if errors.Is(err, errLimiterRateLimited) {
			e.metrics.Inc(MetricRateLimitHit)
			e.emitAudit(ctx, eventPasswordResetRequested, identity.ID, "", false, ErrResetRateLimited, nil)
			return "", ErrResetRateLimited
		}
		return "", fmt.Errorf("%w: %v", ErrResetUnavailable, err)
	}

	cfg := e.config.PasswordReset
	tokenID, secretHash, challenge, err := newResetChallenge(cfg.Strategy, cfg.OTPDigits)
	if err != nil {
		return "", err
	}

	if err := e.resetTokens.Issue(ctx, identity.ID, tokenID, secretHash, cfg.Strategy, cfg.TokenTTL, cfg.UsedRetention); err != nil {
		return "", fmt.Errorf("%w: %v", ErrResetUnavailable, err)
	}

	e.notify(ctx, notifyPasswordReset, identity, challenge)
	e.metrics.Inc(MetricPasswordResetRequest)
	e.emitAudit(ctx, eventPasswordResetRequested, identity.ID, "", true, nil, nil)

	return challenge, nil
}

// ConfirmPasswordReset consumes a reset challenge and installs the new
// password. Exactly one of two concurrent confirmations with the same
// challenge succeeds. A successful reset clears any account lock, resets
// the failure window, and revokes every session of the identity.
func (e *Engine) ConfirmPasswordReset(ctx context.Context, challenge, newPassword string) error {
	if e == nil || e.identities == nil {
		return ErrEngineNotReady
	}
	if !e.config.PasswordReset.Enabled {
		return ErrResetDisabled
	}

	// The policy check precedes consumption so a too-short password does
	// not burn the single-use challenge.
	newHash, err := e.hasher.Hash(newPassword)
	if err != nil {
		if errors.Is(err, password.ErrPasswordTooShort) {
			return ErrPasswordPolicy
		}
		return err
	}

	cfg := e.config.PasswordReset
	tokenID, providedHash, err := parseResetChallenge(cfg.Strategy, challenge)
	if err != nil {
		e.metrics.Inc(MetricPasswordResetConfirmFailure)
		return ErrResetTokenInvalid
	}

	record, err := e.resetTokens.Consume(ctx, tokenID, providedHash, cfg.Strategy, cfg.MaxAttempts)
	if err != nil {
		mapped := mapResetConsumeError(err)
		e.metrics.Inc(MetricPasswordResetConfirmFailure)
		e.emitAudit(ctx, eventPasswordResetConfirmed, "", "", false, mapped, nil)
		return mapped
	}

	identity, err := e.identities.GetByID(ctx, record.IdentityID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return ErrResetTokenInvalid
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	same, err := e.hasher.Verify(newPassword, identity.PasswordHash)
	if err == nil && same {
		e.metrics.Inc(MetricPasswordResetConfirmFailure)
		e.emitAudit(ctx, eventPasswordResetConfirmed, identity.ID, "", false, ErrPasswordReuse, nil)
		return ErrPasswordReuse
	}

	if err := e.identities.UpdatePasswordHash(ctx, identity.ID, newHash); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	// A completed reset restores access: the lock and failure window go.
	if err := e.identities.ClearLock(ctx, identity.ID); err != nil {
		log.Printf("authcore: lock clear after reset failed: %v", err)
	}
	if err := e.identities.ResetFailedLogins(ctx, identity.ID); err != nil {
		log.Printf("authcore: failed login counter reset failed: %v", err)
	}
	if err := e.lockTracker.Reset(ctx, identity.ID); err != nil {
		log.Printf("authcore: lockout tracker reset failed: %v", err)
	}

	e.metrics.Inc(MetricPasswordResetConfirmSuccess)
	e.emitAudit(ctx, eventPasswordResetConfirmed, identity.ID, "", true, nil, nil)
	e.notify(ctx, notifyPasswordChanged, identity, "")

	if _, err := e.sessions.RevokeAllForIdentity(ctx, identity.ID, time.Now()); err != nil {
		return fmt.Errorf("%w: %v", ErrSessionInvalidationFailed, err)
	}
	e.metrics.Inc(MetricSessionRevokedAll)

	return nil
}

// ValidateResetToken classifies a reset challenge without consuming it or
// mutating any state: nil for a live challenge, otherwise the same error
// the eventual confirmation would return.
func (e *Engine) ValidateResetToken(ctx context.Context, challenge string) error {
	if e == nil || e.resetTokens == nil {
		return ErrEngineNotReady
	}
	if !e.config.PasswordReset.Enabled {
		return ErrResetDisabled
	}

	tokenID, providedHash, err := parseResetChallenge(e.config.PasswordReset.Strategy, challenge)
	if err != nil {
		return ErrResetTokenInvalid
	}

	if _, err := e.resetTokens.Peek(ctx, tokenID, providedHash); err != nil {
		return mapResetConsumeError(err)
	}
	return nil
}

func mapResetConsumeError(err error) error {
	switch {
	case errors.Is(err, errOpaqueUsed):
		return ErrResetTokenUsed
	case errors.Is(err, errOpaqueExpired):
		return ErrResetTokenExpired
	case errors.Is(err, errOpaqueUnavailable):
		return fmt.Errorf("%w: %v", ErrResetUnavailable, err)
	default:
		// Unknown, superseded, wrong secret, or attempts exhausted.
		return ErrResetTokenInvalid
	}
}

// newResetChallenge builds one challenge in the configured shape. Only
// the SHA-256 of the secret half leaves this function for storage.
func newResetChallenge(strategy ResetStrategyType, otpDigits int) (tokenID string, secretHash [32]byte, challenge string, err error) {
	switch strategy {
	case ResetUUID:
		u := uuid.NewString()
		return u, internal.HashBytes([]byte(u)), u, nil

	case ResetOTP:
		id, err := internal.NewTokenID()
		if err != nil {
			return "", secretHash, "", err
		}
		otp, err := internal.NewOTP(otpDigits)
		if err != nil {
			return "", secretHash, "", err
		}
		return id.String(), internal.HashBytes([]byte(otp)), id.String() + "." + otp, nil

	default: // ResetToken
		id, err := internal.NewTokenID()
		if err != nil {
			return "", secretHash, "", err
		}
		secret, err := internal.NewTokenSecret()
		if err != nil {
			return "", secretHash, "", err
		}
		blob, err := internal.EncodeOpaqueToken(id.String(), secret)
		if err != nil {
			return "", secretHash, "", err
		}
		return id.String(), internal.HashTokenSecret(secret), blob, nil
	}
}

func parseResetChallenge(strategy ResetStrategyType, challenge string) (tokenID string, secretHash [32]byte, err error) {
	challenge = strings.TrimSpace(challenge)

	switch strategy {
	case ResetUUID:
		u, err := uuid.Parse(challenge)
		if err != nil {
			return "", secretHash, err
		}
		canonical := u.String()
		return canonical, internal.HashBytes([]byte(canonical)), nil

	case ResetOTP:
		idPart, otpPart, found := strings.Cut(challenge, ".")
		if !found {
			return "", secretHash, errors.New("malformed otp challenge")
		}
		if _, err := internal.ParseTokenID(idPart); err != nil {
			return "", secretHash, err
		}
		if !isNumericString(otpPart) {
			return "", secretHash, errors.New("malformed otp challenge")
		}
		return idPart, internal.HashBytes([]byte(otpPart)), nil

	default: // ResetToken
		id, secret, err := internal.DecodeOpaqueToken(challenge)
		if err != nil {
			return "", secretHash, err
		}
		return id, internal.HashTokenSecret(secret), nil
	}
}
