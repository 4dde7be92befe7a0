package authcore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/synergyhub/authcore/password"
)

// ChangePassword replaces an authenticated identity's password. The
// current password must verify, the new one must meet policy and differ
// from the current one, and every existing session is revoked afterwards
// so stolen tokens die with the old credential. The caller logs in again
// with the new password.
func (e *Engine) ChangePassword(ctx context.Context, identityID, currentPassword, newPassword string) error {
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

	ok, err := e.hasher.Verify(currentPassword, identity.PasswordHash)
	if err != nil {
		return fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		e.metrics.Inc(MetricPasswordChangeFailure)
		e.emitAudit(ctx, eventPasswordChanged, identityID, "", false, ErrInvalidCredentials, nil)
		return ErrInvalidCredentials
	}

	if newPassword == currentPassword {
		e.metrics.Inc(MetricPasswordChangeFailure)
		return ErrPasswordReuse
	}

	newHash, err := e.hasher.Hash(newPassword)
	if err != nil {
		if errors.Is(err, password.ErrPasswordTooShort) {
			e.metrics.Inc(MetricPasswordChangeFailure)
			return ErrPasswordPolicy
		}
		return err
	}

	if err := e.identities.UpdatePasswordHash(ctx, identityID, newHash); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.metrics.Inc(MetricPasswordChangeSuccess)
	e.emitAudit(ctx, eventPasswordChanged, identityID, "", true, nil, nil)
	e.notify(ctx, notifyPasswordChanged, identity, "")

	if _, err := e.sessions.RevokeAllForIdentity(ctx, identityID, time.Now()); err != nil {
		return fmt.Errorf("%w: %v", ErrSessionInvalidationFailed, err)
	}
	e.metrics.Inc(MetricSessionRevokedAll)

	return nil
}
