package authcore

import (
	"context"
	"errors"
	"fmt"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"

	"github.com/synergyhub/authcore/session"
)

// Logout revokes the session named by the caller's own token. The record
// stays readable for the retention window, so a replayed token fails with
// [ErrSessionRevoked] rather than [ErrSessionNotFound].
func (e *Engine) Logout(ctx context.Context, sessionToken string) error {
	if e == nil || e.sessions == nil {
		return ErrEngineNotReady
	}

	claims, err := e.tokens.ParseSession(sessionToken)
	if err != nil {
		if errors.Is(err, jwtv5.ErrTokenExpired) {
			return ErrSessionExpired
		}
		return ErrTokenInvalid
	}

	return e.revokeSession(ctx, claims.Subject, claims.SID)
}

// ListSessions returns the identity's active sessions: not revoked and
// not yet expired. Revoked records retained for the forensics window are
// excluded.
func (e *Engine) ListSessions(ctx context.Context, identityID string) ([]*SessionInfo, error) {
	if e == nil || e.sessions == nil {
		return nil, ErrEngineNotReady
	}

	records, err := e.sessions.ListForIdentity(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	now := time.Now()
	infos := make([]*SessionInfo, 0, len(records))
	for _, rec := range records {
		if !rec.Active(now) {
			continue
		}
		infos = append(infos, sessionInfoFromRecord(rec))
	}
	return infos, nil
}

// RevokeSession revokes a single session on behalf of identityID. Naming
// a session owned by someone else fails with [ErrSessionAccessDenied];
// the ownership check runs inside the store transaction.
func (e *Engine) RevokeSession(ctx context.Context, identityID, sessionID string) error {
	if e == nil || e.sessions == nil {
		return ErrEngineNotReady
	}
	return e.revokeSession(ctx, identityID, sessionID)
}

func (e *Engine) revokeSession(ctx context.Context, identityID, sessionID string) error {
	err := e.sessions.Revoke(ctx, sessionID, identityID, time.Now())
	if err != nil {
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
			return ErrSessionNotFound
		case errors.Is(err, session.ErrIdentityMismatch):
			return ErrSessionAccessDenied
		default:
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	e.metrics.Inc(MetricSessionRevoked)
	e.emitAudit(ctx, eventSessionRevoked, identityID, sessionID, true, nil, nil)
	return nil
}

// RevokeAllSessions revokes every session of an identity and returns how
// many were newly revoked. A partial failure returns
// [ErrSessionInvalidationFailed]; some sessions may remain active and the
// caller should retry.
func (e *Engine) RevokeAllSessions(ctx context.Context, identityID string) (int, error) {
	if e == nil || e.sessions == nil {
		return 0, ErrEngineNotReady
	}

	revoked, err := e.sessions.RevokeAllForIdentity(ctx, identityID, time.Now())
	if err != nil {
		return revoked, fmt.Errorf("%w: %v", ErrSessionInvalidationFailed, err)
	}

	e.metrics.Inc(MetricSessionRevokedAll)
	e.emitAudit(ctx, eventSessionRevokedAll, identityID, "", true, nil, map[string]string{
		"revoked": fmt.Sprintf("%d", revoked),
	})
	return revoked, nil
}

// ActiveSessionCount reports how many of an identity's sessions are
// active. Revoked and expired records awaiting cleanup do not count.
func (e *Engine) ActiveSessionCount(ctx context.Context, identityID string) (int, error) {
	if e == nil || e.sessions == nil {
		return 0, ErrEngineNotReady
	}

	count, err := e.sessions.ActiveCount(ctx, identityID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return count, nil
}

// CleanupSessions sweeps session storage, purging records that are both
// revoked and expired. Run it from a periodic job, not request paths.
func (e *Engine) CleanupSessions(ctx context.Context) (int, error) {
	if e == nil || e.sessions == nil {
		return 0, ErrEngineNotReady
	}

	purged, err := e.sessions.Cleanup(ctx)
	if err != nil {
		return purged, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return purged, nil
}
