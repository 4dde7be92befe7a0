package authcore

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"sync"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/synergyhub/authcore/internal"
	internalaudit "github.com/synergyhub/authcore/internal/audit"
	"github.com/synergyhub/authcore/jwt"
	"github.com/synergyhub/authcore/password"
	"github.com/synergyhub/authcore/session"
)

// Engine is the identity and session security core. Construct it through
// [New]; a zero Engine is unusable. All methods are safe for concurrent
// use once Build returned.
type Engine struct {
	config Config

	identities IdentityStore
	redis      *redis.Client

	tokens   *jwt.Manager
	hasher   *password.Argon2
	sessions *session.Store
	totp     *totpManager

	challenges   *loginChallengeStore
	resetTokens  *opaqueTokenStore
	verifyTokens *opaqueTokenStore

	lockPolicy  *lockoutPolicy
	lockTracker *lockoutTracker

	ipLimiter      *windowLimiter
	codeLimiter    *windowLimiter
	backupLimiter  *windowLimiter
	resetLimiter   *windowLimiter
	resetIPLimiter *windowLimiter
	verifyLimiter  *windowLimiter

	metrics  *Metrics
	audit    *internalaudit.Dispatcher
	notifier *notifyDispatcher

	closeOnce sync.Once
}

// Close flushes the async audit and notification dispatchers. The Engine
// must not be used after Close.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.closeOnce.Do(func() {
		e.audit.Close()
		e.notifier.Close()
	})
}

func canonicalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// sleepEnumerationDelay masks the latency difference between known and
// unknown emails on failure paths.
func sleepEnumerationDelay() {
	jitter, err := rand.Int(rand.Reader, big.NewInt(20))
	if err != nil {
		time.Sleep(30 * time.Millisecond)
		return
	}
	time.Sleep(time.Duration(20+jitter.Int64()) * time.Millisecond)
}

// Login authenticates an email and password pair.
//
// On full success it returns a [LoginResult] holding a signed session
// token and the session record. When the identity has two-factor enabled
// and the password was correct, it returns [ErrTwoFactorRequired]
// together with a result carrying only the challenge token; the caller
// completes the login through [Engine.ConfirmTwoFactor].
//
// Unknown emails and wrong passwords are indistinguishable: both return
// [ErrInvalidCredentials]. A locked account fails with an
// [AccountLockedError] before the password is even checked.
func (e *Engine) Login(ctx context.Context, email, plaintext string) (*LoginResult, error) {
	if e == nil || e.identities == nil {
		return nil, ErrEngineNotReady
	}

	email = canonicalizeEmail(email)
	ip := clientIPFromContext(ctx)
	now := time.Now()

	if e.ipLimiter != nil && ip != "" {
		if err := e.ipLimiter.Check(ctx, ip); err != nil {
			if errors.Is(err, errLimiterRateLimited) {
				e.metrics.Inc(MetricLoginRateLimited)
				e.metrics.Inc(MetricRateLimitHit)
				e.emitAudit(ctx, eventLoginFailure, "", "", false, ErrLoginRateLimited, nil)
				return nil, ErrLoginRateLimited
			}
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	identity, err := e.identities.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			sleepEnumerationDelay()
			if e.ipLimiter != nil && ip != "" {
				_ = e.ipLimiter.RecordFailure(ctx, ip)
			}
			e.metrics.Inc(MetricLoginFailure)
			e.emitAudit(ctx, eventLoginFailure, "", "", false, ErrInvalidCredentials, nil)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	decision := e.lockPolicy.Evaluate(identity, now)
	if decision.AutoUnlock {
		if err := e.identities.ClearLock(ctx, identity.ID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if err := e.identities.ResetFailedLogins(ctx, identity.ID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if err := e.lockTracker.Reset(ctx, identity.ID); err != nil {
			log.Printf("authcore: lockout tracker reset failed: %v", err)
		}
		identity.Locked = false
		identity.LockUntil = time.Time{}
		e.emitAudit(ctx, eventAccountUnlocked, identity.ID, "", true, nil, nil)
	}
	if decision.Locked {
		e.metrics.Inc(MetricLoginLocked)
		lockErr := &AccountLockedError{Until: decision.Until}
		e.emitAudit(ctx, eventLoginLocked, identity.ID, "", false, lockErr, map[string]string{
			"lock_until": decision.Until.UTC().Format(time.RFC3339),
		})
		e.recordAttempt(ctx, identity, false)
		return nil, lockErr
	}

	ok, err := e.hasher.Verify(plaintext, identity.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		return nil, e.handleLoginFailure(ctx, identity, ip, now)
	}

	if e.config.Password.UpgradeOnLogin {
		e.maybeUpgradeHash(ctx, identity, plaintext)
	}

	if err := e.lockTracker.Reset(ctx, identity.ID); err != nil {
		log.Printf("authcore: lockout tracker reset failed: %v", err)
	}
	if err := e.identities.ResetFailedLogins(ctx, identity.ID); err != nil {
		log.Printf("authcore: failed login counter reset failed: %v", err)
	}
	if e.ipLimiter != nil && ip != "" {
		if err := e.ipLimiter.Reset(ctx, ip); err != nil {
			log.Printf("authcore: ip throttle reset failed: %v", err)
		}
	}

	if identity.TwoFactorEnabled {
		return e.issueChallenge(ctx, identity, now)
	}

	result, err := e.issueSession(ctx, identity, now)
	if err != nil {
		return nil, err
	}

	e.recordAttempt(ctx, identity, true)
	if err := e.identities.SetLastLogin(ctx, identity.ID, now); err != nil {
		log.Printf("authcore: last login update failed: %v", err)
	}

	e.metrics.Inc(MetricLoginSuccess)
	e.emitAudit(ctx, eventLoginSuccess, identity.ID, result.Session.SessionID, true, nil, nil)

	return result, nil
}

// handleLoginFailure is the wrong-password path: it advances the failure
// window and imposes the account lock when the threshold is crossed. The
// crossing attempt itself returns the lock error.
func (e *Engine) handleLoginFailure(ctx context.Context, identity *Identity, ip string, now time.Time) error {
	if e.ipLimiter != nil && ip != "" {
		_ = e.ipLimiter.RecordFailure(ctx, ip)
	}

	count, err := e.lockTracker.RecordFailure(ctx, identity.ID)
	if err != nil {
		return err
	}
	if _, err := e.identities.IncrementFailedLogins(ctx, identity.ID); err != nil {
		log.Printf("authcore: failed login counter increment failed: %v", err)
	}
	e.recordAttempt(ctx, identity, false)

	if e.lockPolicy.ShouldLock(count) {
		until := e.lockPolicy.LockUntil(now)
		if err := e.identities.SetLock(ctx, identity.ID, until); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}

		e.metrics.Inc(MetricLoginLocked)
		lockErr := &AccountLockedError{Until: until}
		e.emitAudit(ctx, eventAccountLocked, identity.ID, "", false, lockErr, map[string]string{
			"failures":   fmt.Sprintf("%d", count),
			"lock_until": until.UTC().Format(time.RFC3339),
		})
		e.notify(ctx, notifyAccountLocked, identity, "")
		return lockErr
	}

	e.metrics.Inc(MetricLoginFailure)
	e.emitAudit(ctx, eventLoginFailure, identity.ID, "", false, ErrInvalidCredentials, nil)
	return ErrInvalidCredentials
}

func (e *Engine) maybeUpgradeHash(ctx context.Context, identity *Identity, plaintext string) {
	upgrade, err := e.hasher.NeedsUpgrade(identity.PasswordHash)
	if err != nil || !upgrade {
		return
	}
	newHash, err := e.hasher.Hash(plaintext)
	if err != nil {
		return
	}
	if err := e.identities.UpdatePasswordHash(ctx, identity.ID, newHash); err != nil {
		log.Printf("authcore: password hash upgrade failed: %v", err)
		return
	}
	identity.PasswordHash = newHash
}

func (e *Engine) recordAttempt(ctx context.Context, identity *Identity, success bool) {
	attempt := LoginAttempt{
		IdentityID: identity.ID,
		Email:      identity.Email,
		IP:         clientIPFromContext(ctx),
		UserAgent:  userAgentFromContext(ctx),
		Success:    success,
		At:         time.Now(),
	}
	if err := e.identities.RecordLoginAttempt(ctx, attempt); err != nil {
		log.Printf("authcore: login attempt record failed: %v", err)
	}
}

// issueChallenge starts the second login phase: a server-side challenge
// record plus a signed challenge token that cannot pass as a session.
func (e *Engine) issueChallenge(ctx context.Context, identity *Identity, now time.Time) (*LoginResult, error) {
	id, err := internal.NewTokenID()
	if err != nil {
		return nil, err
	}

	record := &loginChallenge{
		IdentityID: identity.ID,
		IP:         clientIPFromContext(ctx),
		UserAgent:  userAgentFromContext(ctx),
		ExpiresAt:  now.Add(e.config.Token.ChallengeTTL).Unix(),
	}
	if err := e.challenges.Save(ctx, id.String(), record, e.config.Token.ChallengeTTL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	token, err := e.tokens.CreateChallenge(identity.ID, id.String())
	if err != nil {
		return nil, err
	}

	e.recordAttempt(ctx, identity, true)
	e.metrics.Inc(MetricTwoFactorRequired)
	e.emitAudit(ctx, eventTwoFactorChallenge, identity.ID, id.String(), true, nil, nil)

	return &LoginResult{
		TwoFactorRequired: true,
		ChallengeToken:    token,
	}, ErrTwoFactorRequired
}

// ConfirmTwoFactor completes a two-factor login. The challenge token must
// be live and unconsumed; code is either a TOTP code or a one-time backup
// code. Reaching the per-challenge attempt cap destroys the challenge and
// forces a fresh Login.
func (e *Engine) ConfirmTwoFactor(ctx context.Context, challengeToken, code string) (*LoginResult, error) {
	if e == nil || e.identities == nil {
		return nil, ErrEngineNotReady
	}

	claims, err := e.tokens.ParseChallenge(challengeToken)
	if err != nil {
		if errors.Is(err, jwtv5.ErrTokenExpired) {
			e.metrics.Inc(MetricChallengeExpired)
			return nil, ErrChallengeExpired
		}
		e.emitAudit(ctx, eventTwoFactorFailure, "", "", false, ErrChallengeInvalid, nil)
		return nil, ErrChallengeInvalid
	}

	record, err := e.challenges.Get(ctx, claims.SID)
	if err != nil {
		switch {
		case errors.Is(err, errChallengeExpired):
			e.metrics.Inc(MetricChallengeExpired)
			return nil, ErrChallengeExpired
		case errors.Is(err, errChallengeNotFound):
			return nil, ErrChallengeInvalid
		default:
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}
	if record.IdentityID != claims.Subject {
		return nil, ErrChallengeInvalid
	}

	identity, err := e.identities.GetByID(ctx, record.IdentityID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return nil, ErrChallengeInvalid
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	// A lock imposed after the challenge was issued still blocks completion;
	// the pending challenge is not a bypass around the lockout.
	if decision := e.lockPolicy.Evaluate(identity, time.Now()); decision.Locked {
		e.metrics.Inc(MetricLoginLocked)
		lockErr := &AccountLockedError{Until: decision.Until}
		e.emitAudit(ctx, eventLoginLocked, identity.ID, claims.SID, false, lockErr, nil)
		return nil, lockErr
	}

	method, err := e.verifyTwoFactorCode(ctx, identity, code)
	if err != nil {
		if errors.Is(err, ErrTwoFactorInvalid) {
			exceeded, recErr := e.challenges.RecordFailure(ctx, claims.SID, e.config.TwoFactor.ChallengeMaxAttempts)
			if recErr != nil && !errors.Is(recErr, errChallengeNotFound) && !errors.Is(recErr, errChallengeExpired) {
				return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, recErr)
			}
			e.metrics.Inc(MetricTwoFactorFailure)
			e.emitAudit(ctx, eventTwoFactorFailure, identity.ID, claims.SID, false, ErrTwoFactorInvalid, nil)
			if exceeded {
				e.emitAudit(ctx, eventTwoFactorFailure, identity.ID, claims.SID, false, ErrChallengeAttemptsExceeded, nil)
				return nil, ErrChallengeAttemptsExceeded
			}
			return nil, ErrTwoFactorInvalid
		}
		return nil, err
	}

	// Consuming the challenge after verification means a parallel confirm
	// with the same token races here; the Del decides the winner.
	consumed, err := e.challenges.Delete(ctx, claims.SID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !consumed {
		return nil, ErrChallengeInvalid
	}

	now := time.Now()
	result, err := e.issueSession(ctx, identity, now)
	if err != nil {
		return nil, err
	}
	result.TwoFactorMethod = method

	if err := e.identities.SetLastLogin(ctx, identity.ID, now); err != nil {
		log.Printf("authcore: last login update failed: %v", err)
	}

	e.metrics.Inc(MetricTwoFactorSuccess)
	e.metrics.Inc(MetricLoginSuccess)
	e.emitAudit(ctx, eventTwoFactorSuccess, identity.ID, result.Session.SessionID, true, nil, map[string]string{
		"method": method,
	})

	return result, nil
}

// issueSession creates the server-side session record and its signed token.
func (e *Engine) issueSession(ctx context.Context, identity *Identity, now time.Time) (*LoginResult, error) {
	id, err := internal.NewTokenID()
	if err != nil {
		return nil, err
	}

	sess := &session.Session{
		SessionID:  id.String(),
		IdentityID: identity.ID,
		IP:         clientIPFromContext(ctx),
		UserAgent:  userAgentFromContext(ctx),
		CreatedAt:  now.Unix(),
		ExpiresAt:  now.Add(e.config.Token.SessionTTL).Unix(),
		LastSeenAt: now.Unix(),
	}
	if err := e.sessions.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	token, err := e.tokens.CreateSession(identity.ID, sess.SessionID)
	if err != nil {
		return nil, err
	}

	e.metrics.Inc(MetricSessionCreated)

	return &LoginResult{
		SessionToken: token,
		Session:      sessionInfoFromRecord(sess),
	}, nil
}

// ValidateSession verifies a session token end to end: signature and
// expiry of the token itself, then the server-side record's revocation
// and expiry state. A valid signature over a revoked record still fails.
func (e *Engine) ValidateSession(ctx context.Context, sessionToken string) (*SessionInfo, error) {
	if e == nil || e.sessions == nil {
		return nil, ErrEngineNotReady
	}

	start := time.Now()
	info, err := e.validateSession(ctx, sessionToken)
	e.metrics.Observe(MetricValidateLatency, time.Since(start))

	if err != nil {
		e.metrics.Inc(MetricSessionValidateFailure)
		return nil, err
	}
	e.metrics.Inc(MetricSessionValidateSuccess)
	return info, nil
}

func (e *Engine) validateSession(ctx context.Context, sessionToken string) (*SessionInfo, error) {
	claims, err := e.tokens.ParseSession(sessionToken)
	if err != nil {
		if errors.Is(err, jwtv5.ErrTokenExpired) {
			return nil, ErrSessionExpired
		}
		return nil, ErrTokenInvalid
	}

	sess, err := e.sessions.Get(ctx, claims.SID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if sess.IdentityID != claims.Subject {
		return nil, ErrTokenInvalid
	}
	if sess.Revoked {
		return nil, ErrSessionRevoked
	}
	now := time.Now()
	if now.Unix() >= sess.ExpiresAt {
		return nil, ErrSessionExpired
	}

	if e.config.Session.TouchOnValidate {
		if err := e.sessions.Touch(ctx, sess.SessionID, now); err != nil {
			log.Printf("authcore: session touch failed: %v", err)
		}
		sess.LastSeenAt = now.Unix()
	}

	return sessionInfoFromRecord(sess), nil
}

func sessionInfoFromRecord(sess *session.Session) *SessionInfo {
	return &SessionInfo{
		SessionID:  sess.SessionID,
		IdentityID: sess.IdentityID,
		IP:         sess.IP,
		UserAgent:  sess.UserAgent,
		CreatedAt:  time.Unix(sess.CreatedAt, 0),
		ExpiresAt:  time.Unix(sess.ExpiresAt, 0),
		LastSeenAt: time.Unix(sess.LastSeenAt, 0),
		Revoked:    sess.Revoked,
	}
}
