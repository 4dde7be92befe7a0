package authcore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/synergyhub/authcore/session"
)

func loginSession(t *testing.T, engine *Engine, email string) *LoginResult {
	t.Helper()

	result, err := engine.Login(context.Background(), email, testPassword)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	return result
}

func TestLogoutRevokesSession(t *testing.T) {
	engine, store, _, done := newTestEngine(t, testConfig())
	defer done()

	seedIdentity(t, engine, store, "u1", "alice@example.com")
	result := loginSession(t, engine, "alice@example.com")

	if err := engine.Logout(context.Background(), result.SessionToken); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}

	// The record is retained, so a replayed token names the precise reason.
	if _, err := engine.ValidateSession(context.Background(), result.SessionToken); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("expected ErrSessionRevoked, got %v", err)
	}
}

func TestValidateSessionRejectsTamperedToken(t *testing.T) {
	engine, store, _, done := newTestEngine(t, testConfig())
	defer done()

	seedIdentity(t, engine, store, "u1", "alice@example.com")
	result := loginSession(t, engine, "alice@example.com")

	tampered := result.SessionToken[:len(result.SessionToken)-2] + "qq"
	if tampered == result.SessionToken {
		tampered = result.SessionToken[:len(result.SessionToken)-2] + "zz"
	}

	if _, err := engine.ValidateSession(context.Background(), tampered); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestValidateSessionRejectsChallengeToken(t *testing.T) {
	engine, store, _, done := newTestEngine(t, testConfig())
	defer done()

	seedIdentity(t, engine, store, "u1", "alice@example.com")
	enrollTwoFactor(t, engine, "u1")

	challenge := beginChallenge(t, engine, "alice@example.com")

	// A challenge token is signed with the same key but never passes as a
	// session.
	if _, err := engine.ValidateSession(context.Background(), challenge); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid for challenge token, got %v", err)
	}
}

func TestValidateSessionExpiredRecord(t *testing.T) {
	engine, store, _, done := newTestEngine(t, testConfig())
	defer done()

	seedIdentity(t, engine, store, "u1", "alice@example.com")

	now := time.Now()
	sess := &session.Session{
		SessionID:  "expired-session",
		IdentityID: "u1",
		CreatedAt:  now.Add(-2 * time.Hour).Unix(),
		ExpiresAt:  now.Add(-10 * time.Minute).Unix(),
		LastSeenAt: now.Add(-time.Hour).Unix(),
	}
	if err := engine.sessions.Save(context.Background(), sess); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	token, err := engine.tokens.CreateSession("u1", sess.SessionID)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if _, err := engine.ValidateSession(context.Background(), token); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
}

func TestValidateSessionUnknownRecord(t *testing.T) {
	engine, store, _, done := newTestEngine(t, testConfig())
	defer done()

	seedIdentity(t, engine, store, "u1", "alice@example.com")

	token, err := engine.tokens.CreateSession("u1", "never-stored")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if _, err := engine.ValidateSession(context.Background(), token); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestListSessionsReturnsDeviceRecords(t *testing.T) {
	engine, store, _, done := newTestEngine(t, testConfig())
	defer done()

	seedIdentity(t, engine, store, "u1", "alice@example.com")

	ctxPhone := WithUserAgent(WithClientIP(context.Background(), "203.0.113.9"), "phone/2.0")
	if _, err := engine.Login(ctxPhone, "alice@example.com", testPassword); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	loginSession(t, engine, "alice@example.com")

	sessions, err := engine.ListSessions(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}

	found := false
	for _, info := range sessions {
		if info.UserAgent == "phone/2.0" && info.IP == "203.0.113.9" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected device metadata on listed session")
	}
}

func TestListSessionsExcludesRevokedAndExpired(t *testing.T) {
	engine, store, _, done := newTestEngine(t, testConfig())
	defer done()

	seedIdentity(t, engine, store, "u1", "alice@example.com")

	kept := loginSession(t, engine, "alice@example.com")
	dropped := loginSession(t, engine, "alice@example.com")
	if err := engine.Logout(context.Background(), dropped.SessionToken); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}

	// Expired but retained record, as after the session TTL passed.
	now := time.Now()
	expired := &session.Session{
		SessionID:  "expired-device",
		IdentityID: "u1",
		CreatedAt:  now.Add(-2 * time.Hour).Unix(),
		ExpiresAt:  now.Add(-10 * time.Minute).Unix(),
		LastSeenAt: now.Add(-time.Hour).Unix(),
	}
	if err := engine.sessions.Save(context.Background(), expired); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	sessions, err := engine.ListSessions(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 1 || sessions[0].SessionID != kept.Session.SessionID {
		t.Fatalf("expected only the live session, got %+v", sessions)
	}

	count, err := engine.ActiveSessionCount(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ActiveSessionCount failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 active session, got %d", count)
	}
}

func TestRevokeSessionEnforcesOwnership(t *testing.T) {
	engine, store, _, done := newTestEngine(t, testConfig())
	defer done()

	seedIdentity(t, engine, store, "u1", "alice@example.com")
	seedIdentity(t, engine, store, "u2", "bob@example.com")

	result := loginSession(t, engine, "alice@example.com")

	err := engine.RevokeSession(context.Background(), "u2", result.Session.SessionID)
	if !errors.Is(err, ErrSessionAccessDenied) {
		t.Fatalf("expected ErrSessionAccessDenied, got %v", err)
	}

	// The rightful owner succeeds.
	if err := engine.RevokeSession(context.Background(), "u1", result.Session.SessionID); err != nil {
		t.Fatalf("RevokeSession failed: %v", err)
	}
	if _, err := engine.ValidateSession(context.Background(), result.SessionToken); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("expected ErrSessionRevoked, got %v", err)
	}
}

func TestRevokeSessionUnknown(t *testing.T) {
	engine, store, _, done := newTestEngine(t, testConfig())
	defer done()

	seedIdentity(t, engine, store, "u1", "alice@example.com")

	if err := engine.RevokeSession(context.Background(), "u1", "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRevokeAllSessions(t *testing.T) {
	engine, store, _, done := newTestEngine(t, testConfig())
	defer done()

	seedIdentity(t, engine, store, "u1", "alice@example.com")

	tokens := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		tokens = append(tokens, loginSession(t, engine, "alice@example.com").SessionToken)
	}

	revoked, err := engine.RevokeAllSessions(context.Background(), "u1")
	if err != nil {
		t.Fatalf("RevokeAllSessions failed: %v", err)
	}
	if revoked != 3 {
		t.Fatalf("expected 3 revoked, got %d", revoked)
	}

	for i, token := range tokens {
		if _, err := engine.ValidateSession(context.Background(), token); !errors.Is(err, ErrSessionRevoked) {
			t.Fatalf("token %d: expected ErrSessionRevoked, got %v", i, err)
		}
	}

	// Idempotent: a second pass revokes nothing new.
	revoked, err = engine.RevokeAllSessions(context.Background(), "u1")
	if err != nil {
		t.Fatalf("second RevokeAllSessions failed: %v", err)
	}
	if revoked != 0 {
		t.Fatalf("expected 0 newly revoked, got %d", revoked)
	}
}

func TestCleanupSessionsPurgesRevokedExpired(t *testing.T) {
	engine, store, _, done := newTestEngine(t, testConfig())
	defer done()

	seedIdentity(t, engine, store, "u1", "alice@example.com")

	now := time.Now()
	sess := &session.Session{
		SessionID:  "stale-session",
		IdentityID: "u1",
		CreatedAt:  now.Add(-2 * time.Hour).Unix(),
		ExpiresAt:  now.Add(-10 * time.Minute).Unix(),
		LastSeenAt: now.Add(-time.Hour).Unix(),
	}
	if err := engine.sessions.Save(context.Background(), sess); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := engine.sessions.Revoke(context.Background(), sess.SessionID, "u1", now); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}

	live := loginSession(t, engine, "alice@example.com")

	purged, err := engine.CleanupSessions(context.Background())
	if err != nil {
		t.Fatalf("CleanupSessions failed: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged, got %d", purged)
	}

	count, err := engine.ActiveSessionCount(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ActiveSessionCount failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 active session left, got %d", count)
	}
	if _, err := engine.ValidateSession(context.Background(), live.SessionToken); err != nil {
		t.Fatalf("expected live session to survive cleanup, got %v", err)
	}
}
