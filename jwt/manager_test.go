package jwt

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func hs256Config() Config {
	return Config{
		SessionTTL:    time.Hour,
		ChallengeTTL:  time.Minute,
		SigningMethod: MethodHS256,
		PrivateKey:    testKey,
	}
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

func TestSessionTokenRoundTrip(t *testing.T) {
	m := newTestManager(t, hs256Config())

	token, err := m.CreateSession("u1", "s1")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	claims, err := m.ParseSession(token)
	if err != nil {
		t.Fatalf("ParseSession failed: %v", err)
	}
	if claims.Subject != "u1" || claims.SID != "s1" {
		t.Fatalf("claims mismatch: %+v", claims)
	}
	if claims.Purpose != PurposeSession {
		t.Fatalf("expected session purpose, got %s", claims.Purpose)
	}
}

func TestPurposeSeparation(t *testing.T) {
	m := newTestManager(t, hs256Config())

	sessionToken, err := m.CreateSession("u1", "s1")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	challengeToken, err := m.CreateChallenge("u1", "c1")
	if err != nil {
		t.Fatalf("CreateChallenge failed: %v", err)
	}

	if _, err := m.ParseChallenge(sessionToken); !errors.Is(err, ErrWrongPurpose) {
		t.Fatalf("expected ErrWrongPurpose for session token, got %v", err)
	}
	if _, err := m.ParseSession(challengeToken); !errors.Is(err, ErrWrongPurpose) {
		t.Fatalf("expected ErrWrongPurpose for challenge token, got %v", err)
	}

	claims, err := m.ParseChallenge(challengeToken)
	if err != nil {
		t.Fatalf("ParseChallenge failed: %v", err)
	}
	if claims.SID != "c1" {
		t.Fatalf("expected challenge sid c1, got %s", claims.SID)
	}
}

func TestParseRejectsTamperedSignature(t *testing.T) {
	m := newTestManager(t, hs256Config())

	token, err := m.CreateSession("u1", "s1")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	tampered := token[:len(token)-2] + "qq"
	if tampered == token {
		tampered = token[:len(token)-2] + "zz"
	}
	if _, err := m.ParseSession(tampered); err == nil {
		t.Fatal("expected tampered token rejected")
	}

	// A token signed with a different key also fails.
	other := hs256Config()
	other.PrivateKey = []byte("ffffffffffffffffffffffffffffffff")
	forged, err := newTestManager(t, other).CreateSession("u1", "s1")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if _, err := m.ParseSession(forged); err == nil {
		t.Fatal("expected foreign signature rejected")
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	cfg := hs256Config()
	cfg.ChallengeTTL = time.Millisecond
	m := newTestManager(t, cfg)

	token, err := m.CreateChallenge("u1", "c1")
	if err != nil {
		t.Fatalf("CreateChallenge failed: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	if _, err := m.ParseChallenge(token); !errors.Is(err, jwt.ErrTokenExpired) {
		t.Fatalf("expected jwt.ErrTokenExpired, got %v", err)
	}
}

func TestParseRequiresSubjectAndSID(t *testing.T) {
	m := newTestManager(t, hs256Config())

	token, err := m.CreateSession("", "s1")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if _, err := m.ParseSession(token); err == nil {
		t.Fatal("expected empty subject rejected")
	}

	token, err = m.CreateSession("u1", "")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if _, err := m.ParseSession(token); err == nil {
		t.Fatal("expected empty sid rejected")
	}
}

func TestIssuerAndAudienceEnforced(t *testing.T) {
	cfg := hs256Config()
	cfg.Issuer = "authcore"
	cfg.Audience = "api"
	m := newTestManager(t, cfg)

	token, err := m.CreateSession("u1", "s1")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if _, err := m.ParseSession(token); err != nil {
		t.Fatalf("ParseSession failed: %v", err)
	}

	// Tokens minted without the issuer claim fail under this manager.
	plain, err := newTestManager(t, hs256Config()).CreateSession("u1", "s1")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if _, err := m.ParseSession(plain); err == nil {
		t.Fatal("expected missing issuer rejected")
	}
}

func TestEd25519RoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	m := newTestManager(t, Config{
		SessionTTL:    time.Hour,
		ChallengeTTL:  time.Minute,
		SigningMethod: MethodEd25519,
		PrivateKey:    priv,
		PublicKey:     pub,
	})

	token, err := m.CreateSession("u1", "s1")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	claims, err := m.ParseSession(token)
	if err != nil {
		t.Fatalf("ParseSession failed: %v", err)
	}
	if claims.Subject != "u1" || claims.SID != "s1" {
		t.Fatalf("claims mismatch: %+v", claims)
	}
}

func TestVerifyKeyRotation(t *testing.T) {
	pubA, privA, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	pubB, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	m := newTestManager(t, Config{
		SessionTTL:    time.Hour,
		ChallengeTTL:  time.Minute,
		SigningMethod: MethodEd25519,
		PrivateKey:    privA,
		KeyID:         "a",
		VerifyKeys: map[string][]byte{
			"a": pubA,
			"b": pubB,
		},
	})

	token, err := m.CreateSession("u1", "s1")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if _, err := m.ParseSession(token); err != nil {
		t.Fatalf("ParseSession failed: %v", err)
	}

	// A token without a kid header fails once a verify key set is in play.
	unkeyed := newTestManager(t, Config{
		SessionTTL:    time.Hour,
		ChallengeTTL:  time.Minute,
		SigningMethod: MethodEd25519,
		PrivateKey:    privA,
		PublicKey:     pubA,
	})
	bare, err := unkeyed.CreateSession("u1", "s1")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if _, err := m.ParseSession(bare); err == nil {
		t.Fatal("expected missing kid rejected")
	}
}

func TestNewManagerValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero session ttl", func(c *Config) { c.SessionTTL = 0 }},
		{"challenge above session", func(c *Config) { c.ChallengeTTL = 2 * time.Hour }},
		{"negative leeway", func(c *Config) { c.Leeway = -time.Second }},
		{"excessive leeway", func(c *Config) { c.Leeway = 5 * time.Minute }},
		{"excessive future iat", func(c *Config) { c.MaxFutureIAT = 48 * time.Hour }},
		{"hs256 without key", func(c *Config) { c.PrivateKey = nil }},
		{"unknown method", func(c *Config) { c.SigningMethod = "rs256" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := hs256Config()
			tc.mutate(&cfg)
			if _, err := NewManager(cfg); err == nil {
				t.Fatal("expected validation failure")
			}
		})
	}

	// ed25519 specific: no verify material at all.
	if _, err := NewManager(Config{
		SessionTTL:    time.Hour,
		ChallengeTTL:  time.Minute,
		SigningMethod: MethodEd25519,
	}); err == nil {
		t.Fatal("expected ed25519 without keys rejected")
	}

	// KeyID must exist in VerifyKeys.
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if _, err := NewManager(Config{
		SessionTTL:    time.Hour,
		ChallengeTTL:  time.Minute,
		SigningMethod: MethodEd25519,
		PrivateKey:    priv,
		KeyID:         "missing",
		VerifyKeys:    map[string][]byte{"a": pub},
	}); err == nil {
		t.Fatal("expected unknown KeyID rejected")
	}
}
