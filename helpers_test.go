package authcore

import (
	"context"
	"encoding/base32"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const testPassword = "correct-horse-battery"

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client
}

// testConfig keeps argon2 at the validation floor so hashing stays fast.
func testConfig() Config {
	cfg := defaultConfig()
	cfg.Token.SigningMethod = "hs256"
	cfg.Token.PrivateKey = []byte("0123456789abcdef0123456789abcdef")
	cfg.Token.SessionTTL = time.Hour
	cfg.Token.ChallengeTTL = time.Minute

	cfg.Lockout.Threshold = 3
	cfg.Lockout.Window = time.Minute
	cfg.Lockout.Duration = 30 * time.Minute

	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Password.SaltLength = 16
	cfg.Password.KeyLength = 16
	cfg.Password.MinLength = 10
	cfg.Password.UpgradeOnLogin = false

	cfg.PasswordReset.Enabled = true
	cfg.PasswordReset.Strategy = ResetToken
	cfg.PasswordReset.TokenTTL = 15 * time.Minute
	cfg.PasswordReset.UsedRetention = time.Hour
	cfg.PasswordReset.MaxAttempts = 3
	cfg.PasswordReset.RequestMax = 3
	cfg.PasswordReset.RequestCooldown = time.Minute
	cfg.PasswordReset.EnableIPThrottle = false

	cfg.EmailVerification.Enabled = true
	cfg.EmailVerification.Strategy = ResetToken
	cfg.EmailVerification.TokenTTL = time.Hour
	cfg.EmailVerification.UsedRetention = time.Hour
	cfg.EmailVerification.MaxAttempts = 3
	cfg.EmailVerification.RequestMax = 3
	cfg.EmailVerification.RequestCooldown = time.Minute

	return cfg
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *mockIdentityStore, *miniredis.Miniredis, func()) {
	t.Helper()

	mr, rdb := newTestRedis(t)
	store := newMockIdentityStore()

	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithIdentityStore(store).
		Build()
	if err != nil {
		mr.Close()
		t.Fatalf("Build failed: %v", err)
	}

	return engine, store, mr, func() {
		engine.Close()
		_ = rdb.Close()
		mr.Close()
	}
}

// seedIdentity hashes testPassword with the engine's own hasher so the
// stored PHC string matches the active parameters.
func seedIdentity(t *testing.T, engine *Engine, store *mockIdentityStore, id, email string) *Identity {
	t.Helper()

	hash, err := engine.hasher.Hash(testPassword)
	if err != nil {
		t.Fatalf("seed hash failed: %v", err)
	}

	identity := &Identity{
		ID:           id,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now(),
	}
	store.put(identity)
	return identity
}

func codeForOffset(t *testing.T, secretBase32 string, cfg TwoFactorConfig, offset int64) string {
	t.Helper()

	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(secretBase32))
	if err != nil {
		t.Fatalf("decode secret failed: %v", err)
	}
	counter := (time.Now().Unix() / int64(cfg.Period)) + offset
	code, err := hotpCode(key, counter, cfg.Digits, cfg.Algorithm)
	if err != nil {
		t.Fatalf("hotpCode failed: %v", err)
	}
	return code
}

func codeForNow(t *testing.T, secretBase32 string, cfg TwoFactorConfig) string {
	t.Helper()
	return codeForOffset(t, secretBase32, cfg, 0)
}

// wrongTOTPCode returns a well-formed code guaranteed to miss the whole
// skew window at the moment of the call.
func wrongTOTPCode(t *testing.T, secretBase32 string, cfg TwoFactorConfig) string {
	t.Helper()

	valid := map[string]bool{}
	for off := int64(-cfg.Skew); off <= int64(cfg.Skew); off++ {
		valid[codeForOffset(t, secretBase32, cfg, off)] = true
	}

	candidate := []byte(strings.Repeat("0", cfg.Digits))
	for i := 0; i < 10; i++ {
		candidate[len(candidate)-1] = byte('0' + i)
		if !valid[string(candidate)] {
			return string(candidate)
		}
	}
	t.Fatal("no wrong code available")
	return ""
}

/*
====================================
MOCK IDENTITY STORE
====================================
*/

type mockIdentityStore struct {
	mu sync.Mutex

	identities  map[string]*Identity
	emails      map[string]string
	twoFactor   map[string]*TwoFactorRecord
	backupCodes map[string][]BackupCodeRecord
	attempts    []LoginAttempt

	failGetByEmail error
}

func newMockIdentityStore() *mockIdentityStore {
	return &mockIdentityStore{
		identities:  map[string]*Identity{},
		emails:      map[string]string{},
		twoFactor:   map[string]*TwoFactorRecord{},
		backupCodes: map[string][]BackupCodeRecord{},
	}
}

func (m *mockIdentityStore) put(identity *Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *identity
	m.identities[identity.ID] = &clone
	m.emails[strings.ToLower(identity.Email)] = identity.ID
}

func (m *mockIdentityStore) get(id string) *Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.identities[id]
	if !ok {
		return nil
	}
	clone := *identity
	return &clone
}

func (m *mockIdentityStore) mutate(id string, fn func(*Identity)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.identities[id]
	if !ok {
		return ErrIdentityNotFound
	}
	fn(identity)
	return nil
}

func (m *mockIdentityStore) GetByEmail(_ context.Context, email string) (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGetByEmail != nil {
		return nil, m.failGetByEmail
	}
	id, ok := m.emails[strings.ToLower(email)]
	if !ok {
		return nil, ErrIdentityNotFound
	}
	clone := *m.identities[id]
	return &clone, nil
}

func (m *mockIdentityStore) GetByID(_ context.Context, identityID string) (*Identity, error) {
	identity := m.get(identityID)
	if identity == nil {
		return nil, ErrIdentityNotFound
	}
	return identity, nil
}

func (m *mockIdentityStore) UpdatePasswordHash(_ context.Context, identityID, newHash string) error {
	return m.mutate(identityID, func(i *Identity) { i.PasswordHash = newHash })
}

func (m *mockIdentityStore) SetLock(_ context.Context, identityID string, until time.Time) error {
	return m.mutate(identityID, func(i *Identity) {
		i.Locked = true
		i.LockUntil = until
	})
}

func (m *mockIdentityStore) ClearLock(_ context.Context, identityID string) error {
	return m.mutate(identityID, func(i *Identity) {
		i.Locked = false
		i.LockUntil = time.Time{}
	})
}

func (m *mockIdentityStore) IncrementFailedLogins(_ context.Context, identityID string) (int, error) {
	var count int
	err := m.mutate(identityID, func(i *Identity) {
		i.FailedLogins++
		count = i.FailedLogins
	})
	return count, err
}

func (m *mockIdentityStore) ResetFailedLogins(_ context.Context, identityID string) error {
	return m.mutate(identityID, func(i *Identity) { i.FailedLogins = 0 })
}

func (m *mockIdentityStore) SetLastLogin(_ context.Context, identityID string, at time.Time) error {
	return m.mutate(identityID, func(i *Identity) { i.LastLoginAt = at })
}

func (m *mockIdentityStore) MarkEmailVerified(_ context.Context, identityID string) error {
	return m.mutate(identityID, func(i *Identity) { i.EmailVerified = true })
}

func (m *mockIdentityStore) RecordLoginAttempt(_ context.Context, attempt LoginAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, attempt)
	return nil
}

func (m *mockIdentityStore) GetTwoFactor(_ context.Context, identityID string) (*TwoFactorRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.twoFactor[identityID]
	if !ok {
		return nil, ErrIdentityNotFound
	}
	clone := *record
	clone.Secret = append([]byte(nil), record.Secret...)
	return &clone, nil
}

func (m *mockIdentityStore) SavePendingTwoFactor(_ context.Context, identityID string, secret []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.identities[identityID]; !ok {
		return ErrIdentityNotFound
	}
	m.twoFactor[identityID] = &TwoFactorRecord{
		Secret: append([]byte(nil), secret...),
	}
	return nil
}

func (m *mockIdentityStore) EnableTwoFactor(_ context.Context, identityID string) error {
	m.mu.Lock()
	record, ok := m.twoFactor[identityID]
	if !ok {
		m.mu.Unlock()
		return ErrIdentityNotFound
	}
	record.Enabled = true
	record.Verified = true
	record.EnrolledAt = time.Now()
	m.mu.Unlock()

	return m.mutate(identityID, func(i *Identity) { i.TwoFactorEnabled = true })
}

func (m *mockIdentityStore) DisableTwoFactor(_ context.Context, identityID string) error {
	m.mu.Lock()
	delete(m.twoFactor, identityID)
	m.mu.Unlock()

	return m.mutate(identityID, func(i *Identity) { i.TwoFactorEnabled = false })
}

func (m *mockIdentityStore) UpdateTwoFactorLastUsedCounter(_ context.Context, identityID string, counter int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.twoFactor[identityID]
	if !ok {
		return ErrIdentityNotFound
	}
	record.LastUsedCounter = counter
	return nil
}

func (m *mockIdentityStore) ReplaceBackupCodes(_ context.Context, identityID string, codes []BackupCodeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(codes) == 0 {
		delete(m.backupCodes, identityID)
		return nil
	}
	m.backupCodes[identityID] = append([]BackupCodeRecord(nil), codes...)
	return nil
}

func (m *mockIdentityStore) CountUnusedBackupCodes(_ context.Context, identityID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, record := range m.backupCodes[identityID] {
		if !record.Used {
			count++
		}
	}
	return count, nil
}

func (m *mockIdentityStore) ConsumeBackupCode(_ context.Context, identityID string, codeHash [32]byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := m.backupCodes[identityID]
	for i := range records {
		if !records[i].Used && records[i].Hash == codeHash {
			records[i].Used = true
			return true, nil
		}
	}
	return false, nil
}
