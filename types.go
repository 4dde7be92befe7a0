package authcore

import (
	"context"
	"io"
	"time"

	internalaudit "github.com/synergyhub/authcore/internal/audit"
)

// Identity is the account record the engine authenticates against. It is
// owned by the caller's persistence layer and reached only through
// [IdentityStore]; the engine never caches it across operations.
type Identity struct {
	ID           string
	Email        string
	PasswordHash string

	EmailVerified    bool
	TwoFactorEnabled bool

	Locked       bool
	LockUntil    time.Time
	FailedLogins int

	LastLoginAt time.Time
	CreatedAt   time.Time
}

// LoginAttempt is one row of the append-only authentication history.
type LoginAttempt struct {
	IdentityID string
	Email      string
	IP         string
	UserAgent  string
	Success    bool
	At         time.Time
}

// TwoFactorRecord is the stored TOTP enrollment. Verified distinguishes a
// pending enrollment (secret issued, never proven) from an active one.
// LastUsedCounter holds the highest accepted time-step for replay
// protection.
type TwoFactorRecord struct {
	Secret          []byte
	Enabled         bool
	Verified        bool
	LastUsedCounter int64
	EnrolledAt      time.Time
}

// BackupCodeRecord stores the SHA-256 hash of a single backup code.
// The plaintext is never persisted.
type BackupCodeRecord struct {
	Hash [32]byte
	Used bool
}

// IdentityStore is the persistence contract callers implement to integrate
// the engine with their user database. Implementations return
// [ErrIdentityNotFound] (possibly wrapped) for missing records; any other
// error is treated as a backend outage.
//
// ConsumeBackupCode must be atomic: given two concurrent calls with the
// same unused hash, exactly one may return true. ReplaceBackupCodes must
// swap the whole set in one step so no interleaved consume can succeed
// against a half-replaced pool.
type IdentityStore interface {
	GetByEmail(ctx context.Context, email string) (*Identity, error)
	GetByID(ctx context.Context, identityID string) (*Identity, error)
	UpdatePasswordHash(ctx context.Context, identityID, newHash string) error

	SetLock(ctx context.Context, identityID string, until time.Time) error
	ClearLock(ctx context.Context, identityID string) error
	IncrementFailedLogins(ctx context.Context, identityID string) (int, error)
	ResetFailedLogins(ctx context.Context, identityID string) error
	SetLastLogin(ctx context.Context, identityID string, at time.Time) error
	MarkEmailVerified(ctx context.Context, identityID string) error
	RecordLoginAttempt(ctx context.Context, attempt LoginAttempt) error

	GetTwoFactor(ctx context.Context, identityID string) (*TwoFactorRecord, error)
	SavePendingTwoFactor(ctx context.Context, identityID string, secret []byte) error
	EnableTwoFactor(ctx context.Context, identityID string) error
	DisableTwoFactor(ctx context.Context, identityID string) error
	UpdateTwoFactorLastUsedCounter(ctx context.Context, identityID string, counter int64) error

	ReplaceBackupCodes(ctx context.Context, identityID string, codes []BackupCodeRecord) error
	CountUnusedBackupCodes(ctx context.Context, identityID string) (int, error)
	ConsumeBackupCode(ctx context.Context, identityID string, codeHash [32]byte) (bool, error)
}

// Two-factor methods reported in LoginResult and audit events.
const (
	TwoFactorMethodTOTP   = "totp"
	TwoFactorMethodBackup = "backup_code"
)

// LoginResult is returned by [Engine.Login] and [Engine.ConfirmTwoFactor].
// When TwoFactorRequired is set, only ChallengeToken is populated and the
// caller must complete the challenge to obtain a session.
type LoginResult struct {
	SessionToken string
	Session      *SessionInfo

	TwoFactorRequired bool
	ChallengeToken    string
	TwoFactorMethod   string
}

// SessionInfo is the public view of a server-side session record.
type SessionInfo struct {
	SessionID  string
	IdentityID string
	IP         string
	UserAgent  string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	LastSeenAt time.Time
	Revoked    bool
}

// TwoFactorSetup is returned by [Engine.BeginTwoFactorSetup]: the shared
// secret for manual entry plus the otpauth:// URI for QR provisioning.
type TwoFactorSetup struct {
	SecretBase32 string
	OTPAuthURI   string
}

// SecurityReport is a read-only snapshot of the engine's security posture,
// returned by [Engine.SecurityReport].
type SecurityReport struct {
	SigningAlgorithm   string
	SessionTTL         time.Duration
	ChallengeTTL       time.Duration
	Argon2             PasswordConfigReport
	LockoutThreshold   int
	LockoutWindow      time.Duration
	LockoutDuration    time.Duration
	TwoFactorDigits    int
	TwoFactorAlgorithm string
	BackupCodeCount    int
	RateLimitingActive bool
	AuditActive        bool
	MetricsActive      bool
	NotifierActive     bool
}

// PasswordConfigReport contains the Argon2 parameters active in the engine.
type PasswordConfigReport struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
	MinLength   int
}

// AuditEvent is a structured security event emitted by the engine.
type AuditEvent = internalaudit.Event

// AuditSink receives [AuditEvent] values from the engine's audit dispatcher.
type AuditSink = internalaudit.Sink

// NoOpSink is an [AuditSink] that silently discards all events.
type NoOpSink = internalaudit.NoOpSink

// ChannelSink is a buffered channel-based [AuditSink].
type ChannelSink = internalaudit.ChannelSink

// JSONWriterSink is an [AuditSink] that writes JSON-encoded events to an
// [io.Writer].
type JSONWriterSink = internalaudit.JSONWriterSink

// NewChannelSink creates a [ChannelSink] with the given buffer capacity.
func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

// NewJSONWriterSink creates a [JSONWriterSink] that writes to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}
