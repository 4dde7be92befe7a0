package authcore

import (
	"errors"
	"strings"
	"time"
)

// Config is the full engine configuration tree. Zero value is not usable;
// start from New() which seeds defaultConfig() and override per section.
type Config struct {
	Token             TokenConfig
	Session           SessionConfig
	Lockout           LockoutConfig
	TwoFactor         TwoFactorConfig
	Password          PasswordConfig
	PasswordReset     PasswordResetConfig
	EmailVerification EmailVerificationConfig
	Notify            NotifyConfig
	Audit             AuditConfig
	Metrics           MetricsConfig
	Security          SecurityConfig
}

/*
====================================
TOKEN CONFIG
====================================
*/

// TokenConfig covers both token purposes: long-lived session tokens and
// short-lived two-factor challenge tokens.
type TokenConfig struct {
	SessionTTL    time.Duration
	ChallengeTTL  time.Duration
	SigningMethod string // "ed25519" (default), "hs256" optional
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	// RequireIAT rejects tokens without an issued-at claim.
	RequireIAT bool
	// MaxFutureIAT bounds how far in the future an iat may sit.
	// Zero applies the manager default.
	MaxFutureIAT time.Duration
	// KeyID stamps minted tokens with a kid header for rotation.
	KeyID string
	// VerifyKeys maps kid to verification key. When set, tokens without
	// a known kid are rejected; for ed25519 it can replace PublicKey.
	VerifyKeys map[string][]byte
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig controls the Redis session record store.
type SessionConfig struct {
	RedisPrefix string
	// RevokedRetention is how long revoked or expired records stay
	// readable before the key TTL reaps them.
	RevokedRetention time.Duration
	// TouchOnValidate updates LastSeenAt on every successful validation.
	TouchOnValidate bool
}

/*
====================================
LOCKOUT CONFIG
====================================
*/

// LockoutConfig is the brute-force policy: Threshold consecutive failures
// within Window lock the account for Duration.
type LockoutConfig struct {
	Threshold int
	Window    time.Duration
	Duration  time.Duration
}

/*
====================================
TWO FACTOR CONFIG
====================================
*/

// TwoFactorConfig controls TOTP enrollment, login challenges, and backup
// codes.
type TwoFactorConfig struct {
	Issuer                  string
	Digits                  int
	Period                  int
	Algorithm               string // SHA1 (default), SHA256, SHA512
	Skew                    int
	EnforceReplayProtection bool

	ChallengeMaxAttempts int

	CodeMaxAttempts int
	CodeCooldown    time.Duration

	BackupCodeCount       int
	BackupCodeLength      int
	BackupCodeMaxAttempts int
	BackupCodeCooldown    time.Duration
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig holds Argon2id parameters and password policy.
type PasswordConfig struct {
	Memory         uint32 // in KB
	Time           uint32
	Parallelism    uint8
	SaltLength     uint32
	KeyLength      uint32
	MinLength      int
	UpgradeOnLogin bool
}

/*
====================================
PASSWORD RESET CONFIG
====================================
*/

// ResetStrategyType selects the reset challenge shape.
type ResetStrategyType int

const (
	// ResetToken issues an opaque id+secret blob.
	ResetToken ResetStrategyType = iota
	// ResetOTP issues a short numeric code scoped to a reset id.
	ResetOTP
	// ResetUUID issues a bare UUID challenge.
	ResetUUID
)

// PasswordResetConfig controls the reset token lifecycle. UsedRetention
// keeps a consumed record around so a second use fails with a
// distinguishable already-used error instead of an unknown-token error.
type PasswordResetConfig struct {
	Enabled          bool
	Strategy         ResetStrategyType
	TokenTTL         time.Duration
	UsedRetention    time.Duration
	MaxAttempts      int
	RequestMax       int
	RequestCooldown  time.Duration
	EnableIPThrottle bool
	OTPDigits        int
}

/*
====================================
EMAIL VERIFICATION CONFIG
====================================
*/

// EmailVerificationConfig mirrors the reset lifecycle for address proofs.
type EmailVerificationConfig struct {
	Enabled         bool
	Strategy        ResetStrategyType
	TokenTTL        time.Duration
	UsedRetention   time.Duration
	MaxAttempts     int
	RequestMax      int
	RequestCooldown time.Duration
	OTPDigits       int
}

/*
====================================
NOTIFY CONFIG
====================================
*/

// NotifyConfig controls the async notification dispatcher. RatePerMinute
// throttles outbound sends so notification bursts cannot stall logins or
// flood the mail relay.
type NotifyConfig struct {
	Enabled       bool
	QueueSize     int
	RatePerMinute int
	Burst         int
}

/*
====================================
AUDIT / METRICS CONFIG
====================================
*/

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig controls the in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
SECURITY CONFIG
====================================
*/

// SecurityConfig holds cross-cutting hardening knobs. ProductionMode turns
// on strict floor checks in Validate.
type SecurityConfig struct {
	ProductionMode bool

	// Per-IP login throttle, independent of the per-identity lockout.
	EnableIPThrottle  bool
	MaxAttemptsPerIP  int
	IPThrottleWindow  time.Duration
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the engine defaults as a starting point for
// overrides. Signing keys are intentionally absent; Validate fails until
// the caller supplies them.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Token: TokenConfig{
			SessionTTL:    24 * time.Hour,
			ChallengeTTL:  3 * time.Minute,
			SigningMethod: "ed25519",
			Leeway:        30 * time.Second,
		},
		Session: SessionConfig{
			RedisPrefix:      "as",
			RevokedRetention: time.Hour,
			TouchOnValidate:  true,
		},
		Lockout: LockoutConfig{
			Threshold: 5,
			Window:    30 * time.Minute,
			Duration:  30 * time.Minute,
		},
		TwoFactor: TwoFactorConfig{
			Issuer:                  "",
			Digits:                  6,
			Period:                  30,
			Algorithm:               "SHA1",
			Skew:                    1,
			EnforceReplayProtection: true,
			ChallengeMaxAttempts:    5,
			CodeMaxAttempts:         5,
			CodeCooldown:            10 * time.Minute,
			BackupCodeCount:         10,
			BackupCodeLength:        10,
			BackupCodeMaxAttempts:   5,
			BackupCodeCooldown:      10 * time.Minute,
		},
		Password: PasswordConfig{
			Memory:         65536,
			Time:           3,
			Parallelism:    2,
			SaltLength:     16,
			KeyLength:      32,
			MinLength:      10,
			UpgradeOnLogin: true,
		},
		PasswordReset: PasswordResetConfig{
			Enabled:          false,
			Strategy:         ResetToken,
			TokenTTL:         15 * time.Minute,
			UsedRetention:    24 * time.Hour,
			MaxAttempts:      5,
			RequestMax:       3,
			RequestCooldown:  15 * time.Minute,
			EnableIPThrottle: true,
			OTPDigits:        6,
		},
		EmailVerification: EmailVerificationConfig{
			Enabled:         false,
			Strategy:        ResetToken,
			TokenTTL:        24 * time.Hour,
			UsedRetention:   24 * time.Hour,
			MaxAttempts:     5,
			RequestMax:      3,
			RequestCooldown: 15 * time.Minute,
			OTPDigits:       6,
		},
		Notify: NotifyConfig{
			Enabled:       false,
			QueueSize:     256,
			RatePerMinute: 60,
			Burst:         10,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
		Security: SecurityConfig{
			ProductionMode:   false,
			EnableIPThrottle: false,
			MaxAttemptsPerIP: 50,
			IPThrottleWindow: 15 * time.Minute,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Token.PrivateKey = cloneBytes(cfg.Token.PrivateKey)
	out.Token.PublicKey = cloneBytes(cfg.Token.PublicKey)
	if len(cfg.Token.VerifyKeys) > 0 {
		out.Token.VerifyKeys = make(map[string][]byte, len(cfg.Token.VerifyKeys))
		for kid, key := range cfg.Token.VerifyKeys {
			out.Token.VerifyKeys[kid] = cloneBytes(key)
		}
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate checks the full config tree. Build refuses to construct an
// Engine from a config that fails here.
func (c *Config) Validate() error {
	// Token
	if c.Token.SessionTTL <= 0 {
		return errors.New("Token SessionTTL must be > 0")
	}
	if c.Token.ChallengeTTL <= 0 {
		return errors.New("Token ChallengeTTL must be > 0")
	}
	if c.Token.ChallengeTTL > c.Token.SessionTTL {
		return errors.New("Token ChallengeTTL must not exceed SessionTTL")
	}

	if c.Token.SigningMethod != "ed25519" && c.Token.SigningMethod != "hs256" {
		return errors.New("unsupported Token signing method")
	}
	if c.Token.SigningMethod == "ed25519" && len(c.Token.PrivateKey) == 0 {
		return errors.New("ed25519 requires PrivateKey")
	}
	if c.Token.SigningMethod == "ed25519" && len(c.Token.PublicKey) == 0 && len(c.Token.VerifyKeys) == 0 {
		return errors.New("ed25519 requires PublicKey or VerifyKeys")
	}
	if c.Token.SigningMethod == "hs256" && len(c.Token.PrivateKey) == 0 {
		return errors.New("hs256 requires PrivateKey")
	}
	if c.Token.Leeway < 0 || c.Token.Leeway > 2*time.Minute {
		return errors.New("Token Leeway must be between 0 and 2m")
	}

	// Session
	if c.Session.RedisPrefix == "" {
		return errors.New("Session RedisPrefix must not be empty")
	}
	if c.Session.RevokedRetention <= 0 {
		return errors.New("Session RevokedRetention must be > 0")
	}

	// Lockout
	if c.Lockout.Threshold <= 0 {
		return errors.New("Lockout Threshold must be > 0")
	}
	if c.Lockout.Window <= 0 {
		return errors.New("Lockout Window must be > 0")
	}
	if c.Lockout.Duration <= 0 {
		return errors.New("Lockout Duration must be > 0")
	}

	// Two-factor
	if c.TwoFactor.Digits != 6 && c.TwoFactor.Digits != 8 {
		return errors.New("TwoFactor Digits must be 6 or 8")
	}
	if c.TwoFactor.Period < 15 {
		return errors.New("TwoFactor Period must be >= 15 seconds")
	}
	if c.TwoFactor.Skew < 0 {
		return errors.New("TwoFactor Skew must be >= 0")
	}
	switch strings.ToUpper(c.TwoFactor.Algorithm) {
	case "", "SHA1", "SHA256", "SHA512":
		// valid (empty treated as SHA1)
	default:
		return errors.New("TwoFactor Algorithm must be SHA1, SHA256, or SHA512")
	}
	if c.TwoFactor.ChallengeMaxAttempts <= 0 {
		return errors.New("TwoFactor ChallengeMaxAttempts must be > 0")
	}
	if c.TwoFactor.CodeMaxAttempts <= 0 {
		return errors.New("TwoFactor CodeMaxAttempts must be > 0")
	}
	if c.TwoFactor.CodeCooldown <= 0 {
		return errors.New("TwoFactor CodeCooldown must be > 0")
	}
	if c.TwoFactor.BackupCodeCount <= 0 {
		return errors.New("TwoFactor BackupCodeCount must be > 0")
	}
	if c.TwoFactor.BackupCodeLength < 8 || c.TwoFactor.BackupCodeLength > 32 {
		return errors.New("TwoFactor BackupCodeLength must be between 8 and 32")
	}
	if c.TwoFactor.BackupCodeMaxAttempts <= 0 {
		return errors.New("TwoFactor BackupCodeMaxAttempts must be > 0")
	}
	if c.TwoFactor.BackupCodeCooldown <= 0 {
		return errors.New("TwoFactor BackupCodeCooldown must be > 0")
	}

	// Password
	if c.Password.Memory < 8*1024 {
		return errors.New("Password Memory must be >= 8192 KB")
	}
	if c.Password.Time < 1 {
		return errors.New("Password Time must be >= 1")
	}
	if c.Password.Parallelism < 1 {
		return errors.New("Password Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 {
		return errors.New("Password SaltLength must be >= 16")
	}
	if c.Password.KeyLength < 16 {
		return errors.New("Password KeyLength must be >= 16")
	}
	if c.Password.MinLength < 10 {
		return errors.New("Password MinLength must be >= 10")
	}

	// Password reset
	if c.PasswordReset.Enabled {
		switch c.PasswordReset.Strategy {
		case ResetToken, ResetOTP, ResetUUID:
			// valid
		default:
			return errors.New("PasswordReset Strategy is invalid")
		}
		if c.PasswordReset.TokenTTL <= 0 {
			return errors.New("PasswordReset TokenTTL must be > 0")
		}
		if c.PasswordReset.UsedRetention <= 0 {
			return errors.New("PasswordReset UsedRetention must be > 0")
		}
		if c.PasswordReset.MaxAttempts <= 0 {
			return errors.New("PasswordReset MaxAttempts must be > 0")
		}
		if c.PasswordReset.RequestMax <= 0 || c.PasswordReset.RequestCooldown <= 0 {
			return errors.New("PasswordReset request throttle must be configured")
		}
		if c.PasswordReset.Strategy == ResetOTP {
			if c.PasswordReset.OTPDigits < 6 || c.PasswordReset.OTPDigits > 10 {
				return errors.New("PasswordReset OTPDigits must be between 6 and 10 in OTP mode")
			}
			if c.PasswordReset.MaxAttempts > 5 {
				return errors.New("PasswordReset MaxAttempts must be <= 5 in OTP mode")
			}
			if c.PasswordReset.TokenTTL > 15*time.Minute {
				return errors.New("PasswordReset TokenTTL must be <= 15m in OTP mode")
			}
			if !c.PasswordReset.EnableIPThrottle {
				return errors.New("PasswordReset EnableIPThrottle must be true in OTP mode")
			}
		}
	}

	// Email verification
	if c.EmailVerification.Enabled {
		switch c.EmailVerification.Strategy {
		case ResetToken, ResetOTP, ResetUUID:
			// valid
		default:
			return errors.New("EmailVerification Strategy is invalid")
		}
		if c.EmailVerification.TokenTTL <= 0 {
			return errors.New("EmailVerification TokenTTL must be > 0")
		}
		if c.EmailVerification.UsedRetention <= 0 {
			return errors.New("EmailVerification UsedRetention must be > 0")
		}
		if c.EmailVerification.MaxAttempts <= 0 {
			return errors.New("EmailVerification MaxAttempts must be > 0")
		}
		if c.EmailVerification.RequestMax <= 0 || c.EmailVerification.RequestCooldown <= 0 {
			return errors.New("EmailVerification request throttle must be configured")
		}
		if c.EmailVerification.Strategy == ResetOTP {
			if c.EmailVerification.OTPDigits < 6 || c.EmailVerification.OTPDigits > 10 {
				return errors.New("EmailVerification OTPDigits must be between 6 and 10 in OTP mode")
			}
		}
	}

	// Notify
	if c.Notify.Enabled {
		if c.Notify.QueueSize <= 0 {
			return errors.New("Notify QueueSize must be > 0 when notify is enabled")
		}
		if c.Notify.RatePerMinute <= 0 {
			return errors.New("Notify RatePerMinute must be > 0 when notify is enabled")
		}
		if c.Notify.Burst <= 0 {
			return errors.New("Notify Burst must be > 0 when notify is enabled")
		}
	}

	// Audit
	if c.Audit.Enabled {
		if c.Audit.BufferSize <= 0 {
			return errors.New("Audit BufferSize must be > 0 when audit is enabled")
		}
	}

	// Security
	if c.Security.EnableIPThrottle {
		if c.Security.MaxAttemptsPerIP <= 0 {
			return errors.New("MaxAttemptsPerIP must be > 0 when IP throttle is enabled")
		}
		if c.Security.IPThrottleWindow <= 0 {
			return errors.New("IPThrottleWindow must be > 0 when IP throttle is enabled")
		}
	}

	if c.Security.ProductionMode {
		if c.Token.SessionTTL > 30*24*time.Hour {
			return errors.New("ProductionMode requires Token SessionTTL <= 30d")
		}
		if c.Token.ChallengeTTL > 10*time.Minute {
			return errors.New("ProductionMode requires Token ChallengeTTL <= 10m")
		}
		if c.Token.SigningMethod == "hs256" && len(c.Token.PrivateKey) < 32 {
			return errors.New("ProductionMode requires hs256 key length >= 256 bits")
		}
		if c.Password.Memory < 64*1024 {
			return errors.New("ProductionMode requires Password Memory >= 65536 KB")
		}
		if c.Password.Time < 2 {
			return errors.New("ProductionMode requires Password Time >= 2")
		}
		if c.Password.KeyLength < 32 {
			return errors.New("ProductionMode requires Password KeyLength >= 32")
		}
		if c.Lockout.Threshold > 10 {
			return errors.New("ProductionMode requires Lockout Threshold <= 10")
		}
		if c.Lockout.Duration < 5*time.Minute {
			return errors.New("ProductionMode requires Lockout Duration >= 5m")
		}
		if c.TwoFactor.Skew > 2 {
			return errors.New("ProductionMode requires TwoFactor Skew <= 2")
		}
		if !c.TwoFactor.EnforceReplayProtection {
			return errors.New("ProductionMode requires TwoFactor EnforceReplayProtection")
		}
		if c.TwoFactor.BackupCodeCount < 8 {
			return errors.New("ProductionMode requires TwoFactor BackupCodeCount >= 8")
		}
		if c.PasswordReset.Enabled && c.PasswordReset.TokenTTL > time.Hour {
			return errors.New("ProductionMode requires PasswordReset TokenTTL <= 1h")
		}
	}

	return nil
}
