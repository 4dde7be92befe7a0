package authcore

import (
	"errors"

	"github.com/redis/go-redis/v9"

	internalaudit "github.com/synergyhub/authcore/internal/audit"
	"github.com/synergyhub/authcore/jwt"
	"github.com/synergyhub/authcore/password"
	"github.com/synergyhub/authcore/session"
)

// Builder assembles an [Engine]. Configure it during initialization and
// call Build exactly once; a Builder is not safe for concurrent use.
type Builder struct {
	config     Config
	redis      *redis.Client
	identities IdentityStore
	notifier   Notifier
	auditSink  AuditSink

	built bool
}

// New returns a Builder seeded with the default configuration.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the entire configuration tree.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the Redis client backing sessions, challenges, reset and
// verification tokens, and rate limiting. Required.
func (b *Builder) WithRedis(client *redis.Client) *Builder {
	b.redis = client
	return b
}

// WithIdentityStore sets the caller's identity persistence layer. Required.
func (b *Builder) WithIdentityStore(store IdentityStore) *Builder {
	b.identities = store
	return b
}

// WithNotifier sets the outbound notification target. Takes effect only
// when Notify.Enabled is set.
func (b *Builder) WithNotifier(n Notifier) *Builder {
	b.notifier = n
	return b
}

// WithAuditSink sets the audit event destination. Takes effect only when
// Audit.Enabled is set.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithMetricsEnabled toggles the in-process counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles the validation latency histogram.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// WithProductionMode turns on the strict configuration floors.
func (b *Builder) WithProductionMode(enabled bool) *Builder {
	b.config.Security.ProductionMode = enabled
	return b
}

// Build validates the configuration and wires every component. The
// returned Engine owns its dispatcher goroutines; release them with
// [Engine.Close].
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.identities == nil {
		return nil, errors.New("identity store required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tokens, err := jwt.NewManager(jwt.Config{
		SessionTTL:    cfg.Token.SessionTTL,
		ChallengeTTL:  cfg.Token.ChallengeTTL,
		SigningMethod: jwt.SigningMethod(cfg.Token.SigningMethod),
		PrivateKey:    cloneBytes(cfg.Token.PrivateKey),
		PublicKey:     cloneBytes(cfg.Token.PublicKey),
		Issuer:        cfg.Token.Issuer,
		Audience:      cfg.Token.Audience,
		Leeway:        cfg.Token.Leeway,
		RequireIAT:    cfg.Token.RequireIAT,
		MaxFutureIAT:  cfg.Token.MaxFutureIAT,
		KeyID:         cfg.Token.KeyID,
		VerifyKeys:    cfg.Token.VerifyKeys,
	})
	if err != nil {
		return nil, err
	}

	hasher, err := password.NewArgon2(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
		MinLength:   cfg.Password.MinLength,
	})
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		config:     cfg,
		identities: b.identities,
		redis:      b.redis,
		tokens:     tokens,
		hasher:     hasher,
		sessions:   session.NewStore(b.redis, cfg.Session.RedisPrefix, cfg.Session.RevokedRetention),
		totp:       newTOTPManager(cfg.TwoFactor),

		challenges:   newLoginChallengeStore(b.redis),
		resetTokens:  newOpaqueTokenStore(b.redis, "apr"),
		verifyTokens: newOpaqueTokenStore(b.redis, "aev"),

		lockPolicy:  newLockoutPolicy(cfg.Lockout),
		lockTracker: newLockoutTracker(b.redis, cfg.Lockout.Window),

		codeLimiter:   newWindowLimiter(b.redis, "att", cfg.TwoFactor.CodeMaxAttempts, cfg.TwoFactor.CodeCooldown),
		backupLimiter: newWindowLimiter(b.redis, "abt", cfg.TwoFactor.BackupCodeMaxAttempts, cfg.TwoFactor.BackupCodeCooldown),
		resetLimiter:  newWindowLimiter(b.redis, "aprl", cfg.PasswordReset.RequestMax, cfg.PasswordReset.RequestCooldown),
		verifyLimiter: newWindowLimiter(b.redis, "aevl", cfg.EmailVerification.RequestMax, cfg.EmailVerification.RequestCooldown),

		metrics: NewMetrics(cfg.Metrics),
		audit: internalaudit.NewDispatcher(internalaudit.Config{
			Enabled:    cfg.Audit.Enabled,
			BufferSize: cfg.Audit.BufferSize,
			DropIfFull: cfg.Audit.DropIfFull,
		}, b.auditSink),
		notifier: newNotifyDispatcher(cfg.Notify, b.notifier),
	}

	if cfg.Security.EnableIPThrottle {
		engine.ipLimiter = newWindowLimiter(b.redis, "alip", cfg.Security.MaxAttemptsPerIP, cfg.Security.IPThrottleWindow)
	}
	if cfg.PasswordReset.EnableIPThrottle {
		engine.resetIPLimiter = newWindowLimiter(b.redis, "aprip", cfg.PasswordReset.RequestMax, cfg.PasswordReset.RequestCooldown)
	}

	b.built = true

	return engine, nil
}
