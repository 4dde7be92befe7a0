package authcore

// Metrics exposes the engine's counters for exporters. Read-only use;
// snapshots are the supported access pattern.
func (e *Engine) Metrics() *Metrics {
	if e == nil {
		return nil
	}
	return e.metrics
}

// MetricsSnapshot returns a point-in-time copy of all counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil {
		return MetricsSnapshot{}
	}
	return e.metrics.Snapshot()
}

// SecurityReport summarizes the engine's active security posture for
// operational review. It reads configuration, never secrets.
func (e *Engine) SecurityReport() SecurityReport {
	if e == nil {
		return SecurityReport{}
	}

	return SecurityReport{
		SigningAlgorithm: e.config.Token.SigningMethod,
		SessionTTL:       e.config.Token.SessionTTL,
		ChallengeTTL:     e.config.Token.ChallengeTTL,
		Argon2: PasswordConfigReport{
			Memory:      e.config.Password.Memory,
			Time:        e.config.Password.Time,
			Parallelism: e.config.Password.Parallelism,
			SaltLength:  e.config.Password.SaltLength,
			KeyLength:   e.config.Password.KeyLength,
			MinLength:   e.config.Password.MinLength,
		},
		LockoutThreshold:   e.config.Lockout.Threshold,
		LockoutWindow:      e.config.Lockout.Window,
		LockoutDuration:    e.config.Lockout.Duration,
		TwoFactorDigits:    e.config.TwoFactor.Digits,
		TwoFactorAlgorithm: e.config.TwoFactor.Algorithm,
		BackupCodeCount:    e.config.TwoFactor.BackupCodeCount,
		RateLimitingActive: e.ipLimiter != nil || e.config.Security.EnableIPThrottle,
		AuditActive:        e.audit != nil,
		MetricsActive:      e.metrics.Enabled(),
		NotifierActive:     e.notifier != nil,
	}
}
