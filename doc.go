// Package authcore is an embeddable identity and session security core:
// credential authentication with brute-force lockout, TOTP two-factor
// login with one-time backup codes, multi-device sessions backed by
// signed tokens and server-side revocation, and single-use password
// reset and email verification tokens.
//
// The engine owns security state in Redis (sessions, challenges, token
// records, rate limit windows) and reaches account data only through the
// caller-implemented [IdentityStore]. Construct it with the builder:
//
//	engine, err := authcore.New().
//		WithConfig(cfg).
//		WithRedis(redisClient).
//		WithIdentityStore(store).
//		Build()
//
// Security events flow through an asynchronous audit dispatcher and
// outbound messages through a rate-limited notifier; neither can block
// or fail an authentication path.
package authcore
