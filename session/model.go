package session

import "time"

// Session is the server-side record backing one issued session token.
// Revoked records are retained until their key TTL (expiry + retention)
// elapses so revocation stays observable, then swept by [Store.Cleanup].
type Session struct {
	SessionID  string
	IdentityID string

	IP        string
	UserAgent string

	CreatedAt  int64
	ExpiresAt  int64
	LastSeenAt int64

	Revoked   bool
	RevokedAt int64
}

// Active reports whether the session is usable at now: not revoked and not
// past its expiry.
func (s *Session) Active(now time.Time) bool {
	if s == nil || s.Revoked {
		return false
	}
	return now.Unix() < s.ExpiresAt
}
