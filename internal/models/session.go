package models

import "time"

// Session is a server-issued credential grant tied to one user and one
// token. Invalidation is a flag flip; hard deletion happens only in the
// expiry sweep.
type Session struct {
	ID         string    `json:"id" db:"session_id"`
	UserID     string    `json:"userId" db:"user_id"`
	Token      string    `json:"-" db:"token"`
	ExpiresAt  time.Time `json:"expiresAt" db:"expires_at"`
	IsActive   bool      `json:"isActive" db:"is_active"`
	IP         string    `json:"ip" db:"ip"`
	UserAgent  string    `json:"userAgent" db:"user_agent"`
	DeviceID   string    `json:"deviceId" db:"device_id"`
	CreatedAt  time.Time `json:"createdAt" db:"created_at"`
	LastSeenAt time.Time `json:"lastSeenAt" db:"last_seen_at"`
}

// Live reports whether the session is both active and unexpired.
func (s *Session) Live(now time.Time) bool {
	return s.IsActive && s.ExpiresAt.After(now)
}

// SessionCreate is the createSession input.
type SessionCreate struct {
	UserID    string        `json:"userId"`
	TTL       time.Duration `json:"-"`
	IP        string        `json:"ip"`
	UserAgent string        `json:"userAgent"`
	DeviceID  string        `json:"deviceId"`
}
