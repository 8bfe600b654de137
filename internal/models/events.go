package models

import "time"

// Change-notification types emitted by the directory store after each
// successful mutation. The store is the only writer, so subscribers can
// treat these as authoritative without watching the database.
const (
	EventUserCreated            = "user.created"
	EventUserUpdated            = "user.updated"
	EventUserActivityUpdated    = "user.activity_updated"
	EventUserPreferencesUpdated = "user.preferences_updated"
	EventUserLocked             = "user.locked"

	EventSessionCreated             = "session.created"
	EventSessionInvalidated         = "session.invalidated"
	EventAllUserSessionsInvalidated = "session.all_invalidated"
)

// UserEvent carries the full record; subscribers are responsible for
// sanitizing before any external exposure.
type UserEvent struct {
	Type        string     `json:"type"`
	UserID      string     `json:"userId"`
	User        *User      `json:"-"`
	LockedUntil *time.Time `json:"lockedUntil,omitempty"`
	At          time.Time  `json:"at"`
}

type SessionEvent struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	UserID    string    `json:"userId"`
	At        time.Time `json:"at"`
}

// UserStats is the aggregate snapshot served by getUserStats, always
// computed from current store state.
type UserStats struct {
	TotalUsers    int            `json:"totalUsers"`
	ActiveLast24h int            `json:"activeLast24h"`
	VerifiedUsers int            `json:"verifiedUsers"`
	ByRole        map[string]int `json:"byRole"`
	ByTier        map[string]int `json:"byTier"`
	SignupsLast7d int            `json:"signupsLast7d"`
	GeneratedAt   time.Time      `json:"generatedAt"`
}

// HealthStatus is the non-throwing healthCheck report.
type HealthStatus struct {
	Status         string    `json:"status"`
	StoreConnected bool      `json:"storeConnected"`
	CacheConnected bool      `json:"cacheConnected"`
	TotalUsers     int       `json:"totalUsers"`
	ActiveUsers    int       `json:"activeUsers"`
	CheckedAt      time.Time `json:"checkedAt"`
}
