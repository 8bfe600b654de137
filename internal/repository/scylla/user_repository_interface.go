package scylla

import (
	"context"
	"time"

	"realtime-service/internal/models"
)

// UserRepository is the persistence contract for user records. The directory
// service depends on this interface so tests can substitute fakes.
type UserRepository interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByID(ctx context.Context, userID string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	ApplyUpdate(ctx context.Context, userID string, upd *models.UserUpdate, now time.Time) (*models.User, error)
	ReplacePreferences(ctx context.Context, userID string, prefs models.Preferences, now time.Time) (*models.User, error)
	RecordActivity(ctx context.Context, userID string, upd models.ActivityUpdate, deviceCap int, now time.Time) error
	RecordLogin(ctx context.Context, userID, ip string, now time.Time) (*models.User, error)
	SetSecurityCounters(ctx context.Context, userID string, attempts int, lockedUntil *time.Time, now time.Time) error
	SetTwoFactor(ctx context.Context, userID string, enabled bool, secretEnvelope string, now time.Time) error
	ListBucket(ctx context.Context, bucket int) ([]*models.User, error)
	CountUsers(ctx context.Context) (int, error)
	HealthCheck(ctx context.Context) error
}

// SessionRepository is the persistence contract for session records.
type SessionRepository interface {
	CreateSession(ctx context.Context, session *models.Session, expiryDay string) error
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	GetSessionByToken(ctx context.Context, token string) (*models.Session, error)
	GetUserSessions(ctx context.Context, userID string) ([]*models.Session, error)
	MarkInactive(ctx context.Context, sessionID string) (bool, error)
	MarkAllInactive(ctx context.Context, userID string) (int, error)
	DeleteExpired(ctx context.Context, now time.Time, expiryDays []string) (int, error)
	HealthCheck(ctx context.Context) error
}
