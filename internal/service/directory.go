package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"realtime-service/internal/analytics"
	"realtime-service/internal/bucketing"
	"realtime-service/internal/config"
	"realtime-service/internal/encryption"
	"realtime-service/internal/hashing"
	"realtime-service/internal/models"
	"realtime-service/internal/repository/scylla"
	"realtime-service/internal/util"
)

// Sentinel errors mapped to HTTP and websocket error responses by the
// transport layers.
var (
	ErrUserNotFound      = errors.New("user not found")
	ErrDuplicateIdentity = errors.New("email or username already in use")
	ErrSessionNotFound   = errors.New("session not found")
	ErrAccountLocked     = errors.New("account is locked")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidCredential = errors.New("invalid credentials")
)

// PresenceCache is the hot-path cache contract the directory writes through.
// Implemented by the Redis-backed presence cache.
type PresenceCache interface {
	CacheSession(ctx context.Context, session *models.Session) error
	GetCachedSession(ctx context.Context, token string) (*models.Session, error)
	DropCachedSession(ctx context.Context, token string) error
	IncrLoginFailures(ctx context.Context, userID string, window time.Duration) (int64, error)
	ResetLoginFailures(ctx context.Context, userID string) error
	TouchActive(ctx context.Context, userID string, at time.Time) error
	ActiveUserIDs(ctx context.Context, since time.Time, limit int64) ([]string, error)
	CountActive(ctx context.Context, since time.Time) (int64, error)
	PruneActive(ctx context.Context, before time.Time) (int64, error)
	HealthCheck(ctx context.Context) error
}

// UserCreate is the createUser input.
type UserCreate struct {
	Email            string `json:"email"`
	Username         string `json:"username"`
	Password         string `json:"password"`
	Role             string `json:"role,omitempty"`
	SubscriptionTier string `json:"subscriptionTier,omitempty"`
}

// Directory is the user directory store: persisted users and sessions,
// change notifications, aggregate stats, and the expiry sweep. It is the
// only writer to the backing tables, so its notifications are authoritative.
type Directory struct {
	users     scylla.UserRepository
	sessions  scylla.SessionRepository
	cache     PresenceCache
	notifier  *Notifier
	hasher    *hashing.Hasher
	crypto    *encryption.Manager
	bucketing *bucketing.BucketingManager
	sink      *analytics.ActivitySink
	config    *config.Config
}

func NewDirectory(
	users scylla.UserRepository,
	sessions scylla.SessionRepository,
	cache PresenceCache,
	notifier *Notifier,
	hasher *hashing.Hasher,
	crypto *encryption.Manager,
	bucketingManager *bucketing.BucketingManager,
	sink *analytics.ActivitySink,
	cfg *config.Config,
) *Directory {
	return &Directory{
		users:     users,
		sessions:  sessions,
		cache:     cache,
		notifier:  notifier,
		hasher:    hasher,
		crypto:    crypto,
		bucketing: bucketingManager,
		sink:      sink,
		config:    cfg,
	}
}

// Notifier exposes the change-notification hub for subscribers.
func (d *Directory) Notifier() *Notifier {
	return d.notifier
}

// ===================== user lifecycle =====================

// CreateUser registers a new user. Email and username are normalized and
// must be globally unique; a clash returns ErrDuplicateIdentity.
func (d *Directory) CreateUser(ctx context.Context, in UserCreate) (*models.User, error) {
	email := util.NormalizeEmail(in.Email)
	username := util.SanitizeInput(in.Username)

	if !util.IsValidEmail(email) {
		return nil, fmt.Errorf("%w: malformed email", ErrInvalidInput)
	}
	if !util.IsValidUsername(username) {
		return nil, fmt.Errorf("%w: username must be 3-32 chars, alphanumeric with _ or -", ErrInvalidInput)
	}
	if len(in.Password) < 8 {
		return nil, fmt.Errorf("%w: password must be at least 8 characters", ErrInvalidInput)
	}

	hash, err := d.hasher.HashPassword(in.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	role := in.Role
	if role == "" {
		role = models.RoleUser
	}
	tier := in.SubscriptionTier
	if tier == "" {
		tier = models.TierFree
	}

	now := time.Now().UTC()
	user := &models.User{
		ID:               uuid.New().String(),
		Email:            email,
		Username:         username,
		PasswordHash:     hash,
		Role:             role,
		SubscriptionTier: tier,
		Preferences:      models.DefaultPreferences(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := d.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, scylla.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %v", ErrDuplicateIdentity, err)
		}
		return nil, err
	}

	d.notifier.PublishUserEvent(models.UserEvent{
		Type:   models.EventUserCreated,
		UserID: user.ID,
		User:   user,
		At:     now,
	})

	return user, nil
}

// GetUserByID returns (nil, nil) when the user does not exist. Lookups never
// error on absence; only infrastructure failures surface.
func (d *Directory) GetUserByID(ctx context.Context, userID string) (*models.User, error) {
	user, err := d.users.GetUserByID(ctx, userID)
	if errors.Is(err, scylla.ErrNotFound) {
		return nil, nil
	}
	return user, err
}

func (d *Directory) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	user, err := d.users.GetUserByEmail(ctx, util.NormalizeEmail(email))
	if errors.Is(err, scylla.ErrNotFound) {
		return nil, nil
	}
	return user, err
}

func (d *Directory) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user, err := d.users.GetUserByUsername(ctx, username)
	if errors.Is(err, scylla.ErrNotFound) {
		return nil, nil
	}
	return user, err
}

// UpdateUser applies a partial profile update and emits user.updated.
func (d *Directory) UpdateUser(ctx context.Context, userID string, upd *models.UserUpdate) (*models.User, error) {
	now := time.Now().UTC()
	user, err := d.users.ApplyUpdate(ctx, userID, upd, now)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	d.notifier.PublishUserEvent(models.UserEvent{
		Type:   models.EventUserUpdated,
		UserID: userID,
		User:   user,
		At:     now,
	})
	return user, nil
}

// UpdateUserActivity is best-effort usage tracking: a missing user is not an
// error, and cache failures only log. The activity recency index in Redis is
// refreshed alongside the store write.
func (d *Directory) UpdateUserActivity(ctx context.Context, userID string, upd models.ActivityUpdate) error {
	now := time.Now().UTC()

	err := d.users.RecordActivity(ctx, userID, upd, d.config.Directory.DeviceHistoryLimit, now)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return nil
		}
		return err
	}

	if cacheErr := d.cache.TouchActive(ctx, userID, now); cacheErr != nil {
		util.Warn("Failed to touch activity index",
			zap.String("user_id", userID),
			zap.Error(cacheErr))
	}

	if d.sink != nil {
		action := upd.Action
		if action == "" {
			action = "activity"
		}
		d.sink.Record(analytics.ActivityEvent{
			UserID:     userID,
			Action:     action,
			IP:         upd.IP,
			DeviceInfo: upd.DeviceInfo,
			OccurredAt: now,
		})
	}

	d.notifier.PublishUserEvent(models.UserEvent{
		Type:   models.EventUserActivityUpdated,
		UserID: userID,
		At:     now,
	})
	return nil
}

// UpdateUserPreferences replaces the preferences blob wholesale.
func (d *Directory) UpdateUserPreferences(ctx context.Context, userID string, prefs models.Preferences) (*models.User, error) {
	now := time.Now().UTC()
	user, err := d.users.ReplacePreferences(ctx, userID, prefs, now)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	d.notifier.PublishUserEvent(models.UserEvent{
		Type:   models.EventUserPreferencesUpdated,
		UserID: userID,
		User:   user,
		At:     now,
	})
	return user, nil
}

// ===================== account protection =====================

// IncrementLoginAttempts bumps the failure counter, auto-locking the account
// when the configured threshold is reached. Returns the new attempt count.
func (d *Directory) IncrementLoginAttempts(ctx context.Context, userID string) (int, error) {
	count, err := d.cache.IncrLoginFailures(ctx, userID, d.config.Auth.LoginCounterTTL)
	if err != nil {
		return 0, fmt.Errorf("failed to increment login attempts: %w", err)
	}

	now := time.Now().UTC()
	if err := d.users.SetSecurityCounters(ctx, userID, int(count), nil, now); err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return 0, ErrUserNotFound
		}
		return 0, err
	}

	if int(count) >= d.config.Auth.MaxLoginAttempts {
		if err := d.LockUser(ctx, userID, 0); err != nil {
			return int(count), err
		}
	}
	return int(count), nil
}

// ResetLoginAttempts clears the failure counter and any stored lock.
func (d *Directory) ResetLoginAttempts(ctx context.Context, userID string) error {
	if err := d.cache.ResetLoginFailures(ctx, userID); err != nil {
		util.Warn("Failed to reset login failure counter",
			zap.String("user_id", userID),
			zap.Error(err))
	}
	now := time.Now().UTC()
	if err := d.users.SetSecurityCounters(ctx, userID, 0, nil, now); err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return ErrUserNotFound
		}
		return err
	}
	return nil
}

// LockUser locks the account for the given duration (the configured default
// when zero) and emits user.locked with the expiry.
func (d *Directory) LockUser(ctx context.Context, userID string, duration time.Duration) error {
	if duration <= 0 {
		duration = d.config.Auth.LockDuration
	}

	now := time.Now().UTC()
	lockedUntil := now.Add(duration)

	user, err := d.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return ErrUserNotFound
		}
		return err
	}

	if err := d.users.SetSecurityCounters(ctx, userID, user.Security.FailedLoginAttempts, &lockedUntil, now); err != nil {
		return err
	}

	util.Warn("Account locked",
		zap.String("user_id", userID),
		zap.Time("locked_until", lockedUntil))

	d.notifier.PublishUserEvent(models.UserEvent{
		Type:        models.EventUserLocked,
		UserID:      userID,
		LockedUntil: &lockedUntil,
		At:          now,
	})
	return nil
}

// Authenticate verifies credentials by email or username, enforcing the
// lockout policy. Failures bump the attempt counter; success resets it,
// records the login, and issues a fresh session.
func (d *Directory) Authenticate(ctx context.Context, identifier, password, ip, userAgent, deviceID string) (*models.User, *models.Session, error) {
	var user *models.User
	var err error
	if util.IsValidEmail(identifier) {
		user, err = d.GetUserByEmail(ctx, identifier)
	} else {
		user, err = d.GetUserByUsername(ctx, identifier)
	}
	if err != nil {
		return nil, nil, err
	}
	if user == nil {
		return nil, nil, ErrInvalidCredential
	}

	now := time.Now().UTC()
	if user.Security.LockedUntil != nil && user.Security.LockedUntil.After(now) {
		return nil, nil, fmt.Errorf("%w until %s", ErrAccountLocked, user.Security.LockedUntil.Format(time.RFC3339))
	}

	ok, err := d.hasher.VerifyPassword(password, user.PasswordHash)
	if err != nil {
		return nil, nil, fmt.Errorf("credential verification failed: %w", err)
	}
	if !ok {
		if _, incErr := d.IncrementLoginAttempts(ctx, user.ID); incErr != nil {
			util.Warn("Failed to record login failure",
				zap.String("user_id", user.ID),
				zap.Error(incErr))
		}
		return nil, nil, ErrInvalidCredential
	}

	if err := d.ResetLoginAttempts(ctx, user.ID); err != nil {
		util.Warn("Failed to reset login attempts after success",
			zap.String("user_id", user.ID),
			zap.Error(err))
	}

	user, err = d.users.RecordLogin(ctx, user.ID, ip, now)
	if err != nil {
		return nil, nil, err
	}

	if cacheErr := d.cache.TouchActive(ctx, user.ID, now); cacheErr != nil {
		util.Warn("Failed to touch activity index",
			zap.String("user_id", user.ID),
			zap.Error(cacheErr))
	}

	if d.sink != nil {
		d.sink.Record(analytics.ActivityEvent{
			UserID:     user.ID,
			Action:     "login",
			IP:         ip,
			DeviceInfo: deviceID,
			OccurredAt: now,
		})
	}

	session, err := d.CreateSession(ctx, models.SessionCreate{
		UserID:    user.ID,
		TTL:       d.config.Auth.SessionTTL,
		IP:        ip,
		UserAgent: userAgent,
		DeviceID:  deviceID,
	})
	if err != nil {
		return nil, nil, err
	}

	return user, session, nil
}

// EnableTwoFactor seals the TOTP secret into an encrypted envelope before it
// touches the store. The plaintext secret exists only in this call frame.
func (d *Directory) EnableTwoFactor(ctx context.Context, userID, secret string) error {
	envelope, err := d.crypto.EncryptSecret(ctx, secret)
	if err != nil {
		return fmt.Errorf("failed to seal two-factor secret: %w", err)
	}

	now := time.Now().UTC()
	if err := d.users.SetTwoFactor(ctx, userID, true, envelope, now); err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return ErrUserNotFound
		}
		return err
	}

	d.notifier.PublishUserEvent(models.UserEvent{
		Type:   models.EventUserUpdated,
		UserID: userID,
		At:     now,
	})
	return nil
}

func (d *Directory) DisableTwoFactor(ctx context.Context, userID string) error {
	now := time.Now().UTC()
	if err := d.users.SetTwoFactor(ctx, userID, false, "", now); err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return ErrUserNotFound
		}
		return err
	}

	d.notifier.PublishUserEvent(models.UserEvent{
		Type:   models.EventUserUpdated,
		UserID: userID,
		At:     now,
	})
	return nil
}

// ===================== sessions =====================

// CreateSession issues a fresh session with an opaque random token and
// caches it for fast token lookups.
func (d *Directory) CreateSession(ctx context.Context, in models.SessionCreate) (*models.Session, error) {
	user, err := d.GetUserByID(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}

	ttl := in.TTL
	if ttl <= 0 {
		ttl = d.config.Auth.SessionTTL
	}

	now := time.Now().UTC()
	session := &models.Session{
		ID:         uuid.New().String(),
		UserID:     in.UserID,
		Token:      uuid.New().String(),
		ExpiresAt:  now.Add(ttl),
		IsActive:   true,
		IP:         in.IP,
		UserAgent:  in.UserAgent,
		DeviceID:   in.DeviceID,
		CreatedAt:  now,
		LastSeenAt: now,
	}

	expiryDay := d.bucketing.DateBucket(session.ExpiresAt)
	if err := d.sessions.CreateSession(ctx, session, expiryDay); err != nil {
		return nil, err
	}

	if cacheErr := d.cache.CacheSession(ctx, session); cacheErr != nil {
		util.Warn("Failed to cache session",
			zap.String("session_id", session.ID),
			zap.Error(cacheErr))
	}

	d.notifier.PublishSessionEvent(models.SessionEvent{
		Type:      models.EventSessionCreated,
		SessionID: session.ID,
		UserID:    session.UserID,
		At:        now,
	})
	return session, nil
}

// GetSession returns (nil, nil) when the session does not exist.
func (d *Directory) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	session, err := d.sessions.GetSession(ctx, sessionID)
	if errors.Is(err, scylla.ErrNotFound) {
		return nil, nil
	}
	return session, err
}

// GetSessionByToken checks the cache first and falls back to the store,
// repopulating the cache on a hit. Returns (nil, nil) when no live session
// matches.
func (d *Directory) GetSessionByToken(ctx context.Context, token string) (*models.Session, error) {
	now := time.Now().UTC()

	cached, err := d.cache.GetCachedSession(ctx, token)
	if err != nil {
		util.Warn("Session cache lookup failed, falling back to store", zap.Error(err))
	} else if cached != nil {
		if cached.Live(now) {
			return cached, nil
		}
		_ = d.cache.DropCachedSession(ctx, token)
	}

	session, err := d.sessions.GetSessionByToken(ctx, token)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !session.Live(now) {
		return nil, nil
	}

	if cacheErr := d.cache.CacheSession(ctx, session); cacheErr != nil {
		util.Warn("Failed to repopulate session cache", zap.Error(cacheErr))
	}
	return session, nil
}

// GetUserSessions returns only the user's live sessions: active and not yet
// expired. Invalidated and expired rows stay in the store until the sweep but
// are never listed.
func (d *Directory) GetUserSessions(ctx context.Context, userID string) ([]*models.Session, error) {
	sessions, err := d.sessions.GetUserSessions(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	live := make([]*models.Session, 0, len(sessions))
	for _, session := range sessions {
		if session.Live(now) {
			live = append(live, session)
		}
	}
	return live, nil
}

// InvalidateSession flips a session inactive. Returns false without error
// when the session was missing or already inactive.
func (d *Directory) InvalidateSession(ctx context.Context, sessionID string) (bool, error) {
	session, err := d.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}

	changed, err := d.sessions.MarkInactive(ctx, sessionID)
	if err != nil || !changed || session == nil {
		return false, err
	}

	if cacheErr := d.cache.DropCachedSession(ctx, session.Token); cacheErr != nil {
		util.Warn("Failed to drop cached session", zap.Error(cacheErr))
	}

	d.notifier.PublishSessionEvent(models.SessionEvent{
		Type:      models.EventSessionInvalidated,
		SessionID: sessionID,
		UserID:    session.UserID,
		At:        time.Now().UTC(),
	})
	return true, nil
}

// InvalidateAllUserSessions flips every active session of a user and emits a
// single all-invalidated notification.
func (d *Directory) InvalidateAllUserSessions(ctx context.Context, userID string) (int, error) {
	sessions, err := d.sessions.GetUserSessions(ctx, userID)
	if err != nil {
		return 0, err
	}

	count, err := d.sessions.MarkAllInactive(ctx, userID)
	if err != nil {
		return count, err
	}

	for _, session := range sessions {
		if cacheErr := d.cache.DropCachedSession(ctx, session.Token); cacheErr != nil {
			util.Warn("Failed to drop cached session", zap.Error(cacheErr))
		}
	}

	if count > 0 {
		d.notifier.PublishSessionEvent(models.SessionEvent{
			Type:   models.EventAllUserSessionsInvalidated,
			UserID: userID,
			At:     time.Now().UTC(),
		})
	}
	return count, nil
}

// CleanupExpiredSessions hard-deletes sessions whose expiry passed, scanning
// day buckets back to the sweep horizon.
func (d *Directory) CleanupExpiredSessions(ctx context.Context) (int, error) {
	now := time.Now().UTC()

	horizonDays := int(d.config.Directory.SessionSweepHorizon.Hours()/24) + 1
	days := make([]string, 0, horizonDays)
	for i := 0; i < horizonDays; i++ {
		days = append(days, d.bucketing.DateBucket(now.AddDate(0, 0, -i)))
	}

	deleted, err := d.sessions.DeleteExpired(ctx, now, days)
	if err != nil {
		return deleted, err
	}

	if _, pruneErr := d.cache.PruneActive(ctx, now.Add(-d.config.Directory.SessionSweepHorizon)); pruneErr != nil {
		util.Warn("Failed to prune activity index", zap.Error(pruneErr))
	}
	return deleted, nil
}

// ===================== aggregates =====================

// GetActiveUsers returns sanitized records for users active inside the
// window, most recently active first.
func (d *Directory) GetActiveUsers(ctx context.Context, window time.Duration, limit int) ([]*models.SanitizedUser, error) {
	if window <= 0 {
		window = d.config.Directory.ActiveWindow
	}

	since := time.Now().UTC().Add(-window)
	ids, err := d.cache.ActiveUserIDs(ctx, since, int64(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to read activity index: %w", err)
	}

	out := make([]*models.SanitizedUser, 0, len(ids))
	for _, id := range ids {
		user, err := d.GetUserByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if user == nil {
			continue
		}
		out = append(out, user.Sanitize())
	}
	return out, nil
}

// GetUserStats aggregates over every user bucket in parallel. The snapshot
// is always computed from current store state.
func (d *Directory) GetUserStats(ctx context.Context) (*models.UserStats, error) {
	now := time.Now().UTC()
	buckets := d.bucketing.UserBuckets()

	results := make([][]*models.User, buckets)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.config.Directory.StatsConcurrency)

	for bucket := 0; bucket < buckets; bucket++ {
		bucket := bucket
		g.Go(func() error {
			users, err := d.users.ListBucket(gctx, bucket)
			if err != nil {
				return err
			}
			results[bucket] = users
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to aggregate user stats: %w", err)
	}

	stats := &models.UserStats{
		ByRole:      make(map[string]int),
		ByTier:      make(map[string]int),
		GeneratedAt: now,
	}

	dayAgo := now.Add(-24 * time.Hour)
	weekAgo := now.AddDate(0, 0, -7)
	for _, users := range results {
		for _, user := range users {
			stats.TotalUsers++
			if user.IsVerified {
				stats.VerifiedUsers++
			}
			stats.ByRole[user.Role]++
			stats.ByTier[user.SubscriptionTier]++
			if user.Activity.LastActive != nil && user.Activity.LastActive.After(dayAgo) {
				stats.ActiveLast24h++
			}
			if user.CreatedAt.After(weekAgo) {
				stats.SignupsLast7d++
			}
		}
	}
	return stats, nil
}

// HealthCheck never returns an error; failures degrade the reported status.
func (d *Directory) HealthCheck(ctx context.Context) *models.HealthStatus {
	now := time.Now().UTC()
	status := &models.HealthStatus{
		Status:         "healthy",
		StoreConnected: true,
		CacheConnected: true,
		CheckedAt:      now,
	}

	if err := d.users.HealthCheck(ctx); err != nil {
		util.Error("Directory store health check failed", zap.Error(err))
		status.StoreConnected = false
		status.Status = "unhealthy"
	}

	if err := d.cache.HealthCheck(ctx); err != nil {
		util.Warn("Presence cache health check failed", zap.Error(err))
		status.CacheConnected = false
		if status.Status == "healthy" {
			status.Status = "degraded"
		}
	}

	if status.StoreConnected {
		if total, err := d.users.CountUsers(ctx); err == nil {
			status.TotalUsers = total
		}
	}
	if status.CacheConnected {
		since := now.Add(-d.config.Directory.ActiveWindow)
		if active, err := d.cache.CountActive(ctx, since); err == nil {
			status.ActiveUsers = int(active)
		}
	}
	return status
}
