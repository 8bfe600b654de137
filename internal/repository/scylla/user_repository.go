package scylla

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"realtime-service/internal/bucketing"
	"realtime-service/internal/models"
	"realtime-service/internal/util"
)

const userColumns = `user_bucket, user_id, email, username, password_hash, role,
	subscription_tier, is_verified, preferences, two_factor_enabled,
	two_factor_secret, failed_login_attempts, locked_until, password_changed_at,
	last_login, last_active, login_count, seen_ips, devices,
	total_trades, winning_trades, total_pnl, last_trade_at, created_at, updated_at`

// UserRepositoryImpl persists users across four tables: the bucketed users
// table plus users_by_email / users_by_username lookup tables whose LWT
// inserts enforce global uniqueness.
type UserRepositoryImpl struct {
	client    *ScyllaClient
	bucketing *bucketing.BucketingManager
}

func NewUserRepository(client *ScyllaClient, bucketing *bucketing.BucketingManager) *UserRepositoryImpl {
	return &UserRepositoryImpl{
		client:    client,
		bucketing: bucketing,
	}
}

// CreateUser claims the email and username identity slots with LWT inserts
// before writing the record. A failed username claim rolls back the email
// claim so no partial identity is ever persisted.
func (r *UserRepositoryImpl) CreateUser(ctx context.Context, user *models.User) error {
	user.UserBucket = r.bucketing.UserBucket(user.ID)

	applied, err := r.client.Query(
		`INSERT INTO users_by_email (email, user_id) VALUES (?, ?) IF NOT EXISTS`,
		user.Email, user.ID,
	).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to claim email: %w", err)
	}
	if !applied {
		return fmt.Errorf("%w: email %s", ErrDuplicate, user.Email)
	}

	applied, err = r.client.Query(
		`INSERT INTO users_by_username (username, user_id) VALUES (?, ?) IF NOT EXISTS`,
		user.Username, user.ID,
	).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil || !applied {
		// Roll back the email claim; without this a retried signup with the
		// same email would fail forever.
		if rbErr := r.client.Query(
			`DELETE FROM users_by_email WHERE email = ?`, user.Email,
		).WithContext(ctx).Exec(); rbErr != nil {
			util.Error("Failed to roll back email claim",
				zap.String("email", user.Email),
				zap.Error(rbErr))
		}
		if err != nil {
			return fmt.Errorf("failed to claim username: %w", err)
		}
		return fmt.Errorf("%w: username %s", ErrDuplicate, user.Username)
	}

	prefsJSON, err := json.Marshal(user.Preferences)
	if err != nil {
		return fmt.Errorf("failed to encode preferences: %w", err)
	}

	if err := r.client.Query(
		`INSERT INTO users (`+userColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user.UserBucket, user.ID, user.Email, user.Username, user.PasswordHash, user.Role,
		user.SubscriptionTier, user.IsVerified, string(prefsJSON), user.Security.TwoFactorEnabled,
		user.Security.TwoFactorSecret, user.Security.FailedLoginAttempts,
		tsValue(user.Security.LockedUntil), tsValue(user.Security.PasswordChangedAt),
		tsValue(user.Activity.LastLogin), tsValue(user.Activity.LastActive),
		user.Activity.LoginCount, user.Activity.SeenIPs, user.Activity.Devices,
		user.Trading.TotalTrades, user.Trading.WinningTrades, user.Trading.TotalPnL,
		tsValue(user.Trading.LastTradeAt), user.CreatedAt, user.UpdatedAt,
	).WithContext(ctx).Exec(); err != nil {
		util.Error("Failed to create user",
			zap.String("user_id", user.ID),
			zap.Error(err))
		return fmt.Errorf("failed to create user: %w", err)
	}

	util.Info("User created",
		zap.String("user_id", user.ID),
		zap.String("username", user.Username),
		zap.Int("user_bucket", user.UserBucket))

	return nil
}

func (r *UserRepositoryImpl) GetUserByID(ctx context.Context, userID string) (*models.User, error) {
	bucket := r.bucketing.UserBucket(userID)
	return r.scanUser(r.client.Query(
		`SELECT `+userColumns+` FROM users WHERE user_bucket = ? AND user_id = ?`,
		bucket, userID,
	).WithContext(ctx))
}

func (r *UserRepositoryImpl) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var userID string
	err := r.client.Query(
		`SELECT user_id FROM users_by_email WHERE email = ?`, email,
	).WithContext(ctx).Scan(&userID)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to look up email: %w", err)
	}
	return r.GetUserByID(ctx, userID)
}

func (r *UserRepositoryImpl) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var userID string
	err := r.client.Query(
		`SELECT user_id FROM users_by_username WHERE username = ?`, username,
	).WithContext(ctx).Scan(&userID)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to look up username: %w", err)
	}
	return r.GetUserByID(ctx, userID)
}

// ApplyUpdate merges the partial update into the stored record and returns
// the result. Identifier fields are not part of UserUpdate by construction.
func (r *UserRepositoryImpl) ApplyUpdate(ctx context.Context, userID string, upd *models.UserUpdate, now time.Time) (*models.User, error) {
	user, err := r.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	if upd.Role != nil {
		user.Role = *upd.Role
	}
	if upd.SubscriptionTier != nil {
		user.SubscriptionTier = *upd.SubscriptionTier
	}
	if upd.IsVerified != nil {
		user.IsVerified = *upd.IsVerified
	}
	user.UpdatedAt = now

	if err := r.client.Query(
		`UPDATE users SET role = ?, subscription_tier = ?, is_verified = ?, updated_at = ?
		 WHERE user_bucket = ? AND user_id = ?`,
		user.Role, user.SubscriptionTier, user.IsVerified, now,
		user.UserBucket, userID,
	).WithContext(ctx).Exec(); err != nil {
		util.Error("Failed to update user",
			zap.String("user_id", userID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to update user: %w", err)
	}

	return user, nil
}

func (r *UserRepositoryImpl) ReplacePreferences(ctx context.Context, userID string, prefs models.Preferences, now time.Time) (*models.User, error) {
	user, err := r.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	prefsJSON, err := json.Marshal(prefs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode preferences: %w", err)
	}

	if err := r.client.Query(
		`UPDATE users SET preferences = ?, updated_at = ?
		 WHERE user_bucket = ? AND user_id = ?`,
		string(prefsJSON), now, user.UserBucket, userID,
	).WithContext(ctx).Exec(); err != nil {
		return nil, fmt.Errorf("failed to replace preferences: %w", err)
	}

	user.Preferences = prefs
	user.UpdatedAt = now
	return user, nil
}

// RecordActivity bumps last_active and folds in the optional IP and device
// info. seen_ips is a CQL set, so repeated IPs deduplicate server-side; the
// device list is capped client-side with oldest-first eviction.
func (r *UserRepositoryImpl) RecordActivity(ctx context.Context, userID string, upd models.ActivityUpdate, deviceCap int, now time.Time) error {
	bucket := r.bucketing.UserBucket(userID)

	if upd.DeviceInfo == "" {
		stmt := `UPDATE users SET last_active = ?, updated_at = ? WHERE user_bucket = ? AND user_id = ?`
		args := []interface{}{now, now, bucket, userID}
		if upd.IP != "" {
			stmt = `UPDATE users SET last_active = ?, updated_at = ?, seen_ips = seen_ips + ?
				 WHERE user_bucket = ? AND user_id = ?`
			args = []interface{}{now, now, []string{upd.IP}, bucket, userID}
		}
		return r.client.Query(stmt, args...).WithContext(ctx).Exec()
	}

	// Device appends need the current list to enforce the cap.
	user, err := r.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}

	devices := appendDevice(user.Activity.Devices, upd.DeviceInfo, deviceCap)

	stmt := `UPDATE users SET last_active = ?, updated_at = ?, devices = ?
		 WHERE user_bucket = ? AND user_id = ?`
	args := []interface{}{now, now, devices, bucket, userID}
	if upd.IP != "" {
		stmt = `UPDATE users SET last_active = ?, updated_at = ?, devices = ?, seen_ips = seen_ips + ?
			 WHERE user_bucket = ? AND user_id = ?`
		args = []interface{}{now, now, devices, []string{upd.IP}, bucket, userID}
	}
	return r.client.Query(stmt, args...).WithContext(ctx).Exec()
}

func (r *UserRepositoryImpl) RecordLogin(ctx context.Context, userID, ip string, now time.Time) (*models.User, error) {
	user, err := r.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	user.Activity.LastLogin = &now
	user.Activity.LastActive = &now
	user.Activity.LoginCount++
	if ip != "" && !containsString(user.Activity.SeenIPs, ip) {
		user.Activity.SeenIPs = append(user.Activity.SeenIPs, ip)
	}
	user.UpdatedAt = now

	stmt := `UPDATE users SET last_login = ?, last_active = ?, login_count = ?, updated_at = ?
		 WHERE user_bucket = ? AND user_id = ?`
	args := []interface{}{now, now, user.Activity.LoginCount, now, user.UserBucket, userID}
	if ip != "" {
		stmt = `UPDATE users SET last_login = ?, last_active = ?, login_count = ?, updated_at = ?, seen_ips = seen_ips + ?
			 WHERE user_bucket = ? AND user_id = ?`
		args = []interface{}{now, now, user.Activity.LoginCount, now, []string{ip}, user.UserBucket, userID}
	}

	if err := r.client.Query(stmt, args...).WithContext(ctx).Exec(); err != nil {
		return nil, fmt.Errorf("failed to record login: %w", err)
	}
	return user, nil
}

func (r *UserRepositoryImpl) SetSecurityCounters(ctx context.Context, userID string, attempts int, lockedUntil *time.Time, now time.Time) error {
	bucket := r.bucketing.UserBucket(userID)
	if err := r.client.Query(
		`UPDATE users SET failed_login_attempts = ?, locked_until = ?, updated_at = ?
		 WHERE user_bucket = ? AND user_id = ?`,
		attempts, tsValue(lockedUntil), now, bucket, userID,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("failed to set security counters: %w", err)
	}
	return nil
}

func (r *UserRepositoryImpl) SetTwoFactor(ctx context.Context, userID string, enabled bool, secretEnvelope string, now time.Time) error {
	bucket := r.bucketing.UserBucket(userID)
	if err := r.client.Query(
		`UPDATE users SET two_factor_enabled = ?, two_factor_secret = ?, updated_at = ?
		 WHERE user_bucket = ? AND user_id = ?`,
		enabled, secretEnvelope, now, bucket, userID,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("failed to set two-factor state: %w", err)
	}
	return nil
}

// ListBucket returns every user in one partition bucket. Stats aggregation
// fans these calls out across buckets.
func (r *UserRepositoryImpl) ListBucket(ctx context.Context, bucket int) ([]*models.User, error) {
	iter := r.client.Query(
		`SELECT `+userColumns+` FROM users WHERE user_bucket = ?`, bucket,
	).WithContext(ctx).Iter()

	var users []*models.User
	for {
		user, ok := scanUserFromIter(iter)
		if !ok {
			break
		}
		users = append(users, user)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list bucket %d: %w", bucket, err)
	}
	return users, nil
}

func (r *UserRepositoryImpl) CountUsers(ctx context.Context) (int, error) {
	var count int
	if err := r.client.Query(`SELECT count(*) FROM users`).WithContext(ctx).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return count, nil
}

func (r *UserRepositoryImpl) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}

// ===================== scan helpers =====================

type userRow struct {
	prefsJSON         string
	twoFactorSecret   string
	lockedUntil       time.Time
	passwordChangedAt time.Time
	lastLogin         time.Time
	lastActive        time.Time
	lastTradeAt       time.Time
}

func (r *UserRepositoryImpl) scanUser(q *gocql.Query) (*models.User, error) {
	user := &models.User{}
	row := &userRow{}

	err := q.Scan(
		&user.UserBucket, &user.ID, &user.Email, &user.Username, &user.PasswordHash, &user.Role,
		&user.SubscriptionTier, &user.IsVerified, &row.prefsJSON, &user.Security.TwoFactorEnabled,
		&row.twoFactorSecret, &user.Security.FailedLoginAttempts, &row.lockedUntil, &row.passwordChangedAt,
		&row.lastLogin, &row.lastActive, &user.Activity.LoginCount, &user.Activity.SeenIPs, &user.Activity.Devices,
		&user.Trading.TotalTrades, &user.Trading.WinningTrades, &user.Trading.TotalPnL,
		&row.lastTradeAt, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}

	row.apply(user)
	return user, nil
}

func scanUserFromIter(iter *gocql.Iter) (*models.User, bool) {
	user := &models.User{}
	row := &userRow{}

	ok := iter.Scan(
		&user.UserBucket, &user.ID, &user.Email, &user.Username, &user.PasswordHash, &user.Role,
		&user.SubscriptionTier, &user.IsVerified, &row.prefsJSON, &user.Security.TwoFactorEnabled,
		&row.twoFactorSecret, &user.Security.FailedLoginAttempts, &row.lockedUntil, &row.passwordChangedAt,
		&row.lastLogin, &row.lastActive, &user.Activity.LoginCount, &user.Activity.SeenIPs, &user.Activity.Devices,
		&user.Trading.TotalTrades, &user.Trading.WinningTrades, &user.Trading.TotalPnL,
		&row.lastTradeAt, &user.CreatedAt, &user.UpdatedAt,
	)
	if !ok {
		return nil, false
	}

	row.apply(user)
	return user, true
}

func (row *userRow) apply(user *models.User) {
	if row.prefsJSON != "" {
		if err := json.Unmarshal([]byte(row.prefsJSON), &user.Preferences); err != nil {
			util.Warn("Failed to decode stored preferences, using defaults",
				zap.String("user_id", user.ID),
				zap.Error(err))
			user.Preferences = models.DefaultPreferences()
		}
	}
	user.Security.TwoFactorSecret = row.twoFactorSecret
	user.Security.LockedUntil = tsPtr(row.lockedUntil)
	user.Security.PasswordChangedAt = tsPtr(row.passwordChangedAt)
	user.Activity.LastLogin = tsPtr(row.lastLogin)
	user.Activity.LastActive = tsPtr(row.lastActive)
	user.Trading.LastTradeAt = tsPtr(row.lastTradeAt)
}

// appendDevice enforces the capped, oldest-evicted device history.
func appendDevice(devices []string, device string, limit int) []string {
	devices = append(devices, device)
	if limit > 0 && len(devices) > limit {
		devices = devices[len(devices)-limit:]
	}
	return devices
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// tsPtr maps Scylla's zero timestamp for null columns back to nil
func tsPtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// tsValue maps nil pointers to the zero timestamp for null columns
func tsValue(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
