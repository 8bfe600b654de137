package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realtime-service/internal/bucketing"
	"realtime-service/internal/config"
	"realtime-service/internal/encryption"
	"realtime-service/internal/hashing"
	"realtime-service/internal/models"
	"realtime-service/internal/repository/scylla"
)

func testConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		Auth: config.AuthConfig{
			JWTSecret:        "test-secret",
			SessionTTL:       time.Hour,
			MaxLoginAttempts: 3,
			LockDuration:     30 * time.Minute,
			LoginCounterTTL:  time.Hour,
		},
		Directory: config.DirectoryConfig{
			DeviceHistoryLimit:  3,
			ActiveWindow:        5 * time.Minute,
			SessionSweepHorizon: 48 * time.Hour,
			StatsConcurrency:    4,
		},
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  8 * 1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
		},
		Bucketing: config.BucketingConfig{UserBuckets: 4},
	}
}

// ===================== fakes =====================

type fakeUserRepo struct {
	mu         sync.Mutex
	users      map[string]*models.User
	byEmail    map[string]string
	byUsername map[string]string
	buckets    *bucketing.BucketingManager
}

func newFakeUserRepo(buckets *bucketing.BucketingManager) *fakeUserRepo {
	return &fakeUserRepo{
		users:      make(map[string]*models.User),
		byEmail:    make(map[string]string),
		byUsername: make(map[string]string),
		buckets:    buckets,
	}
}

func cloneUser(u *models.User) *models.User {
	c := *u
	c.Activity.SeenIPs = append([]string(nil), u.Activity.SeenIPs...)
	c.Activity.Devices = append([]string(nil), u.Activity.Devices...)
	return &c
}

func (r *fakeUserRepo) CreateUser(_ context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byEmail[user.Email]; ok {
		return fmt.Errorf("%w: email", scylla.ErrDuplicate)
	}
	if _, ok := r.byUsername[user.Username]; ok {
		return fmt.Errorf("%w: username", scylla.ErrDuplicate)
	}
	user.UserBucket = r.buckets.UserBucket(user.ID)
	r.users[user.ID] = cloneUser(user)
	r.byEmail[user.Email] = user.ID
	r.byUsername[user.Username] = user.ID
	return nil
}

func (r *fakeUserRepo) GetUserByID(_ context.Context, userID string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return nil, scylla.ErrNotFound
	}
	return cloneUser(u), nil
}

func (r *fakeUserRepo) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	r.mu.Lock()
	id, ok := r.byEmail[email]
	r.mu.Unlock()
	if !ok {
		return nil, scylla.ErrNotFound
	}
	return r.GetUserByID(ctx, id)
}

func (r *fakeUserRepo) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	r.mu.Lock()
	id, ok := r.byUsername[username]
	r.mu.Unlock()
	if !ok {
		return nil, scylla.ErrNotFound
	}
	return r.GetUserByID(ctx, id)
}

func (r *fakeUserRepo) ApplyUpdate(_ context.Context, userID string, upd *models.UserUpdate, now time.Time) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return nil, scylla.ErrNotFound
	}
	if upd.Role != nil {
		u.Role = *upd.Role
	}
	if upd.SubscriptionTier != nil {
		u.SubscriptionTier = *upd.SubscriptionTier
	}
	if upd.IsVerified != nil {
		u.IsVerified = *upd.IsVerified
	}
	u.UpdatedAt = now
	return cloneUser(u), nil
}

func (r *fakeUserRepo) ReplacePreferences(_ context.Context, userID string, prefs models.Preferences, now time.Time) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return nil, scylla.ErrNotFound
	}
	u.Preferences = prefs
	u.UpdatedAt = now
	return cloneUser(u), nil
}

func (r *fakeUserRepo) RecordActivity(_ context.Context, userID string, upd models.ActivityUpdate, deviceCap int, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return scylla.ErrNotFound
	}
	u.Activity.LastActive = &now
	if upd.IP != "" && !contains(u.Activity.SeenIPs, upd.IP) {
		u.Activity.SeenIPs = append(u.Activity.SeenIPs, upd.IP)
	}
	if upd.DeviceInfo != "" {
		u.Activity.Devices = append(u.Activity.Devices, upd.DeviceInfo)
		if len(u.Activity.Devices) > deviceCap {
			u.Activity.Devices = u.Activity.Devices[len(u.Activity.Devices)-deviceCap:]
		}
	}
	u.UpdatedAt = now
	return nil
}

func (r *fakeUserRepo) RecordLogin(_ context.Context, userID, ip string, now time.Time) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return nil, scylla.ErrNotFound
	}
	u.Activity.LastLogin = &now
	u.Activity.LastActive = &now
	u.Activity.LoginCount++
	if ip != "" && !contains(u.Activity.SeenIPs, ip) {
		u.Activity.SeenIPs = append(u.Activity.SeenIPs, ip)
	}
	u.UpdatedAt = now
	return cloneUser(u), nil
}

func (r *fakeUserRepo) SetSecurityCounters(_ context.Context, userID string, attempts int, lockedUntil *time.Time, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return scylla.ErrNotFound
	}
	u.Security.FailedLoginAttempts = attempts
	u.Security.LockedUntil = lockedUntil
	u.UpdatedAt = now
	return nil
}

func (r *fakeUserRepo) SetTwoFactor(_ context.Context, userID string, enabled bool, secretEnvelope string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return scylla.ErrNotFound
	}
	u.Security.TwoFactorEnabled = enabled
	u.Security.TwoFactorSecret = secretEnvelope
	u.UpdatedAt = now
	return nil
}

func (r *fakeUserRepo) ListBucket(_ context.Context, bucket int) ([]*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.User
	for _, u := range r.users {
		if r.buckets.UserBucket(u.ID) == bucket {
			out = append(out, cloneUser(u))
		}
	}
	return out, nil
}

func (r *fakeUserRepo) CountUsers(_ context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users), nil
}

func (r *fakeUserRepo) HealthCheck(context.Context) error { return nil }

type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	byToken  map[string]string
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{
		sessions: make(map[string]*models.Session),
		byToken:  make(map[string]string),
	}
}

func (r *fakeSessionRepo) CreateSession(_ context.Context, session *models.Session, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byToken[session.Token]; ok {
		return scylla.ErrDuplicate
	}
	cp := *session
	r.sessions[session.ID] = &cp
	r.byToken[session.Token] = session.ID
	return nil
}

func (r *fakeSessionRepo) GetSession(_ context.Context, sessionID string) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, scylla.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *fakeSessionRepo) GetSessionByToken(ctx context.Context, token string) (*models.Session, error) {
	r.mu.Lock()
	id, ok := r.byToken[token]
	r.mu.Unlock()
	if !ok {
		return nil, scylla.ErrNotFound
	}
	return r.GetSession(ctx, id)
}

func (r *fakeSessionRepo) GetUserSessions(_ context.Context, userID string) ([]*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Session
	for _, s := range r.sessions {
		if s.UserID == userID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeSessionRepo) MarkInactive(_ context.Context, sessionID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok || !s.IsActive {
		return false, nil
	}
	s.IsActive = false
	return true, nil
}

func (r *fakeSessionRepo) MarkAllInactive(_ context.Context, userID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, s := range r.sessions {
		if s.UserID == userID && s.IsActive {
			s.IsActive = false
			count++
		}
	}
	return count, nil
}

func (r *fakeSessionRepo) DeleteExpired(_ context.Context, now time.Time, _ []string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for id, s := range r.sessions {
		if !s.ExpiresAt.After(now) {
			delete(r.sessions, id)
			delete(r.byToken, s.Token)
			count++
		}
	}
	return count, nil
}

func (r *fakeSessionRepo) HealthCheck(context.Context) error { return nil }

type fakeCache struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	failures map[string]int64
	active   map[string]time.Time
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		sessions: make(map[string]*models.Session),
		failures: make(map[string]int64),
		active:   make(map[string]time.Time),
	}
}

func (c *fakeCache) CacheSession(_ context.Context, session *models.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *session
	c.sessions[session.Token] = &cp
	return nil
}

func (c *fakeCache) GetCachedSession(_ context.Context, token string) (*models.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[token]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (c *fakeCache) DropCachedSession(_ context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, token)
	return nil
}

func (c *fakeCache) IncrLoginFailures(_ context.Context, userID string, _ time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[userID]++
	return c.failures[userID], nil
}

func (c *fakeCache) ResetLoginFailures(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.failures, userID)
	return nil
}

func (c *fakeCache) TouchActive(_ context.Context, userID string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[userID] = at
	return nil
}

func (c *fakeCache) ActiveUserIDs(_ context.Context, since time.Time, _ int64) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for id, at := range c.active {
		if !at.Before(since) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (c *fakeCache) CountActive(_ context.Context, since time.Time) (int64, error) {
	ids, _ := c.ActiveUserIDs(context.Background(), since, 0)
	return int64(len(ids)), nil
}

func (c *fakeCache) PruneActive(_ context.Context, before time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	for id, at := range c.active {
		if at.Before(before) {
			delete(c.active, id)
			n++
		}
	}
	return n, nil
}

func (c *fakeCache) HealthCheck(context.Context) error { return nil }

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// ===================== harness =====================

type testEnv struct {
	dir      *Directory
	users    *fakeUserRepo
	sessions *fakeSessionRepo
	cache    *fakeCache
	cfg      *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := testConfig()
	buckets := bucketing.NewBucketingManager(cfg)
	users := newFakeUserRepo(buckets)
	sessions := newFakeSessionRepo()
	cache := newFakeCache()

	dir := NewDirectory(
		users, sessions, cache, NewNotifier(),
		hashing.NewHasher(cfg),
		encryption.NewManager(cfg, nil),
		buckets, nil, cfg,
	)
	return &testEnv{dir: dir, users: users, sessions: sessions, cache: cache, cfg: cfg}
}

func mustCreateUser(t *testing.T, env *testEnv, email, username string) *models.User {
	t.Helper()
	user, err := env.dir.CreateUser(context.Background(), UserCreate{
		Email:    email,
		Username: username,
		Password: "correct-horse-battery",
	})
	require.NoError(t, err)
	return user
}

// ===================== user tests =====================

func TestCreateUserDefaults(t *testing.T) {
	env := newTestEnv(t)

	var created []models.UserEvent
	env.dir.Notifier().OnUserEvent(func(ev models.UserEvent) {
		created = append(created, ev)
	})

	user := mustCreateUser(t, env, "Trader@Example.COM", "trader1")

	assert.Equal(t, "trader@example.com", user.Email)
	assert.Equal(t, models.RoleUser, user.Role)
	assert.Equal(t, models.TierFree, user.SubscriptionTier)
	assert.False(t, user.IsVerified)
	assert.Equal(t, "BTC/USDT", user.Preferences.Trading.DefaultPair)
	assert.True(t, user.Preferences.Trading.PaperTrading)
	assert.NotEmpty(t, user.PasswordHash)
	assert.NotEqual(t, "correct-horse-battery", user.PasswordHash)

	require.Len(t, created, 1)
	assert.Equal(t, models.EventUserCreated, created[0].Type)
	assert.Equal(t, user.ID, created[0].UserID)
}

func TestCreateUserDuplicateIdentity(t *testing.T) {
	env := newTestEnv(t)
	mustCreateUser(t, env, "a@example.com", "trader1")

	_, err := env.dir.CreateUser(context.Background(), UserCreate{
		Email:    "a@example.com",
		Username: "someoneelse",
		Password: "correct-horse-battery",
	})
	assert.ErrorIs(t, err, ErrDuplicateIdentity)

	_, err = env.dir.CreateUser(context.Background(), UserCreate{
		Email:    "b@example.com",
		Username: "trader1",
		Password: "correct-horse-battery",
	})
	assert.ErrorIs(t, err, ErrDuplicateIdentity)
}

func TestCreateUserValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.dir.CreateUser(ctx, UserCreate{Email: "not-an-email", Username: "trader1", Password: "longenough"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = env.dir.CreateUser(ctx, UserCreate{Email: "a@example.com", Username: "x", Password: "longenough"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = env.dir.CreateUser(ctx, UserCreate{Email: "a@example.com", Username: "trader1", Password: "short"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestGetUserMissingReturnsNil(t *testing.T) {
	env := newTestEnv(t)

	user, err := env.dir.GetUserByID(context.Background(), "no-such-user")
	require.NoError(t, err)
	assert.Nil(t, user)

	user, err = env.dir.GetUserByEmail(context.Background(), "nobody@example.com")
	require.NoError(t, err)
	assert.Nil(t, user)
}

func TestUpdateUser(t *testing.T) {
	env := newTestEnv(t)
	user := mustCreateUser(t, env, "a@example.com", "trader1")

	var events []models.UserEvent
	env.dir.Notifier().OnUserEvent(func(ev models.UserEvent) { events = append(events, ev) })

	tier := models.TierPro
	verified := true
	updated, err := env.dir.UpdateUser(context.Background(), user.ID, &models.UserUpdate{
		SubscriptionTier: &tier,
		IsVerified:       &verified,
	})
	require.NoError(t, err)
	assert.Equal(t, models.TierPro, updated.SubscriptionTier)
	assert.True(t, updated.IsVerified)
	assert.Equal(t, user.Email, updated.Email)

	require.Len(t, events, 1)
	assert.Equal(t, models.EventUserUpdated, events[0].Type)

	_, err = env.dir.UpdateUser(context.Background(), "no-such-user", &models.UserUpdate{IsVerified: &verified})
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestUpdateUserActivity(t *testing.T) {
	env := newTestEnv(t)
	user := mustCreateUser(t, env, "a@example.com", "trader1")
	ctx := context.Background()

	// Repeated IPs deduplicate.
	require.NoError(t, env.dir.UpdateUserActivity(ctx, user.ID, models.ActivityUpdate{IP: "10.0.0.1"}))
	require.NoError(t, env.dir.UpdateUserActivity(ctx, user.ID, models.ActivityUpdate{IP: "10.0.0.1"}))
	require.NoError(t, env.dir.UpdateUserActivity(ctx, user.ID, models.ActivityUpdate{IP: "10.0.0.2"}))

	got, err := env.dir.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, got.Activity.SeenIPs)
	assert.NotNil(t, got.Activity.LastActive)

	// Device history is capped with oldest-first eviction (cap 3 in tests).
	for i := 1; i <= 5; i++ {
		require.NoError(t, env.dir.UpdateUserActivity(ctx, user.ID, models.ActivityUpdate{
			DeviceInfo: fmt.Sprintf("device-%d", i),
		}))
	}
	got, err = env.dir.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"device-3", "device-4", "device-5"}, got.Activity.Devices)

	// Missing user is not an error.
	assert.NoError(t, env.dir.UpdateUserActivity(ctx, "no-such-user", models.ActivityUpdate{IP: "10.0.0.9"}))
}

func TestUpdateUserPreferences(t *testing.T) {
	env := newTestEnv(t)
	user := mustCreateUser(t, env, "a@example.com", "trader1")

	var events []models.UserEvent
	env.dir.Notifier().OnUserEvent(func(ev models.UserEvent) { events = append(events, ev) })

	prefs := models.DefaultPreferences()
	prefs.UI.Theme = "light"
	prefs.Trading.DefaultPair = "ETH/USDT"

	updated, err := env.dir.UpdateUserPreferences(context.Background(), user.ID, prefs)
	require.NoError(t, err)
	assert.Equal(t, "light", updated.Preferences.UI.Theme)
	assert.Equal(t, "ETH/USDT", updated.Preferences.Trading.DefaultPair)

	require.Len(t, events, 1)
	assert.Equal(t, models.EventUserPreferencesUpdated, events[0].Type)
}

// ===================== lockout tests =====================

func TestLockUserEmitsEvent(t *testing.T) {
	env := newTestEnv(t)
	user := mustCreateUser(t, env, "a@example.com", "trader1")

	var locked []models.UserEvent
	env.dir.Notifier().OnUserEvent(func(ev models.UserEvent) {
		if ev.Type == models.EventUserLocked {
			locked = append(locked, ev)
		}
	})

	require.NoError(t, env.dir.LockUser(context.Background(), user.ID, 0))

	require.Len(t, locked, 1)
	require.NotNil(t, locked[0].LockedUntil)
	expected := time.Now().UTC().Add(env.cfg.Auth.LockDuration)
	assert.WithinDuration(t, expected, *locked[0].LockedUntil, 5*time.Second)

	got, err := env.dir.GetUserByID(context.Background(), user.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Security.LockedUntil)
}

func TestAuthenticateLockoutAfterRepeatedFailures(t *testing.T) {
	env := newTestEnv(t)
	user := mustCreateUser(t, env, "a@example.com", "trader1")
	ctx := context.Background()

	for i := 0; i < env.cfg.Auth.MaxLoginAttempts; i++ {
		_, _, err := env.dir.Authenticate(ctx, "a@example.com", "wrong-password", "10.0.0.1", "ua", "")
		assert.ErrorIs(t, err, ErrInvalidCredential)
	}

	// Threshold reached: the account is locked even with the right password.
	_, _, err := env.dir.Authenticate(ctx, "a@example.com", "correct-horse-battery", "10.0.0.1", "ua", "")
	assert.ErrorIs(t, err, ErrAccountLocked)

	got, err := env.dir.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Security.LockedUntil)
	assert.True(t, got.Security.LockedUntil.After(time.Now().UTC()))
}

func TestAuthenticateSuccessResetsCountersAndIssuesSession(t *testing.T) {
	env := newTestEnv(t)
	created := mustCreateUser(t, env, "a@example.com", "trader1")
	ctx := context.Background()

	_, _, err := env.dir.Authenticate(ctx, "a@example.com", "wrong-password", "10.0.0.1", "ua", "")
	require.ErrorIs(t, err, ErrInvalidCredential)

	user, session, err := env.dir.Authenticate(ctx, "a@example.com", "correct-horse-battery", "10.0.0.1", "ua", "dev-1")
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, created.ID, user.ID)
	assert.Equal(t, created.ID, session.UserID)
	assert.True(t, session.IsActive)
	assert.NotEmpty(t, session.Token)
	assert.Equal(t, 1, user.Activity.LoginCount)

	got, err := env.dir.GetUserByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Security.FailedLoginAttempts)
	assert.Nil(t, got.Security.LockedUntil)

	// Username works as the identifier too.
	_, session2, err := env.dir.Authenticate(ctx, "trader1", "correct-horse-battery", "10.0.0.1", "ua", "")
	require.NoError(t, err)
	assert.NotEqual(t, session.ID, session2.ID)
}

func TestAuthenticateUnknownIdentifier(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.dir.Authenticate(context.Background(), "nobody@example.com", "whatever-pw", "", "", "")
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

// ===================== two-factor tests =====================

func TestTwoFactorSecretNeverStoredInPlaintext(t *testing.T) {
	env := newTestEnv(t)
	user := mustCreateUser(t, env, "a@example.com", "trader1")
	ctx := context.Background()

	const secret = "JBSWY3DPEHPK3PXP"
	require.NoError(t, env.dir.EnableTwoFactor(ctx, user.ID, secret))

	got, err := env.dir.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, got.Security.TwoFactorEnabled)
	assert.NotEmpty(t, got.Security.TwoFactorSecret)
	assert.NotContains(t, got.Security.TwoFactorSecret, secret)

	require.NoError(t, env.dir.DisableTwoFactor(ctx, user.ID))
	got, err = env.dir.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, got.Security.TwoFactorEnabled)
	assert.Empty(t, got.Security.TwoFactorSecret)
}

// ===================== session tests =====================

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	user := mustCreateUser(t, env, "a@example.com", "trader1")
	ctx := context.Background()

	session, err := env.dir.CreateSession(ctx, models.SessionCreate{UserID: user.ID, IP: "10.0.0.1"})
	require.NoError(t, err)
	assert.True(t, session.IsActive)

	byToken, err := env.dir.GetSessionByToken(ctx, session.Token)
	require.NoError(t, err)
	require.NotNil(t, byToken)
	assert.Equal(t, session.ID, byToken.ID)

	changed, err := env.dir.InvalidateSession(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	// Second invalidation reports nothing changed.
	changed, err = env.dir.InvalidateSession(ctx, session.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	// An inactive session no longer resolves by token.
	byToken, err = env.dir.GetSessionByToken(ctx, session.Token)
	require.NoError(t, err)
	assert.Nil(t, byToken)
}

func TestCreateSessionUnknownUser(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.dir.CreateSession(context.Background(), models.SessionCreate{UserID: "no-such-user"})
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestInvalidateAllUserSessions(t *testing.T) {
	env := newTestEnv(t)
	user := mustCreateUser(t, env, "a@example.com", "trader1")
	ctx := context.Background()

	var events []models.SessionEvent
	env.dir.Notifier().OnSessionEvent(func(ev models.SessionEvent) { events = append(events, ev) })

	for i := 0; i < 3; i++ {
		_, err := env.dir.CreateSession(ctx, models.SessionCreate{UserID: user.ID})
		require.NoError(t, err)
	}

	count, err := env.dir.InvalidateAllUserSessions(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	// Invalidated sessions are no longer listed.
	sessions, err := env.dir.GetUserSessions(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, sessions)

	var allInvalidated int
	for _, ev := range events {
		if ev.Type == models.EventAllUserSessionsInvalidated {
			allInvalidated++
		}
	}
	assert.Equal(t, 1, allInvalidated)

	// Nothing left to invalidate, no further event.
	count, err = env.dir.InvalidateAllUserSessions(ctx, user.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestGetUserSessionsListsOnlyLive(t *testing.T) {
	env := newTestEnv(t)
	user := mustCreateUser(t, env, "a@example.com", "trader1")
	ctx := context.Background()

	live, err := env.dir.CreateSession(ctx, models.SessionCreate{UserID: user.ID, TTL: time.Hour})
	require.NoError(t, err)

	// Expired but still flagged active: the sweep has not run yet.
	expired := &models.Session{
		ID:        "expired-1",
		UserID:    user.ID,
		Token:     "expired-token",
		ExpiresAt: time.Now().UTC().Add(-time.Minute),
		IsActive:  true,
		CreatedAt: time.Now().UTC().Add(-2 * time.Hour),
	}
	require.NoError(t, env.sessions.CreateSession(ctx, expired, ""))

	sessions, err := env.dir.GetUserSessions(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, live.ID, sessions[0].ID)

	_, err = env.dir.InvalidateAllUserSessions(ctx, user.ID)
	require.NoError(t, err)

	sessions, err = env.dir.GetUserSessions(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestCleanupExpiredSessions(t *testing.T) {
	env := newTestEnv(t)
	user := mustCreateUser(t, env, "a@example.com", "trader1")
	ctx := context.Background()

	live, err := env.dir.CreateSession(ctx, models.SessionCreate{UserID: user.ID, TTL: time.Hour})
	require.NoError(t, err)

	expired := &models.Session{
		ID:        "expired-1",
		UserID:    user.ID,
		Token:     "expired-token",
		ExpiresAt: time.Now().UTC().Add(-time.Hour),
		IsActive:  true,
		CreatedAt: time.Now().UTC().Add(-2 * time.Hour),
	}
	require.NoError(t, env.sessions.CreateSession(ctx, expired, ""))

	deleted, err := env.dir.CleanupExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	remaining, err := env.dir.GetUserSessions(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, live.ID, remaining[0].ID)
}

// ===================== aggregate tests =====================

func TestGetUserStats(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	u1 := mustCreateUser(t, env, "a@example.com", "trader1")
	mustCreateUser(t, env, "b@example.com", "trader2")
	mustCreateUser(t, env, "c@example.com", "trader3")

	verified := true
	tier := models.TierPro
	_, err := env.dir.UpdateUser(ctx, u1.ID, &models.UserUpdate{IsVerified: &verified, SubscriptionTier: &tier})
	require.NoError(t, err)

	stats, err := env.dir.GetUserStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalUsers)
	assert.Equal(t, 1, stats.VerifiedUsers)
	assert.Equal(t, 3, stats.ByRole[models.RoleUser])
	assert.Equal(t, 1, stats.ByTier[models.TierPro])
	assert.Equal(t, 2, stats.ByTier[models.TierFree])
	assert.Equal(t, 3, stats.SignupsLast7d)
}

func TestGetActiveUsers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	u1 := mustCreateUser(t, env, "a@example.com", "trader1")
	mustCreateUser(t, env, "b@example.com", "trader2")

	require.NoError(t, env.dir.UpdateUserActivity(ctx, u1.ID, models.ActivityUpdate{}))

	active, err := env.dir.GetActiveUsers(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, u1.ID, active[0].ID)
}

func TestHealthCheckReportsCounts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	u1 := mustCreateUser(t, env, "a@example.com", "trader1")
	require.NoError(t, env.dir.UpdateUserActivity(ctx, u1.ID, models.ActivityUpdate{}))

	status := env.dir.HealthCheck(ctx)
	assert.Equal(t, "healthy", status.Status)
	assert.True(t, status.StoreConnected)
	assert.True(t, status.CacheConnected)
	assert.Equal(t, 1, status.TotalUsers)
	assert.Equal(t, 1, status.ActiveUsers)
}

// ===================== sanitize tests =====================

func TestSanitizeStripsCredentials(t *testing.T) {
	env := newTestEnv(t)
	user := mustCreateUser(t, env, "a@example.com", "trader1")
	require.NoError(t, env.dir.EnableTwoFactor(context.Background(), user.ID, "JBSWY3DPEHPK3PXP"))

	got, err := env.dir.GetUserByID(context.Background(), user.ID)
	require.NoError(t, err)

	sanitized := got.Sanitize()
	assert.Equal(t, got.ID, sanitized.ID)
	assert.Equal(t, got.Email, sanitized.Email)
	assert.True(t, sanitized.TwoFactorEnabled)

	// The wire shape carries neither the credential hash nor the 2FA secret.
	raw := fmt.Sprintf("%+v", sanitized)
	assert.NotContains(t, raw, got.PasswordHash)
	assert.NotContains(t, raw, got.Security.TwoFactorSecret)
}
