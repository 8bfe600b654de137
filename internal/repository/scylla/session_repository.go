package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"realtime-service/internal/models"
	"realtime-service/internal/util"
)

const sessionColumns = `session_id, user_id, token, expires_at, is_active,
	ip, user_agent, device_id, created_at, last_seen_at`

// SessionRepositoryImpl persists sessions across four tables: sessions by id,
// sessions_by_token (LWT-claimed, tokens must be unique), sessions_by_user
// for per-user listing, and sessions_by_day which buckets rows by expiry day
// so the cleanup sweep can find expired sessions without a full scan.
type SessionRepositoryImpl struct {
	client *ScyllaClient
}

func NewSessionRepository(client *ScyllaClient) *SessionRepositoryImpl {
	return &SessionRepositoryImpl{client: client}
}

func (r *SessionRepositoryImpl) CreateSession(ctx context.Context, session *models.Session, expiryDay string) error {
	applied, err := r.client.Query(
		`INSERT INTO sessions_by_token (token, session_id, user_id) VALUES (?, ?, ?) IF NOT EXISTS`,
		session.Token, session.ID, session.UserID,
	).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to claim session token: %w", err)
	}
	if !applied {
		return fmt.Errorf("%w: session token", ErrDuplicate)
	}

	batch := r.client.Batch(gocql.LoggedBatch)
	batch = batch.WithContext(ctx)
	batch.Query(
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.UserID, session.Token, session.ExpiresAt, session.IsActive,
		session.IP, session.UserAgent, session.DeviceID, session.CreatedAt, session.LastSeenAt,
	)
	batch.Query(
		`INSERT INTO sessions_by_user (user_id, session_id, expires_at, is_active, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		session.UserID, session.ID, session.ExpiresAt, session.IsActive, session.CreatedAt,
	)
	batch.Query(
		`INSERT INTO sessions_by_day (expiry_day, session_id, user_id, token, expires_at)
		 VALUES (?, ?, ?, ?, ?)`,
		expiryDay, session.ID, session.UserID, session.Token, session.ExpiresAt,
	)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to persist session",
			zap.String("session_id", session.ID),
			zap.String("user_id", session.UserID),
			zap.Error(err))
		return fmt.Errorf("failed to create session: %w", err)
	}

	util.Info("Session created",
		zap.String("session_id", session.ID),
		zap.String("user_id", session.UserID),
		zap.Time("expires_at", session.ExpiresAt))

	return nil
}

func (r *SessionRepositoryImpl) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	session := &models.Session{}
	err := r.client.Query(
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID,
	).WithContext(ctx).Scan(
		&session.ID, &session.UserID, &session.Token, &session.ExpiresAt, &session.IsActive,
		&session.IP, &session.UserAgent, &session.DeviceID, &session.CreatedAt, &session.LastSeenAt,
	)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

func (r *SessionRepositoryImpl) GetSessionByToken(ctx context.Context, token string) (*models.Session, error) {
	var sessionID string
	err := r.client.Query(
		`SELECT session_id FROM sessions_by_token WHERE token = ?`, token,
	).WithContext(ctx).Scan(&sessionID)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to look up session token: %w", err)
	}
	return r.GetSession(ctx, sessionID)
}

func (r *SessionRepositoryImpl) GetUserSessions(ctx context.Context, userID string) ([]*models.Session, error) {
	iter := r.client.Query(
		`SELECT session_id FROM sessions_by_user WHERE user_id = ?`, userID,
	).WithContext(ctx).Iter()

	var ids []string
	var id string
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list user sessions: %w", err)
	}

	sessions := make([]*models.Session, 0, len(ids))
	for _, sessionID := range ids {
		session, err := r.GetSession(ctx, sessionID)
		if err != nil {
			if err == ErrNotFound {
				continue
			}
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

// MarkInactive flips a session to inactive. Returns false when the session
// does not exist or was already inactive, so callers can tell whether the
// call changed anything.
func (r *SessionRepositoryImpl) MarkInactive(ctx context.Context, sessionID string) (bool, error) {
	session, err := r.GetSession(ctx, sessionID)
	if err != nil {
		if err == ErrNotFound {
			return false, nil
		}
		return false, err
	}
	if !session.IsActive {
		return false, nil
	}

	batch := r.client.Batch(gocql.LoggedBatch)
	batch = batch.WithContext(ctx)
	batch.Query(`UPDATE sessions SET is_active = false WHERE session_id = ?`, sessionID)
	batch.Query(
		`UPDATE sessions_by_user SET is_active = false WHERE user_id = ? AND session_id = ?`,
		session.UserID, sessionID,
	)

	if err := r.client.ExecuteBatch(batch); err != nil {
		return false, fmt.Errorf("failed to mark session inactive: %w", err)
	}
	return true, nil
}

// MarkAllInactive invalidates every active session of one user and returns
// how many were flipped.
func (r *SessionRepositoryImpl) MarkAllInactive(ctx context.Context, userID string) (int, error) {
	sessions, err := r.GetUserSessions(ctx, userID)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, session := range sessions {
		if !session.IsActive {
			continue
		}
		changed, err := r.MarkInactive(ctx, session.ID)
		if err != nil {
			return count, err
		}
		if changed {
			count++
		}
	}
	return count, nil
}

// DeleteExpired removes sessions whose expiry falls within the given day
// buckets and has already passed. Rows for future expiries in the same day
// bucket are kept.
func (r *SessionRepositoryImpl) DeleteExpired(ctx context.Context, now time.Time, expiryDays []string) (int, error) {
	deleted := 0

	for _, day := range expiryDays {
		iter := r.client.Query(
			`SELECT session_id, user_id, token, expires_at FROM sessions_by_day WHERE expiry_day = ?`,
			day,
		).WithContext(ctx).Iter()

		type expiredRow struct {
			sessionID string
			userID    string
			token     string
		}
		var expired []expiredRow

		var sessionID, userID, token string
		var expiresAt time.Time
		for iter.Scan(&sessionID, &userID, &token, &expiresAt) {
			if expiresAt.After(now) {
				continue
			}
			expired = append(expired, expiredRow{sessionID: sessionID, userID: userID, token: token})
		}
		if err := iter.Close(); err != nil {
			return deleted, fmt.Errorf("failed to scan expiry day %s: %w", day, err)
		}

		for _, row := range expired {
			batch := r.client.Batch(gocql.LoggedBatch)
			batch = batch.WithContext(ctx)
			batch.Query(`DELETE FROM sessions WHERE session_id = ?`, row.sessionID)
			batch.Query(`DELETE FROM sessions_by_token WHERE token = ?`, row.token)
			batch.Query(
				`DELETE FROM sessions_by_user WHERE user_id = ? AND session_id = ?`,
				row.userID, row.sessionID,
			)
			batch.Query(
				`DELETE FROM sessions_by_day WHERE expiry_day = ? AND session_id = ?`,
				day, row.sessionID,
			)
			if err := r.client.ExecuteBatch(batch); err != nil {
				return deleted, fmt.Errorf("failed to delete expired session %s: %w", row.sessionID, err)
			}
			deleted++
		}
	}

	if deleted > 0 {
		util.Info("Expired sessions removed", zap.Int("count", deleted))
	}
	return deleted, nil
}

func (r *SessionRepositoryImpl) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}
