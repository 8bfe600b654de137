package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"realtime-service/internal/config"
	"realtime-service/internal/models"
	"realtime-service/internal/service"
	"realtime-service/internal/util"
)

// Directory is the slice of the directory store the gateway depends on.
// Narrow by intent: tests substitute a fake.
type Directory interface {
	GetUserByID(ctx context.Context, userID string) (*models.User, error)
	UpdateUserActivity(ctx context.Context, userID string, upd models.ActivityUpdate) error
	UpdateUserPreferences(ctx context.Context, userID string, prefs models.Preferences) (*models.User, error)
	GetUserStats(ctx context.Context) (*models.UserStats, error)
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	GetUserSessions(ctx context.Context, userID string) ([]*models.Session, error)
	InvalidateSession(ctx context.Context, sessionID string) (bool, error)
	CleanupExpiredSessions(ctx context.Context) (int, error)
}

// Gateway terminates websocket connections, binds them to verified users,
// routes channel subscriptions, and relays directory change notifications
// to the affected connections.
type Gateway struct {
	config    *config.Config
	directory Directory
	notifier  *service.Notifier
	verifier  *TokenVerifier
	registry  *Registry
	upgrader  websocket.Upgrader

	unsubs []func()
	done   chan struct{}
}

func NewGateway(cfg *config.Config, directory Directory, notifier *service.Notifier, verifier *TokenVerifier) *Gateway {
	g := &Gateway{
		config:    cfg,
		directory: directory,
		notifier:  notifier,
		verifier:  verifier,
		registry:  NewRegistry(),
		done:      make(chan struct{}),
	}

	allowedOrigin := cfg.Gateway.AllowedOrigin
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if allowedOrigin == "*" {
				return true
			}
			return r.Header.Get("Origin") == allowedOrigin
		},
	}
	return g
}

// Registry exposes the connection arena for diagnostics endpoints.
func (g *Gateway) Registry() *Registry {
	return g.registry
}

// Start subscribes to directory notifications and launches the background
// sweeps. Call Stop to undo both.
func (g *Gateway) Start() {
	g.unsubs = append(g.unsubs,
		g.notifier.OnUserEvent(g.relayUserEvent),
		g.notifier.OnSessionEvent(g.relaySessionEvent),
	)

	go g.supervise("idle-sweep", g.config.Gateway.IdleSweepInterval, g.sweepIdle)
	go g.supervise("session-sweep", g.config.Gateway.SessionSweepInterval, g.sweepSessions)

	util.Info("Gateway started",
		zap.Duration("idle_timeout", g.config.Gateway.IdleTimeout),
		zap.Duration("idle_sweep_interval", g.config.Gateway.IdleSweepInterval))
}

// Stop unsubscribes from notifications and closes every live connection.
func (g *Gateway) Stop() {
	close(g.done)
	for _, unsub := range g.unsubs {
		unsub()
	}
	g.unsubs = nil

	for _, c := range g.registry.Subscribers(ChannelAuthenticated) {
		c.Close()
	}
	util.Info("Gateway stopped")
}

// ===================== connection lifecycle =====================

// HandleWebSocket authenticates the handshake before upgrading, then binds
// the connection and serves it until it dies. The token travels in the
// `token` query parameter or an Authorization bearer header; a locked
// account is refused outright.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	userID, err := g.verifier.Verify(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	user, err := g.directory.GetUserByID(r.Context(), userID)
	if err != nil {
		http.Error(w, "directory unavailable", http.StatusServiceUnavailable)
		return
	}
	if user == nil {
		http.Error(w, "unknown user", http.StatusUnauthorized)
		return
	}

	now := time.Now().UTC()
	if user.Security.LockedUntil != nil && user.Security.LockedUntil.After(now) {
		http.Error(w, "account locked", http.StatusForbidden)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(
		uuid.New().String(),
		userID,
		conn,
		r.RemoteAddr,
		r.UserAgent(),
		r.Header.Get("Origin"),
		g.config.Gateway.SendBufferSize,
		now,
	)

	// Snapshot before joining the registry so nothing can queue ahead of
	// the initial-data message.
	snapshot := g.initialSnapshot(user)

	first := g.registry.Add(client)
	g.registry.Join(client.ConnID, ChannelAuthenticated)
	g.registry.Join(client.ConnID, UserChannel(userID))

	go client.writePump(g)

	client.Send(ServerMessage{
		Type:    EventInitialData,
		Payload: snapshot,
	})

	if err := g.directory.UpdateUserActivity(context.Background(), userID, models.ActivityUpdate{
		IP:     client.IP,
		Action: "websocket_connect",
	}); err != nil {
		util.Warn("Failed to record connect activity",
			zap.String("user_id", userID),
			zap.Error(err))
	}

	if first {
		g.broadcast(ChannelAuthenticated, ServerMessage{
			Type:    EventUserOnline,
			Payload: map[string]string{"userId": userID},
		})
	}

	util.Info("Websocket connected",
		zap.String("conn_id", client.ConnID),
		zap.String("user_id", userID),
		zap.Int("connections", g.registry.Count()))

	client.readPump(g, func() { g.removeClient(client) })
}

// bearerToken pulls the handshake token from the `token` query parameter or
// an `Authorization: Bearer` header. Browser clients cannot set headers on a
// websocket dial, so the query form stays the primary one.
func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// initialSnapshot composes the first message of a connection. Sessions and
// stats are best-effort: a partial snapshot beats a refused connection.
func (g *Gateway) initialSnapshot(user *models.User) InitialData {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sessions, err := g.directory.GetUserSessions(ctx, user.ID)
	if err != nil {
		util.Warn("Failed to load sessions for initial snapshot",
			zap.String("user_id", user.ID),
			zap.Error(err))
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}

	stats, err := g.directory.GetUserStats(ctx)
	if err != nil {
		util.Warn("Failed to load stats for initial snapshot",
			zap.String("user_id", user.ID),
			zap.Error(err))
	}

	return InitialData{
		User:     user.Sanitize(),
		Sessions: sessions,
		Stats:    stats,
	}
}

// removeClient is the single teardown path: every disconnect, local or
// swept, converges here via the readPump exit.
func (g *Gateway) removeClient(client *Client) {
	c, last := g.registry.Remove(client.ConnID)
	if c == nil {
		return
	}
	close(c.send)
	c.Close()

	if err := g.directory.UpdateUserActivity(context.Background(), c.UserID, models.ActivityUpdate{
		Action: "websocket_disconnect",
	}); err != nil {
		util.Warn("Failed to record disconnect activity",
			zap.String("user_id", c.UserID),
			zap.Error(err))
	}

	if last {
		g.broadcast(ChannelAuthenticated, ServerMessage{
			Type:    EventUserOffline,
			Payload: map[string]string{"userId": c.UserID},
		})
	}

	util.Info("Websocket disconnected",
		zap.String("conn_id", c.ConnID),
		zap.String("user_id", c.UserID),
		zap.Int("connections", g.registry.Count()))
}

// ===================== client messages =====================

func (g *Gateway) handleMessage(c *Client, msg ClientMessage) {
	ctx := context.Background()

	switch msg.Type {
	case MsgPing:
		c.Send(ServerMessage{
			Type:    EventPong,
			Payload: map[string]interface{}{"timestamp": time.Now().UTC()},
		})

	case MsgSubscribe:
		// Disallowed channels are skipped without an error reply; the
		// client learns what it got from the subscribed confirmations.
		for _, channel := range msg.ChannelList() {
			if !CanSubscribe(c.UserID, channel) {
				continue
			}
			g.registry.Join(c.ConnID, channel)
			c.Send(ServerMessage{Type: EventSubscribed, Channel: channel})
		}

	case MsgUnsubscribe:
		for _, channel := range msg.ChannelList() {
			g.registry.Leave(c.ConnID, channel)
			c.Send(ServerMessage{Type: EventUnsubscribed, Channel: channel})
		}

	case MsgUpdatePreferences:
		var prefs models.Preferences
		if err := json.Unmarshal(msg.Payload, &prefs); err != nil {
			c.Send(errorMessage("malformed preferences payload"))
			return
		}
		if _, err := g.directory.UpdateUserPreferences(ctx, c.UserID, prefs); err != nil {
			c.Send(errorMessage("failed to update preferences"))
			return
		}
		// The confirmation reaches the client through the notification relay.

	case MsgGetStats:
		stats, err := g.directory.GetUserStats(ctx)
		if err != nil {
			c.Send(errorMessage("failed to compute stats"))
			return
		}
		c.Send(ServerMessage{Type: EventUserStats, Payload: stats})

	case MsgGetSessions:
		sessions, err := g.directory.GetUserSessions(ctx, c.UserID)
		if err != nil {
			c.Send(errorMessage("failed to list sessions"))
			return
		}
		c.Send(ServerMessage{Type: EventUserSessions, Payload: sessions})

	case MsgInvalidateSession:
		var payload struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.SessionID == "" {
			c.Send(errorMessage("malformed session payload"))
			return
		}
		session, err := g.directory.GetSession(ctx, payload.SessionID)
		if err != nil {
			c.Send(errorMessage("failed to load session"))
			return
		}
		if session == nil || session.UserID != c.UserID {
			c.Send(errorMessage("session not found"))
			return
		}
		if _, err := g.directory.InvalidateSession(ctx, payload.SessionID); err != nil {
			c.Send(errorMessage("failed to invalidate session"))
			return
		}

	default:
		c.Send(errorMessage("unknown message type: " + msg.Type))
	}
}

// ===================== notification relay =====================

// relayUserEvent forwards directory user notifications to the owner's
// channel. Records are sanitized before they touch the wire; activity
// updates are deliberately not relayed, they would swamp the connection.
func (g *Gateway) relayUserEvent(ev models.UserEvent) {
	channel := UserChannel(ev.UserID)

	switch ev.Type {
	case models.EventUserUpdated:
		g.broadcast(channel, ServerMessage{
			Type:    EventUserUpdated,
			Channel: channel,
			Payload: g.sanitizedPayload(ev),
		})
	case models.EventUserPreferencesUpdated:
		g.broadcast(channel, ServerMessage{
			Type:    EventPreferencesUpdated,
			Channel: channel,
			Payload: g.sanitizedPayload(ev),
		})
	case models.EventUserLocked:
		g.broadcast(channel, ServerMessage{
			Type:    EventAccountLocked,
			Channel: channel,
			Payload: map[string]interface{}{"lockedUntil": ev.LockedUntil},
		})
		// A locked account keeps no live connections. CloseAfterSend lets
		// the queued locked notice flush before the close frame.
		for _, c := range g.registry.Connections(ev.UserID) {
			c.CloseAfterSend()
		}
	}
}

func (g *Gateway) relaySessionEvent(ev models.SessionEvent) {
	channel := UserChannel(ev.UserID)

	switch ev.Type {
	case models.EventSessionInvalidated:
		g.broadcast(channel, ServerMessage{
			Type:    EventSessionInvalidated,
			Channel: channel,
			Payload: map[string]string{"sessionId": ev.SessionID},
		})
	case models.EventAllUserSessionsInvalidated:
		g.broadcast(channel, ServerMessage{
			Type:    EventAllSessionsInvalidated,
			Channel: channel,
		})
	}
}

// sanitizedPayload prefers the record carried on the event, falling back to
// a directory read for events emitted without one.
func (g *Gateway) sanitizedPayload(ev models.UserEvent) *models.SanitizedUser {
	if ev.User != nil {
		return ev.User.Sanitize()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	user, err := g.directory.GetUserByID(ctx, ev.UserID)
	if err != nil || user == nil {
		return nil
	}
	return user.Sanitize()
}

func (g *Gateway) broadcast(channel string, msg ServerMessage) {
	for _, c := range g.registry.Subscribers(channel) {
		c.Send(msg)
	}
}

// ===================== background sweeps =====================

// supervise runs fn on a ticker until Stop, recovering from panics so a bad
// sweep never takes the gateway down.
func (g *Gateway) supervise(name string, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	run := func() {
		defer func() {
			if rec := recover(); rec != nil {
				util.Error("Background task panicked",
					zap.String("task", name),
					zap.Any("panic", rec))
			}
		}()
		fn()
	}

	for {
		select {
		case <-ticker.C:
			run()
		case <-g.done:
			return
		}
	}
}

// sweepIdle closes connections idle past the timeout. Removal happens on the
// readPump exit path, same as any other disconnect.
func (g *Gateway) sweepIdle() {
	cutoff := time.Now().UTC().Add(-g.config.Gateway.IdleTimeout)
	stale := g.registry.StaleClients(cutoff)
	for _, c := range stale {
		util.Info("Closing idle websocket",
			zap.String("conn_id", c.ConnID),
			zap.String("user_id", c.UserID),
			zap.Time("last_activity", c.LastActivity()))
		c.Close()
	}
}

func (g *Gateway) sweepSessions() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	deleted, err := g.directory.CleanupExpiredSessions(ctx)
	if err != nil {
		util.Error("Session sweep failed", zap.Error(err))
		return
	}
	if deleted > 0 {
		util.Info("Session sweep completed", zap.Int("deleted", deleted))
	}
}
