package gateway

import (
	"encoding/json"

	"realtime-service/internal/models"
)

// Server-to-client event types.
const (
	EventInitialData            = "user:initial-data"
	EventUserUpdated            = "user:updated"
	EventPreferencesUpdated     = "user:preferences-updated"
	EventUserStats              = "user:stats"
	EventUserSessions           = "user:sessions"
	EventSessionInvalidated     = "user:session-invalidated"
	EventAllSessionsInvalidated = "user:all-sessions-invalidated"
	EventAccountLocked          = "user:account-locked"
	EventUserOnline             = "user:online"
	EventUserOffline            = "user:offline"
	EventSubscribed             = "subscribed"
	EventUnsubscribed           = "unsubscribed"
	EventPong                   = "pong"
	EventError                  = "error"
)

// Client-to-server message types.
const (
	MsgPing              = "ping"
	MsgSubscribe         = "subscribe"
	MsgUnsubscribe       = "unsubscribe"
	MsgUpdatePreferences = "user:update-preferences"
	MsgGetStats          = "user:get-stats"
	MsgGetSessions       = "user:get-sessions"
	MsgInvalidateSession = "user:invalidate-session"
)

// ClientMessage is the envelope for everything a client sends. Payload is
// decoded per message type. Subscribe and unsubscribe accept either a single
// channel or a channels list.
type ClientMessage struct {
	Type     string          `json:"type"`
	Channel  string          `json:"channel,omitempty"`
	Channels []string        `json:"channels,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// ChannelList normalizes the two subscribe forms into one slice.
func (m ClientMessage) ChannelList() []string {
	if len(m.Channels) > 0 {
		return m.Channels
	}
	if m.Channel != "" {
		return []string{m.Channel}
	}
	return nil
}

// InitialData is the first message every connection receives: the sanitized
// user record plus the live sessions and directory stats snapshot.
type InitialData struct {
	User     *models.SanitizedUser `json:"user"`
	Sessions []*models.Session     `json:"sessions"`
	Stats    *models.UserStats     `json:"stats"`
}

// ServerMessage is the envelope for everything the gateway sends.
type ServerMessage struct {
	Type    string      `json:"type"`
	Channel string      `json:"channel,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

func errorMessage(reason string) ServerMessage {
	return ServerMessage{
		Type:    EventError,
		Payload: map[string]string{"message": reason},
	}
}
