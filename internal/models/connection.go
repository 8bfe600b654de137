package models

import "time"

// Connection describes one live websocket link. Ephemeral and process-local;
// the gateway owns these, never the store.
type Connection struct {
	ConnID       string    `json:"connId"`
	UserID       string    `json:"userId"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	IP           string    `json:"ip"`
	UserAgent    string    `json:"userAgent"`
	Origin       string    `json:"origin"`
}
