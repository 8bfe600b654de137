package models

import "time"

// Roles and subscription tiers known to the dashboard.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"

	TierFree  = "free"
	TierPro   = "pro"
	TierElite = "elite"
)

// DeviceHistoryLimit caps the recent-devices list; oldest entries are
// evicted first.
const DeviceHistoryLimit = 10

// User is the persisted directory record. Email and username are globally
// unique. Users are never hard-deleted.
type User struct {
	UserBucket int    `json:"-" db:"user_bucket"`
	ID         string `json:"id" db:"user_id"`
	Email      string `json:"email" db:"email"`
	Username   string `json:"username" db:"username"`

	// PasswordHash is the encoded argon2id credential. Never serialized to
	// clients; REST/WS surfaces send SanitizedUser instead.
	PasswordHash string `json:"-" db:"password_hash"`

	Role             string `json:"role" db:"role"`
	SubscriptionTier string `json:"subscriptionTier" db:"subscription_tier"`
	IsVerified       bool   `json:"isVerified" db:"is_verified"`

	Preferences Preferences    `json:"preferences"`
	Security    Security       `json:"security"`
	Activity    Activity       `json:"activity"`
	Trading     TradingSummary `json:"trading"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// Preferences is replaced wholesale by updateUserPreferences.
type Preferences struct {
	Notifications NotificationPreferences `json:"notifications"`
	Trading       TradingPreferences      `json:"trading"`
	UI            UIPreferences           `json:"ui"`
}

type NotificationPreferences struct {
	Email        bool `json:"email"`
	Push         bool `json:"push"`
	PriceAlerts  bool `json:"priceAlerts"`
	TradeSignals bool `json:"tradeSignals"`
	NewsDigest   bool `json:"newsDigest"`
}

type TradingPreferences struct {
	DefaultPair     string  `json:"defaultPair"`
	DefaultOrderUSD float64 `json:"defaultOrderUsd"`
	ConfirmOrders   bool    `json:"confirmOrders"`
	PaperTrading    bool    `json:"paperTrading"`
}

type UIPreferences struct {
	Theme           string `json:"theme"`
	Language        string `json:"language"`
	CompactMode     bool   `json:"compactMode"`
	DefaultTimespan string `json:"defaultTimespan"`
}

// Security holds account-protection state. TwoFactorSecret is an envelope-
// encrypted blob and must never reach any wire format.
type Security struct {
	TwoFactorEnabled    bool       `json:"twoFactorEnabled"`
	TwoFactorSecret     string     `json:"-"`
	FailedLoginAttempts int        `json:"-"`
	LockedUntil         *time.Time `json:"lockedUntil,omitempty"`
	PasswordChangedAt   *time.Time `json:"passwordChangedAt,omitempty"`
}

// Activity is best-effort usage tracking. SeenIPs has set semantics; Devices
// is capped to DeviceHistoryLimit with oldest-first eviction.
type Activity struct {
	LastLogin  *time.Time `json:"lastLogin,omitempty"`
	LastActive *time.Time `json:"lastActive,omitempty"`
	LoginCount int        `json:"loginCount"`
	SeenIPs    []string   `json:"seenIps,omitempty"`
	Devices    []string   `json:"devices,omitempty"`
}

// TradingSummary carries aggregate counters only, not a ledger.
type TradingSummary struct {
	TotalTrades   int        `json:"totalTrades"`
	WinningTrades int        `json:"winningTrades"`
	TotalPnL      float64    `json:"totalPnl"`
	LastTradeAt   *time.Time `json:"lastTradeAt,omitempty"`
}

// UserUpdate is a partial profile update. Identifier fields are deliberately
// absent so callers cannot tamper with identity.
type UserUpdate struct {
	Role             *string `json:"role,omitempty"`
	SubscriptionTier *string `json:"subscriptionTier,omitempty"`
	IsVerified       *bool   `json:"isVerified,omitempty"`
}

// ActivityUpdate is the optional payload of updateUserActivity.
type ActivityUpdate struct {
	IP         string `json:"ip,omitempty"`
	DeviceInfo string `json:"deviceInfo,omitempty"`
	Action     string `json:"action,omitempty"`
}

// SanitizedUser is the only user shape that crosses the wire. The credential
// hash and the two-factor secret are stripped; non-sensitive security flags
// are retained so clients can render lockout and 2FA state.
type SanitizedUser struct {
	ID               string         `json:"id"`
	Email            string         `json:"email"`
	Username         string         `json:"username"`
	Role             string         `json:"role"`
	SubscriptionTier string         `json:"subscriptionTier"`
	IsVerified       bool           `json:"isVerified"`
	TwoFactorEnabled bool           `json:"twoFactorEnabled"`
	LockedUntil      *time.Time     `json:"lockedUntil,omitempty"`
	Preferences      Preferences    `json:"preferences"`
	LastLogin        *time.Time     `json:"lastLogin,omitempty"`
	LastActive       *time.Time     `json:"lastActive,omitempty"`
	Trading          TradingSummary `json:"trading"`
	CreatedAt        time.Time      `json:"createdAt"`
}

// Sanitize produces the wire-safe view of a user.
func (u *User) Sanitize() *SanitizedUser {
	if u == nil {
		return nil
	}
	return &SanitizedUser{
		ID:               u.ID,
		Email:            u.Email,
		Username:         u.Username,
		Role:             u.Role,
		SubscriptionTier: u.SubscriptionTier,
		IsVerified:       u.IsVerified,
		TwoFactorEnabled: u.Security.TwoFactorEnabled,
		LockedUntil:      u.Security.LockedUntil,
		Preferences:      u.Preferences,
		LastLogin:        u.Activity.LastLogin,
		LastActive:       u.Activity.LastActive,
		Trading:          u.Trading,
		CreatedAt:        u.CreatedAt,
	}
}

// DefaultPreferences are applied at signup.
func DefaultPreferences() Preferences {
	return Preferences{
		Notifications: NotificationPreferences{
			Email:        true,
			Push:         true,
			PriceAlerts:  true,
			TradeSignals: true,
			NewsDigest:   false,
		},
		Trading: TradingPreferences{
			DefaultPair:     "BTC/USDT",
			DefaultOrderUSD: 100,
			ConfirmOrders:   true,
			PaperTrading:    true,
		},
		UI: UIPreferences{
			Theme:           "dark",
			Language:        "en",
			CompactMode:     false,
			DefaultTimespan: "24h",
		},
	}
}
