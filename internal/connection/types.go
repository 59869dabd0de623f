// Package connection manages tenant social connections and keeps their
// provider access tokens fresh.
package connection

import (
	"time"

	"github.com/chatbridgehq/chatbridge/internal/platform"
)

// Connection binds a tenant to one provider asset. Exactly one of PageID and
// AccountID is set; that choice decides the platform.
type Connection struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	PageID      string    `json:"page_id,omitempty"`
	AccountID   string    `json:"account_id,omitempty"`
	AccessToken string    `json:"-"`
	TokenExpiry time.Time `json:"token_expiry"`
	RefreshedAt time.Time `json:"refreshed_at,omitzero"`
	CreatedAt   time.Time `json:"created_at"`
}

// Platform reports which provider variant the connection serves.
func (c Connection) Platform() platform.Platform {
	if c.PageID != "" {
		return platform.PlatformPage
	}
	return platform.PlatformPhoto
}

// ExternalID is the provider-side asset id regardless of variant.
func (c Connection) ExternalID() string {
	if c.PageID != "" {
		return c.PageID
	}
	return c.AccountID
}

// ExpiryBand is the informational health color for a token expiry.
type ExpiryBand string

const (
	BandExpired ExpiryBand = "expired"
	BandRed     ExpiryBand = "red"
	BandYellow  ExpiryBand = "yellow"
	BandGreen   ExpiryBand = "green"
)

// DaysUntilExpiry counts whole days between now and the expiry, rounding
// toward negative infinity so a token expiring later today reports 0.
func DaysUntilExpiry(expiry, now time.Time) int {
	ms := expiry.Sub(now).Milliseconds()
	day := int64(24 * time.Hour / time.Millisecond)
	days := ms / day
	if ms < 0 && ms%day != 0 {
		days--
	}
	return int(days)
}

// Band classifies the remaining token lifetime.
func Band(days int) ExpiryBand {
	switch {
	case days <= 0:
		return BandExpired
	case days <= 5:
		return BandRed
	case days <= 14:
		return BandYellow
	default:
		return BandGreen
	}
}
