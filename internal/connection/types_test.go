package connection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/chatbridgehq/chatbridge/internal/platform"
)

func TestDaysUntilExpiry(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		expiry time.Time
		want   int
	}{
		{"sixty days out", now.Add(60 * 24 * time.Hour), 60},
		{"later today", now.Add(6 * time.Hour), 0},
		{"exactly now", now, 0},
		{"expired yesterday", now.Add(-30 * time.Hour), -2},
		{"just under two days", now.Add(47 * time.Hour), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, DaysUntilExpiry(tt.expiry, now))
		})
	}
}

func TestBand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		days int
		want ExpiryBand
	}{
		{-3, BandExpired},
		{0, BandExpired},
		{1, BandRed},
		{5, BandRed},
		{6, BandYellow},
		{14, BandYellow},
		{15, BandGreen},
		{60, BandGreen},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Band(tt.days), "days=%d", tt.days)
	}
}

func TestConnectionPlatform(t *testing.T) {
	t.Parallel()

	page := Connection{PageID: "pg-1"}
	assert.Equal(t, platform.PlatformPage, page.Platform())
	assert.Equal(t, "pg-1", page.ExternalID())

	photo := Connection{AccountID: "acct-1"}
	assert.Equal(t, platform.PlatformPhoto, photo.Platform())
	assert.Equal(t, "acct-1", photo.ExternalID())
}
