package auth

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSignedRequestRoundTrip(t *testing.T) {
	t.Parallel()

	secret := "app-secret"
	raw, err := EncodeSignedRequest(SignedRequest{
		UserID:    "participant-42",
		Algorithm: "HMAC-SHA256",
		IssuedAt:  1700000000,
	}, secret)
	require.NoError(t, err)

	parsed, err := ParseSignedRequest(raw, secret)
	require.NoError(t, err)
	assert.Equal(t, "participant-42", parsed.UserID)
	assert.Equal(t, int64(1700000000), parsed.IssuedAt)
}

func TestParseSignedRequestRejects(t *testing.T) {
	t.Parallel()

	secret := "app-secret"
	valid, err := EncodeSignedRequest(SignedRequest{UserID: "u1"}, secret)
	require.NoError(t, err)

	tests := []struct {
		name string
		raw  string
	}{
		{name: "empty", raw: ""},
		{name: "no dot", raw: "justonepart"},
		{name: "wrong secret", raw: mustEncode(t, SignedRequest{UserID: "u1"}, "other")},
		{name: "garbage signature", raw: "!!!." + valid[len(valid)-10:]},
		{name: "missing user id", raw: mustEncode(t, SignedRequest{}, secret)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseSignedRequest(tt.raw, secret)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrSignedRequestInvalid), "got %v", err)
		})
	}
}

func mustEncode(t *testing.T, req SignedRequest, secret string) string {
	t.Helper()
	raw, err := EncodeSignedRequest(req, secret)
	require.NoError(t, err)
	return raw
}
