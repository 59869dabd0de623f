package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrSignedRequestInvalid = errors.New("invalid signed request")

// SignedRequest is the decoded payload of a provider data-erasure callback.
type SignedRequest struct {
	UserID    string `json:"user_id"`
	Algorithm string `json:"algorithm"`
	IssuedAt  int64  `json:"issued_at"`
}

// ParseSignedRequest splits and verifies a `<sig>.<payload>` base64url
// envelope against the app secret. Verification always runs; an unverifiable
// request is rejected.
func ParseSignedRequest(raw, appSecret string) (SignedRequest, error) {
	parts := strings.SplitN(strings.TrimSpace(raw), ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return SignedRequest{}, fmt.Errorf("%w: expected <sig>.<payload>", ErrSignedRequestInvalid)
	}

	sig, err := base64.RawURLEncoding.DecodeString(padless(parts[0]))
	if err != nil {
		return SignedRequest{}, fmt.Errorf("%w: decode signature: %v", ErrSignedRequestInvalid, err)
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write([]byte(parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return SignedRequest{}, fmt.Errorf("%w: signature mismatch", ErrSignedRequestInvalid)
	}

	payload, err := base64.RawURLEncoding.DecodeString(padless(parts[1]))
	if err != nil {
		return SignedRequest{}, fmt.Errorf("%w: decode payload: %v", ErrSignedRequestInvalid, err)
	}
	var req SignedRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return SignedRequest{}, fmt.Errorf("%w: parse payload: %v", ErrSignedRequestInvalid, err)
	}
	if strings.TrimSpace(req.UserID) == "" {
		return SignedRequest{}, fmt.Errorf("%w: user_id missing", ErrSignedRequestInvalid)
	}
	return req, nil
}

// EncodeSignedRequest builds a valid envelope. Used by tests.
func EncodeSignedRequest(req SignedRequest, appSecret string) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	encoded := base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write([]byte(encoded))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return sig + "." + encoded, nil
}

// padless strips base64 padding so both padded and raw inputs decode.
func padless(s string) string {
	return strings.TrimRight(s, "=")
}
