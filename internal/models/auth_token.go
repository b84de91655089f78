package models

import "time"

// AuthToken is the persisted OAuth token state for the remote source.
// The browser OAuth flow writes the initial pair; the sync orchestrator's
// refresh step rotates it.
type AuthToken struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"` // Unix timestamp in seconds
}

// expirySkew refreshes slightly early so an access token never expires
// mid-request.
const expirySkew = 60 * time.Second

// Expired reports whether the access token needs a refresh
func (t AuthToken) Expired(now time.Time) bool {
	if t.AccessToken == "" {
		return true
	}
	return now.Add(expirySkew).Unix() >= t.ExpiresAt
}
