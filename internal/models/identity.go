package models

import "time"

// Identity is the authenticated owner on whose behalf the engine reads and writes.
type Identity struct {
	OwnerID   string    `json:"owner_id"`
	DeviceID  string    `json:"device_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (i Identity) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}
