package session

import "time"

// Session is the authoritative server-side record for one signed-in device.
// A syntactically valid token without a matching Session is invalid.
type Session struct {
	SessionID    string
	UserID       string
	Email        string
	Role         string
	Tier         string
	Permissions  []string
	DeviceInfo   string
	CreatedAt    time.Time
	LastAccessAt time.Time
	ExpiresAt    time.Time
}

// Expired reports whether the session lifetime has elapsed at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.Permissions != nil {
		out.Permissions = append([]string(nil), s.Permissions...)
	}
	return &out
}
