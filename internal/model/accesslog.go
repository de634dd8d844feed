package model

import "time"

// UserType identifies which credential tier an access attempt used.
type UserType string

const (
	UserAdmin  UserType = "admin"
	UserClient UserType = "client"
)

// AccessLogEntry is one append-only audit record. Entries with HiddenMode set
// are excluded from default audit queries.
type AccessLogEntry struct {
	ID         string    `json:"id"`
	UserType   UserType  `json:"user_type"`
	Identifier string    `json:"identifier"`
	Endpoint   string    `json:"endpoint"`
	Method     string    `json:"method"`
	StatusCode int       `json:"status_code"`
	Timestamp  time.Time `json:"timestamp"`
	IPAddress  string    `json:"ip_address,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	HiddenMode bool      `json:"hidden_mode"`
}
