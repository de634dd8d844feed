package model

import "time"

// KeyStatus is the lifecycle state of a temporary key. Active is the only
// non-terminal state.
type KeyStatus string

const (
	KeyActive  KeyStatus = "active"
	KeyExpired KeyStatus = "expired"
	KeyRevoked KeyStatus = "revoked"
)

// Valid reports whether s is a recognized status.
func (s KeyStatus) Valid() bool {
	switch s {
	case KeyActive, KeyExpired, KeyRevoked:
		return true
	}
	return false
}

// HashPrefixLen is the number of hash characters shown to humans.
const HashPrefixLen = 16

// TempKey is a short-lived, quota- and schedule-bounded credential issued to
// an external client. The raw secret is never stored; only its SHA-256 hash.
type TempKey struct {
	ID             string     `json:"id"`
	KeyHash        string     `json:"-"` // SHA-256 hash, never expose
	ClientName     string     `json:"client_name"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	ValidHours     []int      `json:"valid_hours"`
	Status         KeyStatus  `json:"status"`
	UsageCount     int        `json:"usage_count"`
	MaxUsage       int        `json:"max_usage"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
	CreatedByAdmin string     `json:"created_by_admin"`
	IPWhitelist    []string   `json:"ip_whitelist,omitempty"`
	Notes          string     `json:"notes,omitempty"`
}

// HashPrefix returns the shortened hash used for human cross-referencing.
func (k *TempKey) HashPrefix() string {
	if len(k.KeyHash) <= HashPrefixLen {
		return k.KeyHash
	}
	return k.KeyHash[:HashPrefixLen] + "..."
}

// AllowsHour reports whether hour is one of the key's valid hours.
func (k *TempKey) AllowsHour(hour int) bool {
	for _, h := range k.ValidHours {
		if h == hour {
			return true
		}
	}
	return false
}

// TempKeyInfo is the listing view of a key. It carries only the hash prefix.
type TempKeyInfo struct {
	ID             string     `json:"id"`
	KeyPrefix      string     `json:"key_hash"`
	ClientName     string     `json:"client_name"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	ValidHours     []int      `json:"valid_hours"`
	Status         KeyStatus  `json:"status"`
	UsageCount     int        `json:"usage_count"`
	MaxUsage       int        `json:"max_usage"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
	CreatedByAdmin string     `json:"created_by_admin"`
	IPWhitelist    []string   `json:"ip_whitelist,omitempty"`
	Notes          string     `json:"notes,omitempty"`
}

// Info returns the listing view of the key.
func (k *TempKey) Info() TempKeyInfo {
	return TempKeyInfo{
		ID:             k.ID,
		KeyPrefix:      k.HashPrefix(),
		ClientName:     k.ClientName,
		CreatedAt:      k.CreatedAt,
		ExpiresAt:      k.ExpiresAt,
		ValidHours:     k.ValidHours,
		Status:         k.Status,
		UsageCount:     k.UsageCount,
		MaxUsage:       k.MaxUsage,
		LastUsedAt:     k.LastUsedAt,
		CreatedByAdmin: k.CreatedByAdmin,
		IPWhitelist:    k.IPWhitelist,
		Notes:          k.Notes,
	}
}
