package model

import "time"

// AdminAccount is a long-lived administrator identity. Passwords are stored
// as bcrypt hashes. Permissions is a snapshot of the role's permission set
// taken at creation time and is never re-derived.
type AdminAccount struct {
	ID           string       `json:"id"`
	Username     string       `json:"username"`
	PasswordHash string       `json:"-"` // bcrypt hash, never expose
	Role         Role         `json:"role"`
	Permissions  []Permission `json:"permissions"`
	CreatedAt    time.Time    `json:"created_at"`
	LastLogin    *time.Time   `json:"last_login,omitempty"`
	IsActive     bool         `json:"is_active"`
	CreatedBy    string       `json:"created_by"`
}

// AdminSummary is the public view of an account returned after login.
type AdminSummary struct {
	ID          string       `json:"id"`
	Username    string       `json:"username"`
	Role        Role         `json:"role"`
	RoleName    string       `json:"role_name"`
	Permissions []Permission `json:"permissions"`
}

// Summary returns the public view of the account.
func (a *AdminAccount) Summary() AdminSummary {
	return AdminSummary{
		ID:          a.ID,
		Username:    a.Username,
		Role:        a.Role,
		RoleName:    a.Role.DisplayName(),
		Permissions: a.Permissions,
	}
}

// SessionClaims is the payload carried by a signed admin session token. It is
// verified without a store lookup.
type SessionClaims struct {
	AccountID   string       `json:"account_id"`
	Username    string       `json:"username"`
	Role        Role         `json:"role"`
	Permissions []Permission `json:"permissions"`
	Hidden      bool         `json:"hidden,omitempty"`
	IssuedAt    time.Time    `json:"issued_at"`
	ExpiresAt   time.Time    `json:"expires_at"`
}

// Can reports whether the session holds any of the given permissions.
func (c *SessionClaims) Can(perms ...Permission) bool {
	return HasAnyPermission(c.Permissions, perms...)
}
