package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/security"
	"github.com/keygatehq/keygate/internal/store"
)

// DefaultSessionTTL is the absolute lifetime of an admin session token.
const DefaultSessionTTL = 8 * time.Hour

// LoginEndpoint is the endpoint recorded in the access log for logins.
const LoginEndpoint = "/api/v1/admin/session"

// AdminStore is the persistence the admin identity service needs.
type AdminStore interface {
	CreateAdmin(ctx context.Context, a *model.AdminAccount) error
	GetAdminByUsername(ctx context.Context, username string) (*model.AdminAccount, error)
	ListAdmins(ctx context.Context) ([]model.AdminAccount, error)
	HasAnyAdmin(ctx context.Context) (bool, error)
	UpdateAdminLastLogin(ctx context.Context, id string, at time.Time) error
}

// Credentials is a login attempt.
type Credentials struct {
	Username  string
	Password  string
	IP        string
	UserAgent string
	// HiddenMode suppresses the login's access log entry and marks the
	// session so later requests are logged as hidden. It never skips the
	// credential check.
	HiddenMode bool
}

// Session is the result of a successful login.
type Session struct {
	Token     string             `json:"token"`
	ExpiresAt time.Time          `json:"expires_at"`
	Account   model.AdminSummary `json:"account"`
}

// AdminService manages administrator accounts and their session tokens.
type AdminService struct {
	store      AdminStore
	hasher     *security.PasswordHasher
	signer     *security.TokenSigner
	auditor    *Auditor
	sessionTTL time.Duration
	opts       Options

	dummyOnce sync.Once
	dummyHash string
}

// NewAdminService wires the admin identity service. A zero sessionTTL
// selects DefaultSessionTTL.
func NewAdminService(st AdminStore, hasher *security.PasswordHasher, signer *security.TokenSigner,
	auditor *Auditor, sessionTTL time.Duration, opts Options) *AdminService {
	if sessionTTL <= 0 {
		sessionTTL = DefaultSessionTTL
	}
	return &AdminService{
		store:      st,
		hasher:     hasher,
		signer:     signer,
		auditor:    auditor,
		sessionTTL: sessionTTL,
		opts:       opts.withDefaults(),
	}
}

// CreateAdmin creates an account with the role's canonical permission
// snapshot. An empty createdBy is recorded as "system".
func (s *AdminService) CreateAdmin(ctx context.Context, username, password string, role model.Role, createdBy string) (*model.AdminAccount, error) {
	if strings.TrimSpace(username) == "" || password == "" {
		return nil, ErrInvalidAdminRequest
	}
	if len(password) > security.MaxPasswordBytes {
		return nil, fmt.Errorf("%w: password must be at most %d bytes", ErrInvalidAdminRequest, security.MaxPasswordBytes)
	}
	if !role.Valid() {
		return nil, ErrInvalidRole
	}
	if createdBy == "" {
		createdBy = "system"
	}

	digest, err := s.hasher.Hash(password)
	if err != nil {
		return nil, err
	}

	acc := &model.AdminAccount{
		Username:     username,
		PasswordHash: digest,
		Role:         role,
		Permissions:  role.Permissions(),
		CreatedAt:    s.opts.Clock.Now().UTC(),
		IsActive:     true,
		CreatedBy:    createdBy,
	}
	if err := s.store.CreateAdmin(ctx, acc); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrDuplicateUsername
		}
		return nil, storeErr("create admin", err)
	}

	s.opts.Logger.Info("admin account created", "username", username, "role", role, "created_by", createdBy)
	return acc, nil
}

// AuthenticateAdmin verifies credentials and mints a session token. Unknown
// users, inactive accounts, and wrong passwords all yield
// ErrAuthenticationFailed.
func (s *AdminService) AuthenticateAdmin(ctx context.Context, c Credentials) (*Session, error) {
	acc, err := s.store.GetAdminByUsername(ctx, c.Username)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, storeErr("get admin", err)
		}
		// Spend the same bcrypt time as a real check.
		_ = s.hasher.Verify(s.dummyDigest(), c.Password)
		return nil, s.loginFailed(c, "unknown user")
	}

	if err := s.hasher.Verify(acc.PasswordHash, c.Password); err != nil {
		if !errors.Is(err, security.ErrPasswordMismatch) {
			s.opts.Logger.Error("stored password hash unusable", "username", acc.Username, "error", err)
		}
		return nil, s.loginFailed(c, "bad password")
	}
	if !acc.IsActive {
		return nil, s.loginFailed(c, "inactive account")
	}

	now := s.opts.Clock.Now().UTC()
	if err := s.store.UpdateAdminLastLogin(ctx, acc.ID, now); err != nil {
		s.opts.Logger.Warn("failed to record last login", "username", acc.Username, "error", err)
	} else {
		acc.LastLogin = &now
	}

	claims := &model.SessionClaims{
		AccountID:   acc.ID,
		Username:    acc.Username,
		Role:        acc.Role,
		Permissions: acc.Permissions,
		Hidden:      c.HiddenMode,
	}
	token, err := s.signer.Sign(claims, s.sessionTTL)
	if err != nil {
		return nil, err
	}

	s.opts.Metrics.AdminLogin("success")
	if !c.HiddenMode {
		s.auditor.LogAccess(ctx, model.AccessLogEntry{
			UserType:   model.UserAdmin,
			Identifier: acc.Username,
			Endpoint:   LoginEndpoint,
			Method:     http.MethodPost,
			StatusCode: http.StatusOK,
			Timestamp:  now,
			IPAddress:  c.IP,
			UserAgent:  c.UserAgent,
		})
	}

	return &Session{Token: token, ExpiresAt: claims.ExpiresAt, Account: acc.Summary()}, nil
}

func (s *AdminService) loginFailed(c Credentials, why string) error {
	s.opts.Metrics.AdminLogin("failure")
	s.opts.Logger.Info("admin login rejected", "username", c.Username, "ip", c.IP, "reason", why)
	return ErrAuthenticationFailed
}

func (s *AdminService) dummyDigest() string {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = s.hasher.Hash("keygate-timing-equalizer")
	})
	return s.dummyHash
}

// VerifySessionToken checks a session token without touching the store.
func (s *AdminService) VerifySessionToken(token string) (*model.SessionClaims, error) {
	claims, err := s.signer.Verify(token)
	if err != nil {
		if errors.Is(err, security.ErrTokenExpired) {
			return nil, ErrSessionExpired
		}
		return nil, ErrSessionInvalid
	}
	return claims, nil
}

// ListAdmins returns every account ordered by username.
func (s *AdminService) ListAdmins(ctx context.Context) ([]model.AdminAccount, error) {
	admins, err := s.store.ListAdmins(ctx)
	if err != nil {
		return nil, storeErr("list admins", err)
	}
	return admins, nil
}

// HasAnyAdmin reports whether any account exists.
func (s *AdminService) HasAnyAdmin(ctx context.Context) (bool, error) {
	ok, err := s.store.HasAnyAdmin(ctx)
	if err != nil {
		return false, storeErr("count admins", err)
	}
	return ok, nil
}
