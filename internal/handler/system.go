package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/server/middleware"
	"github.com/keygatehq/keygate/internal/service"
)

// AdminService is the subset of the admin identity service the handlers use.
type AdminService interface {
	AuthenticateAdmin(ctx context.Context, c service.Credentials) (*service.Session, error)
	CreateAdmin(ctx context.Context, username, password string, role model.Role, createdBy string) (*model.AdminAccount, error)
	ListAdmins(ctx context.Context) ([]model.AdminAccount, error)
}

// AccessLogger records access log entries.
type AccessLogger interface {
	LogAccess(ctx context.Context, e model.AccessLogEntry)
}

// SystemHandler serves admin sessions and account management.
type SystemHandler struct {
	admins AdminService
	audit  AccessLogger
}

// NewSystemHandler creates a new SystemHandler.
func NewSystemHandler(admins AdminService, audit AccessLogger) *SystemHandler {
	return &SystemHandler{admins: admins, audit: audit}
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

// loginRequest is the expected payload for the Login endpoint.
type loginRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	HiddenMode bool   `json:"hidden_mode"`
}

// loginResponse is the response payload for a successful login.
type loginResponse struct {
	Token     string             `json:"session_token"`
	TokenType string             `json:"token_type"`
	ExpiresAt time.Time          `json:"expires_at"`
	Account   model.AdminSummary `json:"account"`
}

// Login authenticates an admin and returns a session token.
// POST /api/v1/admin/session
func (h *SystemHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	creds := service.Credentials{
		Username:   req.Username,
		Password:   req.Password,
		IP:         middleware.ClientIP(r),
		UserAgent:  r.UserAgent(),
		HiddenMode: req.HiddenMode,
	}
	sess, err := h.admins.AuthenticateAdmin(r.Context(), creds)
	if err != nil {
		status := statusFor(err)
		if errors.Is(err, service.ErrAuthenticationFailed) && !req.HiddenMode {
			h.audit.LogAccess(r.Context(), model.AccessLogEntry{
				UserType:   model.UserAdmin,
				Identifier: req.Username,
				Endpoint:   r.URL.Path,
				Method:     r.Method,
				StatusCode: status,
				IPAddress:  creds.IP,
				UserAgent:  creds.UserAgent,
			})
		}
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token:     sess.Token,
		TokenType: "bearer",
		ExpiresAt: sess.ExpiresAt,
		Account:   sess.Account,
	})
}

// Session returns the claims of the presented session token.
// GET /api/v1/admin/session
func (h *SystemHandler) Session(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaims(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	writeJSON(w, http.StatusOK, claims)
}

// Logout ends the current session. Session tokens are stateless, so this
// is a no-op on the server side and clients discard their token.
// DELETE /api/v1/admin/session
func (h *SystemHandler) Logout(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Session invalidated",
	})
}

// ---------------------------------------------------------------------------
// Admin management
// ---------------------------------------------------------------------------

// ListAdmins returns every admin account.
// GET /api/v1/admin
func (h *SystemHandler) ListAdmins(w http.ResponseWriter, r *http.Request) {
	admins, err := h.admins.ListAdmins(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.NewListResponse(admins, 0))
}

type createAdminRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// CreateAdmin creates an admin account on behalf of the session's admin.
// POST /api/v1/admin
func (h *SystemHandler) CreateAdmin(w http.ResponseWriter, r *http.Request) {
	var req createAdminRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	role, ok := model.ParseRole(strings.TrimSpace(req.Role))
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown role: "+req.Role)
		return
	}

	createdBy := ""
	if claims := middleware.GetClaims(r.Context()); claims != nil {
		createdBy = claims.Username
	}

	acc, err := h.admins.CreateAdmin(r.Context(), req.Username, req.Password, role, createdBy)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acc)
}
