package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/security"
	"github.com/keygatehq/keygate/internal/server/middleware"
	"github.com/keygatehq/keygate/internal/service"
)

// Limits applied to sessions that hold limited_key_generation but not
// key_generation.
const (
	LimitedMaxTTL   = 24 * time.Hour
	LimitedMaxUsage = service.DefaultMaxUsage
)

// AccessKeyHeader carries the raw temporary key on validation requests.
const AccessKeyHeader = "X-Access-Key"

const (
	fullHashLen        = 64
	validateEndpoint   = "/api/v1/keys/validate"
	maxTTLMinutesInput = 366 * 24 * 60
)

// KeyService is the subset of the temporary key service the handlers use.
type KeyService interface {
	GenerateTempKey(ctx context.Context, req service.KeyRequest) (*service.IssuedKey, error)
	ValidateTempKey(ctx context.Context, raw, ip string) (*service.Validation, error)
	RevokeTempKey(ctx context.Context, keyHash string) (bool, error)
	RevokeTempKeyByPrefix(ctx context.Context, prefix string) (bool, error)
	ListTempKeys(ctx context.Context, status model.KeyStatus) ([]model.TempKeyInfo, error)
	CleanupExpiredKeys(ctx context.Context) (int64, error)
	Defaults() (ttl time.Duration, maxUsage int)
}

// KeyHandler serves temporary key issuance, revocation, and validation.
type KeyHandler struct {
	keys  KeyService
	audit AccessLogger
}

// NewKeyHandler creates a new KeyHandler.
func NewKeyHandler(keys KeyService, audit AccessLogger) *KeyHandler {
	return &KeyHandler{keys: keys, audit: audit}
}

// ListKeys returns key metadata, optionally filtered by ?status=.
// GET /api/v1/keys
func (h *KeyHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	status := model.KeyStatus(queryString(r, "status"))
	keys, err := h.keys.ListTempKeys(r.Context(), status)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.NewListResponse(keys, 0))
}

type createKeyRequest struct {
	ClientName  string   `json:"client_name"`
	ValidHours  []int    `json:"valid_hours"`
	TTLMinutes  int      `json:"ttl_minutes"`
	MaxUsage    int      `json:"max_usage"`
	IPWhitelist []string `json:"ip_whitelist"`
	Notes       string   `json:"notes"`
}

// CreateKey issues a temporary key attributed to the session's admin. The
// raw key appears in this response only.
// POST /api/v1/keys
func (h *KeyHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaims(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var req createKeyRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.TTLMinutes < 0 || req.TTLMinutes > maxTTLMinutesInput {
		writeError(w, http.StatusBadRequest, "ttl_minutes out of range")
		return
	}

	ttl := time.Duration(req.TTLMinutes) * time.Minute
	if !claims.Can(model.PermKeyGeneration) {
		// Caps apply to what the key will carry, defaults included.
		effTTL, effUsage := ttl, req.MaxUsage
		defTTL, defUsage := h.keys.Defaults()
		if effTTL == 0 {
			effTTL = defTTL
		}
		if effUsage == 0 {
			effUsage = defUsage
		}
		if effTTL > LimitedMaxTTL || effUsage > LimitedMaxUsage {
			writeError(w, http.StatusForbidden, fmt.Sprintf(
				"Limited key generation allows at most %d minutes and %d uses",
				int(LimitedMaxTTL.Minutes()), LimitedMaxUsage))
			return
		}
	}

	issued, err := h.keys.GenerateTempKey(r.Context(), service.KeyRequest{
		ClientName:     req.ClientName,
		ValidHours:     req.ValidHours,
		TTL:            ttl,
		MaxUsage:       req.MaxUsage,
		CreatedByAdmin: claims.Username,
		IPWhitelist:    req.IPWhitelist,
		Notes:          req.Notes,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, issued)
}

// RevokeKey revokes a key by its full hash or by the hash prefix shown in
// listings.
// DELETE /api/v1/keys/{keyHash}
func (h *KeyHandler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	ref := strings.TrimSpace(chi.URLParam(r, "keyHash"))
	if ref == "" {
		writeError(w, http.StatusBadRequest, "Key hash is required")
		return
	}

	var (
		found bool
		err   error
	)
	if len(ref) == fullHashLen {
		found, err = h.keys.RevokeTempKey(r.Context(), ref)
	} else {
		found, err = h.keys.RevokeTempKeyByPrefix(r.Context(), ref)
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "Key not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Key revoked",
	})
}

// SweepKeys marks every overdue active key expired.
// POST /api/v1/keys/sweep
func (h *KeyHandler) SweepKeys(w http.ResponseWriter, r *http.Request) {
	n, err := h.keys.CleanupExpiredKeys(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"expired": n})
}

// ValidateKey checks the key in the X-Access-Key header and consumes one
// use. Every attempt is recorded in the access log.
// POST /api/v1/keys/validate
func (h *KeyHandler) ValidateKey(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.Header.Get(AccessKeyHeader))
	ip := middleware.ClientIP(r)

	v, err := h.keys.ValidateTempKey(r.Context(), raw, ip)
	status := http.StatusOK
	if err != nil {
		status = statusFor(err)
	}

	identifier := clientIdentifier(raw, v, err)
	h.audit.LogAccess(r.Context(), model.AccessLogEntry{
		UserType:   model.UserClient,
		Identifier: identifier,
		Endpoint:   validateEndpoint,
		Method:     r.Method,
		StatusCode: status,
		IPAddress:  ip,
		UserAgent:  r.UserAgent(),
	})

	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// clientIdentifier names the client in the access log: the key's client
// name when the key was found, else the hash prefix of what was presented.
// The raw key is never logged.
func clientIdentifier(raw string, v *service.Validation, err error) string {
	if v != nil {
		return v.ClientName
	}
	var ke *service.KeyError
	if errors.As(err, &ke) && ke.ClientName != "" {
		return ke.ClientName
	}
	if raw == "" {
		return "anonymous"
	}
	return security.HashKey(raw)[:model.HashPrefixLen]
}
