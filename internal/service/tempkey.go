package service

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/security"
	"github.com/keygatehq/keygate/internal/store"
)

const (
	DefaultKeyTTL      = 120 * time.Minute
	DefaultMaxUsage    = 1000
	minRevokePrefixLen = 8
)

// KeyStore is the persistence the temporary key service needs.
type KeyStore interface {
	CreateTempKey(ctx context.Context, k *model.TempKey) error
	GetTempKey(ctx context.Context, id string) (*model.TempKey, error)
	GetTempKeyByHash(ctx context.Context, hash string) (*model.TempKey, error)
	ListTempKeys(ctx context.Context, status model.KeyStatus) ([]model.TempKey, error)
	FindTempKeysByHashPrefix(ctx context.Context, prefix string) ([]model.TempKey, error)
	ConsumeTempKey(ctx context.Context, id string, at time.Time) (*model.TempKey, error)
	RevokeTempKey(ctx context.Context, hash string) (bool, error)
	ExpireDueTempKeys(ctx context.Context, now time.Time) (int64, error)
}

// KeyRequest describes a temporary key to generate. Zero TTL and MaxUsage
// select the service defaults; empty ValidHours allows every hour.
type KeyRequest struct {
	ClientName     string        `json:"client_name"`
	ValidHours     []int         `json:"valid_hours"`
	TTL            time.Duration `json:"-"`
	MaxUsage       int           `json:"max_usage"`
	CreatedByAdmin string        `json:"-"`
	IPWhitelist    []string      `json:"ip_whitelist,omitempty"`
	Notes          string        `json:"notes,omitempty"`
}

// IssuedKey is returned once, at generation. Secret cannot be recovered
// afterwards.
type IssuedKey struct {
	Secret string            `json:"key"`
	Key    model.TempKeyInfo `json:"metadata"`
}

// Validation is the outcome of an accepted temporary key.
type Validation struct {
	KeyID      string    `json:"key_id"`
	ClientName string    `json:"client_name"`
	UsageCount int       `json:"usage_count"`
	MaxUsage   int       `json:"max_usage"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// KeyService issues, validates, and retires temporary keys.
type KeyService struct {
	store           KeyStore
	location        *time.Location
	defaultTTL      time.Duration
	defaultMaxUsage int
	opts            Options
}

// KeyConfig holds the key policy defaults. A nil Location uses time.Local.
type KeyConfig struct {
	Location        *time.Location
	DefaultTTL      time.Duration
	DefaultMaxUsage int
}

func NewKeyService(st KeyStore, cfg KeyConfig, opts Options) *KeyService {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultKeyTTL
	}
	if cfg.DefaultMaxUsage <= 0 {
		cfg.DefaultMaxUsage = DefaultMaxUsage
	}
	return &KeyService{
		store:           st,
		location:        cfg.Location,
		defaultTTL:      cfg.DefaultTTL,
		defaultMaxUsage: cfg.DefaultMaxUsage,
		opts:            opts.withDefaults(),
	}
}

// GenerateTempKey creates a key and returns its raw secret exactly once.
func (s *KeyService) GenerateTempKey(ctx context.Context, req KeyRequest) (*IssuedKey, error) {
	clientName := strings.TrimSpace(req.ClientName)
	if clientName == "" {
		return nil, fmt.Errorf("%w: client name is required", ErrInvalidKeyRequest)
	}
	if req.CreatedByAdmin == "" {
		return nil, fmt.Errorf("%w: issuing admin is required", ErrInvalidKeyRequest)
	}

	ttl := req.TTL
	switch {
	case ttl == 0:
		ttl = s.defaultTTL
	case ttl < 0:
		return nil, fmt.Errorf("%w: ttl must be positive", ErrInvalidKeyRequest)
	}
	maxUsage := req.MaxUsage
	switch {
	case maxUsage == 0:
		maxUsage = s.defaultMaxUsage
	case maxUsage < 0:
		return nil, fmt.Errorf("%w: max usage must be positive", ErrInvalidKeyRequest)
	}

	hours, err := normalizeHours(req.ValidHours)
	if err != nil {
		return nil, err
	}
	whitelist, err := normalizeWhitelist(req.IPWhitelist)
	if err != nil {
		return nil, err
	}

	secret, err := security.GenerateSecret()
	if err != nil {
		return nil, err
	}

	now := s.opts.Clock.Now().UTC()
	k := &model.TempKey{
		KeyHash:        security.HashKey(secret),
		ClientName:     clientName,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		ValidHours:     hours,
		Status:         model.KeyActive,
		MaxUsage:       maxUsage,
		CreatedByAdmin: req.CreatedByAdmin,
		IPWhitelist:    whitelist,
		Notes:          req.Notes,
	}
	if err := s.store.CreateTempKey(ctx, k); err != nil {
		return nil, storeErr("create temp key", err)
	}

	s.opts.Metrics.KeyIssued()
	s.opts.Logger.Info("temporary key issued",
		"client", clientName,
		"key_prefix", k.HashPrefix(),
		"expires_at", k.ExpiresAt,
		"max_usage", maxUsage,
		"created_by", req.CreatedByAdmin,
	)
	return &IssuedKey{Secret: secret, Key: k.Info()}, nil
}

// ValidateTempKey runs the validation chain against the key identified by
// raw and, if every check passes, atomically consumes one use. Refusals are
// returned as *KeyError; persistence failures wrap ErrStoreUnavailable.
func (s *KeyService) ValidateTempKey(ctx context.Context, raw, ip string) (*Validation, error) {
	v, err := s.validate(ctx, raw, ip)
	if err != nil {
		if code := ReasonCode(err); code != "" {
			s.opts.Metrics.KeyValidation(code)
		} else {
			s.opts.Metrics.KeyValidation("error")
		}
		return nil, err
	}
	s.opts.Metrics.KeyValidation("ok")
	return v, nil
}

func (s *KeyService) validate(ctx context.Context, raw, ip string) (*Validation, error) {
	if raw == "" {
		return nil, &KeyError{Reason: ErrKeyNotFound}
	}
	k, err := s.store.GetTempKeyByHash(ctx, security.HashKey(raw))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &KeyError{Reason: ErrKeyNotFound}
		}
		return nil, storeErr("get temp key", err)
	}

	switch k.Status {
	case model.KeyRevoked:
		return nil, &KeyError{Reason: ErrKeyRevoked, ClientName: k.ClientName}
	case model.KeyExpired:
		return nil, &KeyError{Reason: ErrKeyExpired, ClientName: k.ClientName}
	}

	now := s.opts.Clock.Now()
	// The status change is left to CleanupExpiredKeys so every transition
	// is reported by exactly one sweep.
	if !now.Before(k.ExpiresAt) {
		return nil, &KeyError{Reason: ErrKeyExpired, ClientName: k.ClientName}
	}

	hour := now.In(s.location).Hour()
	if !k.AllowsHour(hour) {
		return nil, &KeyError{
			Reason:      ErrOutsideWorkingHours,
			ClientName:  k.ClientName,
			CurrentHour: hour,
			ValidHours:  k.ValidHours,
		}
	}

	if k.UsageCount >= k.MaxUsage {
		return nil, &KeyError{Reason: ErrUsageLimitExceeded, ClientName: k.ClientName}
	}

	if len(k.IPWhitelist) > 0 && !ipAllowed(ip, k.IPWhitelist) {
		return nil, &KeyError{Reason: ErrIPNotWhitelisted, ClientName: k.ClientName}
	}

	used, err := s.store.ConsumeTempKey(ctx, k.ID, now.UTC())
	if err != nil {
		if !errors.Is(err, store.ErrPreconditionFailed) {
			return nil, storeErr("consume temp key", err)
		}
		return nil, s.classifyLostRace(ctx, k)
	}

	return &Validation{
		KeyID:      used.ID,
		ClientName: used.ClientName,
		UsageCount: used.UsageCount,
		MaxUsage:   used.MaxUsage,
		ExpiresAt:  used.ExpiresAt,
	}, nil
}

// classifyLostRace explains why the conditional consume matched nothing
// after the pre-checks passed: a concurrent caller exhausted the quota, or
// the key was revoked, swept, or reached its expiry in between.
func (s *KeyService) classifyLostRace(ctx context.Context, k *model.TempKey) error {
	if !s.opts.Clock.Now().Before(k.ExpiresAt) {
		return &KeyError{Reason: ErrKeyExpired, ClientName: k.ClientName}
	}
	cur, err := s.store.GetTempKey(ctx, k.ID)
	if err == nil {
		switch cur.Status {
		case model.KeyRevoked:
			return &KeyError{Reason: ErrKeyRevoked, ClientName: k.ClientName}
		case model.KeyExpired:
			return &KeyError{Reason: ErrKeyExpired, ClientName: k.ClientName}
		}
	}
	return &KeyError{Reason: ErrUsageLimitExceeded, ClientName: k.ClientName}
}

// RevokeTempKey revokes the key with the given full hash. It returns false
// when no such key exists. Revoking a key that is already revoked or
// expired succeeds without changing it.
func (s *KeyService) RevokeTempKey(ctx context.Context, keyHash string) (bool, error) {
	keyHash = strings.ToLower(strings.TrimSpace(keyHash))
	found, err := s.store.RevokeTempKey(ctx, keyHash)
	if err != nil {
		return false, storeErr("revoke temp key", err)
	}
	if found {
		s.opts.Metrics.KeyRevoked()
		s.opts.Logger.Info("temporary key revoked", "key_prefix", shortHash(keyHash))
	}
	return found, nil
}

// RevokeTempKeyByPrefix revokes the single key whose hash starts with
// prefix, as shown in listings. A trailing "..." is ignored.
func (s *KeyService) RevokeTempKeyByPrefix(ctx context.Context, prefix string) (bool, error) {
	prefix = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(prefix), "..."))
	if len(prefix) < minRevokePrefixLen {
		return false, fmt.Errorf("%w: key prefix must be at least %d characters", ErrInvalidKeyRequest, minRevokePrefixLen)
	}
	matches, err := s.store.FindTempKeysByHashPrefix(ctx, prefix)
	if err != nil {
		return false, storeErr("find temp key", err)
	}
	switch len(matches) {
	case 0:
		return false, nil
	case 1:
		return s.RevokeTempKey(ctx, matches[0].KeyHash)
	default:
		return false, ErrAmbiguousPrefix
	}
}

// ListTempKeys returns key metadata newest first. An empty status lists
// every key.
func (s *KeyService) ListTempKeys(ctx context.Context, status model.KeyStatus) ([]model.TempKeyInfo, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidKeyRequest, status)
	}
	keys, err := s.store.ListTempKeys(ctx, status)
	if err != nil {
		return nil, storeErr("list temp keys", err)
	}
	out := make([]model.TempKeyInfo, len(keys))
	for i := range keys {
		out[i] = keys[i].Info()
	}
	return out, nil
}

// CleanupExpiredKeys moves every active key past its expiry to expired and
// returns how many changed.
func (s *KeyService) CleanupExpiredKeys(ctx context.Context) (int64, error) {
	n, err := s.store.ExpireDueTempKeys(ctx, s.opts.Clock.Now().UTC())
	if err != nil {
		return 0, storeErr("expire temp keys", err)
	}
	s.opts.Metrics.KeysExpiredBy(n)
	return n, nil
}

// Defaults returns the TTL and usage quota applied when a request leaves
// them zero.
func (s *KeyService) Defaults() (time.Duration, int) {
	return s.defaultTTL, s.defaultMaxUsage
}

// Location returns the time zone used for valid-hour checks.
func (s *KeyService) Location() *time.Location {
	return s.location
}

func normalizeHours(hours []int) ([]int, error) {
	if len(hours) == 0 {
		all := make([]int, 24)
		for i := range all {
			all[i] = i
		}
		return all, nil
	}
	out := make([]int, 0, len(hours))
	for _, h := range hours {
		if h < 0 || h > 23 {
			return nil, fmt.Errorf("%w: hour %d out of range 0-23", ErrInvalidKeyRequest, h)
		}
		out = append(out, h)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

func normalizeWhitelist(entries []string) ([]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("%w: bad network %q", ErrInvalidKeyRequest, e)
			}
			out = append(out, p.Masked().String())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("%w: bad address %q", ErrInvalidKeyRequest, e)
		}
		out = append(out, a.Unmap().String())
	}
	return out, nil
}

func ipAllowed(ip string, whitelist []string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap().WithZone("")
	for _, e := range whitelist {
		if strings.Contains(e, "/") {
			if p, err := netip.ParsePrefix(e); err == nil && p.Contains(addr) {
				return true
			}
			continue
		}
		if a, err := netip.ParseAddr(e); err == nil && a == addr {
			return true
		}
	}
	return false
}

func shortHash(h string) string {
	if len(h) <= model.HashPrefixLen {
		return h
	}
	return h[:model.HashPrefixLen] + "..."
}
