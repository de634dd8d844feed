package service

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Admin identity errors.
var (
	ErrDuplicateUsername    = errors.New("username already exists")
	ErrInvalidRole          = errors.New("invalid role")
	ErrInvalidAdminRequest  = errors.New("invalid admin request")
	ErrAuthenticationFailed = errors.New("invalid username or password")
	ErrSessionInvalid       = errors.New("session invalid")
	// ErrSessionExpired wraps ErrSessionInvalid so authorization checks can
	// treat both alike while callers can still tell them apart.
	ErrSessionExpired = fmt.Errorf("%w: expired", ErrSessionInvalid)
)

// Temporary key errors. Validation failures are reported as *KeyError
// wrapping one of the first six.
var (
	ErrKeyNotFound         = errors.New("key not found")
	ErrKeyExpired          = errors.New("key expired")
	ErrKeyRevoked          = errors.New("key revoked")
	ErrOutsideWorkingHours = errors.New("outside working hours")
	ErrUsageLimitExceeded  = errors.New("usage limit exceeded")
	ErrIPNotWhitelisted    = errors.New("ip not whitelisted")
	ErrInvalidKeyRequest   = errors.New("invalid key request")
	ErrAmbiguousPrefix     = errors.New("key prefix matches more than one key")
)

// ErrStoreUnavailable is wrapped around every persistence failure surfaced
// to callers.
var ErrStoreUnavailable = errors.New("store unavailable")

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// KeyError describes why a temporary key validation was refused.
type KeyError struct {
	Reason     error
	ClientName string
	// CurrentHour and ValidHours are set for ErrOutsideWorkingHours.
	CurrentHour int
	ValidHours  []int
}

func (e *KeyError) Error() string {
	if errors.Is(e.Reason, ErrOutsideWorkingHours) {
		hours := make([]string, len(e.ValidHours))
		for i, h := range e.ValidHours {
			hours[i] = strconv.Itoa(h)
		}
		return fmt.Sprintf("%v: current hour %d, valid hours [%s]",
			e.Reason, e.CurrentHour, strings.Join(hours, ","))
	}
	return e.Reason.Error()
}

func (e *KeyError) Unwrap() error {
	return e.Reason
}

var reasonCodes = []struct {
	err  error
	code string
}{
	{ErrKeyNotFound, "key_not_found"},
	{ErrKeyExpired, "key_expired"},
	{ErrKeyRevoked, "key_revoked"},
	{ErrOutsideWorkingHours, "outside_working_hours"},
	{ErrUsageLimitExceeded, "usage_limit_exceeded"},
	{ErrIPNotWhitelisted, "ip_not_whitelisted"},
}

// ReasonCode returns the stable machine-readable code for a key validation
// failure, or "" if err is not one.
func ReasonCode(err error) string {
	for _, rc := range reasonCodes {
		if errors.Is(err, rc.err) {
			return rc.code
		}
	}
	return ""
}
