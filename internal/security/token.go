package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/filecoin-project/go-clock"
	"github.com/golang-jwt/jwt/v5"

	"github.com/keygatehq/keygate/internal/model"
)

const tokenIssuer = "keygate"

var (
	// ErrTokenInvalid means the token is malformed, tampered with, or signed
	// with another secret.
	ErrTokenInvalid = errors.New("token invalid")
	// ErrTokenExpired means the signature verified but the expiry has passed.
	ErrTokenExpired = errors.New("token expired")
)

// TokenSigner mints and verifies HS256 session tokens.
type TokenSigner struct {
	secret []byte
	clock  clock.Clock
}

// NewTokenSigner returns a signer bound to secret. A nil clock uses the
// wall clock.
func NewTokenSigner(secret string, clk clock.Clock) (*TokenSigner, error) {
	if secret == "" {
		return nil, errors.New("token secret must not be empty")
	}
	if clk == nil {
		clk = clock.New()
	}
	return &TokenSigner{secret: []byte(secret), clock: clk}, nil
}

type sessionClaims struct {
	AccountID   string             `json:"account_id"`
	Username    string             `json:"username"`
	Role        model.Role         `json:"role"`
	Permissions []model.Permission `json:"permissions"`
	Hidden      bool               `json:"hidden,omitempty"`
	jwt.RegisteredClaims
}

// Sign mints a token for c that expires ttl from now. IssuedAt and
// ExpiresAt on c are set to the values embedded in the token.
func (s *TokenSigner) Sign(c *model.SessionClaims, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("session ttl must be positive, got %s", ttl)
	}
	// Token timestamps have second precision.
	now := s.clock.Now().UTC().Truncate(time.Second)
	c.IssuedAt = now
	c.ExpiresAt = now.Add(ttl)

	claims := sessionClaims{
		AccountID:   c.AccountID,
		Username:    c.Username,
		Role:        c.Role,
		Permissions: c.Permissions,
		Hidden:      c.Hidden,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   c.AccountID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(c.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(c.ExpiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Verify checks the token's signature and expiry and returns its claims.
// A bad signature yields ErrTokenInvalid even when the token is also past
// its expiry.
func (s *TokenSigner) Verify(tokenStr string) (*model.SessionClaims, error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.clock.Now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(tokenIssuer),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if !token.Valid || claims.AccountID == "" {
		return nil, ErrTokenInvalid
	}

	out := &model.SessionClaims{
		AccountID:   claims.AccountID,
		Username:    claims.Username,
		Role:        claims.Role,
		Permissions: claims.Permissions,
		Hidden:      claims.Hidden,
		ExpiresAt:   claims.ExpiresAt.Time.UTC(),
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time.UTC()
	}
	return out, nil
}
