package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Access tokens are HS256 JWTs presented as a Bearer token on API requests
// and on the realtime handshake. Besides the registered claims they carry
//
//	uid   the platform user ID
//	role  admin | moderator | coordinator | runner | family | public | service
//
// The role selects default topic groups and guards the admin endpoints.

// AccessTokenExpiry is the lifetime of tokens minted by GenerateAccessToken.
const AccessTokenExpiry = time.Hour

// clockSkew tolerates drift between the identity service and us.
const clockSkew = 30 * time.Second

var (
	ErrInvalidAccessToken = errors.New("invalid access token")
	ErrAccessTokenExpired = errors.New("access token has expired")
	ErrMissingRole        = errors.New("access token has no role")
)

// JWTClaims is the claim set of an access token.
type JWTClaims struct {
	jwt.RegisteredClaims

	UserID string `json:"uid"`
	Role   string `json:"role"`
}

// Principal returns the caller the claims describe.
func (c *JWTClaims) Principal() Principal {
	return Principal{UserID: c.UserID, Role: c.Role}
}

// JWTConfig configures a JWTService. Issuer and Audience are checked only
// when set.
type JWTConfig struct {
	// SigningKey is shared with the identity service.
	SigningKey string
	Issuer     string
	Audience   string
}

// JWTService validates access tokens and mints them for tests, the console
// and service-to-service callers that share the key.
type JWTService struct {
	key      []byte
	issuer   string
	audience string
	parser   *jwt.Parser
	now      func() time.Time
}

func NewJWTService(cfg JWTConfig) *JWTService {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockSkew),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &JWTService{
		key:      []byte(cfg.SigningKey),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		parser:   jwt.NewParser(opts...),
		now:      time.Now,
	}
}

// GenerateAccessToken mints a token for p valid for AccessTokenExpiry.
func (s *JWTService) GenerateAccessToken(p Principal) (string, time.Time, error) {
	return s.GenerateAccessTokenWithExpiry(p, AccessTokenExpiry)
}

// GenerateAccessTokenWithExpiry mints a token for p valid for ttl.
func (s *JWTService) GenerateAccessTokenWithExpiry(p Principal, ttl time.Duration) (string, time.Time, error) {
	issuedAt := s.now()
	expiresAt := issuedAt.Add(ttl)

	registered := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    s.issuer,
		Subject:   p.UserID,
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		NotBefore: jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	if s.audience != "" {
		registered.Audience = jwt.ClaimStrings{s.audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, JWTClaims{
		RegisteredClaims: registered,
		UserID:           p.UserID,
		Role:             p.Role,
	}).SignedString(s.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing access token: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateAccessToken checks signature, lifetime, issuer and audience, and
// requires both uid and role.
func (s *JWTService) ValidateAccessToken(raw string) (*JWTClaims, error) {
	claims := &JWTClaims{}
	_, err := s.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrAccessTokenExpired
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidAccessToken, err)
	case claims.UserID == "":
		return nil, fmt.Errorf("%w: no uid claim", ErrInvalidAccessToken)
	case claims.Role == "":
		return nil, ErrMissingRole
	}
	return claims, nil
}

// Authenticate validates raw and returns its principal.
func (s *JWTService) Authenticate(raw string) (Principal, error) {
	claims, err := s.ValidateAccessToken(raw)
	if err != nil {
		return Principal{}, err
	}
	return claims.Principal(), nil
}
