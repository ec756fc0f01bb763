package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultAccessTTL  = 7 * 24 * time.Hour
	DefaultRefreshTTL = 30 * 24 * time.Hour

	defaultIssuer   = "bizdesk"
	defaultAudience = "bizdesk-api"

	// MinSecretLength is the shortest HS256 secret accepted.
	MinSecretLength = 32
)

// TokenUse separates access from refresh tokens inside the claims.
type TokenUse string

const (
	UseAccess  TokenUse = "access"
	UseRefresh TokenUse = "refresh"
)

// Payload is the identity carried by both tokens of a pair.
type Payload struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

// Claims represents JWT claims used across the service.
type Claims struct {
	Payload
	Use        TokenUse `json:"use"`
	RememberMe bool     `json:"rmb,omitempty"`
	jwt.RegisteredClaims
}

// TokenPair is what login, refresh and password flows hand back to clients.
// ExpiresIn is the access token lifetime in seconds.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// Verified is the result of a successful verification.
type Verified struct {
	Payload
	RememberMe bool
	IssuedAt   time.Time
	ExpiresAt  time.Time
	ID         string
}

// TokenService signs and verifies HS256 tokens. Access and refresh tokens
// use separate secrets so one can never be replayed as the other.
type TokenService struct {
	accessSecret  []byte
	refreshSecret []byte
	issuer        string
	audience      string
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

// TokenOption configures TokenService behavior.
type TokenOption func(*TokenService) error

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) TokenOption {
	return func(s *TokenService) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
		return nil
	}
}

// WithAudience overrides the audience claim.
func WithAudience(aud string) TokenOption {
	return func(s *TokenService) error {
		if aud = strings.TrimSpace(aud); aud != "" {
			s.audience = aud
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithTokenClock overrides time source (useful for tests).
func WithTokenClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewTokenService validates both secrets and applies options.
func NewTokenService(accessSecret, refreshSecret string, opts ...TokenOption) (*TokenService, error) {
	if len(accessSecret) < MinSecretLength {
		return nil, fmt.Errorf("%w: access secret must be at least %d bytes", ErrMissingSecret, MinSecretLength)
	}
	if len(refreshSecret) < MinSecretLength {
		return nil, fmt.Errorf("%w: refresh secret must be at least %d bytes", ErrMissingSecret, MinSecretLength)
	}
	if accessSecret == refreshSecret {
		return nil, fmt.Errorf("%w: access and refresh secrets must differ", ErrMissingSecret)
	}
	svc := &TokenService{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		issuer:        defaultIssuer,
		audience:      defaultAudience,
		accessTTL:     DefaultAccessTTL,
		refreshTTL:    DefaultRefreshTTL,
		now:           time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// IssuePair signs a fresh access and refresh token for p. Without remember
// the refresh token lives only as long as the access token.
func (s *TokenService) IssuePair(p Payload, remember bool) (TokenPair, error) {
	if strings.TrimSpace(p.UserID) == "" {
		return TokenPair{}, errors.New("auth: token payload without user id")
	}
	now := s.now().UTC()
	access, err := s.sign(p, UseAccess, false, now, s.accessTTL, s.accessSecret)
	if err != nil {
		return TokenPair{}, err
	}
	refreshTTL := s.accessTTL
	if remember {
		refreshTTL = s.refreshTTL
	}
	refresh, err := s.sign(p, UseRefresh, remember, now, refreshTTL, s.refreshSecret)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(s.accessTTL / time.Second),
	}, nil
}

func (s *TokenService) sign(p Payload, use TokenUse, remember bool, now time.Time, ttl time.Duration, secret []byte) (string, error) {
	claims := Claims{
		Payload:    p,
		Use:        use,
		RememberMe: remember,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   p.UserID,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", use, err)
	}
	return signed, nil
}

// VerifyAccess checks signature, expiry, issuer, audience and use.
func (s *TokenService) VerifyAccess(token string) (Verified, error) {
	return s.verify(token, UseAccess, s.accessSecret)
}

// VerifyRefresh is VerifyAccess for refresh tokens.
func (s *TokenService) VerifyRefresh(token string) (Verified, error) {
	return s.verify(token, UseRefresh, s.refreshSecret)
}

func (s *TokenService) verify(token string, use TokenUse, secret []byte) (Verified, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Verified{}, ErrMalformedToken
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		return Verified{}, classifyJWTError(err)
	}
	if !parsed.Valid {
		return Verified{}, ErrInvalidToken
	}
	if err := validateClaims(claims, use); err != nil {
		return Verified{}, err
	}
	return Verified{
		Payload:    claims.Payload,
		RememberMe: claims.RememberMe,
		IssuedAt:   claims.IssuedAt.Time,
		ExpiresAt:  claims.ExpiresAt.Time,
		ID:         claims.ID,
	}, nil
}

func validateClaims(claims *Claims, use TokenUse) error {
	if claims.Use != use {
		return fmt.Errorf("%w: wrong token use %q", ErrInvalidToken, claims.Use)
	}
	if strings.TrimSpace(claims.UserID) == "" || claims.Subject != claims.UserID {
		return fmt.Errorf("%w: subject mismatch", ErrInvalidToken)
	}
	if claims.IssuedAt == nil {
		return fmt.Errorf("%w: issued-at missing", ErrInvalidToken)
	}
	return nil
}

func classifyJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformedToken
	default:
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
}
