package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidToken indicates an access token failed validation.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrInvalidRefreshToken indicates a refresh token is unknown, expired or already used.
	ErrInvalidRefreshToken = errors.New("auth: invalid refresh token")
	// ErrUserNotFound is returned by UserGetter implementations.
	ErrUserNotFound = errors.New("auth: user not found")
)

// Claims are the access token claims.
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// UserGetter loads users by id. Refresh needs it to re-issue claims with the
// user's current role.
type UserGetter interface {
	GetUser(ctx context.Context, id string) (*User, error)
}

// RefreshStore persists refresh token hashes.
type RefreshStore interface {
	Save(ctx context.Context, record *RefreshRecord) error
	// Consume revokes the token identified by hash and returns its record. It
	// must be atomic: of two concurrent calls only one succeeds. Unknown,
	// revoked and expired tokens return ErrInvalidRefreshToken.
	Consume(ctx context.Context, hash string, now time.Time) (*RefreshRecord, error)
	// PurgeExpired deletes records that expired before now.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// TokenConfig configures the TokenService.
type TokenConfig struct {
	Secret     []byte
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// TokenService issues and validates session credentials.
type TokenService struct {
	config    TokenConfig
	refresh   RefreshStore
	users     UserGetter
	generator *TokenGenerator
	now       func() time.Time
}

// NewTokenService creates a TokenService, filling in default TTLs.
func NewTokenService(config TokenConfig, refresh RefreshStore, users UserGetter) *TokenService {
	if config.AccessTTL <= 0 {
		config.AccessTTL = 15 * time.Minute
	}
	if config.RefreshTTL <= 0 {
		config.RefreshTTL = 30 * 24 * time.Hour
	}
	if config.Issuer == "" {
		config.Issuer = "warden"
	}
	return &TokenService{
		config:    config,
		refresh:   refresh,
		users:     users,
		generator: NewTokenGenerator(),
		now:       time.Now,
	}
}

// IssueSession produces an access token and a persisted refresh token for user.
func (s *TokenService) IssueSession(ctx context.Context, user *User) (*Session, error) {
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return nil, errors.New("auth: user id is required")
	}

	now := s.now().UTC()
	accessToken, err := s.signAccessToken(user, now)
	if err != nil {
		return nil, err
	}

	refreshToken, hash, err := s.generator.GenerateToken()
	if err != nil {
		return nil, err
	}
	record := &RefreshRecord{
		TokenHash: hash,
		UserID:    user.ID,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.config.RefreshTTL),
	}
	if err := s.refresh.Save(ctx, record); err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}

	return &Session{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		TokenType:        "Bearer",
		ExpiresIn:        int64(s.config.AccessTTL.Seconds()),
		RefreshExpiresIn: int64(s.config.RefreshTTL.Seconds()),
	}, nil
}

// Refresh revokes refreshToken and issues a new session for its owner.
func (s *TokenService) Refresh(ctx context.Context, refreshToken string) (*Session, *User, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if err := s.generator.ValidateTokenFormat(refreshToken); err != nil {
		return nil, nil, ErrInvalidRefreshToken
	}

	record, err := s.refresh.Consume(ctx, s.generator.HashToken(refreshToken), s.now().UTC())
	if err != nil {
		return nil, nil, err
	}

	user, err := s.users.GetUser(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, nil, ErrInvalidRefreshToken
		}
		return nil, nil, fmt.Errorf("load user: %w", err)
	}

	session, err := s.IssueSession(ctx, user)
	if err != nil {
		return nil, nil, err
	}
	return session, user, nil
}

// ParseAccessToken verifies signature, issuer and expiry.
func (s *TokenService) ParseAccessToken(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return s.config.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.config.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// PurgeExpiredRefreshTokens removes expired refresh records.
func (s *TokenService) PurgeExpiredRefreshTokens(ctx context.Context) (int64, error) {
	return s.refresh.PurgeExpired(ctx, s.now().UTC())
}

func (s *TokenService) signAccessToken(user *User, now time.Time) (string, error) {
	claims := Claims{
		Email: user.Email,
		Role:  user.BaseRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.config.Issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.AccessTTL)),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.config.Secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
