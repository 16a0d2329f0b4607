package services

import (
	"errors"
	"time"
	"unicode/utf8"

	"boardnet/internal/core/domain"
	"boardnet/pkg/utils"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrExpiredToken       = errors.New("token expired")
	ErrInvalidDisplayName = errors.New("display name must be 1 to 64 characters")
)

const maxDisplayNameLength = 64

// AuthService stands in for the identity provider: it signs a session for a
// display name and validates the resulting tokens.
type AuthService interface {
	IssueSession(displayName string) (*domain.Session, error)
	RenewSession(user domain.User) (*domain.Session, error)
	ValidateToken(tokenString string) (*domain.User, error)
}

type Claims struct {
	UserID      domain.UserID `json:"user_id"`
	DisplayName string        `json:"display_name"`
	jwt.RegisteredClaims
}

type authService struct {
	jwtSecret      []byte
	accessTokenTTL time.Duration
	now            func() time.Time
}

func NewAuthService(jwtSecret string, accessTokenTTL time.Duration) AuthService {
	return &authService{
		jwtSecret:      []byte(jwtSecret),
		accessTokenTTL: accessTokenTTL,
		now:            time.Now,
	}
}

func (s *authService) IssueSession(displayName string) (*domain.Session, error) {
	displayName = utils.SanitizeString(displayName)
	if displayName == "" || utf8.RuneCountInString(displayName) > maxDisplayNameLength {
		return nil, ErrInvalidDisplayName
	}
	return s.sign(domain.User{
		ID:          domain.UserID(utils.GenerateUserID()),
		DisplayName: displayName,
	})
}

// RenewSession signs a fresh token for an already validated user.
func (s *authService) RenewSession(user domain.User) (*domain.Session, error) {
	if user.ID == "" {
		return nil, domain.ErrInvalidToken
	}
	return s.sign(user)
}

func (s *authService) sign(user domain.User) (*domain.Session, error) {
	now := s.now()
	expires := now.Add(s.accessTokenTTL)
	claims := &Claims{
		UserID:      user.ID,
		DisplayName: user.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(user.ID),
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return nil, err
	}
	user.IssuedAt = now
	return &domain.Session{User: user, Token: token, ExpiresAt: expires}, nil
}

func (s *authService) ValidateToken(tokenString string) (*domain.User, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, domain.ErrInvalidToken
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, domain.ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, domain.ErrInvalidToken
	}
	user := &domain.User{ID: claims.UserID, DisplayName: claims.DisplayName}
	if claims.IssuedAt != nil {
		user.IssuedAt = claims.IssuedAt.Time
	}
	return user, nil
}
