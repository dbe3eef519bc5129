package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"lv-tradedesk/internal/model"
	"lv-tradedesk/internal/store"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

const minPasswordLength = 8

var (
	ErrMissingCredentials = errors.New("email and password required")
	ErrInvalidEmail       = errors.New("invalid email")
	ErrWeakPassword       = fmt.Errorf("password must be at least %d characters", minPasswordLength)
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

// Users is the slice of the store the auth service needs.
type Users interface {
	CreateUser(ctx context.Context, email, passwordHash string) (string, error)
	UserCredentials(ctx context.Context, email string) (string, string, error)
	GetUser(ctx context.Context, userID string) (model.User, error)
}

type Service struct {
	users  Users
	issuer string
	secret []byte
	ttl    time.Duration
	cost   int
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(users Users, issuer string, secret []byte, ttl time.Duration, logger zerolog.Logger) *Service {
	return &Service{
		users:  users,
		issuer: issuer,
		secret: secret,
		ttl:    ttl,
		cost:   bcrypt.DefaultCost,
		logger: logger.With().Str("component", "auth").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *Service) Register(ctx context.Context, email, password string) (string, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return "", ErrMissingCredentials
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return "", ErrInvalidEmail
	}
	if len(password) < minPasswordLength {
		return "", ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	userID, err := s.users.CreateUser(ctx, email, string(hash))
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return "", ErrEmailTaken
		}
		return "", fmt.Errorf("create user: %w", err)
	}
	s.logger.Info().Str("user_id", userID).Msg("user registered")
	return userID, nil
}

// Login checks the password and returns a signed access token.
func (s *Service) Login(ctx context.Context, email, password string) (string, error) {
	userID, hash, err := s.users.UserCredentials(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", fmt.Errorf("load credentials: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.signToken(userID)
}

func (s *Service) GetUser(ctx context.Context, userID string) (model.User, error) {
	return s.users.GetUser(ctx, userID)
}

func (s *Service) signToken(userID string) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(s.secret)
}

// ParseToken validates signature, issuer and expiry and returns the subject.
func (s *Service) ParseToken(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
