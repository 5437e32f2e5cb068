// Package auth signs users up and in with email and password and issues
// the session tokens the web server keeps in a cookie.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	jwt "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/blinktest/blinktest/internal/store"
)

const DefaultSessionTTL = 30 * 24 * time.Hour

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("an account with this email already exists")
	ErrInvalidSession     = errors.New("session is invalid or expired")
)

// ProfileStore is the part of the record store auth needs.
type ProfileStore interface {
	CreateProfile(ctx context.Context, p *store.Profile) error
	GetProfile(ctx context.Context, id string) (*store.Profile, error)
	GetProfileByEmail(ctx context.Context, email string) (*store.Profile, error)
}

type SignUpInput struct {
	Email    string `validate:"required,email,max=254"`
	Password string `validate:"required,min=6,max=72"`
	Name     string `validate:"required,max=80"`
}

type SignInInput struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required"`
}

// Session is a signed-in profile with its token.
type Session struct {
	Token     string
	Profile   *store.Profile
	ExpiresAt time.Time
}

type Claims struct {
	UID   string `json:"uid"`
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

type Service struct {
	profiles ProfileStore
	secret   []byte
	ttl      time.Duration
	now      func() time.Time
	validate *validator.Validate
}

type Option func(*Service)

func WithTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

// WithNow overrides the clock used for token timestamps.
func WithNow(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(profiles ProfileStore, secret string, opts ...Option) *Service {
	s := &Service{
		profiles: profiles,
		secret:   []byte(secret),
		ttl:      DefaultSessionTTL,
		now:      time.Now,
		validate: validator.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) TTL() time.Duration { return s.ttl }

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// SignUp creates a member profile and signs it in.
func (s *Service) SignUp(ctx context.Context, in SignUpInput) (*Session, error) {
	in.Email = normalizeEmail(in.Email)
	in.Name = strings.TrimSpace(in.Name)
	if err := s.validate.Struct(in); err != nil {
		return nil, newValidationError(err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	p := &store.Profile{
		Email:        in.Email,
		Name:         in.Name,
		Role:         store.RoleMember,
		PasswordHash: hash,
	}
	if err := s.profiles.CreateProfile(ctx, p); err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("failed to create profile: %w", err)
	}

	return s.issue(p)
}

// SignIn checks the password and starts a session.
func (s *Service) SignIn(ctx context.Context, in SignInInput) (*Session, error) {
	in.Email = normalizeEmail(in.Email)
	if err := s.validate.Struct(in); err != nil {
		return nil, newValidationError(err)
	}

	p, err := s.profiles.GetProfileByEmail(ctx, in.Email)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword(p.PasswordHash, []byte(in.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return s.issue(p)
}

// Current resolves a session token to its profile. The profile is read
// fresh so role changes apply without signing in again.
func (s *Service) Current(ctx context.Context, token string) (*store.Profile, error) {
	claims, err := s.parse(token)
	if err != nil {
		return nil, err
	}

	p, err := s.profiles.GetProfile(ctx, claims.UID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	return p, nil
}

func (s *Service) issue(p *store.Profile) (*Session, error) {
	now := s.now()
	expires := now.Add(s.ttl)
	claims := Claims{
		UID:   p.ID,
		Email: p.Email,
		Role:  string(p.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return &Session{Token: token, Profile: p, ExpiresAt: expires}, nil
}

func (s *Service) parse(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrInvalidSession
	}
	t, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	claims, ok := t.Claims.(*Claims)
	if !ok || !t.Valid || claims.UID == "" {
		return nil, ErrInvalidSession
	}
	return claims, nil
}
