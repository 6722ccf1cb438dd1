package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"farm-marketplace/internal/docstore"
	"farm-marketplace/internal/models"
	"farm-marketplace/internal/util"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Token audiences
const (
	AudienceAPI      = "api"
	AudienceDocstore = "docstore"
)

const minPasswordLength = 6

// Claims are the JWT claims of access and exchange tokens
type Claims struct {
	UserID string      `json:"userId"`
	Name   string      `json:"name"`
	Role   models.Role `json:"role"`
	jwt.RegisteredClaims
}

// AuthService registers users, checks credentials and issues tokens
type AuthService struct {
	store       docstore.Store
	secret      []byte
	accessTTL   time.Duration
	exchangeTTL time.Duration
	logger      *zap.Logger
}

func NewAuthService(store docstore.Store, secret string, accessTTL, exchangeTTL time.Duration) *AuthService {
	return &AuthService{
		store:       store,
		secret:      []byte(secret),
		accessTTL:   accessTTL,
		exchangeTTL: exchangeTTL,
		logger:      util.GetLogger(),
	}
}

// RegisterRequest represents a sign-up form
type RegisterRequest struct {
	Email    string      `json:"email" binding:"required"`
	Password string      `json:"password" binding:"required"`
	Name     string      `json:"name" binding:"required"`
	Role     models.Role `json:"role" binding:"required"`
}

// LoginResult is returned on successful sign-in
type LoginResult struct {
	Token     string          `json:"token"`
	ExpiresAt time.Time       `json:"expiresAt"`
	User      models.Identity `json:"user"`
	Redirect  string          `json:"redirect"`
}

// Register creates a user with a bcrypt password hash and the role profile
// under the matching party namespace
func (s *AuthService) Register(ctx context.Context, req *RegisterRequest) (_ *models.User, err error) {
	ctx, span := util.StartSpan(ctx, "AuthService.Register")
	defer func() { util.EndSpan(span, err) }()

	email := strings.ToLower(strings.TrimSpace(req.Email))
	name := strings.TrimSpace(req.Name)
	switch {
	case email == "" || !strings.Contains(email, "@"):
		return nil, validationError("a valid email is required")
	case len(req.Password) < minPasswordLength:
		return nil, validationError("password must be at least %d characters", minPasswordLength)
	case name == "":
		return nil, validationError("name is required")
	case !req.Role.Valid():
		return nil, validationError("role must be farmer or organization")
	}

	existing, err := s.store.Query(ctx, models.UsersPath, "email", email)
	if err != nil {
		return nil, fmt.Errorf("failed to check email: %w", err)
	}
	if len(existing) > 0 {
		util.AuthAttemptsTotal.WithLabelValues("register", "duplicate").Inc()
		return nil, ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	id, err := s.store.Create(ctx, models.UsersPath)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate user id: %w", err)
	}

	now := timeNow()
	user := &models.User{
		ID:           id,
		Email:        email,
		PasswordHash: string(hash),
		Name:         name,
		Role:         req.Role,
		CreatedAt:    now,
	}
	if err := s.store.Write(ctx, models.UserPath(id), user); err != nil {
		return nil, fmt.Errorf("failed to write user: %w", err)
	}

	profile := &models.Profile{ID: id, Name: name, Email: email, Role: req.Role, CreatedAt: now}
	if err := s.store.Write(ctx, models.ProfilePath(id, req.Role), profile); err != nil {
		return nil, fmt.Errorf("failed to write profile: %w", err)
	}

	util.AuthAttemptsTotal.WithLabelValues("register", "ok").Inc()
	s.logger.Info("User registered", zap.String("user_id", id), zap.String("role", string(req.Role)))
	return user, nil
}

// Login checks credentials and issues an access token together with the
// dashboard the role lands on
func (s *AuthService) Login(ctx context.Context, email, password string) (_ *LoginResult, err error) {
	ctx, span := util.StartSpan(ctx, "AuthService.Login")
	defer func() { util.EndSpan(span, err) }()

	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, validationError("email and password are required")
	}

	matches, err := s.store.Query(ctx, models.UsersPath, "email", email)
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	var user *models.User
	for key := range matches {
		var u models.User
		if err := matches.Decode(key, &u); err == nil {
			user = &u
			break
		}
	}
	if user == nil {
		util.AuthAttemptsTotal.WithLabelValues("login", "unknown_user").Inc()
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		util.AuthAttemptsTotal.WithLabelValues("login", "bad_password").Inc()
		return nil, ErrInvalidCredentials
	}

	identity := models.Identity{UserID: user.ID, DisplayName: user.Name, Role: user.Role}
	token, exp, err := s.issue(identity, AudienceAPI, s.accessTTL)
	if err != nil {
		return nil, err
	}

	util.AuthAttemptsTotal.WithLabelValues("login", "ok").Inc()
	return &LoginResult{
		Token:     token,
		ExpiresAt: exp,
		User:      identity,
		Redirect:  models.DashboardPath(user.Role),
	}, nil
}

// MintExchangeToken issues a short-lived token binding the identity for the
// document store's own authorization layer
func (s *AuthService) MintExchangeToken(identity models.Identity) (string, time.Time, error) {
	if identity.UserID == "" {
		return "", time.Time{}, ErrUnauthenticated
	}
	return s.issue(identity, AudienceDocstore, s.exchangeTTL)
}

// ParseToken verifies a token issued for audience and returns its identity
func (s *AuthService) ParseToken(tokenString, audience string) (models.Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return models.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.UserID == "" || !claims.Role.Valid() {
		return models.Identity{}, fmt.Errorf("%w: missing identity claims", ErrInvalidToken)
	}
	return models.Identity{UserID: claims.UserID, DisplayName: claims.Name, Role: claims.Role}, nil
}

// Profile returns the role profile of an identity
func (s *AuthService) Profile(ctx context.Context, identity models.Identity) (*models.Profile, error) {
	var p models.Profile
	if err := s.store.Get(ctx, models.ProfilePath(identity.UserID, identity.Role), &p); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}
	return &p, nil
}

func (s *AuthService) issue(identity models.Identity, audience string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(ttl)
	claims := Claims{
		UserID: identity.UserID,
		Name:   identity.DisplayName,
		Role:   identity.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			Issuer:    util.ServiceName,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token generation failed: %w", err)
	}
	return signed, exp, nil
}
