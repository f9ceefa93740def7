package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ta4ilka69/distributed-data-storage-systems/internal/auth"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/config"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/models"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type AuthService struct {
	users *RegionStore
	jwt   *auth.JWTManager
	cfg   *config.Config
	logr  *zap.Logger
}

func NewAuthService(users *RegionStore, jwt *auth.JWTManager, cfg *config.Config, logr *zap.Logger) *AuthService {
	return &AuthService{users: users, jwt: jwt, cfg: cfg, logr: logr}
}

// HashPassword uses bcrypt
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(b), err
}

func ComparePassword(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

type UserInfo struct {
	ID       string            `json:"id"`
	Username string            `json:"username"`
	FullName string            `json:"fullName"`
	Status   models.UserStatus `json:"status"`
	Roles    []string          `json:"roles"`
}

func userInfo(u models.User) *UserInfo {
	return &UserInfo{ID: u.ID, Username: u.Username, FullName: u.FullName, Status: u.Status, Roles: roles(u)}
}

func roles(u models.User) []string {
	return []string{string(u.Status)}
}

// Login checks the password and issues a token pair.
func (s *AuthService) Login(ctx context.Context, username, password string) (*auth.TokenPair, *UserInfo, error) {
	u, err := s.users.FindByUsername(username)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, err
	}
	if u.PasswordHash == "" {
		return nil, nil, ErrInvalidCredentials
	}
	if err := ComparePassword(u.PasswordHash, password); err != nil {
		s.logr.Warn("login rejected", zap.String("username", u.Username))
		return nil, nil, ErrInvalidCredentials
	}

	pair, err := s.jwt.GenerateTokenPair(u.ID, s.cfg.AccessTokenTTL, s.cfg.RefreshTokenTTL, u.TokenVersion, roles(u))
	if err != nil {
		return nil, nil, fmt.Errorf("issue tokens: %w", err)
	}
	s.logr.Info("login", zap.String("user_id", u.ID))
	return pair, userInfo(u), nil
}

// Refresh verifies a refresh token and rotates the pair. Tokens issued before
// the last logout are refused through the token version.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*auth.TokenPair, error) {
	claims, err := s.jwt.VerifyToken(refreshToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if claims.Kind != auth.RefreshToken {
		return nil, fmt.Errorf("%w: not a refresh token", ErrInvalidCredentials)
	}
	u, err := s.users.GetUser(claims.UserID)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if u.TokenVersion != claims.TokenVersion {
		return nil, fmt.Errorf("%w: token revoked", ErrInvalidCredentials)
	}
	return s.jwt.GenerateTokenPair(u.ID, s.cfg.AccessTokenTTL, s.cfg.RefreshTokenTTL, u.TokenVersion, roles(u))
}

// Logout revokes every token of the user.
func (s *AuthService) Logout(ctx context.Context, userID string) error {
	_, err := s.users.BumpTokenVersion(ctx, userID)
	return err
}

func (s *AuthService) CheckTokenVersion(ctx context.Context, userID string, tokenVersion int) (bool, error) {
	u, err := s.users.GetUser(userID)
	if err != nil {
		return false, err
	}
	return u.TokenVersion == tokenVersion, nil
}

// Authenticate verifies an access token and its version and returns the user
// id. The websocket handshake uses it for the token query parameter.
func (s *AuthService) Authenticate(ctx context.Context, token string) (string, error) {
	claims, err := s.jwt.VerifyToken(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if claims.Kind != auth.AccessToken {
		return "", fmt.Errorf("%w: not an access token", ErrInvalidCredentials)
	}
	ok, err := s.CheckTokenVersion(ctx, claims.UserID, claims.TokenVersion)
	if err != nil || !ok {
		return "", errors.Join(ErrInvalidCredentials, err)
	}
	return claims.UserID, nil
}

// AccessTTL is the lifetime of issued access tokens.
func (s *AuthService) AccessTTL() time.Duration { return s.cfg.AccessTokenTTL }
