package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type TokenKind string

const (
	AccessToken  TokenKind = "access"
	RefreshToken TokenKind = "refresh"
)

type JWTManager struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	issuer     string
}

type TokenPair struct {
	AccessToken  string
	RefreshToken string
	AccessExp    time.Time
	RefreshExp   time.Time
	JTI          string
}

// Claims is the subset of token claims the server acts on.
type Claims struct {
	UserID       string
	Kind         TokenKind
	TokenVersion int
	Roles        []string
	JTI          string
}

func NewJWTManager(privatePath, publicPath, issuer string) (*JWTManager, error) {
	privPem, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	privKey, err := jwt.ParseRSAPrivateKeyFromPEM(privPem)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	pubPem, err := os.ReadFile(publicPath)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	pubKey, err := jwt.ParseRSAPublicKeyFromPEM(pubPem)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	return NewJWTManagerFromKeys(privKey, pubKey, issuer), nil
}

// NewJWTManagerFromKeys builds a manager from parsed keys.
func NewJWTManagerFromKeys(priv *rsa.PrivateKey, pub *rsa.PublicKey, issuer string) *JWTManager {
	return &JWTManager{privateKey: priv, publicKey: pub, issuer: issuer}
}

// createJWT makes a signed JWT for given claims
func (m *JWTManager) createJWT(userID string, kind TokenKind, ttl time.Duration, tokenVersion int, jti string, roles []string) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(ttl)

	claims := jwt.MapClaims{
		"iss": m.issuer,
		"sub": userID,
		"iat": now.Unix(),
		"exp": exp.Unix(),
		"jti": jti,
		"typ": string(kind),
		"ver": tokenVersion,
	}
	if len(roles) > 0 {
		claims["roles"] = roles
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tokenStr, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", time.Time{}, err
	}
	return tokenStr, exp, nil
}

// GenerateTokenPair – create access + refresh tokens
func (m *JWTManager) GenerateTokenPair(userID string, accessTTL, refreshTTL time.Duration, tokenVersion int, roles []string) (*TokenPair, error) {
	jti := uuid.New().String()
	accessToken, accessExp, err := m.createJWT(userID, AccessToken, accessTTL, tokenVersion, jti, roles)
	if err != nil {
		return nil, err
	}

	refreshJTI := uuid.New().String()
	refreshToken, refreshExp, err := m.createJWT(userID, RefreshToken, refreshTTL, tokenVersion, refreshJTI, roles)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		AccessExp:    accessExp,
		RefreshExp:   refreshExp,
		JTI:          jti,
	}, nil
}

// VerifyToken checks the RS256 signature, expiry and issuer and returns the
// claims.
func (m *JWTManager) VerifyToken(tokenStr string) (*Claims, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodRS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.publicKey, nil
	}, jwt.WithLeeway(5*time.Second), jwt.WithIssuer(m.issuer))
	if err != nil {
		return nil, err
	}
	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}

	sub, _ := mc["sub"].(string)
	if sub == "" {
		return nil, errors.New("invalid token sub")
	}
	typ, _ := mc["typ"].(string)
	jti, _ := mc["jti"].(string)
	ver, _ := mc["ver"].(float64)
	var roles []string
	if raw, ok := mc["roles"].([]interface{}); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				roles = append(roles, s)
			}
		}
	}
	return &Claims{UserID: sub, Kind: TokenKind(typ), TokenVersion: int(ver), Roles: roles, JTI: jti}, nil
}
