package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"aiInterview/internal/database"
)

const (
	tokenIssuer = "ai-interview"
	clockLeeway = 30 * time.Second

	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// AuthService 签发与校验 RS256 令牌。令牌的 audience 是账号所在的分区。
type AuthService struct {
	privateKey      *rsa.PrivateKey
	publicKey       *rsa.PublicKey
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
	parser          *jwt.Parser
}

// TokenPair 封装访问令牌与刷新令牌。
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// TokenClaims 是令牌中的业务字段。
// 不同分区的用户 ID 会重复，身份由 (Role, UserID) 共同确定。
type TokenClaims struct {
	UserID             uint          `json:"user_id"`
	Role               database.Role `json:"role"`
	TokenType          string        `json:"token_type"`
	MustChangePassword bool          `json:"must_change_password,omitempty"`
	jwt.RegisteredClaims
}

// NewAuthService 解析 PEM 密钥并构造服务实例。
func NewAuthService(privateKeyPEM, publicKeyPEM []byte, accessTTL, refreshTTL time.Duration) (*AuthService, error) {
	if len(privateKeyPEM) == 0 || len(publicKeyPEM) == 0 {
		return nil, errors.New("both private and public key pem are required")
	}
	if accessTTL <= 0 || refreshTTL <= 0 {
		return nil, fmt.Errorf("token ttl must be positive (access=%s refresh=%s)", accessTTL, refreshTTL)
	}

	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse rsa private key: %w", err)
	}
	publicKey, err := jwt.ParseRSAPublicKeyFromPEM(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse rsa public key: %w", err)
	}
	if !privateKey.PublicKey.Equal(publicKey) {
		return nil, errors.New("public key does not match private key")
	}

	return &AuthService{
		privateKey:      privateKey,
		publicKey:       publicKey,
		accessTokenTTL:  accessTTL,
		refreshTokenTTL: refreshTTL,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithIssuer(tokenIssuer),
			jwt.WithLeeway(clockLeeway),
			jwt.WithIssuedAt(),
		),
	}, nil
}

// GenerateTokenPair 为 role 分区中的账号签发一对令牌。只有刷新令牌带 jti，用于注销拉黑。
func (s *AuthService) GenerateTokenPair(userID uint, role database.Role, mustChangePassword bool) (TokenPair, error) {
	if !role.Valid() {
		return TokenPair{}, fmt.Errorf("unknown role %q", role)
	}
	now := time.Now()

	access := s.claims(userID, role, TokenTypeAccess, now, s.accessTokenTTL)
	access.MustChangePassword = mustChangePassword
	refresh := s.claims(userID, role, TokenTypeRefresh, now, s.refreshTokenTTL)
	refresh.ID = uuid.NewString()

	accessToken, err := s.sign(access)
	if err != nil {
		return TokenPair{}, err
	}
	refreshToken, err := s.sign(refresh)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}

// ValidateToken 校验签名、签发方与有效期，并确认 audience 与 role 声明一致。
func (s *AuthService) ValidateToken(tokenString string) (*TokenClaims, error) {
	if tokenString == "" {
		return nil, errors.New("token string is empty")
	}

	claims := &TokenClaims{}
	token, err := s.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return s.publicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if !claims.Role.Valid() {
		return nil, fmt.Errorf("invalid token role %q", claims.Role)
	}
	if len(claims.Audience) != 1 || claims.Audience[0] != string(claims.Role) {
		return nil, fmt.Errorf("token audience %v does not match role %q", claims.Audience, claims.Role)
	}
	if claims.TokenType != TokenTypeAccess && claims.TokenType != TokenTypeRefresh {
		return nil, fmt.Errorf("unknown token type %q", claims.TokenType)
	}
	return claims, nil
}

func (s *AuthService) claims(userID uint, role database.Role, tokenType string, now time.Time, ttl time.Duration) TokenClaims {
	return TokenClaims{
		UserID:    userID,
		Role:      role,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   strconv.FormatUint(uint64(userID), 10),
			Audience:  jwt.ClaimStrings{string(role)},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
}

func (s *AuthService) sign(claims TokenClaims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// AccessTokenTTL 暴露访问令牌有效期。
func (s *AuthService) AccessTokenTTL() time.Duration { return s.accessTokenTTL }

// RefreshTokenTTL 暴露刷新令牌有效期。
func (s *AuthService) RefreshTokenTTL() time.Duration { return s.refreshTokenTTL }
