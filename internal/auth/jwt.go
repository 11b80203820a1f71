package auth

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const apiKeyPrefix = "llmux-"

// JWTManager issues and validates the bearer tokens guarding management
// endpoints.
type JWTManager struct {
	secretKey string
}

// Claims are the JWT claims carried by a management token.
type Claims struct {
	ClientID string `json:"client_id"`
	jwt.RegisteredClaims
}

func NewJWTManager(secretKey string) *JWTManager {
	return &JWTManager{secretKey: secretKey}
}

// GenerateToken issues a 24 h token for clientID.
func (j *JWTManager) GenerateToken(clientID string) (string, error) {
	claims := &Claims{
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(j.secretKey))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and verifies a raw JWT.
func (j *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(j.secretKey), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// GenerateAPIKey wraps a fresh JWT into the llmux- key format handed to
// clients.
func (j *JWTManager) GenerateAPIKey(clientID string) (string, error) {
	token, err := j.GenerateToken(clientID)
	if err != nil {
		return "", err
	}
	encoded := strings.TrimRight(base64.URLEncoding.EncodeToString([]byte(token)), "=")
	return apiKeyPrefix + encoded, nil
}

// ValidateAPIKey validates an llmux- prefixed key, with or without a
// Bearer prefix.
func (j *JWTManager) ValidateAPIKey(key string) (*Claims, error) {
	key = strings.TrimPrefix(key, "Bearer ")
	if !strings.HasPrefix(key, apiKeyPrefix) {
		return nil, fmt.Errorf("invalid api key format")
	}
	encoded := key[len(apiKeyPrefix):]
	if pad := len(encoded) % 4; pad != 0 {
		encoded += strings.Repeat("=", 4-pad)
	}
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode api key: %w", err)
	}
	return j.ValidateToken(string(raw))
}

// IsAPIKeyFormat reports whether the token looks like an llmux- key.
func (j *JWTManager) IsAPIKeyFormat(key string) bool {
	return strings.HasPrefix(strings.TrimPrefix(key, "Bearer "), apiKeyPrefix)
}
