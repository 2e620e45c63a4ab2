// Package bridge 配对令牌
//
// 终端助手进程在 WebSocket 握手时携带配对令牌，
// 证明它是配对流程中登记过的那台设备。
package bridge

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// PairingClaims 配对令牌的 JWT Claims
type PairingClaims struct {
	TerminalID string `json:"terminal_id"`
	jwt.RegisteredClaims
}

// TokenIssuer 配对令牌签发/校验器
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenIssuer 创建配对令牌签发器
// ttl 为 0 时令牌不过期（长期配对，吊销靠删除终端行）
func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl}
}

// Issue 为终端签发配对令牌
func (ti *TokenIssuer) Issue(terminalID string) (string, error) {
	claims := &PairingClaims{
		TerminalID: terminalID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  terminalID,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if ti.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ti.ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(ti.secret)
}

// Verify 校验配对令牌并返回其终端 ID
func (ti *TokenIssuer) Verify(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &PairingClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return ti.secret, nil
	})
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(*PairingClaims)
	if !ok || !token.Valid || claims.TerminalID == "" {
		return "", fmt.Errorf("invalid pairing token")
	}
	return claims.TerminalID, nil
}
