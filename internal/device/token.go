package device

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims are the claims carried by a session-request token.
type SessionClaims struct {
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

// SessionToken mints an HS256 token signed with the device's registration
// key, valid for ttl.
func SessionToken(reg Registration, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		DeviceID: reg.DeviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(reg.Key))
}

// ParseSessionToken validates a token against the registration key and
// returns its claims.
func ParseSessionToken(tokenString, key string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(key), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}
