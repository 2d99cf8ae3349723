package jwt

import (
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Claims defines JWT payload.
type Claims struct {
	TeamID    string   `json:"team_id"`
	Abilities []string `json:"abilities"`
	jwtlib.RegisteredClaims
}

// GenerateToken issues a signed JWT bound to an api token row (jti) with provided secret and ttl.
func GenerateToken(tokenID, teamID string, abilities []string, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		TeamID:    teamID,
		Abilities: abilities,
		RegisteredClaims: jwtlib.RegisteredClaims{
			ID:        tokenID,
			Issuer:    "saturn",
			Subject:   teamID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Parse validates and extracts claims from token.
func Parse(token string, secret string) (*Claims, error) {
	parsed, err := jwtlib.ParseWithClaims(token, &Claims{}, func(t *jwtlib.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}), jwtlib.WithIssuer("saturn"))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	return claims, nil
}
