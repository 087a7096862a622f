package api

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// SignTestToken returns an HS256 token accepted by an Auth in test mode.
// Audience and issuer are only set when non-empty.
func SignTestToken(secret, ownerID, audience, issuer string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("test secret must be set")
	}
	if ownerID == "" {
		return "", errors.New("owner id must be set")
	}
	claims := jwt.MapClaims{
		"sub": ownerID,
		"exp": time.Now().Add(ttl).Unix(),
	}
	if audience != "" {
		claims["aud"] = audience
	}
	if issuer != "" {
		claims["iss"] = issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
