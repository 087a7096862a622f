package api

import (
	"errors"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

const defaultJWKSCacheTTL = 15 * time.Minute

// AuthConfig describes how bearer tokens are verified. A non-empty
// TestSecret switches to HS256 verification and no JWKS is needed.
type AuthConfig struct {
	Audience    string
	Issuer      string
	TestSecret  string
	KeyCacheTTL time.Duration
}

// Auth validates incoming JWT tokens.
type Auth struct {
	JWKS       *keyfunc.JWKS
	Audience   string
	Issuer     string
	TestMode   bool
	TestSecret []byte

	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewAuth creates an Auth verifying RS256 tokens against jwks, or HS256
// tokens against cfg.TestSecret.
func NewAuth(jwks *keyfunc.JWKS, cfg AuthConfig) (*Auth, error) {
	a := &Auth{JWKS: jwks, Audience: cfg.Audience, Issuer: cfg.Issuer, keyCacheTTL: cfg.KeyCacheTTL}
	if a.keyCacheTTL == 0 {
		a.keyCacheTTL = defaultJWKSCacheTTL
	}
	if cfg.TestSecret != "" {
		a.TestMode = true
		a.TestSecret = []byte(cfg.TestSecret)
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
		return a, nil
	}
	if jwks == nil {
		return nil, errors.New("auth: jwks is required outside test mode")
	}
	a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}))
	return a, nil
}

// OwnerIDFromAuthHeader extracts the owner identifier from the Authorization header.
func (a *Auth) OwnerIDFromAuthHeader(h string) (string, error) {
	if h == "" {
		return "", errMissingAuthorization
	}
	token, err := bearerToken(h)
	if err != nil {
		return "", err
	}
	return a.OwnerIDFromBearer(token)
}

// OwnerIDFromBearer verifies a compact JWT and returns its subject.
func (a *Auth) OwnerIDFromBearer(token string) (string, error) {
	if token == "" {
		return "", errBadAuthorization
	}

	var parsed *jwt.Token
	var err error
	if a.TestMode {
		parsed, err = a.parser.Parse(token, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("invalid signing method")
			}
			return a.TestSecret, nil
		})
	} else {
		parsed, err = a.parser.Parse(token, a.keyForToken)
	}
	if err != nil {
		return "", err
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}

	now := time.Now().Add(time.Minute).Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return "", errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now, false) {
		return "", errors.New("token not valid yet")
	}
	if !claims.VerifyIssuedAt(now, false) {
		return "", errors.New("token used before issued")
	}
	if a.Audience != "" && !claims.VerifyAudience(a.Audience, false) {
		return "", errors.New("invalid audience")
	}
	if a.Issuer != "" && !claims.VerifyIssuer(a.Issuer, false) {
		return "", errors.New("invalid issuer")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errors.New("missing sub")
	}
	return sub, nil
}

func (a *Auth) keyForToken(token *jwt.Token) (any, error) {
	if a.JWKS == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" && a.keyCacheTTL > 0 {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if time.Now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}

	key, err := a.JWKS.Keyfunc(token)
	if err != nil {
		return nil, err
	}
	if kid != "" && a.keyCacheTTL > 0 {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: time.Now().Add(a.keyCacheTTL)})
	}
	return key, nil
}
