package api

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const testSecret = "test-secret"

func signHS256(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub": "user-123",
		"aud": "api://aud",
		"iss": "https://issuer/",
		"exp": time.Now().Add(5 * time.Minute).Unix(),
		"nbf": time.Now().Add(-time.Minute).Unix(),
		"iat": time.Now().Add(-time.Minute).Unix(),
	}
}

func newTestAuth(t *testing.T) *Auth {
	t.Helper()
	a, err := NewAuth(nil, AuthConfig{Audience: "api://aud", Issuer: "https://issuer/", TestSecret: testSecret})
	if err != nil {
		t.Fatalf("new auth: %v", err)
	}
	return a
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr error
	}{
		{name: "ok", header: "Bearer header.payload.signature", want: "header.payload.signature"},
		{name: "padded", header: "  Bearer a.b.c  ", want: "a.b.c"},
		{name: "blank", header: "   ", wantErr: errMissingAuthorization},
		{name: "scheme", header: "Basic a.b.c", wantErr: errBadAuthorization},
		{name: "prefixOnly", header: "Bearer ", wantErr: errBadAuthorization},
		{name: "manyPeriods", header: "Bearer " + strings.Repeat(".", 1000), wantErr: errBadAuthorization},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := bearerToken(tt.header)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestOwnerIDFromAuthHeaderHS256(t *testing.T) {
	a := newTestAuth(t)
	owner, err := a.OwnerIDFromAuthHeader("Bearer " + signHS256(t, validClaims()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if owner != "user-123" {
		t.Fatalf("unexpected owner %q", owner)
	}
}

func TestOwnerIDFromAuthHeaderRejectsBadClaims(t *testing.T) {
	a := newTestAuth(t)
	mutate := map[string]func(jwt.MapClaims){
		"expired":  func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-5 * time.Minute).Unix() },
		"audience": func(c jwt.MapClaims) { c["aud"] = "api://other" },
		"issuer":   func(c jwt.MapClaims) { c["iss"] = "https://evil/" },
		"noSub":    func(c jwt.MapClaims) { delete(c, "sub") },
	}
	for name, fn := range mutate {
		t.Run(name, func(t *testing.T) {
			claims := validClaims()
			fn(claims)
			if _, err := a.OwnerIDFromAuthHeader("Bearer " + signHS256(t, claims)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestOwnerIDFromAuthHeaderRejectsWrongSecret(t *testing.T) {
	a := newTestAuth(t)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims()).SignedString([]byte("other"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := a.OwnerIDFromAuthHeader("Bearer " + signed); err == nil {
		t.Fatal("expected signature error")
	}
	if _, err := a.OwnerIDFromAuthHeader(""); !errors.Is(err, errMissingAuthorization) {
		t.Fatalf("expected missing header error, got %v", err)
	}
}

func TestNewAuthRequiresJWKSOutsideTestMode(t *testing.T) {
	if _, err := NewAuth(nil, AuthConfig{Audience: "aud"}); err == nil {
		t.Fatal("expected error without jwks")
	}
	a := newTestAuth(t)
	if !a.TestMode || a.keyCacheTTL != defaultJWKSCacheTTL {
		t.Fatalf("unexpected auth %+v", a)
	}
	if _, err := a.keyForToken(&jwt.Token{Header: map[string]any{}}); err == nil {
		t.Fatal("expected error when jwks is not configured")
	}
}

func TestSignTestTokenRoundTrip(t *testing.T) {
	auth, err := NewAuth(nil, AuthConfig{TestSecret: "s", Audience: "taskorder", Issuer: "https://tenant/"})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	token, err := SignTestToken("s", "perf-user-1", "taskorder", "https://tenant/", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	owner, err := auth.OwnerIDFromAuthHeader("Bearer " + token)
	if err != nil || owner != "perf-user-1" {
		t.Fatalf("unexpected owner %q err %v", owner, err)
	}

	if _, err := SignTestToken("", "u", "", "", time.Hour); err == nil {
		t.Fatal("expected error without secret")
	}
	if _, err := SignTestToken("s", "", "", "", time.Hour); err == nil {
		t.Fatal("expected error without owner")
	}
}
