package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSignAndVerifyRoundTrip(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	token, err := SignJWT(Claims{Sub: "user-1", Email: "u@example.com"})
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}

	claims, err := VerifyJWT(token)
	if err != nil {
		t.Fatalf("VerifyJWT: %v", err)
	}
	if claims.Sub != "user-1" || claims.Email != "u@example.com" {
		t.Fatalf("claims: %+v", claims)
	}
	if claims.Iss != "chunklab" {
		t.Fatalf("issuer: got %q", claims.Iss)
	}
	if claims.Exp <= claims.Iat {
		t.Fatalf("expiry not after issued-at: %+v", claims)
	}
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	token, err := SignJWT(Claims{Sub: "user-1"})
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}
	parts := strings.Split(token, ".")
	tampered := parts[0] + "." + parts[1] + "." + "AAAA" + parts[2][4:]

	if _, err := VerifyJWT(tampered); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	past := time.Now().UTC().Add(-time.Hour).Unix()
	token, err := SignJWT(Claims{Sub: "user-1", Iat: past - 3600, Exp: past})
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}
	if _, err := VerifyJWT(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRejectsForeignIssuer(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	token, err := SignJWT(Claims{Sub: "user-1", Iss: "someone-else"})
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}
	if _, err := VerifyJWT(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestSignRequiresSubject(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	if _, err := SignJWT(Claims{}); err == nil {
		t.Fatalf("expected error for empty sub")
	}
}
